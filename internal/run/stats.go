package run

// Stats is a snapshot of run counts by state.
type Stats struct {
	Queued    int `json:"queued_count"`
	Running   int `json:"running_count"`
	Paused    int `json:"paused_count"`
	Succeeded int `json:"succeeded_count"`
	Failed    int `json:"failed_count"`
	Cancelled int `json:"cancelled_count"`
	Total     int `json:"total_runs"`
}

// Active returns the number of runs in a non-terminal state.
func (s Stats) Active() int {
	return s.Queued + s.Running + s.Paused
}

// Add increments the counter for the given state.
func (s *Stats) Add(state State, n int) {
	switch state {
	case StateQueued:
		s.Queued += n
	case StateRunning:
		s.Running += n
	case StatePaused:
		s.Paused += n
	case StateSucceeded:
		s.Succeeded += n
	case StateFailed:
		s.Failed += n
	case StateCancelled:
		s.Cancelled += n
	}
	s.Total += n
}
