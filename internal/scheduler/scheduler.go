// Package scheduler drives runs from admission through dispatch to a
// terminal state, enforcing priority order and concurrency caps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/common/config"
	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/events"
	"github.com/agentq/agentq/internal/events/bus"
	"github.com/agentq/agentq/internal/executor"
	"github.com/agentq/agentq/internal/metrics"
	"github.com/agentq/agentq/internal/run"
	"github.com/agentq/agentq/internal/scheduler/gate"
	"github.com/agentq/agentq/internal/scheduler/queue"
	"github.com/agentq/agentq/internal/store"
	"github.com/agentq/agentq/internal/stream"
)

// Admission errors returned by Submit.
var (
	ErrDuplicateRun = errors.New("run already submitted")
	ErrQueueFull    = errors.New("queue is full")
	ErrNotStarted   = errors.New("scheduler not started")
)

// heartbeatInterval is the dispatch loop's safety-net wakeup. The loop
// is normally woken by submissions and slot releases.
const heartbeatInterval = 50 * time.Millisecond

// maintenanceInterval paces the periodic cleanup of old terminal runs.
const maintenanceInterval = time.Hour

// Scheduler owns every run state transition. The queue, the gate, the
// live-run map and the wake signal are mutated only under its lock;
// the lock is never held across a store write or an executor call.
type Scheduler struct {
	cfg     config.QueueConfig
	store   store.Store
	exec    executor.Executor
	streams *stream.Bus
	bus     bus.EventBus
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu           sync.Mutex
	live         map[string]*run.Run
	cancels      map[string]context.CancelFunc
	queue        *queue.PriorityQueue
	gate         *gate.Gate
	queuedCount  int
	runningCount int

	wake     chan struct{}
	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	loopWG   sync.WaitGroup
	started  bool
	degraded bool
}

// New wires a scheduler. The executor is wrapped so panics surface as
// permanent errors rather than crashing a dispatch worker.
func New(cfg config.QueueConfig, st store.Store, exec executor.Executor, streams *stream.Bus, eventBus bus.EventBus, m *metrics.Metrics, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		exec:    executor.Safe(exec),
		streams: streams,
		bus:     eventBus,
		metrics: m,
		logger:  log,
		live:    make(map[string]*run.Run),
		cancels: make(map[string]context.CancelFunc),
		queue:   queue.New(),
		gate:    gate.New(cfg.MaxConcurrentGlobal, cfg.MaxConcurrentPerAgent),
		wake:    make(chan struct{}, 1),
	}
}

// Start runs recovery (when asked) and launches the dispatch and
// maintenance loops.
func (s *Scheduler) Start(ctx context.Context, recover bool) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	s.mu.Unlock()

	if recover {
		if err := s.recoverPending(ctx); err != nil {
			return err
		}
	}

	s.loopWG.Add(1)
	go s.dispatchLoop()
	if s.cfg.EnablePersistence && s.cfg.RetentionDays > 0 {
		s.loopWG.Add(1)
		go s.maintenanceLoop()
	}

	s.wakeDispatch()
	s.logger.Info("scheduler started",
		zap.Int("max_concurrent_global", s.cfg.MaxConcurrentGlobal),
		zap.Int("max_concurrent_per_agent", s.cfg.MaxConcurrentPerAgent),
		zap.Bool("recovered", recover))
	return nil
}

// Stop signals cancel to in-flight executors and waits for them and
// the loops to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.stop
	s.mu.Unlock()

	stop()
	s.wg.Wait()
	s.loopWG.Wait()
	s.logger.Info("scheduler stopped")
}

// Submit admits a run into the queue and returns its ID.
func (s *Scheduler) Submit(ctx context.Context, r *run.Run) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, exists := s.live[r.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateRun, r.ID)
	}
	if s.queuedCount >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %d runs queued", ErrQueueFull, s.queuedCount)
	}
	r.State = run.StateQueued
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.live[r.ID] = r
	s.queuedCount++
	s.mu.Unlock()

	// Admission requires durability; a store failure fails the submit.
	if err := s.store.SaveRun(ctx, r); err != nil {
		s.mu.Lock()
		delete(s.live, r.ID)
		s.queuedCount--
		s.mu.Unlock()
		s.noteStoreFailure(err)
		return "", err
	}
	s.noteStoreRecovered()

	s.mu.Lock()
	if err := s.queue.Push(r); err != nil {
		delete(s.live, r.ID)
		s.queuedCount--
		s.mu.Unlock()
		return "", err
	}
	depth := s.queue.Len()
	s.mu.Unlock()

	s.metrics.RunsSubmitted.Inc()
	s.metrics.QueueDepth.Set(float64(depth))
	s.emitRunEvent(events.RunSubmitted, r, map[string]interface{}{
		"agent_name": r.AgentName,
		"priority":   r.Priority.String(),
	})
	s.wakeDispatch()
	return r.ID, nil
}

// Cancel stops a run. Queued runs are cancelled immediately; running
// runs are signalled and reach CANCELLED when the executor returns.
// Returns false for unknown, terminal or already-cancelled runs.
func (s *Scheduler) Cancel(ctx context.Context, runID string) bool {
	s.mu.Lock()
	r, ok := s.live[runID]
	if !ok || r.State.IsTerminal() {
		s.mu.Unlock()
		return false
	}

	switch r.State {
	case run.StateQueued, run.StatePaused:
		s.queue.Remove(runID)
		now := time.Now().UTC()
		r.State = run.StateCancelled
		r.EndedAt = &now
		s.queuedCount--
		depth := s.queue.Len()
		s.mu.Unlock()

		s.metrics.QueueDepth.Set(float64(depth))
		s.metrics.RunsCompleted.WithLabelValues(string(run.StateCancelled)).Inc()
		s.persist(ctx, r)
		s.streams.EmitChunk(r.ID, "", true)
		s.emitRunEvent(events.RunCancelled, r, nil)
		s.streams.CloseRun(r.ID)
		return true

	case run.StateRunning:
		if s.gate.IsCancelled(runID) {
			s.mu.Unlock()
			return false
		}
		s.gate.Cancel(runID)
		cancel := s.cancels[runID]
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		return true
	}

	s.mu.Unlock()
	return false
}

// Retry creates a QUEUED child of a failed run. Returns ("", nil) when
// the run is unknown, not failed, or out of retry budget.
func (s *Scheduler) Retry(ctx context.Context, runID string) (string, error) {
	s.mu.Lock()
	parent, ok := s.live[runID]
	s.mu.Unlock()

	if !ok {
		loaded, err := s.store.LoadRun(ctx, runID)
		if err != nil || loaded == nil {
			return "", err
		}
		parent = loaded
	}
	if !parent.CanRetry() {
		return "", nil
	}

	childID := fmt.Sprintf("%s_child%d", lineageRoot(runID), parent.RetryCount+1)
	child := parent.RetryChild(childID)
	if _, err := s.Submit(ctx, child); err != nil {
		return "", err
	}

	s.metrics.RunsRetried.Inc()
	s.emitRunEvent(events.RunRetried, child, map[string]interface{}{
		"parent_run_id": runID,
		"retry_count":   child.RetryCount,
	})
	return childID, nil
}

// ClearQueue cancels every queued run and returns how many. Running
// runs are untouched.
func (s *Scheduler) ClearQueue(ctx context.Context) int {
	s.mu.Lock()
	removed := s.queue.Clear()
	now := time.Now().UTC()
	for _, r := range removed {
		r.State = run.StateCancelled
		r.EndedAt = &now
		s.queuedCount--
	}
	s.mu.Unlock()

	s.metrics.QueueDepth.Set(0)
	for _, r := range removed {
		s.metrics.RunsCompleted.WithLabelValues(string(run.StateCancelled)).Inc()
		s.persist(ctx, r)
		s.streams.EmitChunk(r.ID, "", true)
		s.emitRunEvent(events.RunCancelled, r, nil)
		s.streams.CloseRun(r.ID)
	}
	return len(removed)
}

// GetRun returns the live run if known, falling back to the store.
// Returns (nil, nil) when the run does not exist.
func (s *Scheduler) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	s.mu.Lock()
	if r, ok := s.live[runID]; ok {
		c := r.Clone()
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()
	return s.store.LoadRun(ctx, runID)
}

// ListRuns queries the store, most recent first.
func (s *Scheduler) ListRuns(ctx context.Context, filter store.Filter) ([]*run.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// Stats returns aggregate run counters from the store.
func (s *Scheduler) Stats(ctx context.Context) (*run.Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Queued returns the queued runs in dispatch order.
func (s *Scheduler) Queued() []*run.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.PeekAll()
}

// QueuedCount returns the cheap live counter of queued runs.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedCount
}

// RunningCount returns the cheap live counter of executing runs.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCount
}

// recoverPending resolves crash leftovers: RUNNING rows become FAILED
// with the interrupted marker, QUEUED and PAUSED rows re-enter the
// queue with their original created_at preserved.
func (s *Scheduler) recoverPending(ctx context.Context) error {
	interrupted, err := s.store.MarkInterruptedAsFailed(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if interrupted > 0 {
		s.logger.Warn("marked interrupted runs as failed", zap.Int("count", interrupted))
	}

	pending, err := s.store.LoadPendingRuns(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	s.mu.Lock()
	for _, r := range pending {
		r.State = run.StateQueued
		s.live[r.ID] = r
		if err := s.queue.Push(r); err != nil {
			continue
		}
		s.queuedCount++
	}
	depth := s.queue.Len()
	s.mu.Unlock()

	s.metrics.QueueDepth.Set(float64(depth))
	if len(pending) > 0 {
		s.logger.Info("requeued pending runs", zap.Int("count", len(pending)))
	}
	return nil
}

func (s *Scheduler) dispatchLoop() {
	defer s.loopWG.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.dispatch()
	}
}

// dispatch drains admissible candidates until the queue is empty or
// every remaining run is blocked by a cap.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		candidate := s.queue.PopIf(s.gate.Admissible)
		if candidate == nil {
			s.mu.Unlock()
			return
		}
		if !s.gate.TryAcquire(candidate) {
			// Lost the slot between the dry run and the acquire.
			_ = s.queue.Push(candidate)
			s.mu.Unlock()
			return
		}

		now := time.Now().UTC()
		candidate.State = run.StateRunning
		candidate.StartedAt = &now
		s.queuedCount--
		s.runningCount++
		runCtx, cancel := context.WithCancel(s.baseCtx)
		s.cancels[candidate.ID] = cancel
		depth := s.queue.Len()
		running := s.runningCount
		s.mu.Unlock()

		s.metrics.QueueDepth.Set(float64(depth))
		s.metrics.RunningRuns.Set(float64(running))
		s.metrics.WaitSeconds.Observe(now.Sub(candidate.CreatedAt).Seconds())

		s.persist(s.baseCtx, candidate)
		s.emitRunEvent(events.RunStarted, candidate, map[string]interface{}{
			"agent_name": candidate.AgentName,
		})

		s.wg.Add(1)
		go s.execute(runCtx, candidate)
	}
}

func (s *Scheduler) execute(ctx context.Context, r *run.Run) {
	defer s.wg.Done()

	log := s.logger.WithRunID(r.ID).WithAgentName(r.AgentName)
	log.Debug("executing run", zap.String("priority", r.Priority.String()))

	sink := func(content string) {
		chunk := s.streams.EmitChunk(r.ID, content, false)
		s.metrics.ChunksEmitted.Inc()
		s.emitRunEvent(events.RunOutput, r, map[string]interface{}{
			"chunk_index": chunk.ChunkIndex,
			"content":     content,
		})
	}

	result := s.exec.Execute(ctx, r, sink)
	s.complete(ctx, r, result)
}

// complete applies the terminal transition for a finished executor
// invocation. A cancel signalled before the executor returned wins
// over whatever the executor reported.
func (s *Scheduler) complete(ctx context.Context, r *run.Run, result executor.Result) {
	s.mu.Lock()
	cancelled := s.gate.IsCancelled(r.ID) || result.Outcome == executor.OutcomeCancelled

	now := time.Now().UTC()
	switch {
	case cancelled:
		r.State = run.StateCancelled
	case result.Outcome == executor.OutcomeSuccess:
		r.State = run.StateSucceeded
		r.Output = result.Output
	default:
		r.State = run.StateFailed
		r.Error = result.Message
	}
	r.EndedAt = &now

	delete(s.cancels, r.ID)
	s.runningCount--
	running := s.runningCount
	s.gate.Release(r)
	s.gate.Forget(r.ID)
	s.mu.Unlock()

	s.metrics.RunningRuns.Set(float64(running))
	s.metrics.RunsCompleted.WithLabelValues(string(r.State)).Inc()
	if r.StartedAt != nil {
		s.metrics.RunSeconds.Observe(now.Sub(*r.StartedAt).Seconds())
	}

	s.persist(context.WithoutCancel(ctx), r)
	s.streams.EmitChunk(r.ID, "", true)

	switch r.State {
	case run.StateSucceeded:
		s.emitRunEvent(events.RunCompleted, r, map[string]interface{}{
			"output": r.Output,
		})
	case run.StateFailed:
		s.emitRunEvent(events.RunFailed, r, map[string]interface{}{
			"error":     r.Error,
			"transient": result.Kind == executor.TransientError,
		})
	case run.StateCancelled:
		s.emitRunEvent(events.RunCancelled, r, nil)
	}
	s.streams.CloseRun(r.ID)

	// A slot opened up.
	s.wakeDispatch()
}

func (s *Scheduler) maintenanceLoop() {
	defer s.loopWG.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.CleanupOldRuns(s.baseCtx, s.cfg.RetentionDays)
			if err != nil {
				s.logger.Warn("cleanup of old runs failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("cleaned up old runs", zap.Int("removed", removed))
			}
		}
	}
}

func (s *Scheduler) wakeDispatch() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// persist writes the run's current state. After admission a store
// failure is degraded service, not a scheduling failure: in-memory
// state proceeds and the next transition of the run retries the write
// since SaveRun upserts every field.
func (s *Scheduler) persist(ctx context.Context, r *run.Run) {
	if err := s.store.SaveRun(ctx, r); err != nil {
		s.logger.Warn("failed to persist run state",
			zap.String("run_id", r.ID),
			zap.String("state", string(r.State)),
			zap.Error(err))
		s.noteStoreFailure(err)
		return
	}
	s.noteStoreRecovered()
}

func (s *Scheduler) noteStoreFailure(err error) {
	s.metrics.StoreFailures.Inc()
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.mu.Unlock()
	if first {
		event := bus.NewEvent(events.StoreDegraded, "scheduler", map[string]interface{}{
			"error": err.Error(),
		})
		s.publish(events.StoreDegraded, event)
	}
}

func (s *Scheduler) noteStoreRecovered() {
	s.mu.Lock()
	wasDegraded := s.degraded
	s.degraded = false
	s.mu.Unlock()
	if wasDegraded {
		s.publish(events.StoreRecovered, bus.NewEvent(events.StoreRecovered, "scheduler", nil))
	}
}

func (s *Scheduler) emitRunEvent(eventType string, r *run.Run, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["run_id"] = r.ID
	event := bus.NewEvent(eventType, "scheduler", payload)

	s.streams.EmitEvent(event)
	s.publish(events.BuildRunSubject(eventType, r.ID), event)
}

// lineageRoot strips a retry suffix so every generation of a retry
// chain is named after the original run.
func lineageRoot(runID string) string {
	idx := strings.LastIndex(runID, "_child")
	if idx < 0 {
		return runID
	}
	suffix := runID[idx+len("_child"):]
	if suffix == "" {
		return runID
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return runID
		}
	}
	return runID[:idx]
}

func (s *Scheduler) publish(subject string, event *bus.Event) {
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
