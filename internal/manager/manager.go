// Package manager exposes the public queue API: submission, cancel,
// retry, inspection, callbacks and lifecycle, layered on the scheduler.
package manager

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/common/config"
	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/common/tracing"
	"github.com/agentq/agentq/internal/dedup"
	"github.com/agentq/agentq/internal/events"
	"github.com/agentq/agentq/internal/events/bus"
	"github.com/agentq/agentq/internal/executor"
	"github.com/agentq/agentq/internal/metrics"
	"github.com/agentq/agentq/internal/run"
	"github.com/agentq/agentq/internal/scheduler"
	"github.com/agentq/agentq/internal/store"
	"github.com/agentq/agentq/internal/stream"
)

// OutputCallback receives each output chunk of every run, in order.
type OutputCallback func(runID, content string)

// CompleteCallback fires exactly once per run that succeeds.
type CompleteCallback func(runID string, final *run.Run)

// ErrorCallback fires exactly once per run that fails.
type ErrorCallback func(runID, errorMessage string)

// SubmitRequest carries everything needed to admit a run. RunID is
// optional; a UUID is generated when empty. A nil MaxRetries keeps
// the run default.
type SubmitRequest struct {
	RunID       string
	AgentName   string
	Input       string
	Priority    run.Priority
	SessionID   string
	ParentRunID string
	MaxRetries  *int
}

// Options customize construction, mainly for tests.
type Options struct {
	Store    store.Store
	EventBus bus.EventBus
	Metrics  *metrics.Metrics
	Dedup    *dedup.Cache
}

// Option mutates Options.
type Option func(*Options)

// WithStore injects a pre-built store.
func WithStore(st store.Store) Option { return func(o *Options) { o.Store = st } }

// WithEventBus injects a pre-built event bus.
func WithEventBus(b bus.EventBus) Option { return func(o *Options) { o.EventBus = b } }

// WithMetrics injects a metrics set.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// WithDedupCache injects a dedup cache.
func WithDedupCache(c *dedup.Cache) Option { return func(o *Options) { o.Dedup = c } }

// Manager is the facade over the scheduling core.
type Manager struct {
	cfg     *config.Config
	logger  *logger.Logger
	sched   *scheduler.Scheduler
	streams *stream.Bus
	events  bus.EventBus
	store   store.Store
	dedup   *dedup.Cache
	metrics *metrics.Metrics

	mu         sync.Mutex
	onOutput   OutputCallback
	onComplete CompleteCallback
	onError    ErrorCallback
	cleanups   []func() error
	started    bool
}

// New builds a manager. Dependencies not provided through options are
// constructed from the configuration.
func New(ctx context.Context, cfg *config.Config, exec executor.Executor, log *logger.Logger, opts ...Option) (*Manager, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:     cfg,
		logger:  log,
		metrics: o.Metrics,
		dedup:   o.Dedup,
		store:   o.Store,
		events:  o.EventBus,
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	if m.dedup == nil {
		m.dedup = dedup.NewCache(cfg.Dedup.MaxSize)
	}
	if m.store == nil {
		st, err := store.Provide(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		m.store = st
		m.cleanups = append(m.cleanups, st.Close)
	}
	if m.events == nil {
		provided, cleanup, err := events.Provide(cfg, log)
		if err != nil {
			return nil, err
		}
		m.events = provided.Bus
		m.cleanups = append(m.cleanups, cleanup)
	}

	m.streams = stream.NewBus(0, log)
	m.sched = scheduler.New(cfg.Queue, m.store, exec, m.streams, m.events, m.metrics, log)
	return m, nil
}

// Start wires callback delivery and launches the scheduler. recover
// controls whether persisted pending runs are restored first.
func (m *Manager) Start(ctx context.Context, recover bool) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.streams.SubscribeAllRuns(func(chunk stream.Chunk) {
		if chunk.IsFinal || chunk.Dropped {
			return
		}
		m.mu.Lock()
		cb := m.onOutput
		m.mu.Unlock()
		if cb != nil {
			m.safeInvoke("on_output", func() { cb(chunk.RunID, chunk.Content) })
		}
	})

	m.streams.SubscribeEvents(func(ev *bus.Event) {
		runID, _ := ev.Data["run_id"].(string)
		if runID == "" {
			return
		}
		switch ev.Type {
		case events.RunCompleted:
			m.mu.Lock()
			cb := m.onComplete
			m.mu.Unlock()
			if cb == nil {
				return
			}
			final, err := m.sched.GetRun(context.Background(), runID)
			if err != nil || final == nil {
				m.logger.Warn("could not load final run for callback",
					zap.String("run_id", runID), zap.Error(err))
				return
			}
			m.safeInvoke("on_complete", func() { cb(runID, final) })
		case events.RunFailed:
			m.mu.Lock()
			cb := m.onError
			m.mu.Unlock()
			if cb != nil {
				msg, _ := ev.Data["error"].(string)
				m.safeInvoke("on_error", func() { cb(runID, msg) })
			}
		}
	})

	return m.sched.Start(ctx, recover)
}

// Stop shuts down the scheduler and releases owned resources.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	m.sched.Stop()
	m.streams.Close()

	var firstErr error
	for _, cleanup := range m.cleanups {
		if err := cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Submit admits a new run and returns its ID.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, span := tracing.Tracer("manager").Start(ctx, "queue.submit",
		trace.WithAttributes(
			attribute.String("agent_name", req.AgentName),
			attribute.String("priority", req.Priority.String()),
		))
	defer span.End()

	r := run.New(req.AgentName, req.Input, req.Priority)
	if req.RunID != "" {
		r.ID = req.RunID
	}
	r.SessionID = req.SessionID
	r.ParentRunID = req.ParentRunID
	if req.MaxRetries != nil {
		r.MaxRetries = *req.MaxRetries
	}
	runID, err := m.sched.Submit(ctx, r)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("run_id", runID))
	return runID, nil
}

// Cancel stops a queued or running run.
func (m *Manager) Cancel(ctx context.Context, runID string) bool {
	return m.sched.Cancel(ctx, runID)
}

// Retry creates a queued child of a failed run; empty when not retryable.
func (m *Manager) Retry(ctx context.Context, runID string) (string, error) {
	return m.sched.Retry(ctx, runID)
}

// ClearQueue cancels all queued runs and returns the count.
func (m *Manager) ClearQueue(ctx context.Context) int {
	return m.sched.ClearQueue(ctx)
}

// GetRun returns a run by ID, nil when unknown.
func (m *Manager) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return m.sched.GetRun(ctx, runID)
}

// ListRuns queries runs, most recent first.
func (m *Manager) ListRuns(ctx context.Context, filter store.Filter) ([]*run.Run, error) {
	return m.sched.ListRuns(ctx, filter)
}

// GetStats returns aggregate counters.
func (m *Manager) GetStats(ctx context.Context) (*run.Stats, error) {
	return m.sched.Stats(ctx)
}

// Queued returns queued runs in dispatch order.
func (m *Manager) Queued() []*run.Run { return m.sched.Queued() }

// QueuedCount is the cheap live queued counter.
func (m *Manager) QueuedCount() int { return m.sched.QueuedCount() }

// RunningCount is the cheap live running counter.
func (m *Manager) RunningCount() int { return m.sched.RunningCount() }

// OnOutput registers the per-chunk callback.
func (m *Manager) OnOutput(cb OutputCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOutput = cb
}

// OnComplete registers the success callback.
func (m *Manager) OnComplete(cb CompleteCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = cb
}

// OnError registers the failure callback.
func (m *Manager) OnError(cb ErrorCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = cb
}

// SubscribeRun attaches a chunk handler for one run's stream.
func (m *Manager) SubscribeRun(runID string, handler stream.ChunkHandler) *stream.Subscription {
	return m.streams.SubscribeRun(runID, handler)
}

// SubscribeEvents attaches a lifecycle event handler.
func (m *Manager) SubscribeEvents(handler stream.EventHandler) *stream.Subscription {
	return m.streams.SubscribeEvents(handler)
}

// CheckDuplicate hashes content and consults the dedup cache,
// accounting tokens saved on a hit.
func (m *Manager) CheckDuplicate(content, agentName string, tokens int64) bool {
	hit := m.dedup.CheckAndAdd(dedup.HashContent(content), agentName, tokens)
	if hit {
		m.metrics.DedupHits.Inc()
		m.metrics.DedupTokens.Add(float64(tokens))
	}
	return hit
}

// DedupStats returns the dedup cache counters.
func (m *Manager) DedupStats() dedup.Stats { return m.dedup.Stats() }

// SaveSession upserts a session record.
func (m *Manager) SaveSession(ctx context.Context, s *store.Session) error {
	return m.store.SaveSession(ctx, s)
}

// GetSession loads a session, nil when unknown.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return m.store.LoadSession(ctx, sessionID)
}

// ListSessions returns all session records.
func (m *Manager) ListSessions(ctx context.Context) ([]*store.Session, error) {
	return m.store.ListSessions(ctx)
}

// Metrics exposes the Prometheus registry for the HTTP layer.
func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

// safeInvoke shields scheduler state from callback panics.
func (m *Manager) safeInvoke(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("callback panicked",
				zap.String("callback", name),
				zap.Any("panic", rec))
		}
	}()
	fn()
}
