// Package stream delivers ordered output chunks and lifecycle events
// from executing runs to in-process subscribers.
package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/events/bus"
)

// DefaultBufferSize bounds each subscriber's pending chunk buffer.
const DefaultBufferSize = 64

// Chunk is one ordered fragment of a run's output. ChunkIndex is
// monotonic per run starting at 0. Exactly one chunk per run carries
// IsFinal. Dropped marks a gap where a slow subscriber lost chunks;
// dropped markers carry ChunkIndex -1.
type Chunk struct {
	RunID      string    `json:"run_id"`
	Content    string    `json:"content"`
	ChunkIndex int       `json:"chunk_index"`
	IsFinal    bool      `json:"is_final"`
	Dropped    bool      `json:"dropped,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChunkHandler receives chunks for a subscription, in order.
type ChunkHandler func(Chunk)

// EventHandler receives lifecycle events, in submission order.
type EventHandler func(*bus.Event)

// Subscription identifies an active registration on the bus.
type Subscription struct {
	b       *Bus
	runID   string // empty for all-runs and event subscriptions
	isEvent bool

	mu     sync.Mutex
	ch     chan Chunk
	events chan *bus.Event
	done   chan struct{}
	closed bool
}

// Unsubscribe removes the subscription and stops its delivery
// goroutine. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.b.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Bus fans chunks and events out to subscribers. A subscriber that
// falls behind loses its oldest pending chunks and receives a dropped
// marker in their place; the producer never blocks.
type Bus struct {
	mu         sync.Mutex
	bufferSize int
	logger     *logger.Logger

	nextIndex map[string]int
	runSubs   map[string]map[*Subscription]struct{}
	allSubs   map[*Subscription]struct{}
	eventSubs map[*Subscription]struct{}
	closed    bool
}

// NewBus creates a stream bus. bufferSize <= 0 uses DefaultBufferSize.
func NewBus(bufferSize int, log *logger.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize: bufferSize,
		logger:     log,
		nextIndex:  make(map[string]int),
		runSubs:    make(map[string]map[*Subscription]struct{}),
		allSubs:    make(map[*Subscription]struct{}),
		eventSubs:  make(map[*Subscription]struct{}),
	}
}

// SubscribeRun registers a handler for one run's chunks. Only chunks
// produced after registration are delivered; there is no replay.
func (b *Bus) SubscribeRun(runID string, handler ChunkHandler) *Subscription {
	sub := b.newChunkSubscription(runID, handler)
	if sub == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.Unsubscribe()
		return nil
	}
	if _, ok := b.runSubs[runID]; !ok {
		b.runSubs[runID] = make(map[*Subscription]struct{})
	}
	b.runSubs[runID][sub] = struct{}{}
	return sub
}

// SubscribeAllRuns registers a handler for every run's chunks.
func (b *Bus) SubscribeAllRuns(handler ChunkHandler) *Subscription {
	sub := b.newChunkSubscription("", handler)
	if sub == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.Unsubscribe()
		return nil
	}
	b.allSubs[sub] = struct{}{}
	return sub
}

// SubscribeEvents registers a handler for lifecycle events. Event
// subscribers are independent of chunk subscribers.
func (b *Bus) SubscribeEvents(handler EventHandler) *Subscription {
	sub := &Subscription{
		b:       b,
		isEvent: true,
		events:  make(chan *bus.Event, b.bufferSize),
		done:    make(chan struct{}),
	}
	go func() {
		for {
			select {
			case ev := <-sub.events:
				handler(ev)
			case <-sub.done:
				return
			}
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.Unsubscribe()
		return nil
	}
	b.eventSubs[sub] = struct{}{}
	return sub
}

// EmitChunk produces the next chunk for a run, allocating its index,
// and fans it out. Returns the chunk as delivered.
func (b *Bus) EmitChunk(runID, content string, isFinal bool) Chunk {
	b.mu.Lock()
	chunk := Chunk{
		RunID:      runID,
		Content:    content,
		ChunkIndex: b.nextIndex[runID],
		IsFinal:    isFinal,
		Timestamp:  time.Now().UTC(),
	}
	if isFinal {
		delete(b.nextIndex, runID)
	} else {
		b.nextIndex[runID] = chunk.ChunkIndex + 1
	}

	targets := make([]*Subscription, 0, len(b.runSubs[runID])+len(b.allSubs))
	for sub := range b.runSubs[runID] {
		targets = append(targets, sub)
	}
	for sub := range b.allSubs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.offer(chunk)
	}
	return chunk
}

// EmitEvent delivers a lifecycle event to all event subscribers.
// Delivery is best-effort; a full subscriber loses its oldest event.
func (b *Bus) EmitEvent(event *bus.Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.eventSubs))
	for sub := range b.eventSubs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.offerEvent(event)
	}
}

// CloseRun drops retained per-run subscriber registrations once a run
// is terminal and its final chunk has been delivered.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	subs := b.runSubs[runID]
	delete(b.runSubs, runID)
	delete(b.nextIndex, runID)
	b.mu.Unlock()

	for sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.done)
		}
		sub.mu.Unlock()
	}
}

// Close shuts down the bus and every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, subs := range b.runSubs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	for sub := range b.allSubs {
		all = append(all, sub)
	}
	for sub := range b.eventSubs {
		all = append(all, sub)
	}
	b.runSubs = make(map[string]map[*Subscription]struct{})
	b.allSubs = make(map[*Subscription]struct{})
	b.eventSubs = make(map[*Subscription]struct{})
	b.nextIndex = make(map[string]int)
	b.mu.Unlock()

	for _, sub := range all {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.done)
		}
		sub.mu.Unlock()
	}
}

func (b *Bus) newChunkSubscription(runID string, handler ChunkHandler) *Subscription {
	sub := &Subscription{
		b:     b,
		runID: runID,
		ch:    make(chan Chunk, b.bufferSize),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case c := <-sub.ch:
				handler(c)
			case <-sub.done:
				// Drain what was already buffered.
				for {
					select {
					case c := <-sub.ch:
						handler(c)
					default:
						return
					}
				}
			}
		}
	}()
	return sub
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.isEvent {
		delete(b.eventSubs, s)
		return
	}
	if s.runID == "" {
		delete(b.allSubs, s)
		return
	}
	if subs, ok := b.runSubs[s.runID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.runSubs, s.runID)
		}
	}
}

// offer enqueues a chunk without blocking. When the buffer is full
// the two oldest entries are discarded to make room for a dropped
// marker followed by the new chunk.
func (s *Subscription) offer(chunk Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- chunk:
		return
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-s.ch:
		default:
		}
	}
	marker := Chunk{
		RunID:      chunk.RunID,
		ChunkIndex: -1,
		Dropped:    true,
		Timestamp:  time.Now().UTC(),
	}
	select {
	case s.ch <- marker:
	default:
	}
	select {
	case s.ch <- chunk:
	default:
		s.b.logger.Warn("stream subscriber lost chunk",
			zap.String("run_id", chunk.RunID),
			zap.Int("chunk_index", chunk.ChunkIndex))
	}
}

func (s *Subscription) offerEvent(event *bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.events <- event:
		return
	default:
	}
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- event:
	default:
	}
}
