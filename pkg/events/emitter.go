package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultSubscriberCapacity = 256

// Option customizes Emitter construction.
type Option func(*Emitter)

// WithLogger injects a logger for drop diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger.Named("events")
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// WithSink forwards every event to s in addition to subscribers.
func WithSink(s Publisher) Option {
	return func(e *Emitter) {
		if s != nil {
			e.sinks = append(e.sinks, s)
		}
	}
}

type scope uint8

const (
	scopeExecution scope = iota
	scopeWorkflow
)

type scopeKey struct {
	scope scope
	id    string
}

// Emitter fans events out to subscribers and sinks.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[scopeKey]map[*subscriber]struct{}
	sinks       []Publisher
	capacity    int
	logger      *zap.Logger
	dropped     int64
	now         func() time.Time
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		subscribers: make(map[scopeKey]map[*subscriber]struct{}),
		capacity:    defaultSubscriberCapacity,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Subscription is an active subscription. Events is closed by Close.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// SubscribeExecution receives every event of one execution.
func (e *Emitter) SubscribeExecution(executionID string) *Subscription {
	return e.subscribe(scopeKey{scopeExecution, executionID})
}

// SubscribeWorkflow receives every event of every execution of one workflow.
func (e *Emitter) SubscribeWorkflow(workflowID string) *Subscription {
	return e.subscribe(scopeKey{scopeWorkflow, workflowID})
}

func (e *Emitter) subscribe(key scopeKey) *Subscription {
	sub := newSubscriber(e.capacity)
	e.mu.Lock()
	if e.subscribers[key] == nil {
		e.subscribers[key] = make(map[*subscriber]struct{})
	}
	e.subscribers[key][sub] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	return &Subscription{
		Events: sub.ch,
		cancel: func() {
			once.Do(func() { e.remove(key, sub) })
		},
	}
}

func (e *Emitter) remove(key scopeKey, sub *subscriber) {
	e.mu.Lock()
	if subs := e.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(e.subscribers, key)
		}
	}
	e.mu.Unlock()
	sub.close()
}

// Publish delivers ev to subscribers of its execution and workflow, then to
// sinks. With nobody listening it returns without allocating.
func (e *Emitter) Publish(ev Event) {
	e.mu.RLock()
	execSubs := e.subscribers[scopeKey{scopeExecution, ev.ExecutionID}]
	wfSubs := e.subscribers[scopeKey{scopeWorkflow, ev.WorkflowID}]
	if len(execSubs) == 0 && len(wfSubs) == 0 && len(e.sinks) == 0 {
		e.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(execSubs)+len(wfSubs))
	for s := range execSubs {
		targets = append(targets, s)
	}
	for s := range wfSubs {
		targets = append(targets, s)
	}
	sinks := e.sinks
	e.mu.RUnlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}

	for _, s := range targets {
		if dropped, ok := s.deliver(ev); ok {
			atomic.AddInt64(&e.dropped, 1)
			e.logger.Debug("dropped event for slow subscriber",
				zap.String("event_type", string(dropped.Type)),
				zap.String("execution_id", dropped.ExecutionID))
		}
	}
	for _, s := range sinks {
		s.Publish(ev)
	}
}

// Dropped returns how many events were discarded because a subscriber was full.
func (e *Emitter) Dropped() int64 {
	return atomic.LoadInt64(&e.dropped)
}

// SubscriberCount returns the number of live subscriptions.
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, subs := range e.subscribers {
		n += len(subs)
	}
	return n
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newSubscriber(capacity int) *subscriber {
	return &subscriber{ch: make(chan Event, capacity)}
}

// deliver enqueues ev without blocking. When the queue is full the oldest
// queued event is dropped and returned.
func (s *subscriber) deliver(ev Event) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, false
	}
	for {
		select {
		case s.ch <- ev:
			return Event{}, false
		default:
		}
		select {
		case oldest := <-s.ch:
			s.ch <- ev
			return oldest, true
		default:
			// drained by the reader in between; try again
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
