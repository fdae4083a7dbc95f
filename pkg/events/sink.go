package events

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/xjson"
)

// Handler consumes events and may block, for example on network I/O.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// AsyncSink decouples a blocking Handler from the publisher with a bounded
// queue. Events published while the queue is full are dropped.
type AsyncSink struct {
	handler Handler
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	queue   chan Event
	closed  bool
	wg      sync.WaitGroup
	dropped int64
}

// NewAsyncSink starts a worker delivering to h. Each Handle call is bounded by timeout.
func NewAsyncSink(h Handler, buffer int, timeout time.Duration, logger *zap.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = defaultSubscriberCapacity
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{
		handler: h,
		timeout: timeout,
		logger:  logger.Named("event-sink"),
		queue:   make(chan Event, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Publish implements Publisher.
func (s *AsyncSink) Publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
	default:
		atomic.AddInt64(&s.dropped, 1)
		s.logger.Warn("event sink queue full, dropping event",
			zap.String("event_type", string(ev.Type)),
			zap.String("execution_id", ev.ExecutionID))
	}
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.handler.Handle(ctx, ev); err != nil {
			s.logger.Warn("event sink delivery failed",
				zap.String("event_type", string(ev.Type)),
				zap.String("execution_id", ev.ExecutionID),
				zap.Error(err))
		}
		cancel()
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (s *AsyncSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close stops accepting events and waits for queued ones to be delivered.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

// JetStreamPublisher is the part of nats.JetStreamContext the sink uses.
type JetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSSink publishes events to JetStream on
// <prefix>.<workflowID>.<executionID>.<type>.
type NATSSink struct {
	js     JetStreamPublisher
	prefix string
}

// NewNATSSink creates a JetStream handler. Wrap it in an AsyncSink before
// handing it to an Emitter.
func NewNATSSink(js JetStreamPublisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "daedalus.events"
	}
	return &NATSSink{js: js, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject ev is published on.
func (s *NATSSink) Subject(ev Event) string {
	return strings.Join([]string{s.prefix, token(ev.WorkflowID), token(ev.ExecutionID), token(string(ev.Type))}, ".")
}

// Handle implements Handler.
func (s *NATSSink) Handle(ctx context.Context, ev Event) error {
	data, err := xjson.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.js.Publish(s.Subject(ev), data, nats.MsgId(ev.ID), nats.Context(ctx))
	return err
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
