package events

import (
	"fmt"
	"sync"
)

// Action is a subscription protocol command.
type Action string

const (
	SubscribeExecution   Action = "subscribe-execution"
	UnsubscribeExecution Action = "unsubscribe-execution"
	SubscribeWorkflow    Action = "subscribe-workflow"
	UnsubscribeWorkflow  Action = "unsubscribe-workflow"
)

// Command is one protocol message received from a real-time client.
type Command struct {
	Action Action `json:"action"`
	ID     string `json:"id"`
}

// Session multiplexes one client's subscriptions onto a single channel. A
// transport layer creates one per connection and forwards Events to the client.
type Session struct {
	emitter *Emitter
	out     chan Event
	done    chan struct{}

	mu     sync.Mutex
	subs   map[scopeKey]*Subscription
	closed bool
	wg     sync.WaitGroup
}

// NewSession creates a session with an output buffer of size buffer.
func (e *Emitter) NewSession(buffer int) *Session {
	if buffer <= 0 {
		buffer = e.capacity
	}
	return &Session{
		emitter: e,
		out:     make(chan Event, buffer),
		done:    make(chan struct{}),
		subs:    make(map[scopeKey]*Subscription),
	}
}

// Events returns the merged event stream. It is closed by Close.
func (s *Session) Events() <-chan Event { return s.out }

// Handle applies one protocol command. Subscribing twice to the same scope is a no-op.
func (s *Session) Handle(cmd Command) error {
	if cmd.ID == "" {
		return fmt.Errorf("%s: id is required", cmd.Action)
	}
	var key scopeKey
	subscribe := false
	switch cmd.Action {
	case SubscribeExecution:
		key, subscribe = scopeKey{scopeExecution, cmd.ID}, true
	case UnsubscribeExecution:
		key = scopeKey{scopeExecution, cmd.ID}
	case SubscribeWorkflow:
		key, subscribe = scopeKey{scopeWorkflow, cmd.ID}, true
	case UnsubscribeWorkflow:
		key = scopeKey{scopeWorkflow, cmd.ID}
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}

	if !subscribe {
		if sub, ok := s.subs[key]; ok {
			delete(s.subs, key)
			sub.Close()
		}
		return nil
	}
	if _, ok := s.subs[key]; ok {
		return nil
	}
	sub := s.emitter.subscribe(key)
	s.subs[key] = sub
	s.wg.Add(1)
	go s.pump(sub)
	return nil
}

func (s *Session) pump(sub *Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events {
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Close ends every subscription of the session and closes Events.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	for key, sub := range s.subs {
		sub.Close()
		delete(s.subs, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.out)
}
