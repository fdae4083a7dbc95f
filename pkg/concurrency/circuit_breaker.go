package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Allow while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig configures a CircuitBreaker
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int64
	// ResetTimeout is how long the circuit stays open before probing
	ResetTimeout time.Duration
	// HalfOpenSuccesses is the number of probe successes that close the circuit
	HalfOpenSuccesses int64
}

// DefaultBreakerConfig returns the configuration used for outbound HTTP hosts
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// CircuitBreaker stops calls to a failing dependency for a cool-down period.
type CircuitBreaker struct {
	state       int32 // atomic: CircuitBreakerState
	failures    int64 // atomic
	successes   int64 // atomic
	lastFailure int64 // atomic: unix nanos
	cfg         BreakerConfig
	now         func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen while the circuit is open. Once the reset
// timeout has passed the breaker moves to half-open and lets probes through.
func (cb *CircuitBreaker) Allow() error {
	if CircuitBreakerState(atomic.LoadInt32(&cb.state)) != StateOpen {
		return nil
	}
	last := atomic.LoadInt64(&cb.lastFailure)
	if cb.now().Sub(time.Unix(0, last)) > cb.cfg.ResetTimeout {
		if atomic.CompareAndSwapInt32(&cb.state, int32(StateOpen), int32(StateHalfOpen)) {
			atomic.StoreInt64(&cb.successes, 0)
		}
		return nil
	}
	return ErrCircuitOpen
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	atomic.StoreInt64(&cb.failures, 0)
	if CircuitBreakerState(atomic.LoadInt32(&cb.state)) != StateHalfOpen {
		return
	}
	if atomic.AddInt64(&cb.successes, 1) >= cb.cfg.HalfOpenSuccesses {
		atomic.StoreInt32(&cb.state, int32(StateClosed))
		atomic.StoreInt64(&cb.successes, 0)
	}
}

// RecordFailure records a failed call. Any failure while half-open reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.successes, 0)
	atomic.StoreInt64(&cb.lastFailure, cb.now().UnixNano())
	failures := atomic.AddInt64(&cb.failures, 1)

	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		if failures >= cb.cfg.FailureThreshold {
			atomic.StoreInt32(&cb.state, int32(StateOpen))
		}
	case StateHalfOpen:
		atomic.StoreInt32(&cb.state, int32(StateOpen))
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// BreakerSet keeps one breaker per key, typically a remote host.
type BreakerSet struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set sharing cfg
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for key, creating it on first use
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(s.cfg)
		s.breakers[key] = cb
	}
	return cb
}
