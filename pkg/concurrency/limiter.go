package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter usage
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	TotalRejected   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds the number of simultaneously running node tasks.
// It is a channel semaphore; a nil *Limiter never limits.
type Limiter struct {
	sem     chan struct{}
	active  int64
	metrics Metrics
}

// NewLimiter creates a limiter allowing maxConcurrent holders at once
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks until a slot is available or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		l.acquired()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking. The scheduler uses it so that it
// can keep draining completions while the ceiling is reached.
func (l *Limiter) TryAcquire() bool {
	if l == nil {
		return true
	}
	select {
	case l.sem <- struct{}{}:
		l.acquired()
		return true
	default:
		atomic.AddInt64(&l.metrics.TotalRejected, 1)
		return false
	}
}

// Release returns a slot to the limiter
func (l *Limiter) Release() {
	if l == nil {
		return
	}
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
	}
}

// Capacity returns the maximum number of concurrent holders
func (l *Limiter) Capacity() int {
	if l == nil {
		return 0
	}
	return cap(l.sem)
}

// CurrentActive returns the number of slots currently held
func (l *Limiter) CurrentActive() int64 {
	if l == nil {
		return 0
	}
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	if l == nil {
		return Metrics{}
	}
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		TotalRejected:   atomic.LoadInt64(&l.metrics.TotalRejected),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

func (l *Limiter) acquired() {
	atomic.AddInt64(&l.metrics.TotalAcquired, 1)
	current := atomic.AddInt64(&l.active, 1)
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			return
		}
	}
}
