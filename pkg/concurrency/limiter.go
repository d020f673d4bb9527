// Package concurrency provides the execution-slot limiter and the transport
// circuit breaker used by the pipeline and the broker.
package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// LimiterMetrics tracks slot acquisition statistics.
type LimiterMetrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a semaphore bounding concurrent executions. The pipeline holds
// one slot per record in the EXECUTING state.
type Limiter struct {
	sem     chan struct{}
	active  atomic.Int64
	metrics struct {
		acquired atomic.Int64
		released atomic.Int64
		peak     atomic.Int64
		waitNs   atomic.Int64
	}
}

// NewLimiter creates a limiter with the given number of slots (minimum 1).
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks until a slot is free or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		l.metrics.waitNs.Add(time.Since(start).Nanoseconds())
		l.metrics.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking. It returns false when all slots
// are busy.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		l.metrics.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return true
	default:
		return false
	}
}

// Release returns a slot to the limiter.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.metrics.released.Add(1)
	default:
		// Release without a matching Acquire; ignore.
	}
}

// CurrentActive returns the number of slots currently held.
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Capacity returns the total number of slots.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Metrics returns a snapshot of the limiter counters.
func (l *Limiter) Metrics() LimiterMetrics {
	return LimiterMetrics{
		TotalAcquired:   l.metrics.acquired.Load(),
		TotalReleased:   l.metrics.released.Load(),
		PeakConcurrent:  l.metrics.peak.Load(),
		TotalWaitTimeNs: l.metrics.waitNs.Load(),
	}
}

// AverageWaitTime returns the mean time spent waiting for a slot.
func (l *Limiter) AverageWaitTime() time.Duration {
	m := l.Metrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.metrics.peak.Load()
		if current <= peak {
			return
		}
		if l.metrics.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
