package pool

import (
	"context"
	"sync"
)

// Result is the terminal outcome of a submitted task.
type Result struct {
	TaskID  string
	Payload []byte
	Err     error
}

// Future is a pending handle for a submitted task. It resolves exactly once;
// later completion attempts for the same task are discarded.
type Future struct {
	once sync.Once
	done chan struct{}
	res  Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve settles the future. It reports whether this call won the race.
func (f *Future) resolve(res Result) bool {
	won := false
	f.once.Do(func() {
		f.res = res
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once the future has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or the context is cancelled.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Peek returns the result if the future has already resolved.
func (f *Future) Peek() (Result, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result{}, false
	}
}
