package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/TemamAb/ainexus-phoenix-sub000/pkg/errors"
)

func newTestPool(t *testing.T, executor Executor, cfg Config, alert AlertFunc) *Pool {
	t.Helper()
	p, err := New(executor, cfg, nil, nil, alert)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func waitResult(t *testing.T, f *Future) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NoError(t, err, "future did not resolve in time")
	return res
}

func TestSubmitResolvesSuccess(t *testing.T) {
	p := newTestPool(t, ExecutorFunc(func(_ context.Context, task Task) ([]byte, error) {
		return append([]byte("done:"), task.Payload...), nil
	}), Config{Size: 2}, nil)

	fut, err := p.Submit(context.Background(), Task{ID: "t1", Payload: []byte("x")})
	require.NoError(t, err)

	res := waitResult(t, fut)
	assert.NoError(t, res.Err)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, []byte("done:x"), res.Payload)
}

func TestConcurrencyBoundedByPoolSize(t *testing.T) {
	const size = 4
	const tasks = 10

	var active, peak atomic.Int64
	release := make(chan struct{})

	p := newTestPool(t, ExecutorFunc(func(_ context.Context, _ Task) ([]byte, error) {
		cur := active.Add(1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		<-release
		active.Add(-1)
		return nil, nil
	}), Config{Size: size}, nil)

	futures := make([]*Future, 0, tasks)
	for i := 0; i < tasks; i++ {
		fut, err := p.Submit(context.Background(), Task{ID: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		futures = append(futures, fut)
	}

	// Let the first wave start.
	require.Eventually(t, func() bool { return active.Load() == size }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(size), peak.Load())

	close(release)
	for _, fut := range futures {
		waitResult(t, fut)
	}
	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Equal(t, int64(tasks), p.Stats().Completed)
}

func TestTaskTimeoutResolvesOnceAndDiscardsLateResult(t *testing.T) {
	hang := make(chan struct{})
	p := newTestPool(t, ExecutorFunc(func(_ context.Context, _ Task) ([]byte, error) {
		<-hang
		return []byte("late"), nil
	}), Config{Size: 1, DefaultTimeout: 50 * time.Millisecond}, nil)

	fut, err := p.Submit(context.Background(), Task{ID: "slow"})
	require.NoError(t, err)

	res := waitResult(t, fut)
	require.Error(t, res.Err)
	assert.Equal(t, sdkerrors.KindWorkerTimeout, sdkerrors.KindOf(res.Err))
	assert.True(t, sdkerrors.IsRetryable(res.Err))

	// The executor completes after the timeout; its result must not
	// overwrite the resolved future.
	close(hang)
	require.Eventually(t, func() bool { return p.Stats().LateDiscards == 1 }, 2*time.Second, 5*time.Millisecond)
	again, ok := fut.Peek()
	require.True(t, ok)
	assert.Error(t, again.Err)
}

func TestTimedOutWorkerAcceptsNewTasks(t *testing.T) {
	hang := make(chan struct{})
	var calls atomic.Int64
	p := newTestPool(t, ExecutorFunc(func(_ context.Context, task Task) ([]byte, error) {
		if calls.Add(1) == 1 {
			<-hang
		}
		return task.Payload, nil
	}), Config{Size: 1, DefaultTimeout: 50 * time.Millisecond}, nil)
	defer close(hang)

	first, err := p.Submit(context.Background(), Task{ID: "wedged"})
	require.NoError(t, err)
	res := waitResult(t, first)
	require.Error(t, res.Err)

	// The slot was released by the timeout.
	second, err := p.Submit(context.Background(), Task{ID: "next", Payload: []byte("ok")})
	require.NoError(t, err)
	res = waitResult(t, second)
	assert.NoError(t, res.Err)
	assert.Equal(t, []byte("ok"), res.Payload)
}

func TestBusyWorkerSurvivesHeartbeatMonitor(t *testing.T) {
	// A task that runs longer than the heartbeat grace window, while still
	// inside its own timeout, must complete normally: the busy worker keeps
	// beating so the monitor never restarts it.
	p := newTestPool(t, ExecutorFunc(func(_ context.Context, task Task) ([]byte, error) {
		time.Sleep(200 * time.Millisecond)
		return task.Payload, nil
	}), Config{
		Size:              1,
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatGrace:    40 * time.Millisecond,
		DefaultTimeout:    5 * time.Second,
	}, nil)

	fut, err := p.Submit(context.Background(), Task{ID: "long", Payload: []byte("ok")})
	require.NoError(t, err)

	res := waitResult(t, fut)
	assert.NoError(t, res.Err)
	assert.Equal(t, []byte("ok"), res.Payload)
	assert.Equal(t, int64(0), p.Stats().Restarts)
	assert.True(t, p.Healthy())
}

func TestRestartWithTaskInFlightFailsAsCrash(t *testing.T) {
	hang := make(chan struct{})
	p := newTestPool(t, ExecutorFunc(func(_ context.Context, _ Task) ([]byte, error) {
		<-hang
		return nil, nil
	}), Config{Size: 1, DefaultTimeout: 5 * time.Second}, nil)
	defer close(hang)

	fut, err := p.Submit(context.Background(), Task{ID: "inflight"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.workers[0].getState() == WorkerBusy
	}, 2*time.Second, 5*time.Millisecond)

	// Restart the busy worker the way the monitor would for a stale
	// heartbeat. The in-flight task is lost, not terminally failed.
	p.restartWorker(p.workers[0], true)

	res := waitResult(t, fut)
	require.Error(t, res.Err)
	assert.Equal(t, sdkerrors.KindWorkerCrashed, sdkerrors.KindOf(res.Err))
	assert.True(t, sdkerrors.IsRetryable(res.Err))
	assert.Equal(t, int64(1), p.Stats().Restarts)
}

func TestPanicIsIsolatedAndWorkerRestarts(t *testing.T) {
	var calls atomic.Int64
	p := newTestPool(t, ExecutorFunc(func(_ context.Context, task Task) ([]byte, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return []byte("recovered"), nil
	}), Config{Size: 1}, nil)

	first, err := p.Submit(context.Background(), Task{ID: "crash"})
	require.NoError(t, err)
	res := waitResult(t, first)
	require.Error(t, res.Err)
	assert.Equal(t, sdkerrors.KindWorkerCrashed, sdkerrors.KindOf(res.Err))
	assert.True(t, sdkerrors.IsRetryable(res.Err))

	second, err := p.Submit(context.Background(), Task{ID: "after"})
	require.NoError(t, err)
	res = waitResult(t, second)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(1), p.Stats().Restarts)
}

func TestRestartBudgetExhaustionHaltsDispatch(t *testing.T) {
	var alerts []string
	var alertMu sync.Mutex
	alert := func(msg string) {
		alertMu.Lock()
		alerts = append(alerts, msg)
		alertMu.Unlock()
	}

	p := newTestPool(t, ExecutorFunc(func(_ context.Context, _ Task) ([]byte, error) {
		panic("always")
	}), Config{Size: 1, RestartBudget: 2}, alert)

	// Each submission crashes the worker; the third crash exceeds the budget.
	for i := 0; i < 3; i++ {
		fut, err := p.Submit(context.Background(), Task{ID: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
		res := waitResult(t, fut)
		require.Error(t, res.Err)
	}

	require.Eventually(t, func() bool { return !p.Healthy() }, 2*time.Second, 5*time.Millisecond)

	_, err := p.Submit(context.Background(), Task{ID: "rejected"})
	require.Error(t, err)
	assert.Equal(t, sdkerrors.KindPoolUnhealthy, sdkerrors.KindOf(err))

	alertMu.Lock()
	defer alertMu.Unlock()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "restart budget")
}

func TestExecutorErrorIsNotACrash(t *testing.T) {
	p := newTestPool(t, ExecutorFunc(func(_ context.Context, _ Task) ([]byte, error) {
		return nil, sdkerrors.New(sdkerrors.KindValidationFailed, "rejected downstream")
	}), Config{Size: 1}, nil)

	fut, err := p.Submit(context.Background(), Task{ID: "t"})
	require.NoError(t, err)
	res := waitResult(t, fut)
	require.Error(t, res.Err)
	assert.False(t, sdkerrors.IsRetryable(res.Err))

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.Restarts)
	assert.Equal(t, int64(1), stats.Failed)
	assert.True(t, p.Healthy())
}

func TestSubmitAfterClose(t *testing.T) {
	p, err := New(ExecutorFunc(func(_ context.Context, _ Task) ([]byte, error) {
		return nil, nil
	}), Config{Size: 1}, nil, nil, nil)
	require.NoError(t, err)

	p.Close()
	_, err = p.Submit(context.Background(), Task{ID: "t"})
	assert.ErrorIs(t, err, sdkerrors.ErrPoolClosed)
}

func TestStatsReportsWorkers(t *testing.T) {
	p := newTestPool(t, ExecutorFunc(func(_ context.Context, _ Task) ([]byte, error) {
		return nil, nil
	}), Config{Size: 3}, nil)

	stats := p.Stats()
	require.Len(t, stats.Workers, 3)
	for i, w := range stats.Workers {
		assert.Equal(t, i, w.ID)
	}
	assert.True(t, stats.Healthy)
}
