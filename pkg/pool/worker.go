package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/TemamAb/ainexus-phoenix-sub000/pkg/errors"
)

// WorkerState is the lifecycle state of a single worker.
type WorkerState int32

const (
	WorkerStarting WorkerState = iota
	WorkerIdle
	WorkerBusy
	WorkerCrashed
	WorkerRestarting
)

// String returns a human-readable state name.
func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerCrashed:
		return "crashed"
	case WorkerRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

type submission struct {
	task   Task
	future *Future
}

type worker struct {
	id   int
	pool *Pool

	tasks  chan submission
	cancel context.CancelFunc

	state        atomic.Int32
	load         atomic.Int64
	lastBeatNano atomic.Int64
}

func (w *worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

func (w *worker) getState() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *worker) beat(now time.Time) {
	w.lastBeatNano.Store(now.UnixNano())
}

func (w *worker) lastBeat() time.Time {
	return time.Unix(0, w.lastBeatNano.Load())
}

// run is the worker loop. It executes one task at a time and emits a
// heartbeat both between waits and while a task is in flight, so the monitor
// only restarts a worker whose goroutine is genuinely wedged.
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.beat(w.pool.clk.Now())
	w.setState(WorkerIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.pool.clk.After(w.pool.cfg.HeartbeatInterval):
			w.beat(w.pool.clk.Now())
		case sub := <-w.tasks:
			w.setState(WorkerBusy)
			w.execute(ctx, sub)
			w.beat(w.pool.clk.Now())
			if w.getState() == WorkerBusy {
				w.setState(WorkerIdle)
			}
		}
	}
}

type execOutcome struct {
	payload []byte
	err     error
	crashed bool
}

// execute runs one task with timeout enforcement and panic isolation. The
// executor runs in a child goroutine so a hung call cannot stall the worker
// past the task's timeout.
func (w *worker) execute(ctx context.Context, sub submission) {
	defer func() {
		w.load.Add(-1)
		w.pool.signalSlotFree()
	}()

	task := sub.task
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.pool.cfg.DefaultTimeout
	}

	outcome := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- execOutcome{
					err:     sdkerrors.New(sdkerrors.KindWorkerCrashed, fmt.Sprintf("executor panic: %v", r)),
					crashed: true,
				}
			}
		}()
		payload, err := w.pool.executor.Execute(ctx, task)
		outcome <- execOutcome{payload: payload, err: err}
	}()

	deadline := w.pool.clk.After(timeout)
	for {
		select {
		case out := <-outcome:
			if out.crashed {
				sub.future.resolve(Result{TaskID: task.ID, Err: out.err})
				w.pool.failed.Add(1)
				w.pool.logger.Warn("worker crashed executing task",
					zap.Int("worker_id", w.id),
					zap.String("task_id", task.ID),
					zap.Error(out.err))
				w.pool.handleCrash(w)
				return
			}
			if out.err != nil {
				sub.future.resolve(Result{TaskID: task.ID, Err: out.err})
				w.pool.failed.Add(1)
				return
			}
			if sub.future.resolve(Result{TaskID: task.ID, Payload: out.payload}) {
				w.pool.completed.Add(1)
			} else {
				w.pool.lateDiscards.Add(1)
			}
			return

		case <-w.pool.clk.After(w.pool.cfg.HeartbeatInterval):
			// A busy worker is not a wedged worker.
			w.beat(w.pool.clk.Now())

		case <-deadline:
			sub.future.resolve(Result{
				TaskID: task.ID,
				Err:    sdkerrors.New(sdkerrors.KindWorkerTimeout, fmt.Sprintf("task %s exceeded %s", task.ID, timeout)),
			})
			w.pool.failed.Add(1)
			w.pool.logger.Warn("task timed out",
				zap.Int("worker_id", w.id),
				zap.String("task_id", task.ID),
				zap.Duration("timeout", timeout))
			// Late results from the abandoned executor call are discarded.
			go func() {
				if out := <-outcome; out.crashed {
					w.pool.handleCrash(w)
				} else {
					w.pool.lateDiscards.Add(1)
				}
			}()
			return

		case <-ctx.Done():
			if w.pool.closed.Load() || w.pool.ctx.Err() != nil {
				sub.future.resolve(Result{TaskID: task.ID, Err: sdkerrors.ErrPoolClosed})
				return
			}
			// Only this worker's context was cancelled: the monitor restarted
			// it with the task still in flight. The work is lost but safe to
			// retry.
			sub.future.resolve(Result{
				TaskID: task.ID,
				Err:    sdkerrors.New(sdkerrors.KindWorkerCrashed, fmt.Sprintf("worker %d restarted with task %s in flight", w.id, task.ID)),
			})
			w.pool.failed.Add(1)
			go func() {
				<-outcome
				w.pool.lateDiscards.Add(1)
			}()
			return
		}
	}
}
