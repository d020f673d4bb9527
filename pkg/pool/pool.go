package pool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/clock"
	sdkerrors "github.com/TemamAb/ainexus-phoenix-sub000/pkg/errors"
)

// Task is a unit of work submitted to the pool. The pool owns it until its
// future resolves.
type Task struct {
	ID          string
	Type        string
	Payload     []byte
	Timeout     time.Duration
	Attempt     int
	MaxAttempts int
}

// Executor is the black-box execution backend the pool drives.
type Executor interface {
	Execute(ctx context.Context, task Task) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task Task) ([]byte, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) ([]byte, error) {
	return f(ctx, task)
}

// AlertFunc receives pool-level health alerts, such as restart budget
// exhaustion.
type AlertFunc func(message string)

// Config holds pool tuning parameters.
type Config struct {
	// Size is the number of workers. Default logical CPUs minus one,
	// minimum 1.
	Size int

	// QueueSize bounds the intake queue ahead of dispatch. Default 256.
	QueueSize int

	// DefaultTimeout applies to tasks that carry no timeout. Default 30s.
	DefaultTimeout time.Duration

	// HeartbeatInterval is how often idle workers emit a heartbeat.
	// Default 5s.
	HeartbeatInterval time.Duration

	// HeartbeatGrace is how long a worker may go without a heartbeat before
	// the monitor restarts it. Default 15s.
	HeartbeatGrace time.Duration

	// RestartBudget is the total worker restarts tolerated before the pool
	// declares itself unhealthy and halts dispatch. Default 5.
	RestartBudget int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	size := runtime.NumCPU() - 1
	if size < 1 {
		size = 1
	}
	return Config{
		Size:              size,
		QueueSize:         256,
		DefaultTimeout:    30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatGrace:    15 * time.Second,
		RestartBudget:     5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = d.HeartbeatGrace
	}
	if c.RestartBudget <= 0 {
		c.RestartBudget = d.RestartBudget
	}
}

// WorkerStats is a read-only snapshot of one worker.
type WorkerStats struct {
	ID            int
	State         WorkerState
	Load          int64
	LastHeartbeat time.Time
}

// Stats is a read-only snapshot of the pool.
type Stats struct {
	Workers      []WorkerStats
	QueueDepth   int
	Completed    int64
	Failed       int64
	Restarts     int64
	LateDiscards int64
	Healthy      bool
}

// Pool runs tasks on a fixed set of workers. Dispatch goes to the
// least-loaded worker, ties broken by ascending worker id; intake is FIFO.
// Crashed workers restart automatically until the restart budget runs out,
// after which the pool halts dispatch and raises an alert.
type Pool struct {
	cfg      Config
	executor Executor
	clk      clock.Clock
	logger   *zap.Logger
	alert    AlertFunc

	intake   chan submission
	slotFree chan struct{}
	workers  []*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed    atomic.Int64
	failed       atomic.Int64
	restarts     atomic.Int64
	lateDiscards atomic.Int64
	unhealthy    atomic.Bool
	closed       atomic.Bool
	closeOnce    sync.Once
}

// New creates and starts a pool. A nil clock uses the system clock; a nil
// logger disables logging; a nil alert func drops alerts.
func New(executor Executor, cfg Config, clk clock.Clock, logger *zap.Logger, alert AlertFunc) (*Pool, error) {
	if executor == nil {
		return nil, sdkerrors.New(sdkerrors.KindUnknown, "executor is required")
	}
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		executor: executor,
		clk:      clk,
		logger:   logger,
		alert:    alert,
		intake:   make(chan submission, cfg.QueueSize),
		slotFree: make(chan struct{}, cfg.Size),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.Size; i++ {
		w := &worker{
			id:    i,
			pool:  p,
			tasks: make(chan submission, 1),
		}
		w.setState(WorkerStarting)
		p.workers = append(p.workers, w)
		wctx, wcancel := context.WithCancel(ctx)
		w.cancel = wcancel
		p.wg.Add(1)
		go w.run(wctx)
	}

	p.wg.Add(2)
	go p.dispatchLoop()
	go p.monitorLoop()

	p.logger.Info("worker pool started",
		zap.Int("size", cfg.Size),
		zap.Int("queue_size", cfg.QueueSize))
	return p, nil
}

// Submit enqueues a task and returns its future. It blocks only when the
// intake queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	if p.closed.Load() {
		return nil, sdkerrors.ErrPoolClosed
	}
	if p.unhealthy.Load() {
		return nil, sdkerrors.New(sdkerrors.KindPoolUnhealthy, "dispatch halted: restart budget exhausted")
	}

	f := newFuture()
	select {
	case p.intake <- submission{task: task, future: f}:
		return f, nil
	case <-p.ctx.Done():
		return nil, sdkerrors.ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot of pool counters and per-worker state.
func (p *Pool) Stats() Stats {
	s := Stats{
		QueueDepth:   len(p.intake),
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		Restarts:     p.restarts.Load(),
		LateDiscards: p.lateDiscards.Load(),
		Healthy:      !p.unhealthy.Load(),
	}
	for _, w := range p.workers {
		s.Workers = append(s.Workers, WorkerStats{
			ID:            w.id,
			State:         w.getState(),
			Load:          w.load.Load(),
			LastHeartbeat: w.lastBeat(),
		})
	}
	return s
}

// Healthy reports whether the pool is still dispatching.
func (p *Pool) Healthy() bool {
	return !p.unhealthy.Load() && !p.closed.Load()
}

// Close stops the pool. Queued submissions resolve with ErrPoolClosed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
		p.drainIntake()
		p.wg.Wait()
		p.logger.Info("worker pool stopped")
	})
}

func (p *Pool) drainIntake() {
	for {
		select {
		case sub := <-p.intake:
			sub.future.resolve(Result{TaskID: sub.task.ID, Err: sdkerrors.ErrPoolClosed})
		default:
			return
		}
	}
}

func (p *Pool) signalSlotFree() {
	select {
	case p.slotFree <- struct{}{}:
	default:
	}
}

// dispatchLoop assigns intake submissions to workers in FIFO order, waiting
// for a free worker when all are busy.
func (p *Pool) dispatchLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drainIntake()
			return
		case sub := <-p.intake:
			if !p.assign(sub) {
				return
			}
		}
	}
}

func (p *Pool) assign(sub submission) bool {
	for {
		if p.unhealthy.Load() {
			sub.future.resolve(Result{
				TaskID: sub.task.ID,
				Err:    sdkerrors.New(sdkerrors.KindPoolUnhealthy, "dispatch halted: restart budget exhausted"),
			})
			return true
		}

		if w := p.leastLoaded(); w != nil {
			w.load.Add(1)
			select {
			case w.tasks <- sub:
				return true
			case <-p.ctx.Done():
				w.load.Add(-1)
				sub.future.resolve(Result{TaskID: sub.task.ID, Err: sdkerrors.ErrPoolClosed})
				return false
			}
		}

		select {
		case <-p.ctx.Done():
			sub.future.resolve(Result{TaskID: sub.task.ID, Err: sdkerrors.ErrPoolClosed})
			return false
		case <-p.slotFree:
		}
	}
}

// leastLoaded returns the dispatchable worker with the lowest in-flight
// count, ties broken by ascending id. Workers retired after budget
// exhaustion are skipped. Returns nil when every worker is saturated.
func (p *Pool) leastLoaded() *worker {
	var best *worker
	var bestLoad int64
	for _, w := range p.workers {
		if w.getState() == WorkerCrashed {
			continue
		}
		load := w.load.Load()
		if load >= int64(cap(w.tasks)) {
			continue
		}
		if best == nil || load < bestLoad {
			best = w
			bestLoad = load
		}
	}
	return best
}

// monitorLoop restarts workers whose heartbeat has gone stale beyond the
// grace window.
func (p *Pool) monitorLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.clk.After(p.cfg.HeartbeatInterval):
		}

		now := p.clk.Now()
		for _, w := range p.workers {
			state := w.getState()
			if state == WorkerCrashed || state == WorkerStarting {
				continue
			}
			if now.Sub(w.lastBeat()) > p.cfg.HeartbeatGrace {
				p.logger.Warn("worker heartbeat stale, restarting",
					zap.Int("worker_id", w.id),
					zap.Time("last_heartbeat", w.lastBeat()))
				p.restartWorker(w, true)
			}
		}
	}
}

// handleCrash is called from a worker when its executor panics. The worker
// goroutine survives the panic, so no respawn is needed.
func (p *Pool) handleCrash(w *worker) {
	w.setState(WorkerCrashed)
	p.restartWorker(w, false)
}

func (p *Pool) restartWorker(w *worker, respawn bool) {
	total := p.restarts.Add(1)
	if int(total) > p.cfg.RestartBudget {
		w.setState(WorkerCrashed)
		if p.unhealthy.CompareAndSwap(false, true) {
			p.logger.Error("worker restart budget exhausted, halting dispatch",
				zap.Int64("restarts", total),
				zap.Int("budget", p.cfg.RestartBudget))
			if p.alert != nil {
				p.alert("worker pool unhealthy: restart budget exhausted")
			}
			p.signalSlotFree()
		}
		return
	}

	w.setState(WorkerRestarting)
	p.logger.Info("restarting worker",
		zap.Int("worker_id", w.id),
		zap.Int64("total_restarts", total))

	if respawn {
		// The old goroutine may still be alive; cancel it so only the
		// replacement reads from the task channel.
		w.cancel()
		wctx, wcancel := context.WithCancel(p.ctx)
		w.cancel = wcancel
		w.beat(p.clk.Now())
		p.wg.Add(1)
		go w.run(wctx)
	} else {
		w.beat(p.clk.Now())
		w.setState(WorkerIdle)
	}
}
