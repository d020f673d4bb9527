package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/broker"
	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/clock"
	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/concurrency"
	sdkerrors "github.com/TemamAb/ainexus-phoenix-sub000/pkg/errors"
	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/pool"
)

// Config holds coordinator tuning parameters.
type Config struct {
	// MaxRetries is how many times a failed record may requeue before
	// settling into FAILED. Default 2.
	MaxRetries int

	// MaxConcurrentExecutions bounds records in EXECUTING. Default 3.
	MaxConcurrentExecutions int

	// QueueCap bounds the pending queue. The oldest queued record is
	// dropped (resolving EXPIRED) on overflow. Default 50.
	QueueCap int

	// RetryDelay is the base delay before a failed record requeues; the
	// delay scales linearly with the attempt count. Default 250ms.
	RetryDelay time.Duration

	// StageTimeout bounds each backend stage call. Default 10s.
	StageTimeout time.Duration

	// Retention is how long terminal records stay queryable before their
	// slot is reclaimed. Default 1m.
	Retention time.Duration

	// InlineResultLimit is the largest result payload published inline on
	// the executions topic; larger payloads go to the archive and travel
	// by reference. Default 1.5MB.
	InlineResultLimit int
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              2,
		MaxConcurrentExecutions: 3,
		QueueCap:                50,
		RetryDelay:              250 * time.Millisecond,
		StageTimeout:            10 * time.Second,
		Retention:               time.Minute,
		InlineResultLimit:       1536 * 1024,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = d.MaxConcurrentExecutions
	}
	if c.QueueCap <= 0 {
		c.QueueCap = d.QueueCap
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = d.StageTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.InlineResultLimit <= 0 {
		c.InlineResultLimit = d.InlineResultLimit
	}
}

// Deps are the coordinator's injected collaborators. Dispatcher and Backend
// are required; the rest degrade gracefully when nil.
type Deps struct {
	Store      Store
	Publisher  Publisher
	Dispatcher Dispatcher
	Backend    ExecutionBackend
	Predicate  Predicate
	Archive    Archive
	Hooks      Hooks
	Clock      clock.Clock
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// ExecutionResult is the payload published on the executions topic when a
// record resolves.
type ExecutionResult struct {
	RecordID  string `json:"recordId"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	Result    []byte `json:"result,omitempty"`
	ResultURL string `json:"resultUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Snapshot is a read-only view of coordinator state.
type Snapshot struct {
	Counts         map[Status]int
	PendingDepth   int
	ActiveClaims   int
	ExecutionSlots concurrency.LimiterMetrics
}

type command interface{}

type submitCmd struct {
	c     Candidate
	reply chan error
}

type completeCmd struct {
	id      string
	attempt int
	result  []byte
	err     error
}

type statusCmd struct {
	reply chan Snapshot
}

type queryCmd struct {
	id    string
	reply chan Status
}

type delayed struct {
	due     time.Time
	id      string
	cleanup bool
}

// Coordinator binds the cache, broker, and pool into the candidate pipeline.
// A single owner goroutine holds all record state and the claim set; callers
// interact over a command channel, so no locks guard record transitions and
// a record id enters EXECUTING at most once concurrently.
type Coordinator struct {
	cfg     Config
	store   Store
	pub     Publisher
	disp    Dispatcher
	backend ExecutionBackend
	pred    Predicate
	archive Archive
	hooks   Hooks
	clk     clock.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
	slots   *concurrency.Limiter

	cmds   chan command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// owner-loop state
	records map[string]int
	arena   *recordArena
	pending []string
	claims  map[string]struct{}
	timers  []delayed
}

// NewCoordinator creates and starts a coordinator.
func NewCoordinator(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Dispatcher == nil {
		return nil, sdkerrors.New(sdkerrors.KindUnknown, "dispatcher is required")
	}
	if deps.Backend == nil {
		return nil, sdkerrors.New(sdkerrors.KindUnknown, "execution backend is required")
	}
	cfg.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		store:   deps.Store,
		pub:     deps.Publisher,
		disp:    deps.Dispatcher,
		backend: deps.Backend,
		pred:    deps.Predicate,
		archive: deps.Archive,
		hooks:   deps.Hooks,
		clk:     deps.Clock,
		logger:  deps.Logger,
		tracer:  deps.Tracer,
		slots:   concurrency.NewLimiter(cfg.MaxConcurrentExecutions),
		cmds:    make(chan command),
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[string]int),
		arena:   newRecordArena(cfg.QueueCap * 2),
		claims:  make(map[string]struct{}),
	}

	c.wg.Add(1)
	go c.loop()
	return c, nil
}

// Submit validates a candidate and, if accepted, moves it into the pipeline.
// It returns an error when the candidate is expired, rejected by the
// predicate, or a duplicate of an active record id.
func (c *Coordinator) Submit(ctx context.Context, cand Candidate) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- submitCmd{c: cand, reply: reply}:
	case <-c.ctx.Done():
		return sdkerrors.ErrCoordinatorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusOf reports a tracked record's current status. The empty string means
// the record is unknown or already reclaimed.
func (c *Coordinator) StatusOf(ctx context.Context, id string) Status {
	reply := make(chan Status, 1)
	select {
	case c.cmds <- queryCmd{id: id, reply: reply}:
	case <-c.ctx.Done():
		return ""
	case <-ctx.Done():
		return ""
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return ""
	}
}

// Status returns a snapshot of coordinator state for dashboards.
func (c *Coordinator) Status(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case c.cmds <- statusCmd{reply: reply}:
	case <-c.ctx.Done():
		return Snapshot{}, sdkerrors.ErrCoordinatorClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Close stops the coordinator loop and waits for in-flight executions to
// unwind.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) loop() {
	defer c.wg.Done()

	for {
		c.fireTimers()
		c.pump()

		var due <-chan time.Time
		if next, ok := c.nextDue(); ok {
			due = c.clk.After(next.Sub(c.clk.Now()))
		}

		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.cmds:
			switch m := cmd.(type) {
			case submitCmd:
				m.reply <- c.handleSubmit(m.c)
			case completeCmd:
				c.handleComplete(m)
			case statusCmd:
				m.reply <- c.snapshot()
			case queryCmd:
				m.reply <- c.statusOf(m.id)
			}
		case <-due:
		}
	}
}

func (c *Coordinator) handleSubmit(cand Candidate) error {
	now := c.clk.Now()
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = now
	}
	if cand.ExpiryHorizon <= 0 {
		cand.ExpiryHorizon = DefaultExpiryHorizon
	}
	if cand.ID == "" {
		return sdkerrors.New(sdkerrors.KindValidationFailed, "candidate id is required")
	}

	if idx, ok := c.records[cand.ID]; ok {
		state := c.arena.get(idx)
		if !state.status.Terminal() {
			return sdkerrors.New(sdkerrors.KindDuplicateClaim,
				fmt.Sprintf("record %s is already active in state %s", cand.ID, state.status))
		}
		// Terminal record resubmitted; reclaim the old slot.
		c.arena.release(idx)
		delete(c.records, cand.ID)
	}

	// Validation. An expired or rejected candidate never enters the
	// pipeline and is not tracked.
	if cand.ExpiredAt(now) {
		c.logger.Debug("rejecting expired candidate",
			zap.String("record_id", cand.ID),
			zap.Duration("age", now.Sub(cand.CreatedAt)))
		c.fireExpired(cand)
		return sdkerrors.New(sdkerrors.KindExpired, "candidate past its expiry horizon")
	}
	if c.pred != nil {
		vctx, vcancel := context.WithTimeout(c.ctx, c.cfg.StageTimeout)
		ok, err := c.pred.Accept(vctx, cand)
		vcancel()
		if err != nil {
			return sdkerrors.Wrap(sdkerrors.KindValidationFailed, "predicate error", err)
		}
		if !ok {
			return sdkerrors.New(sdkerrors.KindValidationFailed, "candidate rejected by predicate")
		}
	}

	idx, state := c.arena.alloc()
	state.candidate = cand
	state.status = StatusValidated
	c.records[cand.ID] = idx

	// Cache write failures degrade to pass-through.
	if c.store != nil {
		if err := c.store.Set(cand.CacheKey(), cand.Payload, cand.ExpiryHorizon); err != nil {
			c.logger.Warn("cache unavailable, continuing uncached",
				zap.String("record_id", cand.ID),
				zap.Error(err))
		}
	}

	// Publishing runs off the owner loop: broker I/O (and any synchronous
	// loopback subscriber) must never stall submits or timers.
	if c.pub != nil {
		c.wg.Add(1)
		go func(cand Candidate) {
			defer c.wg.Done()
			if _, err := c.pub.Publish(c.ctx, broker.TopicCandidates, cand.Payload, broker.PublishOptions{
				TTL:      cand.ExpiryHorizon,
				Priority: broker.PriorityNormal,
			}); err != nil {
				c.logger.Warn("candidate publish failed",
					zap.String("record_id", cand.ID),
					zap.Error(err))
			}
		}(cand)
	}

	c.enqueue(cand.ID)
	state.status = StatusQueued

	c.logger.Debug("candidate queued",
		zap.String("record_id", cand.ID),
		zap.String("category", cand.Category),
		zap.Int("queue_depth", len(c.pending)))
	return nil
}

// enqueue appends an id to the pending queue, dropping the oldest queued
// record on overflow. Dropped records resolve EXPIRED.
func (c *Coordinator) enqueue(id string) {
	if len(c.pending) >= c.cfg.QueueCap {
		oldest := c.pending[0]
		c.pending = c.pending[1:]
		if idx, ok := c.records[oldest]; ok {
			state := c.arena.get(idx)
			c.logger.Warn("pending queue full, expiring oldest record",
				zap.String("record_id", oldest))
			c.resolveExpired(state)
		}
	}
	c.pending = append(c.pending, id)
}

// pump claims execution slots for queued records. The claim happens here, on
// the owner loop, so each id transitions to EXECUTING at most once.
func (c *Coordinator) pump() {
	now := c.clk.Now()
	for len(c.pending) > 0 {
		id := c.pending[0]
		idx, ok := c.records[id]
		if !ok {
			c.pending = c.pending[1:]
			continue
		}
		state := c.arena.get(idx)
		if state.status != StatusQueued {
			c.pending = c.pending[1:]
			continue
		}

		// Expired while waiting for a slot: no dispatch, no slot consumed.
		if state.candidate.ExpiredAt(now) {
			c.pending = c.pending[1:]
			c.resolveExpired(state)
			continue
		}

		if !c.slots.TryAcquire() {
			return
		}
		c.pending = c.pending[1:]

		state.status = StatusExecuting
		state.attempt++
		c.claims[id] = struct{}{}

		cand := state.candidate
		attempt := state.attempt
		c.wg.Add(1)
		go c.execute(cand, attempt)
	}
}

// execute runs the stage sequence for one claimed record and reports the
// outcome back to the owner loop. It runs off-loop; all state mutation
// happens in handleComplete.
func (c *Coordinator) execute(cand Candidate, attempt int) {
	defer c.wg.Done()

	ctx, span := c.tracer.Start(c.ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("record.id", cand.ID),
			attribute.String("record.category", cand.Category),
			attribute.Int("record.attempt", attempt),
		))
	result, err := c.runStages(ctx, cand, attempt, span)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	select {
	case c.cmds <- completeCmd{id: cand.ID, attempt: attempt, result: result, err: err}:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) runStages(ctx context.Context, cand Candidate, attempt int, span trace.Span) ([]byte, error) {
	if _, err := c.runBackendStage(ctx, StagePreCheck, cand, nil); err != nil {
		return nil, err
	}
	span.AddEvent("pre-check passed")

	if _, err := c.runBackendStage(ctx, StageResourceEstimate, cand, nil); err != nil {
		return nil, err
	}
	span.AddEvent("resources estimated")

	task := pool.Task{
		ID:          cand.ID,
		Type:        cand.Category,
		Payload:     cand.Payload,
		Timeout:     c.cfg.StageTimeout,
		Attempt:     attempt,
		MaxAttempts: c.cfg.MaxRetries + 1,
	}
	fut, err := c.disp.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	res, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	span.AddEvent("pool execution complete")

	verified, err := c.runBackendStage(ctx, StageVerifyResult, cand, res.Payload)
	if err != nil {
		return nil, err
	}
	if verified == nil {
		verified = res.Payload
	}
	return verified, nil
}

func (c *Coordinator) runBackendStage(ctx context.Context, stage Stage, cand Candidate, data []byte) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	defer cancel()
	out, err := c.backend.ExecuteStage(sctx, stage, cand, data)
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.KindOf(err), fmt.Sprintf("stage %s failed", stage), err)
	}
	return out, nil
}

func (c *Coordinator) handleComplete(m completeCmd) {
	delete(c.claims, m.id)
	c.slots.Release()

	idx, ok := c.records[m.id]
	if !ok {
		return
	}
	state := c.arena.get(idx)
	if state.status != StatusExecuting {
		return
	}
	now := c.clk.Now()

	if m.err == nil {
		state.status = StatusSucceeded
		state.terminalAt = now
		c.scheduleCleanup(m.id, now)
		c.publishResult(state, m.result)
		c.logger.Info("record succeeded",
			zap.String("record_id", m.id),
			zap.Int("attempts", state.attempt))
		if c.hooks.OnSucceeded != nil {
			cand, result := state.candidate, m.result
			go c.hooks.OnSucceeded(cand, result)
		}
		return
	}

	state.lastErr = m.err
	if sdkerrors.IsRetryable(m.err) && state.attempt <= c.cfg.MaxRetries {
		state.status = StatusQueued
		delay := c.cfg.RetryDelay * time.Duration(state.attempt)
		c.timers = append(c.timers, delayed{due: now.Add(delay), id: m.id})
		c.logger.Warn("record requeued after transient failure",
			zap.String("record_id", m.id),
			zap.Int("attempt", state.attempt),
			zap.Duration("retry_in", delay),
			zap.Error(m.err))
		return
	}

	state.status = StatusFailed
	state.terminalAt = now
	c.scheduleCleanup(m.id, now)
	c.publishResult(state, nil)
	c.logger.Error("record failed",
		zap.String("record_id", m.id),
		zap.Int("attempts", state.attempt),
		zap.String("error_class", sdkerrors.Categorize(m.err)),
		zap.Error(m.err))
	if c.hooks.OnFailed != nil {
		cand, err := state.candidate, m.err
		go c.hooks.OnFailed(cand, err)
	}
}

// resolveExpired settles a tracked record as EXPIRED.
func (c *Coordinator) resolveExpired(state *recordState) {
	state.status = StatusExpired
	state.terminalAt = c.clk.Now()
	c.scheduleCleanup(state.candidate.ID, state.terminalAt)
	c.fireExpired(state.candidate)
}

func (c *Coordinator) fireExpired(cand Candidate) {
	if c.hooks.OnExpired != nil {
		go c.hooks.OnExpired(cand)
	}
}

func (c *Coordinator) scheduleCleanup(id string, now time.Time) {
	c.timers = append(c.timers, delayed{due: now.Add(c.cfg.Retention), id: id, cleanup: true})
}

// publishResult copies what it needs from the record and hands off to a
// goroutine: the archive upload and the broker publish are I/O the owner loop
// must never wait on, and a synchronous loopback subscriber may call back
// into the coordinator.
func (c *Coordinator) publishResult(state *recordState, result []byte) {
	if c.pub == nil {
		return
	}
	cand := state.candidate
	status := state.status
	attempts := state.attempt
	failure := state.lastErr

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.emitResult(cand, status, attempts, failure, result)
	}()
}

// emitResult publishes a record's resolution on the executions topic.
// Oversized result payloads are archived and referenced by URL. Runs off the
// owner loop.
func (c *Coordinator) emitResult(cand Candidate, status Status, attempts int, failure error, result []byte) {
	out := ExecutionResult{
		RecordID: cand.ID,
		Status:   status,
		Attempts: attempts,
	}
	if failure != nil && status == StatusFailed {
		out.Error = failure.Error()
	}

	if len(result) > c.cfg.InlineResultLimit && c.archive != nil {
		path := fmt.Sprintf("results/%s", cand.ID)
		url, err := c.archive.Put(c.ctx, path, result, map[string]string{
			"record_id": cand.ID,
			"category":  cand.Category,
		})
		if err != nil {
			c.logger.Warn("result archive failed, publishing inline",
				zap.String("record_id", cand.ID),
				zap.Int("size", len(result)),
				zap.Error(err))
			out.Result = result
		} else {
			out.ResultURL = url
		}
	} else {
		out.Result = result
	}

	payload, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("result marshal failed",
			zap.String("record_id", cand.ID),
			zap.Error(err))
		return
	}

	priority := broker.PriorityNormal
	if status == StatusFailed {
		priority = broker.PriorityHigh
	}
	if _, err := c.pub.Publish(c.ctx, broker.TopicExecutions, payload, broker.PublishOptions{
		Priority: priority,
	}); err != nil {
		c.logger.Warn("result publish failed",
			zap.String("record_id", cand.ID),
			zap.Error(err))
	}
}

func (c *Coordinator) nextDue() (time.Time, bool) {
	if len(c.timers) == 0 {
		return time.Time{}, false
	}
	min := c.timers[0].due
	for _, t := range c.timers[1:] {
		if t.due.Before(min) {
			min = t.due
		}
	}
	return min, true
}

// fireTimers handles all due timer entries: requeue delays move their record
// back onto the pending queue, cleanup entries reclaim terminal slots.
func (c *Coordinator) fireTimers() {
	if len(c.timers) == 0 {
		return
	}
	now := c.clk.Now()

	var remaining []delayed
	var due []delayed
	for _, t := range c.timers {
		if t.due.After(now) {
			remaining = append(remaining, t)
		} else {
			due = append(due, t)
		}
	}
	c.timers = remaining
	sort.SliceStable(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })

	for _, t := range due {
		idx, ok := c.records[t.id]
		if !ok {
			continue
		}
		state := c.arena.get(idx)

		if t.cleanup {
			if state.status.Terminal() && !now.Before(state.terminalAt.Add(c.cfg.Retention)) {
				c.arena.release(idx)
				delete(c.records, t.id)
			}
			continue
		}

		if state.status == StatusQueued {
			c.enqueue(t.id)
		}
	}
}

func (c *Coordinator) snapshot() Snapshot {
	counts := make(map[Status]int)
	for _, idx := range c.records {
		counts[c.arena.get(idx).status]++
	}
	return Snapshot{
		Counts:         counts,
		PendingDepth:   len(c.pending),
		ActiveClaims:   len(c.claims),
		ExecutionSlots: c.slots.Metrics(),
	}
}

func (c *Coordinator) statusOf(id string) Status {
	idx, ok := c.records[id]
	if !ok {
		return ""
	}
	return c.arena.get(idx).status
}
