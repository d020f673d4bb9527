package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/clock"
	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/concurrency"
	sdkerrors "github.com/TemamAb/ainexus-phoenix-sub000/pkg/errors"
)

var errTransportDown = errors.New("transport unavailable")

// Config holds broker tuning parameters.
type Config struct {
	// OfflineQueueCap bounds the offline queue. Oldest envelopes are dropped
	// on overflow. Default 1000.
	OfflineQueueCap int

	// DrainInterval is how often the drain loop checks for a recovered
	// transport. Default 100ms.
	DrainInterval time.Duration

	// MaxDrainBackoff caps the exponential backoff between failed drain
	// attempts. Default 5s.
	MaxDrainBackoff time.Duration

	// BreakerThreshold is the consecutive publish failures that open the
	// transport circuit. Default 5.
	BreakerThreshold int64

	// BreakerReset is how long the circuit stays open before probing.
	// Default 10s.
	BreakerReset time.Duration
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		OfflineQueueCap:  1000,
		DrainInterval:    100 * time.Millisecond,
		MaxDrainBackoff:  5 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.OfflineQueueCap <= 0 {
		c.OfflineQueueCap = d.OfflineQueueCap
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.MaxDrainBackoff <= 0 {
		c.MaxDrainBackoff = d.MaxDrainBackoff
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = d.BreakerReset
	}
}

// AlertFunc receives broker-level health alerts, such as offline queue
// overflow. The broker cannot raise these through its own transport: the
// transport is down whenever they fire.
type AlertFunc func(message string)

// PublishOptions carries the per-envelope TTL and priority.
type PublishOptions struct {
	TTL      time.Duration
	Priority Priority
}

// Handler consumes delivered envelopes. Delivery is at-least-once: a handler
// may observe the same envelope id more than once after a transport recovery
// and must be idempotent on it.
type Handler func(Envelope)

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	id    int
	topic string
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string { return s.topic }

// Stats is a read-only snapshot of broker counters.
type Stats struct {
	Published      int64
	Queued         int64
	QueueDepth     int
	Redelivered    int64
	DroppedOnFull  int64
	DroppedExpired int64
}

// Broker routes envelopes between publishers and topic subscribers over a
// Transport. Publishes while the transport is unavailable are absorbed into a
// bounded offline queue and redriven in original order once connectivity
// returns; the outage is never surfaced to the producer.
type Broker struct {
	transport Transport
	cfg       Config
	clk       clock.Clock
	logger    *zap.Logger
	alert     AlertFunc
	breaker   *concurrency.CircuitBreaker

	// offline queue; single-writer discipline: mutated only via enqueue and
	// the drain loop, both under mu.
	mu      sync.Mutex
	offline []Envelope

	subsMu     sync.Mutex
	subs       map[string]map[int]Handler
	transports map[string]func()
	nextSubID  int

	published      atomic.Int64
	queued         atomic.Int64
	redelivered    atomic.Int64
	droppedOnFull  atomic.Int64
	droppedExpired atomic.Int64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a broker over the given transport and starts its drain loop.
// A nil clock uses the system clock; a nil logger disables logging; a nil
// alert func drops alerts.
func New(transport Transport, cfg Config, clk clock.Clock, logger *zap.Logger, alert AlertFunc) *Broker {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Broker{
		transport:  transport,
		cfg:        cfg,
		clk:        clk,
		logger:     logger,
		alert:      alert,
		breaker:    concurrency.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		subs:       make(map[string]map[int]Handler),
		transports: make(map[string]func()),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go b.drainLoop()
	return b
}

// Publish sends a payload to a topic and returns the envelope id. A transport
// outage is absorbed: the envelope joins the offline queue and the producer
// still receives the id with no error.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) (string, error) {
	if topic == "" {
		return "", sdkerrors.ErrInvalidTopic
	}

	env := NewEnvelope(topic, payload, b.clk.Now()).
		WithTTL(opts.TTL).
		WithPriority(opts.Priority)

	if b.breaker.IsOpen() || !b.transport.Healthy() {
		b.enqueue(env, sdkerrors.Wrap(sdkerrors.KindBrokerUnavailable, "transport unavailable", nil))
		return env.ID, nil
	}

	data, err := env.ToBytes()
	if err != nil {
		return "", err
	}

	if err := b.transport.Publish(ctx, topic, data); err != nil {
		b.breaker.RecordFailure()
		b.enqueue(env, sdkerrors.Wrap(sdkerrors.KindBrokerUnavailable, "publish failed", err))
		return env.ID, nil
	}

	b.breaker.RecordSuccess()
	b.published.Add(1)
	b.logger.Debug("envelope published",
		zap.String("topic", topic),
		zap.String("envelope_id", env.ID),
		zap.String("priority", string(env.Priority)))
	return env.ID, nil
}

// Subscribe registers a handler for a topic. Every handler on a topic
// receives every envelope delivered to it.
func (b *Broker) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if topic == "" {
		return nil, sdkerrors.ErrInvalidTopic
	}
	if handler == nil {
		return nil, sdkerrors.ErrInvalidHandler
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
		cancel, err := b.transport.Subscribe(topic, func(data []byte) {
			b.dispatch(topic, data)
		})
		if err != nil {
			delete(b.subs, topic)
			return nil, sdkerrors.Wrap(sdkerrors.KindBrokerUnavailable, "transport subscribe failed", err)
		}
		b.transports[topic] = cancel
	}

	b.nextSubID++
	id := b.nextSubID
	b.subs[topic][id] = handler
	return &Subscription{id: id, topic: topic}, nil
}

// Unsubscribe removes a handler. The transport subscription for the topic is
// dropped once no handlers remain.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	handlers := b.subs[sub.topic]
	if handlers == nil {
		return
	}
	delete(handlers, sub.id)
	if len(handlers) == 0 {
		delete(b.subs, sub.topic)
		if cancel := b.transports[sub.topic]; cancel != nil {
			cancel()
			delete(b.transports, sub.topic)
		}
	}
}

// Flush synchronously drains the offline queue while the transport stays
// healthy. It returns the number of envelopes redelivered.
func (b *Broker) Flush(ctx context.Context) int {
	return b.drainOnce(ctx)
}

// Stats returns a snapshot of broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	depth := len(b.offline)
	b.mu.Unlock()

	return Stats{
		Published:      b.published.Load(),
		Queued:         b.queued.Load(),
		QueueDepth:     depth,
		Redelivered:    b.redelivered.Load(),
		DroppedOnFull:  b.droppedOnFull.Load(),
		DroppedExpired: b.droppedExpired.Load(),
	}
}

// Close stops the drain loop and cancels all transport subscriptions.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.subsMu.Lock()
		for topic, cancel := range b.transports {
			cancel()
			delete(b.transports, topic)
		}
		b.subs = make(map[string]map[int]Handler)
		b.subsMu.Unlock()
	})
}

func (b *Broker) dispatch(topic string, data []byte) {
	env, err := FromBytes(data)
	if err != nil {
		b.logger.Warn("dropping malformed envelope",
			zap.String("topic", topic),
			zap.Error(err))
		return
	}

	b.subsMu.Lock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.subsMu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (b *Broker) enqueue(env Envelope, cause error) {
	b.mu.Lock()
	overflow := len(b.offline) >= b.cfg.OfflineQueueCap
	if overflow {
		dropped := b.offline[0]
		b.offline = b.offline[1:]
		b.droppedOnFull.Add(1)
		b.logger.Error("offline queue full, dropping oldest envelope",
			zap.String("dropped_id", dropped.ID),
			zap.String("dropped_topic", dropped.Topic))
	}
	b.offline = append(b.offline, env)
	depth := len(b.offline)
	b.mu.Unlock()

	b.queued.Add(1)
	if overflow && b.alert != nil {
		b.alert("broker offline queue full, oldest envelope dropped")
	}

	// High-priority envelopes get louder logging while queued; their queue
	// position is unchanged.
	if env.Priority == PriorityHigh {
		b.logger.Warn("high-priority envelope deferred to offline queue",
			zap.String("topic", env.Topic),
			zap.String("envelope_id", env.ID),
			zap.Int("queue_depth", depth),
			zap.Error(cause))
	} else {
		b.logger.Debug("envelope deferred to offline queue",
			zap.String("topic", env.Topic),
			zap.String("envelope_id", env.ID),
			zap.Int("queue_depth", depth))
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// drainLoop redrives offline envelopes once the transport recovers, backing
// off exponentially between failed attempts.
func (b *Broker) drainLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.DrainInterval
	bo.MaxInterval = b.cfg.MaxDrainBackoff

	wait := b.cfg.DrainInterval
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		case <-b.clk.After(wait):
		}

		if b.pending() == 0 || !b.transport.Healthy() {
			wait = b.cfg.DrainInterval
			bo.Reset()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.MaxDrainBackoff)
		delivered := b.drainOnce(ctx)
		cancel()

		if delivered > 0 || b.pending() == 0 {
			bo.Reset()
			wait = b.cfg.DrainInterval
		} else {
			wait = bo.NextBackOff()
		}
	}
}

func (b *Broker) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.offline)
}

// drainOnce redelivers queued envelopes head-first, preserving publish order.
// An envelope leaves the queue only after a successful publish or TTL expiry.
func (b *Broker) drainOnce(ctx context.Context) int {
	delivered := 0

	for {
		select {
		case <-ctx.Done():
			return delivered
		default:
		}

		b.mu.Lock()
		if len(b.offline) == 0 {
			b.mu.Unlock()
			return delivered
		}
		head := b.offline[0]
		b.mu.Unlock()

		if head.Expired(b.clk.Now()) {
			if b.dequeueHead(head.ID) {
				b.droppedExpired.Add(1)
				b.logger.Debug("dropping expired offline envelope",
					zap.String("topic", head.Topic),
					zap.String("envelope_id", head.ID))
			}
			continue
		}

		if !b.transport.Healthy() {
			return delivered
		}

		data, err := head.ToBytes()
		if err != nil {
			if b.dequeueHead(head.ID) {
				b.logger.Error("dropping unserializable offline envelope",
					zap.String("envelope_id", head.ID),
					zap.Error(err))
			}
			continue
		}

		if err := b.transport.Publish(ctx, head.Topic, data); err != nil {
			b.breaker.RecordFailure()
			b.logger.Warn("offline redelivery failed",
				zap.String("topic", head.Topic),
				zap.String("envelope_id", head.ID),
				zap.Error(err))
			return delivered
		}

		b.breaker.RecordSuccess()
		if b.dequeueHead(head.ID) {
			b.redelivered.Add(1)
			b.published.Add(1)
			delivered++
		}
	}
}

func (b *Broker) dequeueHead(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.offline) > 0 && b.offline[0].ID == id {
		b.offline = b.offline[1:]
		return true
	}
	return false
}
