package pipeline

import (
	"context"
	"time"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/broker"
	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/cache"
	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/pool"
)

// Status is a candidate record's position in its lifecycle.
type Status string

const (
	StatusDetected  Status = "DETECTED"
	StatusValidated Status = "VALIDATED"
	StatusQueued    Status = "QUEUED"
	StatusExecuting Status = "EXECUTING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExpired
}

// DefaultExpiryHorizon applies to candidates submitted without one.
const DefaultExpiryHorizon = 5 * time.Second

// Candidate is an opportunity record flowing through the pipeline. The
// payload is opaque to the coordinator. Candidates are passed by value;
// only the coordinator tracks status.
type Candidate struct {
	ID            string
	Category      string
	Source        string
	Payload       []byte
	CreatedAt     time.Time
	ExpiryHorizon time.Duration
}

// CacheKey derives the candidate's cache key from its content, in the
// "<category>:<subject>:<source>" convention.
func (c Candidate) CacheKey() string {
	return cache.Key(c.Category, c.ID, c.Source)
}

// ExpiredAt reports whether the candidate's expiry horizon has passed.
func (c Candidate) ExpiredAt(now time.Time) bool {
	horizon := c.ExpiryHorizon
	if horizon <= 0 {
		horizon = DefaultExpiryHorizon
	}
	return now.Sub(c.CreatedAt) > horizon
}

// Stage names the sequential execution steps for a claimed candidate.
type Stage string

const (
	StagePreCheck         Stage = "pre-check"
	StageResourceEstimate Stage = "resource-estimate"
	StageDispatchToPool   Stage = "dispatch-to-pool"
	StageVerifyResult     Stage = "verify-result"
)

// ExecutionBackend supplies the domain stages around pool dispatch. The
// data argument carries the pool result for StageVerifyResult and is nil
// otherwise.
type ExecutionBackend interface {
	ExecuteStage(ctx context.Context, stage Stage, c Candidate, data []byte) ([]byte, error)
}

// Predicate is the caller-supplied acceptance check applied during
// validation. Profit and confidence thresholds live behind it; the
// coordinator only sees accept or reject.
type Predicate interface {
	Accept(ctx context.Context, c Candidate) (bool, error)
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(ctx context.Context, c Candidate) (bool, error)

// Accept calls f.
func (f PredicateFunc) Accept(ctx context.Context, c Candidate) (bool, error) {
	return f(ctx, c)
}

// Hooks are observer callbacks fired on terminal resolution. They run
// outside the coordinator loop and must not resubmit synchronously from
// within themselves expecting ordering guarantees.
type Hooks struct {
	OnSucceeded func(c Candidate, result []byte)
	OnFailed    func(c Candidate, err error)
	OnExpired   func(c Candidate)
}

// Store is the candidate cache surface the coordinator writes through.
// Failures degrade to pass-through: the pipeline continues uncached.
type Store interface {
	Set(key string, value []byte, ttl time.Duration) error
}

type cacheStore struct {
	c *cache.Cache
}

// NewStore adapts a cache to the coordinator's Store surface.
func NewStore(c *cache.Cache) Store {
	return cacheStore{c: c}
}

func (s cacheStore) Set(key string, value []byte, ttl time.Duration) error {
	s.c.Set(key, value, ttl)
	return nil
}

// Publisher is the broker surface the coordinator publishes through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, opts broker.PublishOptions) (string, error)
}

// Dispatcher is the pool surface the coordinator dispatches through.
type Dispatcher interface {
	Submit(ctx context.Context, task pool.Task) (*pool.Future, error)
}

// Archive stores result payloads too large to travel inline on the
// executions topic.
type Archive interface {
	Put(ctx context.Context, path string, data []byte, metadata map[string]string) (string, error)
}
