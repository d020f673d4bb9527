// Package broker provides topic-based publish/subscribe with at-least-once
// delivery, an offline queue for transport outages, and priority-aware
// logging. Priority never affects delivery order: offline-queued envelopes
// are redelivered in original publish order per topic.
package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority classifies an envelope for logging and alerting. It has no effect
// on queue order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Clamp maps unknown priority values to PriorityNormal.
func (p Priority) Clamp() Priority {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p
	}
	return PriorityNormal
}

// Topics used by the coordination core.
const (
	TopicCandidates   = "candidates"
	TopicExecutions   = "executions"
	TopicSystemAlerts = "system-alerts"
)

// Envelope is the unit carried over the broker transport. Envelopes are only
// removed from the offline queue after successful delivery or TTL expiry.
type Envelope struct {
	// ID uniquely identifies the envelope. Consumers must be idempotent on
	// it: at-least-once delivery means duplicates after a reconnect.
	ID string `json:"id"`

	// Topic is the destination topic.
	Topic string `json:"topic"`

	// Payload is opaque to the broker.
	Payload []byte `json:"payload"`

	// CreatedAt is the publish timestamp.
	CreatedAt time.Time `json:"createdAt"`

	// TTL bounds how long an undelivered envelope stays eligible for
	// redelivery. Zero means no expiry.
	TTL time.Duration `json:"ttl"`

	// Priority affects logging and alerting only.
	Priority Priority `json:"priority"`
}

// NewEnvelope creates an envelope with a fresh id and the given creation time.
func NewEnvelope(topic string, payload []byte, now time.Time) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: now,
		Priority:  PriorityNormal,
	}
}

// WithTTL sets the envelope TTL.
func (e Envelope) WithTTL(ttl time.Duration) Envelope {
	e.TTL = ttl
	return e
}

// WithPriority sets the envelope priority.
func (e Envelope) WithPriority(p Priority) Envelope {
	e.Priority = p.Clamp()
	return e
}

// Expired reports whether the envelope's TTL has elapsed at the given time.
func (e Envelope) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// ToBytes serializes the envelope to JSON.
func (e Envelope) ToBytes() ([]byte, error) {
	return json.Marshal(e)
}

// FromBytes deserializes an envelope from JSON.
func FromBytes(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
