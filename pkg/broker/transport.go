package broker

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
)

// Transport is the narrow wire interface the broker depends on. The NATS
// implementation is used in deployments; the loopback implementation serves
// single-process setups and tests.
type Transport interface {
	// Publish sends raw envelope bytes to a topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers an inbound handler for a topic. The returned
	// cancel function removes the handler.
	Subscribe(topic string, fn func(data []byte)) (cancel func(), err error)

	// Healthy reports whether the transport can currently deliver.
	Healthy() bool
}

// NATSTransport adapts a NATS connection to the Transport interface.
type NATSTransport struct {
	conn *nats.Conn
}

// NewNATSTransport wraps an established NATS connection.
func NewNATSTransport(conn *nats.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

// Publish sends the data over NATS.
func (t *NATSTransport) Publish(_ context.Context, topic string, data []byte) error {
	return t.conn.Publish(topic, data)
}

// Subscribe creates a NATS subscription delivering raw message data.
func (t *NATSTransport) Subscribe(topic string, fn func(data []byte)) (func(), error) {
	sub, err := t.conn.Subscribe(topic, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Healthy reports whether the NATS connection is up.
func (t *NATSTransport) Healthy() bool {
	return t.conn != nil && t.conn.IsConnected()
}

// Loopback is an in-memory transport. Tests toggle its health to exercise the
// offline queue; single-process deployments use it as-is.
type Loopback struct {
	mu       sync.RWMutex
	healthy  bool
	handlers map[string][]loopbackHandler
	nextID   int
}

type loopbackHandler struct {
	id int
	fn func(data []byte)
}

// NewLoopback creates a healthy in-memory transport.
func NewLoopback() *Loopback {
	return &Loopback{
		healthy:  true,
		handlers: make(map[string][]loopbackHandler),
	}
}

// SetHealthy toggles the transport's availability.
func (l *Loopback) SetHealthy(healthy bool) {
	l.mu.Lock()
	l.healthy = healthy
	l.mu.Unlock()
}

// Healthy reports the current availability.
func (l *Loopback) Healthy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.healthy
}

// Publish delivers the data synchronously to all topic handlers, or fails
// when the transport is marked unhealthy.
func (l *Loopback) Publish(_ context.Context, topic string, data []byte) error {
	l.mu.RLock()
	if !l.healthy {
		l.mu.RUnlock()
		return errTransportDown
	}
	handlers := make([]loopbackHandler, len(l.handlers[topic]))
	copy(handlers, l.handlers[topic])
	l.mu.RUnlock()

	for _, h := range handlers {
		h.fn(data)
	}
	return nil
}

// Subscribe registers a handler for the topic.
func (l *Loopback) Subscribe(topic string, fn func(data []byte)) (func(), error) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.handlers[topic] = append(l.handlers[topic], loopbackHandler{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		hs := l.handlers[topic]
		for i, h := range hs {
			if h.id == id {
				l.handlers[topic] = append(hs[:i], hs[i+1:]...)
				return
			}
		}
	}, nil
}
