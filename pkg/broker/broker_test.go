package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/clock"
	sdkerrors "github.com/TemamAb/ainexus-phoenix-sub000/pkg/errors"
)

type recorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recorder) handle(env Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envs))
	for _, e := range r.envs {
		out = append(out, string(e.Payload))
	}
	return out
}

func newTestBroker(t *testing.T, cfg Config) (*Broker, *Loopback, *clock.Manual) {
	t.Helper()
	transport := NewLoopback()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	b := New(transport, cfg, clk, nil, nil)
	t.Cleanup(b.Close)
	return b, transport, clk
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	var first, second recorder
	_, err := b.Subscribe(TopicCandidates, first.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(TopicCandidates, second.handle)
	require.NoError(t, err)

	id, err := b.Publish(ctx, TopicCandidates, []byte("opp-1"), PublishOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Loopback delivery is synchronous.
	assert.Equal(t, []string{"opp-1"}, first.payloads())
	assert.Equal(t, []string{"opp-1"}, second.payloads())
}

func TestPublishValidation(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{})

	_, err := b.Publish(context.Background(), "", []byte("x"), PublishOptions{})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidTopic)

	_, err = b.Subscribe(TopicCandidates, nil)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidHandler)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	var rec recorder
	sub, err := b.Subscribe(TopicExecutions, rec.handle)
	require.NoError(t, err)

	_, err = b.Publish(ctx, TopicExecutions, []byte("one"), PublishOptions{})
	require.NoError(t, err)

	b.Unsubscribe(sub)
	_, err = b.Publish(ctx, TopicExecutions, []byte("two"), PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"one"}, rec.payloads())
}

func TestOfflineQueueDrainPreservesOrder(t *testing.T) {
	b, transport, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	var rec recorder
	_, err := b.Subscribe(TopicCandidates, rec.handle)
	require.NoError(t, err)

	transport.SetHealthy(false)
	for _, p := range []string{"a", "b", "c"} {
		id, err := b.Publish(ctx, TopicCandidates, []byte(p), PublishOptions{})
		require.NoError(t, err, "outages must not surface to the producer")
		assert.NotEmpty(t, id)
	}
	assert.Empty(t, rec.payloads())
	assert.Equal(t, 3, b.Stats().QueueDepth)

	transport.SetHealthy(true)
	delivered := b.Flush(ctx)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, []string{"a", "b", "c"}, rec.payloads())
	assert.Equal(t, 0, b.Stats().QueueDepth)
}

func TestOfflineQueueOverflowDropsOldest(t *testing.T) {
	transport := NewLoopback()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	var alerts []string
	var alertMu sync.Mutex
	b := New(transport, Config{OfflineQueueCap: 2}, clk, nil, func(msg string) {
		alertMu.Lock()
		alerts = append(alerts, msg)
		alertMu.Unlock()
	})
	t.Cleanup(b.Close)
	ctx := context.Background()

	var rec recorder
	_, err := b.Subscribe(TopicCandidates, rec.handle)
	require.NoError(t, err)

	transport.SetHealthy(false)
	for _, p := range []string{"a", "b", "c"} {
		_, err := b.Publish(ctx, TopicCandidates, []byte(p), PublishOptions{})
		require.NoError(t, err)
	}

	stats := b.Stats()
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, int64(1), stats.DroppedOnFull)

	alertMu.Lock()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "offline queue full")
	alertMu.Unlock()

	transport.SetHealthy(true)
	b.Flush(ctx)
	assert.Equal(t, []string{"b", "c"}, rec.payloads())
}

func TestDrainDropsExpiredEnvelopes(t *testing.T) {
	b, transport, clk := newTestBroker(t, Config{})
	ctx := context.Background()

	var rec recorder
	_, err := b.Subscribe(TopicCandidates, rec.handle)
	require.NoError(t, err)

	transport.SetHealthy(false)
	_, err = b.Publish(ctx, TopicCandidates, []byte("stale"), PublishOptions{TTL: time.Second})
	require.NoError(t, err)
	_, err = b.Publish(ctx, TopicCandidates, []byte("fresh"), PublishOptions{})
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	transport.SetHealthy(true)
	b.Flush(ctx)

	assert.Equal(t, []string{"fresh"}, rec.payloads())
	assert.Equal(t, int64(1), b.Stats().DroppedExpired)
}

func TestPriorityDoesNotReorderQueue(t *testing.T) {
	b, transport, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	var rec recorder
	_, err := b.Subscribe(TopicCandidates, rec.handle)
	require.NoError(t, err)

	transport.SetHealthy(false)
	_, err = b.Publish(ctx, TopicCandidates, []byte("low"), PublishOptions{Priority: PriorityLow})
	require.NoError(t, err)
	_, err = b.Publish(ctx, TopicCandidates, []byte("high"), PublishOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	transport.SetHealthy(true)
	b.Flush(ctx)

	assert.Equal(t, []string{"low", "high"}, rec.payloads())
}

func TestRedeliveredEnvelopesKeepTheirIDs(t *testing.T) {
	b, transport, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	var rec recorder
	_, err := b.Subscribe(TopicCandidates, rec.handle)
	require.NoError(t, err)

	transport.SetHealthy(false)
	id, err := b.Publish(ctx, TopicCandidates, []byte("p"), PublishOptions{})
	require.NoError(t, err)

	transport.SetHealthy(true)
	b.Flush(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.envs, 1)
	assert.Equal(t, id, rec.envs[0].ID, "consumers dedupe on envelope id across redelivery")
}

func TestPriorityClamp(t *testing.T) {
	assert.Equal(t, PriorityNormal, Priority("").Clamp())
	assert.Equal(t, PriorityNormal, Priority("urgent").Clamp())
	assert.Equal(t, PriorityHigh, PriorityHigh.Clamp())
}
