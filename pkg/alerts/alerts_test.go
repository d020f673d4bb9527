package alerts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/broker"
)

func newTestBus(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(broker.NewLoopback(), broker.DefaultConfig(), nil, nil, nil)
	t.Cleanup(b.Close)
	return b
}

func TestReporterLogsBySeverity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	bus := newTestBus(t)

	r, err := NewReporter(bus, "", logger)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, Emit(ctx, bus, Alert{
		Severity: SeverityCritical,
		Source:   "pool",
		Message:  "restart budget exhausted",
		Details:  map[string]string{"restarts": "6"},
	}))
	require.NoError(t, Emit(ctx, bus, Alert{
		Severity: SeverityWarning,
		Source:   "broker",
		Message:  "offline queue filling",
	}))
	require.NoError(t, Emit(ctx, bus, Alert{
		Severity: SeverityInfo,
		Source:   "pipeline",
		Message:  "coordinator started",
	}))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "restart budget exhausted", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
}

func TestReporterIgnoresMalformedAlerts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	bus := newTestBus(t)

	r, err := NewReporter(bus, "", logger)
	require.NoError(t, err)
	defer r.Close()

	_, err = bus.Publish(context.Background(), broker.TopicSystemAlerts, []byte("not json"), broker.PublishOptions{})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "malformed")
}

func TestReporterCloseDetaches(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	bus := newTestBus(t)

	r, err := NewReporter(bus, "", logger)
	require.NoError(t, err)
	r.Close()

	require.NoError(t, Emit(context.Background(), bus, Alert{
		Severity: SeverityError,
		Source:   "pool",
		Message:  "after close",
	}))
	assert.Empty(t, logs.All())
}

func TestEmitPriorities(t *testing.T) {
	bus := newTestBus(t)

	var got []broker.Priority
	_, err := bus.Subscribe(broker.TopicSystemAlerts, func(env broker.Envelope) {
		got = append(got, env.Priority)
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, Emit(ctx, bus, Alert{Severity: SeverityInfo, Message: "a"}))
	require.NoError(t, Emit(ctx, bus, Alert{Severity: SeverityCritical, Message: "b"}))

	require.Len(t, got, 2)
	assert.Equal(t, broker.PriorityNormal, got[0])
	assert.Equal(t, broker.PriorityHigh, got[1])
}
