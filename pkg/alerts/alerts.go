// Package alerts drains the system-alerts topic into structured logs and,
// when configured, Sentry.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/broker"
)

// Severity levels carried by system alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Alert is the payload published on the system-alerts topic.
type Alert struct {
	Severity string            `json:"severity"`
	Source   string            `json:"source"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

// Subscriber is the broker surface the reporter listens through.
type Subscriber interface {
	Subscribe(topic string, handler broker.Handler) (*broker.Subscription, error)
	Unsubscribe(sub *broker.Subscription)
}

// Reporter consumes system alerts, logs them at a level matching their
// severity, and forwards error-grade alerts to Sentry. Without a DSN the
// Sentry side is a no-op and only logging remains.
type Reporter struct {
	logger      *zap.Logger
	sentryReady bool
	sub         *broker.Subscription
	source      Subscriber
}

// NewReporter creates a reporter and attaches it to the system-alerts topic.
func NewReporter(source Subscriber, dsn string, logger *zap.Logger) (*Reporter, error) {
	if source == nil {
		return nil, fmt.Errorf("alert source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reporter{logger: logger, source: source}

	if dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			return nil, fmt.Errorf("failed to initialize sentry: %w", err)
		}
		r.sentryReady = true
	}

	sub, err := source.Subscribe(broker.TopicSystemAlerts, r.handle)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

// Publisher is the broker surface alerts are emitted through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, opts broker.PublishOptions) (string, error)
}

// Emit publishes an alert on the system-alerts topic. Error-grade alerts
// travel high priority.
func Emit(ctx context.Context, pub Publisher, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	priority := broker.PriorityNormal
	if alert.Severity == SeverityError || alert.Severity == SeverityCritical {
		priority = broker.PriorityHigh
	}
	_, err = pub.Publish(ctx, broker.TopicSystemAlerts, payload, broker.PublishOptions{Priority: priority})
	return err
}

// Close detaches the reporter and flushes buffered Sentry events.
func (r *Reporter) Close() {
	r.source.Unsubscribe(r.sub)
	if r.sentryReady {
		sentry.Flush(2 * time.Second)
	}
}

func (r *Reporter) handle(env broker.Envelope) {
	var alert Alert
	if err := json.Unmarshal(env.Payload, &alert); err != nil {
		r.logger.Warn("malformed system alert",
			zap.String("envelope_id", env.ID),
			zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("source", alert.Source),
		zap.String("envelope_id", env.ID),
	}
	for k, v := range alert.Details {
		fields = append(fields, zap.String(k, v))
	}

	switch alert.Severity {
	case SeverityCritical, SeverityError:
		r.logger.Error(alert.Message, fields...)
		r.forward(alert)
	case SeverityWarning:
		r.logger.Warn(alert.Message, fields...)
	default:
		r.logger.Info(alert.Message, fields...)
	}
}

func (r *Reporter) forward(alert Alert) {
	if !r.sentryReady {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(alert.Severity))
		scope.SetTag("source", alert.Source)
		for k, v := range alert.Details {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(alert.Message)
	})
}

func sentryLevel(severity string) sentry.Level {
	switch severity {
	case SeverityCritical:
		return sentry.LevelFatal
	case SeverityError:
		return sentry.LevelError
	case SeverityWarning:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
