package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/onllm-dev/aipulse/internal/events"
)

// AlertKind identifies why an alert was raised.
type AlertKind string

const (
	AlertThreshold      AlertKind = "threshold"
	AlertReset          AlertKind = "reset"
	AlertImminentReset  AlertKind = "imminent-reset"
	AlertSessionExpired AlertKind = "session-expired"
)

// Alert is one user-facing notification.
type Alert struct {
	Kind        AlertKind
	Provider    string
	AccountID   string
	AccountName string
	LimitID     string
	Threshold   int
	Title       string
	Body        string
	Time        time.Time
}

// Channel delivers alerts somewhere the user will see them.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// LogChannel writes alerts to the log. It never fails.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a LogChannel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Send implements Channel.
func (c *LogChannel) Send(_ context.Context, a Alert) error {
	c.logger.Info("Notification",
		"kind", a.Kind,
		"account", a.AccountID,
		"limit", a.LimitID,
		"title", a.Title,
		"body", a.Body,
	)
	return nil
}

// EventChannel forwards alerts to an event sink as notification events.
type EventChannel struct {
	sink events.Sink
}

// NewEventChannel creates an EventChannel.
func NewEventChannel(sink events.Sink) *EventChannel {
	return &EventChannel{sink: sink}
}

// Name implements Channel.
func (c *EventChannel) Name() string { return "events" }

// Send implements Channel.
func (c *EventChannel) Send(_ context.Context, a Alert) error {
	c.sink.Publish(events.Event{
		Kind:    events.KindNotification,
		Time:    a.Time,
		Payload: events.Notification{Title: a.Title, Body: a.Body},
	})
	return nil
}
