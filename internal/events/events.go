// Package events carries scheduler outcomes to observers (CLI, metrics, logs).
// Publishing never blocks and never fails from the caller's point of view.
package events

import (
	"time"

	"github.com/onllm-dev/aipulse/internal/api"
)

// Kind identifies the event payload.
type Kind string

const (
	// KindUsageUpdate carries one account's fetch result.
	KindUsageUpdate Kind = "usage-update"
	// KindSchedulerStatus reports running state and poll interval.
	KindSchedulerStatus Kind = "scheduler-status"
	// KindSessionStatus reports an account's session health.
	KindSessionStatus Kind = "session-status"
	// KindSystemWake reports a detected system resume.
	KindSystemWake Kind = "system-wake"
	// KindUsageReset reports a detected limit reset.
	KindUsageReset Kind = "usage-reset"
	// KindNotification mirrors an alert delivered to the user.
	KindNotification Kind = "notification"
)

// UsageUpdate is the payload of KindUsageUpdate. Exactly one of Data and Error is set.
type UsageUpdate struct {
	Provider  string             `json:"provider"`
	AccountID string             `json:"account_id"`
	Data      *api.UsageSnapshot `json:"data,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// SchedulerStatus is the payload of KindSchedulerStatus.
type SchedulerStatus struct {
	Running      bool      `json:"running"`
	IntervalSecs int       `json:"interval"`
	NextRefresh  time.Time `json:"next_refresh"`
}

// SessionStatus is the payload of KindSessionStatus.
type SessionStatus struct {
	AccountID  string `json:"account_id"`
	Valid      bool   `json:"valid"`
	ErrorCount int    `json:"error_count"`
	Paused     bool   `json:"paused"`
}

// UsageReset is the payload of KindUsageReset.
type UsageReset struct {
	AccountID string `json:"account_id"`
	LimitID   string `json:"limit_id"`
}

// Notification is the payload of KindNotification.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Event is one published occurrence. Payload holds the struct matching Kind;
// KindSystemWake has no payload.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Sink accepts events. Implementations must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			s.Publish(e)
		}
	})
}
