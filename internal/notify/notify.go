// Package notify decides which usage alerts to raise, deduplicates them and
// delivers them through the configured channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/settings"
)

const (
	// resetMinPrevious is the lowest previous percent that can precede a reset.
	resetMinPrevious = 50
	// resetMinDrop is the drop (exclusive) that counts as a reset.
	resetMinDrop = 40
	// imminentWindow is how close to a reset the warning fires.
	imminentWindow = time.Hour
	// imminentMinPercent is the usage needed for an imminent-reset warning.
	imminentMinPercent = 75
)

// resetClearedThresholds are forgotten on every detected reset.
var resetClearedThresholds = []int{50, 75, 90, 100}

// SettingsSource supplies the current notification settings.
type SettingsSource interface {
	Get() (settings.Settings, error)
}

// ProcessResult reports what one Process call did.
type ProcessResult struct {
	Sent   []Alert
	Resets []string // limit ids where a reset was detected
}

// NotificationEngine evaluates usage snapshots and sends alerts.
type NotificationEngine struct {
	settings SettingsSource
	logger   *slog.Logger
	clock    quartz.Clock
	location *time.Location
	dedup    *DedupState

	mu       sync.RWMutex
	channels []Channel
}

// Option configures a NotificationEngine.
type Option func(*NotificationEngine)

// WithClock sets the clock used for DND and time-to-reset checks.
func WithClock(c quartz.Clock) Option {
	return func(e *NotificationEngine) {
		e.clock = c
	}
}

// WithLocation sets the time zone the DND window is evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(e *NotificationEngine) {
		e.location = loc
	}
}

// WithChannels sets the initial delivery channels.
func WithChannels(channels ...Channel) Option {
	return func(e *NotificationEngine) {
		e.channels = append(e.channels, channels...)
	}
}

// New creates a NotificationEngine.
func New(src SettingsSource, logger *slog.Logger, opts ...Option) *NotificationEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &NotificationEngine{
		settings: src,
		logger:   logger,
		clock:    quartz.NewReal(),
		location: time.Local,
		dedup:    NewDedupState(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddChannel registers another delivery channel.
func (e *NotificationEngine) AddChannel(c Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, c)
}

// Dedup exposes the deduplication state.
func (e *NotificationEngine) Dedup() *DedupState {
	return e.dedup
}

func (e *NotificationEngine) loadSettings() (settings.NotificationSettings, bool) {
	s, err := e.settings.Get()
	if err != nil {
		e.logger.Warn("Failed to load notification settings", "error", err)
		return settings.NotificationSettings{}, false
	}
	return s.Notifications, s.Notifications.Enabled
}

// Process evaluates threshold, reset and imminent-reset alerts for current.
// previous is the last snapshot of the same account, or nil.
func (e *NotificationEngine) Process(ctx context.Context, current, previous *api.UsageSnapshot) ProcessResult {
	var res ProcessResult
	if current == nil {
		return res
	}
	cfg, ok := e.loadSettings()
	if !ok {
		return res
	}
	dnd, err := ParseDNDWindow(cfg.DND)
	if err != nil {
		e.logger.Warn("Ignoring invalid DND window", "error", err)
	}
	now := e.clock.Now()

	for _, limit := range current.Limits {
		// Percentages are truncated, so 89.9 never crosses 90.
		percent := int(limit.Utilization)
		e.dedup.ClearThresholdsAbove(current.AccountID, limit.ID, percent)

		for _, threshold := range cfg.Thresholds {
			if percent < threshold || e.dedup.ThresholdSent(current.AccountID, limit.ID, threshold) {
				continue
			}
			a := e.newAlert(AlertThreshold, current, limit, now)
			a.Threshold = threshold
			a.Title = fmt.Sprintf("%d%% Usage Alert", threshold)
			a.Body = fmt.Sprintf("%s%s is at %d%% usage", accountPrefix(current.AccountName), limit.Label, min(percent, 100))
			if e.deliver(ctx, dnd, now, a) {
				e.dedup.MarkThreshold(current.AccountID, limit.ID, threshold)
				res.Sent = append(res.Sent, a)
			}
		}

		if !cfg.NotifyOnReset {
			continue
		}

		if prev, ok := previous.Limit(limit.ID); ok && isReset(int(prev.Utilization), percent) {
			a := e.newAlert(AlertReset, current, limit, now)
			a.Title = "Usage Reset"
			a.Body = fmt.Sprintf("%s%s has reset! Now at %d%%", accountPrefix(current.AccountName), limit.Label, percent)
			if e.deliver(ctx, dnd, now, a) {
				res.Sent = append(res.Sent, a)
			}
			e.dedup.ClearResetWarned(current.AccountID, limit.ID)
			for _, t := range resetClearedThresholds {
				e.dedup.ClearThreshold(current.AccountID, limit.ID, t)
			}
			res.Resets = append(res.Resets, limit.ID)
			e.logger.Info("Usage reset detected",
				"account", current.AccountID,
				"limit", limit.ID,
				"previous", prev.Utilization,
				"current", limit.Utilization,
			)
		}

		untilReset := limit.ResetsAt.Sub(now)
		if untilReset > 0 && untilReset <= imminentWindow && percent >= imminentMinPercent &&
			!e.dedup.ResetWarned(current.AccountID, limit.ID) {
			a := e.newAlert(AlertImminentReset, current, limit, now)
			a.Title = "Limit Reset Soon"
			a.Body = fmt.Sprintf("%s%s will reset in %d minutes (currently at %d%%)",
				accountPrefix(current.AccountName), limit.Label, int(untilReset.Minutes()), percent)
			if e.deliver(ctx, dnd, now, a) {
				e.dedup.MarkResetWarned(current.AccountID, limit.ID)
				res.Sent = append(res.Sent, a)
			}
		}
	}
	return res
}

// isReset applies the reset heuristic: a high previous reading followed by a
// drop of more than resetMinDrop points.
func isReset(previous, current int) bool {
	return previous >= resetMinPrevious && current < previous-resetMinDrop
}

// SessionExpired sends a non-deduplicated notice that an account's session
// failed authentication. Returns whether it was delivered.
func (e *NotificationEngine) SessionExpired(ctx context.Context, providerName, accountID, accountName string) bool {
	cfg, ok := e.loadSettings()
	if !ok || !cfg.NotifyOnExpiry {
		return false
	}
	dnd, err := ParseDNDWindow(cfg.DND)
	if err != nil {
		e.logger.Warn("Ignoring invalid DND window", "error", err)
	}
	now := e.clock.Now()
	a := Alert{
		Kind:        AlertSessionExpired,
		AccountID:   accountID,
		AccountName: accountName,
		Title:       "Session Expiring",
		Body: fmt.Sprintf("%sYour %s session may be expiring soon. Please refresh your credentials.",
			accountPrefix(accountName), providerName),
		Time: now,
	}
	return e.deliver(ctx, dnd, now, a)
}

// SendTest delivers a test alert through every channel, ignoring DND and the
// enabled switch. Returns an error only if no channel succeeded.
func (e *NotificationEngine) SendTest(ctx context.Context) error {
	now := e.clock.Now()
	a := Alert{
		Kind:  "test",
		Title: "Test Notification",
		Body:  "Notifications from aipulse are working.",
		Time:  now,
	}
	if !e.deliver(ctx, DNDWindow{}, now, a) {
		return fmt.Errorf("notify.SendTest: no channel delivered the alert")
	}
	return nil
}

func (e *NotificationEngine) newAlert(kind AlertKind, s *api.UsageSnapshot, l api.LimitReading, now time.Time) Alert {
	return Alert{
		Kind:        kind,
		Provider:    s.Provider,
		AccountID:   s.AccountID,
		AccountName: s.AccountName,
		LimitID:     l.ID,
		Time:        now,
	}
}

// deliver sends a through every channel. It reports true only if at least
// one channel succeeded; during DND nothing is sent.
func (e *NotificationEngine) deliver(ctx context.Context, dnd DNDWindow, now time.Time, a Alert) bool {
	if dnd.Active(now.In(e.location)) {
		e.logger.Debug("Notification suppressed (DND active)", "title", a.Title, "body", a.Body)
		return false
	}

	e.mu.RLock()
	channels := e.channels
	e.mu.RUnlock()

	sent := false
	for _, c := range channels {
		if err := c.Send(ctx, a); err != nil {
			e.logger.Error("Failed to send notification",
				"channel", c.Name(),
				"kind", a.Kind,
				"error", err,
			)
			continue
		}
		sent = true
	}
	return sent
}

// accountPrefix returns "[Name] " unless the account is unnamed or "Default".
func accountPrefix(name string) string {
	if name == "" || name == "Default" {
		return ""
	}
	return "[" + name + "] "
}
