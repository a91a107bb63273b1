// Package agent runs the background poll loop that fetches usage for every
// enabled account and fans results out to the tracker, notifications and
// history.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/events"
	"github.com/onllm-dev/aipulse/internal/notify"
	"github.com/onllm-dev/aipulse/internal/settings"
	"github.com/onllm-dev/aipulse/internal/store"
	"github.com/onllm-dev/aipulse/internal/tracker"
)

// ErrRateLimited is returned by ForceRefresh when the previous cycle started
// less than MinIntervalSecs ago.
var ErrRateLimited = errors.New("agent: please wait before refreshing again")

// AccountLister lists the configured accounts of a provider.
type AccountLister interface {
	ListAccounts(provider string) ([]store.Account, error)
}

// SettingsSource supplies the current runtime settings.
type SettingsSource interface {
	Get() (settings.Settings, error)
}

// Notifier evaluates alerts for fetched snapshots.
type Notifier interface {
	Process(ctx context.Context, current, previous *api.UsageSnapshot) notify.ProcessResult
	SessionExpired(ctx context.Context, providerName, accountID, accountName string) bool
}

// HistoryAppender persists snapshots.
type HistoryAppender interface {
	Append(ctx context.Context, snap *api.UsageSnapshot) (bool, error)
}

// Status is the scheduler state reported to callers.
type Status struct {
	Running      bool
	IntervalSecs int
	LastFetch    time.Time // zero before the first cycle
	NextRefresh  time.Time // zero when stopped
}

// SessionStatus summarizes account session health.
type SessionStatus struct {
	AnyPaused bool
	Accounts  map[string]tracker.AccountState
}

// Scheduler owns the poll loop and the single-flight fetch cycle.
type Scheduler struct {
	registry *api.Registry
	accounts AccountLister
	settings SettingsSource
	tracker  *tracker.SessionTracker
	notifier Notifier
	history  HistoryAppender
	sink     events.Sink
	clock    quartz.Clock
	metrics  *Metrics
	logger   *slog.Logger

	gate      *semaphore.Weighted
	running   atomic.Bool
	interval  atomic.Int64 // seconds
	lastFetch atomic.Int64 // unix millis, 0 = never

	prevMu   sync.Mutex
	previous map[string]*api.UsageSnapshot

	lifeMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTracker shares a session tracker with the scheduler.
func WithTracker(t *tracker.SessionTracker) Option {
	return func(s *Scheduler) {
		s.tracker = t
	}
}

// WithNotifier sets the alert engine.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// WithHistory sets where snapshots are persisted.
func WithHistory(h HistoryAppender) Option {
	return func(s *Scheduler) {
		s.history = h
	}
}

// WithSink sets the event sink.
func WithSink(sink events.Sink) Option {
	return func(s *Scheduler) {
		s.sink = sink
	}
}

// WithClock sets the clock driving the loop and the rate-limit gate.
func WithClock(c quartz.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithMetrics registers scheduler metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.metrics = NewMetrics(reg)
	}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(registry *api.Registry, accounts AccountLister, src SettingsSource, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		registry: registry,
		accounts: accounts,
		settings: src,
		sink:     events.Discard,
		clock:    quartz.NewReal(),
		logger:   logger,
		gate:     semaphore.NewWeighted(1),
		previous: make(map[string]*api.UsageSnapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = tracker.NewSessionTracker(logger)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	s.interval.Store(int64(settings.Defaults().RefreshInterval))
	return s
}

func (s *Scheduler) loadSettings() settings.Settings {
	st, err := s.settings.Get()
	if err != nil {
		s.logger.Warn("Failed to load settings, using defaults", "error", err)
		return settings.Defaults()
	}
	return st
}

// Start seeds the interval from settings and launches the poll loop.
// It is a no-op when already running.
func (s *Scheduler) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running.Load() {
		s.logger.Info("Scheduler already running")
		return
	}

	st := s.loadSettings()
	interval := ClampInterval(st.RefreshInterval)
	s.interval.Store(int64(interval))
	s.metrics.IntervalSecs.Set(float64(interval))

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running.Store(true)
	s.logger.Info("Starting background refresh scheduler", "interval", interval, "mode", st.RefreshMode)

	go s.loop(s.stop, s.done)
	s.publishStatus()
}

// Stop ends the poll loop after the current iteration. An in-flight fetch
// completes; Wait blocks until then. It is a no-op when already stopped.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running.Load() {
		s.logger.Info("Scheduler not running")
		return
	}
	s.running.Store(false)
	close(s.stop)
	s.logger.Info("Stopping background refresh scheduler")
	s.publishStatus()
}

// Wait blocks until the most recently started loop has exited.
func (s *Scheduler) Wait() {
	s.lifeMu.Lock()
	done := s.done
	s.lifeMu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// SetInterval sets the poll interval, applying the floor.
func (s *Scheduler) SetInterval(secs int) int {
	interval := ClampInterval(secs)
	s.interval.Store(int64(interval))
	s.metrics.IntervalSecs.Set(float64(interval))
	s.logger.Info("Updated refresh interval", "seconds", interval)
	s.publishStatus()
	return interval
}

// Interval returns the effective poll interval.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load()) * time.Second
}

// Status reports running state, interval and last fetch time.
func (s *Scheduler) Status() Status {
	st := Status{
		Running:      s.running.Load(),
		IntervalSecs: int(s.interval.Load()),
	}
	if ms := s.lastFetch.Load(); ms > 0 {
		st.LastFetch = time.UnixMilli(ms).UTC()
	}
	if st.Running {
		base := st.LastFetch
		if base.IsZero() {
			base = s.clock.Now().UTC()
		}
		st.NextRefresh = base.Add(s.Interval())
	}
	return st
}

// SessionStatus reports whether any account is paused.
func (s *Scheduler) SessionStatus() SessionStatus {
	return SessionStatus{
		AnyPaused: s.tracker.AnyPaused(),
		Accounts:  s.tracker.Snapshot(),
	}
}

// ForceRefresh runs a fetch cycle now. It returns ErrRateLimited when the
// last cycle started less than MinIntervalSecs ago; a cycle already in
// flight makes it a silent no-op.
func (s *Scheduler) ForceRefresh(ctx context.Context) error {
	if !s.canFetch() {
		s.logger.Warn("Rate limited: too soon since last fetch")
		s.metrics.CyclesSkipped.WithLabelValues(ResultRateLimited).Inc()
		return ErrRateLimited
	}
	return s.runCycle(ctx, "manual")
}

// Resume clears pause state and error counts for every account, then
// forces a refresh.
func (s *Scheduler) Resume(ctx context.Context) error {
	resumed := s.tracker.ResumeAll()
	s.metrics.PausedAccounts.Set(0)
	for _, id := range resumed {
		s.publish(events.KindSessionStatus, events.SessionStatus{AccountID: id, Valid: true})
	}
	s.logger.Info("Resumed all accounts", "count", len(resumed))
	return s.ForceRefresh(ctx)
}

// canFetch applies the rate-limit gate.
func (s *Scheduler) canFetch() bool {
	last := s.lastFetch.Load()
	if last == 0 {
		return true
	}
	return s.clock.Now().UnixMilli()-last >= MinIntervalSecs*1000
}

type loopState struct {
	lastTick  time.Time
	lastCheck time.Time
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(tickQuantum, "scheduler", "tick")
	defer ticker.Stop()

	// Fetches are not tied to Stop; the provider timeout bounds them.
	ctx := context.Background()
	ls := &loopState{lastTick: s.clock.Now()}
	for {
		select {
		case <-stop:
			s.logger.Info("Scheduler loop ended")
			return
		default:
		}

		s.step(ctx, ls)

		select {
		case <-stop:
			s.logger.Info("Scheduler loop ended")
			return
		case <-ticker.C:
		}
	}
}

// step runs one loop iteration.
func (s *Scheduler) step(ctx context.Context, ls *loopState) {
	now := s.clock.Now()
	switch decideTick(now, ls.lastTick, ls.lastCheck, s.Interval()) {
	case tickWake:
		gap := now.Sub(ls.lastTick)
		s.logger.Info("Detected system wake, refreshing immediately", "gap", gap.Round(time.Second))
		s.metrics.Wakes.Inc()
		s.publish(events.KindSystemWake, nil)
		s.runCycle(ctx, "wake")
		ls.lastCheck = s.clock.Now()
	case tickFetch:
		s.runCycle(ctx, "tick")
		ls.lastCheck = s.clock.Now()
	}
	ls.lastTick = s.clock.Now()
}

// runCycle is the single-flight fetch cycle. It returns nil when skipped
// because another cycle holds the gate, and ErrRateLimited when the
// rate-limit gate rejects it after acquiring.
func (s *Scheduler) runCycle(ctx context.Context, trigger string) (err error) {
	if !s.gate.TryAcquire(1) {
		s.logger.Debug("Fetch already in progress, skipping")
		s.metrics.CyclesSkipped.WithLabelValues("busy").Inc()
		return nil
	}
	defer s.gate.Release(1)
	// A started cycle outlives its caller; provider timeouts bound each fetch.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Fetch cycle panicked", "panic", r)
			err = fmt.Errorf("agent.runCycle: panic: %v", r)
		}
	}()

	if !s.canFetch() {
		s.logger.Debug("Rate limited, skipping fetch")
		s.metrics.CyclesSkipped.WithLabelValues(ResultRateLimited).Inc()
		return ErrRateLimited
	}
	s.lastFetch.Store(s.clock.Now().UnixMilli())
	s.metrics.Cycles.WithLabelValues(trigger).Inc()

	cycleID := uuid.New().String()
	logger := s.logger.With("cycle", cycleID)
	logger.Info("Scheduler fetching usage data", "trigger", trigger)

	st := s.loadSettings()
	s.pruneRemoved(logger)
	var (
		maxUtil   float64
		succeeded int
		attempted int
	)
	for _, providerID := range s.registry.IDs() {
		if !st.ProviderEnabled(providerID) {
			continue
		}
		provider, err := s.registry.Get(providerID)
		if err != nil {
			continue
		}
		accounts, err := s.accounts.ListAccounts(providerID)
		if err != nil {
			logger.Warn("Failed to list accounts", "provider", providerID, "error", err)
			continue
		}
		for _, acct := range accounts {
			if s.tracker.IsPaused(acct.ID) {
				logger.Debug("Skipping paused account", "account", acct.ID)
				continue
			}
			attempted++
			util, ok := s.fetchAccount(ctx, logger, provider, acct)
			if ok {
				succeeded++
				maxUtil = max(maxUtil, util)
			}
		}
	}

	logger.Info("Fetch cycle complete",
		"attempted", attempted,
		"succeeded", succeeded,
		"max_utilization", maxUtil,
	)

	if succeeded > 0 && st.Adaptive() {
		s.applyAdaptive(maxUtil)
	}
	return nil
}

// fetchAccount fetches and processes one account. It returns the
// snapshot's maximum utilization and whether the fetch succeeded.
func (s *Scheduler) fetchAccount(ctx context.Context, logger *slog.Logger, p api.Provider, acct store.Account) (float64, bool) {
	start := s.clock.Now()
	var (
		fetched *api.UsageSnapshot
		err     error
	)
	if !p.ValidateCredentials(acct.Credentials) {
		err = fmt.Errorf("%w: credentials incomplete for account %s", api.ErrInvalidCredentials, acct.ID)
	} else {
		fetched, err = p.FetchUsage(ctx, acct.Credentials)
	}
	s.metrics.FetchSeconds.WithLabelValues(p.ID()).Observe(s.clock.Since(start).Seconds())
	s.metrics.Fetches.WithLabelValues(p.ID(), fetchResult(err)).Inc()

	if err == nil && fetched == nil {
		err = fmt.Errorf("%w: provider returned no data", api.ErrParse)
	}
	if err != nil {
		s.handleFailure(ctx, logger, p, acct, err)
		return 0, false
	}

	snap := *fetched
	snap.AccountID = acct.ID
	snap.AccountName = acct.Name
	if snap.Provider == "" {
		snap.Provider = p.ID()
	}

	if state, changed := s.tracker.RecordSuccess(acct.ID); changed {
		s.publish(events.KindSessionStatus, events.SessionStatus{
			AccountID: acct.ID, Valid: true, ErrorCount: state.ErrorCount, Paused: state.Paused,
		})
	}

	previous := s.previousFor(acct.ID)
	if s.notifier != nil {
		res := s.notifier.Process(ctx, &snap, previous)
		for _, limitID := range res.Resets {
			s.publish(events.KindUsageReset, events.UsageReset{AccountID: acct.ID, LimitID: limitID})
		}
	}

	if s.history != nil {
		if _, err := s.history.Append(ctx, &snap); err != nil {
			logger.Warn("Failed to save usage to history", "account", acct.ID, "error", err)
		}
	}

	s.setPrevious(acct.ID, &snap)
	for _, l := range snap.Limits {
		s.metrics.Utilization.WithLabelValues(snap.Provider, acct.ID, l.ID).Set(l.Utilization)
	}
	s.publish(events.KindUsageUpdate, events.UsageUpdate{Provider: snap.Provider, AccountID: acct.ID, Data: &snap})

	logger.Debug("Account usage fetched",
		"provider", snap.Provider,
		"account", acct.ID,
		"limits", len(snap.Limits),
		"max_utilization", snap.MaxUtilization(),
	)
	return snap.MaxUtilization(), true
}

func (s *Scheduler) handleFailure(ctx context.Context, logger *slog.Logger, p api.Provider, acct store.Account, err error) {
	logger.Error("Failed to fetch usage", "provider", p.ID(), "account", acct.ID, "error", err)

	if api.IsAuthError(err) {
		state, _ := s.tracker.RecordAuthError(acct.ID)
		s.refreshPausedGauge()
		if s.notifier != nil {
			s.notifier.SessionExpired(ctx, p.Name(), acct.ID, acct.Name)
		}
		s.publish(events.KindSessionStatus, events.SessionStatus{
			AccountID:  acct.ID,
			Valid:      false,
			ErrorCount: state.ErrorCount,
			Paused:     state.Paused,
		})
	}

	s.publish(events.KindUsageUpdate, events.UsageUpdate{Provider: p.ID(), AccountID: acct.ID, Error: err.Error()})
}

func (s *Scheduler) refreshPausedGauge() {
	paused := 0
	for _, st := range s.tracker.Snapshot() {
		if st.Paused {
			paused++
		}
	}
	s.metrics.PausedAccounts.Set(float64(paused))
}

// applyAdaptive sets the interval from a cycle's max utilization and
// reports the change.
func (s *Scheduler) applyAdaptive(maxUtil float64) {
	next := AdaptiveInterval(maxUtil)
	old := s.interval.Swap(int64(next))
	if old == int64(next) {
		return
	}
	s.metrics.IntervalSecs.Set(float64(next))
	s.logger.Info("Adaptive refresh: adjusted interval",
		"from", old,
		"to", next,
		"max_utilization", maxUtil,
	)
	s.publishStatus()
}

func (s *Scheduler) previousFor(accountID string) *api.UsageSnapshot {
	s.prevMu.Lock()
	defer s.prevMu.Unlock()
	return s.previous[accountID]
}

func (s *Scheduler) setPrevious(accountID string, snap *api.UsageSnapshot) {
	s.prevMu.Lock()
	defer s.prevMu.Unlock()
	s.previous[accountID] = snap
}

// Forget drops the cached snapshot, session state and gauges of a removed
// account.
func (s *Scheduler) Forget(accountID string) {
	s.prevMu.Lock()
	delete(s.previous, accountID)
	s.prevMu.Unlock()
	if s.tracker.Forget(accountID) {
		s.refreshPausedGauge()
	}
	s.metrics.Utilization.DeletePartialMatch(prometheus.Labels{LabelAccount: accountID})
	s.logger.Info("Forgot removed account", "account", accountID)
}

// pruneRemoved forgets every cached or tracked account that is no longer
// stored.
func (s *Scheduler) pruneRemoved(logger *slog.Logger) {
	all, err := s.accounts.ListAccounts("")
	if err != nil {
		logger.Warn("Failed to list accounts for pruning", "error", err)
		return
	}
	known := lo.SliceToMap(all, func(a store.Account) (string, bool) { return a.ID, true })

	s.prevMu.Lock()
	ids := lo.Keys(s.previous)
	s.prevMu.Unlock()
	ids = append(ids, lo.Keys(s.tracker.Snapshot())...)

	for _, id := range lo.Uniq(ids) {
		if !known[id] {
			s.Forget(id)
		}
	}
}

func (s *Scheduler) publishStatus() {
	st := s.Status()
	s.publish(events.KindSchedulerStatus, events.SchedulerStatus{
		Running:      st.Running,
		IntervalSecs: st.IntervalSecs,
		NextRefresh:  st.NextRefresh,
	})
}

func (s *Scheduler) publish(kind events.Kind, payload any) {
	s.sink.Publish(events.Event{Kind: kind, Time: s.clock.Now().UTC(), Payload: payload})
}
