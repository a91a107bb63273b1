// Package history keeps the append-only log of usage snapshots, with
// filtered queries, retention cleanup, aggregate statistics and export.
package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/store"
)

// DefaultQueryLimit applies when Query.Limit is zero.
const DefaultQueryLimit = 1000

const (
	retentionKey   = "history_retention"
	lastCleanupKey = "history_last_cleanup"
)

// ErrNoData is returned by Stats when no reading matches.
var ErrNoData = errors.New("history: no data")

// LimitSnapshot is one limit reading inside an Entry.
type LimitSnapshot struct {
	LimitID     string    `json:"id"`
	Utilization float64   `json:"utilization"`
	ResetsAt    time.Time `json:"resets_at"`
}

// Entry is one stored usage snapshot.
type Entry struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	AccountID   string          `json:"account_id"`
	AccountName string          `json:"account_name"`
	Timestamp   time.Time       `json:"timestamp"`
	Limits      []LimitSnapshot `json:"limits"`
}

// Query filters history. Empty fields do not filter. Limit 0 means
// DefaultQueryLimit; a negative Limit returns everything.
type Query struct {
	Provider  string
	AccountID string
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

// Stats summarizes one limit's utilization over a period.
type Stats struct {
	Provider       string    `json:"provider"`
	LimitID        string    `json:"limit_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	AvgUtilization float64   `json:"avg_utilization"`
	MaxUtilization float64   `json:"max_utilization"`
	MinUtilization float64   `json:"min_utilization"`
	SampleCount    int       `json:"sample_count"`
}

// RetentionPolicy controls cleanup. RetentionDays 0 keeps everything.
type RetentionPolicy struct {
	RetentionDays int  `json:"retention_days"`
	AutoCleanup   bool `json:"auto_cleanup"`
}

// DefaultRetentionPolicy keeps 90 days and cleans up automatically.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 90, AutoCleanup: true}
}

// Metadata describes the stored history.
type Metadata struct {
	EntryCount    int        `json:"entry_count"`
	OldestEntry   *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry   *time.Time `json:"newest_entry,omitempty"`
	LastCleanup   *time.Time `json:"last_cleanup,omitempty"`
	RetentionDays int        `json:"retention_days"`
}

// Service is the history store used by the scheduler and the CLI.
type Service struct {
	store  *store.Store
	clock  quartz.Clock
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for cleanup cutoffs.
func WithClock(c quartz.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// New creates a Service backed by st.
func New(st *store.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: st, clock: quartz.NewReal(), logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EntryID derives the dedup key of a snapshot.
func EntryID(snap *api.UsageSnapshot) string {
	return fmt.Sprintf("%d-%s-%s", snap.Timestamp.Unix(), snap.Provider, snap.AccountID)
}

// Append stores snap. It reports false when an entry with the same key
// (timestamp second, provider, account) already exists.
func (s *Service) Append(ctx context.Context, snap *api.UsageSnapshot) (bool, error) {
	if snap == nil {
		return false, errors.New("history.Append: nil snapshot")
	}
	row := &store.HistoryRow{
		ID:          EntryID(snap),
		Provider:    snap.Provider,
		AccountID:   snap.AccountID,
		AccountName: snap.AccountName,
		Timestamp:   snap.Timestamp,
		Limits: lo.Map(snap.Limits, func(l api.LimitReading, _ int) store.HistoryLimit {
			return store.HistoryLimit{LimitID: l.ID, Utilization: l.Utilization, ResetsAt: l.ResetsAt}
		}),
	}
	inserted, err := s.store.InsertHistory(ctx, row)
	if err != nil {
		return false, fmt.Errorf("history.Append: %w", err)
	}
	if inserted {
		s.logger.Debug("History entry added", "id", row.ID, "limits", len(row.Limits))
	}
	return inserted, nil
}

// Query returns matching entries newest first. An offset past the end yields
// an empty slice.
func (s *Service) Query(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	rows, err := s.store.QueryHistory(ctx, store.HistoryFilter{
		Provider:  q.Provider,
		AccountID: q.AccountID,
		Start:     q.Start,
		End:       q.End,
		Limit:     limit,
		Offset:    q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("history.Query: %w", err)
	}
	return lo.Map(rows, func(r store.HistoryRow, _ int) Entry { return entryFromRow(r) }), nil
}

func entryFromRow(r store.HistoryRow) Entry {
	e := Entry{
		ID:          r.ID,
		Provider:    r.Provider,
		AccountID:   r.AccountID,
		AccountName: r.AccountName,
		Timestamp:   r.Timestamp,
		Limits:      make([]LimitSnapshot, 0, len(r.Limits)),
	}
	for _, l := range r.Limits {
		e.Limits = append(e.Limits, LimitSnapshot{LimitID: l.LimitID, Utilization: l.Utilization, ResetsAt: l.ResetsAt})
	}
	return e
}

// Stats aggregates limitID readings for provider within [start, end].
// Returns ErrNoData when nothing matches.
func (s *Service) Stats(ctx context.Context, provider, limitID string, start, end time.Time) (*Stats, error) {
	agg, err := s.store.AggregateHistory(ctx, store.HistoryFilter{
		Provider: provider,
		Start:    &start,
		End:      &end,
	}, limitID)
	if err != nil {
		return nil, fmt.Errorf("history.Stats: %w", err)
	}
	if agg.Count == 0 {
		return nil, ErrNoData
	}
	return &Stats{
		Provider:       provider,
		LimitID:        limitID,
		PeriodStart:    start,
		PeriodEnd:      end,
		AvgUtilization: agg.Avg,
		MaxUtilization: agg.Max,
		MinUtilization: agg.Min,
		SampleCount:    agg.Count,
	}, nil
}

// Cleanup removes entries older than the policy's retention and returns how
// many were removed. RetentionDays 0 is a no-op.
func (s *Service) Cleanup(ctx context.Context, policy RetentionPolicy) (int, error) {
	if policy.RetentionDays <= 0 {
		return 0, nil
	}
	now := s.clock.Now().UTC()
	cutoff := now.AddDate(0, 0, -policy.RetentionDays)
	removed, err := s.store.DeleteHistoryBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history.Cleanup: %w", err)
	}
	if err := s.store.SetSetting(lastCleanupKey, now.Format(time.RFC3339)); err != nil {
		s.logger.Warn("Failed to record history cleanup time", "error", err)
	}
	s.logger.Info("History cleanup complete", "removed", removed, "retention_days", policy.RetentionDays)
	return removed, nil
}

// CleanupWithStoredPolicy runs Cleanup with the persisted policy.
func (s *Service) CleanupWithStoredPolicy(ctx context.Context) (int, error) {
	policy, err := s.RetentionPolicy()
	if err != nil {
		return 0, err
	}
	return s.Cleanup(ctx, policy)
}

// ClearAll removes every entry and returns how many were removed.
func (s *Service) ClearAll(ctx context.Context) (int, error) {
	n, err := s.store.ClearHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("history.ClearAll: %w", err)
	}
	s.logger.Info("Cleared all history data", "removed", n)
	return n, nil
}

// RetentionPolicy returns the persisted policy, or the default when unset.
func (s *Service) RetentionPolicy() (RetentionPolicy, error) {
	raw, err := s.store.GetSetting(retentionKey)
	if err != nil {
		return RetentionPolicy{}, fmt.Errorf("history.RetentionPolicy: %w", err)
	}
	if raw == "" {
		return DefaultRetentionPolicy(), nil
	}
	var p RetentionPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.logger.Warn("Invalid stored retention policy, using default", "error", err)
		return DefaultRetentionPolicy(), nil
	}
	return p, nil
}

// SetRetentionPolicy persists p.
func (s *Service) SetRetentionPolicy(p RetentionPolicy) error {
	if p.RetentionDays < 0 {
		return fmt.Errorf("history.SetRetentionPolicy: retention_days must be >= 0, got %d", p.RetentionDays)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("history.SetRetentionPolicy: %w", err)
	}
	if err := s.store.SetSetting(retentionKey, string(data)); err != nil {
		return fmt.Errorf("history.SetRetentionPolicy: %w", err)
	}
	s.logger.Info("Updated retention policy", "retention_days", p.RetentionDays, "auto_cleanup", p.AutoCleanup)
	return nil
}

// Metadata reports entry count, time bounds, last cleanup and retention.
func (s *Service) Metadata(ctx context.Context) (Metadata, error) {
	bounds, err := s.store.HistoryBounds(ctx)
	if err != nil {
		return Metadata{}, fmt.Errorf("history.Metadata: %w", err)
	}
	policy, err := s.RetentionPolicy()
	if err != nil {
		return Metadata{}, fmt.Errorf("history.Metadata: %w", err)
	}
	md := Metadata{
		EntryCount:    bounds.Count,
		OldestEntry:   bounds.Oldest,
		NewestEntry:   bounds.Newest,
		RetentionDays: policy.RetentionDays,
	}
	raw, err := s.store.GetSetting(lastCleanupKey)
	if err != nil {
		return Metadata{}, fmt.Errorf("history.Metadata: %w", err)
	}
	if raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			md.LastCleanup = &t
		}
	}
	return md, nil
}

// ExportJSON serializes the query result as indented JSON.
func (s *Service) ExportJSON(ctx context.Context, q Query) ([]byte, error) {
	entries, err := s.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("history.ExportJSON: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("history.ExportJSON: %w", err)
	}
	return data, nil
}

// ExportCSV serializes the query result with one row per limit reading.
func (s *Service) ExportCSV(ctx context.Context, q Query) ([]byte, error) {
	entries, err := s.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("history.ExportCSV: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"id", "provider", "timestamp", "limit_id", "utilization", "resets_at"})
	for _, e := range entries {
		for _, l := range e.Limits {
			w.Write([]string{
				e.ID,
				e.Provider,
				e.Timestamp.UTC().Format(time.RFC3339),
				l.LimitID,
				strconv.FormatFloat(l.Utilization, 'f', 2, 64),
				l.ResetsAt.UTC().Format(time.RFC3339),
			})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("history.ExportCSV: %w", err)
	}
	return buf.Bytes(), nil
}

// StartAutoCleanup runs the stored policy once now and then daily while ctx
// is alive. Runs are skipped while the policy has AutoCleanup off.
// It blocks until ctx is cancelled.
func (s *Service) StartAutoCleanup(ctx context.Context) error {
	job := func() {
		policy, err := s.RetentionPolicy()
		if err != nil {
			s.logger.Warn("Auto cleanup: failed to load policy", "error", err)
			return
		}
		if !policy.AutoCleanup {
			return
		}
		if _, err := s.Cleanup(ctx, policy); err != nil {
			s.logger.Warn("Auto cleanup failed", "error", err)
		}
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})))
	if _, err := c.AddFunc("@daily", job); err != nil {
		return fmt.Errorf("history.StartAutoCleanup: %w", err)
	}
	job()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
