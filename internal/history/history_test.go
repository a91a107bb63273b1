package history

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/testutil"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *quartz.Mock) {
	t.Helper()
	clk := quartz.NewMock(t)
	clk.Set(base)
	return New(testutil.InMemoryStore(t), testutil.DiscardLogger(), WithClock(clk)), clk
}

func snap(provider, account string, ts time.Time, utils ...float64) *api.UsageSnapshot {
	ids := []string{"five_hour", "seven_day", "seven_day_sonnet"}
	s := &api.UsageSnapshot{Provider: provider, AccountID: account, AccountName: "Acct " + account, Timestamp: ts}
	for i, u := range utils {
		s.Limits = append(s.Limits, api.LimitReading{
			ID:          ids[i],
			Utilization: u,
			ResetsAt:    ts.Add(time.Duration(i+1) * time.Hour),
		})
	}
	return s
}

func mustAppend(t *testing.T, s *Service, snaps ...*api.UsageSnapshot) {
	t.Helper()
	for _, sn := range snaps {
		_, err := s.Append(context.Background(), sn)
		require.NoError(t, err)
	}
}

func TestAppend_DuplicateSecondIsNoop(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first := snap("claude", "a", base.Add(100*time.Millisecond), 10)
	second := snap("claude", "a", base.Add(900*time.Millisecond), 99)

	ok, err := svc.Append(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.Append(ctx, second)
	require.NoError(t, err)
	require.False(t, ok)

	entries, err := svc.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EntryID(first), entries[0].ID)
	require.Equal(t, 10.0, entries[0].Limits[0].Utilization)

	// Same second, different account is a distinct entry.
	mustAppend(t, svc, snap("claude", "b", base, 5))
	entries, err = svc.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestEntryID(t *testing.T) {
	require.Equal(t, "1773144000-claude-acct", EntryID(snap("claude", "acct", base)))
}

func TestQuery_FiltersOrderAndPaging(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := range 5 {
		mustAppend(t, svc,
			snap("claude", "a", base.Add(time.Duration(i)*time.Minute), float64(i*10)),
			snap("claude", "b", base.Add(time.Duration(i)*time.Minute), 1),
		)
	}
	mustAppend(t, svc, snap("other", "a", base.Add(time.Hour), 50))

	all, err := svc.Query(ctx, Query{Provider: "claude", AccountID: "a"})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		require.True(t, all[i-1].Timestamp.After(all[i].Timestamp), "entries must be newest first")
	}
	require.Equal(t, 40.0, all[0].Limits[0].Utilization)

	start := base.Add(time.Minute)
	end := base.Add(3 * time.Minute)
	ranged, err := svc.Query(ctx, Query{Provider: "claude", AccountID: "a", Start: &start, End: &end})
	require.NoError(t, err)
	require.Len(t, ranged, 3)

	page, err := svc.Query(ctx, Query{Provider: "claude", AccountID: "a", Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, all[1].ID, page[0].ID)
	require.Equal(t, all[2].ID, page[1].ID)

	beyond, err := svc.Query(ctx, Query{Offset: 100})
	require.NoError(t, err)
	require.NotNil(t, beyond)
	require.Empty(t, beyond)
}

func TestQuery_DefaultLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := range DefaultQueryLimit + 5 {
		mustAppend(t, svc, snap("claude", "a", base.Add(time.Duration(i)*time.Second), 1))
	}

	entries, err := svc.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, entries, DefaultQueryLimit)

	entries, err = svc.Query(ctx, Query{Limit: -1})
	require.NoError(t, err)
	require.Len(t, entries, DefaultQueryLimit+5)
}

func TestStats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAppend(t, svc,
		snap("claude", "a", base, 20, 5),
		snap("claude", "b", base.Add(time.Minute), 60, 7),
		snap("claude", "a", base.Add(2*time.Minute), 40, 9),
		snap("claude", "a", base.Add(48*time.Hour), 100),
		snap("other", "a", base, 90),
	)

	st, err := svc.Stats(ctx, "claude", "five_hour", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, st.SampleCount)
	require.InDelta(t, 40.0, st.AvgUtilization, 1e-9)
	require.Equal(t, 60.0, st.MaxUtilization)
	require.Equal(t, 20.0, st.MinUtilization)
	require.Equal(t, "five_hour", st.LimitID)

	week, err := svc.Stats(ctx, "claude", "seven_day", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, week.SampleCount)
	require.Equal(t, 5.0, week.MinUtilization)
}

func TestStats_NoData(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Stats(ctx, "claude", "five_hour", base, base.Add(time.Hour))
	require.ErrorIs(t, err, ErrNoData)

	mustAppend(t, svc, snap("claude", "a", base, 50))
	_, err = svc.Stats(ctx, "claude", "seven_day_opus", base, base.Add(time.Hour))
	require.ErrorIs(t, err, ErrNoData)

	_, err = svc.Stats(ctx, "claude", "five_hour", base.Add(time.Hour), base.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrNoData)
}

func TestCleanup(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAppend(t, svc,
		snap("claude", "a", base.AddDate(0, 0, -45), 1),
		snap("claude", "a", base.AddDate(0, 0, -31), 1),
		snap("claude", "a", base.AddDate(0, 0, -30).Add(time.Second), 1),
		snap("claude", "a", base.AddDate(0, 0, -1), 1),
		snap("claude", "a", base, 1),
	)

	removed, err := svc.Cleanup(ctx, RetentionPolicy{RetentionDays: 0})
	require.NoError(t, err)
	require.Zero(t, removed)

	md, err := svc.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, md.EntryCount)
	require.Nil(t, md.LastCleanup, "a no-op cleanup is not recorded")

	removed, err = svc.Cleanup(ctx, RetentionPolicy{RetentionDays: 30})
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	md, err = svc.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, md.EntryCount)
	require.NotNil(t, md.LastCleanup)
	require.True(t, md.LastCleanup.Equal(base))
	require.True(t, md.OldestEntry.Equal(base.AddDate(0, 0, -30).Add(time.Second)))
	require.True(t, md.NewestEntry.Equal(base))
}

func TestRetentionPolicy_DefaultAndPersist(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.RetentionPolicy()
	require.NoError(t, err)
	require.Equal(t, DefaultRetentionPolicy(), p)

	require.NoError(t, svc.SetRetentionPolicy(RetentionPolicy{RetentionDays: 7, AutoCleanup: false}))
	p, err = svc.RetentionPolicy()
	require.NoError(t, err)
	require.Equal(t, RetentionPolicy{RetentionDays: 7}, p)

	md, err := svc.Metadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, md.RetentionDays)

	require.Error(t, svc.SetRetentionPolicy(RetentionPolicy{RetentionDays: -1}))
}

func TestCleanupWithStoredPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAppend(t, svc, snap("claude", "a", base.AddDate(0, 0, -10), 1), snap("claude", "a", base, 1))

	require.NoError(t, svc.SetRetentionPolicy(RetentionPolicy{RetentionDays: 5, AutoCleanup: true}))
	removed, err := svc.CleanupWithStoredPolicy(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestClearAll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAppend(t, svc, snap("claude", "a", base, 1, 2), snap("claude", "b", base, 3))

	n, err := svc.ClearAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	md, err := svc.Metadata(ctx)
	require.NoError(t, err)
	require.Zero(t, md.EntryCount)
	require.Nil(t, md.OldestEntry)
}

func TestExportCSV(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAppend(t, svc, snap("claude", "a", base, 45.256, 12))

	out, err := svc.ExportCSV(ctx, Query{Limit: -1})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Equal(t, []string{
		"id,provider,timestamp,limit_id,utilization,resets_at",
		"1773144000-claude-a,claude,2026-03-10T12:00:00Z,five_hour,45.26,2026-03-10T13:00:00Z",
		"1773144000-claude-a,claude,2026-03-10T12:00:00Z,seven_day,12.00,2026-03-10T14:00:00Z",
	}, lines)
}

func TestExportCSV_EmptyHasHeader(t *testing.T) {
	svc, _ := newTestService(t)
	out, err := svc.ExportCSV(context.Background(), Query{})
	require.NoError(t, err)
	require.Equal(t, "id,provider,timestamp,limit_id,utilization,resets_at\n", string(out))
}

func TestExportJSON(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.ExportJSON(ctx, Query{})
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(out))

	mustAppend(t, svc, snap("claude", "a", base, 10), snap("claude", "a", base.Add(time.Minute), 20))
	out, err = svc.ExportJSON(ctx, Query{AccountID: "a"})
	require.NoError(t, err)

	var entries []Entry
	require.NoError(t, json.Unmarshal(out, &entries))
	require.Len(t, entries, 2)
	require.Equal(t, 20.0, entries[0].Limits[0].Utilization)
	require.Equal(t, "Acct a", entries[0].AccountName)
}

func TestStartAutoCleanup_RunsImmediatelyAndStops(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mustAppend(t, svc, snap("claude", "a", base.AddDate(0, 0, -120), 1), snap("claude", "a", base, 1))

	done := make(chan error, 1)
	go func() { done <- svc.StartAutoCleanup(ctx) }()

	require.Eventually(t, func() bool {
		md, err := svc.Metadata(context.Background())
		return err == nil && md.EntryCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartAutoCleanup did not return after cancel")
	}
}

func TestStartAutoCleanup_RespectsDisabledPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	mustAppend(t, svc, snap("claude", "a", base.AddDate(0, 0, -120), 1))
	require.NoError(t, svc.SetRetentionPolicy(RetentionPolicy{RetentionDays: 30, AutoCleanup: false}))

	done := make(chan error, 1)
	go func() { done <- svc.StartAutoCleanup(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	md, err := svc.Metadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, md.EntryCount)
}
