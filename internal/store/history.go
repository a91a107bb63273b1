package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// HistoryLimit is one stored limit reading.
type HistoryLimit struct {
	LimitID     string
	Utilization float64
	ResetsAt    time.Time
}

// HistoryRow is one stored snapshot.
type HistoryRow struct {
	ID          string
	Provider    string
	AccountID   string
	AccountName string
	Timestamp   time.Time
	Limits      []HistoryLimit
}

// HistoryFilter selects history rows. Zero-valued fields do not filter.
// Start and End are inclusive.
type HistoryFilter struct {
	Provider  string
	AccountID string
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

// HistoryAggregate summarizes utilization over matching limit readings.
type HistoryAggregate struct {
	Count int
	Avg   float64
	Max   float64
	Min   float64
}

// HistoryBounds describes the stored history.
type HistoryBounds struct {
	Count  int
	Oldest *time.Time
	Newest *time.Time
}

// InsertHistory stores a row and its limits in one transaction.
// Returns false without error when a row with the same id already exists.
func (s *Store) InsertHistory(ctx context.Context, row *HistoryRow) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store.InsertHistory: begin: %w", err)
	}
	defer tx.Rollback()

	ts := row.Timestamp.UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO history_entries (id, provider, account_id, account_name, timestamp, ts_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.Provider, row.AccountID, row.AccountName, ts.Format(time.RFC3339Nano), ts.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("store.InsertHistory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	for i, l := range row.Limits {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO history_limits (entry_id, position, limit_id, utilization, resets_at) VALUES (?, ?, ?, ?, ?)`,
			row.ID, i, l.LimitID, l.Utilization, l.ResetsAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return false, fmt.Errorf("store.InsertHistory: limit %s: %w", l.LimitID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store.InsertHistory: commit: %w", err)
	}
	return true, nil
}

func (f HistoryFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Provider != "" {
		conds = append(conds, "e.provider = ?")
		args = append(args, f.Provider)
	}
	if f.AccountID != "" {
		conds = append(conds, "e.account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Start != nil {
		conds = append(conds, "e.ts_unix_ms >= ?")
		args = append(args, f.Start.UnixMilli())
	}
	if f.End != nil {
		conds = append(conds, "e.ts_unix_ms <= ?")
		args = append(args, f.End.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryHistory returns rows newest first, applying Offset then Limit.
// A non-positive Limit returns every row after Offset.
func (s *Store) QueryHistory(ctx context.Context, f HistoryFilter) ([]HistoryRow, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	offset := max(f.Offset, 0)

	query := `SELECT e.id, e.provider, e.account_id, e.account_name, e.timestamp
		FROM history_entries e` + where + `
		ORDER BY e.ts_unix_ms DESC, e.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store.QueryHistory: %w", err)
	}

	var out []HistoryRow
	index := make(map[string]int)
	for rows.Next() {
		var r HistoryRow
		var ts string
		if err := rows.Scan(&r.ID, &r.Provider, &r.AccountID, &r.AccountName, &ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store.QueryHistory: scan: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		index[r.ID] = len(out)
		out = append(out, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store.QueryHistory: %w", err)
	}

	if len(out) == 0 {
		return out, nil
	}
	if err := s.loadHistoryLimits(ctx, out, index); err != nil {
		return nil, fmt.Errorf("store.QueryHistory: %w", err)
	}
	return out, nil
}

// limitsBatchSize bounds the IN list per query; SQLite caps bound variables.
const limitsBatchSize = 500

// loadHistoryLimits fills Limits for the given rows. It runs after the entry
// cursor is closed so it never needs a second connection.
func (s *Store) loadHistoryLimits(ctx context.Context, out []HistoryRow, index map[string]int) error {
	for start := 0; start < len(out); start += limitsBatchSize {
		end := min(start+limitsBatchSize, len(out))
		if err := s.loadHistoryLimitsBatch(ctx, out, out[start:end], index); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadHistoryLimitsBatch(ctx context.Context, out, batch []HistoryRow, index map[string]int) error {
	placeholders := make([]string, len(batch))
	args := make([]any, len(batch))
	for i, r := range batch {
		placeholders[i] = "?"
		args[i] = r.ID
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, limit_id, utilization, resets_at FROM history_limits
		WHERE entry_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY entry_id, position`, args...)
	if err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entryID, resetsAt string
		var l HistoryLimit
		if err := rows.Scan(&entryID, &l.LimitID, &l.Utilization, &resetsAt); err != nil {
			return fmt.Errorf("limits scan: %w", err)
		}
		l.ResetsAt, _ = time.Parse(time.RFC3339Nano, resetsAt)
		if i, ok := index[entryID]; ok {
			out[i].Limits = append(out[i].Limits, l)
		}
	}
	return rows.Err()
}

// AggregateHistory computes utilization statistics for one limit id over the
// filtered rows. Count is 0 when nothing matches.
func (s *Store) AggregateHistory(ctx context.Context, f HistoryFilter, limitID string) (HistoryAggregate, error) {
	where, args := f.where()
	if where == "" {
		where = " WHERE l.limit_id = ?"
	} else {
		where += " AND l.limit_id = ?"
	}
	args = append(args, limitID)

	var agg HistoryAggregate
	var avg, maxV, minV sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(l.utilization), MAX(l.utilization), MIN(l.utilization)
		FROM history_limits l JOIN history_entries e ON e.id = l.entry_id`+where, args...,
	).Scan(&agg.Count, &avg, &maxV, &minV)
	if err != nil {
		return HistoryAggregate{}, fmt.Errorf("store.AggregateHistory: %w", err)
	}
	agg.Avg, agg.Max, agg.Min = avg.Float64, maxV.Float64, minV.Float64
	return agg, nil
}

// HistoryBounds returns the entry count and the oldest and newest timestamps.
func (s *Store) HistoryBounds(ctx context.Context) (HistoryBounds, error) {
	var b HistoryBounds
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(ts_unix_ms), MAX(ts_unix_ms) FROM history_entries`,
	).Scan(&b.Count, &oldest, &newest)
	if err != nil {
		return HistoryBounds{}, fmt.Errorf("store.HistoryBounds: %w", err)
	}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64).UTC()
		b.Oldest = &t
	}
	if newest.Valid {
		t := time.UnixMilli(newest.Int64).UTC()
		b.Newest = &t
	}
	return b, nil
}

// DeleteHistoryBefore removes entries strictly older than cutoff and returns
// how many were removed.
func (s *Store) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteHistory(ctx, " WHERE ts_unix_ms < ?", cutoff.UnixMilli())
}

// ClearHistory removes every history entry and returns how many were removed.
func (s *Store) ClearHistory(ctx context.Context) (int, error) {
	return s.deleteHistory(ctx, "")
}

func (s *Store) deleteHistory(ctx context.Context, where string, args ...any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store.deleteHistory: begin: %w", err)
	}
	defer tx.Rollback()

	// Limits are removed explicitly; foreign_keys is a per-connection pragma.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM history_limits WHERE entry_id IN (SELECT id FROM history_entries`+where+`)`, args...,
	); err != nil {
		return 0, fmt.Errorf("store.deleteHistory: limits: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM history_entries`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("store.deleteHistory: entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store.deleteHistory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store.deleteHistory: commit: %w", err)
	}
	return int(n), nil
}
