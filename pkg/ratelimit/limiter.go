package ratelimit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Stats reports post-pruning usage for one action on one identity.
type Stats struct {
	Action      string     `json:"action"`
	HourlyUsed  int        `json:"hourly_used"`
	HourlyLimit int        `json:"hourly_limit"`
	DailyUsed   int        `json:"daily_used"`
	DailyLimit  int        `json:"daily_limit"`
	LastRequest *time.Time `json:"last_request,omitempty"`
}

// Limiter enforces per-(identity, action) limits against the shared store.
// Rows are keyed by UTC calendar day, so the daily window resets implicitly
// at midnight. The CanRequest/RecordRequest pair is not atomic; under
// contention one extra request per identity can slip through at the boundary.
type Limiter struct {
	db     *sql.DB
	limits Limits
	now    func() time.Time
}

// NewLimiter creates a Limiter. Pass nil limits to use DefaultLimits.
func NewLimiter(db *sql.DB, limits Limits) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{db: db, limits: limits, now: time.Now}
}

// CanRequest reports whether the identity may perform the action now.
// When denied, the returned duration is how long to wait: until UTC midnight
// for a daily cap, or until the oldest hourly timestamp ages out.
func (l *Limiter) CanRequest(ctx context.Context, identityID int64, action string) (bool, time.Duration, error) {
	limit := l.limits.For(action)
	now := l.now().UTC()

	var ok bool
	var wait time.Duration
	err := l.withRow(ctx, identityID, action, now, func(row *limitRow) error {
		timestamps := pruneTimestamps(row.HourlyTimestamps, now)

		if row.DailyCount >= limit.Daily {
			ok, wait = false, untilMidnightUTC(now)
			return nil
		}
		if len(timestamps) >= limit.Hourly {
			ok, wait = false, untilOldestExpires(timestamps, now)
			return nil
		}
		ok, wait = true, 0
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return ok, wait, nil
}

// RecordRequest registers one performed request: prunes the hourly window,
// appends now, increments the daily count, and stamps last_request_at.
func (l *Limiter) RecordRequest(ctx context.Context, identityID int64, action string) error {
	now := l.now().UTC()
	return l.withRow(ctx, identityID, action, now, func(row *limitRow) error {
		row.HourlyTimestamps = append(pruneTimestamps(row.HourlyTimestamps, now), now)
		row.DailyCount++
		row.LastRequestAt = &now
		row.dirty = true
		return nil
	})
}

// GetStats returns post-pruning usage for today's rows. With action empty,
// all of the identity's actions are reported.
func (l *Limiter) GetStats(ctx context.Context, identityID int64, action string) ([]Stats, error) {
	now := l.now().UTC()
	query := `
		SELECT action_type, hourly_timestamps, daily_count, last_request_at
		FROM rate_limits
		WHERE identity_id = $1 AND date = $2`
	args := []any{identityID, now.Format(dateLayout)}
	if action != "" {
		query += ` AND action_type = $3`
		args = append(args, action)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate limits: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var actionType string
		var rawTimestamps []byte
		var dailyCount int
		var lastRequest sql.NullTime
		if err := rows.Scan(&actionType, &rawTimestamps, &dailyCount, &lastRequest); err != nil {
			return nil, fmt.Errorf("failed to scan rate limit row: %w", err)
		}

		timestamps, err := decodeTimestamps(rawTimestamps)
		if err != nil {
			return nil, err
		}
		limit := l.limits.For(actionType)
		s := Stats{
			Action:      actionType,
			HourlyUsed:  len(pruneTimestamps(timestamps, now)),
			HourlyLimit: limit.Hourly,
			DailyUsed:   dailyCount,
			DailyLimit:  limit.Daily,
		}
		if lastRequest.Valid {
			t := lastRequest.Time
			s.LastRequest = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ResetDaily deletes the identity's rate limit rows, for one action or all.
func (l *Limiter) ResetDaily(ctx context.Context, identityID int64, action string) error {
	query := `DELETE FROM rate_limits WHERE identity_id = $1`
	args := []any{identityID}
	if action != "" {
		query += ` AND action_type = $2`
		args = append(args, action)
	}
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to reset rate limits: %w", err)
	}
	return nil
}

const dateLayout = "2006-01-02"

type limitRow struct {
	HourlyTimestamps []time.Time
	DailyCount       int
	LastRequestAt    *time.Time

	dirty bool
}

// withRow runs fn against today's (identity, action) row inside a single
// transaction with the row locked, creating it first when missing. Changes
// are written back only when fn marks the row dirty.
func (l *Limiter) withRow(ctx context.Context, identityID int64, action string, now time.Time, fn func(*limitRow) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	date := now.Format(dateLayout)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limits (identity_id, action_type, date)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_id, action_type, date) DO NOTHING`,
		identityID, action, date)
	if err != nil {
		return fmt.Errorf("failed to ensure rate limit row: %w", err)
	}

	var row limitRow
	var rawTimestamps []byte
	var lastRequest sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT hourly_timestamps, daily_count, last_request_at
		FROM rate_limits
		WHERE identity_id = $1 AND action_type = $2 AND date = $3
		FOR UPDATE`,
		identityID, action, date).Scan(&rawTimestamps, &row.DailyCount, &lastRequest)
	if err != nil {
		return fmt.Errorf("failed to lock rate limit row: %w", err)
	}
	if row.HourlyTimestamps, err = decodeTimestamps(rawTimestamps); err != nil {
		return err
	}
	if lastRequest.Valid {
		t := lastRequest.Time
		row.LastRequestAt = &t
	}

	if err := fn(&row); err != nil {
		return err
	}

	if row.dirty {
		encoded, err := json.Marshal(encodeTimestamps(row.HourlyTimestamps))
		if err != nil {
			return fmt.Errorf("failed to encode hourly timestamps: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE rate_limits
			SET hourly_timestamps = $1, daily_count = $2, last_request_at = $3
			WHERE identity_id = $4 AND action_type = $5 AND date = $6`,
			encoded, row.DailyCount, row.LastRequestAt, identityID, action, date)
		if err != nil {
			return fmt.Errorf("failed to update rate limit row: %w", err)
		}
	}

	return tx.Commit()
}

func decodeTimestamps(raw []byte) ([]time.Time, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var encoded []string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode hourly timestamps: %w", err)
	}
	timestamps := make([]time.Time, 0, len(encoded))
	for _, s := range encoded {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse hourly timestamp %q: %w", s, err)
		}
		timestamps = append(timestamps, t)
	}
	return timestamps, nil
}

func encodeTimestamps(timestamps []time.Time) []string {
	encoded := make([]string, len(timestamps))
	for i, t := range timestamps {
		encoded[i] = t.UTC().Format(time.RFC3339Nano)
	}
	return encoded
}

// pruneTimestamps drops entries older than one hour. Input order (oldest
// first) is preserved.
func pruneTimestamps(timestamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	pruned := make([]time.Time, 0, len(timestamps))
	for _, t := range timestamps {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}

// untilMidnightUTC is the wait for a daily cap: the time left in the UTC day.
func untilMidnightUTC(now time.Time) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return midnight.Sub(now)
}

// untilOldestExpires is the wait for an hourly cap: when the oldest recorded
// timestamp falls out of the sliding window.
func untilOldestExpires(timestamps []time.Time, now time.Time) time.Duration {
	if len(timestamps) == 0 {
		return 0
	}
	wait := timestamps[0].Add(time.Hour).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
