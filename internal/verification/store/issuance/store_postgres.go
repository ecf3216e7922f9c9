package issuance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresCounter persists windows in issuance_windows, one row per subject.
type PostgresCounter struct {
	db *sql.DB
}

func NewPostgresCounter(db *sql.DB) *PostgresCounter {
	return &PostgresCounter{db: db}
}

func (c *PostgresCounter) Current(ctx context.Context, subject string, length time.Duration, now time.Time) (Window, error) {
	var w Window
	err := c.db.QueryRowContext(ctx, `
		SELECT count, window_started_at
		FROM issuance_windows
		WHERE subject = $1
	`, subject).Scan(&w.Count, &w.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("read issuance window: %w", err)
	}
	if lapsed(w.StartedAt, length, now) {
		return Window{}, nil
	}
	w.StartedAt = w.StartedAt.UTC()
	return w, nil
}

// Increment upserts the row, restarting the window in the same statement
// when the stored one has lapsed.
func (c *PostgresCounter) Increment(ctx context.Context, subject string, length time.Duration, now time.Time) (Window, error) {
	var w Window
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO issuance_windows (subject, count, window_started_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (subject) DO UPDATE SET
			count = CASE
				WHEN issuance_windows.window_started_at <= $3 THEN 1
				ELSE issuance_windows.count + 1
			END,
			window_started_at = CASE
				WHEN issuance_windows.window_started_at <= $3 THEN EXCLUDED.window_started_at
				ELSE issuance_windows.window_started_at
			END
		RETURNING count, window_started_at
	`, subject, now, now.Add(-length)).Scan(&w.Count, &w.StartedAt)
	if err != nil {
		return Window{}, fmt.Errorf("increment issuance window: %w", err)
	}
	w.StartedAt = w.StartedAt.UTC()
	return w, nil
}

func (c *PostgresCounter) Reset(ctx context.Context, subject string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM issuance_windows WHERE subject = $1`, subject); err != nil {
		return fmt.Errorf("reset issuance window: %w", err)
	}
	return nil
}

// DeleteLapsed removes windows that started at or before cutoff.
func (c *PostgresCounter) DeleteLapsed(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM issuance_windows WHERE window_started_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete lapsed issuance windows: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete lapsed issuance windows rows: %w", err)
	}
	return int(rows), nil
}
