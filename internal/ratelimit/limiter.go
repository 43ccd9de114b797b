package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Period is the window over which a model's quota is tallied.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodDay    Period = "day"
)

var ErrUnknownModel = errors.New("unknown model")

// Result of a consume attempt. Used reflects the counter after a successful
// consume, or the refusing value when not allowed.
type Result struct {
	Allowed bool
	Used    int
	Limit   int
}

// Limiter maintains durable per-(model, window) counters. The counters
// survive restarts and are shared by every worker on the database.
type Limiter struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Limiter {
	return &Limiter{DB: db, Now: time.Now}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// WindowStart floors t to the period boundary in UTC.
func WindowStart(t time.Time, period Period) time.Time {
	t = t.UTC()
	switch period {
	case PeriodDay:
		return t.Truncate(24 * time.Hour)
	default:
		return t.Truncate(time.Minute)
	}
}

// TryConsume checks and increments the counter for the current window. The
// model limit is resolved and the guarded upsert applied inside one
// transaction, so a concurrent limit change cannot slip between them. A
// refusal leaves no state change; no reader ever observes a counter above
// its limit.
func (l *Limiter) TryConsume(ctx context.Context, modelID string, period Period) (Result, error) {
	col := "per_minute_limit"
	if period == PeriodDay {
		col = "per_day_limit"
	}
	window := WindowStart(l.now(), period).Format(time.RFC3339)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	var limit int
	err = tx.QueryRowContext(ctx, `SELECT `+col+` FROM models WHERE id=?`, modelID).Scan(&limit)
	if err == sql.ErrNoRows {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if err != nil {
		return Result{}, err
	}
	if limit < 1 {
		return Result{Allowed: false, Used: 0, Limit: limit}, tx.Commit()
	}

	// The guarded upsert is the check-and-increment: the WHERE clause on the
	// conflict branch refuses the increment once the limit is reached, so two
	// concurrent calls can never jointly cross it.
	res, err := tx.ExecContext(ctx, `INSERT INTO rate_counters(model_id,period,window_start,used_count)
VALUES (?,?,?,1)
ON CONFLICT(model_id,period,window_start) DO UPDATE SET used_count=used_count+1
WHERE used_count < ?`, modelID, string(period), window, limit)
	if err != nil {
		return Result{}, err
	}
	n, _ := res.RowsAffected()
	used, err := usedCount(ctx, tx, modelID, period, window)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Allowed: n > 0, Used: used, Limit: limit}, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func usedCount(ctx context.Context, q rowQuerier, modelID string, period Period, window string) (int, error) {
	var used int
	err := q.QueryRowContext(ctx, `SELECT used_count FROM rate_counters WHERE model_id=? AND period=? AND window_start=?`,
		modelID, string(period), window).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return used, err
}
