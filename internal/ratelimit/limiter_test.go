package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"briefline/internal/db"
	"briefline/internal/migrate"
)

func newTestLimiter(t *testing.T, minuteLimit, dayLimit int) (*Limiter, *sql.DB, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 23, 59, 30, 0, time.UTC)
	if _, err := conn.ExecContext(ctx, `INSERT INTO providers(id,name,credential,priority,enabled,created_at,updated_at)
VALUES ('p','p','sk',1,1,'2025-01-01T00:00:00Z','2025-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO models(id,provider_id,model_name,per_minute_limit,per_day_limit,enabled)
VALUES ('p/m','p','m',?,?,1)`, minuteLimit, dayLimit); err != nil {
		t.Fatalf("seed model: %v", err)
	}
	lim := New(conn)
	lim.Now = func() time.Time { return now }
	return lim, conn, &now
}

func TestTryConsumeUpToLimit(t *testing.T) {
	lim, _, _ := newTestLimiter(t, 2, 100)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res, err := lim.TryConsume(ctx, "p/m", PeriodMinute)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("consume %d refused: %+v", i, res)
		}
		if res.Used != i {
			t.Fatalf("used = %d, want %d", res.Used, i)
		}
	}

	res, err := lim.TryConsume(ctx, "p/m", PeriodMinute)
	if err != nil {
		t.Fatalf("consume over: %v", err)
	}
	if res.Allowed {
		t.Fatal("consume allowed past limit")
	}
	if res.Used != 2 || res.Limit != 2 {
		t.Fatalf("refusal state = %+v", res)
	}
}

func TestRefusalLeavesCounterUntouched(t *testing.T) {
	lim, conn, _ := newTestLimiter(t, 1, 100)
	ctx := context.Background()

	if res, err := lim.TryConsume(ctx, "p/m", PeriodMinute); err != nil || !res.Allowed {
		t.Fatalf("first consume: res=%+v err=%v", res, err)
	}
	for i := 0; i < 3; i++ {
		if res, err := lim.TryConsume(ctx, "p/m", PeriodMinute); err != nil || res.Allowed {
			t.Fatalf("refusal %d: res=%+v err=%v", i, res, err)
		}
	}
	var used int
	if err := conn.QueryRowContext(ctx, `SELECT used_count FROM rate_counters WHERE model_id='p/m' AND period='minute'`).Scan(&used); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if used != 1 {
		t.Fatalf("used_count = %d, want 1", used)
	}
}

func TestMinuteWindowRollover(t *testing.T) {
	lim, _, now := newTestLimiter(t, 1, 100)
	ctx := context.Background()

	if res, err := lim.TryConsume(ctx, "p/m", PeriodMinute); err != nil || !res.Allowed {
		t.Fatalf("first consume: res=%+v err=%v", res, err)
	}
	if res, err := lim.TryConsume(ctx, "p/m", PeriodMinute); err != nil || res.Allowed {
		t.Fatalf("second consume in window: res=%+v err=%v", res, err)
	}

	*now = now.Add(time.Minute)
	res, err := lim.TryConsume(ctx, "p/m", PeriodMinute)
	if err != nil {
		t.Fatalf("consume new window: %v", err)
	}
	if !res.Allowed || res.Used != 1 {
		t.Fatalf("new window: %+v", res)
	}
}

func TestDayWindowBoundary(t *testing.T) {
	// Clock starts at 23:59:30; one second before midnight and one after land
	// in different UTC day windows.
	lim, _, now := newTestLimiter(t, 100, 1)
	ctx := context.Background()

	if res, err := lim.TryConsume(ctx, "p/m", PeriodDay); err != nil || !res.Allowed {
		t.Fatalf("day consume: res=%+v err=%v", res, err)
	}
	if res, err := lim.TryConsume(ctx, "p/m", PeriodDay); err != nil || res.Allowed {
		t.Fatalf("same-day consume: res=%+v err=%v", res, err)
	}

	*now = now.Add(31 * time.Second)
	res, err := lim.TryConsume(ctx, "p/m", PeriodDay)
	if err != nil {
		t.Fatalf("next-day consume: %v", err)
	}
	if !res.Allowed || res.Used != 1 {
		t.Fatalf("next-day window: %+v", res)
	}
}

func TestIndependentWindows(t *testing.T) {
	lim, _, _ := newTestLimiter(t, 1, 2)
	ctx := context.Background()

	if res, err := lim.TryConsume(ctx, "p/m", PeriodMinute); err != nil || !res.Allowed {
		t.Fatalf("minute consume: res=%+v err=%v", res, err)
	}
	// Day window has its own counter.
	res, err := lim.TryConsume(ctx, "p/m", PeriodDay)
	if err != nil {
		t.Fatalf("day consume: %v", err)
	}
	if !res.Allowed || res.Used != 1 || res.Limit != 2 {
		t.Fatalf("day window: %+v", res)
	}
}

func TestUnknownModel(t *testing.T) {
	lim, _, _ := newTestLimiter(t, 1, 1)
	_, err := lim.TryConsume(context.Background(), "p/ghost", PeriodMinute)
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
}

func TestWindowStart(t *testing.T) {
	at := time.Date(2025, 3, 10, 23, 59, 59, 999, time.UTC)
	if got := WindowStart(at, PeriodMinute); !got.Equal(time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)) {
		t.Fatalf("minute window = %v", got)
	}
	if got := WindowStart(at, PeriodDay); !got.Equal(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("day window = %v", got)
	}
}
