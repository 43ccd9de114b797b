package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"briefline/internal/domain"
)

// UpsertProvider inserts or updates a provider row. Providers are never
// deleted during a run; disable instead.
func (s *Store) UpsertProvider(ctx context.Context, id, name, credential string, priority int, enabled bool) error {
	if priority < 1 {
		return fmt.Errorf("provider %s: priority must be >= 1", id)
	}
	now := s.nowString()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO providers(id,name,credential,priority,enabled,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, credential=excluded.credential, priority=excluded.priority,
enabled=excluded.enabled, updated_at=excluded.updated_at`,
		id, name, credential, priority, boolInt(enabled), now, now)
	return err
}

// UpsertModel inserts or updates a model row. Fails when provider_id does
// not resolve.
func (s *Store) UpsertModel(ctx context.Context, id, providerID, name string, minuteLimit, dayLimit int, enabled bool) error {
	if minuteLimit < 1 || dayLimit < 1 {
		return fmt.Errorf("model %s: limits must be >= 1", id)
	}
	var exists int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM providers WHERE id=?`, providerID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("model %s: unknown provider %s", id, providerID)
	}
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO models(id,provider_id,model_name,per_minute_limit,per_day_limit,enabled)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET provider_id=excluded.provider_id, model_name=excluded.model_name,
per_minute_limit=excluded.per_minute_limit, per_day_limit=excluded.per_day_limit, enabled=excluded.enabled`,
		id, providerID, name, minuteLimit, dayLimit, boolInt(enabled))
	return err
}

// ListActiveModels returns dispatch candidates: enabled models of enabled,
// non-gated providers, ordered by provider priority then model id.
func (s *Store) ListActiveModels(ctx context.Context) ([]domain.Candidate, error) {
	now := s.nowString()
	rows, err := s.DB.QueryContext(ctx, `SELECT m.id, m.provider_id, m.model_name, m.per_minute_limit, m.per_day_limit, m.enabled,
p.name, p.credential, p.priority
FROM models m
JOIN providers p ON p.id = m.provider_id
WHERE m.enabled=1 AND p.enabled=1
AND p.id NOT IN (SELECT provider_id FROM provider_backoff WHERE until > ?)
ORDER BY p.priority ASC, m.id ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Candidate
	for rows.Next() {
		var c domain.Candidate
		var enabled int
		if err := rows.Scan(&c.ID, &c.ProviderID, &c.ModelName, &c.PerMinuteLimit, &c.PerDayLimit, &enabled,
			&c.ProviderName, &c.Credential, &c.ProviderPriority); err != nil {
			return nil, err
		}
		c.Enabled = enabled != 0
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *Store) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,name,credential,priority,enabled,created_at,updated_at FROM providers ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Provider
	for rows.Next() {
		var p domain.Provider
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &p.Credential, &p.Priority, &enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetBackoff records a provider-wide cool-down. A new backoff overwrites the
// prior one.
func (s *Store) SetBackoff(ctx context.Context, providerID string, until time.Time, reason string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO provider_backoff(provider_id,until,reason) VALUES (?,?,?)
ON CONFLICT(provider_id) DO UPDATE SET until=excluded.until, reason=excluded.reason`,
		providerID, until.UTC().Format(time.RFC3339), reason)
	return err
}

// ListGatedProviders returns backoff rows still in effect at now.
func (s *Store) ListGatedProviders(ctx context.Context, now time.Time) ([]domain.ProviderBackoff, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT provider_id,until,reason FROM provider_backoff WHERE until > ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProviderBackoff
	for rows.Next() {
		var b domain.ProviderBackoff
		if err := rows.Scan(&b.ProviderID, &b.Until, &b.Reason); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// PruneRateCounters removes counter windows older than twice their period.
func (s *Store) PruneRateCounters(ctx context.Context, now time.Time) (int, error) {
	minuteCutoff := now.UTC().Add(-2 * time.Minute).Format(time.RFC3339)
	dayCutoff := now.UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `DELETE FROM rate_counters
WHERE (period='minute' AND window_start < ?) OR (period='day' AND window_start < ?)`,
		minuteCutoff, dayCutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
