package gate

import (
	"context"
	"time"

	"briefline/internal/llm"
	"briefline/internal/store"
)

// Backoff durations per upstream error class.
const (
	QuotaBackoff     = 60 * time.Minute
	AuthBackoff      = 240 * time.Minute
	TransientBackoff = 15 * time.Minute
)

// Gate tracks provider-wide cool-downs after upstream failures. A provider
// is gated while its backoff `until` lies in the future; gated providers are
// excluded from ListActiveModels.
type Gate struct {
	Store *store.Store
	Now   func() time.Time
}

func New(st *store.Store) *Gate {
	return &Gate{Store: st, Now: time.Now}
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// BackoffFor maps an upstream error class to its cool-down duration.
// Classes outside the table get no backoff.
func BackoffFor(kind llm.Kind) (time.Duration, bool) {
	switch kind {
	case llm.KindQuota:
		return QuotaBackoff, true
	case llm.KindAuth:
		return AuthBackoff, true
	case llm.KindTransient:
		return TransientBackoff, true
	default:
		return 0, false
	}
}

// Apply records a backoff for the provider when the error class warrants
// one. Re-applying overwrites the prior backoff.
func (g *Gate) Apply(ctx context.Context, providerID string, kind llm.Kind, reason string) error {
	d, ok := BackoffFor(kind)
	if !ok {
		return nil
	}
	return g.Store.SetBackoff(ctx, providerID, g.now().Add(d), reason)
}

// Gated reports whether the provider is currently cooling down.
func (g *Gate) Gated(ctx context.Context, providerID string) (bool, error) {
	gated, err := g.Store.ListGatedProviders(ctx, g.now())
	if err != nil {
		return false, err
	}
	for _, b := range gated {
		if b.ProviderID == providerID {
			return true, nil
		}
	}
	return false, nil
}
