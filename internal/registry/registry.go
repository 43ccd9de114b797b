// Package registry seeds the provider and model tables from the catalog and
// environment at startup.
package registry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"briefline/internal/config"
	"briefline/internal/store"
)

// Seed upserts every catalog provider that has a credential, plus its models.
// Providers without a credential are skipped: they could never serve a call.
// Returns the number of seeded providers.
func Seed(ctx context.Context, st *store.Store, cfg *config.Settings, log *logrus.Logger) (int, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	seeded := 0
	for _, p := range cfg.Catalog.Providers {
		credential, ok := cfg.Credentials[p.Name]
		if !ok || credential == "" {
			log.WithField("provider", p.Name).Debug("no credential configured, skipping provider")
			continue
		}
		enabled := cfg.Enabled(p.Name)
		if err := st.UpsertProvider(ctx, p.Name, p.Name, credential, p.Priority, enabled); err != nil {
			return seeded, fmt.Errorf("seed provider %s: %w", p.Name, err)
		}
		for _, m := range p.Models {
			perMinute, perDay := m.PerMinute, m.PerDay
			if ov, ok := cfg.OverrideFor(p.Name, m.Name); ok {
				perMinute, perDay = ov.PerMinute, ov.PerDay
			}
			modelID := p.Name + "/" + m.Name
			if err := st.UpsertModel(ctx, modelID, p.Name, m.Name, perMinute, perDay, true); err != nil {
				return seeded, fmt.Errorf("seed model %s: %w", modelID, err)
			}
		}
		log.WithFields(logrus.Fields{"provider": p.Name, "models": len(p.Models), "enabled": enabled}).
			Info("provider seeded")
		seeded++
	}
	if seeded == 0 {
		return 0, fmt.Errorf("no provider has a configured credential")
	}
	return seeded, nil
}
