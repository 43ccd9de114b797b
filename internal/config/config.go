package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog models the provider/model seed file (providers.yml).
type Catalog struct {
	Providers []ProviderSpec `yaml:"providers"`
}

type ProviderSpec struct {
	Name     string      `yaml:"name"`
	Priority int         `yaml:"priority"`
	BaseURL  string      `yaml:"base_url"`
	Models   []ModelSpec `yaml:"models"`
}

type ModelSpec struct {
	Name      string `yaml:"name"`
	PerMinute int    `yaml:"per_minute"`
	PerDay    int    `yaml:"per_day"`
}

// LimitOverride is a per-(provider, model) rate limit override from the
// MODEL_CONFIG_<PROVIDER>_<MODEL>=minute,day environment convention.
type LimitOverride struct {
	PerMinute int
	PerDay    int
}

// Settings is everything the process reads from its environment.
type Settings struct {
	Workspace      string
	ListenAddr     string
	CallbackURL    string
	InternalSecret string

	WorkerConcurrency int
	PollInterval      time.Duration
	StaleTimeout      time.Duration
	UpstreamTimeout   time.Duration

	LogLevel string

	Credentials     map[string]string
	ProviderEnabled map[string]bool
	BaseURLs        map[string]string
	LimitOverrides  map[string]LimitOverride

	Catalog *Catalog
}

const defaultSecretPlaceholder = "change-me"

// FromEnv reads settings from the environment, loading the provider catalog
// from PROVIDER_CATALOG or the built-in default template.
func FromEnv() (*Settings, error) {
	s := &Settings{
		Workspace:         getenv("BRIEFLINE_WORKSPACE", "."),
		ListenAddr:        getenv("LISTEN_ADDR", ":8080"),
		CallbackURL:       os.Getenv("CALLBACK_URL"),
		InternalSecret:    os.Getenv("INTERNAL_SECRET"),
		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 1),
		PollInterval:      time.Duration(getenvInt("POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		StaleTimeout:      time.Duration(getenvInt("STALE_TIMEOUT_MIN", 10)) * time.Minute,
		UpstreamTimeout:   time.Duration(getenvInt("UPSTREAM_TIMEOUT_MS", 30000)) * time.Millisecond,
		LogLevel:          getenv("LOG_LEVEL", "info"),
		Credentials:       map[string]string{},
		ProviderEnabled:   map[string]bool{},
		BaseURLs:          map[string]string{},
		LimitOverrides:    map[string]LimitOverride{},
	}

	if key := strings.TrimSpace(os.Getenv("PRIMARY_API_KEY")); key != "" {
		s.Credentials["primary"] = key
	}
	if key := strings.TrimSpace(os.Getenv("SECONDARY_API_KEY")); key != "" {
		s.Credentials["secondary"] = key
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(key, "PROVIDER_ENABLED_"):
			name := strings.ToLower(strings.TrimPrefix(key, "PROVIDER_ENABLED_"))
			s.ProviderEnabled[name] = parseBool(value, true)
		case strings.HasPrefix(key, "UPSTREAM_BASE_URL_"):
			name := strings.ToLower(strings.TrimPrefix(key, "UPSTREAM_BASE_URL_"))
			s.BaseURLs[name] = strings.TrimSpace(value)
		case strings.HasPrefix(key, "MODEL_CONFIG_"):
			ov, target, err := parseLimitOverride(strings.TrimPrefix(key, "MODEL_CONFIG_"), value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			s.LimitOverrides[target] = ov
		}
	}

	catalogPath := os.Getenv("PROVIDER_CATALOG")
	catalog, err := loadCatalog(catalogPath)
	if err != nil {
		return nil, err
	}
	s.Catalog = catalog
	return s, nil
}

// Validate checks invariants required before serving. A missing or
// placeholder internal secret is a fatal misconfiguration.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.InternalSecret) == "" || s.InternalSecret == defaultSecretPlaceholder {
		return fmt.Errorf("INTERNAL_SECRET must be set to a non-default value")
	}
	if len(s.Credentials) == 0 {
		return fmt.Errorf("at least one provider credential is required (PRIMARY_API_KEY or SECONDARY_API_KEY)")
	}
	if s.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	if s.Catalog == nil || len(s.Catalog.Providers) == 0 {
		return fmt.Errorf("provider catalog has no providers")
	}
	return nil
}

// ValidateServe additionally requires the callback endpoint.
func (s *Settings) ValidateServe() error {
	if err := s.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(s.CallbackURL) == "" {
		return fmt.Errorf("CALLBACK_URL is required")
	}
	return nil
}

// Enabled resolves a provider's enabled flag, defaulting to true.
func (s *Settings) Enabled(provider string) bool {
	if v, ok := s.ProviderEnabled[strings.ToLower(provider)]; ok {
		return v
	}
	return true
}

// BaseURL resolves a provider's upstream endpoint: env override first, then
// the catalog.
func (s *Settings) BaseURL(provider string) string {
	if v, ok := s.BaseURLs[strings.ToLower(provider)]; ok && v != "" {
		return v
	}
	for _, p := range s.Catalog.Providers {
		if p.Name == provider {
			return p.BaseURL
		}
	}
	return ""
}

// Limits resolves a model's rate limits: env override first, then catalog.
func (s *Settings) Limits(provider string, m ModelSpec) (int, int) {
	if ov, ok := s.LimitOverrides[EnvKey(provider)+"_"+EnvKey(m.Name)]; ok {
		return ov.PerMinute, ov.PerDay
	}
	return m.PerMinute, m.PerDay
}

// EnvKey normalizes a provider or model name to its environment-variable
// form: upper-cased with every non-alphanumeric run collapsed to "_".
func EnvKey(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

func parseLimitOverride(suffix, value string) (LimitOverride, string, error) {
	minutePart, dayPart, ok := strings.Cut(value, ",")
	if !ok {
		return LimitOverride{}, "", fmt.Errorf("expected minute,day")
	}
	perMinute, err := strconv.Atoi(strings.TrimSpace(minutePart))
	if err != nil {
		return LimitOverride{}, "", fmt.Errorf("minute limit: %w", err)
	}
	perDay, err := strconv.Atoi(strings.TrimSpace(dayPart))
	if err != nil {
		return LimitOverride{}, "", fmt.Errorf("day limit: %w", err)
	}
	if perMinute < 1 || perDay < 1 {
		return LimitOverride{}, "", fmt.Errorf("limits must be >= 1")
	}
	return LimitOverride{PerMinute: perMinute, PerDay: perDay}, suffix, nil
}

// OverrideFor matches a MODEL_CONFIG suffix against a (provider, model)
// pair during seeding.
func (s *Settings) OverrideFor(provider, model string) (LimitOverride, bool) {
	ov, ok := s.LimitOverrides[EnvKey(provider)+"_"+EnvKey(model)]
	return ov, ok
}

func loadCatalog(path string) (*Catalog, error) {
	data := []byte(defaultCatalogTemplate)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("provider catalog %s: %w", path, err)
		}
		data = raw
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("invalid provider catalog yaml: %w", err)
	}
	for i, p := range catalog.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("catalog provider %d has no name", i)
		}
		if p.Priority < 1 {
			return nil, fmt.Errorf("catalog provider %s: priority must be >= 1", p.Name)
		}
		for _, m := range p.Models {
			if m.Name == "" {
				return nil, fmt.Errorf("catalog provider %s has a model with no name", p.Name)
			}
			if m.PerMinute < 1 || m.PerDay < 1 {
				return nil, fmt.Errorf("catalog model %s/%s: limits must be >= 1", p.Name, m.Name)
			}
		}
	}
	return &catalog, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

const defaultCatalogTemplate = `providers:
  - name: primary
    priority: 1
    base_url: https://api.openai.com
    models:
      - name: gpt-4o-mini
        per_minute: 60
        per_day: 10000
      - name: gpt-4o
        per_minute: 30
        per_day: 5000

  - name: secondary
    priority: 2
    base_url: https://api.groq.com/openai
    models:
      - name: llama-3.1-70b-versatile
        per_minute: 30
        per_day: 7000
`
