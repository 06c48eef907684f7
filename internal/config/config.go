package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	AI            AIConfig
	Query         QueryConfig
	Cache         CacheConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type AIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxAttempts int
}

type QueryConfig struct {
	MaxRows               int
	SampleValues          int
	RelationshipThreshold float64
	Analyze               bool
}

type CacheConfig struct {
	Enabled bool
	Dir     string
}

type ObjectStoreConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

type ObservabilityConfig struct {
	LogLevel    slog.Level
	LogJSON     bool
	MetricsAddr string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

// Load resolves configuration in three layers: profile defaults, the optional
// YAML file named by DUCKASK_CONFIG (or the default config path), then env.
func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("DUCKASK_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid DUCKASK_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile, lookup)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	path, explicit := configFilePath(lookup)
	if path != "" {
		// The default location is optional; an explicit one is not.
		if err := applyFile(path, &cfg); err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
			return Config{}, err
		}
	}

	// Plain OpenAI variables are fallbacks; the prefixed ones below win.
	if err := applyString(lookup, "OPENAI_API_KEY", &cfg.AI.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "OPENAI_BASE_URL", &cfg.AI.BaseURL); err != nil {
		return Config{}, err
	}

	if err := applyString(lookup, "DUCKASK_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKASK_AI_BASE_URL", &cfg.AI.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKASK_AI_API_KEY", &cfg.AI.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKASK_AI_MODEL", &cfg.AI.Model); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "DUCKASK_AI_TEMPERATURE", &cfg.AI.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DUCKASK_AI_TIMEOUT", &cfg.AI.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKASK_AI_MAX_ATTEMPTS", &cfg.AI.MaxAttempts); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKASK_QUERY_MAX_ROWS", &cfg.Query.MaxRows); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DUCKASK_QUERY_SAMPLE_VALUES", &cfg.Query.SampleValues); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "DUCKASK_QUERY_RELATIONSHIP_THRESHOLD", &cfg.Query.RelationshipThreshold); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKASK_QUERY_ANALYZE", &cfg.Query.Analyze); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKASK_CACHE_ENABLED", &cfg.Cache.Enabled); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKASK_CACHE_DIR", &cfg.Cache.Dir); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKASK_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKASK_OBJECTSTORE_REGION", &cfg.ObjectStore.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKASK_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKASK_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKASK_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DUCKASK_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "DUCKASK_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DUCKASK_METRICS_ADDR", &cfg.Observability.MetricsAddr); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the pipeline relies on. It is exported so
// that command-line overrides can be re-checked after they are applied.
func (c Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.AI.MaxAttempts < 1 {
		return fmt.Errorf("ai max attempts must be >= 1, got %d", c.AI.MaxAttempts)
	}
	if c.Query.MaxRows < 1 {
		return fmt.Errorf("query max rows must be >= 1, got %d", c.Query.MaxRows)
	}
	if c.Query.SampleValues < 0 {
		return fmt.Errorf("query sample values must be >= 0, got %d", c.Query.SampleValues)
	}
	if c.Query.RelationshipThreshold < 0 || c.Query.RelationshipThreshold > 1 {
		return fmt.Errorf("query relationship threshold must be within [0,1], got %v", c.Query.RelationshipThreshold)
	}
	if c.Cache.Enabled && c.Cache.Dir == "" {
		return fmt.Errorf("cache dir is required when the cache is enabled")
	}
	return nil
}

func defaultsForProfile(profile Profile, lookup LookupFunc) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "duckask"},
		AI: AIConfig{
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o",
			Temperature: 0,
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
		},
		Query: QueryConfig{
			MaxRows:               100,
			SampleValues:          5,
			RelationshipThreshold: 0.5,
			Analyze:               false,
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     defaultCacheDir(lookup),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint: "s3.amazonaws.com",
			Region:   "us-east-1",
			UseSSL:   true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  false,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Cache.Enabled = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelWarn
	}

	return cfg
}

func defaultCacheDir(lookup LookupFunc) string {
	if base, ok := lookup("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(strings.TrimSpace(base), "duckask")
	}
	if home, ok := lookup("HOME"); ok && strings.TrimSpace(home) != "" {
		return filepath.Join(strings.TrimSpace(home), ".cache", "duckask")
	}
	return filepath.Join(os.TempDir(), "duckask-cache")
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level, err := ParseLogLevel(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = level
	return nil
}

// ParseLogLevel accepts debug, info, warn/warning and error.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", raw)
	}
}
