package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML layout of config.yaml. Pointer fields keep
// "unset" distinct from zero values so the file only overrides what it names.
type fileConfig struct {
	AI struct {
		BaseURL     *string  `yaml:"base_url"`
		APIKey      *string  `yaml:"api_key"`
		Model       *string  `yaml:"model"`
		Temperature *float64 `yaml:"temperature"`
		Timeout     *string  `yaml:"timeout"`
		MaxAttempts *int     `yaml:"max_attempts"`
	} `yaml:"ai"`
	Query struct {
		MaxRows               *int     `yaml:"max_rows"`
		SampleValues          *int     `yaml:"sample_values"`
		RelationshipThreshold *float64 `yaml:"relationship_threshold"`
		Analyze               *bool    `yaml:"analyze"`
	} `yaml:"query"`
	Cache struct {
		Enabled *bool   `yaml:"enabled"`
		Dir     *string `yaml:"dir"`
	} `yaml:"cache"`
	ObjectStore struct {
		Endpoint        *string `yaml:"endpoint"`
		Region          *string `yaml:"region"`
		AccessKeyID     *string `yaml:"access_key"`
		SecretAccessKey *string `yaml:"secret_key"`
		UseSSL          *bool   `yaml:"use_ssl"`
	} `yaml:"object_store"`
	Observability struct {
		LogLevel    *string `yaml:"log_level"`
		LogJSON     *bool   `yaml:"log_json"`
		MetricsAddr *string `yaml:"metrics_addr"`
	} `yaml:"observability"`
}

// configFilePath reports the config file to read and whether the caller asked
// for it explicitly through DUCKASK_CONFIG.
func configFilePath(lookup LookupFunc) (string, bool) {
	if raw, ok := lookup("DUCKASK_CONFIG"); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw), true
	}
	if base, ok := lookup("XDG_CONFIG_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(strings.TrimSpace(base), "duckask", "config.yaml"), false
	}
	if home, ok := lookup("HOME"); ok && strings.TrimSpace(home) != "" {
		return filepath.Join(strings.TrimSpace(home), ".config", "duckask", "config.yaml"), false
	}
	return "", false
}

func applyFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}

	setString(&cfg.AI.BaseURL, fc.AI.BaseURL)
	setString(&cfg.AI.APIKey, fc.AI.APIKey)
	setString(&cfg.AI.Model, fc.AI.Model)
	if fc.AI.Temperature != nil {
		cfg.AI.Temperature = *fc.AI.Temperature
	}
	if fc.AI.Timeout != nil {
		timeout, err := time.ParseDuration(strings.TrimSpace(*fc.AI.Timeout))
		if err != nil {
			return fmt.Errorf("invalid ai.timeout in %q: %w", path, err)
		}
		cfg.AI.Timeout = timeout
	}
	if fc.AI.MaxAttempts != nil {
		cfg.AI.MaxAttempts = *fc.AI.MaxAttempts
	}

	if fc.Query.MaxRows != nil {
		cfg.Query.MaxRows = *fc.Query.MaxRows
	}
	if fc.Query.SampleValues != nil {
		cfg.Query.SampleValues = *fc.Query.SampleValues
	}
	if fc.Query.RelationshipThreshold != nil {
		cfg.Query.RelationshipThreshold = *fc.Query.RelationshipThreshold
	}
	if fc.Query.Analyze != nil {
		cfg.Query.Analyze = *fc.Query.Analyze
	}

	if fc.Cache.Enabled != nil {
		cfg.Cache.Enabled = *fc.Cache.Enabled
	}
	setString(&cfg.Cache.Dir, fc.Cache.Dir)

	setString(&cfg.ObjectStore.Endpoint, fc.ObjectStore.Endpoint)
	setString(&cfg.ObjectStore.Region, fc.ObjectStore.Region)
	setString(&cfg.ObjectStore.AccessKeyID, fc.ObjectStore.AccessKeyID)
	setString(&cfg.ObjectStore.SecretAccessKey, fc.ObjectStore.SecretAccessKey)
	if fc.ObjectStore.UseSSL != nil {
		cfg.ObjectStore.UseSSL = *fc.ObjectStore.UseSSL
	}

	if fc.Observability.LogLevel != nil {
		level, err := ParseLogLevel(*fc.Observability.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid observability.log_level in %q: %w", path, err)
		}
		cfg.Observability.LogLevel = level
	}
	if fc.Observability.LogJSON != nil {
		cfg.Observability.LogJSON = *fc.Observability.LogJSON
	}
	setString(&cfg.Observability.MetricsAddr, fc.Observability.MetricsAddr)
	return nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}
