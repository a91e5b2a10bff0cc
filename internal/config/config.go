// Package config loads service configuration from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds configuration shared by the API, the worker and the CLI.
type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	LogLevel               string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32         `mapstructure:"DB_MIN_CONNS"`
	JotformAPIKey          string        `mapstructure:"JOTFORM_API_KEY"`
	JotformBaseURL         string        `mapstructure:"JOTFORM_BASE_URL"`
	JotformSubmissionLimit int           `mapstructure:"JOTFORM_SUBMISSION_LIMIT"`
	JotformTimezone        string        `mapstructure:"JOTFORM_TIMEZONE"`
	SyncTimeout            time.Duration `mapstructure:"SYNC_TIMEOUT"`
	SyncWorkers            int           `mapstructure:"SYNC_WORKERS"`
	SyncMaxRetries         int           `mapstructure:"SYNC_MAX_RETRIES"`
	KafkaGroupID           string        `mapstructure:"KAFKA_GROUP_ID"`
	OTLPEndpoint           string        `mapstructure:"OTLP_ENDPOINT"`
	OTelSampleRatio        float64       `mapstructure:"OTEL_SAMPLE_RATIO"`

	// Parsed from comma separated lists after Unmarshal.
	ExcludedFormIDs map[string]struct{} `mapstructure:"-"`
	FormTitles      map[string]string   `mapstructure:"-"`
	APIKeys         map[string]string   `mapstructure:"-"`
	KafkaBrokers    []string            `mapstructure:"-"`
	CORSOrigins     []string            `mapstructure:"-"`
}

var boundKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JOTFORM_API_KEY", "JOTFORM_BASE_URL", "JOTFORM_SUBMISSION_LIMIT", "JOTFORM_TIMEZONE",
	"SYNC_TIMEOUT", "SYNC_WORKERS", "SYNC_MAX_RETRIES",
	"EXCLUDED_FORM_IDS", "FORM_TITLES", "API_KEYS", "KAFKA_BROKERS", "KAFKA_GROUP_ID",
	"OTLP_ENDPOINT", "OTEL_SAMPLE_RATIO", "CORS_ORIGINS",
}

// Load reads configuration from the environment, falling back to a .env file and defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("JOTFORM_BASE_URL", "https://api.jotform.com")
	v.SetDefault("JOTFORM_SUBMISSION_LIMIT", 1000)
	v.SetDefault("JOTFORM_TIMEZONE", "UTC")
	v.SetDefault("SYNC_TIMEOUT", "2m")
	v.SetDefault("SYNC_WORKERS", 8)
	v.SetDefault("SYNC_MAX_RETRIES", 2)
	v.SetDefault("KAFKA_GROUP_ID", "section21-sync-worker")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ExcludedFormIDs = ParseSet(v.GetString("EXCLUDED_FORM_IDS"))
	cfg.KafkaBrokers = ParseList(v.GetString("KAFKA_BROKERS"))
	cfg.CORSOrigins = ParseList(v.GetString("CORS_ORIGINS"))

	titles, err := ParsePairs(v.GetString("FORM_TITLES"))
	if err != nil {
		return nil, fmt.Errorf("FORM_TITLES: %w", err)
	}
	cfg.FormTitles = titles

	keys, err := ParsePairs(v.GetString("API_KEYS"))
	if err != nil {
		return nil, fmt.Errorf("API_KEYS: %w", err)
	}
	cfg.APIKeys = keys

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !c.IsDev() && c.JotformAPIKey == "" {
		return fmt.Errorf("JOTFORM_API_KEY is required when ENV=%q", c.Env)
	}
	if !c.IsDev() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required when ENV=%q", c.Env)
	}
	if c.JotformSubmissionLimit <= 0 {
		return fmt.Errorf("JOTFORM_SUBMISSION_LIMIT must be positive, got %d", c.JotformSubmissionLimit)
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive, got %s", c.SyncTimeout)
	}
	if _, err := time.LoadLocation(c.JotformTimezone); err != nil {
		return fmt.Errorf("JOTFORM_TIMEZONE: %w", err)
	}
	return nil
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ProviderLocation returns the time zone provider timestamps are expressed in.
func (c *Config) ProviderLocation() *time.Location {
	loc, err := time.LoadLocation(c.JotformTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseList splits a comma separated list, dropping blanks.
func ParseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseSet splits a comma separated list into a set.
func ParseSet(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, item := range ParseList(raw) {
		set[item] = struct{}{}
	}
	return set
}

// ParsePairs parses "k1=v1,k2=v2" into a map.
func ParsePairs(raw string) (map[string]string, error) {
	pairs := make(map[string]string)
	for _, item := range ParseList(raw) {
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed pair %q", item)
		}
		pairs[k] = v
	}
	return pairs, nil
}
