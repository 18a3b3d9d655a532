// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	RecognizerKeyword = "keyword"
	RecognizerConcept = "concept"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// DBConnectTimeoutSeconds bounds retries of the first database ping.
	DBConnectTimeoutSeconds int    `mapstructure:"DB_CONNECT_TIMEOUT_SECONDS"`
	MigrationsDir           string `mapstructure:"MIGRATIONS_DIR"`

	RedisURL        string `mapstructure:"REDIS_URL"`
	CacheTTLSeconds int    `mapstructure:"CACHE_TTL_SECONDS"`

	RecognizerVariant        string `mapstructure:"RECOGNIZER_VARIANT"`
	RecognizerURL            string `mapstructure:"RECOGNIZER_URL"`
	RecognizerTimeoutSeconds int    `mapstructure:"RECOGNIZER_TIMEOUT_SECONDS"`
	KeywordsFile             string `mapstructure:"KEYWORDS_FILE"`

	TranscriberURL            string `mapstructure:"TRANSCRIBER_URL"`
	TranscriberModel          string `mapstructure:"TRANSCRIBER_MODEL"`
	TranscriberTimeoutSeconds int    `mapstructure:"TRANSCRIBER_TIMEOUT_SECONDS"`
	TranscriptInbox           string `mapstructure:"TRANSCRIPT_INBOX"`

	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS          float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int     `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit             string  `mapstructure:"BODY_LIMIT"`
	AudioBodyLimit        string  `mapstructure:"AUDIO_BODY_LIMIT"`
	RequestTimeoutSeconds int     `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`

	LogLevel string `mapstructure:"LOG_LEVEL"`

	OTLPEndpoint           string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRate        float64 `mapstructure:"OTEL_SAMPLE_RATE"`
	MetricsIntervalSeconds int     `mapstructure:"METRICS_INTERVAL_SECONDS"`
	RuntimeMetrics         bool    `mapstructure:"RUNTIME_METRICS"`
}

var defaults = map[string]interface{}{
	"PORT":                        "8000",
	"ENV":                         "development",
	"STORE_DRIVER":                DriverPostgres,
	"SQLITE_PATH":                 "telemed.db",
	"DB_MAX_CONNS":                20,
	"DB_MIN_CONNS":                5,
	"DB_CONNECT_TIMEOUT_SECONDS":  30,
	"MIGRATIONS_DIR":              "./migrations",
	"CACHE_TTL_SECONDS":           300,
	"RECOGNIZER_VARIANT":          RecognizerKeyword,
	"RECOGNIZER_TIMEOUT_SECONDS":  30,
	"TRANSCRIBER_MODEL":           "base",
	"TRANSCRIBER_TIMEOUT_SECONDS": 300,
	"CORS_ORIGINS":                "http://localhost:3000",
	"RATE_LIMIT_RPS":              100,
	"RATE_LIMIT_BURST":            200,
	"BODY_LIMIT":                  "2M",
	"AUDIO_BODY_LIMIT":            "50M",
	"REQUEST_TIMEOUT_SECONDS":     60,
	"LOG_LEVEL":                   "info",
	"OTEL_SAMPLE_RATE":            1.0,
	"METRICS_INTERVAL_SECONDS":    15,
	"RUNTIME_METRICS":             true,
}

var envKeys = []string{
	"DATABASE_URL", "REDIS_URL", "RECOGNIZER_URL", "KEYWORDS_FILE",
	"TRANSCRIBER_URL", "TRANSCRIPT_INBOX", "AUTH_ISSUER", "AUTH_JWKS_URL",
	"AUTH_AUDIENCE", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads the configuration. It does not validate; callers that need a
// store or auth call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
		v.BindEnv(key)
	}
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.RecognizerVariant = strings.ToLower(strings.TrimSpace(cfg.RecognizerVariant))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings needed to serve requests.
func (c *Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if err := c.ValidateRecognizer(); err != nil {
		return err
	}

	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set outside development (current ENV=%q)", c.Env)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}

// ValidateStore checks the store driver settings.
func (c *Config) ValidateStore() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=%s", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}
	return nil
}

// ValidateRecognizer checks only the recognizer settings, for commands that
// extract without a store.
func (c *Config) ValidateRecognizer() error {
	switch c.RecognizerVariant {
	case RecognizerKeyword:
	case RecognizerConcept:
		if c.RecognizerURL == "" {
			return fmt.Errorf("RECOGNIZER_URL is required when RECOGNIZER_VARIANT=%s", RecognizerConcept)
		}
	default:
		return fmt.Errorf("RECOGNIZER_VARIANT must be %q or %q, got %q", RecognizerKeyword, RecognizerConcept, c.RecognizerVariant)
	}
	return nil
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *Config) RecognizerTimeout() time.Duration {
	return time.Duration(c.RecognizerTimeoutSeconds) * time.Second
}

func (c *Config) TranscriberTimeout() time.Duration {
	return time.Duration(c.TranscriberTimeoutSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) DBConnectTimeout() time.Duration {
	return time.Duration(c.DBConnectTimeoutSeconds) * time.Second
}

func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSeconds) * time.Second
}
