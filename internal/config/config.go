package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueuePostgres = "postgres"
	QueueMemory   = "memory"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// AdminPort serves health, readiness, metrics and batch status.
	AdminPort string `mapstructure:"ADMIN_PORT"`

	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	QueueBackend      string        `mapstructure:"QUEUE_BACKEND"`
	BatchSize         int           `mapstructure:"BATCH_SIZE"`
	StuckBatchTimeout time.Duration `mapstructure:"STUCK_BATCH_TIMEOUT"`

	ExportPath        string        `mapstructure:"EXPORT_PATH"`
	ResourcesPerFile  int           `mapstructure:"RESOURCES_PER_FILE"`
	EncryptionEnabled bool          `mapstructure:"ENCRYPTION_ENABLED"`
	PollInterval      time.Duration `mapstructure:"POLL_INTERVAL"`
	ConsentEnabled    bool          `mapstructure:"CONSENT_ENABLED"`

	RetryMaxAttempts     int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialInterval time.Duration `mapstructure:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval     time.Duration `mapstructure:"RETRY_MAX_INTERVAL"`

	BFDURL               string        `mapstructure:"BFD_URL"`
	BFDHashPepper        string        `mapstructure:"BFD_HASH_PEPPER"`
	BFDHashIterations    int           `mapstructure:"BFD_HASH_ITERATIONS"`
	BFDResourcesCount    int           `mapstructure:"BFD_RESOURCES_COUNT"`
	BFDRequestsPerSecond float64       `mapstructure:"BFD_REQUESTS_PER_SECOND"`
	BFDTimeout           time.Duration `mapstructure:"BFD_TIMEOUT"`
	BFDClientID          string        `mapstructure:"BFD_CLIENT_ID"`
	BFDTokenURL          string        `mapstructure:"BFD_TOKEN_URL"`
	BFDPrivateKeyFile    string        `mapstructure:"BFD_PRIVATE_KEY_FILE"`
}

var defaults = map[string]interface{}{
	"ENV":                     "development",
	"LOG_LEVEL":               "info",
	"ADMIN_PORT":              "9900",
	"DB_MAX_CONNS":            10,
	"DB_MIN_CONNS":            2,
	"QUEUE_BACKEND":           QueuePostgres,
	"BATCH_SIZE":              100,
	"STUCK_BATCH_TIMEOUT":     "10m",
	"EXPORT_PATH":             "/tmp/dpc-export",
	"RESOURCES_PER_FILE":      10000,
	"ENCRYPTION_ENABLED":      false,
	"POLL_INTERVAL":           "2s",
	"CONSENT_ENABLED":         false,
	"RETRY_MAX_ATTEMPTS":      3,
	"RETRY_INITIAL_INTERVAL":  "250ms",
	"RETRY_MAX_INTERVAL":      "5s",
	"BFD_HASH_ITERATIONS":     1000,
	"BFD_RESOURCES_COUNT":     100,
	"BFD_REQUESTS_PER_SECOND": 0,
	"BFD_TIMEOUT":             "30s",
}

// unset keys still need binding so Unmarshal sees them
var envOnly = []string{
	"DATABASE_URL",
	"BFD_URL",
	"BFD_HASH_PEPPER",
	"BFD_CLIENT_ID",
	"BFD_TOKEN_URL",
	"BFD_PRIVATE_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		v.BindEnv(k)
	}
	for _, k := range envOnly {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.QueueBackend == QueuePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when QUEUE_BACKEND is %q", QueuePostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesBackendAuth reports whether upstream requests carry an access token.
func (c *Config) UsesBackendAuth() bool {
	return c.BFDTokenURL != ""
}

// Validate checks that the configuration is safe to run the engine with.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueuePostgres, QueueMemory:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueuePostgres, QueueMemory, c.QueueBackend)
	}
	if c.IsProduction() && c.QueueBackend == QueueMemory {
		return fmt.Errorf("QUEUE_BACKEND=%s is not allowed in production", QueueMemory)
	}

	if c.BFDURL == "" {
		return fmt.Errorf("BFD_URL is required")
	}
	if c.IsProduction() && c.BFDHashPepper == "" {
		return fmt.Errorf("BFD_HASH_PEPPER is required in production")
	}
	if c.BFDHashPepper != "" {
		if _, err := hex.DecodeString(c.BFDHashPepper); err != nil {
			return fmt.Errorf("BFD_HASH_PEPPER is not valid hex: %w", err)
		}
	}
	if c.UsesBackendAuth() {
		if c.BFDClientID == "" {
			return fmt.Errorf("BFD_CLIENT_ID is required when BFD_TOKEN_URL is set")
		}
		if c.BFDPrivateKeyFile == "" {
			return fmt.Errorf("BFD_PRIVATE_KEY_FILE is required when BFD_TOKEN_URL is set")
		}
	}

	if c.ExportPath == "" {
		return fmt.Errorf("EXPORT_PATH is required")
	}
	if c.ResourcesPerFile <= 0 {
		return fmt.Errorf("RESOURCES_PER_FILE must be positive, got %d", c.ResourcesPerFile)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	return nil
}
