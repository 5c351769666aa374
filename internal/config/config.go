// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every runtime setting for the cartcall service.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`

	// DatabaseURL selects the driver by scheme: postgres:// for production,
	// anything else is treated as a sqlite path.
	DatabaseURL string `envconfig:"DATABASE_URL" default:"file:cartcall.db"`

	// JobSharedSecret authenticates the scheduled and manual trigger endpoints.
	JobSharedSecret string `envconfig:"JOB_SHARED_SECRET"`

	Commerce  CommerceConfig
	Voice     VoiceConfig
	Scanner   ScannerConfig
	Processor ProcessorConfig
	Bootstrap BootstrapConfig
}

type CommerceConfig struct {
	BaseURL string        `envconfig:"COMMERCE_BASE_URL"`
	APIKey  string        `envconfig:"COMMERCE_API_KEY"`
	Timeout time.Duration `envconfig:"COMMERCE_TIMEOUT" default:"15s"`
}

type VoiceConfig struct {
	BaseURL     string        `envconfig:"VOICE_BASE_URL"`
	APIKey      string        `envconfig:"VOICE_API_KEY"`
	CallTimeout time.Duration `envconfig:"VOICE_CALL_TIMEOUT" default:"30s"`

	// RatePerSecond bounds outbound placements against the provider.
	RatePerSecond float64 `envconfig:"VOICE_RATE_PER_SECOND" default:"5"`
	RateBurst     int     `envconfig:"VOICE_RATE_BURST" default:"10"`
}

type ScannerConfig struct {
	// Lookback bounds how far back abandoned checkouts are fetched.
	Lookback  time.Duration `envconfig:"SCANNER_LOOKBACK" default:"72h"`
	BatchSize int           `envconfig:"SCANNER_BATCH_SIZE" default:"100"`
}

type ProcessorConfig struct {
	BatchSize     int           `envconfig:"PROCESSOR_BATCH_SIZE" default:"50"`
	WorkerCount   int           `envconfig:"PROCESSOR_WORKER_COUNT" default:"4"`
	MaxAttempts   int           `envconfig:"PROCESSOR_MAX_ATTEMPTS" default:"3"`
	AgentCacheTTL time.Duration `envconfig:"PROCESSOR_AGENT_CACHE_TTL" default:"30s"`
}

type BootstrapConfig struct {
	EnsureDefaultOrg bool `envconfig:"BOOTSTRAP_ENSURE_DEFAULT_ORG" default:"true"`
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("cartcall", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// ValidateJobConfig checks the settings without which no cycle can do useful
// work. Missing credentials fail the whole cycle immediately.
func (c Config) ValidateJobConfig() error {
	if strings.TrimSpace(c.JobSharedSecret) == "" {
		return errors.New("job shared secret is not configured")
	}
	return nil
}
