package processor

import "time"

// Config controls one processor cycle.
type Config struct {
	BatchSize     int
	WorkerCount   int
	MaxAttempts   int
	AgentCacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		WorkerCount:   4,
		MaxAttempts:   3,
		AgentCacheTTL: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaults.WorkerCount
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.AgentCacheTTL <= 0 {
		c.AgentCacheTTL = defaults.AgentCacheTTL
	}
	return c
}
