package scheduler

import (
	"time"

	"github.com/smallbiznis/fiscalia/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	RetryBatchSize  int
	RetryJobTimeout time.Duration
	ClaimLease      time.Duration
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		RetryBatchSize:  25,
		RetryJobTimeout: 2 * time.Minute,
		ClaimLease:      2 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.SchedulerInterval,
		RetryBatchSize: cfg.Verifactu.RetryBatchSize,
		ClaimLease:     cfg.Verifactu.ClaimLease,
		EnabledJobs:    cfg.SchedulerJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = defaults.RetryBatchSize
	}
	if c.RetryJobTimeout <= 0 {
		c.RetryJobTimeout = defaults.RetryJobTimeout
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = defaults.ClaimLease
	}
	return c
}
