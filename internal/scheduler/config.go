package scheduler

import (
	"time"

	"github.com/smallbiznis/creditflow/internal/config"
)

// Config controls scheduler intervals, batch sizes and job leases.
type Config struct {
	RunInterval    time.Duration
	BatchSize      int
	JobTimeout     time.Duration
	LeaseTTL       time.Duration
	DeepAudit      bool
	EventRetention time.Duration
	EnabledJobs    []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 5 * time.Minute,
		BatchSize:   500,
		JobTimeout:  2 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.Reconciliation.Interval,
		BatchSize:      cfg.Reconciliation.BatchSize,
		DeepAudit:      cfg.Reconciliation.Deep,
		EventRetention: time.Duration(cfg.Reconciliation.EventRetentionDays) * 24 * time.Hour,
		EnabledJobs:    cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = c.JobTimeout + 30*time.Second
	}
	if c.EventRetention < 0 {
		c.EventRetention = 0
	}
	return c
}
