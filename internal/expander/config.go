package expander

import (
	"time"

	"github.com/renovolabs/renovo/internal/config"
)

const (
	StrategyPaged  = "paged"
	StrategyFanout = "fanout"
)

// Config controls expansion run cadence, batching, and parallelism.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	Strategy    string
	Workers     int
	RunTimeout  time.Duration
	RunOnStart  bool
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Hour,
		BatchSize:   500,
		Strategy:    StrategyPaged,
		Workers:     4,
		RunTimeout:  30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Strategy == "" {
		c.Strategy = defaults.Strategy
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	// RunInterval is left alone: zero turns the periodic loop off.
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.ExpandInterval,
		BatchSize:   cfg.ExpandBatchSize,
		Strategy:    cfg.ExpandStrategy,
		Workers:     cfg.ExpandWorkers,
		RunTimeout:  cfg.ExpandTimeout,
		RunOnStart:  cfg.ExpandOnStart,
	}
}
