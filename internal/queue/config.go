package queue

import "time"

// Config holds the per-family defaults applied by the Manager and the worker.
type Config struct {
	Concurrency int             `mapstructure:"concurrency"`
	Lease       time.Duration   `mapstructure:"lease"`
	Priority    int             `mapstructure:"priority"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	Attempts    int             `mapstructure:"attempts"`
	Backoff     Backoff         `mapstructure:"backoff"`
	Retention   RetentionPolicy `mapstructure:"retention"`
}

// Families lists every named queue.
var Families = []string{WorkflowExecution, SpedImport, EmbeddingGeneration}

// DefaultConfig returns the defaults for a named queue.
func DefaultConfig(queue string) Config {
	cfg := Config{
		Concurrency: 2,
		Lease:       30 * time.Second,
		Priority:    5,
		Timeout:     5 * time.Minute,
		Attempts:    3,
		Backoff:     Backoff{Base: 2 * time.Second, Max: time.Minute},
		Retention: RetentionPolicy{
			Completed: Retention{Count: 100, Age: 24 * time.Hour},
			Failed:    Retention{Count: 1000, Age: 7 * 24 * time.Hour},
		},
	}
	switch queue {
	case WorkflowExecution:
		cfg.Concurrency = 5
		cfg.Priority = 1
	case SpedImport:
		cfg.Concurrency = 2
		cfg.Timeout = 10 * time.Minute
	case EmbeddingGeneration:
		cfg.Concurrency = 3
		cfg.Timeout = 10 * time.Minute
	}
	return cfg
}

// DefaultConfigs returns defaults for every family.
func DefaultConfigs() map[string]Config {
	out := make(map[string]Config, len(Families))
	for _, f := range Families {
		out[f] = DefaultConfig(f)
	}
	return out
}

// withDefaults fills zero fields of c from d.
func (c Config) withDefaults(d Config) Config {
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.Priority == 0 {
		c.Priority = d.Priority
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Retention == (RetentionPolicy{}) {
		c.Retention = d.Retention
	}
	return c
}

// Resolve merges overrides onto the family defaults.
func Resolve(queue string, override Config) Config {
	return override.withDefaults(DefaultConfig(queue))
}

// apply fills zero job options from the queue config.
func (c Config) apply(opts JobOptions) JobOptions {
	if opts.Priority == 0 {
		opts.Priority = c.Priority
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.Timeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = c.Attempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = c.Backoff
	}
	return opts
}
