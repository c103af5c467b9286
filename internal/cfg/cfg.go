package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	ThreatIntervalMS      int
	TribunalIntervalMS    int
	Seed                  uint64
	SlackWebhookURL       string
	SlackRatePerMinute    int
	RedisAddr             string
	RedisChannelPrefix    string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.ThreatIntervalMS, "threat-interval-ms", 5000, "milliseconds between threat feed ticks (100..3600000)")
	fs.IntVar(&c.TribunalIntervalMS, "tribunal-interval-ms", 2500, "milliseconds between tribunal ticks (100..3600000)")
	fs.Uint64Var(&c.Seed, "seed", 0, "random seed for both feeds (0 = seeded from the clock)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for spoof alerts (empty = disabled)")
	fs.IntVar(&c.SlackRatePerMinute, "slack-rate-per-minute", 6, "maximum spoof alerts posted to Slack per minute (1..600)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for publishing feed updates (empty = disabled)")
	fs.StringVar(&c.RedisChannelPrefix, "redis-channel-prefix", "overwatch", "prefix for Redis pub/sub channel names")
}

// ThreatInterval returns the threat feed tick period.
func (c *Config) ThreatInterval() time.Duration {
	return time.Duration(c.ThreatIntervalMS) * time.Millisecond
}

// TribunalInterval returns the tribunal tick period.
func (c *Config) TribunalInterval() time.Duration {
	return time.Duration(c.TribunalIntervalMS) * time.Millisecond
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Tick intervals
	if c.ThreatIntervalMS < 100 || c.ThreatIntervalMS > 3600000 {
		errs = append(errs, fmt.Errorf("invalid THREAT_INTERVAL_MS %d (must be 100..3600000)", c.ThreatIntervalMS))
	}
	if c.TribunalIntervalMS < 100 || c.TribunalIntervalMS > 3600000 {
		errs = append(errs, fmt.Errorf("invalid TRIBUNAL_INTERVAL_MS %d (must be 100..3600000)", c.TribunalIntervalMS))
	}

	if c.SlackRatePerMinute < 1 || c.SlackRatePerMinute > 600 {
		errs = append(errs, fmt.Errorf("invalid SLACK_RATE_PER_MINUTE %d (must be 1..600)", c.SlackRatePerMinute))
	}

	// Channel prefix only matters when publishing
	if c.RedisAddr != "" && c.RedisChannelPrefix == "" {
		errs = append(errs, errors.New("REDIS_CHANNEL_PREFIX is required when REDIS_ADDR is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
