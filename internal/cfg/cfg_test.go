package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		ThreatIntervalMS:      5000,
		TribunalIntervalMS:    2500,
		SlackRatePerMinute:    6,
		RedisChannelPrefix:    "overwatch",
	}
}

// with applies fn to a copy of validBase.
func with(fn func(c *Config)) Config {
	c := validBase()
	fn(&c)
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.ThreatInterval() != 5*time.Second {
		t.Errorf("ThreatInterval = %v, want 5s", c.ThreatInterval())
	}
	if c.TribunalInterval() != 2500*time.Millisecond {
		t.Errorf("TribunalInterval = %v, want 2.5s", c.TribunalInterval())
	}
	if c.Seed != 0 {
		t.Errorf("Seed = %d, want 0", c.Seed)
	}
	if c.SlackWebhookURL != "" {
		t.Errorf("SlackWebhookURL = %q, want empty", c.SlackWebhookURL)
	}
	if c.SlackRatePerMinute != 6 {
		t.Errorf("SlackRatePerMinute = %d, want 6", c.SlackRatePerMinute)
	}
	if c.RedisAddr != "" {
		t.Errorf("RedisAddr = %q, want empty", c.RedisAddr)
	}
	if c.RedisChannelPrefix != "overwatch" {
		t.Errorf("RedisChannelPrefix = %q, want overwatch", c.RedisChannelPrefix)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-threat-interval-ms", "1000",
		"-tribunal-interval-ms", "500",
		"-seed", "42",
		"-slack-webhook-url", "https://hooks.slack.test/T000",
		"-slack-rate-per-minute", "12",
		"-redis-addr", "redis:6379",
		"-redis-channel-prefix", "ops",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.ThreatInterval() != time.Second {
		t.Errorf("ThreatInterval = %v, want 1s", c.ThreatInterval())
	}
	if c.TribunalInterval() != 500*time.Millisecond {
		t.Errorf("TribunalInterval = %v, want 500ms", c.TribunalInterval())
	}
	if c.Seed != 42 {
		t.Errorf("Seed = %d, want 42", c.Seed)
	}
	if c.SlackWebhookURL != "https://hooks.slack.test/T000" {
		t.Errorf("SlackWebhookURL = %q", c.SlackWebhookURL)
	}
	if c.SlackRatePerMinute != 12 {
		t.Errorf("SlackRatePerMinute = %d, want 12", c.SlackRatePerMinute)
	}
	if c.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q, want redis:6379", c.RedisAddr)
	}
	if c.RedisChannelPrefix != "ops" {
		t.Errorf("RedisChannelPrefix = %q, want ops", c.RedisChannelPrefix)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.ThreatIntervalMS, c.TribunalIntervalMS, c.SlackRatePerMinute = 100, 100, 1
			}),
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.ThreatIntervalMS, c.TribunalIntervalMS, c.SlackRatePerMinute = 3600000, 3600000, 600
			}),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Tick intervals
		{
			name:      "threat interval below min",
			cfg:       with(func(c *Config) { c.ThreatIntervalMS = 99 }),
			wantErr:   true,
			errSubstr: []string{"THREAT_INTERVAL_MS"},
		},
		{
			name:      "threat interval above max",
			cfg:       with(func(c *Config) { c.ThreatIntervalMS = 3600001 }),
			wantErr:   true,
			errSubstr: []string{"THREAT_INTERVAL_MS"},
		},
		{
			name:      "tribunal interval zero",
			cfg:       with(func(c *Config) { c.TribunalIntervalMS = 0 }),
			wantErr:   true,
			errSubstr: []string{"TRIBUNAL_INTERVAL_MS"},
		},
		// Slack throttle
		{
			name:      "slack rate zero",
			cfg:       with(func(c *Config) { c.SlackRatePerMinute = 0 }),
			wantErr:   true,
			errSubstr: []string{"SLACK_RATE_PER_MINUTE"},
		},
		{
			name:      "slack rate above max",
			cfg:       with(func(c *Config) { c.SlackRatePerMinute = 601 }),
			wantErr:   true,
			errSubstr: []string{"SLACK_RATE_PER_MINUTE"},
		},
		// Redis
		{
			name:    "redis disabled with empty prefix",
			cfg:     with(func(c *Config) { c.RedisChannelPrefix = "" }),
			wantErr: false,
		},
		{
			name: "redis enabled with empty prefix",
			cfg: with(func(c *Config) {
				c.RedisAddr = "localhost:6379"
				c.RedisChannelPrefix = ""
			}),
			wantErr:   true,
			errSubstr: []string{"REDIS_CHANNEL_PREFIX"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{RedisAddr: "r:6379"},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "THREAT_INTERVAL_MS", "TRIBUNAL_INTERVAL_MS", "SLACK_RATE_PER_MINUTE", "REDIS_CHANNEL_PREFIX"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
				c.ThreatIntervalMS, c.TribunalIntervalMS = math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "THREAT_INTERVAL_MS", "TRIBUNAL_INTERVAL_MS"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, threatMS, courtMS, slackRate int
		redisAddr, prefix                                 string
	}{
		{60, 90, 8080, 5000, 2500, 6, "", "overwatch"},
		{1, 2, 1, 100, 100, 1, "", ""},
		{299, 300, 65535, 3600000, 3600000, 600, "r:6379", "p"},
		{0, 0, 0, 0, 0, 0, "", ""},
		{-1, -1, -1, -1, -1, -1, "r:6379", ""},
		{300, 300, 65535, 99, 3600001, 601, "", ""},
		{150, 100, 8080, 5000, 2500, 6, "", "overwatch"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.threatMS, s.courtMS, s.slackRate, s.redisAddr, s.prefix)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, threatMS, courtMS, slackRate int, redisAddr, prefix string) {
		c := Config{
			DrainSeconds:          drain,
			ShutdownBudgetSeconds: budget,
			APIPort:               port,
			ThreatIntervalMS:      threatMS,
			TribunalIntervalMS:    courtMS,
			SlackRatePerMinute:    slackRate,
			RedisAddr:             redisAddr,
			RedisChannelPrefix:    prefix,
		}
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		threatOK := threatMS >= 100 && threatMS <= 3600000
		courtOK := courtMS >= 100 && courtMS <= 3600000
		slackOK := slackRate >= 1 && slackRate <= 600
		redisOK := redisAddr == "" || prefix != ""

		allValid := drainOK && budgetOK && portOK && crossOK && threatOK && courtOK && slackOK && redisOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
