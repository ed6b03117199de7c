package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the static pipeline configuration. Durations are strings in
// time.ParseDuration syntax ("30s", "5m"); Validate parses every one so a
// bad value is a startup error, never a mid-run surprise.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Bus      BusConfig      `yaml:"bus"`
	Session  SessionConfig  `yaml:"session"`
	Broker   BrokerConfig   `yaml:"broker"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Rules    RulesConfig    `yaml:"rules"`
}

type BusConfig struct {
	Capacity     int    `yaml:"capacity"`
	TickInterval string `yaml:"tick_interval"`
}

// SessionConfig pins the reference timezone used for the daily session
// boundary and lockout expiry, independent of the host clock.
type SessionConfig struct {
	Timezone    string `yaml:"timezone"`
	ResetHour   int    `yaml:"reset_hour"`
	ResetMinute int    `yaml:"reset_minute"`
	LockoutHour int    `yaml:"lockout_hour"`
}

type BrokerConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	RetryBase   string `yaml:"retry_base"`
	Breaker     bool   `yaml:"breaker"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type SnapshotConfig struct {
	Path     string `yaml:"path"`
	Interval string `yaml:"interval"`
}

type RulesConfig struct {
	ContractCap     ContractCapConfig `yaml:"contract_cap"`
	DailyLimit      DailyLimitConfig  `yaml:"daily_limit"`
	StopGrace       StopGraceConfig   `yaml:"stop_grace"`
	Frequency       FrequencyConfig   `yaml:"frequency"`
	ConnectionAlert AlertConfig       `yaml:"connection_alert"`
}

type ContractCapConfig struct {
	Enabled   bool  `yaml:"enabled"`
	Limit     int64 `yaml:"limit"`
	PerSymbol bool  `yaml:"per_symbol"`
}

type DailyLimitConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LossLimit   string `yaml:"loss_limit"`   // negative decimal, "" disables
	ProfitLimit string `yaml:"profit_limit"` // positive decimal, "" disables
}

type StopGraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Grace   string `yaml:"grace"`
}

type FrequencyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	MaxTrades int    `yaml:"max_trades"`
	Window    string `yaml:"window"`
	Cooldown  string `yaml:"cooldown"`
}

type AlertConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a runnable configuration: every rule on with conservative
// limits, bus sized for a single account's flow.
func Default() Config {
	return Config{
		LogLevel: "info",
		Bus: BusConfig{
			Capacity:     1024,
			TickInterval: "1s",
		},
		Session: SessionConfig{
			Timezone:    "America/New_York",
			ResetHour:   18,
			ResetMinute: 0,
			LockoutHour: 17,
		},
		Broker: BrokerConfig{
			MaxAttempts: 3,
			RetryBase:   "250ms",
			Breaker:     true,
		},
		Snapshot: SnapshotConfig{
			Path:     "./riskd.sqlite",
			Interval: "30s",
		},
		Rules: RulesConfig{
			ContractCap: ContractCapConfig{Enabled: true, Limit: 5},
			DailyLimit:  DailyLimitConfig{Enabled: true, LossLimit: "-1000"},
			StopGrace:   StopGraceConfig{Enabled: true, Grace: "120s"},
			Frequency:   FrequencyConfig{Enabled: true, MaxTrades: 10, Window: "60s", Cooldown: "300s"},
			ConnectionAlert: AlertConfig{
				Enabled: true,
			},
		},
	}
}

// Load reads a YAML config over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate catches fatal configuration errors at startup.
func (c *Config) Validate() error {
	if c.Bus.Capacity <= 0 {
		return fmt.Errorf("bus.capacity must be positive, got %d", c.Bus.Capacity)
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("session.timezone: %w", err)
	}
	if c.Session.LockoutHour < 0 || c.Session.LockoutHour > 23 {
		return fmt.Errorf("session.lockout_hour out of range: %d", c.Session.LockoutHour)
	}

	if !c.Rules.ContractCap.Enabled && !c.Rules.DailyLimit.Enabled &&
		!c.Rules.StopGrace.Enabled && !c.Rules.Frequency.Enabled &&
		!c.Rules.ConnectionAlert.Enabled {
		return fmt.Errorf("no rules enabled")
	}

	if c.Rules.ContractCap.Enabled && c.Rules.ContractCap.Limit <= 0 {
		return fmt.Errorf("rules.contract_cap.limit must be positive")
	}
	if c.Rules.DailyLimit.Enabled {
		if c.Rules.DailyLimit.LossLimit == "" && c.Rules.DailyLimit.ProfitLimit == "" {
			return fmt.Errorf("rules.daily_limit: set loss_limit and/or profit_limit")
		}
		if c.Rules.DailyLimit.LossLimit != "" {
			d, err := decimal.NewFromString(c.Rules.DailyLimit.LossLimit)
			if err != nil {
				return fmt.Errorf("rules.daily_limit.loss_limit: %w", err)
			}
			if d.Sign() >= 0 {
				return fmt.Errorf("rules.daily_limit.loss_limit must be negative, got %s", d)
			}
		}
		if c.Rules.DailyLimit.ProfitLimit != "" {
			d, err := decimal.NewFromString(c.Rules.DailyLimit.ProfitLimit)
			if err != nil {
				return fmt.Errorf("rules.daily_limit.profit_limit: %w", err)
			}
			if d.Sign() <= 0 {
				return fmt.Errorf("rules.daily_limit.profit_limit must be positive, got %s", d)
			}
		}
	}
	if c.Rules.Frequency.Enabled && c.Rules.Frequency.MaxTrades <= 0 {
		return fmt.Errorf("rules.frequency.max_trades must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.enabled requires kafka.brokers")
	}

	for name, s := range map[string]string{
		"bus.tick_interval":    c.Bus.TickInterval,
		"broker.retry_base":    c.Broker.RetryBase,
		"snapshot.interval":    c.Snapshot.Interval,
		"rules.stop_grace":     c.Rules.StopGrace.Grace,
		"rules.freq.window":    c.Rules.Frequency.Window,
		"rules.freq.cooldown":  c.Rules.Frequency.Cooldown,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Location resolves the reference timezone. Call after Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		panic(fmt.Sprintf("config not validated: %v", err))
	}
	return loc
}

// Duration parses a validated duration string, using fallback for "".
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
