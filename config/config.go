package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"vigil/notify"
)

// Config holds all configuration for the vigil analyzer service.
type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port" validate:"min=1,max=65535"`
		// RateLimit is requests per second per remote address on the ingest
		// endpoint; Burst is the token bucket depth.
		RateLimit float64 `mapstructure:"rate_limit" validate:"gt=0"`
		Burst     int     `mapstructure:"burst" validate:"gt=0"`
	} `mapstructure:"server"`

	Rules struct {
		Directory      string `mapstructure:"directory" validate:"required"`
		ReloadInterval string `mapstructure:"reload_interval"`
	} `mapstructure:"rules"`

	Analyzer struct {
		ThresholdSweepInterval   string `mapstructure:"threshold_sweep_interval"`
		CorrelationSweepInterval string `mapstructure:"correlation_sweep_interval"`
		CleanupInterval          string `mapstructure:"cleanup_interval"`
		DedupTTL                 string `mapstructure:"dedup_ttl"`
		StaleAlertAge            string `mapstructure:"stale_alert_age"`
		MaxEventsPerGroup        int    `mapstructure:"max_events_per_group" validate:"gt=0"`
		MaxCorrelationEvents     int    `mapstructure:"max_correlation_events" validate:"gt=0"`
		BatchWorkers             int    `mapstructure:"batch_workers" validate:"gt=0"`
		BatchQueueSize           int    `mapstructure:"batch_queue_size" validate:"gt=0"`
	} `mapstructure:"analyzer"`

	Escalation struct {
		Critical     string `mapstructure:"critical"`
		High         string `mapstructure:"high"`
		NewDefault   string `mapstructure:"new_default"`
		Acknowledged string `mapstructure:"acknowledged"`
		MaxLevel     int    `mapstructure:"max_level" validate:"gt=0"`
	} `mapstructure:"escalation"`

	Storage struct {
		SQLitePath string `mapstructure:"sqlite_path"`
		Enabled    bool   `mapstructure:"enabled"`
	} `mapstructure:"storage"`

	ThreatIntel struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"threat_intel"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Notifications struct {
		QueueSize       int                `mapstructure:"queue_size" validate:"gt=0"`
		DeliveryTimeout string             `mapstructure:"delivery_timeout"`
		Template        string             `mapstructure:"template"`
		Recipients      []notify.Recipient `mapstructure:"recipients"`
		AgentID         string             `mapstructure:"agent_id"`

		Email struct {
			Enabled bool               `mapstructure:"enabled"`
			SMTP    notify.EmailConfig `mapstructure:"smtp"`
		} `mapstructure:"email"`
		Webhook struct {
			Enabled bool              `mapstructure:"enabled"`
			Headers map[string]string `mapstructure:"headers"`
		} `mapstructure:"webhook"`
		Slack struct {
			Enabled bool `mapstructure:"enabled"`
		} `mapstructure:"slack"`
		Agent struct {
			Enabled bool `mapstructure:"enabled"`
		} `mapstructure:"agent"`
	} `mapstructure:"notifications"`

	Logging struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=console json"`
	} `mapstructure:"logging"`
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8442)
	viper.SetDefault("server.rate_limit", 100.0)
	viper.SetDefault("server.burst", 200)

	viper.SetDefault("rules.directory", "./rules")
	viper.SetDefault("rules.reload_interval", "5m")

	viper.SetDefault("analyzer.threshold_sweep_interval", "10s")
	viper.SetDefault("analyzer.correlation_sweep_interval", "30s")
	viper.SetDefault("analyzer.cleanup_interval", "5m")
	viper.SetDefault("analyzer.dedup_ttl", "5m")
	viper.SetDefault("analyzer.stale_alert_age", "24h")
	viper.SetDefault("analyzer.max_events_per_group", 1000)
	viper.SetDefault("analyzer.max_correlation_events", 10000)
	viper.SetDefault("analyzer.batch_workers", 4)
	viper.SetDefault("analyzer.batch_queue_size", 256)

	viper.SetDefault("escalation.critical", "15m")
	viper.SetDefault("escalation.high", "30m")
	viper.SetDefault("escalation.new_default", "1h")
	viper.SetDefault("escalation.acknowledged", "2h")
	viper.SetDefault("escalation.max_level", 3)

	viper.SetDefault("storage.sqlite_path", "./data/vigil.db")
	viper.SetDefault("storage.enabled", true)

	viper.SetDefault("threat_intel.enabled", false)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("notifications.queue_size", 512)
	viper.SetDefault("notifications.delivery_timeout", "10s")
	viper.SetDefault("notifications.recipients", []notify.Recipient{{Channel: notify.ChannelLog, Address: "default"}})

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
}

// Load reads configuration from the given file (optional), the working
// directory, and VIGIL_-prefixed environment variables, then validates it.
// Enabled channels with missing credentials fail here, at startup, not at
// send time.
func Load(configFile string) (*Config, error) {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/vigil")
	}

	viper.SetEnvPrefix("VIGIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if configFile != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No file found: defaults plus environment apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints, duration strings and notification
// channel completeness.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"rules.reload_interval":               c.Rules.ReloadInterval,
		"analyzer.threshold_sweep_interval":   c.Analyzer.ThresholdSweepInterval,
		"analyzer.correlation_sweep_interval": c.Analyzer.CorrelationSweepInterval,
		"analyzer.cleanup_interval":           c.Analyzer.CleanupInterval,
		"analyzer.dedup_ttl":                  c.Analyzer.DedupTTL,
		"analyzer.stale_alert_age":            c.Analyzer.StaleAlertAge,
		"escalation.critical":                 c.Escalation.Critical,
		"escalation.high":                     c.Escalation.High,
		"escalation.new_default":              c.Escalation.NewDefault,
		"escalation.acknowledged":             c.Escalation.Acknowledged,
		"notifications.delivery_timeout":      c.Notifications.DeliveryTimeout,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
	}

	if c.Notifications.Email.Enabled {
		smtp := c.Notifications.Email.SMTP
		if smtp.Host == "" || smtp.Port == 0 || smtp.From == "" {
			return fmt.Errorf("email notifications enabled but smtp host, port and from are required")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis enabled but addr is empty")
	}

	enabled := map[string]bool{
		notify.ChannelLog:     true,
		notify.ChannelEmail:   c.Notifications.Email.Enabled,
		notify.ChannelWebhook: c.Notifications.Webhook.Enabled,
		notify.ChannelSlack:   c.Notifications.Slack.Enabled,
		notify.ChannelAgent:   c.Notifications.Agent.Enabled,
	}
	for _, r := range c.Notifications.Recipients {
		on, known := enabled[r.Channel]
		if !known {
			return fmt.Errorf("recipient references unknown channel %q", r.Channel)
		}
		if !on {
			return fmt.Errorf("recipient references disabled channel %q", r.Channel)
		}
		if r.Address == "" {
			return fmt.Errorf("recipient on channel %q has no address", r.Channel)
		}
	}

	return nil
}

// Duration parses a duration config value that Validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
