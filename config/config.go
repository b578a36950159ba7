package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the Bastion service. Values come from
// config.yaml, overridden by BASTION_* environment variables.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath defaults to ${DataDir}/bastion.db when empty
	SQLitePath string `mapstructure:"sqlite_path"`

	RulesDir     string `mapstructure:"rules_dir"`
	PlaybooksDir string `mapstructure:"playbooks_dir"`

	API struct {
		Addr string `mapstructure:"addr" validate:"required"`
	} `mapstructure:"api"`

	Pipeline struct {
		Workers       int           `mapstructure:"workers" validate:"gte=1"`
		QueueSize     int           `mapstructure:"queue_size" validate:"gte=1"`
		RatePerSecond float64       `mapstructure:"rate_per_second" validate:"gte=0"`
		DedupSize     int           `mapstructure:"dedup_size" validate:"gte=1"`
		DedupTTL      time.Duration `mapstructure:"dedup_ttl" validate:"gt=0"`
	} `mapstructure:"pipeline"`

	Detect struct {
		MaxGroups int           `mapstructure:"max_groups" validate:"gte=1"`
		GroupTTL  time.Duration `mapstructure:"group_ttl" validate:"gt=0"`
	} `mapstructure:"detect"`

	Incidents struct {
		CorrelationHorizon time.Duration `mapstructure:"correlation_horizon" validate:"gt=0"`
	} `mapstructure:"incidents"`

	SOAR struct {
		MaxConcurrent  int           `mapstructure:"max_concurrent" validate:"gte=1"`
		DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
		// ApprovalTimeout of zero means approvals wait indefinitely
		ApprovalTimeout time.Duration `mapstructure:"approval_timeout" validate:"gte=0"`

		GatewayURL           string        `mapstructure:"gateway_url"`
		SlackToken           string        `mapstructure:"slack_token"`
		SMTPHost             string        `mapstructure:"smtp_host"`
		SMTPPort             int           `mapstructure:"smtp_port" validate:"gte=0,lte=65535"`
		SMTPUsername         string        `mapstructure:"smtp_username"`
		SMTPPassword         string        `mapstructure:"smtp_password"`
		EmailFrom            string        `mapstructure:"email_from"`
		ThreatIntelURL       string        `mapstructure:"threat_intel_url"`
		ThreatIntelCacheSize int           `mapstructure:"threat_intel_cache_size" validate:"gte=1"`
		ThreatIntelCacheTTL  time.Duration `mapstructure:"threat_intel_cache_ttl" validate:"gt=0"`
	} `mapstructure:"soar"`

	Enrich struct {
		// URL of the narrative enrichment service; empty disables enrichment
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	} `mapstructure:"enrich"`

	Notify struct {
		Channels []NotifyChannel `mapstructure:"channels" validate:"dive"`
	} `mapstructure:"notify"`

	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"log"`
}

// NotifyChannel is one notification destination in the config file.
type NotifyChannel struct {
	Enabled      bool              `mapstructure:"enabled"`
	Type         string            `mapstructure:"type" validate:"oneof=slack webhook"`
	MinSeverity  int               `mapstructure:"min_severity" validate:"gte=0,lte=4"`
	SlackToken   string            `mapstructure:"slack_token"`
	SlackChannel string            `mapstructure:"slack_channel"`
	WebhookURL   string            `mapstructure:"webhook_url"`
	Headers      map[string]string `mapstructure:"headers"`
}

// LoadConfig reads configuration from config.yaml and the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("BASTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// config file is optional; defaults and env vars apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.resolvePaths()
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("sqlite_path", "")
	v.SetDefault("rules_dir", "")
	v.SetDefault("playbooks_dir", "")

	v.SetDefault("api.addr", ":8080")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 1024)
	v.SetDefault("pipeline.rate_per_second", 0)
	v.SetDefault("pipeline.dedup_size", 100000)
	v.SetDefault("pipeline.dedup_ttl", "5m")

	v.SetDefault("detect.max_groups", 100000)
	v.SetDefault("detect.group_ttl", "2h")

	v.SetDefault("incidents.correlation_horizon", "1h")

	v.SetDefault("soar.max_concurrent", 8)
	v.SetDefault("soar.default_timeout", "30s")
	v.SetDefault("soar.approval_timeout", "0")
	v.SetDefault("soar.gateway_url", "http://localhost:9000")
	v.SetDefault("soar.smtp_port", 25)
	v.SetDefault("soar.threat_intel_url", "http://localhost:9100/lookup")
	v.SetDefault("soar.threat_intel_cache_size", 10000)
	v.SetDefault("soar.threat_intel_cache_ttl", "1h")

	v.SetDefault("enrich.url", "")
	v.SetDefault("enrich.timeout", "10s")

	v.SetDefault("log.level", "info")
}

// resolvePaths derives file locations from data_dir when not explicitly set.
func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = filepath.Join(c.DataDir, "bastion.db")
	}
	if c.RulesDir == "" {
		c.RulesDir = filepath.Join(c.DataDir, "rules")
	}
	if c.PlaybooksDir == "" {
		c.PlaybooksDir = filepath.Join(c.DataDir, "playbooks")
	}
}
