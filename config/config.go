package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CAMPAIGNFLOW_WORKER_POLL_INTERVAL.
const EnvPrefix = "CAMPAIGNFLOW"

// Config holds the configuration for every command.
type Config struct {
	Server struct {
		Address         string        `mapstructure:"address"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Database struct {
		URL      string `mapstructure:"url"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"database"`
	Worker struct {
		ID             string        `mapstructure:"id"`
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		ErrorBackoff   time.Duration `mapstructure:"error_backoff"`
		StaleThreshold time.Duration `mapstructure:"stale_threshold"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		AutoApprove    bool          `mapstructure:"auto_approve"`
		ReplyWait      time.Duration `mapstructure:"reply_wait"`
	} `mapstructure:"worker"`
	Approval struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		MaxErrors    int           `mapstructure:"max_errors"`
		MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"approval"`
	Webhook struct {
		DeliverySecret string        `mapstructure:"delivery_secret"`
		InboundSecret  string        `mapstructure:"inbound_secret"`
		PaymentSecret  string        `mapstructure:"payment_secret"`
		Tolerance      time.Duration `mapstructure:"tolerance"`
	} `mapstructure:"webhook"`
	Auth struct {
		JWTSecret string        `mapstructure:"jwt_secret"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
	NATS struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.error_backoff", 10*time.Second)
	v.SetDefault("worker.stale_threshold", time.Duration(0))
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.auto_approve", false)
	v.SetDefault("worker.reply_wait", time.Minute)
	v.SetDefault("approval.poll_interval", 3*time.Second)
	v.SetDefault("approval.max_errors", 20)
	v.SetDefault("approval.max_backoff", 30*time.Second)
	v.SetDefault("webhook.delivery_secret", "")
	v.SetDefault("webhook.inbound_secret", "")
	v.SetDefault("webhook.payment_secret", "")
	v.SetDefault("webhook.tolerance", 5*time.Minute)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "campaignflow")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads defaults, then the optional YAML file at path (or config.yaml in
// . and ./config when path is empty), then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	return &cfg, nil
}

// Validate reports the first setting that would stop the service from running.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url (or DATABASE_URL) is required")
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"worker.poll_interval", c.Worker.PollInterval},
		{"worker.error_backoff", c.Worker.ErrorBackoff},
		{"approval.poll_interval", c.Approval.PollInterval},
		{"approval.max_backoff", c.Approval.MaxBackoff},
		{"webhook.tolerance", c.Webhook.Tolerance},
		{"auth.token_ttl", c.Auth.TokenTTL},
	} {
		if d.val <= 0 {
			return fmt.Errorf("config: %s must be positive", d.key)
		}
	}
	if c.Worker.StaleThreshold < 0 {
		return errors.New("config: worker.stale_threshold must not be negative")
	}
	if c.Worker.ReplyWait < 0 {
		return errors.New("config: worker.reply_wait must not be negative")
	}
	if c.Worker.MaxAttempts < 1 {
		return errors.New("config: worker.max_attempts must be at least 1")
	}
	if c.Approval.MaxErrors < 1 {
		return errors.New("config: approval.max_errors must be at least 1")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	return nil
}
