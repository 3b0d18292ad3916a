// Package config loads runtime settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PathEnv names the variable consulted when no --config flag is given.
const PathEnv = "LINEARSYNC_CONFIG"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Slack  SlackConfig  `yaml:"slack"`
	Linear LinearConfig `yaml:"linear"`
	Relay  RelayConfig  `yaml:"relay"`
	Health HealthConfig `yaml:"health"`
	Log    LogConfig    `yaml:"log"`
}

type SlackConfig struct {
	AppToken      string   `yaml:"app_token"`
	BotToken      string   `yaml:"bot_token"`
	SigningSecret string   `yaml:"signing_secret"`
	Workspace     string   `yaml:"workspace"`
	Domain        string   `yaml:"domain"`
	APIURL        string   `yaml:"api_url"`
	EmitterIDs    []string `yaml:"emitter_ids"`
}

type LinearConfig struct {
	APIKey string `yaml:"api_key"`
	APIURL string `yaml:"api_url"`
}

type RelayConfig struct {
	Workers       int           `yaml:"workers"`
	QueueDSN      string        `yaml:"queue_dsn"`
	QueueSize     int           `yaml:"queue_size"`
	DedupWindow   time.Duration `yaml:"dedup_window"`
	SpoolDir      string        `yaml:"spool_dir"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	Greeting      bool          `yaml:"greeting"`
}

type HealthConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Defaults() Config {
	return Config{
		Slack: SlackConfig{
			Domain: "slack.com",
			APIURL: "https://slack.com/api",
		},
		Linear: LinearConfig{
			APIURL: "https://api.linear.app/graphql",
		},
		Relay: RelayConfig{
			Workers:       4,
			QueueDSN:      "memory://",
			QueueSize:     1024,
			DedupWindow:   10 * time.Minute,
			HTTPTimeout:   20 * time.Second,
			ShutdownGrace: 10 * time.Second,
			Greeting:      true,
		},
		Health: HealthConfig{
			Addr: "0.0.0.0:3000",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any, falling back to $LINEARSYNC_CONFIG) and the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(PathEnv))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Slack.AppToken = StringEnv("SLACK_APP_TOKEN", cfg.Slack.AppToken)
	cfg.Slack.BotToken = StringEnv("SLACK_BOT_TOKEN", cfg.Slack.BotToken)
	cfg.Slack.SigningSecret = StringEnv("SLACK_SIGNING_SECRET", cfg.Slack.SigningSecret)
	cfg.Slack.Workspace = StringEnv("SLACK_WORKSPACE_NAME", cfg.Slack.Workspace)
	cfg.Slack.Domain = StringEnv("SLACK_DOMAIN", cfg.Slack.Domain)
	cfg.Slack.APIURL = StringEnv("SLACK_API_URL", cfg.Slack.APIURL)
	cfg.Slack.EmitterIDs = ListEnv("UNSYNCED_LINEAR_BOT_IDS", cfg.Slack.EmitterIDs)
	cfg.Slack.EmitterIDs = ListEnv("UNSYNCED_EMITTER_IDS", cfg.Slack.EmitterIDs)

	cfg.Linear.APIKey = StringEnv("LINEAR_API_KEY", cfg.Linear.APIKey)
	cfg.Linear.APIURL = StringEnv("LINEAR_API_URL", cfg.Linear.APIURL)

	cfg.Relay.Workers = IntEnv("RELAY_WORKERS", cfg.Relay.Workers)
	cfg.Relay.QueueDSN = StringEnv("RELAY_QUEUE_DSN", cfg.Relay.QueueDSN)
	cfg.Relay.QueueSize = IntEnv("RELAY_QUEUE_SIZE", cfg.Relay.QueueSize)
	cfg.Relay.DedupWindow = DurationEnv("RELAY_DEDUP_WINDOW", cfg.Relay.DedupWindow)
	cfg.Relay.SpoolDir = StringEnv("RELAY_SPOOL_DIR", cfg.Relay.SpoolDir)
	cfg.Relay.HTTPTimeout = DurationEnv("RELAY_HTTP_TIMEOUT", cfg.Relay.HTTPTimeout)
	cfg.Relay.ShutdownGrace = DurationEnv("RELAY_SHUTDOWN_GRACE", cfg.Relay.ShutdownGrace)
	cfg.Relay.Greeting = BoolEnv("RELAY_GREETING", cfg.Relay.Greeting)

	if port := StringEnv("PORT", ""); port != "" {
		cfg.Health.Addr = "0.0.0.0:" + port
	}
	cfg.Health.Addr = StringEnv("HEALTH_ADDR", cfg.Health.Addr)

	cfg.Log.Level = StringEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = StringEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate checks the settings every pipeline run needs: the workspace used
// for thread URLs and the tracker credential.
func (c Config) Validate() error {
	return joinInvalid(c.commonErrors())
}

func (c Config) commonErrors() []error {
	var errs []error
	if strings.TrimSpace(c.Slack.Workspace) == "" {
		errs = append(errs, errors.New("SLACK_WORKSPACE_NAME is required"))
	}
	if strings.TrimSpace(c.Linear.APIKey) == "" {
		errs = append(errs, errors.New("LINEAR_API_KEY is required"))
	}
	if c.Relay.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("RELAY_HTTP_TIMEOUT must be positive"))
	}
	if c.Relay.DedupWindow < 0 {
		errs = append(errs, errors.New("RELAY_DEDUP_WINDOW must not be negative"))
	}
	return errs
}

// ValidateServe additionally checks what the long-running relay needs.
func (c Config) ValidateServe() error {
	errs := c.commonErrors()
	if strings.TrimSpace(c.Slack.AppToken) == "" {
		errs = append(errs, errors.New("SLACK_APP_TOKEN is required"))
	}
	if strings.TrimSpace(c.Slack.BotToken) == "" {
		errs = append(errs, errors.New("SLACK_BOT_TOKEN is required"))
	}
	if c.Relay.Workers <= 0 {
		errs = append(errs, errors.New("RELAY_WORKERS must be positive"))
	}
	if c.Relay.QueueSize <= 0 {
		errs = append(errs, errors.New("RELAY_QUEUE_SIZE must be positive"))
	}
	if c.Relay.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("RELAY_SHUTDOWN_GRACE must be positive"))
	}
	if strings.TrimSpace(c.Health.Addr) == "" {
		errs = append(errs, errors.New("HEALTH_ADDR is required"))
	}
	return joinInvalid(errs)
}

func joinInvalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
