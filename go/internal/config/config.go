// Package config loads process configuration. Values come from built-in
// defaults, then an optional YAML file named by QUIZLIVE_CONFIG, then the
// environment, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/quizlive/go/internal/dbconfig"
)

const FileEnvVar = "QUIZLIVE_CONFIG"

// Session tunes the live session layer.
type Session struct {
	StartPollInterval    time.Duration `yaml:"start_poll_interval" env:"START_POLL_INTERVAL"`
	PresencePollInterval time.Duration `yaml:"presence_poll_interval" env:"PRESENCE_POLL_INTERVAL"`
	AckPollInterval      time.Duration `yaml:"ack_poll_interval" env:"ACK_POLL_INTERVAL"`
	BoardPollInterval    time.Duration `yaml:"board_poll_interval" env:"BOARD_POLL_INTERVAL"`
	TickInterval         time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	BotTiers             []float64     `yaml:"bot_tiers" env:"BOT_TIERS" envSeparator:","`
	RaceCap              int           `yaml:"race_cap" env:"RACE_CAP"`
	TimeSource           string        `yaml:"time_source" env:"TIME_SOURCE"` // database, http or local
	TimeURL              string        `yaml:"time_url" env:"TIME_URL"`
}

// Notify selects how change notifications reach the gateway.
type Notify struct {
	Mode          string `yaml:"mode" env:"NOTIFY_MODE"` // direct or relay
	NATSURL       string `yaml:"nats_url" env:"NATS_URL"`
	StreamName    string `yaml:"stream_name" env:"NATS_STREAM"`
	SubjectPrefix string `yaml:"subject_prefix" env:"NATS_SUBJECT_PREFIX"`
}

type Gateway struct {
	Addr           string   `yaml:"addr" env:"GATEWAY_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	ContentFile    string   `yaml:"content_file" env:"CONTENT_FILE"` // YAML library; empty means the database
}

type Config struct {
	LogLevel string          `yaml:"log_level" env:"LOG_LEVEL"`
	DB       dbconfig.Config `yaml:"-"`
	Session  Session         `yaml:"session"`
	Notify   Notify          `yaml:"notify"`
	Gateway  Gateway         `yaml:"gateway"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Session: Session{
			StartPollInterval:    1500 * time.Millisecond,
			PresencePollInterval: 2 * time.Second,
			AckPollInterval:      1500 * time.Millisecond,
			BoardPollInterval:    2 * time.Second,
			TickInterval:         time.Second,
			BotTiers:             []float64{0.8, 0.6, 0.4},
			RaceCap:              8,
			TimeSource:           "database",
		},
		Notify: Notify{
			Mode:          "direct",
			NATSURL:       "nats://127.0.0.1:4222",
			StreamName:    "QUIZ_SESSION_CHANGES",
			SubjectPrefix: "quiz.session",
		},
		Gateway: Gateway{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load builds the configuration from defaults, the optional file and the environment.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnvVar); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Session.StartPollInterval <= 0 {
		errs = append(errs, errors.New("start poll interval must be positive"))
	}
	if c.Session.PresencePollInterval <= 0 {
		errs = append(errs, errors.New("presence poll interval must be positive"))
	}
	if c.Session.AckPollInterval <= 0 {
		errs = append(errs, errors.New("ack poll interval must be positive"))
	}
	if c.Session.BoardPollInterval <= 0 {
		errs = append(errs, errors.New("board poll interval must be positive"))
	}
	if c.Session.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.Session.RaceCap <= 0 {
		errs = append(errs, errors.New("race cap must be positive"))
	}
	for _, p := range c.Session.BotTiers {
		if p < 0 || p > 1 {
			errs = append(errs, fmt.Errorf("bot tier %v is not a probability", p))
		}
	}
	switch c.Session.TimeSource {
	case "database", "local":
	case "http":
		if c.Session.TimeURL == "" {
			errs = append(errs, errors.New("time source http needs TIME_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown time source %q", c.Session.TimeSource))
	}
	switch c.Notify.Mode {
	case "direct", "relay":
	default:
		errs = append(errs, fmt.Errorf("unknown notify mode %q", c.Notify.Mode))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, falling back to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
