package callbridge

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/bt-bridge/callbridge/agent"
	"github.com/bt-bridge/callbridge/shared"
)

// ServiceConfig is the process configuration. Secrets are taken from the
// environment and never from the config file; everything else has a
// working default so an empty file (or no file) boots a usable service.
type ServiceConfig struct {
	// ListenAddr is the HTTP/websocket bind address.
	ListenAddr string `yaml:"listen_addr"`

	// PublicHost is the externally reachable host the carrier dials the
	// media stream against, e.g. "bridge.example.com". Required in
	// production because the carrier needs a wss:// URL it can resolve.
	PublicHost string `yaml:"public_host"`

	Deepgram DeepgramSettings `yaml:"deepgram"`
	Twilio   TwilioSettings   `yaml:"twilio"`
	OpenAI   OpenAISettings   `yaml:"openai"`
	Redis    RedisSettings    `yaml:"redis"`
	Log      LogSettings      `yaml:"log"`

	// Agent is the default agent profile applied to new calls until the
	// management API overrides it.
	Agent agent.Config `yaml:"agent"`

	UpgradeWaitSec   int `yaml:"upgrade_wait_sec"`
	GreetingDelayMs  int `yaml:"greeting_delay_ms"`
	PlaybackGraceSec int `yaml:"playback_grace_sec"`
	SilenceWindowSec int `yaml:"silence_window_sec"`

	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
}

type DeepgramSettings struct {
	APIKey   string `yaml:"-"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type TwilioSettings struct {
	AccountSID string `yaml:"-"`
	AuthToken  string `yaml:"-"`
}

type OpenAISettings struct {
	APIKey string `yaml:"-"`
	Model  string `yaml:"model"`
}

type RedisSettings struct {
	// Addr empty disables the Redis lifecycle sink.
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type LogSettings struct {
	// File empty logs to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		ListenAddr: ":8080",
		Deepgram: DeepgramSettings{
			Model:    "nova-2",
			Language: "en-US",
		},
		OpenAI: OpenAISettings{
			Model: "gpt-4o-mini",
		},
		Redis: RedisSettings{
			Channel: "callbridge.events",
		},
		Log: LogSettings{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Agent:            agent.Default(),
		UpgradeWaitSec:   10,
		GreetingDelayMs:  1000,
		PlaybackGraceSec: 2,
		SilenceWindowSec: 30,
		ShutdownGraceSec: 15,
	}
}

// LoadServiceConfig reads the YAML config at path, layered over defaults,
// then pulls secrets from the environment. An empty path skips the file.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.Deepgram.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	cfg.Twilio.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")

	return cfg, cfg.Validate()
}

// Validate rejects configs the service cannot run with. Twilio, OpenAI and
// Redis credentials are optional features; Deepgram is the speech path and
// is not.
func (c *ServiceConfig) Validate() error {
	if c.Deepgram.APIKey == "" {
		return fmt.Errorf("%w: DEEPGRAM_API_KEY is not set", shared.ErrNoAPIKey)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is empty", shared.ErrNoConfig)
	}
	return nil
}

// Timings converts the configured durations into session timings.
func (c *ServiceConfig) Timings() Timings {
	return Timings{
		UpgradeWait:   time.Duration(c.UpgradeWaitSec) * time.Second,
		GreetingDelay: time.Duration(c.GreetingDelayMs) * time.Millisecond,
		PlaybackGrace: time.Duration(c.PlaybackGraceSec) * time.Second,
		SilenceWindow: time.Duration(c.SilenceWindowSec) * time.Second,
	}
}

// ShutdownGrace is how long in-flight calls get on service shutdown.
func (c *ServiceConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSec) * time.Second
}
