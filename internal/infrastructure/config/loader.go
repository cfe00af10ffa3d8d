package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"liveRelay/internal/domain"
)

// ErrConfig wraps every failure to produce a usable configuration.
var ErrConfig = errors.New("invalid configuration")

const (
	DefaultPath = "config.yaml"
	PathEnv     = "LIVERELAY_CONFIG"

	CredentialIRC     = "irc"
	CredentialRefresh = "refresh_token"

	APIClientID     = "client_id"
	APIClientSecret = "client_secret"
)

// legacy api keys of older config files
var legacyAPIKeys = map[string]string{
	"twitch_client_id":     APIClientID,
	"twitch_client_secret": APIClientSecret,
}

type Config struct {
	Channels    []string          `yaml:"channels"`
	Credentials map[string]string `yaml:"credentials"`
	API         map[string]string `yaml:"api"`

	Bot      BotConfig      `yaml:"bot"`
	Features FeatureToggles `yaml:"features"`
	Client   ClientToggles  `yaml:"client"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`

	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	// JoinRate is JOINs per second, capped so no 10s window exceeds 20.
	JoinRate float64 `yaml:"join_rate"`
}

type BotConfig struct {
	Username string `yaml:"username"`
}

type FeatureToggles struct {
	ChannelJoins  bool `yaml:"channel_joins"`
	ChatEcho      bool `yaml:"chat_echo"`
	Follows       bool `yaml:"follows"`
	Subscriptions bool `yaml:"subscriptions"`
	Donations     bool `yaml:"donations"`
}

type ClientToggles struct {
	Chat              bool `yaml:"chat"`
	RestAPI           bool `yaml:"rest_api"`
	GraphQLAPI        bool `yaml:"graphql_api"`
	LegacyAPI         bool `yaml:"legacy_api"`
	PushNotifications bool `yaml:"push_notifications"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Credentials: map[string]string{},
		API:         map[string]string{},
		Features: FeatureToggles{
			ChannelJoins: true,
			ChatEcho:     true,
			Follows:      true,
		},
		Client: ClientToggles{
			Chat:              true,
			RestAPI:           true,
			PushNotifications: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		ResolveTimeout: 10 * time.Second,
		JoinRate:       1,
	}
}

// Load reads .env, the YAML file and environment overrides, then validates.
// An empty path means $LIVERELAY_CONFIG or config.yaml.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrConfig, path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse yaml: %w", ErrConfig, err)
	}

	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("TWITCH_BOT_ACCESS_TOKEN")); v != "" {
		cfg.Credentials[CredentialIRC] = v
	}
	if v := strings.TrimSpace(getenv("TWITCH_API_REFRESH_TOKEN")); v != "" {
		cfg.Credentials[CredentialRefresh] = v
	}
	if v := strings.TrimSpace(getenv("TWITCH_CLIENT_ID")); v != "" {
		cfg.API[APIClientID] = v
	}
	if v := strings.TrimSpace(getenv("TWITCH_CLIENT_SECRET")); v != "" {
		cfg.API[APIClientSecret] = v
	}
	if v := strings.TrimSpace(getenv("TWITCH_BOT_USERNAME")); v != "" {
		cfg.Bot.Username = v
	}
	if v := strings.TrimSpace(getenv("TWITCH_BOT_CHANNELS")); v != "" {
		cfg.Channels = domain.SanitizeChannels([]string{v})
	}
}

func (c *Config) normalize() {
	if c.Credentials == nil {
		c.Credentials = map[string]string{}
	}
	if c.API == nil {
		c.API = map[string]string{}
	}
	for legacy, key := range legacyAPIKeys {
		if v, ok := c.API[legacy]; ok {
			if _, set := c.API[key]; !set {
				c.API[key] = v
			}
			delete(c.API, legacy)
		}
	}
	c.Channels = domain.SanitizeChannels(c.Channels)
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var problems []string
	if len(c.Channels) == 0 {
		problems = append(problems, "channels is empty")
	}
	if c.IRCToken() == "" {
		problems = append(problems, "credentials.irc is missing")
	}
	if c.Client.RestAPI {
		if c.ClientID() == "" {
			problems = append(problems, "api.client_id is missing")
		}
		if c.ClientSecret() == "" {
			problems = append(problems, "api.client_secret is missing")
		}
	}
	if c.Client.PushNotifications && !c.Client.RestAPI {
		problems = append(problems, "client.push_notifications needs client.rest_api")
	}
	if c.ResolveTimeout <= 0 {
		problems = append(problems, "resolve_timeout must be positive")
	}
	if c.JoinRate <= 0 {
		problems = append(problems, "join_rate must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IRCToken() string {
	return strings.TrimSpace(c.Credentials[CredentialIRC])
}

func (c *Config) RefreshToken() string {
	return strings.TrimSpace(c.Credentials[CredentialRefresh])
}

func (c *Config) ClientID() string {
	return strings.TrimSpace(c.API[APIClientID])
}

func (c *Config) ClientSecret() string {
	return strings.TrimSpace(c.API[APIClientSecret])
}
