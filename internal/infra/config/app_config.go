// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/telemetry"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Environment variables consulted for credentials.
const (
	EnvAPIKey    = "BFX_API_KEY"
	EnvAPISecret = "BFX_API_SECRET"
)

// Environment identifies the runtime environment.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// ConnectionConfig tunes the socket pool and its watchdogs.
type ConnectionConfig struct {
	URL                      string        `yaml:"url"`
	Connections              int           `yaml:"connections"`
	MaxChannelsPerConnection int           `yaml:"maxChannelsPerConnection"`
	HeartbeatTimeout         time.Duration `yaml:"heartbeatTimeout"`
	ChannelTimeout           time.Duration `yaml:"channelTimeout"`
	SubscribeTimeout         time.Duration `yaml:"subscribeTimeout"`
	AuthTimeout              time.Duration `yaml:"authTimeout"`
	AuthRetries              int           `yaml:"authRetries"`
	ReconnectInitial         time.Duration `yaml:"reconnectInitial"`
	ReconnectMax             time.Duration `yaml:"reconnectMax"`
	ControlRate              float64       `yaml:"controlRate"`
	ControlBurst             int           `yaml:"controlBurst"`
}

// CredentialsConfig holds the API key pair. Empty values are filled from
// BFX_API_KEY and BFX_API_SECRET, then from EnvFile.
type CredentialsConfig struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
	EnvFile   string `yaml:"envFile"`
}

// DispatcherConfig sizes the per-connection worker lanes.
type DispatcherConfig struct {
	Lanes       int `yaml:"lanes"`
	LaneQueue   int `yaml:"laneQueue"`
	DLQCapacity int `yaml:"dlqCapacity"`
}

// CallbacksConfig sizes per-subscriber delivery queues.
type CallbacksConfig struct {
	BufferSize int           `yaml:"bufferSize"`
	FullWait   time.Duration `yaml:"fullWait"`
}

// TradesConfig bounds executed trade retention.
type TradesConfig struct {
	Retention int `yaml:"retention"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment              `yaml:"environment"`
	Connection    ConnectionConfig         `yaml:"connection"`
	Credentials   CredentialsConfig        `yaml:"credentials"`
	Dispatcher    DispatcherConfig         `yaml:"dispatcher"`
	Callbacks     CallbacksConfig          `yaml:"callbacks"`
	Trades        TradesConfig             `yaml:"trades"`
	Subscriptions []schema.SubscriptionKey `yaml:"subscriptions"`
	Logging       observability.LogConfig  `yaml:"logging"`
	Telemetry     telemetry.Config         `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Telemetry:   telemetry.DefaultConfig(),
	}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	data, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Telemetry: telemetry.DefaultConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.loadCredentials(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does
// not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg = Default()
	if err := cfg.loadCredentials(); err != nil {
		return AppConfig{}, false, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	conn := &c.Connection
	conn.URL = strings.TrimSpace(conn.URL)
	if conn.URL == "" {
		conn.URL = "wss://api.bitfinex.com/ws/2"
	}
	if conn.Connections <= 0 {
		conn.Connections = 1
	}
	if conn.MaxChannelsPerConnection <= 0 {
		conn.MaxChannelsPerConnection = 25
	}
	if conn.HeartbeatTimeout <= 0 {
		conn.HeartbeatTimeout = 30 * time.Second
	}
	if conn.ChannelTimeout < 0 {
		conn.ChannelTimeout = 0
	}
	if conn.SubscribeTimeout <= 0 {
		conn.SubscribeTimeout = 10 * time.Second
	}
	if conn.AuthTimeout <= 0 {
		conn.AuthTimeout = 10 * time.Second
	}
	if conn.AuthRetries <= 0 {
		conn.AuthRetries = 3
	}
	if conn.ReconnectInitial <= 0 {
		conn.ReconnectInitial = 500 * time.Millisecond
	}
	if conn.ReconnectMax <= 0 {
		conn.ReconnectMax = 30 * time.Second
	}
	if conn.ControlRate <= 0 {
		conn.ControlRate = 10
	}
	if conn.ControlBurst <= 0 {
		conn.ControlBurst = 5
	}

	c.Credentials.APIKey = strings.TrimSpace(c.Credentials.APIKey)
	c.Credentials.APISecret = strings.TrimSpace(c.Credentials.APISecret)
	c.Credentials.EnvFile = strings.TrimSpace(c.Credentials.EnvFile)

	if c.Dispatcher.Lanes < 0 {
		c.Dispatcher.Lanes = 0
	}
	if c.Dispatcher.Lanes == 0 && c.Dispatcher.LaneQueue == 0 {
		c.Dispatcher.Lanes = 8
	}
	if c.Dispatcher.LaneQueue <= 0 {
		c.Dispatcher.LaneQueue = 256
	}
	if c.Dispatcher.DLQCapacity <= 0 {
		c.Dispatcher.DLQCapacity = 128
	}
	if c.Callbacks.BufferSize <= 0 {
		c.Callbacks.BufferSize = 256
	}
	if c.Trades.Retention <= 0 {
		c.Trades.Retention = 10_000
	}

	subs := make([]schema.SubscriptionKey, 0, len(c.Subscriptions))
	seen := make(map[string]struct{}, len(c.Subscriptions))
	for _, key := range c.Subscriptions {
		key.Kind = schema.ChannelKind(strings.ToLower(strings.TrimSpace(string(key.Kind))))
		key = key.Normalise()
		id := key.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		subs = append(subs, key)
	}
	c.Subscriptions = subs

	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = string(c.Environment)
	}
}

// loadCredentials fills empty credentials from the process environment and
// then from EnvFile. A missing env file is not an error.
func (c *AppConfig) loadCredentials() error {
	fromFile := map[string]string{}
	if c.Credentials.EnvFile != "" {
		values, err := godotenv.Read(c.Credentials.EnvFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", c.Credentials.EnvFile, err)
		}
		if values != nil {
			fromFile = values
		}
	}
	lookup := func(name string) string {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
		return strings.TrimSpace(fromFile[name])
	}
	if c.Credentials.APIKey == "" {
		c.Credentials.APIKey = lookup(EnvAPIKey)
	}
	if c.Credentials.APISecret == "" {
		c.Credentials.APISecret = lookup(EnvAPISecret)
	}
	return nil
}

// Authenticated reports whether credentials are configured.
func (c AppConfig) Authenticated() bool {
	return c.Credentials.APIKey != "" && c.Credentials.APISecret != ""
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if !strings.HasPrefix(c.Connection.URL, "ws://") && !strings.HasPrefix(c.Connection.URL, "wss://") {
		return fmt.Errorf("connection url must use ws:// or wss://")
	}
	if c.Connection.HeartbeatTimeout < time.Second {
		return fmt.Errorf("connection heartbeatTimeout must be >= 1s")
	}
	if c.Connection.ChannelTimeout > 0 && c.Connection.ChannelTimeout < c.Connection.HeartbeatTimeout {
		return fmt.Errorf("connection channelTimeout must be 0 or >= heartbeatTimeout")
	}
	if c.Connection.ReconnectMax < c.Connection.ReconnectInitial {
		return fmt.Errorf("connection reconnectMax must be >= reconnectInitial")
	}
	if (c.Credentials.APIKey == "") != (c.Credentials.APISecret == "") {
		return fmt.Errorf("credentials require both apiKey and apiSecret")
	}
	capacity := c.Connection.Connections * c.Connection.MaxChannelsPerConnection
	if len(c.Subscriptions) > capacity {
		return fmt.Errorf("%d subscriptions exceed capacity of %d connections x %d channels",
			len(c.Subscriptions), c.Connection.Connections, c.Connection.MaxChannelsPerConnection)
	}
	for _, key := range c.Subscriptions {
		if !key.Kind.Valid() || key.Kind == schema.ChannelAccount {
			return fmt.Errorf("subscription kind %q is not a market channel", key.Kind)
		}
		if key.Symbol == "" {
			return fmt.Errorf("subscription %s requires a symbol", key.Kind)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
