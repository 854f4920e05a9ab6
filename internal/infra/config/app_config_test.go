package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/internal/domain/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	path := writeConfig(t, `
environment: STAGING
connection:
  url: wss://example.test/ws/2
  connections: 2
  maxChannelsPerConnection: 3
  heartbeatTimeout: 15s
  channelTimeout: 45s
dispatcher:
  lanes: 4
  laneQueue: 64
callbacks:
  bufferSize: 32
trades:
  retention: 100
subscriptions:
  - kind: Book
    symbol: tBTCUSD
  - kind: book
    symbol: tBTCUSD
    precision: p0
  - kind: candles
    symbol: tETHUSD
    timeframe: 5m
`)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "wss://example.test/ws/2", cfg.Connection.URL)
	require.Equal(t, 2, cfg.Connection.Connections)
	require.Equal(t, 15*time.Second, cfg.Connection.HeartbeatTimeout)
	require.Equal(t, 45*time.Second, cfg.Connection.ChannelTimeout)
	require.Equal(t, 10*time.Second, cfg.Connection.SubscribeTimeout)
	require.Equal(t, 4, cfg.Dispatcher.Lanes)
	require.Equal(t, 64, cfg.Dispatcher.LaneQueue)
	require.Equal(t, 32, cfg.Callbacks.BufferSize)
	require.Equal(t, 100, cfg.Trades.Retention)
	require.Len(t, cfg.Subscriptions, 2, "equivalent book keys collapse")
	require.Equal(t, schema.ChannelOrderBook, cfg.Subscriptions[0].Kind)
	require.Equal(t, "P0", cfg.Subscriptions[0].Precision)
	require.Equal(t, "5m", cfg.Subscriptions[1].Timeframe)
	require.False(t, cfg.Authenticated())
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	cases := map[string]string{
		"environment": "environment: qa\n",
		"url":         "connection:\n  url: http://example.test\n",
		"heartbeat":   "connection:\n  heartbeatTimeout: 100ms\n",
		"channel":     "connection:\n  heartbeatTimeout: 30s\n  channelTimeout: 5s\n",
		"half creds":  "credentials:\n  apiKey: key\n",
		"capacity":    "connection:\n  maxChannelsPerConnection: 1\nsubscriptions:\n  - {kind: ticker, symbol: tBTCUSD}\n  - {kind: ticker, symbol: tETHUSD}\n",
		"kind":        "subscriptions:\n  - {kind: status, symbol: tBTCUSD}\n",
		"account":     "subscriptions:\n  - {kind: account}\n",
		"symbol":      "subscriptions:\n  - {kind: trades}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestCredentialsFromEnvFile(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("BFX_API_KEY=file-key\nBFX_API_SECRET=file-secret\n"), 0o600))

	cfg, err := Load(context.Background(), writeConfig(t, "credentials:\n  envFile: "+envFile+"\n"))
	require.NoError(t, err)
	require.Equal(t, "file-key", cfg.Credentials.APIKey)
	require.Equal(t, "file-secret", cfg.Credentials.APISecret)
	require.True(t, cfg.Authenticated())
}

func TestExplicitCredentialsWinOverEnvironment(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")

	cfg, err := Load(context.Background(), writeConfig(t, "credentials:\n  apiKey: yaml-key\n  apiSecret: yaml-secret\n"))
	require.NoError(t, err)
	require.Equal(t, "yaml-key", cfg.Credentials.APIKey)
	require.Equal(t, "yaml-secret", cfg.Credentials.APISecret)
}

func TestMissingEnvFileIgnored(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	missing := filepath.Join(t.TempDir(), "absent.env")
	cfg, err := Load(context.Background(), writeConfig(t, "credentials:\n  envFile: "+missing+"\n"))
	require.NoError(t, err)
	require.False(t, cfg.Authenticated())
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "wss://api.bitfinex.com/ws/2", cfg.Connection.URL)
	require.Equal(t, 8, cfg.Dispatcher.Lanes)
	require.Empty(t, cfg.Subscriptions)

	_, loaded, err = LoadOrDefault(context.Background(), writeConfig(t, "environment: prod\n"))
	require.NoError(t, err)
	require.True(t, loaded)

	_, _, err = LoadOrDefault(context.Background(), writeConfig(t, "environment: qa\n"))
	require.Error(t, err)
}
