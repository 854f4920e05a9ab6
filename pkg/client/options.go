package client

import (
	"time"

	"github.com/coachpo/bfxstream/internal/infra/auth"
	"github.com/coachpo/bfxstream/internal/infra/config"
	"github.com/coachpo/bfxstream/internal/infra/symbols"
	"github.com/coachpo/bfxstream/internal/infra/transport"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Options configures a Client. Zero values take the defaults of the session
// package.
type Options struct {
	URL                      string
	Connections              int
	MaxChannelsPerConnection int
	Credentials              auth.Credentials

	HeartbeatTimeout time.Duration
	ChannelTimeout   time.Duration
	SubscribeTimeout time.Duration
	AuthTimeout      time.Duration
	AuthRetries      int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ControlRate      float64
	ControlBurst     int

	Lanes          int
	LaneQueue      int
	DLQCapacity    int
	CallbackBuffer int
	// CallbackWait bounds how long delivery waits on a full callback queue
	// before dropping its oldest notification.
	CallbackWait   time.Duration
	TradeRetention int

	// Dialer replaces the WebSocket dialer, mainly for tests.
	Dialer  transport.Dialer
	Symbols *symbols.Registry
	Logger  observability.Logger
}

// OptionsFromConfig maps the application config onto client options.
func OptionsFromConfig(cfg config.AppConfig) Options {
	conn := cfg.Connection
	return Options{
		URL:                      conn.URL,
		Connections:              conn.Connections,
		MaxChannelsPerConnection: conn.MaxChannelsPerConnection,
		Credentials: auth.Credentials{
			APIKey:    cfg.Credentials.APIKey,
			APISecret: cfg.Credentials.APISecret,
		},
		HeartbeatTimeout: conn.HeartbeatTimeout,
		ChannelTimeout:   conn.ChannelTimeout,
		SubscribeTimeout: conn.SubscribeTimeout,
		AuthTimeout:      conn.AuthTimeout,
		AuthRetries:      conn.AuthRetries,
		ReconnectInitial: conn.ReconnectInitial,
		ReconnectMax:     conn.ReconnectMax,
		ControlRate:      conn.ControlRate,
		ControlBurst:     conn.ControlBurst,
		Lanes:            cfg.Dispatcher.Lanes,
		LaneQueue:        cfg.Dispatcher.LaneQueue,
		DLQCapacity:      cfg.Dispatcher.DLQCapacity,
		CallbackBuffer:   cfg.Callbacks.BufferSize,
		CallbackWait:     cfg.Callbacks.FullWait,
		TradeRetention:   cfg.Trades.Retention,
	}
}

func (o *Options) normalise() {
	if o.Connections <= 0 {
		o.Connections = 1
	}
	if o.MaxChannelsPerConnection <= 0 {
		o.MaxChannelsPerConnection = 25
	}
	if o.DLQCapacity <= 0 {
		o.DLQCapacity = 128
	}
	if o.Dialer == nil {
		o.Dialer = transport.WebsocketDialer{}
	}
	if o.Symbols == nil {
		o.Symbols = symbols.New()
	}
	if o.Logger == nil {
		o.Logger = observability.Log()
	}
}
