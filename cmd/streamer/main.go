// Command streamer connects to the exchange, keeps the configured channels
// subscribed and logs the resulting entity updates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/bfxstream/internal/app/session"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/config"
	"github.com/coachpo/bfxstream/internal/infra/telemetry"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/pkg/client"
)

const (
	defaultConfigPath        = "config/streamer.yaml"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type flags struct {
	configPath    string
	statsInterval time.Duration
}

func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "streamer: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.DurationVar(&f.statsInterval, "stats-interval", time.Minute, "Interval between stats log lines (0 disables)")
	flag.Parse()
	return f
}

func run(f flags) error {
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(f.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogrusLogger(appCfg.Logging)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	observability.SetLogger(logger)
	log := observability.With(logger, observability.F("component", "streamer"))

	if !loadedFromFile {
		log.Info("configuration file not found, using defaults")
	}
	log.Info("configuration initialised",
		observability.F("env", appCfg.Environment),
		observability.F("connections", appCfg.Connection.Connections),
		observability.F("subscriptions", len(appCfg.Subscriptions)),
		observability.F("authenticated", appCfg.Authenticated()))

	telemetryProvider, err := telemetry.NewProvider(ctx, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	opts := client.OptionsFromConfig(appCfg)
	opts.Logger = logger
	c, err := client.New(opts)
	if err != nil {
		return fmt.Errorf("initialise client: %w", err)
	}
	registerCallbacks(c, log)

	for _, key := range appCfg.Subscriptions {
		if _, err := c.Subscribe(ctx, key.Kind, paramsFor(key)); err != nil {
			return fmt.Errorf("subscribe %s: %w", key.String(), err)
		}
	}

	var lifecycle conc.WaitGroup
	runErr := make(chan error, 1)
	lifecycle.Go(func() { runErr <- c.Run(ctx) })
	if f.statsInterval > 0 {
		lifecycle.Go(func() { logStats(ctx, c, log, f.statsInterval) })
	}

	log.Info("streamer started; awaiting shutdown signal")
	var failure error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, initiating graceful shutdown")
	case failure = <-runErr:
		log.Error("client stopped", observability.Err(failure))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, log, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		client:     c,
		telemetry:  telemetryProvider,
	})
	log.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	return errors.Join(failure, err)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func paramsFor(key schema.SubscriptionKey) client.Params {
	return client.Params{
		Symbol:    key.Symbol,
		Precision: key.Precision,
		Frequency: key.Frequency,
		Length:    key.Length,
		Timeframe: key.Timeframe,
	}
}

func registerCallbacks(c *client.Client, log observability.Logger) {
	c.OnConnectionState(func(sc session.StateChange) {
		fields := []observability.Field{
			observability.F("conn", sc.ConnID),
			observability.F("from", sc.From),
			observability.F("to", sc.To),
		}
		if sc.Err != nil {
			fields = append(fields, observability.Err(sc.Err))
		}
		log.Info("connection state", fields...)
	})
	c.OnError(func(err error) { log.Warn("stream error", observability.Err(err)) })
	c.OnSubscriptionFailure(func(f session.SubscriptionFailure) {
		log.Warn("subscription failed", observability.F("key", f.Key.String()), observability.Err(f.Err))
	})
	c.OnOrderUpdate(func(o schema.Order) {
		log.Info("order", observability.F("id", o.ID), observability.F("symbol", o.WireSymbol),
			observability.F("status", o.Status), observability.F("amount", o.Amount.String()))
	})
	c.OnTrade(func(t schema.ExecutedTrade) {
		log.Info("trade", observability.F("id", t.TradeID), observability.F("orderId", t.OrderID),
			observability.F("amount", t.Amount.String()), observability.F("price", t.Price.String()))
	})
	c.OnWalletUpdate(func(w schema.Wallet) {
		log.Info("wallet", observability.F("type", w.Type), observability.F("currency", w.Currency),
			observability.F("balance", w.Balance.String()))
	})
	c.OnPositionUpdate(func(p schema.Position) {
		log.Info("position", observability.F("symbol", p.Symbol), observability.F("status", p.Status),
			observability.F("amount", p.Amount.String()))
	})
	c.OnNotification(func(n schema.Notification) {
		log.Info("notification", observability.F("type", n.Type), observability.F("status", n.Status),
			observability.F("text", n.Text))
	})
	c.OnTick(func(t schema.Tick) {
		log.Debug("tick", observability.F("symbol", t.Symbol), observability.F("last", t.LastPrice.String()))
	})
	c.OnCandle(func(k schema.Candle) {
		log.Debug("candle", observability.F("symbol", k.Symbol), observability.F("timeframe", k.Timeframe),
			observability.F("close", k.Close.String()))
	})
	c.OnPublicTrade(func(t schema.PublicTrade) {
		log.Debug("public trade", observability.F("symbol", t.Symbol), observability.F("price", t.Price.String()),
			observability.F("amount", t.Amount.String()))
	})
	c.OnOrderBookUpdate(func(u schema.OrderBookUpdate) {
		log.Debug("book", observability.F("symbol", u.Symbol), observability.F("snapshot", u.Snapshot),
			observability.F("levels", len(u.Entries)))
	})
}

func logStats(ctx context.Context, c *client.Client, log observability.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := c.Stats()
			log.Info("stats",
				observability.F("received", st.Received),
				observability.F("unroutable", st.Unroutable),
				observability.F("malformed", st.Malformed),
				observability.F("handlerErrors", st.HandlerErrors),
				observability.F("callbackDrops", st.CallbackDrops),
				observability.F("orders", st.Orders),
				observability.F("trades", st.Trades))
		}
	}
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	client     *client.Client
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, log observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		log.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			log.Warn("shutdown: "+name+" failed", observability.Err(err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			return
		}
		log.Info("shutdown: " + name + " completed")
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.client != nil {
		for _, frame := range cfg.client.DroppedFrames() {
			log.Debug("dropped frame", observability.F("conn", frame.ConnID), observability.F("reason", frame.Reason))
		}
		cfg.client.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
	return observability.AggregateErrors("shutdown", failures)
}
