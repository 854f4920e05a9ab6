// Package client is the public entry point: a pool of streaming sessions,
// the entity managers they feed and the callbacks applications register.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/bfxstream/internal/app/handler"
	"github.com/coachpo/bfxstream/internal/app/manager"
	"github.com/coachpo/bfxstream/internal/app/session"
	"github.com/coachpo/bfxstream/internal/domain/errs"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/auth"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
	"github.com/coachpo/bfxstream/internal/infra/wire"
	"github.com/coachpo/bfxstream/internal/observability"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("client: already running")

// Handle identifies one subscription for Unsubscribe.
type Handle string

// Params selects the instrument and shape of a market channel.
type Params struct {
	Symbol    string
	Precision string
	Frequency string
	Length    string
	Timeframe string
}

// Cancel removes a registered callback.
type Cancel func()

type placement struct {
	key     schema.SubscriptionKey
	session int
}

// Client multiplexes market and account channels over a pool of sessions.
// Session 0 carries the account channel when credentials are configured.
type Client struct {
	opts Options
	log  observability.Logger
	dlq  *observability.DeadLetterQueue

	orders    *manager.OrderManager
	trades    *manager.TradeManager
	wallets   *manager.WalletManager
	positions *manager.PositionManager
	books     *manager.OrderbookManager
	rawBooks  *manager.RawOrderbookManager
	quotes    *manager.QuoteManager
	account   *handler.Account

	sessions []*session.Session

	errorsTopic   *eventbus.Topic[error]
	statesTopic   *eventbus.Topic[session.StateChange]
	failuresTopic *eventbus.Topic[session.SubscriptionFailure]

	mu      sync.Mutex
	handles map[Handle]placement
	byKey   map[string]Handle

	running atomic.Bool
	closed  atomic.Bool
}

// New builds a client and its sessions. Nothing is dialled until Run.
func New(opts Options) (*Client, error) {
	opts.normalise()
	c := &Client{
		opts:    opts,
		log:     observability.With(opts.Logger, observability.F("component", "client")),
		dlq:     observability.NewDeadLetterQueue(opts.DLQCapacity),
		handles: make(map[Handle]placement),
		byKey:   make(map[string]Handle),
	}
	bus := eventbus.Config{BufferSize: opts.CallbackBuffer, FullWait: opts.CallbackWait}
	c.errorsTopic = eventbus.NewTopic[error]("error", bus)
	c.statesTopic = eventbus.NewTopic[session.StateChange]("connection_state", bus)
	c.failuresTopic = eventbus.NewTopic[session.SubscriptionFailure]("subscription_failure", bus)

	mopts := manager.Options{Bus: bus, Logger: opts.Logger, OnAnomaly: c.publishError}
	c.orders = manager.NewOrderManager(mopts)
	c.trades = manager.NewTradeManager(mopts, opts.TradeRetention)
	c.wallets = manager.NewWalletManager(mopts)
	c.positions = manager.NewPositionManager(mopts)
	c.books = manager.NewOrderbookManager(mopts)
	c.rawBooks = manager.NewRawOrderbookManager(mopts)
	c.quotes = manager.NewQuoteManager(mopts)

	hopts := handler.Options{Symbols: opts.Symbols, Logger: opts.Logger}
	c.account = handler.NewAccount(handler.AccountManagers{
		Orders:    c.orders,
		Trades:    c.trades,
		Wallets:   c.wallets,
		Positions: c.positions,
	}, bus, hopts)
	handlers := handler.Set{
		Account: c.account,
		Book:    handler.NewBook(c.books, hopts),
		RawBook: handler.NewRawBook(c.rawBooks, hopts),
		Ticker:  handler.NewTicker(c.quotes, hopts),
		Candles: handler.NewCandles(c.quotes, hopts),
		Trades:  handler.NewTrades(c.quotes, hopts),
	}

	var signer *auth.Signer
	if !opts.Credentials.Empty() {
		s, err := auth.NewSigner(opts.Credentials)
		if err != nil {
			return nil, err
		}
		signer = s
	}

	c.sessions = make([]*session.Session, 0, opts.Connections)
	for i := 0; i < opts.Connections; i++ {
		cfg := session.Config{
			URL:                   opts.URL,
			Dialer:                opts.Dialer,
			Handlers:              handlers,
			HeartbeatTimeout:      opts.HeartbeatTimeout,
			ChannelTimeout:        opts.ChannelTimeout,
			SubscribeTimeout:      opts.SubscribeTimeout,
			AuthTimeout:           opts.AuthTimeout,
			AuthRetries:           opts.AuthRetries,
			ReconnectInitial:      opts.ReconnectInitial,
			ReconnectMax:          opts.ReconnectMax,
			ControlRate:           opts.ControlRate,
			ControlBurst:          opts.ControlBurst,
			Lanes:                 opts.Lanes,
			LaneQueue:             opts.LaneQueue,
			DLQ:                   c.dlq,
			Logger:                opts.Logger,
			OnState:               c.publishState,
			OnError:               c.publishError,
			OnSubscriptionFailure: c.publishFailure,
		}
		if i == 0 {
			cfg.Signer = signer
		}
		s, err := session.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", i, err)
		}
		c.sessions = append(c.sessions, s)
	}
	return c, nil
}

// Run drives every session until ctx ends or one of them fails permanently,
// which stops the others.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	failures := make([]error, len(c.sessions))
	var wg conc.WaitGroup
	for i, s := range c.sessions {
		wg.Go(func() {
			if err := s.Run(runCtx); err != nil {
				failures[i] = fmt.Errorf("session %d: %w", i, err)
				cancel()
			}
		})
	}
	wg.Wait()
	return observability.AggregateErrors("client run", failures)
}

// Close releases callback goroutines. Call it after Run has returned.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.account.Close()
	c.orders.Close()
	c.trades.Close()
	c.wallets.Close()
	c.positions.Close()
	c.books.Close()
	c.rawBooks.Close()
	c.quotes.Close()
	c.errorsTopic.Close()
	c.statesTopic.Close()
	c.failuresTopic.Close()
}

// WaitReady blocks until every session is READY.
func (c *Client) WaitReady(ctx context.Context) error {
	for _, s := range c.sessions {
		if err := s.Await(ctx, session.StateReady); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe requests a market channel. Subscribing to a key that is already
// held returns the existing handle.
func (c *Client) Subscribe(ctx context.Context, kind schema.ChannelKind, params Params) (Handle, error) {
	key := schema.SubscriptionKey{
		Kind:      schema.ChannelKind(strings.ToLower(string(kind))),
		Symbol:    params.Symbol,
		Precision: params.Precision,
		Frequency: params.Frequency,
		Length:    params.Length,
		Timeframe: params.Timeframe,
	}.Normalise()
	if !key.Kind.Valid() || key.Kind == schema.ChannelAccount {
		return "", errs.New(wire.Venue, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("cannot subscribe to channel kind %q", kind)))
	}
	if key.Symbol == "" {
		return "", errs.New(wire.Venue, errs.CodeInvalid, errs.WithMessage("symbol is required"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.byKey[key.String()]; ok {
		return h, nil
	}
	if held, ok := c.sharesBook(key); ok {
		return "", errs.New(wire.Venue, errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("%s shares its book with held subscription %s", key, held)))
	}
	idx, ok := c.place()
	if !ok {
		return "", errs.New(wire.Venue, errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("all %d connections hold %d channels", len(c.sessions), c.opts.MaxChannelsPerConnection)))
	}
	if err := c.sessions[idx].Subscribe(ctx, key); err != nil {
		return "", err
	}
	h := Handle(uuid.NewString())
	c.handles[h] = placement{key: key, session: idx}
	c.byKey[key.String()] = h
	return h, nil
}

// sharesBook finds a held subscription that would write the same local book
// as key. Books are kept per symbol and precision, so frequency or length
// variants cannot coexist. Callers hold c.mu.
func (c *Client) sharesBook(key schema.SubscriptionKey) (schema.SubscriptionKey, bool) {
	if key.Kind != schema.ChannelOrderBook && key.Kind != schema.ChannelRawOrderBook {
		return schema.SubscriptionKey{}, false
	}
	for _, p := range c.handles {
		if p.key.Kind == key.Kind && p.key.Symbol == key.Symbol && p.key.Precision == key.Precision {
			return p.key, true
		}
	}
	return schema.SubscriptionKey{}, false
}

// place picks the least loaded session below the channel cap. Callers hold c.mu.
func (c *Client) place() (int, bool) {
	best, bestLoad := -1, 0
	for i, s := range c.sessions {
		load := s.Load()
		if s.Authenticated() {
			load++
		}
		if load >= c.opts.MaxChannelsPerConnection {
			continue
		}
		if best < 0 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best, best >= 0
}

// Unsubscribe closes the channel behind h and drops its local book state.
func (c *Client) Unsubscribe(ctx context.Context, h Handle) error {
	c.mu.Lock()
	p, ok := c.handles[h]
	if ok {
		delete(c.handles, h)
		delete(c.byKey, p.key.String())
	}
	c.mu.Unlock()
	if !ok {
		return errs.New(wire.Venue, errs.CodeNotFound, errs.WithMessage("unknown subscription handle "+string(h)))
	}

	err := c.sessions[p.session].Unsubscribe(ctx, p.key)
	switch p.key.Kind {
	case schema.ChannelOrderBook:
		c.books.Drop(manager.BookKey{Symbol: p.key.Symbol, Precision: p.key.Precision})
	case schema.ChannelRawOrderBook:
		c.rawBooks.Drop(p.key.Symbol)
	}
	return err
}

// Subscriptions returns the keys currently held, by handle.
func (c *Client) Subscriptions() map[Handle]schema.SubscriptionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Handle]schema.SubscriptionKey, len(c.handles))
	for h, p := range c.handles {
		out[h] = p.key
	}
	return out
}

func (c *Client) publishError(err error) {
	if err == nil || c.closed.Load() {
		return
	}
	c.errorsTopic.Publish(context.Background(), err)
}

func (c *Client) publishState(change session.StateChange) {
	if c.closed.Load() {
		return
	}
	c.statesTopic.Publish(context.Background(), change)
}

func (c *Client) publishFailure(f session.SubscriptionFailure) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	if h, ok := c.byKey[f.Key.String()]; ok && !c.sessions[c.handles[h].session].IsDesired(f.Key) {
		delete(c.handles, h)
		delete(c.byKey, f.Key.String())
	}
	c.mu.Unlock()
	c.failuresTopic.Publish(context.Background(), f)
}
