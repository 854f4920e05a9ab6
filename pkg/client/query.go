package client

import (
	"github.com/coachpo/bfxstream/internal/app/manager"
	"github.com/coachpo/bfxstream/internal/app/session"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Queries return copies; mutating them does not affect client state.

// Order returns the order with id.
func (c *Client) Order(id int64) (schema.Order, bool) { return c.orders.Get(id) }

// Orders returns every known order.
func (c *Client) Orders() []schema.Order { return c.orders.All() }

// Trade returns the executed trade with id.
func (c *Client) Trade(id int64) (schema.ExecutedTrade, bool) { return c.trades.Get(id) }

// Trades returns the retained executed trades.
func (c *Client) Trades() []schema.ExecutedTrade { return c.trades.All() }

// Wallet returns the wallet of walletType ("exchange", "margin", "funding")
// holding currency.
func (c *Client) Wallet(walletType, currency string) (schema.Wallet, bool) {
	return c.wallets.Get(walletType, currency)
}

// Wallets returns every wallet.
func (c *Client) Wallets() []schema.Wallet { return c.wallets.All() }

// Position returns the open position on symbol.
func (c *Client) Position(symbol string) (schema.Position, bool) { return c.positions.Get(symbol) }

// Positions returns every open position.
func (c *Client) Positions() []schema.Position { return c.positions.All() }

// OrderBook returns the aggregated book for symbol at precision ("P0" when empty).
func (c *Client) OrderBook(symbol, precision string) (schema.OrderBook, bool) {
	if precision == "" {
		precision = "P0"
	}
	return c.books.Book(manager.BookKey{Symbol: symbol, Precision: precision})
}

// RawOrderBook returns the raw book for symbol.
func (c *Client) RawOrderBook(symbol string) (schema.RawOrderBook, bool) {
	return c.rawBooks.Book(symbol)
}

// LastTick returns the latest ticker for symbol.
func (c *Client) LastTick(symbol string) (schema.Tick, bool) { return c.quotes.LastTick(symbol) }

// LastCandle returns the latest candle for symbol and timeframe.
func (c *Client) LastCandle(symbol, timeframe string) (schema.Candle, bool) {
	return c.quotes.LastCandle(symbol, timeframe)
}

// DroppedFrames returns the retained malformed frames, oldest first, and
// clears them.
func (c *Client) DroppedFrames() []observability.DroppedFrame { return c.dlq.Drain() }

// Stats aggregates the counters of every session and callback topic.
type Stats struct {
	Sessions       []session.Stats
	Received       int64
	Unroutable     int64
	Discarded      int64
	Malformed      int64
	HandlerErrors  int64
	CallbackDrops  int64
	CallbackPanics int64
	DroppedFrames  uint64
	Orders         int
	Trades         int
}

// Stats returns a point-in-time snapshot.
func (c *Client) Stats() Stats {
	st := Stats{
		Sessions:      make([]session.Stats, 0, len(c.sessions)),
		DroppedFrames: c.dlq.Total(),
		Orders:        c.orders.Len(),
		Trades:        c.trades.Len(),
	}
	for _, s := range c.sessions {
		ss := s.Stats()
		st.Sessions = append(st.Sessions, ss)
		st.Received += ss.Dispatcher.Received
		st.Unroutable += ss.Dispatcher.Unroutable
		st.Discarded += ss.Dispatcher.Discarded
		st.Malformed += ss.Dispatcher.Malformed
		st.HandlerErrors += ss.Dispatcher.Failed
	}
	type counted interface {
		Dropped() int64
		Panics() int64
	}
	topics := []counted{
		c.orders.Topic(), c.trades.Topic(), c.wallets.Topic(), c.positions.Topic(),
		c.books.Topic(), c.rawBooks.Topic(),
		c.quotes.Ticks(), c.quotes.Candles(), c.quotes.PublicTrades(),
		c.account.Notifications(), c.account.Balances(),
		c.errorsTopic, c.statesTopic, c.failuresTopic,
	}
	for _, t := range topics {
		st.CallbackDrops += t.Dropped()
		st.CallbackPanics += t.Panics()
	}
	return st
}
