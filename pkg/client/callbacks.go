package client

import (
	"github.com/coachpo/bfxstream/internal/app/session"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
)

// Every callback runs on its own goroutine fed by a bounded queue; a slow
// callback loses its oldest pending events instead of stalling the stream.

func register[T any](topic *eventbus.Topic[T], fn func(T)) Cancel {
	id := topic.Subscribe(fn)
	return func() { topic.Unsubscribe(id) }
}

// OnOrderUpdate registers fn for order changes.
func (c *Client) OnOrderUpdate(fn func(schema.Order)) Cancel {
	return register(c.orders.Topic(), fn)
}

// OnTrade registers fn for executed trades of the account.
func (c *Client) OnTrade(fn func(schema.ExecutedTrade)) Cancel {
	return register(c.trades.Topic(), fn)
}

// OnWalletUpdate registers fn for wallet balance changes.
func (c *Client) OnWalletUpdate(fn func(schema.Wallet)) Cancel {
	return register(c.wallets.Topic(), fn)
}

// OnPositionUpdate registers fn for position changes. Closed positions are
// delivered with status CLOSED.
func (c *Client) OnPositionUpdate(fn func(schema.Position)) Cancel {
	return register(c.positions.Topic(), fn)
}

// OnOrderBookUpdate registers fn for aggregated book changes.
func (c *Client) OnOrderBookUpdate(fn func(schema.OrderBookUpdate)) Cancel {
	return register(c.books.Topic(), fn)
}

// OnRawOrderBookUpdate registers fn for raw book changes.
func (c *Client) OnRawOrderBookUpdate(fn func(schema.RawOrderBookUpdate)) Cancel {
	return register(c.rawBooks.Topic(), fn)
}

// OnTick registers fn for ticker updates.
func (c *Client) OnTick(fn func(schema.Tick)) Cancel {
	return register(c.quotes.Ticks(), fn)
}

// OnCandle registers fn for candle updates.
func (c *Client) OnCandle(fn func(schema.Candle)) Cancel {
	return register(c.quotes.Candles(), fn)
}

// OnPublicTrade registers fn for public trade prints.
func (c *Client) OnPublicTrade(fn func(schema.PublicTrade)) Cancel {
	return register(c.quotes.PublicTrades(), fn)
}

// OnNotification registers fn for account notifications.
func (c *Client) OnNotification(fn func(schema.Notification)) Cancel {
	return register(c.account.Notifications(), fn)
}

// OnBalanceUpdate registers fn for total balance updates.
func (c *Client) OnBalanceUpdate(fn func(schema.BalanceUpdate)) Cancel {
	return register(c.account.Balances(), fn)
}

// OnError registers fn for lifecycle errors, handler failures and state
// anomalies.
func (c *Client) OnError(fn func(error)) Cancel {
	return register(c.errorsTopic, fn)
}

// OnConnectionState registers fn for session state transitions.
func (c *Client) OnConnectionState(fn func(session.StateChange)) Cancel {
	return register(c.statesTopic, fn)
}

// OnSubscriptionFailure registers fn for rejected or timed out subscriptions.
func (c *Client) OnSubscriptionFailure(fn func(session.SubscriptionFailure)) Cancel {
	return register(c.failuresTopic, fn)
}
