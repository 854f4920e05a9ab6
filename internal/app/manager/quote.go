package manager

import (
	"context"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
)

// QuoteManager keeps the latest tick per symbol and the latest candle per
// (symbol, timeframe), and relays public trades.
type QuoteManager struct {
	base
	ticks   *store[string, schema.Tick]
	candles *store[string, schema.Candle]

	tickTopic   *eventbus.Topic[schema.Tick]
	candleTopic *eventbus.Topic[schema.Candle]
	tradeTopic  *eventbus.Topic[schema.PublicTrade]
}

// NewQuoteManager constructs an empty quote manager.
func NewQuoteManager(opts Options) *QuoteManager {
	return &QuoteManager{
		base:        newBase("quote", opts),
		ticks:       newStore[string, schema.Tick](),
		candles:     newStore[string, schema.Candle](),
		tickTopic:   eventbus.NewTopic[schema.Tick]("tick", opts.Bus),
		candleTopic: eventbus.NewTopic[schema.Candle]("candle", opts.Bus),
		tradeTopic:  eventbus.NewTopic[schema.PublicTrade]("public_trade", opts.Bus),
	}
}

// Ticks exposes the tick topic.
func (m *QuoteManager) Ticks() *eventbus.Topic[schema.Tick] { return m.tickTopic }

// Candles exposes the candle topic.
func (m *QuoteManager) Candles() *eventbus.Topic[schema.Candle] { return m.candleTopic }

// PublicTrades exposes the public trade topic.
func (m *QuoteManager) PublicTrades() *eventbus.Topic[schema.PublicTrade] { return m.tradeTopic }

// ApplyTick replaces the latest tick for its symbol.
func (m *QuoteManager) ApplyTick(ctx context.Context, t schema.Tick) Applied[schema.Tick] {
	unlock := m.locks.lock("tick:" + t.Symbol)
	defer unlock()
	_, exists := m.ticks.get(t.Symbol)
	m.ticks.set(t.Symbol, t)
	outcome := OutcomeUpdated
	if !exists {
		outcome = OutcomeCreated
	}
	m.record(ctx, outcome)
	m.tickTopic.Publish(ctx, t)
	return Applied[schema.Tick]{Outcome: outcome, Value: t}
}

// ApplyCandle records a candle. Candles older than the stored one (snapshot
// history) are delivered but do not replace the latest.
func (m *QuoteManager) ApplyCandle(ctx context.Context, c schema.Candle) Applied[schema.Candle] {
	key := candleKey(c.Symbol, c.Timeframe)
	unlock := m.locks.lock("candle:" + key)
	defer unlock()
	prev, exists := m.candles.get(key)
	outcome := OutcomeCreated
	switch {
	case exists && c.Timestamp.Before(prev.Timestamp):
		outcome = OutcomeStale
	case exists:
		outcome = OutcomeUpdated
		m.candles.set(key, c)
	default:
		m.candles.set(key, c)
	}
	m.record(ctx, outcome)
	m.candleTopic.Publish(ctx, c)
	return Applied[schema.Candle]{Outcome: outcome, Value: c}
}

// ApplyPublicTrade relays a public trade print.
func (m *QuoteManager) ApplyPublicTrade(ctx context.Context, t schema.PublicTrade) {
	m.record(ctx, OutcomeCreated)
	m.tradeTopic.Publish(ctx, t)
}

// LastTick returns the latest tick for a wire symbol.
func (m *QuoteManager) LastTick(symbol string) (schema.Tick, bool) {
	return m.ticks.get(symbol)
}

// LastCandle returns the latest candle for a wire symbol and timeframe.
func (m *QuoteManager) LastCandle(symbol, timeframe string) (schema.Candle, bool) {
	return m.candles.get(candleKey(symbol, timeframe))
}

// Close stops subscriber delivery.
func (m *QuoteManager) Close() {
	m.tickTopic.Close()
	m.candleTopic.Close()
	m.tradeTopic.Close()
}

func candleKey(symbol, timeframe string) string {
	return timeframe + ":" + symbol
}
