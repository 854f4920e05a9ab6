package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/internal/domain/errs"
	"github.com/coachpo/bfxstream/internal/domain/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

type recorder[T any] struct {
	mu     sync.Mutex
	events []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.events = append(r.events, v)
	r.mu.Unlock()
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.events...)
}

func drainTopic(t *testing.T, topic interface{ Drain(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, topic.Drain(ctx))
}

func baseOrder() schema.Order {
	return schema.Order{
		ID:         1,
		Symbol:     schema.CurrencyPair{Base: "BTC", Quote: "USD"},
		Amount:     dec("1"),
		AmountOrig: dec("1"),
		Price:      nullDec("100"),
		Type:       schema.OrderTypeExchangeLimit,
		Status:     schema.OrderStatusActive,
		UpdatedAt:  time.UnixMilli(1000),
	}
}

func TestOrderManagerApplyIsIdempotent(t *testing.T) {
	m := NewOrderManager(Options{})
	defer m.Close()
	var rec recorder[schema.Order]
	m.OnUpdate(rec.add)

	ctx := context.Background()
	first := m.Apply(ctx, baseOrder())
	require.Equal(t, OutcomeCreated, first.Outcome)
	second := m.Apply(ctx, baseOrder())
	require.Equal(t, OutcomeDuplicate, second.Outcome)
	drainTopic(t, m.Topic())

	require.Len(t, rec.snapshot(), 1)
	got, ok := m.Get(1)
	require.True(t, ok)
	require.True(t, got.Equal(baseOrder()))
}

func TestOrderManagerRefusesReactivation(t *testing.T) {
	var anomalies []error
	m := NewOrderManager(Options{OnAnomaly: func(err error) { anomalies = append(anomalies, err) }})
	defer m.Close()
	ctx := context.Background()

	o := baseOrder()
	m.Apply(ctx, o)
	o.Status = schema.OrderStatusCanceled
	o.StatusDetail = "CANCELED"
	o.UpdatedAt = time.UnixMilli(2000)
	require.Equal(t, OutcomeUpdated, m.Apply(ctx, o).Outcome)

	late := baseOrder()
	late.Price = nullDec("101")
	late.UpdatedAt = time.UnixMilli(3000)
	res := m.Apply(ctx, late)
	require.Error(t, res.Anomaly)
	require.ErrorIs(t, res.Anomaly, errs.ErrStateAnomaly)
	require.Equal(t, schema.OrderStatusCanceled, res.Value.Status)
	require.True(t, res.Value.Price.Decimal.Equal(dec("101")))
	require.Len(t, anomalies, 1)
}

func TestOrderManagerStaleAndClamp(t *testing.T) {
	m := NewOrderManager(Options{})
	defer m.Close()
	ctx := context.Background()

	o := baseOrder()
	o.UpdatedAt = time.UnixMilli(5000)
	m.Apply(ctx, o)

	old := baseOrder()
	old.Price = nullDec("90")
	old.UpdatedAt = time.UnixMilli(4000)
	require.Equal(t, OutcomeStale, m.Apply(ctx, old).Outcome)

	crossed := baseOrder()
	crossed.ID = 2
	crossed.Amount = dec("-0.5")
	res := m.Apply(ctx, crossed)
	require.Error(t, res.Anomaly)
	require.True(t, res.Value.Amount.IsZero())
}

func TestOrderManagerSnapshotRemovesMissingWorkingOrders(t *testing.T) {
	m := NewOrderManager(Options{})
	defer m.Close()
	ctx := context.Background()

	a := baseOrder()
	b := baseOrder()
	b.ID = 2
	c := baseOrder()
	c.ID = 3
	c.Status = schema.OrderStatusExecuted
	m.Apply(ctx, a)
	m.Apply(ctx, b)
	m.Apply(ctx, c)

	m.ApplySnapshot(ctx, []schema.Order{a})
	_, ok := m.Get(2)
	require.False(t, ok)
	_, ok = m.Get(3)
	require.True(t, ok)
	require.Equal(t, 2, m.Len())
}

func execution() schema.ExecutedTrade {
	return schema.ExecutedTrade{
		TradeID:   106655593,
		Symbol:    schema.CurrencyPair{Base: "BTC", Quote: "USD"},
		Timestamp: time.UnixMilli(1512247319827),
		OrderID:   5691690918,
		Amount:    dec("-0.002"),
		Price:     dec("10894"),
	}
}

func enrichment() schema.ExecutedTrade {
	maker := false
	t := execution()
	t.Update = true
	t.OrderType = schema.OrderTypeExchangeMarket
	t.OrderPrice = nullDec("10894")
	t.Maker = &maker
	t.Fee = nullDec("-0.0392184")
	t.FeeCurrency = "USD"
	return t
}

func TestTradeManagerMergesEnrichment(t *testing.T) {
	m := NewTradeManager(Options{}, 0)
	defer m.Close()
	var rec recorder[schema.ExecutedTrade]
	m.OnUpdate(rec.add)
	ctx := context.Background()

	require.Equal(t, OutcomeCreated, m.Apply(ctx, execution()).Outcome)
	require.Equal(t, OutcomeUpdated, m.Apply(ctx, enrichment()).Outcome)
	require.Equal(t, OutcomeDuplicate, m.Apply(ctx, enrichment()).Outcome)
	// a late replay of the execution must not erase the enrichment
	require.Equal(t, OutcomeDuplicate, m.Apply(ctx, execution()).Outcome)
	drainTopic(t, m.Topic())

	events := rec.snapshot()
	require.Len(t, events, 2)
	require.False(t, events[0].IsUpdate())
	require.False(t, events[0].HasMaker())
	require.True(t, events[1].IsUpdate())

	got, ok := m.Get(106655593)
	require.True(t, ok)
	require.Equal(t, schema.OrderTypeExchangeMarket, got.OrderType)
	require.True(t, got.HasMaker())
	require.False(t, got.IsMaker())
	require.True(t, got.Fee.Decimal.Equal(dec("-0.0392184")))
	require.Equal(t, "USD", got.FeeCurrency)
}

func TestTradeManagerUnknownEnrichmentIsAnomaly(t *testing.T) {
	m := NewTradeManager(Options{}, 0)
	defer m.Close()

	res := m.Apply(context.Background(), enrichment())
	require.Equal(t, OutcomeCreated, res.Outcome)
	require.ErrorIs(t, res.Anomaly, errs.ErrStateAnomaly)
	_, ok := m.Get(106655593)
	require.True(t, ok)
}

func TestTradeManagerRetention(t *testing.T) {
	m := NewTradeManager(Options{}, 2)
	defer m.Close()
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		tr := execution()
		tr.TradeID = i
		m.Apply(ctx, tr)
	}
	require.Equal(t, 2, m.Len())
	_, ok := m.Get(1)
	require.False(t, ok)
}

func TestWalletManagerSnapshotReplaces(t *testing.T) {
	m := NewWalletManager(Options{})
	defer m.Close()
	ctx := context.Background()

	usd := schema.Wallet{Type: "exchange", Currency: "USD", Balance: dec("100")}
	btc := schema.Wallet{Type: "exchange", Currency: "BTC", Balance: dec("1")}
	m.ApplySnapshot(ctx, []schema.Wallet{usd, btc})
	require.Len(t, m.All(), 2)

	require.Equal(t, OutcomeDuplicate, m.Apply(ctx, usd).Outcome)
	usd.Balance = dec("90")
	require.Equal(t, OutcomeUpdated, m.Apply(ctx, usd).Outcome)

	m.ApplySnapshot(ctx, []schema.Wallet{usd})
	all := m.All()
	require.Len(t, all, 1)
	require.True(t, all[0].Balance.Equal(dec("90")))
}

func TestPositionManagerCloseDeletes(t *testing.T) {
	m := NewPositionManager(Options{})
	defer m.Close()
	var rec recorder[schema.Position]
	m.OnUpdate(rec.add)
	ctx := context.Background()

	p := schema.Position{WireSymbol: "tBTCUSD", Status: "ACTIVE", Amount: dec("0.5"), BasePrice: dec("10000")}
	require.Equal(t, OutcomeCreated, m.Apply(ctx, p).Outcome)
	require.Equal(t, OutcomeDeleted, m.Remove(ctx, p.Key()).Outcome)
	require.Equal(t, OutcomeDuplicate, m.Remove(ctx, p.Key()).Outcome)
	drainTopic(t, m.Topic())

	_, ok := m.Get("tBTCUSD")
	require.False(t, ok)
	events := rec.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, PositionStatusClosed, events[1].Status)
}

func level(price string, count int64, amount string) schema.OrderBookEntry {
	return schema.OrderBookEntry{Price: dec(price), Count: count, Amount: dec(amount)}
}

func TestOrderbookManagerMaintainsSortedSides(t *testing.T) {
	m := NewOrderbookManager(Options{})
	defer m.Close()
	ctx := context.Background()
	key := BookKey{Symbol: "tBTCUSD", Precision: "P0"}

	m.ApplySnapshot(ctx, key, []schema.OrderBookEntry{
		level("100", 1, "1"),
		level("101", 2, "2"),
		level("102", 1, "-1"),
		level("103", 1, "-3"),
	})
	require.Equal(t, OutcomeUpdated, m.Apply(ctx, key, level("100", 3, "5")).Outcome)
	require.Equal(t, OutcomeDeleted, m.Apply(ctx, key, level("103", 0, "-1")).Outcome)
	require.Equal(t, OutcomeDuplicate, m.Apply(ctx, key, level("104", 0, "-1")).Outcome)
	require.Equal(t, OutcomeCreated, m.Apply(ctx, key, level("99", 1, "0.5")).Outcome)

	book, ok := m.Book(key)
	require.True(t, ok)
	require.Len(t, book.Bids, 3)
	require.True(t, book.Bids[0].Price.Equal(dec("101")))
	require.True(t, book.Bids[2].Price.Equal(dec("99")))
	require.Len(t, book.Asks, 1)
	require.True(t, book.Asks[0].Price.Equal(dec("102")))

	bid, ask := m.Depth(key)
	require.True(t, bid.Equal(dec("7.5")))
	require.True(t, ask.Equal(dec("1")))

	m.ApplySnapshot(ctx, key, []schema.OrderBookEntry{level("50", 1, "1")})
	book, _ = m.Book(key)
	require.Len(t, book.Bids, 1)
	require.Empty(t, book.Asks)
}

func TestBookUpdatesWithoutSnapshotAreStale(t *testing.T) {
	books := NewOrderbookManager(Options{})
	defer books.Close()
	raw := NewRawOrderbookManager(Options{})
	defer raw.Close()
	ctx := context.Background()
	key := BookKey{Symbol: "tBTCUSD", Precision: "P0"}

	require.Equal(t, OutcomeStale, books.Apply(ctx, key, level("103", 1, "-2")).Outcome)
	_, ok := books.Book(key)
	require.False(t, ok)

	books.ApplySnapshot(ctx, key, []schema.OrderBookEntry{level("100", 1, "1")})
	books.Drop(key)
	require.Equal(t, OutcomeStale, books.Apply(ctx, key, level("103", 1, "-2")).Outcome)
	_, ok = books.Book(key)
	require.False(t, ok)

	require.Equal(t, OutcomeStale, raw.Apply(ctx, "tBTCUSD", schema.RawOrderBookEntry{OrderID: 9, Price: dec("100"), Amount: dec("1")}).Outcome)
	_, ok = raw.Book("tBTCUSD")
	require.False(t, ok)
}

func TestRawOrderbookManagerDeletesOnZeroPrice(t *testing.T) {
	m := NewRawOrderbookManager(Options{})
	defer m.Close()
	ctx := context.Background()

	m.ApplySnapshot(ctx, "tBTCUSD", []schema.RawOrderBookEntry{
		{OrderID: 1, Price: dec("100"), Amount: dec("1")},
		{OrderID: 2, Price: dec("101"), Amount: dec("-1")},
	})
	require.Equal(t, OutcomeDeleted, m.Apply(ctx, "tBTCUSD", schema.RawOrderBookEntry{OrderID: 1, Price: decimal.Zero, Amount: dec("1")}).Outcome)
	require.Equal(t, OutcomeCreated, m.Apply(ctx, "tBTCUSD", schema.RawOrderBookEntry{OrderID: 3, Price: dec("99"), Amount: dec("2")}).Outcome)

	book, ok := m.Book("tBTCUSD")
	require.True(t, ok)
	require.Len(t, book.Bids, 1)
	require.Equal(t, int64(3), book.Bids[0].OrderID)
	require.Len(t, book.Asks, 1)
}

func TestQuoteManagerKeepsLatestCandle(t *testing.T) {
	m := NewQuoteManager(Options{})
	defer m.Close()
	ctx := context.Background()

	newer := schema.Candle{Symbol: "tBTCUSD", Timeframe: "1m", Timestamp: time.UnixMilli(120_000), Close: dec("2")}
	older := schema.Candle{Symbol: "tBTCUSD", Timeframe: "1m", Timestamp: time.UnixMilli(60_000), Close: dec("1")}
	require.Equal(t, OutcomeCreated, m.ApplyCandle(ctx, newer).Outcome)
	require.Equal(t, OutcomeStale, m.ApplyCandle(ctx, older).Outcome)

	got, ok := m.LastCandle("tBTCUSD", "1m")
	require.True(t, ok)
	require.True(t, got.Close.Equal(dec("2")))

	m.ApplyTick(ctx, schema.Tick{Symbol: "tBTCUSD", LastPrice: dec("10")})
	tick, ok := m.LastTick("tBTCUSD")
	require.True(t, ok)
	require.True(t, tick.LastPrice.Equal(dec("10")))
}
