package manager

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
)

// BookKey identifies one aggregated book.
type BookKey struct {
	Symbol    string
	Precision string
}

type book struct {
	mu   sync.Mutex
	bids map[string]schema.OrderBookEntry
	asks map[string]schema.OrderBookEntry
}

func newBook() *book {
	return &book{
		bids: make(map[string]schema.OrderBookEntry),
		asks: make(map[string]schema.OrderBookEntry),
	}
}

// OrderbookManager maintains price-level books per (symbol, precision).
// Each book has its own lock, so different books never contend.
type OrderbookManager struct {
	base
	mu    sync.RWMutex
	books map[BookKey]*book
	topic *eventbus.Topic[schema.OrderBookUpdate]
}

// NewOrderbookManager constructs an empty book manager.
func NewOrderbookManager(opts Options) *OrderbookManager {
	return &OrderbookManager{
		base:  newBase("orderbook", opts),
		books: make(map[BookKey]*book),
		topic: eventbus.NewTopic[schema.OrderBookUpdate]("orderbook", opts.Bus),
	}
}

// Topic exposes the update topic.
func (m *OrderbookManager) Topic() *eventbus.Topic[schema.OrderBookUpdate] { return m.topic }

// OnUpdate registers fn for every applied snapshot or level change.
func (m *OrderbookManager) OnUpdate(fn func(schema.OrderBookUpdate)) eventbus.SubscriptionID {
	return m.topic.Subscribe(fn)
}

func (m *OrderbookManager) bookFor(key BookKey, create bool) *book {
	m.mu.RLock()
	b, ok := m.books[key]
	m.mu.RUnlock()
	if ok || !create {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.books[key]; ok {
		return b
	}
	b = newBook()
	m.books[key] = b
	return b
}

// ApplySnapshot replaces the whole book.
func (m *OrderbookManager) ApplySnapshot(ctx context.Context, key BookKey, entries []schema.OrderBookEntry) Applied[schema.OrderBookUpdate] {
	b := m.bookFor(key, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]schema.OrderBookEntry, len(entries))
	b.asks = make(map[string]schema.OrderBookEntry, len(entries))
	for _, e := range entries {
		if e.Removes() {
			continue
		}
		side := b.asks
		if e.IsBid() {
			side = b.bids
		}
		side[e.Price.String()] = e
	}
	update := schema.OrderBookUpdate{
		Symbol:    key.Symbol,
		Precision: key.Precision,
		Snapshot:  true,
		Entries:   append([]schema.OrderBookEntry(nil), entries...),
	}
	m.record(ctx, OutcomeCreated)
	m.topic.Publish(ctx, update)
	return Applied[schema.OrderBookUpdate]{Outcome: OutcomeCreated, Value: update}
}

// Apply upserts or deletes one price level. A zero count or zero amount
// deletes the level on the side given by the amount's sign (both sides when
// the amount is zero). Updates for a book without a snapshot are stale.
func (m *OrderbookManager) Apply(ctx context.Context, key BookKey, e schema.OrderBookEntry) Applied[schema.OrderBookUpdate] {
	b := m.bookFor(key, false)
	if b == nil {
		m.record(ctx, OutcomeStale)
		return Applied[schema.OrderBookUpdate]{Outcome: OutcomeStale}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	price := e.Price.String()
	var outcome Outcome
	if e.Removes() {
		removed := false
		if e.Amount.Sign() >= 0 {
			removed = deleteLevel(b.bids, price) || removed
		}
		if e.Amount.Sign() <= 0 {
			removed = deleteLevel(b.asks, price) || removed
		}
		outcome = OutcomeDuplicate
		if removed {
			outcome = OutcomeDeleted
		}
	} else {
		side, other := b.asks, b.bids
		if e.IsBid() {
			side, other = b.bids, b.asks
		}
		delete(other, price)
		prev, exists := side[price]
		switch {
		case exists && levelEqual(prev, e):
			outcome = OutcomeDuplicate
		case exists:
			outcome = OutcomeUpdated
		default:
			outcome = OutcomeCreated
		}
		side[price] = e
	}
	m.record(ctx, outcome)
	update := schema.OrderBookUpdate{
		Symbol:    key.Symbol,
		Precision: key.Precision,
		Snapshot:  false,
		Entries:   []schema.OrderBookEntry{e},
	}
	if outcome.Changed() {
		m.topic.Publish(ctx, update)
	}
	return Applied[schema.OrderBookUpdate]{Outcome: outcome, Value: update}
}

// Book returns a sorted copy of the book: bids descending, asks ascending.
func (m *OrderbookManager) Book(key BookKey) (schema.OrderBook, bool) {
	b := m.bookFor(key, false)
	if b == nil {
		return schema.OrderBook{}, false
	}
	b.mu.Lock()
	bids := levels(b.bids)
	asks := levels(b.asks)
	b.mu.Unlock()
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	return schema.OrderBook{Symbol: key.Symbol, Precision: key.Precision, Bids: bids, Asks: asks}, true
}

// Depth returns the total absolute amount on each side.
func (m *OrderbookManager) Depth(key BookKey) (bid, ask decimal.Decimal) {
	b := m.bookFor(key, false)
	if b == nil {
		return decimal.Zero, decimal.Zero
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, ask = decimal.Zero, decimal.Zero
	for _, e := range b.bids {
		bid = bid.Add(e.Amount.Abs())
	}
	for _, e := range b.asks {
		ask = ask.Add(e.Amount.Abs())
	}
	return bid, ask
}

// Drop forgets a book, used when its subscription goes away.
func (m *OrderbookManager) Drop(key BookKey) {
	m.mu.Lock()
	delete(m.books, key)
	m.mu.Unlock()
}

// Close stops subscriber delivery.
func (m *OrderbookManager) Close() { m.topic.Close() }

func deleteLevel(side map[string]schema.OrderBookEntry, price string) bool {
	if _, ok := side[price]; !ok {
		return false
	}
	delete(side, price)
	return true
}

func levels(side map[string]schema.OrderBookEntry) []schema.OrderBookEntry {
	out := make([]schema.OrderBookEntry, 0, len(side))
	for _, e := range side {
		out = append(out, e)
	}
	return out
}

func levelEqual(a, b schema.OrderBookEntry) bool {
	return a.Count == b.Count && a.Price.Equal(b.Price) && a.Amount.Equal(b.Amount)
}
