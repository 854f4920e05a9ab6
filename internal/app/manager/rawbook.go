package manager

import (
	"context"
	"sort"
	"sync"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
)

type rawBook struct {
	mu     sync.Mutex
	orders map[int64]schema.RawOrderBookEntry
}

// RawOrderbookManager maintains order-level books per symbol.
type RawOrderbookManager struct {
	base
	mu    sync.RWMutex
	books map[string]*rawBook
	topic *eventbus.Topic[schema.RawOrderBookUpdate]
}

// NewRawOrderbookManager constructs an empty raw book manager.
func NewRawOrderbookManager(opts Options) *RawOrderbookManager {
	return &RawOrderbookManager{
		base:  newBase("rawbook", opts),
		books: make(map[string]*rawBook),
		topic: eventbus.NewTopic[schema.RawOrderBookUpdate]("rawbook", opts.Bus),
	}
}

// Topic exposes the update topic.
func (m *RawOrderbookManager) Topic() *eventbus.Topic[schema.RawOrderBookUpdate] { return m.topic }

// OnUpdate registers fn for every applied change.
func (m *RawOrderbookManager) OnUpdate(fn func(schema.RawOrderBookUpdate)) eventbus.SubscriptionID {
	return m.topic.Subscribe(fn)
}

func (m *RawOrderbookManager) bookFor(symbol string, create bool) *rawBook {
	m.mu.RLock()
	b, ok := m.books[symbol]
	m.mu.RUnlock()
	if ok || !create {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.books[symbol]; ok {
		return b
	}
	b = &rawBook{orders: make(map[int64]schema.RawOrderBookEntry)}
	m.books[symbol] = b
	return b
}

// ApplySnapshot replaces the whole raw book.
func (m *RawOrderbookManager) ApplySnapshot(ctx context.Context, symbol string, entries []schema.RawOrderBookEntry) Applied[schema.RawOrderBookUpdate] {
	b := m.bookFor(symbol, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = make(map[int64]schema.RawOrderBookEntry, len(entries))
	for _, e := range entries {
		if !e.Removes() {
			b.orders[e.OrderID] = e
		}
	}
	update := schema.RawOrderBookUpdate{Symbol: symbol, Snapshot: true, Entries: append([]schema.RawOrderBookEntry(nil), entries...)}
	m.record(ctx, OutcomeCreated)
	m.topic.Publish(ctx, update)
	return Applied[schema.RawOrderBookUpdate]{Outcome: OutcomeCreated, Value: update}
}

// Apply upserts or deletes (price 0) one order. Updates for a symbol without
// a snapshot are stale.
func (m *RawOrderbookManager) Apply(ctx context.Context, symbol string, e schema.RawOrderBookEntry) Applied[schema.RawOrderBookUpdate] {
	b := m.bookFor(symbol, false)
	if b == nil {
		m.record(ctx, OutcomeStale)
		return Applied[schema.RawOrderBookUpdate]{Outcome: OutcomeStale}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, exists := b.orders[e.OrderID]
	var outcome Outcome
	switch {
	case e.Removes() && exists:
		delete(b.orders, e.OrderID)
		outcome = OutcomeDeleted
	case e.Removes():
		outcome = OutcomeDuplicate
	case exists && prev.Price.Equal(e.Price) && prev.Amount.Equal(e.Amount):
		outcome = OutcomeDuplicate
	case exists:
		b.orders[e.OrderID] = e
		outcome = OutcomeUpdated
	default:
		b.orders[e.OrderID] = e
		outcome = OutcomeCreated
	}
	m.record(ctx, outcome)
	update := schema.RawOrderBookUpdate{Symbol: symbol, Snapshot: false, Entries: []schema.RawOrderBookEntry{e}}
	if outcome.Changed() {
		m.topic.Publish(ctx, update)
	}
	return Applied[schema.RawOrderBookUpdate]{Outcome: outcome, Value: update}
}

// Book returns a sorted copy: bids by price descending, asks ascending.
func (m *RawOrderbookManager) Book(symbol string) (schema.RawOrderBook, bool) {
	b := m.bookFor(symbol, false)
	if b == nil {
		return schema.RawOrderBook{}, false
	}
	out := schema.RawOrderBook{Symbol: symbol}
	b.mu.Lock()
	for _, e := range b.orders {
		if e.Amount.IsPositive() {
			out.Bids = append(out.Bids, e)
		} else {
			out.Asks = append(out.Asks, e)
		}
	}
	b.mu.Unlock()
	sort.Slice(out.Bids, func(i, j int) bool {
		if out.Bids[i].Price.Equal(out.Bids[j].Price) {
			return out.Bids[i].OrderID < out.Bids[j].OrderID
		}
		return out.Bids[i].Price.GreaterThan(out.Bids[j].Price)
	})
	sort.Slice(out.Asks, func(i, j int) bool {
		if out.Asks[i].Price.Equal(out.Asks[j].Price) {
			return out.Asks[i].OrderID < out.Asks[j].OrderID
		}
		return out.Asks[i].Price.LessThan(out.Asks[j].Price)
	})
	return out, true
}

// Drop forgets a raw book.
func (m *RawOrderbookManager) Drop(symbol string) {
	m.mu.Lock()
	delete(m.books, symbol)
	m.mu.Unlock()
}

// Close stops subscriber delivery.
func (m *RawOrderbookManager) Close() { m.topic.Close() }
