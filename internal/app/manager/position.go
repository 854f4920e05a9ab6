package manager

import (
	"context"
	"sort"
	"strconv"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
)

// PositionStatusClosed is reported for deleted positions.
const PositionStatusClosed = "CLOSED"

// PositionManager owns open positions keyed by symbol and funding type.
type PositionManager struct {
	base
	positions *store[schema.PositionKey, schema.Position]
	topic     *eventbus.Topic[schema.Position]
}

// NewPositionManager constructs an empty position manager.
func NewPositionManager(opts Options) *PositionManager {
	return &PositionManager{
		base:      newBase("position", opts),
		positions: newStore[schema.PositionKey, schema.Position](),
		topic:     eventbus.NewTopic[schema.Position]("position", opts.Bus),
	}
}

// Topic exposes the update topic.
func (m *PositionManager) Topic() *eventbus.Topic[schema.Position] { return m.topic }

// OnUpdate registers fn for every applied position change; closes are
// delivered with Status CLOSED.
func (m *PositionManager) OnUpdate(fn func(schema.Position)) eventbus.SubscriptionID {
	return m.topic.Subscribe(fn)
}

// Get returns the position for the wire symbol with margin funding type 0,
// falling back to any funding type.
func (m *PositionManager) Get(symbol string) (schema.Position, bool) {
	if p, ok := m.positions.get(schema.PositionKey{Symbol: symbol, FundingType: 0}); ok {
		return p, true
	}
	for _, p := range m.positions.values() {
		if p.WireSymbol == symbol {
			return p, true
		}
	}
	return schema.Position{}, false
}

// All returns every open position sorted by symbol.
func (m *PositionManager) All() []schema.Position {
	out := m.positions.values()
	sort.Slice(out, func(i, j int) bool {
		if out[i].WireSymbol == out[j].WireSymbol {
			return out[i].MarginFundingType < out[j].MarginFundingType
		}
		return out[i].WireSymbol < out[j].WireSymbol
	})
	return out
}

// ApplySnapshot replaces the full position set.
func (m *PositionManager) ApplySnapshot(ctx context.Context, positions []schema.Position) []Applied[schema.Position] {
	present := make(map[schema.PositionKey]struct{}, len(positions))
	results := make([]Applied[schema.Position], 0, len(positions))
	for _, p := range positions {
		present[p.Key()] = struct{}{}
		results = append(results, m.Apply(ctx, p))
	}
	for _, key := range m.positions.keys() {
		if _, ok := present[key]; !ok {
			m.Remove(ctx, key)
		}
	}
	return results
}

// Apply upserts a position.
func (m *PositionManager) Apply(ctx context.Context, p schema.Position) Applied[schema.Position] {
	key := p.Key()
	unlock := m.locks.lock(positionLockKey(key))
	defer unlock()

	prev, exists := m.positions.get(key)
	if exists && positionEqual(prev, p) {
		m.record(ctx, OutcomeDuplicate)
		return Applied[schema.Position]{Outcome: OutcomeDuplicate, Value: prev}
	}
	outcome := OutcomeUpdated
	if !exists {
		outcome = OutcomeCreated
	}
	m.positions.set(key, p)
	m.record(ctx, outcome)
	m.topic.Publish(ctx, p)
	return Applied[schema.Position]{Outcome: outcome, Value: p}
}

// Remove deletes the position for key.
func (m *PositionManager) Remove(ctx context.Context, key schema.PositionKey) Applied[schema.Position] {
	unlock := m.locks.lock(positionLockKey(key))
	defer unlock()

	prev, ok := m.positions.remove(key)
	if !ok {
		m.record(ctx, OutcomeDuplicate)
		return Applied[schema.Position]{Outcome: OutcomeDuplicate}
	}
	prev.Status = PositionStatusClosed
	m.record(ctx, OutcomeDeleted)
	m.topic.Publish(ctx, prev)
	return Applied[schema.Position]{Outcome: OutcomeDeleted, Value: prev}
}

// Close stops subscriber delivery.
func (m *PositionManager) Close() { m.topic.Close() }

func positionLockKey(k schema.PositionKey) string {
	return "position:" + k.Symbol + ":" + strconv.FormatInt(k.FundingType, 10)
}

func positionEqual(a, b schema.Position) bool {
	return a.WireSymbol == b.WireSymbol &&
		a.Symbol == b.Symbol &&
		a.Status == b.Status &&
		a.Amount.Equal(b.Amount) &&
		a.BasePrice.Equal(b.BasePrice) &&
		nullDecimalEqual(a.MarginFunding, b.MarginFunding) &&
		a.MarginFundingType == b.MarginFundingType &&
		nullDecimalEqual(a.PL, b.PL) &&
		nullDecimalEqual(a.PLPercent, b.PLPercent) &&
		nullDecimalEqual(a.LiquidationPrice, b.LiquidationPrice) &&
		nullDecimalEqual(a.Leverage, b.Leverage)
}
