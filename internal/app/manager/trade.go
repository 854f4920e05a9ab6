package manager

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
)

// DefaultTradeRetention bounds how many executed trades are kept.
const DefaultTradeRetention = 10_000

// TradeManager owns executed trades keyed by trade id.
type TradeManager struct {
	base
	trades *store[int64, schema.ExecutedTrade]
	topic  *eventbus.Topic[schema.ExecutedTrade]

	retention int
	orderMu   sync.Mutex
	order     []int64
}

// NewTradeManager constructs a trade manager keeping at most retention
// trades (<=0 uses DefaultTradeRetention).
func NewTradeManager(opts Options, retention int) *TradeManager {
	if retention <= 0 {
		retention = DefaultTradeRetention
	}
	return &TradeManager{
		base:      newBase("trade", opts),
		trades:    newStore[int64, schema.ExecutedTrade](),
		topic:     eventbus.NewTopic[schema.ExecutedTrade]("trade", opts.Bus),
		retention: retention,
	}
}

// Topic exposes the update topic.
func (m *TradeManager) Topic() *eventbus.Topic[schema.ExecutedTrade] { return m.topic }

// OnUpdate registers fn for every delivered trade.
func (m *TradeManager) OnUpdate(fn func(schema.ExecutedTrade)) eventbus.SubscriptionID {
	return m.topic.Subscribe(fn)
}

// Get returns a copy of the trade.
func (m *TradeManager) Get(id int64) (schema.ExecutedTrade, bool) {
	t, ok := m.trades.get(id)
	if !ok {
		return schema.ExecutedTrade{}, false
	}
	return t.Clone(), true
}

// All returns copies of every retained trade sorted by id.
func (m *TradeManager) All() []schema.ExecutedTrade {
	values := m.trades.values()
	out := make([]schema.ExecutedTrade, len(values))
	for i, v := range values {
		out[i] = v.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out
}

// Apply folds an execution (te) or its enrichment (tu).
func (m *TradeManager) Apply(ctx context.Context, in schema.ExecutedTrade) Applied[schema.ExecutedTrade] {
	key := "trade:" + strconv.FormatInt(in.TradeID, 10)
	unlock := m.locks.lock(key)
	defer unlock()

	prev, exists := m.trades.get(in.TradeID)
	switch {
	case !exists:
		var anomaly error
		if in.Update {
			anomaly = m.anomaly(ctx, key, "trade update for unknown trade id; keeping partial record")
		}
		return m.store(ctx, in.Clone(), OutcomeCreated, anomaly)
	case !in.Update:
		// Replayed execution, or the enrichment already arrived.
		if prev.Update {
			return m.skip(ctx, prev)
		}
		if tradeEqual(prev, in) {
			return m.skip(ctx, prev)
		}
		return m.store(ctx, in.Clone(), OutcomeUpdated, nil)
	default:
		merged := mergeTrade(prev, in)
		if tradeEqual(prev, merged) {
			return m.skip(ctx, prev)
		}
		return m.store(ctx, merged, OutcomeUpdated, nil)
	}
}

func (m *TradeManager) store(ctx context.Context, t schema.ExecutedTrade, outcome Outcome, anomaly error) Applied[schema.ExecutedTrade] {
	m.trades.set(t.TradeID, t)
	if outcome == OutcomeCreated {
		m.remember(t.TradeID)
	}
	m.record(ctx, outcome)
	m.topic.Publish(ctx, t.Clone())
	return Applied[schema.ExecutedTrade]{Outcome: outcome, Value: t.Clone(), Anomaly: anomaly}
}

func (m *TradeManager) skip(ctx context.Context, prev schema.ExecutedTrade) Applied[schema.ExecutedTrade] {
	m.record(ctx, OutcomeDuplicate)
	return Applied[schema.ExecutedTrade]{Outcome: OutcomeDuplicate, Value: prev.Clone(), Anomaly: nil}
}

func (m *TradeManager) remember(id int64) {
	m.orderMu.Lock()
	m.order = append(m.order, id)
	var evict []int64
	if over := len(m.order) - m.retention; over > 0 {
		evict = append(evict, m.order[:over]...)
		m.order = append([]int64(nil), m.order[over:]...)
	}
	m.orderMu.Unlock()
	for _, id := range evict {
		m.trades.remove(id)
	}
}

// Len returns the number of retained trades.
func (m *TradeManager) Len() int { return m.trades.len() }

// Close stops subscriber delivery.
func (m *TradeManager) Close() { m.topic.Close() }

// mergeTrade keeps the identity and execution fields of prev and takes the
// enrichment fields that upd carries.
func mergeTrade(prev, upd schema.ExecutedTrade) schema.ExecutedTrade {
	merged := prev.Clone()
	merged.Update = true
	if upd.OrderType != "" {
		merged.OrderType = upd.OrderType
	}
	if upd.OrderPrice.Valid {
		merged.OrderPrice = upd.OrderPrice
	}
	if upd.Maker != nil {
		maker := *upd.Maker
		merged.Maker = &maker
	}
	if upd.Fee.Valid {
		merged.Fee = upd.Fee
	}
	if upd.FeeCurrency != "" {
		merged.FeeCurrency = upd.FeeCurrency
	}
	if merged.Symbol.IsZero() {
		merged.Symbol = upd.Symbol
	}
	if merged.OrderID == 0 {
		merged.OrderID = upd.OrderID
	}
	return merged
}

func tradeEqual(a, b schema.ExecutedTrade) bool {
	if (a.Maker == nil) != (b.Maker == nil) {
		return false
	}
	if a.Maker != nil && *a.Maker != *b.Maker {
		return false
	}
	return a.TradeID == b.TradeID &&
		a.Symbol == b.Symbol &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.OrderID == b.OrderID &&
		a.Amount.Equal(b.Amount) &&
		a.Price.Equal(b.Price) &&
		a.OrderType == b.OrderType &&
		nullDecimalEqual(a.OrderPrice, b.OrderPrice) &&
		nullDecimalEqual(a.Fee, b.Fee) &&
		a.FeeCurrency == b.FeeCurrency &&
		a.Update == b.Update
}
