package manager

import (
	"context"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
)

// OrderManager owns the consolidated order view keyed by order id.
type OrderManager struct {
	base
	orders *store[int64, schema.Order]
	topic  *eventbus.Topic[schema.Order]
}

// NewOrderManager constructs an empty order manager.
func NewOrderManager(opts Options) *OrderManager {
	return &OrderManager{
		base:   newBase("order", opts),
		orders: newStore[int64, schema.Order](),
		topic:  eventbus.NewTopic[schema.Order]("order", opts.Bus),
	}
}

// Topic exposes the update topic.
func (m *OrderManager) Topic() *eventbus.Topic[schema.Order] { return m.topic }

// OnUpdate registers fn for every applied order change.
func (m *OrderManager) OnUpdate(fn func(schema.Order)) eventbus.SubscriptionID {
	return m.topic.Subscribe(fn)
}

// Get returns a copy of the order.
func (m *OrderManager) Get(id int64) (schema.Order, bool) {
	return m.orders.get(id)
}

// All returns copies of every order sorted by id.
func (m *OrderManager) All() []schema.Order {
	out := m.orders.values()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplySnapshot applies an order snapshot. Orders missing from the snapshot
// that are still working are removed; terminal orders are kept.
func (m *OrderManager) ApplySnapshot(ctx context.Context, orders []schema.Order) []Applied[schema.Order] {
	present := make(map[int64]struct{}, len(orders))
	results := make([]Applied[schema.Order], 0, len(orders))
	for _, o := range orders {
		present[o.ID] = struct{}{}
		results = append(results, m.Apply(ctx, o))
	}
	for _, id := range m.orders.keys() {
		if _, ok := present[id]; ok {
			continue
		}
		unlock := m.locks.lock(orderLockKey(id))
		if prev, ok := m.orders.get(id); ok && !prev.Status.Terminal() {
			m.orders.remove(id)
			m.record(ctx, OutcomeDeleted)
		}
		unlock()
	}
	return results
}

// Apply folds one order event (new, update or cancel) into the view.
func (m *OrderManager) Apply(ctx context.Context, in schema.Order) Applied[schema.Order] {
	key := orderLockKey(in.ID)
	unlock := m.locks.lock(key)
	defer unlock()

	var anomaly error
	next := in
	if clamped, ok := clampRemaining(next); ok {
		anomaly = m.anomaly(ctx, key, "remaining amount crossed zero; clamped")
		next = clamped
	}

	prev, exists := m.orders.get(in.ID)
	if !exists {
		if next.Status == "" {
			next.Status = schema.OrderStatusNew
		}
		m.orders.set(next.ID, next)
		m.record(ctx, OutcomeCreated)
		m.topic.Publish(ctx, next)
		return Applied[schema.Order]{Outcome: OutcomeCreated, Value: next, Anomaly: anomaly}
	}

	if !next.UpdatedAt.IsZero() && next.UpdatedAt.Before(prev.UpdatedAt) {
		m.record(ctx, OutcomeStale)
		return Applied[schema.Order]{Outcome: OutcomeStale, Value: prev, Anomaly: anomaly}
	}
	if next.Status == "" {
		next.Status = prev.Status
	}
	if prev.Status.Terminal() && !next.Status.Terminal() {
		anomaly = m.anomaly(ctx, key, "update would reactivate "+string(prev.Status)+" order as "+string(next.Status))
		next.Status = prev.Status
		next.StatusDetail = prev.StatusDetail
	}
	if next.Equal(prev) {
		m.record(ctx, OutcomeDuplicate)
		return Applied[schema.Order]{Outcome: OutcomeDuplicate, Value: prev, Anomaly: anomaly}
	}
	m.orders.set(next.ID, next)
	m.record(ctx, OutcomeUpdated)
	m.topic.Publish(ctx, next)
	return Applied[schema.Order]{Outcome: OutcomeUpdated, Value: next, Anomaly: anomaly}
}

// Len returns the number of tracked orders.
func (m *OrderManager) Len() int { return m.orders.len() }

// Close stops subscriber delivery.
func (m *OrderManager) Close() { m.topic.Close() }

// clampRemaining zeroes a remaining amount whose sign disagrees with the
// original amount.
func clampRemaining(o schema.Order) (schema.Order, bool) {
	if o.AmountOrig.IsZero() || o.Amount.IsZero() {
		return o, false
	}
	if o.Amount.Sign() == o.AmountOrig.Sign() {
		return o, false
	}
	o.Amount = decimal.Zero
	return o, true
}

func orderLockKey(id int64) string {
	return "order:" + strconv.FormatInt(id, 10)
}
