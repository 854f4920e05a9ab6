package manager

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
)

// WalletManager owns wallet balances keyed by (type, currency). Every event
// carries the full wallet state, so applies replace rather than merge.
type WalletManager struct {
	base
	wallets *store[schema.WalletKey, schema.Wallet]
	topic   *eventbus.Topic[schema.Wallet]
}

// NewWalletManager constructs an empty wallet manager.
func NewWalletManager(opts Options) *WalletManager {
	return &WalletManager{
		base:    newBase("wallet", opts),
		wallets: newStore[schema.WalletKey, schema.Wallet](),
		topic:   eventbus.NewTopic[schema.Wallet]("wallet", opts.Bus),
	}
}

// Topic exposes the update topic.
func (m *WalletManager) Topic() *eventbus.Topic[schema.Wallet] { return m.topic }

// OnUpdate registers fn for every applied wallet change.
func (m *WalletManager) OnUpdate(fn func(schema.Wallet)) eventbus.SubscriptionID {
	return m.topic.Subscribe(fn)
}

// Get returns a copy of one wallet.
func (m *WalletManager) Get(walletType, currency string) (schema.Wallet, bool) {
	return m.wallets.get(schema.WalletKey{Type: walletType, Currency: currency})
}

// All returns every wallet sorted by type then currency.
func (m *WalletManager) All() []schema.Wallet {
	out := m.wallets.values()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type == out[j].Type {
			return out[i].Currency < out[j].Currency
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// ApplySnapshot replaces the full wallet set.
func (m *WalletManager) ApplySnapshot(ctx context.Context, wallets []schema.Wallet) []Applied[schema.Wallet] {
	present := make(map[schema.WalletKey]struct{}, len(wallets))
	results := make([]Applied[schema.Wallet], 0, len(wallets))
	for _, w := range wallets {
		present[w.Key()] = struct{}{}
		results = append(results, m.Apply(ctx, w))
	}
	for _, key := range m.wallets.keys() {
		if _, ok := present[key]; ok {
			continue
		}
		unlock := m.locks.lock(walletLockKey(key))
		if _, ok := m.wallets.remove(key); ok {
			m.record(ctx, OutcomeDeleted)
		}
		unlock()
	}
	return results
}

// Apply replaces the wallet identified by w.Key().
func (m *WalletManager) Apply(ctx context.Context, w schema.Wallet) Applied[schema.Wallet] {
	key := w.Key()
	unlock := m.locks.lock(walletLockKey(key))
	defer unlock()

	prev, exists := m.wallets.get(key)
	if exists && prev.Equal(w) {
		m.record(ctx, OutcomeDuplicate)
		return Applied[schema.Wallet]{Outcome: OutcomeDuplicate, Value: prev}
	}
	outcome := OutcomeUpdated
	if !exists {
		outcome = OutcomeCreated
	}
	m.wallets.set(key, w)
	m.record(ctx, outcome)
	m.topic.Publish(ctx, w)
	return Applied[schema.Wallet]{Outcome: outcome, Value: w}
}

// Close stops subscriber delivery.
func (m *WalletManager) Close() { m.topic.Close() }

func walletLockKey(k schema.WalletKey) string {
	return "wallet:" + k.Type + ":" + k.Currency
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
