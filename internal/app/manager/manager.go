// Package manager holds the entity managers that fold channel events into
// queryable state and notify subscribers.
//
// Every manager serialises mutation per entity key and swaps immutable values
// into its store, so readers always see either the state before or after an
// apply. Notifications are published while the key is still held, which keeps
// per-key callback order equal to apply order.
package manager

import (
	"context"
	"hash/fnv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/bfxstream/internal/domain/errs"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
	"github.com/coachpo/bfxstream/internal/infra/telemetry"
	"github.com/coachpo/bfxstream/internal/infra/wire"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Outcome describes what an apply did to the stored state.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
)

// Changed reports whether the state moved and subscribers were notified.
func (o Outcome) Changed() bool {
	return o == OutcomeCreated || o == OutcomeUpdated || o == OutcomeDeleted
}

// Applied is the result of one apply.
type Applied[T any] struct {
	Outcome Outcome
	Value   T
	// Anomaly is set when the event contradicted stored state but was still
	// applied best-effort.
	Anomaly error
}

// Options configures a manager.
type Options struct {
	Bus       eventbus.Config
	Logger    observability.Logger
	OnAnomaly func(error)
}

type base struct {
	entity    string
	log       observability.Logger
	onAnomaly func(error)
	locks     keyLocks
	applied   metric.Int64Counter
	anomalies metric.Int64Counter
}

func newBase(entity string, opts Options) base {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Log()
	}
	b := base{
		entity:    entity,
		log:       observability.With(logger, observability.F("component", "manager"), observability.F("entity", entity)),
		onAnomaly: opts.OnAnomaly,
	}
	meter := otel.Meter("manager")
	b.applied, _ = meter.Int64Counter("manager.events.applied",
		metric.WithDescription("Number of entity events applied by outcome"),
		metric.WithUnit("{event}"))
	b.anomalies, _ = meter.Int64Counter("manager.state.anomalies",
		metric.WithDescription("Number of events contradicting stored state"),
		metric.WithUnit("{event}"))
	return b
}

func (b *base) record(ctx context.Context, outcome Outcome) {
	if b.applied != nil {
		b.applied.Add(ensureContext(ctx), 1, metric.WithAttributes(telemetry.EntityAttributes(b.entity, string(outcome))...))
	}
}

// anomaly builds, logs and reports a state anomaly.
func (b *base) anomaly(ctx context.Context, key, msg string) error {
	err := errs.New(wire.Venue, errs.CodeConflict,
		errs.WithCanonicalCode(errs.CanonicalStateAnomaly),
		errs.WithMessage(msg),
		errs.WithField("entity", b.entity),
		errs.WithField("key", key),
	)
	b.log.Warn("state anomaly", observability.F("key", key), observability.F("reason", msg))
	if b.anomalies != nil {
		b.anomalies.Add(ensureContext(ctx), 1, metric.WithAttributes(telemetry.EntityAttributes(b.entity, "anomaly")...))
	}
	if b.onAnomaly != nil {
		b.onAnomaly(err)
	}
	return err
}

const lockStripes = 64

// keyLocks serialises work per key without a lock per entity.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// store is a map of immutable values guarded for snapshot reads.
type store[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

func newStore[K comparable, V any]() *store[K, V] {
	return &store[K, V]{items: make(map[K]V)}
}

func (s *store[K, V]) get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *store[K, V]) set(key K, v V) {
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
}

func (s *store[K, V]) remove(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

func (s *store[K, V]) values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	return out
}

func (s *store[K, V]) keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]K, 0, len(s.items))
	for k := range s.items {
		out = append(out, k)
	}
	return out
}

func (s *store[K, V]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
