// Package channel maintains the table that maps server-assigned channel ids to
// the subscriptions and handlers they carry.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/wire"
)

// ErrStaleEpoch is returned when a bind targets a connection generation that
// has already been invalidated.
var ErrStaleEpoch = errors.New("channel: stale connection epoch")

// Handler consumes data frames for one bound channel.
type Handler interface {
	Handle(ctx context.Context, binding *Binding, frame *wire.DataFrame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, binding *Binding, frame *wire.DataFrame) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, binding *Binding, frame *wire.DataFrame) error {
	return f(ctx, binding, frame)
}

// Binding ties a channel id to a subscription for one connection epoch.
// All exported fields are fixed at construction.
type Binding struct {
	Epoch   uint64
	ChanID  int64
	Key     schema.SubscriptionKey
	Handler Handler
	BoundAt time.Time

	lastSeen atomic.Int64
	retired  atomic.Bool
}

// Active reports whether frames for the binding should still be handled. A
// binding retires when its unsubscribe is requested or it is unbound.
func (b *Binding) Active() bool { return !b.retired.Load() }

// LastSeen returns the time of the last frame observed on the channel.
func (b *Binding) LastSeen() time.Time {
	return time.Unix(0, b.lastSeen.Load())
}

type desiredEntry struct {
	key schema.SubscriptionKey
	seq uint64
}

// Registry is safe for concurrent lookups from the dispatch path while the
// lifecycle path binds and unbinds.
type Registry struct {
	mu       sync.RWMutex
	epoch    uint64
	bindings map[int64]*Binding
	byKey    map[string]int64
	desired  map[string]desiredEntry
	seq      uint64
	now      func() time.Time

	active metric.Int64UpDownCounter
}

// NewRegistry creates an empty registry at epoch 1.
func NewRegistry() *Registry {
	r := &Registry{
		mu:       sync.RWMutex{},
		epoch:    1,
		bindings: make(map[int64]*Binding),
		byKey:    make(map[string]int64),
		desired:  make(map[string]desiredEntry),
		seq:      0,
		now:      time.Now,
	}
	r.active, _ = otel.Meter("channel").Int64UpDownCounter("channel.bindings.active",
		metric.WithDescription("Channel bindings currently routable"),
		metric.WithUnit("{binding}"))
	return r
}

func (r *Registry) trackActive(delta int) {
	if r.active != nil && delta != 0 {
		r.active.Add(context.Background(), int64(delta))
	}
}

// Epoch returns the current connection generation.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Invalidate drops every binding, advances the epoch and returns it. The
// desired set is kept so the next connection can resubscribe.
func (r *Registry) Invalidate() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackActive(-len(r.bindings))
	for _, b := range r.bindings {
		b.retired.Store(true)
	}
	r.epoch++
	r.bindings = make(map[int64]*Binding)
	r.byKey = make(map[string]int64)
	return r.epoch
}

// Bind installs a binding for chanID. An existing binding on the same id, or
// on another id for the same key, is replaced.
func (r *Registry) Bind(epoch uint64, chanID int64, key schema.SubscriptionKey, handler Handler) (*Binding, error) {
	if handler == nil {
		return nil, fmt.Errorf("channel: bind %d: nil handler", chanID)
	}
	key = key.Normalise()
	keyID := key.String()
	now := r.now()
	binding := &Binding{
		Epoch:   epoch,
		ChanID:  chanID,
		Key:     key,
		Handler: handler,
		BoundAt: now,
	}
	binding.lastSeen.Store(now.UnixNano())

	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return nil, fmt.Errorf("bind %s on channel %d (epoch %d, current %d): %w", keyID, chanID, epoch, r.epoch, ErrStaleEpoch)
	}
	before := len(r.bindings)
	if prev, ok := r.bindings[chanID]; ok {
		prev.retired.Store(true)
		delete(r.byKey, prev.Key.String())
	}
	if prevID, ok := r.byKey[keyID]; ok && prevID != chanID {
		if prev, exists := r.bindings[prevID]; exists {
			prev.retired.Store(true)
		}
		delete(r.bindings, prevID)
	}
	r.bindings[chanID] = binding
	r.trackActive(len(r.bindings) - before)
	r.byKey[keyID] = chanID
	return binding, nil
}

// Lookup resolves chanID for a frame read under epoch.
func (r *Registry) Lookup(epoch uint64, chanID int64) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if epoch != r.epoch {
		return nil, false
	}
	b, ok := r.bindings[chanID]
	return b, ok
}

// Unbind removes the binding for chanID.
func (r *Registry) Unbind(chanID int64) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[chanID]
	if !ok {
		return nil, false
	}
	b.retired.Store(true)
	delete(r.bindings, chanID)
	r.trackActive(-1)
	if id, exists := r.byKey[b.Key.String()]; exists && id == chanID {
		delete(r.byKey, b.Key.String())
	}
	return b, true
}

// Retire stops frame handling for the binding of key while keeping it
// routable until Unbind.
func (r *Registry) Retire(key schema.SubscriptionKey) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key.String()]
	if !ok {
		return nil, false
	}
	b := r.bindings[id]
	b.retired.Store(true)
	return b, true
}

// ChanID returns the channel currently bound to key.
func (r *Registry) ChanID(key schema.SubscriptionKey) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key.String()]
	return id, ok
}

// Touch records activity on chanID.
func (r *Registry) Touch(chanID int64) {
	r.mu.RLock()
	b, ok := r.bindings[chanID]
	r.mu.RUnlock()
	if ok {
		b.lastSeen.Store(r.now().UnixNano())
	}
}

// Stale returns bindings with no activity for longer than timeout.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []*Binding {
	if timeout <= 0 {
		return nil
	}
	cutoff := now.Add(-timeout).UnixNano()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Binding
	for _, b := range r.bindings {
		if b.lastSeen.Load() < cutoff {
			out = append(out, b)
		}
	}
	return out
}

// Bindings returns the current bindings ordered by channel id.
func (r *Registry) Bindings() []*Binding {
	r.mu.RLock()
	out := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChanID < out[j].ChanID })
	return out
}

// AddDesired records key in the desired set. It returns false when the key
// was already present.
func (r *Registry) AddDesired(key schema.SubscriptionKey) bool {
	key = key.Normalise()
	id := key.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.desired[id]; ok {
		return false
	}
	r.seq++
	r.desired[id] = desiredEntry{key: key, seq: r.seq}
	return true
}

// RemoveDesired drops key from the desired set.
func (r *Registry) RemoveDesired(key schema.SubscriptionKey) bool {
	id := key.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.desired[id]; !ok {
		return false
	}
	delete(r.desired, id)
	return true
}

// IsDesired reports whether key is in the desired set.
func (r *Registry) IsDesired(key schema.SubscriptionKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.desired[key.String()]
	return ok
}

// DesiredCount returns the size of the desired set.
func (r *Registry) DesiredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.desired)
}

// SnapshotDesired returns the desired subscriptions in the order they were added.
func (r *Registry) SnapshotDesired() []schema.SubscriptionKey {
	r.mu.RLock()
	entries := make([]desiredEntry, 0, len(r.desired))
	for _, e := range r.desired {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	keys := make([]schema.SubscriptionKey, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}
