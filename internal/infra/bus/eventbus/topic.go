package eventbus

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/bfxstream/internal/infra/telemetry"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Topic fans events of one type out to its subscribers.
type Topic[T any] struct {
	name string
	cfg  Config
	log  observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber[T]
	nextID       atomic.Uint64
	dropped      atomic.Int64
	panicked     atomic.Int64
	shutdownOnce sync.Once

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	panicCounter     metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

type subscriber[T any] struct {
	id       SubscriptionID
	fn       func(T)
	ch       chan T
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	dropped  atomic.Int64
	inflight atomic.Int64
	once     sync.Once
}

// NewTopic constructs a topic; name labels logs and metrics.
func NewTopic[T any](name string, cfg Config) *Topic[T] {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	t := new(Topic[T])
	t.name = name
	t.cfg = cfg
	t.log = observability.With(observability.Log(), observability.F("component", "eventbus"), observability.F("topic", name))
	t.ctx = ctx
	t.cancel = cancel
	t.subscribers = make(map[SubscriptionID]*subscriber[T])

	meter := otel.Meter("eventbus")
	t.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to a topic"),
		metric.WithUnit("{event}"))
	t.droppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Number of notifications dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	t.panicCounter, _ = meter.Int64Counter("eventbus.callback.panics",
		metric.WithDescription("Number of subscriber callbacks that panicked"),
		metric.WithUnit("{event}"))
	t.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	return t
}

// Name returns the topic name.
func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers fn and returns its id. fn runs on a goroutine owned by
// the subscription, one event at a time.
func (t *Topic[T]) Subscribe(fn func(T)) SubscriptionID {
	if fn == nil {
		return ""
	}
	ctx, cancel := context.WithCancel(t.ctx)
	sub := &subscriber[T]{
		id:     SubscriptionID(fmt.Sprintf("%s-%d", t.name, t.nextID.Add(1))),
		fn:     fn,
		ch:     make(chan T, t.cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.subscribers[sub.id] = sub
	t.mu.Unlock()

	if t.subscriberGauge != nil {
		t.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(t.name)...))
	}
	go t.run(sub)
	return sub.id
}

// Unsubscribe removes the subscription; queued notifications are discarded.
// It does not wait for an in-flight callback, so it is safe to call from one.
func (t *Topic[T]) Unsubscribe(id SubscriptionID) bool {
	t.mu.Lock()
	sub, ok := t.subscribers[id]
	if ok {
		delete(t.subscribers, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if t.subscriberGauge != nil {
		t.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.TopicAttributes(t.name)...))
	}
	sub.close()
	return true
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Publish enqueues evt for every subscriber. It never blocks: a full queue
// loses its oldest pending notification.
func (t *Topic[T]) Publish(ctx context.Context, evt T) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.RLock()
	subs := make([]*subscriber[T], 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()
	if len(subs) == 0 {
		return
	}
	for _, sub := range subs {
		t.deliver(ctx, sub, evt)
	}
	if t.publishedCounter != nil {
		t.publishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(t.name)...))
	}
}

func (t *Topic[T]) deliver(ctx context.Context, sub *subscriber[T], evt T) {
	if sub.ctx.Err() != nil {
		return
	}
	sub.inflight.Add(1)
	select {
	case sub.ch <- evt:
		return
	default:
	}
	if t.retrySend(ctx, sub, evt) {
		return
	}
	if sub.ctx.Err() != nil {
		sub.inflight.Add(-1)
		return
	}
	select {
	case <-sub.ch:
		sub.inflight.Add(-1)
		t.recordDrop(ctx, sub)
	default:
	}
	select {
	case sub.ch <- evt:
	default:
		sub.inflight.Add(-1)
		t.recordDrop(ctx, sub)
	}
}

// retrySend gives the consumer a chance to free a slot before the oldest
// notification is evicted.
func (t *Topic[T]) retrySend(ctx context.Context, sub *subscriber[T], evt T) bool {
	if t.cfg.FullWait <= 0 {
		runtime.Gosched()
		select {
		case sub.ch <- evt:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(t.cfg.FullWait)
	defer timer.Stop()
	select {
	case sub.ch <- evt:
		return true
	case <-timer.C:
	case <-ctx.Done():
	case <-sub.ctx.Done():
	}
	return false
}

func (t *Topic[T]) recordDrop(ctx context.Context, sub *subscriber[T]) {
	n := sub.dropped.Add(1)
	t.dropped.Add(1)
	if n == 1 || n%1000 == 0 {
		t.log.Warn("subscriber buffer full; dropped oldest notification",
			observability.F("subscription", string(sub.id)),
			observability.F("dropped", n))
	}
	if t.droppedCounter != nil {
		t.droppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(t.name)...))
	}
}

func (t *Topic[T]) run(sub *subscriber[T]) {
	defer close(sub.done)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case evt := <-sub.ch:
			t.invoke(sub, evt)
			sub.inflight.Add(-1)
		}
	}
}

func (t *Topic[T]) invoke(sub *subscriber[T], evt T) {
	var catcher panics.Catcher
	catcher.Try(func() { sub.fn(evt) })
	if r := catcher.Recovered(); r != nil {
		t.panicked.Add(1)
		t.log.Error("subscriber callback panicked",
			observability.F("subscription", string(sub.id)),
			observability.F("panic", fmt.Sprint(r.Value)))
		if t.panicCounter != nil {
			t.panicCounter.Add(context.Background(), 1, metric.WithAttributes(telemetry.TopicAttributes(t.name)...))
		}
	}
}

// Dropped returns the total number of notifications dropped on this topic.
func (t *Topic[T]) Dropped() int64 { return t.dropped.Load() }

// Panics returns the number of callbacks that panicked.
func (t *Topic[T]) Panics() int64 { return t.panicked.Load() }

// DroppedFor returns the drop count of one subscription.
func (t *Topic[T]) DroppedFor(id SubscriptionID) int64 {
	t.mu.RLock()
	sub, ok := t.subscribers[id]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return sub.dropped.Load()
}

// Subscriptions returns the ids of current subscribers, sorted.
func (t *Topic[T]) Subscriptions() []SubscriptionID {
	t.mu.RLock()
	ids := make([]SubscriptionID, 0, len(t.subscribers))
	for id := range t.subscribers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Drain waits until every subscriber has processed its queued notifications.
func (t *Topic[T]) Drain(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.DrainPoll)
	defer ticker.Stop()
	for {
		if t.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain %s: %w", t.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *Topic[T]) idle() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subscribers {
		if sub.inflight.Load() > 0 {
			return false
		}
	}
	return true
}

// Close removes every subscription and waits for their goroutines to exit.
// It must not be called from a subscriber callback.
func (t *Topic[T]) Close() {
	t.shutdownOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		subs := make([]*subscriber[T], 0, len(t.subscribers))
		for id, sub := range t.subscribers {
			subs = append(subs, sub)
			delete(t.subscribers, id)
		}
		t.mu.Unlock()
		for _, sub := range subs {
			sub.close()
			<-sub.done
		}
	})
}

func (s *subscriber[T]) close() {
	s.once.Do(s.cancel)
}
