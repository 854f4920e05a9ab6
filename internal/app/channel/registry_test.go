package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/wire"
)

var noopHandler = HandlerFunc(func(context.Context, *Binding, *wire.DataFrame) error { return nil })

func bookKey(symbol string) schema.SubscriptionKey {
	return schema.SubscriptionKey{Kind: schema.ChannelOrderBook, Symbol: symbol}
}

func TestBindLookupUnbind(t *testing.T) {
	reg := NewRegistry()
	epoch := reg.Epoch()

	b, err := reg.Bind(epoch, 10, bookKey("tBTCUSD"), noopHandler)
	require.NoError(t, err)
	require.Equal(t, int64(10), b.ChanID)

	got, ok := reg.Lookup(epoch, 10)
	require.True(t, ok)
	require.Same(t, b, got)

	id, ok := reg.ChanID(bookKey("tBTCUSD"))
	require.True(t, ok)
	require.Equal(t, int64(10), id)

	_, ok = reg.Unbind(10)
	require.True(t, ok)
	_, ok = reg.Lookup(epoch, 10)
	require.False(t, ok)
	_, ok = reg.ChanID(bookKey("tBTCUSD"))
	require.False(t, ok)
}

func TestRetireKeepsBindingRoutable(t *testing.T) {
	reg := NewRegistry()
	epoch := reg.Epoch()
	b, err := reg.Bind(epoch, 10, bookKey("tBTCUSD"), noopHandler)
	require.NoError(t, err)
	require.True(t, b.Active())

	retired, ok := reg.Retire(bookKey("tBTCUSD"))
	require.True(t, ok)
	require.Same(t, b, retired)
	require.False(t, b.Active())
	got, ok := reg.Lookup(epoch, 10)
	require.True(t, ok)
	require.Same(t, b, got)

	_, ok = reg.Retire(bookKey("tETHUSD"))
	require.False(t, ok)

	other, err := reg.Bind(epoch, 11, bookKey("tETHUSD"), noopHandler)
	require.NoError(t, err)
	reg.Invalidate()
	require.False(t, other.Active())
}

func TestBindOverwritesReusedID(t *testing.T) {
	reg := NewRegistry()
	epoch := reg.Epoch()
	_, err := reg.Bind(epoch, 10, bookKey("tBTCUSD"), noopHandler)
	require.NoError(t, err)
	_, err = reg.Bind(epoch, 10, bookKey("tETHUSD"), noopHandler)
	require.NoError(t, err)

	b, ok := reg.Lookup(epoch, 10)
	require.True(t, ok)
	require.Equal(t, "tETHUSD", b.Key.Symbol)
	_, ok = reg.ChanID(bookKey("tBTCUSD"))
	require.False(t, ok)
}

func TestInvalidateRejectsOldEpoch(t *testing.T) {
	reg := NewRegistry()
	old := reg.Epoch()
	_, err := reg.Bind(old, 10, bookKey("tBTCUSD"), noopHandler)
	require.NoError(t, err)
	reg.AddDesired(bookKey("tBTCUSD"))

	next := reg.Invalidate()
	require.Greater(t, next, old)

	_, ok := reg.Lookup(old, 10)
	require.False(t, ok, "old binding must not route after invalidation")
	_, ok = reg.Lookup(next, 10)
	require.False(t, ok)

	_, err = reg.Bind(old, 11, bookKey("tBTCUSD"), noopHandler)
	require.True(t, errors.Is(err, ErrStaleEpoch))

	require.Equal(t, []schema.SubscriptionKey{bookKey("tBTCUSD").Normalise()}, reg.SnapshotDesired())
}

func TestDesiredSetKeepsInsertionOrder(t *testing.T) {
	reg := NewRegistry()
	keys := []schema.SubscriptionKey{
		bookKey("tBTCUSD"),
		{Kind: schema.ChannelTicker, Symbol: "tETHUSD"},
		{Kind: schema.ChannelCandles, Symbol: "tBTCUSD", Timeframe: "5m"},
	}
	for _, k := range keys {
		require.True(t, reg.AddDesired(k))
	}
	require.False(t, reg.AddDesired(keys[0]))
	require.True(t, reg.RemoveDesired(keys[1]))

	snapshot := reg.SnapshotDesired()
	require.Len(t, snapshot, 2)
	require.Equal(t, keys[0].String(), snapshot[0].String())
	require.Equal(t, keys[2].String(), snapshot[1].String())
}

func TestStaleBindings(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1_700_000_000, 0)
	current := base
	reg.now = func() time.Time { return current }

	epoch := reg.Epoch()
	_, err := reg.Bind(epoch, 1, bookKey("tBTCUSD"), noopHandler)
	require.NoError(t, err)
	_, err = reg.Bind(epoch, 2, bookKey("tETHUSD"), noopHandler)
	require.NoError(t, err)

	current = base.Add(50 * time.Second)
	reg.Touch(2)

	stale := reg.Stale(base.Add(61*time.Second), time.Minute)
	require.Len(t, stale, 1)
	require.Equal(t, int64(1), stale[0].ChanID)
}

func TestConcurrentLookupDuringRebind(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			epoch := reg.Epoch()
			if b, ok := reg.Lookup(epoch, 7); ok {
				if b.Handler == nil || b.Key.Symbol == "" {
					t.Errorf("observed partially constructed binding")
					return
				}
			}
		}
	}()

	for i := 0; i < 500; i++ {
		epoch := reg.Invalidate()
		_, _ = reg.Bind(epoch, 7, bookKey("tBTCUSD"), noopHandler)
	}
	close(stop)
	wg.Wait()
}
