package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/internal/app/channel"
	"github.com/coachpo/bfxstream/internal/app/handler"
	"github.com/coachpo/bfxstream/internal/app/manager"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/wire"
	"github.com/coachpo/bfxstream/internal/observability"
)

type captured struct {
	mu     sync.Mutex
	frames []string
}

func (c *captured) Handle(_ context.Context, b *channel.Binding, f *wire.DataFrame) error {
	c.mu.Lock()
	c.frames = append(c.frames, fmt.Sprintf("%d:%s", b.ChanID, f.Payload))
	c.mu.Unlock()
	return nil
}

func (c *captured) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func drainDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))
}

func TestDispatchRoutesBoundChannels(t *testing.T) {
	reg := channel.NewRegistry()
	account := &captured{}
	book := &captured{}
	var events []string
	d, err := New(reg, Config{
		ConnID:  "c1",
		Account: account,
		OnEvent: func(e *wire.Event) { events = append(events, e.Name) },
	})
	require.NoError(t, err)

	epoch := reg.Epoch()
	_, err = reg.Bind(epoch, 17, schema.SubscriptionKey{Kind: schema.ChannelOrderBook, Symbol: "tBTCUSD"}, book)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`{"event":"info","version":2}`)))
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`[17,[100,1,1]]`)))
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`[17,"hb"]`)))
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`[0,"wu",["exchange","USD",1,0,1]]`)))
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`[99,[1,1,1]]`)))

	require.Equal(t, []string{"info"}, events)
	require.Equal(t, []string{"17:[100,1,1]"}, book.list())
	require.Len(t, account.list(), 1)

	stats := d.Stats()
	require.Equal(t, int64(5), stats.Received)
	require.Equal(t, int64(2), stats.Handled)
	require.Equal(t, int64(1), stats.Heartbeats)
	require.Equal(t, int64(1), stats.Unroutable)
}

func TestDispatchDiscardsFramesForRetiredBinding(t *testing.T) {
	reg := channel.NewRegistry()
	book := &captured{}
	d, err := New(reg, Config{})
	require.NoError(t, err)

	epoch := reg.Epoch()
	key := schema.SubscriptionKey{Kind: schema.ChannelOrderBook, Symbol: "tBTCUSD"}
	_, err = reg.Bind(epoch, 17, key, book)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`[17,[100,1,1]]`)))
	_, ok := reg.Retire(key)
	require.True(t, ok)
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`[17,[103,1,-2]]`)))

	require.Equal(t, []string{"17:[100,1,1]"}, book.list())
	stats := d.Stats()
	require.Equal(t, int64(1), stats.Handled)
	require.Equal(t, int64(1), stats.Discarded)
	require.Zero(t, stats.Unroutable)
}

func TestDispatchDropsFramesFromInvalidatedEpoch(t *testing.T) {
	reg := channel.NewRegistry()
	book := &captured{}
	d, err := New(reg, Config{})
	require.NoError(t, err)

	old := reg.Epoch()
	_, err = reg.Bind(old, 17, schema.SubscriptionKey{Kind: schema.ChannelOrderBook, Symbol: "tBTCUSD"}, book)
	require.NoError(t, err)
	current := reg.Invalidate()

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, old, []byte(`[17,[100,1,1]]`)))
	require.NoError(t, d.Dispatch(ctx, current, []byte(`[17,[100,1,1]]`)))
	require.Empty(t, book.list())
	require.Equal(t, int64(2), d.Stats().Unroutable)

	// the server may hand the same id to a different subscription
	other := &captured{}
	_, err = reg.Bind(current, 17, schema.SubscriptionKey{Kind: schema.ChannelTicker, Symbol: "tETHUSD"}, other)
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(ctx, current, []byte(`[17,[1,2,3,4,5,6,7,8,9,10]]`)))
	require.Empty(t, book.list())
	require.Len(t, other.list(), 1)
}

func TestDispatchMalformedFramesGoToDLQ(t *testing.T) {
	reg := channel.NewRegistry()
	dlq := observability.NewDeadLetterQueue(8)
	books := manager.NewOrderbookManager(manager.Options{})
	defer books.Close()
	d, err := New(reg, Config{ConnID: "c1", DLQ: dlq})
	require.NoError(t, err)
	epoch := reg.Epoch()
	_, err = reg.Bind(epoch, 5, schema.SubscriptionKey{Kind: schema.ChannelOrderBook, Symbol: "tBTCUSD"}, handler.NewBook(books, handler.Options{}))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`not json`)))
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`[5,[100,1]]`)))
	require.NoError(t, d.Dispatch(ctx, epoch, []byte(`[5,[100,1,1]]`)))

	require.Equal(t, int64(2), d.Stats().Malformed)
	dropped := dlq.Drain()
	require.Len(t, dropped, 2)
	require.Equal(t, "c1", dropped[0].ConnID)
	require.Equal(t, "[5,[100,1]]", dropped[1].Raw)
	book, ok := books.Book(manager.BookKey{Symbol: "tBTCUSD", Precision: "P0"})
	require.True(t, ok)
	require.Len(t, book.Bids, 1)
}

func bookFrames(chanID int64, seed int64, n int) [][]byte {
	rng := rand.New(rand.NewSource(seed))
	frames := make([][]byte, 0, n+1)
	frames = append(frames, []byte(fmt.Sprintf(`[%d,[[100,1,1],[110,1,-1]]]`, chanID)))
	for i := 0; i < n; i++ {
		price := 95 + rng.Intn(20)
		count := rng.Intn(3)
		amount := rng.Intn(5) + 1
		if price >= 105 {
			amount = -amount
		}
		frames = append(frames, []byte(fmt.Sprintf(`[%d,[%d,%d,%d]]`, chanID, price, count, amount)))
	}
	return frames
}

func runBooks(t *testing.T, lanes int, frames map[int64][][]byte) map[int64]schema.OrderBook {
	t.Helper()
	reg := channel.NewRegistry()
	books := manager.NewOrderbookManager(manager.Options{})
	defer books.Close()
	d, err := New(reg, Config{Lanes: lanes, LaneQueue: 16})
	require.NoError(t, err)
	h := handler.NewBook(books, handler.Options{})
	epoch := reg.Epoch()
	for id := range frames {
		_, err := reg.Bind(epoch, id, schema.SubscriptionKey{Kind: schema.ChannelOrderBook, Symbol: fmt.Sprintf("t%dUSD", id)}, h)
		require.NoError(t, err)
	}
	ctx := context.Background()
	// interleave channels the way a single socket would
	for i := 0; ; i++ {
		sent := false
		for _, id := range []int64{1, 2, 3} {
			if i < len(frames[id]) {
				require.NoError(t, d.Dispatch(ctx, epoch, frames[id][i]))
				sent = true
			}
		}
		if !sent {
			break
		}
	}
	drainDispatcher(t, d)
	out := make(map[int64]schema.OrderBook)
	for id := range frames {
		b, ok := books.Book(manager.BookKey{Symbol: fmt.Sprintf("t%dUSD", id), Precision: "P0"})
		require.True(t, ok)
		out[id] = b
	}
	return out
}

func TestDispatchKeepsPerChannelOrderAcrossLanes(t *testing.T) {
	frames := map[int64][][]byte{
		1: bookFrames(1, 1, 500),
		2: bookFrames(2, 2, 500),
		3: bookFrames(3, 3, 500),
	}
	sequential := runBooks(t, 0, frames)
	parallel := runBooks(t, 4, frames)
	for id, want := range sequential {
		got := parallel[id]
		require.Equal(t, len(want.Bids), len(got.Bids), "chan %d bids", id)
		require.Equal(t, len(want.Asks), len(got.Asks), "chan %d asks", id)
		for i := range want.Bids {
			require.True(t, want.Bids[i].Price.Equal(got.Bids[i].Price))
			require.True(t, want.Bids[i].Amount.Equal(got.Bids[i].Amount))
		}
		for i := range want.Asks {
			require.True(t, want.Asks[i].Price.Equal(got.Asks[i].Price))
			require.True(t, want.Asks[i].Amount.Equal(got.Asks[i].Amount))
		}
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
}
