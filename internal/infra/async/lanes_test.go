package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLanesPreserveOrderPerKey(t *testing.T) {
	lanes, err := NewLanes(4, 8, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[int64][]int)
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		key := int64(i % 5)
		seq := i
		require.NoError(t, lanes.Submit(ctx, key, func(context.Context) error {
			mu.Lock()
			seen[key] = append(seen[key], seq)
			mu.Unlock()
			return nil
		}))
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, lanes.Shutdown(shutdownCtx))

	total := 0
	for key, list := range seen {
		total += len(list)
		for i := 1; i < len(list); i++ {
			if list[i] <= list[i-1] {
				t.Fatalf("key %d out of order: %v", key, list)
			}
		}
	}
	require.Equal(t, 200, total)
}

func TestLanesReportErrorsAndPanics(t *testing.T) {
	var reported atomic.Int32
	lanes, err := NewLanes(1, 4, func(error) { reported.Add(1) })
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, lanes.Submit(ctx, 1, func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, lanes.Submit(ctx, 1, func(context.Context) error { panic("bad handler") }))
	var ran atomic.Bool
	require.NoError(t, lanes.Submit(ctx, 1, func(context.Context) error { ran.Store(true); return nil }))

	require.NoError(t, lanes.Shutdown(context.Background()))
	require.Equal(t, int32(2), reported.Load())
	require.True(t, ran.Load(), "lane must keep running after a panic")
}

func TestLanesRejectAfterClose(t *testing.T) {
	lanes, err := NewLanes(2, 1, nil)
	require.NoError(t, err)
	lanes.Close()
	err = lanes.Submit(context.Background(), 1, func(context.Context) error { return nil })
	require.Error(t, err)
}

func TestNewLanesValidates(t *testing.T) {
	_, err := NewLanes(0, 1, nil)
	require.Error(t, err)
}
