// Package async provides keyed worker lanes: tasks sharing a key run one at a
// time in submission order while different keys run in parallel.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/bfxstream/internal/domain/errs"
)

// Task represents a unit of work executed by a lane worker.
type Task func(context.Context) error

// Lanes is a fixed set of single-worker queues selected by key.
type Lanes struct {
	ctx     context.Context
	cancel  context.CancelFunc
	lanes   []chan job
	onError func(error)

	mu      sync.RWMutex
	closing bool
	pending sync.WaitGroup
	workers sync.WaitGroup
	once    sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewLanes starts count workers, each owning a queue of the given depth.
// onError receives task errors and recovered panics; it may be nil.
func NewLanes(count, queue int, onError func(error)) (*Lanes, error) {
	if count <= 0 {
		return nil, errs.New("async", errs.CodeInvalid, errs.WithMessage("lanes must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := new(Lanes)
	l.ctx = ctx
	l.cancel = cancel
	l.onError = onError
	l.lanes = make([]chan job, count)
	for i := range l.lanes {
		l.lanes[i] = make(chan job, queue)
		l.workers.Add(1)
		go l.worker(l.lanes[i])
	}
	return l, nil
}

// Len returns the number of lanes.
func (l *Lanes) Len() int { return len(l.lanes) }

// Submit enqueues fn on the lane for key, blocking while that lane is full.
func (l *Lanes) Submit(ctx context.Context, key int64, fn Task) error {
	if fn == nil {
		return errs.New("async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.RLock()
	if l.closing {
		l.mu.RUnlock()
		return errs.New("async", errs.CodeUnavailable, errs.WithMessage("lanes closed"))
	}
	l.pending.Add(1)
	l.mu.RUnlock()

	lane := l.lanes[laneIndex(key, len(l.lanes))]
	select {
	case <-l.ctx.Done():
		l.pending.Done()
		return errs.New("async", errs.CodeUnavailable, errs.WithMessage("lanes closed"))
	case <-ctx.Done():
		l.pending.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case lane <- job{ctx: ctx, fn: fn}:
		return nil
	}
}

// Close stops the workers immediately; queued tasks are discarded.
func (l *Lanes) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closing = true
		l.mu.Unlock()
		l.cancel()
	})
	l.workers.Wait()
}

// Shutdown stops accepting tasks and waits for queued ones to finish or for
// ctx to expire, then stops the workers.
func (l *Lanes) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(done)
	}()
	var err error
	select {
	case <-ctx.Done():
		err = fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
	}
	l.Close()
	return err
}

func (l *Lanes) worker(jobs <-chan job) {
	defer l.workers.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case j := <-jobs:
			l.run(j)
			l.pending.Done()
		}
	}
}

func (l *Lanes) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			l.report(fmt.Errorf("async: task panic: %v", r))
		}
	}()
	if err := j.fn(j.ctx); err != nil {
		l.report(err)
	}
}

func (l *Lanes) report(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

func laneIndex(key int64, n int) int {
	return int(uint64(key) % uint64(n))
}
