package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// FakeDialer hands out in-memory connections. Tests drive the server side
// through the returned FakeConn values.
type FakeDialer struct {
	conns chan *FakeConn
	dials atomic.Int64

	mu   sync.Mutex
	fail func(attempt int64) error
}

// NewFakeDialer creates a dialer whose connections can be fetched with Next.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{conns: make(chan *FakeConn, 64)}
}

// FailWith makes Dial return fn's error when it is non-nil.
func (d *FakeDialer) FailWith(fn func(attempt int64) error) {
	d.mu.Lock()
	d.fail = fn
	d.mu.Unlock()
}

// Dials returns the number of Dial calls.
func (d *FakeDialer) Dials() int64 { return d.dials.Load() }

// Dial implements Dialer.
func (d *FakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	attempt := d.dials.Add(1)
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		if err := fail(attempt); err != nil {
			return nil, err
		}
	}
	conn := NewFakeConn(url)
	select {
	case d.conns <- conn:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return conn, nil
}

// Next waits for the next dialled connection.
func (d *FakeDialer) Next(ctx context.Context) (*FakeConn, error) {
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FakeConn is an in-memory Conn.
type FakeConn struct {
	URL string

	inbound chan []byte
	sent    chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	readErr error
}

// NewFakeConn creates an open connection.
func NewFakeConn(url string) *FakeConn {
	return &FakeConn{
		URL:     url,
		inbound: make(chan []byte, 1024),
		sent:    make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

// Push queues a server frame for Read.
func (c *FakeConn) Push(frame string) {
	select {
	case c.inbound <- []byte(frame):
	case <-c.closed:
	}
}

// NextSent waits for the next frame the client wrote.
func (c *FakeConn) NextSent(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.sent:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drop simulates the server closing the socket; pending reads fail with err
// (ErrClosed when nil).
func (c *FakeConn) Drop(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
}

// Closed reports whether either side closed the connection.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Read implements Conn. Queued frames are delivered before the close.
func (c *FakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements Conn.
func (c *FakeConn) Write(ctx context.Context, data []byte) error {
	if c.Closed() {
		return errors.New("fake transport: write on closed connection")
	}
	select {
	case c.sent <- append([]byte(nil), data...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Conn.
func (c *FakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
