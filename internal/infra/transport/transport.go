// Package transport provides the socket the stream client reads frames from.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/bfxstream/internal/domain/errs"
)

const (
	// DefaultURL is the public and authenticated stream endpoint.
	DefaultURL = "wss://api.bitfinex.com/ws/2"

	defaultReadLimit    = 4 * 1024 * 1024
	defaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Read once the connection has been closed by
// either side with a normal closure.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one socket carrying text frames.
type Conn interface {
	// Read blocks until the next text frame arrives.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials real sockets.
type WebsocketDialer struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	Header       http.Header
	HTTPClient   *http.Client
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, errs.New("transport", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("dial %s", url)),
			errs.WithCause(err))
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &wsConn{conn: conn, writeTimeout: timeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, classifyReadError(err)
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("transport", errs.CodeNetwork, errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

func (c *wsConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if err == nil || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return nil
	}
	return fmt.Errorf("close websocket: %w", err)
}

func classifyReadError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	}
	if status := websocket.CloseStatus(err); status != -1 {
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			return ErrClosed
		}
		return errs.New("transport", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("remote closed with status %d", status)),
			errs.WithCause(err))
	}
	return errs.New("transport", errs.CodeNetwork, errs.WithMessage("read frame"), errs.WithCause(err))
}
