package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/bfxstream/internal/domain/errs"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/telemetry"
	"github.com/coachpo/bfxstream/internal/infra/transport"
	"github.com/coachpo/bfxstream/internal/infra/wire"
	"github.com/coachpo/bfxstream/internal/observability"
)

const (
	outboxSize = 256
	// supportedVersion is the protocol version announced in the info event.
	supportedVersion = 2
	// maxSubscribeAttempts bounds requests per key and connection.
	maxSubscribeAttempts = 2
)

var errLocalClose = errors.New("session: connection closed locally")

type pendingSub struct {
	key      schema.SubscriptionKey
	sentAt   time.Time
	attempts int
}

// connection is the per-socket state of a session. pending is guarded by
// Session.mu.
type connection struct {
	conn   transport.Conn
	epoch  uint64
	ctx    context.Context
	cancel context.CancelCauseFunc
	outbox chan []byte
	authCh chan *wire.Event

	lastFrame atomic.Int64
	lastPing  atomic.Int64
	paused    atomic.Bool
	pending   map[string]*pendingSub
}

func newConnection(parent context.Context, conn transport.Conn, epoch uint64, now time.Time) *connection {
	ctx, cancel := context.WithCancelCause(parent)
	c := &connection{
		conn:    conn,
		epoch:   epoch,
		ctx:     ctx,
		cancel:  cancel,
		outbox:  make(chan []byte, outboxSize),
		authCh:  make(chan *wire.Event, 1),
		pending: make(map[string]*pendingSub),
	}
	c.lastFrame.Store(now.UnixNano())
	return c
}

// fail closes the connection; the first cause wins.
func (c *connection) fail(err error) {
	if err == nil {
		err = errLocalClose
	}
	c.cancel(err)
}

func (c *connection) err() error {
	return context.Cause(c.ctx)
}

// runConnection dials once and serves the connection until it fails.
func (s *Session) runConnection(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	s.setState(StateConnecting, nil)
	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		s.countConnect(ctx, "error")
		return errs.New(wire.Venue, errs.CodeNetwork,
			errs.WithMessage("dial "+s.cfg.URL), errs.WithCause(err))
	}
	s.countConnect(ctx, "success")
	s.connects.Add(1)

	epoch := s.registry.Invalidate()
	c := newConnection(ctx, conn, epoch, s.now())
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()

	var wg conc.WaitGroup
	wg.Go(func() { c.fail(s.readLoop(c)) })
	wg.Go(func() { c.fail(s.writeLoop(c)) })
	defer func() {
		c.fail(nil)
		_ = conn.Close()
		wg.Wait()
		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		s.mu.Unlock()
		s.registry.Invalidate()
	}()

	s.setState(StateConnectedUnauth, nil)
	if s.cfg.Signer != nil {
		if err := s.authenticate(c); err != nil {
			return err
		}
	}
	bo.Reset()
	s.setState(StateReady, nil)
	s.replay(c)
	return s.supervise(c)
}

func (s *Session) readLoop(c *connection) error {
	for {
		data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return c.err()
			}
			return errs.New(wire.Venue, errs.CodeNetwork, errs.WithMessage("read"), errs.WithCause(err))
		}
		c.lastFrame.Store(s.now().UnixNano())
		if err := s.dispatch.Dispatch(c.ctx, c.epoch, data); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
	}
}

func (s *Session) writeLoop(c *connection) error {
	for {
		select {
		case <-c.ctx.Done():
			return c.err()
		case data := <-c.outbox:
			if err := s.limiter.Wait(c.ctx); err != nil {
				return c.err()
			}
			if err := c.conn.Write(c.ctx, data); err != nil {
				return errs.New(wire.Venue, errs.CodeNetwork, errs.WithMessage("write"), errs.WithCause(err))
			}
		}
	}
}

// send queues a control message; the write loop paces it through the limiter.
func (s *Session) send(ctx context.Context, c *connection, req any, command string) error {
	data, err := wire.Encode(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", command, err)
	}
	if ctx == nil {
		ctx = c.ctx
	}
	result := "queued"
	defer func() {
		if s.controlCounter != nil {
			s.controlCounter.Add(c.ctx, 1, metric.WithAttributes(telemetry.CommandAttributes(s.id, command, result)...))
		}
	}()
	select {
	case c.outbox <- data:
		return nil
	case <-c.ctx.Done():
		result = "closed"
		return c.err()
	case <-ctx.Done():
		result = "cancelled"
		return ctx.Err()
	}
}

func (s *Session) authenticate(c *connection) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectInitial
	bo.MaxInterval = s.cfg.ReconnectMax

	var last error
	for attempt := 1; attempt <= s.cfg.AuthRetries; attempt++ {
		s.setState(StateAuthenticating, last)
		select {
		case <-c.authCh:
		default:
		}
		if err := s.send(c.ctx, c, s.cfg.Signer.Request(), "auth"); err != nil {
			return err
		}

		evt, err := s.awaitAuth(c)
		switch {
		case err != nil && c.ctx.Err() != nil:
			return c.err()
		case err != nil:
			last = err
		case evt.OK():
			s.countAuth("ok")
			s.log.Info("authenticated", observability.F("userId", evt.UserID))
			return nil
		default:
			last = errs.New(wire.Venue, errs.CodeAuth,
				errs.WithCanonicalCode(errs.CanonicalAuthenticationFailure),
				errs.WithMessage("authentication rejected"),
				errs.WithRawCode(strconv.FormatInt(evt.Code, 10)),
				errs.WithRawMessage(evt.Msg))
		}
		s.countAuth("failed")
		s.log.Warn("authentication attempt failed", observability.F("attempt", attempt), observability.Err(last))
		if attempt == s.cfg.AuthRetries {
			break
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return c.err()
		case <-timer.C:
		}
	}
	return errs.New(wire.Venue, errs.CodeAuth,
		errs.WithCanonicalCode(errs.CanonicalAuthenticationFailure),
		errs.WithMessage(fmt.Sprintf("authentication failed after %d attempts", s.cfg.AuthRetries)),
		errs.WithCause(last))
}

func (s *Session) awaitAuth(c *connection) (*wire.Event, error) {
	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()
	select {
	case evt := <-c.authCh:
		return evt, nil
	case <-timer.C:
		return nil, errs.New(wire.Venue, errs.CodeAuth,
			errs.WithCanonicalCode(errs.CanonicalAuthenticationFailure),
			errs.WithMessage(fmt.Sprintf("no auth response within %s", s.cfg.AuthTimeout)))
	case <-c.ctx.Done():
		return nil, c.err()
	}
}

// replay requests every desired key on a fresh connection.
func (s *Session) replay(c *connection) {
	for _, key := range s.registry.SnapshotDesired() {
		if err := s.requestSubscribe(c.ctx, c, key); err != nil {
			return
		}
	}
}

func (s *Session) requestSubscribe(ctx context.Context, c *connection, key schema.SubscriptionKey) error {
	id := key.String()
	s.mu.Lock()
	if _, ok := c.pending[id]; ok {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.registry.ChanID(key); ok {
		s.mu.Unlock()
		return nil
	}
	c.pending[id] = &pendingSub{key: key, sentAt: s.now(), attempts: 1}
	s.mu.Unlock()
	return s.send(ctx, c, wire.NewSubscribeRequest(key), "subscribe")
}

// supervise runs the watchdogs until the connection fails.
func (s *Session) supervise(c *connection) error {
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return c.err()
		case <-ticker.C:
			if err := s.watch(c, s.now()); err != nil {
				return err
			}
		}
	}
}

func (s *Session) tickInterval() time.Duration {
	d := min(s.cfg.HeartbeatTimeout, s.cfg.SubscribeTimeout)
	if s.cfg.ChannelTimeout > 0 {
		d = min(d, s.cfg.ChannelTimeout)
	}
	return min(max(d/4, 5*time.Millisecond), time.Second)
}

func (s *Session) watch(c *connection, now time.Time) error {
	if !c.paused.Load() {
		idle := now.Sub(time.Unix(0, c.lastFrame.Load()))
		if idle > s.cfg.HeartbeatTimeout {
			return errs.New(wire.Venue, errs.CodeUnavailable,
				errs.WithCanonicalCode(errs.CanonicalConnectionStale),
				errs.WithMessage(fmt.Sprintf("no frame for %s", idle.Round(time.Millisecond))))
		}
		if idle > s.cfg.HeartbeatTimeout/2 && now.Sub(time.Unix(0, c.lastPing.Load())) > s.cfg.HeartbeatTimeout/2 {
			c.lastPing.Store(now.UnixNano())
			_ = s.send(c.ctx, c, wire.PingRequest{Event: "ping", CID: now.UnixMilli()}, "ping")
		}
		if stale := s.registry.Stale(now, s.cfg.ChannelTimeout); len(stale) > 0 {
			return errs.New(wire.Venue, errs.CodeUnavailable,
				errs.WithCanonicalCode(errs.CanonicalConnectionStale),
				errs.WithMessage(fmt.Sprintf("channel %d (%s) silent for more than %s",
					stale[0].ChanID, stale[0].Key.String(), s.cfg.ChannelTimeout)))
		}
	}
	s.expirePending(c, now)
	return nil
}

// expirePending retries an unacknowledged subscribe once, then reports it.
// The key stays desired so the next connection requests it again.
func (s *Session) expirePending(c *connection, now time.Time) {
	var resend, failed []schema.SubscriptionKey
	s.mu.Lock()
	for id, p := range c.pending {
		if now.Sub(p.sentAt) < s.cfg.SubscribeTimeout {
			continue
		}
		if p.attempts < maxSubscribeAttempts {
			p.attempts++
			p.sentAt = now
			resend = append(resend, p.key)
			continue
		}
		delete(c.pending, id)
		failed = append(failed, p.key)
	}
	s.mu.Unlock()

	for _, key := range resend {
		s.log.Debug("retrying subscribe", observability.F("key", key.String()))
		_ = s.send(c.ctx, c, wire.NewSubscribeRequest(key), "subscribe")
	}
	for _, key := range failed {
		s.subscriptionFailed(key, errs.New(wire.Venue, errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalSubscriptionTimeout),
			errs.WithMessage(fmt.Sprintf("no ack for %s after %d attempts", key.String(), maxSubscribeAttempts))))
	}
}

// onEvent runs on the reader goroutine so that a binding is installed before
// the first data frame of its channel is dispatched.
func (s *Session) onEvent(evt *wire.Event) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil || evt == nil {
		return
	}
	switch evt.Name {
	case wire.EventSubscribed:
		s.onSubscribed(c, evt)
	case wire.EventUnsubscribed:
		s.onUnsubscribed(c, evt)
	case wire.EventAuth:
		select {
		case c.authCh <- evt:
		default:
		}
	case wire.EventError:
		s.onErrorEvent(c, evt)
	case wire.EventInfo:
		s.onInfo(c, evt)
	default:
		s.log.Debug("control event", observability.F("event", evt.Name))
	}
}

func (s *Session) onSubscribed(c *connection, evt *wire.Event) {
	key := wire.KeyFromEvent(evt)
	s.mu.Lock()
	delete(c.pending, key.String())
	s.mu.Unlock()

	if !s.registry.IsDesired(key) {
		_ = s.send(c.ctx, c, wire.UnsubscribeRequest{Event: "unsubscribe", ChanID: evt.ChanID}, "unsubscribe")
		return
	}
	h := s.cfg.Handlers.For(key.Kind)
	if h == nil {
		s.subscriptionFailed(key, errs.New(wire.Venue, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalSubscriptionRejected),
			errs.WithMessage("no handler for channel kind "+string(key.Kind))))
		return
	}
	if _, err := s.registry.Bind(c.epoch, evt.ChanID, key, h); err != nil {
		s.log.Debug("discarding ack", observability.Err(err))
		return
	}
	s.log.Info("channel bound", observability.F("chanId", evt.ChanID), observability.F("key", key.String()))
}

func (s *Session) onUnsubscribed(c *connection, evt *wire.Event) {
	b, ok := s.registry.Unbind(evt.ChanID)
	if !ok {
		return
	}
	s.log.Info("channel unbound", observability.F("chanId", evt.ChanID), observability.F("key", b.Key.String()))
	if s.registry.IsDesired(b.Key) {
		_ = s.requestSubscribe(c.ctx, c, b.Key)
	}
}

func (s *Session) onErrorEvent(c *connection, evt *wire.Event) {
	rejected := errs.New(wire.Venue, errs.CodeExchange,
		errs.WithCanonicalCode(errs.CanonicalSubscriptionRejected),
		errs.WithRawCode(strconv.FormatInt(evt.Code, 10)),
		errs.WithRawMessage(evt.Msg))
	switch {
	case evt.Channel == "":
		s.reportError(errs.New(wire.Venue, errs.CodeExchange,
			errs.WithRawCode(strconv.FormatInt(evt.Code, 10)),
			errs.WithRawMessage(evt.Msg)))
	case evt.Code == wire.ErrorAlreadySubscribed:
		key := wire.KeyFromEvent(evt)
		s.mu.Lock()
		delete(c.pending, key.String())
		s.mu.Unlock()
		s.subscriptionFailed(key, rejected)
	default:
		key := wire.KeyFromEvent(evt)
		s.mu.Lock()
		delete(c.pending, key.String())
		s.mu.Unlock()
		s.registry.RemoveDesired(key)
		s.subscriptionFailed(key, rejected)
	}
}

func (s *Session) onInfo(c *connection, evt *wire.Event) {
	if evt.Version != 0 && evt.Version != supportedVersion {
		s.reportError(errs.New(wire.Venue, errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("unsupported protocol version %d", evt.Version))))
	}
	switch evt.Code {
	case wire.InfoReconnect:
		s.log.Info("server requested reconnect")
		c.fail(errs.New(wire.Venue, errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalConnectionStale),
			errs.WithMessage("server requested reconnect"),
			errs.WithRawCode(strconv.FormatInt(evt.Code, 10))))
	case wire.InfoMaintenanceStart:
		s.log.Info("maintenance started, pausing watchdogs")
		c.paused.Store(true)
	case wire.InfoMaintenanceEnd:
		s.log.Info("maintenance ended, resubscribing")
		c.lastFrame.Store(s.now().UnixNano())
		c.paused.Store(false)
		s.resubscribeAll(c)
	}
}

// resubscribeAll closes every bound channel and requests it again.
func (s *Session) resubscribeAll(c *connection) {
	for _, b := range s.registry.Bindings() {
		s.registry.Unbind(b.ChanID)
		if err := s.send(c.ctx, c, wire.UnsubscribeRequest{Event: "unsubscribe", ChanID: b.ChanID}, "unsubscribe"); err != nil {
			return
		}
	}
	s.replay(c)
}

func (s *Session) countConnect(ctx context.Context, result string) {
	if s.connectCounter != nil {
		s.connectCounter.Add(ctx, 1, metric.WithAttributes(telemetry.CommandAttributes(s.id, "connect", result)...))
	}
}

func (s *Session) countAuth(result string) {
	if s.authCounter != nil {
		s.authCounter.Add(context.Background(), 1, metric.WithAttributes(telemetry.CommandAttributes(s.id, "auth", result)...))
	}
}
