// Package session drives one WebSocket connection through its lifecycle:
// dial, authenticate, replay desired subscriptions, watch heartbeats and
// reconnect with backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/bfxstream/internal/app/channel"
	"github.com/coachpo/bfxstream/internal/app/dispatcher"
	"github.com/coachpo/bfxstream/internal/app/handler"
	"github.com/coachpo/bfxstream/internal/domain/errs"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/auth"
	"github.com/coachpo/bfxstream/internal/infra/telemetry"
	"github.com/coachpo/bfxstream/internal/infra/transport"
	"github.com/coachpo/bfxstream/internal/infra/wire"
	"github.com/coachpo/bfxstream/internal/observability"
)

// State is the lifecycle state of a session.
type State string

const (
	StateDisconnected    State = "DISCONNECTED"
	StateConnecting      State = "CONNECTING"
	StateConnectedUnauth State = "CONNECTED_UNAUTH"
	StateAuthenticating  State = "AUTHENTICATING"
	StateReady           State = "READY"
	StateReconnecting    State = "RECONNECTING"
	StateClosed          State = "CLOSED"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("session: already running")

// StateChange describes one lifecycle transition.
type StateChange struct {
	ConnID string
	From   State
	To     State
	// Err is the failure that caused the transition, if any.
	Err error
	At  time.Time
}

// SubscriptionFailure reports a subscription the server rejected or never
// acknowledged.
type SubscriptionFailure struct {
	ConnID string
	Key    schema.SubscriptionKey
	Err    error
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ConnID     string
	State      State
	Epoch      uint64
	Connects   int64
	Reconnects int64
	Bound      int
	Desired    int
	Pending    int
	Dispatcher dispatcher.Stats
}

// Config configures a Session.
type Config struct {
	URL    string
	Dialer transport.Dialer
	// Signer authenticates the connection. Nil keeps the session public.
	Signer   *auth.Signer
	Handlers handler.Set

	HeartbeatTimeout time.Duration
	// ChannelTimeout forces a reconnect when a bound channel stays silent
	// for longer. Zero disables the check.
	ChannelTimeout   time.Duration
	SubscribeTimeout time.Duration
	AuthTimeout      time.Duration
	AuthRetries      int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ControlRate      float64
	ControlBurst     int

	Lanes     int
	LaneQueue int
	DLQ       *observability.DeadLetterQueue
	Logger    observability.Logger

	OnState               func(StateChange)
	OnError               func(error)
	OnSubscriptionFailure func(SubscriptionFailure)
}

func (c *Config) normalise() {
	if c.URL == "" {
		c.URL = transport.DefaultURL
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.AuthRetries <= 0 {
		c.AuthRetries = 3
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ControlRate <= 0 {
		c.ControlRate = 10
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = 5
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
}

// Session owns one logical connection. The desired subscription set survives
// reconnects; channel bindings do not.
type Session struct {
	cfg      Config
	id       string
	registry *channel.Registry
	dispatch *dispatcher.Dispatcher
	limiter  *rate.Limiter
	log      observability.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	changed chan struct{}
	conn    *connection

	running    atomic.Bool
	connects   atomic.Int64
	reconnects atomic.Int64

	connectCounter  metric.Int64Counter
	authCounter     metric.Int64Counter
	failureCounter  metric.Int64Counter
	controlCounter  metric.Int64Counter
	stateTransition metric.Int64Counter
}

// New constructs a session. It does not dial until Run.
func New(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, errs.New(wire.Venue, errs.CodeInvalid, errs.WithMessage("session requires a dialer"))
	}
	cfg.normalise()

	s := &Session{
		cfg:      cfg,
		id:       uuid.NewString(),
		registry: channel.NewRegistry(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlBurst),
		now:      time.Now,
		state:    StateDisconnected,
		changed:  make(chan struct{}),
	}
	s.log = observability.With(cfg.Logger, observability.F("component", "session"), observability.F("conn", s.id))

	var account channel.Handler
	if cfg.Signer != nil {
		account = cfg.Handlers.For(schema.ChannelAccount)
	}
	d, err := dispatcher.New(s.registry, dispatcher.Config{
		ConnID:    s.id,
		Lanes:     cfg.Lanes,
		LaneQueue: cfg.LaneQueue,
		Account:   account,
		OnEvent:   s.onEvent,
		OnError:   s.reportError,
		DLQ:       cfg.DLQ,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session dispatcher: %w", err)
	}
	s.dispatch = d

	meter := otel.Meter("session")
	s.connectCounter, _ = meter.Int64Counter("session.connects",
		metric.WithDescription("Number of dial attempts by result"),
		metric.WithUnit("{attempt}"))
	s.authCounter, _ = meter.Int64Counter("session.auth.attempts",
		metric.WithDescription("Number of authentication attempts by result"),
		metric.WithUnit("{attempt}"))
	s.failureCounter, _ = meter.Int64Counter("session.subscription.failures",
		metric.WithDescription("Number of rejected or timed out subscriptions"),
		metric.WithUnit("{subscription}"))
	s.controlCounter, _ = meter.Int64Counter("session.control.sent",
		metric.WithDescription("Number of control messages queued for the connection"),
		metric.WithUnit("{message}"))
	s.stateTransition, _ = meter.Int64Counter("session.state.transitions",
		metric.WithDescription("Number of lifecycle state transitions"),
		metric.WithUnit("{transition}"))
	return s, nil
}

// ID returns the session's connection id.
func (s *Session) ID() string { return s.id }

// Authenticated reports whether the session carries the account channel.
func (s *Session) Authenticated() bool { return s.cfg.Signer != nil }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Await blocks until the session reaches want or ctx ends.
func (s *Session) Await(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		state, changed := s.state, s.changed
		s.mu.Unlock()
		if state == want {
			return nil
		}
		if state == StateClosed {
			return fmt.Errorf("session %s closed while waiting for %s", s.id, want)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run connects and keeps the connection alive until ctx ends. It returns nil
// on cancellation and an ErrAuthentication error when authentication is
// exhausted.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.shutdown()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectInitial
	bo.MaxInterval = s.cfg.ReconnectMax

	for {
		err := s.runConnection(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errs.ErrAuthentication) {
			s.reportError(err)
			return err
		}
		s.reportError(fmt.Errorf("connection loop: %w", err))
		s.reconnects.Add(1)
		s.setState(StateReconnecting, err)

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = s.cfg.ReconnectMax
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Session) shutdown() {
	s.setState(StateClosed, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.dispatch.Drain(ctx); err != nil {
		s.log.Warn("dispatcher drain incomplete", observability.Err(err))
		s.dispatch.Close()
	}
}

// Subscribe adds key to the desired set and requests it when the connection
// is ready. Requesting an already desired key is a no-op.
func (s *Session) Subscribe(ctx context.Context, key schema.SubscriptionKey) error {
	key = key.Normalise()
	if key.Kind == schema.ChannelAccount || !key.Kind.Valid() {
		return errs.New(wire.Venue, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("cannot subscribe to channel kind %q", key.Kind)))
	}
	if s.cfg.Handlers.For(key.Kind) == nil {
		return errs.New(wire.Venue, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("no handler for channel kind %q", key.Kind)))
	}
	if !s.registry.AddDesired(key) {
		return nil
	}
	c, ready := s.current()
	if c == nil || !ready {
		return nil
	}
	return s.requestSubscribe(ctx, c, key)
}

// Unsubscribe removes key from the desired set and closes its channel. The
// binding is kept until the server acknowledges.
func (s *Session) Unsubscribe(ctx context.Context, key schema.SubscriptionKey) error {
	key = key.Normalise()
	if !s.registry.RemoveDesired(key) {
		return errs.New(wire.Venue, errs.CodeNotFound, errs.WithMessage("not subscribed: "+key.String()))
	}
	s.registry.Retire(key)
	s.mu.Lock()
	c, ready := s.conn, s.state == StateReady
	if c != nil {
		delete(c.pending, key.String())
	}
	s.mu.Unlock()

	chanID, bound := s.registry.ChanID(key)
	if c == nil || !ready || !bound {
		return nil
	}
	return s.send(ctx, c, wire.UnsubscribeRequest{Event: "unsubscribe", ChanID: chanID}, "unsubscribe")
}

// Desired returns the desired subscriptions in request order.
func (s *Session) Desired() []schema.SubscriptionKey { return s.registry.SnapshotDesired() }

// Load returns the number of desired channels, used for placement.
func (s *Session) Load() int { return s.registry.DesiredCount() }

// IsDesired reports whether key is part of the desired set.
func (s *Session) IsDesired(key schema.SubscriptionKey) bool { return s.registry.IsDesired(key) }

// ChanID returns the channel id currently bound to key.
func (s *Session) ChanID(key schema.SubscriptionKey) (int64, bool) { return s.registry.ChanID(key) }

// Bindings returns the live channel bindings.
func (s *Session) Bindings() []*channel.Binding { return s.registry.Bindings() }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	state := s.state
	pending := 0
	if s.conn != nil {
		pending = len(s.conn.pending)
	}
	s.mu.Unlock()
	return Stats{
		ConnID:     s.id,
		State:      state,
		Epoch:      s.registry.Epoch(),
		Connects:   s.connects.Load(),
		Reconnects: s.reconnects.Load(),
		Bound:      len(s.registry.Bindings()),
		Desired:    s.registry.DesiredCount(),
		Pending:    pending,
		Dispatcher: s.dispatch.Stats(),
	}
}

func (s *Session) current() (*connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.state == StateReady
}

func (s *Session) setState(to State, cause error) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if s.stateTransition != nil {
		s.stateTransition.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.ConnectionAttributes(s.id, string(to))...))
	}
	fields := []observability.Field{observability.F("from", from), observability.F("to", to)}
	if cause != nil {
		fields = append(fields, observability.Err(cause))
	}
	s.log.Info("session state changed", fields...)
	if s.cfg.OnState != nil {
		s.cfg.OnState(StateChange{ConnID: s.id, From: from, To: to, Err: cause, At: s.now()})
	}
}

func (s *Session) reportError(err error) {
	if err == nil {
		return
	}
	s.log.Warn("session error", observability.Err(err))
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func (s *Session) subscriptionFailed(key schema.SubscriptionKey, err error) {
	if s.failureCounter != nil {
		s.failureCounter.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.CommandAttributes(s.id, "subscribe", string(errs.CanonicalOf(err)))...))
	}
	s.log.Warn("subscription failed", observability.F("key", key.String()), observability.Err(err))
	if s.cfg.OnSubscriptionFailure != nil {
		s.cfg.OnSubscriptionFailure(SubscriptionFailure{ConnID: s.id, Key: key, Err: err})
	}
}
