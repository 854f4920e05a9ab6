// Package errs provides the structured error envelope shared by the stream pipeline.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the broad error category.
type Code string

const (
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller or the venue.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a state conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode names the failure independently of the code the server sent.
type CanonicalCode string

const (
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalMalformedFrame marks wire data that is not a valid array or object shape.
	CanonicalMalformedFrame CanonicalCode = "malformed_frame"
	// CanonicalUnroutableChannel marks a data frame whose channel id has no binding.
	CanonicalUnroutableChannel CanonicalCode = "unroutable_channel"
	// CanonicalAuthenticationFailure marks a rejected or timed out auth handshake.
	CanonicalAuthenticationFailure CanonicalCode = "authentication_failure"
	// CanonicalSubscriptionTimeout marks a subscribe request that was never acknowledged.
	CanonicalSubscriptionTimeout CanonicalCode = "subscription_timeout"
	// CanonicalSubscriptionRejected marks a subscribe request answered with an error event.
	CanonicalSubscriptionRejected CanonicalCode = "subscription_rejected"
	// CanonicalStateAnomaly marks an event that contradicts locally held state.
	CanonicalStateAnomaly CanonicalCode = "state_anomaly"
	// CanonicalConnectionStale marks a connection that stopped delivering frames.
	CanonicalConnectionStale CanonicalCode = "connection_stale"
)

// Sentinels usable with errors.Is; matching is by canonical code.
var (
	ErrMalformedFrame       = &E{Canonical: CanonicalMalformedFrame}
	ErrUnroutableChannel    = &E{Canonical: CanonicalUnroutableChannel}
	ErrAuthentication       = &E{Canonical: CanonicalAuthenticationFailure}
	ErrSubscriptionTimeout  = &E{Canonical: CanonicalSubscriptionTimeout}
	ErrSubscriptionRejected = &E{Canonical: CanonicalSubscriptionRejected}
	ErrStateAnomaly         = &E{Canonical: CanonicalStateAnomaly}
	ErrConnectionStale      = &E{Canonical: CanonicalConnectionStale}
)

// E is the error value produced by the decoder, the managers and the
// connection lifecycle.
type E struct {
	// Venue is the producer, usually the exchange name or an internal package.
	Venue     string
	Code      Code
	Canonical CanonicalCode
	Message   string
	// RawCode and RawMsg echo the numeric code and text of a server error event.
	RawCode string
	RawMsg  string
	// Fields carries identifying context such as the channel key or entity id.
	Fields map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an envelope for venue with the given category.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{Venue: strings.TrimSpace(venue), Code: code, Canonical: CanonicalUnknown}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	return func(e *E) { e.Message = strings.TrimSpace(message) }
}

// WithRawCode records the server's numeric error code.
func WithRawCode(code string) Option {
	return func(e *E) { e.RawCode = strings.TrimSpace(code) }
}

// WithRawMessage records the server's error text verbatim.
func WithRawMessage(msg string) Option {
	return func(e *E) { e.RawMsg = msg }
}

// WithCause sets the wrapped error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithCanonicalCode sets the canonical code. Blank input keeps CanonicalUnknown.
func WithCanonicalCode(code CanonicalCode) Option {
	return func(e *E) {
		if c := CanonicalCode(strings.TrimSpace(string(code))); c != "" {
			e.Canonical = c
		}
	}
}

// WithField adds one context field; blank keys are ignored.
func WithField(key, value string) Option {
	return func(e *E) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 2)
		}
		e.Fields[key] = strings.TrimSpace(value)
	}
}

// Error renders "venue: canonical [code]: message (raw ...) k=v: cause".
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	venue := e.Venue
	if venue == "" {
		venue = "unknown"
	}
	b.WriteString(venue)
	b.WriteString(": ")
	if e.Canonical != "" && e.Canonical != CanonicalUnknown {
		b.WriteString(string(e.Canonical))
		b.WriteByte(' ')
	}
	b.WriteString("[")
	if e.Code == "" {
		b.WriteString("unknown")
	} else {
		b.WriteString(string(e.Code))
	}
	b.WriteString("]")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.RawCode != "" || e.RawMsg != "" {
		b.WriteString(" (raw")
		if e.RawCode != "" {
			b.WriteString(" " + e.RawCode)
		}
		if e.RawMsg != "" {
			b.WriteString(" " + strconv.Quote(e.RawMsg))
		}
		b.WriteString(")")
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" " + k + "=" + strconv.Quote(e.Fields[k]))
		}
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.cause }

// Is reports a match when target carries the same known canonical code.
func (e *E) Is(target error) bool {
	var t *E
	if e == nil || !errors.As(target, &t) || t == nil {
		return false
	}
	if t.Canonical == "" || t.Canonical == CanonicalUnknown {
		return false
	}
	return e.Canonical == t.Canonical
}

// CanonicalOf extracts the canonical code from err, or CanonicalUnknown.
func CanonicalOf(err error) CanonicalCode {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Canonical
	}
	return CanonicalUnknown
}
