// Package handler turns channel payloads into typed events and applies them
// to the entity managers.
package handler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/bfxstream/internal/domain/errs"
	"github.com/coachpo/bfxstream/internal/infra/symbols"
	"github.com/coachpo/bfxstream/internal/infra/telemetry"
	"github.com/coachpo/bfxstream/internal/infra/wire"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Unknown is the variant produced for tags this client does not model. It is
// logged and skipped so new exchange message types never break decoding.
type Unknown struct {
	Tag     string
	Payload json.RawMessage
}

type unknownCounter struct {
	count   atomic.Int64
	counter metric.Int64Counter
	log     observability.Logger
}

func newUnknownCounter(logger observability.Logger) *unknownCounter {
	c := &unknownCounter{log: logger}
	c.counter, _ = otel.Meter("handler").Int64Counter("handler.messages.unknown",
		metric.WithDescription("Channel messages with a tag the client does not model"),
		metric.WithUnit("{message}"))
	return c
}

func (c *unknownCounter) observe(ctx context.Context, kind string, u Unknown) {
	n := c.count.Add(1)
	if c.counter != nil {
		c.counter.Add(ctx, 1, metric.WithAttributes(telemetry.FrameAttributes("", kind, u.Tag)...))
	}
	if n == 1 || n%1000 == 0 {
		c.log.Debug("ignoring unknown channel message",
			observability.F("kind", kind),
			observability.F("tag", u.Tag),
			observability.F("count", n))
	}
}

// Options carries the collaborators shared by all handlers.
type Options struct {
	Symbols *symbols.Registry
	Logger  observability.Logger
}

func (o Options) normalize() Options {
	if o.Symbols == nil {
		o.Symbols = symbols.New()
	}
	if o.Logger == nil {
		o.Logger = observability.Log()
	}
	return o
}

func malformed(kind, tag, msg string, cause error) error {
	return errs.New(wire.Venue, errs.CodeInvalid,
		errs.WithCanonicalCode(errs.CanonicalMalformedFrame),
		errs.WithMessage(fmt.Sprintf("%s %s: %s", kind, tag, msg)),
		errs.WithCause(cause),
		errs.WithField("kind", kind),
		errs.WithField("tag", tag),
	)
}

// rows returns the payload as a list of rows: a snapshot yields every row,
// a single update yields one.
func rows(payload json.RawMessage) (items []json.RawMessage, snapshot bool, err error) {
	if wire.IsNested(payload) {
		items, err = wire.SplitArray(payload)
		return items, true, err
	}
	// An empty snapshot arrives as [].
	elems, err := wire.SplitArray(payload)
	if err != nil {
		return nil, false, err
	}
	if len(elems) == 0 {
		return nil, true, nil
	}
	return []json.RawMessage{payload}, false, nil
}

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
