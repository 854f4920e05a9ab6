// Package dispatcher routes decoded frames of one connection to the handler
// bound to their channel id.
package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/bfxstream/internal/app/channel"
	"github.com/coachpo/bfxstream/internal/domain/errs"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/async"
	"github.com/coachpo/bfxstream/internal/infra/telemetry"
	"github.com/coachpo/bfxstream/internal/infra/wire"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Config configures a Dispatcher.
type Config struct {
	// ConnID labels metrics and dropped frames.
	ConnID string
	// Lanes is the number of keyed workers; 0 handles frames inline on the
	// reader goroutine.
	Lanes int
	// LaneQueue is the per-lane queue depth.
	LaneQueue int
	// Account handles channel 0. Nil drops account frames as unroutable.
	Account channel.Handler
	// OnEvent receives control events (subscribed, auth, info, ...).
	OnEvent func(*wire.Event)
	// OnError receives handler failures that are not decode errors.
	OnError func(error)
	DLQ     *observability.DeadLetterQueue
	Logger  observability.Logger
}

// Stats is a point-in-time copy of the dispatcher counters.
type Stats struct {
	Received   int64
	Handled    int64
	Heartbeats int64
	Unroutable int64
	Malformed  int64
	Failed     int64
	// Discarded counts frames that reached a retired binding.
	Discarded int64
}

// Dispatcher demultiplexes one connection's frames. Dispatch must be called
// from a single reader goroutine; frames for one channel id are handled in
// arrival order.
type Dispatcher struct {
	cfg      Config
	registry *channel.Registry
	lanes    *async.Lanes
	account  *channel.Binding
	log      observability.Logger
	clock    func() time.Time

	received   atomic.Int64
	handled    atomic.Int64
	heartbeats atomic.Int64
	unroutable atomic.Int64
	malformed  atomic.Int64
	failed     atomic.Int64
	discarded  atomic.Int64

	framesCounter     metric.Int64Counter
	unroutableCounter metric.Int64Counter
	malformedCounter  metric.Int64Counter
	handleDuration    metric.Float64Histogram
}

// New constructs a dispatcher over registry.
func New(registry *channel.Registry, cfg Config) (*Dispatcher, error) {
	if registry == nil {
		return nil, errs.New(wire.Venue, errs.CodeInvalid, errs.WithMessage("dispatcher requires a channel registry"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Log()
	}
	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		log:      observability.With(logger, observability.F("component", "dispatcher"), observability.F("conn", cfg.ConnID)),
		clock:    time.Now,
	}
	if cfg.Account != nil {
		d.account = &channel.Binding{
			ChanID:  schema.AccountChannelID,
			Key:     schema.SubscriptionKey{Kind: schema.ChannelAccount},
			Handler: cfg.Account,
		}
	}
	if cfg.Lanes > 0 {
		lanes, err := async.NewLanes(cfg.Lanes, cfg.LaneQueue, d.reportFailure)
		if err != nil {
			return nil, err
		}
		d.lanes = lanes
	}

	meter := otel.Meter("dispatcher")
	d.framesCounter, _ = meter.Int64Counter("dispatcher.frames.received",
		metric.WithDescription("Number of frames received from the connection"),
		metric.WithUnit("{frame}"))
	d.unroutableCounter, _ = meter.Int64Counter("dispatcher.frames.unroutable",
		metric.WithDescription("Number of data frames without a channel binding"),
		metric.WithUnit("{frame}"))
	d.malformedCounter, _ = meter.Int64Counter("dispatcher.frames.malformed",
		metric.WithDescription("Number of frames that failed to decode"),
		metric.WithUnit("{frame}"))
	d.handleDuration, _ = meter.Float64Histogram("dispatcher.handle.duration",
		metric.WithDescription("Channel handler duration"),
		metric.WithUnit("ms"))
	return d, nil
}

// Dispatch decodes and routes one raw frame. Frame level failures are
// counted and contained; the returned error is only set when the lanes have
// been shut down.
func (d *Dispatcher) Dispatch(ctx context.Context, epoch uint64, raw []byte) error {
	d.received.Add(1)
	frame, err := wire.Decode(raw)
	if err != nil {
		d.dropMalformed(ctx, raw, err)
		return nil
	}
	if d.framesCounter != nil {
		d.framesCounter.Add(ctx, 1, metric.WithAttributes(telemetry.FrameAttributes(d.cfg.ConnID, "", frame.Kind.String())...))
	}
	switch frame.Kind {
	case wire.KindEvent:
		if d.cfg.OnEvent != nil {
			d.cfg.OnEvent(frame.Event)
		}
		return nil
	case wire.KindHeartbeat:
		d.heartbeats.Add(1)
		d.registry.Touch(frame.Data.ChanID)
		return nil
	default:
		return d.route(ctx, epoch, raw, frame.Data)
	}
}

func (d *Dispatcher) route(ctx context.Context, epoch uint64, raw []byte, data *wire.DataFrame) error {
	var binding *channel.Binding
	if data.ChanID == schema.AccountChannelID {
		binding = d.account
	} else if b, ok := d.registry.Lookup(epoch, data.ChanID); ok {
		binding = b
		d.registry.Touch(data.ChanID)
	}
	if binding == nil || binding.Handler == nil {
		d.dropUnroutable(ctx, data)
		return nil
	}
	if d.lanes == nil {
		d.handle(ctx, binding, raw, data)
		return nil
	}
	return d.lanes.Submit(ctx, data.ChanID, func(ctx context.Context) error {
		d.handle(ctx, binding, raw, data)
		return nil
	})
}

func (d *Dispatcher) handle(ctx context.Context, binding *channel.Binding, raw []byte, data *wire.DataFrame) {
	if !binding.Active() {
		d.discarded.Add(1)
		return
	}
	start := d.clock()
	err := binding.Handler.Handle(ctx, binding, data)
	if d.handleDuration != nil {
		d.handleDuration.Record(ctx, float64(d.clock().Sub(start).Microseconds())/1000,
			metric.WithAttributes(telemetry.FrameAttributes(d.cfg.ConnID, string(binding.Key.Kind), data.Tag)...))
	}
	switch {
	case err == nil:
		d.handled.Add(1)
	case errors.Is(err, errs.ErrMalformedFrame):
		d.dropMalformed(ctx, raw, err)
	default:
		d.reportFailure(err)
	}
}

func (d *Dispatcher) dropMalformed(ctx context.Context, raw []byte, err error) {
	d.malformed.Add(1)
	if d.malformedCounter != nil {
		d.malformedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.FrameAttributes(d.cfg.ConnID, "", "")...))
	}
	d.cfg.DLQ.Offer(observability.DroppedFrame{
		At:     d.clock(),
		ConnID: d.cfg.ConnID,
		Reason: err.Error(),
		Raw:    string(raw),
	})
	d.log.Debug("dropping malformed frame", observability.Err(err))
}

func (d *Dispatcher) dropUnroutable(ctx context.Context, data *wire.DataFrame) {
	n := d.unroutable.Add(1)
	if d.unroutableCounter != nil {
		d.unroutableCounter.Add(ctx, 1, metric.WithAttributes(telemetry.FrameAttributes(d.cfg.ConnID, "", data.Tag)...))
	}
	if n == 1 || n%1000 == 0 {
		d.log.Debug("dropping unroutable frame", observability.F("chanId", data.ChanID), observability.F("count", n))
	}
}

func (d *Dispatcher) reportFailure(err error) {
	d.failed.Add(1)
	d.log.Warn("channel handler failed", observability.Err(err))
	if d.cfg.OnError != nil {
		d.cfg.OnError(err)
	}
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:   d.received.Load(),
		Handled:    d.handled.Load(),
		Heartbeats: d.heartbeats.Load(),
		Unroutable: d.unroutable.Load(),
		Malformed:  d.malformed.Load(),
		Failed:     d.failed.Load(),
		Discarded:  d.discarded.Load(),
	}
}

// Drain waits until every submitted frame has been handled, then stops the
// lanes. Inline dispatchers return immediately.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if d.lanes == nil {
		return nil
	}
	return d.lanes.Shutdown(ctx)
}

// Close stops the lanes, discarding queued frames.
func (d *Dispatcher) Close() {
	if d.lanes != nil {
		d.lanes.Close()
	}
}
