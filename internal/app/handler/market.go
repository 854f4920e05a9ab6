package handler

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bfxstream/internal/app/channel"
	"github.com/coachpo/bfxstream/internal/app/manager"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/wire"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Tag sent with a book checksum.
const TagChecksum = "cs"

// Book handles aggregated order book channels.
type Book struct {
	books   *manager.OrderbookManager
	unknown *unknownCounter
}

// NewBook wires the book handler.
func NewBook(books *manager.OrderbookManager, opts Options) *Book {
	opts = opts.normalize()
	return &Book{books: books, unknown: newUnknownCounter(observability.With(opts.Logger, observability.F("channel", "book")))}
}

// DecodeBookEntries decodes a book payload into entries.
func DecodeBookEntries(payload json.RawMessage) ([]schema.OrderBookEntry, bool, error) {
	items, snapshot, err := rows(payload)
	if err != nil {
		return nil, false, malformed("book", "", "payload is not an array", err)
	}
	out := make([]schema.OrderBookEntry, 0, len(items))
	for _, raw := range items {
		f, err := wire.NewFields(raw)
		if err != nil || f.Len() < 3 {
			return nil, false, malformed("book", "", "entry is not a three element array", err)
		}
		e := schema.OrderBookEntry{Price: f.Decimal(0), Count: f.Int64(1), Amount: f.Decimal(2)}
		if err := f.Err(); err != nil {
			return nil, false, malformed("book", "", "entry field", err)
		}
		out = append(out, e)
	}
	return out, snapshot, nil
}

// Handle implements channel.Handler.
func (h *Book) Handle(ctx context.Context, b *channel.Binding, frame *wire.DataFrame) error {
	if frame.Tag != "" {
		h.unknown.observe(ctx, "book", Unknown{Tag: frame.Tag, Payload: frame.Payload})
		return nil
	}
	entries, snapshot, err := DecodeBookEntries(frame.Payload)
	if err != nil {
		return err
	}
	key := manager.BookKey{Symbol: b.Key.Symbol, Precision: b.Key.Precision}
	if snapshot {
		h.books.ApplySnapshot(ctx, key, entries)
		return nil
	}
	for _, e := range entries {
		h.books.Apply(ctx, key, e)
	}
	return nil
}

// RawBook handles raw (order level) book channels.
type RawBook struct {
	books   *manager.RawOrderbookManager
	unknown *unknownCounter
}

// NewRawBook wires the raw book handler.
func NewRawBook(books *manager.RawOrderbookManager, opts Options) *RawBook {
	opts = opts.normalize()
	return &RawBook{books: books, unknown: newUnknownCounter(observability.With(opts.Logger, observability.F("channel", "rawbook")))}
}

// Handle implements channel.Handler.
func (h *RawBook) Handle(ctx context.Context, b *channel.Binding, frame *wire.DataFrame) error {
	if frame.Tag != "" {
		h.unknown.observe(ctx, "rawbook", Unknown{Tag: frame.Tag, Payload: frame.Payload})
		return nil
	}
	items, snapshot, err := rows(frame.Payload)
	if err != nil {
		return malformed("rawbook", "", "payload is not an array", err)
	}
	entries := make([]schema.RawOrderBookEntry, 0, len(items))
	for _, raw := range items {
		f, err := wire.NewFields(raw)
		if err != nil || f.Len() < 3 {
			return malformed("rawbook", "", "entry is not a three element array", err)
		}
		e := schema.RawOrderBookEntry{OrderID: f.Int64(0), Price: f.Decimal(1), Amount: f.Decimal(2)}
		if err := f.Err(); err != nil {
			return malformed("rawbook", "", "entry field", err)
		}
		entries = append(entries, e)
	}
	if snapshot {
		h.books.ApplySnapshot(ctx, b.Key.Symbol, entries)
		return nil
	}
	for _, e := range entries {
		h.books.Apply(ctx, b.Key.Symbol, e)
	}
	return nil
}

// Ticker handles ticker channels.
type Ticker struct {
	quotes  *manager.QuoteManager
	unknown *unknownCounter
}

// NewTicker wires the ticker handler.
func NewTicker(quotes *manager.QuoteManager, opts Options) *Ticker {
	opts = opts.normalize()
	return &Ticker{quotes: quotes, unknown: newUnknownCounter(observability.With(opts.Logger, observability.F("channel", "ticker")))}
}

// DecodeTick decodes a ticker payload.
func DecodeTick(symbol string, payload json.RawMessage) (schema.Tick, error) {
	f, err := wire.NewFields(payload)
	if err != nil {
		return schema.Tick{}, malformed("ticker", "", "payload is not an array", err)
	}
	if f.Len() < 10 {
		return schema.Tick{}, malformed("ticker", "", "ticker array too short", nil)
	}
	t := schema.Tick{
		Symbol:          symbol,
		Bid:             f.Decimal(0),
		BidSize:         f.Decimal(1),
		Ask:             f.Decimal(2),
		AskSize:         f.Decimal(3),
		DailyChange:     f.OptDecimal(4),
		DailyChangePerc: f.OptDecimal(5),
		LastPrice:       f.Decimal(6),
		Volume:          f.OptDecimal(7),
		High:            f.OptDecimal(8),
		Low:             f.OptDecimal(9),
	}
	if err := f.Err(); err != nil {
		return schema.Tick{}, malformed("ticker", "", "ticker field", err)
	}
	return t, nil
}

// Handle implements channel.Handler.
func (h *Ticker) Handle(ctx context.Context, b *channel.Binding, frame *wire.DataFrame) error {
	if frame.Tag != "" {
		h.unknown.observe(ctx, "ticker", Unknown{Tag: frame.Tag, Payload: frame.Payload})
		return nil
	}
	tick, err := DecodeTick(b.Key.Symbol, frame.Payload)
	if err != nil {
		return err
	}
	h.quotes.ApplyTick(ctx, tick)
	return nil
}

// Candles handles candle channels.
type Candles struct {
	quotes  *manager.QuoteManager
	unknown *unknownCounter
}

// NewCandles wires the candle handler.
func NewCandles(quotes *manager.QuoteManager, opts Options) *Candles {
	opts = opts.normalize()
	return &Candles{quotes: quotes, unknown: newUnknownCounter(observability.With(opts.Logger, observability.F("channel", "candles")))}
}

// Handle implements channel.Handler.
func (h *Candles) Handle(ctx context.Context, b *channel.Binding, frame *wire.DataFrame) error {
	if frame.Tag != "" {
		h.unknown.observe(ctx, "candles", Unknown{Tag: frame.Tag, Payload: frame.Payload})
		return nil
	}
	items, _, err := rows(frame.Payload)
	if err != nil {
		return malformed("candles", "", "payload is not an array", err)
	}
	candles := make([]schema.Candle, 0, len(items))
	for _, raw := range items {
		f, err := wire.NewFields(raw)
		if err != nil || f.Len() < 6 {
			return malformed("candles", "", "candle is not a six element array", err)
		}
		c := schema.Candle{
			Symbol:    b.Key.Symbol,
			Timeframe: b.Key.Timeframe,
			Timestamp: millis(f.Int64(0)),
			Open:      f.Decimal(1),
			Close:     f.Decimal(2),
			High:      f.Decimal(3),
			Low:       f.Decimal(4),
			Volume:    f.Decimal(5),
		}
		if err := f.Err(); err != nil {
			return malformed("candles", "", "candle field", err)
		}
		candles = append(candles, c)
	}
	// Snapshots list newest first; apply oldest first so the latest wins.
	for i := len(candles) - 1; i >= 0; i-- {
		h.quotes.ApplyCandle(ctx, candles[i])
	}
	return nil
}

// Trades handles public trade channels. Each print arrives as te and again
// as tu; only te and snapshot rows are relayed.
type Trades struct {
	quotes  *manager.QuoteManager
	unknown *unknownCounter
}

// NewTrades wires the public trades handler.
func NewTrades(quotes *manager.QuoteManager, opts Options) *Trades {
	opts = opts.normalize()
	return &Trades{quotes: quotes, unknown: newUnknownCounter(observability.With(opts.Logger, observability.F("channel", "trades")))}
}

// Handle implements channel.Handler.
func (h *Trades) Handle(ctx context.Context, b *channel.Binding, frame *wire.DataFrame) error {
	switch frame.Tag {
	case "", TagTradeExecuted:
	case TagTradeUpdate:
		return nil
	default:
		h.unknown.observe(ctx, "trades", Unknown{Tag: frame.Tag, Payload: frame.Payload})
		return nil
	}
	items, _, err := rows(frame.Payload)
	if err != nil {
		return malformed("trades", frame.Tag, "payload is not an array", err)
	}
	trades := make([]schema.PublicTrade, 0, len(items))
	for _, raw := range items {
		f, err := wire.NewFields(raw)
		if err != nil || f.Len() < 4 {
			return malformed("trades", frame.Tag, "trade is not a four element array", err)
		}
		t := schema.PublicTrade{
			ID:        f.Int64(0),
			Symbol:    b.Key.Symbol,
			Timestamp: millis(f.Int64(1)),
			Amount:    f.Decimal(2),
			Price:     f.Decimal(3),
		}
		if err := f.Err(); err != nil {
			return malformed("trades", frame.Tag, "trade field", err)
		}
		trades = append(trades, t)
	}
	// Snapshot rows are newest first.
	for i := len(trades) - 1; i >= 0; i-- {
		h.quotes.ApplyPublicTrade(ctx, trades[i])
	}
	return nil
}

// Set groups one handler per channel kind.
type Set struct {
	Account *Account
	Book    *Book
	RawBook *RawBook
	Ticker  *Ticker
	Candles *Candles
	Trades  *Trades
}

// For returns the handler for kind, or nil.
func (s Set) For(kind schema.ChannelKind) channel.Handler {
	switch {
	case kind == schema.ChannelAccount && s.Account != nil:
		return s.Account
	case kind == schema.ChannelOrderBook && s.Book != nil:
		return s.Book
	case kind == schema.ChannelRawOrderBook && s.RawBook != nil:
		return s.RawBook
	case kind == schema.ChannelTicker && s.Ticker != nil:
		return s.Ticker
	case kind == schema.ChannelCandles && s.Candles != nil:
		return s.Candles
	case kind == schema.ChannelTrades && s.Trades != nil:
		return s.Trades
	default:
		return nil
	}
}
