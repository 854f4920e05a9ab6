package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderBookEntry is one aggregated price level. The sign of Amount is the side.
type OrderBookEntry struct {
	Price  decimal.Decimal `json:"price"`
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Removes reports whether the entry deletes its price level.
func (e OrderBookEntry) Removes() bool {
	return e.Count == 0 || e.Amount.IsZero()
}

// IsBid reports whether the entry sits on the bid side.
func (e OrderBookEntry) IsBid() bool {
	return e.Amount.IsPositive()
}

// RawOrderBookEntry is one resting order in a raw book.
type RawOrderBookEntry struct {
	OrderID int64           `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
}

// Removes reports whether the entry deletes its order.
func (e RawOrderBookEntry) Removes() bool {
	return e.Price.IsZero()
}

// OrderBookUpdate is delivered to order book subscribers after each applied event.
type OrderBookUpdate struct {
	Symbol    string           `json:"symbol"`
	Precision string           `json:"precision"`
	Snapshot  bool             `json:"snapshot"`
	Entries   []OrderBookEntry `json:"entries"`
}

// RawOrderBookUpdate is delivered to raw book subscribers after each applied event.
type RawOrderBookUpdate struct {
	Symbol   string              `json:"symbol"`
	Snapshot bool                `json:"snapshot"`
	Entries  []RawOrderBookEntry `json:"entries"`
}

// OrderBook is a point-in-time copy of a book, bids descending and asks ascending.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Precision string           `json:"precision"`
	Bids      []OrderBookEntry `json:"bids"`
	Asks      []OrderBookEntry `json:"asks"`
}

// RawOrderBook is a point-in-time copy of a raw book.
type RawOrderBook struct {
	Symbol string              `json:"symbol"`
	Bids   []RawOrderBookEntry `json:"bids"`
	Asks   []RawOrderBookEntry `json:"asks"`
}

// Tick is the latest ticker state for a symbol. Daily statistics the
// exchange sends as null stay unset.
type Tick struct {
	Symbol          string              `json:"symbol"`
	Bid             decimal.Decimal     `json:"bid"`
	BidSize         decimal.Decimal     `json:"bidSize"`
	Ask             decimal.Decimal     `json:"ask"`
	AskSize         decimal.Decimal     `json:"askSize"`
	DailyChange     decimal.NullDecimal `json:"dailyChange"`
	DailyChangePerc decimal.NullDecimal `json:"dailyChangePerc"`
	LastPrice       decimal.Decimal     `json:"lastPrice"`
	Volume          decimal.NullDecimal `json:"volume"`
	High            decimal.NullDecimal `json:"high"`
	Low             decimal.NullDecimal `json:"low"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	Close     decimal.Decimal `json:"close"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
}
