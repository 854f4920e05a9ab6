package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutedTrade is a fill on one of the account's orders. The optional
// fields are unset on the initial execution event and populated by the
// enriched follow-up for the same trade id.
type ExecutedTrade struct {
	TradeID     int64               `json:"tradeId"`
	Symbol      CurrencyPair        `json:"symbol"`
	Timestamp   time.Time           `json:"timestamp"`
	OrderID     int64               `json:"orderId"`
	Amount      decimal.Decimal     `json:"amount"`
	Price       decimal.Decimal     `json:"price"`
	OrderType   OrderType           `json:"orderType,omitempty"`
	OrderPrice  decimal.NullDecimal `json:"orderPrice"`
	Maker       *bool               `json:"maker,omitempty"`
	Fee         decimal.NullDecimal `json:"fee"`
	FeeCurrency string              `json:"feeCurrency,omitempty"`
	Update      bool                `json:"update"`
}

// IsUpdate reports whether the record came from (or was merged with) the
// enriched follow-up event.
func (t ExecutedTrade) IsUpdate() bool {
	return t.Update
}

// HasOrderType reports whether the order type is set.
func (t ExecutedTrade) HasOrderType() bool {
	return t.OrderType != ""
}

// HasMaker reports whether the maker flag is set.
func (t ExecutedTrade) HasMaker() bool {
	return t.Maker != nil
}

// IsMaker returns the maker flag, false when unset.
func (t ExecutedTrade) IsMaker() bool {
	return t.Maker != nil && *t.Maker
}

// Clone returns a copy that shares no pointers with t.
func (t ExecutedTrade) Clone() ExecutedTrade {
	if t.Maker != nil {
		maker := *t.Maker
		t.Maker = &maker
	}
	return t
}

// PublicTrade is a trade print from a public trades channel.
type PublicTrade struct {
	ID        int64           `json:"id"`
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
}
