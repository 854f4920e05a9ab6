package schema

import "strings"

// CurrencyPair is a resolved trading pair such as BTC/USD.
type CurrencyPair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String renders the pair as BASE/QUOTE.
func (p CurrencyPair) String() string {
	if p.Base == "" && p.Quote == "" {
		return ""
	}
	return p.Base + "/" + p.Quote
}

// IsZero reports whether the pair is unset.
func (p CurrencyPair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// OrderType enumerates order types as exposed to consumers.
type OrderType string

// Known order types. The wire form uses spaces ("EXCHANGE MARKET").
const (
	OrderTypeLimit                OrderType = "LIMIT"
	OrderTypeMarket               OrderType = "MARKET"
	OrderTypeStop                 OrderType = "STOP"
	OrderTypeStopLimit            OrderType = "STOP_LIMIT"
	OrderTypeTrailingStop         OrderType = "TRAILING_STOP"
	OrderTypeFillOrKill           OrderType = "FOK"
	OrderTypeImmediateOrCancel    OrderType = "IOC"
	OrderTypeExchangeLimit        OrderType = "EXCHANGE_LIMIT"
	OrderTypeExchangeMarket       OrderType = "EXCHANGE_MARKET"
	OrderTypeExchangeStop         OrderType = "EXCHANGE_STOP"
	OrderTypeExchangeStopLimit    OrderType = "EXCHANGE_STOP_LIMIT"
	OrderTypeExchangeTrailingStop OrderType = "EXCHANGE_TRAILING_STOP"
	OrderTypeExchangeFillOrKill   OrderType = "EXCHANGE_FOK"
	OrderTypeExchangeIOC          OrderType = "EXCHANGE_IOC"
)

// IsExchange reports whether the order type trades from the exchange wallet.
func (t OrderType) IsExchange() bool {
	return strings.HasPrefix(string(t), "EXCHANGE_")
}
