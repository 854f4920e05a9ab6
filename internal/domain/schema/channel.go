// Package schema defines the domain types produced by the stream pipeline.
package schema

import (
	"strings"
)

// ChannelKind identifies the payload grammar carried by a channel.
type ChannelKind string

const (
	// ChannelOrderBook carries aggregated price levels.
	ChannelOrderBook ChannelKind = "book"
	// ChannelRawOrderBook carries individual resting orders.
	ChannelRawOrderBook ChannelKind = "rawbook"
	// ChannelTrades carries public trade prints.
	ChannelTrades ChannelKind = "trades"
	// ChannelTicker carries top-of-book and daily statistics.
	ChannelTicker ChannelKind = "ticker"
	// ChannelCandles carries OHLCV bars.
	ChannelCandles ChannelKind = "candles"
	// ChannelAccount is the private authenticated channel with id 0.
	ChannelAccount ChannelKind = "account"
)

// AccountChannelID is the implicit channel id of the authenticated stream.
const AccountChannelID int64 = 0

// Valid reports whether the kind is one of the known channel kinds.
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelOrderBook, ChannelRawOrderBook, ChannelTrades, ChannelTicker, ChannelCandles, ChannelAccount:
		return true
	default:
		return false
	}
}

// WireChannel returns the channel name used in subscribe requests.
func (k ChannelKind) WireChannel() string {
	switch k {
	case ChannelRawOrderBook:
		return string(ChannelOrderBook)
	default:
		return string(k)
	}
}

// SubscriptionKey is the durable identity of a subscription, independent of
// the transient channel id the server assigns to it.
type SubscriptionKey struct {
	Kind      ChannelKind `json:"kind" yaml:"kind"`
	Symbol    string      `json:"symbol" yaml:"symbol"`
	Precision string      `json:"precision,omitempty" yaml:"precision"`
	Frequency string      `json:"frequency,omitempty" yaml:"frequency"`
	Length    string      `json:"length,omitempty" yaml:"length"`
	Timeframe string      `json:"timeframe,omitempty" yaml:"timeframe"`
}

// Normalise fills in exchange defaults so that equivalent keys compare equal.
func (k SubscriptionKey) Normalise() SubscriptionKey {
	k.Symbol = strings.TrimSpace(k.Symbol)
	k.Precision = strings.ToUpper(strings.TrimSpace(k.Precision))
	k.Frequency = strings.ToUpper(strings.TrimSpace(k.Frequency))
	k.Length = strings.TrimSpace(k.Length)
	k.Timeframe = strings.TrimSpace(k.Timeframe)
	switch k.Kind {
	case ChannelOrderBook:
		if k.Precision == "" {
			k.Precision = "P0"
		}
		if k.Frequency == "" {
			k.Frequency = "F0"
		}
		if k.Length == "" {
			k.Length = "25"
		}
	case ChannelRawOrderBook:
		k.Precision = "R0"
		k.Frequency = ""
		if k.Length == "" {
			k.Length = "25"
		}
	case ChannelCandles:
		if k.Timeframe == "" {
			k.Timeframe = "1m"
		}
		k.Precision, k.Frequency, k.Length = "", "", ""
	case ChannelAccount:
		k.Symbol = ""
		k.Precision, k.Frequency, k.Length, k.Timeframe = "", "", "", ""
	default:
		k.Precision, k.Frequency, k.Length, k.Timeframe = "", "", "", ""
	}
	return k
}

// CandleKey returns the "trade:<tf>:<symbol>" key used by candle subscriptions.
func (k SubscriptionKey) CandleKey() string {
	return "trade:" + k.Timeframe + ":" + k.Symbol
}

// String renders the canonical textual form used for matching acks to requests.
func (k SubscriptionKey) String() string {
	n := k.Normalise()
	switch n.Kind {
	case ChannelOrderBook:
		return strings.Join([]string{string(n.Kind), n.Symbol, n.Precision, n.Frequency, n.Length}, ":")
	case ChannelRawOrderBook:
		return strings.Join([]string{string(n.Kind), n.Symbol, n.Precision, n.Length}, ":")
	case ChannelCandles:
		return string(n.Kind) + ":" + n.CandleKey()
	case ChannelAccount:
		return string(n.Kind)
	default:
		return string(n.Kind) + ":" + n.Symbol
	}
}
