// Package symbols resolves exchange wire symbols and order type names into
// typed values.
package symbols

import (
	"strings"
	"sync"

	"github.com/coachpo/bfxstream/internal/domain/schema"
)

// knownQuotes is checked longest first when a pair has no separator and is
// not the common six letter form.
var knownQuotes = []string{"CNHT", "XAUT", "USDT", "EUTF0", "USTF0", "USD", "UST", "EUR", "GBP", "JPY", "BTC", "ETH", "EUT", "MIM"}

var orderTypes = map[string]schema.OrderType{
	"LIMIT":                  schema.OrderTypeLimit,
	"MARKET":                 schema.OrderTypeMarket,
	"STOP":                   schema.OrderTypeStop,
	"STOP LIMIT":             schema.OrderTypeStopLimit,
	"TRAILING STOP":          schema.OrderTypeTrailingStop,
	"FOK":                    schema.OrderTypeFillOrKill,
	"IOC":                    schema.OrderTypeImmediateOrCancel,
	"EXCHANGE LIMIT":         schema.OrderTypeExchangeLimit,
	"EXCHANGE MARKET":        schema.OrderTypeExchangeMarket,
	"EXCHANGE STOP":          schema.OrderTypeExchangeStop,
	"EXCHANGE STOP LIMIT":    schema.OrderTypeExchangeStopLimit,
	"EXCHANGE TRAILING STOP": schema.OrderTypeExchangeTrailingStop,
	"EXCHANGE FOK":           schema.OrderTypeExchangeFillOrKill,
	"EXCHANGE IOC":           schema.OrderTypeExchangeIOC,
}

// Registry caches resolved pairs. The zero value is not usable; call New.
type Registry struct {
	mu    sync.RWMutex
	pairs map[string]schema.CurrencyPair
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{pairs: make(map[string]schema.CurrencyPair)}
}

// Register pins an explicit mapping, overriding the heuristic split.
func (r *Registry) Register(wire string, pair schema.CurrencyPair) {
	r.mu.Lock()
	r.pairs[wire] = pair
	r.mu.Unlock()
}

// Pair resolves a wire symbol such as "tBTCUSD" or "tTESTBTC:TESTUSD". The
// second result is false when the symbol cannot be split.
func (r *Registry) Pair(wire string) (schema.CurrencyPair, bool) {
	r.mu.RLock()
	pair, ok := r.pairs[wire]
	r.mu.RUnlock()
	if ok {
		return pair, true
	}
	pair, ok = splitPair(wire)
	if !ok {
		return schema.CurrencyPair{}, false
	}
	r.mu.Lock()
	r.pairs[wire] = pair
	r.mu.Unlock()
	return pair, true
}

// Wire renders a pair in trading symbol form.
func Wire(pair schema.CurrencyPair) string {
	if len(pair.Base) == 3 && len(pair.Quote) == 3 {
		return "t" + pair.Base + pair.Quote
	}
	return "t" + pair.Base + ":" + pair.Quote
}

// OrderType maps the exchange's order type text ("EXCHANGE MARKET") to a
// typed value. Unknown names are upper-cased with underscores and reported
// with ok=false.
func OrderType(raw string) (schema.OrderType, bool) {
	text := strings.ToUpper(strings.TrimSpace(raw))
	if text == "" {
		return "", false
	}
	if t, ok := orderTypes[text]; ok {
		return t, true
	}
	return schema.OrderType(strings.ReplaceAll(text, " ", "_")), false
}

func splitPair(wire string) (schema.CurrencyPair, bool) {
	symbol := strings.TrimSpace(wire)
	if len(symbol) > 1 && (symbol[0] == 't' || symbol[0] == 'f') {
		symbol = symbol[1:]
	}
	symbol = strings.ToUpper(symbol)
	if base, quote, ok := strings.Cut(symbol, ":"); ok {
		if base == "" || quote == "" {
			return schema.CurrencyPair{}, false
		}
		return schema.CurrencyPair{Base: base, Quote: quote}, true
	}
	if len(symbol) == 6 {
		return schema.CurrencyPair{Base: symbol[:3], Quote: symbol[3:]}, true
	}
	for _, quote := range knownQuotes {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return schema.CurrencyPair{Base: symbol[:len(symbol)-len(quote)], Quote: quote}, true
		}
	}
	return schema.CurrencyPair{}, false
}
