package symbols

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/internal/domain/schema"
)

func TestRegistryPair(t *testing.T) {
	r := New()
	cases := map[string]schema.CurrencyPair{
		"tBTCUSD":          {Base: "BTC", Quote: "USD"},
		"tTESTBTC:TESTUSD": {Base: "TESTBTC", Quote: "TESTUSD"},
		"tDOGEUSD":         {Base: "DOGE", Quote: "USD"},
		"tBTCCNHT":         {Base: "BTC", Quote: "CNHT"},
	}
	for wire, want := range cases {
		got, ok := r.Pair(wire)
		require.True(t, ok, wire)
		require.Equal(t, want, got, wire)
	}
	_, ok := r.Pair("t")
	require.False(t, ok)

	r.Register("tWEIRD", schema.CurrencyPair{Base: "WE", Quote: "IRD"})
	got, ok := r.Pair("tWEIRD")
	require.True(t, ok)
	require.Equal(t, "WE/IRD", got.String())
}

func TestWire(t *testing.T) {
	require.Equal(t, "tBTCUSD", Wire(schema.CurrencyPair{Base: "BTC", Quote: "USD"}))
	require.Equal(t, "tDOGE:USD", Wire(schema.CurrencyPair{Base: "DOGE", Quote: "USD"}))
}

func TestOrderType(t *testing.T) {
	got, ok := OrderType("EXCHANGE MARKET")
	require.True(t, ok)
	require.Equal(t, schema.OrderTypeExchangeMarket, got)

	got, ok = OrderType("exchange limit")
	require.True(t, ok)
	require.Equal(t, schema.OrderTypeExchangeLimit, got)

	got, ok = OrderType("NEW KIND")
	require.False(t, ok)
	require.Equal(t, schema.OrderType("NEW_KIND"), got)

	_, ok = OrderType("")
	require.False(t, ok)
}
