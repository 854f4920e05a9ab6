package handler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/internal/app/channel"
	"github.com/coachpo/bfxstream/internal/app/manager"
	"github.com/coachpo/bfxstream/internal/domain/errs"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
	"github.com/coachpo/bfxstream/internal/infra/symbols"
	"github.com/coachpo/bfxstream/internal/infra/wire"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decodeData(t *testing.T, raw string) *wire.DataFrame {
	t.Helper()
	frame, err := wire.Decode([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, wire.KindData, frame.Kind)
	return frame.Data
}

type accountFixture struct {
	handler *Account
	m       AccountManagers
}

func newAccountFixture(t *testing.T) accountFixture {
	t.Helper()
	m := AccountManagers{
		Orders:    manager.NewOrderManager(manager.Options{}),
		Trades:    manager.NewTradeManager(manager.Options{}, 0),
		Wallets:   manager.NewWalletManager(manager.Options{}),
		Positions: manager.NewPositionManager(manager.Options{}),
	}
	h := NewAccount(m, eventbus.Config{}, Options{Symbols: symbols.New()})
	t.Cleanup(func() {
		h.Close()
		m.Orders.Close()
		m.Trades.Close()
		m.Wallets.Close()
		m.Positions.Close()
	})
	return accountFixture{handler: h, m: m}
}

func TestExecutedTradeWithoutOptionalFields(t *testing.T) {
	fx := newAccountFixture(t)
	frame := decodeData(t, `[0,"te",[106655593,"tBTCUSD",1512247319827,5691690918,-0.002,10894,null,null,-1]]`)

	require.NoError(t, fx.handler.Handle(context.Background(), nil, frame))

	got, ok := fx.m.Trades.Get(106655593)
	require.True(t, ok)
	require.False(t, got.IsUpdate())
	require.Equal(t, "BTC/USD", got.Symbol.String())
	require.Equal(t, int64(1512247319827), got.Timestamp.UnixMilli())
	require.Equal(t, int64(5691690918), got.OrderID)
	require.True(t, got.Amount.Equal(dec("-0.002")))
	require.True(t, got.Price.Equal(dec("10894")))
	require.False(t, got.HasOrderType())
	require.False(t, got.OrderPrice.Valid)
	require.False(t, got.Fee.Valid)
	require.Empty(t, got.FeeCurrency)
	require.False(t, got.IsMaker())
}

func TestExecutedTradeWithFeeFields(t *testing.T) {
	fx := newAccountFixture(t)
	frame := decodeData(t, `[0,"te",[106655593,"tBTCUSD",1512247319827,5691690918,-0.002,10894,"EXCHANGE MARKET",10894,-1,-0.0392184,"USD"]]`)

	require.NoError(t, fx.handler.Handle(context.Background(), nil, frame))

	got, ok := fx.m.Trades.Get(106655593)
	require.True(t, ok)
	require.False(t, got.IsUpdate())
	require.Equal(t, schema.OrderTypeExchangeMarket, got.OrderType)
	require.True(t, got.OrderPrice.Valid)
	require.True(t, got.OrderPrice.Decimal.Equal(dec("10894")))
	require.True(t, got.HasMaker())
	require.False(t, got.IsMaker())
	require.True(t, got.Fee.Decimal.Equal(dec("-0.0392184")))
	require.Equal(t, "USD", got.FeeCurrency)
}

func TestTradeEnrichmentMergesIntoExecution(t *testing.T) {
	fx := newAccountFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"te",[7,"tBTCUSD",1000,55,-0.5,100,null,null,null]]`)))
	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"tu",[7,"tBTCUSD",1000,55,-0.5,100,"EXCHANGE LIMIT",100,1,-0.1,"USD"]]`)))

	got, ok := fx.m.Trades.Get(7)
	require.True(t, ok)
	require.True(t, got.IsUpdate())
	require.Equal(t, int64(1000), got.Timestamp.UnixMilli())
	require.True(t, got.Amount.Equal(dec("-0.5")))
	require.True(t, got.IsMaker())
	require.Equal(t, schema.OrderTypeExchangeLimit, got.OrderType)
}

func TestAccountOrderLifecycle(t *testing.T) {
	fx := newAccountFixture(t)
	ctx := context.Background()

	order := `[1185815098,null,1,"tBTCUSD",1533545366000,1533545366000,0.5,1,"EXCHANGE LIMIT",null,null,null,0,"%s",null,null,7000,6990,0,0,null,null,null,0,0,null,null,null,"API>BFX",null,null,null]`
	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"os",[`+sprintf(order, "PARTIALLY FILLED @ 6990.0(0.5)")+`]]`)))

	got, ok := fx.m.Orders.Get(1185815098)
	require.True(t, ok)
	require.Equal(t, schema.OrderStatusPartiallyFilled, got.Status)
	require.Equal(t, "BTC/USD", got.Symbol.String())
	require.True(t, got.PriceAvg.Valid)

	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"oc",`+sprintf(order, "CANCELED")+`]`)))
	got, _ = fx.m.Orders.Get(1185815098)
	require.Equal(t, schema.OrderStatusCanceled, got.Status)
}

func TestAccountWalletsAndPositions(t *testing.T) {
	fx := newAccountFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"ws",[["exchange","USD",100,0,null],["margin","BTC",1.5,0,1.5]]]`)))
	require.Len(t, fx.m.Wallets.All(), 2)
	usd, ok := fx.m.Wallets.Get("exchange", "USD")
	require.True(t, ok)
	require.False(t, usd.AvailableBalance.Valid)

	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"wu",["exchange","USD",90,0,90]]`)))
	usd, _ = fx.m.Wallets.Get("exchange", "USD")
	require.True(t, usd.Balance.Equal(dec("90")))

	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"pn",["tBTCUSD","ACTIVE",0.2,6500,0,0,null,null,null,null]]`)))
	_, ok = fx.m.Positions.Get("tBTCUSD")
	require.True(t, ok)
	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"pc",["tBTCUSD","CLOSED",0,6500,0,0,null,null,null,null]]`)))
	_, ok = fx.m.Positions.Get("tBTCUSD")
	require.False(t, ok)
}

func TestAccountNullFieldsStayUnset(t *testing.T) {
	fx := newAccountFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"wu",["exchange","USD",100,null,null]]`)))
	usd, ok := fx.m.Wallets.Get("exchange", "USD")
	require.True(t, ok)
	require.False(t, usd.UnsettledInterest.Valid)
	require.False(t, usd.AvailableBalance.Valid)

	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"wu",["exchange","USD",100,0,null]]`)))
	usd, _ = fx.m.Wallets.Get("exchange", "USD")
	require.True(t, usd.UnsettledInterest.Valid)
	require.True(t, usd.UnsettledInterest.Decimal.IsZero())

	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"pn",["tBTCUSD","ACTIVE",0.2,6500,null,0,null,null,null,null]]`)))
	pos, ok := fx.m.Positions.Get("tBTCUSD")
	require.True(t, ok)
	require.False(t, pos.MarginFunding.Valid)
	require.False(t, pos.PL.Valid)
	require.True(t, pos.BasePrice.Equal(dec("6500")))

	market := `[1185815099,null,2,"tBTCUSD",1533545366000,1533545366000,1,1,"EXCHANGE MARKET",null,null,null,0,"ACTIVE",null,null,null,null,0,0,null,null,null,0,0,null,null,null,"API>BFX",null,null,null]`
	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"on",`+market+`]`)))
	order, ok := fx.m.Orders.Get(1185815099)
	require.True(t, ok)
	require.False(t, order.Price.Valid)
	require.False(t, order.PriceAvg.Valid)
}

func TestAccountNotificationAndUnknownTag(t *testing.T) {
	fx := newAccountFixture(t)
	ctx := context.Background()
	got := make(chan schema.Notification, 1)
	fx.handler.Notifications().Subscribe(func(n schema.Notification) { got <- n })

	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"n",[1575289447641,"on-req",null,null,null,null,"SUCCESS","Submitting order"]]`)))
	select {
	case n := <-got:
		require.Equal(t, "on-req", n.Type)
		require.Equal(t, "SUCCESS", n.Status)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	msg, err := DecodeAccount(symbols.New(), decodeData(t, `[0,"fos",[]]`))
	require.NoError(t, err)
	require.IsType(t, Unknown{}, msg)
	require.NoError(t, fx.handler.Handle(ctx, nil, decodeData(t, `[0,"fos",[]]`)))
}

func TestAccountMalformedPayload(t *testing.T) {
	fx := newAccountFixture(t)
	err := fx.handler.Handle(context.Background(), nil, decodeData(t, `[0,"te",[1,"tBTCUSD"]]`))
	require.ErrorIs(t, err, errs.ErrMalformedFrame)

	err = fx.handler.Handle(context.Background(), nil, decodeData(t, `[0,"wu",["exchange","USD","abc",0,null]]`))
	require.ErrorIs(t, err, errs.ErrMalformedFrame)
}

func binding(key schema.SubscriptionKey) *channel.Binding {
	return &channel.Binding{ChanID: 17, Key: key.Normalise()}
}

func TestBookHandlerSnapshotAndUpdates(t *testing.T) {
	books := manager.NewOrderbookManager(manager.Options{})
	defer books.Close()
	h := NewBook(books, Options{})
	b := binding(schema.SubscriptionKey{Kind: schema.ChannelOrderBook, Symbol: "tBTCUSD"})
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, b, decodeData(t, `[17,[[100,1,2],[101,1,-3]]]`)))
	require.NoError(t, h.Handle(ctx, b, decodeData(t, `[17,[100,0,1]]`)))
	require.NoError(t, h.Handle(ctx, b, decodeData(t, `[17,[99,2,1]]`)))
	require.NoError(t, h.Handle(ctx, b, decodeData(t, `[17,"cs",-1234]`)))

	book, ok := books.Book(manager.BookKey{Symbol: "tBTCUSD", Precision: "P0"})
	require.True(t, ok)
	require.Len(t, book.Bids, 1)
	require.True(t, book.Bids[0].Price.Equal(dec("99")))
	require.Len(t, book.Asks, 1)

	err := h.Handle(ctx, b, decodeData(t, `[17,[100,1]]`))
	require.ErrorIs(t, err, errs.ErrMalformedFrame)
}

func TestMarketHandlers(t *testing.T) {
	quotes := manager.NewQuoteManager(manager.Options{})
	defer quotes.Close()
	ctx := context.Background()

	ticker := NewTicker(quotes, Options{})
	tb := binding(schema.SubscriptionKey{Kind: schema.ChannelTicker, Symbol: "tBTCUSD"})
	require.NoError(t, ticker.Handle(ctx, tb, decodeData(t, `[5,[7000,10,7001,12,-50,-0.007,7000.5,1200,7100,6900]]`)))
	tick, ok := quotes.LastTick("tBTCUSD")
	require.True(t, ok)
	require.True(t, tick.LastPrice.Equal(dec("7000.5")))
	require.True(t, tick.High.Valid)
	require.True(t, tick.High.Decimal.Equal(dec("7100")))

	require.NoError(t, ticker.Handle(ctx, tb, decodeData(t, `[5,[7000,10,7001,12,null,null,7000.5,null,null,null]]`)))
	tick, _ = quotes.LastTick("tBTCUSD")
	require.False(t, tick.DailyChange.Valid)
	require.False(t, tick.DailyChangePerc.Valid)
	require.False(t, tick.Volume.Valid)
	require.False(t, tick.High.Valid)
	require.False(t, tick.Low.Valid)

	candles := NewCandles(quotes, Options{})
	cb := binding(schema.SubscriptionKey{Kind: schema.ChannelCandles, Symbol: "tBTCUSD"})
	require.NoError(t, candles.Handle(ctx, cb, decodeData(t, `[6,[[120000,2,3,4,1,10],[60000,1,2,3,0.5,8]]]`)))
	c, ok := quotes.LastCandle("tBTCUSD", "1m")
	require.True(t, ok)
	require.Equal(t, int64(120000), c.Timestamp.UnixMilli())

	trades := NewTrades(quotes, Options{})
	got := make(chan schema.PublicTrade, 4)
	quotes.PublicTrades().Subscribe(func(p schema.PublicTrade) { got <- p })
	trb := binding(schema.SubscriptionKey{Kind: schema.ChannelTrades, Symbol: "tBTCUSD"})
	require.NoError(t, trades.Handle(ctx, trb, decodeData(t, `[7,"te",[401597395,1574694475039,0.005,7244.9]]`)))
	require.NoError(t, trades.Handle(ctx, trb, decodeData(t, `[7,"tu",[401597395,1574694475039,0.005,7244.9]]`)))
	select {
	case p := <-got:
		require.Equal(t, int64(401597395), p.ID)
	case <-time.After(time.Second):
		t.Fatal("public trade not delivered")
	}
	ctxDrain, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, quotes.PublicTrades().Drain(ctxDrain))
	require.Empty(t, got)
}

func TestSetFor(t *testing.T) {
	var s Set
	require.Nil(t, s.For(schema.ChannelOrderBook))
	quotes := manager.NewQuoteManager(manager.Options{})
	defer quotes.Close()
	s.Ticker = NewTicker(quotes, Options{})
	require.NotNil(t, s.For(schema.ChannelTicker))
}

func sprintf(format, status string) string {
	return fmt.Sprintf(format, status)
}
