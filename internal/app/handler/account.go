package handler

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bfxstream/internal/app/channel"
	"github.com/coachpo/bfxstream/internal/app/manager"
	"github.com/coachpo/bfxstream/internal/domain/schema"
	"github.com/coachpo/bfxstream/internal/infra/bus/eventbus"
	"github.com/coachpo/bfxstream/internal/infra/symbols"
	"github.com/coachpo/bfxstream/internal/infra/wire"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Account channel tags.
const (
	TagOrderSnapshot    = "os"
	TagOrderNew         = "on"
	TagOrderUpdate      = "ou"
	TagOrderCancel      = "oc"
	TagPositionSnapshot = "ps"
	TagPositionNew      = "pn"
	TagPositionUpdate   = "pu"
	TagPositionClose    = "pc"
	TagWalletSnapshot   = "ws"
	TagWalletUpdate     = "wu"
	TagTradeExecuted    = "te"
	TagTradeUpdate      = "tu"
	TagNotification     = "n"
	TagBalanceUpdate    = "bu"
)

// AccountMessage is the closed set of decoded account channel messages.
type AccountMessage interface {
	accountMessage()
}

// OrderSnapshot lists every working order.
type OrderSnapshot struct{ Orders []schema.Order }

// OrderEvent is a new, updated or cancelled order.
type OrderEvent struct {
	Tag   string
	Order schema.Order
}

// PositionSnapshot lists every open position.
type PositionSnapshot struct{ Positions []schema.Position }

// PositionEvent is a new, updated or closed position.
type PositionEvent struct {
	Tag      string
	Position schema.Position
}

// WalletSnapshot lists every wallet.
type WalletSnapshot struct{ Wallets []schema.Wallet }

// WalletEvent is a full wallet state.
type WalletEvent struct{ Wallet schema.Wallet }

// TradeEvent is an execution (te) or its enrichment (tu).
type TradeEvent struct{ Trade schema.ExecutedTrade }

// NotificationEvent is an account notice.
type NotificationEvent struct{ Notification schema.Notification }

// BalanceEvent is an assets-under-management update.
type BalanceEvent struct{ Balance schema.BalanceUpdate }

func (OrderSnapshot) accountMessage()     {}
func (OrderEvent) accountMessage()        {}
func (PositionSnapshot) accountMessage()  {}
func (PositionEvent) accountMessage()     {}
func (WalletSnapshot) accountMessage()    {}
func (WalletEvent) accountMessage()       {}
func (TradeEvent) accountMessage()        {}
func (NotificationEvent) accountMessage() {}
func (BalanceEvent) accountMessage()      {}
func (Unknown) accountMessage()           {}

// DecodeAccount decodes one account channel frame.
func DecodeAccount(reg *symbols.Registry, frame *wire.DataFrame) (AccountMessage, error) {
	tag := frame.Tag
	switch tag {
	case TagOrderSnapshot:
		orders, err := decodeList(frame.Payload, tag, func(raw json.RawMessage) (schema.Order, error) {
			return decodeOrder(reg, tag, raw)
		})
		return OrderSnapshot{Orders: orders}, err
	case TagOrderNew, TagOrderUpdate, TagOrderCancel:
		o, err := decodeOrder(reg, tag, frame.Payload)
		return OrderEvent{Tag: tag, Order: o}, err
	case TagPositionSnapshot:
		positions, err := decodeList(frame.Payload, tag, func(raw json.RawMessage) (schema.Position, error) {
			return decodePosition(reg, tag, raw)
		})
		return PositionSnapshot{Positions: positions}, err
	case TagPositionNew, TagPositionUpdate, TagPositionClose:
		p, err := decodePosition(reg, tag, frame.Payload)
		return PositionEvent{Tag: tag, Position: p}, err
	case TagWalletSnapshot:
		wallets, err := decodeList(frame.Payload, tag, func(raw json.RawMessage) (schema.Wallet, error) {
			return decodeWallet(tag, raw)
		})
		return WalletSnapshot{Wallets: wallets}, err
	case TagWalletUpdate:
		w, err := decodeWallet(tag, frame.Payload)
		return WalletEvent{Wallet: w}, err
	case TagTradeExecuted, TagTradeUpdate:
		t, err := DecodeExecutedTrade(reg, tag, frame.Payload)
		return TradeEvent{Trade: t}, err
	case TagNotification:
		n, err := decodeNotification(frame.Payload)
		return NotificationEvent{Notification: n}, err
	case TagBalanceUpdate:
		b, err := decodeBalance(frame.Payload)
		return BalanceEvent{Balance: b}, err
	default:
		return Unknown{Tag: tag, Payload: frame.Payload}, nil
	}
}

func decodeList[T any](payload json.RawMessage, tag string, fn func(json.RawMessage) (T, error)) ([]T, error) {
	items, err := wire.SplitArray(payload)
	if err != nil {
		return nil, malformed("account", tag, "snapshot is not an array", err)
	}
	out := make([]T, 0, len(items))
	for _, raw := range items {
		v, err := fn(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeOrder(reg *symbols.Registry, tag string, raw json.RawMessage) (schema.Order, error) {
	f, err := wire.NewFields(raw)
	if err != nil {
		return schema.Order{}, malformed("account", tag, "order is not an array", err)
	}
	if f.Len() < 18 {
		return schema.Order{}, malformed("account", tag, "order array too short", nil)
	}
	wireSymbol := f.String(3)
	pair, _ := reg.Pair(wireSymbol)
	orderType, _ := symbols.OrderType(f.String(8))
	detail := f.String(13)
	status, known := schema.ParseOrderStatus(detail)
	switch {
	case detail == "":
		status = ""
	case tag == TagOrderCancel && !known:
		status = schema.OrderStatusCanceled
	}
	o := schema.Order{
		ID:           f.Int64(0),
		Symbol:       pair,
		WireSymbol:   wireSymbol,
		Amount:       f.Decimal(6),
		AmountOrig:   f.Decimal(7),
		Price:        f.OptDecimal(16),
		PriceAvg:     f.OptDecimal(17),
		Type:         orderType,
		Status:       status,
		StatusDetail: detail,
	}
	o.GroupID, _ = f.OptInt64(1)
	o.ClientOrderID, _ = f.OptInt64(2)
	created, _ := f.OptInt64(4)
	updated, _ := f.OptInt64(5)
	o.CreatedAt = millis(created)
	o.UpdatedAt = millis(updated)
	o.Flags, _ = f.OptInt64(12)
	if err := f.Err(); err != nil {
		return schema.Order{}, malformed("account", tag, "order field", err)
	}
	return o, nil
}

func decodePosition(reg *symbols.Registry, tag string, raw json.RawMessage) (schema.Position, error) {
	f, err := wire.NewFields(raw)
	if err != nil {
		return schema.Position{}, malformed("account", tag, "position is not an array", err)
	}
	if f.Len() < 6 {
		return schema.Position{}, malformed("account", tag, "position array too short", nil)
	}
	wireSymbol := f.String(0)
	pair, _ := reg.Pair(wireSymbol)
	p := schema.Position{
		Symbol:           pair,
		WireSymbol:       wireSymbol,
		Status:           f.String(1),
		Amount:           f.Decimal(2),
		BasePrice:        f.Decimal(3),
		MarginFunding:    f.OptDecimal(4),
		PL:               f.OptDecimal(6),
		PLPercent:        f.OptDecimal(7),
		LiquidationPrice: f.OptDecimal(8),
		Leverage:         f.OptDecimal(9),
	}
	p.MarginFundingType, _ = f.OptInt64(5)
	if err := f.Err(); err != nil {
		return schema.Position{}, malformed("account", tag, "position field", err)
	}
	return p, nil
}

func decodeWallet(tag string, raw json.RawMessage) (schema.Wallet, error) {
	f, err := wire.NewFields(raw)
	if err != nil {
		return schema.Wallet{}, malformed("account", tag, "wallet is not an array", err)
	}
	if f.Len() < 4 {
		return schema.Wallet{}, malformed("account", tag, "wallet array too short", nil)
	}
	w := schema.Wallet{
		Type:              f.String(0),
		Currency:          f.String(1),
		Balance:           f.Decimal(2),
		UnsettledInterest: f.OptDecimal(3),
		AvailableBalance:  f.OptDecimal(4),
	}
	if err := f.Err(); err != nil {
		return schema.Wallet{}, malformed("account", tag, "wallet field", err)
	}
	return w, nil
}

// DecodeExecutedTrade decodes a te or tu payload. Optional trailing fields
// that are absent or null stay unset.
func DecodeExecutedTrade(reg *symbols.Registry, tag string, raw json.RawMessage) (schema.ExecutedTrade, error) {
	f, err := wire.NewFields(raw)
	if err != nil {
		return schema.ExecutedTrade{}, malformed("account", tag, "trade is not an array", err)
	}
	if f.Len() < 6 {
		return schema.ExecutedTrade{}, malformed("account", tag, "trade array too short", nil)
	}
	wireSymbol := f.String(1)
	pair, ok := reg.Pair(wireSymbol)
	if !ok {
		return schema.ExecutedTrade{}, malformed("account", tag, "unknown symbol "+wireSymbol, nil)
	}
	t := schema.ExecutedTrade{
		TradeID:     f.Int64(0),
		Symbol:      pair,
		Timestamp:   millis(f.Int64(2)),
		OrderID:     f.Int64(3),
		Amount:      f.Decimal(4),
		Price:       f.Decimal(5),
		OrderPrice:  f.OptDecimal(7),
		Fee:         f.OptDecimal(9),
		FeeCurrency: f.String(10),
		Update:      tag == TagTradeUpdate,
	}
	if name := f.String(6); name != "" {
		t.OrderType, _ = symbols.OrderType(name)
	}
	if flag, ok := f.OptInt64(8); ok {
		maker := flag == 1
		t.Maker = &maker
	}
	if err := f.Err(); err != nil {
		return schema.ExecutedTrade{}, malformed("account", tag, "trade field", err)
	}
	return t, nil
}

func decodeNotification(raw json.RawMessage) (schema.Notification, error) {
	f, err := wire.NewFields(raw)
	if err != nil {
		return schema.Notification{}, malformed("account", TagNotification, "notification is not an array", err)
	}
	if f.Len() < 8 {
		return schema.Notification{}, malformed("account", TagNotification, "notification array too short", nil)
	}
	ts, _ := f.OptInt64(0)
	n := schema.Notification{
		Timestamp: millis(ts),
		Type:      f.String(1),
		Status:    f.String(6),
		Text:      f.String(7),
	}
	n.MessageID, _ = f.OptInt64(2)
	n.Code, _ = f.OptInt64(5)
	if err := f.Err(); err != nil {
		return schema.Notification{}, malformed("account", TagNotification, "notification field", err)
	}
	return n, nil
}

func decodeBalance(raw json.RawMessage) (schema.BalanceUpdate, error) {
	f, err := wire.NewFields(raw)
	if err != nil {
		return schema.BalanceUpdate{}, malformed("account", TagBalanceUpdate, "balance is not an array", err)
	}
	b := schema.BalanceUpdate{AUM: f.Decimal(0), AUMNet: f.Decimal(1)}
	if err := f.Err(); err != nil {
		return schema.BalanceUpdate{}, malformed("account", TagBalanceUpdate, "balance field", err)
	}
	return b, nil
}

// AccountManagers are the managers fed by the account channel.
type AccountManagers struct {
	Orders    *manager.OrderManager
	Trades    *manager.TradeManager
	Wallets   *manager.WalletManager
	Positions *manager.PositionManager
}

// Account handles channel 0.
type Account struct {
	managers      AccountManagers
	symbols       *symbols.Registry
	log           observability.Logger
	unknown       *unknownCounter
	notifications *eventbus.Topic[schema.Notification]
	balances      *eventbus.Topic[schema.BalanceUpdate]
}

// NewAccount wires the account handler to its managers.
func NewAccount(m AccountManagers, bus eventbus.Config, opts Options) *Account {
	opts = opts.normalize()
	logger := observability.With(opts.Logger, observability.F("component", "handler"), observability.F("channel", "account"))
	return &Account{
		managers:      m,
		symbols:       opts.Symbols,
		log:           logger,
		unknown:       newUnknownCounter(logger),
		notifications: eventbus.NewTopic[schema.Notification]("notification", bus),
		balances:      eventbus.NewTopic[schema.BalanceUpdate]("balance", bus),
	}
}

// Notifications exposes the notification topic.
func (a *Account) Notifications() *eventbus.Topic[schema.Notification] { return a.notifications }

// Balances exposes the balance update topic.
func (a *Account) Balances() *eventbus.Topic[schema.BalanceUpdate] { return a.balances }

// Handle implements channel.Handler.
func (a *Account) Handle(ctx context.Context, _ *channel.Binding, frame *wire.DataFrame) error {
	msg, err := DecodeAccount(a.symbols, frame)
	if err != nil {
		return err
	}
	a.Apply(ctx, msg)
	return nil
}

// Apply routes a decoded message to its manager.
func (a *Account) Apply(ctx context.Context, msg AccountMessage) {
	switch m := msg.(type) {
	case OrderSnapshot:
		a.managers.Orders.ApplySnapshot(ctx, m.Orders)
	case OrderEvent:
		a.managers.Orders.Apply(ctx, m.Order)
	case PositionSnapshot:
		a.managers.Positions.ApplySnapshot(ctx, m.Positions)
	case PositionEvent:
		if m.Tag == TagPositionClose || m.Position.Status == manager.PositionStatusClosed {
			a.managers.Positions.Remove(ctx, m.Position.Key())
			return
		}
		a.managers.Positions.Apply(ctx, m.Position)
	case WalletSnapshot:
		a.managers.Wallets.ApplySnapshot(ctx, m.Wallets)
	case WalletEvent:
		a.managers.Wallets.Apply(ctx, m.Wallet)
	case TradeEvent:
		a.managers.Trades.Apply(ctx, m.Trade)
	case NotificationEvent:
		a.notifications.Publish(ctx, m.Notification)
	case BalanceEvent:
		a.balances.Publish(ctx, m.Balance)
	case Unknown:
		a.unknown.observe(ctx, "account", m)
	}
}

// Close stops the handler's own topics.
func (a *Account) Close() {
	a.notifications.Close()
	a.balances.Close()
}
