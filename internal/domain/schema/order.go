package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusActive          OrderStatus = "ACTIVE"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusExecuted        OrderStatus = "EXECUTED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
)

// Terminal reports whether no further fills can occur.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusExecuted || s == OrderStatusCanceled
}

// ParseOrderStatus maps the exchange status text ("EXECUTED @ 107.6(-0.2)",
// "PARTIALLY FILLED @ ...", "POSTONLY CANCELED") to a status. The second
// result is false for text that matches no known status; callers treat it
// as ACTIVE.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	text := strings.ToUpper(strings.TrimSpace(raw))
	// "INSUFFICIENT MARGIN was: PARTIALLY FILLED @ ..." describes a cancel.
	head, _, _ := strings.Cut(text, " WAS:")
	switch {
	case head == "":
		return OrderStatusActive, false
	case strings.HasPrefix(head, "ACTIVE"):
		return OrderStatusActive, true
	case strings.HasPrefix(head, "EXECUTED"):
		return OrderStatusExecuted, true
	case strings.HasPrefix(head, "PARTIALLY FILLED"):
		return OrderStatusPartiallyFilled, true
	case strings.Contains(head, "CANCELED"),
		strings.HasPrefix(head, "INSUFFICIENT"),
		strings.HasPrefix(head, "RSN_"):
		return OrderStatusCanceled, true
	default:
		return OrderStatusActive, false
	}
}

// Order is the consolidated view of one order. Amount is the signed
// remaining quantity; positive buys, negative sells.
type Order struct {
	ID            int64               `json:"id"`
	GroupID       int64               `json:"gid,omitempty"`
	ClientOrderID int64               `json:"cid"`
	Symbol        CurrencyPair        `json:"symbol"`
	WireSymbol    string              `json:"wireSymbol"`
	Amount        decimal.Decimal     `json:"amount"`
	AmountOrig    decimal.Decimal     `json:"amountOrig"`
	Price         decimal.NullDecimal `json:"price"`
	PriceAvg      decimal.NullDecimal `json:"priceAvg"`
	Type          OrderType           `json:"type"`
	Status        OrderStatus         `json:"status"`
	StatusDetail  string              `json:"statusDetail,omitempty"`
	Flags         int64               `json:"flags,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Equal reports field-wise equality including decimal values.
func (o Order) Equal(other Order) bool {
	return o.ID == other.ID &&
		o.GroupID == other.GroupID &&
		o.ClientOrderID == other.ClientOrderID &&
		o.Symbol == other.Symbol &&
		o.WireSymbol == other.WireSymbol &&
		o.Amount.Equal(other.Amount) &&
		o.AmountOrig.Equal(other.AmountOrig) &&
		nullEqual(o.Price, other.Price) &&
		nullEqual(o.PriceAvg, other.PriceAvg) &&
		o.Type == other.Type &&
		o.Status == other.Status &&
		o.StatusDetail == other.StatusDetail &&
		o.Flags == other.Flags &&
		o.CreatedAt.Equal(other.CreatedAt) &&
		o.UpdatedAt.Equal(other.UpdatedAt)
}

// Side returns "buy" or "sell" from the sign of the original amount.
func (o Order) Side() string {
	if o.AmountOrig.IsNegative() {
		return "sell"
	}
	return "buy"
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
