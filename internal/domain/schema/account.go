package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey identifies a position by symbol and margin funding type.
type PositionKey struct {
	Symbol      string `json:"symbol"`
	FundingType int64  `json:"fundingType"`
}

// Position is an open margin position.
type Position struct {
	Symbol            CurrencyPair        `json:"symbol"`
	WireSymbol        string              `json:"wireSymbol"`
	Status            string              `json:"status"`
	Amount            decimal.Decimal     `json:"amount"`
	BasePrice         decimal.Decimal     `json:"basePrice"`
	MarginFunding     decimal.NullDecimal `json:"marginFunding"`
	MarginFundingType int64               `json:"marginFundingType"`
	PL                decimal.NullDecimal `json:"pl"`
	PLPercent         decimal.NullDecimal `json:"plPerc"`
	LiquidationPrice  decimal.NullDecimal `json:"liquidationPrice"`
	Leverage          decimal.NullDecimal `json:"leverage"`
}

// Key returns the identity of the position.
func (p Position) Key() PositionKey {
	return PositionKey{Symbol: p.WireSymbol, FundingType: p.MarginFundingType}
}

// WalletKey identifies a wallet by type and currency.
type WalletKey struct {
	Type     string `json:"type"`
	Currency string `json:"currency"`
}

// Wallet is the full state of one wallet balance.
type Wallet struct {
	Type              string              `json:"type"`
	Currency          string              `json:"currency"`
	Balance           decimal.Decimal     `json:"balance"`
	UnsettledInterest decimal.NullDecimal `json:"unsettledInterest"`
	AvailableBalance  decimal.NullDecimal `json:"availableBalance"`
}

// Key returns the identity of the wallet.
func (w Wallet) Key() WalletKey {
	return WalletKey{Type: w.Type, Currency: w.Currency}
}

// Equal reports field-wise equality.
func (w Wallet) Equal(other Wallet) bool {
	return w.Type == other.Type &&
		w.Currency == other.Currency &&
		w.Balance.Equal(other.Balance) &&
		nullEqual(w.UnsettledInterest, other.UnsettledInterest) &&
		nullEqual(w.AvailableBalance, other.AvailableBalance)
}

// Notification is an account notice such as an order request result.
type Notification struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	MessageID int64     `json:"messageId,omitempty"`
	Code      int64     `json:"code,omitempty"`
	Status    string    `json:"status"`
	Text      string    `json:"text"`
}

// BalanceUpdate carries total assets under management.
type BalanceUpdate struct {
	AUM    decimal.Decimal `json:"aum"`
	AUMNet decimal.Decimal `json:"aumNet"`
}
