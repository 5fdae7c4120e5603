package models

import (
	"time"
)

// Balance holds the six integer legs of an account snapshot.
type Balance struct {
	TrustBalance      int64 `json:"trust_balance" db:"trust_balance"`
	LockedBalance     int64 `json:"locked_balance" db:"locked_balance"`
	ProfitBalance     int64 `json:"profit_balance" db:"profit_balance"`
	FiatTrustBalance  int64 `json:"fiat_trust_balance" db:"fiat_trust_balance"`
	FiatLockedBalance int64 `json:"fiat_locked_balance" db:"fiat_locked_balance"`
	FiatProfitBalance int64 `json:"fiat_profit_balance" db:"fiat_profit_balance"`
}

// Add returns the leg-wise sum of b and o.
func (b Balance) Add(o Balance) Balance {
	return Balance{
		TrustBalance:      b.TrustBalance + o.TrustBalance,
		LockedBalance:     b.LockedBalance + o.LockedBalance,
		ProfitBalance:     b.ProfitBalance + o.ProfitBalance,
		FiatTrustBalance:  b.FiatTrustBalance + o.FiatTrustBalance,
		FiatLockedBalance: b.FiatLockedBalance + o.FiatLockedBalance,
		FiatProfitBalance: b.FiatProfitBalance + o.FiatProfitBalance,
	}
}

func (b Balance) IsZero() bool {
	return b == Balance{}
}

// BalanceSnapshot is the folded state of a balance up to LastChangeID.
type BalanceSnapshot struct {
	BalanceID    string `json:"balance_id" db:"balance_id"`
	Balance
	LastChangeID int64 `json:"last_change_id" db:"last_change_id"`
}

// Posting is a pending balance change. It becomes a LedgerEntry once stored.
type Posting struct {
	BalanceID     string `json:"balance_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Balance
}

// LedgerEntry is an immutable row of balance_changes.
type LedgerEntry struct {
	ChangeID      int64     `json:"change_id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	BalanceID     string    `json:"balance_id" db:"balance_id"`
	TransactionID *string   `json:"transaction_id,omitempty" db:"transaction_id"`
	Balance
	CreateTimestamp time.Time `json:"create_timestamp" db:"create_timestamp"`
}
