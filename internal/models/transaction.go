package models

import (
	"time"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusAccept     Status = "accept"
	StatusClose      Status = "close"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusAccept || s == StatusClose
}

// FinalStatus explains how a transaction reached its terminal status.
type FinalStatus string

const (
	FinalStatusAccept  FinalStatus = "accept"
	FinalStatusCancel  FinalStatus = "cancel"
	FinalStatusTimeout FinalStatus = "timeout"
	FinalStatusAppeal  FinalStatus = "appeal"
	FinalStatusRecalc  FinalStatus = "recalc"
)

// Amended reports whether the single allowed amendment was already used.
func (f *FinalStatus) Amended() bool {
	return f != nil && (*f == FinalStatusAppeal || *f == FinalStatusRecalc)
}

type EconomicModel string

const (
	ModelCrypto           EconomicModel = "crypto"
	ModelFiat             EconomicModel = "fiat"
	ModelCryptoFiatProfit EconomicModel = "crypto_fiat_profit"
	ModelFiatCryptoProfit EconomicModel = "fiat_crypto_profit"
)

func (m EconomicModel) Valid() bool {
	switch m {
	case ModelCrypto, ModelFiat, ModelCryptoFiatProfit, ModelFiatCryptoProfit:
		return true
	}
	return false
}

// SettlesInFiat reports whether the lock and the settlement value live on the fiat legs.
func (m EconomicModel) SettlesInFiat() bool {
	return m == ModelFiat || m == ModelFiatCryptoProfit
}

// ProfitInFiat reports whether fee shares are paid on the fiat legs.
func (m EconomicModel) ProfitInFiat() bool {
	return m == ModelFiat || m == ModelCryptoFiatProfit
}

// Transaction is a row of external_transactions.
type Transaction struct {
	ID                      string         `json:"id" db:"id"`
	MerchantID              string         `json:"merchant_id" db:"merchant_id"`
	MerchantTransactionID   string         `json:"merchant_transaction_id" db:"merchant_transaction_id"`
	MerchantPayerID         *string        `json:"merchant_payer_id,omitempty" db:"merchant_payer_id"`
	Direction               Direction      `json:"direction" db:"direction"`
	Amount                  int64          `json:"amount" db:"amount"`
	ExchangeRate            int64          `json:"exchange_rate" db:"exchange_rate"`
	CurrencyID              string         `json:"currency_id" db:"currency_id"`
	Status                  Status         `json:"status" db:"status"`
	FinalStatus             *FinalStatus   `json:"final_status,omitempty" db:"final_status"`
	EconomicModel           EconomicModel  `json:"economic_model" db:"economic_model"`
	TeamID                  *string        `json:"team_id,omitempty" db:"team_id"`
	BankDetailID            *string        `json:"bank_detail_id,omitempty" db:"bank_detail_id"`
	BankDetailBank          *string        `json:"bank_detail_bank,omitempty" db:"bank_detail_bank"`
	BankDetailNumber        *string        `json:"bank_detail_number,omitempty" db:"bank_detail_number"`
	BankDetailName          *string        `json:"bank_detail_name,omitempty" db:"bank_detail_name"`
	Type                    *string        `json:"type,omitempty" db:"type"`
	TagID                   *string        `json:"tag_id,omitempty" db:"tag_id"`
	HookURI                 *string        `json:"hook_uri,omitempty" db:"hook_uri"`
	Priority                int64          `json:"priority" db:"priority"`
	CountHold               int            `json:"count_hold" db:"count_hold"`
	TransferToTeamTimestamp *time.Time     `json:"transfer_to_team_timestamp,omitempty" db:"transfer_to_team_timestamp"`
	CreateTimestamp         time.Time      `json:"create_timestamp" db:"create_timestamp"`
	FinalStatusTimestamp    *time.Time     `json:"final_status_timestamp,omitempty" db:"final_status_timestamp"`
	Reason                  *string        `json:"reason,omitempty" db:"reason"`
}
