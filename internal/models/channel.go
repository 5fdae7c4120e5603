package models

import (
	"time"
)

// PaymentChannel is a row of bank_details: a team-owned bank account, card or phone.
type PaymentChannel struct {
	ID                        string     `json:"id" db:"id"`
	TeamID                    string     `json:"team_id" db:"team_id"`
	Type                      string     `json:"type" db:"type"`
	Bank                      string     `json:"bank" db:"bank"`
	PaymentSystem             *string    `json:"payment_system,omitempty" db:"payment_system"`
	Number                    string     `json:"number" db:"number"`
	Name                      *string    `json:"name,omitempty" db:"name"`
	IsActive                  bool       `json:"is_active" db:"is_active"`
	IsDeleted                 bool       `json:"is_deleted" db:"is_deleted"`
	IsVip                     bool       `json:"is_vip" db:"is_vip"`
	ProfileID                 *string    `json:"profile_id,omitempty" db:"profile_id"`
	MaxVipPayers              int        `json:"max_vip_payers" db:"max_vip_payers"`
	CountVipPayers            int        `json:"count_vip_payers" db:"count_vip_payers"`
	FiatMinInbound            int64      `json:"fiat_min_inbound" db:"fiat_min_inbound"`
	FiatMaxInbound            int64      `json:"fiat_max_inbound" db:"fiat_max_inbound"`
	AutoManaged               bool       `json:"auto_managed" db:"auto_managed"`
	PendingCount              int        `json:"pending_count" db:"pending_count"`
	MaxPendingCount           *int       `json:"max_pending_count,omitempty" db:"max_pending_count"`
	TodayAmountUsed           int64      `json:"today_amount_used" db:"today_amount_used"`
	MaxTodayAmountUsed        *int64     `json:"max_today_amount_used,omitempty" db:"max_today_amount_used"`
	TodayTransactionsCount    int        `json:"today_transactions_count" db:"today_transactions_count"`
	MaxTodayTransactionsCount *int       `json:"max_today_transactions_count,omitempty" db:"max_today_transactions_count"`
	LastTransactionTimestamp  *time.Time `json:"last_transaction_timestamp,omitempty" db:"last_transaction_timestamp"`
	LastAcceptTimestamp       *time.Time `json:"last_accept_timestamp,omitempty" db:"last_accept_timestamp"`
	UpdateTimestamp           time.Time  `json:"update_timestamp" db:"update_timestamp"`
}

// Team is a liquidity provider.
type Team struct {
	ID                        string `json:"id" db:"id"`
	IsInboundEnabled          bool   `json:"is_inbound_enabled" db:"is_inbound_enabled"`
	IsOutboundEnabled         bool   `json:"is_outbound_enabled" db:"is_outbound_enabled"`
	PriorityInbound           int    `json:"priority_inbound" db:"priority_inbound"`
	CountPendingInbound       int    `json:"count_pending_inbound" db:"count_pending_inbound"`
	MaxOutboundPendingPerTeam *int   `json:"max_outbound_pending_per_token,omitempty" db:"max_outbound_pending_per_token"`
	TodayOutboundAmountUsed   int64  `json:"today_outbound_amount_used" db:"today_outbound_amount_used"`
}

// Merchant holds the per-merchant routing and callback settings.
type Merchant struct {
	ID                     string        `json:"id" db:"id"`
	BalanceID              string        `json:"balance_id" db:"balance_id"`
	CurrencyID             string        `json:"currency_id" db:"currency_id"`
	EconomicModel          EconomicModel `json:"economic_model" db:"economic_model"`
	CreditFactor           int64         `json:"credit_factor" db:"credit_factor"`
	CallbackURL            *string       `json:"callback_url,omitempty" db:"callback_url"`
	CallbackSecret         *string       `json:"-" db:"callback_secret"`
	DirectOutbound         bool          `json:"direct_outbound" db:"direct_outbound"`
	LeftEpsChangeAmount    int64         `json:"left_eps_change_amount" db:"left_eps_change_amount"`
	RightEpsChangeAmount   int64         `json:"right_eps_change_amount" db:"right_eps_change_amount"`
	IsWhitelist            bool          `json:"is_whitelist" db:"is_whitelist"`
	MinFiatAmountIn        *int64        `json:"min_fiat_amount_in,omitempty" db:"min_fiat_amount_in"`
	MaxFiatAmountIn        *int64        `json:"max_fiat_amount_in,omitempty" db:"max_fiat_amount_in"`
	InboundAutoCloseAfter  *int64        `json:"transaction_auto_close_time_s,omitempty" db:"transaction_auto_close_time_s"`
	OutboundAutoCloseAfter *int64        `json:"transaction_outbound_auto_close_time_s,omitempty" db:"transaction_outbound_auto_close_time_s"`
}

// TrafficWeightContract routes a merchant's traffic of one currency to a team.
type TrafficWeightContract struct {
	MerchantID            string  `json:"merchant_id" db:"merchant_id"`
	TeamID                string  `json:"team_id" db:"team_id"`
	CurrencyID            string  `json:"currency_id" db:"currency_id"`
	Type                  *string `json:"type,omitempty" db:"type"`
	InboundTrafficWeight  float64 `json:"inbound_traffic_weight" db:"inbound_traffic_weight"`
	OutboundTrafficWeight float64 `json:"outbound_traffic_weight" db:"outbound_traffic_weight"`
	IsDeleted             bool    `json:"is_deleted" db:"is_deleted"`
}

// FeeContract is one participant's fee for a (merchant, team) pair.
type FeeContract struct {
	MerchantID  string `json:"merchant_id" db:"merchant_id"`
	TeamID      string `json:"team_id" db:"team_id"`
	UserID      string `json:"user_id" db:"user_id"`
	BalanceID   string `json:"balance_id" db:"balance_id"`
	InboundFee  int64  `json:"inbound_fee" db:"inbound_fee"`
	OutboundFee int64  `json:"outbound_fee" db:"outbound_fee"`
}

// VipPayerBinding pins a payer to a VIP channel profile.
type VipPayerBinding struct {
	PayerID                  string     `json:"payer_id" db:"payer_id"`
	ProfileID                string     `json:"profile_id" db:"profile_id"`
	LastTransactionTimestamp *time.Time `json:"last_transaction_timestamp,omitempty" db:"last_transaction_timestamp"`
	LastAcceptTimestamp      *time.Time `json:"last_accept_timestamp,omitempty" db:"last_accept_timestamp"`
}

// Currency carries the DECIMALS-scaled fiat per settlement unit rates.
type Currency struct {
	ID                   string `json:"id" db:"id"`
	InboundExchangeRate  int64  `json:"inbound_exchange_rate" db:"inbound_exchange_rate"`
	OutboundExchangeRate int64  `json:"outbound_exchange_rate" db:"outbound_exchange_rate"`
}
