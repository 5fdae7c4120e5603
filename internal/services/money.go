package services

import (
	"sort"
	"time"

	"github.com/settlepay/backbone/internal/config"
	"github.com/settlepay/backbone/internal/models"
	"github.com/shopspring/decimal"
)

// mulDivFloor returns floor(a*b/c) without overflowing int64 intermediates.
func mulDivFloor(a, b, c int64) int64 {
	q, r := decimal.NewFromInt(a).Mul(decimal.NewFromInt(b)).QuoRem(decimal.NewFromInt(c), 0)
	if r.Sign() != 0 && (r.Sign() < 0) != (c < 0) {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.IntPart()
}

// CryptoValue converts a fiat amount to settlement units at rate (fiat per unit, DECIMALS-scaled).
func CryptoValue(amount, rate int64) int64 {
	return mulDivFloor(amount, config.Decimals, rate)
}

// SettlementValue is the value locked and distributed for a transaction.
func SettlementValue(model models.EconomicModel, amount, rate int64) int64 {
	if model.SettlesInFiat() {
		return amount
	}
	return CryptoValue(amount, rate)
}

// profitValue is the transaction value on the profit leg of a mixed model.
func profitValue(model models.EconomicModel, amount, rate int64) int64 {
	if model.ProfitInFiat() {
		return amount
	}
	return CryptoValue(amount, rate)
}

// LockPosting moves a signed settlement value v from trust to locked. A negative v releases it.
func LockPosting(balanceID, transactionID string, model models.EconomicModel, v int64) models.Posting {
	p := models.Posting{BalanceID: balanceID, TransactionID: transactionID}
	if model.SettlesInFiat() {
		p.FiatTrustBalance, p.FiatLockedBalance = -v, v
	} else {
		p.TrustBalance, p.LockedBalance = -v, v
	}
	return p
}

// AmountVariants lists the amounts tried for an inbound request: the requested
// amount first, then each other whole-unit offset in [left, right], ascending.
func AmountVariants(amount, left, right int64) []int64 {
	seen := map[int64]bool{amount: true}
	variants := []int64{amount}
	for i := left; i <= right; i++ {
		v := amount + i*config.Decimals
		if v <= 0 || seen[v] {
			continue
		}
		seen[v] = true
		variants = append(variants, v)
	}
	rest := variants[1:]
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return variants
}

// PendingPriority orders live transactions oldest first. Unix seconds are used
// because the anchor is further out than a time.Duration can span.
func PendingPriority(anchor, created time.Time) int64 {
	return -(anchor.Unix() - created.Unix())
}

// FinalPriority orders finished transactions after every live one, newest first.
func FinalPriority(anchor, created time.Time) int64 {
	return anchor.Unix() - created.Unix()
}
