package services

import (
	"fmt"

	"github.com/settlepay/backbone/internal/models"
)

// DistributionInput describes one fee distribution. Amount may be a signed
// difference when an accepted transaction is revised.
type DistributionInput struct {
	TransactionID string
	Direction     models.Direction
	Model         models.EconomicModel
	Amount        int64
	ExchangeRate  int64
	MerchantID    string
	TeamID        string
	Contracts     []models.FeeContract
	// FromLocked releases the owner's value from locked; otherwise it comes out of trust.
	FromLocked bool
}

type legKind int

const (
	legTrust legKind = iota
	legLocked
	legProfit
)

func addLeg(b *models.Balance, fiat bool, kind legKind, d int64) {
	switch {
	case !fiat && kind == legTrust:
		b.TrustBalance += d
	case !fiat && kind == legLocked:
		b.LockedBalance += d
	case !fiat && kind == legProfit:
		b.ProfitBalance += d
	case fiat && kind == legTrust:
		b.FiatTrustBalance += d
	case fiat && kind == legLocked:
		b.FiatLockedBalance += d
	case fiat && kind == legProfit:
		b.FiatProfitBalance += d
	}
}

func contractFee(c models.FeeContract, d models.Direction) int64 {
	if d == models.DirectionInbound {
		return c.InboundFee
	}
	return c.OutboundFee
}

// Distribute computes the accept postings, one per participant. On every leg
// the deltas sum to zero: the team absorbs the rounding remainder of the shares.
func Distribute(in DistributionInput) ([]models.Posting, error) {
	var merchant, team *models.FeeContract
	var agents []models.FeeContract
	var total int64
	for i := range in.Contracts {
		c := in.Contracts[i]
		switch c.UserID {
		case in.MerchantID:
			if merchant != nil {
				return nil, fmt.Errorf("%w: duplicate merchant contract", ErrContractsIncomplete)
			}
			merchant = &in.Contracts[i]
		case in.TeamID:
			if team != nil {
				return nil, fmt.Errorf("%w: duplicate team contract", ErrContractsIncomplete)
			}
			team = &in.Contracts[i]
		default:
			agents = append(agents, c)
		}
		total += contractFee(c, in.Direction)
	}
	if merchant == nil || team == nil {
		return nil, fmt.Errorf("%w: merchant and team contracts required", ErrContractsIncomplete)
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: zero fee total", ErrContractsIncomplete)
	}
	if !in.Model.Valid() {
		return nil, fmt.Errorf("%w: economic model %q", ErrValidation, in.Model)
	}

	settleFiat := in.Model.SettlesInFiat()
	profitFiat := in.Model.ProfitInFiat()
	crossLeg := settleFiat != profitFiat

	v := SettlementValue(in.Model, in.Amount, in.ExchangeRate)
	sm := mulDivFloor(v, contractFee(*merchant, in.Direction), total)
	agentShares := make([]int64, len(agents))
	var agentSum int64
	for i, a := range agents {
		agentShares[i] = mulDivFloor(v, contractFee(a, in.Direction), total)
		agentSum += agentShares[i]
	}

	mb, tb := models.Balance{}, models.Balance{}
	ab := make([]models.Balance, len(agents))

	release := legLocked
	if !in.FromLocked {
		release = legTrust
	}

	if in.Direction == models.DirectionInbound {
		addLeg(&tb, settleFiat, release, -v)
		addLeg(&mb, settleFiat, legTrust, sm)
		if crossLeg {
			addLeg(&tb, settleFiat, legTrust, v-sm)
		} else {
			addLeg(&tb, settleFiat, legProfit, v-sm-agentSum)
			for i := range agents {
				addLeg(&ab[i], settleFiat, legProfit, agentShares[i])
			}
		}
	} else {
		addLeg(&mb, settleFiat, release, -v)
		addLeg(&mb, settleFiat, legTrust, -(v - sm))
		if crossLeg {
			addLeg(&tb, settleFiat, legTrust, v+(v-sm))
		} else {
			addLeg(&tb, settleFiat, legTrust, v)
			addLeg(&tb, settleFiat, legProfit, v-sm-agentSum)
			for i := range agents {
				addLeg(&ab[i], settleFiat, legProfit, agentShares[i])
			}
		}
	}

	if crossLeg {
		p := profitValue(in.Model, in.Amount, in.ExchangeRate)
		pt := mulDivFloor(p, contractFee(*team, in.Direction), total)
		var paid int64
		for i, a := range agents {
			pa := mulDivFloor(p, contractFee(a, in.Direction), total)
			addLeg(&ab[i], profitFiat, legProfit, pa)
			paid += pa
		}
		addLeg(&tb, profitFiat, legProfit, pt)
		addLeg(&tb, profitFiat, legTrust, -(pt + paid))
	}

	postings := []models.Posting{
		{BalanceID: merchant.BalanceID, TransactionID: in.TransactionID, Balance: mb},
		{BalanceID: team.BalanceID, TransactionID: in.TransactionID, Balance: tb},
	}
	for i, a := range agents {
		postings = append(postings, models.Posting{BalanceID: a.BalanceID, TransactionID: in.TransactionID, Balance: ab[i]})
	}
	return postings, nil
}
