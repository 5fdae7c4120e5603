package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/settlepay/backbone/internal/config"
	"github.com/settlepay/backbone/internal/metrics"
	"github.com/settlepay/backbone/internal/models"
)

// PickupFilter narrows the pool for a team picking up a pay-out.
type PickupFilter struct {
	Types []string `json:"types" validate:"omitempty,dive,max=32"`
	Banks []string `json:"banks" validate:"omitempty,dive,max=64"`
}

// OutboundService hands pooled pay-outs to teams.
type OutboundService struct {
	engine *TransactionEngine
}

func NewOutboundService(engine *TransactionEngine) *OutboundService {
	return &OutboundService{engine: engine}
}

type outboundTeam struct {
	enabled    bool
	maxPending sql.NullInt64
	minFiat    int64
	maxFiat    int64
	usedToday  int64
	maxToday   sql.NullInt64
}

const pickOutboundSQL = `
SELECT ` + transactionColumns + `
FROM external_transactions
WHERE status = 'pending' AND direction = 'outbound' AND team_id IS NULL
	AND amount / 1000000 BETWEEN $2 AND $3
	AND ($4::bigint IS NULL OR $5 + amount / 1000000 <= $4)
	AND ($6::text[] IS NULL OR type = ANY($6))
	AND ($7::text[] IS NULL OR bank_detail_bank = ANY($7))
	AND create_timestamp + make_interval(secs => COALESCE(
		(SELECT m.transaction_outbound_auto_close_time_s FROM merchants m WHERE m.id = merchant_id), $8))
		>= $9::timestamptz + make_interval(secs => $10)
	AND EXISTS (
		SELECT 1 FROM traffic_weight_contracts twc
		WHERE twc.merchant_id = external_transactions.merchant_id
			AND twc.team_id = $1
			AND twc.currency_id = external_transactions.currency_id
			AND NOT twc.is_deleted AND twc.outbound_traffic_weight > 0
			AND (twc.type IS NULL OR twc.type = external_transactions.type))
ORDER BY priority, id
LIMIT 1
FOR UPDATE SKIP LOCKED`

// GetOutbound assigns the oldest eligible pooled pay-out to teamID.
func (s *OutboundService) GetOutbound(ctx context.Context, teamID string, f PickupFilter) (*models.Transaction, error) {
	e := s.engine
	var t *models.Transaction
	err := e.runner.RunInTx(ctx, func(tx *sql.Tx) error {
		hi, lo := advisoryKeys(teamID)
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, hi, lo); err != nil {
			return fmt.Errorf("team lock: %w", err)
		}

		now := e.clock.Now()
		var team outboundTeam
		err := tx.QueryRowContext(ctx, `
			SELECT t.is_outbound_enabled, t.max_outbound_pending_per_token, t.fiat_min_outbound, t.fiat_max_outbound,
				CASE WHEN t.last_outbound_timestamp IS NULL OR t.last_outbound_timestamp::date < $2::date
					THEN 0 ELSE t.today_outbound_amount_used END,
				t.max_today_outbound_amount_used
			FROM teams t JOIN users u ON u.id = t.id
			WHERE t.id = $1 AND NOT u.is_blocked`, teamID, now).Scan(
			&team.enabled, &team.maxPending, &team.minFiat, &team.maxFiat, &team.usedToday, &team.maxToday)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("load team: %w", err)
		}
		if !team.enabled {
			return fmt.Errorf("%w: outbound disabled for team", ErrForbidden)
		}

		if team.maxPending.Valid {
			var pending int64
			if err := tx.QueryRowContext(ctx, `
				SELECT count(*) FROM external_transactions
				WHERE team_id = $1 AND direction = 'outbound' AND status IN ('pending', 'processing')`,
				teamID).Scan(&pending); err != nil {
				return fmt.Errorf("count team outbound: %w", err)
			}
			if pending >= team.maxPending.Int64 {
				return ErrMaxOutboundPending
			}
		}

		t, err = scanTransaction(tx.QueryRowContext(ctx, pickOutboundSQL,
			teamID, team.minFiat, team.maxFiat, team.maxToday, team.usedToday,
			textArray(f.Types), textArray(f.Banks),
			int64(e.cfg.AutoCloseAfter.Seconds()), now, int64(e.cfg.BeforeCloseOut.Seconds())))
		if errors.Is(err, sql.ErrNoRows) {
			metrics.Allocations.WithLabelValues("outbound_pool", "empty").Inc()
			return ErrNoOutboundInPool
		}
		if err != nil {
			return fmt.Errorf("pick outbound: %w", err)
		}

		if err := s.refreshRate(ctx, tx, t); err != nil {
			return err
		}

		t.TeamID = &teamID
		t.TransferToTeamTimestamp = &now
		if _, err := tx.ExecContext(ctx, `
			UPDATE external_transactions SET team_id = $2, transfer_to_team_timestamp = $3, exchange_rate = $4
			WHERE id = $1`, t.ID, teamID, now, t.ExchangeRate); err != nil {
			return fmt.Errorf("assign outbound: %w", err)
		}
		return addTeamOutboundUsage(ctx, tx, teamID, t.Amount/config.Decimals, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.Allocations.WithLabelValues("outbound_pool", "allocated").Inc()
	log.Printf("[OUTBOUND] Team %s picked up %s amount %d", teamID, t.ID, t.Amount)
	e.events.Publish(ctx, t, e.clock.Now())
	return t, nil
}

// refreshRate moves the transaction to the current outbound rate and adjusts
// the merchant's lock by the change in settlement value.
func (s *OutboundService) refreshRate(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	rate, err := exchangeRate(ctx, tx, t.CurrencyID, models.DirectionOutbound)
	if err != nil {
		return err
	}
	if rate == t.ExchangeRate {
		return nil
	}
	d := SettlementValue(t.EconomicModel, t.Amount, rate) - SettlementValue(t.EconomicModel, t.Amount, t.ExchangeRate)
	t.ExchangeRate = rate
	if d == 0 {
		return nil
	}
	merchantBalance, err := s.engine.balances.BalanceIDOfUser(ctx, tx, t.MerchantID)
	if err != nil {
		return err
	}
	_, err = s.engine.balances.Post(ctx, tx, LockPosting(merchantBalance, t.ID, t.EconomicModel, d))
	return err
}

// Hold marks a picked-up pay-out as being worked on. Refreshing a hold counts
// against the hold limit like the first one.
func (s *OutboundService) Hold(ctx context.Context, teamID, id string) (*models.Transaction, error) {
	e := s.engine
	var t *models.Transaction
	err := e.runner.RunInTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Direction != models.DirectionOutbound {
			return ErrDirectionMismatch
		}
		if t.TeamID == nil || *t.TeamID != teamID {
			return ErrForbidden
		}
		if t.Status != models.StatusProcessing {
			if _, err := classifyTransition(t, models.StatusProcessing, nil); err != nil {
				return err
			}
		}
		if t.CountHold >= e.cfg.MaxHoldCount {
			return ErrHoldLimit
		}

		t.Status = models.StatusProcessing
		t.CountHold++
		_, err = tx.ExecContext(ctx, `
			UPDATE external_transactions SET status = 'processing', count_hold = count_hold + 1
			WHERE id = $1`, t.ID)
		return err
	})
	observeTransition(models.StatusProcessing, err)
	if err != nil {
		return nil, err
	}
	log.Printf("[OUTBOUND] Team %s holds %s (%d)", teamID, t.ID, t.CountHold)
	e.events.Publish(ctx, t, e.clock.Now())
	return t, nil
}

// ReturnToPool unassigns a pay-out from its team so another team can pick it up.
func (s *OutboundService) ReturnToPool(ctx context.Context, id string) (*models.Transaction, error) {
	e := s.engine
	var t *models.Transaction
	err := e.runner.RunInTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Direction != models.DirectionOutbound {
			return ErrDirectionMismatch
		}
		if t.Status == models.StatusProcessing {
			if _, err := classifyTransition(t, models.StatusPending, nil); err != nil {
				return err
			}
		} else if t.Status != models.StatusPending || t.TeamID == nil {
			return fmt.Errorf("%w: %s outbound is not held by a team", ErrInvalidStatusTransition, t.Status)
		}

		if err := releaseTeamOutboundUsage(ctx, tx, *t.TeamID, t.Amount/config.Decimals); err != nil {
			return err
		}
		t.Status = models.StatusPending
		t.TeamID = nil
		t.TransferToTeamTimestamp = nil
		_, err = tx.ExecContext(ctx, `
			UPDATE external_transactions SET status = 'pending', team_id = NULL, transfer_to_team_timestamp = NULL
			WHERE id = $1`, t.ID)
		return err
	})
	observeTransition(models.StatusPending, err)
	if err != nil {
		return nil, err
	}
	log.Printf("[OUTBOUND] %s returned to pool", t.ID)
	e.events.Publish(ctx, t, e.clock.Now())
	return t, nil
}
