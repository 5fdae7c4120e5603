package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/settlepay/backbone/internal/config"
	"github.com/settlepay/backbone/internal/models"
)

// TransitionRequest moves a transaction to Status. Amount, when set and
// different from the stored amount, is the corrected amount.
type TransitionRequest struct {
	ID     string
	Status models.Status
	Amount *int64
	Reason string
	// ActorTeamID restricts the change to transactions of that team.
	ActorTeamID string

	timeout     bool
	onlyPending bool
}

type transitionKind int

const (
	kindClose transitionKind = iota + 1
	kindAccept
	kindAppeal
	kindRevision
	kindHold
	kindReturn
)

// classifyTransition applies the status guard table. final_status is the only
// amendment marker, so an accept at a corrected amount (recalc) already uses
// the single amendment and a later revision is rejected.
func classifyTransition(t *models.Transaction, to models.Status, amount *int64) (transitionKind, error) {
	live := t.Status == models.StatusPending || t.Status == models.StatusProcessing
	changed := amount != nil && *amount != t.Amount
	outbound := t.Direction == models.DirectionOutbound

	switch {
	case t.Status == models.StatusPending && to == models.StatusProcessing && outbound:
		return kindHold, nil
	case t.Status == models.StatusProcessing && to == models.StatusPending && outbound:
		return kindReturn, nil
	case live && to == models.StatusAccept:
		return kindAccept, nil
	case live && to == models.StatusClose:
		return kindClose, nil
	case t.Status == models.StatusClose && to == models.StatusAccept && !t.FinalStatus.Amended():
		return kindAppeal, nil
	case t.Status == models.StatusAccept && to == models.StatusAccept && changed && !t.FinalStatus.Amended():
		return kindRevision, nil
	}
	return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, t.Status, to)
}

// Transition applies a final or amending status change: close, accept, appeal
// of a closed transaction, or revision of an accepted amount.
func (s *TransactionEngine) Transition(ctx context.Context, req TransitionRequest) (*models.Transaction, error) {
	if req.Amount != nil && *req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	var (
		t        *models.Transaction
		from     models.Status
		merchant *models.Merchant
	)
	err := s.runner.RunInTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = lockTransaction(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if req.ActorTeamID != "" && (t.TeamID == nil || *t.TeamID != req.ActorTeamID) {
			return ErrForbidden
		}
		if req.onlyPending && t.Direction == models.DirectionOutbound && t.Status != models.StatusPending {
			return fmt.Errorf("%w: outbound in processing is not auto-closed", ErrInvalidStatusTransition)
		}
		from = t.Status

		kind, err := classifyTransition(t, req.Status, req.Amount)
		if err != nil {
			return err
		}
		merchant, err = loadMerchant(ctx, tx, t.MerchantID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		switch kind {
		case kindClose:
			err = s.applyClose(ctx, tx, t, merchant, req.timeout)
		case kindAccept:
			err = s.applyAccept(ctx, tx, t, merchant, req.Amount, now)
		case kindAppeal:
			err = s.applyAppeal(ctx, tx, t, req.Amount, now)
		case kindRevision:
			err = s.applyRevision(ctx, tx, t, *req.Amount)
		default:
			err = fmt.Errorf("%w: %s -> %s is an outbound pool operation", ErrInvalidStatusTransition, t.Status, req.Status)
		}
		if err != nil {
			return err
		}

		t.Status = req.Status
		t.Priority = FinalPriority(s.cfg.PriorityAnchor, t.CreateTimestamp)
		t.FinalStatusTimestamp = &now
		if req.Reason != "" {
			t.Reason = &req.Reason
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE external_transactions
			SET status = $2, final_status = $3, amount = $4, priority = $5, final_status_timestamp = $6, reason = $7
			WHERE id = $1`,
			t.ID, t.Status, t.FinalStatus, t.Amount, t.Priority, now, t.Reason)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		return nil
	})
	observeTransition(req.Status, err)
	if err != nil {
		return nil, err
	}

	final := ""
	if t.FinalStatus != nil {
		final = string(*t.FinalStatus)
	}
	s.audit.LogTransition(t.ID, string(from), string(t.Status), final, t.Amount)
	log.Printf("[TRANSACTION] %s %s -> %s (%s)", t.ID, from, t.Status, final)

	if err := s.scheduler.Cancel(ctx, t.ID); err != nil {
		log.Printf("[TRANSACTION] Failed to cancel auto-close for %s: %v", t.ID, err)
	}
	if err := s.links.Revoke(ctx, t.ID); err != nil {
		log.Printf("[TRANSACTION] Failed to revoke payment link for %s: %v", t.ID, err)
	}
	s.afterCommit(ctx, merchant, t, s.clock.Now())
	return t, nil
}

// AutoClose times out a live transaction. Transactions that already moved on are left alone.
func (s *TransactionEngine) AutoClose(ctx context.Context, id string) error {
	_, err := s.Transition(ctx, TransitionRequest{
		ID:          id,
		Status:      models.StatusClose,
		Reason:      "auto-close",
		timeout:     true,
		onlyPending: true,
	})
	if errors.Is(err, ErrInvalidStatusTransition) || errors.Is(err, ErrTransactionNotFound) {
		return nil
	}
	return err
}

// ownerBalance is the balance holding the lock: the team for inbound, the merchant for outbound.
func (s *TransactionEngine) ownerBalance(ctx context.Context, q Querier, t *models.Transaction, merchant *models.Merchant) (string, error) {
	if t.Direction == models.DirectionOutbound {
		return merchant.BalanceID, nil
	}
	if t.TeamID == nil {
		return "", fmt.Errorf("inbound transaction %s has no team", t.ID)
	}
	return s.balances.BalanceIDOfUser(ctx, q, *t.TeamID)
}

func (s *TransactionEngine) applyClose(ctx context.Context, tx *sql.Tx, t *models.Transaction, merchant *models.Merchant, timeout bool) error {
	owner, err := s.ownerBalance(ctx, tx, t, merchant)
	if err != nil {
		return err
	}
	v := SettlementValue(t.EconomicModel, t.Amount, t.ExchangeRate)
	if _, err := s.balances.Post(ctx, tx, LockPosting(owner, t.ID, t.EconomicModel, -v)); err != nil {
		return err
	}

	if t.Direction == models.DirectionInbound {
		if err := releaseInboundCounters(ctx, tx, t, t.Amount/config.Decimals); err != nil {
			return err
		}
	} else if t.TeamID != nil {
		if err := releaseTeamOutboundUsage(ctx, tx, *t.TeamID, t.Amount/config.Decimals); err != nil {
			return err
		}
	}

	final := models.FinalStatusCancel
	if timeout {
		final = models.FinalStatusTimeout
	}
	t.FinalStatus = &final
	return nil
}

// releaseInboundCounters frees the pending slots taken at creation. fiat is
// the daily amount given back; it is zero when the transaction is accepted.
func releaseInboundCounters(ctx context.Context, tx *sql.Tx, t *models.Transaction, fiat int64) error {
	if t.BankDetailID != nil {
		_, err := tx.ExecContext(ctx, `
			UPDATE bank_details SET
				pending_count = GREATEST(pending_count - 1, 0),
				today_amount_used = GREATEST(today_amount_used - $2, 0)
			WHERE id = $1`, *t.BankDetailID, fiat)
		if err != nil {
			return fmt.Errorf("release channel counters: %w", err)
		}
	}
	if t.TeamID != nil {
		_, err := tx.ExecContext(ctx, `
			UPDATE teams SET count_pending_inbound = GREATEST(count_pending_inbound - 1, 0)
			WHERE id = $1`, *t.TeamID)
		if err != nil {
			return fmt.Errorf("release team counters: %w", err)
		}
	}
	return nil
}

func (s *TransactionEngine) applyAccept(ctx context.Context, tx *sql.Tx, t *models.Transaction, merchant *models.Merchant, amount *int64, now time.Time) error {
	if t.TeamID == nil {
		return fmt.Errorf("%w: outbound transaction is not assigned to a team", ErrInvalidStatusTransition)
	}

	final := models.FinalStatusAccept
	if amount != nil && *amount != t.Amount {
		owner, err := s.ownerBalance(ctx, tx, t, merchant)
		if err != nil {
			return err
		}
		d := SettlementValue(t.EconomicModel, *amount, t.ExchangeRate) - SettlementValue(t.EconomicModel, t.Amount, t.ExchangeRate)
		if d != 0 {
			if _, err := s.balances.Post(ctx, tx, LockPosting(owner, t.ID, t.EconomicModel, d)); err != nil {
				return err
			}
		}
		if err := addChannelAmount(ctx, tx, t, (*amount-t.Amount)/config.Decimals); err != nil {
			return err
		}
		t.Amount = *amount
		final = models.FinalStatusRecalc
	}

	if err := s.distribute(ctx, tx, t, t.Amount, true); err != nil {
		return err
	}

	if t.Direction == models.DirectionInbound {
		if err := releaseInboundCounters(ctx, tx, t, 0); err != nil {
			return err
		}
		if err := markChannelAccept(ctx, tx, t, now); err != nil {
			return err
		}
	}
	t.FinalStatus = &final
	return nil
}

// markChannelAccept counts an accepted pay-in on its channel and VIP binding.
func markChannelAccept(ctx context.Context, tx *sql.Tx, t *models.Transaction, now time.Time) error {
	if t.BankDetailID == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE bank_details SET
			today_transactions_count = CASE
				WHEN last_accept_timestamp IS NULL OR last_accept_timestamp::date < $2::date THEN 1
				ELSE today_transactions_count + 1 END,
			last_accept_timestamp = $2
		WHERE id = $1`, *t.BankDetailID, now)
	if err != nil {
		return fmt.Errorf("mark channel accept: %w", err)
	}
	if t.MerchantPayerID == nil {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE vip_payers SET last_accept_timestamp = $3
		WHERE payer_id = $1
			AND profile_id = (SELECT profile_id FROM bank_details WHERE id = $2)`,
		*t.MerchantPayerID, *t.BankDetailID, now)
	if err != nil {
		return fmt.Errorf("mark vip accept: %w", err)
	}
	return nil
}

// addChannelAmount adds whole fiat units, possibly negative, to an inbound
// channel's daily usage.
func addChannelAmount(ctx context.Context, tx *sql.Tx, t *models.Transaction, fiat int64) error {
	if t.Direction != models.DirectionInbound || t.BankDetailID == nil || fiat == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE bank_details SET today_amount_used = GREATEST(today_amount_used + $2, 0)
		WHERE id = $1`, *t.BankDetailID, fiat)
	if err != nil {
		return fmt.Errorf("adjust channel amount: %w", err)
	}
	return nil
}

// applyAppeal accepts a closed transaction. The close gave back the channel's
// daily usage, so an inbound appeal counts the accept and the amount again.
func (s *TransactionEngine) applyAppeal(ctx context.Context, tx *sql.Tx, t *models.Transaction, amount *int64, now time.Time) error {
	if t.TeamID == nil {
		return fmt.Errorf("%w: transaction was never assigned to a team", ErrInvalidStatusTransition)
	}
	if amount != nil {
		t.Amount = *amount
	}
	if err := s.distribute(ctx, tx, t, t.Amount, false); err != nil {
		return err
	}
	if t.Direction == models.DirectionInbound {
		if err := markChannelAccept(ctx, tx, t, now); err != nil {
			return err
		}
		if err := addChannelAmount(ctx, tx, t, t.Amount/config.Decimals); err != nil {
			return err
		}
	}
	final := models.FinalStatusAppeal
	t.FinalStatus = &final
	return nil
}

// applyRevision distributes the signed difference between the corrected and the accepted amount.
func (s *TransactionEngine) applyRevision(ctx context.Context, tx *sql.Tx, t *models.Transaction, amount int64) error {
	if err := s.distribute(ctx, tx, t, amount-t.Amount, false); err != nil {
		return err
	}
	if err := addChannelAmount(ctx, tx, t, (amount-t.Amount)/config.Decimals); err != nil {
		return err
	}
	t.Amount = amount
	final := models.FinalStatusRecalc
	t.FinalStatus = &final
	return nil
}

func (s *TransactionEngine) distribute(ctx context.Context, tx *sql.Tx, t *models.Transaction, amount int64, fromLocked bool) error {
	contracts, err := loadFeeContracts(ctx, tx, t.MerchantID, *t.TeamID, t.TagID)
	if err != nil {
		return err
	}
	postings, err := Distribute(DistributionInput{
		TransactionID: t.ID,
		Direction:     t.Direction,
		Model:         t.EconomicModel,
		Amount:        amount,
		ExchangeRate:  t.ExchangeRate,
		MerchantID:    t.MerchantID,
		TeamID:        *t.TeamID,
		Contracts:     contracts,
		FromLocked:    fromLocked,
	})
	if err != nil {
		return err
	}
	return s.balances.PostBatch(ctx, tx, postings)
}
