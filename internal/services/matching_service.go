package services

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/settlepay/backbone/internal/metrics"
	"github.com/settlepay/backbone/internal/models"
)

// AllocationRequest is the routing-relevant part of a pay-in.
type AllocationRequest struct {
	MerchantID     string
	CurrencyID     string
	Amount         int64
	PayerID        string
	Vip            bool
	Whitelist      bool
	Types          []string
	Banks          []string
	PaymentSystems []string
}

// Allocation is the channel chosen for an inbound transaction.
type Allocation struct {
	Channel       models.PaymentChannel
	EconomicModel models.EconomicModel
	TeamBalanceID string
	TeamCredit    int64
}

// MatchingService picks channels for inbound and teams for outbound transactions.
type MatchingService struct {
	mu                  sync.Mutex
	rnd                 *rand.Rand
	needCheckAutomation int
}

func NewMatchingService(needCheckAutomation int) *MatchingService {
	return &MatchingService{
		rnd:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		needCheckAutomation: needCheckAutomation,
	}
}

const inboundCandidateSQL = `
SELECT bd.id, bd.team_id, bd.type, bd.bank, bd.payment_system, bd.number, bd.name,
	bd.is_vip, bd.profile_id, (vp.payer_id IS NOT NULL) AS bound,
	u.economic_model, u.balance_id, u.credit_factor
FROM bank_details bd
JOIN teams t ON t.id = bd.team_id
JOIN users u ON u.id = t.id
JOIN traffic_weight_contracts twc ON twc.team_id = t.id
	AND twc.merchant_id = $1
	AND twc.currency_id = $2
	AND NOT twc.is_deleted
	AND twc.inbound_traffic_weight > 0
	AND (twc.type IS NULL OR twc.type = bd.type)
LEFT JOIN balance_snapshots snap ON snap.balance_id = u.balance_id
LEFT JOIN external_transactions same_amount ON same_amount.bank_detail_id = bd.id
	AND same_amount.status = 'pending'
	AND same_amount.amount = $3
LEFT JOIN vip_payers vp ON vp.profile_id = bd.profile_id AND vp.payer_id = $4
WHERE bd.is_active AND NOT bd.is_deleted
	AND bd.currency_id = $2
	AND t.is_inbound_enabled AND NOT u.is_blocked
	AND t.priority_inbound != 0
	AND $3 / 1000000 BETWEEN t.fiat_min_inbound AND t.fiat_max_inbound
	AND $3 / 1000000 BETWEEN bd.fiat_min_inbound AND bd.fiat_max_inbound
	AND CASE WHEN u.economic_model IN ('fiat', 'fiat_crypto_profit')
		THEN COALESCE(snap.fiat_trust_balance, 0)
		ELSE COALESCE(snap.trust_balance, 0) END >= u.credit_factor * 1000000
	AND (t.max_inbound_pending_per_token IS NULL OR t.count_pending_inbound < t.max_inbound_pending_per_token)
	AND same_amount.id IS NULL
	AND (bd.period_start_time IS NULL OR bd.period_finish_time IS NULL
		OR LOCALTIME BETWEEN bd.period_start_time AND bd.period_finish_time)
	AND (NOT bd.auto_managed OR (
		(bd.max_pending_count IS NULL OR bd.pending_count < bd.max_pending_count)
		AND (bd.max_today_amount_used IS NULL
			OR CASE WHEN bd.last_transaction_timestamp::date < CURRENT_DATE THEN 0 ELSE bd.today_amount_used END
				+ $3 / 1000000 <= bd.max_today_amount_used)
		AND (bd.max_today_transactions_count IS NULL
			OR CASE WHEN bd.last_accept_timestamp::date < CURRENT_DATE THEN 0 ELSE bd.today_transactions_count END
				< bd.max_today_transactions_count)
		AND (bd.delay IS NULL OR bd.last_accept_timestamp IS NULL OR COALESCE(bd.max_pending_count, 0) > 1
			OR bd.last_accept_timestamp + bd.delay <= now())
	))
	AND (NOT bd.need_check_automation OR bd.pending_count <= $10)
	AND ($7::text[] IS NULL OR bd.type = ANY($7))
	AND ($8::text[] IS NULL OR bd.bank = ANY($8))
	AND ($9::text[] IS NULL OR bd.payment_system = ANY($9))
	AND ($11::text[] IS NULL OR NOT (bd.id::text = ANY($11)))
	AND (
		(NOT $5 AND NOT bd.is_vip)
		OR ($5 AND (
			NOT bd.is_vip
			OR vp.payer_id IS NOT NULL
			OR (bd.count_vip_payers < bd.max_vip_payers
				AND (NOT $6 OR EXISTS (
					SELECT 1 FROM whitelist_payers wp WHERE wp.merchant_id = $1 AND wp.payer_id = $4)))
		))
	)
ORDER BY (vp.payer_id IS NOT NULL) DESC, bd.is_vip DESC, t.priority_inbound DESC,
	-ln(1 - random()) / twc.inbound_traffic_weight, bd.update_timestamp, t.id DESC
LIMIT 1`

func textArray(v []string) any {
	if len(v) == 0 {
		return nil
	}
	return pq.Array(v)
}

// lockCandidateSQL re-checks a candidate's caps once its channel and team rows
// are locked. The candidate query runs without row locks, so a concurrent
// allocation may have used up a cap between the two.
const lockCandidateSQL = `
SELECT bd.id
FROM bank_details bd
JOIN teams t ON t.id = bd.team_id
WHERE bd.id = $1 AND bd.is_active AND NOT bd.is_deleted
	AND (t.max_inbound_pending_per_token IS NULL OR t.count_pending_inbound < t.max_inbound_pending_per_token)
	AND NOT EXISTS (
		SELECT 1 FROM external_transactions et
		WHERE et.bank_detail_id = bd.id AND et.status = 'pending' AND et.amount = $2)
	AND (NOT bd.auto_managed OR (
		(bd.max_pending_count IS NULL OR bd.pending_count < bd.max_pending_count)
		AND (bd.max_today_amount_used IS NULL
			OR CASE WHEN bd.last_transaction_timestamp::date < CURRENT_DATE THEN 0 ELSE bd.today_amount_used END
				+ $2 / 1000000 <= bd.max_today_amount_used)
		AND (bd.max_today_transactions_count IS NULL
			OR CASE WHEN bd.last_accept_timestamp::date < CURRENT_DATE THEN 0 ELSE bd.today_transactions_count END
				< bd.max_today_transactions_count)
	))
FOR UPDATE OF bd, t`

// maxCandidateAttempts bounds how many channels one allocation tries when
// candidates fail their locked re-check.
const maxCandidateAttempts = 3

// AllocateInbound selects and locks one channel inside tx. Pending counters are
// left to the caller, which updates them only once the transaction row exists.
func (s *MatchingService) AllocateInbound(ctx context.Context, tx *sql.Tx, req AllocationRequest) (*Allocation, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, req.Amount); err != nil {
		return nil, fmt.Errorf("amount lock: %w", err)
	}

	var skipped []string
	for attempt := 0; attempt < maxCandidateAttempts; attempt++ {
		a, bound, err := s.selectCandidate(ctx, tx, req, skipped)
		if err != nil {
			return nil, err
		}

		ok, err := lockCandidate(ctx, tx, a.Channel.ID, req.Amount)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Printf("[MATCHING] Channel %s failed its locked re-check, trying another", a.Channel.ID)
			skipped = append(skipped, a.Channel.ID)
			continue
		}

		if req.Vip && a.Channel.IsVip && a.Channel.ProfileID != nil && req.PayerID != "" {
			if err := s.bindVipPayer(ctx, tx, a.Channel.ID, *a.Channel.ProfileID, req.PayerID, bound); err != nil {
				return nil, err
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE bank_details SET update_timestamp = now() WHERE id = $1`, a.Channel.ID); err != nil {
			return nil, fmt.Errorf("touch channel: %w", err)
		}

		metrics.Allocations.WithLabelValues("inbound", "allocated").Inc()
		log.Printf("[MATCHING] Allocated channel %s (team %s) for merchant %s amount %d", a.Channel.ID, a.Channel.TeamID, req.MerchantID, req.Amount)
		return a, nil
	}

	metrics.Allocations.WithLabelValues("inbound", "exhausted").Inc()
	return nil, ErrAllocationExhausted
}

func (s *MatchingService) selectCandidate(ctx context.Context, tx *sql.Tx, req AllocationRequest, skipped []string) (*Allocation, bool, error) {
	var (
		a         Allocation
		bound     bool
		payerID   = nullString(req.PayerID)
		payment   sql.NullString
		name      sql.NullString
		profileID sql.NullString
	)
	err := tx.QueryRowContext(ctx, inboundCandidateSQL,
		req.MerchantID, req.CurrencyID, req.Amount, payerID, req.Vip, req.Whitelist,
		textArray(req.Types), textArray(req.Banks), textArray(req.PaymentSystems),
		s.needCheckAutomation, textArray(skipped),
	).Scan(
		&a.Channel.ID, &a.Channel.TeamID, &a.Channel.Type, &a.Channel.Bank, &payment,
		&a.Channel.Number, &name, &a.Channel.IsVip, &profileID, &bound,
		&a.EconomicModel, &a.TeamBalanceID, &a.TeamCredit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.Allocations.WithLabelValues("inbound", "exhausted").Inc()
		return nil, false, ErrAllocationExhausted
	}
	if err != nil {
		return nil, false, fmt.Errorf("select channel: %w", err)
	}
	a.Channel.PaymentSystem = ptrString(payment)
	a.Channel.Name = ptrString(name)
	a.Channel.ProfileID = ptrString(profileID)
	return &a, bound, nil
}

// lockCandidate takes the channel lock and reports whether the channel still
// fits under its caps.
func lockCandidate(ctx context.Context, tx *sql.Tx, channelID string, amount int64) (bool, error) {
	hi, lo := advisoryKeys(channelID)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, hi, lo); err != nil {
		return false, fmt.Errorf("channel lock: %w", err)
	}

	var locked string
	err := tx.QueryRowContext(ctx, lockCandidateSQL, channelID, amount).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock channel: %w", err)
	}
	return true, nil
}

// bindVipPayer refreshes an existing binding or takes one slot of the channel's VIP quota.
func (s *MatchingService) bindVipPayer(ctx context.Context, tx *sql.Tx, channelID, profileID, payerID string, bound bool) error {
	if bound {
		_, err := tx.ExecContext(ctx, `
			UPDATE vip_payers SET last_transaction_timestamp = now()
			WHERE payer_id = $1 AND profile_id = $2`, payerID, profileID)
		return err
	}

	var bindings int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM vip_payers
		WHERE payer_id = $1 AND length(profile_id) = length($2)`, payerID, profileID).Scan(&bindings); err != nil {
		return fmt.Errorf("count vip bindings: %w", err)
	}
	if bindings >= 2 {
		return fmt.Errorf("%w: payer already bound to two profiles", ErrAllocationExhausted)
	}

	var id string
	err := tx.QueryRowContext(ctx, `
		UPDATE bank_details SET count_vip_payers = count_vip_payers + 1
		WHERE id = $1 AND count_vip_payers < max_vip_payers
		RETURNING id`, channelID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: vip quota exhausted", ErrAllocationExhausted)
	}
	if err != nil {
		return fmt.Errorf("take vip slot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vip_payers (payer_id, profile_id, last_transaction_timestamp)
		VALUES ($1, $2, now())`, payerID, profileID)
	if err != nil {
		return fmt.Errorf("bind vip payer: %w", err)
	}
	return nil
}

// outboundCandidate is a team eligible for direct outbound routing.
type outboundCandidate struct {
	TeamID string
	Weight float64
}

// AllocateOutbound picks a team by outbound traffic weight.
func (s *MatchingService) AllocateOutbound(ctx context.Context, q Querier, merchantID, currencyID string, amount int64) (string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT twc.team_id, twc.outbound_traffic_weight
		FROM traffic_weight_contracts twc
		JOIN teams t ON t.id = twc.team_id
		JOIN users u ON u.id = t.id
		WHERE twc.merchant_id = $1 AND twc.currency_id = $2
			AND NOT twc.is_deleted AND twc.outbound_traffic_weight > 0
			AND t.is_outbound_enabled AND NOT u.is_blocked
			AND $3 / 1000000 BETWEEN t.fiat_min_outbound AND t.fiat_max_outbound
		ORDER BY twc.team_id`, merchantID, currencyID, amount)
	if err != nil {
		return "", fmt.Errorf("select outbound teams: %w", err)
	}
	defer rows.Close()

	var candidates []outboundCandidate
	for rows.Next() {
		var c outboundCandidate
		if err := rows.Scan(&c.TeamID, &c.Weight); err != nil {
			return "", err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	r := s.rnd.Float64()
	s.mu.Unlock()

	i := weightedChoice(candidates, r)
	if i < 0 {
		metrics.Allocations.WithLabelValues("outbound", "exhausted").Inc()
		return "", ErrAllocationExhausted
	}
	metrics.Allocations.WithLabelValues("outbound", "allocated").Inc()
	return candidates[i].TeamID, nil
}

// weightedChoice maps r in [0,1) onto the cumulative weights. It returns -1 when no weight is positive.
func weightedChoice(candidates []outboundCandidate, r float64) int {
	var total float64
	for _, c := range candidates {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total <= 0 {
		return -1
	}
	target := r * total
	var acc float64
	last := -1
	for i, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		acc += c.Weight
		last = i
		if target < acc {
			return i
		}
	}
	return last
}

// advisoryKeys splits a uuid into the two int4 keys of a channel or team advisory lock.
func advisoryKeys(id string) (int32, int32) {
	u, err := uuid.Parse(id)
	if err != nil {
		return 0, 0
	}
	return int32(binary.BigEndian.Uint32(u[8:12])), int32(binary.BigEndian.Uint32(u[12:16]))
}

func ptrString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
