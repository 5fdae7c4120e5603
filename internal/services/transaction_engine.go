package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/settlepay/backbone/internal/clock"
	"github.com/settlepay/backbone/internal/config"
	"github.com/settlepay/backbone/internal/hsm"
	"github.com/settlepay/backbone/internal/metrics"
	"github.com/settlepay/backbone/internal/models"
)

// CallbackQueue accepts merchant callbacks for asynchronous delivery.
type CallbackQueue interface {
	Enqueue(job CallbackJob) bool
}

// EngineDeps wires the transaction engine. Nil optional members fall back to
// defaults built from DB, Redis and Config.
type EngineDeps struct {
	DB         *sql.DB
	Redis      *redis.Client
	Config     *config.EngineConfig
	Clock      clock.Clock
	Runner     *TxRunner
	Balances   *BalanceService
	Matching   *MatchingService
	Exhaustion *ExhaustionRecorder
	Scheduler  *AutoCloseScheduler
	Callbacks  CallbackQueue
	Notifier   *Notifier
	Events     *EventPublisher
	Links      *PaymentLinkService
}

// TransactionEngine owns the lifecycle of external transactions and every
// balance movement they cause.
type TransactionEngine struct {
	db         *sql.DB
	cfg        *config.EngineConfig
	clock      clock.Clock
	runner     *TxRunner
	balances   *BalanceService
	matching   *MatchingService
	exhaustion *ExhaustionRecorder
	scheduler  *AutoCloseScheduler
	callbacks  CallbackQueue
	notifier   *Notifier
	events     *EventPublisher
	links      *PaymentLinkService
	audit      *hsm.AuditLogger
}

func NewTransactionEngine(d EngineDeps) *TransactionEngine {
	if d.Config == nil {
		d.Config = config.LoadEngineConfig()
	}
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	if d.Runner == nil {
		d.Runner = NewTxRunner(d.DB, d.Config.ConflictRetries, d.Config.ConflictBackoff)
	}
	if d.Balances == nil {
		d.Balances = NewBalanceService(d.DB)
	}
	if d.Matching == nil {
		d.Matching = NewMatchingService(d.Config.NeedCheckAutomation)
	}
	if d.Exhaustion == nil {
		d.Exhaustion = NewExhaustionRecorder(d.Redis, d.Clock)
	}
	if d.Scheduler == nil {
		d.Scheduler = NewAutoCloseScheduler(d.Redis)
	}
	return &TransactionEngine{
		db:         d.DB,
		cfg:        d.Config,
		clock:      d.Clock,
		runner:     d.Runner,
		balances:   d.Balances,
		matching:   d.Matching,
		exhaustion: d.Exhaustion,
		scheduler:  d.Scheduler,
		callbacks:  d.Callbacks,
		notifier:   d.Notifier,
		events:     d.Events,
		links:      d.Links,
		audit:      hsm.NewAuditLogger(),
	}
}

// InboundRequest is a merchant pay-in. Amount is DECIMALS-scaled fiat.
type InboundRequest struct {
	MerchantID            string   `json:"-"`
	MerchantTransactionID string   `json:"merchant_transaction_id" validate:"required,max=128" example:"order-1001"`
	Amount                int64    `json:"amount" validate:"required,gt=0" example:"1500000000"`
	PayerID               string   `json:"merchant_payer_id" validate:"omitempty,max=256" example:"payer-42"`
	Vip                   bool     `json:"is_vip"`
	Type                  string   `json:"type" validate:"omitempty,max=32" example:"phone"`
	Types                 []string `json:"types" validate:"omitempty,dive,max=32"`
	Bank                  string   `json:"bank" validate:"omitempty,max=64" example:"sber"`
	Banks                 []string `json:"banks" validate:"omitempty,dive,max=64"`
	PaymentSystems        []string `json:"payment_systems" validate:"omitempty,dive,max=32"`
	TagCode               string   `json:"tag_code" validate:"omitempty,max=64"`
	HookURI               string   `json:"hook_uri" validate:"omitempty,url"`
}

// ChannelView is the part of a payment channel shown to the payer.
type ChannelView struct {
	Type          string  `json:"type"`
	Bank          string  `json:"bank"`
	PaymentSystem *string `json:"payment_system,omitempty"`
	Number        string  `json:"number"`
	Name          *string `json:"name,omitempty"`
}

type InboundResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Channel     ChannelView         `json:"bank_detail"`
	ExpiresAt   time.Time           `json:"expires_at"`
	PaymentLink *PaymentLink        `json:"payment_link,omitempty"`
}

// OutboundRequest is a merchant pay-out to the recipient in Bank/Number/Name.
type OutboundRequest struct {
	MerchantID            string `json:"-"`
	MerchantTransactionID string `json:"merchant_transaction_id" validate:"required,max=128" example:"payout-77"`
	Amount                int64  `json:"amount" validate:"required,gt=0" example:"5000000000"`
	PayerID               string `json:"merchant_payer_id" validate:"omitempty,max=256"`
	Type                  string `json:"type" validate:"required,max=32" example:"card"`
	Bank                  string `json:"bank" validate:"omitempty,max=64" example:"t-bank"`
	Number                string `json:"number" validate:"required,max=64" example:"2200700012345678"`
	Name                  string `json:"name" validate:"omitempty,max=128"`
	TagCode               string `json:"tag_code" validate:"omitempty,max=64"`
	HookURI               string `json:"hook_uri" validate:"omitempty,url"`
}

func mergeFilter(one string, many []string) []string {
	if one == "" {
		return many
	}
	for _, v := range many {
		if v == one {
			return many
		}
	}
	return append([]string{one}, many...)
}

// CreateInbound allocates a channel and opens a pending pay-in. Each amount
// variant is tried in its own database transaction.
func (s *TransactionEngine) CreateInbound(ctx context.Context, req InboundRequest) (*InboundResult, error) {
	if req.Vip && req.PayerID == "" {
		return nil, fmt.Errorf("%w: merchant_payer_id is required for vip pay-ins", ErrValidation)
	}

	merchant, err := loadMerchant(ctx, s.db, req.MerchantID)
	if err != nil {
		return nil, err
	}

	types := mergeFilter(req.Type, req.Types)
	banks := mergeFilter(req.Bank, req.Banks)
	exhausted := ExhaustionKey{MerchantID: merchant.ID, Vip: req.Vip}
	if len(types) == 1 {
		exhausted.Type = types[0]
	}
	if len(banks) == 1 {
		exhausted.Bank = banks[0]
	}
	if len(req.PaymentSystems) == 1 {
		exhausted.PaymentSystem = req.PaymentSystems[0]
	}

	fiat := req.Amount / config.Decimals
	if (merchant.MinFiatAmountIn != nil && fiat < *merchant.MinFiatAmountIn) ||
		(merchant.MaxFiatAmountIn != nil && fiat > *merchant.MaxFiatAmountIn) {
		s.exhaustion.Record(ctx, exhausted)
		return nil, fmt.Errorf("%w: amount outside merchant limits", ErrAllocationExhausted)
	}

	tagID, err := resolveTag(ctx, s.db, req.TagCode)
	if err != nil {
		return nil, err
	}

	variants := AmountVariants(req.Amount, merchant.LeftEpsChangeAmount, merchant.RightEpsChangeAmount)
	var (
		t     *models.Transaction
		alloc *Allocation
	)
	for i, amount := range variants {
		err = s.runner.RunInTx(ctx, func(tx *sql.Tx) error {
			var err error
			t, alloc, err = s.openInbound(ctx, tx, merchant, req, amount, tagID, types, banks)
			return err
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAllocationExhausted) {
			return nil, err
		}
		if i == len(variants)-1 {
			s.exhaustion.Record(ctx, exhausted)
			log.Printf("[TRANSACTION] Allocation exhausted for merchant %s amount %d after %d variants", merchant.ID, req.Amount, len(variants))
			return nil, err
		}
	}

	now := s.clock.Now()
	expires := t.CreateTimestamp.Add(s.autoCloseAfter(merchant, models.DirectionInbound))
	s.afterCommit(ctx, merchant, t, now)
	if err := s.scheduler.Schedule(ctx, t.ID, expires); err != nil {
		log.Printf("[TRANSACTION] Failed to schedule auto-close for %s: %v", t.ID, err)
	}
	s.checkLowBalance(ctx, alloc.Channel.TeamID, alloc.TeamBalanceID, alloc.EconomicModel, alloc.TeamCredit)

	result := &InboundResult{
		Transaction: t,
		Channel: ChannelView{
			Type:          alloc.Channel.Type,
			Bank:          alloc.Channel.Bank,
			PaymentSystem: alloc.Channel.PaymentSystem,
			Number:        alloc.Channel.Number,
			Name:          alloc.Channel.Name,
		},
		ExpiresAt: expires,
	}
	if s.links != nil {
		link, err := s.links.Create(ctx, t, result.Channel, expires)
		if err != nil {
			log.Printf("[TRANSACTION] Payment link for %s not created: %v", t.ID, err)
		}
		result.PaymentLink = link
	}
	return result, nil
}

const insertTransactionSQL = `
INSERT INTO external_transactions (
	id, merchant_id, merchant_transaction_id, merchant_payer_id, direction, amount, exchange_rate,
	currency_id, status, economic_model, team_id, bank_detail_id, bank_detail_bank,
	bank_detail_number, bank_detail_name, type, tag_id, hook_uri, priority,
	transfer_to_team_timestamp, create_timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

func insertTransaction(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	_, err := tx.ExecContext(ctx, insertTransactionSQL,
		t.ID, t.MerchantID, t.MerchantTransactionID, t.MerchantPayerID, t.Direction, t.Amount, t.ExchangeRate,
		t.CurrencyID, t.Status, t.EconomicModel, t.TeamID, t.BankDetailID, t.BankDetailBank,
		t.BankDetailNumber, t.BankDetailName, t.Type, t.TagID, t.HookURI, t.Priority,
		t.TransferToTeamTimestamp, t.CreateTimestamp,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateMerchantTransaction
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const takeChannelSlotSQL = `
UPDATE bank_details SET
	pending_count = pending_count + 1,
	today_amount_used = CASE
		WHEN last_transaction_timestamp IS NULL OR last_transaction_timestamp::date < $2::date THEN $3
		ELSE today_amount_used + $3 END,
	last_transaction_timestamp = $2
WHERE id = $1
	AND (NOT auto_managed OR (
		(max_pending_count IS NULL OR pending_count < max_pending_count)
		AND (max_today_amount_used IS NULL
			OR CASE WHEN last_transaction_timestamp IS NULL OR last_transaction_timestamp::date < $2::date THEN 0
				ELSE today_amount_used END + $3 <= max_today_amount_used)))`

const takeTeamSlotSQL = `
UPDATE teams SET count_pending_inbound = count_pending_inbound + 1, last_transaction_timestamp = $2
WHERE id = $1
	AND (max_inbound_pending_per_token IS NULL OR count_pending_inbound < max_inbound_pending_per_token)`

func (s *TransactionEngine) openInbound(ctx context.Context, tx *sql.Tx, merchant *models.Merchant, req InboundRequest,
	amount int64, tagID *string, types, banks []string) (*models.Transaction, *Allocation, error) {
	if err := ensureUniqueMerchantTransaction(ctx, tx, merchant.ID, req.MerchantTransactionID); err != nil {
		return nil, nil, err
	}

	if req.PayerID != "" {
		var pending int
		err := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM external_transactions
			WHERE merchant_id = $1 AND merchant_payer_id = $2
				AND direction = 'inbound' AND status = 'pending'`, merchant.ID, req.PayerID).Scan(&pending)
		if err != nil {
			return nil, nil, fmt.Errorf("fraud check: %w", err)
		}
		if pending >= s.cfg.FraudMaxPending {
			return nil, nil, ErrFraudDetected
		}
	}

	rate, err := exchangeRate(ctx, tx, merchant.CurrencyID, models.DirectionInbound)
	if err != nil {
		return nil, nil, err
	}

	alloc, err := s.matching.AllocateInbound(ctx, tx, AllocationRequest{
		MerchantID:     merchant.ID,
		CurrencyID:     merchant.CurrencyID,
		Amount:         amount,
		PayerID:        req.PayerID,
		Vip:            req.Vip,
		Whitelist:      merchant.IsWhitelist,
		Types:          types,
		Banks:          banks,
		PaymentSystems: req.PaymentSystems,
	})
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	ch := alloc.Channel
	t := &models.Transaction{
		ID:                    uuid.NewString(),
		MerchantID:            merchant.ID,
		MerchantTransactionID: req.MerchantTransactionID,
		MerchantPayerID:       optString(req.PayerID),
		Direction:             models.DirectionInbound,
		Amount:                amount,
		ExchangeRate:          rate,
		CurrencyID:            merchant.CurrencyID,
		Status:                models.StatusPending,
		EconomicModel:         alloc.EconomicModel,
		TeamID:                &ch.TeamID,
		BankDetailID:          &ch.ID,
		BankDetailBank:        &ch.Bank,
		BankDetailNumber:      &ch.Number,
		BankDetailName:        ch.Name,
		Type:                  &ch.Type,
		TagID:                 tagID,
		HookURI:               optString(req.HookURI),
		Priority:              PendingPriority(s.cfg.PriorityAnchor, now),
		CreateTimestamp:       now,
	}
	if err := insertTransaction(ctx, tx, t); err != nil {
		return nil, nil, err
	}

	v := SettlementValue(t.EconomicModel, amount, rate)
	if _, err := s.balances.Post(ctx, tx, LockPosting(alloc.TeamBalanceID, t.ID, t.EconomicModel, v)); err != nil {
		return nil, nil, err
	}

	res, err := tx.ExecContext(ctx, takeChannelSlotSQL, ch.ID, now, amount/config.Decimals)
	if err != nil {
		return nil, nil, fmt.Errorf("update channel counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, fmt.Errorf("%w: channel cap reached", ErrAllocationExhausted)
	}
	res, err = tx.ExecContext(ctx, takeTeamSlotSQL, ch.TeamID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("update team counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, fmt.Errorf("%w: team pending cap reached", ErrAllocationExhausted)
	}

	log.Printf("[TRANSACTION] Inbound %s created: merchant %s amount %d channel %s", t.ID, merchant.ID, amount, ch.ID)
	return t, alloc, nil
}

// CreateOutbound opens a pending pay-out and locks its value on the merchant.
// Unless the merchant routes outbound directly, the transaction waits in the pool.
func (s *TransactionEngine) CreateOutbound(ctx context.Context, req OutboundRequest) (*models.Transaction, error) {
	merchant, err := loadMerchant(ctx, s.db, req.MerchantID)
	if err != nil {
		return nil, err
	}
	tagID, err := resolveTag(ctx, s.db, req.TagCode)
	if err != nil {
		return nil, err
	}

	var t *models.Transaction
	err = s.runner.RunInTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = s.openOutbound(ctx, tx, merchant, req, tagID)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	s.afterCommit(ctx, merchant, t, now)
	due := t.CreateTimestamp.Add(s.autoCloseAfter(merchant, models.DirectionOutbound))
	if err := s.scheduler.Schedule(ctx, t.ID, due); err != nil {
		log.Printf("[TRANSACTION] Failed to schedule auto-close for %s: %v", t.ID, err)
	}
	return t, nil
}

func (s *TransactionEngine) openOutbound(ctx context.Context, tx *sql.Tx, merchant *models.Merchant, req OutboundRequest, tagID *string) (*models.Transaction, error) {
	if err := ensureUniqueMerchantTransaction(ctx, tx, merchant.ID, req.MerchantTransactionID); err != nil {
		return nil, err
	}
	rate, err := exchangeRate(ctx, tx, merchant.CurrencyID, models.DirectionOutbound)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	t := &models.Transaction{
		ID:                    uuid.NewString(),
		MerchantID:            merchant.ID,
		MerchantTransactionID: req.MerchantTransactionID,
		MerchantPayerID:       optString(req.PayerID),
		Direction:             models.DirectionOutbound,
		Amount:                req.Amount,
		ExchangeRate:          rate,
		CurrencyID:            merchant.CurrencyID,
		Status:                models.StatusPending,
		EconomicModel:         merchant.EconomicModel,
		BankDetailBank:        optString(req.Bank),
		BankDetailNumber:      optString(req.Number),
		BankDetailName:        optString(req.Name),
		Type:                  optString(req.Type),
		TagID:                 tagID,
		HookURI:               optString(req.HookURI),
		Priority:              PendingPriority(s.cfg.PriorityAnchor, now),
		CreateTimestamp:       now,
	}

	if merchant.DirectOutbound {
		teamID, err := s.matching.AllocateOutbound(ctx, tx, merchant.ID, merchant.CurrencyID, req.Amount)
		if err != nil {
			return nil, err
		}
		t.TeamID = &teamID
		t.TransferToTeamTimestamp = &now
	}

	if err := insertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}

	v := SettlementValue(t.EconomicModel, t.Amount, rate)
	if _, err := s.balances.Post(ctx, tx, LockPosting(merchant.BalanceID, t.ID, t.EconomicModel, v)); err != nil {
		return nil, err
	}
	after, err := s.balances.ReadIn(ctx, tx, merchant.BalanceID)
	if err != nil {
		return nil, err
	}
	if trustOf(after, t.EconomicModel) < merchant.CreditFactor*config.Decimals {
		return nil, ErrInsufficientTrustBalance
	}

	if t.TeamID != nil {
		if err := addTeamOutboundUsage(ctx, tx, *t.TeamID, t.Amount/config.Decimals, now); err != nil {
			return nil, err
		}
	}

	log.Printf("[TRANSACTION] Outbound %s created: merchant %s amount %d", t.ID, merchant.ID, t.Amount)
	return t, nil
}

// addTeamOutboundUsage adds whole fiat units to the team's daily outbound usage, resetting it on a new day.
func addTeamOutboundUsage(ctx context.Context, q Querier, teamID string, fiat int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE teams SET
			today_outbound_amount_used = CASE
				WHEN last_outbound_timestamp IS NULL OR last_outbound_timestamp::date < $2::date THEN $3
				ELSE today_outbound_amount_used + $3 END,
			last_outbound_timestamp = $2
		WHERE id = $1`, teamID, now, fiat)
	if err != nil {
		return fmt.Errorf("update team outbound usage: %w", err)
	}
	return nil
}

func releaseTeamOutboundUsage(ctx context.Context, q Querier, teamID string, fiat int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE teams SET today_outbound_amount_used = GREATEST(today_outbound_amount_used - $2, 0)
		WHERE id = $1`, teamID, fiat)
	if err != nil {
		return fmt.Errorf("release team outbound usage: %w", err)
	}
	return nil
}

// trustOf is the trust leg the model settles on.
func trustOf(b models.Balance, model models.EconomicModel) int64 {
	if model.SettlesInFiat() {
		return b.FiatTrustBalance
	}
	return b.TrustBalance
}

func (s *TransactionEngine) autoCloseAfter(m *models.Merchant, d models.Direction) time.Duration {
	if d == models.DirectionOutbound && m.OutboundAutoCloseAfter != nil && *m.OutboundAutoCloseAfter > 0 {
		return time.Duration(*m.OutboundAutoCloseAfter) * time.Second
	}
	if d == models.DirectionInbound && m.InboundAutoCloseAfter != nil && *m.InboundAutoCloseAfter > 0 {
		return time.Duration(*m.InboundAutoCloseAfter) * time.Second
	}
	return s.cfg.AutoCloseAfter
}

// afterCommit runs the side effects of a committed change. None of them can fail the change.
func (s *TransactionEngine) afterCommit(ctx context.Context, merchant *models.Merchant, t *models.Transaction, now time.Time) {
	s.events.Publish(ctx, t, now)
	if s.callbacks == nil || merchant == nil {
		return
	}

	url := ""
	switch {
	case t.HookURI != nil:
		url = *t.HookURI
	case merchant.CallbackURL != nil:
		url = *merchant.CallbackURL
	}
	if url == "" {
		return
	}

	change, err := s.balances.MerchantTrustChange(ctx, merchant.ID, t.ID)
	if err != nil {
		log.Printf("[TRANSACTION] Trust change for callback %s unavailable: %v", t.ID, err)
	}
	job := CallbackJob{
		URL: url,
		Payload: CallbackPayload{
			ID:                    t.ID,
			Status:                string(t.Status),
			Amount:                t.Amount,
			MerchantTrustChange:   change,
			Currency:              t.CurrencyID,
			ExchangeRate:          t.ExchangeRate,
			MerchantTransactionID: t.MerchantTransactionID,
			Direction:             string(t.Direction),
		},
	}
	if merchant.CallbackSecret != nil {
		job.SealedSecret = *merchant.CallbackSecret
	}
	s.callbacks.Enqueue(job)
}

func (s *TransactionEngine) checkLowBalance(ctx context.Context, teamID, balanceID string, model models.EconomicModel, credit int64) {
	if s.notifier == nil {
		return
	}
	b, err := s.balances.Read(ctx, balanceID)
	if err != nil {
		return
	}
	trust := trustOf(b, model)
	if trust >= credit*config.Decimals {
		return
	}
	s.notifier.PublishThrottled(ctx, Notification{
		EventType: EventLowBalance,
		TargetID:  teamID,
		Data:      map[string]any{"trust_balance": trust, "credit_factor": credit},
	}, s.cfg.LowBalanceNotifyLimit)
}

// Info returns a merchant's transaction by id or by its merchant transaction id,
// with the merchant's trust change caused by it.
func (s *TransactionEngine) Info(ctx context.Context, merchantID, id, merchantTxID string) (*models.Transaction, int64, error) {
	if id == "" && merchantTxID == "" {
		return nil, 0, fmt.Errorf("%w: id or merchant_transaction_id required", ErrValidation)
	}
	t, err := scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM external_transactions
		WHERE merchant_id = $1
			AND ($2 = '' OR id::text = $2)
			AND ($3 = '' OR merchant_transaction_id = $3)
		LIMIT 1`, merchantID, id, merchantTxID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrTransactionNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("transaction info: %w", err)
	}
	change, err := s.balances.MerchantTrustChange(ctx, merchantID, t.ID)
	if err != nil {
		return nil, 0, err
	}
	return t, change, nil
}

// List pages through transactions by priority. The returned cursor is nil on the last page.
func (s *TransactionEngine) List(ctx context.Context, f ListFilter) ([]models.Transaction, *Cursor, error) {
	out, err := listTransactions(ctx, s.db, f)
	if err != nil {
		return nil, nil, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) < limit {
		return out, nil, nil
	}
	last := out[len(out)-1]
	return out, &Cursor{Priority: last.Priority, ID: last.ID}, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func observeTransition(to models.Status, err error) {
	result := "ok"
	if err != nil {
		code, _ := ErrorCode(err)
		result = code
	}
	metrics.Transitions.WithLabelValues(string(to), result).Inc()
}
