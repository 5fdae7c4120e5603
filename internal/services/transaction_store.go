package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/settlepay/backbone/internal/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const transactionColumns = `
	id, merchant_id, merchant_transaction_id, merchant_payer_id, direction, amount, exchange_rate,
	currency_id, status, final_status, economic_model, team_id, bank_detail_id, bank_detail_bank,
	bank_detail_number, bank_detail_name, type, tag_id, hook_uri, priority, count_hold,
	transfer_to_team_timestamp, create_timestamp, final_status_timestamp, reason`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var payer, final, team, channel, bank sql.NullString
	var number, name, typ, tag, hook, reason sql.NullString
	var transferred, finalAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.MerchantID, &t.MerchantTransactionID, &payer, &t.Direction, &t.Amount, &t.ExchangeRate,
		&t.CurrencyID, &t.Status, &final, &t.EconomicModel, &team, &channel, &bank,
		&number, &name, &typ, &tag, &hook, &t.Priority, &t.CountHold,
		&transferred, &t.CreateTimestamp, &finalAt, &reason,
	)
	if err != nil {
		return nil, err
	}
	t.MerchantPayerID = ptrString(payer)
	if final.Valid {
		fs := models.FinalStatus(final.String)
		t.FinalStatus = &fs
	}
	t.TeamID = ptrString(team)
	t.BankDetailID = ptrString(channel)
	t.BankDetailBank = ptrString(bank)
	t.BankDetailNumber = ptrString(number)
	t.BankDetailName = ptrString(name)
	t.Type = ptrString(typ)
	t.TagID = ptrString(tag)
	t.HookURI = ptrString(hook)
	t.Reason = ptrString(reason)
	t.TransferToTeamTimestamp = ptrTime(transferred)
	t.FinalStatusTimestamp = ptrTime(finalAt)
	return &t, nil
}

func ptrTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// lockTransaction reads a transaction row and holds its row lock until tx ends.
func lockTransaction(ctx context.Context, tx *sql.Tx, id string) (*models.Transaction, error) {
	t, err := scanTransaction(tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM external_transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	return t, nil
}

const merchantColumns = `
	u.id, u.balance_id, m.currency_id, u.economic_model, u.credit_factor, m.callback_url,
	m.callback_secret, m.direct_outbound, m.left_eps_change_amount, m.right_eps_change_amount,
	m.is_whitelist, m.min_fiat_amount_in, m.max_fiat_amount_in,
	m.transaction_auto_close_time_s, m.transaction_outbound_auto_close_time_s`

func loadMerchant(ctx context.Context, q Querier, merchantID string) (*models.Merchant, error) {
	var m models.Merchant
	var callbackURL, secret sql.NullString
	var minIn, maxIn, inClose, outClose sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT `+merchantColumns+`
		FROM merchants m JOIN users u ON u.id = m.id
		WHERE m.id = $1 AND NOT u.is_blocked`, merchantID).Scan(
		&m.ID, &m.BalanceID, &m.CurrencyID, &m.EconomicModel, &m.CreditFactor, &callbackURL,
		&secret, &m.DirectOutbound, &m.LeftEpsChangeAmount, &m.RightEpsChangeAmount,
		&m.IsWhitelist, &minIn, &maxIn, &inClose, &outClose,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMerchantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load merchant: %w", err)
	}
	m.CallbackURL = ptrString(callbackURL)
	m.CallbackSecret = ptrString(secret)
	m.MinFiatAmountIn = ptrInt64(minIn)
	m.MaxFiatAmountIn = ptrInt64(maxIn)
	m.InboundAutoCloseAfter = ptrInt64(inClose)
	m.OutboundAutoCloseAfter = ptrInt64(outClose)
	return &m, nil
}

func ptrInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

// loadFeeContracts returns the live contracts of a (merchant, team, tag) triple.
func loadFeeContracts(ctx context.Context, q Querier, merchantID, teamID string, tagID *string) ([]models.FeeContract, error) {
	var tag sql.NullString
	if tagID != nil {
		tag = sql.NullString{String: *tagID, Valid: true}
	}
	rows, err := q.QueryContext(ctx, `
		SELECT fc.merchant_id, fc.team_id, fc.user_id, u.balance_id, fc.inbound_fee, fc.outbound_fee
		FROM fee_contracts fc
		JOIN users u ON u.id = fc.user_id
		WHERE fc.merchant_id = $1 AND fc.team_id = $2 AND NOT fc.is_deleted
			AND fc.tag_id IS NOT DISTINCT FROM $3::uuid
		ORDER BY fc.user_id`, merchantID, teamID, tag)
	if err != nil {
		return nil, fmt.Errorf("load fee contracts: %w", err)
	}
	defer rows.Close()

	var contracts []models.FeeContract
	for rows.Next() {
		var c models.FeeContract
		if err := rows.Scan(&c.MerchantID, &c.TeamID, &c.UserID, &c.BalanceID, &c.InboundFee, &c.OutboundFee); err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

func resolveTag(ctx context.Context, q Querier, code string) (*string, error) {
	if code == "" {
		return nil, nil
	}
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM tags WHERE code = $1`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tag: %w", err)
	}
	return &id, nil
}

// exchangeRate returns the DECIMALS-scaled rate of currencyID for direction.
func exchangeRate(ctx context.Context, q Querier, currencyID string, direction models.Direction) (int64, error) {
	column := "inbound_exchange_rate"
	if direction == models.DirectionOutbound {
		column = "outbound_exchange_rate"
	}
	var rate int64
	err := q.QueryRowContext(ctx, `SELECT `+column+` FROM currencies WHERE id = $1`, currencyID).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCurrencyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("exchange rate: %w", err)
	}
	return rate, nil
}

func ensureUniqueMerchantTransaction(ctx context.Context, q Querier, merchantID, merchantTxID string) error {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM external_transactions
			WHERE merchant_id = $1 AND merchant_transaction_id = $2)`, merchantID, merchantTxID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("dedupe: %w", err)
	}
	if exists {
		return ErrDuplicateMerchantTransaction
	}
	return nil
}

// Cursor is the exclusive (priority, id) position of a listing page.
type Cursor struct {
	Priority int64  `json:"priority"`
	ID       string `json:"id"`
}

// ListFilter selects transactions for the operator listing, ordered by priority then id.
type ListFilter struct {
	MerchantID string
	TeamID     string
	Status     models.Status
	Direction  models.Direction
	After      *Cursor
	Limit      int
}

func listTransactions(ctx context.Context, q Querier, f ListFilter) ([]models.Transaction, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var afterPriority sql.NullInt64
	afterID := ""
	if f.After != nil {
		afterPriority = sql.NullInt64{Int64: f.After.Priority, Valid: true}
		afterID = f.After.ID
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM external_transactions
		WHERE ($1 = '' OR merchant_id::text = $1)
			AND ($2 = '' OR team_id::text = $2)
			AND ($3 = '' OR status = $3)
			AND ($4 = '' OR direction = $4)
			AND ($5::bigint IS NULL OR (priority, id::text) > ($5, $6))
		ORDER BY priority, id::text
		LIMIT $7`, f.MerchantID, f.TeamID, string(f.Status), string(f.Direction), afterPriority, afterID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
