package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/lib/pq"
	"github.com/settlepay/backbone/internal/hsm"
	"github.com/settlepay/backbone/internal/metrics"
	"github.com/settlepay/backbone/internal/models"
)

// BalanceService appends ledger entries and keeps one snapshot per balance.
// Posting the same transaction twice is not deduplicated here.
type BalanceService struct {
	db    *sql.DB
	audit *hsm.AuditLogger
}

func NewBalanceService(db *sql.DB) *BalanceService {
	return &BalanceService{
		db:    db,
		audit: hsm.NewAuditLogger(),
	}
}

const postBalanceChangeSQL = `
WITH change AS (
	INSERT INTO balance_changes (user_id, balance_id, transaction_id,
		trust_balance, locked_balance, profit_balance,
		fiat_trust_balance, fiat_locked_balance, fiat_profit_balance)
	SELECT u.id, u.balance_id, $2::uuid, $3::bigint, $4::bigint, $5::bigint, $6::bigint, $7::bigint, $8::bigint
	FROM users u
	WHERE u.balance_id = $1::uuid
	RETURNING id, balance_id, trust_balance, locked_balance, profit_balance,
		fiat_trust_balance, fiat_locked_balance, fiat_profit_balance
), snapshot AS (
	INSERT INTO balance_snapshots (balance_id, trust_balance, locked_balance, profit_balance,
		fiat_trust_balance, fiat_locked_balance, fiat_profit_balance, last_change_id)
	SELECT balance_id, trust_balance, locked_balance, profit_balance,
		fiat_trust_balance, fiat_locked_balance, fiat_profit_balance, id
	FROM change
	ON CONFLICT (balance_id) DO UPDATE SET
		trust_balance = balance_snapshots.trust_balance + EXCLUDED.trust_balance,
		locked_balance = balance_snapshots.locked_balance + EXCLUDED.locked_balance,
		profit_balance = balance_snapshots.profit_balance + EXCLUDED.profit_balance,
		fiat_trust_balance = balance_snapshots.fiat_trust_balance + EXCLUDED.fiat_trust_balance,
		fiat_locked_balance = balance_snapshots.fiat_locked_balance + EXCLUDED.fiat_locked_balance,
		fiat_profit_balance = balance_snapshots.fiat_profit_balance + EXCLUDED.fiat_profit_balance,
		last_change_id = GREATEST(balance_snapshots.last_change_id, EXCLUDED.last_change_id),
		update_timestamp = now()
	RETURNING balance_id
)
SELECT id FROM change`

// Post appends one entry and merges it into the snapshot in a single statement.
func (s *BalanceService) Post(ctx context.Context, q Querier, p models.Posting) (int64, error) {
	var changeID int64
	err := q.QueryRowContext(ctx, postBalanceChangeSQL,
		p.BalanceID, nullString(p.TransactionID),
		p.TrustBalance, p.LockedBalance, p.ProfitBalance,
		p.FiatTrustBalance, p.FiatLockedBalance, p.FiatProfitBalance,
	).Scan(&changeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: balance %s", ErrAccountNotFound, p.BalanceID)
	}
	if err != nil {
		return 0, fmt.Errorf("post balance change: %w", err)
	}

	metrics.LedgerPostings.Inc()
	s.audit.LogPosting(p.TransactionID, p.BalanceID, postingDeltas(p))
	return changeID, nil
}

const postBalanceChangesSQL = `
WITH input AS (
	SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::bigint[], $4::bigint[], $5::bigint[],
		$6::bigint[], $7::bigint[], $8::bigint[], $9::int[])
		AS i(balance_id, transaction_id, trust_balance, locked_balance, profit_balance,
			fiat_trust_balance, fiat_locked_balance, fiat_profit_balance, ord)
), change AS (
	INSERT INTO balance_changes (user_id, balance_id, transaction_id,
		trust_balance, locked_balance, profit_balance,
		fiat_trust_balance, fiat_locked_balance, fiat_profit_balance)
	SELECT u.id, u.balance_id, i.transaction_id, i.trust_balance, i.locked_balance, i.profit_balance,
		i.fiat_trust_balance, i.fiat_locked_balance, i.fiat_profit_balance
	FROM input i
	JOIN users u ON u.balance_id = i.balance_id
	ORDER BY i.ord
	RETURNING id, balance_id, trust_balance, locked_balance, profit_balance,
		fiat_trust_balance, fiat_locked_balance, fiat_profit_balance
), snapshot AS (
	INSERT INTO balance_snapshots (balance_id, trust_balance, locked_balance, profit_balance,
		fiat_trust_balance, fiat_locked_balance, fiat_profit_balance, last_change_id)
	SELECT balance_id, SUM(trust_balance), SUM(locked_balance), SUM(profit_balance),
		SUM(fiat_trust_balance), SUM(fiat_locked_balance), SUM(fiat_profit_balance), MAX(id)
	FROM change
	GROUP BY balance_id
	ON CONFLICT (balance_id) DO UPDATE SET
		trust_balance = balance_snapshots.trust_balance + EXCLUDED.trust_balance,
		locked_balance = balance_snapshots.locked_balance + EXCLUDED.locked_balance,
		profit_balance = balance_snapshots.profit_balance + EXCLUDED.profit_balance,
		fiat_trust_balance = balance_snapshots.fiat_trust_balance + EXCLUDED.fiat_trust_balance,
		fiat_locked_balance = balance_snapshots.fiat_locked_balance + EXCLUDED.fiat_locked_balance,
		fiat_profit_balance = balance_snapshots.fiat_profit_balance + EXCLUDED.fiat_profit_balance,
		last_change_id = GREATEST(balance_snapshots.last_change_id, EXCLUDED.last_change_id),
		update_timestamp = now()
	RETURNING balance_id
)
SELECT count(*) FROM change`

// PostBatch appends several entries in one statement. A batch may touch the
// same balance more than once. Any unresolved balance fails the whole batch
// with ErrAccountNotFound; the caller's transaction must be rolled back.
func (s *BalanceService) PostBatch(ctx context.Context, q Querier, postings []models.Posting) error {
	if len(postings) == 0 {
		return nil
	}

	n := len(postings)
	balanceIDs := make([]string, n)
	txIDs := make([]sql.NullString, n)
	trust, locked, profit := make([]int64, n), make([]int64, n), make([]int64, n)
	fTrust, fLocked, fProfit := make([]int64, n), make([]int64, n), make([]int64, n)
	ord := make([]int64, n)
	for i, p := range postings {
		balanceIDs[i] = p.BalanceID
		txIDs[i] = nullString(p.TransactionID)
		trust[i], locked[i], profit[i] = p.TrustBalance, p.LockedBalance, p.ProfitBalance
		fTrust[i], fLocked[i], fProfit[i] = p.FiatTrustBalance, p.FiatLockedBalance, p.FiatProfitBalance
		ord[i] = int64(i)
	}

	var inserted int
	err := q.QueryRowContext(ctx, postBalanceChangesSQL,
		pq.Array(balanceIDs), pq.Array(txIDs),
		pq.Array(trust), pq.Array(locked), pq.Array(profit),
		pq.Array(fTrust), pq.Array(fLocked), pq.Array(fProfit),
		pq.Array(ord),
	).Scan(&inserted)
	if err != nil {
		return fmt.Errorf("post balance changes: %w", err)
	}
	if inserted != n {
		return fmt.Errorf("%w: %d of %d balances resolved", ErrAccountNotFound, inserted, n)
	}

	metrics.LedgerPostings.Add(float64(n))
	for _, p := range postings {
		s.audit.LogPosting(p.TransactionID, p.BalanceID, postingDeltas(p))
	}
	return nil
}

// Read returns the snapshot of balanceID. A balance that was never posted to reads as zeros.
func (s *BalanceService) Read(ctx context.Context, balanceID string) (models.Balance, error) {
	return s.read(ctx, s.db, balanceID)
}

// ReadIn reads within q, so a caller inside a unit of work sees its own postings.
func (s *BalanceService) ReadIn(ctx context.Context, q Querier, balanceID string) (models.Balance, error) {
	return s.read(ctx, q, balanceID)
}

func (s *BalanceService) read(ctx context.Context, q Querier, balanceID string) (models.Balance, error) {
	var b models.Balance
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(s.trust_balance, 0), COALESCE(s.locked_balance, 0), COALESCE(s.profit_balance, 0),
			COALESCE(s.fiat_trust_balance, 0), COALESCE(s.fiat_locked_balance, 0), COALESCE(s.fiat_profit_balance, 0)
		FROM users u
		LEFT JOIN balance_snapshots s ON s.balance_id = u.balance_id
		WHERE u.balance_id = $1`, balanceID).Scan(
		&b.TrustBalance, &b.LockedBalance, &b.ProfitBalance,
		&b.FiatTrustBalance, &b.FiatLockedBalance, &b.FiatProfitBalance,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return b, fmt.Errorf("%w: balance %s", ErrAccountNotFound, balanceID)
	}
	if err != nil {
		return b, fmt.Errorf("read balance: %w", err)
	}
	return b, nil
}

// BalanceIDOfUser resolves the balance owned by userID.
func (s *BalanceService) BalanceIDOfUser(ctx context.Context, q Querier, userID string) (string, error) {
	var balanceID string
	err := q.QueryRowContext(ctx, `SELECT balance_id FROM users WHERE id = $1`, userID).Scan(&balanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: user %s", ErrAccountNotFound, userID)
	}
	return balanceID, err
}

// Replay folds the ledger up to the snapshot's last applied change.
// It returns the replayed balance and the snapshot it was compared against.
func (s *BalanceService) Replay(ctx context.Context, balanceID string) (models.Balance, models.BalanceSnapshot, error) {
	var snap models.BalanceSnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_id, trust_balance, locked_balance, profit_balance,
			fiat_trust_balance, fiat_locked_balance, fiat_profit_balance, last_change_id
		FROM balance_snapshots
		WHERE balance_id = $1`, balanceID).Scan(
		&snap.BalanceID, &snap.TrustBalance, &snap.LockedBalance, &snap.ProfitBalance,
		&snap.FiatTrustBalance, &snap.FiatLockedBalance, &snap.FiatProfitBalance, &snap.LastChangeID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Balance{}, snap, fmt.Errorf("%w: no snapshot for %s", ErrAccountNotFound, balanceID)
	}
	if err != nil {
		return models.Balance{}, snap, fmt.Errorf("read snapshot: %w", err)
	}

	var b models.Balance
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(trust_balance), 0), COALESCE(SUM(locked_balance), 0), COALESCE(SUM(profit_balance), 0),
			COALESCE(SUM(fiat_trust_balance), 0), COALESCE(SUM(fiat_locked_balance), 0), COALESCE(SUM(fiat_profit_balance), 0)
		FROM balance_changes
		WHERE balance_id = $1 AND id <= $2`, balanceID, snap.LastChangeID).Scan(
		&b.TrustBalance, &b.LockedBalance, &b.ProfitBalance,
		&b.FiatTrustBalance, &b.FiatLockedBalance, &b.FiatProfitBalance,
	)
	if err != nil {
		return b, snap, fmt.Errorf("replay balance: %w", err)
	}
	return b, snap, nil
}

// RecentlyTouched lists the most recently updated balances.
func (s *BalanceService) RecentlyTouched(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT balance_id FROM balance_snapshots
		ORDER BY update_timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MerchantTrustChange sums the merchant's crypto trust and locked deltas for one transaction.
func (s *BalanceService) MerchantTrustChange(ctx context.Context, merchantID, transactionID string) (int64, error) {
	var change int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(trust_balance + locked_balance), 0)
		FROM balance_changes
		WHERE transaction_id = $1 AND user_id = $2`, transactionID, merchantID).Scan(&change)
	if err != nil {
		log.Printf("[BALANCE] Failed to sum merchant trust change for %s: %v", transactionID, err)
		return 0, err
	}
	return change, nil
}

func postingDeltas(p models.Posting) map[string]int64 {
	deltas := make(map[string]int64, 6)
	for k, v := range map[string]int64{
		"trust":       p.TrustBalance,
		"locked":      p.LockedBalance,
		"profit":      p.ProfitBalance,
		"fiat_trust":  p.FiatTrustBalance,
		"fiat_locked": p.FiatLockedBalance,
		"fiat_profit": p.FiatProfitBalance,
	} {
		if v != 0 {
			deltas[k] = v
		}
	}
	return deltas
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
