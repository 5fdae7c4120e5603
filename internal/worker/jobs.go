package worker

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/settlepay/backbone/internal/clock"
	"github.com/settlepay/backbone/internal/config"
	"github.com/settlepay/backbone/internal/logger"
	"github.com/settlepay/backbone/internal/metrics"
	"github.com/settlepay/backbone/internal/services"
)

// AutoCloser closes a transaction that ran out of time.
type AutoCloser interface {
	AutoClose(ctx context.Context, id string) error
}

// Reconciler holds the periodic jobs that repair state the request path
// leaves behind: expired transactions, stale bindings and counters.
type Reconciler struct {
	DB         *sql.DB
	Engine     AutoCloser
	Scheduler  *services.AutoCloseScheduler
	Exhaustion *services.ExhaustionRecorder
	Notifier   *services.Notifier
	Balances   *services.BalanceService
	Clock      clock.Clock
	Config     *config.WorkerConfig
	EngineCfg  *config.EngineConfig

	log zerolog.Logger
}

const claimBatch = 500

// Jobs lists every reconciliation job with its configured interval.
func (c *Reconciler) Jobs() []Job {
	c.log = logger.New("reconciler")
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	return []Job{
		{Name: "auto-close", Interval: c.Config.AutoCloseInterval, Run: c.AutoCloseDue},
		{Name: "pending-sweep", Interval: c.Config.PendingSweepInterval, Run: c.SweepPending},
		{Name: "vip-unbind", Interval: c.Config.VipUnbindInterval, Run: c.UnbindVipPayers},
		{Name: "outbound-unbind", Interval: c.Config.OutboundInterval, Run: c.UnbindOutbound},
		{Name: "exhaustion-cleanup", Interval: c.Config.ExhaustionInterval, Run: c.CleanupExhaustion},
		{Name: "close-streak", Interval: c.Config.CloseStreakInterval, Run: c.DisableCloseStreaks},
		{Name: "balance-audit", Interval: c.Config.BalanceAuditInterval, Run: c.AuditBalances},
	}
}

func (c *Reconciler) closeAll(ctx context.Context, ids []string) int64 {
	var closed int64
	for _, id := range ids {
		if err := c.Engine.AutoClose(ctx, id); err != nil {
			c.log.Error().Err(err).Str("transaction_id", id).Msg("auto-close")
			continue
		}
		closed++
	}
	return closed
}

// AutoCloseDue closes transactions whose scheduled deadline has passed.
func (c *Reconciler) AutoCloseDue(ctx context.Context) (int64, error) {
	ids, err := c.Scheduler.Claim(ctx, c.Clock.Now(), claimBatch)
	if err != nil {
		return 0, fmt.Errorf("claim due: %w", err)
	}
	return c.closeAll(ctx, ids), nil
}

const sweepPendingSQL = `
SELECT et.id
FROM external_transactions et
JOIN merchants m ON m.id = et.merchant_id
WHERE et.status = 'pending'
	AND et.create_timestamp + make_interval(secs => COALESCE(
		CASE WHEN et.direction = 'inbound' THEN m.transaction_auto_close_time_s
			ELSE m.transaction_outbound_auto_close_time_s END, $1)) <= $2
ORDER BY et.create_timestamp
LIMIT $3`

// SweepPending closes expired pending transactions straight from the table,
// covering deadlines the schedule lost.
func (c *Reconciler) SweepPending(ctx context.Context) (int64, error) {
	rows, err := c.DB.QueryContext(ctx, sweepPendingSQL,
		int64(c.EngineCfg.AutoCloseAfter.Seconds()), c.Clock.Now(), claimBatch)
	if err != nil {
		return 0, fmt.Errorf("select expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return c.closeAll(ctx, ids), nil
}

// A binding goes when its payer never got an accept on the profile, the
// profile is no longer VIP anywhere, or the profile has no live channel.
// Payers with a pending transaction on the profile keep their binding.
const unbindVipSQL = `
WITH inactive_profiles AS (
	SELECT profile_id
	FROM bank_details
	WHERE profile_id IS NOT NULL
	GROUP BY profile_id
	HAVING BOOL_AND(NOT is_vip) AND BOOL_AND(update_timestamp <= $1)
),
deleted AS (
	DELETE FROM vip_payers vp
	WHERE (
		(vp.last_accept_timestamp IS NULL AND EXISTS (
			SELECT 1 FROM external_transactions et
			JOIN bank_details bd ON bd.id = et.bank_detail_id
			WHERE et.merchant_payer_id = vp.payer_id AND bd.profile_id = vp.profile_id
				AND et.status <> 'pending'))
		OR vp.profile_id IN (SELECT profile_id FROM inactive_profiles)
		OR NOT EXISTS (
			SELECT 1 FROM bank_details bd
			WHERE bd.profile_id = vp.profile_id AND NOT bd.is_deleted)
	)
	AND NOT EXISTS (
		SELECT 1 FROM external_transactions et
		JOIN bank_details bd ON bd.id = et.bank_detail_id
		WHERE et.merchant_payer_id = vp.payer_id AND bd.profile_id = vp.profile_id
			AND et.status = 'pending')
	RETURNING vp.profile_id
),
per_profile AS (
	SELECT profile_id, count(*) AS n FROM deleted GROUP BY profile_id
),
counters AS (
	UPDATE bank_details bd
	SET count_vip_payers = GREATEST(0, bd.count_vip_payers - pp.n)
	FROM per_profile pp
	WHERE bd.profile_id = pp.profile_id
	RETURNING bd.id
)
SELECT count(*) FROM deleted`

func (c *Reconciler) UnbindVipPayers(ctx context.Context) (int64, error) {
	var n int64
	err := c.DB.QueryRowContext(ctx, unbindVipSQL, c.Clock.Now().Add(-c.Config.VipInactivity)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unbind vip payers: %w", err)
	}
	return n, nil
}

// Pay-outs a team picked up but never started go back to the pool, and the
// team's daily usage is given back.
const unbindOutboundSQL = `
WITH stale AS (
	SELECT id, team_id, amount
	FROM external_transactions
	WHERE direction = 'outbound' AND status = 'pending'
		AND team_id IS NOT NULL AND transfer_to_team_timestamp < $1
	FOR UPDATE SKIP LOCKED
),
unbound AS (
	UPDATE external_transactions et
	SET team_id = NULL, transfer_to_team_timestamp = NULL, count_hold = 0
	FROM stale
	WHERE et.id = stale.id
	RETURNING stale.team_id, stale.amount
),
per_team AS (
	SELECT team_id, SUM(amount / 1000000) AS fiat, count(*) AS n
	FROM unbound GROUP BY team_id
),
usage AS (
	UPDATE teams t
	SET today_outbound_amount_used = CASE
		WHEN t.last_outbound_timestamp IS NULL OR t.last_outbound_timestamp::date < $2::date THEN 0
		ELSE GREATEST(0, t.today_outbound_amount_used - pt.fiat) END
	FROM per_team pt
	WHERE t.id = pt.team_id
	RETURNING t.id
)
SELECT COALESCE(SUM(n), 0) FROM per_team`

func (c *Reconciler) UnbindOutbound(ctx context.Context) (int64, error) {
	now := c.Clock.Now()
	var n int64
	err := c.DB.QueryRowContext(ctx, unbindOutboundSQL, now.Add(-c.Config.OutboundUnbind), now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unbind outbound: %w", err)
	}
	return n, nil
}

func (c *Reconciler) CleanupExhaustion(ctx context.Context) (int64, error) {
	return c.Exhaustion.Cleanup(ctx, c.Config.ExhaustionRetention)
}

// Counts, per active channel, the closes finalised in the window since the
// channel was last disabled, stopping at the most recent non-close.
const closeStreakSQL = `
WITH recent AS (
	SELECT et.bank_detail_id, et.status,
		ROW_NUMBER() OVER (PARTITION BY et.bank_detail_id ORDER BY et.final_status_timestamp DESC) AS row_num
	FROM external_transactions et
	JOIN bank_details bd ON bd.id = et.bank_detail_id
	WHERE et.direction = 'inbound'
		AND et.final_status_timestamp >= $1
		AND et.create_timestamp >= COALESCE(bd.last_disable, '-infinity'::timestamptz)
		AND bd.is_active
),
flags AS (
	SELECT *, SUM(CASE WHEN status = 'close' THEN 0 ELSE 1 END) OVER (
		PARTITION BY bank_detail_id ORDER BY row_num
		ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW) AS non_close_seen
	FROM recent
)
SELECT bank_detail_id
FROM flags
WHERE status = 'close' AND non_close_seen = 0
GROUP BY bank_detail_id
HAVING count(*) >= $2`

// DisableCloseStreaks turns off channels whose latest transactions were all closed.
func (c *Reconciler) DisableCloseStreaks(ctx context.Context) (int64, error) {
	now := c.Clock.Now()
	rows, err := c.DB.QueryContext(ctx, closeStreakSQL, now.Add(-c.Config.CloseStreakWindow), c.Config.CloseStreakThreshold)
	if err != nil {
		return 0, fmt.Errorf("find close streaks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	rows, err = c.DB.QueryContext(ctx, `
		UPDATE bank_details SET is_active = FALSE, last_disable = $2, update_timestamp = $2
		WHERE id = ANY($1::uuid[]) AND is_active
		RETURNING id, team_id`, pq.Array(ids), now)
	if err != nil {
		return 0, fmt.Errorf("disable channels: %w", err)
	}
	defer rows.Close()

	var disabled int64
	for rows.Next() {
		var channelID, teamID string
		if err := rows.Scan(&channelID, &teamID); err != nil {
			return disabled, err
		}
		disabled++
		c.log.Warn().Str("bank_detail_id", channelID).Str("team_id", teamID).Msg("channel disabled after close streak")
		c.Notifier.Publish(ctx, services.Notification{
			EventType: services.EventChannelDisabled,
			TargetID:  teamID,
			Data: map[string]any{
				"bank_detail_id": channelID,
				"reason":         "close_streak",
				"threshold":      c.Config.CloseStreakThreshold,
			},
		})
	}
	return disabled, rows.Err()
}

// AuditBalances replays the ledger of recently touched balances and reports
// snapshots that disagree with it.
func (c *Reconciler) AuditBalances(ctx context.Context) (int64, error) {
	ids, err := c.Balances.RecentlyTouched(ctx, c.Config.BalanceAuditBatch)
	if err != nil {
		return 0, fmt.Errorf("recent balances: %w", err)
	}

	var drift int64
	for _, id := range ids {
		replayed, snap, err := c.Balances.Replay(ctx, id)
		if err != nil {
			c.log.Error().Err(err).Str("balance_id", id).Msg("replay")
			continue
		}
		if replayed != snap.Balance {
			drift++
			c.log.Error().
				Str("balance_id", id).
				Int64("last_change_id", snap.LastChangeID).
				Interface("snapshot", snap.Balance).
				Interface("replayed", replayed).
				Msg("balance drift")
		}
	}
	metrics.BalanceDrift.Set(float64(drift))
	return drift, nil
}
