package services

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/settlepay/backbone/internal/clock"
	"github.com/settlepay/backbone/internal/config"
	"github.com/settlepay/backbone/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transactionRowColumns = []string{
	"id", "merchant_id", "merchant_transaction_id", "merchant_payer_id", "direction", "amount", "exchange_rate",
	"currency_id", "status", "final_status", "economic_model", "team_id", "bank_detail_id", "bank_detail_bank",
	"bank_detail_number", "bank_detail_name", "type", "tag_id", "hook_uri", "priority", "count_hold",
	"transfer_to_team_timestamp", "create_timestamp", "final_status_timestamp", "reason",
}

func transactionRow(id string, dir models.Direction, status models.Status, final any, team any) []driver.Value {
	return []driver.Value{
		id, "m-1", "order-1", nil, string(dir), int64(1_000_000_000), int64(100_000_000),
		"c-1", string(status), final, "crypto", team, nil, nil,
		nil, nil, nil, nil, nil, int64(-1), 0,
		nil, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), nil, nil,
	}
}

func newTestEngine(t *testing.T) (*TransactionEngine, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine := NewTransactionEngine(EngineDeps{
		DB: db,
		Config: &config.EngineConfig{
			AutoCloseAfter: 900 * time.Second,
			MaxHoldCount:   3,
			PriorityAnchor: time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Clock: clock.FixedClock{At: time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)},
	})
	return engine, mock
}

func TestClassifyTransition(t *testing.T) {
	amended := models.FinalStatusAppeal
	accepted := models.FinalStatusAccept
	recalc := models.FinalStatusRecalc
	diff := int64(2_000_000_000)
	same := int64(1_000_000_000)

	tests := []struct {
		name    string
		tx      models.Transaction
		to      models.Status
		amount  *int64
		want    transitionKind
		wantErr bool
	}{
		{"pending close", models.Transaction{Status: models.StatusPending}, models.StatusClose, nil, kindClose, false},
		{"processing accept", models.Transaction{Status: models.StatusProcessing}, models.StatusAccept, nil, kindAccept, false},
		{"outbound hold", models.Transaction{Status: models.StatusPending, Direction: models.DirectionOutbound}, models.StatusProcessing, nil, kindHold, false},
		{"outbound return", models.Transaction{Status: models.StatusProcessing, Direction: models.DirectionOutbound}, models.StatusPending, nil, kindReturn, false},
		{"inbound hold rejected", models.Transaction{Status: models.StatusPending, Direction: models.DirectionInbound}, models.StatusProcessing, nil, 0, true},
		{"appeal closed", models.Transaction{Status: models.StatusClose}, models.StatusAccept, nil, kindAppeal, false},
		{"second appeal rejected", models.Transaction{Status: models.StatusClose, FinalStatus: &amended}, models.StatusAccept, nil, 0, true},
		{"revise accepted amount", models.Transaction{Status: models.StatusAccept, Amount: same, FinalStatus: &accepted}, models.StatusAccept, &diff, kindRevision, false},
		{"same amount is no revision", models.Transaction{Status: models.StatusAccept, Amount: same}, models.StatusAccept, &same, 0, true},
		{"revision after corrected accept rejected", models.Transaction{Status: models.StatusAccept, Amount: same, FinalStatus: &recalc}, models.StatusAccept, &diff, 0, true},
		{"revise twice rejected", models.Transaction{Status: models.StatusAccept, Amount: same, FinalStatus: &amended}, models.StatusAccept, &diff, 0, true},
		{"accept to close rejected", models.Transaction{Status: models.StatusAccept}, models.StatusClose, nil, 0, true},
		{"double close rejected", models.Transaction{Status: models.StatusClose}, models.StatusClose, nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := classifyTransition(&tt.tx, tt.to, tt.amount)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidStatusTransition)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestTransactionEngine_Transition_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("double close", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM external_transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(transactionRow("tx-1", models.DirectionInbound, models.StatusClose, "cancel", "team-1")...))
		mock.ExpectRollback()

		_, err := engine.Transition(ctx, TransitionRequest{ID: "tx-1", Status: models.StatusClose})
		assert.ErrorIs(t, err, ErrInvalidStatusTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other team", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM external_transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("tx-2").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(transactionRow("tx-2", models.DirectionInbound, models.StatusPending, nil, "team-1")...))
		mock.ExpectRollback()

		_, err := engine.Transition(ctx, TransitionRequest{ID: "tx-2", Status: models.StatusAccept, ActorTeamID: "team-2"})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		zero := int64(0)

		_, err := engine.Transition(ctx, TransitionRequest{ID: "tx-3", Status: models.StatusAccept, Amount: &zero})
		assert.ErrorIs(t, err, ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transaction", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FROM external_transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns))
		mock.ExpectRollback()

		_, err := engine.Transition(ctx, TransitionRequest{ID: "missing", Status: models.StatusClose})
		assert.ErrorIs(t, err, ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionEngine_AutoClose_SkipsFinishedWork(t *testing.T) {
	ctx := context.Background()

	t.Run("already accepted", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(transactionRow("tx-1", models.DirectionInbound, models.StatusAccept, "accept", "team-1")...))
		mock.ExpectRollback()

		assert.NoError(t, engine.AutoClose(ctx, "tx-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("outbound in processing", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("tx-2").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(transactionRow("tx-2", models.DirectionOutbound, models.StatusProcessing, nil, "team-1")...))
		mock.ExpectRollback()

		assert.NoError(t, engine.AutoClose(ctx, "tx-2"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gone", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("tx-3").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns))
		mock.ExpectRollback()

		assert.NoError(t, engine.AutoClose(ctx, "tx-3"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

var testNow = time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)

// channelRow is an inbound transaction routed to channel bd-1 of team-1.
func channelRow(id string, status models.Status, final any) []driver.Value {
	row := transactionRow(id, models.DirectionInbound, status, final, "team-1")
	row[12] = "bd-1"
	return row
}

func expectLocked(m sqlmock.Sqlmock, row []driver.Value) {
	m.ExpectQuery("FROM external_transactions WHERE id = \\$1 FOR UPDATE").
		WithArgs(row[0]).
		WillReturnRows(sqlmock.NewRows(transactionRowColumns).AddRow(row...))
}

func expectFinalUpdate(m sqlmock.Sqlmock, id, status, final string, amount int64) {
	m.ExpectExec("UPDATE external_transactions SET status = \\$2").
		WithArgs(id, status, final, amount, sqlmock.AnyArg(), testNow, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestTransactionEngine_Transition_AcceptPostsFeeShares(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	expectLocked(mock, channelRow("tx-1", models.StatusPending, nil))
	expectMerchant(mock, 0, 0)
	mock.ExpectQuery("FROM fee_contracts fc").
		WithArgs("m-1", "team-1", nil).
		WillReturnRows(standardContracts())
	// 1000 fiat at 100 per unit settles 10 units, split 97/2/1.
	mock.ExpectQuery("unnest").
		WithArgs(
			pgArray(`{"b-merchant","b-team","b-agent"}`), sqlmock.AnyArg(),
			pgArray("{9700000,0,0}"), pgArray("{0,-10000000,0}"), pgArray("{0,200000,100000}"),
			pgArray("{0,0,0}"), pgArray("{0,0,0}"), pgArray("{0,0,0}"),
			pgArray("{0,1,2}"),
		).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec("pending_count = GREATEST\\(pending_count - 1, 0\\)").
		WithArgs("bd-1", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("count_pending_inbound = GREATEST\\(count_pending_inbound - 1, 0\\)").
		WithArgs("team-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("today_transactions_count = CASE").
		WithArgs("bd-1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectFinalUpdate(mock, "tx-1", "accept", "accept", 1_000_000_000)
	mock.ExpectCommit()

	tr, err := engine.Transition(context.Background(), TransitionRequest{ID: "tx-1", Status: models.StatusAccept, ActorTeamID: "team-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccept, tr.Status)
	require.NotNil(t, tr.FinalStatus)
	assert.Equal(t, models.FinalStatusAccept, *tr.FinalStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionEngine_Transition_CloseReleasesLock(t *testing.T) {
	ctx := context.Background()
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	expectLocked(mock, channelRow("tx-1", models.StatusPending, nil))
	expectMerchant(mock, 0, 0)
	mock.ExpectQuery("SELECT balance_id FROM users WHERE id = \\$1").
		WithArgs("team-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_id"}).AddRow("b-team"))
	mock.ExpectQuery("INSERT INTO balance_changes").
		WithArgs("b-team", "tx-1", int64(10_000_000), int64(-10_000_000), int64(0), int64(0), int64(0), int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("pending_count = GREATEST\\(pending_count - 1, 0\\)").
		WithArgs("bd-1", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("count_pending_inbound = GREATEST\\(count_pending_inbound - 1, 0\\)").
		WithArgs("team-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectFinalUpdate(mock, "tx-1", "close", "cancel", 1_000_000_000)
	mock.ExpectCommit()

	tr, err := engine.Transition(ctx, TransitionRequest{ID: "tx-1", Status: models.StatusClose})
	require.NoError(t, err)
	require.NotNil(t, tr.FinalStatus)
	assert.Equal(t, models.FinalStatusCancel, *tr.FinalStatus)

	// The stored row is now closed: a repeated close changes nothing.
	mock.ExpectBegin()
	expectLocked(mock, channelRow("tx-1", models.StatusClose, "cancel"))
	mock.ExpectRollback()
	_, err = engine.Transition(ctx, TransitionRequest{ID: "tx-1", Status: models.StatusClose})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	mock.ExpectBegin()
	expectLocked(mock, channelRow("tx-1", models.StatusClose, "cancel"))
	mock.ExpectRollback()
	assert.NoError(t, engine.AutoClose(ctx, "tx-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionEngine_Transition_AppealCountsChannelUsage(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	expectLocked(mock, channelRow("tx-1", models.StatusClose, "cancel"))
	expectMerchant(mock, 0, 0)
	mock.ExpectQuery("FROM fee_contracts fc").
		WithArgs("m-1", "team-1", nil).
		WillReturnRows(standardContracts())
	// The closed lock is gone, so the team pays out of trust.
	mock.ExpectQuery("unnest").
		WithArgs(
			pgArray(`{"b-merchant","b-team","b-agent"}`), sqlmock.AnyArg(),
			pgArray("{9700000,-10000000,0}"), pgArray("{0,0,0}"), pgArray("{0,200000,100000}"),
			pgArray("{0,0,0}"), pgArray("{0,0,0}"), pgArray("{0,0,0}"),
			pgArray("{0,1,2}"),
		).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec("today_transactions_count = CASE").
		WithArgs("bd-1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("today_amount_used = GREATEST\\(today_amount_used \\+ \\$2, 0\\)").
		WithArgs("bd-1", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectFinalUpdate(mock, "tx-1", "accept", "appeal", 1_000_000_000)
	mock.ExpectCommit()

	tr, err := engine.Transition(context.Background(), TransitionRequest{ID: "tx-1", Status: models.StatusAccept})
	require.NoError(t, err)
	assert.Equal(t, models.FinalStatusAppeal, *tr.FinalStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionEngine_Transition_Revision(t *testing.T) {
	ctx := context.Background()

	t.Run("outbound distributes the difference", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		revised := int64(1_500_000_000)

		mock.ExpectBegin()
		expectLocked(mock, transactionRow("tx-1", models.DirectionOutbound, models.StatusAccept, "accept", "team-1"))
		expectMerchant(mock, 0, 0)
		mock.ExpectQuery("FROM fee_contracts fc").
			WithArgs("m-1", "team-1", nil).
			WillReturnRows(standardContracts())
		// 500 extra fiat settles 5 units; the merchant share is 5e6*104/108 floored.
		mock.ExpectQuery("unnest").
			WithArgs(
				pgArray(`{"b-merchant","b-team","b-agent"}`), sqlmock.AnyArg(),
				pgArray("{-5185186,5000000,0}"), pgArray("{0,0,0}"), pgArray("{0,92594,92592}"),
				pgArray("{0,0,0}"), pgArray("{0,0,0}"), pgArray("{0,0,0}"),
				pgArray("{0,1,2}"),
			).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		expectFinalUpdate(mock, "tx-1", "accept", "recalc", revised)
		mock.ExpectCommit()

		tr, err := engine.Transition(ctx, TransitionRequest{ID: "tx-1", Status: models.StatusAccept, Amount: &revised})
		require.NoError(t, err)
		assert.Equal(t, revised, tr.Amount)
		assert.Equal(t, models.FinalStatusRecalc, *tr.FinalStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inbound adjusts channel usage", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		revised := int64(800_000_000)

		mock.ExpectBegin()
		expectLocked(mock, channelRow("tx-2", models.StatusAccept, "accept"))
		expectMerchant(mock, 0, 0)
		mock.ExpectQuery("FROM fee_contracts fc").
			WillReturnRows(standardContracts())
		mock.ExpectQuery("unnest").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectExec("today_amount_used = GREATEST\\(today_amount_used \\+ \\$2, 0\\)").
			WithArgs("bd-1", int64(-200)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectFinalUpdate(mock, "tx-2", "accept", "recalc", revised)
		mock.ExpectCommit()

		_, err := engine.Transition(ctx, TransitionRequest{ID: "tx-2", Status: models.StatusAccept, Amount: &revised})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("corrected accept blocks a later revision", func(t *testing.T) {
		engine, mock := newTestEngine(t)
		revised := int64(1_200_000_000)

		mock.ExpectBegin()
		expectLocked(mock, transactionRow("tx-3", models.DirectionOutbound, models.StatusAccept, "recalc", "team-1"))
		mock.ExpectRollback()

		_, err := engine.Transition(ctx, TransitionRequest{ID: "tx-3", Status: models.StatusAccept, Amount: &revised})
		assert.ErrorIs(t, err, ErrInvalidStatusTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
