package services

import (
	"context"
	"math/rand"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightedChoice(t *testing.T) {
	candidates := []outboundCandidate{
		{TeamID: "team-a", Weight: 1},
		{TeamID: "team-b", Weight: 0},
		{TeamID: "team-c", Weight: 3},
	}

	tests := []struct {
		name string
		r    float64
		want int
	}{
		{"start of range", 0, 0},
		{"inside first weight", 0.2, 0},
		{"boundary goes to next positive", 0.25, 2},
		{"end of range", 0.999, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, weightedChoice(candidates, tt.r))
		})
	}

	assert.Equal(t, -1, weightedChoice(nil, 0.5))
	assert.Equal(t, -1, weightedChoice([]outboundCandidate{{TeamID: "x", Weight: 0}}, 0.5))
}

func TestAdvisoryKeys(t *testing.T) {
	hi, lo := advisoryKeys("00000000-0000-0000-0000-000000000102")
	assert.Equal(t, int32(0), hi)
	assert.Equal(t, int32(0x102), lo)

	hi, lo = advisoryKeys("not-a-uuid")
	assert.Zero(t, hi)
	assert.Zero(t, lo)
}

func TestMatchingService_AllocateOutbound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewMatchingService(2)
	s.rnd = rand.New(rand.NewSource(1))
	ctx := context.Background()

	t.Run("single eligible team", func(t *testing.T) {
		mock.ExpectQuery("FROM traffic_weight_contracts twc").
			WithArgs("m-1", "RUB", int64(5_000_000_000)).
			WillReturnRows(sqlmock.NewRows([]string{"team_id", "outbound_traffic_weight"}).AddRow("team-1", 0.7))

		team, err := s.AllocateOutbound(ctx, db, "m-1", "RUB", 5_000_000_000)
		assert.NoError(t, err)
		assert.Equal(t, "team-1", team)
	})

	t.Run("no contracts", func(t *testing.T) {
		mock.ExpectQuery("FROM traffic_weight_contracts twc").
			WithArgs("m-1", "RUB", int64(5_000_000_000)).
			WillReturnRows(sqlmock.NewRows([]string{"team_id", "outbound_traffic_weight"}))

		_, err := s.AllocateOutbound(ctx, db, "m-1", "RUB", 5_000_000_000)
		assert.ErrorIs(t, err, ErrAllocationExhausted)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchingService_AllocateInbound_Exhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(int64(1_000_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM bank_details bd").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)

	_, err = NewMatchingService(2).AllocateInbound(context.Background(), tx, AllocationRequest{
		MerchantID: "m-1",
		CurrencyID: "RUB",
		Amount:     1_000_000_000,
		Banks:      []string{"sber"},
	})
	assert.ErrorIs(t, err, ErrAllocationExhausted)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectAmountLock(m sqlmock.Sqlmock, amount int64) {
	m.ExpectExec(`pg_advisory_xact_lock\(\$1\)`).
		WithArgs(amount).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

// expectChannelLock covers the channel advisory lock and the locked re-check.
func expectChannelLock(m sqlmock.Sqlmock, channelID string, amount int64, fits bool) {
	m.ExpectExec(`pg_advisory_xact_lock\(\$1, \$2\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id"})
	if fits {
		rows.AddRow(channelID)
	}
	m.ExpectQuery("FOR UPDATE OF bd, t").
		WithArgs(channelID, amount).
		WillReturnRows(rows)
}

func expectTouch(m sqlmock.Sqlmock, channelID string) {
	m.ExpectExec("UPDATE bank_details SET update_timestamp = now").
		WithArgs(channelID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestMatchingService_AllocateInbound(t *testing.T) {
	const amount = int64(1_000_000_000)
	ctx := context.Background()
	s := NewMatchingService(2)

	run := func(t *testing.T, req AllocationRequest, expect func(sqlmock.Sqlmock)) (*Allocation, error) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		expectAmountLock(mock, amount)
		expect(mock)
		mock.ExpectRollback()

		tx, err := db.Begin()
		require.NoError(t, err)
		a, allocErr := s.AllocateInbound(ctx, tx, req)
		require.NoError(t, tx.Rollback())
		assert.NoError(t, mock.ExpectationsWereMet())
		return a, allocErr
	}

	plain := AllocationRequest{MerchantID: "m-1", CurrencyID: "RUB", Amount: amount}
	vip := AllocationRequest{MerchantID: "m-1", CurrencyID: "RUB", Amount: amount, PayerID: "payer-1", Vip: true}

	t.Run("first candidate locked", func(t *testing.T) {
		a, err := run(t, plain, func(m sqlmock.Sqlmock) {
			m.ExpectQuery(`-ln\(1 - random\(\)\)`).
				WithArgs("m-1", "RUB", amount, nil, false, false, nil, nil, nil, 2, nil).
				WillReturnRows(sqlmock.NewRows(candidateColumns).AddRow(candidateRow("bd-1", false, nil, false)...))
			expectChannelLock(m, "bd-1", amount, true)
			expectTouch(m, "bd-1")
		})
		require.NoError(t, err)
		assert.Equal(t, "bd-1", a.Channel.ID)
		assert.Equal(t, "team-1", a.Channel.TeamID)
		assert.Equal(t, "b-team", a.TeamBalanceID)
		assert.Nil(t, a.Channel.ProfileID)
	})

	t.Run("channel failing re-check is skipped", func(t *testing.T) {
		a, err := run(t, plain, func(m sqlmock.Sqlmock) {
			m.ExpectQuery(`-ln\(1 - random\(\)\)`).
				WillReturnRows(sqlmock.NewRows(candidateColumns).AddRow(candidateRow("bd-1", false, nil, false)...))
			expectChannelLock(m, "bd-1", amount, false)
			m.ExpectQuery(`-ln\(1 - random\(\)\)`).
				WithArgs("m-1", "RUB", amount, nil, false, false, nil, nil, nil, 2, pgArray(`{"bd-1"}`)).
				WillReturnRows(sqlmock.NewRows(candidateColumns).AddRow(candidateRow("bd-2", false, nil, false)...))
			expectChannelLock(m, "bd-2", amount, true)
			expectTouch(m, "bd-2")
		})
		require.NoError(t, err)
		assert.Equal(t, "bd-2", a.Channel.ID)
	})

	t.Run("every attempt fails re-check", func(t *testing.T) {
		_, err := run(t, plain, func(m sqlmock.Sqlmock) {
			for _, id := range []string{"bd-1", "bd-2", "bd-3"} {
				m.ExpectQuery(`-ln\(1 - random\(\)\)`).
					WillReturnRows(sqlmock.NewRows(candidateColumns).AddRow(candidateRow(id, false, nil, false)...))
				expectChannelLock(m, id, amount, false)
			}
		})
		assert.ErrorIs(t, err, ErrAllocationExhausted)
	})

	t.Run("vip payer takes a new binding", func(t *testing.T) {
		a, err := run(t, vip, func(m sqlmock.Sqlmock) {
			m.ExpectQuery(`-ln\(1 - random\(\)\)`).
				WillReturnRows(sqlmock.NewRows(candidateColumns).AddRow(candidateRow("bd-1", true, "prof-1", false)...))
			expectChannelLock(m, "bd-1", amount, true)
			m.ExpectQuery("SELECT count\\(\\*\\) FROM vip_payers").
				WithArgs("payer-1", "prof-1").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
			m.ExpectQuery("count_vip_payers = count_vip_payers \\+ 1").
				WithArgs("bd-1").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("bd-1"))
			m.ExpectExec("INSERT INTO vip_payers").
				WithArgs("payer-1", "prof-1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			expectTouch(m, "bd-1")
		})
		require.NoError(t, err)
		require.NotNil(t, a.Channel.ProfileID)
		assert.Equal(t, "prof-1", *a.Channel.ProfileID)
	})

	t.Run("vip quota exhausted", func(t *testing.T) {
		_, err := run(t, vip, func(m sqlmock.Sqlmock) {
			m.ExpectQuery(`-ln\(1 - random\(\)\)`).
				WillReturnRows(sqlmock.NewRows(candidateColumns).AddRow(candidateRow("bd-1", true, "prof-1", false)...))
			expectChannelLock(m, "bd-1", amount, true)
			m.ExpectQuery("SELECT count\\(\\*\\) FROM vip_payers").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
			m.ExpectQuery("count_vip_payers = count_vip_payers \\+ 1").
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
		})
		assert.ErrorIs(t, err, ErrAllocationExhausted)
	})

	t.Run("payer bound to two profiles", func(t *testing.T) {
		_, err := run(t, vip, func(m sqlmock.Sqlmock) {
			m.ExpectQuery(`-ln\(1 - random\(\)\)`).
				WillReturnRows(sqlmock.NewRows(candidateColumns).AddRow(candidateRow("bd-1", true, "prof-1", false)...))
			expectChannelLock(m, "bd-1", amount, true)
			m.ExpectQuery("SELECT count\\(\\*\\) FROM vip_payers").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		})
		assert.ErrorIs(t, err, ErrAllocationExhausted)
	})

	t.Run("bound vip payer refreshes binding", func(t *testing.T) {
		a, err := run(t, vip, func(m sqlmock.Sqlmock) {
			m.ExpectQuery(`-ln\(1 - random\(\)\)`).
				WillReturnRows(sqlmock.NewRows(candidateColumns).AddRow(candidateRow("bd-1", true, "prof-1", true)...))
			expectChannelLock(m, "bd-1", amount, true)
			m.ExpectExec("UPDATE vip_payers SET last_transaction_timestamp").
				WithArgs("payer-1", "prof-1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			expectTouch(m, "bd-1")
		})
		require.NoError(t, err)
		assert.Equal(t, "bd-1", a.Channel.ID)
	})
}
