package services

import (
	"database/sql/driver"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/mock"
)

// MockVault stands in for hsm.SecretVault.
type MockVault struct {
	mock.Mock
}

func (m *MockVault) Seal(plaintext []byte) (string, error) {
	args := m.Called(plaintext)
	return args.String(0), args.Error(1)
}

func (m *MockVault) Open(sealed string) ([]byte, error) {
	args := m.Called(sealed)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockVault) Sign(secret, payload []byte) string {
	args := m.Called(secret, payload)
	return args.String(0)
}

func (m *MockVault) Verify(secret, payload []byte, signature string) bool {
	args := m.Called(secret, payload, signature)
	return args.Bool(0)
}

// pgArray matches a lib/pq array argument by its text form, e.g. {1,-2,3}.
type pgArray string

func (a pgArray) Match(v driver.Value) bool {
	switch s := v.(type) {
	case string:
		return s == string(a)
	case []byte:
		return string(s) == string(a)
	}
	return false
}

var merchantColumnNames = []string{
	"id", "balance_id", "currency_id", "economic_model", "credit_factor", "callback_url",
	"callback_secret", "direct_outbound", "left_eps_change_amount", "right_eps_change_amount",
	"is_whitelist", "min_fiat_amount_in", "max_fiat_amount_in",
	"transaction_auto_close_time_s", "transaction_outbound_auto_close_time_s",
}

func merchantRow(left, right int64) []driver.Value {
	return []driver.Value{
		"m-1", "b-merchant", "RUB", "crypto", int64(0), nil,
		nil, false, left, right,
		false, nil, nil,
		nil, nil,
	}
}

func expectMerchant(m sqlmock.Sqlmock, left, right int64) {
	m.ExpectQuery("FROM merchants m JOIN users u").
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows(merchantColumnNames).AddRow(merchantRow(left, right)...))
}

var candidateColumns = []string{
	"id", "team_id", "type", "bank", "payment_system", "number", "name",
	"is_vip", "profile_id", "bound", "economic_model", "balance_id", "credit_factor",
}

func candidateRow(channelID string, vip bool, profileID any, bound bool) []driver.Value {
	return []driver.Value{
		channelID, "team-1", "phone", "sber", nil, "+79990001122", nil,
		vip, profileID, bound, "crypto", "b-team", int64(0),
	}
}

var feeContractColumns = []string{"merchant_id", "team_id", "user_id", "balance_id", "inbound_fee", "outbound_fee"}

// standardContracts: merchant 97, team 2, agent 1 on inbound; 104, 2, 2 on outbound.
func standardContracts() *sqlmock.Rows {
	return sqlmock.NewRows(feeContractColumns).
		AddRow("m-1", "team-1", "m-1", "b-merchant", int64(97), int64(104)).
		AddRow("m-1", "team-1", "team-1", "b-team", int64(2), int64(2)).
		AddRow("m-1", "team-1", "agent-1", "b-agent", int64(1), int64(2))
}
