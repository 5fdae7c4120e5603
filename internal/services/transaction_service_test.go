package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withUser(r *http.Request, userID, role string) *http.Request {
	ctx := context.WithValue(r.Context(), "userID", userID)
	ctx = context.WithValue(ctx, "role", role)
	return r.WithContext(ctx)
}

func newTestTransactionService(t *testing.T) (*TransactionService, sqlmock.Sqlmock) {
	engine, mock := newTestEngine(t)
	return NewTransactionService(engine.db, engine, NewBankService()), mock
}

func TestTransactionService_AddWhitelist(t *testing.T) {
	service, mock := newTestTransactionService(t)

	t.Run("adds payers", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO whitelist_payers").
			WithArgs("m-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 2))

		body, _ := json.Marshal(WhitelistRequest{PayerIDs: []string{"payer-1", "payer-2"}})
		r := withUser(httptest.NewRequest("POST", "/h2h/whitelist", bytes.NewBuffer(body)), "m-1", "merchant")
		w := httptest.NewRecorder()

		service.AddWhitelist(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, true, response["success"])
		assert.Equal(t, float64(2), response["added"])
	})

	t.Run("empty list rejected", func(t *testing.T) {
		body, _ := json.Marshal(WhitelistRequest{})
		r := withUser(httptest.NewRequest("POST", "/h2h/whitelist", bytes.NewBuffer(body)), "m-1", "merchant")
		w := httptest.NewRecorder()

		service.AddWhitelist(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionService_CreateInbound_Rejections(t *testing.T) {
	service, mock := newTestTransactionService(t)

	t.Run("unknown bank", func(t *testing.T) {
		body, _ := json.Marshal(InboundRequest{MerchantTransactionID: "order-1", Amount: 1_000_000, Bank: "atlantis"})
		r := withUser(httptest.NewRequest("POST", "/h2h/pay-in", bytes.NewBuffer(body)), "m-1", "merchant")
		w := httptest.NewRecorder()

		service.CreateInbound(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "VALIDATION_ERROR", response.Code)
		assert.Contains(t, response.Error, "atlantis")
	})

	t.Run("no merchant in context", func(t *testing.T) {
		body, _ := json.Marshal(InboundRequest{MerchantTransactionID: "order-1", Amount: 1_000_000})
		r := httptest.NewRequest("POST", "/h2h/pay-in", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.CreateInbound(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing amount", func(t *testing.T) {
		body, _ := json.Marshal(InboundRequest{MerchantTransactionID: "order-1"})
		r := withUser(httptest.NewRequest("POST", "/h2h/pay-in", bytes.NewBuffer(body)), "m-1", "merchant")
		w := httptest.NewRecorder()

		service.CreateInbound(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionService_GetTransactionInfo(t *testing.T) {
	service, mock := newTestTransactionService(t)

	t.Run("found by merchant transaction id", func(t *testing.T) {
		mock.ExpectQuery("FROM external_transactions").
			WithArgs("m-1", "", "order-1").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(transactionRow("tx-1", "inbound", "accept", "accept", "team-1")...))
		mock.ExpectQuery("FROM balance_changes").
			WithArgs("tx-1", "m-1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(9_700_000)))

		r := withUser(httptest.NewRequest("GET", "/h2h/transaction?merchant_transaction_id=order-1", nil), "m-1", "merchant")
		w := httptest.NewRecorder()

		service.GetTransactionInfo(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "tx-1", response["id"])
		assert.Equal(t, float64(9_700_000), response["merchant_trust_change"])
	})

	t.Run("no identifier", func(t *testing.T) {
		r := withUser(httptest.NewRequest("GET", "/h2h/transaction", nil), "m-1", "merchant")
		w := httptest.NewRecorder()

		service.GetTransactionInfo(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionService_UpdateStatus(t *testing.T) {
	service, mock := newTestTransactionService(t)
	router := chi.NewRouter()
	router.Put("/transactions/{id}/status", service.UpdateStatus)

	t.Run("team cannot touch another team's transaction", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(transactionRow("tx-1", "inbound", "pending", nil, "team-1")...))
		mock.ExpectRollback()

		body, _ := json.Marshal(StatusUpdateRequest{Status: "accept"})
		r := withUser(httptest.NewRequest("PUT", "/transactions/tx-1/status", bytes.NewBuffer(body)), "team-2", "team")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unsupported status", func(t *testing.T) {
		r := withUser(httptest.NewRequest("PUT", "/transactions/tx-1/status", bytes.NewBufferString(`{"status":"open"}`)), "s-1", "support")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("closed transaction cannot be closed again", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("tx-2").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(transactionRow("tx-2", "inbound", "close", "timeout", "team-1")...))
		mock.ExpectRollback()

		body, _ := json.Marshal(StatusUpdateRequest{Status: "close"})
		r := withUser(httptest.NewRequest("PUT", "/transactions/tx-2/status", bytes.NewBuffer(body)), "s-1", "support")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "INVALID_STATUS_TRANSITION", response.Code)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionService_ListTransactions(t *testing.T) {
	service, mock := newTestTransactionService(t)

	t.Run("team sees only its own transactions", func(t *testing.T) {
		mock.ExpectQuery("FROM external_transactions").
			WithArgs("", "team-1", "pending", "", sqlmock.AnyArg(), "", 2).
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).
				AddRow(transactionRow("tx-1", "inbound", "pending", nil, "team-1")...).
				AddRow(transactionRow("tx-2", "inbound", "pending", nil, "team-1")...))

		r := withUser(httptest.NewRequest("GET", "/transactions?status=pending&limit=2&team_id=team-9", nil), "team-1", "team")
		w := httptest.NewRecorder()

		service.ListTransactions(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response struct {
			Count      int     `json:"count"`
			NextCursor *Cursor `json:"next_cursor"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, 2, response.Count)
		require.NotNil(t, response.NextCursor)
		assert.Equal(t, "tx-2", response.NextCursor.ID)
	})

	t.Run("last page has no cursor", func(t *testing.T) {
		mock.ExpectQuery("FROM external_transactions").
			WithArgs("", "", "", "", sqlmock.AnyArg(), "tx-2", 100).
			WillReturnRows(sqlmock.NewRows(transactionRowColumns))

		r := withUser(httptest.NewRequest("GET", "/transactions?after_priority=-1&after_id=tx-2", nil), "s-1", "support")
		w := httptest.NewRecorder()

		service.ListTransactions(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, float64(0), response["count"])
		assert.Nil(t, response["next_cursor"])
	})

	t.Run("limit out of range", func(t *testing.T) {
		r := withUser(httptest.NewRequest("GET", "/transactions?limit=501", nil), "s-1", "support")
		w := httptest.NewRecorder()

		service.ListTransactions(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
