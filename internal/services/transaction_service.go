package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/settlepay/backbone/internal/models"
)

// TransactionService is the HTTP surface of the transaction engine: the
// merchant host-to-host API and the operator status API.
type TransactionService struct {
	db        *sql.DB
	engine    *TransactionEngine
	banks     *BankService
	validator *ValidationHelper
}

// StatusUpdateRequest represents a status change made by a team or support
// @Description Status change; amount is set only when correcting the paid amount
type StatusUpdateRequest struct {
	Status models.Status `json:"status" validate:"required,oneof=accept close" example:"accept"`
	Amount *int64        `json:"amount,omitempty" validate:"omitempty,gt=0" example:"1500000000"`
	Reason string        `json:"reason,omitempty" validate:"omitempty,max=512"`
}

// WhitelistRequest adds payers allowed on VIP channels of a whitelisting merchant
type WhitelistRequest struct {
	PayerIDs []string `json:"payer_ids" validate:"required,min=1,max=1000,dive,required,max=256"`
}

// TransactionInfo is a transaction as reported to its merchant
type TransactionInfo struct {
	*models.Transaction
	MerchantTrustChange int64 `json:"merchant_trust_change"`
}

func NewTransactionService(db *sql.DB, engine *TransactionEngine, banks *BankService) *TransactionService {
	return &TransactionService{
		db:        db,
		engine:    engine,
		banks:     banks,
		validator: NewValidationHelper(),
	}
}

func userFromContext(r *http.Request) (string, string) {
	userID, _ := r.Context().Value("userID").(string)
	role, _ := r.Context().Value("role").(string)
	return userID, role
}

func (ts *TransactionService) checkBanks(names ...string) error {
	if unknown := ts.banks.Unknown(names...); len(unknown) > 0 {
		return fmt.Errorf("%w: unknown bank %s", ErrValidation, strings.Join(unknown, ", "))
	}
	return nil
}

// CreateInbound opens a pay-in
// @Summary Create pay-in
// @Description Allocate a payment channel for a payer and open a pending inbound transaction
// @Tags h2h
// @Accept json
// @Produce json
// @Security MerchantToken
// @Param request body InboundRequest true "Pay-in request"
// @Success 200 {object} InboundResult
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Duplicate merchant transaction id"
// @Failure 429 {object} ErrorResponse "Too many pending transactions for payer"
// @Failure 450 {object} ErrorResponse "No payment channel available"
// @Router /h2h/pay-in [post]
func (ts *TransactionService) CreateInbound(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := userFromContext(r)
	if merchantID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req InboundRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if err := ts.checkBanks(append([]string{req.Bank}, req.Banks...)...); err != nil {
		SendServiceError(w, err)
		return
	}
	req.MerchantID = merchantID

	result, err := ts.engine.CreateInbound(r.Context(), req)
	if err != nil {
		log.Printf("[TRANSACTION] Pay-in %s for merchant %s failed: %v", req.MerchantTransactionID, merchantID, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[TRANSACTION] Pay-in %s opened as %s", req.MerchantTransactionID, result.Transaction.ID)
	writeJSON(w, http.StatusOK, result)
}

// CreateOutbound opens a pay-out
// @Summary Create pay-out
// @Description Lock the merchant's trust and queue a pay-out for a team
// @Tags h2h
// @Accept json
// @Produce json
// @Security MerchantToken
// @Param request body OutboundRequest true "Pay-out request"
// @Success 200 {object} models.Transaction
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse "Insufficient trust balance"
// @Failure 409 {object} ErrorResponse "Duplicate merchant transaction id"
// @Router /h2h/pay-out [post]
func (ts *TransactionService) CreateOutbound(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := userFromContext(r)
	if merchantID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req OutboundRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if err := ts.checkBanks(req.Bank); err != nil {
		SendServiceError(w, err)
		return
	}
	req.MerchantID = merchantID

	t, err := ts.engine.CreateOutbound(r.Context(), req)
	if err != nil {
		log.Printf("[TRANSACTION] Pay-out %s for merchant %s failed: %v", req.MerchantTransactionID, merchantID, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[TRANSACTION] Pay-out %s opened as %s", req.MerchantTransactionID, t.ID)
	writeJSON(w, http.StatusOK, t)
}

// GetTransactionInfo returns one of the merchant's transactions
// @Summary Transaction info
// @Description Look up a transaction by id or merchant_transaction_id
// @Tags h2h
// @Produce json
// @Security MerchantToken
// @Param id query string false "Transaction ID"
// @Param merchant_transaction_id query string false "Merchant transaction ID"
// @Success 200 {object} TransactionInfo
// @Failure 404 {object} ErrorResponse
// @Router /h2h/transaction [get]
func (ts *TransactionService) GetTransactionInfo(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := userFromContext(r)
	q := r.URL.Query()

	t, change, err := ts.engine.Info(r.Context(), merchantID, q.Get("id"), q.Get("merchant_transaction_id"))
	if err != nil {
		SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionInfo{Transaction: t, MerchantTrustChange: change})
}

// GetMerchantBalance returns the calling merchant's balance
// @Summary Merchant balance
// @Tags h2h
// @Produce json
// @Security MerchantToken
// @Success 200 {object} models.Balance
// @Router /h2h/balance [get]
func (ts *TransactionService) GetMerchantBalance(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := userFromContext(r)

	balanceID, err := ts.engine.balances.BalanceIDOfUser(r.Context(), ts.db, merchantID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	balance, err := ts.engine.balances.Read(r.Context(), balanceID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// AddWhitelist registers payer ids for VIP channels
// @Summary Whitelist payers
// @Tags h2h
// @Accept json
// @Produce json
// @Security MerchantToken
// @Param request body WhitelistRequest true "Payer ids"
// @Success 200 {object} map[string]any
// @Router /h2h/whitelist [post]
func (ts *TransactionService) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := userFromContext(r)

	var req WhitelistRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	res, err := ts.db.ExecContext(r.Context(), `
		INSERT INTO whitelist_payers (merchant_id, payer_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING`, merchantID, pq.Array(req.PayerIDs))
	if err != nil {
		log.Printf("[TRANSACTION] Whitelist update for merchant %s failed: %v", merchantID, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	added, _ := res.RowsAffected()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"added":   added,
	})
}

// UpdateStatus finalises or amends a transaction
// @Summary Update transaction status
// @Description Accept or close a transaction. Teams may only change their own transactions.
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Param request body StatusUpdateRequest true "New status"
// @Success 200 {object} models.Transaction
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Invalid status transition"
// @Router /transactions/{id}/status [put]
func (ts *TransactionService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID, role := userFromContext(r)

	var req StatusUpdateRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tr := TransitionRequest{
		ID:     chi.URLParam(r, "id"),
		Status: req.Status,
		Amount: req.Amount,
		Reason: req.Reason,
	}
	if role == string(models.RoleTeam) {
		tr.ActorTeamID = userID
	}

	t, err := ts.engine.Transition(r.Context(), tr)
	if err != nil {
		log.Printf("[TRANSACTION] Status change of %s to %s by %s failed: %v", tr.ID, req.Status, userID, err)
		SendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTransactions pages through transactions in priority order
// @Summary List transactions
// @Description Teams see their own transactions; support sees all. Pass next_cursor back to continue.
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param status query string false "Status"
// @Param direction query string false "inbound or outbound"
// @Param merchant_id query string false "Merchant ID"
// @Param after_priority query int false "Cursor priority"
// @Param after_id query string false "Cursor id"
// @Param limit query int false "Page size (max 500)"
// @Success 200 {object} object{transactions=[]models.Transaction,next_cursor=Cursor}
// @Router /transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, role := userFromContext(r)
	q := r.URL.Query()

	f := ListFilter{
		MerchantID: q.Get("merchant_id"),
		Status:     models.Status(q.Get("status")),
		Direction:  models.Direction(q.Get("direction")),
	}
	if role == string(models.RoleTeam) {
		f.TeamID = userID
	} else {
		f.TeamID = q.Get("team_id")
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 500 {
			SendErrorResponse(w, "limit must be between 1 and 500", http.StatusBadRequest, nil)
			return
		}
		f.Limit = limit
	}
	if v := q.Get("after_priority"); v != "" {
		p, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			SendErrorResponse(w, "invalid after_priority", http.StatusBadRequest, nil)
			return
		}
		f.After = &Cursor{Priority: p, ID: q.Get("after_id")}
	}

	txs, next, err := ts.engine.List(r.Context(), f)
	if err != nil {
		log.Printf("[TRANSACTION] Listing failed: %v", err)
		SendServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": txs,
		"count":        len(txs),
		"next_cursor":  next,
	})
}
