package services

import (
	"errors"
	"net/http"
)

// StatusAllocationExhausted is returned to merchants when no payment channel fits a pay-in.
const StatusAllocationExhausted = 450

var (
	ErrValidation               = errors.New("validation failed")
	ErrAllocationExhausted      = errors.New("no payment channel available")
	ErrInvalidStatusTransition  = errors.New("invalid status transition")
	ErrContractsIncomplete      = errors.New("fee contracts incomplete")
	ErrInsufficientTrustBalance = errors.New("insufficient trust balance")
	ErrAccountNotFound          = errors.New("account not found")
	ErrStorageConflict          = errors.New("storage conflict")

	ErrTransactionNotFound          = errors.New("transaction not found")
	ErrDuplicateMerchantTransaction = errors.New("merchant transaction id already used")
	ErrFraudDetected                = errors.New("too many pending transactions for payer")
	ErrCurrencyNotFound             = errors.New("currency not found")
	ErrMerchantNotFound             = errors.New("merchant not found")
	ErrTagNotFound                  = errors.New("tag not found")
	ErrNoOutboundInPool             = errors.New("no outbound transaction available")
	ErrMaxOutboundPending           = errors.New("outbound pending limit reached")
	ErrHoldLimit                    = errors.New("hold limit reached")
	ErrDirectionMismatch            = errors.New("operation not allowed for this direction")
	ErrForbidden                    = errors.New("forbidden")
)

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrValidation, "VALIDATION_ERROR", http.StatusBadRequest},
	{ErrAllocationExhausted, "ALLOCATION_EXHAUSTED", StatusAllocationExhausted},
	{ErrInvalidStatusTransition, "INVALID_STATUS_TRANSITION", http.StatusConflict},
	{ErrContractsIncomplete, "CONTRACTS_INCOMPLETE", http.StatusUnprocessableEntity},
	{ErrInsufficientTrustBalance, "INSUFFICIENT_TRUST_BALANCE", http.StatusPaymentRequired},
	{ErrAccountNotFound, "ACCOUNT_NOT_FOUND", http.StatusNotFound},
	{ErrStorageConflict, "STORAGE_CONFLICT", http.StatusServiceUnavailable},
	{ErrTransactionNotFound, "TRANSACTION_NOT_FOUND", http.StatusNotFound},
	{ErrDuplicateMerchantTransaction, "DUPLICATE_MERCHANT_TRANSACTION", http.StatusConflict},
	{ErrFraudDetected, "FRAUD_DETECTED", http.StatusTooManyRequests},
	{ErrCurrencyNotFound, "CURRENCY_NOT_FOUND", http.StatusBadRequest},
	{ErrMerchantNotFound, "MERCHANT_NOT_FOUND", http.StatusNotFound},
	{ErrTagNotFound, "TAG_NOT_FOUND", http.StatusBadRequest},
	{ErrNoOutboundInPool, "NO_OUTBOUND_IN_POOL", http.StatusNotFound},
	{ErrMaxOutboundPending, "MAX_OUTBOUND_PENDING", http.StatusTooManyRequests},
	{ErrHoldLimit, "HOLD_LIMIT", http.StatusConflict},
	{ErrDirectionMismatch, "DIRECTION_MISMATCH", http.StatusBadRequest},
	{ErrForbidden, "FORBIDDEN", http.StatusForbidden},
}

// ErrorCode maps err to a stable code and HTTP status. Unknown errors are retryable internals.
func ErrorCode(err error) (string, int) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return "INTERNAL_ERROR", http.StatusInternalServerError
}

// SendServiceError writes err using its stable code.
func SendServiceError(w http.ResponseWriter, err error) {
	code, status := ErrorCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "An Internal Error Occurred"
	}
	sendCodedError(w, msg, code, status)
}
