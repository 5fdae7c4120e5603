package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid pay-in", func(t *testing.T) {
		valid := InboundRequest{
			MerchantTransactionID: "order-1",
			Amount:                1_500_000_000,
			HookURI:               "https://merchant.example/hook",
		}

		err := vh.ValidateStruct(&valid)
		assert.NoError(t, err)
	})

	t.Run("pay-in missing required fields", func(t *testing.T) {
		invalid := InboundRequest{
			Amount:  -5,
			HookURI: "not a url",
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3) // MerchantTransactionID, Amount, HookURI
	})

	t.Run("pay-out needs a recipient", func(t *testing.T) {
		invalid := OutboundRequest{
			MerchantTransactionID: "payout-1",
			Amount:                10,
			Type:                  "card",
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "Number", validationErrors[0].Field())
		assert.Equal(t, "required", validationErrors[0].Tag())
	})

	t.Run("status must be accept or close", func(t *testing.T) {
		err := vh.ValidateStruct(&StatusUpdateRequest{Status: "pending"})
		assert.Error(t, err)

		err = vh.ValidateStruct(&StatusUpdateRequest{Status: "close"})
		assert.NoError(t, err)
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Empty(t, response.Code)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		vh := NewValidationHelper()
		validationErr := vh.ValidateStruct(&InboundRequest{Amount: 0})
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.Equal(t, "VALIDATION_ERROR", response.Code)
		assert.Contains(t, response.Details, "MerchantTransactionID")
		assert.Contains(t, response.Details, "Amount")
	})

	t.Run("unauthorized error", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Unauthorized access", http.StatusUnauthorized, nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Unauthorized access", response.Error)
	})
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{ErrAllocationExhausted, "ALLOCATION_EXHAUSTED", StatusAllocationExhausted},
		{fmt.Errorf("wrapped: %w", ErrInvalidStatusTransition), "INVALID_STATUS_TRANSITION", http.StatusConflict},
		{ErrInsufficientTrustBalance, "INSUFFICIENT_TRUST_BALANCE", http.StatusPaymentRequired},
		{ErrStorageConflict, "STORAGE_CONFLICT", http.StatusServiceUnavailable},
		{ErrFraudDetected, "FRAUD_DETECTED", http.StatusTooManyRequests},
		{errors.New("boom"), "INTERNAL_ERROR", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			code, status := ErrorCode(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestSendServiceError(t *testing.T) {
	t.Run("known error keeps its message", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendServiceError(w, fmt.Errorf("%w: merchant and team contracts required", ErrContractsIncomplete))

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "CONTRACTS_INCOMPLETE", response.Code)
		assert.Contains(t, response.Error, "merchant and team contracts required")
	})

	t.Run("internal error is masked", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendServiceError(w, errors.New("pq: connection refused"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "An Internal Error Occurred", response.Error)
		assert.Equal(t, "INTERNAL_ERROR", response.Code)
	})
}

func TestDecodeJSONBody(t *testing.T) {
	t.Run("single object", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"status":"accept"}`))
		w := httptest.NewRecorder()

		var req StatusUpdateRequest
		assert.True(t, DecodeJSONBody(w, r, &req))
		assert.Equal(t, "accept", string(req.Status))
	})

	t.Run("unknown field", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"status":"accept","extra":1}`))
		w := httptest.NewRecorder()

		var req StatusUpdateRequest
		assert.False(t, DecodeJSONBody(w, r, &req))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("trailing object", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"status":"accept"}{"status":"close"}`))
		w := httptest.NewRecorder()

		var req StatusUpdateRequest
		assert.False(t, DecodeJSONBody(w, r, &req))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestNewValidationHelper(t *testing.T) {
	vh := NewValidationHelper()
	assert.NotNil(t, vh)
	assert.NotNil(t, vh.validator)
}
