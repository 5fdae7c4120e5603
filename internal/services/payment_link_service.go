package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/settlepay/backbone/internal/clock"
	"github.com/settlepay/backbone/internal/hsm"
	"github.com/settlepay/backbone/internal/models"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

var ErrPaymentLinkInvalid = errors.New("invalid or expired payment link")

// PaymentLink is handed to the payer with an inbound transaction.
type PaymentLink struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	QRImage   string    `json:"qr_image"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PaymentDetails is what a payment link resolves to.
type PaymentDetails struct {
	TransactionID string    `json:"transaction_id"`
	Bank          string    `json:"bank"`
	BankName      string    `json:"bank_name"`
	Schema        string    `json:"schema"`
	Type          string    `json:"type"`
	Number        string    `json:"number"`
	Name          string    `json:"name,omitempty"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// PaymentLinkService issues sealed payment links for channels of banks that
// have an SBP schema. Tokens are also registered in redis so they can be revoked.
type PaymentLinkService struct {
	redis   *redis.Client
	vault   hsm.SecretVault
	banks   *BankService
	clock   clock.Clock
	baseURL string
}

func NewPaymentLinkService(redis *redis.Client, vault hsm.SecretVault, banks *BankService, clk clock.Clock, baseURL string) *PaymentLinkService {
	return &PaymentLinkService{
		redis:   redis,
		vault:   vault,
		banks:   banks,
		clock:   clk,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func paymentLinkKey(transactionID string) string {
	return fmt.Sprintf("payment-link:%s", transactionID)
}

// DisplayAmount renders a DECIMALS-scaled amount with two fraction digits.
func DisplayAmount(amount int64) string {
	return decimal.New(amount, -6).StringFixed(2)
}

// Create returns nil without error when the channel's bank has no SBP schema.
func (s *PaymentLinkService) Create(ctx context.Context, t *models.Transaction, ch ChannelView, expiresAt time.Time) (*PaymentLink, error) {
	if s == nil || s.vault == nil {
		return nil, nil
	}
	bank, ok := s.banks.Lookup(ch.Bank)
	if !ok || bank.Schema == "" {
		return nil, nil
	}

	details := PaymentDetails{
		TransactionID: t.ID,
		Bank:          bank.Name,
		BankName:      bank.DisplayName,
		Schema:        bank.Schema,
		Type:          ch.Type,
		Number:        ch.Number,
		Amount:        DisplayAmount(t.Amount),
		Currency:      t.CurrencyID,
		ExpiresAt:     expiresAt.UTC(),
	}
	if ch.Name != nil {
		details.Name = *ch.Name
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	token, err := s.vault.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("seal payment link: %w", err)
	}

	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil, ErrPaymentLinkInvalid
	}
	if s.redis != nil {
		if err := s.redis.Set(ctx, paymentLinkKey(t.ID), token, ttl).Err(); err != nil {
			return nil, err
		}
	}

	url := fmt.Sprintf("%s/%s", s.baseURL, token)
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return nil, err
	}

	return &PaymentLink{
		URL:       url,
		Token:     token,
		QRImage:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		ExpiresAt: details.ExpiresAt,
	}, nil
}

// Resolve opens a token. Expired, revoked or foreign tokens are rejected.
func (s *PaymentLinkService) Resolve(ctx context.Context, token string) (*PaymentDetails, error) {
	if s == nil || s.vault == nil {
		return nil, ErrPaymentLinkInvalid
	}
	data, err := s.vault.Open(token)
	if err != nil {
		return nil, ErrPaymentLinkInvalid
	}
	var details PaymentDetails
	if err := json.Unmarshal(data, &details); err != nil {
		return nil, ErrPaymentLinkInvalid
	}
	if !s.clock.Now().Before(details.ExpiresAt) {
		return nil, ErrPaymentLinkInvalid
	}

	if s.redis != nil {
		stored, err := s.redis.Get(ctx, paymentLinkKey(details.TransactionID)).Result()
		if err == redis.Nil || (err == nil && stored != token) {
			return nil, ErrPaymentLinkInvalid
		}
		if err != nil {
			return nil, err
		}
	}
	return &details, nil
}

// Revoke invalidates the link of a finished transaction.
func (s *PaymentLinkService) Revoke(ctx context.Context, transactionID string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, paymentLinkKey(transactionID)).Err()
}
