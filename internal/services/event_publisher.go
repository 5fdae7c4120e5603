package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/settlepay/backbone/internal/logger"
	"github.com/settlepay/backbone/internal/models"
)

// TransactionEvent is emitted on every committed lifecycle change.
type TransactionEvent struct {
	TransactionID         string              `json:"transaction_id"`
	MerchantID            string              `json:"merchant_id"`
	MerchantTransactionID string              `json:"merchant_transaction_id"`
	TeamID                *string             `json:"team_id,omitempty"`
	Direction             models.Direction    `json:"direction"`
	Status                models.Status       `json:"status"`
	FinalStatus           *models.FinalStatus `json:"final_status,omitempty"`
	Amount                int64               `json:"amount"`
	CurrencyID            string              `json:"currency_id"`
	Timestamp             time.Time           `json:"timestamp"`
}

// EventPublisher writes lifecycle events to JetStream. A nil stream disables it.
type EventPublisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewEventPublisher(js jetstream.JetStream) *EventPublisher {
	return &EventPublisher{js: js, log: logger.New("events")}
}

func TransactionSubject(status models.Status) string {
	return fmt.Sprintf("backbone.transactions.%s", status)
}

// Publish is best-effort: consumers can always re-read the transaction.
func (p *EventPublisher) Publish(ctx context.Context, t *models.Transaction, at time.Time) {
	if p == nil || p.js == nil || t == nil {
		return
	}
	data, err := json.Marshal(TransactionEvent{
		TransactionID:         t.ID,
		MerchantID:            t.MerchantID,
		MerchantTransactionID: t.MerchantTransactionID,
		TeamID:                t.TeamID,
		Direction:             t.Direction,
		Status:                t.Status,
		FinalStatus:           t.FinalStatus,
		Amount:                t.Amount,
		CurrencyID:            t.CurrencyID,
		Timestamp:             at,
	})
	if err != nil {
		p.log.Error().Err(err).Str("transaction_id", t.ID).Msg("marshal event")
		return
	}
	if _, err := p.js.Publish(ctx, TransactionSubject(t.Status), data); err != nil {
		p.log.Warn().Err(err).Str("transaction_id", t.ID).Str("status", string(t.Status)).Msg("publish event")
	}
}
