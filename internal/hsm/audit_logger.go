package hsm

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

// LogPosting records one balance change appended to the ledger.
func (a *AuditLogger) LogPosting(transactionID, balanceID string, deltas map[string]int64) {
	var total int64
	for _, d := range deltas {
		total += d
	}
	a.log(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "POSTING",
		TransactionID: transactionID,
		AccountID:     balanceID,
		Amount:        total,
		Status:        "SUCCESS",
		Details:       deltas,
	})
}

// LogTransition records a status change of a transaction.
func (a *AuditLogger) LogTransition(transactionID, from, to, finalStatus string, amount int64) {
	a.log(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "TRANSITION",
		TransactionID: transactionID,
		Amount:        amount,
		Status:        to,
		Details: map[string]string{
			"from":         from,
			"to":           to,
			"final_status": finalStatus,
		},
	})
}

func (a *AuditLogger) LogError(transactionID, accountID string, err error) {
	a.log(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) LogOperation(transactionID, accountID, operation, details string) {
	a.log(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     operation,
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "SUCCESS",
		Details:       map[string]string{"details": details},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
