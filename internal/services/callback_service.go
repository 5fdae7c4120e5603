package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/settlepay/backbone/internal/hsm"
	"github.com/settlepay/backbone/internal/logger"
	"github.com/settlepay/backbone/internal/metrics"
)

// CallbackPayload is what merchants receive on every relevant status change.
type CallbackPayload struct {
	ID                    string `json:"id"`
	Status                string `json:"status"`
	Amount                int64  `json:"amount"`
	MerchantTrustChange   int64  `json:"merchant_trust_change"`
	Currency              string `json:"currency"`
	ExchangeRate          int64  `json:"exchange_rate"`
	MerchantTransactionID string `json:"merchant_transaction_id"`
	Direction             string `json:"direction"`
}

// CanonicalJSON renders the payload with sorted keys, the form that gets signed.
func (p CallbackPayload) CanonicalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":                      p.ID,
		"status":                  p.Status,
		"amount":                  p.Amount,
		"merchant_trust_change":   p.MerchantTrustChange,
		"currency":                p.Currency,
		"exchange_rate":           p.ExchangeRate,
		"merchant_transaction_id": p.MerchantTransactionID,
		"direction":               p.Direction,
	})
}

// CallbackJob is one delivery attempt.
type CallbackJob struct {
	URL          string
	SealedSecret string
	Payload      CallbackPayload
}

// CallbackDispatcher delivers callbacks from a bounded queue with a fixed worker pool.
// Deliveries are attempted once; failures are logged and counted.
type CallbackDispatcher struct {
	client *http.Client
	vault  hsm.SecretVault
	queue  chan CallbackJob
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	log    zerolog.Logger
}

func NewCallbackDispatcher(vault hsm.SecretVault, workers, queueSize int, timeout time.Duration) *CallbackDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &CallbackDispatcher{
		client: &http.Client{Timeout: timeout},
		vault:  vault,
		queue:  make(chan CallbackJob, queueSize),
		log:    logger.New("callbacks"),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue never blocks. It reports false when the job was dropped.
func (d *CallbackDispatcher) Enqueue(job CallbackJob) bool {
	if job.URL == "" {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn().Str("transaction_id", job.Payload.ID).Msg("dispatcher closed, callback dropped")
		metrics.CallbackDeliveries.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		d.log.Warn().Str("transaction_id", job.Payload.ID).Msg("callback queue full, callback dropped")
		metrics.CallbackDeliveries.WithLabelValues("dropped").Inc()
		return false
	}
}

// Shutdown stops intake and waits for queued callbacks until ctx expires.
func (d *CallbackDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("callback drain abandoned: %w", ctx.Err())
	}
}

func (d *CallbackDispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		if err := d.deliver(context.Background(), job); err != nil {
			metrics.CallbackDeliveries.WithLabelValues("failed").Inc()
			d.log.Warn().Err(err).Str("transaction_id", job.Payload.ID).Str("url", job.URL).Msg("callback delivery failed")
			continue
		}
		metrics.CallbackDeliveries.WithLabelValues("delivered").Inc()
	}
}

func (d *CallbackDispatcher) deliver(ctx context.Context, job CallbackJob) error {
	body, err := job.Payload.CanonicalJSON()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if job.SealedSecret != "" && d.vault != nil {
		secret, err := d.vault.Open(job.SealedSecret)
		if err != nil {
			return fmt.Errorf("open callback secret: %w", err)
		}
		req.Header.Set("Signature", d.vault.Sign(secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("merchant responded %d", resp.StatusCode)
	}
	return nil
}
