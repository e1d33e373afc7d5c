// Package notify dispatches webhook notifications for
// deposit detection and sweep events, per spec.md §4.7. Delivery is
// best-effort: a bounded number of retries with exponential backoff,
// and non-delivery never blocks chain or sweep progress.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Event is the JSON body POSTed to an account's webhook URL, covering
// both shapes in spec.md §6.
type Event struct {
	Event          string `json:"event"`
	AccountID      string `json:"account_id"`
	TxHash         string `json:"tx_hash,omitempty"`
	OriginalTxHash string `json:"original_tx_hash,omitempty"`
	Amount         string `json:"amount"`
	TokenType      string `json:"token_type"`
	TokenSymbol    string `json:"token_symbol,omitempty"`
	TokenAddress   string `json:"token_address,omitempty"`
}

const (
	EventDepositDetected = "deposit_detected"
	EventDepositSwept    = "deposit_swept"

	TokenTypeNative = "native"
	TokenTypeERC20  = "erc20"
)

// Dispatcher queues and delivers webhook POSTs. Failed deliveries are
// logged and dropped; the caller (monitor/sweeper) has already
// committed the underlying state change and does not enqueue the event
// again, so an event whose retries are exhausted, that finds the queue
// full, or that is still queued when the process exits is not sent.
type Dispatcher struct {
	client *retryablehttp.Client
	log    *zap.SugaredLogger
	queue  chan job
	done   chan struct{}
}

type job struct {
	url   string
	event Event
}

// New builds a Dispatcher with a bounded retry HTTP client and starts
// its background delivery worker. Call Stop to drain on shutdown.
func New(log *zap.SugaredLogger) *Dispatcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.Logger = nil // avoid retryablehttp's default stdlib logger; we log ourselves

	d := &Dispatcher{
		client: client,
		log:    log,
		queue:  make(chan job, 256),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue schedules an event for best-effort delivery. Never blocks
// chain or sweep progress: if the internal queue is full, the event is
// dropped and logged (operators are expected to monitor this).
func (d *Dispatcher) Enqueue(webhookURL string, event Event) {
	select {
	case d.queue <- job{url: webhookURL, event: event}:
	default:
		d.log.Warnw("notify: queue full, dropping event", "event", event.Event, "account_id", event.AccountID)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	body, err := json.Marshal(j.event)
	if err != nil {
		d.log.Errorw("notify: marshal event", "error", err)
		return
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		d.log.Errorw("notify: build request", "error", err, "url", j.url)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warnw("notify: delivery failed", "error", err, "url", j.url, "event", j.event.Event)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.log.Warnw("notify: webhook returned non-2xx", "status", resp.StatusCode, "url", j.url, "event", j.event.Event)
	}
}

// Stop closes the queue and waits (bounded by ctx) for in-flight
// deliveries to drain, per spec.md §5's shutdown discipline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	close(d.queue)
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify: drain timed out: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		return fmt.Errorf("notify: drain timed out after 30s")
	}
}
