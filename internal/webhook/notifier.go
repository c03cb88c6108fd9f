// Package webhook fans events out to user-registered URLs. Delivery is
// fire-and-forget relative to reconciliation: one attempt per event, no
// durable retry queue. A subscription that keeps failing is switched off once
// its consecutive-failure counter reaches the configured maximum.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"device-dispatch/internal/models"
	"device-dispatch/internal/telemetry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body keyed by
// the subscription secret.
const SignatureHeader = "X-Hub-Signature-256"

// SubscriptionStore is the slice of persistence the notifier needs.
type SubscriptionStore interface {
	ActiveSubscriptions(ctx context.Context, ownerID string) ([]models.WebhookSubscription, error)
	RecordWebhookSuccess(ctx context.Context, subID string) error
	RecordWebhookFailure(ctx context.Context, subID string, maxFailures int) error
}

// Notifier consumes events from a buffered channel so a slow endpoint can
// never block the reconciliation path feeding it.
type Notifier struct {
	store       SubscriptionStore
	client      *http.Client
	maxFailures int
	events      chan models.Event
}

// New constructs a notifier. buffer bounds the in-flight event backlog;
// events beyond it are dropped with a log line.
func New(store SubscriptionStore, timeout time.Duration, maxFailures, buffer int) *Notifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if maxFailures == 0 {
		maxFailures = 10
	}
	if buffer == 0 {
		buffer = 256
	}
	return &Notifier{
		store:       store,
		client:      &http.Client{Timeout: timeout},
		maxFailures: maxFailures,
		events:      make(chan models.Event, buffer),
	}
}

// Notify queues an event for fan-out. It never blocks and never returns an
// error: webhook trouble stays inside the notifier.
func (n *Notifier) Notify(ownerID, name string, data map[string]any) {
	ev := models.Event{OwnerID: ownerID, Name: name, Data: data, At: time.Now().UTC()}
	select {
	case n.events <- ev:
	default:
		log.Printf("webhook: event buffer full, dropping %s for owner %s", name, ownerID)
	}
}

// Run drains the event channel until context cancellation.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			n.fanOut(ctx, ev)
		}
	}
}

func (n *Notifier) fanOut(ctx context.Context, ev models.Event) {
	subs, err := n.store.ActiveSubscriptions(ctx, ev.OwnerID)
	if err != nil {
		log.Printf("webhook: load subscriptions for %s: %v", ev.OwnerID, err)
		return
	}
	for _, sub := range subs {
		if !sub.WantsEvent(ev.Name) {
			continue
		}
		n.deliver(ctx, sub, ev)
	}
}

func (n *Notifier) deliver(ctx context.Context, sub models.WebhookSubscription, ev models.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("webhook: marshal event %s: %v", ev.Name, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		log.Printf("webhook: build request for %s: %v", sub.URL, err)
		n.recordFailure(ctx, sub)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("webhook: deliver %s to %s: %v", ev.Name, sub.URL, err)
		n.recordFailure(ctx, sub)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := n.store.RecordWebhookSuccess(ctx, sub.ID); err != nil {
			log.Printf("webhook: record success for %s: %v", sub.ID, err)
		}
		telemetry.WebhookDelivered.Inc()
		return
	}
	log.Printf("webhook: deliver %s to %s: status %d", ev.Name, sub.URL, resp.StatusCode)
	n.recordFailure(ctx, sub)
}

func (n *Notifier) recordFailure(ctx context.Context, sub models.WebhookSubscription) {
	telemetry.WebhookFailures.Inc()
	if err := n.store.RecordWebhookFailure(ctx, sub.ID, n.maxFailures); err != nil {
		log.Printf("webhook: record failure for %s: %v", sub.ID, err)
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
