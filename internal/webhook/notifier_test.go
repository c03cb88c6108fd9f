package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"device-dispatch/internal/models"
)

type fakeSubStore struct {
	mu   sync.Mutex
	subs map[string]*models.WebhookSubscription
	max  int
}

func newFakeSubStore(subs ...*models.WebhookSubscription) *fakeSubStore {
	m := make(map[string]*models.WebhookSubscription)
	for _, s := range subs {
		m[s.ID] = s
	}
	return &fakeSubStore{subs: m}
}

func (f *fakeSubStore) ActiveSubscriptions(_ context.Context, ownerID string) ([]models.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.WebhookSubscription
	for _, s := range f.subs {
		if s.OwnerID == ownerID && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSubStore) RecordWebhookSuccess(_ context.Context, subID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[subID]; ok {
		s.FailureCount = 0
		now := time.Now()
		s.LastTriggeredAt = &now
	}
	return nil
}

func (f *fakeSubStore) RecordWebhookFailure(_ context.Context, subID string, maxFailures int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[subID]; ok {
		s.FailureCount++
		if s.FailureCount >= maxFailures {
			s.Active = false
		}
	}
	return nil
}

func TestDeliverSignsAndResetsCounter(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := &models.WebhookSubscription{
		ID: "sub-1", OwnerID: "owner-1", URL: srv.URL,
		Events: []string{models.EventTaskCompleted}, Secret: "s3cret",
		Active: true, FailureCount: 3,
	}
	store := newFakeSubStore(sub)
	n := New(store, time.Second, 5, 8)

	n.fanOut(context.Background(), models.Event{
		OwnerID: "owner-1",
		Name:    models.EventTaskCompleted,
		Data:    map[string]any{"task_id": "t-1"},
		At:      time.Now(),
	})

	if gotSig == "" {
		t.Fatalf("expected signature header")
	}
	if want := Sign("s3cret", gotBody); gotSig != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSig, want)
	}
	if sub.FailureCount != 0 {
		t.Fatalf("expected failure counter reset, got %d", sub.FailureCount)
	}
	if sub.LastTriggeredAt == nil {
		t.Fatalf("expected last_triggered stamp")
	}
}

func TestEventFilterSkipsUnsubscribed(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := &models.WebhookSubscription{
		ID: "sub-1", OwnerID: "owner-1", URL: srv.URL,
		Events: []string{models.EventMessageReceived}, Secret: "x", Active: true,
	}
	n := New(newFakeSubStore(sub), time.Second, 5, 8)

	n.fanOut(context.Background(), models.Event{OwnerID: "owner-1", Name: models.EventTaskFailed})
	if calls != 0 {
		t.Fatalf("expected no delivery for unsubscribed event, got %d", calls)
	}
}

func TestFailureThresholdDisablesSubscription(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sub := &models.WebhookSubscription{
		ID: "sub-1", OwnerID: "owner-1", URL: srv.URL, Secret: "x", Active: true,
	}
	store := newFakeSubStore(sub)
	n := New(store, time.Second, 2, 8)

	ev := models.Event{OwnerID: "owner-1", Name: models.EventTaskFailed}
	n.fanOut(context.Background(), ev)
	n.fanOut(context.Background(), ev)
	if sub.Active {
		t.Fatalf("expected subscription disabled after %d failures", sub.FailureCount)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}

	// Disabled subscriptions get no further attempts.
	n.fanOut(context.Background(), ev)
	if calls != 2 {
		t.Fatalf("expected no delivery to inactive subscription, got %d calls", calls)
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	n := New(newFakeSubStore(), time.Second, 2, 1)
	// Fill the buffer and overflow it; both must return immediately.
	n.Notify("owner-1", models.EventTaskCompleted, nil)
	done := make(chan struct{})
	go func() {
		n.Notify("owner-1", models.EventTaskCompleted, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Notify blocked on full buffer")
	}
}
