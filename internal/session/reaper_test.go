package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeRegistry struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (f *fakeRegistry) SetDeviceStatus(_ context.Context, deviceID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]string)
	}
	f.statuses[deviceID] = status
	return nil
}

func TestSweepDemotesStaleSessionsOnly(t *testing.T) {
	tracker := NewTracker()
	registry := &fakeRegistry{}
	reaper := NewReaper(tracker, registry, 100*time.Millisecond, time.Minute)

	tracker.Touch("stale-dev")
	tracker.Touch("fresh-dev")

	// Age only the stale session past the threshold.
	tracker.mu.Lock()
	tracker.lastSeen["stale-dev"] = time.Now().Add(-time.Second)
	tracker.mu.Unlock()

	reaper.sweepOnce(context.Background(), time.Now())

	if tracker.Active("stale-dev") {
		t.Fatalf("stale session should have been removed")
	}
	if !tracker.Active("fresh-dev") {
		t.Fatalf("fresh session should have been kept")
	}
	if registry.statuses["stale-dev"] != "disconnected" {
		t.Fatalf("expected disconnected written back, got %q", registry.statuses["stale-dev"])
	}
	if _, ok := registry.statuses["fresh-dev"]; ok {
		t.Fatalf("fresh device must not be demoted")
	}
}

func TestReapedDeviceCanReRegister(t *testing.T) {
	tracker := NewTracker()
	registry := &fakeRegistry{}
	reaper := NewReaper(tracker, registry, 50*time.Millisecond, time.Minute)

	tracker.Touch("dev-1")
	tracker.mu.Lock()
	tracker.lastSeen["dev-1"] = time.Now().Add(-time.Second)
	tracker.mu.Unlock()
	reaper.sweepOnce(context.Background(), time.Now())

	if tracker.Active("dev-1") {
		t.Fatalf("expected dev-1 reaped")
	}

	tracker.Touch("dev-1")
	if !tracker.Active("dev-1") {
		t.Fatalf("expected dev-1 tracked again after re-registering")
	}
}
