// Package session tracks live device sessions in memory and demotes the ones
// that stop reporting liveness. Best-effort housekeeping: a reaped device
// that comes back simply re-registers.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"device-dispatch/internal/telemetry"
)

// DeviceRegistry is the consumed slice of the external device registry.
type DeviceRegistry interface {
	SetDeviceStatus(ctx context.Context, deviceID, status string) error
}

// Tracker is a mutex-guarded last-seen map shared by the transport layer
// (which touches it) and the reaper (which sweeps it).
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewTracker() *Tracker {
	return &Tracker{lastSeen: make(map[string]time.Time)}
}

// Touch records liveness for a device session.
func (t *Tracker) Touch(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[deviceID] = time.Now()
}

// Forget drops a session, e.g. on clean disconnect.
func (t *Tracker) Forget(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, deviceID)
}

// Active reports whether a session is currently tracked.
func (t *Tracker) Active(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lastSeen[deviceID]
	return ok
}

// sweep removes sessions older than the threshold and returns their ids.
func (t *Tracker) sweep(staleAfter time.Duration, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []string
	for id, seen := range t.lastSeen {
		if now.Sub(seen) > staleAfter {
			stale = append(stale, id)
			delete(t.lastSeen, id)
		}
	}
	return stale
}

// Reaper periodically demotes stale sessions in the device registry.
type Reaper struct {
	tracker    *Tracker
	registry   DeviceRegistry
	staleAfter time.Duration
	interval   time.Duration
}

func NewReaper(tracker *Tracker, registry DeviceRegistry, staleAfter, interval time.Duration) *Reaper {
	if staleAfter == 0 {
		staleAfter = 5 * time.Minute
	}
	if interval == 0 {
		interval = time.Minute
	}
	return &Reaper{
		tracker:    tracker,
		registry:   registry,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

// Run sweeps on a fixed interval until context cancellation.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx, time.Now())
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context, now time.Time) {
	for _, id := range r.tracker.sweep(r.staleAfter, now) {
		if err := r.registry.SetDeviceStatus(ctx, id, "disconnected"); err != nil {
			log.Printf("reaper: demote device %s: %v", id, err)
			continue
		}
		telemetry.SessionsReaped.Inc()
		log.Printf("reaper: device %s demoted after %s of silence", id, r.staleAfter)
	}
}
