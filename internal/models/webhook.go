package models

import "time"

// Event names fanned out to webhook subscriptions.
const (
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventTaskProgress     = "task.progress"
	EventTaskCancelled    = "task.cancelled"
	EventMessageSent      = "message.sent"
	EventMessageDelivered = "message.delivered"
	EventMessageRead      = "message.read"
	EventMessageFailed    = "message.failed"
	EventMessageReceived  = "message.received"
)

// WebhookSubscription is a user-registered delivery target. The core never
// creates or deletes subscriptions; it only reads active ones and mutates the
// failure counter.
type WebhookSubscription struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	Secret          string     `json:"-"`
	Active          bool       `json:"active"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// WantsEvent reports whether the subscription covers the event name. An empty
// event set subscribes to everything.
func (s WebhookSubscription) WantsEvent(name string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == name {
			return true
		}
	}
	return false
}

// Event is the payload shipped to subscriptions and through the internal
// fan-out channel.
type Event struct {
	OwnerID string         `json:"-"`
	Name    string         `json:"event"`
	Data    map[string]any `json:"data"`
	At      time.Time      `json:"at"`
}
