package models

import "time"

// Message status values. Ordered: once a message is read it can never be
// reported as merely sent or delivered again.
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

// Message directions.
const (
	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
)

var messageStatusRank = map[string]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
	MessageFailed:    4,
}

// MessageStatusRank returns the monotone rank used to enforce the
// no-regression invariant. Unknown statuses rank below pending.
func MessageStatusRank(s string) int {
	if r, ok := messageStatusRank[s]; ok {
		return r
	}
	return -1
}

// Message is a derived record of a communication attempt or inbound receipt.
// Outgoing messages reference their originating task; incoming ones do not.
type Message struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	DeviceID    string     `json:"device_id"`
	TaskID      *string    `json:"task_id,omitempty"`
	Direction   string     `json:"direction"`
	ContentType string     `json:"content_type"`
	Body        string     `json:"body,omitempty"`
	Status      string     `json:"status"`
	RemoteID    *string    `json:"remote_id,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
