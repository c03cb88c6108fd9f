package models

import (
	"time"
)

// Task status values persisted in Postgres. Transitions only move forward:
// pending -> processing -> completed|failed, pending -> cancelled.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// Task categories.
const (
	CategoryMessage      = "message"
	CategoryMedia        = "media"
	CategoryGroupJoin    = "group-join"
	CategoryGroupLeave   = "group-leave"
	CategoryGroupMessage = "group-message"
	CategoryBulkMessage  = "bulk-message"
)

// CategorySynchronous marks categories where a successful transport call is
// authoritative: the task completes on handoff instead of waiting for a
// device callback. Group membership changes are applied inline by the device
// agent; everything else acknowledges asynchronously.
var CategorySynchronous = map[string]bool{
	CategoryGroupJoin:  true,
	CategoryGroupLeave: true,
}

// KnownCategory reports whether c is a recognized task category.
func KnownCategory(c string) bool {
	switch c {
	case CategoryMessage, CategoryMedia, CategoryGroupJoin,
		CategoryGroupLeave, CategoryGroupMessage, CategoryBulkMessage:
		return true
	}
	return false
}

// QueueFor maps a task category onto one of the three dispatch queues.
// Bulk sends ride the message queue; all group operations share one queue.
func QueueFor(category string) string {
	switch category {
	case CategoryMedia:
		return "media"
	case CategoryGroupJoin, CategoryGroupLeave, CategoryGroupMessage:
		return "group"
	default:
		return "message"
	}
}

// TerminalTaskStatus reports whether s is a terminal task state.
func TerminalTaskStatus(s string) bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a persisted unit of work routed through the dispatch queue.
type Task struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	DeviceID      *string        `json:"device_id,omitempty"`
	Category      string         `json:"category"`
	Priority      int            `json:"priority"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload"`
	Result        map[string]any `json:"result,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	ProgressSent  int            `json:"progress_sent"`
	ProgressTotal int            `json:"progress_total"`
	ScheduledAt   *time.Time     `json:"scheduled_at,omitempty"`
	ExecutedAt    *time.Time     `json:"executed_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
