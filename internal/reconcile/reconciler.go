// Package reconcile applies asynchronous device outcomes back onto tasks and
// their derived messages. Reconciliation is idempotent for terminal outcomes:
// the remote agent may retry its callback and the second call is a no-op.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"device-dispatch/internal/models"
	"device-dispatch/internal/telemetry"
)

// Outcome statuses accepted from the device agent.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeProgress  = "progress"
)

// Outcome is a device callback for a claimed task.
type Outcome struct {
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	RemoteID     string         `json:"remote_id,omitempty"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty"`
	ReadAt       *time.Time     `json:"read_at,omitempty"`
	ProgressSent int            `json:"progress_sent,omitempty"`
}

// Result reports what a reconciliation did. Applied is false when the task
// was already terminal and the call was a no-op.
type Result struct {
	Task    models.Task     `json:"task"`
	Message *models.Message `json:"message,omitempty"`
	Applied bool            `json:"applied"`
}

// Store is the slice of persistence the reconciler needs.
type Store interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	CompleteTask(ctx context.Context, id string, result map[string]any) (bool, error)
	FailTask(ctx context.Context, id, lastError string) (bool, error)
	UpdateProgress(ctx context.Context, id string, sent int) error
	EnsureOutgoingMessage(ctx context.Context, task models.Task, contentType, body string) (models.Message, error)
	AdvanceMessageStatus(ctx context.Context, taskID, status string, remoteID *string, deliveredAt, readAt *time.Time, lastError *string) error
	GetMessageByTask(ctx context.Context, taskID string) (models.Message, error)
	CreateIncomingMessage(ctx context.Context, ownerID, deviceID, contentType, body, remoteID string) (models.Message, error)
	DeviceOwner(ctx context.Context, deviceID string) (string, error)
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// Inbound is an inbound message pushed by a device agent.
type Inbound struct {
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
	RemoteID    string `json:"remote_id,omitempty"`
}

// Notifier is the fan-out sink; webhook trouble never reaches the reconciler.
type Notifier interface {
	Notify(ownerID, eventName string, data map[string]any)
}

// Reconciler applies outcomes and emits events.
type Reconciler struct {
	store    Store
	notifier Notifier
}

func New(store Store, notifier Notifier) *Reconciler {
	return &Reconciler{store: store, notifier: notifier}
}

// Reconcile applies an outcome to the task. Unknown ids return ErrNotFound,
// which callers log and answer non-fatally: the remote agent must not treat
// an expired task id as a hard failure.
func (r *Reconciler) Reconcile(ctx context.Context, taskID string, outcome Outcome) (Result, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Printf("reconcile: unknown task %s, outcome %s dropped", taskID, outcome.Status)
		}
		return Result{}, err
	}

	switch outcome.Status {
	case OutcomeCompleted:
		return r.complete(ctx, task, outcome)
	case OutcomeFailed:
		return r.fail(ctx, task, outcome)
	case OutcomeProgress:
		return r.progress(ctx, task, outcome)
	default:
		return Result{}, fmt.Errorf("%w: outcome status %q", models.ErrMalformedPayload, outcome.Status)
	}
}

func (r *Reconciler) complete(ctx context.Context, task models.Task, outcome Outcome) (Result, error) {
	if models.TerminalTaskStatus(task.Status) {
		return r.noop(ctx, task)
	}

	applied, err := r.store.CompleteTask(ctx, task.ID, outcome.Result)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		// Lost the race to another callback; re-read and report the no-op.
		task, err = r.store.GetTask(ctx, task.ID)
		if err != nil {
			return Result{}, err
		}
		return r.noop(ctx, task)
	}

	task, err = r.store.GetTask(ctx, task.ID)
	if err != nil {
		return Result{}, err
	}
	_ = r.store.AppendAudit(ctx, task.ID, "completed", "device reported completion")
	telemetry.TasksCompleted.Inc()

	res := Result{Task: task, Applied: true}
	if impliesMessage(task.Category) {
		msg, msgEvent, err := r.advanceMessage(ctx, task, outcome)
		if err != nil {
			return Result{}, err
		}
		res.Message = &msg
		if msgEvent != "" {
			r.notifier.Notify(task.OwnerID, msgEvent, map[string]any{
				"task_id": task.ID, "message_id": msg.ID, "status": msg.Status,
			})
		}
	}

	r.notifier.Notify(task.OwnerID, models.EventTaskCompleted, map[string]any{
		"task_id": task.ID, "category": task.Category, "result": task.Result,
	})
	return res, nil
}

func (r *Reconciler) fail(ctx context.Context, task models.Task, outcome Outcome) (Result, error) {
	if models.TerminalTaskStatus(task.Status) {
		return r.noop(ctx, task)
	}

	reason := outcome.Error
	if reason == "" {
		reason = "device reported failure"
	}
	applied, err := r.store.FailTask(ctx, task.ID, reason)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		task, err = r.store.GetTask(ctx, task.ID)
		if err != nil {
			return Result{}, err
		}
		return r.noop(ctx, task)
	}

	task, err = r.store.GetTask(ctx, task.ID)
	if err != nil {
		return Result{}, err
	}
	_ = r.store.AppendAudit(ctx, task.ID, "failed", reason)
	telemetry.TasksFailed.Inc()

	res := Result{Task: task, Applied: true}
	if impliesMessage(task.Category) {
		msg, err := r.store.EnsureOutgoingMessage(ctx, task, contentTypeFor(task), bodyFor(task))
		if err != nil {
			return Result{}, err
		}
		if err := r.store.AdvanceMessageStatus(ctx, task.ID, models.MessageFailed, nil, nil, nil, &reason); err != nil {
			return Result{}, err
		}
		msg, err = r.store.GetMessageByTask(ctx, task.ID)
		if err != nil {
			return Result{}, err
		}
		res.Message = &msg
		r.notifier.Notify(task.OwnerID, models.EventMessageFailed, map[string]any{
			"task_id": task.ID, "message_id": msg.ID, "error": reason,
		})
	}

	r.notifier.Notify(task.OwnerID, models.EventTaskFailed, map[string]any{
		"task_id": task.ID, "category": task.Category, "error": reason,
	})
	return res, nil
}

func (r *Reconciler) progress(ctx context.Context, task models.Task, outcome Outcome) (Result, error) {
	if task.Category != models.CategoryBulkMessage {
		return Result{}, fmt.Errorf("%w: progress outcomes apply to bulk tasks only", models.ErrMalformedPayload)
	}
	if models.TerminalTaskStatus(task.Status) {
		return r.noop(ctx, task)
	}

	if err := r.store.UpdateProgress(ctx, task.ID, outcome.ProgressSent); err != nil {
		return Result{}, err
	}
	task, err := r.store.GetTask(ctx, task.ID)
	if err != nil {
		return Result{}, err
	}

	r.notifier.Notify(task.OwnerID, models.EventTaskProgress, map[string]any{
		"task_id": task.ID, "sent": task.ProgressSent, "total": task.ProgressTotal,
	})
	return Result{Task: task, Applied: true}, nil
}

// noop is the idempotent answer for a task already in a terminal state.
func (r *Reconciler) noop(ctx context.Context, task models.Task) (Result, error) {
	res := Result{Task: task, Applied: false}
	if impliesMessage(task.Category) {
		if msg, err := r.store.GetMessageByTask(ctx, task.ID); err == nil {
			res.Message = &msg
		}
	}
	return res, nil
}

// advanceMessage moves the task's derived message forward using the delivery
// metadata, respecting the no-regression invariant.
func (r *Reconciler) advanceMessage(ctx context.Context, task models.Task, outcome Outcome) (models.Message, string, error) {
	if _, err := r.store.EnsureOutgoingMessage(ctx, task, contentTypeFor(task), bodyFor(task)); err != nil {
		return models.Message{}, "", err
	}

	status := models.MessageSent
	event := models.EventMessageSent
	if outcome.ReadAt != nil {
		status = models.MessageRead
		event = models.EventMessageRead
	} else if outcome.DeliveredAt != nil {
		status = models.MessageDelivered
		event = models.EventMessageDelivered
	}

	var remoteID *string
	if outcome.RemoteID != "" {
		remoteID = &outcome.RemoteID
	}
	if err := r.store.AdvanceMessageStatus(ctx, task.ID, status, remoteID, outcome.DeliveredAt, outcome.ReadAt, nil); err != nil {
		return models.Message{}, "", err
	}

	msg, err := r.store.GetMessageByTask(ctx, task.ID)
	if err != nil {
		return models.Message{}, "", err
	}
	return msg, event, nil
}

// ReceiveInbound records a freshly received message pushed by a device and
// fans out message.received. Inbound messages are never matched to tasks.
func (r *Reconciler) ReceiveInbound(ctx context.Context, deviceID string, in Inbound) (models.Message, error) {
	owner, err := r.store.DeviceOwner(ctx, deviceID)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := r.store.CreateIncomingMessage(ctx, owner, deviceID, in.ContentType, in.Body, in.RemoteID)
	if err != nil {
		return models.Message{}, err
	}
	r.notifier.Notify(owner, models.EventMessageReceived, map[string]any{
		"message_id": msg.ID, "device_id": deviceID, "content_type": msg.ContentType,
	})
	return msg, nil
}

// impliesMessage reports whether a category derives an outgoing Message.
func impliesMessage(category string) bool {
	return category == models.CategoryMessage || category == models.CategoryMedia
}

func contentTypeFor(task models.Task) string {
	if task.Category != models.CategoryMedia {
		return "text"
	}
	if ct, ok := task.Payload["content_type"].(string); ok && ct != "" {
		return ct
	}
	return "media"
}

func bodyFor(task models.Task) string {
	if body, ok := task.Payload["body"].(string); ok {
		return body
	}
	if caption, ok := task.Payload["caption"].(string); ok {
		return caption
	}
	return ""
}
