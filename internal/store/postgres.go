package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"device-dispatch/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, owner_id, device_id, category, priority, status, payload, result, last_error,
	retry_count, max_retries, progress_sent, progress_total, scheduled_at, executed_at, completed_at,
	created_at, updated_at`

// CreateTaskParams collects inputs required to insert a task. The payload is
// expected to be validated against its category before reaching the store.
type CreateTaskParams struct {
	OwnerID     string
	DeviceID    string
	Category    string
	Priority    int
	Payload     map[string]any
	MaxRetries  int
	ScheduledAt *time.Time
}

// CreateTask inserts a pending task row.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal payload: %w", err)
	}

	progressTotal := 0
	if p.Category == models.CategoryBulkMessage {
		var bulk models.BulkPayload
		if raw, err := json.Marshal(p.Payload); err == nil {
			if err := json.Unmarshal(raw, &bulk); err == nil {
				progressTotal = len(bulk.Destinations)
			}
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, owner_id, device_id, category, priority, status, payload,
			retry_count, max_retries, progress_sent, progress_total, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, 0, $8, 0, $9, $10, $11, $11)
	`, id, p.OwnerID, p.DeviceID, p.Category, p.Priority, models.TaskPending, payloadJSON,
		p.MaxRetries, progressTotal, p.ScheduledAt, now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}

	task := models.Task{
		ID:            id,
		OwnerID:       p.OwnerID,
		Category:      p.Category,
		Priority:      p.Priority,
		Status:        models.TaskPending,
		Payload:       p.Payload,
		MaxRetries:    p.MaxRetries,
		ProgressTotal: progressTotal,
		ScheduledAt:   p.ScheduledAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.DeviceID != "" {
		task.DeviceID = &p.DeviceID
	}
	return task, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("%w: task %s", models.ErrNotFound, id)
	}
	return task, err
}

// ClaimTask atomically transitions a pending, due task to processing and
// stamps executed_at. The conditional WHERE makes the claim exclusive: under
// concurrent attempts only one caller sees claimed=true.
func (s *Store) ClaimTask(ctx context.Context, id string) (models.Task, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, executed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3 AND (scheduled_at IS NULL OR scheduled_at <= NOW())
		RETURNING `+taskColumns,
		id, models.TaskProcessing, models.TaskPending)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, err
	}
	return task, true, nil
}

// ClaimNextForDevice claims up to limit eligible pending tasks for a device,
// best-priority first, FIFO within a priority band. SKIP LOCKED keeps
// concurrent pulls from claiming the same rows.
func (s *Store) ClaimNextForDevice(ctx context.Context, deviceID string, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks
		SET status = $2, executed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE device_id = $1 AND status = $3
			  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		deviceID, models.TaskProcessing, models.TaskPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim for device: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CompleteTask transitions a processing task to completed, storing the
// result. Returns false when the task was not in processing (already
// terminal), which callers treat as an idempotent no-op.
func (s *Store) CompleteTask(ctx context.Context, id string, result map[string]any) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, result = $3, completed_at = NOW(), updated_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = $4
	`, id, models.TaskCompleted, resultJSON, models.TaskProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailTask transitions a processing task to failed, preserving the error
// verbatim and counting one retry cycle against the persisted retry_count.
func (s *Store) FailTask(ctx context.Context, id string, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, last_error = $3, retry_count = retry_count + 1,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.TaskFailed, lastError, models.TaskProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseForRetry puts a processing task back to pending after a transport
// failure that has queue attempts left, counting the failed cycle against
// the persisted retry_count.
func (s *Store) ReleaseForRetry(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, last_error = $3, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.TaskPending, lastError, models.TaskProcessing)
	return err
}

// ResetToPending returns a task whose worker lease expired to pending so the
// next claim can succeed. Tasks that reached a terminal state in the meantime
// are left untouched. Unlike ReleaseForRetry this does not count a retry: the
// delivery was never attempted.
func (s *Store) ResetToPending(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.TaskPending, models.TaskProcessing)
	return err
}

// FailPending marks a task that never reached the queue as failed, used when
// enqueueing fails right after the insert.
func (s *Store) FailPending(ctx context.Context, id string, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, last_error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.TaskFailed, lastError, models.TaskPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelTask cancels an owner's pending task. Processing tasks are not
// preemptible and report ErrNotCancellable.
func (s *Store) CancelTask(ctx context.Context, id, ownerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status = $4
	`, id, ownerID, models.TaskCancelled, models.TaskPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.OwnerID != ownerID {
		return fmt.Errorf("%w: task %s", models.ErrNotFound, id)
	}
	return fmt.Errorf("%w: task %s is %s", models.ErrNotCancellable, id, task.Status)
}

// UpdateProgress records bulk sub-delivery progress without touching status.
func (s *Store) UpdateProgress(ctx context.Context, id string, sent int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET progress_sent = GREATEST(progress_sent, $2), updated_at = NOW()
		WHERE id = $1
	`, id, sent)
	return err
}

// EnsureOutgoingMessage lazily creates the single outgoing message derived
// from a task. The partial unique index on (task_id) makes double creation a
// no-op under races.
func (s *Store) EnsureOutgoingMessage(ctx context.Context, task models.Task, contentType, body string) (models.Message, error) {
	deviceID := ""
	if task.DeviceID != nil {
		deviceID = *task.DeviceID
	}
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, owner_id, device_id, task_id, direction, content_type, body, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (task_id) WHERE direction = 'outgoing' DO NOTHING
	`, id, task.OwnerID, deviceID, task.ID, models.DirectionOutgoing, contentType, body, models.MessagePending)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return s.GetMessageByTask(ctx, task.ID)
}

// GetMessageByTask fetches the outgoing message for a task.
func (s *Store) GetMessageByTask(ctx context.Context, taskID string) (models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, device_id, task_id, direction, content_type, body, status,
		       remote_id, delivered_at, read_at, last_error, created_at, updated_at
		FROM messages WHERE task_id = $1 AND direction = $2
	`, taskID, models.DirectionOutgoing)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, fmt.Errorf("%w: message for task %s", models.ErrNotFound, taskID)
	}
	return msg, err
}

// AdvanceMessageStatus moves a task's outgoing message forward along
// pending -> sent -> delivered -> read (or to failed). The rank guard in SQL
// enforces the no-regression invariant even under concurrent callbacks.
func (s *Store) AdvanceMessageStatus(ctx context.Context, taskID, status string, remoteID *string, deliveredAt, readAt *time.Time, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $2,
		    remote_id = COALESCE($3, remote_id),
		    delivered_at = COALESCE($4, delivered_at),
		    read_at = COALESCE($5, read_at),
		    last_error = COALESCE($6, last_error),
		    updated_at = NOW()
		WHERE task_id = $1 AND direction = 'outgoing'
		  AND (CASE status
		         WHEN 'pending' THEN 0 WHEN 'sent' THEN 1
		         WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 4 END)
		    < (CASE $2::text
		         WHEN 'pending' THEN 0 WHEN 'sent' THEN 1
		         WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 4 END)
	`, taskID, status, remoteID, deliveredAt, readAt, lastError)
	return err
}

// CreateIncomingMessage records a freshly received message. Inbound records
// are never deduplicated against tasks.
func (s *Store) CreateIncomingMessage(ctx context.Context, ownerID, deviceID, contentType, body, remoteID string) (models.Message, error) {
	if contentType == "" {
		contentType = "text"
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, owner_id, device_id, direction, content_type, body, status, remote_id, delivered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $9, $9)
	`, id, ownerID, deviceID, models.DirectionIncoming, contentType, body, models.MessageDelivered, remoteID, now)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert incoming message: %w", err)
	}
	msg := models.Message{
		ID:          id,
		OwnerID:     ownerID,
		DeviceID:    deviceID,
		Direction:   models.DirectionIncoming,
		ContentType: contentType,
		Body:        body,
		Status:      models.MessageDelivered,
		DeliveredAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if remoteID != "" {
		msg.RemoteID = &remoteID
	}
	return msg, nil
}

// ActiveSubscriptions returns the owner's active webhook subscriptions.
// Event filtering happens in the notifier.
func (s *Store) ActiveSubscriptions(ctx context.Context, ownerID string) ([]models.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, url, events, secret, active, failure_count, last_triggered_at, created_at, updated_at
		FROM webhook_subscriptions WHERE owner_id = $1 AND active
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		var sub models.WebhookSubscription
		var lastTriggered pgtype.Timestamptz
		if err := rows.Scan(&sub.ID, &sub.OwnerID, &sub.URL, &sub.Events, &sub.Secret,
			&sub.Active, &sub.FailureCount, &lastTriggered, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.LastTriggeredAt = tsPtr(lastTriggered)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// RecordWebhookSuccess resets the failure counter and stamps last_triggered_at.
func (s *Store) RecordWebhookSuccess(ctx context.Context, subID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET failure_count = 0, last_triggered_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, subID)
	return err
}

// RecordWebhookFailure increments the failure counter and deactivates the
// subscription once it reaches maxFailures.
func (s *Store) RecordWebhookFailure(ctx context.Context, subID string, maxFailures int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET failure_count = failure_count + 1,
		    active = (failure_count + 1) < $2,
		    updated_at = NOW()
		WHERE id = $1
	`, subID, maxFailures)
	return err
}

// DeviceExists reports whether the device is registered.
func (s *Store) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM devices WHERE id = $1)`, deviceID).Scan(&exists)
	return exists, err
}

// DeviceStatus returns the device's connection status.
func (s *Store) DeviceStatus(ctx context.Context, deviceID string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM devices WHERE id = $1`, deviceID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: device %s", models.ErrNotFound, deviceID)
	}
	return status, err
}

// SetDeviceStatus writes back the device's connection status and liveness.
func (s *Store) SetDeviceStatus(ctx context.Context, deviceID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET status = $2, last_seen_at = NOW(), updated_at = NOW() WHERE id = $1
	`, deviceID, status)
	return err
}

// DeviceOwner returns the owner of a device.
func (s *Store) DeviceOwner(ctx context.Context, deviceID string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT owner_id FROM devices WHERE id = $1`, deviceID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: device %s", models.ErrNotFound, deviceID)
	}
	return owner, err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var task models.Task
	var deviceID, lastErr pgtype.Text
	var payloadJSON []byte
	var resultJSON []byte
	var scheduledAt, executedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&task.ID, &task.OwnerID, &deviceID, &task.Category, &task.Priority,
		&task.Status, &payloadJSON, &resultJSON, &lastErr, &task.RetryCount, &task.MaxRetries,
		&task.ProgressSent, &task.ProgressTotal, &scheduledAt, &executedAt, &completedAt,
		&task.CreatedAt, &task.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &task.Payload); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	task.DeviceID = textPtr(deviceID)
	task.LastError = textPtr(lastErr)
	task.ScheduledAt = tsPtr(scheduledAt)
	task.ExecutedAt = tsPtr(executedAt)
	task.CompletedAt = tsPtr(completedAt)
	return task, nil
}

func scanMessage(row rowScanner) (models.Message, error) {
	var msg models.Message
	var taskID, remoteID, lastErr pgtype.Text
	var deliveredAt, readAt pgtype.Timestamptz

	if err := row.Scan(&msg.ID, &msg.OwnerID, &msg.DeviceID, &taskID, &msg.Direction,
		&msg.ContentType, &msg.Body, &msg.Status, &remoteID, &deliveredAt, &readAt, &lastErr,
		&msg.CreatedAt, &msg.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Message{}, err
		}
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}

	msg.TaskID = textPtr(taskID)
	msg.RemoteID = textPtr(remoteID)
	msg.LastError = textPtr(lastErr)
	msg.DeliveredAt = tsPtr(deliveredAt)
	msg.ReadAt = tsPtr(readAt)
	return msg, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
