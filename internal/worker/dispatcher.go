package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"device-dispatch/internal/config"
	"device-dispatch/internal/models"
	"device-dispatch/internal/queue"
	"device-dispatch/internal/reconcile"
	"device-dispatch/internal/telemetry"
	"device-dispatch/internal/translate"
)

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	ClaimTask(ctx context.Context, id string) (models.Task, bool, error)
	ReleaseForRetry(ctx context.Context, id, lastError string) error
	ResetToPending(ctx context.Context, id string) error
	FailTask(ctx context.Context, id, lastError string) (bool, error)
	UpdateProgress(ctx context.Context, id string, sent int) error
	EnsureOutgoingMessage(ctx context.Context, task models.Task, contentType, body string) (models.Message, error)
	AdvanceMessageStatus(ctx context.Context, taskID, status string, remoteID *string, deliveredAt, readAt *time.Time, lastError *string) error
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// Channel hands a translated instruction to the device transport. The
// implementation decides how bytes reach the device; the dispatcher only
// cares whether the handoff succeeded within its deadline.
type Channel interface {
	Deliver(ctx context.Context, deviceID string, ins translate.Instruction) error
}

// Stager prepares media instructions before transport (download, thumbnail,
// upload to object storage). Only wired on the media queue.
type Stager interface {
	Stage(ctx context.Context, task models.Task, ins translate.Instruction) (translate.Instruction, error)
}

// Reconciler closes the loop for synchronous-authoritative categories and
// bulk summaries.
type Reconciler interface {
	Reconcile(ctx context.Context, taskID string, outcome reconcile.Outcome) (reconcile.Result, error)
}

// Notifier carries dispatch-time events (message.sent on handoff).
type Notifier interface {
	Notify(ownerID, eventName string, data map[string]any)
}

// Dispatcher drives the worker loop for one dispatch category queue.
type Dispatcher struct {
	cfg        config.Config
	queue      *queue.RedisQueue
	store      Store
	translator *translate.Translator
	channel    Channel
	stager     Stager
	reconciler Reconciler
	notifier   Notifier
}

func NewDispatcher(cfg config.Config, q *queue.RedisQueue, st Store, tr *translate.Translator, ch Channel, rec Reconciler, n Notifier) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		queue:      q,
		store:      st,
		translator: tr,
		channel:    ch,
		reconciler: rec,
		notifier:   n,
	}
}

// SetStager wires a media stager; only the media queue's dispatcher gets one.
func (d *Dispatcher) SetStager(s Stager) {
	d.stager = s
}

// Run pulls work for one category until context cancellation. Multiple
// dispatchers may run the same category concurrently; the queue's
// pop-and-lease script and the store's conditional claim keep each task with
// exactly one of them.
func (d *Dispatcher) Run(ctx context.Context, category string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = d.queue.PromoteScheduled(ctx, time.Now(), int64(d.cfg.ScheduledBatchSize))
		d.reclaimExpired(ctx, time.Now())
		if depth, err := d.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		taskID, err := d.queue.Claim(ctx, category)
		if err != nil || taskID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.WorkerPollInterval):
			}
			continue
		}

		task, claimed, err := d.store.ClaimTask(ctx, taskID)
		if err != nil {
			log.Printf("dispatch: claim %s: %v", taskID, err)
			_ = d.queue.ReleaseLease(ctx, taskID)
			continue
		}
		if !claimed {
			// Cancelled, already terminal, or claimed through the pull
			// endpoint; drop it from the queue either way.
			_ = d.queue.Ack(ctx, taskID)
			continue
		}

		telemetry.InFlightGauge.Inc()
		d.dispatch(ctx, task)
		telemetry.InFlightGauge.Dec()
	}
}

// reclaimExpired recovers tasks whose worker died mid-lease. The queue moves
// them back to their ready sets; the store rows must also return from
// processing to pending, or the next ClaimTask would see a non-pending row
// and drop the task from the queue for good.
func (d *Dispatcher) reclaimExpired(ctx context.Context, now time.Time) {
	reclaimed, err := d.queue.RequeueExpired(ctx, now, 100)
	if err != nil || len(reclaimed) == 0 {
		return
	}
	telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
	for _, id := range reclaimed {
		if err := d.store.ResetToPending(ctx, id); err != nil {
			log.Printf("dispatch: reset reclaimed task %s: %v", id, err)
		}
	}
}

// dispatch translates and delivers one claimed task.
func (d *Dispatcher) dispatch(ctx context.Context, task models.Task) {
	ins, err := d.translator.Translate(task)
	if err != nil {
		// Caller error: no retry, straight to terminal failed.
		d.failTerminal(ctx, task, err.Error())
		return
	}

	if task.Category == models.CategoryBulkMessage {
		d.dispatchBulk(ctx, task, ins)
		return
	}

	if derivesMessage(task.Category) {
		if _, err := d.store.EnsureOutgoingMessage(ctx, task, contentTypeFor(task), ins.Text); err != nil {
			log.Printf("dispatch: ensure message for %s: %v", task.ID, err)
		}
	}

	if d.stager != nil && task.Category == models.CategoryMedia {
		staged, err := d.stager.Stage(ctx, task, ins)
		if err != nil {
			d.transportFailure(ctx, task, fmt.Errorf("%w: stage media: %v", models.ErrTransportFailure, err))
			return
		}
		ins = staged
	}

	if err := d.deliver(ctx, task, ins); err != nil {
		d.transportFailure(ctx, task, err)
		return
	}

	_ = d.store.AppendAudit(ctx, task.ID, "dispatched", "instruction handed to device channel")
	telemetry.TasksDispatched.Inc()

	if models.CategorySynchronous[task.Category] {
		// Transport is authoritative for this category; close the loop now.
		if _, err := d.reconciler.Reconcile(ctx, task.ID, reconcile.Outcome{Status: reconcile.OutcomeCompleted}); err != nil {
			log.Printf("dispatch: reconcile sync task %s: %v", task.ID, err)
		}
		_ = d.queue.Ack(ctx, task.ID)
		return
	}

	// Asynchronous categories stay processing until the device calls back.
	if derivesMessage(task.Category) {
		if err := d.store.AdvanceMessageStatus(ctx, task.ID, models.MessageSent, nil, nil, nil, nil); err != nil {
			log.Printf("dispatch: advance message for %s: %v", task.ID, err)
		}
		d.notifier.Notify(task.OwnerID, models.EventMessageSent, map[string]any{
			"task_id": task.ID,
		})
	}
	_ = d.queue.Ack(ctx, task.ID)
}

// dispatchBulk expands a bulk task into one chat delivery per destination,
// separated by the task's delay. Attempt failures are recorded in the
// summary but never fail the whole task.
func (d *Dispatcher) dispatchBulk(ctx context.Context, task models.Task, ins translate.Instruction) {
	delay := time.Duration(ins.DelayMS) * time.Millisecond
	sent := 0
	var failed []string

	for i, dest := range ins.Destinations {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				d.transportFailure(ctx, task, fmt.Errorf("%w: %v", models.ErrTransportFailure, ctx.Err()))
				return
			case <-time.After(delay):
			}
		}
		// Long bulk runs outlive the default lease.
		_ = d.queue.ExtendLease(ctx, task.ID, d.cfg.VisibilityTimeout)

		sub := translate.Instruction{
			TaskID:      task.ID,
			Kind:        translate.KindChat,
			Destination: dest,
			Text:        ins.Text,
		}
		if err := d.deliver(ctx, task, sub); err != nil {
			log.Printf("dispatch: bulk %s destination %s: %v", task.ID, dest, err)
			failed = append(failed, dest)
			continue
		}
		sent++
		if err := d.store.UpdateProgress(ctx, task.ID, sent); err != nil {
			log.Printf("dispatch: bulk progress %s: %v", task.ID, err)
		}
		d.notifier.Notify(task.OwnerID, models.EventTaskProgress, map[string]any{
			"task_id": task.ID, "sent": sent, "total": len(ins.Destinations),
		})
	}

	telemetry.TasksDispatched.Inc()
	result := map[string]any{
		"sent":  sent,
		"total": len(ins.Destinations),
	}
	if len(failed) > 0 {
		result["failed_destinations"] = failed
	}
	if _, err := d.reconciler.Reconcile(ctx, task.ID, reconcile.Outcome{
		Status: reconcile.OutcomeCompleted,
		Result: result,
	}); err != nil {
		log.Printf("dispatch: reconcile bulk %s: %v", task.ID, err)
	}
	_ = d.queue.Ack(ctx, task.ID)
}

// deliver invokes the device channel under the configured deadline. Expiry
// is a transport failure like any other.
func (d *Dispatcher) deliver(ctx context.Context, task models.Task, ins translate.Instruction) error {
	if task.DeviceID == nil || *task.DeviceID == "" {
		return fmt.Errorf("%w: %v", models.ErrTransportFailure, errNoDevice)
	}
	deviceID := *task.DeviceID
	timeout := d.cfg.DeliveryTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.channel.Deliver(dctx, deviceID, ins); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransportFailure, err)
	}
	return nil
}

// transportFailure applies the queue's retry policy: backoff and requeue
// while attempts remain, terminal failed once exhausted.
func (d *Dispatcher) transportFailure(ctx context.Context, task models.Task, cause error) {
	attempts, err := d.queue.IncrAttempts(ctx, task.ID)
	if err != nil {
		attempts = int64(task.MaxRetries) // fail safe toward terminating
	}

	maxRetries := task.MaxRetries
	if maxRetries == 0 {
		maxRetries = d.cfg.MaxRetries
	}
	if attempts >= int64(maxRetries) {
		d.failTerminal(ctx, task, cause.Error())
		_ = d.queue.DLQPush(ctx, task.ID)
		telemetry.TasksDeadLetter.Inc()
		return
	}

	backoff := backoffWithJitter(d.cfg.BackoffInitial, d.cfg.BackoffMax, int(attempts))
	nextRun := time.Now().Add(backoff)
	if err := d.store.ReleaseForRetry(ctx, task.ID, cause.Error()); err != nil {
		log.Printf("dispatch: release %s for retry: %v", task.ID, err)
	}
	_ = d.queue.ReleaseLease(ctx, task.ID)
	_ = d.queue.Requeue(ctx, task.ID, nextRun)
	_ = d.store.AppendAudit(ctx, task.ID, "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
}

// failTerminal moves a task to failed, marks any derived message, and fans
// out task.failed.
func (d *Dispatcher) failTerminal(ctx context.Context, task models.Task, reason string) {
	if _, err := d.store.FailTask(ctx, task.ID, reason); err != nil {
		log.Printf("dispatch: fail %s: %v", task.ID, err)
	}
	if derivesMessage(task.Category) {
		if _, err := d.store.EnsureOutgoingMessage(ctx, task, contentTypeFor(task), ""); err == nil {
			_ = d.store.AdvanceMessageStatus(ctx, task.ID, models.MessageFailed, nil, nil, nil, &reason)
		}
	}
	_ = d.queue.Ack(ctx, task.ID)
	_ = d.store.AppendAudit(ctx, task.ID, "failed", reason)
	telemetry.TasksFailed.Inc()
	d.notifier.Notify(task.OwnerID, models.EventTaskFailed, map[string]any{
		"task_id": task.ID, "category": task.Category, "error": reason,
	})
}

func derivesMessage(category string) bool {
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

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

var errNoDevice = errors.New("task has no target device")
