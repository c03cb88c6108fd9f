package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"device-dispatch/internal/config"
	"device-dispatch/internal/models"
	"device-dispatch/internal/queue"
	"device-dispatch/internal/reconcile"
	"device-dispatch/internal/translate"
)

type fakeStore struct {
	mu       sync.Mutex
	tasks    map[string]*models.Task
	messages map[string]*models.Message
	progress map[string]int
}

func newFakeStore(tasks ...models.Task) *fakeStore {
	f := &fakeStore{
		tasks:    make(map[string]*models.Task),
		messages: make(map[string]*models.Message),
		progress: make(map[string]int),
	}
	for _, t := range tasks {
		task := t
		f.tasks[t.ID] = &task
	}
	return f
}

func (f *fakeStore) GetTask(_ context.Context, id string) (models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: task %s", models.ErrNotFound, id)
	}
	return *t, nil
}

func (f *fakeStore) ClaimTask(_ context.Context, id string) (models.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status != models.TaskPending {
		return models.Task{}, false, nil
	}
	now := time.Now()
	t.Status = models.TaskProcessing
	t.ExecutedAt = &now
	return *t, true, nil
}

func (f *fakeStore) ReleaseForRetry(_ context.Context, id, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok && t.Status == models.TaskProcessing {
		t.Status = models.TaskPending
		t.LastError = &lastError
		t.RetryCount++
	}
	return nil
}

func (f *fakeStore) ResetToPending(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok && t.Status == models.TaskProcessing {
		t.Status = models.TaskPending
	}
	return nil
}

func (f *fakeStore) FailTask(_ context.Context, id, lastError string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status != models.TaskProcessing {
		return false, nil
	}
	t.Status = models.TaskFailed
	t.LastError = &lastError
	t.RetryCount++
	return true, nil
}

func (f *fakeStore) CompleteTask(_ context.Context, id string, result map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status != models.TaskProcessing {
		return false, nil
	}
	now := time.Now()
	t.Status = models.TaskCompleted
	t.Result = result
	t.CompletedAt = &now
	return true, nil
}

func (f *fakeStore) UpdateProgress(_ context.Context, id string, sent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok && sent > t.ProgressSent {
		t.ProgressSent = sent
	}
	return nil
}

func (f *fakeStore) EnsureOutgoingMessage(_ context.Context, task models.Task, contentType, body string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.messages[task.ID]; ok {
		return *msg, nil
	}
	taskID := task.ID
	msg := &models.Message{
		ID: "msg-" + task.ID, OwnerID: task.OwnerID, TaskID: &taskID,
		Direction: models.DirectionOutgoing, ContentType: contentType,
		Body: body, Status: models.MessagePending,
	}
	f.messages[task.ID] = msg
	return *msg, nil
}

func (f *fakeStore) AdvanceMessageStatus(_ context.Context, taskID, status string, _ *string, _, _ *time.Time, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[taskID]
	if !ok {
		return nil
	}
	if models.MessageStatusRank(status) > models.MessageStatusRank(msg.Status) {
		msg.Status = status
		if lastError != nil {
			msg.LastError = lastError
		}
	}
	return nil
}

func (f *fakeStore) AppendAudit(context.Context, string, string, string) error { return nil }

type fakeChannel struct {
	mu        sync.Mutex
	failures  int // fail this many deliveries before succeeding
	delivered []translate.Instruction
	failDest  map[string]bool
}

func (c *fakeChannel) Deliver(_ context.Context, _ string, ins translate.Instruction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failDest[ins.Destination] {
		return errors.New("destination unreachable")
	}
	if c.failures > 0 {
		c.failures--
		return errors.New("device channel unavailable")
	}
	c.delivered = append(c.delivered, ins)
	return nil
}

type fakeReconciler struct {
	mu       sync.Mutex
	outcomes map[string]reconcile.Outcome
	store    *fakeStore
}

func (r *fakeReconciler) Reconcile(ctx context.Context, taskID string, outcome reconcile.Outcome) (reconcile.Result, error) {
	r.mu.Lock()
	r.outcomes[taskID] = outcome
	r.mu.Unlock()
	if outcome.Status == reconcile.OutcomeCompleted {
		_, _ = r.store.CompleteTask(ctx, taskID, outcome.Result)
	}
	task, err := r.store.GetTask(ctx, taskID)
	return reconcile.Result{Task: task, Applied: true}, err
}

type nopNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *nopNotifier) Notify(_ string, eventName string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventName)
}

func testDispatcher(t *testing.T, st *fakeStore, ch Channel) (*Dispatcher, *queue.RedisQueue, *fakeReconciler, *nopNotifier) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{
		Categories:         []string{"message", "media", "group"},
		VisibilityTimeout:  30 * time.Second,
		WorkerPollInterval: 10 * time.Millisecond,
		MaxRetries:         3,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         2 * time.Millisecond,
		DeliveryTimeout:    time.Second,
		ScheduledBatchSize: 100,
	}
	q := queue.NewRedisQueueWithClient(client, cfg)
	rec := &fakeReconciler{outcomes: make(map[string]reconcile.Outcome), store: st}
	n := &nopNotifier{}
	d := NewDispatcher(cfg, q, st, translate.New("55"), ch, rec, n)
	return d, q, rec, n
}

func pendingTask(id, category string, payload map[string]any) models.Task {
	device := "dev-1"
	return models.Task{
		ID: id, OwnerID: "owner-1", DeviceID: &device,
		Category: category, Status: models.TaskPending,
		Payload: payload, MaxRetries: 3, CreatedAt: time.Now(),
	}
}

// claimAndDispatch mimics one worker iteration for a single enqueued task.
func claimAndDispatch(t *testing.T, d *Dispatcher, q *queue.RedisQueue, category string) bool {
	t.Helper()
	ctx := context.Background()
	_, _ = q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 100)
	id, err := q.Claim(ctx, category)
	if err != nil {
		t.Fatalf("queue claim: %v", err)
	}
	if id == "" {
		return false
	}
	task, claimed, err := d.store.ClaimTask(ctx, id)
	if err != nil {
		t.Fatalf("store claim: %v", err)
	}
	if !claimed {
		_ = q.Ack(ctx, id)
		return false
	}
	d.dispatch(ctx, task)
	return true
}

func TestDispatchAsyncLeavesTaskProcessing(t *testing.T) {
	ctx := context.Background()
	task := pendingTask("t-1", models.CategoryMessage,
		map[string]any{"destination": "11999887766", "body": "hi"})
	st := newFakeStore(task)
	ch := &fakeChannel{}
	d, q, _, n := testDispatcher(t, st, ch)

	if err := q.Enqueue(ctx, task.ID, "message", 0, task.CreatedAt, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !claimAndDispatch(t, d, q, "message") {
		t.Fatalf("expected a task to dispatch")
	}

	got, _ := st.GetTask(ctx, "t-1")
	if got.Status != models.TaskProcessing {
		t.Fatalf("async task must stay processing after handoff, got %s", got.Status)
	}
	if len(ch.delivered) != 1 || ch.delivered[0].Destination != "5511999887766" {
		t.Fatalf("unexpected delivery: %+v", ch.delivered)
	}
	msg := st.messages["t-1"]
	if msg == nil || msg.Status != models.MessageSent {
		t.Fatalf("expected sent message after handoff, got %+v", msg)
	}
	found := false
	for _, e := range n.events {
		if e == models.EventMessageSent {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected message.sent event")
	}
}

func TestDispatchSynchronousCategoryCompletes(t *testing.T) {
	ctx := context.Background()
	task := pendingTask("t-2", models.CategoryGroupJoin,
		map[string]any{"invite_code": "AbC"})
	st := newFakeStore(task)
	d, q, rec, _ := testDispatcher(t, st, &fakeChannel{})

	if err := q.Enqueue(ctx, task.ID, "group", 0, task.CreatedAt, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !claimAndDispatch(t, d, q, "group") {
		t.Fatalf("expected a task to dispatch")
	}

	if out, ok := rec.outcomes["t-2"]; !ok || out.Status != reconcile.OutcomeCompleted {
		t.Fatalf("expected synchronous completion, got %+v", rec.outcomes)
	}
	got, _ := st.GetTask(ctx, "t-2")
	if got.Status != models.TaskCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestTransportRetriesExhaustToFailed(t *testing.T) {
	ctx := context.Background()
	task := pendingTask("t-3", models.CategoryMessage,
		map[string]any{"destination": "11999887766", "body": "hi"})
	task.MaxRetries = 2
	st := newFakeStore(task)
	ch := &fakeChannel{failures: 100} // never succeeds
	d, q, _, _ := testDispatcher(t, st, ch)

	if err := q.Enqueue(ctx, task.ID, "message", 0, task.CreatedAt, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		if !claimAndDispatch(t, d, q, "message") {
			t.Fatalf("iteration %d: expected a claimable task", i)
		}
	}

	got, _ := st.GetTask(ctx, "t-3")
	if got.Status != models.TaskFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", got.Status)
	}
	if got.RetryCount != got.MaxRetries {
		t.Fatalf("expected retry_count == max_retries (%d), got %d", got.MaxRetries, got.RetryCount)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatalf("expected error preserved")
	}
	if msg := st.messages["t-3"]; msg == nil || msg.Status != models.MessageFailed {
		t.Fatalf("expected failed message, got %+v", st.messages["t-3"])
	}
	dlq, err := q.DLQPeek(ctx, 10)
	if err != nil || len(dlq) != 1 || dlq[0] != "t-3" {
		t.Fatalf("expected task in DLQ, got %v err %v", dlq, err)
	}
}

func TestMalformedPayloadFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	task := pendingTask("t-4", models.CategoryMessage, map[string]any{"body": "hi"})
	st := newFakeStore(task)
	d, q, _, _ := testDispatcher(t, st, &fakeChannel{})

	if err := q.Enqueue(ctx, task.ID, "message", 0, task.CreatedAt, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !claimAndDispatch(t, d, q, "message") {
		t.Fatalf("expected a task to dispatch")
	}

	got, _ := st.GetTask(ctx, "t-4")
	if got.Status != models.TaskFailed {
		t.Fatalf("expected terminal failed for malformed payload, got %s", got.Status)
	}
	// Not requeued: nothing left to claim.
	if claimAndDispatch(t, d, q, "message") {
		t.Fatalf("malformed task must not be retried")
	}
}

func TestBulkDispatchRecordsPartialFailure(t *testing.T) {
	ctx := context.Background()
	task := pendingTask("t-5", models.CategoryBulkMessage, map[string]any{
		"destinations": []any{"11911111111", "11922222222", "11933333333"},
		"body":         "promo",
		"delay_ms":     1,
	})
	task.ProgressTotal = 3
	st := newFakeStore(task)
	ch := &fakeChannel{failDest: map[string]bool{"5511922222222": true}}
	d, q, rec, _ := testDispatcher(t, st, ch)

	if err := q.Enqueue(ctx, task.ID, "message", 0, task.CreatedAt, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !claimAndDispatch(t, d, q, "message") {
		t.Fatalf("expected a task to dispatch")
	}

	out, ok := rec.outcomes["t-5"]
	if !ok || out.Status != reconcile.OutcomeCompleted {
		t.Fatalf("expected bulk completion outcome, got %+v", out)
	}
	if out.Result["sent"] != 2 || out.Result["total"] != 3 {
		t.Fatalf("expected 2-of-3 summary, got %+v", out.Result)
	}
	got, _ := st.GetTask(ctx, "t-5")
	if got.Status != models.TaskCompleted {
		t.Fatalf("partial failures must not fail the bulk task, got %s", got.Status)
	}
	if got.ProgressSent != 2 {
		t.Fatalf("expected progress 2, got %d", got.ProgressSent)
	}
}

func TestExpiredLeaseReclaimRestoresTask(t *testing.T) {
	ctx := context.Background()
	task := pendingTask("t-6", models.CategoryMessage,
		map[string]any{"destination": "11999887766", "body": "hi"})
	st := newFakeStore(task)
	ch := &fakeChannel{}
	d, q, _, _ := testDispatcher(t, st, ch)

	if err := q.Enqueue(ctx, task.ID, "message", 0, task.CreatedAt, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A worker claims the task and dies before dispatching.
	id, err := q.Claim(ctx, "message")
	if err != nil || id != "t-6" {
		t.Fatalf("expected queue claim of t-6, got %q err %v", id, err)
	}
	if _, claimed, err := st.ClaimTask(ctx, id); err != nil || !claimed {
		t.Fatalf("expected store claim, claimed=%v err=%v", claimed, err)
	}

	// Once the lease expires, the task must become claimable end to end:
	// back in the ready set and back to pending in the store.
	d.reclaimExpired(ctx, time.Now().Add(time.Hour))

	got, _ := st.GetTask(ctx, "t-6")
	if got.Status != models.TaskPending {
		t.Fatalf("expected reclaimed task back to pending, got %s", got.Status)
	}
	if !claimAndDispatch(t, d, q, "message") {
		t.Fatalf("expected reclaimed task to dispatch")
	}
	got, _ = st.GetTask(ctx, "t-6")
	if got.Status != models.TaskProcessing {
		t.Fatalf("expected redispatched task processing, got %s", got.Status)
	}
	if len(ch.delivered) != 1 {
		t.Fatalf("expected one delivery after reclaim, got %d", len(ch.delivered))
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}
