package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"device-dispatch/internal/config"
	"device-dispatch/internal/models"
	"device-dispatch/internal/queue"
	"device-dispatch/internal/quota"
	"device-dispatch/internal/reconcile"
	"device-dispatch/internal/session"
	"device-dispatch/internal/store"
	"device-dispatch/internal/telemetry"
	"device-dispatch/internal/translate"
)

// Notifier carries API-originated events (task.cancelled).
type Notifier interface {
	Notify(ownerID, eventName string, data map[string]any)
}

// Store is the slice of persistence the API needs.
type Store interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	CancelTask(ctx context.Context, id, ownerID string) error
	ClaimNextForDevice(ctx context.Context, deviceID string, limit int) ([]models.Task, error)
	FailTask(ctx context.Context, id, lastError string) (bool, error)
	FailPending(ctx context.Context, id, lastError string) (bool, error)
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// Server wires the HTTP surface over the dispatch pipeline.
type Server struct {
	cfg        config.Config
	store      Store
	queue      *queue.RedisQueue
	reconciler *reconcile.Reconciler
	translator *translate.Translator
	limiter    *quota.Limiter
	license    quota.LicenseChecker
	sessions   *session.Tracker
	notifier   Notifier
}

// New constructs the API server.
func New(cfg config.Config, st Store, q *queue.RedisQueue, rec *reconcile.Reconciler,
	tr *translate.Translator, limiter *quota.Limiter, license quota.LicenseChecker,
	sessions *session.Tracker, notifier Notifier) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		queue:      q,
		reconciler: rec,
		translator: tr,
		limiter:    limiter,
		license:    license,
		sessions:   sessions,
		notifier:   notifier,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleCreateTask)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/tasks/{id}/progress", s.handleProgress)
	r.Post("/tasks/{id}/cancel", s.handleCancel)
	r.Post("/tasks/{id}/outcome", s.handleOutcome)
	r.Get("/devices/{id}/instructions", s.handlePullInstructions)
	r.Post("/devices/{id}/messages", s.handleInbound)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createTaskRequest struct {
	DeviceID     string         `json:"device_id"`
	Category     string         `json:"category"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	MaxRetries   int            `json:"max_retries"`
	ScheduledAt  *time.Time     `json:"scheduled_at"`
	DelaySeconds int            `json:"delay_seconds"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if !models.KnownCategory(req.Category) {
		writeTaxonomyError(w, fmt.Errorf("%w: %q", models.ErrUnknownCategory, req.Category))
		return
	}
	if err := models.ValidatePayload(req.Category, req.Payload); err != nil {
		writeTaxonomyError(w, err)
		return
	}

	owner := ownerFromRequest(r)
	allowed, err := s.license.MayCreateTask(r.Context(), owner)
	if err != nil {
		http.Error(w, "license check failed", http.StatusInternalServerError)
		return
	}
	if !allowed {
		telemetry.QuotaRejects.Inc()
		writeTaxonomyError(w, fmt.Errorf("%w: license does not allow more tasks", models.ErrQuotaExceeded))
		return
	}
	if s.limiter != nil {
		ok, _, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			http.Error(w, "quota check failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			telemetry.QuotaRejects.Inc()
			writeTaxonomyError(w, fmt.Errorf("%w: creation rate exceeded", models.ErrQuotaExceeded))
			return
		}
	}

	if req.DeviceID != "" {
		exists, err := s.store.DeviceExists(r.Context(), req.DeviceID)
		if err != nil {
			http.Error(w, "device lookup failed", http.StatusInternalServerError)
			return
		}
		if !exists {
			writeTaxonomyError(w, fmt.Errorf("%w: device %s", models.ErrNotFound, req.DeviceID))
			return
		}
	}

	scheduledAt := req.ScheduledAt
	if req.DelaySeconds > 0 {
		at := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		scheduledAt = &at
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.MaxRetries
	}

	task, err := s.store.CreateTask(r.Context(), store.CreateTaskParams{
		OwnerID:     owner,
		DeviceID:    req.DeviceID,
		Category:    req.Category,
		Priority:    req.Priority,
		Payload:     req.Payload,
		MaxRetries:  req.MaxRetries,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), task.ID, models.QueueFor(task.Category),
		task.Priority, task.CreatedAt, task.ScheduledAt); err != nil {
		// The row was inserted as pending; without this it would linger as an
		// orphan no worker can ever see.
		if _, ferr := s.store.FailPending(r.Context(), task.ID, "enqueue: "+err.Error()); ferr != nil {
			log.Printf("api: mark task %s failed after enqueue error: %v", task.ID, ferr)
		}
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), task.ID, "enqueued",
		fmt.Sprintf("owner=%s category=%s priority=%d", owner, task.Category, task.Priority))
	telemetry.TasksCreated.Inc()

	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"sent":    task.ProgressSent,
		"total":   task.ProgressTotal,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := ownerFromRequest(r)

	if err := s.store.CancelTask(r.Context(), id, owner); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	if err := s.queue.Remove(r.Context(), id); err != nil {
		http.Error(w, "failed to remove queued task", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	s.notifier.Notify(owner, models.EventTaskCancelled, map[string]any{"task_id": id})
	writeJSON(w, http.StatusOK, map[string]string{"status": models.TaskCancelled})
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var outcome reconcile.Outcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := s.reconciler.Reconcile(r.Context(), id, outcome)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePullInstructions claims up to limit pending tasks for a device and
// returns their instructions. A task whose payload no longer translates is
// failed in place and skipped.
func (s *Server) handlePullInstructions(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	s.sessions.Touch(deviceID)

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	tasks, err := s.store.ClaimNextForDevice(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, "claim failed", http.StatusInternalServerError)
		return
	}

	instructions := make([]translate.Instruction, 0, len(tasks))
	for _, task := range tasks {
		_ = s.queue.Remove(r.Context(), task.ID)
		ins, err := s.translator.Translate(task)
		if err != nil {
			_, _ = s.store.FailTask(r.Context(), task.ID, err.Error())
			_ = s.store.AppendAudit(r.Context(), task.ID, "failed", err.Error())
			continue
		}
		_ = s.store.AppendAudit(r.Context(), task.ID, "pulled", "claimed via device pull")
		instructions = append(instructions, ins)
	}
	telemetry.TasksDispatched.Add(float64(len(instructions)))

	writeJSON(w, http.StatusOK, map[string]any{"instructions": instructions})
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	s.sessions.Touch(deviceID)

	var in reconcile.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	msg, err := s.reconciler.ReceiveInbound(r.Context(), deviceID, in)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func ownerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		return v
	}
	return "default"
}

// writeTaxonomyError maps pipeline errors onto HTTP statuses.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrMalformedPayload), errors.Is(err, models.ErrUnknownCategory):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, models.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
