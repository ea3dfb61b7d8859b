package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
)

// JobQueue changes the queue. The worker implements it so enqueues and
// cancellations made over the API reach its instrumentation.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	CancelJob(ctx context.Context, id int64) error
	GetQueueStats(ctx context.Context) (*models.JobStats, error)
}

// JobStore reads jobs for the admin views.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListProcessingJobs(ctx context.Context) ([]*models.Job, error)
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	JobType        string                 `json:"job_type"`
	IdempotencyKey *string                `json:"idempotency_key,omitempty"`
	Payload        map[string]interface{} `json:"payload"`
	Priority       string                 `json:"priority,omitempty"`
	MaxAttempts    int                    `json:"max_attempts,omitempty"`
	ScheduledFor   *time.Time             `json:"scheduled_for,omitempty"`
}

// JobHandler holds dependencies for the queue admin handlers.
type JobHandler struct {
	Queue JobQueue
	Store JobStore
	Log   logrus.FieldLogger
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(queue JobQueue, jobs JobStore, logger logrus.FieldLogger) *JobHandler {
	return &JobHandler{
		Queue: queue,
		Store: jobs,
		Log:   loggerOr(logger).WithField("component", "jobs_api"),
	}
}

// RegisterRoutes registers job handlers with the router.
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/jobs", h.CreateJob())
	router.Get("/api/jobs/stats", h.GetJobStats())
	router.Get("/api/jobs/pending", h.ListPendingJobs())
	router.Get("/api/jobs/processing", h.ListProcessingJobs())
	router.Get("/api/jobs/{id}", h.GetJob())
	router.Post("/api/jobs/{id}/cancel", h.CancelJob())
}

// CreateJob enqueues a job. A repeated idempotency key answers 200 with
// "duplicate": true instead of creating a second job.
func (h *JobHandler) CreateJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if req.JobType == "" {
			writeError(w, http.StatusBadRequest, "job_type is required")
			return
		}

		priority := models.JobPriorityNormal
		if req.Priority != "" {
			priority = models.JobPriority(req.Priority)
		}
		maxAttempts := 3
		if req.MaxAttempts > 0 {
			maxAttempts = req.MaxAttempts
		}

		job := &models.Job{
			JobType:        req.JobType,
			IdempotencyKey: req.IdempotencyKey,
			Payload:        req.Payload,
			Priority:       priority,
			MaxAttempts:    maxAttempts,
			ScheduledFor:   req.ScheduledFor,
		}

		err := h.Queue.Enqueue(r.Context(), job)
		if errors.Is(err, store.ErrJobExists) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"duplicate": true})
			return
		}
		if err != nil {
			h.Log.WithError(err).WithField("job_type", req.JobType).Error("enqueue failed")
			writeError(w, http.StatusInternalServerError, "failed to create job")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"id":      job.ID,
			"status":  job.Status,
			"message": "Job created successfully",
		})
	}
}

// GetJob retrieves a job by ID.
func (h *JobHandler) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		job, err := h.Store.GetByID(r.Context(), jobID)
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			h.Log.WithError(err).WithField("job_id", jobID).Error("get job failed")
			writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJob cancels a pending or failed job.
func (h *JobHandler) CancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		err := h.Queue.CancelJob(r.Context(), jobID)
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
			return
		case errors.Is(err, store.ErrJobNotCancellable):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			h.Log.WithError(err).WithField("job_id", jobID).Error("cancel job failed")
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":      jobID,
			"message": "Job cancelled successfully",
		})
	}
}

// GetJobStats returns statistics about the job queue.
func (h *JobHandler) GetJobStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.Queue.GetQueueStats(r.Context())
		if err != nil {
			h.Log.WithError(err).Error("job stats failed")
			writeError(w, http.StatusInternalServerError, "failed to retrieve job statistics")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ListPendingJobs returns pending jobs in claim order.
func (h *JobHandler) ListPendingJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
			limit = l
		}

		jobs, err := h.Store.ListPendingJobs(r.Context(), limit)
		if err != nil {
			h.Log.WithError(err).Error("list pending jobs failed")
			writeError(w, http.StatusInternalServerError, "failed to retrieve jobs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
	}
}

// ListProcessingJobs returns currently processing jobs.
func (h *JobHandler) ListProcessingJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := h.Store.ListProcessingJobs(r.Context())
		if err != nil {
			h.Log.WithError(err).Error("list processing jobs failed")
			writeError(w, http.StatusInternalServerError, "failed to retrieve jobs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}
