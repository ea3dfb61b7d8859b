// Package worker runs the background job queue: a pool of processors that
// claim due jobs, dispatch them to registered handlers, and retry failures
// with exponential backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
)

// Handler processes one job. Returning an error schedules a retry unless the
// error is wrapped with Permanent or attempts are exhausted.
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers.
type Handlers map[string]Handler

// JobStore is the queue persistence the worker drives.
type JobStore interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	ClaimNextJob(ctx context.Context, workerID string, staleAfter time.Duration) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	CancelJob(ctx context.Context, id int64) error
	ReleaseJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Instrumentation provides hooks for monitoring the job lifecycle.
type Instrumentation struct {
	OnEnqueue   func(job *models.Job)
	OnStart     func(job *models.Job)
	OnComplete  func(job *models.Job, duration time.Duration)
	OnFail      func(job *models.Job, err error, duration time.Duration)
	OnRetry     func(job *models.Job, retryAfter time.Duration)
	OnCancel    func(job *models.Job)
	OnRelease   func(job *models.Job, duration time.Duration)
	OnHeartbeat func(workerID string, stats Stats)
}

// Stats holds worker statistics.
type Stats struct {
	JobsProcessed   int64     `json:"jobs_processed"`
	JobsSucceeded   int64     `json:"jobs_succeeded"`
	JobsFailed      int64     `json:"jobs_failed"`
	JobsRetried     int64     `json:"jobs_retried"`
	ActiveWorkers   int       `json:"active_workers"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// Config holds worker configuration.
type Config struct {
	// MaxConcurrent is the number of processor goroutines.
	MaxConcurrent int
	// PollInterval is the wait between polls when the queue is empty.
	PollInterval time.Duration
	// RetryBaseDelay is the delay before the first retry.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier grows the delay per attempt.
	RetryBackoffMultiplier float64
	// JobTimeout bounds a single handler run.
	JobTimeout time.Duration
	// StaleAfter is how long a job may sit in processing before any worker
	// may claim it again. It must exceed JobTimeout.
	StaleAfter time.Duration
	// ShutdownTimeout bounds Stop.
	ShutdownTimeout time.Duration
	// HeartbeatInterval is how often OnHeartbeat fires.
	HeartbeatInterval time.Duration
	// CleanupInterval is how often finished jobs are purged. Zero disables it.
	CleanupInterval time.Duration
	// RetainFinished is how long completed and cancelled jobs are kept.
	RetainFinished time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          5,
		PollInterval:           time.Second,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             5 * time.Minute,
		StaleAfter:             6 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		CleanupInterval:        time.Hour,
		RetainFinished:         7 * 24 * time.Hour,
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job is failed immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

const releaseTimeout = 5 * time.Second

// Worker is the job queue processor.
type Worker struct {
	config          Config
	store           JobStore
	handlers        Handlers
	instrumentation *Instrumentation
	log             logrus.FieldLogger

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks running jobs so Stop can interrupt them.
	activeJobs map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a Worker. Zero config fields take their defaults.
func New(config Config, jobs JobStore, handlers Handlers, logger logrus.FieldLogger) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.StaleAfter <= config.JobTimeout {
		config.StaleAfter = config.JobTimeout + time.Minute
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.RetainFinished <= 0 {
		config.RetainFinished = def.RetainFinished
	}
	if handlers == nil {
		handlers = Handlers{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	id := generateWorkerID()
	return &Worker{
		config:          config,
		store:           jobs,
		handlers:        handlers,
		instrumentation: &Instrumentation{},
		log:             logger.WithFields(logrus.Fields{"component": "worker", "worker_id": id}),
		workerID:        id,
		stopCh:          make(chan struct{}),
		activeJobs:      make(map[int64]context.CancelFunc),
	}
}

// RegisterHandler binds a handler to a job type. Call before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// SetInstrumentation replaces the lifecycle hooks.
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inst == nil {
		inst = &Instrumentation{}
	}
	w.instrumentation = inst
}

func (w *Worker) hooks() *Instrumentation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instrumentation
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Start launches the processors. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	w.log.WithField("max_concurrent", w.config.MaxConcurrent).Info("starting worker")

	if w.hooks().OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}
	if w.config.CleanupInterval > 0 {
		w.wg.Add(1)
		go w.janitor(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Run starts the worker and blocks until ctx is cancelled, then stops it.
func (w *Worker) Run(ctx context.Context) error {
	w.Start(ctx)
	<-ctx.Done()
	return w.Stop(context.Background())
}

// Stop signals the processors, interrupts in-flight jobs and waits for the
// pool to drain. Each interrupted job is released back to pending by the
// processor that was running it.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	w.log.Info("stopping worker")

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.cancelActiveJobs()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("worker stopped")
		return nil
	case <-shutdownCtx.Done():
		return errors.New("worker shutdown timeout exceeded")
	}
}

func (w *Worker) isStopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	entry := w.log.WithField("processor", id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
		if err := w.processNextJob(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			entry.WithError(err).Warn("claim failed")
			w.sleep(ctx, w.config.PollInterval)
		}
	}
}

// processNextJob claims and runs one job, or waits a poll interval when the
// queue has nothing due.
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.store.ClaimNextJob(ctx, w.workerID, w.config.StaleAfter)
	if err != nil {
		return err
	}
	if job == nil {
		w.sleep(ctx, w.config.PollInterval)
		return nil
	}
	w.processJob(ctx, job)
	return nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-t.C:
	}
}

func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	if h := w.hooks().OnStart; h != nil {
		h(job)
	}

	entry := w.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.JobType,
		"attempt":  job.Attempts,
	})
	entry.Debug("processing job")

	handler, ok := w.handler(job.JobType)
	if !ok {
		w.handleError(ctx, job, Permanent(fmt.Errorf("no handler registered for job type %q", job.JobType)), start)
		return
	}

	err := handler(jobCtx, job)
	if err != nil && errors.Is(err, context.Canceled) && (ctx.Err() != nil || w.isStopping()) {
		w.releaseJob(ctx, job, start)
		return
	}
	if err != nil {
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

// handleError retries the job with jittered exponential backoff, or marks it
// failed when the error is permanent or attempts are exhausted.
func (w *Worker) handleError(ctx context.Context, job *models.Job, jobErr error, start time.Time) {
	duration := time.Since(start)
	ctx = context.WithoutCancel(ctx)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	hooks := w.hooks()
	if hooks.OnFail != nil {
		hooks.OnFail(job, jobErr, duration)
	}

	entry := w.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.JobType,
		"attempt":  job.Attempts,
	}).WithError(jobErr)

	if !IsPermanent(jobErr) && job.CanRetry() {
		delay := w.backoff(job.Attempts)

		w.statsMu.Lock()
		w.jobsRetried++
		w.statsMu.Unlock()

		if hooks.OnRetry != nil {
			hooks.OnRetry(job, delay)
		}
		entry.WithField("retry_in", delay.String()).Warn("job failed, retry scheduled")

		if err := w.store.ScheduleRetry(ctx, job.ID, jobErr.Error(), time.Now().Add(delay)); err != nil {
			entry.WithField("store_error", err.Error()).Error("failed to schedule retry")
		}
		return
	}

	entry.Error("job failed permanently")
	if err := w.store.MarkFailed(ctx, job.ID, jobErr.Error()); err != nil {
		entry.WithField("store_error", err.Error()).Error("failed to mark job failed")
	}
}

// backoff is base * multiplier^(attempt-1), capped, with +/-20% jitter.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempt-1))
	delay := min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	duration := time.Since(start)
	ctx = context.WithoutCancel(ctx)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if h := w.hooks().OnComplete; h != nil {
		h(job, duration)
	}

	entry := w.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.JobType})
	if err := w.store.MarkCompleted(ctx, job.ID); err != nil {
		entry.WithError(err).Error("failed to mark job completed")
		return
	}
	entry.WithField("duration", duration.String()).Info("job completed")
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// cancelActiveJobs interrupts every running handler.
func (w *Worker) cancelActiveJobs() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.activeJobs {
		cancel()
	}
}

// releaseJob returns a job interrupted by shutdown to pending and gives back
// the attempt it consumed. A release that never lands is recovered once the
// job's claim goes stale.
func (w *Worker) releaseJob(ctx context.Context, job *models.Job, start time.Time) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if h := w.hooks().OnRelease; h != nil {
		h(job, time.Since(start))
	}

	entry := w.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.JobType})
	if err := w.store.ReleaseJob(releaseCtx, job.ID); err != nil {
		entry.WithError(err).Error("failed to release interrupted job")
		return
	}
	entry.Info("job interrupted by shutdown, released back to pending")
}

func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if h := w.hooks().OnHeartbeat; h != nil {
				h(w.workerID, w.GetStats())
			}
		}
	}
}

// janitor purges finished jobs older than RetainFinished.
func (w *Worker) janitor(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			n, err := w.store.CleanupOldJobs(ctx, w.config.RetainFinished)
			if err != nil {
				w.log.WithError(err).Warn("job cleanup failed")
				continue
			}
			if n > 0 {
				w.log.WithField("deleted", n).Info("purged finished jobs")
			}
		}
	}
}

// GetStats returns a snapshot of the worker counters.
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	active := len(w.activeJobs)
	w.mu.RUnlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveWorkers:   active,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// Enqueue validates and stores a job. A job whose idempotency key already
// exists is not stored again and store.ErrJobExists is returned.
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return err
	}

	err := w.store.Enqueue(ctx, job)
	if errors.Is(err, store.ErrJobExists) {
		w.log.WithField("job_type", job.JobType).Debug("job already enqueued")
		return err
	}
	if err != nil {
		return err
	}

	if h := w.hooks().OnEnqueue; h != nil {
		h(job)
	}
	w.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.JobType, "priority": job.Priority}).Debug("enqueued job")
	return nil
}

// CancelJob cancels a pending or failed job.
func (w *Worker) CancelJob(ctx context.Context, jobID int64) error {
	if err := w.store.CancelJob(ctx, jobID); err != nil {
		return err
	}

	if h := w.hooks().OnCancel; h != nil {
		if job, err := w.store.GetByID(ctx, jobID); err == nil {
			h(job)
		}
	}
	w.log.WithField("job_id", jobID).Info("cancelled job")
	return nil
}

// GetQueueStats returns counts of jobs by status.
func (w *Worker) GetQueueStats(ctx context.Context) (*models.JobStats, error) {
	return w.store.GetStats(ctx)
}

func generateWorkerID() string {
	return fmt.Sprintf("worker-%d-%d", time.Now().UnixNano(), rand.Intn(10000))
}
