package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
)

// fakeJobStore refuses writes on a cancelled context, like a real driver.
type fakeJobStore struct {
	mu         sync.Mutex
	pending    []*models.Job
	keys       map[string]bool
	completed  []int64
	failed     map[int64]string
	retries    map[int64]time.Time
	released   []int64
	cancelled  []int64
	staleAfter time.Duration
	nextID     int64
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		keys:    map[string]bool{},
		failed:  map[int64]string{},
		retries: map[int64]time.Time{},
	}
}

func (f *fakeJobStore) Enqueue(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.IdempotencyKey != nil {
		if f.keys[*job.IdempotencyKey] {
			return store.ErrJobExists
		}
		f.keys[*job.IdempotencyKey] = true
	}
	f.nextID++
	job.ID = f.nextID
	job.Status = models.JobStatusPending
	f.pending = append(f.pending, job)
	return nil
}

func (f *fakeJobStore) GetByID(_ context.Context, id int64) (*models.Job, error) {
	return &models.Job{ID: id}, nil
}

func (f *fakeJobStore) ClaimNextJob(ctx context.Context, workerID string, staleAfter time.Duration) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleAfter = staleAfter
	if len(f.pending) == 0 {
		return nil, nil
	}
	job := f.pending[0]
	f.pending = f.pending[1:]
	job.Attempts++
	job.Status = models.JobStatusProcessing
	job.WorkerID = &workerID
	return job, nil
}

func (f *fakeJobStore) MarkCompleted(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, id int64, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = msg
	return nil
}

func (f *fakeJobStore) ScheduleRetry(ctx context.Context, id int64, _ string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries[id] = at
	return nil
}

func (f *fakeJobStore) CancelJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, job := range f.pending {
		if job.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			f.cancelled = append(f.cancelled, id)
			return nil
		}
	}
	return store.ErrJobNotCancellable
}

func (f *fakeJobStore) ReleaseJob(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeJobStore) GetStats(context.Context) (*models.JobStats, error) {
	return &models.JobStats{}, nil
}

func (f *fakeJobStore) CleanupOldJobs(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestWorker(s JobStore) *Worker {
	return New(Config{PollInterval: 10 * time.Millisecond, RetryBaseDelay: time.Second, RetryMaxDelay: 10 * time.Second}, s, nil, quietLogger())
}

func claim(t *testing.T, s *fakeJobStore, w *Worker) *models.Job {
	t.Helper()
	job, err := s.ClaimNextJob(context.Background(), w.workerID, w.config.StaleAfter)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestProcessJobSuccess(t *testing.T) {
	s := newFakeJobStore()
	w := newTestWorker(s)

	var got string
	w.RegisterHandler("greet", func(_ context.Context, job *models.Job) error {
		got = job.Payload.String("name")
		return nil
	})
	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "greet", MaxAttempts: 1, Payload: models.JSONB{"name": "ada"}}))

	w.processJob(context.Background(), claim(t, s, w))

	assert.Equal(t, "ada", got)
	assert.Equal(t, []int64{1}, s.completed)
	assert.EqualValues(t, 1, w.GetStats().JobsSucceeded)
}

func TestProcessJobRetriesTransientError(t *testing.T) {
	s := newFakeJobStore()
	w := newTestWorker(s)
	w.RegisterHandler("flaky", func(context.Context, *models.Job) error { return errors.New("temporary") })
	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "flaky", MaxAttempts: 3}))

	before := time.Now()
	w.processJob(context.Background(), claim(t, s, w))

	require.Contains(t, s.retries, int64(1))
	assert.True(t, s.retries[1].After(before))
	assert.Empty(t, s.failed)
	assert.EqualValues(t, 1, w.GetStats().JobsRetried)
}

func TestProcessJobPermanentErrorFailsImmediately(t *testing.T) {
	s := newFakeJobStore()
	w := newTestWorker(s)
	w.RegisterHandler("bad", func(context.Context, *models.Job) error { return Permanent(errors.New("bad payload")) })
	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "bad", MaxAttempts: 5}))

	w.processJob(context.Background(), claim(t, s, w))

	assert.Equal(t, "bad payload", s.failed[1])
	assert.Empty(t, s.retries)
}

func TestProcessJobExhaustedAttempts(t *testing.T) {
	s := newFakeJobStore()
	w := newTestWorker(s)
	w.RegisterHandler("flaky", func(context.Context, *models.Job) error { return errors.New("still broken") })
	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "flaky", MaxAttempts: 1}))

	w.processJob(context.Background(), claim(t, s, w))

	assert.Equal(t, "still broken", s.failed[1])
	assert.Empty(t, s.retries)
}

func TestProcessJobUnknownType(t *testing.T) {
	s := newFakeJobStore()
	w := newTestWorker(s)
	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "mystery", MaxAttempts: 3}))

	w.processJob(context.Background(), claim(t, s, w))

	assert.Contains(t, s.failed[1], "no handler registered")
}

func TestEnqueueDuplicateKeyIsNotStoredTwice(t *testing.T) {
	s := newFakeJobStore()
	w := newTestWorker(s)
	key := "booking:lead-1"

	var enqueued []string
	w.SetInstrumentation(&Instrumentation{OnEnqueue: func(job *models.Job) { enqueued = append(enqueued, job.JobType) }})

	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "x", MaxAttempts: 1, IdempotencyKey: &key}))
	err := w.Enqueue(context.Background(), &models.Job{JobType: "x", MaxAttempts: 1, IdempotencyKey: &key})
	require.ErrorIs(t, err, store.ErrJobExists)

	assert.Len(t, s.pending, 1)
	assert.Equal(t, []string{"x"}, enqueued)
}

func TestCancelJobFiresHook(t *testing.T) {
	s := newFakeJobStore()
	w := newTestWorker(s)

	var cancelled []int64
	w.SetInstrumentation(&Instrumentation{OnCancel: func(job *models.Job) { cancelled = append(cancelled, job.ID) }})

	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "x", MaxAttempts: 1}))
	require.NoError(t, w.CancelJob(context.Background(), 1))
	assert.Equal(t, []int64{1}, cancelled)
	assert.Empty(t, s.pending)

	require.ErrorIs(t, w.CancelJob(context.Background(), 1), store.ErrJobNotCancellable)
	assert.Len(t, cancelled, 1)
}

func TestNewKeepsStaleAfterAboveJobTimeout(t *testing.T) {
	w := New(Config{JobTimeout: 10 * time.Minute, StaleAfter: time.Minute}, newFakeJobStore(), nil, quietLogger())
	assert.Equal(t, 11*time.Minute, w.config.StaleAfter)

	w = New(Config{}, newFakeJobStore(), nil, quietLogger())
	assert.Equal(t, DefaultConfig().StaleAfter, w.config.StaleAfter)
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	w := newTestWorker(newFakeJobStore())
	require.Error(t, w.Enqueue(context.Background(), &models.Job{JobType: "x"}))
}

func TestBackoffIsCapped(t *testing.T) {
	w := newTestWorker(newFakeJobStore())
	for attempt := 1; attempt < 20; attempt++ {
		d := w.backoff(attempt)
		assert.LessOrEqual(t, d, 12*time.Second, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond, "attempt %d", attempt)
	}
}

func TestRunProcessesQueueUntilCancelled(t *testing.T) {
	s := newFakeJobStore()
	w := newTestWorker(s)

	done := make(chan struct{})
	w.RegisterHandler("ping", func(context.Context, *models.Job) error {
		close(done)
		return nil
	})
	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "ping", MaxAttempts: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()
	require.NoError(t, <-errCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []int64{1}, s.completed)
}

func TestRunReleasesJobInterruptedByShutdown(t *testing.T) {
	s := newFakeJobStore()
	w := newTestWorker(s)

	var released []int64
	w.SetInstrumentation(&Instrumentation{OnRelease: func(job *models.Job, _ time.Duration) { released = append(released, job.ID) }})

	started := make(chan struct{})
	w.RegisterHandler("booking.finalize", func(ctx context.Context, _ *models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "booking.finalize", MaxAttempts: 5}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not started")
	}
	cancel()
	require.NoError(t, <-errCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []int64{1}, s.released, "interrupted job goes back to pending")
	assert.Empty(t, s.retries)
	assert.Empty(t, s.failed)
	assert.Empty(t, s.completed)
	assert.Equal(t, []int64{1}, released)
	assert.Equal(t, w.config.StaleAfter, s.staleAfter)
}

func TestOutcomeIsStoredAfterShutdownBegins(t *testing.T) {
	cases := []struct {
		name   string
		result error
		check  func(t *testing.T, s *fakeJobStore)
	}{
		{
			name: "success",
			check: func(t *testing.T, s *fakeJobStore) {
				assert.Equal(t, []int64{1}, s.completed)
			},
		},
		{
			name:   "permanent failure",
			result: Permanent(errors.New("bad payload")),
			check: func(t *testing.T, s *fakeJobStore) {
				assert.Equal(t, "bad payload", s.failed[1])
			},
		},
		{
			name:   "transient failure",
			result: errors.New("smtp timeout"),
			check: func(t *testing.T, s *fakeJobStore) {
				assert.Contains(t, s.retries, int64(1))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newFakeJobStore()
			w := newTestWorker(s)

			ctx, cancel := context.WithCancel(context.Background())
			w.RegisterHandler("email.send", func(context.Context, *models.Job) error {
				// The handler finishes its work after the worker context is gone.
				cancel()
				return tc.result
			})
			require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: "email.send", MaxAttempts: 3}))

			w.processJob(ctx, claim(t, s, w))

			s.mu.Lock()
			defer s.mu.Unlock()
			assert.Empty(t, s.released)
			tc.check(t, s)
		})
	}
}
