package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spectraflow/server/internal/cmpstore"
)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int // Max concurrent comparison jobs (default 1)
	RetentionDays int // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	QueueSize     int
}

// JobManager runs comparison jobs persisted in a cmpstore.Store.
type JobManager struct {
	cfg      JobManagerConfig
	store    *cmpstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual comparison.
	Executor func(ctx context.Context, store *cmpstore.Store, jobID string) error
	// Validate rejects parameters before a job is created.
	Validate func(params cmpstore.JobParams) error
}

// NewJobManager creates a job manager over an open store. The store is
// closed by Stop.
func NewJobManager(cfg JobManagerConfig, store *cmpstore.Store) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *cmpstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Jobs that were running when the process died never finish.
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop cancels running jobs, waits for the workers and closes the store.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		close(jm.queue)
		jm.mu.Unlock()
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			return
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.Printf("[JobManager] job %s vanished before start: %v", jobID, err)
		return
	}
	if job.Status != cmpstore.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}

	start := time.Now()
	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		jm.store.UpdateJobStatus(jobID, cmpstore.JobStatusCancelled, "cancelled by user")
		log.Printf("[JobManager] job %s cancelled", jobID)
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, cmpstore.JobStatusFailed, execErr.Error())
		log.Printf("[JobManager] job %s failed: %v", jobID, execErr)
	default:
		jm.store.UpdateJobStatus(jobID, cmpstore.JobStatusCompleted, "")
		log.Printf("[JobManager] job %s completed in %v", jobID, time.Since(start).Round(time.Millisecond))
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(name string, params cmpstore.JobParams) (*cmpstore.Job, error) {
	if jm.Validate != nil {
		if err := jm.Validate(params); err != nil {
			return nil, err
		}
	}
	job := &cmpstore.Job{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    cmpstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	// The queue is closed under mu once stopCh is closed.
	reason := ""
	jm.mu.Lock()
	select {
	case <-jm.stopCh:
		reason = "server shutting down"
	default:
		select {
		case jm.queue <- job.ID:
		default:
			reason = "job queue is full; try again later"
		}
	}
	jm.mu.Unlock()
	if reason != "" {
		jm.store.UpdateJobStatus(job.ID, cmpstore.JobStatusFailed, reason)
		job.Status = cmpstore.JobStatusFailed
		job.Error = reason
	}
	return job, nil
}

// Get returns a job by ID, or nil.
func (jm *JobManager) Get(id string) *cmpstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// List returns the jobs of a view, newest first.
func (jm *JobManager) List(view string) ([]*cmpstore.Job, error) {
	return jm.store.ListJobs(view)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == cmpstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, cmpstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete cancels a job if needed, then deletes it and its results.
func (jm *JobManager) Delete(id string) error {
	jm.Cancel(id)
	return jm.store.DeleteJob(id)
}
