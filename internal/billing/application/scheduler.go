package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helyar/helyar/pkg/observability"
)

// JobFunc is one reconciliation job.
type JobFunc func(ctx context.Context) (*JobResult, error)

// ScheduledJob runs Run every Interval.
type ScheduledJob struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// SchedulerConfig tunes the periodic runner.
type SchedulerConfig struct {
	// JobTimeout bounds a single run.
	JobTimeout time.Duration
	// RunOnStart runs every job once when the scheduler starts.
	RunOnStart bool
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{JobTimeout: 5 * time.Minute, RunOnStart: true}
}

// JobStatus is the last observed run of a job.
type JobStatus struct {
	Name      string
	Interval  time.Duration
	LastRunAt *time.Time
	LastError string
	Last      *JobResult
}

// Scheduler runs reconciliation jobs on independent tickers. Jobs share no
// in-memory state; coordination goes through the store.
type Scheduler struct {
	jobs   []ScheduledJob
	config SchedulerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	status  map[string]*JobStatus
}

// NewScheduler creates a new Scheduler.
func NewScheduler(jobs []ScheduledJob, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultSchedulerConfig().JobTimeout
	}
	status := make(map[string]*JobStatus, len(jobs))
	for _, job := range jobs {
		status[job.Name] = &JobStatus{Name: job.Name, Interval: job.Interval}
	}
	return &Scheduler{jobs: jobs, config: config, logger: logger, status: status}
}

// ReconcilerJobs returns the standard job set with the given intervals.
// A job with a zero interval is left out.
func ReconcilerJobs(r *Reconciler, expiry, reminders, cleanup, resume, purge time.Duration) []ScheduledJob {
	candidates := []ScheduledJob{
		{Name: JobExpirySweep, Interval: expiry, Run: r.ExpireSweep},
		{Name: JobExpiryReminders, Interval: reminders, Run: r.SendReminders},
		{Name: JobPendingCleanup, Interval: cleanup, Run: r.CleanupStalePending},
		{Name: JobResumeActivation, Interval: resume, Run: r.ResumeStalledActivations},
		{Name: JobPurgeEvents, Interval: purge, Run: r.PurgeProcessedEvents},
	}
	jobs := candidates[:0]
	for _, job := range candidates {
		if job.Interval > 0 {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// Start launches one goroutine per job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels the tickers and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunOnce runs the named job synchronously.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*JobResult, error) {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.execute(ctx, job)
		}
	}
	return nil, fmt.Errorf("unknown job %q", name)
}

// Status returns a snapshot of every job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *s.status[job.Name])
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, job ScheduledJob) {
	defer s.wg.Done()

	if s.config.RunOnStart {
		_, _ = s.execute(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.execute(ctx, job)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job ScheduledJob) (*JobResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()
	// Each run gets its own correlation id unless a CLI run supplied one.
	if observability.CorrelationIDFromContext(runCtx) == "" {
		runCtx = observability.WithCorrelationID(runCtx, "")
	}
	runCtx = observability.WithOperation(runCtx, "job."+job.Name)

	started := time.Now()
	result, err := job.Run(runCtx)

	s.mu.Lock()
	st := s.status[job.Name]
	st.LastRunAt = &started
	st.Last = result
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Error("scheduled job failed", "job", job.Name, "duration", time.Since(started), "error", err)
	}
	return result, err
}
