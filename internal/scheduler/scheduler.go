package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"github.com/growthpigs/bravo-revos-sub004/internal/engine"
	"github.com/growthpigs/bravo-revos-sub004/internal/logging"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Defaults applied by New when Config leaves them unset.
const (
	DefaultInterval = 60 * time.Second
	DefaultWorkers  = 4
)

// Job run statuses recorded on a scheduled job besides the run status itself.
const (
	JobStatusError     = "error"
	JobStatusDuplicate = "duplicate"
)

// Runner is the slice of the engine the scheduler drives. *engine.Engine
// satisfies it.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, entityID string) (*engine.RunResult, error)
	ResumeDeferral(ctx context.Context, deferralID string) (*schema.ActionResult, error)
}

// EngineFactory returns the runner bound to a tenant. Engines are tenant
// scoped, so jobs and deferrals of different tenants get different runners.
type EngineFactory func(tenantID string) (Runner, error)

// Store is what the scheduler reads and writes.
type Store interface {
	store.JobRepository
	store.DeferralRepository
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration
	Workers  int
	// LockFile, when set, is held for the scheduler's lifetime so only one
	// scheduler runs per host.
	LockFile string
	Now      func() time.Time
}

// Scheduler polls the store for due cron jobs and ready deferrals and runs
// them on a bounded pool.
type Scheduler struct {
	store   Store
	engines EngineFactory
	parser  cron.Parser
	logger  *slog.Logger
	cfg     Config
	pool    *Pool
	lock    *flock.Flock

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler.
func New(s Store, engines EngineFactory, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		engines:  engines,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		cfg:      cfg,
		pool:     NewPool(cfg.Workers, logger),
		inflight: make(map[string]struct{}),
	}
}

// Start takes the host lock and launches the polling loop. A stopped
// scheduler cannot be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}
	if s.stopped {
		return fmt.Errorf("scheduler stopped")
	}

	if s.cfg.LockFile != "" {
		lock := flock.New(s.cfg.LockFile)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire scheduler lock %s: %w", s.cfg.LockFile, err)
		}
		if !locked {
			_ = lock.Close()
			return fmt.Errorf("scheduler lock %s is held by another process", s.cfg.LockFile)
		}
		s.lock = lock
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(schedCtx, s.done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due job and resumes every ready deferral, then waits for
// the submitted work to finish.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.cfg.Now().UTC()
	_, err := s.submitDueJobs(ctx, now, func(j *store.ScheduledJob) bool {
		return j.NextRunAt == nil || !j.NextRunAt.After(now)
	})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
	}
	s.submitReadyDeferrals(ctx, now)
	s.pool.Wait()
}

func (s *Scheduler) submitDueJobs(ctx context.Context, now time.Time, due func(*store.ScheduledJob) bool) (int, error) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, job := range jobs {
		if !due(job) {
			continue
		}
		key := "job:" + job.ID
		if !s.tryAcquire(key) {
			continue
		}
		err := s.pool.Submit(ctx, key, func(ctx context.Context) error {
			defer s.release(key)
			return s.runJob(ctx, job, now)
		})
		if err != nil {
			s.release(key)
			s.logger.Warn("scheduled job not submitted", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		submitted++
	}
	return submitted, nil
}

// runJob fires the job's workflow and moves its schedule forward. The next
// run is computed even when the run itself fails.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	ctx = logging.WithWorkflowID(logging.WithTenantID(ctx, job.TenantID), job.WorkflowID)
	log := logging.LogWith(ctx, s.logger).With(slog.String("job_id", job.ID))
	log.Info("running scheduled job")

	status := JobStatusError
	runner, err := s.engines(job.TenantID)
	if err == nil {
		var res *engine.RunResult
		res, err = runner.ExecuteWorkflow(ctx, job.WorkflowID, job.TriggerData, job.EntityID)
		switch {
		case err == nil:
			status = string(res.Status)
		case schema.IsCode(err, schema.ErrCodeDuplicateRun):
			status = JobStatusDuplicate
		}
	}
	if err != nil {
		log.Error("scheduled job execution failed", slog.String("error", err.Error()))
	}
	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// submitReadyDeferrals resumes due delays and approved approvals.
func (s *Scheduler) submitReadyDeferrals(ctx context.Context, now time.Time) {
	pending := schema.DeferralPending
	approved := schema.DeferralApproved
	filters := []store.DeferralFilter{
		{Kind: schema.DeferralDelay, Status: &pending, DueBefore: &now},
		{Kind: schema.DeferralApproval, Status: &approved},
	}

	for _, f := range filters {
		list, err := s.store.ListDeferrals(ctx, f)
		if err != nil {
			s.logger.Error("failed to list deferrals", slog.String("kind", string(f.Kind)), slog.String("error", err.Error()))
			continue
		}
		for _, d := range list {
			if !engine.Ready(d, now) {
				continue
			}
			key := "deferral:" + d.ID
			if !s.tryAcquire(key) {
				continue
			}
			err := s.pool.Submit(ctx, key, func(ctx context.Context) error {
				defer s.release(key)
				return s.resume(ctx, d)
			})
			if err != nil {
				s.release(key)
				s.logger.Warn("deferral not submitted", slog.String("deferral_id", d.ID), slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) resume(ctx context.Context, d *store.Deferral) error {
	runner, err := s.engines(d.TenantID)
	if err != nil {
		return fmt.Errorf("engine for tenant %q: %w", d.TenantID, err)
	}
	ctx = logging.WithActionID(logging.WithRun(ctx, d.TenantID, d.WorkflowID, d.RunID), d.ActionID)
	log := logging.LogWith(ctx, s.logger).With(slog.String("deferral_id", d.ID))

	result, err := runner.ResumeDeferral(ctx, d.ID)
	if schema.IsCode(err, schema.ErrCodeConflict) {
		// Claimed elsewhere or decided since listing.
		log.Debug("deferral no longer ready")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume deferral %s: %w", d.ID, err)
	}
	log.Info("deferral resumed", slog.String("status", string(result.Status)))
	return nil
}

func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// CalculateNextRun computes the next run time for a five-field cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// ScheduleJob validates and stores a job with its first NextRunAt. The job
// runs only while Enabled is set.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *store.ScheduledJob) error {
	if job.TenantID == "" || job.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires tenant and workflow")
	}
	next, err := s.CalculateNextRun(job.CronExpression, s.cfg.Now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	job.NextRunAt = &next
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return fmt.Errorf("create scheduled job: %w", err)
	}
	s.logger.InfoContext(ctx, "job scheduled",
		slog.String("job_id", job.ID),
		slog.String("cron", job.CronExpression),
		slog.Time("next_run_at", next),
	)
	return nil
}

// Stop cancels the loop, drains the pool and releases the host lock.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		s.stopped = true
		s.pool.Shutdown()
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.stopped = true
	s.pool.Shutdown()

	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			return fmt.Errorf("release scheduler lock: %w", err)
		}
		s.lock = nil
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every job whose NextRunAt passed while no scheduler
// was running, and reports how many it ran.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	now := s.cfg.Now().UTC()
	recovered, err := s.submitDueJobs(ctx, now, func(j *store.ScheduledJob) bool {
		return j.NextRunAt != nil && j.NextRunAt.Before(now)
	})
	s.pool.Wait()
	if err != nil {
		return 0, fmt.Errorf("list missed jobs: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return recovered, nil
}
