// Package scheduler runs recurring sweeps on cron schedules and forwards
// their events to a sink such as the API watch hub.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/scanning"
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = stderrors.New("scheduled job not found")

// ScanStarter starts scan sessions. *scanning.Coordinator implements it.
type ScanStarter interface {
	StartScan(ctx context.Context, req scanning.Request) (*scanning.Session, error)
}

// EventSink receives every event of a scheduled sweep.
type EventSink interface {
	BroadcastEvent(sessionID string, ev scanning.Event) error
}

// Scheduler manages scheduled sweeps.
type Scheduler struct {
	scans  ScanStarter
	sink   EventSink
	cron   *cron.Cron
	logger *logging.Logger
	jobs   map[uuid.UUID]*ScheduledJob
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running bool
}

// ScheduledJob describes one recurring sweep.
type ScheduledJob struct {
	ID             uuid.UUID
	CronID         cron.EntryID
	Name           string
	CronExpression string
	Request        scanning.Request
	Enabled        bool
	LastRun        time.Time
	NextRun        time.Time
	Running        bool
	Runs           int
	Skipped        int
	LastSessionID  string
	LastStats      scanning.Stats
	LastError      string
}

// NewScheduler creates a new scheduler. sink may be nil.
func NewScheduler(scans ScanStarter, sink EventSink, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	cl := cronLogger{logger: logger}
	return &Scheduler{
		scans:  scans,
		sink:   sink,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		logger: logger,
		jobs:   make(map[uuid.UUID]*ScheduledJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if s.ctx.Err() != nil {
		return errors.ErrSessionClosed()
	}

	s.cron.Start()
	s.running = true
	s.refreshNextRunsLocked()

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels running sweeps and waits for them to return. A stopped
// scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	var cronDone context.Context
	if wasRunning {
		cronDone = s.cron.Stop()
	}
	// No sweep is admitted once the context is canceled under the lock.
	s.cancel()
	s.mu.Unlock()

	if cronDone != nil {
		<-cronDone.Done()
	}
	s.wg.Wait()

	if wasRunning {
		s.logger.Info("Scheduler stopped")
	}
}

// AddScanJob schedules req on cronExpr, a standard five field expression
// or a descriptor such as "@every 15m".
func (s *Scheduler) AddScanJob(name, cronExpr string, req scanning.Request) (uuid.UUID, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return uuid.Nil, errors.NewConfigFieldError(errors.CodeValidation, "Invalid cron expression", "schedule.cron", cronExpr)
	}
	rng, err := scanning.NewRange(req.Base, req.PrefixLen)
	if err != nil {
		return uuid.Nil, err
	}

	job := &ScheduledJob{
		ID:             uuid.New(),
		Name:           name,
		CronExpression: cronExpr,
		Request:        req,
		Enabled:        true,
		NextRun:        schedule.Next(time.Now()),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := job.ID
	job.CronID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.executeScanJob(id) }))
	s.jobs[job.ID] = job

	s.logger.InfoScan("Added scheduled sweep", rng.String(), "job", name, "schedule", cronExpr)
	return job.ID, nil
}

// RemoveJob removes a scheduled job. A sweep already running finishes.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}

	s.cron.Remove(job.CronID)
	delete(s.jobs, jobID)

	s.logger.Info("Removed scheduled job", "job", job.Name)
	return nil
}

// EnableJob enables a scheduled job.
func (s *Scheduler) EnableJob(jobID uuid.UUID) error {
	return s.setJobEnabled(jobID, true)
}

// DisableJob disables a scheduled job. Its ticks are ignored.
func (s *Scheduler) DisableJob(jobID uuid.UUID) error {
	return s.setJobEnabled(jobID, false)
}

func (s *Scheduler) setJobEnabled(jobID uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	job.Enabled = enabled

	s.logger.Info("Scheduled job updated", "job", job.Name, "enabled", enabled)
	return nil
}

// GetJobs returns a snapshot of all jobs ordered by name.
func (s *Scheduler) GetJobs() []ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshNextRunsLocked()
	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// GetJob returns a snapshot of one job.
func (s *Scheduler) GetJob(jobID uuid.UUID) (ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return ScheduledJob{}, ErrJobNotFound
	}
	s.refreshNextRunsLocked()
	return *job, nil
}

// TriggerJob runs a job immediately in the calling goroutine, subject to
// the same skip rules as a cron tick.
func (s *Scheduler) TriggerJob(jobID uuid.UUID) error {
	s.mu.RLock()
	_, exists := s.jobs[jobID]
	s.mu.RUnlock()
	if !exists {
		return ErrJobNotFound
	}

	s.executeScanJob(jobID)
	return nil
}

// executeScanJob runs one sweep and forwards its events. A tick that
// arrives while the previous sweep of the job still runs is skipped.
func (s *Scheduler) executeScanJob(jobID uuid.UUID) {
	job, ok := s.prepareJobExecution(jobID)
	if !ok {
		return
	}
	defer s.wg.Done()

	logger := s.logger.WithFields("job", job.Name)

	session, err := s.scans.StartScan(s.ctx, job.Request)
	if err != nil {
		logger.ErrorScan("Scheduled sweep failed to start", job.rangeString(), err)
		s.cleanupJobExecution(jobID, "", scanning.Stats{}, err)
		return
	}
	logger = logger.WithSessionID(session.ID)

	completed := false
	for ev := range session.Events() {
		if ev.Kind == scanning.EventComplete {
			completed = true
		}
		if s.sink == nil {
			continue
		}
		if err := s.sink.BroadcastEvent(session.ID, ev); err != nil {
			logger.Debug("Failed to forward scheduled sweep event", "error", err)
		}
	}

	stats := session.Stats()
	logger.InfoScan("Scheduled sweep finished", session.Range.String(),
		"completed", completed,
		"alive", stats.Alive,
		"resolved", stats.Resolved)

	var runErr error
	if !completed {
		runErr = errors.NewScanError(errors.CodeCanceled, "Scheduled sweep canceled")
	}
	s.cleanupJobExecution(jobID, session.ID, stats, runErr)
}

// prepareJobExecution marks a job as running. It reports false when the
// job is unknown, disabled, already running or the scheduler is stopped.
func (s *Scheduler) prepareJobExecution(jobID uuid.UUID) (ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists || !job.Enabled || s.ctx.Err() != nil {
		return ScheduledJob{}, false
	}
	if job.Running {
		job.Skipped++
		s.logger.Warn("Scheduled sweep is still running, skipping tick", "job", job.Name)
		return ScheduledJob{}, false
	}

	job.Running = true
	job.LastRun = time.Now()
	s.wg.Add(1)
	return *job, true
}

func (s *Scheduler) cleanupJobExecution(jobID uuid.UUID, sessionID string, stats scanning.Stats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return
	}
	job.Running = false
	job.LastSessionID = sessionID
	job.LastStats = stats
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
		return
	}
	job.Runs++
}

func (s *Scheduler) refreshNextRunsLocked() {
	if !s.running {
		return
	}
	for _, job := range s.jobs {
		if entry := s.cron.Entry(job.CronID); entry.Valid() {
			job.NextRun = entry.Next
		}
	}
}

func (j ScheduledJob) rangeString() string {
	rng, err := scanning.NewRange(j.Request.Base, j.Request.PrefixLen)
	if err != nil {
		return j.Request.Base.String()
	}
	return rng.String()
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
