// Package scheduler runs the agent flow on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/agentflow/internal/logging"
)

// ErrAlreadyRunning is returned by RunNow while a previous run is active.
var ErrAlreadyRunning = errors.New("a scheduled run is already in progress")

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Config holds the schedule
type Config struct {
	Enabled  bool
	Cron     string
	Timezone string
}

// Status holds scheduler status information
type Status struct {
	Enabled   bool
	Running   bool
	Schedule  string
	Timezone  string
	NextRun   time.Time
	LastRun   time.Time
	Runs      int64
	Skipped   int64
	LastError string
}

// Scheduler triggers a Job on its cron schedule. A tick that fires while
// the previous run is still going is skipped.
type Scheduler struct {
	job    Job
	config Config
	cron   *cron.Cron
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
	lastErr string

	busy    atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// New creates a scheduler. An invalid timezone falls back to UTC.
func New(config Config, job Job) *Scheduler {
	log := logging.WithComponent("scheduler")

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		log.Warn("Invalid timezone, using UTC", slog.String("timezone", config.Timezone), slog.Any("error", err))
		loc = time.UTC
		config.Timezone = "UTC"
	}

	return &Scheduler{
		job:    job,
		config: config,
		cron:   cron.New(cron.WithLocation(loc)),
		log:    log,
	}
}

// Location returns the timezone the schedule is evaluated in.
func (s *Scheduler) Location() *time.Location {
	return s.cron.Location()
}

// Start registers the job and starts the cron loop. Runs use ctx; cancel it
// to abort an in-flight run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.config.Enabled {
		s.log.Info("Scheduler disabled")
		return nil
	}

	entryID, err := s.cron.AddFunc(s.config.Cron, func() {
		if err := s.RunNow(ctx); errors.Is(err, ErrAlreadyRunning) {
			s.log.Warn("Previous run still in progress, skipping tick")
		}
	})
	if err != nil {
		return err
	}

	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	s.entryID = entryID
	s.cron.Start()
	s.running = true

	s.log.Info("Scheduler started",
		slog.String("schedule", s.config.Cron),
		slog.String("timezone", s.config.Timezone),
		slog.Time("next_run", s.cron.Entry(s.entryID).Next),
	)
	return nil
}

// Stop stops the cron loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// an in-flight run needs mu to record its result
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("Scheduler stopped")
}

// RunNow runs the job immediately unless a run is already in progress.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return ErrAlreadyRunning
	}
	defer s.busy.Store(false)

	s.runs.Add(1)
	start := time.Now()
	s.log.Info("Scheduled run started")

	err := s.job(ctx)

	s.mu.Lock()
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("Scheduled run failed", slog.Any("error", err), slog.Duration("duration", time.Since(start)))
		return err
	}
	s.log.Info("Scheduled run completed", slog.Duration("duration", time.Since(start)))
	return nil
}

// IsRunning returns whether the cron loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns scheduler status information
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Enabled:   s.config.Enabled,
		Running:   s.running,
		Schedule:  s.config.Cron,
		Timezone:  s.config.Timezone,
		Runs:      s.runs.Load(),
		Skipped:   s.skipped.Load(),
		LastError: s.lastErr,
	}
	if s.running {
		entry := s.cron.Entry(s.entryID)
		status.NextRun = entry.Next
		status.LastRun = entry.Prev
	}
	return status
}
