// Package scheduler fires live trading executions on the exchange
// calendar. Daily deployments decide once after the open; hourly
// deployments decide after each completed trading hour. All cron
// entries run in the exchange timezone.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/events"
	"github.com/renqi/tradewind/internal/modules/ingest"
	"github.com/renqi/tradewind/internal/modules/runner"
)

// Job is a named unit of scheduled maintenance work.
type Job interface {
	Run() error
	Name() string
}

// RunnerInterface defines the contract for run registry operations.
// Used by the scheduler to enable testing with fakes.
type RunnerInterface interface {
	Start(spec runner.Spec) (string, error)
	Wait(ctx context.Context, id string) (domain.AgentRun, error)
}

// IngestInterface defines the contract for market data refresh operations.
// Used by the scheduler to enable testing with fakes.
type IngestInterface interface {
	RefreshRealtime(ctx context.Context, freq domain.Frequency, now time.Time) (*ingest.Result, error)
}

// Execution records one scheduler firing.
type Execution struct {
	At        time.Time `json:"at"`
	Timestamp string    `json:"timestamp,omitempty"`
	Runs      []string  `json:"runs,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
}

func (e *Execution) clone() *Execution {
	cp := *e
	cp.Runs = append([]string(nil), e.Runs...)
	cp.Errors = append([]string(nil), e.Errors...)
	return &cp
}

// JobStatus describes one registered cron entry.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

// Status is the scheduler state surfaced on the API.
type Status struct {
	Running       bool             `json:"running"`
	Frequency     domain.Frequency `json:"frequency,omitempty"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	Jobs          []JobStatus      `json:"jobs,omitempty"`
	LastExecution *Execution       `json:"last_execution,omitempty"`
}

type jobEntry struct {
	id       cron.EntryID
	name     string
	schedule string
}

type extraJob struct {
	schedule string
	job      Job
}

// Scheduler owns the cron entries and the trading execution they fire.
// The agents config is reloaded on every execution so operators can
// enable or disable models without a restart.
type Scheduler struct {
	cfg    *config.Config
	loc    *time.Location
	runner RunnerInterface
	ingest IngestInterface
	bus    *events.Bus
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	cron      *cron.Cron
	entries   []jobEntry
	extra     []extraJob
	running   bool
	frequency domain.Frequency
	startedAt time.Time
	lastExec  *Execution
}

// New creates a stopped scheduler in the configured exchange timezone.
func New(cfg *config.Config, reg RunnerInterface, refresher IngestInterface, bus *events.Bus, log zerolog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}
	return &Scheduler{
		cfg:    cfg,
		loc:    loc,
		runner: reg,
		ingest: refresher,
		bus:    bus,
		log:    log.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}, nil
}

type tradingEntry struct {
	name     string
	schedule string
}

// tradingSchedules returns the cron entries for a frequency. Daily fires
// five minutes after the open; hourly fires five minutes after each
// trading-hour bar completes.
func tradingSchedules(freq domain.Frequency) []tradingEntry {
	if freq == domain.FrequencyHourly {
		return []tradingEntry{
			{name: "live_trading_hourly_1035", schedule: "35 10 * * MON-FRI"},
			{name: "live_trading_hourly_1135", schedule: "35 11 * * MON-FRI"},
			{name: "live_trading_hourly_1405", schedule: "5 14 * * MON-FRI"},
			{name: "live_trading_hourly_1505", schedule: "5 15 * * MON-FRI"},
		}
	}
	return []tradingEntry{
		{name: "live_trading_daily", schedule: "35 9 * * MON-FRI"},
	}
}

// Start registers the trading entries for freq plus any maintenance jobs
// and starts the cron loop.
func (s *Scheduler) Start(freq domain.Frequency) error {
	if freq == "" {
		freq = domain.FrequencyDaily
	}
	if err := freq.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: scheduler is already running", domain.ErrValidation)
	}

	c := cron.New(cron.WithLocation(s.loc))
	s.entries = nil
	for _, entry := range tradingSchedules(freq) {
		id, err := c.AddFunc(entry.schedule, s.fire)
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", entry.name, err)
		}
		s.entries = append(s.entries, jobEntry{id: id, name: entry.name, schedule: entry.schedule})
	}
	for _, extra := range s.extra {
		if err := s.addJobLocked(c, extra.schedule, extra.job); err != nil {
			return err
		}
	}

	s.cron = c
	s.running = true
	s.frequency = freq
	s.startedAt = s.now().UTC()
	c.Start()

	s.log.Info().
		Str("frequency", string(freq)).
		Str("timezone", s.loc.String()).
		Int("jobs", len(s.entries)).
		Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for an in-flight firing to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: scheduler is not running", domain.ErrValidation)
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.frequency = ""
	s.entries = nil
	s.mu.Unlock()

	<-c.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
	return nil
}

// Status reports the scheduler state, including the next firing time of
// every registered entry while running.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, Frequency: s.frequency}
	if s.lastExec != nil {
		st.LastExecution = s.lastExec.clone()
	}
	if !s.running {
		return st
	}

	started := s.startedAt
	st.StartedAt = &started
	for _, e := range s.entries {
		js := JobStatus{Name: e.name, Schedule: e.schedule}
		if entry := s.cron.Entry(e.id); entry.ID == e.id {
			js.NextRun = entry.Next
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

// TriggerNow runs one trading execution immediately, outside the
// schedule. The scheduler must be started first so a frequency is set.
func (s *Scheduler) TriggerNow(ctx context.Context) (*Execution, error) {
	s.mu.Lock()
	running := s.running
	freq := s.frequency
	s.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("%w: scheduler is not running", domain.ErrValidation)
	}
	return s.execute(ctx, freq), nil
}

// AddJob registers a maintenance job alongside the trading entries.
// Jobs added while stopped are picked up on the next Start.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("%w: bad schedule %q: %v", domain.ErrValidation, schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra = append(s.extra, extraJob{schedule: schedule, job: job})
	if s.running {
		return s.addJobLocked(s.cron, schedule, job)
	}
	return nil
}

func (s *Scheduler) addJobLocked(c *cron.Cron, schedule string, job Job) error {
	id, err := c.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
			s.bus.EmitError("scheduler", err, map[string]interface{}{"job": job.Name()})
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("Job completed")
	})
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", job.Name(), err)
	}
	s.entries = append(s.entries, jobEntry{id: id, name: job.Name(), schedule: schedule})
	return nil
}

// fire is the cron callback for trading entries.
func (s *Scheduler) fire() {
	s.mu.Lock()
	running := s.running
	freq := s.frequency
	s.mu.Unlock()
	if !running {
		return
	}
	s.execute(context.Background(), freq)
}
