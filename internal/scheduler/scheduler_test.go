package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/events"
	"github.com/renqi/tradewind/internal/modules/ingest"
	"github.com/renqi/tradewind/internal/modules/runner"
)

type fakeRunner struct {
	mu       sync.Mutex
	specs    []runner.Spec
	startErr map[string]error
	failWith map[string]string
	runs     map[string]domain.AgentRun
	nextID   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		startErr: make(map[string]error),
		failWith: make(map[string]string),
		runs:     make(map[string]domain.AgentRun),
	}
}

func (f *fakeRunner) Start(spec runner.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[spec.Agent]; err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("run%04d", f.nextID)
	f.specs = append(f.specs, spec)

	run := domain.AgentRun{
		RunID:  id,
		Agent:  domain.Signature(spec.Agent, spec.Mode, spec.Frequency),
		Status: domain.RunCompleted,
	}
	if msg, ok := f.failWith[spec.Agent]; ok {
		run.Status = domain.RunFailed
		run.Error = msg
	}
	f.runs[id] = run
	return id, nil
}

func (f *fakeRunner) Wait(ctx context.Context, id string) (domain.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.AgentRun{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	return run, nil
}

func (f *fakeRunner) startedSpecs() []runner.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Spec(nil), f.specs...)
}

type fakeIngest struct {
	mu    sync.Mutex
	freqs []domain.Frequency
	err   error
}

func (f *fakeIngest) RefreshRealtime(ctx context.Context, freq domain.Frequency, now time.Time) (*ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freqs = append(f.freqs, freq)
	if f.err != nil {
		return nil, f.err
	}
	return &ingest.Result{}, nil
}

func (f *fakeIngest) refreshed() []domain.Frequency {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Frequency(nil), f.freqs...)
}

const testAgentsConfig = `{
  "frequency": "daily",
  "market": "cn",
  "max_steps": 10,
  "models": [
    {"name": "gpt-4o", "enabled": true},
    {"name": "gpt-5", "basemodel": "gpt-5-preview", "enabled": true, "max_steps": 5},
    {"name": "o4-mini", "enabled": false}
  ]
}`

type fixture struct {
	sched   *Scheduler
	runner  *fakeRunner
	ingest  *fakeIngest
	bus     *events.Bus
	cfgPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agents.json")
	require.NoError(t, os.WriteFile(path, []byte(testAgentsConfig), 0o644))

	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)
	fr := newFakeRunner()
	fi := &fakeIngest{}

	cfg := &config.Config{AgentsConfigPath: path, Timezone: "Asia/Shanghai"}
	sched, err := New(cfg, fr, fi, bus, log)
	require.NoError(t, err)

	return &fixture{sched: sched, runner: fr, ingest: fi, bus: bus, cfgPath: path}
}

// freeze pins the scheduler clock to an exchange-local wall time.
func (f *fixture) freeze(t *testing.T, local string) {
	t.Helper()
	at, err := time.ParseInLocation("2006-01-02 15:04", local, f.sched.loc)
	require.NoError(t, err)
	f.sched.now = func() time.Time { return at }
}

func (f *fixture) stopOnCleanup(t *testing.T) {
	t.Cleanup(func() { _ = f.sched.Stop() })
}

func recvEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestTriggerNowStartsEnabledAgents(t *testing.T) {
	f := newFixture(t)
	f.freeze(t, "2025-01-06 09:35")
	require.NoError(t, f.sched.Start(domain.FrequencyDaily))
	f.stopOnCleanup(t)

	exec, err := f.sched.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-01-06", exec.Timestamp)
	assert.Len(t, exec.Runs, 2)
	assert.Empty(t, exec.Errors)

	specs := f.runner.startedSpecs()
	require.Len(t, specs, 2, "disabled models are skipped")

	assert.Equal(t, "gpt-4o", specs[0].Agent)
	assert.Equal(t, "gpt-4o", specs[0].Model)
	assert.Equal(t, domain.ModeLive, specs[0].Mode)
	assert.Equal(t, domain.FrequencyDaily, specs[0].Frequency)
	assert.Equal(t, "2025-01-06", specs[0].Timestamp)
	assert.Equal(t, 10, specs[0].MaxSteps, "file-level limit")
	assert.Equal(t, 3, specs[0].MaxRetries, "built-in default")
	assert.Equal(t, 100000.0, specs[0].InitialCash)

	assert.Equal(t, "gpt-5", specs[1].Agent)
	assert.Equal(t, "gpt-5-preview", specs[1].Model, "basemodel override")
	assert.Equal(t, 5, specs[1].MaxSteps, "per-model limit")

	assert.Equal(t, []domain.Frequency{domain.FrequencyDaily}, f.ingest.refreshed())

	status := f.sched.Status()
	require.NotNil(t, status.LastExecution)
	assert.Equal(t, exec.Runs, status.LastExecution.Runs)
	assert.Equal(t, "2025-01-06", status.LastExecution.Timestamp)
}

func TestHourlyAlignment(t *testing.T) {
	cases := []struct {
		fireAt string
		want   string
	}{
		{"2025-01-06 10:35", "2025-01-06 10:30:00"},
		{"2025-01-06 11:35", "2025-01-06 11:30:00"},
		{"2025-01-06 14:05", "2025-01-06 14:00:00"},
		{"2025-01-06 15:05", "2025-01-06 15:00:00"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			f := newFixture(t)
			f.freeze(t, tc.fireAt)
			require.NoError(t, f.sched.Start(domain.FrequencyHourly))
			f.stopOnCleanup(t)

			exec, err := f.sched.TriggerNow(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, exec.Timestamp)
			assert.Empty(t, exec.Errors)

			specs := f.runner.startedSpecs()
			require.NotEmpty(t, specs)
			assert.Equal(t, domain.FrequencyHourly, specs[0].Frequency)
			assert.Equal(t, tc.want, specs[0].Timestamp)
		})
	}
}

func TestOffScheduleHourIsRejected(t *testing.T) {
	f := newFixture(t)
	f.freeze(t, "2025-01-06 12:05")
	require.NoError(t, f.sched.Start(domain.FrequencyHourly))
	f.stopOnCleanup(t)

	exec, err := f.sched.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, exec.Timestamp)
	assert.Empty(t, exec.Runs)
	require.Len(t, exec.Errors, 1)
	assert.Contains(t, exec.Errors[0], "outside the trading schedule")
	assert.Empty(t, f.runner.startedSpecs(), "no sessions on a rejected firing")
}

func TestRefreshFailureDoesNotBlockTrading(t *testing.T) {
	f := newFixture(t)
	f.freeze(t, "2025-01-06 09:35")
	f.ingest.err = fmt.Errorf("%w: vendor down", domain.ErrUnavailable)

	ch, unsubscribe := f.bus.Subscribe(events.ErrorOccurred)
	defer unsubscribe()

	require.NoError(t, f.sched.Start(domain.FrequencyDaily))
	f.stopOnCleanup(t)

	exec, err := f.sched.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, exec.Runs, 2, "sessions trade on stored data")
	assert.Empty(t, exec.Errors, "a refresh failure is a warning, not an execution error")

	evt := recvEvent(t, ch)
	assert.Equal(t, events.ErrorOccurred, evt.Type)
	assert.Contains(t, evt.Data["error"], "vendor down")
}

func TestPerAgentFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.freeze(t, "2025-01-06 09:35")
	f.runner.startErr["gpt-4o"] = fmt.Errorf("%w: agent gpt-4o-live already has an active run", domain.ErrValidation)
	f.runner.failWith["gpt-5"] = "model call failed after 3 attempts"

	require.NoError(t, f.sched.Start(domain.FrequencyDaily))
	f.stopOnCleanup(t)

	exec, err := f.sched.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, exec.Runs, 1, "only the run that actually started")
	require.Len(t, exec.Errors, 2)
	assert.Contains(t, exec.Errors[0], "gpt-4o")
	assert.Contains(t, exec.Errors[1], "gpt-5: model call failed")
}

func TestConfigReloadedPerExecution(t *testing.T) {
	f := newFixture(t)
	f.freeze(t, "2025-01-06 09:35")
	require.NoError(t, f.sched.Start(domain.FrequencyDaily))
	f.stopOnCleanup(t)

	_, err := f.sched.TriggerNow(context.Background())
	require.NoError(t, err)
	require.Len(t, f.runner.startedSpecs(), 2)

	// Disable all but one model between firings.
	narrowed := `{"frequency": "daily", "models": [{"name": "gpt-4o", "enabled": true}]}`
	require.NoError(t, os.WriteFile(f.cfgPath, []byte(narrowed), 0o644))

	exec, err := f.sched.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, exec.Runs, 1)

	specs := f.runner.startedSpecs()
	require.Len(t, specs, 3)
	assert.Equal(t, "gpt-4o", specs[2].Agent)
}

func TestBrokenConfigRecordedOnExecution(t *testing.T) {
	f := newFixture(t)
	f.freeze(t, "2025-01-06 09:35")
	require.NoError(t, f.sched.Start(domain.FrequencyDaily))
	f.stopOnCleanup(t)

	require.NoError(t, os.WriteFile(f.cfgPath, []byte("{"), 0o644))

	exec, err := f.sched.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, exec.Runs)
	require.Len(t, exec.Errors, 1)
	assert.Contains(t, exec.Errors[0], "agents config")
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)

	st := f.sched.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.StartedAt)
	assert.Empty(t, st.Jobs)

	_, err := f.sched.TriggerNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	err = f.sched.Start("weekly")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	require.NoError(t, f.sched.Start(domain.FrequencyDaily))
	err = f.sched.Start(domain.FrequencyDaily)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	st = f.sched.Status()
	assert.True(t, st.Running)
	assert.Equal(t, domain.FrequencyDaily, st.Frequency)
	require.NotNil(t, st.StartedAt)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, "live_trading_daily", st.Jobs[0].Name)
	assert.Equal(t, "35 9 * * MON-FRI", st.Jobs[0].Schedule)
	assert.False(t, st.Jobs[0].NextRun.IsZero())

	require.NoError(t, f.sched.Stop())
	err = f.sched.Stop()
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	st = f.sched.Status()
	assert.False(t, st.Running)
	assert.Empty(t, st.Frequency)
	assert.Empty(t, st.Jobs)

	// Restart at a different frequency registers the hourly entries.
	require.NoError(t, f.sched.Start(domain.FrequencyHourly))
	f.stopOnCleanup(t)

	st = f.sched.Status()
	require.Len(t, st.Jobs, 4)
	var names []string
	for _, j := range st.Jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{
		"live_trading_hourly_1035",
		"live_trading_hourly_1135",
		"live_trading_hourly_1405",
		"live_trading_hourly_1505",
	}, names)
}

// firingJob signals on its first run.
type firingJob struct {
	name  string
	fired chan struct{}
	err   error
}

func (j *firingJob) Run() error {
	select {
	case j.fired <- struct{}{}:
	default:
	}
	return j.err
}

func (j *firingJob) Name() string { return j.name }

func TestAddJobRegistersMaintenanceEntries(t *testing.T) {
	f := newFixture(t)
	backup := &firingJob{name: "nightly_backup", fired: make(chan struct{}, 1)}

	err := f.sched.AddJob("bogus", backup)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	require.NoError(t, f.sched.AddJob("30 2 * * *", backup))
	require.NoError(t, f.sched.Start(domain.FrequencyDaily))
	f.stopOnCleanup(t)

	st := f.sched.Status()
	require.Len(t, st.Jobs, 2)
	assert.Equal(t, "nightly_backup", st.Jobs[1].Name)
	assert.Equal(t, "30 2 * * *", st.Jobs[1].Schedule)

	// Adding while running registers on the live cron.
	checkpoint := &firingJob{name: "wal_checkpoint", fired: make(chan struct{}, 1)}
	require.NoError(t, f.sched.AddJob("0 * * * *", checkpoint))
	assert.Len(t, f.sched.Status().Jobs, 3)
}

func TestMaintenanceJobFires(t *testing.T) {
	f := newFixture(t)

	ch, unsubscribe := f.bus.Subscribe(events.ErrorOccurred)
	defer unsubscribe()

	good := &firingJob{name: "ticker", fired: make(chan struct{}, 1)}
	bad := &firingJob{name: "flaky", fired: make(chan struct{}, 1), err: errors.New("disk full")}
	require.NoError(t, f.sched.AddJob("@every 10ms", good))
	require.NoError(t, f.sched.AddJob("@every 10ms", bad))
	require.NoError(t, f.sched.Start(domain.FrequencyDaily))
	f.stopOnCleanup(t)

	select {
	case <-good.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance job never fired")
	}

	evt := recvEvent(t, ch)
	assert.Equal(t, "disk full", evt.Data["error"])
	ctxData, ok := evt.Data["context"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "flaky", ctxData["job"])
}

func TestExecutionCompletedEvent(t *testing.T) {
	f := newFixture(t)
	f.freeze(t, "2025-01-06 09:35")

	ch, unsubscribe := f.bus.Subscribe(events.ExecutionCompleted)
	defer unsubscribe()

	require.NoError(t, f.sched.Start(domain.FrequencyDaily))
	f.stopOnCleanup(t)

	_, err := f.sched.TriggerNow(context.Background())
	require.NoError(t, err)

	evt := recvEvent(t, ch)
	assert.Equal(t, "scheduler", evt.Module)
	assert.Equal(t, "2025-01-06", evt.Data["timestamp"])
	assert.Equal(t, 2, evt.Data["runs"])
	assert.Equal(t, 0, evt.Data["errors"])
}

func TestNewRejectsUnknownTimezone(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	cfg := &config.Config{AgentsConfigPath: "agents.json", Timezone: "Mars/Olympus"}
	_, err := New(cfg, newFakeRunner(), &fakeIngest{}, events.NewBus(log), log)
	require.Error(t, err)
}
