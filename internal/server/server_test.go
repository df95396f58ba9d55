package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/events"
	"github.com/renqi/tradewind/internal/modules/analytics"
	"github.com/renqi/tradewind/internal/modules/ingest"
	"github.com/renqi/tradewind/internal/modules/ledger"
	"github.com/renqi/tradewind/internal/modules/marketdata"
	"github.com/renqi/tradewind/internal/modules/runner"
	"github.com/renqi/tradewind/internal/modules/sessions"
	"github.com/renqi/tradewind/internal/reliability"
	"github.com/renqi/tradewind/internal/scheduler"
	testingpkg "github.com/renqi/tradewind/internal/testing"
)

type fakeRegistry struct {
	mu         sync.Mutex
	nextID     int
	runs       map[string]domain.AgentRun
	started    []runner.Spec
	cancelled  []string
	failAgents map[string]error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{runs: make(map[string]domain.AgentRun), failAgents: make(map[string]error)}
}

func (f *fakeRegistry) Start(spec runner.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failAgents[spec.Agent]; ok {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("run-%d", f.nextID)
	f.runs[id] = domain.AgentRun{
		RunID:     id,
		Agent:     spec.Agent,
		Status:    domain.RunRunning,
		CreatedAt: time.Now().UTC(),
	}
	f.started = append(f.started, spec)
	return id, nil
}

func (f *fakeRegistry) Get(id string) (domain.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.AgentRun{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	return run, nil
}

func (f *fakeRegistry) List() []domain.AgentRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AgentRun, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out
}

func (f *fakeRegistry) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	run.Status = domain.RunCancelled
	f.runs[id] = run
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	running   bool
	frequency domain.Frequency
	triggered int
}

func (f *fakeScheduler) Start(freq domain.Frequency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return fmt.Errorf("%w: scheduler is already running", domain.ErrValidation)
	}
	if freq == "" {
		freq = domain.FrequencyDaily
	}
	f.running = true
	f.frequency = freq
	return nil
}

func (f *fakeScheduler) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return fmt.Errorf("%w: scheduler is not running", domain.ErrValidation)
	}
	f.running = false
	f.frequency = ""
	return nil
}

func (f *fakeScheduler) Status() scheduler.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return scheduler.Status{Running: f.running, Frequency: f.frequency}
}

func (f *fakeScheduler) TriggerNow(ctx context.Context) (*scheduler.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil, fmt.Errorf("%w: scheduler is not running", domain.ErrValidation)
	}
	f.triggered++
	return &scheduler.Execution{At: time.Now().UTC(), Timestamp: "2025-06-04"}, nil
}

type fakeBackups struct {
	mu      sync.Mutex
	created int
	pruned  int
	list    []reliability.BackupInfo
	err     error
}

func (f *fakeBackups) CreateAndUpload(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created++
	return "tradewind-backup-test.tar.gz", nil
}

func (f *fakeBackups) ListBackups(ctx context.Context) ([]reliability.BackupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, nil
}

func (f *fakeBackups) Prune(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0, nil
}

func (f *fakeBackups) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.pruned
}

type serverFixture struct {
	srv      *Server
	router   http.Handler
	bus      *events.Bus
	registry *fakeRegistry
	sched    *fakeScheduler
	logDir   string
}

func setupServer(t *testing.T, backups BackupTrigger) *serverFixture {
	t.Helper()

	marketDB, cleanupMarket := testingpkg.NewTestDB(t, "market")
	t.Cleanup(cleanupMarket)
	ledgerDB, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	dir := t.TempDir()

	market := marketdata.NewService(
		marketdata.NewRepository(marketDB.Conn(), log),
		marketdata.NewJournal(
			filepath.Join(dir, "merged.jsonl"),
			filepath.Join(dir, "merged_hourly.jsonl"),
			log,
		),
		false, log)

	ledgerSvc := ledger.NewService(
		ledger.NewRepository(ledgerDB.Conn(), log),
		ledger.NewJournal(filepath.Join(dir, "agents"), log),
		false, log)

	snapshot := marketdata.NewSnapshotStore(filepath.Join(dir, "quotes.bin"), 0, log)
	sessionsRepo := sessions.NewRepository(ledgerDB.Conn(), log)
	ingestSvc := ingest.NewService(market, snapshot, ledgerSvc, &ingest.FakeVendor{}, nil, nil, "", log)

	cfg := &config.Config{
		DataDir:          dir,
		LogDir:           filepath.Join(dir, "logs"),
		AgentsConfigPath: filepath.Join(dir, "agents.json"),
		Timezone:         "Asia/Shanghai",
		DevMode:          true,
	}
	analyticsSvc := analytics.NewService(market, ledgerSvc, snapshot, cfg, log)

	bus := events.NewBus(log)
	registry := newFakeRegistry()
	sched := &fakeScheduler{}

	srv := New(Config{
		Log:       log,
		Config:    cfg,
		Port:      0,
		MarketDB:  marketDB,
		LedgerDB:  ledgerDB,
		Market:    market,
		Snapshots: snapshot,
		Ledger:    ledgerSvc,
		Sessions:  sessionsRepo,
		Ingest:    ingestSvc,
		Analytics: analyticsSvc,
		Runner:    registry,
		Scheduler: sched,
		Bus:       bus,
		Backups:   backups,
	})

	return &serverFixture{
		srv:      srv,
		router:   srv.Router(),
		bus:      bus,
		registry: registry,
		sched:    sched,
		logDir:   cfg.LogDir,
	}
}

func doGet(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doPost(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %s", rec.Body.String())
	return data
}

func TestHandleHealth(t *testing.T) {
	f := setupServer(t, nil)

	rec := doGet(t, f.router, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "tradewind", body["service"])
}

func TestRunEndpoints(t *testing.T) {
	f := setupServer(t, nil)
	f.registry.failAgents["bad-agent"] = fmt.Errorf("%w: unknown agent", domain.ErrValidation)

	rec := doGet(t, f.router, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeData(t, rec)["count"])

	rec = doPost(t, f.router, "/api/runs", `{"agents": ["gpt-4o", "bad-agent"], "frequency": "daily", "mode": "backtest"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(1), data["started"])
	runs := data["runs"].([]interface{})
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].(map[string]interface{})["run_id"])
	assert.Contains(t, runs[1].(map[string]interface{})["error"], "unknown agent")

	require.Len(t, f.registry.started, 1)
	assert.Equal(t, "gpt-4o", f.registry.started[0].Agent)
	assert.Equal(t, domain.FrequencyDaily, f.registry.started[0].Frequency)

	rec = doGet(t, f.router, "/api/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gpt-4o", decodeData(t, rec)["agent"])

	rec = doGet(t, f.router, "/api/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doPost(t, f.router, "/api/runs/run-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(domain.RunCancelled), decodeData(t, rec)["status"])
	assert.Equal(t, []string{"run-1"}, f.registry.cancelled)

	rec = doPost(t, f.router, "/api/runs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRunsRejectsBadRequests(t *testing.T) {
	f := setupServer(t, nil)

	rec := doPost(t, f.router, "/api/runs", `{"agents": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doPost(t, f.router, "/api/runs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Every agent rejected means nothing started.
	f.registry.failAgents["nope"] = fmt.Errorf("%w: unknown agent", domain.ErrValidation)
	rec = doPost(t, f.router, "/api/runs", `{"agents": ["nope"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	f := setupServer(t, nil)

	rec := doGet(t, f.router, "/api/scheduler/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeData(t, rec)["running"])

	rec = doPost(t, f.router, "/api/scheduler/trigger", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "trigger requires a started scheduler")

	rec = doPost(t, f.router, "/api/scheduler/start", `{"frequency": "hourly"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, true, data["running"])
	assert.Equal(t, "hourly", data["frequency"])

	rec = doPost(t, f.router, "/api/scheduler/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "double start is rejected")

	rec = doPost(t, f.router, "/api/scheduler/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-06-04", decodeData(t, rec)["timestamp"])
	assert.Equal(t, 1, f.sched.triggered)

	rec = doPost(t, f.router, "/api/scheduler/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeData(t, rec)["running"])
}

func TestSystemStats(t *testing.T) {
	f := setupServer(t, nil)

	rec := doGet(t, f.router, "/api/system/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Greater(t, data["goroutines"], float64(0))
	assert.GreaterOrEqual(t, data["uptime_seconds"], float64(0))

	databases := data["databases"].(map[string]interface{})
	require.Contains(t, databases, "market")
	require.Contains(t, databases, "ledger")
	market := databases["market"].(map[string]interface{})
	assert.Greater(t, market["size_bytes"], float64(0))
}

func TestSystemBackupNotConfigured(t *testing.T) {
	f := setupServer(t, nil)

	rec := doPost(t, f.router, "/api/system/backup", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doGet(t, f.router, "/api/system/backups")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSystemBackupTriggered(t *testing.T) {
	backups := &fakeBackups{list: []reliability.BackupInfo{{Filename: "tradewind-backup-old.tar.gz"}}}
	f := setupServer(t, backups)

	stream, unsubscribe := f.bus.Subscribe(events.BackupCompleted)
	defer unsubscribe()

	rec := doPost(t, f.router, "/api/system/backup", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started", decodeData(t, rec)["status"])

	select {
	case evt := <-stream:
		assert.Equal(t, "tradewind-backup-test.tar.gz", evt.Data["archive"])
	case <-time.After(2 * time.Second):
		t.Fatal("backup completion event not received")
	}

	created, pruned := backups.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, pruned)

	rec = doGet(t, f.router, "/api/system/backups")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeData(t, rec)["count"])
}

func TestLogEndpoints(t *testing.T) {
	f := setupServer(t, nil)

	// No log directory yet.
	rec := doGet(t, f.router, "/api/system/logs/list")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeData(t, rec)["count"])

	require.NoError(t, os.MkdirAll(f.logDir, 0o755))
	content := `{"level":"info","message":"started"}
{"level":"error","message":"boom"}
{"level":"info","message":"done"}
`
	require.NoError(t, os.WriteFile(filepath.Join(f.logDir, "tradewind.log"), []byte(content), 0o644))

	rec = doGet(t, f.router, "/api/system/logs/list")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeData(t, rec)["count"])

	rec = doGet(t, f.router, "/api/system/logs?file=tradewind.log&level=error")
	require.Equal(t, http.StatusOK, rec.Code)
	lines := decodeData(t, rec)["lines"].([]interface{})
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "boom")

	rec = doGet(t, f.router, "/api/system/logs?file=tradewind.log&lines=2")
	require.Equal(t, http.StatusOK, rec.Code)
	lines = decodeData(t, rec)["lines"].([]interface{})
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "boom")

	rec = doGet(t, f.router, "/api/system/logs?file=..%2Fsecret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doGet(t, f.router, "/api/system/logs?file=missing.log")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModuleRoutesMounted(t *testing.T) {
	f := setupServer(t, nil)

	for _, path := range []string{
		"/api/market/symbols",
		"/api/agents",
		"/api/agents/held-symbols",
		"/api/ingest/status",
	} {
		rec := doGet(t, f.router, path)
		assert.Equal(t, http.StatusOK, rec.Code, "GET %s", path)
	}
}

func TestRunStreamWebsocket(t *testing.T) {
	f := setupServer(t, nil)

	ts := httptest.NewServer(f.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/runs"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The greeting arrives once the subscription is live.
	_, greeting, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(greeting), "connected")

	f.bus.Emit(events.RunStarted, "runner", map[string]interface{}{"run_id": "run-9"})

	_, payload, err := conn.Read(ctx)
	require.NoError(t, err)

	var evt events.Event
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, events.RunStarted, evt.Type)
	assert.Equal(t, "run-9", evt.Data["run_id"])
}
