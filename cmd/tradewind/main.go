// Package main is the tradewind entry point. One binary carries the
// three ways the system runs: a one-shot data-prep-plus-trading pass,
// the standalone live scheduler, and the HTTP API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/di"
	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/modules/ingest"
	"github.com/renqi/tradewind/internal/modules/runner"
	"github.com/renqi/tradewind/internal/scheduler"
	"github.com/renqi/tradewind/internal/server"
	"github.com/renqi/tradewind/pkg/logger"
)

// Exit codes: configuration and validation problems are distinguishable
// from runtime failures in scripts and unit files.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}
	switch args[0] {
	case "start":
		return cmdStart(args[1:])
	case "scheduled":
		return cmdScheduled(args[1:])
	case "serve":
		return cmdServe(args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `tradewind - multi-agent trading simulator for A-share equities

Usage:
  tradewind start [flags]      one-shot: refresh market data, then run the
                               enabled agents (backtest auto-resume, or a
                               single live session with --live)
  tradewind scheduled [flags]  standalone live scheduler; blocks until signal
  tradewind serve [flags]      HTTP API and scheduler control

Run 'tradewind <command> -h' for the command's flags.
`)
}

// parseFlags wraps FlagSet.Parse so -h exits clean and a bad flag is a
// configuration error, not a runtime one.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, false
		}
		return exitConfig, false
	}
	return exitOK, true
}

// setup loads the environment config and builds the logger. The agents
// config path flag, when set, overrides the environment.
func setup(agentsConfigPath string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Error().Err(err).Msg("Failed to load configuration")
		return nil, zerolog.Logger{}, err
	}
	if agentsConfigPath != "" {
		cfg.AgentsConfigPath = agentsConfigPath
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Pretty,
		File:   filepath.Join(cfg.LogDir, "tradewind.log"),
	})
	logger.SetGlobalLogger(log)
	return cfg, log, nil
}

func newServer(cfg *config.Config, container *di.Container, log zerolog.Logger) *server.Server {
	srvCfg := server.Config{
		Log:       log,
		Config:    cfg,
		Port:      cfg.Port,
		MarketDB:  container.MarketDB,
		LedgerDB:  container.LedgerDB,
		Market:    container.Market,
		Snapshots: container.Snapshots,
		Ledger:    container.Ledger,
		Sessions:  container.Sessions,
		Ingest:    container.Ingest,
		Analytics: container.Analytics,
		Runner:    container.Runner,
		Scheduler: container.Scheduler,
		Bus:       container.Bus,
	}
	// The interface field stays nil when backups are not configured, so
	// the backup endpoints answer 503 instead of panicking.
	if container.Backups != nil {
		srvCfg.Backups = container.Backups
	}
	return server.New(srvCfg)
}

func startServer(srv *server.Server, log zerolog.Logger) {
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
}

func stopServer(srv *server.Server, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.Int("port", 0, "HTTP port (default: PORT env, 8800)")
	agentsCfg := fs.String("config", "", "agents config path (default: AGENTS_CONFIG env)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, log, err := setup(*agentsCfg)
	if err != nil {
		return exitConfig
	}
	if *port > 0 {
		cfg.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Starting tradewind")
	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return exitRuntime
	}
	defer container.Close()

	srv := newServer(cfg, container, log)
	startServer(srv, log)
	log.Info().Int("port", cfg.Port).Msg("Server started")

	if cfg.SchedulerAutoStart {
		if err := container.Scheduler.Start(""); err != nil {
			log.Error().Err(err).Msg("Failed to auto-start scheduler")
		} else {
			log.Info().Msg("Scheduler auto-started")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	if container.Scheduler.Status().Running {
		if err := container.Scheduler.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop scheduler")
		}
	}
	stopServer(srv, log)
	log.Info().Msg("Server stopped")
	return exitOK
}

func cmdScheduled(args []string) int {
	fs := flag.NewFlagSet("scheduled", flag.ContinueOnError)
	agentsCfg := fs.String("config", "", "agents config path (default: AGENTS_CONFIG env)")
	freq := fs.String("freq", "daily", "trading frequency: daily or hourly")
	runNow := fs.Bool("run-now", false, "fire one execution immediately after starting")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, log, err := setup(*agentsCfg)
	if err != nil {
		return exitConfig
	}
	frequency := domain.Frequency(*freq)
	if err := frequency.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid frequency")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Starting tradewind scheduler")
	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return exitRuntime
	}
	defer container.Close()

	if err := container.Scheduler.Start(frequency); err != nil {
		log.Error().Err(err).Msg("Failed to start scheduler")
		return exitConfig
	}
	log.Info().Str("frequency", string(frequency)).Msg("Scheduler running, waiting for trading hours")

	if *runNow {
		if exec, err := container.Scheduler.TriggerNow(ctx); err != nil {
			log.Error().Err(err).Msg("Immediate execution failed")
		} else {
			log.Info().
				Str("timestamp", exec.Timestamp).
				Int("runs", len(exec.Runs)).
				Int("errors", len(exec.Errors)).
				Msg("Immediate execution finished")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down...")
	if err := container.Scheduler.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop scheduler")
	}
	return exitOK
}

func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	freq := fs.String("freq", "daily", "trading frequency: daily or hourly")
	live := fs.Bool("live", false, "run one live session at the current trading timestamp instead of a backtest")
	skipData := fs.Bool("skip-data", false, "skip the market data refresh")
	forceData := fs.Bool("force-data", false, "refetch the window tip even when the store is up to date")
	fixMissing := fs.Bool("fix-missing", false, "re-run the fetch once over the validator's missing set")
	validateOnly := fs.Bool("validate-only", false, "report store health and exit")
	onlyData := fs.Bool("only-data", false, "refresh market data and exit")
	onlyBackend := fs.Bool("only-backend", false, "serve the HTTP API only")
	onlyAgent := fs.Bool("only-agent", false, "run agents without refreshing market data")
	ui := fs.Bool("ui", false, "serve the HTTP API while agents run and stay up afterwards")
	agentsCfg := fs.String("config", "", "agents config path (default: AGENTS_CONFIG env)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, log, err := setup(*agentsCfg)
	if err != nil {
		return exitConfig
	}
	frequency := domain.Frequency(*freq)
	if err := frequency.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid frequency")
		return exitConfig
	}

	doData := !*skipData && !*onlyBackend && !*onlyAgent
	doAgents := !*onlyData && !*onlyBackend && !*validateOnly
	serveAPI := *ui || *onlyBackend

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Starting tradewind")
	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return exitRuntime
	}
	defer container.Close()

	if *validateOnly {
		return validateStore(ctx, container, frequency, log)
	}

	var srv *server.Server
	if serveAPI {
		srv = newServer(cfg, container, log)
		startServer(srv, log)
		defer stopServer(srv, log)
		log.Info().Int("port", cfg.Port).Msg("Server started")
	}

	if doData {
		if code := refreshData(ctx, container, frequency, ingest.Options{
			Force:      *forceData,
			FixMissing: *fixMissing,
		}, log); code != exitOK {
			return code
		}
	}

	code := exitOK
	if doAgents {
		code = runAgents(ctx, cfg, container, frequency, *live, log)
	}

	if serveAPI {
		log.Info().Msg("Serving until interrupted")
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
	}
	return code
}

// validateStore prints the validator's report to stdout. An unhealthy
// store exits nonzero so shell pipelines can gate on it.
func validateStore(ctx context.Context, container *di.Container, freq domain.Frequency, log zerolog.Logger) int {
	report, err := container.Ingest.Validate(ctx, freq)
	if err != nil {
		log.Error().Err(err).Msg("Validation failed")
		return exitRuntime
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode report")
		return exitRuntime
	}
	fmt.Println(string(out))
	if !report.Valid {
		return exitConfig
	}
	return exitOK
}

func refreshData(ctx context.Context, container *di.Container, freq domain.Frequency, opts ingest.Options, log zerolog.Logger) int {
	var (
		res *ingest.Result
		err error
	)
	if freq == domain.FrequencyHourly {
		res, err = container.Ingest.RunHourly(ctx, opts)
	} else {
		res, err = container.Ingest.RunDaily(ctx, opts)
	}
	if err != nil {
		log.Error().Err(err).Msg("Market data refresh failed")
		return exitRuntime
	}
	log.Info().
		Int("targets", res.Targets).
		Int("fetched", res.Fetched).
		Int("upserted", res.Upserted).
		Int("skipped", res.Skipped).
		Int("failed", len(res.Failed)).
		Int("missing", len(res.Missing)).
		Msg("Market data refreshed")
	return exitOK
}

// runAgents starts one run per enabled agent and waits for all of them.
// Failed runs make the command exit nonzero; cancellation does not.
func runAgents(ctx context.Context, cfg *config.Config, container *di.Container, freq domain.Frequency, live bool, log zerolog.Logger) int {
	agents, err := config.LoadAgentsConfig(cfg.AgentsConfigPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load agents config")
		return exitConfig
	}
	enabled := agents.Enabled()
	if len(enabled) == 0 {
		log.Warn().Msg("No enabled agents, nothing to do")
		return exitOK
	}

	mode := domain.ModeBacktest
	timestamp := ""
	if live {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Error().Err(err).Msg("Invalid exchange timezone")
			return exitConfig
		}
		mode = domain.ModeLive
		timestamp, err = scheduler.AlignTimestamp(freq, time.Now().In(loc))
		if err != nil {
			log.Error().Err(err).Msg("Not a trading timestamp right now")
			return exitConfig
		}
	}

	type startedRun struct {
		agent string
		runID string
	}
	var waiting []startedRun
	failed := 0
	for _, entry := range enabled {
		maxSteps, maxRetries, baseDelay, initialCash := agents.Limits(entry)
		from := ""
		if !live {
			from = campaignStart(ctx, container, agents, entry.Name, mode, freq)
		}
		id, err := container.Runner.Start(runner.Spec{
			Agent:       entry.Name,
			Model:       entry.ModelName(),
			Frequency:   freq,
			Mode:        mode,
			From:        from,
			To:          agents.DateRange.EndDate,
			Timestamp:   timestamp,
			MaxSteps:    maxSteps,
			MaxRetries:  maxRetries,
			BaseDelay:   baseDelay,
			InitialCash: initialCash,
		})
		if err != nil {
			log.Error().Err(err).Str("agent", entry.Name).Msg("Failed to start run")
			failed++
			continue
		}
		log.Info().Str("agent", entry.Name).Str("run_id", id).Msg("Run started")
		waiting = append(waiting, startedRun{agent: entry.Name, runID: id})
	}

	for _, w := range waiting {
		run, err := container.Runner.Wait(ctx, w.runID)
		if err != nil {
			// Interrupted: cancel the run and give the driver a moment
			// to unwind at a step boundary.
			_ = container.Runner.Cancel(w.runID)
			waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			run, err = container.Runner.Wait(waitCtx, w.runID)
			cancel()
			if err != nil {
				log.Error().Err(err).Str("agent", w.agent).Msg("Run did not stop in time")
				failed++
				continue
			}
		}
		switch run.Status {
		case domain.RunCompleted:
			log.Info().
				Str("agent", w.agent).
				Int("timestamps", run.StepsDone).
				Msg("Run completed")
		case domain.RunCancelled:
			log.Warn().Str("agent", w.agent).Msg("Run cancelled")
		default:
			log.Error().Str("agent", w.agent).Str("error", run.Error).Msg("Run failed")
			failed++
		}
	}

	if failed > 0 {
		log.Error().Int("failed", failed).Int("total", len(enabled)).Msg("Trading pass finished with failures")
		return exitRuntime
	}
	log.Info().Int("agents", len(enabled)).Msg("Trading pass finished")
	return exitOK
}

// campaignStart bounds a fresh agent's backtest at the configured
// init_date. Agents with ledger history resume automatically, so the
// bound only applies when no tip exists; an explicit From would
// otherwise defeat resume.
func campaignStart(ctx context.Context, container *di.Container, agents *config.AgentsConfig, agent string, mode domain.RunMode, freq domain.Frequency) string {
	if agents.DateRange.InitDate == "" {
		return ""
	}
	signature := domain.Signature(agent, mode, freq)
	if _, err := container.Ledger.LatestStep(ctx, signature); errors.Is(err, domain.ErrNotFound) {
		return agents.DateRange.InitDate
	}
	return ""
}
