package di

import (
	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/events"
	"github.com/renqi/tradewind/internal/llm"
	"github.com/renqi/tradewind/internal/modules/agent"
	"github.com/renqi/tradewind/internal/modules/analytics"
	"github.com/renqi/tradewind/internal/modules/ingest"
	"github.com/renqi/tradewind/internal/modules/ledger"
	"github.com/renqi/tradewind/internal/modules/marketdata"
	"github.com/renqi/tradewind/internal/modules/orchestrator"
	"github.com/renqi/tradewind/internal/modules/runner"
	"github.com/renqi/tradewind/internal/modules/sessions"
)

// InitializeServices builds repositories, services and the agent stack
// on top of the opened databases.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	marketRepo := marketdata.NewRepository(container.MarketDB.Conn(), log)
	marketJournal := marketdata.NewJournal(
		cfg.MarketJournalPath(domain.FrequencyDaily),
		cfg.MarketJournalPath(domain.FrequencyHourly),
		log,
	)
	container.Market = marketdata.NewService(marketRepo, marketJournal, cfg.FallbackDisabled, log)
	container.Snapshots = marketdata.NewSnapshotStore(cfg.SnapshotPath(), 0, log)

	ledgerRepo := ledger.NewRepository(container.LedgerDB.Conn(), log)
	ledgerJournal := ledger.NewJournal(cfg.LogDir, log)
	container.Ledger = ledger.NewService(ledgerRepo, ledgerJournal, cfg.FallbackDisabled, log)

	container.Sessions = sessions.NewRepository(container.LedgerDB.Conn(), log)

	// The historical vendor is always the real client: a missing token
	// fails per symbol inside the ingest retry machinery, which is the
	// same path a revoked token takes at 2am.
	if cfg.TushareToken == "" {
		log.Warn().Msg("TUSHARE_TOKEN not set, historical fetches will fail until configured")
	}
	vendor := ingest.NewTushareClient(cfg.TushareToken, marketRepo, log)
	quotes := ingest.NewSinaQuotes(log)
	container.Ingest = ingest.NewService(
		container.Market, container.Snapshots, container.Ledger,
		vendor, nil, quotes, cfg.IndexCode, log)

	container.Analytics = analytics.NewService(
		container.Market, container.Ledger, container.Snapshots, cfg, log)

	container.Chat = buildChatClient(cfg, log)

	toolset := agent.NewToolset(container.Market, container.Ledger, nil, log)
	container.Driver = agent.NewDriver(
		container.Chat, toolset, container.Market, container.Ledger, container.Sessions, log)
	container.Orchestrator = orchestrator.New(
		container.Driver, container.Market, container.Ledger, log)

	container.Bus = events.NewBus(log)
	container.Runner = runner.NewRegistry(container.Orchestrator, container.Bus, log)

	log.Info().Msg("Services initialized")
	return nil
}

// buildChatClient routes models with per-entry endpoint overrides to
// their own clients; everything else uses the default endpoint. The
// agents config is optional at startup, so a missing file only means no
// overrides yet.
func buildChatClient(cfg *config.Config, log zerolog.Logger) llm.ChatClient {
	fallback := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, "", log)

	agents, err := config.LoadAgentsConfig(cfg.AgentsConfigPath)
	if err != nil {
		log.Warn().Err(err).Msg("Agents config unavailable, all models use the default endpoint")
		return fallback
	}

	mux := llm.NewMux(fallback)
	routed := 0
	for _, entry := range agents.Models {
		if entry.BaseURL == "" && entry.APIKey == "" {
			continue
		}
		base := entry.BaseURL
		if base == "" {
			base = cfg.LLMBaseURL
		}
		key := entry.APIKey
		if key == "" {
			key = cfg.LLMAPIKey
		}
		mux.Route(entry.ModelName(), llm.NewClient(base, key, entry.ModelName(), log))
		routed++
	}
	if routed == 0 {
		return fallback
	}
	log.Info().Int("models", routed).Msg("Per-model chat endpoints routed")
	return mux
}
