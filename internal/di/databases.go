package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/database"
)

// InitializeDatabases opens both databases and applies their schemas.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	marketDB, err := database.New(database.Config{
		Path:    cfg.MarketDBPath(),
		Profile: database.ProfileCache,
		Name:    "market",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize market database: %w", err)
	}
	if err := marketDB.Migrate(); err != nil {
		marketDB.Close()
		return nil, fmt.Errorf("failed to migrate market database: %w", err)
	}
	container.MarketDB = marketDB

	ledgerDB, err := database.New(database.Config{
		Path:    cfg.LedgerDBPath(),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		marketDB.Close()
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	if err := ledgerDB.Migrate(); err != nil {
		marketDB.Close()
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to migrate ledger database: %w", err)
	}
	container.LedgerDB = ledgerDB

	log.Info().
		Str("market", cfg.MarketDBPath()).
		Str("ledger", cfg.LedgerDBPath()).
		Msg("Databases initialized")
	return container, nil
}
