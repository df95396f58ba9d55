package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
)

// Wire initializes the full dependency graph: databases, then services,
// then the scheduler and its maintenance jobs. On failure everything
// opened so far is closed.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeServices(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RegisterJobs(ctx, container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	return container, nil
}
