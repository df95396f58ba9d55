// Package di wires the application dependency graph.
//
// The Container is the single source of truth for service instances. It
// is created by Wire() and handed to the entry points; nothing inside it
// reaches for globals.
package di

import (
	"github.com/renqi/tradewind/internal/database"
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
	"github.com/renqi/tradewind/internal/reliability"
	"github.com/renqi/tradewind/internal/scheduler"
)

// Container holds every wired dependency.
type Container struct {
	// Databases. Market data is refetchable cache; the ledger is the
	// audit trail and runs the safest profile.
	MarketDB *database.DB
	LedgerDB *database.DB

	// Core services.
	Market    *marketdata.Service
	Snapshots *marketdata.SnapshotStore
	Ledger    *ledger.Service
	Sessions  *sessions.Repository
	Ingest    *ingest.Service
	Analytics *analytics.Service

	// Agent stack.
	Chat         llm.ChatClient
	Driver       *agent.Driver
	Orchestrator *orchestrator.Orchestrator
	Runner       *runner.Registry

	// Control plane.
	Bus       *events.Bus
	Scheduler *scheduler.Scheduler

	// Backups is nil when off-site backups are not configured.
	Backups *reliability.BackupService
}

// Close releases the database handles. Safe to call once after the
// servers and scheduler have stopped.
func (c *Container) Close() {
	if c.MarketDB != nil {
		c.MarketDB.Close()
	}
	if c.LedgerDB != nil {
		c.LedgerDB.Close()
	}
}
