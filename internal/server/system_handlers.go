package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/database"
	"github.com/renqi/tradewind/internal/events"
	"github.com/renqi/tradewind/internal/reliability"
)

// manualBackupTimeout bounds a backup started from the API.
const manualBackupTimeout = 30 * time.Minute

// BackupTrigger defines the contract for backup operations.
// Used by the system handlers to enable testing with fakes.
type BackupTrigger interface {
	CreateAndUpload(ctx context.Context) (string, error)
	ListBackups(ctx context.Context) ([]reliability.BackupInfo, error)
	Prune(ctx context.Context) (int, error)
}

// SystemHandlers serves process and database monitoring plus manual
// backup operations.
type SystemHandlers struct {
	cfg         *config.Config
	databases   map[string]*database.DB
	backups     BackupTrigger
	bus         *events.Bus
	startupTime time.Time
	log         zerolog.Logger
}

// NewSystemHandlers creates the system handlers. backups may be nil when
// no object store is configured.
func NewSystemHandlers(cfg *config.Config, databases map[string]*database.DB, backups BackupTrigger, bus *events.Bus, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		cfg:         cfg,
		databases:   databases,
		backups:     backups,
		bus:         bus,
		startupTime: time.Now(),
		log:         log.With().Str("handler", "system").Logger(),
	}
}

// RegisterRoutes registers the system routes. Paths are flat so the log
// handlers can share the /system root.
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/system/stats", h.HandleStats)
	r.Post("/system/backup", h.HandleBackup)
	r.Get("/system/backups", h.HandleListBackups)
}

// HandleStats handles GET /api/system/stats.
func (h *SystemHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.systemUsage()

	databases := make(map[string]interface{}, len(h.databases))
	for name, db := range h.databases {
		if db == nil {
			continue
		}
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
			continue
		}
		databases[name] = map[string]interface{}{
			"size_bytes":     stats.SizeBytes,
			"wal_size_bytes": stats.WALSizeBytes,
			"page_count":     stats.PageCount,
			"page_size":      stats.PageSize,
			"freelist_count": stats.FreelistCount,
		}
	}

	data := map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.startupTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPercent,
		"memory_percent": memPercent,
		"databases":      databases,
	}

	if usage, err := disk.Usage(h.cfg.DataDir); err == nil {
		data["disk"] = map[string]interface{}{
			"total_bytes":  usage.Total,
			"free_bytes":   usage.Free,
			"used_percent": usage.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Str("path", h.cfg.DataDir).Msg("Failed to read disk usage")
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleBackup handles POST /api/system/backup. The backup runs in the
// background; completion is reported on the event bus.
func (h *SystemHandlers) HandleBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		http.Error(w, "Backups are not configured", http.StatusServiceUnavailable)
		return
	}

	h.log.Info().Msg("Manual backup triggered")
	go h.runBackup()

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{
			"status": "started",
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *SystemHandlers) runBackup() {
	ctx, cancel := context.WithTimeout(context.Background(), manualBackupTimeout)
	defer cancel()

	archive, err := h.backups.CreateAndUpload(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Manual backup failed")
		if h.bus != nil {
			h.bus.EmitError("server", err, map[string]interface{}{"operation": "backup"})
		}
		return
	}
	if _, err := h.backups.Prune(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	if h.bus != nil {
		h.bus.Emit(events.BackupCompleted, "server", map[string]interface{}{"archive": archive})
	}
}

// HandleListBackups handles GET /api/system/backups.
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		http.Error(w, "Backups are not configured", http.StatusServiceUnavailable)
		return
	}

	backups, err := h.backups.ListBackups(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		http.Error(w, "Failed to list backups", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"backups": backups,
			"count":   len(backups),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// systemUsage returns CPU and RAM usage percentages. The CPU sample uses
// a 100ms window so the stats endpoint stays fast.
func (h *SystemHandlers) systemUsage() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
