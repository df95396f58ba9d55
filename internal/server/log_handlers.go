package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	defaultLogLines = 100
	maxLogLines     = 10000

	// maxTailBytes caps how much of a log file one request reads.
	maxTailBytes = 1 << 20
)

// LogHandlers serves the process log files written under the log
// directory.
type LogHandlers struct {
	logDir string
	log    zerolog.Logger
}

// NewLogHandlers creates a new log handlers instance
func NewLogHandlers(logDir string, log zerolog.Logger) *LogHandlers {
	return &LogHandlers{
		logDir: logDir,
		log:    log.With().Str("handler", "logs").Logger(),
	}
}

// RegisterRoutes registers the log routes. Paths are flat so the system
// handlers can share the /system root.
func (h *LogHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/system/logs", h.HandleGetLogs)
	r.Get("/system/logs/list", h.HandleListLogs)
}

// LogFileInfo describes one log file.
type LogFileInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// HandleListLogs handles GET /api/system/logs/list.
func (h *LogHandlers) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.logDir)
	if err != nil {
		if os.IsNotExist(err) {
			h.writeJSON(w, http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{"log_files": []LogFileInfo{}, "count": 0},
				"metadata": map[string]interface{}{
					"timestamp": time.Now().Format(time.RFC3339),
				},
			})
			return
		}
		h.log.Error().Err(err).Msg("Failed to read log directory")
		http.Error(w, "Failed to read log directory", http.StatusInternalServerError)
		return
	}

	files := make([]LogFileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, LogFileInfo{
			Name:       entry.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"log_files": files,
			"count":     len(files),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetLogs handles GET /api/system/logs?file=&lines=&level=&search=.
func (h *LogHandlers) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		http.Error(w, "Missing file parameter", http.StatusBadRequest)
		return
	}
	// The file name never escapes the log directory.
	if strings.Contains(file, "..") || strings.ContainsAny(file, `/\`) {
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}

	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			lines = parsed
			if lines > maxLogLines {
				lines = maxLogLines
			}
		}
	}
	level := r.URL.Query().Get("level")
	search := r.URL.Query().Get("search")

	logLines, err := h.tailFile(filepath.Join(h.logDir, file), lines)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "Log file not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("file", file).Msg("Failed to read log file")
		http.Error(w, "Failed to read log file", http.StatusInternalServerError)
		return
	}

	filtered := h.filterLogs(logLines, level, search)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"file":  file,
			"lines": filtered,
			"count": len(filtered),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// tailFile returns the last n lines of a file, reading at most
// maxTailBytes from its end.
func (h *LogHandlers) tailFile(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	offset := int64(0)
	if info.Size() > maxTailBytes {
		offset = info.Size() - maxTailBytes
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		// The first line is partial after seeking into the file.
		lines = lines[1:]
	}
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// filterLogs filters log lines by level and search term
func (h *LogHandlers) filterLogs(lines []string, level string, search string) []string {
	if level == "" && search == "" {
		return lines
	}

	filtered := make([]string, 0)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if level != "" && !h.lineMatchesLevel(line, level) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(line), strings.ToLower(search)) {
			continue
		}
		filtered = append(filtered, line)
	}
	return filtered
}

// lineMatchesLevel checks if a log line matches the specified level
func (h *LogHandlers) lineMatchesLevel(line string, level string) bool {
	// JSON format: {"level":"error",...}
	if strings.Contains(line, `"level"`) {
		return strings.Contains(strings.ToLower(line), `"level":"`+strings.ToLower(level)+`"`)
	}

	// Plain text format from the console writer: ERR, WRN, INF markers.
	upperLine := strings.ToUpper(line)
	upperLevel := strings.ToUpper(level)

	return strings.Contains(upperLine, upperLevel+":") ||
		strings.Contains(upperLine, "["+upperLevel+"]") ||
		strings.Contains(upperLine, " "+upperLevel+" ")
}

func (h *LogHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
