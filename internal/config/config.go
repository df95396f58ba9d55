// Package config provides configuration management functionality.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/renqi/tradewind/internal/domain"
)

// Defaults for per-agent limits. The agents config file may override them
// globally or per model.
const (
	DefaultMaxSteps    = 30
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultInitialCash = 100000.0
)

// Config holds application configuration read from the environment.
type Config struct {
	DataDir string // market data, databases, caches
	LogDir  string // per-agent position journals and session logs

	Port     int
	DevMode  bool
	LogLevel string
	Pretty   bool // console-formatted logs instead of JSON

	AgentsConfigPath string // path to the agents config JSON

	// Market data store behaviour.
	FallbackDisabled bool // when set, journal fallback is off and primary errors propagate

	// Vendor (ingestion) settings.
	TushareToken  string
	VendorTimeout time.Duration
	IndexCode     string // ingestion universe; defaults to the SSE 50

	// Default model endpoint. Per-model entries in the agents config
	// override these.
	LLMBaseURL string
	LLMAPIKey  string

	// Scheduler.
	Timezone           string // exchange timezone for cron entries
	SchedulerAutoStart bool

	// Off-site backups. Disabled unless the endpoint and bucket are set.
	S3Endpoint        string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	BackupRetention   int // how many backup archives to keep remotely
}

// Load reads configuration from environment variables.
// A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir, err := ensureDir(getEnv("DATA_DIR", "./data"))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}
	logDir, err := ensureDir(getEnv("LOG_DIR", "./logs"))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare log directory: %w", err)
	}

	cfg := &Config{
		DataDir: dataDir,
		LogDir:  logDir,

		Port:     getEnvAsInt("PORT", 8800),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Pretty:   getEnvAsBool("PRETTY_LOGS", false),

		AgentsConfigPath: getEnv("AGENTS_CONFIG", "configs/agents.json"),

		FallbackDisabled: getEnvAsBool("FALLBACK_DISABLED", false),

		TushareToken:  getEnv("TUSHARE_TOKEN", ""),
		VendorTimeout: getEnvAsDuration("VENDOR_TIMEOUT", 30*time.Second),
		IndexCode:     getEnv("INDEX_CODE", domain.DefaultIndexCode),

		LLMBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:  getEnv("OPENAI_API_KEY", ""),

		Timezone:           getEnv("EXCHANGE_TZ", "Asia/Shanghai"),
		SchedulerAutoStart: getEnvAsBool("SCHEDULER_AUTO_START", false),

		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3Region:          getEnv("S3_REGION", "auto"),
		BackupRetention:   getEnvAsInt("BACKUP_RETENTION", 14),
	}

	return cfg, nil
}

// MarketDBPath is the SQLite file holding bars, index data and the vendor cache.
func (c *Config) MarketDBPath() string {
	return filepath.Join(c.DataDir, "market.db")
}

// LedgerDBPath is the SQLite file holding position steps and sessions.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// MarketJournalPath is the merged market journal for the given frequency.
func (c *Config) MarketJournalPath(freq domain.Frequency) string {
	name := "merged.jsonl"
	if freq == domain.FrequencyHourly {
		name = "merged_hourly.jsonl"
	}
	return filepath.Join(c.DataDir, "astock", name)
}

// PositionJournalPath is the per-agent position journal.
func (c *Config) PositionJournalPath(signature string) string {
	return filepath.Join(c.LogDir, signature, "position", "position.jsonl")
}

// SnapshotPath is the msgpack realtime quote cache.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, "cache", "realtime_quotes.bin")
}

// BackupsEnabled reports whether off-site backups are configured.
func (c *Config) BackupsEnabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

// AgentEntry is one model in the agents config file.
type AgentEntry struct {
	Name      string `json:"name"`
	BaseModel string `json:"basemodel,omitempty"` // model name for the chat API when it differs from Name
	Enabled   bool   `json:"enabled"`

	// Per-model endpoint overrides.
	BaseURL string `json:"openai_base_url,omitempty"`
	APIKey  string `json:"openai_api_key,omitempty"`

	// Per-model limit overrides; zero means "use the file-level value".
	MaxSteps    int     `json:"max_steps,omitempty"`
	MaxRetries  int     `json:"max_retries,omitempty"`
	BaseDelayS  float64 `json:"base_delay,omitempty"`
	InitialCash float64 `json:"initial_cash,omitempty"`
}

// AgentsConfig is the agent population declaration.
type AgentsConfig struct {
	Frequency domain.Frequency `json:"frequency"`
	Market    string           `json:"market"`
	DateRange struct {
		InitDate string `json:"init_date"`
		EndDate  string `json:"end_date"`
	} `json:"date_range"`
	Models []AgentEntry `json:"models"`

	// File-level defaults applied to every model unless overridden.
	MaxSteps    int     `json:"max_steps,omitempty"`
	MaxRetries  int     `json:"max_retries,omitempty"`
	BaseDelayS  float64 `json:"base_delay,omitempty"`
	InitialCash float64 `json:"initial_cash,omitempty"`
}

// LoadAgentsConfig reads and validates the agents config file.
func LoadAgentsConfig(path string) (*AgentsConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents config %s: %w", path, err)
	}

	var cfg AgentsConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agents config %s: %w", path, err)
	}

	if cfg.Frequency == "" {
		cfg.Frequency = domain.FrequencyDaily
	}
	if err := cfg.Frequency.Validate(); err != nil {
		return nil, err
	}
	if cfg.Market == "" {
		cfg.Market = "cn"
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("%w: agents config %s declares no models", domain.ErrValidation, path)
	}
	for _, m := range cfg.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("%w: agents config %s has a model without a name", domain.ErrValidation, path)
		}
	}

	return &cfg, nil
}

// Enabled returns the enabled model entries, in file order.
func (a *AgentsConfig) Enabled() []AgentEntry {
	var out []AgentEntry
	for _, m := range a.Models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Limits resolves the effective limits for one model entry.
func (a *AgentsConfig) Limits(m AgentEntry) (maxSteps, maxRetries int, baseDelay time.Duration, initialCash float64) {
	maxSteps = firstPositiveInt(m.MaxSteps, a.MaxSteps, DefaultMaxSteps)
	maxRetries = firstPositiveInt(m.MaxRetries, a.MaxRetries, DefaultMaxRetries)

	delayS := firstPositiveFloat(m.BaseDelayS, a.BaseDelayS, DefaultBaseDelay.Seconds())
	baseDelay = time.Duration(delayS * float64(time.Second))

	initialCash = firstPositiveFloat(m.InitialCash, a.InitialCash, DefaultInitialCash)
	return maxSteps, maxRetries, baseDelay, initialCash
}

// ModelName returns the chat API model name for an entry.
func (m AgentEntry) ModelName() string {
	if m.BaseModel != "" {
		return m.BaseModel
	}
	return m.Name
}

func firstPositiveInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func ensureDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s to an absolute path: %w", path, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
