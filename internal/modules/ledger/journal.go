package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
)

// Journal mirrors the position ledger to per-agent JSONL files under
// LOG_DIR/<agent>/position/position.jsonl. One line per step:
//
//	{"timestamp": "...", "step_id": N, "action": {"verb": ...},
//	 "holdings": {"600519.SH": 100, "CASH": 89600.0}}
//
// Cash rides inside holdings under the reserved CASH key. Older files use
// date/id/this_action/positions for the same fields; reads accept both.
type Journal struct {
	logDir string
	log    zerolog.Logger

	mu sync.Mutex // serializes appends per process
}

// NewJournal creates a position journal rooted at logDir.
func NewJournal(logDir string, log zerolog.Logger) *Journal {
	return &Journal{
		logDir: logDir,
		log:    log.With().Str("component", "position_journal").Logger(),
	}
}

// Path returns the journal file for an agent signature.
func (j *Journal) Path(agent string) string {
	return filepath.Join(j.logDir, agent, "position", "position.jsonl")
}

// journalLine is the tolerant wire form of one step.
type journalLine struct {
	Timestamp  string                 `json:"timestamp,omitempty"`
	Date       string                 `json:"date,omitempty"` // legacy
	StepID     *int64                 `json:"step_id,omitempty"`
	ID         *int64                 `json:"id,omitempty"` // legacy
	Action     map[string]interface{} `json:"action,omitempty"`
	ThisAction map[string]interface{} `json:"this_action,omitempty"` // legacy
	Holdings   map[string]json.Number `json:"holdings,omitempty"`
	Positions  map[string]json.Number `json:"positions,omitempty"` // legacy
}

// Append writes one step to the agent's journal file.
func (j *Journal) Append(step *domain.PositionStep) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.Path(step.Agent)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	holdings := make(map[string]interface{}, len(step.Holdings)+1)
	for sym, qty := range step.Holdings {
		if qty == 0 {
			continue
		}
		holdings[sym] = qty
	}
	holdings[domain.CashKey] = step.Cash

	line := map[string]interface{}{
		"timestamp": step.Timestamp,
		"step_id":   step.StepID,
		"action":    step.Action,
		"holdings":  holdings,
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to encode journal line: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append journal line: %w", err)
	}
	return nil
}

// Read returns every step in an agent's journal ordered by timestamp then
// step id. A missing file yields an empty history.
func (j *Journal) Read(agent string) ([]domain.PositionStep, error) {
	f, err := os.Open(j.Path(agent))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var steps []domain.PositionStep
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		step, err := parseStepLine(raw, agent)
		if err != nil {
			j.log.Warn().Err(err).Str("agent", agent).Int("line", lineNo).Msg("Skipping unparseable journal line")
			continue
		}
		steps = append(steps, *step)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	sort.SliceStable(steps, func(a, b int) bool {
		if steps[a].Timestamp != steps[b].Timestamp {
			return steps[a].Timestamp < steps[b].Timestamp
		}
		return steps[a].StepID < steps[b].StepID
	})
	return steps, nil
}

// MaxStepID returns the highest step id in the journal, or -1 when empty.
func (j *Journal) MaxStepID(agent string) (int64, error) {
	steps, err := j.Read(agent)
	if err != nil {
		return 0, err
	}
	max := int64(-1)
	for _, s := range steps {
		if s.StepID > max {
			max = s.StepID
		}
	}
	return max, nil
}

// OpeningPosition returns the position after the latest step strictly
// before ts, or an empty position and -1 when none exists.
func (j *Journal) OpeningPosition(agent, ts string) (domain.Position, int64, error) {
	steps, err := j.Read(agent)
	if err != nil {
		return domain.Position{}, 0, err
	}

	best := -1
	for i, s := range steps {
		if s.Timestamp >= ts {
			continue
		}
		if best == -1 || s.Timestamp > steps[best].Timestamp ||
			(s.Timestamp == steps[best].Timestamp && s.StepID > steps[best].StepID) {
			best = i
		}
	}
	if best == -1 {
		return domain.NewPosition(0), -1, nil
	}
	return steps[best].Position(), steps[best].StepID, nil
}

// LatestStep returns the step with the highest step id.
func (j *Journal) LatestStep(agent string) (*domain.PositionStep, error) {
	steps, err := j.Read(agent)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no journal steps for agent %s", domain.ErrNotFound, agent)
	}

	best := 0
	for i, s := range steps {
		if s.StepID > steps[best].StepID {
			best = i
		}
	}
	out := steps[best]
	return &out, nil
}

// Agents returns the agent signatures with a journal file, sorted.
func (j *Journal) Agents() ([]string, error) {
	entries, err := os.ReadDir(j.logDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list journal directory: %w", err)
	}

	var agents []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(j.Path(e.Name())); err == nil {
			agents = append(agents, e.Name())
		}
	}
	sort.Strings(agents)
	return agents, nil
}

func parseStepLine(raw []byte, agent string) (*domain.PositionStep, error) {
	var line journalLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	step := &domain.PositionStep{Agent: agent, Holdings: domain.Holdings{}}

	step.Timestamp = line.Timestamp
	if step.Timestamp == "" {
		step.Timestamp = line.Date
	}
	if step.Timestamp == "" {
		return nil, fmt.Errorf("missing timestamp")
	}

	switch {
	case line.StepID != nil:
		step.StepID = *line.StepID
	case line.ID != nil:
		step.StepID = *line.ID
	default:
		return nil, fmt.Errorf("missing step id")
	}

	action := line.Action
	if action == nil {
		action = line.ThisAction
	}
	step.Action = parseAction(action)

	holdings := line.Holdings
	if holdings == nil {
		holdings = line.Positions
	}
	for sym, num := range holdings {
		f, err := num.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad quantity for %s: %w", sym, err)
		}
		if sym == domain.CashKey {
			step.Cash = f
			continue
		}
		qty := int64(math.Round(f))
		if qty != 0 {
			step.Holdings[sym] = qty
		}
	}

	return step, nil
}

// parseAction reads either the current {"verb": ...} shape or the legacy
// {"action": ...} one. Anything unrecognizable degrades to no_trade.
func parseAction(m map[string]interface{}) domain.Action {
	if m == nil {
		return domain.NoTrade()
	}

	verb := ""
	if v, ok := m["verb"].(string); ok {
		verb = v
	} else if v, ok := m["action"].(string); ok {
		verb = v
	}

	switch domain.ActionVerb(verb) {
	case domain.ActionBuy, domain.ActionSell:
		action := domain.Action{Verb: domain.ActionVerb(verb)}
		if s, ok := m["symbol"].(string); ok {
			action.Symbol = s
		}
		if a, ok := m["amount"].(float64); ok {
			action.Amount = int64(math.Round(a))
		}
		return action
	default:
		return domain.NoTrade()
	}
}
