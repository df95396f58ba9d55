// Package ledger is the append-only record of agent trading decisions.
//
// Every decision an agent takes (or fails to take) becomes a position step:
// the action, the resulting cash, and the resulting holdings. Steps are
// written to the ledger database and mirrored to per-agent JSONL journals;
// a step only fails to persist when both stores reject it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/database"
	"github.com/renqi/tradewind/internal/domain"
)

// Repository handles ledger database operations
type Repository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewRepository creates a new ledger repository
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "ledger").Logger(),
	}
}

// MaxStepID returns the highest step_id recorded for an agent, or -1 when
// the agent has no history. Step IDs are monotonic over the whole history,
// not per run.
func (r *Repository) MaxStepID(ctx context.Context, agent string) (int64, error) {
	var max int64
	err := r.ledgerDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(step_id), -1) FROM position_steps WHERE agent = ?", agent).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query max step id: %w", err)
	}
	return max, nil
}

// InsertStep appends one step with its holdings in a single transaction.
// A duplicate (agent, step_id) maps to domain.ErrValidation.
func (r *Repository) InsertStep(ctx context.Context, step *domain.PositionStep) error {
	err := database.WithTransaction(r.ledgerDB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO position_steps (agent, timestamp, step_id, action, action_symbol, action_amount, cash)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			step.Agent, step.Timestamp, step.StepID,
			string(step.Action.Verb), step.Action.Symbol, step.Action.Amount, step.Cash)
		if err != nil {
			return err
		}

		stepRef, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read step rowid: %w", err)
		}

		for symbol, qty := range step.Holdings {
			if qty == 0 {
				continue // zero holdings are never stored
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO position_holdings (step_ref, symbol, quantity) VALUES (?, ?, ?)",
				stepRef, symbol, qty); err != nil {
				return fmt.Errorf("failed to insert holding %s: %w", symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: step %d already recorded for %s", domain.ErrValidation, step.StepID, step.Agent)
		}
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// OpeningPosition returns the position an agent resumes from at ts: the
// state after the latest step with timestamp strictly before ts. An agent
// with no earlier history gets an empty position and step -1.
func (r *Repository) OpeningPosition(ctx context.Context, agent, ts string) (domain.Position, int64, error) {
	var stepRef, stepID int64
	var cash float64
	err := r.ledgerDB.QueryRowContext(ctx,
		`SELECT id, step_id, cash FROM position_steps
		 WHERE agent = ? AND timestamp < ?
		 ORDER BY timestamp DESC, step_id DESC LIMIT 1`,
		agent, ts).Scan(&stepRef, &stepID, &cash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewPosition(0), -1, nil
	}
	if err != nil {
		return domain.Position{}, 0, fmt.Errorf("failed to query opening position: %w", err)
	}

	holdings, err := r.holdingsFor(ctx, stepRef)
	if err != nil {
		return domain.Position{}, 0, err
	}
	return domain.Position{Cash: cash, Holdings: holdings}, stepID, nil
}

// LatestStep returns the newest step for an agent by step_id.
func (r *Repository) LatestStep(ctx context.Context, agent string) (*domain.PositionStep, error) {
	row := r.ledgerDB.QueryRowContext(ctx,
		`SELECT id, agent, timestamp, step_id, action, action_symbol, action_amount, cash
		 FROM position_steps WHERE agent = ?
		 ORDER BY step_id DESC LIMIT 1`, agent)

	step, stepRef, err := scanStepRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no steps for agent %s", domain.ErrNotFound, agent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest step: %w", err)
	}

	step.Holdings, err = r.holdingsFor(ctx, stepRef)
	if err != nil {
		return nil, err
	}
	return step, nil
}

// History returns an agent's steps with timestamps in [from, to], ordered
// by timestamp then step_id. Empty bounds leave that side open.
func (r *Repository) History(ctx context.Context, agent, from, to string) ([]domain.PositionStep, error) {
	query := `SELECT ps.id, ps.agent, ps.timestamp, ps.step_id, ps.action, ps.action_symbol, ps.action_amount, ps.cash,
			ph.symbol, ph.quantity
		FROM position_steps ps
		LEFT JOIN position_holdings ph ON ph.step_ref = ps.id
		WHERE ps.agent = ?`
	args := []interface{}{agent}
	if from != "" {
		query += " AND ps.timestamp >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND ps.timestamp <= ?"
		args = append(args, to)
	}
	query += " ORDER BY ps.timestamp ASC, ps.step_id ASC"

	rows, err := r.ledgerDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var steps []domain.PositionStep
	byRef := make(map[int64]int) // step rowid -> index in steps

	for rows.Next() {
		var stepRef, stepID, actionAmount int64
		var agentCol, timestamp, action, actionSymbol string
		var cash float64
		var holdSymbol sql.NullString
		var holdQty sql.NullInt64

		if err := rows.Scan(&stepRef, &agentCol, &timestamp, &stepID, &action, &actionSymbol, &actionAmount, &cash,
			&holdSymbol, &holdQty); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		idx, seen := byRef[stepRef]
		if !seen {
			steps = append(steps, domain.PositionStep{
				Agent:     agentCol,
				Timestamp: timestamp,
				StepID:    stepID,
				Action:    domain.Action{Verb: domain.ActionVerb(action), Symbol: actionSymbol, Amount: actionAmount},
				Cash:      cash,
				Holdings:  domain.Holdings{},
			})
			idx = len(steps) - 1
			byRef[stepRef] = idx
		}
		if holdSymbol.Valid {
			steps[idx].Holdings[holdSymbol.String] = holdQty.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return steps, nil
}

// Agents returns every agent signature with at least one step, sorted.
func (r *Repository) Agents(ctx context.Context) ([]string, error) {
	rows, err := r.ledgerDB.QueryContext(ctx,
		"SELECT DISTINCT agent FROM position_steps ORDER BY agent")
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// HeldSymbols returns the union of symbols in every agent's latest
// position, sorted. Data refreshes use this to keep held names current
// even after they leave the benchmark index.
func (r *Repository) HeldSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.ledgerDB.QueryContext(ctx,
		`SELECT DISTINCT ph.symbol
		 FROM position_holdings ph
		 JOIN position_steps ps ON ps.id = ph.step_ref
		 JOIN (SELECT agent, MAX(step_id) AS max_step FROM position_steps GROUP BY agent) latest
		   ON latest.agent = ps.agent AND latest.max_step = ps.step_id
		 ORDER BY ph.symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query held symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan held symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating held symbols: %w", err)
	}
	return symbols, nil
}

// Trades returns an agent's buy and sell steps, oldest first.
func (r *Repository) Trades(ctx context.Context, agent string) ([]domain.PositionStep, error) {
	steps, err := r.History(ctx, agent, "", "")
	if err != nil {
		return nil, err
	}
	var trades []domain.PositionStep
	for _, s := range steps {
		if s.Action.Verb != domain.ActionNoTrade {
			trades = append(trades, s)
		}
	}
	return trades, nil
}

func (r *Repository) holdingsFor(ctx context.Context, stepRef int64) (domain.Holdings, error) {
	rows, err := r.ledgerDB.QueryContext(ctx,
		"SELECT symbol, quantity FROM position_holdings WHERE step_ref = ?", stepRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	holdings := domain.Holdings{}
	for rows.Next() {
		var symbol string
		var qty int64
		if err := rows.Scan(&symbol, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings[symbol] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holdings: %w", err)
	}
	return holdings, nil
}

// scanStepRow scans a position_steps row (with leading rowid) from a
// QueryRow result.
func scanStepRow(row *sql.Row) (*domain.PositionStep, int64, error) {
	var stepRef, stepID, actionAmount int64
	var agent, timestamp, action, actionSymbol string
	var cash float64

	err := row.Scan(&stepRef, &agent, &timestamp, &stepID, &action, &actionSymbol, &actionAmount, &cash)
	if err != nil {
		return nil, 0, err
	}
	return &domain.PositionStep{
		Agent:     agent,
		Timestamp: timestamp,
		StepID:    stepID,
		Action:    domain.Action{Verb: domain.ActionVerb(action), Symbol: actionSymbol, Amount: actionAmount},
		Cash:      cash,
	}, stepRef, nil
}
