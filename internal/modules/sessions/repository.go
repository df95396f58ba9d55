// Package sessions stores the conversations behind trading decisions.
//
// A session is created lazily when the first message for (agent, timestamp)
// arrives; messages append with a per-session sequence number and are never
// rewritten.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/database"
	"github.com/renqi/tradewind/internal/domain"
)

// Transcript is a session with its ordered messages.
type Transcript struct {
	Session  domain.Session   `json:"session"`
	Messages []domain.Message `json:"messages"`
}

// SearchHit is one message matched by a keyword search.
type SearchHit struct {
	Agent     string      `json:"agent"`
	Timestamp string      `json:"timestamp"`
	Seq       int64       `json:"seq"`
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
}

// DefaultSearchLimit caps keyword search results.
const DefaultSearchLimit = 100

// Repository handles session database operations
type Repository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewRepository creates a new sessions repository
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "sessions").Logger(),
	}
}

// GetOrCreate returns the session for (agent, ts), creating it when absent.
func (r *Repository) GetOrCreate(ctx context.Context, agent, ts string) (domain.Session, error) {
	if _, err := r.ledgerDB.ExecContext(ctx,
		`INSERT INTO sessions (agent, timestamp) VALUES (?, ?)
		 ON CONFLICT (agent, timestamp) DO NOTHING`, agent, ts); err != nil {
		return domain.Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	var session domain.Session
	err := r.ledgerDB.QueryRowContext(ctx,
		"SELECT id, agent, timestamp FROM sessions WHERE agent = ? AND timestamp = ?",
		agent, ts).Scan(&session.ID, &session.Agent, &session.Timestamp)
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

// AppendMessages appends messages to a session in order, continuing the
// session's sequence numbering.
func (r *Repository) AppendMessages(ctx context.Context, sessionID int64, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	err := database.WithTransaction(r.ledgerDB, func(tx *sql.Tx) error {
		var maxSeq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_ref = ?",
			sessionID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("failed to query max seq: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO messages (session_ref, seq, role, content, tool_call_id, tool_name, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare message insert: %w", err)
		}
		defer stmt.Close()

		for i, msg := range msgs {
			ts := msg.Time
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx,
				sessionID, maxSeq+int64(i)+1, string(msg.Role), msg.Content,
				msg.ToolCallID, msg.ToolName, ts.Format(time.RFC3339)); err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	return nil
}

// Transcript returns the session for (agent, ts) with its messages in
// sequence order.
func (r *Repository) Transcript(ctx context.Context, agent, ts string) (*Transcript, error) {
	var session domain.Session
	err := r.ledgerDB.QueryRowContext(ctx,
		"SELECT id, agent, timestamp FROM sessions WHERE agent = ? AND timestamp = ?",
		agent, ts).Scan(&session.ID, &session.Agent, &session.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no session for %s at %s", domain.ErrNotFound, agent, ts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	msgs, err := r.messagesFor(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return &Transcript{Session: session, Messages: msgs}, nil
}

// ByDateRange returns transcripts for an agent with session timestamps in
// [from, to], oldest first. Empty bounds leave that side open.
func (r *Repository) ByDateRange(ctx context.Context, agent, from, to string) ([]Transcript, error) {
	query := "SELECT id, agent, timestamp FROM sessions WHERE agent = ?"
	args := []interface{}{agent}
	if from != "" {
		query += " AND timestamp >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND timestamp <= ?"
		args = append(args, to)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := r.ledgerDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var transcripts []Transcript
	for rows.Next() {
		var session domain.Session
		if err := rows.Scan(&session.ID, &session.Agent, &session.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		transcripts = append(transcripts, Transcript{Session: session})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	for i := range transcripts {
		transcripts[i].Messages, err = r.messagesFor(ctx, transcripts[i].Session.ID)
		if err != nil {
			return nil, err
		}
	}
	return transcripts, nil
}

// Search returns messages whose content contains keyword, newest session
// first, capped at limit (DefaultSearchLimit when limit <= 0).
func (r *Repository) Search(ctx context.Context, keyword string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	rows, err := r.ledgerDB.QueryContext(ctx,
		`SELECT s.agent, s.timestamp, m.seq, m.role, m.content
		 FROM messages m
		 JOIN sessions s ON s.id = m.session_ref
		 WHERE m.content LIKE ?
		 ORDER BY s.timestamp DESC, m.seq ASC
		 LIMIT ?`,
		"%"+keyword+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		var role string
		if err := rows.Scan(&hit.Agent, &hit.Timestamp, &hit.Seq, &role, &hit.Content); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hit.Role = domain.Role(role)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search hits: %w", err)
	}
	return hits, nil
}

func (r *Repository) messagesFor(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	rows, err := r.ledgerDB.QueryContext(ctx,
		`SELECT seq, role, content, tool_call_id, tool_name, ts
		 FROM messages WHERE session_ref = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role, ts string
		if err := rows.Scan(&msg.Seq, &role, &msg.Content, &msg.ToolCallID, &msg.ToolName, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			msg.Time = parsed
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}
