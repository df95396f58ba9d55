package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/domain"
	"github.com/renqi/tradewind/internal/llm"
	"github.com/renqi/tradewind/internal/modules/ledger"
	"github.com/renqi/tradewind/internal/modules/marketdata"
	"github.com/renqi/tradewind/internal/modules/sessions"
)

// SessionRequest asks the driver for one trading session.
type SessionRequest struct {
	// Agent is the ledger signature the session writes under.
	Agent string
	// Model is the chat model invoked. Empty uses the client default.
	Model     string
	Frequency domain.Frequency
	Timestamp string

	// Limits. Zero values take the configured defaults.
	MaxSteps    int
	MaxRetries  int
	BaseDelay   time.Duration
	InitialCash float64
}

func (r SessionRequest) withDefaults() SessionRequest {
	if r.Frequency == "" {
		r.Frequency = domain.FrequencyDaily
	}
	if r.MaxSteps <= 0 {
		r.MaxSteps = config.DefaultMaxSteps
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = config.DefaultMaxRetries
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = config.DefaultBaseDelay
	}
	if r.InitialCash <= 0 {
		r.InitialCash = config.DefaultInitialCash
	}
	return r
}

// SessionResult summarizes one completed session.
type SessionResult struct {
	// Steps is the number of ledger steps the session committed,
	// including a sentinel no_trade.
	Steps int
	// Finished is true when the model ended the session itself rather
	// than hitting the step limit or an error.
	Finished bool
}

// Driver executes the LLM step-loop for one (agent, timestamp) at a time.
// Sessions on different agents may run concurrently; they share nothing
// but the stores.
type Driver struct {
	chat     llm.ChatClient
	toolset  *Toolset
	market   *marketdata.Service
	ledger   *ledger.Service
	sessions *sessions.Repository
	log      zerolog.Logger
}

// NewDriver creates a session driver.
func NewDriver(chat llm.ChatClient, toolset *Toolset, market *marketdata.Service, ledgerSvc *ledger.Service, sessionRepo *sessions.Repository, log zerolog.Logger) *Driver {
	return &Driver{
		chat:     chat,
		toolset:  toolset,
		market:   market,
		ledger:   ledgerSvc,
		sessions: sessionRepo,
		log:      log.With().Str("component", "driver").Logger(),
	}
}

// RunSession executes one trading session. Every session ends with at
// least one committed step unless it is cancelled or the ledger itself
// fails: a session that commits no verb gets a sentinel no_trade.
//
// The returned result is valid even when err is non-nil; it reports the
// steps committed before the failure.
func (d *Driver) RunSession(ctx context.Context, req SessionRequest) (*SessionResult, error) {
	req = req.withDefaults()
	if req.Agent == "" {
		return nil, fmt.Errorf("%w: session has no agent", domain.ErrValidation)
	}
	if req.Timestamp == "" {
		return nil, fmt.Errorf("%w: session has no timestamp", domain.ErrValidation)
	}
	if err := req.Frequency.Validate(); err != nil {
		return nil, err
	}
	if _, err := req.Frequency.ParseTimestamp(req.Timestamp); err != nil {
		return nil, err
	}

	log := d.log.With().Str("agent", req.Agent).Str("timestamp", req.Timestamp).Logger()

	pos, openingStep, err := d.ledger.OpeningPosition(ctx, req.Agent, req.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve opening position: %w", err)
	}
	if openingStep < 0 {
		pos = domain.NewPosition(req.InitialCash)
	}

	nextStep, err := d.ledger.NextStepID(ctx, req.Agent)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve next step id: %w", err)
	}

	st := &session{
		agent:     req.Agent,
		freq:      req.Frequency,
		timestamp: req.Timestamp,
		opening:   pos.Clone(),
		pos:       pos,
		nextStep:  nextStep,
	}

	sess, err := d.sessions.GetOrCreate(ctx, req.Agent, req.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to open session record: %w", err)
	}
	// Transcripts are observability; a write failure must not kill a
	// session that can still trade.
	record := func(msg domain.Message) {
		if err := d.sessions.AppendMessages(ctx, sess.ID, []domain.Message{msg}); err != nil {
			log.Error().Err(err).Msg("Failed to record session message")
		}
	}

	contextMsg, err := buildContext(ctx, d.market, st)
	if err != nil {
		return nil, err
	}

	msgs := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: contextMsg},
	}
	record(domain.Message{Role: domain.RoleUser, Content: contextMsg})

	tools := d.toolset.Definitions()
	result := &SessionResult{}
	var runErr error

loop:
	for turn := 0; turn < req.MaxSteps; turn++ {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("%w: session cancelled: %v", domain.ErrCancelled, err)
			break
		}

		resp, err := d.complete(ctx, req, msgs, tools)
		if err != nil {
			runErr = err
			break
		}

		assistant := resp.Message()
		msgs = append(msgs, assistant)
		record(domain.Message{Role: domain.RoleAssistant, Content: assistantContent(assistant)})

		if len(assistant.ToolCalls) == 0 {
			result.Finished = true
			break
		}

		for _, call := range assistant.ToolCalls {
			content, err := d.toolset.Execute(ctx, st, call)
			if err != nil {
				runErr = err
				break loop
			}
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
			record(domain.Message{
				Role:       domain.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
			})
		}
	}

	// Every decided timestamp carries at least one step. Cancelled
	// sessions made no decision, and a fatal ledger error would only
	// repeat itself.
	kind := domain.KindOf(runErr)
	if st.committed == 0 && kind != domain.KindCancelled && kind != domain.KindFatal {
		if err := d.toolset.CommitNoTrade(ctx, st); err != nil {
			if runErr == nil {
				runErr = err
			}
			log.Error().Err(err).Msg("Sentinel no_trade commit failed")
		} else {
			record(domain.Message{
				Role:     domain.RoleTool,
				ToolName: "no_trade",
				Content:  toolResult(map[string]interface{}{"committed": "no_trade", "sentinel": true}),
			})
		}
	}

	result.Steps = st.committed
	if runErr != nil {
		log.Warn().Err(runErr).Int("steps", result.Steps).Msg("Session ended with error")
		return result, runErr
	}

	log.Info().
		Int("steps", result.Steps).
		Bool("finished", result.Finished).
		Msg("Session complete")
	return result, nil
}

// complete calls the model with the session's retry budget. Cancellation
// stops retrying immediately.
func (d *Driver) complete(ctx context.Context, req SessionRequest, msgs []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= req.MaxRetries; attempt++ {
		resp, err := d.chat.ChatCompletion(ctx, llm.Request{
			Model:    req.Model,
			Messages: msgs,
			Tools:    tools,
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if domain.KindOf(err) == domain.KindCancelled {
			return nil, err
		}
		if attempt == req.MaxRetries {
			break
		}

		delay := req.BaseDelay * time.Duration(1<<uint(attempt-1))
		d.log.Warn().
			Err(err).
			Str("agent", req.Agent).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Model call failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: session cancelled: %v", domain.ErrCancelled, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("model call failed after %d attempts: %w", req.MaxRetries, lastErr)
}

// assistantContent renders an assistant message for the transcript. Tool
// calls are folded into the content so the stored row stands alone.
func assistantContent(msg llm.Message) string {
	if len(msg.ToolCalls) == 0 {
		return msg.Content
	}

	calls := make([]map[string]string, 0, len(msg.ToolCalls))
	for _, c := range msg.ToolCalls {
		calls = append(calls, map[string]string{
			"id":        c.ID,
			"name":      c.Function.Name,
			"arguments": c.Function.Arguments,
		})
	}
	payload := map[string]interface{}{"tool_calls": calls}
	if msg.Content != "" {
		payload["content"] = msg.Content
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return msg.Content
	}
	return string(b)
}
