// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"time"
)

// CashKey is the reserved holdings key for uninvested cash in journal lines
// and API payloads. It never appears as a tradable symbol.
const CashKey = "CASH"

// Frequency is the granularity of trading timestamps.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyHourly Frequency = "hourly"
)

// Layout returns the time layout for timestamps at this frequency.
// Daily timestamps are dates, hourly timestamps carry a trading-hour time.
func (f Frequency) Layout() string {
	if f == FrequencyHourly {
		return "2006-01-02 15:04:05"
	}
	return "2006-01-02"
}

// SeriesKey returns the market journal series key for this frequency.
// The key names are fixed by the legacy journal format.
func (f Frequency) SeriesKey() string {
	if f == FrequencyHourly {
		return "Time Series (60min)"
	}
	return "Time Series (Daily)"
}

// Validate reports whether the frequency is one of the known values.
func (f Frequency) Validate() error {
	switch f {
	case FrequencyDaily, FrequencyHourly:
		return nil
	}
	return fmt.Errorf("%w: invalid frequency %q", ErrValidation, string(f))
}

// ParseTimestamp parses a timestamp string at this frequency.
func (f Frequency) ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(f.Layout(), ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad %s timestamp %q", ErrValidation, string(f), ts)
	}
	return t, nil
}

// FormatTimestamp renders t as a timestamp string at this frequency.
func (f Frequency) FormatTimestamp(t time.Time) string {
	return t.Format(f.Layout())
}

// TradingHours are the exchange trading hours hourly timestamps align to,
// in session order.
var TradingHours = []string{"10:30:00", "11:30:00", "14:00:00", "15:00:00"}

// scheduleAlignments maps wall-clock hours of the hourly schedule to the
// trading times they stand for. Morning slots fire five minutes after the
// half-hour bar they represent; afternoon slots fire after 14:00 and 15:00.
var scheduleAlignments = map[int]string{
	10: "10:30:00",
	11: "11:30:00",
	14: "14:00:00",
	15: "15:00:00",
}

// AlignScheduleHour maps a wall-clock hour to the trading time it stands
// for. Hours outside the schedule return false and must be rejected.
func AlignScheduleHour(hour int) (string, bool) {
	t, ok := scheduleAlignments[hour]
	return t, ok
}

// DateOf returns the date part of a timestamp at either granularity.
func DateOf(ts string) string {
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}

// Bar is one OHLCV record for a symbol at a timestamp.
// Amount (turnover) is only populated for daily bars and may be zero.
type Bar struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name,omitempty"`
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Amount    float64 `json:"amount,omitempty"`
}

// IndexBar is an OHLCV record for a market index.
type IndexBar struct {
	IndexCode string  `json:"index_code"`
	Date      string  `json:"date"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Amount    float64 `json:"amount,omitempty"`
}

// IndexWeight is a constituent weight of an index on a date.
type IndexWeight struct {
	IndexCode string  `json:"index_code"`
	Symbol    string  `json:"symbol"`
	Date      string  `json:"date"`
	Weight    float64 `json:"weight"`
	Name      string  `json:"name,omitempty"`
}

// Quote is a realtime price snapshot for one symbol.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name,omitempty"`
	Price     float64 `json:"price"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"prev_close"`
	Volume    float64 `json:"volume"`
}

// ActionVerb is the kind of ledger mutation a step records.
type ActionVerb string

const (
	ActionBuy     ActionVerb = "buy"
	ActionSell    ActionVerb = "sell"
	ActionNoTrade ActionVerb = "no_trade"
)

// Action is the trade decision recorded with a position step.
// Symbol and Amount are empty for no_trade.
type Action struct {
	Verb   ActionVerb `json:"verb"`
	Symbol string     `json:"symbol,omitempty"`
	Amount int64      `json:"amount,omitempty"`
}

// NoTrade is the identity action.
func NoTrade() Action {
	return Action{Verb: ActionNoTrade}
}

// Holdings maps symbol to share count. Zero and negative quantities are
// never stored; a symbol fully sold is removed from the map.
type Holdings map[string]int64

// Clone returns a copy of the holdings map.
func (h Holdings) Clone() Holdings {
	out := make(Holdings, len(h))
	for sym, qty := range h {
		out[sym] = qty
	}
	return out
}

// Position is the cash plus holdings state after a step.
type Position struct {
	Cash     float64  `json:"cash"`
	Holdings Holdings `json:"holdings"`
}

// NewPosition returns a position with the given starting cash and no holdings.
func NewPosition(cash float64) Position {
	return Position{Cash: cash, Holdings: Holdings{}}
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	return Position{Cash: p.Cash, Holdings: p.Holdings.Clone()}
}

// Validate checks the ledger non-negativity rules.
func (p Position) Validate() error {
	if p.Cash < 0 {
		return fmt.Errorf("%w: negative cash %.4f", ErrValidation, p.Cash)
	}
	for sym, qty := range p.Holdings {
		if qty <= 0 {
			return fmt.Errorf("%w: non-positive holding %s=%d", ErrValidation, sym, qty)
		}
		if sym == CashKey {
			return fmt.Errorf("%w: %s is reserved and cannot be held", ErrValidation, CashKey)
		}
	}
	return nil
}

// PositionStep is one row of the position ledger: the action taken at a
// timestamp and the resulting position. StepID is monotonic per agent
// across the agent's entire history.
type PositionStep struct {
	Agent     string   `json:"agent"`
	Timestamp string   `json:"timestamp"`
	StepID    int64    `json:"step_id"`
	Action    Action   `json:"action"`
	Cash      float64  `json:"cash"`
	Holdings  Holdings `json:"holdings"`
}

// Position returns the step's resulting position.
func (s PositionStep) Position() Position {
	return Position{Cash: s.Cash, Holdings: s.Holdings.Clone()}
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a session transcript. ToolCallID and ToolName are
// set on tool results (and on assistant messages that carry tool calls,
// serialized into Content).
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	Seq        int64     `json:"seq,omitempty"`
	Time       time.Time `json:"ts,omitempty"`
}

// Session groups the messages produced while deciding one timestamp.
// (agent, timestamp) is unique.
type Session struct {
	ID        int64  `json:"id"`
	Agent     string `json:"agent"`
	Timestamp string `json:"timestamp"`
}
