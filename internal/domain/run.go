package domain

import "time"

// RunStatus is the lifecycle state of an orchestrator invocation.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// AgentRun tracks one orchestrator invocation. Runs live only in process
// memory; they are intentionally lost on restart.
type AgentRun struct {
	RunID     string    `json:"run_id"`
	Agent     string    `json:"agent"`
	Model     string    `json:"model"`
	Frequency Frequency `json:"frequency"`
	Mode      RunMode   `json:"mode"`
	Status    RunStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Progress. StepsTotal is 0 when unknown (live mode).
	StepsDone        int    `json:"steps_done"`
	StepsTotal       int    `json:"steps_total"`
	CurrentTimestamp string `json:"current_timestamp,omitempty"`

	Error string `json:"error,omitempty"`
}

// Clone returns a copy safe to hand to API readers while the run mutates.
func (r *AgentRun) Clone() AgentRun {
	out := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
