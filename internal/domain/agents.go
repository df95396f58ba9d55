package domain

import (
	"fmt"
	"strings"
)

// RunMode distinguishes historical backtests from scheduler-driven sessions.
type RunMode string

const (
	ModeBacktest RunMode = "backtest"
	ModeLive     RunMode = "live"
)

// AgentSpec describes one registered agent variant. The registry is static:
// agents are declared here and enabled per deployment in the agents config,
// there is no dynamic dispatch by class name.
type AgentSpec struct {
	// Name is the registry key and the default model identifier.
	Name string
	// Model is the model name sent to the chat API. Usually equals Name.
	Model string
	// Description is shown on the agents API.
	Description string
}

// agentRegistry lists the agent variants this build knows how to run.
// Enabling a subset (and overriding per-agent limits) happens in the
// agents config file, not here.
var agentRegistry = []AgentSpec{
	{Name: "gpt-4o", Model: "gpt-4o", Description: "OpenAI GPT-4o"},
	{Name: "gpt-5", Model: "gpt-5", Description: "OpenAI GPT-5"},
	{Name: "o4-mini", Model: "o4-mini", Description: "OpenAI o4-mini"},
	{Name: "claude-3.7-sonnet", Model: "claude-3.7-sonnet", Description: "Anthropic Claude 3.7 Sonnet"},
	{Name: "gemini-2.5-pro", Model: "gemini-2.5-pro", Description: "Google Gemini 2.5 Pro"},
	{Name: "gemini-2.5-flash", Model: "gemini-2.5-flash", Description: "Google Gemini 2.5 Flash"},
	{Name: "deepseek-chat", Model: "deepseek-chat", Description: "DeepSeek V3"},
	{Name: "deepseek-reasoner", Model: "deepseek-reasoner", Description: "DeepSeek R1"},
	{Name: "qwen3-max", Model: "qwen3-max", Description: "Alibaba Qwen3 Max"},
	{Name: "kimi-k2", Model: "kimi-k2", Description: "Moonshot Kimi K2"},
	{Name: "glm-4.6", Model: "glm-4.6", Description: "Zhipu GLM 4.6"},
	{Name: "grok-4", Model: "grok-4", Description: "xAI Grok 4"},
}

// Agents returns all registered agent specs.
func Agents() []AgentSpec {
	out := make([]AgentSpec, len(agentRegistry))
	copy(out, agentRegistry)
	return out
}

// LookupAgent finds a registered agent spec by name.
func LookupAgent(name string) (AgentSpec, error) {
	for _, spec := range agentRegistry {
		if spec.Name == name {
			return spec, nil
		}
	}
	return AgentSpec{}, fmt.Errorf("%w: agent %q not registered", ErrNotFound, name)
}

// Signature derives the ledger identity for a model in a given mode.
// Live sessions get a -live suffix so they never share a ledger with
// backtests; hourly deployments append -astock-hour in both modes.
func Signature(model string, mode RunMode, freq Frequency) string {
	sig := model
	if mode == ModeLive {
		sig += "-live"
	}
	if freq == FrequencyHourly {
		sig += "-astock-hour"
	}
	return sig
}

// SignatureFrequency reports the trading frequency a ledger signature was
// written under.
func SignatureFrequency(sig string) Frequency {
	if strings.HasSuffix(sig, "-astock-hour") {
		return FrequencyHourly
	}
	return FrequencyDaily
}

// SignatureBase strips the mode and frequency suffixes from a ledger
// signature, recovering the configured agent name.
func SignatureBase(sig string) string {
	sig = strings.TrimSuffix(sig, "-astock-hour")
	return strings.TrimSuffix(sig, "-live")
}
