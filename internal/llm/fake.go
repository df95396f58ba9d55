package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays canned turns in order and records every request.
// Driver tests script a conversation instead of standing up an HTTP server.
type ScriptedClient struct {
	mu    sync.Mutex
	turns []scriptTurn
	reqs  []Request
}

type scriptTurn struct {
	resp *Response
	err  error
}

// NewScriptedClient creates an empty script. Chain Reply and Fail to
// build the conversation.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// Reply appends a turn answering with the given assistant message.
func (s *ScriptedClient) Reply(msg Message) *ScriptedClient {
	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	resp := &Response{
		ID:      fmt.Sprintf("scripted-%d", len(s.turns)+1),
		Object:  "chat.completion",
		Choices: []Choice{{Message: msg, FinishReason: finish}},
	}
	s.turns = append(s.turns, scriptTurn{resp: resp})
	return s
}

// Fail appends a turn that fails with err.
func (s *ScriptedClient) Fail(err error) *ScriptedClient {
	s.turns = append(s.turns, scriptTurn{err: err})
	return s
}

// ChatCompletion pops the next scripted turn.
func (s *ScriptedClient) ChatCompletion(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reqs = append(s.reqs, req)
	if len(s.turns) == 0 {
		return nil, fmt.Errorf("scripted client: no turn left for request %d", len(s.reqs))
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	if turn.err != nil {
		return nil, turn.err
	}
	return turn.resp, nil
}

// Requests returns a copy of every request seen so far.
func (s *ScriptedClient) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.reqs...)
}

// AssistantText builds an assistant message with no tool calls.
func AssistantText(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// AssistantCalls builds an assistant message carrying tool calls.
func AssistantCalls(calls ...ToolCall) Message {
	return Message{Role: "assistant", ToolCalls: calls}
}

// Call builds one tool call with raw JSON arguments.
func Call(id, name, args string) ToolCall {
	return ToolCall{
		ID:   id,
		Type: "function",
		Function: FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}
