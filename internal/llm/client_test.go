package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renqi/tradewind/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "test-key", "deepseek-chat", zerolog.New(nil).Level(zerolog.Disabled))
	c.baseDelay = time.Millisecond
	return c
}

func writeChat(t *testing.T, w http.ResponseWriter, msg Message) {
	t.Helper()
	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	resp := Response{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Model:   "deepseek-chat",
		Choices: []Choice{{Message: msg, FinishReason: finish}},
		Usage:   Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestChatCompletionShapesRequest(t *testing.T) {
	var got Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		writeChat(t, w, AssistantCalls(Call("call_1", "buy", `{"symbol": "600519.SH", "amount": 100}`)))
	})

	resp, err := client.ChatCompletion(context.Background(), Request{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: "system", Content: "You trade A-shares."},
			{Role: "user", Content: "It is 2025-06-05."},
		},
		Tools: []Tool{{
			Type: "function",
			Function: ToolFunction{
				Name:        "buy",
				Description: "Buy shares of one symbol.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"symbol":{"type":"string"}}}`),
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	assert.Equal(t, "buy", got.Tools[0].Function.Name)
	assert.JSONEq(t, `{"type":"object","properties":{"symbol":{"type":"string"}}}`, string(got.Tools[0].Function.Parameters))

	msg := resp.Message()
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "buy", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"symbol": "600519.SH", "amount": 100}`, msg.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
}

func TestChatCompletionDefaultsModel(t *testing.T) {
	var got Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeChat(t, w, AssistantText("ok"))
	})

	_, err := client.ChatCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", got.Model)
}

func TestChatCompletionRetriesRateLimits(t *testing.T) {
	hits := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits <= 2 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		writeChat(t, w, AssistantText("finally"))
	})

	resp, err := client.ChatCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, hits)
	assert.Equal(t, "finally", resp.Message().Content)
}

func TestChatCompletionRetriesServerErrors(t *testing.T) {
	hits := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		writeChat(t, w, AssistantText("recovered"))
	})

	resp, err := client.ChatCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
	assert.Equal(t, "recovered", resp.Message().Content)
}

func TestChatCompletionDoesNotRetryClientErrors(t *testing.T) {
	hits := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	})

	_, err := client.ChatCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, hits)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestChatCompletionExhaustsRetries(t *testing.T) {
	hits := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := client.ChatCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, 3, hits)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
}

func TestChatCompletionRejectsEmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(Response{ID: "chatcmpl-2"}))
	})

	_, err := client.ChatCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestChatCompletionCancelled(t *testing.T) {
	hits := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		writeChat(t, w, AssistantText("never"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ChatCompletion(ctx, Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
	assert.Equal(t, 0, hits)
}

func TestScriptedClientReplaysTurns(t *testing.T) {
	scripted := NewScriptedClient().
		Reply(AssistantCalls(Call("call_1", "get_price", `{"symbol": "600519.SH"}`))).
		Reply(AssistantText("Holding steady today.")).
		Fail(errors.New("model overloaded"))

	ctx := context.Background()

	first, err := scripted.ChatCompletion(ctx, Request{Model: "m1"})
	require.NoError(t, err)
	require.Len(t, first.Message().ToolCalls, 1)
	assert.Equal(t, "tool_calls", first.Choices[0].FinishReason)

	second, err := scripted.ChatCompletion(ctx, Request{Model: "m2"})
	require.NoError(t, err)
	assert.Equal(t, "Holding steady today.", second.Message().Content)
	assert.Equal(t, "stop", second.Choices[0].FinishReason)

	_, err = scripted.ChatCompletion(ctx, Request{Model: "m3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")

	_, err = scripted.ChatCompletion(ctx, Request{Model: "m4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no turn left")

	reqs := scripted.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "m1", reqs[0].Model)
	assert.Equal(t, "m4", reqs[3].Model)
}
