package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/config"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	o, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini", MaxRetries: 2})
	require.NoError(t, err)
	o.initialBackoff = time.Millisecond
	return o
}

func writeChatCompletion(w http.ResponseWriter, content string, total int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": total - 2, "completion_tokens": 2, "total_tokens": total},
	})
}

func TestOpenAI_Complete(t *testing.T) {
	var got map[string]any
	o := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeChatCompletion(w, "Plants turn light into sugar.", 42)
	})

	res, err := o.Complete(context.Background(), []PromptMessage{
		{Role: RoleSystem, Content: "You are a tutor."},
		{Role: RoleUser, Content: "What is photosynthesis?"},
	}, 256, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "Plants turn light into sugar.", res.Content)
	assert.Equal(t, 42, res.TokenUsage)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Len(t, got["messages"], 2)
}

func TestOpenAI_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	o := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		writeChatCompletion(w, "ok", 5)
	})

	res, err := o.Complete(context.Background(), []PromptMessage{{Role: RoleUser, Content: "hi"}}, 16, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.EqualValues(t, 2, calls.Load())
}

func TestOpenAI_PermanentFailureIsUpstream(t *testing.T) {
	var calls atomic.Int32
	o := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	})

	_, err := o.Complete(context.Background(), []PromptMessage{{Role: RoleUser, Content: "hi"}}, 16, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, tutoring.ErrUpstream)
	assert.True(t, tutoring.Retryable(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestOpenAI_DeadlineIsTimeout(t *testing.T) {
	o := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Complete(ctx, []PromptMessage{{Role: RoleUser, Content: "hi"}}, 16, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, tutoring.ErrTimeout)
}

func TestOpenAI_Embed(t *testing.T) {
	o := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data":   []map[string]any{{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3}}},
		})
	})

	vec, err := o.Embed(context.Background(), "photosynthesis")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestAnthropic_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-sonnet-4-20250514",
			"content":     []map[string]any{{"type": "text", "text": "Try drawing it."}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 30, "output_tokens": 6},
		})
	}))
	t.Cleanup(srv.Close)

	a, err := NewAnthropic(AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := a.Complete(context.Background(), []PromptMessage{
		{Role: RoleSystem, Content: "You are a tutor."},
		{Role: RoleUser, Content: "I am stuck"},
	}, 128, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "Try drawing it.", res.Content)
	assert.Equal(t, 36, res.TokenUsage)
	assert.NotNil(t, got["system"])
	assert.Len(t, got["messages"], 1)
}

func TestSplitSystem(t *testing.T) {
	system, turns := splitSystem([]PromptMessage{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleAssistant, Content: "orphan"},
		{Role: RoleUser, Content: "q1"},
		{Role: RoleUser, Content: "q2"},
		{Role: RoleAssistant, Content: "r1"},
		{Role: RoleSystem, Content: "b"},
		{Role: RoleUser, Content: "q3"},
	})

	assert.Equal(t, "a\n\nb", system)
	require.Len(t, turns, 3)
	assert.Equal(t, PromptMessage{Role: RoleUser, Content: "q1\n\nq2"}, turns[0])
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, RoleUser, turns[2].Role)
}

func TestNew(t *testing.T) {
	_, err := New(config.CompletionConfig{Provider: "openai"})
	assert.ErrorIs(t, err, tutoring.ErrInvalidConfig)

	_, err = New(config.CompletionConfig{Provider: "bogus", APIKey: "k"})
	assert.ErrorIs(t, err, tutoring.ErrInvalidConfig)

	svc, err := New(config.CompletionConfig{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, svc)

	_, err = NewEmbedder(config.CompletionConfig{Provider: "anthropic", APIKey: "k"}, "")
	assert.ErrorIs(t, err, tutoring.ErrInvalidConfig)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", context.DeadlineExceeded), tutoring.ErrTimeout)
	assert.ErrorIs(t, classify("op", assert.AnError), tutoring.ErrUpstream)
}

func TestTokenizer(t *testing.T) {
	tok := DefaultTokenizer()
	assert.Equal(t, 0, tok.CountText(""))
	assert.Positive(t, tok.CountText("photosynthesis converts light"))

	prompt := []PromptMessage{{Role: RoleUser, Content: "hello"}}
	assert.Greater(t, tok.CountPrompt(prompt), tok.CountText("hello"))

	assert.Equal(t, "o200k_base", modelToEncoding("gpt-4o-mini"))
	assert.Equal(t, "cl100k_base", modelToEncoding("claude-3-haiku"))
}

func TestFunc(t *testing.T) {
	var svc Service = Func(func(ctx context.Context, msgs []PromptMessage, maxTokens int, temperature float32) (Result, error) {
		return Result{Content: msgs[0].Content, TokenUsage: maxTokens}, nil
	})
	res, err := svc.Complete(context.Background(), []PromptMessage{{Role: RoleUser, Content: "echo"}}, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Content: "echo", TokenUsage: 7}, res)
}
