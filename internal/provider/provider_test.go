package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusNotFound, ErrBadRequest},
		{http.StatusInternalServerError, ErrServerError},
		{http.StatusBadGateway, ErrServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyStatus(tt.status), "status %d", tt.status)
	}
}

func TestClassifyTransport(t *testing.T) {
	t.Parallel()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, ErrCancelled, classifyTransport(cancelled, "p", context.Canceled).Kind)

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	assert.Equal(t, ErrTimeout, classifyTransport(expired, "p", context.DeadlineExceeded).Kind)

	assert.Equal(t, ErrServerError, classifyTransport(context.Background(), "p", assert.AnError).Kind)
}

func TestForType(t *testing.T) {
	t.Parallel()
	for _, typ := range []string{"anthropic", "openai", "openrouter", "huggingface", "google"} {
		a, err := ForType(typ, "")
		require.NoError(t, err)
		assert.NotNil(t, a)
	}
	a, err := ForType("openai", "https://example.com/v1")
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Type())

	_, err = ForType("smoke-signals", "")
	assert.Error(t, err)
}

func TestOpenAIGenerateText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 2) // system + user

		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "chatcmpl-1",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "pong"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	a := NewOpenAI("openai", srv.URL)
	res, err := a.GenerateText(context.Background(), "sk-test", GenerateParams{
		Model:     "gpt-4o",
		System:    "be terse",
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 16,
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text)
	assert.Equal(t, int64(12), res.InputTokens)
	assert.Equal(t, int64(3), res.OutputTokens)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, "chatcmpl-1", res.ProviderRequestID)
	assert.False(t, res.CountsEstimated)
}

func TestOpenAIErrorClassification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	a := NewOpenAI("openai", srv.URL)
	_, err := a.GenerateText(context.Background(), "sk", GenerateParams{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrRateLimited, pe.Kind)
	assert.Equal(t, http.StatusTooManyRequests, pe.Status)
	assert.Equal(t, "slow down", pe.Message)
}

func TestOpenAIMissingUsageFallsBackToEstimate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"some answer text"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	a := NewOpenAI("openai", srv.URL)
	res, err := a.GenerateText(context.Background(), "sk", GenerateParams{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "question"}},
	})
	require.NoError(t, err)
	assert.True(t, res.CountsEstimated)
	assert.Greater(t, res.OutputTokens, int64(0))
}

func TestAnthropicGenerateText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		require.NotEmpty(t, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "be terse", req.System)

		w.Write([]byte(`{"id":"msg-1","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer srv.Close()

	a := NewAnthropic(srv.URL)
	res, err := a.GenerateText(context.Background(), "sk-ant", GenerateParams{
		Model:     "claude-sonnet-4-5",
		System:    "be terse",
		MaxTokens: 10,
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, int64(5), res.InputTokens)
	assert.Equal(t, "end_turn", res.FinishReason)
}

func TestGoogleGenerateText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/models/gemini-2.0-flash:generateContent")
		require.Equal(t, "sk-g", r.Header.Get("x-goog-api-key"))

		var req googleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// assistant history maps onto the model role
		require.Equal(t, "model", req.Contents[1].Role)

		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":1}}`))
	}))
	defer srv.Close()

	g := NewGoogle(srv.URL)
	res, err := g.GenerateText(context.Background(), "sk-g", GenerateParams{
		Model: "gemini-2.0-flash",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "again"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, int64(7), res.InputTokens)
}

func TestWithLimitsCancellation(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	inner := &fakeAdapter{generate: func(ctx context.Context) (*Result, error) {
		<-blocked
		return &Result{Text: "done"}, nil
	}}
	limited := WithLimits(inner, 1, 1000)

	// Occupy the single slot.
	go limited.GenerateText(context.Background(), "k", GenerateParams{})
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := limited.GenerateText(ctx, "k", GenerateParams{})
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrTimeout, pe.Kind)
	close(blocked)
}

type fakeAdapter struct {
	generate func(ctx context.Context) (*Result, error)
}

func (f *fakeAdapter) GenerateText(ctx context.Context, _ string, _ GenerateParams) (*Result, error) {
	return f.generate(ctx)
}
func (f *fakeAdapter) Validate(context.Context, string) error { return nil }
func (f *fakeAdapter) Type() string                           { return "fake" }
