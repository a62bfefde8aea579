// Package provider wraps the concrete model-provider HTTP APIs behind one
// capability interface. Adapters are selected by the provider's type alias,
// not its name, so user-declared OpenAI-compatible endpoints reuse the
// OpenAI wire.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tokengate/internal/tokencount"
)

// ErrorKind classifies an upstream failure.
type ErrorKind string

const (
	ErrAuth        ErrorKind = "auth"
	ErrRateLimited ErrorKind = "rateLimited"
	ErrBadRequest  ErrorKind = "badRequest"
	ErrServerError ErrorKind = "serverError"
	ErrTimeout     ErrorKind = "timeout"
	ErrCancelled   ErrorKind = "cancelled"
)

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
}

// AsError extracts a provider error, if err is one.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 400 && status < 500:
		return ErrBadRequest
	default:
		return ErrServerError
	}
}

// classifyTransport maps a transport-level failure using the context state.
func classifyTransport(ctx context.Context, providerName string, err error) *Error {
	kind := ErrServerError
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		kind = ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Provider: providerName, Message: err.Error()}
}

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// GenerateParams is the uniform text-generation input.
type GenerateParams struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float32
	// EstimatedTokens is the pipeline's upper bound, used as the count of
	// last resort when the provider reports nothing.
	EstimatedTokens int64
	// WebSearch asks for the provider's native browsing where supported.
	// Adapters that cannot honor it ignore it.
	WebSearch bool
}

// Result is the uniform text-generation output.
type Result struct {
	Text              string
	InputTokens       int64
	OutputTokens      int64
	FinishReason      string
	ProviderRequestID string
	// CountsEstimated is set when token counts were not reported by the
	// provider and had to be estimated; settlement surfaces the flag.
	CountsEstimated bool
}

// Adapter is the capability interface over one provider wire.
type Adapter interface {
	// GenerateText performs one completion. Cancellation propagates to the
	// upstream HTTP call. Failures are always *Error.
	GenerateText(ctx context.Context, apiKey string, p GenerateParams) (*Result, error)

	// Validate makes a minimal call to check the key works.
	Validate(ctx context.Context, apiKey string) error

	// Type returns the adapter alias.
	Type() string
}

// estimateCounts fills token counts when the provider reported none.
func estimateCounts(p GenerateParams, text string) (in, out int64) {
	in = tokencount.Estimate(p.System)
	for _, m := range p.Messages {
		in += tokencount.Estimate(m.Content)
	}
	out = tokencount.Estimate(text)
	if in+out == 0 && p.EstimatedTokens > 0 {
		in = p.EstimatedTokens
	}
	return in, out
}

// limited wraps an adapter with a per-provider concurrency cap and request
// rate so the gateway backs off before triggering upstream 429s.
type limited struct {
	inner   Adapter
	slots   chan struct{}
	limiter *rate.Limiter
}

// WithLimits caps concurrent in-flight calls and requests per second.
func WithLimits(inner Adapter, maxInflight int, rps float64) Adapter {
	if maxInflight <= 0 {
		maxInflight = 32
	}
	if rps <= 0 {
		rps = 10
	}
	return &limited{
		inner:   inner,
		slots:   make(chan struct{}, maxInflight),
		limiter: rate.NewLimiter(rate.Limit(rps), maxInflight),
	}
}

func (l *limited) GenerateText(ctx context.Context, apiKey string, p GenerateParams) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(ctx, l.inner.Type(), err)
	}
	select {
	case l.slots <- struct{}{}:
		defer func() { <-l.slots }()
	case <-ctx.Done():
		return nil, classifyTransport(ctx, l.inner.Type(), ctx.Err())
	}
	return l.inner.GenerateText(ctx, apiKey, p)
}

func (l *limited) Validate(ctx context.Context, apiKey string) error {
	return l.inner.Validate(ctx, apiKey)
}

func (l *limited) Type() string { return l.inner.Type() }

// defaultHTTPClient is shared by adapters; per-request deadlines come from
// the caller's context.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Minute}
}

// ForType builds the adapter for a type alias. baseURL overrides the wire
// endpoint for openai-compatible providers; empty keeps the default.
func ForType(typeAlias, baseURL string) (Adapter, error) {
	switch typeAlias {
	case "anthropic":
		return NewAnthropic(baseURL), nil
	case "openai":
		return NewOpenAI("openai", baseURL), nil
	case "openrouter":
		return NewOpenRouter(baseURL), nil
	case "huggingface":
		return NewHuggingFace(baseURL), nil
	case "google":
		return NewGoogle(baseURL), nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", typeAlias)
	}
}
