// Package pipeline drives one generation request through validation,
// admission, credential resolution, reservation, execution and settlement.
//
// The stages are strictly ordered. A failure before the provider call is a
// clean rejection with nothing held; a failure after the provider call must
// never double-charge, so settlement is idempotent and a failed settlement
// degrades to a lost-usage record instead of failing the caller's request.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tokengate/internal/apperr"
	"tokengate/internal/config"
	"tokengate/internal/credentials"
	"tokengate/internal/ledger"
	"tokengate/internal/logging"
	"tokengate/internal/metrics"
	"tokengate/internal/policy"
	"tokengate/internal/provider"
	"tokengate/internal/registry"
	"tokengate/internal/tokencount"
)

// platformFeeRate is applied to the upstream cost of metered requests served
// with a server-held key. BYOK and inline requests carry no fee.
const platformFeeRate = 0.20

// Caller identifies who is asking.
type Caller struct {
	UserID        uint // zero means anonymous
	Authenticated bool
}

// Options carries the generation knobs of the compact input form.
type Options struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	WebSearch   bool    `json:"webSearch,omitempty"`
}

// Request is the uniform generateText input. Two forms are accepted: the
// compact one (content + systemPrompt + options) and the richer message
// history; validate folds the compact fields into the message form.
type Request struct {
	Provider     string             `json:"provider"`
	Content      string             `json:"content,omitempty"`
	SystemPrompt string             `json:"systemPrompt,omitempty"`
	Options      *Options           `json:"options,omitempty"`
	Model        string             `json:"model,omitempty"`
	System       string             `json:"system,omitempty"`
	Messages     []provider.Message `json:"messages,omitempty"`
	MaxTokens    int                `json:"maxTokens,omitempty"`
	Temperature  float32            `json:"temperature,omitempty"`
	WebSearch    bool               `json:"webSearch,omitempty"`
	InlineAPIKey string             `json:"apiKey,omitempty"`
	UnlockSecret string             `json:"unlockSecret,omitempty"`
	// Metadata is opaque to the gateway and echoed back verbatim.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Usage summarizes what one request consumed.
type Usage struct {
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	ChargedTokens   int64   `json:"charged_tokens"`
	CostUsd         float64 `json:"cost_usd"`
	CountsEstimated bool    `json:"counts_estimated,omitempty"`
}

// Response is the uniform generateText output.
type Response struct {
	Text             string                 `json:"text"`
	Provider         string                 `json:"provider"`
	Model            string                 `json:"model"`
	FinishReason     string                 `json:"finish_reason,omitempty"`
	Usage            Usage                  `json:"usage"`
	CredentialSource credentials.Source     `json:"credential_source"`
	RemainingBalance *int64                 `json:"remaining_balance,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// PlanRequest asks whether a request of this shape would be admitted and
// funded, without reserving anything. Callers either supply the estimate
// directly (estimatedTokens, hasApiKey) or the request shape it should be
// derived from; the provider admission pre-check runs only when a provider
// is named.
type PlanRequest struct {
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	System          string `json:"system,omitempty"`
	Content         string `json:"content,omitempty"`
	MaxTokens       int    `json:"maxTokens,omitempty"`
	EstimatedTokens *int64 `json:"estimatedTokens,omitempty"`
	HasAPIKey       *bool  `json:"hasApiKey,omitempty"`
}

// Pipeline wires the gateway stages together.
type Pipeline struct {
	cfg      *config.Config
	reg      *registry.Registry
	policy   *policy.Checker
	resolver *credentials.Resolver
	ledger   *ledger.Ledger
	log      *zap.Logger

	mu       sync.Mutex
	adapters map[string]provider.Adapter
}

func New(cfg *config.Config, reg *registry.Registry, pol *policy.Checker, res *credentials.Resolver, led *ledger.Ledger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		reg:      reg,
		policy:   pol,
		resolver: res,
		ledger:   led,
		log:      logging.L().Named("pipeline"),
		adapters: make(map[string]provider.Adapter),
	}
}

// adapterFor returns the cached rate-limited adapter for a provider name.
func (p *Pipeline) adapterFor(name string) (provider.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.adapters[name]; ok {
		return a, nil
	}
	typ := ""
	baseURL := ""
	if spec, ok := p.cfg.ProviderByName(name); ok {
		typ = spec.Type
		baseURL = spec.BaseURL
	}
	if typ == "" {
		// BYOK-only providers fall back to the catalog's adapter type.
		if entry, ok := p.reg.Current().Providers[name]; ok {
			typ = entry.Type
			baseURL = entry.BaseURL
		}
	}
	if typ == "" {
		typ = "openai"
	}
	inner, err := provider.ForType(typ, baseURL)
	if err != nil {
		return nil, apperr.Internal("no adapter for provider %q", name).WithCause(err)
	}
	a := provider.WithLimits(inner, 0, 0)
	p.adapters[name] = a
	return a, nil
}

// validate normalizes the request in place and rejects malformed input.
func (p *Pipeline) validate(req *Request) error {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" {
		return apperr.InvalidArgument("provider is required")
	}
	if req.Content != "" {
		req.Messages = append(req.Messages, provider.Message{Role: "user", Content: req.Content})
	}
	if req.System == "" {
		req.System = req.SystemPrompt
	}
	if o := req.Options; o != nil {
		if req.Model == "" {
			req.Model = o.Model
		}
		if req.MaxTokens == 0 {
			req.MaxTokens = o.MaxTokens
		}
		if req.Temperature == 0 {
			req.Temperature = o.Temperature
		}
		req.WebSearch = req.WebSearch || o.WebSearch
	}
	if len(req.Messages) == 0 {
		return apperr.InvalidArgument("messages must not be empty")
	}
	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return apperr.InvalidArgument("messages[%d].role must be user or assistant", i)
		}
		if m.Content == "" {
			return apperr.InvalidArgument("messages[%d].content must not be empty", i)
		}
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.cfg.DefaultMaxTokens
	}
	if req.MaxTokens < 1 {
		return apperr.InvalidArgument("maxTokens must be positive")
	}
	if req.MaxTokens > p.cfg.MaxMaxTokens {
		return apperr.InvalidArgument("maxTokens %d exceeds the maximum of %d", req.MaxTokens, p.cfg.MaxMaxTokens)
	}
	if len(req.System) > p.cfg.SystemPromptMaxLength {
		return apperr.InvalidArgument("system prompt exceeds %d characters", p.cfg.SystemPromptMaxLength)
	}
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	if total > p.cfg.ContentMaxLength {
		return apperr.InvalidArgument("message content exceeds %d characters", p.cfg.ContentMaxLength)
	}
	return nil
}

func (p *Pipeline) hasStoredKey(caller Caller, providerName string) bool {
	if !caller.Authenticated || caller.UserID == 0 {
		return false
	}
	status, err := p.resolver.StoredKeyStatus(caller.UserID, providerName)
	return err == nil && status.Present
}

func (p *Pipeline) estimate(req *Request) int64 {
	var content strings.Builder
	for _, m := range req.Messages {
		content.WriteString(m.Content)
		content.WriteByte('\n')
	}
	return tokencount.UpperBound(req.System, content.String(), req.MaxTokens)
}

// GenerateText runs the full pipeline for one request.
func (p *Pipeline) GenerateText(ctx context.Context, caller Caller, req Request) (*Response, error) {
	if err := p.validate(&req); err != nil {
		return nil, err
	}

	callerKind := policy.CallerAnonymous
	if caller.Authenticated {
		callerKind = policy.CallerAuthenticated
	}
	decision, err := p.policy.Check(policy.Request{
		Provider:   req.Provider,
		Model:      req.Model,
		Caller:     callerKind,
		HasBYOKKey: p.hasStoredKey(caller, req.Provider),
	})
	if err != nil {
		return nil, err
	}

	cred, err := p.resolver.Resolve(credentials.Request{
		UserID:       caller.UserID,
		Provider:     decision.Provider,
		InlineAPIKey: req.InlineAPIKey,
		UnlockSecret: req.UnlockSecret,
	})
	if err != nil {
		return nil, err
	}
	defer cred.Zero()

	model, err := p.reg.ResolveModel(decision.Provider, decision.EffectiveModel)
	if err != nil {
		return nil, err
	}

	estimated := p.estimate(&req)
	hasOwnKey := cred.Source == credentials.SourceInline || cred.Source == credentials.SourceBYOK
	pricePerToken := model.OutputPerMTok / 1e6

	res, err := p.ledger.Reserve(ctx, caller.UserID, estimated, pricePerToken, hasOwnKey)
	if err != nil {
		return nil, err
	}

	adapter, err := p.adapterFor(decision.Provider)
	if err != nil {
		p.refund(caller, decision.Provider, model.ID, res)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestDeadline)
	defer cancel()

	callStart := time.Now()
	result, err := adapter.GenerateText(callCtx, cred.Key(), provider.GenerateParams{
		Model:           model.ID,
		System:          req.System,
		Messages:        req.Messages,
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		EstimatedTokens: estimated,
		WebSearch:       req.WebSearch,
	})
	cred.Zero()
	metrics.Get().ProviderDuration.WithLabelValues(decision.Provider).Observe(time.Since(callStart).Seconds())
	if err != nil {
		metrics.Get().ProviderCalls.WithLabelValues(decision.Provider, providerOutcome(err)).Inc()
		p.refund(caller, decision.Provider, model.ID, res)
		return nil, translateProviderError(err)
	}
	metrics.Get().ProviderCalls.WithLabelValues(decision.Provider, "ok").Inc()

	// Settlement proceeds even if the caller hangs up now; the spend already
	// happened upstream.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer settleCancel()

	costUsd := float64(result.InputTokens)*model.InputPerMTok/1e6 +
		float64(result.OutputTokens)*model.OutputPerMTok/1e6

	resp := &Response{
		Text:             result.Text,
		Provider:         decision.Provider,
		Model:            model.ID,
		FinishReason:     result.FinishReason,
		CredentialSource: cred.Source,
		Metadata:         req.Metadata,
		Usage: Usage{
			InputTokens:     result.InputTokens,
			OutputTokens:    result.OutputTokens,
			CostUsd:         costUsd,
			CountsEstimated: result.CountsEstimated,
		},
	}

	if res.Stub {
		p.ledger.RecordBYOK(caller.UserID, decision.Provider, model.ID,
			result.InputTokens, result.OutputTokens, costUsd, result.CountsEstimated)
		return resp, nil
	}

	fee := costUsd * platformFeeRate
	event, err := p.ledger.Settle(settleCtx, ledger.Settlement{
		ReservationID:  res.ReservationID,
		Provider:       decision.Provider,
		Model:          model.ID,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
		CostUsd:        costUsd,
		PlatformFeeUsd: &fee,
		CountsEstimate: result.CountsEstimated,
	})
	if err != nil {
		// The upstream call succeeded; the user keeps the text and the books
		// record the break instead of charging twice or failing the request.
		p.log.Warn("settlement failed, recording lost usage",
			zap.String("reservation_id", res.ReservationID),
			zap.Uint("user_id", caller.UserID),
			zap.Error(err))
		p.ledger.RecordLostUsage(caller.UserID, res.ReservationID,
			decision.Provider, model.ID, result.InputTokens, result.OutputTokens, costUsd)
		resp.Usage.ChargedTokens = 0
		return resp, nil
	}

	resp.Usage.ChargedTokens = event.ChargedTokens
	if res.RemainingBalance != nil {
		remaining := *res.RemainingBalance
		// The hold was the estimate; the charge is the actual.
		remaining += estimated - event.ChargedTokens
		resp.RemainingBalance = &remaining
	}
	return resp, nil
}

// Plan answers planConsumption: would this request be admitted and funded.
func (p *Pipeline) Plan(ctx context.Context, caller Caller, req PlanRequest) (ledger.PlanResult, error) {
	providerName := strings.ToLower(strings.TrimSpace(req.Provider))
	hasKey := false
	if providerName != "" {
		callerKind := policy.CallerAnonymous
		if caller.Authenticated {
			callerKind = policy.CallerAuthenticated
		}
		hasKey = p.hasStoredKey(caller, providerName)
		if _, err := p.policy.Check(policy.Request{
			Provider:   providerName,
			Model:      req.Model,
			Caller:     callerKind,
			HasBYOKKey: hasKey,
		}); err != nil {
			return ledger.PlanResult{}, err
		}
	}
	if req.HasAPIKey != nil {
		hasKey = *req.HasAPIKey
	}

	var estimated int64
	if req.EstimatedTokens != nil {
		if *req.EstimatedTokens < 0 {
			return ledger.PlanResult{}, apperr.InvalidArgument("estimatedTokens must not be negative")
		}
		estimated = *req.EstimatedTokens
	} else {
		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = p.cfg.DefaultMaxTokens
		}
		estimated = tokencount.UpperBound(req.System, req.Content, maxTokens)
	}
	return p.ledger.Plan(ctx, caller.UserID, estimated, hasKey)
}

// ValidateProvider resolves a credential for the provider and makes a
// minimal upstream call to check it works.
func (p *Pipeline) ValidateProvider(ctx context.Context, caller Caller, providerName, inlineKey, unlockSecret string) error {
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	if providerName == "" {
		return apperr.InvalidArgument("provider is required")
	}
	cred, err := p.resolver.Resolve(credentials.Request{
		UserID:       caller.UserID,
		Provider:     providerName,
		InlineAPIKey: inlineKey,
		UnlockSecret: unlockSecret,
	})
	if err != nil {
		return err
	}
	defer cred.Zero()

	adapter, err := p.adapterFor(providerName)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := adapter.Validate(callCtx, cred.Key()); err != nil {
		return translateProviderError(err)
	}
	return nil
}

// refund releases a hold after a failed execution. A refund failure leaves
// the hold to the sweeper and records a compensating lost-usage event so the
// books show the break.
func (p *Pipeline) refund(caller Caller, providerName, modelID string, res ledger.ReserveResult) {
	if res.Stub || res.ReservationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.ledger.Refund(ctx, res.ReservationID); err != nil {
		p.log.Warn("refund failed, sweeper will reclaim",
			zap.String("reservation_id", res.ReservationID), zap.Error(err))
		p.ledger.RecordLostUsage(caller.UserID, res.ReservationID, providerName, modelID, 0, 0, 0)
	}
}

// providerOutcome labels a failed call for metrics.
func providerOutcome(err error) string {
	if pe, ok := provider.AsError(err); ok {
		return string(pe.Kind)
	}
	return "error"
}

// translateProviderError maps adapter failures onto the client taxonomy.
func translateProviderError(err error) error {
	pe, ok := provider.AsError(err)
	if !ok {
		return apperr.Internal("provider call failed").WithCause(err)
	}
	switch pe.Kind {
	case provider.ErrRateLimited:
		return apperr.Upstream("rateLimited", "provider %s is rate limiting requests", pe.Provider)
	case provider.ErrAuth:
		return apperr.Upstream("auth", "provider %s rejected the credential", pe.Provider)
	case provider.ErrBadRequest:
		return apperr.Upstream("badRequest", "provider %s rejected the request: %s", pe.Provider, pe.Message)
	case provider.ErrTimeout:
		return apperr.Upstream("timeout", "provider %s timed out", pe.Provider)
	case provider.ErrCancelled:
		return apperr.Upstream("cancelled", "request cancelled")
	default:
		return apperr.Upstream("serverError", "provider %s failed", pe.Provider)
	}
}
