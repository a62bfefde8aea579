// Package registry maintains the provider/model catalog: live data merged
// with a frozen in-repo fallback, served as immutable snapshots.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tokengate/internal/apperr"
	"tokengate/internal/config"
	"tokengate/internal/logging"
)

// Capability tags on models.
const (
	TagToolUse   = "tool-use"
	TagWebSearch = "web-search"
	TagVision    = "vision"
)

// Model describes one model of a provider. Pricing is $ per 1M tokens.
type Model struct {
	ID            string   `json:"id"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	InputPerMTok  float64  `json:"input_per_mtok"`
	OutputPerMTok float64  `json:"output_per_mtok"`
	Tags          []string `json:"tags,omitempty"`
}

// HasTag reports whether the model carries a capability tag.
func (m Model) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Provider is one catalog entry.
type Provider struct {
	ID           string  `json:"id"`
	DisplayName  string  `json:"display_name"`
	Available    bool    `json:"available"`
	HasServerKey bool    `json:"has_server_key"`
	BYOKEligible bool    `json:"byok_eligible"`
	DefaultModel string  `json:"default_model,omitempty"`
	BaseURL      string  `json:"base_url,omitempty"`
	Type         string  `json:"type"`
	Models       []Model `json:"models"`
}

// Source says where the current snapshot's model data came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// Snapshot is an immutable view of the catalog. Readers hold a stable
// reference; the refresher swaps the whole snapshot atomically.
type Snapshot struct {
	Providers     map[string]Provider
	Source        Source
	LastRefreshAt time.Time
}

// ModelCount totals models across providers.
func (s *Snapshot) ModelCount() int {
	n := 0
	for _, p := range s.Providers {
		n += len(p.Models)
	}
	return n
}

// PricingOverride pins pricing for a (provider, model) pair above whatever
// the live catalog reports.
type PricingOverride struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// Health is the registry health report.
type Health struct {
	Ready         bool      `json:"ready"`
	Source        Source    `json:"source"`
	LastRefreshAt time.Time `json:"last_refresh_at"`
	ModelCount    int       `json:"model_count"`
}

// Registry serves catalog snapshots and refreshes them in the background.
type Registry struct {
	cfg    *config.Config
	client *http.Client
	log    *zap.Logger

	mu        sync.RWMutex
	snapshot  *Snapshot
	overrides map[string]PricingOverride // key: provider + "/" + model

	stop chan struct{}
	done chan struct{}
}

// New builds a registry seeded from the frozen fallback. Call Start to begin
// live refreshes.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		cfg:       cfg,
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       logging.L().Named("registry"),
		overrides: make(map[string]PricingOverride),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.snapshot = r.buildSnapshot(nil, SourceFallback)
	return r
}

// Start performs an initial live refresh and launches the background
// refresher. On initial failure the fallback snapshot stays in place.
func (r *Registry) Start(ctx context.Context) {
	if r.cfg.CatalogURL == "" {
		r.log.Info("no catalog url configured, serving frozen fallback")
		close(r.done)
		return
	}
	if err := r.refresh(ctx); err != nil {
		r.log.Warn("initial catalog refresh failed, serving fallback", zap.Error(err))
	}
	go r.refreshLoop()
}

// Stop signals the refresher to exit and waits for it.
func (r *Registry) Stop() {
	select {
	case <-r.done:
		return
	default:
	}
	close(r.stop)
	<-r.done
}

func (r *Registry) refreshLoop() {
	defer close(r.done)
	backoff := time.Minute
	interval := r.cfg.CatalogRefresh
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := r.refresh(ctx)
			cancel()
			if err != nil {
				r.log.Warn("catalog refresh failed", zap.Error(err), zap.Duration("retry_in", backoff))
				timer.Reset(backoff)
				backoff *= 2
				if backoff > r.cfg.CatalogBackoffCap {
					backoff = r.cfg.CatalogBackoffCap
				}
			} else {
				backoff = time.Minute
				timer.Reset(interval)
			}
		}
	}
}

// catalogResponse is the wire shape of the external catalog service.
type catalogResponse struct {
	Providers []struct {
		ID           string  `json:"id"`
		DefaultModel string  `json:"default_model"`
		Models       []Model `json:"models"`
	} `json:"providers"`
}

func (r *Registry) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.CatalogURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog service returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	var cat catalogResponse
	if err := json.Unmarshal(body, &cat); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}

	live := make(map[string][]Model, len(cat.Providers))
	for _, p := range cat.Providers {
		live[strings.ToLower(p.ID)] = p.Models
	}

	snap := r.buildSnapshot(live, SourceLive)
	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
	r.log.Info("catalog refreshed", zap.Int("models", snap.ModelCount()))
	return nil
}

// buildSnapshot merges configured providers with model data. live may be nil,
// in which case the frozen fallback is used. Overrides apply strictly above
// live data. Caller must not hold r.mu for writing the result.
func (r *Registry) buildSnapshot(live map[string][]Model, source Source) *Snapshot {
	r.mu.RLock()
	overrides := make(map[string]PricingOverride, len(r.overrides))
	for k, v := range r.overrides {
		overrides[k] = v
	}
	r.mu.RUnlock()

	providers := make(map[string]Provider)

	add := func(name, typ, baseURL, defaultModel string, hasKey bool) {
		models := modelsFor(name, live)
		for i, m := range models {
			if ov, ok := overrides[name+"/"+m.ID]; ok {
				models[i].InputPerMTok = ov.InputPerMTok
				models[i].OutputPerMTok = ov.OutputPerMTok
			}
		}
		if defaultModel == "" {
			defaultModel = fallbackDefaultModels[name]
		}
		display := providerDisplayNames[name]
		if display == "" {
			display = name
		}
		providers[name] = Provider{
			ID:           name,
			DisplayName:  display,
			Available:    len(models) > 0,
			HasServerKey: hasKey,
			BYOKEligible: r.cfg.IsBYOKProvider(name) || hasKey,
			DefaultModel: defaultModel,
			BaseURL:      baseURL,
			Type:         typ,
			Models:       models,
		}
	}

	for _, spec := range r.cfg.Providers {
		add(spec.Name, spec.Type, spec.BaseURL, spec.DefaultModel, spec.HasServerKey())
	}
	// BYOK-only providers get catalog entries even without a server key.
	for _, name := range r.cfg.BYOKProviders {
		name = strings.ToLower(name)
		if _, ok := providers[name]; !ok {
			add(name, adapterType(name), "", "", false)
		}
	}

	return &Snapshot{Providers: providers, Source: source, LastRefreshAt: time.Now().UTC()}
}

func modelsFor(name string, live map[string][]Model) []Model {
	if live != nil {
		if models, ok := live[name]; ok {
			out := make([]Model, len(models))
			copy(out, models)
			return out
		}
	}
	models := fallbackCatalog[name]
	out := make([]Model, len(models))
	copy(out, models)
	return out
}

func adapterType(name string) string {
	switch name {
	case "anthropic", "openai", "google", "openrouter", "huggingface":
		return name
	default:
		return "openai"
	}
}

// Current returns the current immutable snapshot.
func (r *Registry) Current() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// ListProviders returns all catalog entries.
func (r *Registry) ListProviders() []Provider {
	snap := r.Current()
	out := make([]Provider, 0, len(snap.Providers))
	for _, p := range snap.Providers {
		out = append(out, p)
	}
	return out
}

// ListBYOKProviders returns entries eligible for user-supplied keys.
func (r *Registry) ListBYOKProviders() []Provider {
	var out []Provider
	for _, p := range r.ListProviders() {
		if p.BYOKEligible {
			out = append(out, p)
		}
	}
	return out
}

// ListAllowedModels returns the provider's models after applying the
// configured allow/deny globs.
func (r *Registry) ListAllowedModels(providerID string) ([]Model, error) {
	snap := r.Current()
	p, ok := snap.Providers[strings.ToLower(providerID)]
	if !ok {
		return nil, apperr.NotFound("unknown provider %q", providerID)
	}
	spec, _ := r.cfg.ProviderByName(p.ID)
	var out []Model
	for _, m := range p.Models {
		if modelAllowed(m.ID, spec.Restrictions) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ResolveModel returns the model entry for (provider, model). An empty
// modelID resolves to the provider's default.
func (r *Registry) ResolveModel(providerID, modelID string) (Model, error) {
	snap := r.Current()
	p, ok := snap.Providers[strings.ToLower(providerID)]
	if !ok {
		return Model{}, apperr.NotFound("unknown provider %q", providerID)
	}
	if modelID == "" {
		modelID = p.DefaultModel
	}
	for _, m := range p.Models {
		if m.ID == modelID {
			return m, nil
		}
	}
	// Catalogs lag provider launches; an uncataloged model resolves with
	// zero pricing rather than blocking the request.
	return Model{ID: modelID}, nil
}

// modelAllowed applies deny globs, then the allow list (non-empty allow list
// means at least one pattern must match).
func modelAllowed(modelID string, res config.ModelRestrictions) bool {
	for _, pat := range res.BlockedModels {
		if globMatch(pat, modelID) {
			return false
		}
	}
	if len(res.AllowedModels) == 0 {
		return true
	}
	for _, pat := range res.AllowedModels {
		if globMatch(pat, modelID) {
			return true
		}
	}
	return false
}

func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// AddPricingOverride pins pricing for a model and republishes the snapshot.
func (r *Registry) AddPricingOverride(ov PricingOverride) {
	r.mu.Lock()
	r.overrides[strings.ToLower(ov.Provider)+"/"+ov.Model] = ov
	source := r.snapshot.Source
	r.mu.Unlock()

	// Rebuild so readers see the override immediately.
	var live map[string][]Model
	if source == SourceLive {
		live = liveModelsFromSnapshot(r.Current())
	}
	snap := r.buildSnapshot(live, source)
	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
}

func liveModelsFromSnapshot(s *Snapshot) map[string][]Model {
	out := make(map[string][]Model, len(s.Providers))
	for id, p := range s.Providers {
		out[id] = p.Models
	}
	return out
}

// ForceRefresh triggers an immediate live refresh (admin.clearCache).
func (r *Registry) ForceRefresh(ctx context.Context) error {
	if r.cfg.CatalogURL == "" {
		return apperr.InvalidArgument("no catalog url configured")
	}
	return r.refresh(ctx)
}

// Healthz reports registry health.
func (r *Registry) Healthz() Health {
	snap := r.Current()
	return Health{
		Ready:         true,
		Source:        snap.Source,
		LastRefreshAt: snap.LastRefreshAt,
		ModelCount:    snap.ModelCount(),
	}
}
