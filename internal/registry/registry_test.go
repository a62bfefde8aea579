package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate/internal/config"
)

func loadConfig(t *testing.T, cfgJSON string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(cfgJSON), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestFallbackSnapshot(t *testing.T) {
	cfg := loadConfig(t, `{"providers":["anthropic","openai"]}`)
	r := New(cfg)

	snap := r.Current()
	assert.Equal(t, SourceFallback, snap.Source)
	require.Contains(t, snap.Providers, "anthropic")
	require.Contains(t, snap.Providers, "openai")
	assert.Greater(t, snap.ModelCount(), 0)

	p := snap.Providers["anthropic"]
	assert.True(t, p.Available)
	assert.NotEmpty(t, p.DefaultModel)
	for _, m := range p.Models {
		assert.Greater(t, m.InputPerMTok, 0.0, "fallback pricing must be present for %s", m.ID)
	}
}

func TestBYOKOnlyProvidersAppear(t *testing.T) {
	cfg := loadConfig(t, `{"providers":["anthropic"],"byokProviders":["openai"]}`)
	r := New(cfg)

	byok := r.ListBYOKProviders()
	ids := map[string]bool{}
	for _, p := range byok {
		ids[p.ID] = true
	}
	assert.True(t, ids["openai"])

	p := r.Current().Providers["openai"]
	assert.False(t, p.HasServerKey)
	assert.True(t, p.BYOKEligible)
}

func TestResolveModel(t *testing.T) {
	cfg := loadConfig(t, `{"providers":["anthropic"]}`)
	r := New(cfg)

	t.Run("empty resolves to default", func(t *testing.T) {
		m, err := r.ResolveModel("anthropic", "")
		require.NoError(t, err)
		assert.Equal(t, fallbackDefaultModels["anthropic"], m.ID)
	})

	t.Run("uncataloged model resolves with zero pricing", func(t *testing.T) {
		m, err := r.ResolveModel("anthropic", "claude-experimental-next")
		require.NoError(t, err)
		assert.Equal(t, "claude-experimental-next", m.ID)
		assert.Zero(t, m.InputPerMTok)
	})

	t.Run("unknown provider fails", func(t *testing.T) {
		_, err := r.ResolveModel("nope", "")
		assert.Error(t, err)
	})
}

func TestListAllowedModelsAppliesRestrictions(t *testing.T) {
	cfg := loadConfig(t, `{"providers":[{"name":"anthropic","modelRestrictions":{"blockedModels":["*opus*"]}}]}`)
	r := New(cfg)

	models, err := r.ListAllowedModels("anthropic")
	require.NoError(t, err)
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.NotContains(t, m.ID, "opus")
	}
}

func TestPricingOverride(t *testing.T) {
	cfg := loadConfig(t, `{"providers":["anthropic"]}`)
	r := New(cfg)

	base, err := r.ResolveModel("anthropic", "")
	require.NoError(t, err)

	r.AddPricingOverride(PricingOverride{
		Provider:      "anthropic",
		Model:         base.ID,
		InputPerMTok:  111,
		OutputPerMTok: 222,
	})

	m, err := r.ResolveModel("anthropic", base.ID)
	require.NoError(t, err)
	assert.Equal(t, 111.0, m.InputPerMTok)
	assert.Equal(t, 222.0, m.OutputPerMTok)
}

func TestLiveRefresh(t *testing.T) {
	body := `{"providers":[{"id":"anthropic","models":[{"id":"claude-live-1","input_per_mtok":1,"output_per_mtok":2}]}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	cfg := loadConfig(t, `{"providers":["anthropic"]}`)
	cfg.CatalogURL = srv.URL
	r := New(cfg)

	require.NoError(t, r.refresh(context.Background()))
	snap := r.Current()
	assert.Equal(t, SourceLive, snap.Source)
	require.Len(t, snap.Providers["anthropic"].Models, 1)
	assert.Equal(t, "claude-live-1", snap.Providers["anthropic"].Models[0].ID)

	// Overrides apply strictly above live data.
	r.AddPricingOverride(PricingOverride{Provider: "anthropic", Model: "claude-live-1", InputPerMTok: 9, OutputPerMTok: 9})
	m, err := r.ResolveModel("anthropic", "claude-live-1")
	require.NoError(t, err)
	assert.Equal(t, 9.0, m.InputPerMTok)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := loadConfig(t, `{"providers":["anthropic"]}`)
	cfg.CatalogURL = srv.URL
	r := New(cfg)

	before := r.Current()
	assert.Error(t, r.refresh(context.Background()))
	assert.Same(t, before, r.Current(), "failed refresh must not replace the snapshot")
}

func TestHealthz(t *testing.T) {
	cfg := loadConfig(t, `{"providers":["anthropic"]}`)
	r := New(cfg)
	h := r.Healthz()
	assert.True(t, h.Ready)
	assert.Equal(t, SourceFallback, h.Source)
	assert.Greater(t, h.ModelCount, 0)
}
