// Package config loads and normalizes gateway configuration.
//
// Provider entries in the config file may be either a bare provider name or a
// full object; both normalize to ProviderSpec at load time so the rest of the
// system never sees the dynamic shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Known provider identifiers with built-in adapters.
const (
	ProviderAnthropic   = "anthropic"
	ProviderOpenAI      = "openai"
	ProviderGoogle      = "google"
	ProviderOpenRouter  = "openrouter"
	ProviderHuggingFace = "huggingface"
)

// envKeyVars maps a provider to the environment variables probed for a
// server-held key, in order.
var envKeyVars = map[string][]string{
	ProviderAnthropic:   {"ANTHROPIC_API_KEY"},
	ProviderOpenAI:      {"OPENAI_API_KEY", "OPENAI_KEY"},
	ProviderGoogle:      {"GOOGLE_AI_API_KEY", "GEMINI_API_KEY"},
	ProviderOpenRouter:  {"OPENROUTER_API_KEY"},
	ProviderHuggingFace: {"HF_API_KEY", "HUGGINGFACE_API_KEY"},
}

// KeySource says where a provider's server key came from.
type KeySource string

const (
	SourceEnv    KeySource = "env"
	SourceInline KeySource = "inline"
	SourceNone   KeySource = "none"
)

// ModelRestrictions carries per-provider model allow/deny globs.
type ModelRestrictions struct {
	AllowedModels []string `json:"allowedModels,omitempty"`
	BlockedModels []string `json:"blockedModels,omitempty"`
}

// ProviderSpec is the normalized form of a configured provider.
type ProviderSpec struct {
	Name          string            `json:"name"`
	Type          string            `json:"type"` // adapter alias; defaults to Name for known providers
	Source        KeySource         `json:"source"`
	APIKey        string            `json:"-"`
	BaseURL       string            `json:"baseUrl,omitempty"`
	DefaultModel  string            `json:"defaultModel,omitempty"`
	SystemPrompts []string          `json:"systemPrompts,omitempty"`
	Restrictions  ModelRestrictions `json:"modelRestrictions"`
}

// HasServerKey reports whether the server holds a usable key.
func (p ProviderSpec) HasServerKey() bool { return p.APIKey != "" }

// WorkspaceSpec registers a server workspace at startup.
type WorkspaceSpec struct {
	ID             string   `json:"id"`
	Root           string   `json:"root"`
	DisplayName    string   `json:"displayName,omitempty"`
	ReadOnly       bool     `json:"readOnly,omitempty"`
	AllowGlobs     []string `json:"allowGlobs,omitempty"`
	BlockGlobs     []string `json:"blockGlobs,omitempty"`
	AllowExts      []string `json:"allowExts,omitempty"`
	BlockExts      []string `json:"blockExts,omitempty"`
	MaxFileSize    int64    `json:"maxFileSize,omitempty"`
	FollowSymlinks bool     `json:"followSymlinks,omitempty"`
}

// Config is the effective gateway configuration after normalization.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	// ProvidersSet distinguishes "providers absent" (auto-detect, BYOK-any)
	// from "providers: []" (block all).
	ProvidersSet  bool
	Providers     []ProviderSpec
	BYOKProviders []string

	ReservationTTL        time.Duration
	DefaultMaxTokens      int
	MaxMaxTokens          int
	SystemPromptMaxLength int
	ContentMaxLength      int
	RequestDeadline       time.Duration

	CatalogURL         string // live registry source; empty disables live refresh
	CatalogRefresh     time.Duration
	CatalogBackoffCap  time.Duration
	ListTraversalLimit int // max entries returned by recursive listFiles

	Workspaces []WorkspaceSpec
}

// fileConfig is the on-disk shape before normalization.
type fileConfig struct {
	Port                  string            `json:"port"`
	Providers             []json.RawMessage `json:"providers"`
	BYOKProviders         []string          `json:"byokProviders"`
	ReservationTTLSeconds int               `json:"reservationTTLSeconds"`
	DefaultMaxTokens      int               `json:"defaultMaxTokens"`
	MaxMaxTokens          int               `json:"maxMaxTokens"`
	SystemPromptMaxLength int               `json:"systemPromptMaxLength"`
	ContentMaxLength      int               `json:"contentMaxLength"`
	RequestDeadlineSecs   int               `json:"requestDeadlineSeconds"`
	CatalogURL            string            `json:"catalogUrl"`
	Workspaces            []WorkspaceSpec   `json:"workspaces"`
}

type providerObject struct {
	Name          string            `json:"name"`
	APIKey        string            `json:"apiKey,omitempty"`
	DefaultModel  string            `json:"defaultModel,omitempty"`
	SystemPrompts []string          `json:"systemPrompts,omitempty"`
	Restrictions  ModelRestrictions `json:"modelRestrictions"`
	Type          string            `json:"type,omitempty"`
	BaseURL       string            `json:"baseUrl,omitempty"`
}

// Load builds the effective configuration from the optional config file at
// path (empty means env-only) plus the process environment.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Port:                  getenvDefault("PORT", "8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		ReservationTTL:        5 * time.Minute,
		DefaultMaxTokens:      1024,
		MaxMaxTokens:          8192,
		SystemPromptMaxLength: 25000,
		ContentMaxLength:      200000,
		RequestDeadline:       4 * time.Minute,
		CatalogURL:            os.Getenv("CATALOG_URL"),
		CatalogRefresh:        15 * time.Minute,
		CatalogBackoffCap:     10 * time.Minute,
		ListTraversalLimit:    10000,
	}

	var fc fileConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		applyFile(cfg, &fc)
	}

	if fc.Providers != nil {
		cfg.ProvidersSet = true
		specs, err := normalizeProviders(fc.Providers)
		if err != nil {
			return nil, err
		}
		cfg.Providers = specs
	} else {
		// Auto-detect: every provider with a server key in the environment.
		cfg.Providers = detectFromEnv()
	}
	cfg.BYOKProviders = fc.BYOKProviders

	// The sweeper must reclaim orphans soon after callers give up.
	if cfg.ReservationTTL <= cfg.RequestDeadline {
		cfg.ReservationTTL = cfg.RequestDeadline + time.Minute
	}

	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.ReservationTTLSeconds > 0 {
		cfg.ReservationTTL = time.Duration(fc.ReservationTTLSeconds) * time.Second
	}
	if fc.DefaultMaxTokens > 0 {
		cfg.DefaultMaxTokens = fc.DefaultMaxTokens
	}
	if fc.MaxMaxTokens > 0 {
		cfg.MaxMaxTokens = fc.MaxMaxTokens
	}
	if fc.SystemPromptMaxLength > 0 {
		cfg.SystemPromptMaxLength = fc.SystemPromptMaxLength
	}
	if fc.ContentMaxLength > 0 {
		cfg.ContentMaxLength = fc.ContentMaxLength
	}
	if fc.RequestDeadlineSecs > 0 {
		cfg.RequestDeadline = time.Duration(fc.RequestDeadlineSecs) * time.Second
	}
	if fc.CatalogURL != "" {
		cfg.CatalogURL = fc.CatalogURL
	}
	cfg.Workspaces = fc.Workspaces
}

// normalizeProviders turns the string|object entries into ProviderSpec.
func normalizeProviders(entries []json.RawMessage) ([]ProviderSpec, error) {
	specs := make([]ProviderSpec, 0, len(entries))
	seen := make(map[string]bool)
	for _, raw := range entries {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			spec := specFromEnv(name)
			if seen[spec.Name] {
				return nil, fmt.Errorf("duplicate provider %q", spec.Name)
			}
			seen[spec.Name] = true
			specs = append(specs, spec)
			continue
		}

		var obj providerObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("invalid provider entry: %w", err)
		}
		if obj.Name == "" {
			return nil, fmt.Errorf("provider entry missing name")
		}
		spec := ProviderSpec{
			Name:          strings.ToLower(obj.Name),
			Type:          obj.Type,
			BaseURL:       obj.BaseURL,
			DefaultModel:  obj.DefaultModel,
			SystemPrompts: obj.SystemPrompts,
			Restrictions:  obj.Restrictions,
		}
		if spec.Type == "" {
			spec.Type = adapterTypeFor(spec.Name)
		}
		if obj.APIKey != "" {
			spec.APIKey = obj.APIKey
			spec.Source = SourceInline
		} else {
			spec.APIKey = envKeyFor(spec.Name)
			if spec.APIKey != "" {
				spec.Source = SourceEnv
			} else {
				spec.Source = SourceNone
			}
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate provider %q", spec.Name)
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

func specFromEnv(name string) ProviderSpec {
	name = strings.ToLower(strings.TrimSpace(name))
	spec := ProviderSpec{
		Name:   name,
		Type:   adapterTypeFor(name),
		APIKey: envKeyFor(name),
	}
	if spec.APIKey != "" {
		spec.Source = SourceEnv
	} else {
		spec.Source = SourceNone
	}
	return spec
}

func detectFromEnv() []ProviderSpec {
	var specs []ProviderSpec
	for _, name := range []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOpenRouter, ProviderHuggingFace} {
		if key := envKeyFor(name); key != "" {
			specs = append(specs, ProviderSpec{
				Name:   name,
				Type:   adapterTypeFor(name),
				APIKey: key,
				Source: SourceEnv,
			})
		}
	}
	return specs
}

func envKeyFor(provider string) string {
	for _, v := range envKeyVars[provider] {
		if key := strings.TrimSpace(os.Getenv(v)); key != "" {
			return key
		}
	}
	return ""
}

// adapterTypeFor maps a provider name to its adapter alias. Unknown names
// (user-declared OpenAI-compatible endpoints) default to the openai wire.
func adapterTypeFor(name string) string {
	switch name {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOpenRouter, ProviderHuggingFace:
		return name
	default:
		return ProviderOpenAI
	}
}

// ProviderByName returns the spec for a configured provider, if present.
func (c *Config) ProviderByName(name string) (ProviderSpec, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderSpec{}, false
}

// IsBYOKProvider reports whether a provider is BYOK-eligible even when absent
// from the server allow-list.
func (c *Config) IsBYOKProvider(name string) bool {
	for _, p := range c.BYOKProviders {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
