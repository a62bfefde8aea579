// Package policy gates (provider, model, caller) admission. It is a pure
// function of server configuration plus a registry snapshot; credential
// availability is deliberately someone else's problem (the resolver runs
// after admission, never before).
package policy

import (
	"path"
	"strings"

	"tokengate/internal/apperr"
	"tokengate/internal/config"
	"tokengate/internal/registry"
)

// CallerKind distinguishes anonymous from authenticated callers.
type CallerKind string

const (
	CallerAnonymous     CallerKind = "anonymous"
	CallerAuthenticated CallerKind = "authenticated"
)

// Request is one admission question.
type Request struct {
	Provider   string
	Model      string // optional; empty resolves to the provider default
	Caller     CallerKind
	HasBYOKKey bool // caller has a stored key for this provider
}

// Decision is the admission answer: the effective model to use.
type Decision struct {
	Provider       string
	EffectiveModel string
}

// Checker evaluates admission requests.
type Checker struct {
	cfg *config.Config
	reg *registry.Registry
}

func New(cfg *config.Config, reg *registry.Registry) *Checker {
	return &Checker{cfg: cfg, reg: reg}
}

// Check applies the decision rules in order:
//  1. provider must be in the allow set, or be BYOK-eligible for an
//     authenticated caller with stored key material. With no configured
//     provider list the server runs in BYOK-any mode: env-detected
//     providers plus any provider the caller holds a key for
//  2. an explicit model must not match any deny pattern
//  3. with a non-empty allow list, an explicit model must match one
//  4. otherwise the effective model is the explicit one or the default
func (c *Checker) Check(req Request) (Decision, error) {
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if name == "" {
		return Decision{}, apperr.InvalidArgument("provider is required")
	}

	spec, inAllowList := c.cfg.ProviderByName(name)
	if !inAllowList {
		byokEligible := c.cfg.IsBYOKProvider(name) || !c.cfg.ProvidersSet
		byokOK := byokEligible && req.Caller == CallerAuthenticated && req.HasBYOKKey
		if !byokOK {
			return Decision{}, apperr.Forbidden("provider %q is not allowed", name).
				WithDetail("reason", "ProviderNotAllowed")
		}
	}

	if req.Model != "" {
		for _, pat := range spec.Restrictions.BlockedModels {
			if globMatch(pat, req.Model) {
				return Decision{}, apperr.Forbidden("model %q is not allowed for provider %q", req.Model, name).
					WithDetail("reason", "ModelNotAllowed")
			}
		}
		if len(spec.Restrictions.AllowedModels) > 0 {
			matched := false
			for _, pat := range spec.Restrictions.AllowedModels {
				if globMatch(pat, req.Model) {
					matched = true
					break
				}
			}
			if !matched {
				return Decision{}, apperr.Forbidden("model %q is not allowed for provider %q", req.Model, name).
					WithDetail("reason", "ModelNotAllowed")
			}
		}
		return Decision{Provider: name, EffectiveModel: req.Model}, nil
	}

	model := spec.DefaultModel
	if model == "" {
		resolved, err := c.reg.ResolveModel(name, "")
		if err == nil {
			model = resolved.ID
		}
	}
	return Decision{Provider: name, EffectiveModel: model}, nil
}

func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
