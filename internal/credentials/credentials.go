// Package credentials chooses the effective API key for a request.
//
// Admission (policy) runs before resolution: a request rejected by policy is
// never unlocked. The resolved credential lives only for the request scope
// and is zeroed by the pipeline once the provider call returns.
package credentials

import (
	"tokengate/internal/apperr"
	"tokengate/internal/config"
	"tokengate/internal/secrets"
)

// Source tags where the effective key came from.
type Source string

const (
	SourceInline Source = "inline"
	SourceBYOK   Source = "byok"
	SourceServer Source = "server"
	SourceNone   Source = "none"
)

// Credential wraps an unlocked key. It is passed by value through the
// pipeline and must be zeroed after use; String is deliberately absent so it
// cannot end up in a log format verb by accident.
type Credential struct {
	key    []byte
	Source Source
}

// Key returns the raw key. Callers must not retain the returned string
// beyond the provider call.
func (c *Credential) Key() string { return string(c.key) }

// Zero overwrites the key material.
func (c *Credential) Zero() {
	for i := range c.key {
		c.key[i] = 0
	}
	c.key = nil
}

// Empty reports whether no usable key was resolved.
func (c *Credential) Empty() bool { return len(c.key) == 0 }

func newCredential(key string, source Source) Credential {
	return Credential{key: []byte(key), Source: source}
}

// New wraps an already-unlocked key so callers outside the resolver follow
// the same zeroing discipline.
func New(key string, source Source) Credential {
	return newCredential(key, source)
}

// Request carries everything resolution may need.
type Request struct {
	UserID       uint   // zero for anonymous callers
	Provider     string
	InlineAPIKey string // request-supplied key; never persisted
	UnlockSecret string // for BYOK decryption
}

// Resolver picks the effective credential per request.
type Resolver struct {
	cfg   *config.Config
	store *secrets.Store
}

func NewResolver(cfg *config.Config, store *secrets.Store) *Resolver {
	return &Resolver{cfg: cfg, store: store}
}

// StoredKeyStatus reports whether the user has a stored key for the provider
// without unlocking it.
func (r *Resolver) StoredKeyStatus(userID uint, provider string) (secrets.Status, error) {
	return r.store.GetStatus(userID, provider)
}

// Resolve applies the precedence inline > BYOK > server > none.
func (r *Resolver) Resolve(req Request) (Credential, error) {
	if req.InlineAPIKey != "" {
		return newCredential(req.InlineAPIKey, SourceInline), nil
	}

	if req.UserID != 0 {
		status, err := r.store.GetStatus(req.UserID, req.Provider)
		if err != nil {
			return Credential{}, err
		}
		if status.Present {
			key, err := r.store.Unlock(req.UserID, req.Provider, req.UnlockSecret)
			if err != nil {
				return Credential{}, err
			}
			return newCredential(key, SourceBYOK), nil
		}
	}

	if spec, ok := r.cfg.ProviderByName(req.Provider); ok && spec.HasServerKey() {
		return newCredential(spec.APIKey, SourceServer), nil
	}

	return Credential{Source: SourceNone}, apperr.NoCredential(
		"no credential available for provider %q", req.Provider)
}
