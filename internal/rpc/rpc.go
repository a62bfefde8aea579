// Package rpc defines the gateway's wire-neutral procedure registry and the
// three shells speaking it: JSON-RPC 2.0 at /rpc, tRPC-style at /trpc/<name>
// and MCP at /mcp.
//
// A procedure is registered once with its namespace, auth requirement and
// rate class; every shell dispatches through the same table, so semantics
// cannot drift between protocols.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tokengate/internal/apperr"
	"tokengate/internal/logging"
	"tokengate/internal/metrics"
)

// Identity is the resolved caller for one request.
type Identity struct {
	UserID        uint
	Authenticated bool
	Admin         bool
	RemoteAddr    string
	// UnlockSecret is carried out-of-band (X-Unlock-Secret header) and used
	// by procedures that decrypt stored keys. Never logged.
	UnlockSecret string
}

// RateClass buckets procedures by cost for rate limiting.
type RateClass string

const (
	// RateDefault covers cheap reads and metadata calls.
	RateDefault RateClass = "default"
	// RateGenerate covers provider-backed calls.
	RateGenerate RateClass = "generate"
	// RateMutate covers key and workspace writes.
	RateMutate RateClass = "mutate"
)

// Handler is one procedure implementation. params is the raw JSON input
// (may be nil for parameterless procedures).
type Handler func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error)

// Procedure is one registry entry.
type Procedure struct {
	Namespace    string
	Name         string
	RequiresAuth bool
	AdminOnly    bool
	Rate         RateClass
	Handler      Handler
}

// FullName is the dotted wire name.
func (p Procedure) FullName() string { return p.Namespace + "." + p.Name }

// Registry is the procedure table shared by all shells.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Procedure
	ordered []*Procedure

	limiter *limiterPool
	log     *zap.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Procedure),
		limiter: newLimiterPool(),
		log:     logging.L().Named("rpc"),
	}
}

// Register adds a procedure. Duplicate names panic: the table is assembled
// once at startup and a collision is a programming error.
func (r *Registry) Register(p Procedure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.FullName()
	if _, dup := r.byName[name]; dup {
		panic(fmt.Sprintf("rpc: duplicate procedure %s", name))
	}
	cp := p
	r.byName[name] = &cp
	r.ordered = append(r.ordered, &cp)
}

// Lookup finds a procedure by dotted name.
func (r *Registry) Lookup(name string) (*Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[strings.TrimSpace(name)]
	return p, ok
}

// Procedures returns the table in registration order.
func (r *Registry) Procedures() []*Procedure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Procedure, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Dispatch runs one procedure through the shared gate: auth check, rate
// limit, handler, metrics. protocol labels the shell for observability.
func (r *Registry) Dispatch(ctx context.Context, protocol, name string, ident Identity, params json.RawMessage) (interface{}, error) {
	proc, ok := r.Lookup(name)
	if !ok {
		return nil, apperr.NotFound("unknown procedure %q", name)
	}

	start := time.Now()
	result, err := r.invoke(ctx, proc, ident, params)

	outcome := "ok"
	if err != nil {
		ae := apperr.From(err)
		outcome = string(ae.Kind)
		metrics.Get().ProcedureErrors.WithLabelValues(proc.Namespace, proc.Name, string(ae.Kind)).Inc()
		if ae.Kind == apperr.KindInternal {
			r.log.Error("procedure failed",
				zap.String("procedure", name),
				zap.String("protocol", protocol),
				zap.Uint("user_id", ident.UserID),
				zap.Error(err))
		}
		err = ae
	}
	metrics.Get().ObserveProcedure(proc.Namespace, proc.Name, protocol, outcome, time.Since(start))
	return result, err
}

func (r *Registry) invoke(ctx context.Context, proc *Procedure, ident Identity, params json.RawMessage) (interface{}, error) {
	if proc.RequiresAuth && !ident.Authenticated {
		return nil, apperr.Unauthenticated("%s requires authentication", proc.FullName())
	}
	if proc.AdminOnly && !ident.Admin {
		return nil, apperr.Forbidden("%s requires admin privileges", proc.FullName())
	}
	if !r.limiter.allow(ident, proc.Rate) {
		metrics.Get().RateLimitRejections.WithLabelValues(string(proc.Rate)).Inc()
		return nil, apperr.RateLimited("too many requests")
	}
	return proc.Handler(ctx, ident, params)
}

// decode unmarshals params into out, tolerating absent params.
func decode(params json.RawMessage, out interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return apperr.InvalidArgument("malformed params: %v", err)
	}
	return nil
}
