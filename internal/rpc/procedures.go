package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"gorm.io/gorm"

	"tokengate/internal/apperr"
	"tokengate/internal/config"
	"tokengate/internal/credentials"
	"tokengate/internal/ledger"
	"tokengate/internal/pipeline"
	"tokengate/internal/registry"
	"tokengate/internal/secrets"
	"tokengate/internal/workspace"
	"tokengate/pkg/models"
)

// Dependencies are the components procedures dispatch into.
type Dependencies struct {
	Cfg        *config.Config
	Registry   *registry.Registry
	Pipeline   *pipeline.Pipeline
	Ledger     *ledger.Ledger
	Secrets    *secrets.Store
	Workspaces *workspace.Manager
	DB         *gorm.DB
	Version    string
	StartedAt  time.Time
}

func (d Dependencies) caller(ident Identity) pipeline.Caller {
	return pipeline.Caller{UserID: ident.UserID, Authenticated: ident.Authenticated}
}

// RegisterAll assembles the full procedure table.
func RegisterAll(r *Registry, deps Dependencies) {
	registerAI(r, deps)
	registerAuth(r, deps)
	registerBilling(r, deps)
	registerSystem(r, deps)
	registerAdmin(r, deps)
	registerMCP(r, deps)
	registerUser(r, deps)
}

// --- ai ---

func registerAI(r *Registry, deps Dependencies) {
	r.Register(Procedure{
		Namespace: "ai", Name: "generateText", RequiresAuth: true, Rate: RateGenerate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var req pipeline.Request
			if err := decode(params, &req); err != nil {
				return nil, err
			}
			if req.UnlockSecret == "" {
				req.UnlockSecret = ident.UnlockSecret
			}
			return deps.Pipeline.GenerateText(ctx, deps.caller(ident), req)
		},
	})

	r.Register(Procedure{
		Namespace: "ai", Name: "listProviders", Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			return deps.Registry.ListProviders(), nil
		},
	})

	r.Register(Procedure{
		Namespace: "ai", Name: "listProvidersBYOK", Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			return deps.Registry.ListBYOKProviders(), nil
		},
	})

	r.Register(Procedure{
		Namespace: "ai", Name: "listAllowedModels", Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				Provider string `json:"provider"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			return deps.Registry.ListAllowedModels(in.Provider)
		},
	})

	r.Register(Procedure{
		Namespace: "ai", Name: "getRegistryHealth", Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			return deps.Registry.Healthz(), nil
		},
	})

	r.Register(Procedure{
		Namespace: "ai", Name: "validateProvider", Rate: RateGenerate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				Provider     string `json:"provider"`
				APIKey       string `json:"apiKey,omitempty"`
				UnlockSecret string `json:"unlockSecret,omitempty"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			if in.UnlockSecret == "" {
				in.UnlockSecret = ident.UnlockSecret
			}
			if err := deps.Pipeline.ValidateProvider(ctx, deps.caller(ident), in.Provider, in.APIKey, in.UnlockSecret); err != nil {
				return nil, err
			}
			return map[string]bool{"valid": true}, nil
		},
	})
}

// --- auth (BYOK key management) ---

func registerAuth(r *Registry, deps Dependencies) {
	type keyParams struct {
		Provider     string `json:"provider"`
		APIKey       string `json:"apiKey,omitempty"`
		UnlockSecret string `json:"unlockSecret,omitempty"`
	}
	unlock := func(ident Identity, in keyParams) string {
		if in.UnlockSecret != "" {
			return in.UnlockSecret
		}
		return ident.UnlockSecret
	}

	r.Register(Procedure{
		Namespace: "auth", Name: "storeUserKey", RequiresAuth: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in keyParams
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			if in.Provider == "" {
				return nil, apperr.InvalidArgument("provider is required")
			}
			if err := deps.Secrets.Save(ident.UserID, in.Provider, in.APIKey, unlock(ident, in)); err != nil {
				return nil, err
			}
			return deps.Secrets.GetStatus(ident.UserID, in.Provider)
		},
	})

	r.Register(Procedure{
		Namespace: "auth", Name: "getUserKey", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in keyParams
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			return deps.Secrets.GetStatus(ident.UserID, in.Provider)
		},
	})

	r.Register(Procedure{
		Namespace: "auth", Name: "rotateUserKey", RequiresAuth: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in keyParams
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			if err := deps.Secrets.Rotate(ident.UserID, in.Provider, in.APIKey, unlock(ident, in)); err != nil {
				return nil, err
			}
			return deps.Secrets.GetStatus(ident.UserID, in.Provider)
		},
	})

	r.Register(Procedure{
		Namespace: "auth", Name: "deleteUserKey", RequiresAuth: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in keyParams
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			if err := deps.Secrets.Delete(ident.UserID, in.Provider); err != nil {
				return nil, err
			}
			return map[string]bool{"deleted": true}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "auth", Name: "validateUserKey", RequiresAuth: true, Rate: RateGenerate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in keyParams
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			key, err := deps.Secrets.Unlock(ident.UserID, in.Provider, unlock(ident, in))
			if err != nil {
				return nil, err
			}
			cred := credentials.New(key, credentials.SourceBYOK)
			defer cred.Zero()
			err = deps.Pipeline.ValidateProvider(ctx, deps.caller(ident), in.Provider, cred.Key(), "")
			if err != nil {
				return nil, err
			}
			return map[string]bool{"valid": true}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "auth", Name: "getUserProviders", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			return deps.Secrets.ListProviders(ident.UserID)
		},
	})
}

// --- billing ---

func registerBilling(r *Registry, deps Dependencies) {
	r.Register(Procedure{
		Namespace: "billing", Name: "getTokenBalance", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			return deps.Ledger.GetBalance(ctx, ident.UserID)
		},
	})

	r.Register(Procedure{
		Namespace: "billing", Name: "getUsageHistory", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				Limit  int    `json:"limit,omitempty"`
				Cursor string `json:"cursor,omitempty"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			events, next, err := deps.Ledger.History(ctx, ident.UserID, in.Limit, in.Cursor)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"events": events, "next_cursor": next}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "billing", Name: "getUsageAnalytics", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				Days           int  `json:"days,omitempty"`
				IncludeHistory bool `json:"includeHistory,omitempty"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			return deps.Ledger.GetAnalytics(ctx, ident.UserID, in.Days, in.IncludeHistory)
		},
	})

	r.Register(Procedure{
		Namespace: "billing", Name: "planConsumption", Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in pipeline.PlanRequest
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			return deps.Pipeline.Plan(ctx, deps.caller(ident), in)
		},
	})
}

// --- system (workspace file access) ---

func registerSystem(r *Registry, deps Dependencies) {
	r.Register(Procedure{
		Namespace: "system", Name: "listFiles", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				WorkspaceID        string `json:"workspaceId"`
				Path               string `json:"path,omitempty"`
				Recursive          bool   `json:"recursive,omitempty"`
				IncludeDirectories bool   `json:"includeDirectories,omitempty"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			return deps.Workspaces.ListFiles(in.WorkspaceID, in.Path, in.Recursive, in.IncludeDirectories)
		},
	})

	r.Register(Procedure{
		Namespace: "system", Name: "readFile", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				WorkspaceID string             `json:"workspaceId"`
				Path        string             `json:"path"`
				Encoding    workspace.Encoding `json:"encoding,omitempty"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			return deps.Workspaces.ReadFile(in.WorkspaceID, in.Path, in.Encoding)
		},
	})

	r.Register(Procedure{
		Namespace: "system", Name: "writeFile", RequiresAuth: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				WorkspaceID string             `json:"workspaceId"`
				Path        string             `json:"path"`
				Content     string             `json:"content"`
				Encoding    workspace.Encoding `json:"encoding,omitempty"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			if err := deps.Workspaces.WriteFile(in.WorkspaceID, in.Path, in.Content, in.Encoding); err != nil {
				return nil, err
			}
			return map[string]bool{"written": true}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "system", Name: "pathExists", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				WorkspaceID string `json:"workspaceId"`
				Path        string `json:"path"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			exists, err := deps.Workspaces.PathExists(in.WorkspaceID, in.Path)
			if err != nil {
				return nil, err
			}
			return map[string]bool{"exists": exists}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "system", Name: "listWorkspaces", Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			return deps.Workspaces.ListWorkspaces()
		},
	})

	r.Register(Procedure{
		Namespace: "system", Name: "registerWorkspace", RequiresAuth: true, AdminOnly: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var spec config.WorkspaceSpec
			if err := decode(params, &spec); err != nil {
				return nil, err
			}
			return deps.Workspaces.Register(spec)
		},
	})

	r.Register(Procedure{
		Namespace: "system", Name: "unregisterWorkspace", RequiresAuth: true, AdminOnly: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				WorkspaceID string `json:"workspaceId"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			if err := deps.Workspaces.Unregister(in.WorkspaceID); err != nil {
				return nil, err
			}
			return map[string]bool{"removed": true}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "system", Name: "registerClientWorkspace", RequiresAuth: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				WorkspaceID string `json:"workspaceId"`
				DisplayName string `json:"displayName,omitempty"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			return deps.Workspaces.RegisterClient(in.WorkspaceID, in.DisplayName)
		},
	})

	r.Register(Procedure{
		Namespace: "system", Name: "listClientWorkspaces", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			return deps.Workspaces.ListClientWorkspaces()
		},
	})

	r.Register(Procedure{
		Namespace: "system", Name: "removeClientWorkspace", RequiresAuth: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				WorkspaceID string `json:"workspaceId"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			if err := deps.Workspaces.RemoveClient(in.WorkspaceID); err != nil {
				return nil, err
			}
			return map[string]bool{"removed": true}, nil
		},
	})
}

// --- admin ---

func registerAdmin(r *Registry, deps Dependencies) {
	r.Register(Procedure{
		Namespace: "admin", Name: "status", RequiresAuth: true, AdminOnly: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			return map[string]interface{}{
				"version":    deps.Version,
				"uptime":     time.Since(deps.StartedAt).Round(time.Second).String(),
				"goroutines": runtime.NumGoroutine(),
				"registry":   deps.Registry.Healthz(),
			}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "admin", Name: "statistics", RequiresAuth: true, AdminOnly: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			stats := map[string]int64{}
			counts := []struct {
				name  string
				model interface{}
				where []interface{}
			}{
				{"users", &models.User{}, nil},
				{"stored_keys", &models.UserAPIKey{}, nil},
				{"reservations_held", &models.Reservation{}, []interface{}{"status = ?", models.ReservationHeld}},
				{"usage_events", &models.UsageEvent{}, nil},
				{"lost_usage_events", &models.UsageEvent{}, []interface{}{"kind = ?", models.UsageLostUsage}},
				{"workspaces", &models.WorkspaceRecord{}, nil},
			}
			for _, c := range counts {
				var n int64
				q := deps.DB.WithContext(ctx).Model(c.model)
				if len(c.where) > 0 {
					q = q.Where(c.where[0], c.where[1:]...)
				}
				if err := q.Count(&n).Error; err != nil {
					return nil, apperr.Internal("count %s", c.name).WithCause(err)
				}
				stats[c.name] = n
			}
			return stats, nil
		},
	})

	r.Register(Procedure{
		Namespace: "admin", Name: "healthCheck", RequiresAuth: true, AdminOnly: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			dbOK := true
			if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
				dbOK = false
			}
			return map[string]interface{}{
				"database": dbOK,
				"registry": deps.Registry.Healthz(),
			}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "admin", Name: "getConfig", RequiresAuth: true, AdminOnly: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			// Key material is redacted; ProviderSpec already excludes APIKey
			// from JSON, only the source tag is visible.
			return map[string]interface{}{
				"port":                  deps.Cfg.Port,
				"providers":             deps.Cfg.Providers,
				"byokProviders":         deps.Cfg.BYOKProviders,
				"reservationTTLSeconds": int(deps.Cfg.ReservationTTL.Seconds()),
				"defaultMaxTokens":      deps.Cfg.DefaultMaxTokens,
				"maxMaxTokens":          deps.Cfg.MaxMaxTokens,
				"requestDeadline":       deps.Cfg.RequestDeadline.String(),
				"catalogUrl":            deps.Cfg.CatalogURL,
			}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "admin", Name: "clearCache", RequiresAuth: true, AdminOnly: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			if err := deps.Registry.ForceRefresh(ctx); err != nil {
				return nil, err
			}
			return deps.Registry.Healthz(), nil
		},
	})

	r.Register(Procedure{
		Namespace: "admin", Name: "getUserInfo", RequiresAuth: true, AdminOnly: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				UserID uint   `json:"userId,omitempty"`
				Email  string `json:"email,omitempty"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			var user models.User
			q := deps.DB.WithContext(ctx)
			switch {
			case in.UserID != 0:
				q = q.Where("id = ?", in.UserID)
			case in.Email != "":
				q = q.Where("email = ?", in.Email)
			default:
				return nil, apperr.InvalidArgument("userId or email is required")
			}
			if err := q.First(&user).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, apperr.NotFound("user not found")
				}
				return nil, apperr.Internal("lookup user").WithCause(err)
			}
			balance, err := deps.Ledger.GetBalance(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"user": user, "balance": balance}, nil
		},
	})
}

// --- mcp ---

func registerMCP(r *Registry, deps Dependencies) {
	r.Register(Procedure{
		Namespace: "mcp", Name: "getResources", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			resources, err := deps.Workspaces.GetResources()
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"resources": resources}, nil
		},
	})

	r.Register(Procedure{
		Namespace: "mcp", Name: "readResource", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				URI string `json:"uri"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}
			return deps.Workspaces.ReadResource(in.URI)
		},
	})
}

// --- user ---

func registerUser(r *Registry, deps Dependencies) {
	r.Register(Procedure{
		Namespace: "user", Name: "getPreferences", RequiresAuth: true, Rate: RateDefault,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var user models.User
			if err := deps.DB.WithContext(ctx).First(&user, ident.UserID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, apperr.NotFound("user not found")
				}
				return nil, apperr.Internal("lookup user").WithCause(err)
			}
			return preferencesOf(user), nil
		},
	})

	r.Register(Procedure{
		Namespace: "user", Name: "updatePreferences", RequiresAuth: true, Rate: RateMutate,
		Handler: func(ctx context.Context, ident Identity, params json.RawMessage) (interface{}, error) {
			var in struct {
				ConsumptionOrder  *string `json:"consumptionOrder,omitempty"`
				BYOKEnabled       *bool   `json:"byokEnabled,omitempty"`
				NotifyThresholdPc *int    `json:"notifyThresholdPc,omitempty"`
				PreferredProvider *string `json:"preferredProvider,omitempty"`
			}
			if err := decode(params, &in); err != nil {
				return nil, err
			}

			updates := map[string]interface{}{}
			if in.ConsumptionOrder != nil {
				if *in.ConsumptionOrder != "subscription,prepaid" && *in.ConsumptionOrder != "prepaid,subscription" {
					return nil, apperr.InvalidArgument("consumptionOrder must order the subscription and prepaid buckets")
				}
				updates["consumption_order"] = *in.ConsumptionOrder
			}
			if in.BYOKEnabled != nil {
				updates["byok_enabled"] = *in.BYOKEnabled
			}
			if in.NotifyThresholdPc != nil {
				if *in.NotifyThresholdPc < 0 || *in.NotifyThresholdPc > 100 {
					return nil, apperr.InvalidArgument("notifyThresholdPc must be within 0..100")
				}
				updates["notify_threshold_pc"] = *in.NotifyThresholdPc
			}
			if in.PreferredProvider != nil {
				updates["preferred_provider"] = *in.PreferredProvider
			}

			var user models.User
			if err := deps.DB.WithContext(ctx).First(&user, ident.UserID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, apperr.NotFound("user not found")
				}
				return nil, apperr.Internal("lookup user").WithCause(err)
			}
			if len(updates) > 0 {
				if err := deps.DB.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
					return nil, apperr.Internal("update preferences").WithCause(err)
				}
			}
			return preferencesOf(user), nil
		},
	})
}

func preferencesOf(u models.User) map[string]interface{} {
	return map[string]interface{}{
		"consumption_order":   u.ConsumptionOrder,
		"byok_enabled":        u.BYOKEnabled,
		"notify_threshold_pc": u.NotifyThresholdPc,
		"preferred_provider":  u.PreferredProvider,
	}
}
