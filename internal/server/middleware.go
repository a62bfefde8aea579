package server

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tokengate/internal/auth"
	"tokengate/internal/logging"
	"tokengate/internal/rpc"
	"tokengate/pkg/models"
)

const (
	headerRequestID    = "X-Request-ID"
	headerUnlockSecret = "X-Unlock-Secret"
)

// RequestID tags every request, honoring an inbound id when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(headerRequestID, id)
		c.Next()
	}
}

// Logger logs one line per request through zap.
func Logger() gin.HandlerFunc {
	log := logging.L().Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
			zap.String("client_ip", c.ClientIP()))
	}
}

// Identity resolves the caller from a bearer token. A missing or invalid
// token degrades to anonymous rather than rejecting: whether anonymity is
// acceptable is a per-procedure decision, not a transport one. The user row
// is created on the first authenticated call.
func Identity(authSvc *auth.Service, db *gorm.DB) gin.HandlerFunc {
	var seen sync.Map
	return func(c *gin.Context) {
		ident := rpc.Identity{
			RemoteAddr:   c.ClientIP(),
			UnlockSecret: c.GetHeader(headerUnlockSecret),
		}

		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && authSvc != nil {
			if claims, err := authSvc.ValidateToken(strings.TrimSpace(token)); err == nil {
				ident.UserID = claims.UserID
				ident.Authenticated = true
				ident.Admin = claims.Role == auth.RoleAdmin
				ensureUser(db, &seen, claims)
			}
		}

		rpc.SetIdentity(c, ident)
		c.Next()
	}
}

func ensureUser(db *gorm.DB, seen *sync.Map, claims *auth.Claims) {
	if db == nil || claims.UserID == 0 {
		return
	}
	if _, ok := seen.Load(claims.UserID); ok {
		return
	}
	user := models.User{ID: claims.UserID, Email: claims.Email}
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error
	if err == nil {
		seen.Store(claims.UserID, struct{}{})
	}
}
