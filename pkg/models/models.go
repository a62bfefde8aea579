// Package models defines the persisted entities of the gateway.
package models

import (
	"time"

	"gorm.io/gorm"
)

// SubscriptionTier enumerates user tiers.
type SubscriptionTier string

const (
	TierAnonymous  SubscriptionTier = "anonymous"
	TierFree       SubscriptionTier = "free"
	TierSubscriber SubscriptionTier = "subscriber"
)

// User is created on first authenticated call and never destroyed by the core.
type User struct {
	ID        uint             `json:"id" gorm:"primaryKey"`
	Email     string           `json:"email" gorm:"uniqueIndex;not null"`
	Tier      SubscriptionTier `json:"tier" gorm:"default:'free'"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// Preferences
	ConsumptionOrder  string `json:"consumption_order" gorm:"default:'subscription,prepaid'"` // comma-separated bucket order
	BYOKEnabled       bool   `json:"byok_enabled" gorm:"default:true"`
	NotifyThresholdPc int    `json:"notify_threshold_pc" gorm:"default:10"` // warn when balance falls below this percent
	PreferredProvider string `json:"preferred_provider,omitempty"`
}

// UserAPIKey is a BYOK entry: at most one per (user, provider). The plaintext
// key never persists; the ciphertext is AEAD-sealed under a key derived from
// the caller-supplied unlock secret.
type UserAPIKey struct {
	ID            uint           `json:"id" gorm:"primaryKey"`
	UserID        uint           `json:"user_id" gorm:"uniqueIndex:idx_user_provider;not null"`
	Provider      string         `json:"provider" gorm:"uniqueIndex:idx_user_provider;not null"`
	Ciphertext    string         `json:"-" gorm:"not null"`
	KDFSalt       string         `json:"-" gorm:"not null"`
	KDFIterations int            `json:"-" gorm:"not null"`
	CreatedAt     time.Time      `json:"created_at"`
	RotatedAt     *time.Time     `json:"rotated_at,omitempty"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`
}

// GrantBucket names the balance bucket a grant feeds.
type GrantBucket string

const (
	BucketPrepaid      GrantBucket = "prepaid"
	BucketSubscription GrantBucket = "subscription"
)

// BalanceGrant credits tokens to a user. Subscription grants carry the period
// they belong to and stop counting once the period rolls over.
type BalanceGrant struct {
	ID          uint        `json:"id" gorm:"primaryKey"`
	UserID      uint        `json:"user_id" gorm:"index;not null"`
	Bucket      GrantBucket `json:"bucket" gorm:"not null"`
	Tokens      int64       `json:"tokens" gorm:"not null"`
	PeriodStart *time.Time  `json:"period_start,omitempty"`
	Note        string      `json:"note,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ReservationStatus is the lifecycle of a held balance claim.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationRefunded  ReservationStatus = "refunded"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a held claim covering the upper-bound cost of an in-flight
// request. Reservations held past their TTL are reclaimed by the sweeper.
type Reservation struct {
	ID              string            `json:"id" gorm:"primaryKey"`
	UserID          uint              `json:"user_id" gorm:"index;not null"`
	EstimatedTokens int64             `json:"estimated_tokens" gorm:"not null"`
	PricePerToken   float64           `json:"price_per_token"`
	Status          ReservationStatus `json:"status" gorm:"index;not null"`
	CreatedAt       time.Time         `json:"created_at" gorm:"index"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// UsageEventKind distinguishes charged usage from advisory records.
type UsageEventKind string

const (
	UsageCharged   UsageEventKind = "charged"    // settled against server balance
	UsageBYOK      UsageEventKind = "byok"       // user's own key, analytics only
	UsageLostUsage UsageEventKind = "lost_usage" // spend happened but could not settle
)

// UsageEvent is immutable and append-only. Committed events are never
// mutated; corrections are separate compensating events.
type UsageEvent struct {
	ID             string         `json:"id" gorm:"primaryKey"`
	UserID         uint           `json:"user_id" gorm:"index;not null"`
	Provider       string         `json:"provider" gorm:"index;not null"`
	Model          string         `json:"model"`
	Kind           UsageEventKind `json:"kind" gorm:"index;not null"`
	InputTokens    int64          `json:"input_tokens"`
	OutputTokens   int64          `json:"output_tokens"`
	ChargedTokens  int64          `json:"charged_tokens"`
	CostUsd        float64        `json:"cost_usd"`
	PlatformFeeUsd *float64       `json:"platform_fee_usd,omitempty"`
	ReservationID  *string        `json:"reservation_id,omitempty" gorm:"uniqueIndex"`
	CountsEstimate bool           `json:"counts_estimated"`
	OccurredAt     time.Time      `json:"occurred_at" gorm:"index"`
}

// WorkspaceKind separates admin-configured server workspaces from advisory
// client-announced roots.
type WorkspaceKind string

const (
	WorkspaceServer WorkspaceKind = "server"
	WorkspaceClient WorkspaceKind = "client"
)

// WorkspaceRecord registers a directory root for sandboxed file operations.
// Client workspaces are metadata only and never grant file access.
type WorkspaceRecord struct {
	ID             string        `json:"id" gorm:"primaryKey"`
	Kind           WorkspaceKind `json:"kind" gorm:"index;not null"`
	Root           string        `json:"root" gorm:"not null"`
	DisplayName    string        `json:"display_name"`
	ReadOnly       bool          `json:"read_only"`
	AllowGlobs     string        `json:"allow_globs,omitempty"` // comma-separated
	BlockGlobs     string        `json:"block_globs,omitempty"`
	AllowExts      string        `json:"allow_exts,omitempty"`
	BlockExts      string        `json:"block_exts,omitempty"`
	MaxFileSize    int64         `json:"max_file_size"`
	FollowSymlinks bool          `json:"follow_symlinks"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
