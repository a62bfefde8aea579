// Package ledger implements token accounting: balances, reservations and the
// append-only usage stream. Reservations follow reserve -> settle with
// refund/expire compensation; the charge property is at-most-once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tokengate/internal/apperr"
	"tokengate/internal/logging"
	"tokengate/internal/metrics"
	"tokengate/pkg/models"
)

// lockShards bounds the per-user mutex map. Two users may share a shard;
// that costs throughput, never correctness.
const lockShards = 64

// Ledger owns all balance math. Per-user operations serialize through a
// sharded mutex on top of a storage transaction.
type Ledger struct {
	db    *gorm.DB
	ttl   time.Duration
	log   *zap.Logger
	locks [lockShards]sync.Mutex
}

func New(db *gorm.DB, reservationTTL time.Duration) *Ledger {
	return &Ledger{
		db:  db,
		ttl: reservationTTL,
		log: logging.L().Named("ledger"),
	}
}

func (l *Ledger) userLock(userID uint) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", userID)
	return &l.locks[h.Sum32()%lockShards]
}

// Balance is the derived per-user view.
type Balance struct {
	PrepaidTokens      int64     `json:"prepaid_tokens"`
	SubscriptionTokens int64     `json:"subscription_tokens_remaining"`
	AvailableTokens    int64     `json:"available_tokens"`
	HeldTokens         int64     `json:"held_tokens"`
	MonthlyResetAt     time.Time `json:"monthly_reset_at"`
}

// ReserveResult is returned from a successful reservation.
type ReserveResult struct {
	ReservationID    string `json:"reservation_id"`
	Stub             bool   `json:"stub"` // BYOK requests are not metered
	RemainingBalance *int64 `json:"remaining_balance"`
}

// Settlement captures the actuals of one provider call.
type Settlement struct {
	ReservationID  string
	Provider       string
	Model          string
	InputTokens    int64
	OutputTokens   int64
	CostUsd        float64
	PlatformFeeUsd *float64
	CountsEstimate bool
}

// Grant credits tokens to a user.
func (l *Ledger) Grant(userID uint, bucket models.GrantBucket, tokens int64, note string) error {
	if tokens <= 0 {
		return apperr.InvalidArgument("grant tokens must be positive")
	}
	grant := models.BalanceGrant{
		UserID: userID,
		Bucket: bucket,
		Tokens: tokens,
		Note:   note,
	}
	if bucket == models.BucketSubscription {
		start := monthStart(time.Now().UTC())
		grant.PeriodStart = &start
	}
	return l.db.Create(&grant).Error
}

// GetBalance computes the derived balance inside a read transaction.
func (l *Ledger) GetBalance(ctx context.Context, userID uint) (Balance, error) {
	var bal Balance
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		bal, err = computeBalance(tx, userID)
		return err
	})
	return bal, err
}

// computeBalance derives balance = grants - committed charges - held
// reservations. The split between buckets is display-only: spend drains the
// subscription bucket first, matching the default consumption order.
func computeBalance(tx *gorm.DB, userID uint) (Balance, error) {
	var grants int64
	if err := tx.Model(&models.BalanceGrant{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(tokens), 0)").Scan(&grants).Error; err != nil {
		return Balance{}, err
	}

	var charged int64
	if err := tx.Model(&models.UsageEvent{}).
		Where("user_id = ? AND kind = ?", userID, models.UsageCharged).
		Select("COALESCE(SUM(charged_tokens), 0)").Scan(&charged).Error; err != nil {
		return Balance{}, err
	}

	var held int64
	if err := tx.Model(&models.Reservation{}).
		Where("user_id = ? AND status = ?", userID, models.ReservationHeld).
		Select("COALESCE(SUM(estimated_tokens), 0)").Scan(&held).Error; err != nil {
		return Balance{}, err
	}

	now := time.Now().UTC()
	periodStart := monthStart(now)

	var subGrants int64
	if err := tx.Model(&models.BalanceGrant{}).
		Where("user_id = ? AND bucket = ? AND period_start >= ?", userID, models.BucketSubscription, periodStart).
		Select("COALESCE(SUM(tokens), 0)").Scan(&subGrants).Error; err != nil {
		return Balance{}, err
	}
	var chargedThisPeriod int64
	if err := tx.Model(&models.UsageEvent{}).
		Where("user_id = ? AND kind = ? AND occurred_at >= ?", userID, models.UsageCharged, periodStart).
		Select("COALESCE(SUM(charged_tokens), 0)").Scan(&chargedThisPeriod).Error; err != nil {
		return Balance{}, err
	}

	available := grants - charged - held
	subRemaining := subGrants - chargedThisPeriod
	if subRemaining < 0 {
		subRemaining = 0
	}
	if subRemaining > available {
		subRemaining = available
	}
	if subRemaining < 0 {
		subRemaining = 0
	}
	prepaid := available - subRemaining
	if prepaid < 0 {
		prepaid = 0
	}

	return Balance{
		PrepaidTokens:      prepaid,
		SubscriptionTokens: subRemaining,
		AvailableTokens:    available,
		HeldTokens:         held,
		MonthlyResetAt:     periodStart.AddDate(0, 1, 0),
	}, nil
}

// Reserve holds estimatedTokens against the user's balance. With hasOwnKey
// the reservation is a no-op stub: BYOK users are logged, never metered.
func (l *Ledger) Reserve(ctx context.Context, userID uint, estimatedTokens int64, pricePerToken float64, hasOwnKey bool) (ReserveResult, error) {
	if estimatedTokens < 0 {
		return ReserveResult{}, apperr.InvalidArgument("estimatedTokens must be >= 0")
	}
	if hasOwnKey {
		return ReserveResult{Stub: true, RemainingBalance: nil}, nil
	}

	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	var result ReserveResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := computeBalance(tx, userID)
		if err != nil {
			return err
		}
		if bal.AvailableTokens < estimatedTokens {
			return apperr.InsufficientBalance(estimatedTokens, bal.AvailableTokens)
		}

		res := models.Reservation{
			ID:              uuid.NewString(),
			UserID:          userID,
			EstimatedTokens: estimatedTokens,
			PricePerToken:   pricePerToken,
			Status:          models.ReservationHeld,
		}
		if err := tx.Create(&res).Error; err != nil {
			return err
		}

		remaining := bal.AvailableTokens - estimatedTokens
		result = ReserveResult{ReservationID: res.ID, RemainingBalance: &remaining}
		return nil
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return ReserveResult{}, ae
		}
		return ReserveResult{}, apperr.Internal("reserve").WithCause(err)
	}
	return result, nil
}

// PlanResult is the dry-run answer for planConsumption.
type PlanResult struct {
	WouldSucceed bool  `json:"wouldSucceed"`
	Required     int64 `json:"required"`
	Available    int64 `json:"available"`
}

// Plan runs Reserve's admission check without allocating anything.
func (l *Ledger) Plan(ctx context.Context, userID uint, estimatedTokens int64, hasOwnKey bool) (PlanResult, error) {
	if hasOwnKey {
		return PlanResult{WouldSucceed: true, Required: 0}, nil
	}
	bal, err := l.GetBalance(ctx, userID)
	if err != nil {
		return PlanResult{}, err
	}
	return PlanResult{
		WouldSucceed: bal.AvailableTokens >= estimatedTokens,
		Required:     estimatedTokens,
		Available:    bal.AvailableTokens,
	}, nil
}

// Settle converts a held reservation into a committed UsageEvent, charging
// actual tokens (never the estimate). Replays with the same reservation id
// collapse to the first outcome. Settling an expired or refunded reservation
// is rejected, forcing the caller onto the LostUsage path.
func (l *Ledger) Settle(ctx context.Context, s Settlement) (*models.UsageEvent, error) {
	if s.ReservationID == "" {
		return nil, apperr.InvalidArgument("reservation id is required")
	}

	// Look up the owner first so the per-user lock is taken before the
	// transaction opens; Reserve does the same, which rules out a
	// lock-vs-transaction deadlock on single-writer stores.
	var owner models.Reservation
	if err := l.db.WithContext(ctx).Where("id = ?", s.ReservationID).First(&owner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("reservation %s not found", s.ReservationID)
		}
		return nil, apperr.Internal("settle").WithCause(err)
	}

	mu := l.userLock(owner.UserID)
	mu.Lock()
	defer mu.Unlock()

	var (
		event    models.UsageEvent
		replayed bool
	)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.Reservation
		if err := tx.Where("id = ?", s.ReservationID).First(&res).Error; err != nil {
			return err
		}

		switch res.Status {
		case models.ReservationCommitted:
			// Idempotent replay: return the original event unchanged.
			replayed = true
			return tx.Where("reservation_id = ?", s.ReservationID).First(&event).Error
		case models.ReservationExpired:
			return apperr.Conflict("reservation %s expired before settlement", s.ReservationID)
		case models.ReservationRefunded:
			return apperr.Conflict("reservation %s was refunded", s.ReservationID)
		}

		if err := tx.Model(&res).Update("status", models.ReservationCommitted).Error; err != nil {
			return err
		}

		rid := s.ReservationID
		event = models.UsageEvent{
			ID:             uuid.NewString(),
			UserID:         res.UserID,
			Provider:       s.Provider,
			Model:          s.Model,
			Kind:           models.UsageCharged,
			InputTokens:    s.InputTokens,
			OutputTokens:   s.OutputTokens,
			ChargedTokens:  s.InputTokens + s.OutputTokens,
			CostUsd:        s.CostUsd,
			PlatformFeeUsd: s.PlatformFeeUsd,
			ReservationID:  &rid,
			CountsEstimate: s.CountsEstimate,
			OccurredAt:     time.Now().UTC(),
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, apperr.Internal("settle").WithCause(err)
	}
	if !replayed {
		metrics.Get().TokensCharged.WithLabelValues(s.Provider).Add(float64(event.ChargedTokens))
		metrics.Get().CostUsd.WithLabelValues(s.Provider).Add(s.CostUsd)
	}
	return &event, nil
}

// Refund releases a held reservation, restoring the balance it claimed.
// Idempotent: refunding an already refunded reservation is a no-op.
func (l *Ledger) Refund(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil // BYOK stub, nothing held
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.Reservation
		if err := tx.Where("id = ?", reservationID).First(&res).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("reservation %s not found", reservationID)
			}
			return err
		}
		switch res.Status {
		case models.ReservationRefunded, models.ReservationExpired:
			return nil
		case models.ReservationCommitted:
			return apperr.Conflict("reservation %s already committed", reservationID)
		}
		return tx.Model(&res).Update("status", models.ReservationRefunded).Error
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return ae
		}
		return apperr.Internal("refund").WithCause(err)
	}
	return nil
}

// RecordBYOK logs a BYOK request for analytics. Never charged.
func (l *Ledger) RecordBYOK(userID uint, provider, model string, inputTokens, outputTokens int64, costUsd float64, estimated bool) {
	event := models.UsageEvent{
		ID:             uuid.NewString(),
		UserID:         userID,
		Provider:       provider,
		Model:          model,
		Kind:           models.UsageBYOK,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		CostUsd:        costUsd,
		CountsEstimate: estimated,
		OccurredAt:     time.Now().UTC(),
	}
	if err := l.db.Create(&event).Error; err != nil {
		l.log.Error("record byok usage", zap.Error(err), zap.Uint("user_id", userID))
	}
}

// RecordLostUsage logs an invariant break: the spend happened but could not
// settle. The caller's request does not fail; operators reconcile later.
func (l *Ledger) RecordLostUsage(userID uint, reservationID, provider, model string, inputTokens, outputTokens int64, costUsd float64) {
	rid := reservationID
	event := models.UsageEvent{
		ID:            uuid.NewString(),
		UserID:        userID,
		Provider:      provider,
		Model:         model,
		Kind:          models.UsageLostUsage,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		ChargedTokens: 0,
		CostUsd:       costUsd,
		OccurredAt:    time.Now().UTC(),
	}
	if rid != "" {
		event.ReservationID = &rid
	}
	if err := l.db.Create(&event).Error; err != nil {
		l.log.Error("record lost usage", zap.Error(err),
			zap.String("reservation_id", reservationID), zap.Uint("user_id", userID))
		return
	}
	metrics.Get().LostUsageEvents.Inc()
	l.log.Warn("lost usage recorded",
		zap.String("reservation_id", reservationID),
		zap.Uint("user_id", userID),
		zap.Int64("tokens", inputTokens+outputTokens))
}

// History returns usage events newest-first with cursor pagination. The
// cursor is the last seen event id.
func (l *Ledger) History(ctx context.Context, userID uint, limit int, cursor string) ([]models.UsageEvent, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("occurred_at DESC, id DESC").
		Limit(limit + 1)
	if cursor != "" {
		var pivot models.UsageEvent
		if err := l.db.Where("id = ?", cursor).First(&pivot).Error; err == nil {
			q = q.Where("occurred_at < ? OR (occurred_at = ? AND id < ?)", pivot.OccurredAt, pivot.OccurredAt, pivot.ID)
		}
	}
	var events []models.UsageEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, "", apperr.Internal("usage history").WithCause(err)
	}
	next := ""
	if len(events) > limit {
		events = events[:limit]
		next = events[limit-1].ID
	}
	return events, next, nil
}

// ProviderAnalytics aggregates one provider's usage.
type ProviderAnalytics struct {
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUsd      float64 `json:"cost_usd"`
	BYOKRequests int64   `json:"byok_requests"`
}

// Analytics is the aggregated usage answer.
type Analytics struct {
	Days       int                 `json:"days"`
	Requests   int64               `json:"requests"`
	Tokens     int64               `json:"tokens"`
	CostUsd    float64             `json:"cost_usd"`
	ByProvider []ProviderAnalytics `json:"by_provider"`
	History    []models.UsageEvent `json:"history,omitempty"`
}

// GetAnalytics aggregates usage over the trailing window.
func (l *Ledger) GetAnalytics(ctx context.Context, userID uint, days int, includeHistory bool) (Analytics, error) {
	if days <= 0 || days > 365 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	var events []models.UsageEvent
	if err := l.db.WithContext(ctx).
		Where("user_id = ? AND occurred_at >= ?", userID, since).
		Order("occurred_at DESC").
		Find(&events).Error; err != nil {
		return Analytics{}, apperr.Internal("usage analytics").WithCause(err)
	}

	out := Analytics{Days: days}
	perProvider := make(map[string]*ProviderAnalytics)
	for _, e := range events {
		out.Requests++
		out.Tokens += e.InputTokens + e.OutputTokens
		out.CostUsd += e.CostUsd

		pa, ok := perProvider[e.Provider]
		if !ok {
			pa = &ProviderAnalytics{Provider: e.Provider}
			perProvider[e.Provider] = pa
		}
		pa.Requests++
		pa.InputTokens += e.InputTokens
		pa.OutputTokens += e.OutputTokens
		pa.CostUsd += e.CostUsd
		if e.Kind == models.UsageBYOK {
			pa.BYOKRequests++
		}
	}
	for _, pa := range perProvider {
		out.ByProvider = append(out.ByProvider, *pa)
	}
	if includeHistory {
		out.History = events
	}
	return out, nil
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
