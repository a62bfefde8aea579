package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tokengate/internal/metrics"
	"tokengate/pkg/models"
)

// Sweeper reclaims reservations held past the TTL, restoring the balance
// they claim. One sweeper runs per process; it holds no long locks.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds a sweeper scanning at the given interval.
func NewSweeper(l *Ledger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		ledger:   l,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background scan loop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if n, err := s.SweepOnce(context.Background()); err != nil {
					s.ledger.log.Error("reservation sweep failed", zap.Error(err))
				} else if n > 0 {
					metrics.Get().ReservationsExpired.Add(float64(n))
					s.ledger.log.Info("expired reservations reclaimed", zap.Int64("count", n))
				}
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// SweepOnce expires every reservation held longer than the TTL. Expired
// reservations stop counting toward held balance immediately; a late settle
// against one is rejected by the ledger.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.ledger.ttl)
	result := s.ledger.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("status = ? AND created_at < ?", models.ReservationHeld, cutoff).
		Update("status", models.ReservationExpired)
	return result.RowsAffected, result.Error
}
