package licensing

import (
	"context"
	"time"

	"licensegate.app/cloud/internal/logger"
)

// Sweeper periodically persists EXPIRED for ACTIVE licenses past their
// expiry. Client paths compute the effective status themselves, so the sweep
// only keeps stored data tidy for listings and reports.
type Sweeper struct {
	service  *Service
	interval time.Duration
	onSweep  func(expired int64)
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{service: service, interval: interval}
}

// OnSweep registers a callback receiving the number of licenses expired by
// each successful sweep.
func (sw *Sweeper) OnSweep(fn func(expired int64)) {
	sw.onSweep = fn
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	logger.Info("Starting expiry sweeper", map[string]interface{}{
		"interval": sw.interval.String(),
	})

	sw.sweep(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Expiry sweeper stopped")
			return nil
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	expired, err := sw.service.ExpireOverdue(ctx)
	if err != nil {
		logger.Error("Expiry sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if expired > 0 {
		logger.Info("Expiry sweep completed", map[string]interface{}{
			"expired": expired,
		})
	}
	if sw.onSweep != nil {
		sw.onSweep(expired)
	}
}

// ExpireOverdue runs one sweep and returns the number of licenses changed.
func (s *Service) ExpireOverdue(ctx context.Context) (int64, error) {
	var expired int64
	err := s.withStore(ctx, "sweep", func(ctx context.Context) error {
		n, err := s.store.ExpireOverdue(ctx, s.now())
		expired = n
		return err
	})
	return expired, err
}
