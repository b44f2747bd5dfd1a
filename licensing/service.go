// Package licensing decides whether a machine may use a license: binding new
// machines, evicting or rejecting on overflow, detecting kicked machines on
// heartbeat and reporting license status.
package licensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"licensegate.app/cloud/internal/lock"
	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

type Options struct {
	// Locker serializes activations per license. Defaults to an in-process lock.
	Locker lock.Locker
	// StoreTimeout bounds every storage call. Defaults to 5s.
	StoreTimeout time.Duration
	// Retries is the number of attempts for transient storage failures.
	Retries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	Now          func() time.Time
}

type Service struct {
	store   storage.Storage
	locker  lock.Locker
	now     func() time.Time
	timeout time.Duration
	retries int
	backoff time.Duration
}

func NewService(store storage.Storage, opts Options) *Service {
	s := &Service{
		store:   store,
		locker:  opts.Locker,
		now:     opts.Now,
		timeout: opts.StoreTimeout,
		retries: opts.Retries,
		backoff: opts.RetryBackoff,
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.retries < 1 {
		s.retries = 3
	}
	if s.backoff <= 0 {
		s.backoff = 50 * time.Millisecond
	}
	return s
}

// withStore runs fn under the store timeout, retrying transient failures.
// Any other error, including business errors, is returned unchanged.
func (s *Service) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err = fn(opCtx)
		cancel()

		if err == nil || !storage.IsTransient(err) {
			return err
		}

		logger.Warn("Transient storage failure", map[string]interface{}{
			"operation": op,
			"attempt":   attempt,
			"error":     err.Error(),
		})

		if attempt == s.retries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, ctx.Err())
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// checkStatus applies the effective status rules shared by every client path.
func checkStatus(l *models.License, now time.Time) error {
	switch l.EffectiveStatus(now) {
	case models.StatusActive:
		return nil
	case models.StatusExpired:
		return ErrLicenseExpired
	default:
		return ErrLicenseUnavailable
	}
}

// persistExpired records an overdue ACTIVE license as EXPIRED. Failures are
// logged only: every read path computes the effective status on its own.
func (s *Service) persistExpired(ctx context.Context, l *models.License) {
	if l.Status != models.StatusActive {
		return
	}
	err := s.withStore(ctx, "expire", func(ctx context.Context) error {
		return s.store.UpdateLicenseStatus(ctx, l.ID, models.StatusExpired)
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Failed to persist expired status", map[string]interface{}{
				"license_id": l.ID,
				"error":      err.Error(),
			})
		}
		return
	}
	logger.Info("License marked expired", map[string]interface{}{
		"license_id": l.ID,
	})
}

// findActive loads a license by key and enforces the status checks. When the
// license turns out to be expired the correction is persisted before the
// error is returned.
func (s *Service) findActive(ctx context.Context, key string) (*models.License, error) {
	var license *models.License
	err := s.withStore(ctx, "find", func(ctx context.Context) error {
		l, err := s.store.FindLicenseByKey(ctx, key)
		license = l
		return err
	})
	if err != nil {
		return nil, err
	}
	if license == nil {
		return nil, ErrInvalidLicense
	}
	if err := checkStatus(license, s.now()); err != nil {
		if errors.Is(err, ErrLicenseExpired) {
			s.persistExpired(ctx, license)
		}
		return license, err
	}
	return license, nil
}
