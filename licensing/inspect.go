package licensing

import (
	"context"
	"errors"
	"time"

	"licensegate.app/cloud/models"
)

// Info is the client-facing projection of a license.
type Info struct {
	Status        models.Status
	MaxMachines   int
	UsedMachines  int
	ExpiresAt     *time.Time
	RemainingDays int
	Strategy      models.Strategy
}

// Info reports the license status and slot usage. It is a projection: an
// overdue license is reported as EXPIRED after its status is corrected, and a
// suspended license is reported rather than rejected.
func (s *Service) Info(ctx context.Context, key string) (*Info, error) {
	key = models.NormalizeKey(key)
	if key == "" {
		return nil, ErrInvalidLicense
	}

	license, err := s.findActive(ctx, key)
	if err != nil && !errors.Is(err, ErrLicenseUnavailable) && !errors.Is(err, ErrLicenseExpired) {
		return nil, err
	}

	now := s.now()
	return &Info{
		Status:        license.EffectiveStatus(now),
		MaxMachines:   license.MaxMachines,
		UsedMachines:  len(license.Machines),
		ExpiresAt:     license.ExpiresAt,
		RemainingDays: license.RemainingDays(now),
		Strategy:      license.Strategy,
	}, nil
}
