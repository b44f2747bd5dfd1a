package licensing

import (
	"context"
	"errors"

	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

// Heartbeat refreshes the last seen time of a bound machine. It never binds
// or evicts: a fingerprint that is no longer bound fails with ErrKicked.
func (s *Service) Heartbeat(ctx context.Context, key, fingerprint string) error {
	key = models.NormalizeKey(key)
	if key == "" {
		return ErrInvalidLicense
	}
	if fingerprint == "" {
		return invalidRequest("fingerprint is required")
	}

	license, err := s.findActive(ctx, key)
	if err != nil {
		return err
	}

	machine := license.FindMachine(fingerprint)
	if machine == nil {
		return ErrKicked
	}

	err = s.withStore(ctx, "heartbeat", func(ctx context.Context) error {
		return s.store.TouchMachine(ctx, machine.ID, s.now(), "")
	})
	if errors.Is(err, storage.ErrNotFound) {
		// Evicted between the read and the touch.
		return ErrKicked
	}
	return err
}
