package licensing

import (
	"context"
	"errors"
	"fmt"

	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

const (
	MessageActivated   = "activated"
	MessageWelcomeBack = "welcome back"
)

// Meta describes the calling machine. It is stored but never used in decisions.
type Meta struct {
	IP       string
	Platform string
	Hostname string
}

type Activation struct {
	Message string
	Machine models.Machine
	// Evicted lists machines removed to make room, oldest first.
	Evicted []models.Machine
}

// Activate binds fingerprint to the license identified by key.
//
// A known fingerprint only refreshes its last seen time. A new fingerprint
// takes a free slot, or on a full license either evicts the least recently
// seen machine (FLOATING) or fails with ErrCapacityExceeded (STRICT). The
// whole decision runs under a per-license lock inside one store transaction.
func (s *Service) Activate(ctx context.Context, key, fingerprint string, meta Meta) (*Activation, error) {
	key = models.NormalizeKey(key)
	if key == "" {
		return nil, ErrInvalidLicense
	}
	if fingerprint == "" {
		return nil, invalidRequest("fingerprint is required")
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.timeout)
	unlock, err := s.locker.Lock(lockCtx, key)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: lock: %v", ErrUnavailable, err)
	}
	defer unlock()

	var (
		result  *Activation
		expired *models.License
	)
	err = s.withStore(ctx, "activate", func(ctx context.Context) error {
		result, expired = nil, nil
		return s.store.WithTx(ctx, func(tx storage.Queries) error {
			l, err := tx.FindLicenseByKey(ctx, key)
			if err != nil {
				return err
			}
			if l == nil {
				return ErrInvalidLicense
			}

			now := s.now()
			if err := checkStatus(l, now); err != nil {
				if errors.Is(err, ErrLicenseExpired) {
					expired = l
				}
				return err
			}

			result, err = s.bind(ctx, tx, l, fingerprint, meta)
			return err
		})
	})
	if expired != nil {
		s.persistExpired(ctx, expired)
	}
	if err != nil {
		return nil, err
	}

	for _, victim := range result.Evicted {
		logger.Info("Machine evicted by floating activation", map[string]interface{}{
			"license_id":  result.Machine.LicenseID,
			"evicted":     victim.Fingerprint,
			"replaced_by": fingerprint,
		})
	}
	return result, nil
}

func (s *Service) bind(ctx context.Context, tx storage.Queries, l *models.License, fingerprint string, meta Meta) (*Activation, error) {
	now := s.now()

	if m := l.FindMachine(fingerprint); m != nil {
		if err := tx.TouchMachine(ctx, m.ID, now, meta.IP); err != nil {
			return nil, err
		}
		m.LastSeen = now
		if meta.IP != "" {
			m.IP = meta.IP
		}
		return &Activation{Message: MessageWelcomeBack, Machine: *m}, nil
	}

	if l.MaxMachines < 1 {
		return nil, ErrCapacityExceeded
	}

	// Capacity can sit below the bound count after a direct edit, so evict
	// until one slot is free.
	remaining := &models.License{Machines: append([]models.Machine(nil), l.Machines...)}
	var evicted []models.Machine
	for len(remaining.Machines) >= l.MaxMachines {
		if l.Strategy != models.StrategyFloating {
			return nil, ErrCapacityExceeded
		}
		victim := *remaining.OldestMachine()
		if err := tx.DeleteMachine(ctx, victim.ID); err != nil {
			return nil, err
		}
		evicted = append(evicted, victim)
		remaining.Machines = withoutMachine(remaining.Machines, victim.ID)
	}

	m := &models.Machine{
		LicenseID:   l.ID,
		Fingerprint: fingerprint,
		IP:          meta.IP,
		Platform:    meta.Platform,
		Name:        meta.Hostname,
		LastSeen:    now,
		CreatedAt:   now,
	}
	if err := tx.InsertMachine(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Another writer bound the same fingerprint; a retry takes the
			// welcome back path.
			return nil, fmt.Errorf("%w: %v", storage.ErrTransient, err)
		}
		return nil, err
	}

	return &Activation{Message: MessageActivated, Machine: *m, Evicted: evicted}, nil
}

func withoutMachine(machines []models.Machine, id int64) []models.Machine {
	out := machines[:0]
	for _, m := range machines {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
