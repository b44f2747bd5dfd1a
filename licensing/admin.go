package licensing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

const (
	// OnlineWindow is how recently a machine must have been seen to count as online.
	OnlineWindow = 10 * time.Minute
	// ExpiringWindow is the horizon of the "expiring soon" statistic.
	ExpiringWindow = 7 * 24 * time.Hour
)

// NewKey returns a fresh license key: an upper-cased random UUID.
func NewKey() string {
	return strings.ToUpper(uuid.NewString())
}

type CreateParams struct {
	// Days is the validity period; zero makes the license perpetual.
	Days        int
	MaxMachines int
	Strategy    models.Strategy
	Remark      string
}

func (s *Service) CreateLicense(ctx context.Context, p CreateParams) (*models.License, error) {
	if p.Days < 0 {
		return nil, invalidRequest("days must not be negative")
	}
	if p.MaxMachines == 0 {
		p.MaxMachines = 1
	}
	if p.MaxMachines < 1 {
		return nil, invalidRequest("maxMachines must be at least 1")
	}
	if p.Strategy == "" {
		p.Strategy = models.StrategyFloating
	}
	if !p.Strategy.Valid() {
		return nil, invalidRequest("strategy must be FLOATING or STRICT")
	}

	now := s.now()
	l := &models.License{
		Key:         NewKey(),
		Status:      models.StatusActive,
		MaxMachines: p.MaxMachines,
		Strategy:    p.Strategy,
		Remark:      strings.TrimSpace(p.Remark),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Days > 0 {
		expires := now.AddDate(0, 0, p.Days)
		l.ExpiresAt = &expires
	}

	err := s.withStore(ctx, "create license", func(ctx context.Context) error {
		l.ID = 0
		return s.store.SaveLicense(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("License created", map[string]interface{}{
		"license_id":   l.ID,
		"max_machines": l.MaxMachines,
		"strategy":     string(l.Strategy),
		"days":         p.Days,
	})
	return l, nil
}

// UpdateParams holds optional changes. Nil fields are left untouched.
type UpdateParams struct {
	Status      *models.Status
	Remark      *string
	MaxMachines *int
	Strategy    *models.Strategy
	// AddDays extends the expiry from the later of now and the current
	// expiry. A positive value reactivates an EXPIRED license.
	AddDays int
}

func (s *Service) UpdateLicense(ctx context.Context, id int64, p UpdateParams) (*models.License, error) {
	if p.Status != nil && !p.Status.Valid() {
		return nil, invalidRequest("status must be ACTIVE, SUSPENDED or EXPIRED")
	}
	if p.MaxMachines != nil && *p.MaxMachines < 1 {
		return nil, invalidRequest("maxMachines must be at least 1")
	}
	if p.Strategy != nil && !p.Strategy.Valid() {
		return nil, invalidRequest("strategy must be FLOATING or STRICT")
	}
	if p.AddDays < 0 {
		return nil, invalidRequest("addDays must not be negative")
	}

	license, err := s.getLicense(ctx, id)
	if err != nil {
		return nil, err
	}

	// Serialize with activations so a capacity or strategy change cannot
	// interleave with a bind decision.
	lockCtx, cancel := context.WithTimeout(ctx, s.timeout)
	unlock, err := s.locker.Lock(lockCtx, license.Key)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: lock: %v", ErrUnavailable, err)
	}
	defer unlock()

	// Reload under the lock.
	license, err = s.getLicense(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if p.Status != nil {
		license.Status = *p.Status
	}
	if p.Remark != nil {
		license.Remark = strings.TrimSpace(*p.Remark)
	}
	if p.MaxMachines != nil {
		license.MaxMachines = *p.MaxMachines
	}
	if p.Strategy != nil {
		license.Strategy = *p.Strategy
	}
	if p.AddDays > 0 {
		base := now
		if license.ExpiresAt != nil && license.ExpiresAt.After(now) {
			base = *license.ExpiresAt
		}
		expires := base.AddDate(0, 0, p.AddDays)
		license.ExpiresAt = &expires
		if license.Status == models.StatusExpired {
			license.Status = models.StatusActive
		}
	}
	license.UpdatedAt = now

	var kept, evicted []models.Machine
	err = s.withStore(ctx, "update license", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx storage.Queries) error {
			if err := tx.SaveLicense(ctx, license); err != nil {
				return err
			}
			var err error
			kept, evicted, err = shrinkMachines(ctx, tx, license)
			return err
		})
	})
	if err != nil {
		return nil, notFound(err)
	}
	license.Machines = kept

	for _, victim := range evicted {
		logger.Info("Machine evicted by capacity change", map[string]interface{}{
			"license_id":   license.ID,
			"evicted":      victim.Fingerprint,
			"max_machines": license.MaxMachines,
		})
	}

	logger.Info("License updated", map[string]interface{}{
		"license_id": license.ID,
		"status":     string(license.Status),
		"add_days":   p.AddDays,
	})
	return license, nil
}

// shrinkMachines evicts the least recently seen machines until the bound count
// fits the license capacity, whatever the strategy.
func shrinkMachines(ctx context.Context, tx storage.Queries, l *models.License) (kept, evicted []models.Machine, err error) {
	remaining := &models.License{Machines: append([]models.Machine(nil), l.Machines...)}
	for len(remaining.Machines) > l.MaxMachines {
		victim := *remaining.OldestMachine()
		if err := tx.DeleteMachine(ctx, victim.ID); err != nil {
			return nil, nil, err
		}
		evicted = append(evicted, victim)
		remaining.Machines = withoutMachine(remaining.Machines, victim.ID)
	}
	return remaining.Machines, evicted, nil
}

// DeleteLicense removes a license and every machine bound to it.
func (s *Service) DeleteLicense(ctx context.Context, id int64) error {
	err := s.withStore(ctx, "delete license", func(ctx context.Context) error {
		return s.store.DeleteLicense(ctx, id)
	})
	if err != nil {
		return notFound(err)
	}
	logger.Info("License deleted", map[string]interface{}{
		"license_id": id,
	})
	return nil
}

// ResetMachines unbinds every machine of a license. Their next heartbeat
// fails with ErrKicked.
func (s *Service) ResetMachines(ctx context.Context, id int64) (int64, error) {
	if _, err := s.getLicense(ctx, id); err != nil {
		return 0, err
	}
	var removed int64
	err := s.withStore(ctx, "reset machines", func(ctx context.Context) error {
		n, err := s.store.ResetMachines(ctx, id)
		removed = n
		return err
	})
	if err != nil {
		return 0, notFound(err)
	}
	logger.Info("License machines reset", map[string]interface{}{
		"license_id": id,
		"removed":    removed,
	})
	return removed, nil
}

func (s *Service) getLicense(ctx context.Context, id int64) (*models.License, error) {
	var license *models.License
	err := s.withStore(ctx, "get license", func(ctx context.Context) error {
		l, err := s.store.GetLicense(ctx, id)
		license = l
		return err
	})
	if err != nil {
		return nil, err
	}
	if license == nil {
		return nil, ErrNotFound
	}
	return license, nil
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Page is one page of an administrative listing.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

func newPage[T any](items []T, total, page, size int) Page[T] {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	if size > 100 {
		size = 100
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: page, PageSize: size}
}

// LicenseView is a license as shown to administrators.
type LicenseView struct {
	ID  int64  `json:"id"`
	Key string `json:"key"`
	// Status is the display status: EXPIRED when overdue and INACTIVE for an
	// ACTIVE license without machines.
	Status        models.Status    `json:"status"`
	RawStatus     models.Status    `json:"rawStatus"`
	ExpiresAt     *time.Time       `json:"expiresAt"`
	RemainingDays int              `json:"remainingDays"`
	IsPermanent   bool             `json:"isPermanent"`
	MaxMachines   int              `json:"maxMachines"`
	Strategy      models.Strategy  `json:"strategy"`
	Remark        string           `json:"remark"`
	UsedCount     int              `json:"usedCount"`
	IsActivated   bool             `json:"isActivated"`
	LastSeenAt    *time.Time       `json:"lastSeenAt"`
	LastIP        string           `json:"lastIp"`
	MachineNames  []string         `json:"machineNames"`
	Machines      []models.Machine `json:"machines"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

func newLicenseView(l *models.License, now time.Time) LicenseView {
	v := LicenseView{
		ID:            l.ID,
		Key:           l.Key,
		Status:        l.EffectiveStatus(now),
		RawStatus:     l.Status,
		ExpiresAt:     l.ExpiresAt,
		RemainingDays: l.RemainingDays(now),
		IsPermanent:   l.ExpiresAt == nil,
		MaxMachines:   l.MaxMachines,
		Strategy:      l.Strategy,
		Remark:        l.Remark,
		UsedCount:     len(l.Machines),
		IsActivated:   len(l.Machines) > 0,
		MachineNames:  []string{},
		Machines:      make([]models.Machine, len(l.Machines)),
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}
	if v.Status == models.StatusActive && !v.IsActivated {
		v.Status = models.StatusInactive
	}

	// Most recently seen first.
	for i, m := range l.Machines {
		v.Machines[len(l.Machines)-1-i] = m
	}
	for _, m := range v.Machines {
		v.MachineNames = append(v.MachineNames, machineName(m))
	}
	if len(v.Machines) > 0 {
		latest := v.Machines[0]
		v.LastSeenAt = &latest.LastSeen
		v.LastIP = latest.IP
	}
	return v
}

func machineName(m models.Machine) string {
	if m.Name != "" {
		return m.Name
	}
	if len(m.Fingerprint) > 8 {
		return "Device-" + m.Fingerprint[:8]
	}
	return "Device-" + m.Fingerprint
}

func (s *Service) ListLicenses(ctx context.Context, f storage.LicenseFilter) (Page[LicenseView], error) {
	if f.Status != "" && !f.Status.Valid() {
		return Page[LicenseView]{}, invalidRequest("unknown status filter")
	}
	if f.Status == models.StatusExpired || f.Status == models.StatusActive {
		// Stored status must reflect overdue licenses for the filter to be exact.
		if _, err := s.ExpireOverdue(ctx); err != nil {
			return Page[LicenseView]{}, err
		}
	}

	var (
		licenses []*models.License
		total    int
	)
	err := s.withStore(ctx, "list licenses", func(ctx context.Context) error {
		var err error
		licenses, total, err = s.store.ListLicenses(ctx, f)
		return err
	})
	if err != nil {
		return Page[LicenseView]{}, err
	}

	now := s.now()
	views := make([]LicenseView, 0, len(licenses))
	for _, l := range licenses {
		views = append(views, newLicenseView(l, now))
	}
	return newPage(views, total, f.Page, f.PageSize), nil
}

// MachineView is a bound machine with its owning license, for reverse lookup.
type MachineView struct {
	ID            int64         `json:"id"`
	LicenseID     int64         `json:"licenseId"`
	LicenseKey    string        `json:"licenseKey"`
	LicenseRemark string        `json:"licenseRemark"`
	LicenseStatus models.Status `json:"licenseStatus"`
	Fingerprint   string        `json:"fingerprint"`
	Name          string        `json:"name"`
	IP            string        `json:"ip"`
	Platform      string        `json:"platform"`
	LastSeen      time.Time     `json:"lastSeen"`
	CreatedAt     time.Time     `json:"createdAt"`
	IsOnline      bool          `json:"isOnline"`
}

func (s *Service) ListMachines(ctx context.Context, f storage.MachineFilter) (Page[MachineView], error) {
	var (
		rows  []storage.MachineRow
		total int
	)
	err := s.withStore(ctx, "list machines", func(ctx context.Context) error {
		var err error
		rows, total, err = s.store.ListMachines(ctx, f)
		return err
	})
	if err != nil {
		return Page[MachineView]{}, err
	}

	now := s.now()
	views := make([]MachineView, 0, len(rows))
	for _, r := range rows {
		views = append(views, MachineView{
			ID:            r.ID,
			LicenseID:     r.LicenseID,
			LicenseKey:    r.LicenseKey,
			LicenseRemark: r.LicenseRemark,
			LicenseStatus: r.LicenseStatus,
			Fingerprint:   r.Fingerprint,
			Name:          machineName(r.Machine),
			IP:            r.IP,
			Platform:      r.Platform,
			LastSeen:      r.LastSeen,
			CreatedAt:     r.CreatedAt,
			IsOnline:      now.Sub(r.LastSeen) < OnlineWindow,
		})
	}
	return newPage(views, total, f.Page, f.PageSize), nil
}

func (s *Service) Stats(ctx context.Context) (*storage.Stats, error) {
	now := s.now()
	var stats *storage.Stats
	err := s.withStore(ctx, "stats", func(ctx context.Context) error {
		st, err := s.store.Stats(ctx, storage.StatsQuery{
			Now:            now,
			OnlineSince:    now.Add(-OnlineWindow),
			ExpiringBefore: now.Add(ExpiringWindow),
		})
		stats = st
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
