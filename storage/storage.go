package storage

import (
	"context"
	"errors"
	"time"

	"licensegate.app/cloud/models"
)

var (
	// ErrNotFound is returned by mutations addressing a missing row.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a machine fingerprint is already bound.
	ErrDuplicate = errors.New("storage: duplicate")
	// ErrTransient marks failures worth retrying (busy database, timeouts).
	ErrTransient = errors.New("storage: transient failure")
)

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Queries are the license/machine operations available both directly on a
// Storage and inside a transaction.
type Queries interface {
	// FindLicenseByKey returns the license with its machines ordered by
	// last seen ascending, ties broken by machine ID. A missing license
	// yields (nil, nil).
	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)
	UpdateLicenseStatus(ctx context.Context, id int64, status models.Status) error

	// InsertMachine binds a new machine and assigns m.ID. It returns
	// ErrDuplicate if the fingerprint is already bound to the license.
	InsertMachine(ctx context.Context, m *models.Machine) error
	// DeleteMachine is idempotent: deleting a missing machine is not an error.
	DeleteMachine(ctx context.Context, id int64) error
	// TouchMachine refreshes last seen and, when ip is non-empty, the ip.
	TouchMachine(ctx context.Context, id int64, seen time.Time, ip string) error

	// SaveLicense inserts when l.ID is zero and updates the license fields
	// otherwise. Machines are not touched.
	SaveLicense(ctx context.Context, l *models.License) error
}

type Storage interface {
	Queries

	// WithTx runs fn atomically. Writes made through tx are discarded when
	// fn returns an error.
	WithTx(ctx context.Context, fn func(tx Queries) error) error

	GetLicense(ctx context.Context, id int64) (*models.License, error)
	DeleteLicense(ctx context.Context, id int64) error
	ResetMachines(ctx context.Context, licenseID int64) (int64, error)

	ListLicenses(ctx context.Context, f LicenseFilter) ([]*models.License, int, error)
	ListMachines(ctx context.Context, f MachineFilter) ([]MachineRow, int, error)
	Stats(ctx context.Context, q StatsQuery) (*Stats, error)

	// ExpireOverdue moves every ACTIVE license whose expiry is before now to
	// EXPIRED and returns the number of rows changed.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

type Usage string

const (
	UsageAny    Usage = ""
	UsageUsed   Usage = "used"
	UsageUnused Usage = "unused"
)

type LicenseFilter struct {
	Page     int
	PageSize int
	// Keyword matches key, remark and the fingerprint, name or ip of any
	// bound machine.
	Keyword      string
	Status       models.Status
	Usage        Usage
	SortExpiring bool
}

type MachineFilter struct {
	Page     int
	PageSize int
	// Keyword matches fingerprint, name, ip and the owning license key.
	Keyword string
}

type MachineRow struct {
	models.Machine
	LicenseKey    string
	LicenseRemark string
	LicenseStatus models.Status
}

type StatsQuery struct {
	Now            time.Time
	OnlineSince    time.Time
	ExpiringBefore time.Time
}

type Stats struct {
	TotalLicenses     int64
	ActivatedLicenses int64
	TotalMachines     int64
	OnlineMachines    int64
	ExpiringSoon      int64
}

func (f LicenseFilter) window() (offset, limit int) {
	return pageWindow(f.Page, f.PageSize)
}

func (f MachineFilter) window() (offset, limit int) {
	return pageWindow(f.Page, f.PageSize)
}

func pageWindow(page, size int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	if size > 100 {
		size = 100
	}
	return (page - 1) * size, size
}
