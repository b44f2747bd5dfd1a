package models

import (
	"math"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusExpired   Status = "EXPIRED"
	// StatusInactive is never persisted. Admin listings show it for ACTIVE
	// licenses that have no bound machines yet.
	StatusInactive Status = "INACTIVE"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusExpired:
		return true
	}
	return false
}

type Strategy string

const (
	// StrategyFloating evicts the least recently seen machine on overflow.
	StrategyFloating Strategy = "FLOATING"
	// StrategyStrict rejects new machines on overflow.
	StrategyStrict Strategy = "STRICT"
)

func (s Strategy) Valid() bool {
	return s == StrategyFloating || s == StrategyStrict
}

// PerpetualDays is reported as remaining days for licenses without expiry.
const PerpetualDays = 99999

type License struct {
	ID          int64      `json:"id"`
	Key         string     `json:"key"`
	Status      Status     `json:"status"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	MaxMachines int        `json:"maxMachines"`
	Strategy    Strategy   `json:"strategy"`
	Remark      string     `json:"remark"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	// Machines is ordered by LastSeen ascending, ties broken by ID.
	Machines []Machine `json:"machines,omitempty"`
}

type Machine struct {
	// ID is assigned in insertion order and doubles as the binding sequence.
	ID          int64     `json:"id"`
	LicenseID   int64     `json:"licenseId"`
	Fingerprint string    `json:"fingerprint"`
	IP          string    `json:"ip"`
	Platform    string    `json:"platform"`
	Name        string    `json:"name"`
	LastSeen    time.Time `json:"lastSeen"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NormalizeKey returns the canonical form of a license key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// IsExpired reports whether expiresAt lies strictly before now.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && now.After(*expiresAt)
}

// EffectiveStatus computes the status presented to callers. An overdue
// expiry always wins over the persisted value.
func EffectiveStatus(status Status, expiresAt *time.Time, now time.Time) Status {
	if IsExpired(expiresAt, now) {
		return StatusExpired
	}
	return status
}

func (l *License) EffectiveStatus(now time.Time) Status {
	return EffectiveStatus(l.Status, l.ExpiresAt, now)
}

// RemainingDays is the floor of whole days until expiry, or PerpetualDays.
func (l *License) RemainingDays(now time.Time) int {
	if l.ExpiresAt == nil {
		return PerpetualDays
	}
	return int(math.Floor(l.ExpiresAt.Sub(now).Hours() / 24))
}

// FindMachine returns the machine bound with fingerprint, or nil.
func (l *License) FindMachine(fingerprint string) *Machine {
	for i := range l.Machines {
		if l.Machines[i].Fingerprint == fingerprint {
			return &l.Machines[i]
		}
	}
	return nil
}

// OldestMachine picks the eviction victim: minimum LastSeen, then minimum ID.
// It does not rely on slice order.
func (l *License) OldestMachine() *Machine {
	var oldest *Machine
	for i := range l.Machines {
		m := &l.Machines[i]
		if oldest == nil || m.LastSeen.Before(oldest.LastSeen) ||
			(m.LastSeen.Equal(oldest.LastSeen) && m.ID < oldest.ID) {
			oldest = m
		}
	}
	return oldest
}

// SortMachines orders machines by LastSeen ascending, then by ID.
func SortMachines(machines []Machine) {
	sort.Slice(machines, func(i, j int) bool {
		return machineLess(machines[i], machines[j])
	})
}

func machineLess(a, b Machine) bool {
	if a.LastSeen.Equal(b.LastSeen) {
		return a.ID < b.ID
	}
	return a.LastSeen.Before(b.LastSeen)
}
