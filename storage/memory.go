package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"licensegate.app/cloud/models"
)

// MemoryStorage keeps everything in process. Transactions are serialized and
// rolled back through an undo log.
type MemoryStorage struct {
	mu       sync.RWMutex
	txMu     sync.Mutex
	licenses map[int64]*models.License
	machines map[int64]*models.Machine

	nextLicenseID int64
	nextMachineID int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		licenses: make(map[int64]*models.License),
		machines: make(map[int64]*models.Machine),
	}
}

func (m *MemoryStorage) init() {
	if m.licenses == nil {
		m.licenses = make(map[int64]*models.License)
	}
	if m.machines == nil {
		m.machines = make(map[int64]*models.Machine)
	}
}

func (m *MemoryStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.licenses {
		if l.Key == key {
			return m.withMachines(l), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id int64) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, exists := m.licenses[id]
	if !exists {
		return nil, nil
	}
	return m.withMachines(l), nil
}

// withMachines copies l and attaches its sorted machines. Callers hold mu.
func (m *MemoryStorage) withMachines(l *models.License) *models.License {
	licenseCopy := *l
	licenseCopy.Machines = nil
	for _, machine := range m.machines {
		if machine.LicenseID == l.ID {
			licenseCopy.Machines = append(licenseCopy.Machines, *machine)
		}
	}
	models.SortMachines(licenseCopy.Machines)
	return &licenseCopy
}

func (m *MemoryStorage) UpdateLicenseStatus(ctx context.Context, id int64, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, exists := m.licenses[id]
	if !exists {
		return ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) InsertMachine(ctx context.Context, machine *models.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	if _, exists := m.licenses[machine.LicenseID]; !exists {
		return fmt.Errorf("license %d: %w", machine.LicenseID, ErrNotFound)
	}
	for _, existing := range m.machines {
		if existing.LicenseID == machine.LicenseID && existing.Fingerprint == machine.Fingerprint {
			return ErrDuplicate
		}
	}

	m.nextMachineID++
	machine.ID = m.nextMachineID
	if machine.CreatedAt.IsZero() {
		machine.CreatedAt = time.Now()
	}
	if machine.LastSeen.IsZero() {
		machine.LastSeen = machine.CreatedAt
	}
	stored := *machine
	m.machines[machine.ID] = &stored
	return nil
}

func (m *MemoryStorage) DeleteMachine(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.machines, id)
	return nil
}

func (m *MemoryStorage) TouchMachine(ctx context.Context, id int64, seen time.Time, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	machine, exists := m.machines[id]
	if !exists {
		return ErrNotFound
	}
	machine.LastSeen = seen
	if ip != "" {
		machine.IP = ip
	}
	return nil
}

func (m *MemoryStorage) WithTx(ctx context.Context, fn func(tx Queries) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryStorage) SaveLicense(ctx context.Context, l *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	now := time.Now()
	for _, existing := range m.licenses {
		if existing.Key == l.Key && existing.ID != l.ID {
			return fmt.Errorf("license key %s: %w", l.Key, ErrDuplicate)
		}
	}

	if l.ID == 0 {
		m.nextLicenseID++
		l.ID = m.nextLicenseID
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
	} else if _, exists := m.licenses[l.ID]; !exists {
		return ErrNotFound
	}
	l.UpdatedAt = now

	stored := *l
	stored.Machines = nil
	m.licenses[l.ID] = &stored
	return nil
}

func (m *MemoryStorage) DeleteLicense(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.licenses[id]; !exists {
		return ErrNotFound
	}
	delete(m.licenses, id)
	for machineID, machine := range m.machines {
		if machine.LicenseID == id {
			delete(m.machines, machineID)
		}
	}
	return nil
}

func (m *MemoryStorage) ResetMachines(ctx context.Context, licenseID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for machineID, machine := range m.machines {
		if machine.LicenseID == licenseID {
			delete(m.machines, machineID)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStorage) ListLicenses(ctx context.Context, f LicenseFilter) ([]*models.License, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keyword := strings.ToLower(f.Keyword)
	var matched []*models.License
	for _, stored := range m.licenses {
		l := m.withMachines(stored)
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.Usage == UsageUsed && len(l.Machines) == 0 {
			continue
		}
		if f.Usage == UsageUnused && len(l.Machines) > 0 {
			continue
		}
		if keyword != "" && !licenseMatches(l, keyword) {
			continue
		}
		matched = append(matched, l)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if f.SortExpiring {
			switch {
			case a.ExpiresAt == nil && b.ExpiresAt == nil:
				return a.ID < b.ID
			case a.ExpiresAt == nil:
				return false
			case b.ExpiresAt == nil:
				return true
			case !a.ExpiresAt.Equal(*b.ExpiresAt):
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
			return a.ID < b.ID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	total := len(matched)
	offset, limit := f.window()
	return paginate(matched, offset, limit), total, nil
}

func licenseMatches(l *models.License, keyword string) bool {
	if containsFold(l.Key, keyword) || containsFold(l.Remark, keyword) {
		return true
	}
	for _, machine := range l.Machines {
		if containsFold(machine.Fingerprint, keyword) || containsFold(machine.Name, keyword) || containsFold(machine.IP, keyword) {
			return true
		}
	}
	return false
}

func (m *MemoryStorage) ListMachines(ctx context.Context, f MachineFilter) ([]MachineRow, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keyword := strings.ToLower(f.Keyword)
	var rows []MachineRow
	for _, machine := range m.machines {
		l, exists := m.licenses[machine.LicenseID]
		if !exists {
			continue
		}
		row := MachineRow{
			Machine:       *machine,
			LicenseKey:    l.Key,
			LicenseRemark: l.Remark,
			LicenseStatus: l.Status,
		}
		if keyword != "" && !containsFold(row.Fingerprint, keyword) && !containsFold(row.Name, keyword) &&
			!containsFold(row.IP, keyword) && !containsFold(row.LicenseKey, keyword) {
			continue
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].LastSeen.Equal(rows[j].LastSeen) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].LastSeen.After(rows[j].LastSeen)
	})

	total := len(rows)
	offset, limit := f.window()
	return paginate(rows, offset, limit), total, nil
}

func (m *MemoryStorage) Stats(ctx context.Context, q StatsQuery) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		TotalLicenses: int64(len(m.licenses)),
		TotalMachines: int64(len(m.machines)),
	}
	activated := make(map[int64]bool)
	for _, machine := range m.machines {
		activated[machine.LicenseID] = true
		if !machine.LastSeen.Before(q.OnlineSince) {
			stats.OnlineMachines++
		}
	}
	stats.ActivatedLicenses = int64(len(activated))
	for _, l := range m.licenses {
		if l.Status == models.StatusActive && l.ExpiresAt != nil &&
			!l.ExpiresAt.Before(q.Now) && !l.ExpiresAt.After(q.ExpiringBefore) {
			stats.ExpiringSoon++
		}
	}
	return stats, nil
}

func (m *MemoryStorage) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed int64
	for _, l := range m.licenses {
		if l.Status == models.StatusActive && l.ExpiresAt != nil && l.ExpiresAt.Before(now) {
			l.Status = models.StatusExpired
			l.UpdatedAt = now
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

// memoryTx forwards to the store and records how to undo each write.
type memoryTx struct {
	store *MemoryStorage
	undo  []func()
}

func (tx *memoryTx) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	return tx.store.FindLicenseByKey(ctx, key)
}

func (tx *memoryTx) UpdateLicenseStatus(ctx context.Context, id int64, status models.Status) error {
	tx.store.mu.RLock()
	l, exists := tx.store.licenses[id]
	var previous models.Status
	if exists {
		previous = l.Status
	}
	tx.store.mu.RUnlock()

	if err := tx.store.UpdateLicenseStatus(ctx, id, status); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() {
		if l, ok := tx.store.licenses[id]; ok {
			l.Status = previous
		}
	})
	return nil
}

func (tx *memoryTx) InsertMachine(ctx context.Context, machine *models.Machine) error {
	if err := tx.store.InsertMachine(ctx, machine); err != nil {
		return err
	}
	id := machine.ID
	tx.undo = append(tx.undo, func() {
		delete(tx.store.machines, id)
	})
	return nil
}

func (tx *memoryTx) DeleteMachine(ctx context.Context, id int64) error {
	tx.store.mu.RLock()
	removed, exists := tx.store.machines[id]
	tx.store.mu.RUnlock()

	if err := tx.store.DeleteMachine(ctx, id); err != nil {
		return err
	}
	if exists {
		tx.undo = append(tx.undo, func() {
			tx.store.machines[id] = removed
		})
	}
	return nil
}

func (tx *memoryTx) TouchMachine(ctx context.Context, id int64, seen time.Time, ip string) error {
	tx.store.mu.RLock()
	machine, exists := tx.store.machines[id]
	var previous models.Machine
	if exists {
		previous = *machine
	}
	tx.store.mu.RUnlock()

	if err := tx.store.TouchMachine(ctx, id, seen, ip); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() {
		if m, ok := tx.store.machines[id]; ok {
			m.LastSeen = previous.LastSeen
			m.IP = previous.IP
		}
	})
	return nil
}

func (tx *memoryTx) SaveLicense(ctx context.Context, l *models.License) error {
	tx.store.mu.RLock()
	var previous *models.License
	if existing, ok := tx.store.licenses[l.ID]; ok && l.ID != 0 {
		snapshot := *existing
		previous = &snapshot
	}
	tx.store.mu.RUnlock()

	if err := tx.store.SaveLicense(ctx, l); err != nil {
		return err
	}
	id := l.ID
	tx.undo = append(tx.undo, func() {
		if previous == nil {
			delete(tx.store.licenses, id)
			return
		}
		tx.store.licenses[id] = previous
	})
	return nil
}

func (tx *memoryTx) rollback() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
}

func containsFold(s, lowerSubstr string) bool {
	return strings.Contains(strings.ToLower(s), lowerSubstr)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
