package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	"licensegate.app/cloud/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteStorage struct {
	sqliteQueries
	db   *sql.DB
	path string
}

type sqliteQueries struct {
	q dbtx
}

// NewSQLiteStorage opens the database at path and applies pending
// migrations. Transactions begin IMMEDIATE so a license's read-then-write
// sequence holds the write lock from its first statement.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	storage := &SQLiteStorage{
		sqliteQueries: sqliteQueries{q: db},
		db:            db,
		path:          path,
	}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func dsn(path string) string {
	params := "_busy_timeout=5000&_txlock=immediate&_foreign_keys=on&_journal_mode=WAL"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}
	// m.Close would close s.db through the driver, so it is not called.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStorage) WithTx(ctx context.Context, fn func(tx Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteQueries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

const licenseColumns = `id, license_key, status, expires_at, max_machines, strategy, remark, created_at, updated_at`
const machineColumns = `id, license_id, fingerprint, ip, platform, name, last_seen, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*models.License, error) {
	var (
		l                    models.License
		expiresAt            sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&l.ID, &l.Key, &l.Status, &expiresAt, &l.MaxMachines, &l.Strategy, &l.Remark, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := fromNanos(expiresAt.Int64)
		l.ExpiresAt = &t
	}
	l.CreatedAt = fromNanos(createdAt)
	l.UpdatedAt = fromNanos(updatedAt)
	return &l, nil
}

func scanMachine(row rowScanner, extra ...any) (*models.Machine, error) {
	var (
		m                   models.Machine
		lastSeen, createdAt int64
	)
	dest := append([]any{&m.ID, &m.LicenseID, &m.Fingerprint, &m.IP, &m.Platform, &m.Name, &lastSeen, &createdAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	m.LastSeen = fromNanos(lastSeen)
	m.CreatedAt = fromNanos(createdAt)
	return &m, nil
}

func (s *sqliteQueries) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = ?`
	return s.findLicense(ctx, query, key)
}

func (s *sqliteQueries) GetLicense(ctx context.Context, id int64) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = ?`
	return s.findLicense(ctx, query, id)
}

func (s *sqliteQueries) findLicense(ctx context.Context, query string, arg any) (*models.License, error) {
	license, err := scanLicense(s.q.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query license: %w", err))
	}

	machines, err := s.machinesFor(ctx, []int64{license.ID})
	if err != nil {
		return nil, err
	}
	license.Machines = machines[license.ID]
	return license, nil
}

// machinesFor loads machines for the given licenses, each slice ordered by
// last seen then ID.
func (s *sqliteQueries) machinesFor(ctx context.Context, licenseIDs []int64) (map[int64][]models.Machine, error) {
	result := make(map[int64][]models.Machine, len(licenseIDs))
	if len(licenseIDs) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(licenseIDs)), ",")
	args := make([]any, len(licenseIDs))
	for i, id := range licenseIDs {
		args[i] = id
	}

	query := `SELECT ` + machineColumns + ` FROM machines WHERE license_id IN (` + placeholders + `) ORDER BY last_seen ASC, id ASC`
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query machines: %w", err))
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Failed to close rows: %v", err)
		}
	}()

	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		result[m.LicenseID] = append(result[m.LicenseID], *m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("error iterating machines: %w", err))
	}
	return result, nil
}

func (s *sqliteQueries) UpdateLicenseStatus(ctx context.Context, id int64, status models.Status) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE licenses SET status = ?, updated_at = ? WHERE id = ?`,
		status, nanos(time.Now()), id)
	if err != nil {
		return classify(fmt.Errorf("failed to update license status: %w", err))
	}
	return requireRow(result)
}

func (s *sqliteQueries) InsertMachine(ctx context.Context, m *models.Machine) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.LastSeen.IsZero() {
		m.LastSeen = m.CreatedAt
	}

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO machines (license_id, fingerprint, ip, platform, name, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.LicenseID, m.Fingerprint, m.IP, m.Platform, m.Name, nanos(m.LastSeen), nanos(m.CreatedAt))
	if err != nil {
		return classify(fmt.Errorf("failed to insert machine: %w", err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read machine id: %w", err)
	}
	m.ID = id
	return nil
}

func (s *sqliteQueries) DeleteMachine(ctx context.Context, id int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id); err != nil {
		return classify(fmt.Errorf("failed to delete machine: %w", err))
	}
	return nil
}

func (s *sqliteQueries) TouchMachine(ctx context.Context, id int64, seen time.Time, ip string) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE machines SET last_seen = ?, ip = CASE WHEN ? = '' THEN ip ELSE ? END
		WHERE id = ?`,
		nanos(seen), ip, ip, id)
	if err != nil {
		return classify(fmt.Errorf("failed to touch machine: %w", err))
	}
	return requireRow(result)
}

func (s *sqliteQueries) SaveLicense(ctx context.Context, l *models.License) error {
	now := time.Now()
	l.UpdatedAt = now

	if l.ID == 0 {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		result, err := s.q.ExecContext(ctx, `
			INSERT INTO licenses (license_key, status, expires_at, max_machines, strategy, remark, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.Key, l.Status, nullableNanos(l.ExpiresAt), l.MaxMachines, l.Strategy, l.Remark, nanos(l.CreatedAt), nanos(l.UpdatedAt))
		if err != nil {
			return classify(fmt.Errorf("failed to save license: %w", err))
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read license id: %w", err)
		}
		l.ID = id
		return nil
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE licenses SET status = ?, expires_at = ?, max_machines = ?, strategy = ?, remark = ?, updated_at = ?
		WHERE id = ?`,
		l.Status, nullableNanos(l.ExpiresAt), l.MaxMachines, l.Strategy, l.Remark, nanos(l.UpdatedAt), l.ID)
	if err != nil {
		return classify(fmt.Errorf("failed to save license: %w", err))
	}
	return requireRow(result)
}

func (s *SQLiteStorage) DeleteLicense(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return classify(fmt.Errorf("failed to delete license: %w", err))
	}
	return requireRow(result)
}

func (s *SQLiteStorage) ResetMachines(ctx context.Context, licenseID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM machines WHERE license_id = ?`, licenseID)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to reset machines: %w", err))
	}
	return result.RowsAffected()
}

func (s *SQLiteStorage) ListLicenses(ctx context.Context, f LicenseFilter) ([]*models.License, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Keyword != "" {
		like := likePattern(f.Keyword)
		where = append(where, `(l.license_key LIKE ? ESCAPE '\' OR l.remark LIKE ? ESCAPE '\' OR EXISTS (
			SELECT 1 FROM machines m WHERE m.license_id = l.id AND (m.fingerprint LIKE ? ESCAPE '\' OR m.name LIKE ? ESCAPE '\' OR m.ip LIKE ? ESCAPE '\')))`)
		args = append(args, like, like, like, like, like)
	}
	if f.Status != "" {
		where = append(where, `l.status = ?`)
		args = append(args, f.Status)
	}
	switch f.Usage {
	case UsageUsed:
		where = append(where, `EXISTS (SELECT 1 FROM machines m WHERE m.license_id = l.id)`)
	case UsageUnused:
		where = append(where, `NOT EXISTS (SELECT 1 FROM machines m WHERE m.license_id = l.id)`)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM licenses l`+clause, args...).Scan(&total); err != nil {
		return nil, 0, classify(fmt.Errorf("failed to count licenses: %w", err))
	}

	order := ` ORDER BY l.created_at DESC, l.id DESC`
	if f.SortExpiring {
		order = ` ORDER BY l.expires_at IS NULL, l.expires_at ASC, l.id ASC`
	}
	offset, limit := f.window()
	query := `SELECT l.id, l.license_key, l.status, l.expires_at, l.max_machines, l.strategy, l.remark, l.created_at, l.updated_at
		FROM licenses l` + clause + order + ` LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, classify(fmt.Errorf("failed to query licenses: %w", err))
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Failed to close rows: %v", err)
		}
	}()

	var (
		licenses []*models.License
		ids      []int64
	)
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, l)
		ids = append(ids, l.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(fmt.Errorf("error iterating licenses: %w", err))
	}

	machines, err := s.machinesFor(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, l := range licenses {
		l.Machines = machines[l.ID]
	}
	return licenses, total, nil
}

func (s *SQLiteStorage) ListMachines(ctx context.Context, f MachineFilter) ([]MachineRow, int, error) {
	clause := ""
	var args []any
	if f.Keyword != "" {
		like := likePattern(f.Keyword)
		clause = ` WHERE m.fingerprint LIKE ? ESCAPE '\' OR m.name LIKE ? ESCAPE '\' OR m.ip LIKE ? ESCAPE '\' OR l.license_key LIKE ? ESCAPE '\'`
		args = append(args, like, like, like, like)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM machines m JOIN licenses l ON l.id = m.license_id` + clause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, classify(fmt.Errorf("failed to count machines: %w", err))
	}

	offset, limit := f.window()
	query := `SELECT m.id, m.license_id, m.fingerprint, m.ip, m.platform, m.name, m.last_seen, m.created_at,
			l.license_key, l.remark, l.status
		FROM machines m JOIN licenses l ON l.id = m.license_id` + clause + `
		ORDER BY m.last_seen DESC, m.id DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, classify(fmt.Errorf("failed to query machines: %w", err))
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Failed to close rows: %v", err)
		}
	}()

	var result []MachineRow
	for rows.Next() {
		var row MachineRow
		m, err := scanMachine(rows, &row.LicenseKey, &row.LicenseRemark, &row.LicenseStatus)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan machine: %w", err)
		}
		row.Machine = *m
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(fmt.Errorf("error iterating machines: %w", err))
	}
	return result, total, nil
}

func (s *SQLiteStorage) Stats(ctx context.Context, q StatsQuery) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM licenses),
			(SELECT COUNT(DISTINCT license_id) FROM machines),
			(SELECT COUNT(*) FROM machines),
			(SELECT COUNT(*) FROM machines WHERE last_seen >= ?),
			(SELECT COUNT(*) FROM licenses WHERE status = ? AND expires_at >= ? AND expires_at <= ?)`,
		nanos(q.OnlineSince), models.StatusActive, nanos(q.Now), nanos(q.ExpiringBefore),
	).Scan(&stats.TotalLicenses, &stats.ActivatedLicenses, &stats.TotalMachines, &stats.OnlineMachines, &stats.ExpiringSoon)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query stats: %w", err))
	}
	return &stats, nil
}

func (s *SQLiteStorage) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET status = ?, updated_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		models.StatusExpired, nanos(now), models.StatusActive, nanos(now))
	if err != nil {
		return 0, classify(fmt.Errorf("failed to expire licenses: %w", err))
	}
	return result.RowsAffected()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern matches keyword as a literal substring.
func likePattern(keyword string) string {
	return "%" + likeEscaper.Replace(keyword) + "%"
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return fmt.Errorf("%w: %v", ErrDuplicate, err)
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
