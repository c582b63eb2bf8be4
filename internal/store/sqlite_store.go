package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reservalab/reserva-lab/api/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded store used for development and tests. Rows
// keep the entity as a JSON blob plus the columns range queries filter on.
type SQLiteStore struct {
	db *sql.DB
	q  dbtx
	mu *sync.Mutex
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dbPath, err := resolveDBPath(path)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := initSchema(db); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}

	return &SQLiteStore{db: db, q: db, mu: &sync.Mutex{}}, nil
}

func resolveDBPath(path string) (string, error) {
	abs := filepath.Clean(path)
	if strings.HasSuffix(abs, ".db") {
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			return "", err
		}
		return abs, nil
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", err
	}
	return filepath.Join(abs, "store.db"), nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		"PRAGMA foreign_keys = ON;",
		"CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, email TEXT NOT NULL UNIQUE, data BLOB NOT NULL);",
		"CREATE TABLE IF NOT EXISTS labs (id TEXT PRIMARY KEY, data BLOB NOT NULL);",
		"CREATE TABLE IF NOT EXISTS lab_members (lab_id TEXT NOT NULL, user_id TEXT NOT NULL, role TEXT NOT NULL, PRIMARY KEY (lab_id, user_id));",
		"CREATE TABLE IF NOT EXISTS resources (id TEXT PRIMARY KEY, lab_id TEXT NOT NULL, whole_space INTEGER NOT NULL DEFAULT 0, data BLOB NOT NULL);",
		"CREATE TABLE IF NOT EXISTS reservations (id TEXT PRIMARY KEY, resource_id TEXT NOT NULL, requester_id TEXT NOT NULL, start_time TEXT NOT NULL, end_time TEXT NOT NULL, status TEXT NOT NULL, data BLOB NOT NULL);",
		"CREATE TABLE IF NOT EXISTS blocks (id TEXT PRIMARY KEY, resource_id TEXT NOT NULL, start_time TEXT NOT NULL, end_time TEXT NOT NULL, data BLOB NOT NULL);",
		"CREATE INDEX IF NOT EXISTS idx_reservations_resource_time ON reservations(resource_id, start_time, end_time);",
		"CREATE INDEX IF NOT EXISTS idx_reservations_requester ON reservations(requester_id);",
		"CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);",
		"CREATE INDEX IF NOT EXISTS idx_blocks_resource_time ON blocks(resource_id, start_time, end_time);",
		"CREATE INDEX IF NOT EXISTS idx_resources_lab ON resources(lab_id);",
		"CREATE INDEX IF NOT EXISTS idx_lab_members_user ON lab_members(user_id);",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// fmtTime renders an instant as fixed-width UTC RFC3339 with zero-padded
// nanoseconds so that string comparison in SQL orders the same way the
// instants do, down to sub-second precision.
func fmtTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func blockingStatusPlaceholders() (string, []any) {
	marks := make([]string, len(models.BlockingStatuses))
	args := make([]any, len(models.BlockingStatuses))
	for i, s := range models.BlockingStatuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(marks, ", "), args
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithinTx serializes writers through a process-level mutex; SQLite has a
// single writer anyway and the mutex keeps the check-then-insert sequence
// atomic without relying on busy-timeout retries.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.db == nil {
		// Already transaction-scoped; run against the same transaction.
		return fn(ctx, s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	txStore := &SQLiteStore{q: tx, mu: s.mu}
	if err := fn(ctx, txStore); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return tx.Commit()
}

// LockResource is a no-op: WithinTx already holds the single-writer mutex.
func (s *SQLiteStore) LockResource(ctx context.Context, resourceID string) error {
	return nil
}

// --- users ---

// userRecord re-adds the password hash that the model excludes from its
// public JSON shape.
type userRecord struct {
	models.User
	PasswordHash string `json:"password_hash"`
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	data, err := json.Marshal(userRecord{User: *user, PasswordHash: user.PasswordHash})
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO users (id, email, data) VALUES (?, ?, ?)`, user.ID, user.Email, data)
	return err
}

func userFromRecord(rec *userRecord, err error) (*models.User, error) {
	if err != nil {
		return nil, err
	}
	user := rec.User
	user.PasswordHash = rec.PasswordHash
	return &user, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return userFromRecord(scanJSONRow[userRecord](s.q.QueryRowContext(ctx, `SELECT data FROM users WHERE id = ?`, id)))
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return userFromRecord(scanJSONRow[userRecord](s.q.QueryRowContext(ctx, `SELECT data FROM users WHERE email = ?`, email)))
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	records, err := scanJSONRows[userRecord](s.q.QueryContext(ctx, `SELECT data FROM users ORDER BY email`))
	if err != nil {
		return nil, err
	}
	users := make([]*models.User, 0, len(records))
	for _, rec := range records {
		user, _ := userFromRecord(rec, nil)
		users = append(users, user)
	}
	return users, nil
}

// --- labs ---

func (s *SQLiteStore) UpsertLab(ctx context.Context, lab *models.Lab) error {
	data, err := json.Marshal(lab)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO labs (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`, lab.ID, data)
	return err
}

func (s *SQLiteStore) GetLab(ctx context.Context, id string) (*models.Lab, error) {
	return scanJSONRow[models.Lab](s.q.QueryRowContext(ctx, `SELECT data FROM labs WHERE id = ?`, id))
}

func (s *SQLiteStore) ListLabs(ctx context.Context) ([]*models.Lab, error) {
	return scanJSONRows[models.Lab](s.q.QueryContext(ctx, `SELECT data FROM labs ORDER BY id`))
}

func (s *SQLiteStore) DeleteLab(ctx context.Context, id string) error {
	stmts := []string{
		`DELETE FROM reservations WHERE resource_id IN (SELECT id FROM resources WHERE lab_id = ?)`,
		`DELETE FROM blocks WHERE resource_id IN (SELECT id FROM resources WHERE lab_id = ?)`,
		`DELETE FROM resources WHERE lab_id = ?`,
		`DELETE FROM lab_members WHERE lab_id = ?`,
		`DELETE FROM labs WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SetLabMembers(ctx context.Context, labID string, members []models.LabMember) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM lab_members WHERE lab_id = ?`, labID); err != nil {
		return err
	}
	for _, m := range members {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO lab_members (lab_id, user_id, role) VALUES (?, ?, ?)`,
			labID, m.UserID, string(m.Role)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ListLabMembers(ctx context.Context, labID string) ([]models.LabMember, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT lab_id, user_id, role FROM lab_members WHERE lab_id = ? ORDER BY user_id`, labID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var members []models.LabMember
	for rows.Next() {
		var m models.LabMember
		var role string
		if err := rows.Scan(&m.LabID, &m.UserID, &role); err != nil {
			return nil, err
		}
		m.Role = models.MemberRole(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) ManagedLabIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT lab_id FROM lab_members WHERE user_id = ? AND role = ? ORDER BY lab_id`,
		userID, string(models.MemberRoleManager))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- resources ---

func (s *SQLiteStore) UpsertResource(ctx context.Context, resource *models.Resource) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	wholeSpace := 0
	if resource.WholeSpace {
		wholeSpace = 1
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO resources (id, lab_id, whole_space, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET lab_id=excluded.lab_id, whole_space=excluded.whole_space, data=excluded.data`,
		resource.ID, resource.LabID, wholeSpace, data)
	return err
}

func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	return scanJSONRow[models.Resource](s.q.QueryRowContext(ctx, `SELECT data FROM resources WHERE id = ?`, id))
}

func (s *SQLiteStore) ListResourcesByLab(ctx context.Context, labID string) ([]*models.Resource, error) {
	return scanJSONRows[models.Resource](s.q.QueryContext(ctx, `SELECT data FROM resources WHERE lab_id = ? ORDER BY id`, labID))
}

func (s *SQLiteStore) DeleteResource(ctx context.Context, id string) error {
	stmts := []string{
		`DELETE FROM reservations WHERE resource_id = ?`,
		`DELETE FROM blocks WHERE resource_id = ?`,
		`DELETE FROM resources WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) WholeSpaceResource(ctx context.Context, labID string) (*models.Resource, error) {
	return scanJSONRow[models.Resource](s.q.QueryRowContext(ctx,
		`SELECT data FROM resources WHERE lab_id = ? AND whole_space = 1 LIMIT 1`, labID))
}

// --- reservations ---

func (s *SQLiteStore) CreateReservation(ctx context.Context, reservation *models.Reservation) error {
	data, err := json.Marshal(reservation)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO reservations (id, resource_id, requester_id, start_time, end_time, status, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		reservation.ID, reservation.ResourceID, reservation.RequesterID,
		fmtTime(reservation.Start), fmtTime(reservation.End), string(reservation.Status), data)
	return err
}

func (s *SQLiteStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return scanJSONRow[models.Reservation](s.q.QueryRowContext(ctx, `SELECT data FROM reservations WHERE id = ?`, id))
}

func (s *SQLiteStore) UpdateReservationStatus(ctx context.Context, id string, status models.ReservationStatus) error {
	res, err := s.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	res.Status = status
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `UPDATE reservations SET status = ?, data = ? WHERE id = ?`, string(status), data, id)
	return err
}

func (s *SQLiteStore) FindBlockingReservation(ctx context.Context, resourceID string, start, end time.Time, excludeID string) (*models.Reservation, error) {
	marks, args := blockingStatusPlaceholders()
	query := `SELECT data FROM reservations WHERE resource_id = ? AND status IN (` + marks + `) AND start_time < ? AND end_time > ?`
	queryArgs := append([]any{resourceID}, args...)
	queryArgs = append(queryArgs, fmtTime(end), fmtTime(start))
	if excludeID != "" {
		query += ` AND id != ?`
		queryArgs = append(queryArgs, excludeID)
	}
	query += ` LIMIT 1`

	res, err := scanJSONRow[models.Reservation](s.q.QueryRowContext(ctx, query, queryArgs...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return res, err
}

func (s *SQLiteStore) ListBlockingReservations(ctx context.Context, resourceID string, winStart, winEnd time.Time) ([]*models.Reservation, error) {
	marks, args := blockingStatusPlaceholders()
	query := `SELECT data FROM reservations WHERE resource_id = ? AND status IN (` + marks + `) AND start_time < ? AND end_time > ? ORDER BY start_time`
	queryArgs := append([]any{resourceID}, args...)
	queryArgs = append(queryArgs, fmtTime(winEnd), fmtTime(winStart))
	return scanJSONRows[models.Reservation](s.q.QueryContext(ctx, query, queryArgs...))
}

func (s *SQLiteStore) ListReservationsByRequester(ctx context.Context, requesterID string) ([]*models.Reservation, error) {
	return scanJSONRows[models.Reservation](s.q.QueryContext(ctx,
		`SELECT data FROM reservations WHERE requester_id = ? ORDER BY start_time DESC`, requesterID))
}

func (s *SQLiteStore) ListPendingByLabs(ctx context.Context, labIDs []string) ([]*models.Reservation, error) {
	query := `SELECT r.data FROM reservations r JOIN resources res ON r.resource_id = res.id WHERE r.status = ?`
	args := []any{string(models.StatusPending)}
	if labIDs != nil {
		if len(labIDs) == 0 {
			return nil, nil
		}
		query += ` AND res.lab_id IN (` + placeholders(len(labIDs)) + `)`
		for _, id := range labIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY r.start_time`
	return scanJSONRows[models.Reservation](s.q.QueryContext(ctx, query, args...))
}

func (s *SQLiteStore) CountPendingByLabs(ctx context.Context, labIDs []string) (int, error) {
	query := `SELECT COUNT(*) FROM reservations r JOIN resources res ON r.resource_id = res.id WHERE r.status = ?`
	args := []any{string(models.StatusPending)}
	if labIDs != nil {
		if len(labIDs) == 0 {
			return 0, nil
		}
		query += ` AND res.lab_id IN (` + placeholders(len(labIDs)) + `)`
		for _, id := range labIDs {
			args = append(args, id)
		}
	}
	var count int
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLiteStore) HasFutureBlockingReservation(ctx context.Context, resourceID string, now time.Time) (bool, error) {
	marks, args := blockingStatusPlaceholders()
	query := `SELECT EXISTS(SELECT 1 FROM reservations WHERE resource_id = ? AND status IN (` + marks + `) AND end_time >= ?)`
	queryArgs := append([]any{resourceID}, args...)
	queryArgs = append(queryArgs, fmtTime(now))
	var exists bool
	if err := s.q.QueryRowContext(ctx, query, queryArgs...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *SQLiteStore) HasFutureBlockingReservationForLab(ctx context.Context, labID string, now time.Time) (bool, error) {
	marks, args := blockingStatusPlaceholders()
	query := `SELECT EXISTS(SELECT 1 FROM reservations r JOIN resources res ON r.resource_id = res.id
		WHERE res.lab_id = ? AND r.status IN (` + marks + `) AND r.end_time >= ?)`
	queryArgs := append([]any{labID}, args...)
	queryArgs = append(queryArgs, fmtTime(now))
	var exists bool
	if err := s.q.QueryRowContext(ctx, query, queryArgs...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// --- blocks ---

func (s *SQLiteStore) CreateBlock(ctx context.Context, block *models.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO blocks (id, resource_id, start_time, end_time, data) VALUES (?, ?, ?, ?, ?)`,
		block.ID, block.ResourceID, fmtTime(block.Start), fmtTime(block.End), data)
	return err
}

func (s *SQLiteStore) GetBlock(ctx context.Context, id string) (*models.Block, error) {
	return scanJSONRow[models.Block](s.q.QueryRowContext(ctx, `SELECT data FROM blocks WHERE id = ?`, id))
}

func (s *SQLiteStore) DeleteBlock(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) FindBlockOverlap(ctx context.Context, resourceID string, start, end time.Time) (*models.Block, error) {
	block, err := scanJSONRow[models.Block](s.q.QueryRowContext(ctx,
		`SELECT data FROM blocks WHERE resource_id = ? AND start_time < ? AND end_time > ? LIMIT 1`,
		resourceID, fmtTime(end), fmtTime(start)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return block, err
}

func (s *SQLiteStore) ListBlocks(ctx context.Context, resourceID string, winStart, winEnd time.Time) ([]*models.Block, error) {
	return scanJSONRows[models.Block](s.q.QueryContext(ctx,
		`SELECT data FROM blocks WHERE resource_id = ? AND start_time < ? AND end_time > ? ORDER BY start_time`,
		resourceID, fmtTime(winEnd), fmtTime(winStart)))
}

// --- scan helpers ---

func scanJSONRow[T any](row *sql.Row) (*T, error) {
	var raw []byte
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanJSONRows[T any](rows *sql.Rows, err error) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
