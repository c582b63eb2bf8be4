package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reservalab/reserva-lab/api/internal/models"
)

// PostgresStore is the production store. Transactions run serializable so
// the conflict-check-then-insert sequence cannot interleave; a per-resource
// advisory lock backs that up (see LockResource).
type PostgresStore struct {
	pool *pgxpool.Pool
	q    pgxQuerier
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool, q: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS labs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			academic_center TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lab_members (
			lab_id TEXT NOT NULL REFERENCES labs(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			role TEXT NOT NULL,
			PRIMARY KEY (lab_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			lab_id TEXT NOT NULL REFERENCES labs(id),
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			availability TEXT NOT NULL,
			whole_space BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_resources_whole_space
			ON resources(lab_id) WHERE whole_space`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL REFERENCES resources(id),
			requester_id TEXT NOT NULL REFERENCES users(id),
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			justification TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			CHECK (end_time > start_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_resource_time
			ON reservations(resource_id, start_time, end_time)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_requester
			ON reservations(requester_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status
			ON reservations(status)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL REFERENCES resources(id),
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			CHECK (end_time > start_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_resource_time
			ON blocks(resource_id, start_time, end_time)`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	txStore := &PostgresStore{q: tx}
	if err := fn(ctx, txStore); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			return errors.Join(err, rerr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// LockResource takes pg_advisory_xact_lock keyed by the resource id,
// released automatically at transaction end.
func (s *PostgresStore) LockResource(ctx context.Context, resourceID string) error {
	_, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, resourceID)
	return err
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO users (id, name, email, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Name, user.Email, user.PasswordHash, string(user.Role), user.CreatedAt)
	return err
}

func (s *PostgresStore) scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var role string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

const userCols = `id, name, email, password_hash, role, created_at`

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.scanUser(s.q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email = $1`, email))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.q.Query(ctx, `SELECT `+userCols+` FROM users ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- labs ---

func (s *PostgresStore) UpsertLab(ctx context.Context, lab *models.Lab) error {
	_, err := s.q.Exec(ctx, `INSERT INTO labs (id, name, description, academic_center, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name=excluded.name, description=excluded.description,
			academic_center=excluded.academic_center, updated_at=excluded.updated_at`,
		lab.ID, lab.Name, lab.Description, lab.AcademicCenter, lab.CreatedAt, lab.UpdatedAt)
	return err
}

func (s *PostgresStore) scanLab(row pgx.Row) (*models.Lab, error) {
	var l models.Lab
	err := row.Scan(&l.ID, &l.Name, &l.Description, &l.AcademicCenter, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

const labCols = `id, name, description, academic_center, created_at, updated_at`

func (s *PostgresStore) GetLab(ctx context.Context, id string) (*models.Lab, error) {
	return s.scanLab(s.q.QueryRow(ctx, `SELECT `+labCols+` FROM labs WHERE id = $1`, id))
}

func (s *PostgresStore) ListLabs(ctx context.Context) ([]*models.Lab, error) {
	rows, err := s.q.Query(ctx, `SELECT `+labCols+` FROM labs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labs []*models.Lab
	for rows.Next() {
		l, err := s.scanLab(rows)
		if err != nil {
			return nil, err
		}
		labs = append(labs, l)
	}
	return labs, rows.Err()
}

func (s *PostgresStore) DeleteLab(ctx context.Context, id string) error {
	stmts := []string{
		`DELETE FROM reservations WHERE resource_id IN (SELECT id FROM resources WHERE lab_id = $1)`,
		`DELETE FROM blocks WHERE resource_id IN (SELECT id FROM resources WHERE lab_id = $1)`,
		`DELETE FROM resources WHERE lab_id = $1`,
		`DELETE FROM lab_members WHERE lab_id = $1`,
		`DELETE FROM labs WHERE id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.Exec(ctx, stmt, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) SetLabMembers(ctx context.Context, labID string, members []models.LabMember) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM lab_members WHERE lab_id = $1`, labID); err != nil {
		return err
	}
	for _, m := range members {
		if _, err := s.q.Exec(ctx,
			`INSERT INTO lab_members (lab_id, user_id, role) VALUES ($1, $2, $3)`,
			labID, m.UserID, string(m.Role)); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListLabMembers(ctx context.Context, labID string) ([]models.LabMember, error) {
	rows, err := s.q.Query(ctx,
		`SELECT lab_id, user_id, role FROM lab_members WHERE lab_id = $1 ORDER BY user_id`, labID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (s *PostgresStore) ManagedLabIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.q.Query(ctx,
		`SELECT lab_id FROM lab_members WHERE user_id = $1 AND role = $2 ORDER BY lab_id`,
		userID, string(models.MemberRoleManager))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (s *PostgresStore) UpsertResource(ctx context.Context, resource *models.Resource) error {
	_, err := s.q.Exec(ctx, `INSERT INTO resources (id, lab_id, name, description, availability, whole_space, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET lab_id=excluded.lab_id, name=excluded.name, description=excluded.description,
			availability=excluded.availability, whole_space=excluded.whole_space`,
		resource.ID, resource.LabID, resource.Name, resource.Description,
		string(resource.Availability), resource.WholeSpace, resource.CreatedAt)
	return err
}

func (s *PostgresStore) scanResource(row pgx.Row) (*models.Resource, error) {
	var r models.Resource
	var availability string
	err := row.Scan(&r.ID, &r.LabID, &r.Name, &r.Description, &availability, &r.WholeSpace, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Availability = models.ResourceAvailability(availability)
	return &r, nil
}

const resourceCols = `id, lab_id, name, description, availability, whole_space, created_at`

func (s *PostgresStore) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	return s.scanResource(s.q.QueryRow(ctx, `SELECT `+resourceCols+` FROM resources WHERE id = $1`, id))
}

func (s *PostgresStore) ListResourcesByLab(ctx context.Context, labID string) ([]*models.Resource, error) {
	rows, err := s.q.Query(ctx, `SELECT `+resourceCols+` FROM resources WHERE lab_id = $1 ORDER BY name`, labID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []*models.Resource
	for rows.Next() {
		r, err := s.scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

func (s *PostgresStore) DeleteResource(ctx context.Context, id string) error {
	stmts := []string{
		`DELETE FROM reservations WHERE resource_id = $1`,
		`DELETE FROM blocks WHERE resource_id = $1`,
		`DELETE FROM resources WHERE id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.Exec(ctx, stmt, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) WholeSpaceResource(ctx context.Context, labID string) (*models.Resource, error) {
	return s.scanResource(s.q.QueryRow(ctx,
		`SELECT `+resourceCols+` FROM resources WHERE lab_id = $1 AND whole_space LIMIT 1`, labID))
}

// --- reservations ---

func (s *PostgresStore) CreateReservation(ctx context.Context, reservation *models.Reservation) error {
	_, err := s.q.Exec(ctx, `INSERT INTO reservations (id, resource_id, requester_id, start_time, end_time, justification, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		reservation.ID, reservation.ResourceID, reservation.RequesterID,
		reservation.Start, reservation.End, reservation.Justification,
		string(reservation.Status), reservation.CreatedAt)
	return err
}

func (s *PostgresStore) scanReservation(row pgx.Row) (*models.Reservation, error) {
	var r models.Reservation
	var status string
	err := row.Scan(&r.ID, &r.ResourceID, &r.RequesterID, &r.Start, &r.End, &r.Justification, &status, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.ReservationStatus(status)
	return &r, nil
}

const reservationCols = `id, resource_id, requester_id, start_time, end_time, justification, status, created_at`

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return s.scanReservation(s.q.QueryRow(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id))
}

func (s *PostgresStore) UpdateReservationStatus(ctx context.Context, id string, status models.ReservationStatus) error {
	tag, err := s.q.Exec(ctx, `UPDATE reservations SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func blockingStatusArgs() []string {
	out := make([]string, len(models.BlockingStatuses))
	for i, st := range models.BlockingStatuses {
		out[i] = string(st)
	}
	return out
}

func (s *PostgresStore) FindBlockingReservation(ctx context.Context, resourceID string, start, end time.Time, excludeID string) (*models.Reservation, error) {
	query := `SELECT ` + reservationCols + ` FROM reservations
		WHERE resource_id = $1 AND status = ANY($2) AND start_time < $3 AND end_time > $4`
	args := []any{resourceID, blockingStatusArgs(), end, start}
	if excludeID != "" {
		query += ` AND id != $5`
		args = append(args, excludeID)
	}
	query += ` LIMIT 1`

	res, err := s.scanReservation(s.q.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return res, err
}

func (s *PostgresStore) ListBlockingReservations(ctx context.Context, resourceID string, winStart, winEnd time.Time) ([]*models.Reservation, error) {
	rows, err := s.q.Query(ctx, `SELECT `+reservationCols+` FROM reservations
		WHERE resource_id = $1 AND status = ANY($2) AND start_time < $3 AND end_time > $4
		ORDER BY start_time`,
		resourceID, blockingStatusArgs(), winEnd, winStart)
	return s.collectReservations(rows, err)
}

func (s *PostgresStore) ListReservationsByRequester(ctx context.Context, requesterID string) ([]*models.Reservation, error) {
	rows, err := s.q.Query(ctx, `SELECT `+reservationCols+` FROM reservations
		WHERE requester_id = $1 ORDER BY start_time DESC`, requesterID)
	return s.collectReservations(rows, err)
}

func (s *PostgresStore) ListPendingByLabs(ctx context.Context, labIDs []string) ([]*models.Reservation, error) {
	if labIDs != nil && len(labIDs) == 0 {
		return nil, nil
	}
	query := `SELECT r.id, r.resource_id, r.requester_id, r.start_time, r.end_time, r.justification, r.status, r.created_at
		FROM reservations r JOIN resources res ON r.resource_id = res.id
		WHERE r.status = $1`
	args := []any{string(models.StatusPending)}
	if labIDs != nil {
		query += ` AND res.lab_id = ANY($2)`
		args = append(args, labIDs)
	}
	query += ` ORDER BY r.start_time`
	rows, err := s.q.Query(ctx, query, args...)
	return s.collectReservations(rows, err)
}

func (s *PostgresStore) CountPendingByLabs(ctx context.Context, labIDs []string) (int, error) {
	if labIDs != nil && len(labIDs) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM reservations r JOIN resources res ON r.resource_id = res.id
		WHERE r.status = $1`
	args := []any{string(models.StatusPending)}
	if labIDs != nil {
		query += ` AND res.lab_id = ANY($2)`
		args = append(args, labIDs)
	}
	var count int
	if err := s.q.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) HasFutureBlockingReservation(ctx context.Context, resourceID string, now time.Time) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservations
		WHERE resource_id = $1 AND status = ANY($2) AND end_time >= $3)`,
		resourceID, blockingStatusArgs(), now).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) HasFutureBlockingReservationForLab(ctx context.Context, labID string, now time.Time) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservations r
		JOIN resources res ON r.resource_id = res.id
		WHERE res.lab_id = $1 AND r.status = ANY($2) AND r.end_time >= $3)`,
		labID, blockingStatusArgs(), now).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) collectReservations(rows pgx.Rows, err error) ([]*models.Reservation, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		r, err := s.scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- blocks ---

func (s *PostgresStore) CreateBlock(ctx context.Context, block *models.Block) error {
	_, err := s.q.Exec(ctx, `INSERT INTO blocks (id, resource_id, start_time, end_time, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		block.ID, block.ResourceID, block.Start, block.End, block.Reason, block.CreatedAt)
	return err
}

func (s *PostgresStore) scanBlock(row pgx.Row) (*models.Block, error) {
	var b models.Block
	err := row.Scan(&b.ID, &b.ResourceID, &b.Start, &b.End, &b.Reason, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

const blockCols = `id, resource_id, start_time, end_time, reason, created_at`

func (s *PostgresStore) GetBlock(ctx context.Context, id string) (*models.Block, error) {
	return s.scanBlock(s.q.QueryRow(ctx, `SELECT `+blockCols+` FROM blocks WHERE id = $1`, id))
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM blocks WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) FindBlockOverlap(ctx context.Context, resourceID string, start, end time.Time) (*models.Block, error) {
	block, err := s.scanBlock(s.q.QueryRow(ctx, `SELECT `+blockCols+` FROM blocks
		WHERE resource_id = $1 AND start_time < $2 AND end_time > $3 LIMIT 1`,
		resourceID, end, start))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return block, err
}

func (s *PostgresStore) ListBlocks(ctx context.Context, resourceID string, winStart, winEnd time.Time) ([]*models.Block, error) {
	rows, err := s.q.Query(ctx, `SELECT `+blockCols+` FROM blocks
		WHERE resource_id = $1 AND start_time < $2 AND end_time > $3 ORDER BY start_time`,
		resourceID, winEnd, winStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Block
	for rows.Next() {
		b, err := s.scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
