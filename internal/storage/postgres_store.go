package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/carwash-dispatch/internal/models"
)

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

// missing reports whether a keyed lookup found no row. Ids live in UUID
// columns, so an id Postgres cannot parse names no row either.
func missing(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == invalidTextRepresentation
}

// PostgresStore persists users, requests and provider locations. Request
// updates lock the request row (and any provider row they touch) with
// SELECT ... FOR UPDATE inside one transaction, and the final write is a
// conditional update on the status that was read.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate executes a DDL script.
func (p *PostgresStore) Migrate(ctx context.Context, ddl string) error {
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const userColumns = `id, phone, name, role, verified, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u      models.User
		role   string
		status sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Phone, &u.Name, &role, &u.Verified, &status, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	if status.Valid {
		u.Status = models.ProviderStatus(status.String)
	}
	return &u, nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	var status sql.NullString
	if u.IsProvider() {
		status = sql.NullString{String: string(u.Status), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Phone, u.Name, string(u.Role), u.Verified, status, u.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("phone %s already registered: %w", u.Phone, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if missing(err) {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (p *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone))
	if missing(err) {
		return nil, fmt.Errorf("phone %s: %w", phone, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by phone: %w", err)
	}
	return u, nil
}

func (p *PostgresStore) SetVerified(ctx context.Context, id string, verified bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET verified = $1 WHERE id = $2 AND role = 'provider'`, verified, id)
	if missing(err) {
		return fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set verified: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("set verified: %w", err)
	} else if n == 0 {
		return fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) SetProviderStatus(ctx context.Context, providerID string, to models.ProviderStatus, expect ...models.ProviderStatus) error {
	query := `UPDATE users SET status = $1 WHERE id = $2 AND role = 'provider'`
	args := []any{string(to), providerID}
	if len(expect) > 0 {
		allowed := make([]string, len(expect))
		for i, s := range expect {
			allowed[i] = string(s)
		}
		query += ` AND status = ANY($3)`
		args = append(args, pq.Array(allowed))
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if missing(err) {
		return fmt.Errorf("provider %s: %w", providerID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set provider status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set provider status: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM users WHERE id = $1 AND role = 'provider'`, providerID).Scan(&current)
	if missing(err) {
		return fmt.Errorf("provider %s: %w", providerID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set provider status: %w", err)
	}
	return fmt.Errorf("provider %s is %s: %w", providerID, current, models.ErrConflict)
}

func (p *PostgresStore) UpsertLocation(ctx context.Context, loc models.DriverLocation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_locations (provider_id, lat, lon, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_id) DO UPDATE
		SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = EXCLUDED.updated_at`,
		loc.ProviderID, loc.Loc.Lat, loc.Loc.Lon, loc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert location: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetLocation(ctx context.Context, providerID string) (*models.DriverLocation, error) {
	loc := models.DriverLocation{ProviderID: providerID}
	err := p.db.QueryRowContext(ctx, `SELECT lat, lon, updated_at FROM driver_locations WHERE provider_id = $1`, providerID).
		Scan(&loc.Loc.Lat, &loc.Loc.Lon, &loc.UpdatedAt)
	if missing(err) {
		return nil, fmt.Errorf("location of %s: %w", providerID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	return &loc, nil
}

const requestColumns = `id, requester_id, provider_id, lat, lon, status, contact_phone, created_at, accepted_at, started_at, completed_at, cancelled_at`

const viewSelect = `
	SELECT r.id, r.requester_id, r.provider_id, r.lat, r.lon, r.status, r.contact_phone,
	       r.created_at, r.accepted_at, r.started_at, r.completed_at, r.cancelled_at,
	       u.name, p.name, p.phone
	FROM requests r
	JOIN users u ON u.id = r.requester_id
	LEFT JOIN users p ON p.id = r.provider_id`

func scanRequest(row rowScanner, extra ...any) (*models.Request, error) {
	var (
		r          models.Request
		provider   sql.NullString
		status     string
		acceptedAt sql.NullTime
		startedAt  sql.NullTime
		doneAt     sql.NullTime
		cancelAt   sql.NullTime
	)
	dest := []any{&r.ID, &r.RequesterID, &provider, &r.Loc.Lat, &r.Loc.Lon, &status, &r.ContactPhone,
		&r.CreatedAt, &acceptedAt, &startedAt, &doneAt, &cancelAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.ProviderID = provider.String
	r.Status = models.RequestStatus(status)
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(doneAt)
	r.CancelledAt = timePtr(cancelAt)
	return &r, nil
}

func scanView(row rowScanner) (*models.RequestView, error) {
	var requesterName, providerName, providerPhone sql.NullString
	r, err := scanRequest(row, &requesterName, &providerName, &providerPhone)
	if err != nil {
		return nil, err
	}
	return &models.RequestView{
		Request:        *r,
		RequesterName:  requesterName.String,
		RequesterPhone: r.ContactPhone,
		ProviderName:   providerName.String,
		ProviderPhone:  providerPhone.String,
	}, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.Request) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO requests (id, requester_id, lat, lon, status, contact_phone, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.RequesterID, r.Loc.Lat, r.Loc.Lon, string(r.Status), r.ContactPhone, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRequestView(ctx context.Context, id string) (*models.RequestView, error) {
	v, err := scanView(p.db.QueryRowContext(ctx, viewSelect+` WHERE r.id = $1`, id))
	if missing(err) {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return v, nil
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]models.RequestView, error) {
	return p.listViews(ctx, viewSelect+` WHERE r.status = $1 ORDER BY r.created_at DESC`, string(models.StatusPending))
}

func (p *PostgresStore) ListActiveForProvider(ctx context.Context, providerID string) ([]models.RequestView, error) {
	return p.listViews(ctx, viewSelect+` WHERE r.provider_id = $1 AND r.status IN ($2, $3) ORDER BY r.accepted_at DESC`,
		providerID, string(models.StatusAccepted), string(models.StatusInProgress))
}

func (p *PostgresStore) listViews(ctx context.Context, query string, args ...any) ([]models.RequestView, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if missing(err) {
		return []models.RequestView{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	out := make([]models.RequestView, 0)
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, requestID string, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	r, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, requestID))
	if missing(err) {
		return fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock request: %w", err)
	}

	ptx := &postgresTx{tx: tx, req: *r, readStatus: r.Status}
	if err := fn(ptx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx         *sql.Tx
	req        models.Request
	readStatus models.RequestStatus
}

func (t *postgresTx) Request() models.Request { return t.req }

func (t *postgresTx) Provider(ctx context.Context, id string) (models.User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 AND role = 'provider' FOR UPDATE`, id))
	if missing(err) {
		return models.User{}, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("lock provider: %w", err)
	}
	return *u, nil
}

func (t *postgresTx) SetProviderStatus(ctx context.Context, id string, s models.ProviderStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE users SET status = $1 WHERE id = $2 AND role = 'provider'`, string(s), id)
	if missing(err) {
		return fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set provider status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("set provider status: %w", err)
	} else if n == 0 {
		return fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// SaveRequest writes the mutable columns, conditional on the status read at
// the start of the transaction.
func (t *postgresTx) SaveRequest(ctx context.Context, r models.Request) error {
	if r.ID != t.req.ID {
		return fmt.Errorf("save request %s inside update of %s: %w", r.ID, t.req.ID, models.ErrInvalidInput)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE requests
		SET provider_id = $1, status = $2, accepted_at = $3, started_at = $4, completed_at = $5, cancelled_at = $6
		WHERE id = $7 AND status = $8`,
		nullString(r.ProviderID), string(r.Status), nullTime(r.AcceptedAt), nullTime(r.StartedAt),
		nullTime(r.CompletedAt), nullTime(r.CancelledAt), r.ID, string(t.readStatus))
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("request %s changed concurrently: %w", r.ID, models.ErrConflict)
	}
	t.req = r
	t.readStatus = r.Status
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
