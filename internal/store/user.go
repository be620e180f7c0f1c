package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/playlog/apiserver/types"
)

const uniqueViolation = "23505"

const userColumns = `id, username, email, name, role, active, password_hash, created_at, updated_at`

// UserRepository handles persistence for users.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.Active,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

// GetByLogin finds a user by username or email, case-insensitively.
func (r *UserRepository) GetByLogin(ctx context.Context, login string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE lower(username) = lower($1) OR lower(email) = lower($1)
		LIMIT 1`
	return scanUser(r.db.QueryRowContext(ctx, query, login))
}

// CreateWithSession inserts user and its first session in one transaction,
// so a failed session insert leaves no account behind. The generated user id
// is returned on both records. A duplicate username or email yields a
// *ConflictError.
func (r *UserRepository) CreateWithSession(ctx context.Context, user types.User, session types.Session) (types.User, types.Session, error) {
	err := WithTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		var err error
		user, err = insertUser(ctx, tx, user)
		if err != nil {
			return err
		}
		session.UserID = user.ID
		return insertSession(ctx, tx, session)
	})
	if err != nil {
		return types.User{}, types.Session{}, err
	}
	session.Active = true
	return user, session, nil
}

func insertUser(ctx context.Context, q DBTX, user types.User) (types.User, error) {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (username, email, name, role, active, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	if err := q.QueryRowContext(
		ctx,
		query,
		user.Username,
		user.Email,
		user.Name,
		user.Role,
		user.Active,
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID); err != nil {
		if field, ok := uniqueField(err); ok {
			return types.User{}, &ConflictError{Field: field}
		}
		return types.User{}, err
	}
	return user, nil
}

// UpdateAccess sets the role and active flag of a user.
func (r *UserRepository) UpdateAccess(ctx context.Context, id int, role types.Role, active bool) (types.User, error) {
	const query = `
		UPDATE users
		SET role = $1,
			active = $2,
			updated_at = $3
		WHERE id = $4
		RETURNING ` + userColumns
	return scanUser(r.db.QueryRowContext(ctx, query, role, active, time.Now().UTC(), id))
}

// uniqueField reports which users column a unique violation refers to. Both
// the lib/pq and pgx drivers are recognised.
func uniqueField(err error) (string, bool) {
	var constraint string
	var pqErr *pq.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pqErr) && pqErr.Code == uniqueViolation:
		constraint = pqErr.Constraint
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		constraint = pgErr.ConstraintName
	default:
		return "", false
	}

	switch {
	case strings.Contains(constraint, "email"):
		return "email", true
	case strings.Contains(constraint, "username"):
		return "username", true
	default:
		return "record", true
	}
}
