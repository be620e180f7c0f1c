package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/playlog/apiserver/types"
)

// SessionRepository handles persistence for login sessions.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Rotate deactivates every active session of session.UserID and inserts
// session as the new active one, in a single transaction. The owning user row
// is locked first so concurrent logins of one account serialize. It returns
// the ids of the sessions it deactivated.
func (r *SessionRepository) Rotate(ctx context.Context, session types.Session) ([]string, error) {
	var revoked []string
	err := WithTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		var userID int
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, session.UserID).Scan(&userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		revoked, err = deactivateReturning(ctx, tx, `
			UPDATE sessions
			SET active = false,
				deactivated_at = $2
			WHERE user_id = $1 AND active
			RETURNING id`, session.UserID, session.CreatedAt)
		if err != nil {
			return err
		}

		return insertSession(ctx, tx, session)
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

func insertSession(ctx context.Context, q DBTX, session types.Session) error {
	const query = `
		INSERT INTO sessions (id, user_id, active, ip, user_agent, expires_at, created_at)
		VALUES ($1, $2, true, $3, $4, $5, $6)`
	_, err := q.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.IP,
		session.UserAgent,
		session.ExpiresAt,
		session.CreatedAt,
	)
	return err
}

// GetWithUser loads a session joined with its owner.
func (r *SessionRepository) GetWithUser(ctx context.Context, id string) (types.SessionWithUser, error) {
	const query = `
		SELECT s.id, s.user_id, s.active, s.ip, s.user_agent, s.expires_at, s.created_at, s.deactivated_at,
			u.id, u.username, u.email, u.name, u.role, u.active, u.password_hash, u.created_at, u.updated_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = $1`

	var (
		out         types.SessionWithUser
		deactivated sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&out.Session.ID,
		&out.Session.UserID,
		&out.Session.Active,
		&out.Session.IP,
		&out.Session.UserAgent,
		&out.Session.ExpiresAt,
		&out.Session.CreatedAt,
		&deactivated,
		&out.User.ID,
		&out.User.Username,
		&out.User.Email,
		&out.User.Name,
		&out.User.Role,
		&out.User.Active,
		&out.User.PasswordHash,
		&out.User.CreatedAt,
		&out.User.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.SessionWithUser{}, ErrNotFound
		}
		return types.SessionWithUser{}, err
	}
	if deactivated.Valid {
		out.Session.DeactivatedAt = &deactivated.Time
	}
	return out, nil
}

// Deactivate marks a session inactive. It reports false when the session is
// unknown or already inactive.
func (r *SessionRepository) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	const query = `
		UPDATE sessions
		SET active = false,
			deactivated_at = $2
		WHERE id = $1 AND active`
	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeactivateByUser deactivates all active sessions of a user and returns
// their ids.
func (r *SessionRepository) DeactivateByUser(ctx context.Context, userID int, at time.Time) ([]string, error) {
	return deactivateReturning(ctx, r.db, `
		UPDATE sessions
		SET active = false,
			deactivated_at = $2
		WHERE user_id = $1 AND active
		RETURNING id`, userID, at)
}

// DeactivateExpired deactivates active sessions whose expiry is not after
// now.
func (r *SessionRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		UPDATE sessions
		SET active = false,
			deactivated_at = $1
		WHERE active AND expires_at <= $1`
	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListByUser returns a user's sessions, newest first.
func (r *SessionRepository) ListByUser(ctx context.Context, userID int) ([]types.Session, error) {
	const query = `
		SELECT id, user_id, active, ip, user_agent, expires_at, created_at, deactivated_at
		FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]types.Session, 0)
	for rows.Next() {
		var (
			s           types.Session
			deactivated sql.NullTime
		)
		if err := rows.Scan(
			&s.ID,
			&s.UserID,
			&s.Active,
			&s.IP,
			&s.UserAgent,
			&s.ExpiresAt,
			&s.CreatedAt,
			&deactivated,
		); err != nil {
			return nil, err
		}
		if deactivated.Valid {
			s.DeactivatedAt = &deactivated.Time
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func deactivateReturning(ctx context.Context, q DBTX, query string, userID int, at time.Time) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, userID, at)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
