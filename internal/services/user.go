package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playlog/apiserver/internal/events"
	"github.com/playlog/apiserver/internal/store"
	"github.com/playlog/apiserver/types"
	"go.uber.org/zap"
)

// UpdateUserInput changes the access of a user. Nil fields are left as is.
type UpdateUserInput struct {
	Role   *types.Role `json:"role" validate:"omitempty,oneof=user admin"`
	Active *bool       `json:"active"`
}

// UserService encapsulates administrative user use-cases.
type UserService struct {
	users    UserRepository
	sessions SessionRepository
	events   EventPublisher
	log      *zap.Logger
	now      func() time.Time
}

func NewUserService(users UserRepository, sessions SessionRepository, publisher EventPublisher, log *zap.Logger) *UserService {
	if log == nil {
		log = zap.NewNop()
	}
	return &UserService{
		users:    users,
		sessions: sessions,
		events:   publisher,
		log:      log,
		now:      time.Now,
	}
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return types.User{}, s.lookupError(err)
	}
	return user, nil
}

func (s *UserService) GetByLogin(ctx context.Context, login string) (types.User, error) {
	user, err := s.users.GetByLogin(ctx, login)
	if err != nil {
		return types.User{}, s.lookupError(err)
	}
	return user, nil
}

// Update applies role and active changes. Deactivating a user also
// deactivates all of its sessions.
func (s *UserService) Update(ctx context.Context, id int, in UpdateUserInput) (types.User, error) {
	if err := validateStruct(in); err != nil {
		return types.User{}, err
	}

	user, err := s.GetByID(ctx, id)
	if err != nil {
		return types.User{}, err
	}
	role, active := user.Role, user.Active
	if in.Role != nil {
		role = *in.Role
	}
	if in.Active != nil {
		active = *in.Active
	}

	updated, err := s.users.UpdateAccess(ctx, id, role, active)
	if err != nil {
		return types.User{}, s.lookupError(err)
	}
	s.log.Info("user access updated",
		zap.Int("user_id", id),
		zap.String("role", string(updated.Role)),
		zap.Bool("active", updated.Active),
	)

	if !updated.Active {
		if _, err := s.RevokeSessions(ctx, id); err != nil {
			return types.User{}, err
		}
	}
	return updated, nil
}

// ListSessions returns the session history of a user, newest first.
func (s *UserService) ListSessions(ctx context.Context, id int) ([]types.Session, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListByUser(ctx, id)
	if err != nil {
		return nil, s.storageError("list sessions", err)
	}
	return sessions, nil
}

// RevokeSessions deactivates every active session of a user and returns how
// many were revoked.
func (s *UserService) RevokeSessions(ctx context.Context, id int) (int, error) {
	now := s.now().UTC()
	revoked, err := s.sessions.DeactivateByUser(ctx, id, now)
	if err != nil {
		return 0, s.storageError("revoke sessions", err)
	}
	for _, sessionID := range revoked {
		if s.events == nil {
			break
		}
		event := events.New(events.SessionRevoked, now)
		event.UserID = id
		event.SessionID = sessionID
		event.Reason = events.ReasonAdmin
		if err := s.events.Publish(ctx, event); err != nil {
			s.log.Warn("publish auth event failed", zap.String("type", string(event.Type)), zap.Error(err))
		}
	}
	return len(revoked), nil
}

func (s *UserService) lookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return s.storageError("load user", err)
}

func (s *UserService) storageError(op string, err error) error {
	s.log.Error("storage failure", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
