// Package storetest provides an in-memory store for tests that exercise the
// auth services and router without a database.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/playlog/apiserver/internal/store"
	"github.com/playlog/apiserver/types"
)

// Memory implements the user and session repositories over maps. It is safe
// for concurrent use.
type Memory struct {
	mu       sync.Mutex
	nextID   int
	users    map[int]types.User
	sessions map[string]types.Session
	order    []string

	// Err, when set, is returned by every repository call.
	Err error
	// SessionErr, when set, fails session inserts only.
	SessionErr error
}

func NewMemory() *Memory {
	return &Memory{
		nextID:   1,
		users:    make(map[int]types.User),
		sessions: make(map[string]types.Session),
	}
}

func (m *Memory) GetByID(_ context.Context, id int) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.User{}, m.Err
	}
	user, ok := m.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *Memory) GetByLogin(_ context.Context, login string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.User{}, m.Err
	}
	for _, user := range m.users {
		if strings.EqualFold(user.Username, login) || strings.EqualFold(user.Email, login) {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

// CreateWithSession stores user and session together or not at all.
func (m *Memory) CreateWithSession(_ context.Context, user types.User, session types.Session) (types.User, types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.User{}, types.Session{}, m.Err
	}
	if err := m.conflictLocked(user); err != nil {
		return types.User{}, types.Session{}, err
	}
	if m.SessionErr != nil {
		return types.User{}, types.Session{}, m.SessionErr
	}
	user = m.insertUserLocked(user)
	session.UserID = user.ID
	session.Active = true
	m.sessions[session.ID] = session
	m.order = append(m.order, session.ID)
	return user, session, nil
}

func (m *Memory) conflictLocked(user types.User) error {
	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, user.Username) {
			return &store.ConflictError{Field: "username"}
		}
		if strings.EqualFold(existing.Email, user.Email) {
			return &store.ConflictError{Field: "email"}
		}
	}
	return nil
}

func (m *Memory) insertUserLocked(user types.User) types.User {
	now := time.Now().UTC()
	user.ID = m.nextID
	user.CreatedAt = now
	user.UpdatedAt = now
	m.nextID++
	m.users[user.ID] = user
	return user
}

// UserCount returns the number of stored users.
func (m *Memory) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

func (m *Memory) UpdateAccess(_ context.Context, id int, role types.Role, active bool) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.User{}, m.Err
	}
	user, ok := m.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	user.Role = role
	user.Active = active
	user.UpdatedAt = time.Now().UTC()
	m.users[id] = user
	return user, nil
}

func (m *Memory) Rotate(_ context.Context, session types.Session) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.SessionErr != nil {
		return nil, m.SessionErr
	}
	if _, ok := m.users[session.UserID]; !ok {
		return nil, store.ErrNotFound
	}
	revoked := m.deactivateLocked(func(s types.Session) bool {
		return s.UserID == session.UserID
	}, session.CreatedAt)

	session.Active = true
	session.DeactivatedAt = nil
	m.sessions[session.ID] = session
	m.order = append(m.order, session.ID)
	return revoked, nil
}

func (m *Memory) GetWithUser(_ context.Context, id string) (types.SessionWithUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.SessionWithUser{}, m.Err
	}
	session, ok := m.sessions[id]
	if !ok {
		return types.SessionWithUser{}, store.ErrNotFound
	}
	return types.SessionWithUser{Session: session, User: m.users[session.UserID]}, nil
}

func (m *Memory) Deactivate(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	revoked := m.deactivateLocked(func(s types.Session) bool { return s.ID == id }, at)
	return len(revoked) > 0, nil
}

func (m *Memory) DeactivateByUser(_ context.Context, userID int, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.deactivateLocked(func(s types.Session) bool { return s.UserID == userID }, at), nil
}

func (m *Memory) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	revoked := m.deactivateLocked(func(s types.Session) bool { return s.Expired(now) }, now)
	return int64(len(revoked)), nil
}

func (m *Memory) ListByUser(_ context.Context, userID int) ([]types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]types.Session, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		if s := m.sessions[m.order[i]]; s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ActiveSessions returns the ids of a user's active sessions.
func (m *Memory) ActiveSessions(userID int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.UserID == userID && s.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of stored sessions, active or not.
func (m *Memory) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ExpireSession moves a session's expiry to at.
func (m *Memory) ExpireSession(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.ExpiresAt = at
		m.sessions[id] = s
	}
}

func (m *Memory) deactivateLocked(match func(types.Session) bool, at time.Time) []string {
	var ids []string
	for _, id := range m.order {
		s := m.sessions[id]
		if !s.Active || !match(s) {
			continue
		}
		deactivatedAt := at
		s.Active = false
		s.DeactivatedAt = &deactivatedAt
		m.sessions[id] = s
		ids = append(ids, id)
	}
	return ids
}
