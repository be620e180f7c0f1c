package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/playlog/apiserver/internal/credential"
	"github.com/playlog/apiserver/internal/events"
	"github.com/playlog/apiserver/internal/metrics"
	"github.com/playlog/apiserver/internal/ratelimit"
	"github.com/playlog/apiserver/internal/store"
	"github.com/playlog/apiserver/internal/token"
	"github.com/playlog/apiserver/types"
	"go.uber.org/zap"
)

const sessionIDBytes = 32

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByLogin(ctx context.Context, login string) (types.User, error)
	CreateWithSession(ctx context.Context, user types.User, session types.Session) (types.User, types.Session, error)
	UpdateAccess(ctx context.Context, id int, role types.Role, active bool) (types.User, error)
}

// SessionRepository defines persistence operations for sessions.
type SessionRepository interface {
	Rotate(ctx context.Context, session types.Session) ([]string, error)
	GetWithUser(ctx context.Context, id string) (types.SessionWithUser, error)
	Deactivate(ctx context.Context, id string, at time.Time) (bool, error)
	DeactivateByUser(ctx context.Context, userID int, at time.Time) ([]string, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	ListByUser(ctx context.Context, userID int) ([]types.Session, error)
}

// LoginThrottle limits repeated failed logins.
type LoginThrottle interface {
	Blocked(ctx context.Context, key string) bool
	RecordFailure(ctx context.Context, key string)
	Reset(ctx context.Context, key string)
}

// EventPublisher receives auth lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// RegisterInput is the data needed to open an account.
type RegisterInput struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Email    string `json:"email" validate:"required,max=254,email"`
	Name     string `json:"name" validate:"max=100"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// LoginInput identifies an account by username or email.
type LoginInput struct {
	Login    string `json:"username" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// ClientMeta describes the client opening a session.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// AuthResult is returned by a successful register or login.
type AuthResult struct {
	User    types.User
	Session types.Session
	Token   string
}

// AuthService implements registration, login, logout and request
// authorization on top of the user and session stores.
type AuthService struct {
	users      UserRepository
	sessions   SessionRepository
	codec      *token.Codec
	hasher     *credential.Hasher
	sessionTTL time.Duration
	throttle   LoginThrottle
	events     EventPublisher
	log        *zap.Logger
	now        func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// AuthOption configures an AuthService.
type AuthOption func(*AuthService)

func WithThrottle(throttle LoginThrottle) AuthOption {
	return func(s *AuthService) { s.throttle = throttle }
}

func WithEvents(publisher EventPublisher) AuthOption {
	return func(s *AuthService) { s.events = publisher }
}

func WithLogger(log *zap.Logger) AuthOption {
	return func(s *AuthService) { s.log = log }
}

// WithClock overrides the time source. The token codec should share it.
func WithClock(now func() time.Time) AuthOption {
	return func(s *AuthService) { s.now = now }
}

func NewAuthService(
	users UserRepository,
	sessions SessionRepository,
	codec *token.Codec,
	hasher *credential.Hasher,
	sessionTTL time.Duration,
	opts ...AuthOption,
) *AuthService {
	s := &AuthService{
		users:      users,
		sessions:   sessions,
		codec:      codec,
		hasher:     hasher,
		sessionTTL: sessionTTL,
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a user with role "user" together with its first session.
// Either both are stored or neither is.
func (s *AuthService) Register(ctx context.Context, in RegisterInput, meta ClientMeta) (AuthResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	if err := validateStruct(in); err != nil {
		metrics.RecordRegistration(metrics.OutcomeValidation)
		return AuthResult{}, err
	}

	hashed, err := s.hasher.Hash(in.Password)
	if err != nil {
		if errors.Is(err, credential.ErrPasswordTooLong) {
			metrics.RecordRegistration(metrics.OutcomeValidation)
			return AuthResult{}, &ValidationError{Fields: []FieldError{{Field: "password", Message: "must be at most 72 bytes"}}}
		}
		metrics.RecordRegistration(metrics.OutcomeError)
		return AuthResult{}, err
	}

	name := in.Name
	if name == "" {
		name = in.Username
	}
	session, err := s.newSession(0, meta)
	if err != nil {
		metrics.RecordRegistration(metrics.OutcomeError)
		return AuthResult{}, err
	}
	user, session, err := s.users.CreateWithSession(ctx, types.User{
		Username:     in.Username,
		Email:        in.Email,
		Name:         name,
		Role:         types.RoleUser,
		Active:       true,
		PasswordHash: hashed,
	}, session)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.RecordRegistration(metrics.OutcomeConflict)
			return AuthResult{}, fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		}
		metrics.RecordRegistration(metrics.OutcomeError)
		return AuthResult{}, s.storageError("create user", err)
	}

	registered := events.New(events.UserRegistered, s.now())
	registered.UserID = user.ID
	registered.IP = meta.IP
	s.publish(ctx, registered)

	result, err := s.bindSession(ctx, user, session, nil)
	if err != nil {
		metrics.RecordRegistration(metrics.OutcomeError)
		return AuthResult{}, err
	}
	metrics.RecordRegistration(metrics.OutcomeSuccess)
	s.log.Info("user registered", zap.Int("user_id", user.ID), zap.String("username", user.Username))
	return result, nil
}

// Login checks credentials, replaces any active session of the user with a
// new one and issues a token bound to it.
func (s *AuthService) Login(ctx context.Context, in LoginInput, meta ClientMeta) (AuthResult, error) {
	in.Login = strings.TrimSpace(in.Login)
	if err := validateStruct(in); err != nil {
		metrics.RecordLogin(metrics.OutcomeValidation)
		return AuthResult{}, err
	}

	key := ratelimit.Key(in.Login, meta.IP)
	if s.throttle != nil && s.throttle.Blocked(ctx, key) {
		metrics.RecordLogin(metrics.OutcomeThrottled)
		s.loginFailed(ctx, in.Login, meta, 0, events.ReasonThrottled)
		return AuthResult{}, ErrTooManyAttempts
	}

	user, err := s.users.GetByLogin(ctx, in.Login)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		metrics.RecordLogin(metrics.OutcomeError)
		return AuthResult{}, s.storageError("load user", err)
	}
	if err != nil {
		// Spend the same hashing effort as for a known user.
		s.hasher.Verify(in.Password, s.dummyCredential())
		s.rejectLogin(ctx, key, in.Login, meta, 0, events.ReasonInvalidCredentials)
		return AuthResult{}, ErrInvalidCredentials
	}
	if !s.hasher.Verify(in.Password, user.PasswordHash) {
		s.rejectLogin(ctx, key, in.Login, meta, user.ID, events.ReasonInvalidCredentials)
		return AuthResult{}, ErrInvalidCredentials
	}
	if !user.Active {
		metrics.RecordLogin(metrics.OutcomeInactive)
		s.loginFailed(ctx, in.Login, meta, user.ID, events.ReasonInactive)
		return AuthResult{}, ErrAccountInactive
	}

	if s.throttle != nil {
		s.throttle.Reset(ctx, key)
	}

	result, err := s.startSession(ctx, user, meta)
	if err != nil {
		metrics.RecordLogin(metrics.OutcomeError)
		return AuthResult{}, err
	}
	metrics.RecordLogin(metrics.OutcomeSuccess)
	s.log.Info("user logged in", zap.Int("user_id", user.ID), zap.String("session_id", result.Session.ID))
	return result, nil
}

// Logout deactivates the given session. Logging out an inactive or unknown
// session is not an error.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	changed, err := s.sessions.Deactivate(ctx, sessionID, s.now().UTC())
	if err != nil {
		return s.storageError("deactivate session", err)
	}
	if changed {
		revoked := events.New(events.SessionRevoked, s.now())
		revoked.SessionID = sessionID
		revoked.Reason = events.ReasonLogout
		s.publish(ctx, revoked)
	}
	return nil
}

// Authorize resolves a bearer token to the identity of its live session.
// Every rejection is an *AuthError; storage failures are not.
func (s *AuthService) Authorize(ctx context.Context, rawToken string) (types.Identity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return types.Identity{}, &AuthError{Reason: ReasonMissingToken, Err: ErrMissingToken}
	}

	claims, err := s.codec.Verify(rawToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			return types.Identity{}, &AuthError{Reason: ReasonExpired, Err: err}
		case errors.Is(err, token.ErrBadSignature):
			return types.Identity{}, &AuthError{Reason: ReasonBadSignature, Err: err}
		default:
			return types.Identity{}, &AuthError{Reason: ReasonMalformed, Err: err}
		}
	}

	subject, okSub := claims.String(token.ClaimSubject)
	sessionID, okSid := claims.String(token.ClaimSession)
	if !okSub || !okSid {
		return types.Identity{}, &AuthError{Reason: ReasonMalformed, Err: token.ErrMalformed}
	}

	found, err := s.sessions.GetWithUser(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Identity{}, &AuthError{Reason: ReasonSessionNotFound, Err: err}
		}
		return types.Identity{}, s.storageError("load session", err)
	}

	switch {
	case strconv.Itoa(found.User.ID) != subject:
		return types.Identity{}, &AuthError{Reason: ReasonSessionNotFound, Err: store.ErrNotFound}
	case !found.Session.Active:
		return types.Identity{}, &AuthError{Reason: ReasonSessionInactive}
	case found.Session.Expired(s.now()):
		return types.Identity{}, &AuthError{Reason: ReasonSessionExpired}
	case !found.User.Active:
		return types.Identity{}, &AuthError{Reason: ReasonUserInactive}
	}

	return types.Identity{
		UserID:    found.User.ID,
		Username:  found.User.Username,
		Email:     found.User.Email,
		Role:      found.User.Role,
		SessionID: found.Session.ID,
	}, nil
}

// RequireAdmin returns ErrForbidden unless identity has the admin role.
func RequireAdmin(identity types.Identity) error {
	if !identity.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

// CurrentUser loads the full record of an authorized identity.
func (s *AuthService) CurrentUser(ctx context.Context, identity types.Identity) (types.User, error) {
	user, err := s.users.GetByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, &AuthError{Reason: ReasonSessionNotFound, Err: err}
		}
		return types.User{}, s.storageError("load user", err)
	}
	return user, nil
}

// ReapExpired deactivates active sessions whose lifetime has passed.
func (s *AuthService) ReapExpired(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeactivateExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, s.storageError("reap sessions", err)
	}
	metrics.RecordSessionsReaped(n)
	if n > 0 {
		s.log.Info("expired sessions reaped", zap.Int64("count", n))
	}
	return n, nil
}

func (s *AuthService) startSession(ctx context.Context, user types.User, meta ClientMeta) (AuthResult, error) {
	session, err := s.newSession(user.ID, meta)
	if err != nil {
		return AuthResult{}, err
	}
	revoked, err := s.sessions.Rotate(ctx, session)
	if err != nil {
		return AuthResult{}, s.storageError("rotate session", err)
	}
	return s.bindSession(ctx, user, session, revoked)
}

func (s *AuthService) newSession(userID int, meta ClientMeta) (types.Session, error) {
	id, err := newSessionID()
	if err != nil {
		return types.Session{}, err
	}
	now := s.now().UTC()
	return types.Session{
		ID:        id,
		UserID:    userID,
		Active:    true,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		ExpiresAt: now.Add(s.sessionTTL),
		CreatedAt: now,
	}, nil
}

// bindSession issues the token for a stored session and announces it along
// with the sessions it superseded.
func (s *AuthService) bindSession(ctx context.Context, user types.User, session types.Session, revoked []string) (AuthResult, error) {
	signed, err := s.codec.Issue(token.Claims{
		token.ClaimSubject: strconv.Itoa(user.ID),
		token.ClaimSession: session.ID,
	}, s.sessionTTL)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue token: %w", err)
	}

	for _, old := range revoked {
		event := events.New(events.SessionRevoked, session.CreatedAt)
		event.UserID = user.ID
		event.SessionID = old
		event.Reason = events.ReasonSuperseded
		s.publish(ctx, event)
	}
	created := events.New(events.SessionCreated, session.CreatedAt)
	created.UserID = user.ID
	created.SessionID = session.ID
	created.IP = session.IP
	s.publish(ctx, created)

	return AuthResult{User: user, Session: session, Token: signed}, nil
}

func (s *AuthService) rejectLogin(ctx context.Context, key, login string, meta ClientMeta, userID int, reason string) {
	metrics.RecordLogin(metrics.OutcomeInvalidCredentials)
	if s.throttle != nil {
		s.throttle.RecordFailure(ctx, key)
	}
	s.loginFailed(ctx, login, meta, userID, reason)
}

func (s *AuthService) loginFailed(ctx context.Context, login string, meta ClientMeta, userID int, reason string) {
	s.log.Info("login rejected", zap.String("login", login), zap.String("ip", meta.IP), zap.String("reason", reason))
	event := events.New(events.LoginFailed, s.now())
	event.UserID = userID
	event.Login = login
	event.IP = meta.IP
	event.Reason = reason
	s.publish(ctx, event)
}

func (s *AuthService) publish(ctx context.Context, event events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("publish auth event failed", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (s *AuthService) storageError(op string, err error) error {
	s.log.Error("storage failure", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// dummyCredential is a valid hash of a random secret, used to keep unknown
// logins as slow as wrong passwords.
func (s *AuthService) dummyCredential() string {
	s.dummyOnce.Do(func() {
		secret, err := newSessionID()
		if err != nil {
			secret = "unused"
		}
		s.dummyHash, _ = s.hasher.Hash(secret)
	})
	return s.dummyHash
}

func newSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
