package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/playlog/apiserver/config"
	"github.com/playlog/apiserver/internal/credential"
	"github.com/playlog/apiserver/internal/db"
	"github.com/playlog/apiserver/internal/events"
	"github.com/playlog/apiserver/internal/mq"
	"github.com/playlog/apiserver/internal/ratelimit"
	"github.com/playlog/apiserver/internal/services"
	"github.com/playlog/apiserver/internal/store"
	"github.com/playlog/apiserver/internal/token"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MinSecretLength is the shortest accepted JWT_SECRET, in bytes.
const MinSecretLength = 32

// Server wraps the HTTP server and its backing connections.
type Server struct {
	httpServer *http.Server
	db         *sql.DB
	reaper     *cron.Cron
	log        *zap.Logger
	closeAux   func()
}

// NewAuthService builds the session manager and its supporting pieces from
// configuration. The returned cleanup releases the optional Redis and
// broker connections.
func NewAuthService(ctx context.Context, cfg config.Config, dbConn *sql.DB, log *zap.Logger) (*services.AuthService, *events.Publisher, func(), error) {
	secret := cfg.Auth.JWTSecret
	if len(secret) < MinSecretLength {
		return nil, nil, nil, fmt.Errorf("JWT_SECRET must be at least %d bytes", MinSecretLength)
	}
	ttl, err := token.ParseTTL(cfg.Auth.SessionTTL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("SESSION_TTL: %w", err)
	}

	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	opts := []services.AuthOption{services.WithLogger(log)}

	if cfg.Redis.URL != "" {
		window, err := time.ParseDuration(cfg.Auth.LoginWindow)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("LOGIN_WINDOW: %w", err)
		}
		client, err := ratelimit.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		opts = append(opts, services.WithThrottle(ratelimit.NewLoginLimiter(client, cfg.Auth.LoginMaxAttempts, window, log)))
	}

	var publisher *events.Publisher
	bus, err := mq.Open(ctx, cfg)
	switch {
	case errors.Is(err, mq.ErrDisabled):
		log.Info("auth events disabled")
	case err != nil:
		cleanup()
		return nil, nil, nil, err
	default:
		closers = append(closers, func() { _ = bus.Close() })
		publisher = events.NewPublisher(bus, cfg.Events.Channel, log)
		opts = append(opts, services.WithEvents(publisher))
	}

	auth := services.NewAuthService(
		store.NewUserRepository(dbConn),
		store.NewSessionRepository(dbConn),
		token.NewCodec(secret),
		credential.NewHasher(cfg.Auth.BcryptCost),
		ttl,
		opts...,
	)
	return auth, publisher, cleanup, nil
}

// New wires storage, services and the router.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	auth, publisher, cleanup, err := NewAuthService(ctx, cfg, dbConn, log)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	var userEvents services.EventPublisher
	if publisher != nil {
		userEvents = publisher
	}
	users := services.NewUserService(store.NewUserRepository(dbConn), store.NewSessionRepository(dbConn), userEvents, log)

	reaper, err := newReaperCron(cfg.Auth.ReapSchedule, auth, log)
	if err != nil {
		cleanup()
		_ = dbConn.Close()
		return nil, fmt.Errorf("REAP_SCHEDULE: %w", err)
	}

	router := NewRouter(Deps{Auth: auth, Users: users, Log: log})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		db:       dbConn,
		reaper:   reaper,
		log:      log,
		closeAux: cleanup,
	}, nil
}

// Start runs the HTTP server and the session reaper. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	if s.reaper != nil {
		s.reaper.Start()
	}
	s.log.Info("server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests, stops the reaper and closes
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.reaper != nil {
		<-s.reaper.Stop().Done()
	}
	if s.closeAux != nil {
		s.closeAux()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
