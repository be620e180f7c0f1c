//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/playlog/apiserver/config"
	"github.com/playlog/apiserver/internal/db"
	"github.com/playlog/apiserver/internal/ratelimit"
	"github.com/playlog/apiserver/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	serverPort       = 18080
	loginMaxAttempts = 3
)

var baseURL = fmt.Sprintf("http://localhost:%d", serverPort)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	setTestEnv()

	if err := dockerCompose(ctx, root, "up", "-d", "postgres", "redis"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	cfg := config.LoadConfig()
	if err := waitForDeps(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dependencies not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := server.New(ctx, cfg, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}
	go func() {
		_ = srv.Start()
	}()

	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown(context.Background())
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown(context.Background())
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

type apiResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Token   string `json:"token"`
	User    struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
		Role     string `json:"role"`
	} `json:"user"`
}

func call(t *testing.T, method, path, token string, body any) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, baseURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	return resp.StatusCode, parsed
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano())
}

func register(t *testing.T, username string) apiResponse {
	t.Helper()
	status, resp := call(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "secret1",
	})
	require.Equal(t, http.StatusOK, status, resp.Message)
	return resp
}

func login(t *testing.T, username, password string) (int, apiResponse) {
	t.Helper()
	return call(t, http.MethodPost, "/auth/login", "", map[string]string{"username": username, "password": password})
}

func TestAuthLifecycle(t *testing.T) {
	username := uniqueName("alice")

	reg := register(t, username)
	assert.NotEmpty(t, reg.Token)
	assert.Equal(t, "user", reg.User.Role)

	status, _ := login(t, username, "wrongpass")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, in := login(t, username, "secret1")
	require.Equal(t, http.StatusOK, status)

	status, me := call(t, http.MethodGet, "/auth/me", in.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, username, me.User.Username)

	status, _ = call(t, http.MethodGet, "/auth/me", reg.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "registration session is superseded")

	status, _ = call(t, http.MethodPost, "/auth/logout", in.Token, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = call(t, http.MethodGet, "/auth/verify", in.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDuplicateRegistration(t *testing.T) {
	username := uniqueName("dup")
	register(t, username)

	status, resp := call(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username,
		"email":    uniqueName("other") + "@example.com",
		"password": "secret1",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ALREADY_EXISTS", resp.Code)
}

func TestAdminGate(t *testing.T) {
	user := register(t, uniqueName("user"))
	adminName := uniqueName("admin")
	admin := register(t, adminName)
	require.NoError(t, promoteUserToAdmin(adminName))

	path := fmt.Sprintf("/admin/users/%d", user.User.ID)
	status, _ := call(t, http.MethodGet, path, user.Token, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, resp := call(t, http.MethodGet, path, admin.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, user.User.ID, resp.User.ID)

	status, _ = call(t, http.MethodDelete, path+"/sessions", admin.Token, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = call(t, http.MethodGet, "/auth/me", user.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestConcurrentLoginsLeaveOneActiveSession(t *testing.T) {
	username := uniqueName("race")
	reg := register(t, username)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, baseURL+"/auth/login",
				bytes.NewBufferString(fmt.Sprintf(`{"username":%q,"password":"secret1"}`, username)))
			req.Header.Set("Content-Type", "application/json")
			if resp, err := http.DefaultClient.Do(req); err == nil {
				_ = resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	conn := openDB(t)
	var active int
	require.NoError(t, conn.QueryRow(
		"SELECT count(*) FROM sessions WHERE user_id = $1 AND active", reg.User.ID,
	).Scan(&active))
	assert.Equal(t, 1, active)
}

func TestLoginThrottle(t *testing.T) {
	username := uniqueName("throttled")
	register(t, username)

	for i := 0; i < loginMaxAttempts; i++ {
		status, _ := login(t, username, "wrongpass")
		require.Equal(t, http.StatusUnauthorized, status)
	}
	status, resp := login(t, username, "secret1")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "TOO_MANY_ATTEMPTS", resp.Code)
}

func setTestEnv() {
	env := map[string]string{
		"JWT_SECRET":         "e2e-secret-e2e-secret-e2e-secret-e2e",
		"SERVER_PORT":        fmt.Sprintf("%d", serverPort),
		"DB_HOST":            "localhost",
		"DB_PORT":            "5432",
		"DB_USER":            "playlog",
		"DB_PASSWORD":        "playlog",
		"DB_NAME":            "playlog",
		"DB_USE_SSL":         "false",
		"BCRYPT_COST":        "4",
		"REDIS_URL":          "redis://localhost:6379/0",
		"LOGIN_MAX_ATTEMPTS": fmt.Sprintf("%d", loginMaxAttempts),
		"LOGIN_WINDOW":       "1m",
		"REAP_SCHEDULE":      "",
		"MQ_BACKEND":         "",
	}
	for k, v := range env {
		_ = os.Setenv(k, v)
	}
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(context.Background(), config.LoadConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func promoteUserToAdmin(username string) error {
	conn, err := db.Open(context.Background(), config.LoadConfig())
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = conn.ExecContext(ctx, "UPDATE users SET role = 'admin', updated_at = NOW() WHERE username = $1", username)
	return err
}

func waitForDeps(ctx context.Context, cfg config.Config) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		err := pingDeps(ctx, cfg)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dependencies not ready: %w", err)
		case <-ticker.C:
		}
	}
}

func pingDeps(ctx context.Context, cfg config.Config) error {
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return err
	}
	_ = conn.Close()

	client, err := ratelimit.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	return client.Close()
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string, cfg config.Config) error {
	migrationsURL := "file://" + filepath.Join(root, "internal", "db", "migrations")

	migrator, err := migrate.New(migrationsURL, db.DSN(cfg.Database))
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
