package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ENV", "test")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.False(t, cfg.Database.UseSSL)
	assert.Equal(t, "24h", cfg.Auth.SessionTTL)
	assert.Equal(t, 12, cfg.Auth.BcryptCost)
	assert.Equal(t, "@every 1h", cfg.Auth.ReapSchedule)
	assert.Equal(t, "auth-events", cfg.Events.Channel)
	assert.Equal(t, "minio", cfg.Storage.Backend)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_DRIVER", "pgx")
	t.Setenv("DB_USE_SSL", "true")
	t.Setenv("JWT_SECRET", "  0123456789abcdef0123456789abcdef  ")
	t.Setenv("SESSION_TTL", "7d")
	t.Setenv("MQ_BACKEND", "RabbitMQ")
	t.Setenv("BCRYPT_COST", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.True(t, cfg.Database.UseSSL)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWTSecret)
	assert.Equal(t, "7d", cfg.Auth.SessionTTL)
	assert.Equal(t, "rabbitmq", cfg.Events.Backend)
	assert.Equal(t, 12, cfg.Auth.BcryptCost)
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"yes", true},
		{"off", false},
		{"garbage", true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("PLAYLOG_TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, getEnvBool("PLAYLOG_TEST_BOOL", true))
		})
	}
}
