package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestLoad(t *testing.T) {
	t.Run("missing DATABASE_URL fails", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("SECRETS_MASTER_KEY", validKey())
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DATABASE_URL")
	})

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/otomata")
		t.Setenv("SECRETS_MASTER_KEY", validKey())
		t.Setenv("POLL_INTERVAL", "")
		t.Setenv("WORKER_COUNT", "")
		t.Setenv("CORS_ORIGINS", "")
		t.Setenv("CLAUDE_MODEL", "")
		t.Setenv("HTTP_PORT", "")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.Queue.PollInterval)
		assert.Equal(t, 1, cfg.Queue.WorkerCount)
		assert.Equal(t, 300*time.Second, cfg.Script.Timeout)
		assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
		assert.Equal(t, DefaultModel, cfg.Model)
		assert.Equal(t, "7001", cfg.HTTPPort)
		assert.Len(t, cfg.MasterKey, 32)
	})

	t.Run("invalid poll interval fails", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/otomata")
		t.Setenv("SECRETS_MASTER_KEY", validKey())
		t.Setenv("POLL_INTERVAL", "zero")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("cors origins split and trimmed", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/otomata")
		t.Setenv("SECRETS_MASTER_KEY", validKey())
		t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	})
}

func TestDecodeMasterKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	t.Run("standard base64", func(t *testing.T) {
		got, err := DecodeMasterKey(base64.StdEncoding.EncodeToString(key))
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("url-safe base64 without padding", func(t *testing.T) {
		got, err := DecodeMasterKey(base64.RawURLEncoding.EncodeToString(key))
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("hex", func(t *testing.T) {
		got, err := DecodeMasterKey("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("wrong length rejected", func(t *testing.T) {
		_, err := DecodeMasterKey(base64.StdEncoding.EncodeToString(key[:16]))
		require.Error(t, err)
	})

	t.Run("empty rejected", func(t *testing.T) {
		_, err := DecodeMasterKey("")
		require.Error(t, err)
	})
}
