package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Render.Cost)
	assert.Equal(t, 30*time.Minute, cfg.Render.Retention)
	assert.Equal(t, 30*time.Minute, cfg.Render.ReaperInterval)
	assert.Zero(t, cfg.Render.RenderTimeout)
	assert.Zero(t, cfg.Render.UploadTimeout)
	assert.Equal(t, "local", cfg.Render.DispatchMode)
	assert.Equal(t, "memory", cfg.Registry.Driver)
	assert.Equal(t, "supabase", cfg.Ledger.Driver)
	assert.Equal(t, "X-Forwarded-For", cfg.Server.ProxyHeader)
	assert.Empty(t, cfg.Server.TrustedProxies)
}

func TestLoad_TrustedProxies(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", " 10.0.0.0/8, ,172.16.0.1 ")
	t.Setenv("PROXY_HEADER", "Fly-Client-IP")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.0/8", "172.16.0.1"}, cfg.Server.TrustedProxies)
	assert.Equal(t, "Fly-Client-IP", cfg.Server.ProxyHeader)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RENDER_COST", "7")
	t.Setenv("RETENTION", "45m")
	t.Setenv("RENDER_TIMEOUT", "10m")
	t.Setenv("DISPATCH_MODE", "ASYNQ")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("MAX_CONCURRENT_RENDERS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Render.Cost)
	assert.Equal(t, 45*time.Minute, cfg.Render.Retention)
	assert.Equal(t, 10*time.Minute, cfg.Render.RenderTimeout)
	assert.Equal(t, "asynq", cfg.Render.DispatchMode)
	assert.Equal(t, "https://example.supabase.co", cfg.Ledger.SupabaseURL)
	assert.Equal(t, 1, cfg.Render.MaxConcurrent)
}

func TestLoad_SecretFromFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "jwt_secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("  from-file\n"), 0o600))

	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", secretPath)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWT.Secret)
}
