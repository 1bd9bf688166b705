package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	for _, k := range []string{"SOURCE_BACKEND", "AI_TIMEOUT", "AI_MAX_HISTORY", "AI_PROVIDER", "NATS_KV_BUCKET", "AI_SESSION_TTL", "AI_MAX_SESSIONS"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	req.Equal(BackendNATS, cfg.SourceBackend)
	req.Equal(60*time.Second, cfg.AITimeout)
	req.Equal(200, cfg.AIMaxHistory)
	req.Equal("CONVERSATIONS", cfg.NATSKVBucket)
	req.Equal("anthropic", cfg.AIProvider)
	req.Equal(30*time.Minute, cfg.AISessionTTL)
	req.Equal(10000, cfg.AIMaxSessions)
}

func TestLoad_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("SOURCE_BACKEND", "memory")
	t.Setenv("AI_TIMEOUT", "5s")
	t.Setenv("AI_MAX_HISTORY", "not-a-number")
	t.Setenv("AI_STREAM", "false")
	t.Setenv("AI_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg := Load()
	req.Equal(BackendMemory, cfg.SourceBackend)
	req.Equal(5*time.Second, cfg.AITimeout)
	req.Equal(200, cfg.AIMaxHistory)
	req.False(cfg.AIStream)
	req.Equal("sk-openai", cfg.AIAPIKey())
}

func TestLoadDotEnv(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	req.NoError(os.WriteFile(path, []byte("MESSAGING_CORE_TEST_VAR=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("MESSAGING_CORE_TEST_VAR") })

	req.NoError(LoadDotEnv(path))
	req.Equal("from-file", os.Getenv("MESSAGING_CORE_TEST_VAR"))

	req.NoError(LoadDotEnv(filepath.Join(dir, "missing.env")))
}
