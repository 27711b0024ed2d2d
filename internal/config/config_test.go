package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGORA_SWITCH_LIMIT", "")
	t.Setenv("AGORA_PERSUASION_AFTER", "")

	cfg := Load()
	assert.Equal(t, 3, cfg.SwitchLimit)
	assert.False(t, cfg.PersuasionPolicy().Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("AGORA_SWITCH_LIMIT", "5")
	t.Setenv("AGORA_PERSUASION_AFTER", "2")
	t.Setenv("AGORA_ACCESS_TTL_SECONDS", "60")

	cfg := Load()
	assert.Equal(t, 5, cfg.SwitchLimit)
	assert.Equal(t, 2, cfg.PersuasionPolicy().Threshold)
	assert.Equal(t, time.Minute, cfg.AccessTTL)
}

func TestLoadIgnoresMalformedInts(t *testing.T) {
	t.Setenv("AGORA_SWITCH_LIMIT", "three")
	assert.Equal(t, 3, Load().SwitchLimit)
}

func TestOverlayAppliesPresentKeysOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agora.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9999"

[debate]
switch_limit = 1
persuasion_threshold = 0
`), 0o600))

	base := Config{Addr: ":8787", DatabaseURL: "postgres://x", SwitchLimit: 3, PersuasionThreshold: -1, JWTSecret: "s"}
	cfg, err := base.Overlay(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "postgres://x", cfg.DatabaseURL)
	assert.Equal(t, 1, cfg.SwitchLimit)
	assert.True(t, cfg.PersuasionPolicy().Enabled())
}

func TestOverlayMissingFile(t *testing.T) {
	_, err := Config{}.Overlay(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateRejectsNegativeLimit(t *testing.T) {
	err := Config{SwitchLimit: -1, JWTSecret: "s"}.Validate()
	assert.ErrorIs(t, err, ErrInvalidSwitchLimit)
}

func TestLoadDotEnvSkipsMissingAndKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("AGORA_TEST_DOTENV=from-file\nAGORA_TEST_KEEP=from-file\n"), 0o600))
	t.Setenv("AGORA_TEST_KEEP", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("AGORA_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "nope.env"), path))
	assert.Equal(t, "from-file", os.Getenv("AGORA_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("AGORA_TEST_KEEP"))
}
