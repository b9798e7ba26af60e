package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadRiskWords(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"empty backend", func(c *Config) { c.DefaultBackend = "" }},
		{"bad confirm level", func(c *Config) { c.Safety.ConfirmAtOrAbove = "yolo" }},
		{"bad block level", func(c *Config) { c.Safety.BlockAtOrAbove = "" }},
		{"negative max bytes", func(c *Config) { c.Cache.MaxBytes = -1 }},
		{"negative max entries", func(c *Config) { c.Cache.MaxEntries = -1 }},
		{"bad safety level", func(c *Config) { c.Safety.Level = "yolo" }},
		{"bad execution confirm policy", func(c *Config) { c.Execution.Confirm = "sometimes" }},
		{"negative execution timeout", func(c *Config) { c.Execution.TimeoutSecs = -1 }},
		{"bad allow_pattern regex", func(c *Config) { c.Safety.AllowPatterns = []string{"("} }},
		{"custom pattern missing name", func(c *Config) {
			c.Safety.CustomPatterns = []CustomPattern{{Regex: "x", Risk: "high"}}
		}},
		{"custom pattern bad regex", func(c *Config) {
			c.Safety.CustomPatterns = []CustomPattern{{Name: "n", Regex: "(", Risk: "high"}}
		}},
		{"custom pattern bad risk word", func(c *Config) {
			c.Safety.CustomPatterns = []CustomPattern{{Name: "n", Regex: "x", Risk: "yolo"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_AcceptsExpandedSafetyAndExecutionFields(t *testing.T) {
	cfg := Default()
	cfg.Safety.Level = "strict"
	cfg.Safety.AllowDangerous = true
	cfg.Safety.AllowPatterns = []string{`^docker ps$`}
	cfg.Safety.CustomPatterns = []CustomPattern{
		{Name: "block-foo", Regex: `\bfoo\b`, Risk: "high", Nondemotable: true},
	}
	cfg.Execution.Confirm = "always"
	cfg.Execution.TimeoutSecs = 10
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvOverrides_SafetyLevelAndAllowDangerous(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("CARO_SAFETY_LEVEL", "strict")
	t.Setenv("CARO_SAFETY_ALLOW_DANGEROUS", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "strict", cfg.Safety.Level)
	assert.True(t, cfg.Safety.AllowDangerous)
}

func TestLoad_FallsBackToDefaultsWhenNoFiles(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.DefaultBackend)
}

func TestLoad_ReadsTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	caroDir := filepath.Join(dir, "caro")
	require.NoError(t, os.MkdirAll(caroDir, 0o755))
	toml := "default_backend = \"openai\"\n\n[safety]\nconfirm_at_or_above = \"moderate\"\nblock_at_or_above = \"critical\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(caroDir, "config.toml"), []byte(toml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.DefaultBackend)
}

func TestApplyEnvOverrides_WinsOverFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("CARO_BACKEND", "generic")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "generic", cfg.DefaultBackend)
}

func TestCacheDir_DefaultsUnderXDGCache(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdgcache")
	cfg := Default()
	dir, err := cfg.CacheDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xdgcache/caro/models", dir)
}
