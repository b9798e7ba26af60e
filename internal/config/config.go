// Package config loads and validates caro's configuration, resolved from
// (in order of precedence) explicit flags, environment variables, a TOML
// config file, a legacy JSON config file, and built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is caro's complete resolved configuration.
type Config struct {
	DefaultBackend string        `toml:"default_backend" json:"default_backend"`
	Backends       BackendConfig `toml:"backends" json:"backends"`
	Safety         SafetyConfig  `toml:"safety" json:"safety"`
	Cache          CacheConfig   `toml:"cache" json:"cache"`
	Execution      ExecutionConfig `toml:"execution" json:"execution"`
	UI             UIConfig      `toml:"ui" json:"ui"`
}

// BackendConfig holds per-backend connection settings plus the dispatch
// order the agent loop's backend chain is built from.
type BackendConfig struct {
	Preferred        []string `toml:"preferred" json:"preferred"`
	OllamaURL        string   `toml:"ollama_url" json:"ollama_url"`
	OllamaModel      string   `toml:"ollama_model" json:"ollama_model"`
	OllamaTimeoutMS  int      `toml:"ollama_timeout_ms" json:"ollama_timeout_ms"`
	OpenAIURL        string   `toml:"openai_url" json:"openai_url"`
	OpenAIModel      string   `toml:"openai_model" json:"openai_model"`
	OpenAIAPIKey     string   `toml:"openai_api_key" json:"openai_api_key"`
	OpenAITimeoutMS  int      `toml:"openai_timeout_ms" json:"openai_timeout_ms"`
	GenericURL       string   `toml:"generic_url" json:"generic_url"`
	GenericTimeoutMS int      `toml:"generic_timeout_ms" json:"generic_timeout_ms"`
}

// CustomPattern is a user-supplied safety rule appended to the builtin
// pattern table; Risk is parsed the same way as the top-level threshold
// settings (safe|moderate|high|critical).
type CustomPattern struct {
	Name         string `toml:"name" json:"name"`
	Regex        string `toml:"regex" json:"regex"`
	Risk         string `toml:"risk" json:"risk"`
	Description  string `toml:"description" json:"description"`
	Category     string `toml:"category" json:"category"`
	Nondemotable bool   `toml:"nondemotable" json:"nondemotable"`
}

// SafetyConfig tunes the safety engine's thresholds and pattern set.
type SafetyConfig struct {
	ConfirmAtOrAbove string          `toml:"confirm_at_or_above" json:"confirm_at_or_above"` // moderate|high|critical
	BlockAtOrAbove   string          `toml:"block_at_or_above" json:"block_at_or_above"`
	Level            string          `toml:"level" json:"level"` // strict|moderate|permissive
	AllowPatterns    []string        `toml:"allow_patterns" json:"allow_patterns"`
	CustomPatterns   []CustomPattern `toml:"custom_patterns" json:"custom_patterns"`
	AllowDangerous   bool            `toml:"allow_dangerous" json:"allow_dangerous"`
	AllowedPaths     []string        `toml:"allowed_paths" json:"allowed_paths"`
	BlockedPaths     []string        `toml:"blocked_paths" json:"blocked_paths"`
}

// ExecutionConfig tunes the streaming executor's timeout and confirmation
// policy.
type ExecutionConfig struct {
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
	Confirm     string `toml:"confirm" json:"confirm"` // always|risky|never
}

// CacheConfig configures the model cache's location and eviction policy.
type CacheConfig struct {
	Dir        string `toml:"dir" json:"dir"`
	MaxBytes   int64  `toml:"max_bytes" json:"max_bytes"`
	MaxEntries int    `toml:"max_entries" json:"max_entries"`
}

// UIConfig controls CLI presentation.
type UIConfig struct {
	Color      bool `toml:"color" json:"color"`
	JSONOutput bool `toml:"json_output" json:"json_output"`
}

// Default returns caro's built-in configuration defaults.
func Default() *Config {
	return &Config{
		DefaultBackend: "ollama",
		Backends: BackendConfig{
			Preferred:        []string{"ollama", "openai", "generic", "static"},
			OllamaURL:        "http://127.0.0.1:11434",
			OllamaModel:      "qwen2.5-coder:7b",
			OllamaTimeoutMS:  30000,
			OpenAITimeoutMS:  60000,
			GenericTimeoutMS: 60000,
		},
		Safety: SafetyConfig{
			ConfirmAtOrAbove: "moderate",
			BlockAtOrAbove:   "critical",
			Level:            "moderate",
			BlockedPaths:     []string{"/etc", "/usr", "/var", "/boot", "/System"},
		},
		Execution: ExecutionConfig{
			TimeoutSecs: 30,
			Confirm:     "risky",
		},
		Cache: CacheConfig{
			MaxBytes:   20 << 30, // 20 GiB
			MaxEntries: 16,
		},
		UI: UIConfig{
			Color: true,
		},
	}
}

// Dir returns caro's config directory, honoring XDG_CONFIG_HOME.
func Dir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "caro"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(home, ".config", "caro"), nil
}

func pathTOML() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func pathJSON() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureDir creates caro's config directory if it does not exist.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// ensureSecurePermissions chmods a config file to 0600 since it may hold an
// API key; a permission fix failure is logged by the caller, not fatal.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("fix insecure permissions on %s (was %o): %w", path, info.Mode().Perm(), err)
		}
	}
	return nil
}

// Load resolves configuration by trying config.toml, then config.json, then
// built-in defaults, followed by environment overrides and validation.
func Load() (*Config, error) {
	cfg := Default()

	tomlPath, err := pathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := loadTOML(cfg, tomlPath); err != nil {
				return nil, fmt.Errorf("load toml config: %w", err)
			}
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
			return cfg, nil
		}
	}

	jsonPath, err := pathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := loadJSON(cfg, jsonPath); err != nil {
				return nil, fmt.Errorf("load json config: %w", err)
			}
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
			return cfg, nil
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
	return cfg, nil
}

func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	_, err := toml.DecodeFile(path, cfg)
	return err
}

func loadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// Save writes the config as TOML to the standard location, creating the
// config directory and hardening file permissions as it goes.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return err
	}
	path, err := pathTOML()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open config for write: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// applyEnvOverrides lets CARO_* environment variables win over file-based
// configuration, matching the teacher's env-override-applied-last ordering.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CARO_BACKEND"); v != "" {
		c.DefaultBackend = v
	}
	if v := os.Getenv("CARO_OLLAMA_URL"); v != "" {
		c.Backends.OllamaURL = v
	}
	if v := os.Getenv("CARO_OLLAMA_MODEL"); v != "" {
		c.Backends.OllamaModel = v
	}
	if v := os.Getenv("CARO_OPENAI_API_KEY"); v != "" {
		c.Backends.OpenAIAPIKey = v
	}
	if v := os.Getenv("CARO_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("CARO_SAFETY_ALLOW_DANGEROUS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Safety.AllowDangerous = b
		}
	}
	if v := os.Getenv("CARO_SAFETY_LEVEL"); v != "" {
		c.Safety.Level = v
	}
	if v := os.Getenv("CARO_NO_COLOR"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.UI.Color = !b
		}
	}
}

var validRiskWords = map[string]bool{"safe": true, "moderate": true, "high": true, "critical": true}
var validSafetyLevels = map[string]bool{"": true, "strict": true, "moderate": true, "permissive": true}
var validConfirmPolicies = map[string]bool{"": true, "always": true, "risky": true, "never": true}

// Validate rejects a config with out-of-range or nonsensical settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DefaultBackend) == "" {
		return fmt.Errorf("default_backend must not be empty")
	}
	if !validRiskWords[strings.ToLower(c.Safety.ConfirmAtOrAbove)] {
		return fmt.Errorf("safety.confirm_at_or_above: invalid risk level %q", c.Safety.ConfirmAtOrAbove)
	}
	if !validRiskWords[strings.ToLower(c.Safety.BlockAtOrAbove)] {
		return fmt.Errorf("safety.block_at_or_above: invalid risk level %q", c.Safety.BlockAtOrAbove)
	}
	if !validSafetyLevels[strings.ToLower(c.Safety.Level)] {
		return fmt.Errorf("safety.level: invalid level %q (want strict, moderate, or permissive)", c.Safety.Level)
	}
	if !validConfirmPolicies[strings.ToLower(c.Execution.Confirm)] {
		return fmt.Errorf("execution.confirm: invalid policy %q (want always, risky, or never)", c.Execution.Confirm)
	}
	for _, pat := range c.Safety.AllowPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("safety.allow_patterns: invalid regex %q: %w", pat, err)
		}
	}
	for _, p := range c.Safety.CustomPatterns {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("safety.custom_patterns: entry missing name")
		}
		if _, err := regexp.Compile(p.Regex); err != nil {
			return fmt.Errorf("safety.custom_patterns[%s]: invalid regex: %w", p.Name, err)
		}
		if !validRiskWords[strings.ToLower(p.Risk)] {
			return fmt.Errorf("safety.custom_patterns[%s]: invalid risk level %q", p.Name, p.Risk)
		}
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must be non-negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be non-negative")
	}
	if c.Execution.TimeoutSecs < 0 {
		return fmt.Errorf("execution.timeout_secs must be non-negative")
	}
	return nil
}

// CacheDir resolves the cache directory, defaulting under XDG_CACHE_HOME.
func (c *Config) CacheDir() (string, error) {
	if c.Cache.Dir != "" {
		return c.Cache.Dir, nil
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "caro", "models"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(home, ".cache", "caro", "models"), nil
}
