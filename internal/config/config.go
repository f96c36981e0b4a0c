// Package config loads the proxy's environment-variable configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Config holds every tunable named in the external interface table.
type Config struct {
	LlamaURL      string
	NSlots        int
	Port          int
	MetaDir       string
	BigThreshold  int
	WordsPerBlock int
	LCPThreshold  float64
	RequestTimeout time.Duration

	// ThresholdMode selects what BigThreshold/BigThresholdChars/
	// BigThresholdBlocks are measured against for the Gate step: "words"
	// (default, compared against BigThreshold), "chars", or "blocks". An
	// empty string is treated identically to "words" so config.Config{}
	// literals built directly (as the coordinator's tests do) keep their
	// existing word-count gating behavior.
	ThresholdMode      string
	BigThresholdChars  int
	BigThresholdBlocks int

	// PinnedPrefixes are raw prompt-prefix texts the Cache Janitor must
	// never evict, regardless of age or size pressure.
	PinnedPrefixes []string

	CacheDir              string
	CacheMaxAgeHours      float64
	CacheMaxSizeGB        float64
	CacheCleanupInterval  time.Duration

	RedisAddr     string
	RateLimitRPS  int
	MetricsAddr   string
}

const (
	defaultLlamaURL      = "http://127.0.0.1:8080"
	defaultNSlots        = 4
	defaultPort          = 8081
	defaultMetaDir       = "./meta"
	defaultBigThreshold  = 256
	defaultWordsPerBlock = 16
	defaultLCPThreshold  = 0.5
	defaultRequestTimeoutSeconds = 120

	defaultThresholdMode      = "words"
	defaultBigThresholdChars  = 5000
	defaultBigThresholdBlocks = 20

	defaultCacheDir                     = "./cache"
	defaultCacheMaxAgeHours              = 0 // disabled
	defaultCacheMaxSizeGB                = 20
	defaultCacheCleanupIntervalMinutes  = 10

	defaultRedisAddr    = "127.0.0.1:6379"
	defaultRateLimitRPS = 0 // disabled
	defaultMetricsAddr  = ":9090"
)

// Load populates a Config from the environment, falling back to defaults
// with a logged warning on any malformed value (string settings also warn
// when unset; numeric ones fall back silently), in the style of the
// teacher's LoadEnv/LoadEnvInt/LoadEnvFloat helpers below.
func Load() *Config {
	cfg := &Config{
		LlamaURL:      LoadEnv("LLAMA_URL", defaultLlamaURL),
		NSlots:        LoadEnvInt("N_SLOTS", defaultNSlots),
		Port:          LoadEnvInt("PORT", defaultPort),
		MetaDir:       LoadEnv("META_DIR", defaultMetaDir),
		BigThreshold:  LoadEnvInt("BIG_THRESHOLD_WORDS", defaultBigThreshold),
		WordsPerBlock: LoadEnvInt("WORDS_PER_BLOCK", defaultWordsPerBlock),
		LCPThreshold:  LoadEnvFloat("LCP_TH", defaultLCPThreshold),
		RequestTimeout: LoadEnvDuration("REQUEST_TIMEOUT", defaultRequestTimeoutSeconds*time.Second, time.Second),

		ThresholdMode:      strings.ToLower(LoadEnv("THRESHOLD_MODE", defaultThresholdMode)),
		BigThresholdChars:  LoadEnvInt("MIN_PREFIX_CHARS", defaultBigThresholdChars),
		BigThresholdBlocks: LoadEnvInt("MIN_PREFIX_BLOCKS", defaultBigThresholdBlocks),
		PinnedPrefixes:     LoadEnvJSONStringArray("PINNED_KEYS"),

		CacheDir:             LoadEnv("CACHE_DIR", defaultCacheDir),
		CacheMaxAgeHours:     LoadEnvFloatAllowZero("CACHE_MAX_AGE_HOURS", defaultCacheMaxAgeHours),
		CacheMaxSizeGB:       LoadEnvFloat("CACHE_MAX_SIZE_GB", defaultCacheMaxSizeGB),
		CacheCleanupInterval: LoadEnvDuration("CACHE_CLEANUP_INTERVAL_MINUTES", defaultCacheCleanupIntervalMinutes*time.Minute, time.Minute),

		RedisAddr:    LoadEnv("PROXY_REDIS_ADDR", defaultRedisAddr),
		RateLimitRPS: LoadEnvIntAllowZero("PROXY_RATE_LIMIT_RPS", defaultRateLimitRPS),
		MetricsAddr:  LoadEnv("PROXY_METRICS_ADDR", defaultMetricsAddr),
	}
	return cfg
}

// fileOverlay mirrors Config with pointer/zero-value fields so a YAML file
// only needs to name the settings an operator actually wants to override;
// everything else is left at whatever Load already populated from the
// environment. Grounded on the corpus's general "config struct the loader
// populates, then a file can override" shape (pario-ai-pario/pkg/config),
// adapted to this proxy's flat environment-variable schema rather than
// Pario's nested YAML document.
type fileOverlay struct {
	LlamaURL      *string  `yaml:"llama_url"`
	NSlots        *int     `yaml:"n_slots"`
	Port          *int     `yaml:"port"`
	MetaDir       *string  `yaml:"meta_dir"`
	BigThreshold  *int     `yaml:"big_threshold_words"`
	WordsPerBlock *int     `yaml:"words_per_block"`
	LCPThreshold  *float64 `yaml:"lcp_th"`

	ThresholdMode      *string  `yaml:"threshold_mode"`
	BigThresholdChars  *int     `yaml:"min_prefix_chars"`
	BigThresholdBlocks *int     `yaml:"min_prefix_blocks"`
	PinnedPrefixes     []string `yaml:"pinned_keys"`

	CacheDir         *string  `yaml:"cache_dir"`
	CacheMaxAgeHours *float64 `yaml:"cache_max_age_hours"`
	CacheMaxSizeGB   *float64 `yaml:"cache_max_size_gb"`

	RedisAddr    *string `yaml:"redis_addr"`
	RateLimitRPS *int    `yaml:"rate_limit_rps"`
	MetricsAddr  *string `yaml:"metrics_addr"`
}

// LoadFile applies a YAML config file on top of cfg, overriding only the
// fields the file sets. A missing file is not an error here and leaves cfg
// unchanged; the serve command rejects a missing file only when --config
// names it explicitly.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}

	if overlay.LlamaURL != nil {
		cfg.LlamaURL = *overlay.LlamaURL
	}
	if overlay.NSlots != nil {
		cfg.NSlots = *overlay.NSlots
	}
	if overlay.Port != nil {
		cfg.Port = *overlay.Port
	}
	if overlay.MetaDir != nil {
		cfg.MetaDir = *overlay.MetaDir
	}
	if overlay.BigThreshold != nil {
		cfg.BigThreshold = *overlay.BigThreshold
	}
	if overlay.WordsPerBlock != nil {
		cfg.WordsPerBlock = *overlay.WordsPerBlock
	}
	if overlay.LCPThreshold != nil {
		cfg.LCPThreshold = *overlay.LCPThreshold
	}
	if overlay.ThresholdMode != nil {
		cfg.ThresholdMode = strings.ToLower(*overlay.ThresholdMode)
	}
	if overlay.BigThresholdChars != nil {
		cfg.BigThresholdChars = *overlay.BigThresholdChars
	}
	if overlay.BigThresholdBlocks != nil {
		cfg.BigThresholdBlocks = *overlay.BigThresholdBlocks
	}
	if overlay.PinnedPrefixes != nil {
		cfg.PinnedPrefixes = overlay.PinnedPrefixes
	}
	if overlay.CacheDir != nil {
		cfg.CacheDir = *overlay.CacheDir
	}
	if overlay.CacheMaxAgeHours != nil {
		cfg.CacheMaxAgeHours = *overlay.CacheMaxAgeHours
	}
	if overlay.CacheMaxSizeGB != nil {
		cfg.CacheMaxSizeGB = *overlay.CacheMaxSizeGB
	}
	if overlay.RedisAddr != nil {
		cfg.RedisAddr = *overlay.RedisAddr
	}
	if overlay.RateLimitRPS != nil {
		cfg.RateLimitRPS = *overlay.RateLimitRPS
	}
	if overlay.MetricsAddr != nil {
		cfg.MetricsAddr = *overlay.MetricsAddr
	}
	klog.InfoS("config_file_applied", "path", path)
	return nil
}

// Validate reports fatal startup configuration errors. Per spec.md's error
// handling design, these abort the process with a non-zero exit code.
func (c *Config) Validate() error {
	if c.NSlots <= 0 {
		return fmt.Errorf("N_SLOTS must be positive, got %d", c.NSlots)
	}
	if c.LCPThreshold < 0 || c.LCPThreshold > 1 {
		return fmt.Errorf("LCP_TH must be within [0,1], got %g", c.LCPThreshold)
	}
	if c.WordsPerBlock <= 0 {
		return fmt.Errorf("WORDS_PER_BLOCK must be positive, got %d", c.WordsPerBlock)
	}
	switch c.ThresholdMode {
	case "", "words", "chars", "blocks":
	default:
		return fmt.Errorf("THRESHOLD_MODE must be one of words|chars|blocks, got %q", c.ThresholdMode)
	}
	if info, err := os.Stat(c.MetaDir); err == nil && !info.IsDir() {
		return fmt.Errorf("META_DIR %q exists and is not a directory", c.MetaDir)
	} else if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("META_DIR %q is not accessible: %w", c.MetaDir, err)
	}
	return nil
}

// LoadEnv loads an environment variable or returns a default value if not set.
func LoadEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		klog.Warningf("environment variable %s is not set, using default value: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

// LoadEnvInt loads a positive integer, warning and falling back on anything else.
func LoadEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value != "" {
		intValue, err := strconv.Atoi(value)
		if err != nil || intValue <= 0 {
			klog.Warningf("invalid %s: %s, falling back to default: %d", key, value, defaultValue)
		} else {
			return intValue
		}
	}
	return defaultValue
}

// LoadEnvIntAllowZero is LoadEnvInt but also accepts 0 (used to disable a
// feature, e.g. PROXY_RATE_LIMIT_RPS=0 disables rate limiting).
func LoadEnvIntAllowZero(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value != "" {
		intValue, err := strconv.Atoi(value)
		if err != nil || intValue < 0 {
			klog.Warningf("invalid %s: %s, falling back to default: %d", key, value, defaultValue)
		} else {
			return intValue
		}
	}
	return defaultValue
}

// LoadEnvFloat loads a positive float, warning and falling back otherwise.
func LoadEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr != "" {
		value, err := strconv.ParseFloat(valueStr, 64)
		if err != nil || value <= 0 {
			klog.Warningf("invalid %s: %s, falling back to default: %g", key, valueStr, defaultValue)
		} else {
			return value
		}
	}
	return defaultValue
}

// LoadEnvFloatAllowZero is LoadEnvFloat but also accepts 0 (CACHE_MAX_AGE_HOURS=0
// disables age-based eviction per spec.md §6).
func LoadEnvFloatAllowZero(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr != "" {
		value, err := strconv.ParseFloat(valueStr, 64)
		if err != nil || value < 0 {
			klog.Warningf("invalid %s: %s, falling back to default: %g", key, valueStr, defaultValue)
		} else {
			return value
		}
	}
	return defaultValue
}

// LoadEnvJSONStringArray loads a JSON array of strings, e.g.
// PINNED_KEYS=["system prompt text", "another pinned prefix"]. A missing or
// empty variable returns nil; malformed JSON warns and returns nil rather
// than aborting startup over an optional setting.
func LoadEnvJSONStringArray(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		klog.Warningf("invalid %s: %s, ignoring (%v)", key, value, err)
		return nil
	}
	return out
}

// LoadEnvDuration loads a value expressed in units of step (e.g. time.Second
// for REQUEST_TIMEOUT, time.Minute for CACHE_CLEANUP_INTERVAL_MINUTES).
func LoadEnvDuration(key string, defaultValue time.Duration, step time.Duration) time.Duration {
	value := os.Getenv(key)
	if value != "" {
		intValue, err := strconv.Atoi(value)
		if err != nil || intValue <= 0 {
			klog.Warningf("invalid %s: %s, falling back to default: %s", key, value, defaultValue)
		} else {
			return time.Duration(intValue) * step
		}
	}
	return defaultValue
}
