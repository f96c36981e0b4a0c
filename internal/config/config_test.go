package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_DefaultsWhenEnvUnset(t *testing.T) {
	cfg := Load()
	assert.Equal(t, defaultLlamaURL, cfg.LlamaURL)
	assert.Equal(t, defaultNSlots, cfg.NSlots)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultBigThreshold, cfg.BigThreshold)
	assert.Equal(t, defaultWordsPerBlock, cfg.WordsPerBlock)
	assert.Equal(t, defaultLCPThreshold, cfg.LCPThreshold)
	assert.Equal(t, 0, cfg.RateLimitRPS)
	assert.Equal(t, defaultThresholdMode, cfg.ThresholdMode)
	assert.Equal(t, defaultBigThresholdChars, cfg.BigThresholdChars)
	assert.Equal(t, defaultBigThresholdBlocks, cfg.BigThresholdBlocks)
	assert.Empty(t, cfg.PinnedPrefixes)
}

func TestLoad_ParsesPinnedKeysAndThresholdMode(t *testing.T) {
	t.Setenv("THRESHOLD_MODE", "BLOCKS")
	t.Setenv("PINNED_KEYS", `["system prompt one", "system prompt two"]`)

	cfg := Load()
	assert.Equal(t, "blocks", cfg.ThresholdMode, "mode is lowercased")
	assert.Equal(t, []string{"system prompt one", "system prompt two"}, cfg.PinnedPrefixes)
}

func TestLoadEnvJSONStringArray_MalformedIgnored(t *testing.T) {
	t.Setenv("PINNED_KEYS", "not json")
	assert.Nil(t, LoadEnvJSONStringArray("PINNED_KEYS"))
}

func TestLoadEnvJSONStringArray_UnsetReturnsNil(t *testing.T) {
	assert.Nil(t, LoadEnvJSONStringArray("PINNED_KEYS_UNSET_VAR"))
}

func TestValidate_RejectsUnknownThresholdMode(t *testing.T) {
	cfg := &Config{NSlots: 1, LCPThreshold: 0.5, WordsPerBlock: 16, MetaDir: t.TempDir(), ThresholdMode: "furlongs"}
	assert.Error(t, cfg.Validate())
}

func TestValidate_AcceptsEmptyThresholdModeAsWords(t *testing.T) {
	cfg := &Config{NSlots: 1, LCPThreshold: 0.5, WordsPerBlock: 16, MetaDir: t.TempDir()}
	assert.NoError(t, cfg.Validate())
}

func TestLoad_HonorsEnvOverrides(t *testing.T) {
	t.Setenv("N_SLOTS", "8")
	t.Setenv("LCP_TH", "0.75")
	t.Setenv("PROXY_RATE_LIMIT_RPS", "0")

	cfg := Load()
	assert.Equal(t, 8, cfg.NSlots)
	assert.Equal(t, 0.75, cfg.LCPThreshold)
	assert.Equal(t, 0, cfg.RateLimitRPS)
}

func TestLoadEnvInt_InvalidFallsBackToDefault(t *testing.T) {
	t.Setenv("N_SLOTS", "not-a-number")
	assert.Equal(t, 4, LoadEnvInt("N_SLOTS", 4))

	t.Setenv("N_SLOTS", "-1")
	assert.Equal(t, 4, LoadEnvInt("N_SLOTS", 4))
}

func TestLoadEnvIntAllowZero_AcceptsZero(t *testing.T) {
	t.Setenv("PROXY_RATE_LIMIT_RPS", "0")
	assert.Equal(t, 0, LoadEnvIntAllowZero("PROXY_RATE_LIMIT_RPS", 5))
}

func TestValidate_RejectsNonPositiveNSlots(t *testing.T) {
	cfg := &Config{NSlots: 0, LCPThreshold: 0.5, WordsPerBlock: 16, MetaDir: t.TempDir()}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsOutOfRangeThreshold(t *testing.T) {
	cfg := &Config{NSlots: 1, LCPThreshold: 1.5, WordsPerBlock: 16, MetaDir: t.TempDir()}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveWordsPerBlock(t *testing.T) {
	cfg := &Config{NSlots: 1, LCPThreshold: 0.5, WordsPerBlock: 0, MetaDir: t.TempDir()}
	assert.Error(t, cfg.Validate())
}

func TestValidate_AcceptsMissingMetaDir(t *testing.T) {
	cfg := &Config{NSlots: 1, LCPThreshold: 0.5, WordsPerBlock: 16, MetaDir: filepath.Join(t.TempDir(), "not-yet-created")}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsMetaDirThatIsAFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a-file")
	assert.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	cfg := &Config{NSlots: 1, LCPThreshold: 0.5, WordsPerBlock: 16, MetaDir: file}
	assert.Error(t, cfg.Validate())
}

func TestLoadFile_MissingDefaultPathIsNotAnError(t *testing.T) {
	cfg := Load()
	err := LoadFile(filepath.Join(t.TempDir(), "kvcacheproxy.yaml"), cfg)
	assert.NoError(t, err)
}

func TestLoadFile_OverlaysOnlySetFields(t *testing.T) {
	cfg := Load()
	originalPort := cfg.Port

	path := filepath.Join(t.TempDir(), "overlay.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("n_slots: 16\nlcp_th: 0.9\n"), 0o644))

	assert.NoError(t, LoadFile(path, cfg))
	assert.Equal(t, 16, cfg.NSlots)
	assert.Equal(t, 0.9, cfg.LCPThreshold)
	assert.Equal(t, originalPort, cfg.Port, "fields absent from the overlay must be left untouched")
}

func TestLoadFile_UnparseableYAMLIsAnError(t *testing.T) {
	cfg := Load()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("n_slots: [this is not an int"), 0o644))

	assert.Error(t, LoadFile(path, cfg))
}
