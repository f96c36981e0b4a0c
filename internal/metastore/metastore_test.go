package metastore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowlayer/kvcacheproxy/internal/cacheentry"
)

func TestPutLoadDelete_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	e := &cacheentry.Entry{
		SlotID:     "save-1",
		Model:      "llama-3-8b",
		Signatures: []uint64{1, 2, 3},
		WordCount:  48,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
	}
	assert.NoError(t, s.Put(e))
	assert.True(t, s.Has("save-1"))

	loaded, err := s.LoadAll()
	assert.NoError(t, err)
	assert.Len(t, loaded, 1)
	assert.Equal(t, e.SlotID, loaded[0].SlotID)
	assert.Equal(t, e.Signatures, loaded[0].Signatures)

	assert.NoError(t, s.Delete("save-1"))
	assert.False(t, s.Has("save-1"))
}

func TestLoadAll_CreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist-yet")
	s := New(dir)

	loaded, err := s.LoadAll()
	assert.NoError(t, err)
	assert.Empty(t, loaded)

	info, statErr := os.Stat(dir)
	assert.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestLoadAll_QuarantinesCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	assert.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))

	good := &cacheentry.Entry{SlotID: "ok", Model: "m", Signatures: []uint64{1}, CreatedAt: time.Now(), LastUsedAt: time.Now()}
	assert.NoError(t, s.Put(good))

	loaded, err := s.LoadAll()
	assert.NoError(t, err)
	assert.Len(t, loaded, 1, "the corrupt file must be skipped, not abort the whole scan")

	_, statErr := os.Stat(filepath.Join(dir, quarantineDir, "broken.json"))
	assert.NoError(t, statErr, "the corrupt file should have been moved into quarantine")
}

func TestDelete_MissingRecordIsNotAnError(t *testing.T) {
	s := New(t.TempDir())
	assert.NoError(t, s.Delete("never-existed"))
}

func TestListSlotIDs(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	assert.NoError(t, s.Put(&cacheentry.Entry{SlotID: "a", Model: "m", CreatedAt: time.Now(), LastUsedAt: time.Now()}))
	assert.NoError(t, s.Put(&cacheentry.Entry{SlotID: "b", Model: "m", CreatedAt: time.Now(), LastUsedAt: time.Now()}))

	ids, err := s.ListSlotIDs()
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
