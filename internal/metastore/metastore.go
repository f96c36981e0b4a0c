// Package metastore persists Cache Entries as one self-describing JSON file
// per entry under META_DIR, with crash-safe atomic writes.
package metastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"

	"github.com/flowlayer/kvcacheproxy/internal/cacheentry"
)

const (
	recordSuffix    = ".json"
	quarantineDir   = "quarantine"
	tempSuffix      = ".tmp"
)

// Store is the durable slot_id -> Cache Entry mapping described in spec.md
// §4.2. It only manages the records on disk; the LCP Index is kept in sync
// by the caller (Request Coordinator / Janitor), per spec.md §9's
// shared-state-minimization note — the store itself holds no index.
type Store struct {
	dir string
	mu  sync.Mutex // serializes writes; concurrent reads of distinct files need no lock
}

// New returns a Store rooted at dir. It does not touch the filesystem.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(slotID string) string {
	return filepath.Join(s.dir, slotID+recordSuffix)
}

// LoadAll scans the directory on startup, parsing each record and handing
// back the ones that parse. Corrupt or unparseable records are moved aside
// into a quarantine subdirectory and logged; they never abort startup, per
// spec.md §4.2.
func (s *Store) LoadAll() ([]*cacheentry.Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(s.dir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create META_DIR %q: %w", s.dir, mkErr)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read META_DIR %q: %w", s.dir, err)
	}

	var loaded []*cacheentry.Entry
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != recordSuffix {
			continue
		}
		full := filepath.Join(s.dir, de.Name())
		data, readErr := os.ReadFile(full)
		if readErr != nil {
			klog.ErrorS(readErr, "metastore_read_failed", "file", full)
			s.quarantine(full)
			continue
		}
		var e cacheentry.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			klog.ErrorS(err, "metastore_parse_failed", "file", full)
			s.quarantine(full)
			continue
		}
		loaded = append(loaded, &e)
	}
	klog.InfoS("metastore_loaded", "dir", s.dir, "count", len(loaded))
	return loaded, nil
}

func (s *Store) quarantine(full string) {
	qdir := filepath.Join(s.dir, quarantineDir)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		klog.ErrorS(err, "metastore_quarantine_mkdir_failed", "dir", qdir)
		return
	}
	dst := filepath.Join(qdir, filepath.Base(full))
	if err := os.Rename(full, dst); err != nil {
		klog.ErrorS(err, "metastore_quarantine_move_failed", "file", full)
	}
}

// Put writes an entry atomically: write-temp, fsync, rename. The rename
// target replaces any prior record for the same slot_id.
//
// Grounded on the pack's file_task_store.go temp-then-rename shape, with an
// explicit fsync before the rename that the teacher's own version omits —
// spec.md's crash-safety property requires the record be parseable after a
// kill at any point, which a bare rename without fsync does not guarantee
// on every filesystem.
func (s *Store) Put(e *cacheentry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry %s: %w", e.SlotID, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create META_DIR %q: %w", s.dir, err)
	}

	target := s.path(e.SlotID)
	tmp := target + tempSuffix

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp metadata file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fsync temp metadata file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp metadata file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename metadata file into place: %w", err)
	}
	return nil
}

// Delete removes the on-disk record for slotID. Missing records are not an error.
func (s *Store) Delete(slotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(slotID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete metadata file for %s: %w", slotID, err)
	}
	return nil
}

// Has reports whether a record exists for slotID without parsing it;
// used by the Janitor's orphan pass.
func (s *Store) Has(slotID string) bool {
	_, err := os.Stat(s.path(slotID))
	return err == nil
}

// ListSlotIDs returns every slot_id with a metadata record currently on
// disk, used by the Janitor's orphan pass to find records with no KV file.
func (s *Store) ListSlotIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != recordSuffix {
			continue
		}
		ids = append(ids, de.Name()[:len(de.Name())-len(recordSuffix)])
	}
	return ids, nil
}
