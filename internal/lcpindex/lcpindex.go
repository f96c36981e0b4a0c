// Package lcpindex implements the LCP Index: an in-memory trie, keyed by
// block signature and partitioned per model, that answers "which existing
// Cache Entry shares the longest block-prefix with this fingerprint".
package lcpindex

import (
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/flowlayer/kvcacheproxy/internal/cacheentry"
)

// node is one trie level. Every Cache Entry whose fingerprint passes
// through a node is recorded in that node's entries set — mirroring the
// teacher's tree.go, where a TreeNode's modelToPods map is propagated to
// every ancestor on insertion (see AddPrefix's parent-walk). That lets a
// lookup that stops at a node read its candidate set directly, without a
// further descent.
type node struct {
	children map[uint64]*node
	entries  map[string]*cacheentry.Entry // slot_id -> entry
}

func newNode() *node {
	return &node{
		children: make(map[uint64]*node),
		entries:  make(map[string]*cacheentry.Entry),
	}
}

// Index is the top-level structure: one independent trie per model id, all
// guarded by a single reader-writer lock, matching spec.md §9's explicit
// judgment that a single lock on the whole index is adequate at expected
// scale.
type Index struct {
	mu    sync.RWMutex
	roots map[string]*node
}

// New returns an empty Index.
func New() *Index {
	return &Index{roots: make(map[string]*node)}
}

// Candidate is one LCP Index lookup result.
type Candidate struct {
	Entry     *cacheentry.Entry
	MatchLen  int // signatures shared with the query, in blocks
}

// Lookup walks the model's trie along signatures until divergence and
// returns the deepest reached node's entries, sorted by most-recent
// LastUsedAt, per spec.md §4.3. An empty signatures slice, or no entries
// for the model, returns no candidates.
//
// The ratio = depth / len(signatures) ratio gate is applied per candidate
// entry rather than once for the whole node: an entry whose own signature
// sequence is fully consumed by the match (depth == len(entry.Signatures),
// i.e. the stored prefix is an exact match against this request's leading
// blocks) is always admitted regardless of the overall ratio. A long
// request revisiting a short, exactly-matching cached prefix would
// otherwise see a low ratio and lose a restore it is entitled to.
func (idx *Index) Lookup(model string, signatures []uint64, threshold float64) []Candidate {
	if len(signatures) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	root, ok := idx.roots[model]
	if !ok {
		return nil
	}

	cur := root
	depth := 0
	for _, sig := range signatures {
		child, ok := cur.children[sig]
		if !ok {
			break
		}
		cur = child
		depth++
	}
	if depth == 0 || len(cur.entries) == 0 {
		return nil
	}

	ratio := float64(depth) / float64(len(signatures))
	candidates := make([]Candidate, 0, len(cur.entries))
	for _, e := range cur.entries {
		exactMatch := depth == len(e.Signatures)
		if !exactMatch && ratio < threshold {
			continue
		}
		candidates = append(candidates, Candidate{Entry: e, MatchLen: depth})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Entry.LastUsedAt.After(candidates[j].Entry.LastUsedAt)
	})
	return candidates
}

// Insert adds (or re-adds) an entry to every node along its signature path.
// Re-inserting the same slot_id overwrites it on every node of the new
// path; nodes that lie only on an earlier, different path are not cleared
// (when the new signatures extend the old ones, every old node is on the
// new path).
func (idx *Index) Insert(e *cacheentry.Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	root, ok := idx.roots[e.Model]
	if !ok {
		root = newNode()
		idx.roots[e.Model] = root
	}

	cur := root
	for _, sig := range e.Signatures {
		child, ok := cur.children[sig]
		if !ok {
			child = newNode()
			cur.children[sig] = child
		}
		cur = child
		cur.entries[e.SlotID] = e
	}
	klog.V(5).InfoS("lcp_index_inserted", "slot_id", e.SlotID, "model", e.Model, "blocks", len(e.Signatures))
}

// Delete removes an entry from every node along its signature path and
// prunes now-empty leaf nodes. Used by the Cache Janitor under the
// exclusive lock it holds per spec.md §4.7.
func (idx *Index) Delete(e *cacheentry.Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	root, ok := idx.roots[e.Model]
	if !ok {
		return
	}

	path := make([]*node, 0, len(e.Signatures)+1)
	path = append(path, root)
	cur := root
	for _, sig := range e.Signatures {
		child, ok := cur.children[sig]
		if !ok {
			break
		}
		path = append(path, child)
		cur = child
	}
	for _, n := range path {
		delete(n.entries, e.SlotID)
	}
	idx.pruneEmpty(root, e.Signatures)
	klog.V(5).InfoS("lcp_index_deleted", "slot_id", e.SlotID, "model", e.Model)
}

// pruneEmpty removes leaf nodes with no entries and no children, walking
// back up the given path. It is best-effort bookkeeping, not required for
// correctness (an empty leaf is harmless, just wasted memory).
func (idx *Index) pruneEmpty(root *node, signatures []uint64) {
	// Walk the path again collecting parents, then prune from the tail.
	nodes := make([]*node, 0, len(signatures)+1)
	nodes = append(nodes, root)
	cur := root
	for _, sig := range signatures {
		child, ok := cur.children[sig]
		if !ok {
			return
		}
		nodes = append(nodes, child)
		cur = child
	}
	for i := len(nodes) - 1; i > 0; i-- {
		n := nodes[i]
		if len(n.entries) == 0 && len(n.children) == 0 {
			parentSig := signatures[i-1]
			delete(nodes[i-1].children, parentSig)
		} else {
			break
		}
	}
}

// Snapshot returns every entry currently indexed, used by the Janitor's
// age and size passes to decide what to evict without re-walking the trie
// per candidate.
func (idx *Index) Snapshot() []*cacheentry.Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]*cacheentry.Entry)
	for _, root := range idx.roots {
		collect(root, seen)
	}
	out := make([]*cacheentry.Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	return out
}

func collect(n *node, seen map[string]*cacheentry.Entry) {
	for id, e := range n.entries {
		seen[id] = e
	}
	for _, c := range n.children {
		collect(c, seen)
	}
}

// Touch updates an entry's LastUsedAt in place. Because nodes hold pointers
// to the same *cacheentry.Entry, a single update is visible everywhere the
// entry is indexed without a re-insert.
func Touch(e *cacheentry.Entry, now time.Time) {
	e.LastUsedAt = now
}
