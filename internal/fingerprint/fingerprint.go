// Package fingerprint computes block-level signatures of prompt text, the
// unit the LCP Index compares across prompts.
package fingerprint

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fixed seed: two processes (or the same process across restarts) must
// produce identical signatures for identical text, per spec.md's
// determinism-of-fingerprinting property. The teacher's hash table instead
// seeds from time.Now() per process specifically because its prefix table
// is a soft routing cache that gets rebuilt anyway; here the signatures are
// durably persisted in the Metadata Store, so a random seed would make
// every record unreadable after a restart.
const seed uint64 = 0x5ca1ab1ecafe5eed

// Fingerprint is the ordered sequence of Block Signatures of a prompt, plus
// bookkeeping spec.md's Gate and Admit steps need.
type Fingerprint struct {
	Signatures []uint64
	WordCount  int
}

// Compute normalizes whitespace, splits the prompt into WORDS_PER_BLOCK-word
// blocks, and hashes each complete block with a fixed-seed xxhash digest.
// Trailing partial blocks are dropped from Signatures but still counted in
// WordCount, per spec.md §3.
func Compute(promptText string, wordsPerBlock int) Fingerprint {
	words := strings.Fields(promptText)
	fp := Fingerprint{WordCount: len(words)}
	if wordsPerBlock <= 0 {
		return fp
	}

	digest := xxhash.NewWithSeed(seed)
	for start := 0; start+wordsPerBlock <= len(words); start += wordsPerBlock {
		block := strings.Join(words[start:start+wordsPerBlock], " ")
		_, _ = digest.WriteString(block)
		fp.Signatures = append(fp.Signatures, digest.Sum64())
		digest.ResetWithSeed(seed)
	}
	return fp
}

// CommonPrefixLen returns the number of leading signatures shared by a and b.
func CommonPrefixLen(a, b []uint64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
