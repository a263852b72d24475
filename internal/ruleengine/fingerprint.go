package ruleengine

import "github.com/spaolacci/murmur3"

// Fingerprint returns a stable 64-bit hash of a rule tree, computed over
// its canonical storage encoding. Equal trees hash equal, so the syncer
// can skip recomputing membership when a segment is saved with an
// unchanged rule, and cached decoded trees can be keyed by content.
// A nil rule hashes to 0.
func Fingerprint(rule *Group) uint64 {
	if rule == nil {
		return 0
	}
	encoded, err := EncodeStorage(rule)
	if err != nil {
		// EncodeStorage only fails on node types outside the package's
		// sum type, which cannot be constructed externally.
		return 0
	}
	return murmur3.Sum64(encoded)
}
