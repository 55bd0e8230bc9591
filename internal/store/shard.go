// internal/store/shard.go
package store

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shard owns a fine-grained lock and a submap of kernel-key-string to
// VersionChain. No global store lock exists; cross-shard operations acquire
// shards in ascending index order (ApplyBatch sorts the shard indices before
// locking; no runtime check asserts the order) to avoid deadlock, per spec.md §4.2.
type shard struct {
	idx    int
	mu     sync.RWMutex
	chains map[string]*VersionChain
}

func newShard(idx int) *shard {
	return &shard{idx: idx, chains: make(map[string]*VersionChain)}
}

// shardCount must be a power of two; routing masks the hash instead of
// using modulo.
func shardIndex(keyEnc []byte, shardCount int) int {
	h := xxhash.Sum64(keyEnc)
	return int(h & uint64(shardCount-1))
}

// getOrCreateChain must be called with s.mu held for writing.
func (s *shard) getOrCreateChain(keyStr string) *VersionChain {
	c, ok := s.chains[keyStr]
	if !ok {
		c = newVersionChain()
		s.chains[keyStr] = c
	}
	return c
}
