// Package cache implements the Image Cache: a sparse, 1 MiB-block map of a
// disk or tape image's bytes, demand-populated by a Fetcher. Absent blocks
// read as all zeros; a block, once installed, is never replaced.
package cache

import (
	"sync"

	"github.com/behrlich/pdp11io/internal/constants"
)

// BlockSize is the fixed size of one cache block, matching the Fetcher's
// byte-range unit.
const BlockSize = constants.BlockSize

// numShards bounds lock contention: one mutex per a fixed band of blocks
// rather than one mutex per cache, so concurrent fetches on unrelated
// blocks don't serialize behind each other.
const numShards = 64

// Cache is a sparse map of block index to block bytes. A present entry is
// exactly BlockSize bytes; a missing entry is an implicit all-zero block.
type Cache struct {
	shards [numShards]shard
}

type shard struct {
	mu     sync.RWMutex
	blocks map[int][]byte
}

// New creates an empty Cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].blocks = make(map[int][]byte)
	}
	return c
}

func (c *Cache) shardFor(block int) *shard {
	return &c.shards[((block%numShards)+numShards)%numShards]
}

// Has reports whether block is present in the cache.
func (c *Cache) Has(block int) bool {
	s := c.shardFor(block)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[block]
	return ok
}

// ReadByte returns the byte at the given block-relative offset, or ok=false
// if the block is absent. Callers must treat absence as a cache miss
// requiring a fetch, never as an implicit zero, unless they have their
// own documented reason to read a missing block as zero.
func (c *Cache) ReadByte(block, offset int) (v byte, ok bool) {
	s := c.shardFor(block)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, present := s.blocks[block]
	if !present {
		return 0, false
	}
	return b[offset], true
}

// WriteByte writes a byte at the given block-relative offset. The block
// must already be present (the Transfer Engine never writes into a block
// it hasn't first confirmed is cached).
func (c *Cache) WriteByte(block, offset int, v byte) {
	s := c.shardFor(block)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blocks[block]; ok {
		b[offset] = v
	}
}

// BlockCount returns the number of blocks currently resident, for test
// assertions and Stats().
func (c *Cache) BlockCount() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.RLock()
		n += len(c.shards[i].blocks)
		c.shards[i].mu.RUnlock()
	}
	return n
}
