package chain

import "sync"

// DefaultHistorySize is the number of blocks kept when no capacity is configured.
const DefaultHistorySize = 10

// BlockCache holds the most recent puzzle blocks, newest first.
// Reads return copies; no I/O happens while the lock is held.
type BlockCache struct {
	mu       sync.RWMutex
	history  []Block
	capacity int
}

// NewBlockCache creates an empty cache keeping at most capacity blocks.
func NewBlockCache(capacity int) *BlockCache {
	if capacity < 1 {
		capacity = DefaultHistorySize
	}
	return &BlockCache{capacity: capacity}
}

// Latest returns a copy of the newest block, or the zero Block if none was ever stored.
func (c *BlockCache) Latest() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return Block{}
	}
	return c.history[0].Clone()
}

// History returns copies of the cached blocks, newest first.
func (c *BlockCache) History() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Block, len(c.history))
	for i, b := range c.history {
		out[i] = b.Clone()
	}
	return out
}

// Offer stores b as the new head if its block number is strictly greater than the current
// head's. It reports whether the cache changed.
func (c *BlockCache) Offer(b Block) bool {
	b = b.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) > 0 && b.BlockNumber <= c.history[0].BlockNumber {
		return false
	}

	next := make([]Block, 0, min(len(c.history)+1, c.capacity))
	next = append(next, b)
	next = append(next, c.history[:min(len(c.history), c.capacity-1)]...)
	c.history = next
	return true
}
