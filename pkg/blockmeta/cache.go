// Package blockmeta holds the process-lifetime gas/tx-count summary for
// recently seen blocks, keyed by block height.
package blockmeta

import (
	"fmt"
	"sync"
)

// Meta is the per-block summary derived from block JSON.
type Meta struct {
	GasUsed uint64
	TxCount uint32
}

// String renders a Meta the way notification payloads expect it.
func (m Meta) String() string {
	return fmt.Sprintf("gas_used=%d tx_count=%d", m.GasUsed, m.TxCount)
}

// unknown is returned on a cache miss; its String() is the sentinel "unknown".
type unknown struct{}

func (unknown) String() string { return "unknown" }

// Stringer is satisfied by both Meta and the miss sentinel, so callers never
// need to special-case a lookup miss.
type Stringer interface {
	String() string
}

const maxEntries = 4096

// Cache is a concurrent-safe, size-capped map of block height to Meta.
// Eviction is not required by the core contract; this
// implementation caps at maxEntries and evicts the oldest-inserted entry,
// which is sufficient since lookups only ever target recently-processed
// blocks.
type Cache struct {
	mu    sync.RWMutex
	byID  map[uint64]Meta
	order []uint64
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{byID: make(map[uint64]Meta)}
}

// Put records the metadata for block, evicting the oldest entry if the
// cache is at capacity.
func (c *Cache) Put(block uint64, m Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[block]; !exists {
		if len(c.order) >= maxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.byID, oldest)
		}
		c.order = append(c.order, block)
	}
	c.byID[block] = m
}

// Lookup returns the Meta for block, or the "unknown" sentinel on a miss.
// It never returns an error.
func (c *Cache) Lookup(block uint64) Stringer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.byID[block]; ok {
		return m
	}
	return unknown{}
}
