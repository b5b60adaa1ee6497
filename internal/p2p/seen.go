package p2p

import (
	"container/list"
	"sync"

	"github.com/postchain/postchain/internal/blockchain/crypto"
)

// seenCache is a bounded, concurrency-safe set of recently observed content
// hashes, used to gossip each transaction or block announcement to a peer
// at most once per spec.md §4.7. Eviction is oldest-first once the cache
// fills, trading a handful of redundant round trips for bounded memory.
type seenCache struct {
	mu    sync.Mutex
	limit int
	order *list.List
	index map[crypto.Hash]*list.Element
}

func newSeenCache(limit int) *seenCache {
	return &seenCache{
		limit: limit,
		order: list.New(),
		index: make(map[crypto.Hash]*list.Element),
	}
}

func (c *seenCache) seen(h crypto.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[h]
	return ok
}

func (c *seenCache) mark(h crypto.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[h]; ok {
		return
	}
	elem := c.order.PushBack(h)
	c.index[h] = elem

	for c.order.Len() > c.limit {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(crypto.Hash))
	}
}
