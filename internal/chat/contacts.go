package chat

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Contacts is an insertion-ordered address set, safe for concurrent use.
type Contacts struct {
	mu    sync.RWMutex
	order []common.Address
	seen  map[common.Address]struct{}
}

// NewContacts returns an empty set.
func NewContacts() *Contacts {
	return &Contacts{seen: make(map[common.Address]struct{})}
}

// Add inserts addr and reports whether it was new.
func (c *Contacts) Add(addr common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[addr]; ok {
		return false
	}
	c.seen[addr] = struct{}{}
	c.order = append(c.order, addr)
	return true
}

// Merge adds every address and returns the ones that were new, in order.
func (c *Contacts) Merge(addrs []common.Address) []common.Address {
	var added []common.Address
	for _, a := range addrs {
		if c.Add(a) {
			added = append(added, a)
		}
	}
	return added
}

// Has reports membership.
func (c *Contacts) Has(addr common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.seen[addr]
	return ok
}

// List returns a copy in insertion order.
func (c *Contacts) List() []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]common.Address, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of contacts.
func (c *Contacts) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Reset empties the set.
func (c *Contacts) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.seen = make(map[common.Address]struct{})
}
