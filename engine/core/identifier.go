package core

import (
	"fmt"
	"sync"
)

// IdentifierPool hands out small integer ids, reusing released slots first.
// Id 0 is never handed out so it can mean "no handle".
type IdentifierPool struct {
	mu     sync.Mutex
	owners []interface{}
	live   int
}

func NewIdentifierPool(capacity int) *IdentifierPool {
	if capacity < 1 {
		capacity = 1
	}
	// slot 0 is reserved
	owners := make([]interface{}, 1, capacity+1)
	owners[0] = struct{}{}
	return &IdentifierPool{owners: owners}
}

func (p *IdentifierPool) Acquire(owner interface{}) uint64 {
	if owner == nil {
		owner = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.live++
	for i := 1; i < len(p.owners); i++ {
		// Existing free spot. Take it.
		if p.owners[i] == nil {
			p.owners[i] = owner
			return uint64(i)
		}
	}
	p.owners = append(p.owners, owner)
	return uint64(len(p.owners) - 1)
}

func (p *IdentifierPool) Owner(id uint64) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == 0 || id >= uint64(len(p.owners)) || p.owners[id] == nil {
		return nil, false
	}
	return p.owners[id], true
}

func (p *IdentifierPool) Release(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == 0 || id >= uint64(len(p.owners)) {
		return fmt.Errorf("identifier release: id '%d' out of range (max=%d). Nothing was done", id, len(p.owners)-1)
	}
	if p.owners[id] == nil {
		return fmt.Errorf("identifier release: id '%d' is not in use", id)
	}
	// Just zero out the entry, making it available for use.
	p.owners[id] = nil
	p.live--
	return nil
}

// Live returns how many ids are currently handed out.
func (p *IdentifierPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
