// Package asid hands out hardware address-space identifiers. Two VMs
// sharing a physical CPU must never run under the same ASID, or their
// TLB entries would alias; the pool is the single source of tags for
// the whole host.
package asid

import "sync"

// ASID 0 belongs to the host and is never handed out.
const hostASID = 0

// Pool allocates ASIDs up to the hardware-reported maximum.
type Pool struct {
	mu    sync.Mutex
	next  uint32
	freed []uint32
	max   uint32
}

// NewPool creates a pool of tags 1..max.
func NewPool(max uint32) *Pool {
	return &Pool{next: hostASID + 1, max: max}
}

// Allocate returns an unused tag, or false when the pool is exhausted.
func (p *Pool) Allocate() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.freed); n > 0 {
		tag := p.freed[n-1]
		p.freed = p.freed[:n-1]

		return tag, true
	}

	if p.next > p.max {
		return 0, false
	}

	tag := p.next
	p.next++

	return tag, true
}

// Release returns a tag to the pool. The caller must have flushed the
// tag's TLB entries first.
func (p *Pool) Release(tag uint32) {
	if tag == hostASID {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.freed = append(p.freed, tag)
}
