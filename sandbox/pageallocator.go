// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/vas"
)

// PageAllocator hands out pages inside a sandbox. It is the only
// supported way for embedders to place memory in the sandbox. It is
// safe for concurrent use.
//
// Allocations may be shrunk in place with ReleasePages. The allocator
// remembers the original size so that the final FreePages returns the
// whole region no matter what size the caller passes.
type PageAllocator struct {
	space   vas.AddressSpace
	metrics *Metrics

	mu        sync.Mutex
	resized   map[addr.Address]uint64
	allocated uint64
}

// NewPageAllocator creates a page allocator over space. metrics may be
// nil.
func NewPageAllocator(space vas.AddressSpace, metrics *Metrics) *PageAllocator {
	return &PageAllocator{
		space:   space,
		metrics: metrics,
		resized: make(map[addr.Address]uint64),
	}
}

// AllocatePageSize returns the granularity of allocations.
func (p *PageAllocator) AllocatePageSize() uint64 {
	return p.space.AllocationGranularity()
}

// CommitPageSize returns the granularity of permission changes.
func (p *PageAllocator) CommitPageSize() uint64 {
	return p.space.PageSize()
}

// Range returns the range the allocator places pages in.
func (p *PageAllocator) Range() addr.Range {
	return p.space.Range()
}

// Contains reports whether address is inside the allocator's range.
func (p *PageAllocator) Contains(address addr.Address) bool {
	return p.space.Range().Contains(address)
}

// AllocatedBytes returns the number of bytes currently allocated,
// counting shrunk allocations at their original size.
func (p *PageAllocator) AllocatedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// AllocatePages allocates size bytes aligned to alignment, preferring
// hint. A zero alignment means AllocatePageSize.
func (p *PageAllocator) AllocatePages(hint addr.Address, size, alignment uint64, permissions vas.Permissions) (addr.Address, error) {
	address, err := p.space.AllocatePages(hint, size, alignment, permissions)
	if err != nil {
		p.metrics.observeAllocationFailure()
		return addr.Null, fmt.Errorf("allocating %#x bytes in sandbox: %w", size, err)
	}

	p.mu.Lock()
	p.allocated += size
	p.metrics.observeAllocation(p.allocated)
	p.mu.Unlock()
	return address, nil
}

// FreePages frees an allocation. If the allocation was shrunk with
// ReleasePages, its original size is freed. A failed free leaves the
// allocation as it was, so it can be retried with the same arguments.
func (p *PageAllocator) FreePages(address addr.Address, size uint64) error {
	p.mu.Lock()
	if original, ok := p.resized[address]; ok {
		size = original
	}
	p.mu.Unlock()

	if err := p.space.FreePages(address, size); err != nil {
		return fmt.Errorf("freeing %#x bytes at %v: %w", size, address, err)
	}

	p.mu.Lock()
	delete(p.resized, address)
	p.allocated -= size
	p.metrics.observeFree(p.allocated)
	p.mu.Unlock()
	return nil
}

// ReleasePages shrinks the allocation at address from size to newSize
// bytes by decommitting the tail. The addresses stay reserved until
// FreePages. Panics unless newSize < size and the released tail is a
// multiple of CommitPageSize.
func (p *PageAllocator) ReleasePages(address addr.Address, size, newSize uint64) error {
	if newSize >= size {
		panic(fmt.Sprintf("sandbox: ReleasePages new size %#x is not below size %#x", newSize, size))
	}
	if !addr.IsMultiple(size-newSize, p.CommitPageSize()) {
		panic(fmt.Sprintf("sandbox: ReleasePages tail %#x is not a multiple of the commit page size %#x",
			size-newSize, p.CommitPageSize()))
	}

	p.mu.Lock()
	if _, ok := p.resized[address]; !ok {
		p.resized[address] = size
	}
	p.mu.Unlock()

	tail := address.Add(newSize)
	if err := p.space.DecommitPages(tail, size-newSize); err != nil {
		return fmt.Errorf("releasing %#x bytes at %v: %w", size-newSize, tail, err)
	}
	return nil
}

// SetPermissions changes the access rights of pages in an allocation.
func (p *PageAllocator) SetPermissions(address addr.Address, size uint64, permissions vas.Permissions) error {
	return p.space.SetPagePermissions(address, size, permissions)
}

// DecommitPages drops the contents and physical backing of pages and
// makes them inaccessible. The pages stay allocated.
func (p *PageAllocator) DecommitPages(address addr.Address, size uint64) error {
	return p.space.DecommitPages(address, size)
}
