// Copyright 2026 The capkernel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pagetables provides x86-64 four-level page tables.
//
// Only 4K pages are installed. The tables are plain memory obtained from an
// Allocator, so the same code builds the tables loaded into CR3 by the kernel
// and the tables walked in software by host-side tests.
package pagetables

import (
	"fmt"

	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/sync"
)

// PageTables is a set of page tables.
type PageTables struct {
	mu sync.Mutex

	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root. Immutable after creation.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr
}

// New returns new PageTables.
func New(a Allocator) *PageTables {
	p := &PageTables{Allocator: a}
	p.root = p.Allocator.NewPTEs()
	p.rootPhysical = p.Allocator.PhysicalFor(p.root)
	return p
}

// checkRange panics if [addr, addr+length) is not a page-aligned range of
// the lower canonical half.
func checkRange(op string, addr hostarch.Addr, length uintptr) hostarch.Addr {
	if !addr.IsPageAligned() || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("pagetables.%s: unaligned range [%#x, +%#x)", op, addr, length))
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || uintptr(end) > lowerTop+1 {
		panic(fmt.Sprintf("pagetables.%s: range [%#x, +%#x) is not canonical", op, addr, length))
	}
	return end
}

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page-aligned and the range must lie
// in the lower canonical half.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) bool {
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length)
	}
	end := checkRange("Map", addr, length)
	if physical%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("pagetables.Map: unaligned physical address %#x", physical))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	prev := false
	p.iterateRange(uintptr(addr), uintptr(end), true, func(s uintptr, pte *PTE) {
		target := physical + (s - uintptr(addr))
		if pte.Valid() && (pte.Address() != target || pte.Opts() != opts) {
			prev = true
		}
		pte.Set(target, opts)
	})
	return prev
}

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) bool {
	end := checkRange("Unmap", addr, length)

	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	p.iterateRange(uintptr(addr), uintptr(end), false, func(s uintptr, pte *PTE) {
		pte.Clear()
		count++
	})
	return count > 0
}

// TablesNeeded returns the number of intermediate tables that Map would
// allocate to install a page at addr.
func (p *PageTables) TablesNeeded(addr hostarch.Addr) int {
	checkRange("TablesNeeded", addr.RoundDown(), hostarch.PageSize)
	s := uintptr(addr)

	p.mu.Lock()
	defer p.mu.Unlock()
	pgdEntry := &p.root[(s&pgdMask)>>pgdShift]
	if !pgdEntry.Valid() {
		return 3
	}
	pudEntry := &p.Allocator.LookupPTEs(pgdEntry.Address())[(s&pudMask)>>pudShift]
	if !pudEntry.Valid() {
		return 2
	}
	pmdEntry := &p.Allocator.LookupPTEs(pudEntry.Address())[(s&pmdMask)>>pmdShift]
	if !pmdEntry.Valid() {
		return 1
	}
	return 0
}

// Lookup returns the physical address and options for the given virtual
// address. ok is false if addr is not mapped.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	if uintptr(addr) > lowerTop {
		return 0, MapOpts{}, false
	}
	page := addr.RoundDown()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterateRange(uintptr(page), uintptr(page)+hostarch.PageSize, false, func(s uintptr, pte *PTE) {
		physical = pte.Address() + uintptr(addr.PageOffset())
		opts = pte.Opts()
		ok = true
	})
	return physical, opts, ok
}

// ForEach calls fn for every installed 4K mapping in ascending address
// order. fn must not call back into p.
func (p *PageTables) ForEach(fn func(addr hostarch.Addr, physical uintptr, opts MapOpts)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterateRange(0, lowerTop+1, false, func(s uintptr, pte *PTE) {
		fn(hostarch.Addr(s), pte.Address(), pte.Opts())
	})
}

// CR3 returns the CR3 value for these tables.
//
//go:nosplit
func (p *PageTables) CR3() uint64 {
	return uint64(p.rootPhysical)
}

// KernelEntries is the number of root entries covering the upper half.
const KernelEntries = entriesPerPage / 2

// ShareKernel installs the upper-half root entries of another set of tables,
// so that kernel mappings stay visible while p is loaded.
func (p *PageTables) ShareKernel(entries []PTE) {
	if len(entries) != KernelEntries {
		panic(fmt.Sprintf("pagetables.ShareKernel: %d entries, want %d", len(entries), KernelEntries))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range entries {
		p.root[KernelEntries+i] = e
	}
}
