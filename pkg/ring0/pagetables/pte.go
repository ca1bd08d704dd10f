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

package pagetables

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"capkernel.dev/capkernel/pkg/hostarch"
)

// Address constraints.
//
// lowerTop applies to four-level pagetables; only the lower half is
// managed here.
const (
	lowerTop = 0x00007fffffffffff

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512
)

// Bits in page table entries.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	writeThrough   = 0x008
	cacheDisable   = 0x010
	accessed       = 0x020
	dirty          = 0x040
	super          = 0x080
	global         = 0x100
	executeDisable = 1 << 63

	// addressMask selects the frame address of an entry.
	addressMask = 0x000ffffffffff000
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	s := o.AccessType.String()
	if o.User {
		s += "u"
	} else {
		s += "s"
	}
	if o.Global {
		s += "g"
	}
	return s + o.MemoryType.ShortString()
}

// PTE is a page table entry.
type PTE uint64

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// Clear clears this PTE.
//
//go:nosplit
func (p *PTE) Clear() {
	atomic.StoreUint64((*uint64)(p), 0)
}

// Valid returns true iff this entry is valid.
//
//go:nosplit
func (p *PTE) Valid() bool {
	return atomic.LoadUint64((*uint64)(p))&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
//
//go:nosplit
func (p *PTE) Opts() MapOpts {
	v := atomic.LoadUint64((*uint64)(p))
	mt := hostarch.MemoryTypeWriteBack
	if v&cacheDisable != 0 {
		mt = hostarch.MemoryTypeUncached
	}
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global:     v&global != 0,
		User:       v&user != 0,
		MemoryType: mt,
	}
}

// Set sets this PTE value.
//
// This does not change the super page property.
//
//go:nosplit
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (uint64(addr) & addressMask) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if opts.MemoryType == hostarch.MemoryTypeUncached {
		v |= cacheDisable | writeThrough
	}
	atomic.StoreUint64((*uint64)(p), v)
}

// setPageTable points this entry at the given table.
//
// Intermediate entries are user accessible and writable so that the leaf
// entry alone decides the effective permissions.
//
//go:nosplit
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&^addressMask != 0 {
		// This should never happen.
		panic(fmt.Sprintf("page table at %#x is not page aligned", addr))
	}
	v := (uint64(addr) & addressMask) | present | user | writable | accessed | dirty
	atomic.StoreUint64((*uint64)(p), v)
}

// Address extracts the address. This should only be used if Valid returns
// true.
//
//go:nosplit
func (p *PTE) Address() uintptr {
	return uintptr(atomic.LoadUint64((*uint64)(p)) & addressMask)
}

// IsSuper returns true iff this entry maps a large page. Large pages are
// never installed here; the bit is only inspected to reject foreign tables.
//
//go:nosplit
func (p *PTE) IsSuper() bool {
	return atomic.LoadUint64((*uint64)(p))&super != 0
}

// ptesSize is the size in bytes of a table page.
const ptesSize = unsafe.Sizeof(PTEs{})
