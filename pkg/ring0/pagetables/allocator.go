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
	"unsafe"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of zeroed PTEs and its physical address.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs as freed.
	FreePTEs(ptes *PTEs)
}

// RuntimeAllocator is a trivial allocator for host-side use. "Physical"
// addresses are the Go heap addresses of the tables.
type RuntimeAllocator struct {
	// used is the set of tables handed out, keyed by address.
	used map[uintptr]*PTEs

	// pool is the set of free-to-use PTEs.
	pool []*PTEs
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		used: make(map[uintptr]*PTEs),
	}
}

// alloc allocates a page-aligned set of PTEs.
func (r *RuntimeAllocator) alloc() *PTEs {
	// Allocate twice the size and use the aligned half.
	buf := make([]PTEs, 2)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := (ptesSize - base%ptesSize) % ptesSize
	return (*PTEs)(unsafe.Add(unsafe.Pointer(&buf[0]), off))
}

// NewPTEs returns a new set of PTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	var ptes *PTEs
	if n := len(r.pool); n > 0 {
		ptes = r.pool[n-1]
		r.pool = r.pool[:n-1]
		*ptes = PTEs{}
	} else {
		ptes = r.alloc()
	}
	r.used[uintptr(unsafe.Pointer(ptes))] = ptes
	return ptes
}

// PhysicalFor returns the physical address for the given PTEs.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	return uintptr(unsafe.Pointer(ptes))
}

// LookupPTEs looks up PTEs by physical address.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	ptes, ok := r.used[physical]
	if !ok {
		panic(fmt.Sprintf("no page table at %#x", physical))
	}
	return ptes
}

// FreePTEs frees a set of PTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	delete(r.used, uintptr(unsafe.Pointer(ptes)))
	r.pool = append(r.pool, ptes)
}

// Used returns the number of tables currently in use.
func (r *RuntimeAllocator) Used() int {
	return len(r.used)
}
