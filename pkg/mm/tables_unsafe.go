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

package mm

import (
	"fmt"
	"unsafe"

	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/pgalloc"
	"capkernel.dev/capkernel/pkg/ring0/pagetables"
)

// FrameTableAllocator is a pagetables.Allocator that places tables in
// physical frames, so that PageTables.CR3 is a real physical address.
//
// Callers serialize access through the owning PageTables.
type FrameTableAllocator struct {
	frames *pgalloc.FrameAllocator
	phys   PhysicalMemory

	// physical maps each live table to its physical address.
	physical map[*pagetables.PTEs]uintptr

	// tables is the reverse of physical.
	tables map[uintptr]*pagetables.PTEs

	// spare holds frames set aside by Reserve for NewPTEs.
	spare []pgalloc.Frame
}

// NewFrameTableAllocator returns an allocator drawing tables from frames.
func NewFrameTableAllocator(frames *pgalloc.FrameAllocator, phys PhysicalMemory) *FrameTableAllocator {
	return &FrameTableAllocator{
		frames:   frames,
		phys:     phys,
		physical: make(map[*pagetables.PTEs]uintptr),
		tables:   make(map[uintptr]*pagetables.PTEs),
	}
}

// Reserve sets aside frames until n are held for NewPTEs. On failure the
// frames already set aside stay held until Unreserve.
func (a *FrameTableAllocator) Reserve(n int) error {
	for len(a.spare) < n {
		f, err := a.frames.Allocate()
		if err != nil {
			return fmt.Errorf("reserving %d page table frames: %w", n, err)
		}
		a.spare = append(a.spare, f)
	}
	return nil
}

// Unreserve returns all frames held by Reserve.
func (a *FrameTableAllocator) Unreserve() {
	for _, f := range a.spare {
		a.frames.Free(f)
	}
	a.spare = a.spare[:0]
}

// NewPTEs implements pagetables.Allocator.NewPTEs. Reserved frames are used
// first.
//
// Running out of frames for page tables is fatal; callers that can fail
// Reserve beforehand.
func (a *FrameTableAllocator) NewPTEs() *pagetables.PTEs {
	var f pgalloc.Frame
	if n := len(a.spare); n > 0 {
		f = a.spare[n-1]
		a.spare = a.spare[:n-1]
	} else {
		var err error
		if f, err = a.frames.Allocate(); err != nil {
			panic(fmt.Sprintf("allocating page table: %v", err))
		}
	}
	b, err := a.phys.Slice(f.Address(), hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("allocating page table at %v: %v", f, err))
	}
	clear(b)
	ptes := (*pagetables.PTEs)(unsafe.Pointer(&b[0]))
	addr := uintptr(f.Address())
	a.physical[ptes] = addr
	a.tables[addr] = ptes
	return ptes
}

// PhysicalFor implements pagetables.Allocator.PhysicalFor.
func (a *FrameTableAllocator) PhysicalFor(ptes *pagetables.PTEs) uintptr {
	addr, ok := a.physical[ptes]
	if !ok {
		panic(fmt.Sprintf("page table %p not allocated here", ptes))
	}
	return addr
}

// LookupPTEs implements pagetables.Allocator.LookupPTEs.
func (a *FrameTableAllocator) LookupPTEs(physical uintptr) *pagetables.PTEs {
	ptes, ok := a.tables[physical]
	if !ok {
		panic(fmt.Sprintf("no page table at physical address %#x", physical))
	}
	return ptes
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (a *FrameTableAllocator) FreePTEs(ptes *pagetables.PTEs) {
	addr := a.PhysicalFor(ptes)
	delete(a.physical, ptes)
	delete(a.tables, addr)
	a.frames.Free(pgalloc.Frame(uint64(addr) >> hostarch.PageShift))
}

// Tables returns the number of live tables.
func (a *FrameTableAllocator) Tables() int {
	return len(a.tables)
}
