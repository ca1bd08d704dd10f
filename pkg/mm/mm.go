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

// Package mm manages user virtual memory: guarded region allocation, frame
// backing and the page tables that make regions visible to user mode.
package mm

import (
	"errors"
	"fmt"

	"capkernel.dev/capkernel/pkg/cap"
	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/log"
	"capkernel.dev/capkernel/pkg/pgalloc"
	"capkernel.dev/capkernel/pkg/ring0/pagetables"
)

// GuardPages is the number of unmapped pages reserved on each side of every
// region.
const GuardPages = 1

var (
	// ErrInvalidFlags is returned by MapRegion for flags naming unknown
	// bits or lacking Present.
	ErrInvalidFlags = errors.New("invalid page table flags")

	// ErrAlreadyMapped is returned by MapRegion for a region already
	// backed by frames.
	ErrAlreadyMapped = errors.New("region already mapped")

	// ErrNotMapped is returned when an access reaches an unmapped page.
	ErrNotMapped = errors.New("address not mapped")
)

// MemoryManager owns the user address space.
type MemoryManager struct {
	caps   *cap.Table
	as     *AddressSpace
	frames *pgalloc.FrameAllocator
	pt     *pagetables.PageTables
	phys   PhysicalMemory
}

// MemoryManagerOpts configures a MemoryManager.
type MemoryManagerOpts struct {
	// Caps holds region capabilities.
	Caps *cap.Table

	// AddressSpace hands out virtual ranges.
	AddressSpace *AddressSpace

	// Frames backs mapped pages.
	Frames *pgalloc.FrameAllocator

	// PageTables receives the mappings.
	PageTables *pagetables.PageTables

	// Physical gives access to frame contents.
	Physical PhysicalMemory
}

// NewMemoryManager returns a MemoryManager.
func NewMemoryManager(opts MemoryManagerOpts) *MemoryManager {
	return &MemoryManager{
		caps:   opts.Caps,
		as:     opts.AddressSpace,
		frames: opts.Frames,
		pt:     opts.PageTables,
		phys:   opts.Physical,
	}
}

// AllocWithGuard reserves n pages of user address space with one guard page
// on each side and returns a capability to the inner n pages. Nothing is
// mapped.
func (m *MemoryManager) AllocWithGuard(n uint64) (cap.Handle, error) {
	if n == 0 {
		return cap.Handle{}, fmt.Errorf("region of zero pages")
	}
	r, err := m.as.Reserve(n, GuardPages)
	if err != nil {
		return cap.Handle{}, err
	}
	region := &VirtualMemoryRegion{start: r.Inner.Start, pages: n}
	h := m.caps.Register(region)
	log.Debugf("Allocated %v as %v", region, h)
	return h, nil
}

// region returns a copy of the region named by h.
func (m *MemoryManager) region(h cap.Handle) VirtualMemoryRegion {
	return cap.With(m.caps, h, func(r *VirtualMemoryRegion) VirtualMemoryRegion {
		return *r
	})
}

// Region returns the bounds of the region named by h.
//
// It raises a cap.ContractViolation if h does not name a region.
func (m *MemoryManager) Region(h cap.Handle) hostarch.AddrRange {
	r := m.region(h)
	return r.Range()
}

// MapRegion backs every page of the region named by h with a fresh zeroed
// frame, mapped with flags. Guard pages stay unmapped.
//
// On failure nothing is left mapped.
func (m *MemoryManager) MapRegion(h cap.Handle, flags PageTableFlags) error {
	if !flags.valid() {
		return fmt.Errorf("mapping with %#x (%v): %w", uint8(flags), flags, ErrInvalidFlags)
	}
	r := m.region(h)
	if _, _, ok := m.pt.Lookup(r.start); ok {
		return fmt.Errorf("mapping %v: %w", &r, ErrAlreadyMapped)
	}

	opts := flags.mapOpts()
	tr, _ := m.pt.Allocator.(tableReserver)
	if tr != nil {
		defer tr.Unreserve()
	}
	var mapped []pgalloc.Frame
	for i := uint64(0); i < r.pages; i++ {
		addr := r.start + hostarch.Addr(i*hostarch.PageSize)
		var err error
		if tr != nil {
			err = tr.Reserve(m.pt.TablesNeeded(addr))
		}
		var f pgalloc.Frame
		if err == nil {
			f, err = m.frames.Allocate()
		}
		if err == nil {
			err = zeroFrame(m.phys, f.Address(), hostarch.PageSize)
			if err != nil {
				m.frames.Free(f)
			}
		}
		if err != nil {
			m.unwind(r.start, mapped)
			return fmt.Errorf("mapping page %d of %v: %w", i, &r, err)
		}
		m.pt.Map(addr, hostarch.PageSize, opts, uintptr(f.Address()))
		mapped = append(mapped, f)
	}
	log.Debugf("Mapped %v as %v", &r, flags)
	return nil
}

// FreeRegion unmaps the region named by h, returns its frames and releases
// h. The virtual range stays reserved.
//
// It raises a cap.ContractViolation if h does not name a region.
func (m *MemoryManager) FreeRegion(h cap.Handle) {
	r := m.region(h)
	var frames []pgalloc.Frame
	for i := uint64(0); i < r.pages; i++ {
		addr := r.start + hostarch.Addr(i*hostarch.PageSize)
		if physical, _, ok := m.pt.Lookup(addr); ok {
			frames = append(frames, pgalloc.Frame(uint64(physical)>>hostarch.PageShift))
		}
	}
	if len(frames) > 0 {
		m.pt.Unmap(r.start, uintptr(r.Len()))
		for _, f := range frames {
			m.frames.Free(f)
		}
	}
	m.caps.Release(h)
	log.Debugf("Freed %v (%d frames)", &r, len(frames))
}

// tableReserver is implemented by page table allocators that can set frames
// aside ahead of a mapping, so that running out surfaces as an error.
type tableReserver interface {
	Reserve(n int) error
	Unreserve()
}

// unwind unmaps the first len(frames) pages at start and frees their frames.
func (m *MemoryManager) unwind(start hostarch.Addr, frames []pgalloc.Frame) {
	if len(frames) == 0 {
		return
	}
	m.pt.Unmap(start, uintptr(len(frames))*hostarch.PageSize)
	for _, f := range frames {
		m.frames.Free(f)
	}
}

// Translate returns the physical address and flags of the mapping covering
// addr.
func (m *MemoryManager) Translate(addr hostarch.Addr) (uint64, PageTableFlags, bool) {
	physical, opts, ok := m.pt.Lookup(addr)
	if !ok {
		return 0, 0, false
	}
	return uint64(physical), flagsFor(opts), true
}

// CopyOut copies data to user memory at addr, through the page tables.
func (m *MemoryManager) CopyOut(addr hostarch.Addr, data []byte) error {
	for len(data) > 0 {
		physical, _, ok := m.Translate(addr)
		if !ok {
			return fmt.Errorf("copy to %v: %w", addr, ErrNotMapped)
		}
		n := min(uint64(len(data)), hostarch.PageSize-addr.PageOffset())
		if _, err := m.phys.WriteAt(data[:n], int64(physical)); err != nil {
			return fmt.Errorf("copy to %v: %w", addr, err)
		}
		data = data[n:]
		addr += hostarch.Addr(n)
	}
	return nil
}

// CopyIn copies user memory at addr into dst.
func (m *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) error {
	for len(dst) > 0 {
		physical, _, ok := m.Translate(addr)
		if !ok {
			return fmt.Errorf("copy from %v: %w", addr, ErrNotMapped)
		}
		n := min(uint64(len(dst)), hostarch.PageSize-addr.PageOffset())
		if _, err := m.phys.ReadAt(dst[:n], int64(physical)); err != nil {
			return fmt.Errorf("copy from %v: %w", addr, err)
		}
		dst = dst[n:]
		addr += hostarch.Addr(n)
	}
	return nil
}

// IsGuardPage returns true if addr falls in a guard page.
func (m *MemoryManager) IsGuardPage(addr hostarch.Addr) bool {
	r, ok := m.as.Reservation(addr)
	return ok && r.IsGuard(addr)
}

// PageTables returns the user page tables.
func (m *MemoryManager) PageTables() *pagetables.PageTables {
	return m.pt
}

// Caps returns the capability table.
func (m *MemoryManager) Caps() *cap.Table {
	return m.caps
}
