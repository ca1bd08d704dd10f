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

package ring0

import (
	"fmt"

	"capkernel.dev/capkernel/pkg/sync"
)

// Selector is a segment Selector.
type Selector uint16

// Index returns the descriptor table index of s.
func (s Selector) Index() uint16 {
	return uint16(s) >> 3
}

// RPL returns the requested privilege level of s.
func (s Selector) RPL() int {
	return int(s & 3)
}

// String implements fmt.Stringer.String.
func (s Selector) String() string {
	return fmt.Sprintf("%#x(index %d, rpl %d)", uint16(s), s.Index(), s.RPL())
}

// Segment indices and Selectors.
const (
	// Index into GDT array.
	_          = iota // Null descriptor first.
	_                 // Reserved (Linux is kernel 32).
	segKcode          // Kernel code (64-bit).
	segKdata          // Kernel data.
	segUcode32        // User code (32-bit).
	segUdata          // User data.
	segUcode64        // User code (64-bit).
	segTss            // Task segment descriptor.
	segTssHi          // Upper bits for TSS.
	segLast           // Last segment (terminal, not included).
)

// Selectors.
const (
	Kcode   Selector = segKcode << 3
	Kdata   Selector = segKdata << 3
	Ucode32 Selector = (segUcode32 << 3) | 3
	Udata   Selector = (segUdata << 3) | 3
	Ucode64 Selector = (segUcode64 << 3) | 3
	Tss     Selector = segTss << 3
)

// SegmentDescriptor is a segment descriptor.
type SegmentDescriptor struct {
	bits [2]uint32
}

// SegmentDescriptorFlags are typed flags within a descriptor.
type SegmentDescriptorFlags uint32

// SegmentDescriptorFlag declarations.
const (
	SegmentDescriptorAccess     SegmentDescriptorFlags = 1 << 8  // Access bit (always set).
	SegmentDescriptorWrite                             = 1 << 9  // Write permission.
	SegmentDescriptorExpandDown                        = 1 << 10 // Grows down, not used.
	SegmentDescriptorExecute                           = 1 << 11 // Execute permission.
	SegmentDescriptorSystem                            = 1 << 12 // Zero => system, 1 => user code/data.
	SegmentDescriptorPresent                           = 1 << 15 // Present.
	SegmentDescriptorAVL                               = 1 << 20 // Available.
	SegmentDescriptorLong                              = 1 << 21 // Long mode.
	SegmentDescriptorDB                                = 1 << 22 // 16 or 32-bit.
	SegmentDescriptorG                                 = 1 << 23 // Granularity: page or byte.
)

// Base returns the descriptor's base linear address.
func (d *SegmentDescriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// Limit returns the descriptor size.
func (d *SegmentDescriptor) Limit() uint32 {
	l := d.bits[0]&0xFFFF | d.bits[1]&0xF0000
	if d.bits[1]&uint32(SegmentDescriptorG) != 0 {
		l <<= 12
		l |= 0xFFF
	}
	return l
}

// Flags returns descriptor flags.
func (d *SegmentDescriptor) Flags() SegmentDescriptorFlags {
	return SegmentDescriptorFlags(d.bits[1] & 0x00F09F00)
}

// DPL returns the descriptor privilege level.
func (d *SegmentDescriptor) DPL() int {
	return int((d.bits[1] >> 13) & 3)
}

// Present returns true if the descriptor is present.
func (d *SegmentDescriptor) Present() bool {
	return d.Flags()&SegmentDescriptorPresent != 0
}

// Uint64 returns the descriptor as loaded into the GDT.
func (d *SegmentDescriptor) Uint64() uint64 {
	return uint64(d.bits[1])<<32 | uint64(d.bits[0])
}

func (d *SegmentDescriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

func (d *SegmentDescriptor) set(base, limit uint32, dpl int, flags SegmentDescriptorFlags) {
	flags |= SegmentDescriptorPresent
	if limit>>12 != 0 {
		limit >>= 12
		flags |= SegmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0x000F0000 | uint32(flags) | uint32(dpl)<<13
}

func (d *SegmentDescriptor) setCode32(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorDB|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem)
}

func (d *SegmentDescriptor) setCode64(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorG|
			SegmentDescriptorLong|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem)
}

func (d *SegmentDescriptor) setData(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorWrite|
			SegmentDescriptorSystem)
}

// descriptorTable is a collection of descriptors.
type descriptorTable [segLast]SegmentDescriptor

// SelectorTable is the global descriptor table together with the selectors
// the kernel uses from it.
//
// The TSS slots are left null; they are owned by the interrupt setup.
type SelectorTable struct {
	mu sync.Mutex

	gdt descriptorTable

	kcode Selector
	kdata Selector
	udata Selector
	ucode Selector
}

// NewSelectorTable returns the standard table: null, reserved, kernel code,
// kernel data, user code (32-bit), user data, user code (64-bit), TSS.
func NewSelectorTable() *SelectorTable {
	t := &SelectorTable{
		kcode: Kcode,
		kdata: Kdata,
		udata: Udata,
		ucode: Ucode64,
	}
	t.gdt[0].setNull()
	t.gdt[segKcode].setCode64(0, 0, 0)
	t.gdt[segKdata].setData(0, 0xffffffff, 0)
	t.gdt[segUcode32].setCode32(0, 0xffffffff, 3)
	t.gdt[segUdata].setData(0, 0xffffffff, 3)
	t.gdt[segUcode64].setCode64(0, 0, 3)
	return t
}

// KernelCode returns the kernel code segment selector.
func (t *SelectorTable) KernelCode() Selector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kcode
}

// KernelData returns the kernel data (stack) segment selector.
func (t *SelectorTable) KernelData() Selector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kdata
}

// UserStack returns the user data (stack) segment selector.
func (t *SelectorTable) UserStack() Selector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.udata
}

// UserCode returns the 64-bit user code segment selector.
func (t *SelectorTable) UserCode() Selector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ucode
}

// Descriptor returns the descriptor selected by s.
func (t *SelectorTable) Descriptor(s Selector) (SegmentDescriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(s.Index()) >= len(t.gdt) {
		return SegmentDescriptor{}, false
	}
	return t.gdt[s.Index()], true
}

// Entries returns the table as loaded by lgdt.
func (t *SelectorTable) Entries() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]uint64, len(t.gdt))
	for i := range t.gdt {
		entries[i] = t.gdt[i].Uint64()
	}
	return entries
}

// sysretLayout returns the selectors programmed into STAR after checking that
// the table has the layout syscall and sysret assume: kernel data directly
// after kernel code, and 64-bit user code directly after user data.
func (t *SelectorTable) sysretLayout() (kcode, udata Selector, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.kcode.Index() == 0:
		return 0, 0, fmt.Errorf("kernel code selector %v is null", t.kcode)
	case t.kdata.Index() != t.kcode.Index()+1:
		return 0, 0, fmt.Errorf("kernel data %v does not follow kernel code %v", t.kdata, t.kcode)
	case t.udata.Index() < 1:
		return 0, 0, fmt.Errorf("user stack selector %v has no preceding slot", t.udata)
	case t.ucode.Index() != t.udata.Index()+1:
		return 0, 0, fmt.Errorf("user code %v does not follow user data %v", t.ucode, t.udata)
	case t.udata.RPL() != 3 || t.ucode.RPL() != 3:
		return 0, 0, fmt.Errorf("user selectors %v, %v are not RPL 3", t.udata, t.ucode)
	}
	for _, s := range []Selector{t.kcode, t.kdata, t.udata, t.ucode} {
		if int(s.Index()) >= len(t.gdt) || !t.gdt[s.Index()].Present() {
			return 0, 0, fmt.Errorf("selector %v names no present descriptor", s)
		}
	}
	return t.kcode, t.udata, nil
}
