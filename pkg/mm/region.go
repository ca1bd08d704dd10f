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

	"capkernel.dev/capkernel/pkg/cap"
	"capkernel.dev/capkernel/pkg/hostarch"
)

// KindVirtualMemoryRegion is the capability kind of *VirtualMemoryRegion.
const KindVirtualMemoryRegion cap.Kind = 1

func init() {
	cap.RegisterKind(KindVirtualMemoryRegion, "VirtualMemoryRegion")
}

// VirtualMemoryRegion is a page-aligned range of user virtual addresses. It is
// always the inner part of a guarded reservation: the pages immediately below
// and above it are reserved and never mapped.
type VirtualMemoryRegion struct {
	start hostarch.Addr
	pages uint64
}

// CapKind implements cap.Object.CapKind.
func (*VirtualMemoryRegion) CapKind() cap.Kind {
	return KindVirtualMemoryRegion
}

// Start returns the first address of the region.
func (r *VirtualMemoryRegion) Start() hostarch.Addr {
	return r.start
}

// Pages returns the size of the region in pages.
func (r *VirtualMemoryRegion) Pages() uint64 {
	return r.pages
}

// Len returns the size of the region in bytes.
func (r *VirtualMemoryRegion) Len() uint64 {
	return r.pages * hostarch.PageSize
}

// End returns the first address after the region.
func (r *VirtualMemoryRegion) End() hostarch.Addr {
	return r.start + hostarch.Addr(r.Len())
}

// Range returns the region as an address range.
func (r *VirtualMemoryRegion) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.start, End: r.End()}
}

// Contains returns true if addr lies within the region.
func (r *VirtualMemoryRegion) Contains(addr hostarch.Addr) bool {
	return r.Range().Contains(addr)
}

// String implements fmt.Stringer.String.
func (r *VirtualMemoryRegion) String() string {
	return fmt.Sprintf("region %v (%d pages)", r.Range(), r.pages)
}
