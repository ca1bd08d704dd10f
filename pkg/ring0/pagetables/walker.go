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
)

// next returns the next address quantized by the given size.
func next(start uintptr, size uintptr) uintptr {
	start &^= size - 1
	start += size
	return start
}

// visitor is called for every leaf entry visited by iterateRange.
type visitor func(s uintptr, pte *PTE)

// iterateRange iterates over all levels of page tables for the given range,
// calling fn for each leaf entry.
//
// If alloc is set, intermediate tables are allocated on demand and fn is
// called for every page in the range; fn must leave the entry valid. If alloc
// is not set, fn is called only for valid entries and intermediate tables
// left empty after the walk are returned to the allocator.
//
// Precondition: startAddr and endAddr must be page-aligned, startAddr must not
// exceed endAddr and endAddr must not exceed lowerTop+1.
func (p *PageTables) iterateRange(startAddr, endAddr uintptr, alloc bool, fn visitor) {
	start, end := startAddr, endAddr
	if start%pteSize != 0 {
		panic(fmt.Sprintf("unaligned start: %v", start))
	}
	if start > end {
		panic(fmt.Sprintf("start > end (%v > %v))", start, end))
	}

	for start < end {
		pgdEntry := &p.root[(start&pgdMask)>>pgdShift]
		var pudEntries *PTEs
		if !pgdEntry.Valid() {
			if !alloc {
				// Skip over this entry.
				start = next(start, pgdSize)
				continue
			}

			// Allocate a new pgd.
			pudEntries = p.Allocator.NewPTEs()
			pgdEntry.setPageTable(p, pudEntries)
		} else {
			pudEntries = p.Allocator.LookupPTEs(pgdEntry.Address())
		}

		var clearPUDEntries int
		start, clearPUDEntries = p.walkPUDs(pudEntries, start, end, alloc, fn)

		// Check if we no longer need this page.
		if clearPUDEntries == entriesPerPage {
			pgdEntry.Clear()
			p.Allocator.FreePTEs(pudEntries)
		}
	}
}

// walkPUDs walks the PUD entries covering [start, min(end, next pgd)).
//
// It returns the address at which the walk stopped and the number of clear
// entries in pudEntries.
func (p *PageTables) walkPUDs(pudEntries *PTEs, start, end uintptr, alloc bool, fn visitor) (uintptr, int) {
	stop := min(next(start, pgdSize), end)
	for start < stop {
		pudEntry := &pudEntries[(start&pudMask)>>pudShift]
		var pmdEntries *PTEs
		if !pudEntry.Valid() {
			if !alloc {
				start = next(start, pudSize)
				continue
			}

			// Allocate a new pud.
			pmdEntries = p.Allocator.NewPTEs()
			pudEntry.setPageTable(p, pmdEntries)
		} else {
			if pudEntry.IsSuper() {
				panic(fmt.Sprintf("unexpected 1G page at %#x", start))
			}
			pmdEntries = p.Allocator.LookupPTEs(pudEntry.Address())
		}

		var clearPMDEntries int
		start, clearPMDEntries = p.walkPMDs(pmdEntries, start, end, alloc, fn)

		// Check if we no longer need this page.
		if clearPMDEntries == entriesPerPage {
			pudEntry.Clear()
			p.Allocator.FreePTEs(pmdEntries)
		}
	}
	return start, countClear(pudEntries, alloc)
}

// walkPMDs walks the PMD entries covering [start, min(end, next pud)).
func (p *PageTables) walkPMDs(pmdEntries *PTEs, start, end uintptr, alloc bool, fn visitor) (uintptr, int) {
	stop := min(next(start, pudSize), end)
	for start < stop {
		pmdEntry := &pmdEntries[(start&pmdMask)>>pmdShift]
		var pteEntries *PTEs
		if !pmdEntry.Valid() {
			if !alloc {
				start = next(start, pmdSize)
				continue
			}

			// Allocate a new pmd.
			pteEntries = p.Allocator.NewPTEs()
			pmdEntry.setPageTable(p, pteEntries)
		} else {
			if pmdEntry.IsSuper() {
				panic(fmt.Sprintf("unexpected 2M page at %#x", start))
			}
			pteEntries = p.Allocator.LookupPTEs(pmdEntry.Address())
		}

		var clearPTEEntries int
		start, clearPTEEntries = p.walkPTEs(pteEntries, start, end, alloc, fn)

		// Check if we no longer need this page.
		if clearPTEEntries == entriesPerPage {
			pmdEntry.Clear()
			p.Allocator.FreePTEs(pteEntries)
		}
	}
	return start, countClear(pmdEntries, alloc)
}

// walkPTEs visits the leaf entries covering [start, min(end, next pmd)).
func (p *PageTables) walkPTEs(pteEntries *PTEs, start, end uintptr, alloc bool, fn visitor) (uintptr, int) {
	stop := min(next(start, pmdSize), end)
	for ; start < stop; start += pteSize {
		pteEntry := &pteEntries[(start&pteMask)>>pteShift]
		if !pteEntry.Valid() && !alloc {
			continue
		}

		// At this point, we are guaranteed that start%pteSize == 0.
		fn(start, pteEntry)
		if alloc && !pteEntry.Valid() {
			panic("PTE not set after iteration with alloc=true!")
		}
	}
	return start, countClear(pteEntries, alloc)
}

// countClear returns the number of invalid entries in ptes. When allocating
// the count is irrelevant and zero is returned.
func countClear(ptes *PTEs, alloc bool) int {
	if alloc {
		return 0
	}
	n := 0
	for i := range ptes {
		if !ptes[i].Valid() {
			n++
		}
	}
	return n
}
