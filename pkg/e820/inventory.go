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

package e820

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"capkernel.dev/capkernel/pkg/hostarch"
)

// Range is an inclusive range of physical frame indices.
type Range struct {
	Start uint64 `json:"start_frame" yaml:"start_frame"`
	End   uint64 `json:"end_frame" yaml:"end_frame"`
}

// Frames returns the number of frames in r.
func (r Range) Frames() uint64 {
	return r.End - r.Start + 1
}

// StartAddr returns the physical address of the first byte of r.
func (r Range) StartAddr() uint64 {
	return r.Start << hostarch.PageShift
}

// EndAddr returns the physical address one past the last byte of r.
func (r Range) EndAddr() uint64 {
	return (r.End + 1) << hostarch.PageShift
}

// Contains returns true if frame is in r.
func (r Range) Contains(frame uint64) bool {
	return r.Start <= frame && frame <= r.End
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("frames [%#x, %#x]", r.Start, r.End)
}

// Inventory is the reconciled set of usable frame ranges.
//
// Ranges are sorted by Start and never overlap. An Inventory is immutable once
// built.
type Inventory struct {
	ranges []Range
}

// Len returns the number of ranges.
func (inv *Inventory) Len() int {
	return len(inv.ranges)
}

// Ranges returns a copy of the ranges in ascending order.
func (inv *Inventory) Ranges() []Range {
	return slices.Clone(inv.ranges)
}

// All iterates over the ranges in ascending order. The sequence may be
// iterated any number of times.
func (inv *Inventory) All() iter.Seq[Range] {
	return func(yield func(Range) bool) {
		for _, r := range inv.ranges {
			if !yield(r) {
				return
			}
		}
	}
}

// NumPhysPages returns the total number of usable frames.
func (inv *Inventory) NumPhysPages() uint64 {
	var n uint64
	for _, r := range inv.ranges {
		n += r.Frames()
	}
	return n
}

// Contains returns true if frame is usable.
func (inv *Inventory) Contains(frame uint64) bool {
	_, found := slices.BinarySearchFunc(inv.ranges, frame, func(r Range, f uint64) int {
		switch {
		case r.End < f:
			return -1
		case r.Start > f:
			return 1
		}
		return 0
	})
	return found
}

// String implements fmt.Stringer.String.
func (inv *Inventory) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d ranges, %d frames", len(inv.ranges), inv.NumPhysPages())
	for _, r := range inv.ranges {
		fmt.Fprintf(&b, "\n  %v", r)
	}
	return b.String()
}
