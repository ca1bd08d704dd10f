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

// Package pgalloc hands out physical frames from the reconciled memory map.
package pgalloc

import (
	"errors"
	"fmt"

	"capkernel.dev/capkernel/pkg/e820"
	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/sync"
)

// ErrOutOfMemory is returned when no usable frame remains.
var ErrOutOfMemory = errors.New("out of physical frames")

// Frame is a physical frame index.
type Frame uint64

// Address returns the physical address of the first byte of f.
func (f Frame) Address() uint64 {
	return uint64(f) << hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame %#x", uint64(f))
}

// FrameAllocator allocates frames from an inventory.
//
// Frames are handed out in ascending order until the inventory is exhausted;
// freed frames are reused first, most recently freed first.
type FrameAllocator struct {
	mu sync.Mutex

	// ranges is the inventory with reserved frames removed. Immutable.
	ranges []e820.Range

	// cur and next form the bump cursor: next is the next never-allocated
	// frame of ranges[cur].
	cur  int
	next uint64

	// free holds released frames.
	free []Frame

	// live holds every frame currently handed out.
	live map[Frame]struct{}

	total uint64
}

// NewFrameAllocator returns an allocator over inv. Frames in reserved (the
// kernel image, low memory, firmware tables) are never handed out.
func NewFrameAllocator(inv *e820.Inventory, reserved ...e820.Range) *FrameAllocator {
	a := &FrameAllocator{live: make(map[Frame]struct{})}
	for r := range inv.All() {
		for _, piece := range subtract(r, reserved) {
			a.ranges = append(a.ranges, piece)
			a.total += piece.Frames()
		}
	}
	if len(a.ranges) > 0 {
		a.next = a.ranges[0].Start
	}
	return a
}

// subtract returns the parts of r not covered by any of reserved.
func subtract(r e820.Range, reserved []e820.Range) []e820.Range {
	pieces := []e820.Range{r}
	for _, res := range reserved {
		var out []e820.Range
		for _, p := range pieces {
			if res.End < p.Start || res.Start > p.End {
				out = append(out, p)
				continue
			}
			if res.Start > p.Start {
				out = append(out, e820.Range{Start: p.Start, End: res.Start - 1})
			}
			if res.End < p.End {
				out = append(out, e820.Range{Start: res.End + 1, End: p.End})
			}
		}
		pieces = out
	}
	return pieces
}

// Allocate returns an unused frame.
func (a *FrameAllocator) Allocate() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		f := a.free[n-1]
		a.free = a.free[:n-1]
		a.live[f] = struct{}{}
		return f, nil
	}
	if a.cur >= len(a.ranges) {
		return 0, ErrOutOfMemory
	}
	f := Frame(a.next)
	if a.next == a.ranges[a.cur].End {
		a.cur++
		if a.cur < len(a.ranges) {
			a.next = a.ranges[a.cur].Start
		}
	} else {
		a.next++
	}
	a.live[f] = struct{}{}
	return f, nil
}

// Free returns f to the allocator.
//
// Precondition: f was returned by Allocate and not freed since.
func (a *FrameAllocator) Free(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[f]; !ok {
		panic(fmt.Sprintf("pgalloc: free of %v which is not allocated", f))
	}
	delete(a.live, f)
	a.free = append(a.free, f)
}

// Allocated returns the number of frames currently handed out.
func (a *FrameAllocator) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.live))
}

// Available returns the number of frames that can still be allocated.
func (a *FrameAllocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - uint64(len(a.live))
}

// Total returns the number of frames managed by a.
func (a *FrameAllocator) Total() uint64 {
	return a.total
}
