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
	"errors"
	"fmt"

	"github.com/google/btree"

	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/sync"
)

// Default bounds of the user virtual address window.
const (
	DefaultUserBase  hostarch.Addr = 0x400000
	DefaultUserLimit hostarch.Addr = 0x00007f0000000000
)

// ErrAddressSpaceExhausted is returned when a reservation does not fit in
// the remaining window.
var ErrAddressSpaceExhausted = errors.New("virtual address space exhausted")

// Reservation is a range of virtual addresses handed out by an AddressSpace.
// Inner is the usable part; the pages of Outer outside Inner are guard pages.
type Reservation struct {
	Outer hostarch.AddrRange
	Inner hostarch.AddrRange
}

// IsGuard returns true if addr is a guard page of r.
func (r Reservation) IsGuard(addr hostarch.Addr) bool {
	return r.Outer.Contains(addr) && !r.Inner.Contains(addr)
}

// String implements fmt.Stringer.String.
func (r Reservation) String() string {
	return fmt.Sprintf("%v (guarded %v)", r.Inner, r.Outer)
}

func reservationLess(a, b Reservation) bool {
	return a.Outer.Start < b.Outer.Start
}

// AddressSpace hands out non-overlapping ranges of a fixed virtual window.
//
// Addresses are never reused: allocation is a bump pointer over the window.
type AddressSpace struct {
	mu sync.Mutex

	// window is immutable.
	window hostarch.AddrRange

	// next is the first unreserved address.
	next hostarch.Addr

	// reservations indexes every reservation by start address.
	reservations *btree.BTreeG[Reservation]
}

// NewAddressSpace returns an address space over [base, limit).
func NewAddressSpace(base, limit hostarch.Addr) (*AddressSpace, error) {
	if !base.IsPageAligned() || !limit.IsPageAligned() {
		return nil, fmt.Errorf("address space window [%v, %v) is not page aligned", base, limit)
	}
	if base == 0 || base >= limit {
		return nil, fmt.Errorf("invalid address space window [%v, %v)", base, limit)
	}
	return &AddressSpace{
		window:       hostarch.AddrRange{Start: base, End: limit},
		next:         base,
		reservations: btree.NewG(8, reservationLess),
	}, nil
}

// Window returns the range managed by as.
func (as *AddressSpace) Window() hostarch.AddrRange {
	return as.window
}

// Reserve reserves pages usable pages surrounded by guard pages on each side.
func (as *AddressSpace) Reserve(pages, guard uint64) (Reservation, error) {
	total := pages + 2*guard
	if pages == 0 || total < pages {
		return Reservation{}, fmt.Errorf("invalid reservation of %d pages", pages)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if total > uint64(as.window.End-as.next)/hostarch.PageSize {
		return Reservation{}, fmt.Errorf("reserving %d pages at %v: %w", total, as.next, ErrAddressSpaceExhausted)
	}
	start := as.next
	end := start + hostarch.Addr(total*hostarch.PageSize)
	innerStart := start + hostarch.Addr(guard*hostarch.PageSize)
	r := Reservation{
		Outer: hostarch.AddrRange{Start: start, End: end},
		Inner: hostarch.AddrRange{Start: innerStart, End: innerStart + hostarch.Addr(pages*hostarch.PageSize)},
	}
	as.next = end
	as.reservations.ReplaceOrInsert(r)
	return r, nil
}

// Reservation returns the reservation containing addr, guard pages included.
func (as *AddressSpace) Reservation(addr hostarch.Addr) (Reservation, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	var (
		found Reservation
		ok    bool
	)
	pivot := Reservation{Outer: hostarch.AddrRange{Start: addr}}
	as.reservations.DescendLessOrEqual(pivot, func(r Reservation) bool {
		ok = r.Outer.Contains(addr)
		found = r
		return false
	})
	if !ok {
		return Reservation{}, false
	}
	return found, true
}

// Reservations returns the number of reservations made.
func (as *AddressSpace) Reservations() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.reservations.Len()
}

// Remaining returns the number of pages still available.
func (as *AddressSpace) Remaining() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return uint64(as.window.End-as.next) / hostarch.PageSize
}
