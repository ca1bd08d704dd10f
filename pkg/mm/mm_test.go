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
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"capkernel.dev/capkernel/pkg/cap"
	"capkernel.dev/capkernel/pkg/e820"
	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/pgalloc"
	"capkernel.dev/capkernel/pkg/ring0/pagetables"
	"capkernel.dev/capkernel/pkg/ring0/sim"
)

const testMemory = 8 << 20

type testEnv struct {
	mm     *MemoryManager
	frames *pgalloc.FrameAllocator
	mem    *sim.Memory
	tables *FrameTableAllocator
}

// newTestEnv returns a MemoryManager over frames usable frames of simulated
// memory, frame zero excluded.
func newTestEnv(t *testing.T, frames uint64) *testEnv {
	t.Helper()
	mem, err := sim.NewMemory(testMemory)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { mem.Release() })

	inv := e820.Reconcile([]e820.Record{{Base: 0, Length: (frames + 1) * hostarch.PageSize, Type: e820.Usable}})
	fa := pgalloc.NewFrameAllocator(inv, e820.Range{Start: 0, End: 0})
	as, err := NewAddressSpace(DefaultUserBase, DefaultUserLimit)
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	tables := NewFrameTableAllocator(fa, mem)
	return &testEnv{
		mm: NewMemoryManager(MemoryManagerOpts{
			Caps:         cap.NewTable(),
			AddressSpace: as,
			Frames:       fa,
			PageTables:   pagetables.New(tables),
			Physical:     mem,
		}),
		frames: fa,
		mem:    mem,
		tables: tables,
	}
}

func TestAllocWithGuard(t *testing.T) {
	env := newTestEnv(t, 64)
	h1, err := env.mm.AllocWithGuard(1)
	if err != nil {
		t.Fatalf("AllocWithGuard(1) failed: %v", err)
	}
	h2, err := env.mm.AllocWithGuard(3)
	if err != nil {
		t.Fatalf("AllocWithGuard(3) failed: %v", err)
	}

	r1, r2 := env.mm.Region(h1), env.mm.Region(h2)
	want1 := hostarch.AddrRange{Start: DefaultUserBase + hostarch.PageSize, End: DefaultUserBase + 2*hostarch.PageSize}
	if r1 != want1 {
		t.Errorf("first region = %v, want %v", r1, want1)
	}
	// One guard page after r1 and one before r2.
	if r2.Start != r1.End+2*hostarch.PageSize {
		t.Errorf("second region starts at %v, want %v", r2.Start, r1.End+2*hostarch.PageSize)
	}
	if r2.Length() != 3*hostarch.PageSize {
		t.Errorf("second region length = %#x, want %#x", r2.Length(), 3*hostarch.PageSize)
	}

	for _, addr := range []hostarch.Addr{r1.Start - hostarch.PageSize, r1.End, r2.Start - hostarch.PageSize, r2.End} {
		if !env.mm.IsGuardPage(addr) {
			t.Errorf("IsGuardPage(%v) = false", addr)
		}
	}
	if env.mm.IsGuardPage(r2.Start) {
		t.Errorf("IsGuardPage(%v) = true for a region page", r2.Start)
	}
	if env.mm.IsGuardPage(r2.End + hostarch.PageSize) {
		t.Errorf("IsGuardPage(%v) = true past every reservation", r2.End+hostarch.PageSize)
	}
}

func TestAllocWithGuardZero(t *testing.T) {
	env := newTestEnv(t, 4)
	if _, err := env.mm.AllocWithGuard(0); err == nil {
		t.Errorf("AllocWithGuard(0) succeeded")
	}
}

func TestMapRegionGuardPagesUnmapped(t *testing.T) {
	env := newTestEnv(t, 64)
	for _, n := range []uint64{1, 2, 5} {
		h, err := env.mm.AllocWithGuard(n)
		if err != nil {
			t.Fatalf("AllocWithGuard(%d) failed: %v", n, err)
		}
		if err := env.mm.MapRegion(h, StackFlags); err != nil {
			t.Fatalf("MapRegion failed: %v", err)
		}
		r := env.mm.Region(h)
		for addr := r.Start; addr < r.End; addr += hostarch.PageSize {
			if _, flags, ok := env.mm.Translate(addr); !ok || flags != StackFlags {
				t.Errorf("Translate(%v) = %v, %v, want %v, true", addr, flags, ok, StackFlags)
			}
		}
		for _, guard := range []hostarch.Addr{r.Start - hostarch.PageSize, r.End} {
			if _, _, ok := env.mm.Translate(guard); ok {
				t.Errorf("guard page %v is mapped", guard)
			}
		}
	}
}

func TestMapRegionZeroesFrames(t *testing.T) {
	env := newTestEnv(t, 16)

	// Dirty every frame first.
	b, err := env.mem.Slice(0, 17*hostarch.PageSize)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	for i := range b {
		b[i] = 0xcc
	}

	h, err := env.mm.AllocWithGuard(2)
	if err != nil {
		t.Fatalf("AllocWithGuard failed: %v", err)
	}
	if err := env.mm.MapRegion(h, CodeFlags); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	got := make([]byte, 2*hostarch.PageSize)
	if err := env.mm.CopyIn(env.mm.Region(h).Start, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if !bytes.Equal(got, make([]byte, len(got))) {
		t.Errorf("mapped region is not zeroed")
	}
}

func TestMapRegionFlags(t *testing.T) {
	env := newTestEnv(t, 16)
	h, err := env.mm.AllocWithGuard(1)
	if err != nil {
		t.Fatalf("AllocWithGuard failed: %v", err)
	}
	for _, flags := range []PageTableFlags{0, Writable | UserAccessible, Present | 0x10, 0xff} {
		if err := env.mm.MapRegion(h, flags); !errors.Is(err, ErrInvalidFlags) {
			t.Errorf("MapRegion(%v) error = %v, want %v", flags, err, ErrInvalidFlags)
		}
	}
	if err := env.mm.MapRegion(h, Present|UserAccessible); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	if err := env.mm.MapRegion(h, Present|UserAccessible); !errors.Is(err, ErrAlreadyMapped) {
		t.Errorf("second MapRegion error = %v, want %v", err, ErrAlreadyMapped)
	}
}

func TestMapRegionOutOfFrames(t *testing.T) {
	// Four page tables plus two data frames.
	env := newTestEnv(t, 6)
	h, err := env.mm.AllocWithGuard(4)
	if err != nil {
		t.Fatalf("AllocWithGuard failed: %v", err)
	}
	before := env.frames.Allocated()
	if err := env.mm.MapRegion(h, StackFlags); !errors.Is(err, pgalloc.ErrOutOfMemory) {
		t.Fatalf("MapRegion error = %v, want %v", err, pgalloc.ErrOutOfMemory)
	}
	r := env.mm.Region(h)
	for addr := r.Start; addr < r.End; addr += hostarch.PageSize {
		if _, _, ok := env.mm.Translate(addr); ok {
			t.Errorf("page %v left mapped after failure", addr)
		}
	}
	// The unwind releases the data frames and the emptied tables.
	if got := env.frames.Allocated(); got > before {
		t.Errorf("Allocated() = %d after failure, want at most %d", got, before)
	}
}

func TestMapRegionOutOfTableFrames(t *testing.T) {
	// The root table takes one frame; a first mapping needs three more
	// tables and a data frame per page.
	for _, tc := range []struct {
		name   string
		frames uint64
	}{
		{name: "no room for tables", frames: 3},
		{name: "tables but no data", frames: 4},
		{name: "second page", frames: 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.frames)
			h, err := env.mm.AllocWithGuard(2)
			if err != nil {
				t.Fatalf("AllocWithGuard failed: %v", err)
			}
			before := env.frames.Allocated()
			if err := env.mm.MapRegion(h, StackFlags); !errors.Is(err, pgalloc.ErrOutOfMemory) {
				t.Fatalf("MapRegion error = %v, want %v", err, pgalloc.ErrOutOfMemory)
			}
			if got := env.frames.Allocated(); got != before {
				t.Errorf("Allocated() = %d after failure, want %d", got, before)
			}
			if got := env.tables.Tables(); got != 1 {
				t.Errorf("Tables() = %d after failure, want 1", got)
			}
			r := env.mm.Region(h)
			if _, _, ok := env.mm.Translate(r.Start); ok {
				t.Errorf("page %v left mapped after failure", r.Start)
			}
		})
	}
}

func TestFreeRegion(t *testing.T) {
	env := newTestEnv(t, 16)
	before := env.frames.Allocated()
	h, err := env.mm.AllocWithGuard(3)
	if err != nil {
		t.Fatalf("AllocWithGuard failed: %v", err)
	}
	if err := env.mm.MapRegion(h, StackFlags); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	r := env.mm.Region(h)
	env.mm.FreeRegion(h)

	if env.mm.Caps().Valid(h) {
		t.Errorf("handle %v still valid after FreeRegion", h)
	}
	if got := env.frames.Allocated(); got != before {
		t.Errorf("Allocated() = %d after FreeRegion, want %d", got, before)
	}
	for addr := r.Start; addr < r.End; addr += hostarch.PageSize {
		if _, _, ok := env.mm.Translate(addr); ok {
			t.Errorf("page %v still mapped after FreeRegion", addr)
		}
	}

	// An unmapped region only gives up its handle.
	h, err = env.mm.AllocWithGuard(1)
	if err != nil {
		t.Fatalf("AllocWithGuard failed: %v", err)
	}
	env.mm.FreeRegion(h)
	if got := env.mm.Caps().Len(); got != 0 {
		t.Errorf("Caps().Len() = %d, want 0", got)
	}
}

func TestMapRegionStaleHandle(t *testing.T) {
	env := newTestEnv(t, 16)
	h, err := env.mm.AllocWithGuard(1)
	if err != nil {
		t.Fatalf("AllocWithGuard failed: %v", err)
	}
	env.mm.Caps().Move(h)
	defer func() {
		r := recover()
		if _, ok := r.(*cap.ContractViolation); !ok {
			t.Errorf("recovered %v, want *cap.ContractViolation", r)
		}
	}()
	env.mm.MapRegion(h, StackFlags)
}

func TestCopyOut(t *testing.T) {
	env := newTestEnv(t, 16)
	h, err := env.mm.AllocWithGuard(2)
	if err != nil {
		t.Fatalf("AllocWithGuard failed: %v", err)
	}
	if err := env.mm.MapRegion(h, CodeFlags); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	r := env.mm.Region(h)

	// Straddle the page boundary.
	data := []byte{0xeb, 0xfe, 0x90, 0x90, 0x90}
	addr := r.Start + hostarch.PageSize - 2
	if err := env.mm.CopyOut(addr, data); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	got := make([]byte, len(data))
	if err := env.mm.CopyIn(addr, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("CopyIn mismatch (-want +got):\n%s", diff)
	}

	// The bytes are in the frame backing the second page.
	physical, _, ok := env.mm.Translate(r.Start + hostarch.PageSize)
	if !ok {
		t.Fatalf("second page not mapped")
	}
	raw := make([]byte, 3)
	if _, err := env.mem.ReadAt(raw, int64(physical)); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if diff := cmp.Diff(data[2:], raw); diff != "" {
		t.Errorf("physical contents mismatch (-want +got):\n%s", diff)
	}

	if err := env.mm.CopyOut(r.End-1, []byte{1, 2}); !errors.Is(err, ErrNotMapped) {
		t.Errorf("CopyOut into the guard page error = %v, want %v", err, ErrNotMapped)
	}
}

func TestFrameTableAllocator(t *testing.T) {
	env := newTestEnv(t, 16)
	cr3 := env.mm.PageTables().CR3()
	if cr3 == 0 || cr3%hostarch.PageSize != 0 || cr3 >= 17*hostarch.PageSize {
		t.Errorf("CR3() = %#x, want a page-aligned frame of the inventory", cr3)
	}
	if env.tables.Tables() != 1 {
		t.Errorf("Tables() = %d, want 1", env.tables.Tables())
	}

	h, err := env.mm.AllocWithGuard(1)
	if err != nil {
		t.Fatalf("AllocWithGuard failed: %v", err)
	}
	if err := env.mm.MapRegion(h, StackFlags); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	// PML4, PDPT, PD and PT.
	if env.tables.Tables() != 4 {
		t.Errorf("Tables() = %d after one mapping, want 4", env.tables.Tables())
	}
}

func TestAddressSpaceExhausted(t *testing.T) {
	as, err := NewAddressSpace(0x400000, 0x400000+8*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	if _, err := as.Reserve(6, 1); err != nil {
		t.Fatalf("Reserve(6, 1) failed: %v", err)
	}
	if _, err := as.Reserve(1, 1); !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Errorf("Reserve error = %v, want %v", err, ErrAddressSpaceExhausted)
	}
	if as.Remaining() != 0 || as.Reservations() != 1 {
		t.Errorf("Remaining() = %d, Reservations() = %d, want 0, 1", as.Remaining(), as.Reservations())
	}
}

func TestAddressSpaceReservation(t *testing.T) {
	as, err := NewAddressSpace(DefaultUserBase, DefaultUserLimit)
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	r1, _ := as.Reserve(1, 1)
	r2, _ := as.Reserve(2, 1)
	for _, tc := range []struct {
		addr hostarch.Addr
		want Reservation
		ok   bool
	}{
		{DefaultUserBase - 1, Reservation{}, false},
		{r1.Outer.Start, r1, true},
		{r1.Inner.Start + 10, r1, true},
		{r2.Outer.Start, r2, true},
		{r2.Outer.End - 1, r2, true},
		{r2.Outer.End, Reservation{}, false},
	} {
		got, ok := as.Reservation(tc.addr)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Reservation(%v) = %v, %v, want %v, %v", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNewAddressSpaceInvalid(t *testing.T) {
	for _, w := range [][2]hostarch.Addr{{0, 0x1000}, {0x2000, 0x1000}, {0x1001, 0x2000}} {
		if _, err := NewAddressSpace(w[0], w[1]); err == nil {
			t.Errorf("NewAddressSpace(%v, %v) succeeded", w[0], w[1])
		}
	}
}

func TestPageTableFlagsString(t *testing.T) {
	for f, want := range map[PageTableFlags]string{
		0:          "none",
		CodeFlags:  "present|writable|user",
		StackFlags: "present|writable|user|nx",
		0x20:       "unknown",
	} {
		if got := f.String(); got != want {
			t.Errorf("%#x.String() = %q, want %q", uint8(f), got, want)
		}
	}
}
