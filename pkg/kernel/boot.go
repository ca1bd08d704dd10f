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

package kernel

import (
	"fmt"
	"io"

	"capkernel.dev/capkernel/pkg/cap"
	"capkernel.dev/capkernel/pkg/e820"
	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/log"
	"capkernel.dev/capkernel/pkg/mm"
	"capkernel.dev/capkernel/pkg/pgalloc"
	"capkernel.dev/capkernel/pkg/ring0"
	"capkernel.dev/capkernel/pkg/ring0/pagetables"
)

// DefaultReservedLowFrames covers the first megabyte of physical memory,
// which holds firmware data and is never handed out.
const DefaultReservedLowFrames = 256

// BootOpts configures Setup and Boot.
type BootOpts struct {
	// Machine is the CPU to configure and run on.
	Machine ring0.Machine

	// Physical is physical memory.
	Physical mm.PhysicalMemory

	// MemoryMap holds the firmware memory map at MemoryMapAddr. Nil reads
	// it from Physical.
	MemoryMap     io.ReaderAt
	MemoryMapAddr int64

	// MemoryMapCount is the number of records reported by firmware.
	MemoryMapCount uint32

	// Reserved lists frames never handed out, such as the kernel image.
	Reserved []e820.Range

	// ReservedLowFrames is the number of frames at physical address zero
	// never handed out.
	ReservedLowFrames uint64

	// UserBase and UserLimit bound user virtual addresses. Zero selects
	// mm.DefaultUserBase and mm.DefaultUserLimit.
	UserBase  hostarch.Addr
	UserLimit hostarch.Addr

	// Selectors is the descriptor table. Nil selects the standard table.
	Selectors *ring0.SelectorTable

	// Syscalls configures the fast system call registers.
	Syscalls ring0.SyscallOpts

	// StackPages, CodePages and Image configure the launcher.
	StackPages uint64
	CodePages  uint64
	Image      []byte

	// Activate, if set, is called with the user page tables just before
	// the switch to user mode.
	Activate func(pt *pagetables.PageTables)
}

// Kernel is a booted kernel ready to launch user mode.
type Kernel struct {
	Inventory *e820.Inventory
	Frames    *pgalloc.FrameAllocator
	Caps      *cap.Table
	Memory    *mm.MemoryManager
	Launcher  *Launcher
	Selectors *ring0.SelectorTable

	machine  ring0.Machine
	activate func(pt *pagetables.PageTables)
}

// Setup runs the boot sequence up to the user mode launch: it reads and
// reconciles the memory map, builds the frame allocator, page tables,
// capability table and memory manager, and enables fast system calls.
func Setup(opts BootOpts) (*Kernel, error) {
	src := opts.MemoryMap
	if src == nil {
		src = opts.Physical
	}
	records, err := e820.ReadTable(src, opts.MemoryMapAddr, opts.MemoryMapCount)
	if err != nil {
		return nil, fmt.Errorf("reading memory map: %w", err)
	}
	inv := e820.Reconcile(records)
	log.Infof("Physical memory: %d frames in %d ranges", inv.NumPhysPages(), inv.Len())

	reserved := append([]e820.Range(nil), opts.Reserved...)
	if opts.ReservedLowFrames > 0 {
		reserved = append(reserved, e820.Range{Start: 0, End: opts.ReservedLowFrames - 1})
	}
	frames := pgalloc.NewFrameAllocator(inv, reserved...)
	if frames.Total() == 0 {
		return nil, fmt.Errorf("no usable physical memory: %w", pgalloc.ErrOutOfMemory)
	}

	base, limit := opts.UserBase, opts.UserLimit
	if base == 0 {
		base = mm.DefaultUserBase
	}
	if limit == 0 {
		limit = mm.DefaultUserLimit
	}
	as, err := mm.NewAddressSpace(base, limit)
	if err != nil {
		return nil, err
	}

	caps := cap.NewTable()
	memory := mm.NewMemoryManager(mm.MemoryManagerOpts{
		Caps:         caps,
		AddressSpace: as,
		Frames:       frames,
		PageTables:   pagetables.New(mm.NewFrameTableAllocator(frames, opts.Physical)),
		Physical:     opts.Physical,
	})

	sel := opts.Selectors
	if sel == nil {
		sel = ring0.NewSelectorTable()
	}
	if err := ring0.InitSyscalls(opts.Machine, sel, opts.Syscalls); err != nil {
		return nil, fmt.Errorf("configuring system calls: %w", err)
	}

	return &Kernel{
		Inventory: inv,
		Frames:    frames,
		Caps:      caps,
		Memory:    memory,
		Launcher: NewLauncher(LauncherOpts{
			MemoryManager: memory,
			Machine:       opts.Machine,
			StackPages:    opts.StackPages,
			CodePages:     opts.CodePages,
			Image:         opts.Image,
		}),
		Selectors: sel,
		machine:   opts.Machine,
		activate:  opts.Activate,
	}, nil
}

// Run loads the user code, allocates the user stack and enters user mode.
// It only returns on failure.
func (k *Kernel) Run() error {
	code, err := k.Launcher.LoadUserCodeSection()
	if err != nil {
		return err
	}
	stack, err := k.Launcher.AllocateUserStack()
	if err != nil {
		return err
	}
	if k.activate != nil {
		k.activate(k.Memory.PageTables())
	}
	k.Launcher.SwitchToUser(code, stack)
	return nil
}

// Boot runs Setup and Run. It only returns on failure.
func Boot(opts BootOpts) error {
	k, err := Setup(opts)
	if err != nil {
		return err
	}
	return k.Run()
}
