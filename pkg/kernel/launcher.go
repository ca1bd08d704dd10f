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

// Package kernel boots the kernel and launches the first user mode task.
package kernel

import (
	"fmt"

	"capkernel.dev/capkernel/pkg/cap"
	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/log"
	"capkernel.dev/capkernel/pkg/mm"
	"capkernel.dev/capkernel/pkg/ring0"
	"capkernel.dev/capkernel/pkg/sync"
)

// testPayload is the code image loaded when no other is given: a jump to
// itself followed by padding.
var testPayload = [...]byte{0xeb, 0xfe, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}

// DefaultImage returns a copy of the code image loaded when no other is
// given.
func DefaultImage() []byte {
	return append([]byte(nil), testPayload[:]...)
}

// Defaults for LauncherOpts.
const (
	DefaultStackPages = 1
	DefaultCodePages  = 1
)

// CodeSection is a loaded user code image.
type CodeSection struct {
	// Handle names the region holding the image.
	Handle cap.Handle

	// Entry is the first instruction executed in user mode.
	Entry hostarch.Addr
}

// LauncherOpts configures a Launcher.
type LauncherOpts struct {
	// MemoryManager allocates and maps user regions.
	MemoryManager *mm.MemoryManager

	// Machine executes the transition.
	Machine ring0.Machine

	// StackPages is the size of the user stack. Zero selects
	// DefaultStackPages.
	StackPages uint64

	// CodePages is the minimum size of the code region. The region is
	// grown to fit Image. Zero selects DefaultCodePages.
	CodePages uint64

	// Image is the user code. Nil selects DefaultImage.
	Image []byte
}

// Launcher starts the first user mode task.
type Launcher struct {
	mm         *mm.MemoryManager
	machine    ring0.Machine
	stackPages uint64
	codePages  uint64
	image      []byte

	mu sync.Mutex

	// owned holds the handles consumed by SwitchToUser.
	owned []cap.Handle
}

// NewLauncher returns a Launcher.
func NewLauncher(opts LauncherOpts) *Launcher {
	l := &Launcher{
		mm:         opts.MemoryManager,
		machine:    opts.Machine,
		stackPages: opts.StackPages,
		codePages:  opts.CodePages,
		image:      opts.Image,
	}
	if l.stackPages == 0 {
		l.stackPages = DefaultStackPages
	}
	if l.codePages == 0 {
		l.codePages = DefaultCodePages
	}
	if l.image == nil {
		l.image = DefaultImage()
	}
	if need := hostarch.Addr(len(l.image)).MustRoundUp() / hostarch.PageSize; uint64(need) > l.codePages {
		l.codePages = uint64(need)
	}
	return l
}

// LoadUserCodeSection allocates a guarded code region, maps it and copies the
// image to its start, which is the entry point.
func (l *Launcher) LoadUserCodeSection() (CodeSection, error) {
	h, err := l.mm.AllocWithGuard(l.codePages)
	if err != nil {
		return CodeSection{}, fmt.Errorf("allocating user code region: %w", err)
	}
	if err := l.mm.MapRegion(h, mm.CodeFlags); err != nil {
		l.mm.FreeRegion(h)
		return CodeSection{}, fmt.Errorf("mapping user code region: %w", err)
	}
	entry := l.mm.Region(h).Start
	if err := l.mm.CopyOut(entry, l.image); err != nil {
		l.mm.FreeRegion(h)
		return CodeSection{}, fmt.Errorf("loading user code: %w", err)
	}
	log.Infof("Loaded %d bytes of user code at %v", len(l.image), entry)
	return CodeSection{Handle: h, Entry: entry}, nil
}

// AllocateUserStack allocates and maps a guarded, non-executable user stack.
func (l *Launcher) AllocateUserStack() (cap.Handle, error) {
	h, err := l.mm.AllocWithGuard(l.stackPages)
	if err != nil {
		return cap.Handle{}, fmt.Errorf("allocating user stack: %w", err)
	}
	if err := l.mm.MapRegion(h, mm.StackFlags); err != nil {
		l.mm.FreeRegion(h)
		return cap.Handle{}, fmt.Errorf("mapping user stack: %w", err)
	}
	log.Infof("Allocated user stack %v", l.mm.Region(h))
	return h, nil
}

// StackPointer returns the initial stack pointer for the stack region named
// by h: its start plus its length. The stack grows down toward the guard page
// below the region.
func (l *Launcher) StackPointer(h cap.Handle) hostarch.Addr {
	return l.mm.Region(h).End
}

// SwitchToUser drops to user mode at code.Entry on stack, with the current
// flags and interrupts enabled.
//
// It never returns. Both handles are consumed: they are moved into the
// launcher and any later use of them is a contract violation.
func (l *Launcher) SwitchToUser(code CodeSection, stack cap.Handle) {
	if r := l.mm.Region(code.Handle); !r.Contains(code.Entry) {
		panic(fmt.Sprintf("entry %v outside code region %v", code.Entry, r))
	}
	ctx := ring0.UserContext{
		RIP:    uint64(code.Entry),
		RSP:    uint64(l.StackPointer(stack)),
		RFLAGS: ring0.UserFlags(l.machine.ReadFlags()),
	}

	caps := l.mm.Caps()
	l.mu.Lock()
	l.owned = append(l.owned, caps.Move(code.Handle), caps.Move(stack))
	l.mu.Unlock()

	log.Infof("Entering user mode: %v", ctx)
	ring0.SwitchToUser(l.machine, ctx)
}

// Owned returns the handles consumed by SwitchToUser.
func (l *Launcher) Owned() []cap.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cap.Handle(nil), l.owned...)
}
