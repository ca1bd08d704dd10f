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
	"sync/atomic"
	"time"

	"capkernel.dev/capkernel/pkg/log"
	"capkernel.dev/capkernel/pkg/sync"
)

// kernelStackSize is the size of the per-CPU stack used by the entry stub.
const kernelStackSize = 16 << 10

// enosys is returned in RAX for unhandled system calls.
const enosys = 38

// Offsets into kernelEntry, shared with entry_amd64.s.
const (
	entryKernelRSP = 0
	entryUserRSP   = 8
	entryCPU       = 16
)

// kernelEntry is the per-CPU block the entry stub finds through GS.
type kernelEntry struct {
	// kernelRSP is the top of the CPU's kernel stack.
	kernelRSP uint64

	// userRSP holds the user stack pointer while in the kernel.
	userRSP uint64

	// cpu points back to the owning CPU.
	cpu *CPU
}

// EntryState is the position of a CPU within the system call path.
type EntryState uint32

// Entry states, in the order a system call moves through them.
const (
	// OnUserStack: the syscall instruction has executed and the stub is
	// still running on the user stack.
	OnUserStack EntryState = iota

	// OnKernelStack: the stub has switched stacks and saved every user
	// register into a SyscallFrame.
	OnKernelStack

	// Dispatched: the handler is running.
	Dispatched

	// Returning: the handler is done and the stub restores the frame and
	// executes sysret. The state persists while user code runs, until
	// the next system call.
	Returning
)

// String implements fmt.Stringer.String.
func (s EntryState) String() string {
	switch s {
	case OnUserStack:
		return "on-user-stack"
	case OnKernelStack:
		return "on-kernel-stack"
	case Dispatched:
		return "dispatched"
	case Returning:
		return "returning"
	default:
		return fmt.Sprintf("EntryState(%d)", uint32(s))
	}
}

// SyscallFrame is the user register state saved by the entry stub. The layout
// matches the push order in entry_amd64.s.
//
// On entry RCX holds the user RIP and R11 the user RFLAGS, as left by the
// syscall instruction.
type SyscallFrame struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	RBP uint64
	RDI uint64
	RSI uint64
	RDX uint64
	RCX uint64
	RBX uint64
	RAX uint64

	// RSP is the user stack pointer.
	RSP uint64
}

// Number returns the system call number.
func (f *SyscallFrame) Number() uint64 {
	return f.RAX
}

// Args returns the system call arguments.
func (f *SyscallFrame) Args() [6]uint64 {
	return [6]uint64{f.RDI, f.RSI, f.RDX, f.R10, f.R8, f.R9}
}

// SetReturn sets the value user mode sees in RAX.
func (f *SyscallFrame) SetReturn(v uint64) {
	f.RAX = v
}

// SyscallHandler services a system call. It may modify frame; the modified
// registers are restored on return to user mode.
type SyscallHandler func(c *CPU, frame *SyscallFrame)

// CPU is the per-CPU system call state.
type CPU struct {
	// entry must stay addressable; its address is loaded into GS.
	entry kernelEntry

	// stack is the kernel stack for system calls.
	stack [kernelStackSize]byte

	state atomic.Uint32

	// syscalls counts dispatched system calls.
	syscalls atomic.Uint64

	mu      sync.Mutex
	handler SyscallHandler
}

// NewCPU returns a CPU with the default handler.
func NewCPU() *CPU {
	c := &CPU{}
	c.entry.cpu = c
	c.entry.kernelRSP = uint64(c.stackTop())
	return c
}

var (
	// defaultCPU is used when InitSyscalls is not given a CPU.
	defaultCPU = NewCPU()

	// activeCPU is the CPU last installed by InitSyscalls. It also keeps
	// the CPU reachable while only GS refers to it.
	activeCPU atomic.Pointer[CPU]

	// unknownSyscalls limits warnings about unhandled system calls, per number.
	unknownSyscalls = log.BasicKeyedLogger(time.Second, 64)
)

func setActiveCPU(c *CPU) {
	activeCPU.Store(c)
}

// ActiveCPU returns the CPU installed by InitSyscalls, or nil.
func ActiveCPU() *CPU {
	return activeCPU.Load()
}

// SetHandler installs h. A nil h restores the default handler, which
// returns -ENOSYS.
func (c *CPU) SetHandler(h SyscallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// State returns the current entry state.
func (c *CPU) State() EntryState {
	return EntryState(c.state.Load())
}

// Syscalls returns the number of system calls dispatched on c.
func (c *CPU) Syscalls() uint64 {
	return c.syscalls.Load()
}

// transition moves c from one state to the next. Any other transition is a
// kernel bug.
func (c *CPU) transition(from, to EntryState) {
	if !c.state.CompareAndSwap(uint32(from), uint32(to)) {
		panic(fmt.Sprintf("ring0: entry state %v -> %v from %v", from, to, c.State()))
	}
}

// enter records that the stub has saved the user registers on the kernel
// stack.
func (c *CPU) enter() {
	if c.state.CompareAndSwap(uint32(Returning), uint32(OnKernelStack)) {
		return
	}
	c.transition(OnUserStack, OnKernelStack)
}

// HandleSyscall services the system call saved in frame and prepares it for
// sysret. It is called by the entry stub on the kernel stack.
func (c *CPU) HandleSyscall(frame *SyscallFrame) {
	c.enter()
	c.transition(OnKernelStack, Dispatched)
	c.syscalls.Add(1)

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		h = defaultHandler
	}
	h(c, frame)

	// sysret to a non-canonical RIP faults in ring 0.
	if !IsCanonical(frame.RCX) {
		panic(fmt.Sprintf("ring0: system call returning to non-canonical rip %#x", frame.RCX))
	}
	frame.R11 = UserFlags(frame.R11)
	c.transition(Dispatched, Returning)
}

// defaultHandler fails every system call with ENOSYS.
func defaultHandler(_ *CPU, frame *SyscallFrame) {
	unknownSyscalls.Warningf(frame.Number(), "Unhandled system call %d at rip %#x", frame.Number(), frame.RCX)
	frame.SetReturn(^uint64(enosys - 1)) // -ENOSYS
}

// syscallDispatch is called by the entry stub.
//
//go:nosplit
func syscallDispatch(c *CPU, frame *SyscallFrame) {
	c.HandleSyscall(frame)
}
