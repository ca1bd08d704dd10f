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
	"testing"
)

func TestHandleSyscallDefault(t *testing.T) {
	c := NewCPU()
	frame := &SyscallFrame{RAX: 1234, RCX: 0x401002, R11: _RFLAGS_RESERVED | _RFLAGS_IF}
	c.HandleSyscall(frame)

	if got, want := frame.RAX, ^uint64(enosys-1); got != want {
		t.Errorf("RAX = %#x, want -ENOSYS (%#x)", got, want)
	}
	if int64(frame.RAX) != -38 {
		t.Errorf("RAX = %d, want -38", int64(frame.RAX))
	}
	if got := c.State(); got != Returning {
		t.Errorf("State() = %v, want %v", got, Returning)
	}
	if got := c.Syscalls(); got != 1 {
		t.Errorf("Syscalls() = %d, want 1", got)
	}
}

func TestHandleSyscallHandler(t *testing.T) {
	c := NewCPU()
	var (
		gotArgs  [6]uint64
		gotState EntryState
	)
	c.SetHandler(func(c *CPU, frame *SyscallFrame) {
		gotState = c.State()
		gotArgs = frame.Args()
		frame.SetReturn(frame.Number() + 1)
	})

	frame := &SyscallFrame{RAX: 7, RDI: 1, RSI: 2, RDX: 3, R10: 4, R8: 5, R9: 6, RCX: 0x401002}
	c.HandleSyscall(frame)
	if frame.RAX != 8 {
		t.Errorf("RAX = %d, want 8", frame.RAX)
	}
	if want := [6]uint64{1, 2, 3, 4, 5, 6}; gotArgs != want {
		t.Errorf("Args() = %v, want %v", gotArgs, want)
	}
	if gotState != Dispatched {
		t.Errorf("state inside handler = %v, want %v", gotState, Dispatched)
	}

	// The next system call starts from Returning.
	c.HandleSyscall(&SyscallFrame{RAX: 1, RCX: 0x401002})
	if c.Syscalls() != 2 {
		t.Errorf("Syscalls() = %d, want 2", c.Syscalls())
	}

	// Restore the default handler.
	c.SetHandler(nil)
	frame = &SyscallFrame{RCX: 0x401002}
	c.HandleSyscall(frame)
	if int64(frame.RAX) != -38 {
		t.Errorf("RAX = %d after SetHandler(nil), want -38", int64(frame.RAX))
	}
}

func TestHandleSyscallSanitizesFlags(t *testing.T) {
	c := NewCPU()
	c.SetHandler(func(_ *CPU, frame *SyscallFrame) {
		frame.R11 |= _RFLAGS_IOPL | _RFLAGS_NT
	})
	frame := &SyscallFrame{RCX: 0x401002}
	c.HandleSyscall(frame)
	if want := uint64(_RFLAGS_RESERVED | _RFLAGS_IF); frame.R11 != want {
		t.Errorf("R11 = %#x, want %#x", frame.R11, want)
	}
}

func TestEntryStateOutOfOrder(t *testing.T) {
	c := NewCPU()
	c.state.Store(uint32(Dispatched))
	expectPanic(t, "entry while dispatched", func() { c.HandleSyscall(&SyscallFrame{RCX: 0x401002}) })

	c = NewCPU()
	c.SetHandler(func(_ *CPU, frame *SyscallFrame) { frame.RCX = 0x0000800000000000 })
	expectPanic(t, "non-canonical return", func() { c.HandleSyscall(&SyscallFrame{}) })
	if got := c.State(); got != Dispatched {
		t.Errorf("State() = %v after failed return, want %v", got, Dispatched)
	}
}

func TestEntryStateString(t *testing.T) {
	for s, want := range map[EntryState]string{
		OnUserStack:    "on-user-stack",
		OnKernelStack:  "on-kernel-stack",
		Dispatched:     "dispatched",
		Returning:      "returning",
		EntryState(17): "EntryState(17)",
	} {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestKernelStack(t *testing.T) {
	c := NewCPU()
	top := c.stackTop()
	if top%16 != 0 {
		t.Errorf("stack top %#x is not 16-byte aligned", top)
	}
	if uint64(top) != c.entry.kernelRSP {
		t.Errorf("entry kernelRSP = %#x, want %#x", c.entry.kernelRSP, top)
	}
	if c.entry.cpu != c {
		t.Errorf("entry does not point back at its CPU")
	}
}
