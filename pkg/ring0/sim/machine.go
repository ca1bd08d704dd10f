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

// Package sim provides a simulated machine for running the kernel's boot
// path on a host: MSR writes and the final user mode transition are recorded
// instead of executed, and physical memory is an anonymous host mapping.
package sim

import (
	"fmt"
	"runtime"

	"capkernel.dev/capkernel/pkg/log"
	"capkernel.dev/capkernel/pkg/ring0"
	"capkernel.dev/capkernel/pkg/sync"
)

// DefaultEntry is the syscall entry address reported by a Machine.
const DefaultEntry uintptr = 0xffffffff80100000

// MSRWrite is a recorded WriteMSR.
type MSRWrite struct {
	Reg   uint32 `json:"reg"`
	Value uint64 `json:"value"`
}

// String implements fmt.Stringer.String.
func (w MSRWrite) String() string {
	return fmt.Sprintf("wrmsr %s <- %#x", msrName(w.Reg), w.Value)
}

func msrName(reg uint32) string {
	switch reg {
	case ring0.MSREFER:
		return "EFER"
	case ring0.MSRSTAR:
		return "STAR"
	case ring0.MSRLSTAR:
		return "LSTAR"
	case ring0.MSRSyscallMask:
		return "FMASK"
	case ring0.MSRGSBase:
		return "GS_BASE"
	case ring0.MSRKernelGSBase:
		return "KERNEL_GS_BASE"
	default:
		return fmt.Sprintf("%#x", reg)
	}
}

// Transition is the recorded drop to user mode.
type Transition struct {
	RIP    uint64 `json:"rip"`
	RSP    uint64 `json:"rsp"`
	RFLAGS uint64 `json:"rflags"`
}

// String implements fmt.Stringer.String.
func (t Transition) String() string {
	return fmt.Sprintf("sysret rip=%#x rsp=%#x rflags=%#x", t.RIP, t.RSP, t.RFLAGS)
}

// Machine is a ring0.Machine that records what it is asked to do.
//
// EnterUser records the transition and ends the calling goroutine with
// runtime.Goexit, so a boot path that never returns can be run with Run.
type Machine struct {
	mu sync.Mutex

	msrs   map[uint32]uint64
	writes []MSRWrite
	flags  uint64
	entry  uintptr

	transition *Transition
}

var _ ring0.Machine = (*Machine)(nil)

// MachineOpts configures a Machine.
type MachineOpts struct {
	// Flags is the RFLAGS value reported by ReadFlags.
	Flags uint64

	// Entry is the address reported by SyscallEntry. Zero selects
	// DefaultEntry.
	Entry uintptr

	// EFER is the initial EFER value.
	EFER uint64
}

// NewMachine returns a Machine in the state a 64-bit kernel starts in.
func NewMachine(opts MachineOpts) *Machine {
	if opts.Entry == 0 {
		opts.Entry = DefaultEntry
	}
	return &Machine{
		msrs:  map[uint32]uint64{ring0.MSREFER: opts.EFER},
		flags: opts.Flags,
		entry: opts.Entry,
	}
}

// ReadMSR implements ring0.Machine.ReadMSR.
func (m *Machine) ReadMSR(reg uint32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msrs[reg]
}

// WriteMSR implements ring0.Machine.WriteMSR.
func (m *Machine) WriteMSR(reg uint32, value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msrs[reg] = value
	m.writes = append(m.writes, MSRWrite{Reg: reg, Value: value})
	log.Debugf("sim: %v", MSRWrite{Reg: reg, Value: value})
}

// ReadFlags implements ring0.Machine.ReadFlags.
func (m *Machine) ReadFlags() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// SyscallEntry implements ring0.Machine.SyscallEntry.
func (m *Machine) SyscallEntry() uintptr {
	return m.entry
}

// EnterUser implements ring0.Machine.EnterUser.
func (m *Machine) EnterUser(rip, rsp, rflags uint64) {
	m.mu.Lock()
	if m.transition != nil {
		m.mu.Unlock()
		panic("sim: second transition to user mode")
	}
	m.transition = &Transition{RIP: rip, RSP: rsp, RFLAGS: rflags}
	m.mu.Unlock()
	runtime.Goexit()
}

// MSR returns the current value of reg.
func (m *Machine) MSR(reg uint32) uint64 {
	return m.ReadMSR(reg)
}

// Writes returns the MSR writes in order.
func (m *Machine) Writes() []MSRWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MSRWrite(nil), m.writes...)
}

// Transition returns the recorded transition, if any.
func (m *Machine) Transition() (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transition == nil {
		return Transition{}, false
	}
	return *m.transition, true
}

// Run calls fn on a fresh goroutine and waits for it to finish or to enter
// user mode on m. It returns the transition, or the error or panic that
// ended fn.
func (m *Machine) Run(fn func() error) (Transition, error) {
	var (
		wg  sync.WaitGroup
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
		if err == nil {
			err = fmt.Errorf("returned without entering user mode")
		}
	}()
	wg.Wait()

	if t, ok := m.Transition(); ok {
		return t, nil
	}
	return Transition{}, err
}
