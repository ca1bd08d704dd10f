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

	"capkernel.dev/capkernel/pkg/log"
	"capkernel.dev/capkernel/pkg/sync"
)

// SyscallOpts configures InitSyscalls.
type SyscallOpts struct {
	// FlagsMask is written to the syscall flags mask register: the RFLAGS
	// bits cleared on entry to the stub. Zero leaves the interrupt flag
	// as user mode had it.
	FlagsMask uint64

	// CPU receives system calls. If nil, the default CPU is used.
	CPU *CPU
}

var (
	// initMu serializes InitSyscalls with itself and with SwitchToUser.
	initMu sync.Mutex

	// syscallsReady is set once InitSyscalls has completed.
	syscallsReady atomic.Bool
)

// StarValue returns the STAR register value for the selectors in sel.
//
// Bits 47:32 hold the kernel code selector: syscall loads CS from it and SS
// from it plus 8. Bits 63:48 hold the user base: sysret loads SS from it plus
// 8 and CS from it plus 16, so the base is one slot below the user stack
// selector.
func StarValue(sel *SelectorTable) (uint64, error) {
	kcode, udata, err := sel.sysretLayout()
	if err != nil {
		return 0, err
	}
	kernelBase := uint64(kcode.Index()) * 8
	userBase := uint64(udata.Index())*8 - 8
	return kernelBase<<32 | userBase<<48, nil
}

// InitSyscalls enables the syscall instruction and points it at the entry
// stub: EFER.SCE, STAR, LSTAR and the flags mask. It also sets EFER.NXE,
// without which user stacks mapped no-execute take reserved-bit faults.
//
// It must complete before the first SwitchToUser. Running it again rewrites
// the same registers.
func InitSyscalls(m Machine, sel *SelectorTable, opts SyscallOpts) error {
	star, err := StarValue(sel)
	if err != nil {
		return fmt.Errorf("invalid selector table: %w", err)
	}
	cpu := opts.CPU
	if cpu == nil {
		cpu = defaultCPU
	}

	initMu.Lock()
	defer initMu.Unlock()

	m.WriteMSR(_MSR_EFER, m.ReadMSR(_MSR_EFER)|_EFER_SCE|_EFER_NX)
	m.WriteMSR(_MSR_STAR, star)
	m.WriteMSR(_MSR_LSTAR, uint64(m.SyscallEntry()))
	m.WriteMSR(_MSR_SYSCALL_MASK, opts.FlagsMask)

	// The stub swaps GS to find the CPU; the kernel runs with the CPU in GS
	// and the user value parked in KERNEL_GS_BASE.
	m.WriteMSR(_MSR_GS_BASE, uint64(cpu.entryAddr()))
	m.WriteMSR(_MSR_KERNEL_GS_BASE, 0)
	setActiveCPU(cpu)

	syscallsReady.Store(true)
	log.Infof("Fast syscalls enabled: STAR=%#x LSTAR=%#x FMASK=%#x", star, m.SyscallEntry(), opts.FlagsMask)
	return nil
}

// SyscallsInitialized returns true once InitSyscalls has completed.
func SyscallsInitialized() bool {
	return syscallsReady.Load()
}
