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

//go:build amd64
// +build amd64

package ring0

// NativeMachine is the Machine of the CPU executing the kernel.
//
// Its methods execute privileged instructions and fault outside ring 0.
type NativeMachine struct{}

// Native returns the native machine.
func Native() *NativeMachine {
	return &NativeMachine{}
}

// ReadMSR implements Machine.ReadMSR.
//
//go:nosplit
func (*NativeMachine) ReadMSR(reg uint32) uint64 {
	return uint64(rdmsr(uintptr(reg)))
}

// WriteMSR implements Machine.WriteMSR.
//
//go:nosplit
func (*NativeMachine) WriteMSR(reg uint32, value uint64) {
	wrmsr(uintptr(reg), uintptr(value))
}

// ReadFlags implements Machine.ReadFlags.
//
//go:nosplit
func (*NativeMachine) ReadFlags() uint64 {
	return uint64(readFlags())
}

// SyscallEntry implements Machine.SyscallEntry.
func (*NativeMachine) SyscallEntry() uintptr {
	return addrOfSysenter()
}

// EnterUser implements Machine.EnterUser.
//
//go:nosplit
func (*NativeMachine) EnterUser(rip, rsp, rflags uint64) {
	enterUser(uintptr(rip), uintptr(rsp), uintptr(rflags))
}

// CR3 returns the active page table root.
//
//go:nosplit
func (*NativeMachine) CR3() uint64 {
	return uint64(readCR3())
}

// LoadCR3 switches to the page tables rooted at cr3.
//
//go:nosplit
func (*NativeMachine) LoadCR3(cr3 uint64) {
	writeCR3(uintptr(cr3))
}
