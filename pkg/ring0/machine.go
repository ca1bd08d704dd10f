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

// Machine is the hardware interface used by this package. Every method is a
// single privileged operation with no other side effects.
type Machine interface {
	// ReadMSR returns the value of the given model specific register.
	ReadMSR(reg uint32) uint64

	// WriteMSR sets the given model specific register.
	WriteMSR(reg uint32, value uint64)

	// ReadFlags returns the current RFLAGS.
	ReadFlags() uint64

	// SyscallEntry returns the address of the system call entry stub.
	SyscallEntry() uintptr

	// EnterUser disables interrupts, clears every general purpose
	// register, loads rsp and executes sysret to rip with rflags at
	// privilege level 3, using the selectors programmed in STAR.
	//
	// EnterUser never returns.
	EnterUser(rip, rsp, rflags uint64)
}
