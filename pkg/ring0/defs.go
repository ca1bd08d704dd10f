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

// Package ring0 holds the privileged CPU operations of the kernel: segment
// selectors, fast system call configuration, the ring 0 to ring 3 transition
// and the system call entry stub.
//
// All hardware access goes through a Machine. On amd64 Native returns a
// Machine backed by a handful of assembly routines; the sim package provides
// a recording Machine for host-side use.
package ring0

// Model specific registers.
const (
	_MSR_EFER           = 0xc0000080
	_MSR_STAR           = 0xc0000081
	_MSR_LSTAR          = 0xc0000082
	_MSR_SYSCALL_MASK   = 0xc0000084
	_MSR_GS_BASE        = 0xc0000101
	_MSR_KERNEL_GS_BASE = 0xc0000102
)

// Exported names for the registers programmed by InitSyscalls.
const (
	MSREFER         = _MSR_EFER
	MSRSTAR         = _MSR_STAR
	MSRLSTAR        = _MSR_LSTAR
	MSRSyscallMask  = _MSR_SYSCALL_MASK
	MSRGSBase       = _MSR_GS_BASE
	MSRKernelGSBase = _MSR_KERNEL_GS_BASE
)

// Useful bits.
const (
	_RFLAGS_NT       = 1 << 14
	_RFLAGS_IOPL     = 3 << 12
	_RFLAGS_DF       = 1 << 10
	_RFLAGS_IF       = 1 << 9
	_RFLAGS_RESERVED = 1 << 1

	_EFER_SCE = 0x001
	_EFER_NX  = 0x800
)

// Exported RFLAGS bits.
const (
	RFLAGSInterrupt = _RFLAGS_IF
	RFLAGSReserved  = _RFLAGS_RESERVED

	// EFERSyscallEnable is the EFER bit enabling syscall and sysret.
	EFERSyscallEnable = _EFER_SCE

	// EFERNoExecute is the EFER bit giving meaning to the PTE no-execute bit.
	EFERNoExecute = _EFER_NX
)

// UserFlagsSet are always set in userspace.
const UserFlagsSet = _RFLAGS_RESERVED | _RFLAGS_IF

// UserFlagsClear are always cleared in userspace.
const UserFlagsClear = _RFLAGS_NT | _RFLAGS_IOPL

// Address constraints of four-level paging.
const (
	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000
)

// IsCanonical indicates whether addr is canonical per the amd64 architecture.
//
//go:nosplit
func IsCanonical(addr uint64) bool {
	return addr <= lowerTop || addr >= upperBottom
}
