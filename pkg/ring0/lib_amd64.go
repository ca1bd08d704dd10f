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

// wrmsr writes to the given MSR.
func wrmsr(reg, value uintptr)

// rdmsr reads the given MSR.
func rdmsr(reg uintptr) uintptr

// readFlags returns the current RFLAGS.
func readFlags() uintptr

// enterUser clears the general purpose registers, loads rsp, swaps GS and
// executes sysret to rip with rflags. Interrupts are disabled from before
// the stack switch until sysret loads rflags.
//
// It never returns.
func enterUser(rip, rsp, rflags uintptr)

// readCR3 returns the current CR3 value.
func readCR3() uintptr

// writeCR3 loads CR3.
func writeCR3(cr3 uintptr)
