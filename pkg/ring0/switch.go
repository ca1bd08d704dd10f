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

	"capkernel.dev/capkernel/pkg/log"
)

// UserContext is the register state user mode starts with.
type UserContext struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
}

// String implements fmt.Stringer.String.
func (c UserContext) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rflags=%#x", c.RIP, c.RSP, c.RFLAGS)
}

// UserFlags derives user RFLAGS from the current flags: interrupts are
// forced on and the nested task and I/O privilege bits are cleared.
func UserFlags(current uint64) uint64 {
	return (current &^ UserFlagsClear) | UserFlagsSet
}

// SwitchToUser drops to ring 3 at ctx.RIP with stack ctx.RSP.
//
// It never returns: the only way back into the kernel is a trap. ctx.RFLAGS
// is sanitized with UserFlags.
//
// Preconditions: InitSyscalls has completed; RIP and RSP are canonical.
func SwitchToUser(m Machine, ctx UserContext) {
	if !SyscallsInitialized() {
		panic("ring0.SwitchToUser: fast syscalls not initialized")
	}
	if !IsCanonical(ctx.RIP) || !IsCanonical(ctx.RSP) {
		panic(fmt.Sprintf("ring0.SwitchToUser: non-canonical context %v", ctx))
	}
	ctx.RFLAGS = UserFlags(ctx.RFLAGS)

	// Hold off InitSyscalls for as long as the switch is in flight. On
	// hardware the lock is never released; a simulated machine unwinds
	// through the deferred unlock.
	initMu.Lock()
	defer initMu.Unlock()
	log.Debugf("Switching to user: %v", ctx)
	m.EnterUser(ctx.RIP, ctx.RSP, ctx.RFLAGS)
	panic("ring0.SwitchToUser: returned from user mode")
}
