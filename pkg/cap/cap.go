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

// Package cap implements the kernel capability table.
//
// A capability is an unforgeable Handle naming a typed kernel object held in
// a Table. Handles carry the slot index, a generation and the kind of the
// object they name; a handle whose generation or kind no longer matches its
// slot is stale and any use of it is a contract violation.
package cap

import (
	"fmt"

	"capkernel.dev/capkernel/pkg/sync"
)

// Kind identifies the type of object held by a capability.
type Kind uint16

// KindInvalid is never the kind of a live object.
const KindInvalid Kind = 0

var (
	kindMu    sync.Mutex
	kindNames = map[Kind]string{KindInvalid: "invalid"}
)

// RegisterKind associates a display name with k. It is called from the init
// function of the package owning the object type.
func RegisterKind(k Kind, name string) {
	kindMu.Lock()
	defer kindMu.Unlock()
	if prev, ok := kindNames[k]; ok {
		panic(fmt.Sprintf("capability kind %d registered twice (%q and %q)", k, prev, name))
	}
	kindNames[k] = name
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	kindMu.Lock()
	defer kindMu.Unlock()
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Object is a kernel object that can be held by a capability.
type Object interface {
	// CapKind returns the kind tag of the object. It must be constant.
	CapKind() Kind
}

// Handle is a capability. The zero Handle is invalid.
//
// Handles are comparable values; only a Table creates valid ones.
type Handle struct {
	index      uint32
	generation uint32
	kind       Kind
}

// Kind returns the kind of object h names.
func (h Handle) Kind() Kind {
	return h.kind
}

// IsZero returns true if h is the zero Handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// String implements fmt.Stringer.String.
func (h Handle) String() string {
	if h.IsZero() {
		return "cap(nil)"
	}
	return fmt.Sprintf("cap(%v#%d.%d)", h.kind, h.index, h.generation)
}

// ContractViolation is the panic value raised when a handle is used against
// the capability contract: stale, released, or naming another kind.
type ContractViolation struct {
	Handle Handle
	Reason string
}

// Error implements error.Error.
func (c *ContractViolation) Error() string {
	return fmt.Sprintf("capability contract violation on %v: %s", c.Handle, c.Reason)
}

func violate(h Handle, format string, v ...any) {
	panic(&ContractViolation{Handle: h, Reason: fmt.Sprintf(format, v...)})
}
