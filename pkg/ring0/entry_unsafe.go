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
	"unsafe"
)

// stackTop returns the 16-byte aligned top of the kernel stack.
func (c *CPU) stackTop() uintptr {
	top := uintptr(unsafe.Pointer(&c.stack[0])) + uintptr(len(c.stack))
	return top &^ 15
}

// entryAddr returns the address loaded into GS for c.
func (c *CPU) entryAddr() uintptr {
	return uintptr(unsafe.Pointer(&c.entry))
}
