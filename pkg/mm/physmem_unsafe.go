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

package mm

import (
	"fmt"
	"unsafe"
)

// DirectMap is the kernel's view of physical memory: all of it mapped at a
// fixed virtual offset by the boot page tables.
type DirectMap struct {
	// Offset is the virtual address at which physical address zero is
	// mapped.
	Offset uintptr

	// Limit is the first physical address not covered by the mapping.
	Limit uint64
}

// Slice implements PhysicalMemory.Slice.
func (d *DirectMap) Slice(addr, length uint64) ([]byte, error) {
	end := addr + length
	if end < addr || end > d.Limit {
		return nil, fmt.Errorf("physical range [%#x, %#x) outside direct map (limit %#x)", addr, end, d.Limit)
	}
	if length == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(d.Offset+uintptr(addr))), length), nil
}

// ReadAt implements io.ReaderAt.ReadAt.
func (d *DirectMap) ReadAt(dst []byte, off int64) (int, error) {
	return sliceReadAt(d, dst, off)
}

// WriteAt implements io.WriterAt.WriteAt.
func (d *DirectMap) WriteAt(src []byte, off int64) (int, error) {
	return sliceWriteAt(d, src, off)
}
