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
	"io"
)

// PhysicalMemory gives the kernel access to physical memory.
//
// Offsets passed to ReadAt and WriteAt are physical addresses.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt

	// Slice returns the bytes backing [addr, addr+length). The slice
	// aliases physical memory.
	Slice(addr, length uint64) ([]byte, error)
}

// zeroFrame clears the physical page at addr.
func zeroFrame(phys PhysicalMemory, addr, length uint64) error {
	b, err := phys.Slice(addr, length)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// sliceReadAt implements io.ReaderAt over Slice.
func sliceReadAt(phys PhysicalMemory, dst []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative physical address %d", off)
	}
	src, err := phys.Slice(uint64(off), uint64(len(dst)))
	if err != nil {
		return 0, err
	}
	return copy(dst, src), nil
}

// sliceWriteAt implements io.WriterAt over Slice.
func sliceWriteAt(phys PhysicalMemory, src []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative physical address %d", off)
	}
	dst, err := phys.Slice(uint64(off), uint64(len(src)))
	if err != nil {
		return 0, err
	}
	return copy(dst, src), nil
}
