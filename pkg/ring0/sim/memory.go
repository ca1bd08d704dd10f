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

package sim

import (
	"fmt"

	"golang.org/x/sys/unix"

	"capkernel.dev/capkernel/pkg/hostarch"
)

// Memory is simulated physical memory: physical address zero is the start of
// an anonymous host mapping. Pages are only committed when touched.
type Memory struct {
	data []byte
}

// hostPageSize returns the host page size.
var hostPageSize = unix.Getpagesize

// NewMemory maps size bytes of simulated physical memory.
//
// Guest frames map one-to-one onto host pages, so the host page size must
// match hostarch.PageSize.
func NewMemory(size uint64) (*Memory, error) {
	if ps := hostPageSize(); ps != hostarch.PageSize {
		return nil, fmt.Errorf("host page size %d is not %d", ps, hostarch.PageSize)
	}
	if size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x is not a positive multiple of the page size", size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of memory: %w", size, err)
	}
	return &Memory{data: data}, nil
}

// Size returns the size of the memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Slice implements mm.PhysicalMemory.Slice.
func (m *Memory) Slice(addr, length uint64) ([]byte, error) {
	end := addr + length
	if end < addr || end > uint64(len(m.data)) {
		return nil, fmt.Errorf("physical range [%#x, %#x) outside memory of %#x bytes", addr, end, len(m.data))
	}
	return m.data[addr:end:end], nil
}

// ReadAt implements io.ReaderAt.ReadAt.
func (m *Memory) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d", off)
	}
	src, err := m.Slice(uint64(off), uint64(len(dst)))
	if err != nil {
		return 0, err
	}
	return copy(dst, src), nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (m *Memory) WriteAt(src []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("write at negative offset %d", off)
	}
	dst, err := m.Slice(uint64(off), uint64(len(src)))
	if err != nil {
		return 0, err
	}
	return copy(dst, src), nil
}

// Release unmaps the memory.
func (m *Memory) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
