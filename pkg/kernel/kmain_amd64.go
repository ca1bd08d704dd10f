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

package kernel

import (
	"unsafe"

	"capkernel.dev/capkernel/pkg/e820"
	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/mm"
	"capkernel.dev/capkernel/pkg/ring0"
	"capkernel.dev/capkernel/pkg/ring0/pagetables"
)

// Kmain is the kernel entry point, called by the boot stub in ring 0 with
// all physical memory mapped at directMap and the kernel linked in the upper
// half.
//
// e820Addr and e820Count locate the firmware memory map; the kernel image
// occupies physical [kernelStart, kernelEnd).
//
// Kmain is not expected to return.
//
//go:noinline
func Kmain(e820Addr uintptr, e820Count uint32, directMap uintptr, physLimit uint64, kernelStart, kernelEnd uint64) {
	native := ring0.Native()
	phys := &mm.DirectMap{Offset: directMap, Limit: physLimit}
	bootRoot := native.CR3() &^ (hostarch.PageSize - 1)

	err := Boot(BootOpts{
		Machine:        native,
		Physical:       phys,
		MemoryMapAddr:  int64(e820Addr),
		MemoryMapCount: e820Count,
		Reserved: []e820.Range{{
			Start: kernelStart >> hostarch.PageShift,
			End:   (kernelEnd - 1) >> hostarch.PageShift,
		}},
		ReservedLowFrames: DefaultReservedLowFrames,
		Activate: func(pt *pagetables.PageTables) {
			// Keep the kernel half of the boot tables.
			upper, err := phys.Slice(bootRoot+pagetables.KernelEntries*8, pagetables.KernelEntries*8)
			if err != nil {
				panic(err)
			}
			pt.ShareKernel(unsafe.Slice((*pagetables.PTE)(unsafe.Pointer(&upper[0])), pagetables.KernelEntries))
			native.LoadCR3(pt.CR3())
		},
	})
	panic(err)
}
