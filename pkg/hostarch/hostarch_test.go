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

package hostarch

import (
	"testing"
)

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want Addr
		ok   bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{PageSize + 1, 2 * PageSize, true},
		{^Addr(0), 0, false},
	} {
		got, ok := tc.addr.RoundUp()
		if got != tc.want || ok != tc.ok {
			t.Errorf("%v.RoundUp() = (%v, %v), want (%v, %v)", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAddLength(t *testing.T) {
	if end, ok := Addr(0x1000).AddLength(0x2000); !ok || end != 0x3000 {
		t.Errorf("AddLength = (%v, %v), want (0x3000, true)", end, ok)
	}
	if _, ok := (^Addr(0) - 1).AddLength(4); ok {
		t.Errorf("AddLength overflow not detected")
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{0x1000, 0x3000}
	if !r.Contains(0x2fff) || r.Contains(0x3000) {
		t.Errorf("Contains is not half-open on %v", r)
	}
	if !r.Overlaps(AddrRange{0x2000, 0x4000}) || r.Overlaps(AddrRange{0x3000, 0x4000}) {
		t.Errorf("Overlaps is not half-open on %v", r)
	}
}

func TestAccessTypeString(t *testing.T) {
	if got := ReadWrite.String(); got != "rw-" {
		t.Errorf("ReadWrite.String() = %q, want rw-", got)
	}
	if got := ReadExec.String(); got != "r-x" {
		t.Errorf("ReadExec.String() = %q, want r-x", got)
	}
}
