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
	"strings"

	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/ring0/pagetables"
)

// PageTableFlags are the permissions requested for a mapping.
type PageTableFlags uint8

// Page table flags.
const (
	Present PageTableFlags = 1 << iota
	Writable
	UserAccessible
	NoExecute

	allFlags = Present | Writable | UserAccessible | NoExecute
)

// Flags used for user regions.
const (
	// CodeFlags maps user code. The page stays writable so the image can be
	// placed after mapping.
	CodeFlags = Present | Writable | UserAccessible

	// StackFlags maps user stacks.
	StackFlags = Present | Writable | UserAccessible | NoExecute
)

// String implements fmt.Stringer.String.
func (f PageTableFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, b := range []struct {
		flag PageTableFlags
		name string
	}{
		{Present, "present"},
		{Writable, "writable"},
		{UserAccessible, "user"},
		{NoExecute, "nx"},
	} {
		if f&b.flag != 0 {
			parts = append(parts, b.name)
		}
	}
	if rest := f &^ allFlags; rest != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}

// valid returns true if f names only known flags and includes Present.
func (f PageTableFlags) valid() bool {
	return f&^allFlags == 0 && f&Present != 0
}

// mapOpts converts f to page table options.
func (f PageTableFlags) mapOpts() pagetables.MapOpts {
	return pagetables.MapOpts{
		AccessType: hostarch.AccessType{
			Read:    f&Present != 0,
			Write:   f&Writable != 0,
			Execute: f&NoExecute == 0,
		},
		User: f&UserAccessible != 0,
	}
}

// flagsFor converts page table options back to flags.
func flagsFor(opts pagetables.MapOpts) PageTableFlags {
	var f PageTableFlags
	if opts.AccessType.Any() {
		f |= Present
	}
	if opts.AccessType.Write {
		f |= Writable
	}
	if opts.User {
		f |= UserAccessible
	}
	if !opts.AccessType.Execute {
		f |= NoExecute
	}
	return f
}
