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

package cap

import (
	"capkernel.dev/capkernel/pkg/sync"
)

// slot is a single table entry.
type slot struct {
	// obj is nil if the slot is free.
	obj Object

	// generation is bumped each time the handle naming the slot changes.
	// Generation zero is never handed out.
	generation uint32
}

// bump advances the generation, skipping zero on wraparound.
func (s *slot) bump() {
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
}

// Table holds kernel objects and the capabilities naming them.
//
// All methods are safe for concurrent use.
type Table struct {
	mu sync.Mutex

	// slots is indexed by Handle.index.
	slots []slot

	// free lists released slot indices, reused last in first out.
	free []uint32

	// live is the number of occupied slots.
	live int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Register places obj in the table and returns the only valid handle to it.
func (t *Table) Register(obj Object) Handle {
	if obj == nil {
		panic("cap: Register of nil object")
	}
	kind := obj.CapKind()
	if kind == KindInvalid {
		panic("cap: Register of object with invalid kind")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[index]
	s.obj = obj
	s.bump()
	t.live++
	return Handle{index: index, generation: s.generation, kind: kind}
}

// lookupLocked returns the slot named by h or raises a ContractViolation.
//
// Preconditions: t.mu is held.
func (t *Table) lookupLocked(h Handle) *slot {
	t.mu.AssertLocked()
	if h.IsZero() {
		violate(h, "zero handle")
	}
	if int(h.index) >= len(t.slots) {
		violate(h, "index out of range")
	}
	s := &t.slots[h.index]
	if s.obj == nil || s.generation != h.generation {
		violate(h, "stale handle (slot generation %d)", s.generation)
	}
	if k := s.obj.CapKind(); k != h.kind {
		violate(h, "kind mismatch (slot holds %v)", k)
	}
	return s
}

// Lookup returns the object named by h.
//
// It raises a ContractViolation if h is not valid.
func (t *Table) Lookup(h Handle) Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(h).obj
}

// Valid returns true if h currently names an object in t.
func (t *Table) Valid(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.IsZero() || int(h.index) >= len(t.slots) {
		return false
	}
	s := &t.slots[h.index]
	return s.obj != nil && s.generation == h.generation && s.obj.CapKind() == h.kind
}

// With resolves h to its object as a T and calls fn with it.
//
// It raises a ContractViolation if h is not valid or names an object that is
// not a T. fn runs without the table lock held and may use t.
func With[T Object, R any](t *Table, h Handle, fn func(T) R) R {
	obj, ok := t.Lookup(h).(T)
	if !ok {
		var zero T
		violate(h, "object is not a %T", zero)
	}
	return fn(obj)
}

// Move transfers ownership of the object named by h. The returned handle
// names the same object and h becomes stale.
func (t *Table) Move(h Handle) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookupLocked(h)
	s.bump()
	return Handle{index: h.index, generation: s.generation, kind: h.kind}
}

// Release removes the object named by h from the table and returns it. h and
// every copy of it become stale.
func (t *Table) Release(h Handle) Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookupLocked(h)
	obj := s.obj
	s.obj = nil
	s.bump()
	t.free = append(t.free, h.index)
	t.live--
	return obj
}

// Len returns the number of objects in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}
