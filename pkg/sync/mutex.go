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

package sync

import (
	"sync"
	"sync/atomic"
)

// Mutex is a mutual exclusion lock. The zero value for a Mutex is an unlocked
// mutex.
//
// Critical sections guarded by a Mutex are expected to be short and must not
// span anything that can fault.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	m      sync.Mutex
	locked atomic.Bool
}

// Lock locks m. If the lock is already in use, the calling goroutine blocks
// until the mutex is available.
func (m *Mutex) Lock() {
	m.m.Lock()
	m.locked.Store(true)
}

// Unlock unlocks m.
//
// Preconditions: m is locked.
func (m *Mutex) Unlock() {
	if !m.locked.Swap(false) {
		panic("sync: unlock of unlocked Mutex")
	}
	m.m.Unlock()
}

// TryLock tries to acquire the mutex. It returns true if it succeeds and false
// otherwise. TryLock does not block.
func (m *Mutex) TryLock() bool {
	if !m.m.TryLock() {
		return false
	}
	m.locked.Store(true)
	return true
}

// AssertLocked panics if m is not held by anyone.
func (m *Mutex) AssertLocked() {
	if !m.locked.Load() {
		panic("sync: mutex is not locked")
	}
}
