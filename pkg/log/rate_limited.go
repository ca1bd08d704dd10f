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


package log

import (
	"time"

	"golang.org/x/time/rate"

	"capkernel.dev/capkernel/pkg/sync"
)

// KeyedLogger limits warnings separately for each key, such as a system call
// number or a faulting address, so one noisy key cannot hide the others.
//
// Keys are chosen by user mode. At most maxKeys keys get their own limiter;
// later keys share a single overflow limiter.
type KeyedLogger struct {
	// logger receives the messages. Nil means the global logger at the
	// time of each call.
	logger Logger

	every   time.Duration
	maxKeys int

	mu       sync.Mutex
	limits   map[uint64]*keyLimit
	overflow keyLimit
}

type keyLimit struct {
	limit *rate.Limiter

	// suppressed counts messages dropped since the last one emitted.
	suppressed uint64
}

// NewKeyedLogger returns a KeyedLogger emitting at most one message per key
// every interval.
func NewKeyedLogger(logger Logger, every time.Duration, maxKeys int) *KeyedLogger {
	return &KeyedLogger{
		logger:   logger,
		every:    every,
		maxKeys:  maxKeys,
		limits:   make(map[uint64]*keyLimit),
		overflow: keyLimit{limit: rate.NewLimiter(rate.Every(every), 1)},
	}
}

// BasicKeyedLogger returns a KeyedLogger writing to the global logger.
func BasicKeyedLogger(every time.Duration, maxKeys int) *KeyedLogger {
	return NewKeyedLogger(nil, every, maxKeys)
}

// limitLocked returns the limiter for key.
//
// Preconditions: k.mu is held.
func (k *KeyedLogger) limitLocked(key uint64) *keyLimit {
	k.mu.AssertLocked()
	if l, ok := k.limits[key]; ok {
		return l
	}
	if len(k.limits) >= k.maxKeys {
		return &k.overflow
	}
	l := &keyLimit{limit: rate.NewLimiter(rate.Every(k.every), 1)}
	k.limits[key] = l
	return l
}

// allow reports whether a message for key may be emitted now, and how many
// messages for it were dropped since the last one.
func (k *KeyedLogger) allow(key uint64) (bool, uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.limitLocked(key)
	if !l.limit.Allow() {
		l.suppressed++
		return false, 0
	}
	dropped := l.suppressed
	l.suppressed = 0
	return true, dropped
}

func (k *KeyedLogger) target() Logger {
	if k.logger != nil {
		return k.logger
	}
	return Log()
}

// Warningf logs at the warning level unless key logged within the interval.
// The first message after drops reports how many were dropped.
func (k *KeyedLogger) Warningf(key uint64, format string, v ...any) {
	ok, dropped := k.allow(key)
	if !ok {
		return
	}
	if dropped > 0 {
		format += " (%d similar messages suppressed)"
		v = append(v[:len(v):len(v)], dropped)
	}
	k.target().Warningf(format, v...)
}

// Suppressed returns the number of messages dropped for key and not yet
// reported.
func (k *KeyedLogger) Suppressed(key uint64) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.limits[key]; ok {
		return l.suppressed
	}
	if len(k.limits) < k.maxKeys {
		return 0
	}
	return k.overflow.suppressed
}
