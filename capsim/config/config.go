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


// Package config provides basic infrastructure to set configuration settings
// for capsim. Each setting that can be changed from the command line must
// be registered in flags.go.
package config

import (
	"fmt"
	"strconv"

	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/log"
	"capkernel.dev/capkernel/pkg/ring0"
)

// Config holds configuration that is not part of the simulated firmware.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register the new flag in flags.go, next to similar flags.
//  4. Add any necessary validation into validate().
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// ConfigFile is a TOML file whose flags table overrides command line
	// values.
	ConfigFile string `flag:"config"`

	// UserStackPages is the size of the user stack region, in pages.
	UserStackPages uint64 `flag:"user-stack-pages"`

	// UserCodePages is the minimum size of the user code region, in pages.
	UserCodePages uint64 `flag:"user-code-pages"`

	// UserBase is the lowest address handed out for user regions.
	UserBase Hex `flag:"user-base"`

	// UserLimit is the end of the user region window.
	UserLimit Hex `flag:"user-limit"`

	// SyscallFlagsMask is the RFLAGS mask applied on syscall entry.
	SyscallFlagsMask Hex `flag:"syscall-flags-mask"`

	// ReserveLowFrames is the number of frames at the bottom of physical
	// memory that are never allocated.
	ReserveLowFrames uint64 `flag:"reserve-low-frames"`

	// MemorySize is the size of simulated physical memory, in bytes.
	MemorySize Hex `flag:"memory-size"`
}

// Hex is a uint64 flag written and displayed in hexadecimal.
type Hex uint64

func hexPtr(v Hex) *Hex {
	return &v
}

// Set implements flag.Value. Any base accepted by strconv is allowed.
func (h *Hex) Set(v string) error {
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", v, err)
	}
	*h = Hex(n)
	return nil
}

// Get implements flag.Getter.
func (h *Hex) Get() any {
	return *h
}

// String implements flag.Value.
func (h Hex) String() string {
	return fmt.Sprintf("%#x", uint64(h))
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
	log.Infof("\tuser window: [%v, %v)", hostarch.Addr(c.UserBase), hostarch.Addr(c.UserLimit))
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.UserStackPages == 0 {
		return fmt.Errorf("user-stack-pages must be at least 1")
	}
	if c.UserCodePages == 0 {
		return fmt.Errorf("user-code-pages must be at least 1")
	}
	base, limit := hostarch.Addr(c.UserBase), hostarch.Addr(c.UserLimit)
	if !base.IsPageAligned() || !limit.IsPageAligned() {
		return fmt.Errorf("user window [%v, %v) is not page aligned", base, limit)
	}
	if base == 0 || base >= limit {
		return fmt.Errorf("user window [%v, %v) is empty", base, limit)
	}
	if uint64(limit) > lowerHalfEnd || !ring0.IsCanonical(uint64(limit)-1) {
		return fmt.Errorf("user window [%v, %v) leaves the lower half", base, limit)
	}
	if !hostarch.Addr(c.MemorySize).IsPageAligned() || c.MemorySize < minMemorySize {
		return fmt.Errorf("memory-size %v must be page aligned and at least %#x", c.MemorySize, minMemorySize)
	}
	return nil
}

const (
	// minMemorySize covers the low megabyte plus room for user regions.
	minMemorySize = 4 << 20

	// lowerHalfEnd is the end of the canonical lower half.
	lowerHalfEnd = 1 << 47
)
