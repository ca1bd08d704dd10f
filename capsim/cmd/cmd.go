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


// Package cmd holds implementations of the capsim commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"capkernel.dev/capkernel/pkg/e820"
	"capkernel.dev/capkernel/pkg/log"
	"gopkg.in/yaml.v3"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of capsim.
var ErrorLogger io.Writer

// Fatalf logs to stderr and the error log, then exits.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "capsim: %s\n", msg)
	if ErrorLogger != nil {
		_ = json.NewEncoder(ErrorLogger).Encode(struct {
			Msg   string `json:"msg"`
			Level string `json:"level"`
		}{Msg: msg, Level: "error"})
	}
	os.Exit(128)
}

// outputFunc writes a report in one format.
type outputFunc func(io.Writer, any) error

// outputs maps the names accepted by -o to their writers. "table" is
// handled by each command.
var outputs = map[string]outputFunc{
	"json": outputJSON,
	"yaml": outputYAML,
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// e820Addr is where the memory map is placed in simulated memory, as a
// bootloader would below the first page table.
const e820Addr = 0x500

// SampleMemoryMap returns the memory map a PC firmware reports for size
// bytes of RAM: conventional memory, the EBDA and BIOS holes, extended
// memory, and the reserved regions below 4GiB.
func SampleMemoryMap(size uint64) []e820.Record {
	const top = 0x20000
	return []e820.Record{
		{Base: 0, Length: 0x9fc00, Type: e820.Usable},
		{Base: 0x9fc00, Length: 0x400, Type: e820.Reserved},
		{Base: 0xf0000, Length: 0x10000, Type: e820.Reserved},
		{Base: 0x100000, Length: size - 0x100000 - top, Type: e820.Usable},
		{Base: size - top, Length: top, Type: e820.ACPIReclaimable},
		{Base: 0xfeffc000, Length: 0x4000, Type: e820.Reserved},
		{Base: 0xfffc0000, Length: 0x40000, Type: e820.Reserved},
	}
}

// loadMemoryMap returns the records in a raw firmware dump at path, or
// the sample map for size bytes when path is empty.
func loadMemoryMap(path string, size uint64) ([]e820.Record, error) {
	if path == "" {
		return SampleMemoryMap(size), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%e820.RecordSize != 0 {
		log.Warningf("Memory map %q has %d trailing bytes", path, len(data)%e820.RecordSize)
	}
	return e820.Decode(data, uint32(len(data)/e820.RecordSize)), nil
}
