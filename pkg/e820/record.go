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

// Package e820 turns the firmware memory map into an inventory of usable
// physical frames.
//
// The firmware hands the boot loader a table of at most MaxRecords fixed-size
// records describing physical memory. The records are trusted to be honest but
// not tidy: they may overlap, and overlapping records may disagree about
// whether the memory is usable. Reconcile resolves this conservatively: a byte
// is usable only if every record that covers it says it is usable.
package e820

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"capkernel.dev/capkernel/pkg/log"
)

const (
	// RecordSize is the size in bytes of one packed firmware record.
	RecordSize = 24

	// MaxRecords is the capacity of the firmware table.
	MaxRecords = 32
)

// Type is the firmware classification of a record.
type Type uint32

// Record types. Only Usable affects classification; the rest are named for
// display.
const (
	Usable          Type = 1
	Reserved        Type = 2
	ACPIReclaimable Type = 3
	ACPINVS         Type = 4
	BadMemory       Type = 5
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case ACPIReclaimable:
		return "acpi-reclaimable"
	case ACPINVS:
		return "acpi-nvs"
	case BadMemory:
		return "bad"
	default:
		return fmt.Sprintf("type-%d", uint32(t))
	}
}

// Record is one entry of the firmware memory map.
//
// The wire layout is packed little-endian:
//
//	+0  base        uint64
//	+8  length      uint64
//	+16 type        uint32
//	+20 attributes  uint32
type Record struct {
	Base       uint64 `json:"base" yaml:"base"`
	Length     uint64 `json:"length" yaml:"length"`
	Type       Type   `json:"type" yaml:"type"`
	Attributes uint32 `json:"attributes" yaml:"attributes"`
}

// End returns the exclusive end address of the record. Records that would
// extend past the top of the address space are truncated to it.
func (r Record) End() uint64 {
	end := r.Base + r.Length
	if end < r.Base {
		return math.MaxUint64
	}
	return end
}

// String implements fmt.Stringer.String.
func (r Record) String() string {
	return fmt.Sprintf("[%#016x, %#016x) %s", r.Base, r.End(), r.Type)
}

// SizeBytes returns the size of the wire representation.
func (r *Record) SizeBytes() int {
	return RecordSize
}

// MarshalBytes serializes r into dst and returns the remainder of dst.
func (r *Record) MarshalBytes(dst []byte) []byte {
	binary.LittleEndian.PutUint64(dst[0:8], r.Base)
	binary.LittleEndian.PutUint64(dst[8:16], r.Length)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(r.Type))
	binary.LittleEndian.PutUint32(dst[20:24], r.Attributes)
	return dst[RecordSize:]
}

// UnmarshalBytes deserializes r from src and returns the remainder of src.
//
// Preconditions: len(src) >= RecordSize.
func (r *Record) UnmarshalBytes(src []byte) []byte {
	r.Base = binary.LittleEndian.Uint64(src[0:8])
	r.Length = binary.LittleEndian.Uint64(src[8:16])
	r.Type = Type(binary.LittleEndian.Uint32(src[16:20]))
	r.Attributes = binary.LittleEndian.Uint32(src[20:24])
	return src[RecordSize:]
}

// Decode deserializes the first count records of a raw firmware table.
//
// count is supplied by the firmware separately from the table and is not
// trusted to be in bounds: it is clamped to MaxRecords and to the number of
// whole records present in table. The result never aliases table.
func Decode(table []byte, count uint32) []Record {
	n := int(count)
	if n > MaxRecords {
		log.Warningf("e820: firmware reports %d records, only %d are supported", count, MaxRecords)
		n = MaxRecords
	}
	if avail := len(table) / RecordSize; n > avail {
		log.Warningf("e820: firmware reports %d records, table holds %d", n, avail)
		n = avail
	}
	records := make([]Record, n)
	src := table
	for i := range records {
		src = records[i].UnmarshalBytes(src)
	}
	return records
}

// Encode serializes records into the firmware table layout.
func Encode(records []Record) []byte {
	buf := make([]byte, len(records)*RecordSize)
	dst := buf
	for i := range records {
		dst = records[i].MarshalBytes(dst)
	}
	return buf
}

// ReadTable copies the firmware table found at addr in src and decodes count
// records from it. This is done once, early in boot; nothing retains a
// reference to src afterwards.
func ReadTable(src io.ReaderAt, addr int64, count uint32) ([]Record, error) {
	buf := make([]byte, MaxRecords*RecordSize)
	n, err := src.ReadAt(buf, addr)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading memory map at %#x: %w", addr, err)
	}
	return Decode(buf[:n], count), nil
}
