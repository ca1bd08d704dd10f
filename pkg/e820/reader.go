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

package e820

import (
	"cmp"
	"slices"

	"github.com/google/btree"

	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/log"
)

// fragment is a half-open byte range [start, end) with the type of the record
// it was cut from.
type fragment struct {
	start uint64
	end   uint64
	typ   Type
}

// Read decodes a raw firmware table and reconciles it.
func Read(table []byte, count uint32) *Inventory {
	return Reconcile(Decode(table, count))
}

// Reconcile builds the usable frame inventory from firmware records.
//
// Every record is cut at every start and end point of every other record, so
// two fragments either cover exactly the same bytes or are disjoint. A run of
// bytes starting at a boundary is then usable iff every fragment that starts
// there is non-empty and usable. Usable byte ranges are shrunk to the whole
// frames they contain; partial frames at either end are dropped.
//
// Adjacent usable ranges are not merged. The work is quadratic in the number
// of records, which the firmware bounds at MaxRecords.
func Reconcile(records []Record) *Inventory {
	boundaries := btree.NewOrderedG[uint64](4)
	var spans []fragment
	for _, r := range records {
		if r.Length == 0 {
			continue
		}
		f := fragment{start: r.Base, end: r.End(), typ: r.Type}
		spans = append(spans, f)
		boundaries.ReplaceOrInsert(f.start)
		boundaries.ReplaceOrInsert(f.end)
	}

	var pieces []fragment
	for _, s := range spans {
		prev := s.start
		if s.start < s.end {
			boundaries.AscendRange(s.start+1, s.end, func(p uint64) bool {
				pieces = append(pieces, fragment{start: prev, end: p, typ: s.typ})
				prev = p
				return true
			})
		}
		pieces = append(pieces, fragment{start: prev, end: s.end, typ: s.typ})
	}
	slices.SortStableFunc(pieces, func(a, b fragment) int {
		return cmp.Compare(a.start, b.start)
	})

	inv := &Inventory{}
	next := 0
	boundaries.Ascend(func(point uint64) bool {
		first := next
		for next < len(pieces) && pieces[next].start == point {
			next++
		}
		group := pieces[first:next]
		if len(group) == 0 {
			// Only the end of the last record starts nothing.
			return true
		}
		for _, f := range group {
			if f.start >= f.end || f.typ != Usable {
				return true
			}
		}
		if r, ok := wholeFrames(group[0].start, group[0].end); ok {
			inv.ranges = append(inv.ranges, r)
		}
		return true
	})

	if log.IsLogging(log.Debug) {
		log.Debugf("e820: %d records -> %d fragments -> %v", len(records), len(pieces), inv)
	}
	return inv
}

// wholeFrames returns the frames lying entirely inside [start, end).
func wholeFrames(start, end uint64) (Range, bool) {
	const mask = hostarch.PageSize - 1
	first := (start + mask) &^ mask
	if first < start {
		// Rounding up wrapped; there is no whole frame above start.
		return Range{}, false
	}
	last := end &^ mask
	if first >= last {
		return Range{}, false
	}
	return Range{
		Start: first >> hostarch.PageShift,
		End:   last>>hostarch.PageShift - 1,
	}, true
}
