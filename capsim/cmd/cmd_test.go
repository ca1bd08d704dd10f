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


package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"capkernel.dev/capkernel/capsim/config"
	"capkernel.dev/capkernel/pkg/e820"
	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/mm"
	"capkernel.dev/capkernel/pkg/pgalloc"
	"capkernel.dev/capkernel/pkg/ring0"
	"capkernel.dev/capkernel/pkg/ring0/sim"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

const sampleSize = 64 << 20

// sampleFrames is the number of whole usable frames in the sample map.
const sampleFrames = 0x9f + (sampleSize-0x100000-0x20000)/hostarch.PageSize

func newConfig(t *testing.T, flags map[string]string) *config.Config {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(testFlags)
	for name, val := range flags {
		if err := testFlags.Set(name, val); err != nil {
			t.Fatalf("Set(%q, %q): %v", name, val, err)
		}
	}
	conf, err := config.NewFromFlags(testFlags)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func TestSampleMemoryMap(t *testing.T) {
	report := NewE820Report(SampleMemoryMap(sampleSize))
	want := []e820.Range{
		{Start: 0, End: 0x9e},
		{Start: 0x100, End: (sampleSize-0x20000)/hostarch.PageSize - 1},
	}
	if diff := cmp.Diff(want, report.Usable); diff != "" {
		t.Errorf("Usable mismatch (-want +got):\n%s", diff)
	}
	if report.Frames != sampleFrames {
		t.Errorf("Frames = %d, want %d", report.Frames, sampleFrames)
	}
}

func TestE820Output(t *testing.T) {
	report := NewE820Report(SampleMemoryMap(sampleSize))

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&E820{output: "json"}).write(&buf, report); err != nil {
			t.Fatalf("write: %v", err)
		}
		var got E820Report
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if diff := cmp.Diff(report, &got); diff != "" {
			t.Errorf("json report mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&E820{output: "yaml"}).write(&buf, report); err != nil {
			t.Fatalf("write: %v", err)
		}
		var got E820Report
		if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if diff := cmp.Diff(report.Usable, got.Usable); diff != "" {
			t.Errorf("yaml usable mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&E820{output: "table"}).write(&buf, report); err != nil {
			t.Fatalf("write: %v", err)
		}
		for _, want := range []string{"Usable", "Reserved", "0x9e"} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("table output missing %q:\n%s", want, buf.String())
			}
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if err := (&E820{output: "csv"}).write(&bytes.Buffer{}, report); err == nil {
			t.Errorf("write succeeded with unknown format")
		}
	})
}

func TestLoadMemoryMapFile(t *testing.T) {
	records := []e820.Record{
		{Base: 0x100000, Length: 0x200000, Type: e820.Usable},
		{Base: 0x300000, Length: 0x1000, Type: e820.BadMemory},
	}
	path := filepath.Join(t.TempDir(), "e820.bin")
	if err := os.WriteFile(path, e820.Encode(records), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := loadMemoryMap(path, sampleSize)
	if err != nil {
		t.Fatalf("loadMemoryMap: %v", err)
	}
	if diff := cmp.Diff(records, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	if _, err := loadMemoryMap(filepath.Join(t.TempDir(), "missing"), sampleSize); err == nil {
		t.Errorf("loadMemoryMap succeeded with a missing file")
	}
}

func TestSimulate(t *testing.T) {
	conf := newConfig(t, nil)
	report, err := Simulate(conf, SampleMemoryMap(uint64(conf.MemorySize)), nil)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	if report.Frames != sampleFrames {
		t.Errorf("Frames = %d, want %d", report.Frames, sampleFrames)
	}
	wantWrites := []sim.MSRWrite{
		{Reg: ring0.MSREFER, Value: ring0.EFERSyscallEnable | ring0.EFERNoExecute},
		{Reg: ring0.MSRSTAR, Value: 0x0020001000000000},
		{Reg: ring0.MSRLSTAR, Value: uint64(sim.DefaultEntry)},
		{Reg: ring0.MSRSyscallMask, Value: 0},
	}
	if len(report.Writes) < len(wantWrites) {
		t.Fatalf("got %d MSR writes, want at least %d", len(report.Writes), len(wantWrites))
	}
	if diff := cmp.Diff(wantWrites, report.Writes[:len(wantWrites)]); diff != "" {
		t.Errorf("MSR writes mismatch (-want +got):\n%s", diff)
	}

	if want := uint64(mm.DefaultUserBase + hostarch.PageSize); report.Transition.RIP != want {
		t.Errorf("RIP = %#x, want %#x", report.Transition.RIP, want)
	}
	if want := uint64(mm.DefaultUserBase + 5*hostarch.PageSize); report.Transition.RSP != want {
		t.Errorf("RSP = %#x, want %#x", report.Transition.RSP, want)
	}
	if want := "ebfe9090909090909090"; report.EntryBytes != want {
		t.Errorf("EntryBytes = %q, want %q", report.EntryBytes, want)
	}
	if len(report.Regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(report.Regions))
	}
	if got, want := report.Regions[0].Start, report.Transition.RIP; got != want {
		t.Errorf("code region starts at %#x, want %#x", got, want)
	}
	if got, want := report.Regions[1].End, report.Transition.RSP; got != want {
		t.Errorf("stack region ends at %#x, want %#x", got, want)
	}
}

func TestSimulateOptions(t *testing.T) {
	conf := newConfig(t, map[string]string{
		"user-base":          "0x10000000",
		"user-stack-pages":   "4",
		"syscall-flags-mask": "0x200",
	})
	report, err := Simulate(conf, SampleMemoryMap(uint64(conf.MemorySize)), []byte{0x0f, 0x05})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	// guard, code, guard, guard, 4 stack pages.
	if want := uint64(0x10000000 + 8*hostarch.PageSize); report.Transition.RSP != want {
		t.Errorf("RSP = %#x, want %#x", report.Transition.RSP, want)
	}
	if want := "0f05"; report.EntryBytes != want {
		t.Errorf("EntryBytes = %q, want %q", report.EntryBytes, want)
	}
	var mask uint64
	for _, w := range report.Writes {
		if w.Reg == ring0.MSRSyscallMask {
			mask = w.Value
		}
	}
	if mask != 0x200 {
		t.Errorf("FMASK = %#x, want 0x200", mask)
	}
}

func TestSimulateOutOfMemory(t *testing.T) {
	conf := newConfig(t, map[string]string{"memory-size": "0x400000"})
	image := make([]byte, 8<<20)
	_, err := Simulate(conf, SampleMemoryMap(uint64(conf.MemorySize)), image)
	if !errors.Is(err, pgalloc.ErrOutOfMemory) {
		t.Errorf("Simulate() = %v, want %v", err, pgalloc.ErrOutOfMemory)
	}
}

func TestBootOutput(t *testing.T) {
	conf := newConfig(t, nil)
	report, err := Simulate(conf, SampleMemoryMap(uint64(conf.MemorySize)), nil)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	var buf bytes.Buffer
	if err := (&Boot{output: "table"}).write(&buf, report); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []string{"wrmsr STAR <- 0x20001000000000", "sysret rip=0x401000", "entry: ebfe"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("table output missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	if err := (&Boot{output: "json"}).write(&buf, report); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got BootReport
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(report, &got); diff != "" {
		t.Errorf("json report mismatch (-want +got):\n%s", diff)
	}
}
