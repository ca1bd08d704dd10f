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
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"capkernel.dev/capkernel/capsim/config"
	"capkernel.dev/capkernel/pkg/e820"
	"capkernel.dev/capkernel/pkg/hostarch"
	"capkernel.dev/capkernel/pkg/kernel"
	"capkernel.dev/capkernel/pkg/log"
	"capkernel.dev/capkernel/pkg/ring0"
	"capkernel.dev/capkernel/pkg/ring0/sim"
	"github.com/google/subcommands"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	output string
	file   string
	image  string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "Boot on a simulated machine and report the drop to user mode."
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [options] - Boot on a simulated machine and report the drop to user mode.

The kernel reads the memory map from simulated memory, builds its frame
allocator and page tables, enables fast system calls, loads the user image
and switches to user mode. The MSR writes and the final transition are
printed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.output, "o", "table", "Output format (table, json, yaml).")
	f.StringVar(&b.file, "file", "", "Raw memory map dump: packed 24-byte records.")
	f.StringVar(&b.image, "image", "", "Flat binary loaded as user code. The built-in spin loop is used if empty.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	records, err := loadMemoryMap(b.file, uint64(conf.MemorySize))
	if err != nil {
		Fatalf("loading memory map: %v", err)
	}
	var image []byte
	if b.image != "" {
		if image, err = os.ReadFile(b.image); err != nil {
			Fatalf("loading image: %v", err)
		}
	}
	report, err := Simulate(conf, records, image)
	if err != nil {
		Fatalf("boot failed: %v", err)
	}
	if err := b.write(os.Stdout, report); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// RegionReport describes a region owned by the launched program.
type RegionReport struct {
	Handle string `json:"handle" yaml:"handle"`
	Start  uint64 `json:"start" yaml:"start"`
	End    uint64 `json:"end" yaml:"end"`
	Flags  string `json:"flags" yaml:"flags"`
}

// BootReport is the output of the boot command.
type BootReport struct {
	Frames          uint64         `json:"frames" yaml:"frames"`
	FramesAllocated uint64         `json:"frames_allocated" yaml:"frames_allocated"`
	Writes          []sim.MSRWrite `json:"msr_writes" yaml:"msr_writes"`
	Regions         []RegionReport `json:"regions" yaml:"regions"`
	Transition      sim.Transition `json:"transition" yaml:"transition"`
	EntryBytes      string         `json:"entry_bytes" yaml:"entry_bytes"`
}

// Simulate boots on a fresh simulated machine with conf.MemorySize bytes of
// memory described by records, and returns what the kernel did. A nil image
// selects kernel.DefaultImage.
//
// The syscall configuration is process wide, so calls must not overlap.
func Simulate(conf *config.Config, records []e820.Record, image []byte) (*BootReport, error) {
	size := uint64(conf.MemorySize)
	mem, err := sim.NewMemory(size)
	if err != nil {
		return nil, err
	}
	defer mem.Release()

	if len(records) > e820.MaxRecords {
		log.Warningf("Memory map has %d records, truncating to %d", len(records), e820.MaxRecords)
		records = records[:e820.MaxRecords]
	}
	if _, err := mem.WriteAt(e820.Encode(records), e820Addr); err != nil {
		return nil, fmt.Errorf("writing memory map: %w", err)
	}

	// Frames the map reports beyond simulated memory are never used.
	beyond := e820.Range{Start: size >> hostarch.PageShift, End: ^uint64(0)}

	m := sim.NewMachine(sim.MachineOpts{Flags: ring0.RFLAGSReserved})
	k, err := kernel.Setup(kernel.BootOpts{
		Machine:           m,
		Physical:          mem,
		MemoryMapAddr:     e820Addr,
		MemoryMapCount:    uint32(len(records)),
		Reserved:          []e820.Range{beyond},
		ReservedLowFrames: conf.ReserveLowFrames,
		UserBase:          hostarch.Addr(conf.UserBase),
		UserLimit:         hostarch.Addr(conf.UserLimit),
		Syscalls:          ring0.SyscallOpts{FlagsMask: uint64(conf.SyscallFlagsMask)},
		StackPages:        conf.UserStackPages,
		CodePages:         conf.UserCodePages,
		Image:             image,
	})
	if err != nil {
		return nil, err
	}
	tr, err := m.Run(k.Run)
	if err != nil {
		return nil, err
	}

	report := &BootReport{
		Frames:          k.Inventory.NumPhysPages(),
		FramesAllocated: k.Frames.Allocated(),
		Writes:          m.Writes(),
		Transition:      tr,
	}
	for _, h := range k.Launcher.Owned() {
		ar := k.Memory.Region(h)
		_, flags, _ := k.Memory.Translate(ar.Start)
		report.Regions = append(report.Regions, RegionReport{
			Handle: h.String(),
			Start:  uint64(ar.Start),
			End:    uint64(ar.End),
			Flags:  flags.String(),
		})
	}
	if image == nil {
		image = kernel.DefaultImage()
	}
	entry := make([]byte, min(len(image), 16))
	if err := k.Memory.CopyIn(hostarch.Addr(tr.RIP), entry); err != nil {
		return nil, fmt.Errorf("reading user code at %#x: %w", tr.RIP, err)
	}
	report.EntryBytes = hex.EncodeToString(entry)
	return report, nil
}

func (b *Boot) write(w io.Writer, report *BootReport) error {
	if b.output == "table" {
		return outputBootTable(w, report)
	}
	out, ok := outputs[b.output]
	if !ok {
		return fmt.Errorf("unsupported output format %q", b.output)
	}
	return out(w, report)
}

func outputBootTable(w io.Writer, report *BootReport) error {
	fmt.Fprintf(w, "physical memory: %d frames, %d allocated\n\n", report.Frames, report.FramesAllocated)
	for _, wr := range report.Writes {
		fmt.Fprintln(w, wr)
	}
	fmt.Fprintln(w)
	for _, r := range report.Regions {
		fmt.Fprintf(w, "%v [%#x, %#x) %s\n", r.Handle, r.Start, r.End, r.Flags)
	}
	fmt.Fprintf(w, "\n%v\nentry: %s\n", report.Transition, report.EntryBytes)
	return nil
}
