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
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"capkernel.dev/capkernel/capsim/config"
	"capkernel.dev/capkernel/pkg/e820"
	"github.com/google/subcommands"
)

// E820 implements subcommands.Command for the "e820" command.
type E820 struct {
	output string
	file   string
}

// E820Report is the output of the e820 command.
type E820Report struct {
	Records []e820.Record `json:"records" yaml:"records"`
	Usable  []e820.Range  `json:"usable" yaml:"usable"`
	Frames  uint64        `json:"frames" yaml:"frames"`
}

// NewE820Report reconciles records into a report.
func NewE820Report(records []e820.Record) *E820Report {
	inv := e820.Reconcile(records)
	return &E820Report{
		Records: records,
		Usable:  inv.Ranges(),
		Frames:  inv.NumPhysPages(),
	}
}

// Name implements subcommands.Command.Name.
func (*E820) Name() string {
	return "e820"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*E820) Synopsis() string {
	return "Decode a firmware memory map and print the usable frames."
}

// Usage implements subcommands.Command.Usage.
func (*E820) Usage() string {
	return `e820 [options] - Decode a firmware memory map and print the usable frames.

Without -file, the map a PC firmware reports for --memory-size bytes is used.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *E820) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.output, "o", "table", "Output format (table, json, yaml).")
	f.StringVar(&e.file, "file", "", "Raw memory map dump: packed 24-byte records.")
}

// Execute implements subcommands.Command.Execute.
func (e *E820) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	records, err := loadMemoryMap(e.file, uint64(conf.MemorySize))
	if err != nil {
		Fatalf("loading memory map: %v", err)
	}
	if err := e.write(os.Stdout, NewE820Report(records)); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func (e *E820) write(w io.Writer, report *E820Report) error {
	if e.output == "table" {
		return outputE820Table(w, report)
	}
	out, ok := outputs[e.output]
	if !ok {
		return fmt.Errorf("unsupported output format %q", e.output)
	}
	return out(w, report)
}

func outputE820Table(w io.Writer, report *E820Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "BASE\tEND\tTYPE\n")
	for _, r := range report.Records {
		fmt.Fprintf(tw, "%#x\t%#x\t%v\n", r.Base, r.End(), r.Type)
	}
	fmt.Fprint(tw, "\nFIRST FRAME\tLAST FRAME\tFRAMES\n")
	for _, r := range report.Usable {
		fmt.Fprintf(tw, "%#x\t%#x\t%d\n", r.Start, r.End, r.Frames())
	}
	fmt.Fprintf(tw, "\ntotal\t\t%d\n", report.Frames)
	return tw.Flush()
}
