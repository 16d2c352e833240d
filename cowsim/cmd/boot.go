// Copyright 2026 The gVisor Authors.
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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"gvisor.dev/cowkernel/pkg/log"
	"gvisor.dev/cowkernel/pkg/machine"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	output  string
	timeout time.Duration
	input   string
}

// bootReport is what boot prints after the machine halts.
type bootReport struct {
	Exits []machine.Exit `json:"exits"`
	Stats machine.Stats  `json:"stats"`
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "Boot a machine and run init until it exits."
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [options] - Boot a machine and run the fork-and-write workload as init.

The process exits with init's exit status.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.output, "o", "table", "Report format (table, json).")
	f.DurationVar(&b.timeout, "timeout", time.Minute, "Halt the machine after this long. 0 means no limit.")
	f.StringVar(&b.input, "input", "", "Console input delivered through the UART after boot.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFromArgs(args)
	var write func(io.Writer, bootReport) error
	switch b.output {
	case "table":
		write = writeBootTable
	case "json":
		write = writeBootJSON
	default:
		Fatalf("Unsupported output format %q", b.output)
	}

	m, err := machine.New(conf)
	if err != nil {
		Fatalf("creating machine: %v", err)
	}
	defer m.Close()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if b.input != "" {
		m.Input([]byte(b.input))
	}
	start := time.Now()
	runErr := m.Run(ctx)
	log.Infof("machine halted after %v: %v", time.Since(start), runErr)

	report := bootReport{Exits: m.Exits(), Stats: m.Stats()}
	if err := write(os.Stdout, report); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	if runErr != nil {
		log.Warningf("boot: %v", runErr)
		return subcommands.ExitFailure
	}
	if len(args) > 1 {
		if status, ok := args[1].(*int); ok {
			for _, e := range report.Exits {
				if e.PID == 1 {
					*status = e.Status & 0xff
				}
			}
		}
	}
	return subcommands.ExitSuccess
}

func writeBootTable(w io.Writer, r bootReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\n", "PID", "NAME", "STATUS"); err != nil {
		return err
	}
	for _, e := range r.Exits {
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%d\n", e.PID, e.Name, e.Status); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := r.Stats
	rows := []struct {
		name  string
		value any
	}{
		{"ticks", s.Ticks},
		{"frames", s.Memory.Frames},
		{"frames free", s.Memory.Free},
		{"frames leaked", s.Leaked},
		{"allocations", s.Memory.Allocs},
		{"allocation failures", s.Memory.Exhausted},
		{"cow promotions", s.COW.Promotions},
		{"cow copies", s.COW.Copies},
		{"cow rejections", s.COW.Rejections},
		{"syscalls", s.Traps.Syscalls},
		{"device interrupts", s.Traps.DeviceIntrs},
		{"timer interrupts", s.Traps.TimerIntrs},
		{"page faults", s.Traps.PageFaults},
		{"kills", s.Traps.Kills},
		{"kernel traps", s.Traps.KernelTraps},
		{"uart interrupts", s.UARTInterrupts},
		{"disk interrupts", s.DiskInterrupts},
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%v\n", row.name, row.value); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func writeBootJSON(w io.Writer, r bootReport) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(r)
}
