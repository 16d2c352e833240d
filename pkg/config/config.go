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

// Package config holds the settings of a simulated machine: its geometry,
// scheduling and logging parameters, and the workload booted on it.
//
// A Config is built from command line flags with NewFromFlags and may be
// overlaid with a TOML file with Load. Every field carrying a "flag" tag is
// also settable from the command line; the flag and TOML names match.
package config

import (
	"flag"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"gvisor.dev/cowkernel/pkg/log"
)

// MaxHarts is the largest number of harts a machine may have.
const MaxHarts = 8

// Config is the configuration of one machine.
type Config struct {
	// Harts is the number of harts.
	Harts int `flag:"harts" toml:"harts"`

	// MemoryPages is the size of physical memory in pages, including the
	// reserved kernel image frame.
	MemoryPages int `flag:"memory-pages" toml:"memory_pages"`

	// NProc is the number of process slots.
	NProc int `flag:"nproc" toml:"nproc"`

	// TickInterval is the period of the timer interrupt.
	TickInterval time.Duration `flag:"tick-interval" toml:"tick_interval"`

	// Timekeeper is the hart whose timer interrupts advance the tick count.
	Timekeeper int `flag:"timekeeper" toml:"timekeeper"`

	// DiagnosticInterval rate limits diagnostics for unexpected traps. Zero
	// disables rate limiting.
	DiagnosticInterval time.Duration `flag:"diagnostic-interval" toml:"diagnostic_interval"`

	// LogLevel is one of debug, info or warning.
	LogLevel string `flag:"log-level" toml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// MaxSteps is the number of user instructions a hart runs before
	// returning to the kernel without a trap.
	MaxSteps int `flag:"max-steps" toml:"max_steps"`

	// Workload describes the program init runs.
	Workload Workload `toml:"workload"`
}

// Workload configures the fork-and-write program booted as init.
type Workload struct {
	// Children is the number of children init forks.
	Children int `flag:"children" toml:"children"`

	// Pages is the number of heap pages init allocates and each child
	// writes after fork.
	Pages int `flag:"pages" toml:"pages"`

	// SleepTicks is how long each child sleeps before writing.
	SleepTicks int `flag:"sleep-ticks" toml:"sleep_ticks"`

	// Faulter adds a child that stores to its stack guard page and is
	// killed for it.
	Faulter bool `flag:"faulter" toml:"faulter"`

	// SpawnRetry bounds how long boot retries creating init while memory
	// is exhausted.
	SpawnRetry time.Duration `flag:"spawn-retry" toml:"spawn_retry"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Harts:              3,
		MemoryPages:        1024,
		NProc:              64,
		TickInterval:       10 * time.Millisecond,
		DiagnosticInterval: time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
		MaxSteps:           10000,
		Workload: Workload{
			Children:   4,
			Pages:      8,
			SleepTicks: 2,
			SpawnRetry: time.Second,
		},
	}
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(fs *flag.FlagSet) {
	d := Default()

	// Machine geometry.
	fs.Int("harts", d.Harts, "number of harts.")
	fs.Int("memory-pages", d.MemoryPages, "size of physical memory in 4096-byte pages.")
	fs.Int("nproc", d.NProc, "number of process slots.")
	fs.Int("max-steps", d.MaxSteps, "user instructions run per return to user space.")

	// Timer.
	fs.Duration("tick-interval", d.TickInterval, "timer interrupt period.")
	fs.Int("timekeeper", d.Timekeeper, "hart whose timer interrupts advance ticks.")

	// Logging.
	fs.String("log-level", d.LogLevel, "log level: debug, info or warning.")
	fs.String("log-format", d.LogFormat, "log format: text (default) or json.")
	fs.Duration("diagnostic-interval", d.DiagnosticInterval, "minimum interval between unexpected trap diagnostics; 0 logs every one.")

	// Workload.
	fs.Int("children", d.Workload.Children, "number of children init forks.")
	fs.Int("pages", d.Workload.Pages, "heap pages shared with and written by each child.")
	fs.Int("sleep-ticks", d.Workload.SleepTicks, "ticks each child sleeps before writing.")
	fs.Bool("faulter", d.Workload.Faulter, "also fork a child that stores to its guard page.")
	fs.Duration("spawn-retry", d.Workload.SpawnRetry, "how long to retry creating init while memory is exhausted.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	conf := Default()
	if err := fromFlags(fs, reflect.ValueOf(conf).Elem()); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func fromFlags(fs *flag.FlagSet, obj reflect.Value) error {
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if f.Type.Kind() == reflect.Struct {
			if err := fromFlags(fs, obj.Field(i)); err != nil {
				return err
			}
			continue
		}
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := fs.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q has no value getter", name)
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}
	return nil
}

// Load overlays the TOML file at path on c. Keys absent from the file keep
// their current values.
func (c *Config) Load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	return c.Validate()
}

// WriteTOML writes c to w as TOML.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Validate checks that the configuration describes a machine that can boot.
func (c *Config) Validate() error {
	switch {
	case c.Harts < 1 || c.Harts > MaxHarts:
		return fmt.Errorf("harts must be in [1, %d], got %d", MaxHarts, c.Harts)
	case c.MemoryPages < 16:
		return fmt.Errorf("memory-pages must be at least 16, got %d", c.MemoryPages)
	case c.NProc < 2:
		return fmt.Errorf("nproc must be at least 2, got %d", c.NProc)
	case c.TickInterval <= 0:
		return fmt.Errorf("tick-interval must be positive, got %v", c.TickInterval)
	case c.Timekeeper < 0 || c.Timekeeper >= c.Harts:
		return fmt.Errorf("timekeeper %d is not a hart of %d", c.Timekeeper, c.Harts)
	case c.DiagnosticInterval < 0:
		return fmt.Errorf("diagnostic-interval must not be negative, got %v", c.DiagnosticInterval)
	case c.MaxSteps < 1:
		return fmt.Errorf("max-steps must be positive, got %d", c.MaxSteps)
	case c.Workload.Children < 0 || c.Workload.Children >= c.NProc:
		return fmt.Errorf("children must be in [0, %d), got %d", c.NProc, c.Workload.Children)
	case c.Workload.Pages < 1 || c.Workload.Pages > 127:
		return fmt.Errorf("pages must be in [1, 127], got %d", c.Workload.Pages)
	case c.Workload.SleepTicks < 0:
		return fmt.Errorf("sleep-ticks must not be negative, got %d", c.Workload.SleepTicks)
	case c.Workload.SpawnRetry < 0:
		return fmt.Errorf("spawn-retry must not be negative, got %v", c.Workload.SpawnRetry)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}
