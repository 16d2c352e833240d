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

package riscv

import (
	"fmt"
	"strings"
)

// PTEFlags is a set of page table entry flags.
//
// Bits 0-7 are defined by the hardware. Bits 8-9 (RSW) are reserved for
// supervisor software; the kernel allocates bit 8 as the copy-on-write
// marker. No other software bits are in use.
type PTEFlags uint64

// Hardware-defined flags.
const (
	PTEValid PTEFlags = 1 << iota
	PTERead
	PTEWrite
	PTEExec
	PTEUser
	PTEGlobal
	PTEAccessed
	PTEDirty
)

// Software-defined flags, allocated from the RSW field.
const (
	// PTECOW marks a read-only mapping of a frame that is shared
	// copy-on-write. It may only be set while PTEWrite is clear.
	PTECOW PTEFlags = 1 << 8
)

const (
	// HardwareFlags covers every flag the MMU interprets.
	HardwareFlags PTEFlags = 0xff

	// SoftwareFlags covers the RSW field reserved for software.
	SoftwareFlags PTEFlags = 0x300

	// flagMask covers all flag bits of a PTE.
	flagMask = HardwareFlags | SoftwareFlags
)

func init() {
	if PTECOW&HardwareFlags != 0 || PTECOW&^SoftwareFlags != 0 {
		panic(fmt.Sprintf("PTECOW %#x aliases a hardware flag", uint64(PTECOW)))
	}
}

var flagNames = []struct {
	flag PTEFlags
	name string
}{
	{PTEValid, "V"},
	{PTERead, "R"},
	{PTEWrite, "W"},
	{PTEExec, "X"},
	{PTEUser, "U"},
	{PTEGlobal, "G"},
	{PTEAccessed, "A"},
	{PTEDirty, "D"},
	{PTECOW, "COW"},
}

// String implements fmt.Stringer.String.
func (f PTEFlags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// Has returns true if every flag in want is set in f.
func (f PTEFlags) Has(want PTEFlags) bool {
	return f&want == want
}

// PTE is a leaf or interior Sv39 page table entry.
type PTE uint64

// MakePTE returns a PTE mapping pa with flags.
func MakePTE(pa PhysAddr, flags PTEFlags) PTE {
	return PTE((uint64(pa)>>PageShift)<<10) | PTE(flags&flagMask)
}

// PhysAddr returns the physical address the entry points at.
func (p PTE) PhysAddr() PhysAddr {
	return PhysAddr((uint64(p) >> 10) << PageShift)
}

// Flags returns the entry's flags.
func (p PTE) Flags() PTEFlags {
	return PTEFlags(p) & flagMask
}

// Valid returns true if the entry is valid.
func (p PTE) Valid() bool {
	return p.Flags()&PTEValid != 0
}

// Leaf returns true if the entry maps a page rather than pointing at the
// next level table.
func (p PTE) Leaf() bool {
	return p.Flags()&(PTERead|PTEWrite|PTEExec) != 0
}

// Writable returns true if stores through the entry are permitted.
func (p PTE) Writable() bool {
	return p.Flags()&PTEWrite != 0
}

// COW returns true if the entry is marked copy-on-write.
func (p PTE) COW() bool {
	return p.Flags()&PTECOW != 0
}

// WithFlags returns p with its flags replaced.
func (p PTE) WithFlags(flags PTEFlags) PTE {
	return MakePTE(p.PhysAddr(), flags)
}

// ShareCOW returns p with write permission removed and the COW marker set,
// if p was writable. Read-only entries are returned unchanged: they never
// need a private copy.
func (p PTE) ShareCOW() PTE {
	if !p.Writable() {
		return p
	}
	return p.WithFlags((p.Flags() &^ PTEWrite) | PTECOW)
}

// BreakCOW returns p made writable with the COW marker cleared, keeping all
// other flags.
func (p PTE) BreakCOW() PTE {
	return p.WithFlags((p.Flags() | PTEWrite) &^ PTECOW)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	return fmt.Sprintf("pte{pa=%v %v}", p.PhysAddr(), p.Flags())
}
