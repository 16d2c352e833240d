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

// Package riscv describes the parts of the RISC-V Sv39 supervisor
// architecture the kernel depends on: page geometry, page table entries,
// trap causes, status bits and the trapframe layout.
package riscv

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page and of a physical frame.
	PageSize = 1 << PageShift

	// MaxVA is one beyond the highest possible virtual address. It is one
	// bit less than the max allowed by Sv39, to avoid having to
	// sign-extend virtual addresses that have the high bit set.
	MaxVA Addr = 1 << (9 + 9 + 9 + 12 - 1)

	// Trampoline is mapped at the highest page in both user and kernel
	// space and holds the user/kernel transition code.
	Trampoline Addr = MaxVA - PageSize

	// TrapframeVA is the user virtual address of a process's trapframe,
	// just below the trampoline.
	TrapframeVA Addr = Trampoline - PageSize

	// KernBase is the physical address where RAM starts.
	KernBase PhysAddr = 0x80000000

	// UserVecOffset is the offset of uservec within the trampoline page.
	UserVecOffset = 0x0

	// UserRetOffset is the offset of userret within the trampoline page.
	UserRetOffset = 0x90
)

// IRQ lines routed through the PLIC.
const (
	// Virtio0IRQ is the virtio disk interrupt line.
	Virtio0IRQ = 1

	// UART0IRQ is the console interrupt line.
	UART0IRQ = 10
)

// KStack returns the kernel virtual address of the kernel stack for process
// slot i. Each stack is followed by an unmapped guard page.
func KStack(i int) Addr {
	return Trampoline - Addr(i+1)*2*PageSize
}

// Addr is a virtual address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("riscv.Addr(%#x).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PX extracts the 9-bit page table index for the given level from v.
func (v Addr) PX(level int) int {
	return int((v >> (PageShift + 9*uint(level))) & 0x1ff)
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// PhysAddr is a physical address.
type PhysAddr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary.
func (p PhysAddr) RoundUp() PhysAddr {
	return (p + PageSize - 1).RoundDown()
}

// IsPageAligned returns true if p is a multiple of PageSize.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// SATPSv39 selects Sv39 translation in the satp MODE field.
const SATPSv39 = uint64(8) << 60

// MakeSATP returns the satp value that installs the page table rooted at
// root.
func MakeSATP(root PhysAddr) uint64 {
	return SATPSv39 | uint64(root)>>PageShift
}

// SATPRoot returns the page table root installed by satp.
func SATPRoot(satp uint64) PhysAddr {
	return PhysAddr((satp &^ SATPSv39) << PageShift)
}

// Supervisor status register bits.
const (
	// SStatusSIE is the supervisor interrupt enable bit.
	SStatusSIE uint64 = 1 << 1

	// SStatusSPIE is the previous interrupt enable bit, restored into SIE
	// by sret.
	SStatusSPIE uint64 = 1 << 5

	// SStatusSPP is the previous privilege bit: 1 if the trap came from
	// supervisor mode, 0 if from user mode.
	SStatusSPP uint64 = 1 << 8
)

// SIPSSIP is the supervisor software interrupt pending bit in sip. The
// machine-mode timer handler forwards each tick by raising it.
const SIPSSIP uint64 = 1 << 1

// EcallSize is the width of the ecall instruction.
const EcallSize = 4
