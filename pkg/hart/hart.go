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

// Package hart simulates RISC-V harts: supervisor CSRs, interrupt delivery,
// and user-mode execution of isa programs.
//
// A Hart's CSRs are owned by whichever goroutine currently runs on the hart:
// its scheduler loop or the kernel thread the loop switched to. Pending
// interrupts may be raised from any goroutine.
package hart

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/riscv"
)

// Mode is a privilege mode.
type Mode int

// Privilege modes.
const (
	Supervisor Mode = iota
	User
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case Supervisor:
		return "supervisor"
	case User:
		return "user"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// kernelPC is the sepc recorded for interrupts taken by an idle hart.
const kernelPC = 0x80003000

// Hart is a simulated hart. It implements trap.CPU.
type Hart struct {
	id   int
	plic *PLIC

	mode    Mode
	sstatus uint64
	sepc    uint64
	scause  riscv.Cause
	stval   uint64
	stvec   uint64
	satp    uint64

	// kernelSATP is the kernel page table, installed on every trap.
	kernelSATP uint64

	// pc is the user program counter while in user mode.
	pc uint64

	// sip holds pending software interrupts.
	sip atomic.Uint64
}

// New returns hart id in supervisor mode with interrupts off, using
// kernelSATP as the kernel page table.
func New(id int, kernelSATP uint64, plic *PLIC) *Hart {
	return &Hart{
		id:         id,
		plic:       plic,
		mode:       Supervisor,
		satp:       kernelSATP,
		kernelSATP: kernelSATP,
	}
}

// ID implements trap.CPU.ID.
func (h *Hart) ID() int { return h.id }

// Mode returns the current privilege mode.
func (h *Hart) Mode() Mode { return h.mode }

// SStatus implements trap.CPU.SStatus.
func (h *Hart) SStatus() uint64 { return h.sstatus }

// SetSStatus implements trap.CPU.SetSStatus.
func (h *Hart) SetSStatus(v uint64) { h.sstatus = v }

// SEPC implements trap.CPU.SEPC.
func (h *Hart) SEPC() uint64 { return h.sepc }

// SetSEPC implements trap.CPU.SetSEPC.
func (h *Hart) SetSEPC(v uint64) { h.sepc = v }

// SCause implements trap.CPU.SCause.
func (h *Hart) SCause() riscv.Cause { return h.scause }

// STVal implements trap.CPU.STVal.
func (h *Hart) STVal() uint64 { return h.stval }

// STVec returns the trap vector.
func (h *Hart) STVec() uint64 { return h.stvec }

// SetSTVec implements trap.CPU.SetSTVec.
func (h *Hart) SetSTVec(v uint64) { h.stvec = v }

// SATP implements trap.CPU.SATP. It returns the kernel page table.
func (h *Hart) SATP() uint64 { return h.kernelSATP }

// ActiveSATP returns the page table the hart is translating with.
func (h *Hart) ActiveSATP() uint64 { return h.satp }

// IntrOn implements trap.CPU.IntrOn.
func (h *Hart) IntrOn() { h.sstatus |= riscv.SStatusSIE }

// IntrOff implements trap.CPU.IntrOff.
func (h *Hart) IntrOff() { h.sstatus &^= riscv.SStatusSIE }

// IntrEnabled implements trap.CPU.IntrEnabled.
func (h *Hart) IntrEnabled() bool { return h.sstatus&riscv.SStatusSIE != 0 }

// RaiseSoftware posts a supervisor software interrupt, as the machine-mode
// timer handler does to forward a tick. It is safe to call from any
// goroutine.
func (h *Hart) RaiseSoftware() {
	for {
		old := h.sip.Load()
		if h.sip.CompareAndSwap(old, old|riscv.SIPSSIP) {
			return
		}
	}
}

// ClearSSIP implements trap.CPU.ClearSSIP.
func (h *Hart) ClearSSIP() {
	for {
		old := h.sip.Load()
		if h.sip.CompareAndSwap(old, old&^riscv.SIPSSIP) {
			return
		}
	}
}

// SIP returns the pending software interrupt bits.
func (h *Hart) SIP() uint64 { return h.sip.Load() }

// pending returns the highest priority pending interrupt.
func (h *Hart) pending() (riscv.Cause, bool) {
	if h.plic != nil && h.plic.Pending() {
		return riscv.CauseSupervisorExternal, true
	}
	if h.sip.Load()&riscv.SIPSSIP != 0 {
		return riscv.CauseSupervisorSoftware, true
	}
	return 0, false
}

// trap enters supervisor mode as the hardware does when taking cause with
// the given stval at pc.
func (h *Hart) trap(cause riscv.Cause, stval, pc uint64) {
	x := h.sstatus &^ (riscv.SStatusSPP | riscv.SStatusSPIE)
	if h.mode == Supervisor {
		x |= riscv.SStatusSPP
	}
	if h.sstatus&riscv.SStatusSIE != 0 {
		x |= riscv.SStatusSPIE
	}
	h.sstatus = x &^ riscv.SStatusSIE
	h.scause = cause
	h.stval = stval
	h.sepc = pc
	h.mode = Supervisor
	h.satp = h.kernelSATP
}

// sret returns from a trap to the mode in SPP with SIE restored from SPIE.
func (h *Hart) sret() {
	x := h.sstatus
	if x&riscv.SStatusSPP != 0 {
		h.mode = Supervisor
	} else {
		h.mode = User
	}
	x &^= riscv.SStatusSIE | riscv.SStatusSPP
	if x&riscv.SStatusSPIE != 0 {
		x |= riscv.SStatusSIE
	}
	h.sstatus = x | riscv.SStatusSPIE
}

// ReturnToUser implements trap.CPU.ReturnToUser: it installs the user page
// table and executes sret.
func (h *Hart) ReturnToUser(satp uint64) {
	if h.sstatus&riscv.SStatusSPP != 0 {
		abort.Panicf("hart", "hart %d: return to user with SPP set", h.id)
	}
	if want := uint64(riscv.Trampoline) + riscv.UserVecOffset; h.stvec != want {
		abort.Panicf("hart", "hart %d: return to user with stvec %#x", h.id, h.stvec)
	}
	h.satp = satp
	h.pc = h.sepc
	h.sret()
}

// ServiceInterrupts takes every interrupt pending on an idle hart, calling
// handle for each as kernelvec calls kerneltrap. Interrupts are only taken
// if enabled.
func (h *Hart) ServiceInterrupts(handle func(h *Hart)) int {
	if h.mode != Supervisor {
		abort.Panicf("hart", "hart %d: idle in %v mode", h.id, h.mode)
	}
	n := 0
	for h.IntrEnabled() {
		cause, ok := h.pending()
		if !ok {
			break
		}
		h.trap(cause, 0, kernelPC)
		handle(h)
		h.sret()
		n++
	}
	return n
}
