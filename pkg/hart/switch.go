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

package hart

import (
	"errors"

	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/isa"
	"gvisor.dev/cowkernel/pkg/mm"
	"gvisor.dev/cowkernel/pkg/riscv"
)

// Memory is user memory as the hart's load/store unit sees it.
type Memory interface {
	Load(va riscv.Addr, dst []byte) error
	Store(va riscv.Addr, data []byte) error
}

// Switch runs prog in user mode until it traps, then returns with the
// hart in supervisor mode and the trap recorded in scause, sepc and stval.
// User registers live in tf; mem is the user address space.
//
// Interrupts are taken between instructions. If maxSteps > 0 and that many
// instructions retire without a trap, Switch returns false with the hart
// still in user mode; the caller may call Switch again.
func (h *Hart) Switch(tf *riscv.Trapframe, mem Memory, prog isa.Program, maxSteps int) bool {
	if h.mode != User {
		abort.Panicf("hart", "hart %d: switch in %v mode", h.id, h.mode)
	}
	for step := 0; ; step++ {
		if cause, ok := h.pending(); ok {
			h.trap(cause, 0, h.pc)
			return true
		}
		if maxSteps > 0 && step >= maxSteps {
			return false
		}
		in, ok := prog.At(h.pc)
		if !ok {
			h.trap(riscv.CauseInstructionPageFault, h.pc, h.pc)
			return true
		}
		next := h.pc + isa.InstrSize
		switch in.Op {
		case isa.OpLi:
			setReg(tf, in.Rd, uint64(in.Imm))
		case isa.OpAddi:
			setReg(tf, in.Rd, getReg(tf, in.Rd)+uint64(in.Imm))
		case isa.OpMv:
			setReg(tf, in.Rd, getReg(tf, in.Rs))
		case isa.OpSb:
			va := riscv.Addr(getReg(tf, in.Rd) + uint64(in.Imm))
			if err := mem.Store(va, []byte{byte(getReg(tf, in.Rs))}); err != nil {
				h.fault(err, riscv.CauseStorePageFault, va)
				return true
			}
		case isa.OpLb:
			va := riscv.Addr(getReg(tf, in.Rs) + uint64(in.Imm))
			var b [1]byte
			if err := mem.Load(va, b[:]); err != nil {
				h.fault(err, riscv.CauseLoadPageFault, va)
				return true
			}
			setReg(tf, in.Rd, uint64(int64(int8(b[0]))))
		case isa.OpEcall:
			h.trap(riscv.CauseUserEcall, 0, h.pc)
			return true
		case isa.OpBeqz:
			if getReg(tf, in.Rs) == 0 {
				next = uint64(in.Target) * isa.InstrSize
			}
		case isa.OpBnez:
			if getReg(tf, in.Rs) != 0 {
				next = uint64(in.Target) * isa.InstrSize
			}
		case isa.OpBltz:
			if int64(getReg(tf, in.Rs)) < 0 {
				next = uint64(in.Target) * isa.InstrSize
			}
		case isa.OpJ:
			next = uint64(in.Target) * isa.InstrSize
		default:
			h.trap(riscv.CauseIllegalInstruction, 0, h.pc)
			return true
		}
		h.pc = next
	}
}

// fault records a memory access fault. Faults reported by the address
// space carry their own cause; anything else is an access fault of kind.
func (h *Hart) fault(err error, kind riscv.Cause, va riscv.Addr) {
	var fe *mm.FaultError
	if errors.As(err, &fe) {
		h.trap(fe.Cause, uint64(fe.Addr), h.pc)
		return
	}
	h.trap(kind, uint64(va), h.pc)
}

func getReg(tf *riscv.Trapframe, r isa.Reg) uint64 {
	if p := r.Ptr(tf); p != nil {
		return *p
	}
	return 0
}

func setReg(tf *riscv.Trapframe, r isa.Reg, v uint64) {
	if p := r.Ptr(tf); p != nil {
		*p = v
	}
}
