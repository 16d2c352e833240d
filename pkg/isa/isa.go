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

// Package isa defines the small instruction set simulated harts execute in
// user mode.
//
// Programs address registers by name and branch to instruction indices. The
// program counter of instruction i is i*4, so an ecall leaves sepc pointing
// at itself exactly as on real hardware.
package isa

import (
	"fmt"

	"gvisor.dev/cowkernel/pkg/riscv"
)

// Reg names a user register.
type Reg int

// User registers.
const (
	Zero Reg = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	numRegs
)

var regNames = [...]string{"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2", "s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7"}

// String implements fmt.Stringer.String.
func (r Reg) String() string {
	if r >= 0 && r < numRegs {
		return regNames[r]
	}
	return fmt.Sprintf("x?%d", int(r))
}

// Ptr returns the location of r in tf, or nil for the zero register.
func (r Reg) Ptr(tf *riscv.Trapframe) *uint64 {
	switch r {
	case RA:
		return &tf.RA
	case SP:
		return &tf.SP
	case GP:
		return &tf.GP
	case TP:
		return &tf.TP
	case T0:
		return &tf.T0
	case T1:
		return &tf.T1
	case T2:
		return &tf.T2
	case S0:
		return &tf.S0
	case S1:
		return &tf.S1
	case A0:
		return &tf.A0
	case A1:
		return &tf.A1
	case A2:
		return &tf.A2
	case A3:
		return &tf.A3
	case A4:
		return &tf.A4
	case A5:
		return &tf.A5
	case A6:
		return &tf.A6
	case A7:
		return &tf.A7
	default:
		return nil
	}
}

// Op is an operation.
type Op int

// Operations.
const (
	// OpIllegal traps with an illegal instruction exception.
	OpIllegal Op = iota
	// OpLi sets Rd to Imm.
	OpLi
	// OpAddi adds Imm to Rd.
	OpAddi
	// OpSb stores the low byte of Rs at address Rd+Imm.
	OpSb
	// OpLb loads the byte at address Rs+Imm into Rd.
	OpLb
	// OpEcall makes a system call.
	OpEcall
	// OpBeqz branches to Target if Rs is zero.
	OpBeqz
	// OpBnez branches to Target if Rs is not zero.
	OpBnez
	// OpBltz branches to Target if Rs is negative.
	OpBltz
	// OpJ jumps to Target.
	OpJ
	// OpMv copies Rs to Rd.
	OpMv
)

var opNames = map[Op]string{
	OpIllegal: "illegal",
	OpLi:      "li",
	OpAddi:    "addi",
	OpSb:      "sb",
	OpLb:      "lb",
	OpEcall:   "ecall",
	OpBeqz:    "beqz",
	OpBnez:    "bnez",
	OpBltz:    "bltz",
	OpJ:       "j",
	OpMv:      "mv",
}

// String implements fmt.Stringer.String.
func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Instr is one instruction.
type Instr struct {
	Op     Op
	Rd     Reg
	Rs     Reg
	Imm    int64
	Target int
}

// String implements fmt.Stringer.String.
func (i Instr) String() string {
	switch i.Op {
	case OpLi, OpAddi:
		return fmt.Sprintf("%v %v, %d", i.Op, i.Rd, i.Imm)
	case OpSb:
		return fmt.Sprintf("sb %v, %d(%v)", i.Rs, i.Imm, i.Rd)
	case OpLb:
		return fmt.Sprintf("lb %v, %d(%v)", i.Rd, i.Imm, i.Rs)
	case OpBeqz, OpBnez, OpBltz:
		return fmt.Sprintf("%v %v, %d", i.Op, i.Rs, i.Target)
	case OpJ:
		return fmt.Sprintf("j %d", i.Target)
	case OpMv:
		return fmt.Sprintf("mv %v, %v", i.Rd, i.Rs)
	default:
		return i.Op.String()
	}
}

// InstrSize is the size of every instruction.
const InstrSize = 4

// Program is a user program.
type Program []Instr

// At returns the instruction at pc.
func (p Program) At(pc uint64) (Instr, bool) {
	if pc%InstrSize != 0 || pc/InstrSize >= uint64(len(p)) {
		return Instr{}, false
	}
	return p[pc/InstrSize], true
}

// Li returns li rd, imm.
func Li(rd Reg, imm int64) Instr { return Instr{Op: OpLi, Rd: rd, Imm: imm} }

// Addi returns addi rd, rd, imm.
func Addi(rd Reg, imm int64) Instr { return Instr{Op: OpAddi, Rd: rd, Imm: imm} }

// Sb returns sb rs, imm(base).
func Sb(rs Reg, imm int64, base Reg) Instr { return Instr{Op: OpSb, Rd: base, Rs: rs, Imm: imm} }

// Lb returns lb rd, imm(base).
func Lb(rd Reg, imm int64, base Reg) Instr { return Instr{Op: OpLb, Rd: rd, Rs: base, Imm: imm} }

// Ecall returns ecall.
func Ecall() Instr { return Instr{Op: OpEcall} }

// Beqz returns beqz rs, target.
func Beqz(rs Reg, target int) Instr { return Instr{Op: OpBeqz, Rs: rs, Target: target} }

// Bnez returns bnez rs, target.
func Bnez(rs Reg, target int) Instr { return Instr{Op: OpBnez, Rs: rs, Target: target} }

// Bltz returns bltz rs, target.
func Bltz(rs Reg, target int) Instr { return Instr{Op: OpBltz, Rs: rs, Target: target} }

// J returns j target.
func J(target int) Instr { return Instr{Op: OpJ, Target: target} }

// Mv returns mv rd, rs.
func Mv(rd, rs Reg) Instr { return Instr{Op: OpMv, Rd: rd, Rs: rs} }

// Illegal returns an illegal instruction.
func Illegal() Instr { return Instr{Op: OpIllegal} }

// Syscall returns the sequence that loads num into a7, args into a0...,
// and makes the call.
func Syscall(num int64, args ...int64) []Instr {
	var is []Instr
	for i, a := range args {
		is = append(is, Li(A0+Reg(i), a))
	}
	return append(is, Li(A7, num), Ecall())
}
