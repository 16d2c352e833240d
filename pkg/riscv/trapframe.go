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

// Trapframe holds a process's user registers while it is in the kernel, plus
// the values uservec needs to get back into the kernel. It sits in a page of
// its own, mapped at TrapframeVA in the user page table and not in the
// kernel page table.
//
// The field order is consumed by the transition code in the trampoline at
// the offsets given by the Trapframe*Offset constants. Do not reorder.
type Trapframe struct {
	KernelSATP   uint64 // kernel page table
	KernelSP     uint64 // top of process's kernel stack
	KernelTrap   uint64 // usertrap()
	EPC          uint64 // saved user program counter
	KernelHartID uint64 // saved kernel tp
	RA           uint64
	SP           uint64
	GP           uint64
	TP           uint64
	T0           uint64
	T1           uint64
	T2           uint64
	S0           uint64
	S1           uint64
	A0           uint64
	A1           uint64
	A2           uint64
	A3           uint64
	A4           uint64
	A5           uint64
	A6           uint64
	A7           uint64
	S2           uint64
	S3           uint64
	S4           uint64
	S5           uint64
	S6           uint64
	S7           uint64
	S8           uint64
	S9           uint64
	S10          uint64
	S11          uint64
	T3           uint64
	T4           uint64
	T5           uint64
	T6           uint64
}

// Offsets of the trapframe fields used by the trampoline.
const (
	TrapframeKernelSATPOffset   = 0
	TrapframeKernelSPOffset     = 8
	TrapframeKernelTrapOffset   = 16
	TrapframeEPCOffset          = 24
	TrapframeKernelHartIDOffset = 32
	TrapframeRAOffset           = 40
	TrapframeSPOffset           = 48
	TrapframeGPOffset           = 56
	TrapframeA0Offset           = 112
	TrapframeA7Offset           = 168
	TrapframeT6Offset           = 280

	// TrapframeSize is the size of a Trapframe in bytes.
	TrapframeSize = 288
)

// Arg returns syscall argument n (a0-a5).
func (tf *Trapframe) Arg(n int) uint64 {
	switch n {
	case 0:
		return tf.A0
	case 1:
		return tf.A1
	case 2:
		return tf.A2
	case 3:
		return tf.A3
	case 4:
		return tf.A4
	case 5:
		return tf.A5
	default:
		panic("syscall argument out of range")
	}
}

// SyscallNumber returns the system call number, passed in a7.
func (tf *Trapframe) SyscallNumber() uint64 {
	return tf.A7
}

// SetReturn stores a syscall return value in a0.
func (tf *Trapframe) SetReturn(v uint64) {
	tf.A0 = v
}
