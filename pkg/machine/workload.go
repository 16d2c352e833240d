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

package machine

import (
	"gvisor.dev/cowkernel/pkg/config"
	"gvisor.dev/cowkernel/pkg/isa"
	"gvisor.dev/cowkernel/pkg/riscv"
	"gvisor.dev/cowkernel/pkg/syscalls"
)

// Initial user memory layout of init:
//
//	[0, PageSize)            data; gp points into it
//	[GuardVA, +PageSize)     stack guard, not user accessible
//	[StackVA, +PageSize)     stack; sp starts at its top
//	[HeapVA, ...)            grown by sbrk
const (
	DataVA  riscv.Addr = 0
	GuardVA riscv.Addr = riscv.PageSize
	StackVA riscv.Addr = 2 * riscv.PageSize
	HeapVA  riscv.Addr = 3 * riscv.PageSize

	// InitGP is init's initial gp.
	InitGP = uint64(DataVA) + riscv.PageSize/2

	// InitSP is init's initial sp.
	InitSP = uint64(StackVA) + riscv.PageSize

	// StatusVA is where init's wait stores exit statuses.
	StatusVA = uint64(DataVA) + 0x100

	// heapOffset is where the workload writes within each heap page.
	heapOffset = 0

	// childIncrement is what each child adds to the bytes it rewrites.
	childIncrement = 100
)

// Workload returns the program init runs.
//
// Init grows its heap by w.Pages pages and stores the page's countdown
// index in each, so the first heap page holds w.Pages. It then forks
// w.Children children, and with w.Faulter one more that stores to its
// stack guard page. It waits for every child and exits with the byte in
// its first heap page.
//
// Each child sleeps w.SleepTicks ticks, reads the first heap page, then
// adds childIncrement to the byte in every heap page, and exits with the
// value it first read. A child therefore exits with w.Pages iff fork
// shared the parent's memory, and init exits with w.Pages iff no child's
// write reached it.
func Workload(w config.Workload) isa.Program {
	b := isa.NewBuilder()

	b.Emit(isa.Syscall(syscalls.SysSbrk, int64(w.Pages)*riscv.PageSize)...)
	b.Bltz(isa.A0, "fail")
	b.Emit(isa.Mv(isa.S1, isa.A0))

	b.Emit(isa.Mv(isa.T0, isa.S1), isa.Li(isa.T1, int64(w.Pages)))
	b.Label("fill").Beqz(isa.T1, "fork")
	b.Emit(
		isa.Sb(isa.T1, heapOffset, isa.T0),
		isa.Addi(isa.T0, riscv.PageSize),
		isa.Addi(isa.T1, -1),
	).J("fill")

	b.Label("fork").Emit(isa.Li(isa.S0, int64(w.Children)))
	b.Label("forkloop").Beqz(isa.S0, "faulter")
	b.Emit(isa.Syscall(syscalls.SysFork)...)
	b.Beqz(isa.A0, "child")
	b.Bltz(isa.A0, "wait")
	b.Emit(isa.Addi(isa.S0, -1)).J("forkloop")

	b.Label("faulter")
	if w.Faulter {
		b.Emit(isa.Syscall(syscalls.SysFork)...)
		b.Beqz(isa.A0, "guard")
	}

	b.Label("wait").Emit(isa.Syscall(syscalls.SysWait, int64(StatusVA))...)
	b.Bltz(isa.A0, "done")
	b.J("wait")
	b.Label("done").Emit(
		isa.Lb(isa.A0, heapOffset, isa.S1),
		isa.Li(isa.A7, syscalls.SysExit),
		isa.Ecall(),
	)

	b.Label("child").Emit(isa.Syscall(syscalls.SysSleep, int64(w.SleepTicks))...)
	b.Emit(
		isa.Lb(isa.S0, heapOffset, isa.S1),
		isa.Mv(isa.T0, isa.S1),
		isa.Li(isa.T1, int64(w.Pages)),
	)
	b.Label("write").Beqz(isa.T1, "childexit")
	b.Emit(
		isa.Lb(isa.T2, heapOffset, isa.T0),
		isa.Addi(isa.T2, childIncrement),
		isa.Sb(isa.T2, heapOffset, isa.T0),
		isa.Addi(isa.T0, riscv.PageSize),
		isa.Addi(isa.T1, -1),
	).J("write")
	b.Label("childexit").Emit(
		isa.Mv(isa.A0, isa.S0),
		isa.Li(isa.A7, syscalls.SysExit),
		isa.Ecall(),
	)

	b.Label("guard").Emit(
		isa.Li(isa.T0, int64(GuardVA)+riscv.PageSize/2),
		isa.Sb(isa.T0, 0, isa.T0),
	)
	b.Label("fail").Emit(isa.Syscall(syscalls.SysExit, 1)...)

	return b.MustProgram()
}
