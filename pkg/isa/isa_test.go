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

package isa

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/cowkernel/pkg/riscv"
)

func TestBuilder(t *testing.T) {
	prog, err := NewBuilder().
		Emit(Li(S0, 3)).
		Label("loop").
		Emit(Addi(S0, -1)).
		Bnez(S0, "loop").
		J("done").
		Emit(Illegal()).
		Label("done").
		Emit(Syscall(2, 0)...).
		Program()
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	want := Program{
		Li(S0, 3),
		Addi(S0, -1),
		Bnez(S0, 1),
		J(5),
		Illegal(),
		Li(A0, 0),
		Li(A7, 2),
		Ecall(),
	}
	if diff := cmp.Diff(want, prog); diff != "" {
		t.Errorf("program mismatch (-want +got):\n%s", diff)
	}
}

func TestBuilderUndefinedLabel(t *testing.T) {
	if _, err := NewBuilder().J("nowhere").Program(); err == nil {
		t.Errorf("Program with undefined label succeeded")
	}
}

func TestAt(t *testing.T) {
	prog := Program{Li(A0, 1), Ecall()}
	for _, tc := range []struct {
		pc   uint64
		want Instr
		ok   bool
	}{
		{0, Li(A0, 1), true},
		{4, Ecall(), true},
		{8, Instr{}, false},
		{2, Instr{}, false},
	} {
		got, ok := prog.At(tc.pc)
		if ok != tc.ok || got != tc.want {
			t.Errorf("At(%d) = %v, %t, want %v, %t", tc.pc, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRegPtr(t *testing.T) {
	var tf riscv.Trapframe
	for r := RA; r < numRegs; r++ {
		*r.Ptr(&tf) = uint64(r)
	}
	if Zero.Ptr(&tf) != nil {
		t.Errorf("zero register is writable")
	}
	want := riscv.Trapframe{
		RA: 1, SP: 2, GP: 3, TP: 4, T0: 5, T1: 6, T2: 7, S0: 8, S1: 9,
		A0: 10, A1: 11, A2: 12, A3: 13, A4: 14, A5: 15, A6: 16, A7: 17,
	}
	if diff := cmp.Diff(want, tf); diff != "" {
		t.Errorf("trapframe mismatch (-want +got):\n%s", diff)
	}
}

func TestInstrString(t *testing.T) {
	for _, tc := range []struct {
		i    Instr
		want string
	}{
		{Li(A7, 1), "li a7, 1"},
		{Sb(T0, 8, S1), "sb t0, 8(s1)"},
		{Lb(A0, 0, SP), "lb a0, 0(sp)"},
		{Bltz(A0, 7), "bltz a0, 7"},
		{Mv(A0, S0), "mv a0, s0"},
		{Ecall(), "ecall"},
	} {
		if got := tc.i.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
