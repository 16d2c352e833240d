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
	"testing"
	"unsafe"
)

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr      Addr
		down, up  Addr
		offset    uint64
		isAligned bool
	}{
		{addr: 0, down: 0, up: 0, offset: 0, isAligned: true},
		{addr: 1, down: 0, up: PageSize, offset: 1},
		{addr: PageSize, down: PageSize, up: PageSize, isAligned: true},
		{addr: 3*PageSize + 17, down: 3 * PageSize, up: 4 * PageSize, offset: 17},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got := tc.addr.MustRoundUp(); got != tc.up {
			t.Errorf("%v.RoundUp() = %v, want %v", tc.addr, got, tc.up)
		}
		if got := tc.addr.PageOffset(); got != tc.offset {
			t.Errorf("%v.PageOffset() = %d, want %d", tc.addr, got, tc.offset)
		}
		if got := tc.addr.IsPageAligned(); got != tc.isAligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", tc.addr, got, tc.isAligned)
		}
	}
	if _, ok := Addr(^uint64(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the top address should wrap")
	}
}

func TestPX(t *testing.T) {
	va := Addr(3<<30 | 5<<21 | 7<<12 | 0x123)
	for level, want := range []int{7, 5, 3} {
		if got := va.PX(level); got != want {
			t.Errorf("PX(%d) = %d, want %d", level, got, want)
		}
	}
}

func TestPTE(t *testing.T) {
	pa := KernBase + 42*PageSize
	pte := MakePTE(pa, PTEValid|PTERead|PTEWrite|PTEUser)
	if got := pte.PhysAddr(); got != pa {
		t.Errorf("PhysAddr() = %v, want %v", got, pa)
	}
	if !pte.Valid() || !pte.Writable() || pte.COW() || !pte.Leaf() {
		t.Errorf("unexpected predicates for %v", pte)
	}

	shared := pte.ShareCOW()
	if shared.Writable() || !shared.COW() {
		t.Errorf("ShareCOW() = %v, want read-only COW", shared)
	}
	if shared.PhysAddr() != pa || !shared.Flags().Has(PTEValid|PTERead|PTEUser) {
		t.Errorf("ShareCOW() lost flags or address: %v", shared)
	}

	broken := shared.BreakCOW()
	if broken != pte {
		t.Errorf("BreakCOW(ShareCOW(pte)) = %v, want %v", broken, pte)
	}

	ro := MakePTE(pa, PTEValid|PTERead|PTEUser)
	if got := ro.ShareCOW(); got != ro {
		t.Errorf("ShareCOW() on a read-only entry = %v, want unchanged", got)
	}
}

func TestCOWBitIsSoftware(t *testing.T) {
	if PTECOW&HardwareFlags != 0 {
		t.Errorf("PTECOW %#x overlaps hardware flags", uint64(PTECOW))
	}
	if PTECOW&SoftwareFlags != PTECOW {
		t.Errorf("PTECOW %#x is outside the RSW field", uint64(PTECOW))
	}
}

func TestPTEFlagsString(t *testing.T) {
	if got, want := (PTEValid | PTEUser | PTECOW).String(), "V|U|COW"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := PTEFlags(0).String(), "-"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestCause(t *testing.T) {
	for _, tc := range []struct {
		cause     Cause
		interrupt bool
		code      uint64
	}{
		{CauseUserEcall, false, 8},
		{CauseStorePageFault, false, 15},
		{CauseSupervisorSoftware, true, 1},
		{CauseSupervisorExternal, true, 9},
	} {
		if got := tc.cause.IsInterrupt(); got != tc.interrupt {
			t.Errorf("%v.IsInterrupt() = %t, want %t", tc.cause, got, tc.interrupt)
		}
		if got := tc.cause.Code(); got != tc.code {
			t.Errorf("%v.Code() = %d, want %d", tc.cause, got, tc.code)
		}
	}
	if uint64(CauseSupervisorSoftware) != 0x8000000000000001 {
		t.Errorf("CauseSupervisorSoftware = %#x", uint64(CauseSupervisorSoftware))
	}
}

func TestTrapframeLayout(t *testing.T) {
	var tf Trapframe
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"KernelSATP", unsafe.Offsetof(tf.KernelSATP), TrapframeKernelSATPOffset},
		{"KernelSP", unsafe.Offsetof(tf.KernelSP), TrapframeKernelSPOffset},
		{"KernelTrap", unsafe.Offsetof(tf.KernelTrap), TrapframeKernelTrapOffset},
		{"EPC", unsafe.Offsetof(tf.EPC), TrapframeEPCOffset},
		{"KernelHartID", unsafe.Offsetof(tf.KernelHartID), TrapframeKernelHartIDOffset},
		{"RA", unsafe.Offsetof(tf.RA), TrapframeRAOffset},
		{"SP", unsafe.Offsetof(tf.SP), TrapframeSPOffset},
		{"GP", unsafe.Offsetof(tf.GP), TrapframeGPOffset},
		{"A0", unsafe.Offsetof(tf.A0), TrapframeA0Offset},
		{"A7", unsafe.Offsetof(tf.A7), TrapframeA7Offset},
		{"T6", unsafe.Offsetof(tf.T6), TrapframeT6Offset},
		{"size", unsafe.Sizeof(tf), TrapframeSize},
	} {
		if tc.got != tc.want {
			t.Errorf("%s offset = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func TestSATP(t *testing.T) {
	root := KernBase + 7*PageSize
	if got := SATPRoot(MakeSATP(root)); got != root {
		t.Errorf("SATPRoot(MakeSATP(%v)) = %v", root, got)
	}
}
