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

package cow

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/cowkernel/pkg/kalloc"
	"gvisor.dev/cowkernel/pkg/mm"
	"gvisor.dev/cowkernel/pkg/physmem"
	"gvisor.dev/cowkernel/pkg/riscv"
)

type fixture struct {
	mem   *physmem.Memory
	alloc *kalloc.Allocator
	h     *Handler
}

func newFixture(t *testing.T, npages int) *fixture {
	t.Helper()
	mem, err := physmem.New(riscv.KernBase, npages)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	alloc, err := kalloc.New(mem, 1)
	if err != nil {
		t.Fatalf("kalloc.New: %v", err)
	}
	return &fixture{mem: mem, alloc: alloc, h: NewHandler(alloc)}
}

func (f *fixture) newAS(t *testing.T, pages int) *mm.AddressSpace {
	t.Helper()
	as, err := mm.New(f.alloc, f.mem.Base())
	if err != nil {
		t.Fatalf("mm.New: %v", err)
	}
	if _, err := as.Grow(int64(pages) * riscv.PageSize); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	return as
}

func bounds(as *mm.AddressSpace) Bounds {
	return Bounds{Size: as.Size()}
}

func lookup(t *testing.T, as *mm.AddressSpace, va riscv.Addr) riscv.PTE {
	t.Helper()
	pte, ok := as.PageTable().Lookup(va)
	if !ok || !pte.Valid() {
		t.Fatalf("no mapping for %v", va)
	}
	return pte
}

func TestPromoteSoleReference(t *testing.T) {
	f := newFixture(t, 16)
	as := f.newAS(t, 1)
	before := lookup(t, as, 0)
	as.PageTable().Set(0, before.ShareCOW())
	allocs := f.alloc.Stats().Allocs

	if err := f.h.HandleFault(as.PageTable(), bounds(as), 0x123); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	after := lookup(t, as, 0)
	if after != before {
		t.Errorf("PTE after promotion = %v, want %v", after, before)
	}
	if got := f.alloc.Stats().Allocs; got != allocs {
		t.Errorf("promotion allocated %d frames", got-allocs)
	}
	if diff := cmp.Diff(Stats{Promotions: 1}, f.h.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestForkThenWriteBothSides(t *testing.T) {
	f := newFixture(t, 32)
	parent := f.newAS(t, 2)
	want := bytes.Repeat([]byte("cow!"), riscv.PageSize/4)
	if err := parent.Store(riscv.PageSize, want); err != nil {
		t.Fatalf("Store: %v", err)
	}
	child, err := parent.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	va := riscv.Addr(riscv.PageSize + 8)
	shared := lookup(t, parent, va).PhysAddr()
	if got := f.alloc.Query(shared); got != 2 {
		t.Fatalf("refcount after fork = %d, want 2", got)
	}

	// The child writes first and gets a private copy.
	if err := child.Store(va, []byte{'C'}); err == nil {
		t.Fatalf("store to COW page did not fault")
	}
	if err := f.h.HandleFault(child.PageTable(), bounds(child), va); err != nil {
		t.Fatalf("child HandleFault: %v", err)
	}
	cpte := lookup(t, child, va)
	if cpte.PhysAddr() == shared {
		t.Fatalf("child still maps the shared frame")
	}
	if !cpte.Writable() || cpte.COW() {
		t.Errorf("child PTE = %v, want writable without COW", cpte)
	}
	wantFlags := (lookup(t, parent, va).Flags() | riscv.PTEWrite) &^ riscv.PTECOW
	if cpte.Flags() != wantFlags {
		t.Errorf("child flags = %v, want %v", cpte.Flags(), wantFlags)
	}
	got := make([]byte, riscv.PageSize)
	if err := child.Load(riscv.PageSize, got); err != nil {
		t.Fatalf("child Load: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("copied page differs from original")
	}
	if f.alloc.Query(shared) != 1 || f.alloc.Query(cpte.PhysAddr()) != 1 {
		t.Errorf("refcounts after copy: shared=%d private=%d, want 1 and 1",
			f.alloc.Query(shared), f.alloc.Query(cpte.PhysAddr()))
	}

	// The parent now holds the only reference and is promoted in place.
	if err := f.h.HandleFault(parent.PageTable(), bounds(parent), va); err != nil {
		t.Fatalf("parent HandleFault: %v", err)
	}
	if ppte := lookup(t, parent, va); ppte.PhysAddr() != shared || !ppte.Writable() {
		t.Errorf("parent PTE = %v, want writable mapping of %v", ppte, shared)
	}

	if err := child.Store(va, []byte{'C'}); err != nil {
		t.Fatalf("child Store after fault: %v", err)
	}
	if err := parent.Store(va, []byte{'P'}); err != nil {
		t.Fatalf("parent Store after fault: %v", err)
	}
	pb, cb := make([]byte, 1), make([]byte, 1)
	parent.Load(va, pb)
	child.Load(va, cb)
	if pb[0] != 'P' || cb[0] != 'C' {
		t.Errorf("parent sees %q, child sees %q; want independent pages", pb, cb)
	}
	if diff := cmp.Diff(Stats{Promotions: 1, Copies: 1}, f.h.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}

	child.Destroy()
	parent.Destroy()
	if err := f.alloc.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
	if got, want := f.alloc.Stats().Free, 31; got != want {
		t.Errorf("free frames = %d, want %d", got, want)
	}
}

func TestRejections(t *testing.T) {
	f := newFixture(t, 32)
	as := f.newAS(t, 8)
	pt := as.PageTable()
	// Page 0 is COW, page 1 is plain writable, page 2 is read-only, page 3 is
	// a COW page without user access.
	pt.Set(0, lookup(t, as, 0).ShareCOW())
	ro := lookup(t, as, 2*riscv.PageSize)
	pt.Set(2*riscv.PageSize, ro.WithFlags(ro.Flags()&^riscv.PTEWrite))
	k := lookup(t, as, 3*riscv.PageSize).ShareCOW()
	pt.Set(3*riscv.PageSize, k.WithFlags(k.Flags()&^riscv.PTEUser))
	for a := riscv.Addr(4 * riscv.PageSize); a < 8*riscv.PageSize; a += riscv.PageSize {
		pt.Set(a, lookup(t, as, a).ShareCOW())
	}

	for _, tc := range []struct {
		name string
		b    Bounds
		va   riscv.Addr
	}{
		{"at MaxVA", Bounds{Size: ^uint64(0)}, riscv.MaxVA},
		{"beyond MaxVA", Bounds{Size: ^uint64(0)}, riscv.MaxVA + riscv.PageSize},
		{"at size", Bounds{Size: 8 * riscv.PageSize}, 8 * riscv.PageSize},
		{"beyond size", Bounds{Size: riscv.PageSize}, riscv.PageSize + 1},
		{"guard gap", Bounds{Size: 8 * riscv.PageSize, GP: 4*riscv.PageSize + 8, SP: 7 * riscv.PageSize}, 6 * riscv.PageSize},
		{"unmapped", Bounds{Size: 64 * riscv.PageSize}, 32 * riscv.PageSize},
		{"no table", Bounds{Size: ^uint64(0)}, 1 << 32},
		{"plain writable", Bounds{Size: 8 * riscv.PageSize}, riscv.PageSize},
		{"read only", Bounds{Size: 8 * riscv.PageSize}, 2 * riscv.PageSize},
		{"not user", Bounds{Size: 8 * riscv.PageSize}, 3 * riscv.PageSize},
		{"trapframe", Bounds{Size: ^uint64(0)}, riscv.TrapframeVA},
		{"trampoline", Bounds{Size: ^uint64(0)}, riscv.Trampoline},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before, _ := pt.Lookup(tc.va)
			err := f.h.HandleFault(pt, tc.b, tc.va)
			if !errors.Is(err, ErrBadFault) {
				t.Fatalf("HandleFault(%v) = %v, want ErrBadFault", tc.va, err)
			}
			if after, _ := pt.Lookup(tc.va); after != before {
				t.Errorf("rejected fault changed PTE %v to %v", before, after)
			}
		})
	}

	// Addresses just outside the gap are still handled.
	b := Bounds{Size: 8 * riscv.PageSize, GP: 4*riscv.PageSize + 8, SP: 6 * riscv.PageSize}
	for _, va := range []riscv.Addr{5 * riscv.PageSize, 6 * riscv.PageSize} {
		if err := f.h.HandleFault(pt, b, va); err != nil {
			t.Errorf("HandleFault(%v) at gap edge = %v", va, err)
		}
	}
	if got := f.h.Stats().Rejections; got != 12 {
		t.Errorf("Rejections = %d, want 12", got)
	}
}

func TestExhaustionDuringCopy(t *testing.T) {
	f := newFixture(t, 16)
	parent := f.newAS(t, 1)
	child, err := parent.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	var held []riscv.PhysAddr
	for {
		pa, err := f.alloc.Allocate()
		if err != nil {
			break
		}
		held = append(held, pa)
	}
	before := lookup(t, child, 0)
	if err := f.h.HandleFault(child.PageTable(), bounds(child), 0); !errors.Is(err, ErrBadFault) {
		t.Fatalf("HandleFault with no memory = %v, want ErrBadFault", err)
	}
	if after := lookup(t, child, 0); after != before {
		t.Errorf("failed copy changed PTE %v to %v", before, after)
	}
	if got := f.alloc.Query(before.PhysAddr()); got != 2 {
		t.Errorf("refcount after failed copy = %d, want 2", got)
	}
	for _, pa := range held {
		f.alloc.Release(pa)
	}
	child.Destroy()
	parent.Destroy()
	if err := f.alloc.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestBoundsOf(t *testing.T) {
	tf := &riscv.Trapframe{GP: 0x1008, SP: 0x4000}
	b := BoundsOf(0x5000, tf)
	for _, tc := range []struct {
		va   riscv.Addr
		want bool
	}{
		{0x1fff, false},
		{0x2000, false},
		{0x2001, true},
		{0x3fff, true},
		{0x4000, false},
	} {
		if got := b.inGuard(tc.va); got != tc.want {
			t.Errorf("inGuard(%#x) = %t, want %t", uint64(tc.va), got, tc.want)
		}
	}
}
