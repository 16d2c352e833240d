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

package pagetable

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/kalloc"
	"gvisor.dev/cowkernel/pkg/physmem"
	"gvisor.dev/cowkernel/pkg/riscv"
)

const userRW = riscv.PTERead | riscv.PTEWrite | riscv.PTEUser

func newAllocator(t *testing.T, npages int) *kalloc.Allocator {
	t.Helper()
	mem, err := physmem.New(riscv.KernBase, npages)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	a, err := kalloc.New(mem, 0)
	if err != nil {
		t.Fatalf("kalloc.New: %v", err)
	}
	return a
}

func TestMapLookupUnmap(t *testing.T) {
	a := newAllocator(t, 16)
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frame, _ := a.Allocate()
	va := riscv.Addr(0x4000)
	if err := pt.Map(va, riscv.PageSize, frame, userRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	pte, ok := pt.Lookup(va + 123)
	if !ok || !pte.Valid() {
		t.Fatalf("Lookup(%v) = %v, %t", va+123, pte, ok)
	}
	if pte.PhysAddr() != frame || pte.Flags() != userRW|riscv.PTEValid {
		t.Errorf("Lookup = %v, want frame %v flags %v", pte, frame, userRW|riscv.PTEValid)
	}
	pa, _, ok := pt.Translate(va + 123)
	if !ok || pa != frame+123 {
		t.Errorf("Translate = %v, %t, want %v", pa, ok, frame+123)
	}

	pt.Unmap(va, 1, true)
	if pte, ok := pt.Lookup(va); ok && pte.Valid() {
		t.Errorf("Lookup after Unmap = %v", pte)
	}
	if got := a.Query(frame); got != 0 {
		t.Errorf("frame refcount after Unmap(release) = %d, want 0", got)
	}
	pt.Free()
	if err := a.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
	if got, want := a.Stats().Free, 16; got != want {
		t.Errorf("free frames = %d, want %d", got, want)
	}
}

func TestLookupMissing(t *testing.T) {
	pt, err := New(newAllocator(t, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := pt.Lookup(0x1000); ok {
		t.Errorf("Lookup in empty table succeeded")
	}
	if _, ok := pt.Lookup(riscv.MaxVA); ok {
		t.Errorf("Lookup(MaxVA) succeeded")
	}
}

func TestRemapAborts(t *testing.T) {
	a := newAllocator(t, 8)
	pt, _ := New(a)
	frame, _ := a.Allocate()
	if err := pt.Map(0, riscv.PageSize, frame, userRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := abort.Catch(func() { pt.Map(0, riscv.PageSize, frame, userRW) }); err == nil {
		t.Errorf("remap did not abort")
	}
	if err := abort.Catch(func() { pt.Unmap(riscv.PageSize, 1, false) }); err == nil {
		t.Errorf("unmap of unmapped page did not abort")
	}
	if err := abort.Catch(func() { pt.Free() }); err == nil {
		t.Errorf("Free with live leaf did not abort")
	}
}

func TestMapOutOfMemory(t *testing.T) {
	a := newAllocator(t, 1)
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := pt.Map(0, riscv.PageSize, riscv.KernBase, userRW); !errors.Is(err, ErrNoMem) {
		t.Errorf("Map with no free frames = %v, want ErrNoMem", err)
	}
}

func TestForEach(t *testing.T) {
	a := newAllocator(t, 32)
	pt, _ := New(a)
	vas := []riscv.Addr{0, 0x3000, 1 << 30, riscv.TrapframeVA}
	for _, va := range vas {
		f, _ := a.Allocate()
		if err := pt.Map(va, riscv.PageSize, f, userRW); err != nil {
			t.Fatalf("Map(%v): %v", va, err)
		}
	}
	var got []riscv.Addr
	pt.ForEach(func(va riscv.Addr, pte riscv.PTE) {
		got = append(got, va)
	})
	if diff := cmp.Diff(vas, got); diff != "" {
		t.Errorf("ForEach addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestSet(t *testing.T) {
	a := newAllocator(t, 8)
	pt, _ := New(a)
	f, _ := a.Allocate()
	pt.Map(0x2000, riscv.PageSize, f, userRW)
	pte, _ := pt.Lookup(0x2000)
	pt.Set(0x2000, pte.ShareCOW())
	got, _ := pt.Lookup(0x2000)
	if got.Writable() || !got.COW() {
		t.Errorf("Set did not update PTE: %v", got)
	}
	if err := abort.Catch(func() { pt.Set(0x5000, pte) }); err == nil {
		t.Errorf("Set of unmapped address did not abort")
	}
}
