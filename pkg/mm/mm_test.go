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

package mm

import (
	"bytes"
	"errors"
	"testing"

	"gvisor.dev/cowkernel/pkg/kalloc"
	"gvisor.dev/cowkernel/pkg/physmem"
	"gvisor.dev/cowkernel/pkg/riscv"
)

// testMachine holds an allocator whose first frame plays the trampoline.
type testMachine struct {
	alloc      *kalloc.Allocator
	trampoline riscv.PhysAddr
}

func newTestMachine(t *testing.T, npages int) *testMachine {
	t.Helper()
	mem, err := physmem.New(riscv.KernBase, npages)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	a, err := kalloc.New(mem, 1)
	if err != nil {
		t.Fatalf("kalloc.New: %v", err)
	}
	return &testMachine{alloc: a, trampoline: mem.Base()}
}

func (m *testMachine) newAS(t *testing.T, size int64) *AddressSpace {
	t.Helper()
	as, err := New(m.alloc, m.trampoline)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := as.Grow(size); err != nil {
		t.Fatalf("Grow(%d): %v", size, err)
	}
	return as
}

// checkConservation verifies that every frame mapped by the given address
// spaces has a reference count equal to the number of PTEs mapping it.
func checkConservation(t *testing.T, alloc *kalloc.Allocator, spaces ...*AddressSpace) {
	t.Helper()
	mapped := make(map[riscv.PhysAddr]int)
	for _, as := range spaces {
		as.PageTable().ForEach(func(va riscv.Addr, pte riscv.PTE) {
			if va == riscv.Trampoline {
				return
			}
			mapped[pte.PhysAddr()]++
		})
	}
	for pa, n := range mapped {
		if got := alloc.Query(pa); got != n {
			t.Errorf("frame %v: refcount %d, mapped by %d PTEs", pa, got, n)
		}
	}
	if err := alloc.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}

func TestGrowShrink(t *testing.T) {
	m := newTestMachine(t, 32)
	as := m.newAS(t, 2*riscv.PageSize+10)
	if got, want := as.Size(), uint64(2*riscv.PageSize+10); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
	buf := make([]byte, 16)
	if err := as.Load(2*riscv.PageSize, buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 16)) {
		t.Errorf("new memory not zeroed: %v", buf)
	}

	old, err := as.Grow(-int64(riscv.PageSize + 10))
	if err != nil {
		t.Fatalf("Grow(shrink): %v", err)
	}
	if old != 2*riscv.PageSize+10 || as.Size() != riscv.PageSize {
		t.Errorf("after shrink old=%d size=%d", old, as.Size())
	}
	if pte, ok := as.PageTable().Lookup(2 * riscv.PageSize); ok && pte.Valid() {
		t.Errorf("page beyond size still mapped: %v", pte)
	}
	if _, err := as.Grow(-int64(2 * riscv.PageSize)); !errors.Is(err, ErrBadAddress) {
		t.Errorf("shrinking below zero = %v, want ErrBadAddress", err)
	}
	checkConservation(t, m.alloc, as)
	as.Destroy()
	if got, want := m.alloc.Stats().Free, 31; got != want {
		t.Errorf("free after Destroy = %d, want %d", got, want)
	}
}

func TestGrowOutOfMemoryRollsBack(t *testing.T) {
	m := newTestMachine(t, 12)
	as := m.newAS(t, riscv.PageSize)
	free := m.alloc.Stats().Free
	if _, err := as.Grow(64 * riscv.PageSize); err == nil {
		t.Fatalf("Grow beyond memory succeeded")
	}
	if got := as.Size(); got != riscv.PageSize {
		t.Errorf("Size after failed Grow = %d, want %d", got, riscv.PageSize)
	}
	// Intermediate tables allocated during the attempt stay with the page
	// table; only leaf frames must have been returned.
	if got := m.alloc.Stats().Free; got > free {
		t.Errorf("free frames grew from %d to %d", free, got)
	}
	checkConservation(t, m.alloc, as)
}

func TestForkSharesCOW(t *testing.T) {
	m := newTestMachine(t, 32)
	parent := m.newAS(t, 2*riscv.PageSize)
	if err := parent.Store(0x10, []byte("hello")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	free := m.alloc.Stats().Free

	child, err := parent.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	// The child needs table pages and a trapframe, but no data frames.
	if used := free - m.alloc.Stats().Free; used > 5 {
		t.Errorf("fork consumed %d frames, expected only tables and trapframe", used)
	}
	for _, as := range []*AddressSpace{parent, child} {
		for a := riscv.Addr(0); a < riscv.Addr(as.Size()); a += riscv.PageSize {
			pte, _ := as.PageTable().Lookup(a)
			if pte.Writable() || !pte.COW() {
				t.Errorf("page %v = %v, want read-only COW", a, pte)
			}
			if got := m.alloc.Query(pte.PhysAddr()); got != 2 {
				t.Errorf("page %v refcount = %d, want 2", a, got)
			}
		}
	}
	buf := make([]byte, 5)
	if err := child.Load(0x10, buf); err != nil || string(buf) != "hello" {
		t.Errorf("child Load = %q, %v", buf, err)
	}

	err = child.Store(0x10, []byte("x"))
	var fe *FaultError
	if !errors.As(err, &fe) || fe.Cause != riscv.CauseStorePageFault || fe.Addr != 0x10 {
		t.Errorf("Store to COW page = %v, want store page fault at 0x10", err)
	}
	checkConservation(t, m.alloc, parent, child)

	child.Destroy()
	checkConservation(t, m.alloc, parent)
	parent.Destroy()
	if got, want := m.alloc.Stats().Free, 31; got != want {
		t.Errorf("free after destroying both = %d, want %d", got, want)
	}
}

func TestForkOutOfMemory(t *testing.T) {
	m := newTestMachine(t, 10)
	parent := m.newAS(t, 3*riscv.PageSize)
	before := m.alloc.Stats().Free
	// Drain the allocator so the child's page table cannot be built.
	var held []riscv.PhysAddr
	for {
		pa, err := m.alloc.Allocate()
		if err != nil {
			break
		}
		held = append(held, pa)
	}
	if _, err := parent.Fork(); err == nil {
		t.Fatalf("Fork with no memory succeeded")
	}
	for _, pa := range held {
		m.alloc.Release(pa)
	}
	if got := m.alloc.Stats().Free; got != before {
		t.Errorf("free = %d after failed fork, want %d", got, before)
	}
	checkConservation(t, m.alloc, parent)
}

func TestStoreFaults(t *testing.T) {
	m := newTestMachine(t, 16)
	as := m.newAS(t, riscv.PageSize)
	for _, tc := range []struct {
		name string
		va   riscv.Addr
	}{
		{"beyond size", riscv.PageSize},
		{"trapframe", riscv.TrapframeVA},
		{"trampoline", riscv.Trampoline},
	} {
		err := as.Store(tc.va, []byte{1})
		var fe *FaultError
		if !errors.As(err, &fe) || fe.Cause != riscv.CauseStorePageFault {
			t.Errorf("%s: Store = %v, want store page fault", tc.name, err)
		}
	}
	if err := as.Store(riscv.PageSize-2, []byte{1, 2, 3}); err == nil {
		t.Errorf("Store straddling the end of memory succeeded")
	}
}

func TestClearUser(t *testing.T) {
	m := newTestMachine(t, 16)
	as := m.newAS(t, 2*riscv.PageSize)
	if err := as.ClearUser(0); err != nil {
		t.Fatalf("ClearUser: %v", err)
	}
	if err := as.Store(0, []byte{1}); err == nil {
		t.Errorf("Store to guard page succeeded")
	}
	if err := as.ClearUser(8 * riscv.PageSize); !errors.Is(err, ErrBadAddress) {
		t.Errorf("ClearUser of unmapped page = %v", err)
	}
}
