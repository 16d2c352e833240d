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

// Package pagetable implements three-level Sv39 page tables stored in
// physical memory. Each table is one frame of 512 eight-byte entries; the
// frames come from the kalloc allocator and are released by Free.
package pagetable

import (
	"errors"
	"fmt"

	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/kalloc"
	"gvisor.dev/cowkernel/pkg/physmem"
	"gvisor.dev/cowkernel/pkg/riscv"
)

const (
	// entriesPerTable is the number of PTEs in one table page.
	entriesPerTable = riscv.PageSize / 8

	// levels is the depth of an Sv39 walk.
	levels = 3
)

// ErrNoMem is returned when a table page cannot be allocated.
var ErrNoMem = errors.New("no memory for page table")

// PageTable is an Sv39 page table.
//
// A PageTable is not safe for concurrent mutation; it is only changed by
// kernel code running on behalf of the owning process.
type PageTable struct {
	alloc *kalloc.Allocator
	mem   *physmem.Memory
	root  riscv.PhysAddr
}

// New allocates an empty page table.
func New(alloc *kalloc.Allocator) (*PageTable, error) {
	pt := &PageTable{
		alloc: alloc,
		mem:   alloc.Memory(),
	}
	root, err := pt.allocTable()
	if err != nil {
		return nil, err
	}
	pt.root = root
	return pt, nil
}

// Root returns the physical address of the top-level table.
func (pt *PageTable) Root() riscv.PhysAddr {
	return pt.root
}

// SATP returns the satp value that installs pt.
func (pt *PageTable) SATP() uint64 {
	return riscv.MakeSATP(pt.root)
}

func (pt *PageTable) allocTable() (riscv.PhysAddr, error) {
	pa, err := pt.alloc.Allocate()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoMem, err)
	}
	pt.mem.Fill(pa, 0)
	return pa, nil
}

func entryAddr(table riscv.PhysAddr, idx int) riscv.PhysAddr {
	return table + riscv.PhysAddr(idx*8)
}

func (pt *PageTable) load(at riscv.PhysAddr) riscv.PTE {
	return riscv.PTE(pt.mem.Uint64(at))
}

func (pt *PageTable) store(at riscv.PhysAddr, pte riscv.PTE) {
	pt.mem.PutUint64(at, uint64(pte))
}

// walk returns the physical address of the level-0 PTE for va. If alloc is
// true, missing intermediate tables are created. ok is false if a table is
// missing and alloc is false.
func (pt *PageTable) walk(va riscv.Addr, alloc bool) (at riscv.PhysAddr, ok bool, err error) {
	if va >= riscv.MaxVA {
		abort.Panicf("pagetable", "walk of %v beyond MaxVA", va)
	}
	table := pt.root
	for level := levels - 1; level > 0; level-- {
		at := entryAddr(table, va.PX(level))
		pte := pt.load(at)
		if pte.Valid() {
			table = pte.PhysAddr()
			continue
		}
		if !alloc {
			return 0, false, nil
		}
		next, err := pt.allocTable()
		if err != nil {
			return 0, false, err
		}
		pt.store(at, riscv.MakePTE(next, riscv.PTEValid))
		table = next
	}
	return entryAddr(table, va.PX(0)), true, nil
}

// Lookup returns the leaf PTE mapping va. ok is false if no intermediate
// table covers va or va is at or beyond MaxVA. The returned PTE may be
// invalid.
func (pt *PageTable) Lookup(va riscv.Addr) (pte riscv.PTE, ok bool) {
	if va >= riscv.MaxVA {
		return 0, false
	}
	at, ok, _ := pt.walk(va, false)
	if !ok {
		return 0, false
	}
	return pt.load(at), true
}

// Translate returns the physical address va maps to, if va is mapped with a
// valid user-accessible PTE.
func (pt *PageTable) Translate(va riscv.Addr) (riscv.PhysAddr, riscv.PTE, bool) {
	pte, ok := pt.Lookup(va)
	if !ok || !pte.Valid() || pte.Flags()&riscv.PTEUser == 0 {
		return 0, pte, false
	}
	return pte.PhysAddr() + riscv.PhysAddr(va.PageOffset()), pte, true
}

// Set replaces the valid leaf PTE for va in place.
func (pt *PageTable) Set(va riscv.Addr, pte riscv.PTE) {
	at, ok, _ := pt.walk(va, false)
	if !ok || !pt.load(at).Valid() {
		abort.Panicf("pagetable", "set of unmapped %v", va)
	}
	pt.store(at, pte)
}

// Map creates PTEs for virtual addresses starting at va that refer to
// physical addresses starting at pa. va and size need not be page aligned.
// Mapping over a valid PTE is a kernel bug.
func (pt *PageTable) Map(va riscv.Addr, size uint64, pa riscv.PhysAddr, perm riscv.PTEFlags) error {
	if size == 0 {
		abort.Panicf("pagetable", "map of zero size at %v", va)
	}
	a := va.RoundDown()
	last := (va + riscv.Addr(size) - 1).RoundDown()
	for {
		at, _, err := pt.walk(a, true)
		if err != nil {
			return err
		}
		if pt.load(at).Valid() {
			abort.Panicf("pagetable", "remap of %v", a)
		}
		pt.store(at, riscv.MakePTE(pa, perm|riscv.PTEValid))
		if a == last {
			return nil
		}
		a += riscv.PageSize
		pa += riscv.PageSize
	}
}

// Unmap removes npages of mappings starting at va, which must be page
// aligned and mapped. If release is true each mapped frame loses the
// reference its PTE held.
func (pt *PageTable) Unmap(va riscv.Addr, npages int, release bool) {
	if !va.IsPageAligned() {
		abort.Panicf("pagetable", "unmap of misaligned %v", va)
	}
	for a := va; a < va+riscv.Addr(npages)*riscv.PageSize; a += riscv.PageSize {
		at, ok, _ := pt.walk(a, false)
		if !ok {
			abort.Panicf("pagetable", "unmap of %v: no table", a)
		}
		pte := pt.load(at)
		if !pte.Valid() {
			abort.Panicf("pagetable", "unmap of %v: not mapped", a)
		}
		if !pte.Leaf() {
			abort.Panicf("pagetable", "unmap of %v: not a leaf", a)
		}
		if release {
			pt.alloc.Release(pte.PhysAddr())
		}
		pt.store(at, 0)
	}
}

// ForEach calls fn for every valid leaf PTE, in increasing address order.
func (pt *PageTable) ForEach(fn func(va riscv.Addr, pte riscv.PTE)) {
	pt.forEach(pt.root, levels-1, 0, fn)
}

func (pt *PageTable) forEach(table riscv.PhysAddr, level int, base riscv.Addr, fn func(riscv.Addr, riscv.PTE)) {
	for i := 0; i < entriesPerTable; i++ {
		pte := pt.load(entryAddr(table, i))
		if !pte.Valid() {
			continue
		}
		va := base | riscv.Addr(i)<<(riscv.PageShift+9*uint(level))
		if pte.Leaf() {
			fn(va, pte)
			continue
		}
		pt.forEach(pte.PhysAddr(), level-1, va, fn)
	}
}

// Free releases every table page. All leaf mappings must already have been
// removed.
func (pt *PageTable) Free() {
	pt.freeTable(pt.root)
	pt.root = 0
}

func (pt *PageTable) freeTable(table riscv.PhysAddr) {
	for i := 0; i < entriesPerTable; i++ {
		at := entryAddr(table, i)
		pte := pt.load(at)
		if !pte.Valid() {
			continue
		}
		if pte.Leaf() {
			abort.Panicf("pagetable", "free of table %v with live leaf %v", table, pte)
		}
		pt.freeTable(pte.PhysAddr())
		pt.store(at, 0)
	}
	pt.alloc.Release(table)
}
