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

// Package mm implements user address spaces: a page table plus the size of
// the user portion, with the operations fork, sbrk and exit need.
//
// User memory occupies [0, Size). Above it, unreachable to user code, sit
// the trapframe page at riscv.TrapframeVA and the shared trampoline page at
// riscv.Trampoline.
//
// Fork does not copy user memory. Both address spaces map every frame, and
// writable mappings are downgraded on both sides to read-only with the COW
// marker set; the first store to such a page traps and is resolved by the
// cow package.
package mm

import (
	"errors"
	"fmt"

	"gvisor.dev/cowkernel/pkg/kalloc"
	"gvisor.dev/cowkernel/pkg/log"
	"gvisor.dev/cowkernel/pkg/pagetable"
	"gvisor.dev/cowkernel/pkg/physmem"
	"gvisor.dev/cowkernel/pkg/riscv"
)

// UserPerms are the permissions of ordinary user memory.
const UserPerms = riscv.PTERead | riscv.PTEWrite | riscv.PTEExec | riscv.PTEUser

// ErrBadAddress is returned for accesses outside user memory.
var ErrBadAddress = errors.New("bad address")

// FaultError is returned by Load and Store when the access would trap. The
// trap cause and faulting address are what the hardware would record in
// scause and stval.
type FaultError struct {
	Cause riscv.Cause
	Addr  riscv.Addr
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("%v at %v", e.Cause, e.Addr)
}

// AddressSpace is a process's user address space.
type AddressSpace struct {
	alloc *kalloc.Allocator
	mem   *physmem.Memory
	pt    *pagetable.PageTable

	// size is the number of bytes of user memory, starting at address 0.
	size uint64

	// trampoline is the shared transition code frame. It is mapped in
	// every address space but owned by none.
	trampoline riscv.PhysAddr

	// trapframe is this address space's trapframe frame.
	trapframe riscv.PhysAddr
}

// New returns an address space with no user memory, mapping the trampoline
// at trampoline and a fresh trapframe page.
func New(alloc *kalloc.Allocator, trampoline riscv.PhysAddr) (*AddressSpace, error) {
	pt, err := pagetable.New(alloc)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		alloc:      alloc,
		mem:        alloc.Memory(),
		pt:         pt,
		trampoline: trampoline,
	}
	// The trampoline is not user accessible: it is only executed on the
	// way into and out of the kernel, in supervisor mode.
	if err := pt.Map(riscv.Trampoline, riscv.PageSize, trampoline, riscv.PTERead|riscv.PTEExec); err != nil {
		pt.Free()
		return nil, err
	}
	tf, err := alloc.Allocate()
	if err != nil {
		pt.Unmap(riscv.Trampoline, 1, false)
		pt.Free()
		return nil, err
	}
	if err := pt.Map(riscv.TrapframeVA, riscv.PageSize, tf, riscv.PTERead|riscv.PTEWrite); err != nil {
		alloc.Release(tf)
		pt.Unmap(riscv.Trampoline, 1, false)
		pt.Free()
		return nil, err
	}
	as.trapframe = tf
	return as, nil
}

// PageTable returns the address space's page table.
func (as *AddressSpace) PageTable() *pagetable.PageTable {
	return as.pt
}

// Size returns the size of user memory in bytes.
func (as *AddressSpace) Size() uint64 {
	return as.size
}

// Grow grows or shrinks user memory by n bytes and returns the previous
// size. New memory is zeroed. On failure the size is unchanged.
func (as *AddressSpace) Grow(n int64) (uint64, error) {
	old := as.size
	switch {
	case n > 0:
		newSize := old + uint64(n)
		if newSize < old || riscv.Addr(newSize) > riscv.TrapframeVA {
			return old, ErrBadAddress
		}
		if err := as.growTo(old, newSize); err != nil {
			return old, err
		}
	case n < 0:
		if uint64(-n) > old {
			return old, ErrBadAddress
		}
		as.shrinkTo(old, old-uint64(-n))
	}
	return old, nil
}

// growTo maps zeroed frames to grow user memory from oldSize to newSize.
func (as *AddressSpace) growTo(oldSize, newSize uint64) error {
	start := riscv.Addr(oldSize).MustRoundUp()
	for a := start; a < riscv.Addr(newSize); a += riscv.PageSize {
		pa, err := as.alloc.Allocate()
		if err == nil {
			as.mem.Fill(pa, 0)
			err = as.pt.Map(a, riscv.PageSize, pa, UserPerms)
			if err != nil {
				as.alloc.Release(pa)
			}
		}
		if err != nil {
			as.unmapRange(start, a)
			return err
		}
	}
	as.size = newSize
	return nil
}

// shrinkTo shrinks user memory from oldSize to newSize, releasing frames.
func (as *AddressSpace) shrinkTo(oldSize, newSize uint64) {
	as.unmapRange(riscv.Addr(newSize).MustRoundUp(), riscv.Addr(oldSize).MustRoundUp())
	as.size = newSize
}

// unmapRange unmaps and releases the page-aligned range [start, end).
func (as *AddressSpace) unmapRange(start, end riscv.Addr) {
	if end > start {
		as.pt.Unmap(start, int((end-start)/riscv.PageSize), true)
	}
}

// Fork returns a new address space sharing every user frame of as.
//
// Writable pages become read-only and copy-on-write in both address spaces,
// and every shared frame gains one reference for the child's PTE. Read-only
// pages are shared as they are.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	child, err := New(as.alloc, as.trampoline)
	if err != nil {
		return nil, err
	}
	for a := riscv.Addr(0); a < riscv.Addr(as.size); a += riscv.PageSize {
		pte, ok := as.pt.Lookup(a)
		if !ok || !pte.Valid() {
			log.Warningf("mm: fork: page %v of %d-byte address space not present", a, as.size)
			continue
		}
		shared := pte.ShareCOW()
		if shared != pte {
			as.pt.Set(a, shared)
		}
		if err := child.pt.Map(a, riscv.PageSize, shared.PhysAddr(), shared.Flags()); err != nil {
			child.size = uint64(a)
			child.Destroy()
			return nil, err
		}
		as.alloc.Share(shared.PhysAddr())
	}
	child.size = as.size
	return child, nil
}

// Destroy releases every frame and table page of the address space.
func (as *AddressSpace) Destroy() {
	for a := riscv.Addr(0); a < riscv.Addr(as.size); a += riscv.PageSize {
		if pte, ok := as.pt.Lookup(a); ok && pte.Valid() {
			as.pt.Unmap(a, 1, true)
		}
	}
	as.size = 0
	as.pt.Unmap(riscv.Trampoline, 1, false)
	as.pt.Unmap(riscv.TrapframeVA, 1, true)
	as.pt.Free()
}

// Store writes data to user memory at va as a user-mode store would. If
// any page is unmapped, not user accessible or read-only, no byte past the
// faulting page boundary is written and a *FaultError with
// CauseStorePageFault is returned.
func (as *AddressSpace) Store(va riscv.Addr, data []byte) error {
	for len(data) > 0 {
		pa, pte, ok := as.pt.Translate(va)
		if !ok || !pte.Writable() {
			return &FaultError{Cause: riscv.CauseStorePageFault, Addr: va}
		}
		n := copy(as.mem.Bytes(pa, riscv.PageSize-va.PageOffset()), data)
		data = data[n:]
		va += riscv.Addr(n)
	}
	return nil
}

// Load reads len(dst) bytes of user memory at va as a user-mode load would.
func (as *AddressSpace) Load(va riscv.Addr, dst []byte) error {
	for len(dst) > 0 {
		pa, pte, ok := as.pt.Translate(va)
		if !ok || pte.Flags()&riscv.PTERead == 0 {
			return &FaultError{Cause: riscv.CauseLoadPageFault, Addr: va}
		}
		n := copy(dst, as.mem.Bytes(pa, riscv.PageSize-va.PageOffset()))
		dst = dst[n:]
		va += riscv.Addr(n)
	}
	return nil
}

// ClearUser removes user access from the page at va, making it a guard
// page. It is used for the page below the initial stack.
func (as *AddressSpace) ClearUser(va riscv.Addr) error {
	pte, ok := as.pt.Lookup(va)
	if !ok || !pte.Valid() {
		return ErrBadAddress
	}
	as.pt.Set(va, pte.WithFlags(pte.Flags()&^riscv.PTEUser))
	return nil
}
