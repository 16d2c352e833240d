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

// Package cow resolves store page faults on copy-on-write pages.
//
// After fork, parent and child map the same frames read-only with the COW
// marker set. The first store to such a page traps; HandleFault then either
// takes ownership of the frame in place, when the faulting address space
// holds the only reference, or gives the faulting address space a private
// copy of the page.
//
// HandleFault never terminates a process and never halts the kernel. Every
// rejection is reported as an error matching ErrBadFault, and the caller
// decides what to do with the process.
package cow

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/kalloc"
	"gvisor.dev/cowkernel/pkg/physmem"
	"gvisor.dev/cowkernel/pkg/riscv"
)

// ErrBadFault is returned for every store fault the handler cannot resolve.
var ErrBadFault = errors.New("unresolvable copy-on-write fault")

// PageTable is the subset of page table operations the handler needs. It is
// implemented by *pagetable.PageTable.
type PageTable interface {
	// Lookup returns the leaf PTE for va, which may be invalid. ok is false
	// if no table covers va.
	Lookup(va riscv.Addr) (pte riscv.PTE, ok bool)

	// Set replaces the valid leaf PTE for va.
	Set(va riscv.Addr, pte riscv.PTE)

	// Map installs mappings for [va, va+size) to pa with perm.
	Map(va riscv.Addr, size uint64, pa riscv.PhysAddr, perm riscv.PTEFlags) error

	// Unmap removes npages mappings at va, releasing frames if release.
	Unmap(va riscv.Addr, npages int, release bool)
}

// Bounds describes the faulting process's user memory.
type Bounds struct {
	// Size is the process's memory size in bytes.
	Size uint64

	// GP and SP are the saved user gp and sp registers. Addresses strictly
	// between the page above GP and SP are the stack guard gap.
	GP uint64
	SP uint64
}

// BoundsOf returns the bounds for a process of the given size and trapframe.
func BoundsOf(size uint64, tf *riscv.Trapframe) Bounds {
	return Bounds{Size: size, GP: tf.GP, SP: tf.SP}
}

// inGuard reports whether va falls in the gap between the data segment and
// the stack.
func (b Bounds) inGuard(va riscv.Addr) bool {
	top, ok := riscv.Addr(b.GP).RoundUp()
	if !ok {
		return false
	}
	return va > top && va < riscv.Addr(b.SP)
}

// Stats counts handler outcomes.
type Stats struct {
	// Promotions counts faults resolved in place on a sole reference.
	Promotions uint64
	// Copies counts faults resolved by copying the page.
	Copies uint64
	// Rejections counts faults that returned ErrBadFault.
	Rejections uint64
}

// Handler resolves copy-on-write faults against one allocator.
type Handler struct {
	alloc *kalloc.Allocator
	mem   *physmem.Memory

	promotions atomic.Uint64
	copies     atomic.Uint64
	rejections atomic.Uint64
}

// NewHandler returns a handler drawing frames from alloc.
func NewHandler(alloc *kalloc.Allocator) *Handler {
	return &Handler{
		alloc: alloc,
		mem:   alloc.Memory(),
	}
}

// Stats returns a snapshot of the handler's counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Promotions: h.promotions.Load(),
		Copies:     h.copies.Load(),
		Rejections: h.rejections.Load(),
	}
}

func (h *Handler) reject(va riscv.Addr, reason string) error {
	h.rejections.Add(1)
	return fmt.Errorf("%w: %v: %s", ErrBadFault, va, reason)
}

// HandleFault resolves a store fault at va in pt. On success the mapping
// for va's page is writable and no longer COW, and the faulting store may
// be retried.
//
// Preconditions: pt belongs to the faulting process, which is running on
// the calling hart.
func (h *Handler) HandleFault(pt PageTable, b Bounds, va riscv.Addr) error {
	if va >= riscv.MaxVA {
		return h.reject(va, "beyond MaxVA")
	}
	if uint64(va) >= b.Size {
		return h.reject(va, "beyond process size")
	}
	if b.inGuard(va) {
		return h.reject(va, "in stack guard gap")
	}
	pte, ok := pt.Lookup(va)
	switch {
	case !ok:
		return h.reject(va, "no page table")
	case !pte.Valid():
		return h.reject(va, "not mapped")
	case !pte.Flags().Has(riscv.PTEUser):
		return h.reject(va, "not user accessible")
	case !pte.COW():
		return h.reject(va, "not copy-on-write")
	case pte.Writable():
		return h.reject(va, "already writable")
	}

	page := va.RoundDown()
	old := pte.PhysAddr()
	if h.alloc.Query(old) == 1 {
		// The other sharers are gone; the frame is ours.
		pt.Set(page, pte.BreakCOW())
		h.promotions.Add(1)
		return nil
	}

	// Copy before dropping our claim on old, so a concurrent release by the
	// last other sharer cannot scrub the frame under the copy.
	frame, err := h.alloc.Allocate()
	if err != nil {
		return h.reject(va, err.Error())
	}
	h.mem.CopyPage(frame, old)
	pt.Unmap(page, 1, false)
	// The tables covering page already exist, so Map cannot need memory.
	if err := pt.Map(page, riscv.PageSize, frame, pte.BreakCOW().Flags()); err != nil {
		abort.Panicf("cow", "remap of %v: %v", page, err)
	}
	h.alloc.Release(old)
	h.copies.Add(1)
	return nil
}
