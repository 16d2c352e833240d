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

// Package kalloc is the physical page allocator. It hands out whole
// 4096-byte frames for user memory, page-table pages and kernel stacks, and
// tracks how many page table entries refer to each frame so that fork can
// share frames copy-on-write.
//
// A frame is on the free list iff its reference count is zero. Allocate sets
// the count to one, Share adds a reference for every additional PTE that
// maps the frame, and Release drops one. The frame goes back on the free
// list only when the last reference is released, so a frame mapped by many
// address spaces is reclaimed exactly once, by whichever owner unmaps it
// last.
//
// Lock ordering:
//
//	Allocator.freeMu
//	  Allocator.refMu
//
// Frame contents are never filled or copied with either lock held.
package kalloc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/log"
	"gvisor.dev/cowkernel/pkg/physmem"
	"gvisor.dev/cowkernel/pkg/riscv"
)

// Junk patterns written over frame contents. Allocated frames are not
// zeroed, so code that reads memory it never wrote sees AllocJunk rather
// than plausible zeroes; released frames are scrubbed with FreeJunk to catch
// dangling references.
const (
	AllocJunk = 0x04
	FreeJunk  = 0x01
)

// ErrExhausted is returned by Allocate when no frame is free.
var ErrExhausted = errors.New("out of physical memory")

// Allocator manages the frames of a physical memory arena.
type Allocator struct {
	mem *physmem.Memory

	// start is the first allocatable frame; frames below it hold the
	// kernel image and are never handed out. end is one past the last.
	start riscv.PhysAddr
	end   riscv.PhysAddr

	// freeMu protects free.
	freeMu sync.Mutex

	// free is the LIFO list of unreferenced frames.
	//
	// +checklocks:freeMu
	free []riscv.PhysAddr

	// refMu protects refs.
	refMu sync.Mutex

	// refs is the frame table: the reference count of every frame in the
	// arena, indexed by frame number relative to the arena base.
	//
	// +checklocks:refMu
	refs []int32

	allocs    atomic.Uint64
	releases  atomic.Uint64
	exhausted atomic.Uint64
}

// New returns an allocator for mem. The first reserved frames of mem are
// withheld, as the kernel image would be; every other frame is scrubbed and
// placed on the free list.
func New(mem *physmem.Memory, reserved int) (*Allocator, error) {
	if reserved < 0 || reserved >= mem.Pages() {
		return nil, fmt.Errorf("cannot reserve %d of %d frames", reserved, mem.Pages())
	}
	a := &Allocator{
		mem:   mem,
		start: mem.Base() + riscv.PhysAddr(reserved*riscv.PageSize),
		end:   mem.End(),
		refs:  make([]int32, mem.Pages()),
	}
	a.free = make([]riscv.PhysAddr, 0, mem.Pages()-reserved)
	for pa := a.start; pa+riscv.PageSize <= a.end; pa += riscv.PageSize {
		mem.Fill(pa, FreeJunk)
		a.free = append(a.free, pa)
	}
	log.Infof("kalloc: %d frames free in [%v, %v)", len(a.free), a.start, a.end)
	return a, nil
}

// Memory returns the arena the allocator manages.
func (a *Allocator) Memory() *physmem.Memory {
	return a.mem
}

// index returns the frame table slot for pa, aborting if pa is not a frame
// the allocator manages.
func (a *Allocator) index(pa riscv.PhysAddr) int {
	if !pa.IsPageAligned() || pa < a.start || pa >= a.end {
		abort.Panicf("kalloc", "bad frame %v, managed range [%v, %v)", pa, a.start, a.end)
	}
	return int((pa - a.mem.Base()) / riscv.PageSize)
}

// Allocate removes a frame from the free list and returns it with a
// reference count of one. Its contents are AllocJunk.
func (a *Allocator) Allocate() (riscv.PhysAddr, error) {
	a.freeMu.Lock()
	n := len(a.free)
	if n == 0 {
		a.freeMu.Unlock()
		a.exhausted.Add(1)
		return 0, ErrExhausted
	}
	pa := a.free[n-1]
	a.free = a.free[:n-1]
	idx := a.index(pa)
	a.refMu.Lock()
	if c := a.refs[idx]; c != 0 {
		a.refMu.Unlock()
		a.freeMu.Unlock()
		abort.Panicf("kalloc", "free frame %v has refcount %d", pa, c)
	}
	a.refs[idx] = 1
	a.refMu.Unlock()
	a.freeMu.Unlock()

	a.allocs.Add(1)
	a.mem.Fill(pa, AllocJunk)
	return pa, nil
}

// Release drops one reference to pa. If other references remain it returns
// immediately; otherwise the frame is scrubbed and returned to the free
// list. Releasing a frame with no references, or an address that is not a
// managed frame, is a kernel bug and aborts.
func (a *Allocator) Release(pa riscv.PhysAddr) {
	idx := a.index(pa)

	a.freeMu.Lock()
	a.refMu.Lock()
	c := a.refs[idx]
	if c <= 0 {
		a.refMu.Unlock()
		a.freeMu.Unlock()
		abort.Panicf("kalloc", "release of unreferenced frame %v (refcount %d)", pa, c)
	}
	a.refs[idx] = c - 1
	a.refMu.Unlock()
	if c > 1 {
		a.freeMu.Unlock()
		return
	}
	a.freeMu.Unlock()

	a.mem.Fill(pa, FreeJunk)

	a.freeMu.Lock()
	a.free = append(a.free, pa)
	a.freeMu.Unlock()
	a.releases.Add(1)
}

// Share adds a reference to pa, which must already be referenced. It is
// called for every PTE installed against a frame some other PTE maps.
func (a *Allocator) Share(pa riscv.PhysAddr) {
	idx := a.index(pa)
	a.refMu.Lock()
	defer a.refMu.Unlock()
	if a.refs[idx] <= 0 {
		abort.Panicf("kalloc", "share of unreferenced frame %v", pa)
	}
	a.refs[idx]++
}

// Query returns the reference count of pa.
func (a *Allocator) Query(pa riscv.PhysAddr) int {
	idx := a.index(pa)
	a.refMu.Lock()
	defer a.refMu.Unlock()
	return int(a.refs[idx])
}

// Stats is a snapshot of allocator state.
type Stats struct {
	// Frames is the number of allocatable frames.
	Frames int
	// Free is the number of frames on the free list.
	Free int
	// Shared is the number of frames with more than one reference.
	Shared int
	// Allocs counts successful allocations.
	Allocs uint64
	// Releases counts frames returned to the free list.
	Releases uint64
	// Exhausted counts allocations that failed.
	Exhausted uint64
}

// Stats returns a snapshot of the allocator's state.
func (a *Allocator) Stats() Stats {
	a.freeMu.Lock()
	a.refMu.Lock()
	s := Stats{
		Frames: int((a.end - a.start) / riscv.PageSize),
		Free:   len(a.free),
	}
	for _, c := range a.refs {
		if c > 1 {
			s.Shared++
		}
	}
	a.refMu.Unlock()
	a.freeMu.Unlock()
	s.Allocs = a.allocs.Load()
	s.Releases = a.releases.Load()
	s.Exhausted = a.exhausted.Load()
	return s
}

// CheckInvariants verifies that the free list holds exactly the managed
// frames with no references, each once. It is only meaningful when no
// Release is in flight.
func (a *Allocator) CheckInvariants() error {
	a.freeMu.Lock()
	defer a.freeMu.Unlock()
	a.refMu.Lock()
	defer a.refMu.Unlock()

	onList := make(map[riscv.PhysAddr]bool, len(a.free))
	for _, pa := range a.free {
		if onList[pa] {
			return fmt.Errorf("frame %v is on the free list twice", pa)
		}
		onList[pa] = true
		if c := a.refs[a.index(pa)]; c != 0 {
			return fmt.Errorf("free frame %v has refcount %d", pa, c)
		}
	}
	for pa := a.start; pa < a.end; pa += riscv.PageSize {
		c := a.refs[a.index(pa)]
		if c < 0 {
			return fmt.Errorf("frame %v has negative refcount %d", pa, c)
		}
		if c == 0 && !onList[pa] {
			return fmt.Errorf("unreferenced frame %v is not on the free list", pa)
		}
	}
	return nil
}
