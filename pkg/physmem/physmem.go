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

// Package physmem provides the simulated physical memory that page frames,
// page tables and user data live in.
//
// The arena is an anonymous host mapping rather than a Go slice so that it
// is page aligned and can be returned to the host in one call.
package physmem

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/riscv"
)

// Memory is a contiguous range of physical memory starting at Base.
type Memory struct {
	base riscv.PhysAddr
	mem  []byte
}

// New maps npages of physical memory at base.
func New(base riscv.PhysAddr, npages int) (*Memory, error) {
	if !base.IsPageAligned() {
		return nil, fmt.Errorf("physical memory base %v is not page aligned", base)
	}
	if npages <= 0 {
		return nil, fmt.Errorf("invalid physical memory size: %d pages", npages)
	}
	mem, err := unix.Mmap(-1,
		0,
		npages*riscv.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap physical memory: %w", err)
	}
	return &Memory{base: base, mem: mem}, nil
}

// Close unmaps the arena. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// Base returns the first physical address of the arena.
func (m *Memory) Base() riscv.PhysAddr {
	return m.base
}

// End returns one past the last physical address of the arena.
func (m *Memory) End() riscv.PhysAddr {
	return m.base + riscv.PhysAddr(len(m.mem))
}

// Pages returns the number of frames in the arena.
func (m *Memory) Pages() int {
	return len(m.mem) / riscv.PageSize
}

// Contains returns true if [pa, pa+length) is inside the arena.
func (m *Memory) Contains(pa riscv.PhysAddr, length uint64) bool {
	return pa >= m.base && uint64(pa-m.base)+length <= uint64(len(m.mem)) && uint64(pa-m.base)+length >= uint64(pa-m.base)
}

func (m *Memory) slice(pa riscv.PhysAddr, length uint64) []byte {
	if !m.Contains(pa, length) {
		abort.Panicf("physmem", "access [%v, %v) outside [%v, %v)", pa, pa+riscv.PhysAddr(length), m.base, m.End())
	}
	off := uint64(pa - m.base)
	return m.mem[off : off+length : off+length]
}

// Page returns the contents of the frame at pa, which must be page aligned.
// The slice aliases the arena.
func (m *Memory) Page(pa riscv.PhysAddr) []byte {
	if !pa.IsPageAligned() {
		abort.Panicf("physmem", "page %v is not aligned", pa)
	}
	return m.slice(pa, riscv.PageSize)
}

// Bytes returns length bytes at pa. The slice aliases the arena.
func (m *Memory) Bytes(pa riscv.PhysAddr, length uint64) []byte {
	return m.slice(pa, length)
}

// Fill sets every byte of the frame at pa to b.
func (m *Memory) Fill(pa riscv.PhysAddr, b byte) {
	p := m.Page(pa)
	for i := range p {
		p[i] = b
	}
}

// CopyPage copies the frame at src to the frame at dst.
func (m *Memory) CopyPage(dst, src riscv.PhysAddr) {
	copy(m.Page(dst), m.Page(src))
}

// Uint64 reads the little-endian word at pa.
func (m *Memory) Uint64(pa riscv.PhysAddr) uint64 {
	return binary.LittleEndian.Uint64(m.slice(pa, 8))
}

// PutUint64 writes the little-endian word v at pa.
func (m *Memory) PutUint64(pa riscv.PhysAddr, v uint64) {
	binary.LittleEndian.PutUint64(m.slice(pa, 8), v)
}

// Decommit returns the backing of every page to the host. Contents read as
// zero afterwards.
func (m *Memory) Decommit() error {
	return unix.Madvise(m.mem, unix.MADV_DONTNEED)
}
