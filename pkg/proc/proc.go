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

// Package proc defines processes and the process table.
package proc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/cowkernel/pkg/mm"
	"gvisor.dev/cowkernel/pkg/riscv"
	"gvisor.dev/cowkernel/pkg/sched"
)

// ErrNoProc is returned when the process table is full.
var ErrNoProc = errors.New("process table full")

// ErrNoSuchProcess is returned for an unknown pid.
var ErrNoSuchProcess = errors.New("no such process")

// Process is a user process.
type Process struct {
	sched.Thread

	// PID is the process ID. It is immutable.
	PID int

	// Name is used in diagnostics.
	Name string

	// Slot is the process's index in the table. The kernel stack is
	// derived from it.
	Slot int

	// KStack is the kernel virtual address of the bottom of the process's
	// kernel stack.
	KStack riscv.Addr

	// MM is the user address space. It is only touched by the process
	// itself, or by its parent once it is a zombie.
	MM *mm.AddressSpace

	// TF holds the saved user registers.
	TF *riscv.Trapframe

	// killed is set by Kill and checked at safe points in the trap path.
	killed atomic.Bool

	// exit records a voluntary exit request made by the exit system call.
	exitRequested atomic.Bool
	exitStatus    atomic.Int32

	// The following fields are protected by the table's mu.

	// +checklocks:table.mu
	parent *Process

	// +checklocks:table.mu
	xstatus int

	table *Table
}

// Kill requests that p terminate at its next safe point.
func (p *Process) Kill() {
	p.killed.Store(true)
}

// Killed reports whether p has been killed.
func (p *Process) Killed() bool {
	return p.killed.Load()
}

// RequestExit records that p called exit with status.
func (p *Process) RequestExit(status int) {
	p.exitStatus.Store(int32(status))
	p.exitRequested.Store(true)
}

// ExitRequested returns the status passed to exit, if p called it.
func (p *Process) ExitRequested() (int, bool) {
	if !p.exitRequested.Load() {
		return 0, false
	}
	return int(p.exitStatus.Load()), true
}

// Parent returns p's parent, or nil for the initial process.
func (p *Process) Parent() *Process {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	return p.parent
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("%d(%s)", p.PID, p.Name)
}

// Table is the process table.
type Table struct {
	// mu protects slots, nextPID and the parent and xstatus fields of every
	// process. It is also the lock waiting parents sleep with.
	mu sync.Mutex

	// +checklocks:mu
	slots []*Process

	// +checklocks:mu
	nextPID int
}

// NewTable returns a table with room for n processes.
func NewTable(n int) *Table {
	return &Table{
		slots:   make([]*Process, n),
		nextPID: 1,
	}
}

// Alloc creates a process named name in a free slot, with parent as its
// parent. The caller fills in the address space.
func (t *Table) Alloc(name string, parent *Process) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s != nil {
			continue
		}
		p := &Process{
			PID:    t.nextPID,
			Name:   name,
			Slot:   i,
			KStack: riscv.KStack(i),
			TF:     &riscv.Trapframe{},
			parent: parent,
			table:  t,
		}
		t.nextPID++
		t.slots[i] = p
		return p, nil
	}
	return nil, ErrNoProc
}

// Free removes p from the table.
func (t *Table) Free(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freeLocked(p)
}

// +checklocks:t.mu
func (t *Table) freeLocked(p *Process) {
	if t.slots[p.Slot] == p {
		t.slots[p.Slot] = nil
	}
}

// Lookup returns the process with the given pid.
func (t *Table) Lookup(pid int) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.slots {
		if p != nil && p.PID == pid {
			return p, true
		}
	}
	return nil, false
}

// Kill marks the process with the given pid killed and returns it so the
// caller can wake it if it is sleeping. The flag is set under the table
// lock, so a parent that checked it in wait with the table locked is either
// told or already asleep.
func (t *Table) Kill(pid int) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.slots {
		if p != nil && p.PID == pid && p.State() != sched.Zombie {
			p.Kill()
			return p, nil
		}
	}
	return nil, fmt.Errorf("kill %d: %w", pid, ErrNoSuchProcess)
}

// Len returns the number of processes in the table, zombies included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.slots {
		if p != nil {
			n++
		}
	}
	return n
}

// Processes returns a snapshot of the live processes.
func (t *Table) Processes() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ps []*Process
	for _, p := range t.slots {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return ps
}

// Lock locks the table. Parents waiting for children sleep with the table
// locked, and exiting children post their status under it.
func (t *Table) Lock() {
	t.mu.Lock()
}

// Unlock unlocks the table.
func (t *Table) Unlock() {
	t.mu.Unlock()
}

// ReparentLocked gives p's children to init.
//
// +checklocks:t.mu
func (t *Table) ReparentLocked(p, initp *Process) {
	for _, c := range t.slots {
		if c != nil && c.parent == p {
			c.parent = initp
		}
	}
}

// SetExitStatusLocked records p's exit status for its parent.
//
// +checklocks:t.mu
func (t *Table) SetExitStatusLocked(p *Process, status int) {
	p.xstatus = status
}

// ParentLocked returns p's parent.
//
// +checklocks:t.mu
func (t *Table) ParentLocked(p *Process) *Process {
	return p.parent
}

// ReapLocked looks for children of parent. If one is a zombie it is removed
// from the table and returned with its exit status. children is the number
// of children found.
//
// +checklocks:t.mu
func (t *Table) ReapLocked(parent *Process) (zombie *Process, status int, children int) {
	for _, c := range t.slots {
		if c == nil || c.parent != parent {
			continue
		}
		children++
		if c.State() == sched.Zombie {
			t.freeLocked(c)
			return c, c.xstatus, children
		}
	}
	return nil, 0, children
}
