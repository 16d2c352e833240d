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

// Package syscalls implements the system call table and dispatcher.
//
// The system call number is passed in a7 and arguments in a0 through a5.
// The return value is stored in a0; failures return -1.
package syscalls

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/cowkernel/pkg/log"
	"gvisor.dev/cowkernel/pkg/proc"
	"gvisor.dev/cowkernel/pkg/riscv"
	"gvisor.dev/cowkernel/pkg/trap"
)

// System call numbers.
const (
	SysFork   = 1
	SysExit   = 2
	SysWait   = 3
	SysKill   = 6
	SysGetpid = 11
	SysSbrk   = 12
	SysSleep  = 13
	SysUptime = 14
)

// ErrBadSyscall is reported for system call numbers with no handler.
var ErrBadSyscall = errors.New("unknown system call")

// Kernel is the kernel as seen by system call handlers.
type Kernel interface {
	// Fork creates a runnable copy of p and returns it. The child's
	// trapframe is a copy of p's with a0 set to 0.
	Fork(p *proc.Process) (*proc.Process, error)

	// Wait waits for a child of p to exit, reaps it and returns its pid
	// and exit status.
	Wait(p *proc.Process) (pid, status int, err error)

	// Kill kills the process with the given pid.
	Kill(pid int) error

	// Sleep atomically releases lk and sleeps on ch until woken, then
	// reacquires lk.
	Sleep(p *proc.Process, ch any, lk sync.Locker)

	// Ticks returns the tick counter.
	Ticks() *trap.Ticks

	// CopyOut copies data to p's user memory at va, breaking
	// copy-on-write sharing as needed.
	CopyOut(p *proc.Process, va riscv.Addr, data []byte) error
}

// Arguments are the raw system call arguments a0 through a5.
type Arguments [6]uint64

// Int returns argument n as a 32-bit signed integer.
func (a Arguments) Int(n int) int32 {
	return int32(a[n])
}

// Addr returns argument n as a user address.
func (a Arguments) Addr(n int) riscv.Addr {
	return riscv.Addr(a[n])
}

// SyscallFn is a system call implementation. It returns the value for a0.
type SyscallFn func(k Kernel, p *proc.Process, args Arguments) (uint64, error)

// Syscall describes one system call.
type Syscall struct {
	// Name is the system call name.
	Name string

	// Fn is the implementation.
	Fn SyscallFn

	// Note describes the semantics, for listings.
	Note string
}

// Table maps system call numbers to system calls.
type Table struct {
	Table map[uint64]Syscall
}

// Lookup returns the system call for num.
func (t *Table) Lookup(num uint64) (Syscall, bool) {
	sc, ok := t.Table[num]
	return sc, ok
}

// Dispatcher runs system calls from a table against a kernel.
type Dispatcher struct {
	kernel Kernel
	table  *Table
}

// NewDispatcher returns a dispatcher for table running against k.
func NewDispatcher(k Kernel, table *Table) *Dispatcher {
	return &Dispatcher{kernel: k, table: table}
}

// failed is the a0 value of a failed system call.
const failed = ^uint64(0)

// Dispatch implements trap.Syscalls.Dispatch.
func (d *Dispatcher) Dispatch(p *proc.Process) {
	tf := p.TF
	num := tf.SyscallNumber()
	sc, ok := d.table.Lookup(num)
	if !ok {
		log.Warningf("%d %s: %v %d", p.PID, p.Name, ErrBadSyscall, num)
		tf.SetReturn(failed)
		return
	}
	args := Arguments{tf.A0, tf.A1, tf.A2, tf.A3, tf.A4, tf.A5}
	ret, err := sc.Fn(d.kernel, p, args)
	if err != nil {
		if log.IsLogging(log.Debug) {
			log.Debugf("%d %s: %s: %v", p.PID, p.Name, sc.Name, err)
		}
		ret = failed
	}
	tf.SetReturn(ret)
}

// String implements fmt.Stringer.String.
func (sc Syscall) String() string {
	return fmt.Sprintf("%s()", sc.Name)
}
