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

// Package trap implements trap dispatch: the handling of every entry into
// the kernel from user mode, from kernel mode and from devices.
//
// Each entry is classified exactly once. From user mode, a trap is a system
// call, a device or timer interrupt, a store page fault, or unexpected; the
// last two kill the process when they cannot be resolved. From kernel mode,
// anything but a device or timer interrupt is a kernel bug and aborts.
package trap

import (
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/cow"
	"gvisor.dev/cowkernel/pkg/log"
	"gvisor.dev/cowkernel/pkg/proc"
	"gvisor.dev/cowkernel/pkg/riscv"
	"gvisor.dev/cowkernel/pkg/sched"
)

// Kernel text addresses stored in stvec and the trapframe. The simulation
// never jumps to them; they identify which handler a hart would enter.
const (
	// KernelVec is the kernel-mode trap vector.
	KernelVec uint64 = 0x80001000

	// UserTrapEntry is the address of the user trap handler.
	UserTrapEntry uint64 = 0x80002000
)

// CPU is the state of the hart the caller is running on.
type CPU interface {
	// ID returns the hart ID.
	ID() int

	SStatus() uint64
	SetSStatus(v uint64)
	SEPC() uint64
	SetSEPC(v uint64)
	SCause() riscv.Cause
	STVal() uint64
	SetSTVec(v uint64)

	// SATP returns the kernel page table register.
	SATP() uint64

	// IntrOn and IntrOff set and clear SIE in sstatus.
	IntrOn()
	IntrOff()
	IntrEnabled() bool

	// ClearSSIP acknowledges a supervisor software interrupt.
	ClearSSIP()

	// ReturnToUser switches to the user page table satp and returns to
	// user mode at sepc.
	ReturnToUser(satp uint64)
}

// Scheduler is the scheduler as seen by the trap path.
type Scheduler interface {
	// CPU returns the hart p is running on.
	CPU(p *proc.Process) CPU

	// Yield gives up p's hart. p may resume on another hart.
	Yield(p *proc.Process)

	// Exit terminates p with status. p's goroutine must return afterwards.
	Exit(p *proc.Process, status int)

	// Wakeup makes every process sleeping on ch runnable.
	Wakeup(ch any)
}

// Syscalls dispatches system calls.
type Syscalls interface {
	// Dispatch runs the system call in p's trapframe and stores the result
	// in a0.
	Dispatch(p *proc.Process)
}

// FaultHandler resolves copy-on-write store faults.
type FaultHandler interface {
	HandleFault(pt cow.PageTable, b cow.Bounds, va riscv.Addr) error
}

// PLIC is the platform-level interrupt controller.
type PLIC interface {
	// Claim returns the highest priority pending IRQ for hart, or 0.
	Claim(hart int) int

	// Complete tells the PLIC hart is done with irq.
	Complete(hart, irq int)
}

// Driver handles interrupts from one device.
type Driver interface {
	Intr()
}

// Outcome is what the caller of UserTrap does next.
type Outcome int

const (
	// Resume means the process returns to user mode.
	Resume Outcome = iota

	// Exited means the process has exited; its goroutine must return.
	Exited
)

// Stats counts trap classifications.
type Stats struct {
	Syscalls    uint64
	DeviceIntrs uint64
	TimerIntrs  uint64
	PageFaults  uint64
	Kills       uint64
	KernelTraps uint64
}

// Config configures an Engine.
type Config struct {
	Scheduler Scheduler
	Syscalls  Syscalls
	Faults    FaultHandler
	PLIC      PLIC

	// Drivers maps IRQ numbers to device drivers.
	Drivers map[int]Driver

	// Ticks is the tick counter advanced by timer interrupts.
	Ticks *Ticks

	// Timekeeper reports whether hart advances the tick counter. If nil,
	// hart 0 is the timekeeper.
	Timekeeper func(hart int) bool

	// DiagnosticInterval bounds how often unexpected user traps are
	// logged. Zero logs every one.
	DiagnosticInterval time.Duration
}

// Engine dispatches traps.
type Engine struct {
	sched      Scheduler
	syscalls   Syscalls
	faults     FaultHandler
	plic       PLIC
	drivers    map[int]Driver
	ticks      *Ticks
	timekeeper func(hart int) bool
	diag       log.Logger

	syscallCount atomic.Uint64
	deviceCount  atomic.Uint64
	timerCount   atomic.Uint64
	faultCount   atomic.Uint64
	killCount    atomic.Uint64
	kernelCount  atomic.Uint64
}

// New returns an engine configured by c.
func New(c Config) *Engine {
	e := &Engine{
		sched:      c.Scheduler,
		syscalls:   c.Syscalls,
		faults:     c.Faults,
		plic:       c.PLIC,
		drivers:    c.Drivers,
		ticks:      c.Ticks,
		timekeeper: c.Timekeeper,
		diag:       log.Log(),
	}
	if e.ticks == nil {
		e.ticks = &Ticks{}
	}
	if e.timekeeper == nil {
		e.timekeeper = func(hart int) bool { return hart == 0 }
	}
	if c.DiagnosticInterval > 0 {
		e.diag = log.BasicRateLimitedLogger(c.DiagnosticInterval)
	}
	return e
}

// Ticks returns the engine's tick counter.
func (e *Engine) Ticks() *Ticks {
	return e.ticks
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Syscalls:    e.syscallCount.Load(),
		DeviceIntrs: e.deviceCount.Load(),
		TimerIntrs:  e.timerCount.Load(),
		PageFaults:  e.faultCount.Load(),
		Kills:       e.killCount.Load(),
		KernelTraps: e.kernelCount.Load(),
	}
}

// UserTrap handles an interrupt, exception or system call from user mode
// by process p. It returns Resume once p is ready to return to user mode,
// or Exited if p terminated.
func (e *Engine) UserTrap(p *proc.Process) Outcome {
	c := e.sched.CPU(p)
	if c.SStatus()&riscv.SStatusSPP != 0 {
		abort.Panicf("trap", "usertrap: not from user mode")
	}

	// Traps taken from here on are kernel traps.
	c.SetSTVec(KernelVec)

	p.TF.EPC = c.SEPC()

	dev := None
	switch cause := c.SCause(); {
	case cause == riscv.CauseUserEcall:
		e.syscallCount.Add(1)
		if p.Killed() {
			return e.exit(p, -1)
		}
		// sepc points at the ecall; return to the next instruction.
		p.TF.EPC += riscv.EcallSize
		c.IntrOn()
		e.syscalls.Dispatch(p)
		if status, ok := p.ExitRequested(); ok {
			return e.exit(p, status)
		}
	default:
		if dev = e.DevIntr(c); dev != None {
			break
		}
		if cause == riscv.CauseStorePageFault {
			e.faultCount.Add(1)
			va := riscv.Addr(c.STVal())
			if err := e.faults.HandleFault(p.MM.PageTable(), cow.BoundsOf(p.MM.Size(), p.TF), va); err != nil {
				if log.IsLogging(log.Debug) {
					log.Debugf("usertrap(): pid %d: %v", p.PID, err)
				}
				e.kill(p)
			}
			break
		}
		e.diag.Warningf("usertrap(): unexpected scause %v pid=%d sepc=%#x stval=%#x", cause, p.PID, c.SEPC(), c.STVal())
		e.kill(p)
	}

	if p.Killed() {
		return e.exit(p, -1)
	}

	if dev == Timer {
		e.sched.Yield(p)
	}

	e.UserTrapReturn(p)
	return Resume
}

func (e *Engine) kill(p *proc.Process) {
	e.killCount.Add(1)
	p.Kill()
}

func (e *Engine) exit(p *proc.Process, status int) Outcome {
	e.sched.Exit(p, status)
	return Exited
}

// UserTrapReturn prepares p's hart to return to user mode and switches to
// p's page table.
func (e *Engine) UserTrapReturn(p *proc.Process) {
	c := e.sched.CPU(p)

	// stvec is about to point at the user vector; no trap may be taken
	// until the hart is back in user mode.
	c.IntrOff()

	c.SetSTVec(uint64(riscv.Trampoline) + riscv.UserVecOffset)

	// Values the trampoline needs on the next entry from user mode.
	p.TF.KernelSATP = c.SATP()
	p.TF.KernelSP = uint64(p.KStack) + riscv.PageSize
	p.TF.KernelTrap = UserTrapEntry
	p.TF.KernelHartID = uint64(c.ID())

	x := c.SStatus()
	x &^= riscv.SStatusSPP
	x |= riscv.SStatusSPIE
	c.SetSStatus(x)

	c.SetSEPC(p.TF.EPC)

	c.ReturnToUser(p.MM.PageTable().SATP())
}

// KernelTrap handles an interrupt or exception taken in supervisor mode on
// hart c. p is the process running on c, or nil if the hart is idle.
func (e *Engine) KernelTrap(c CPU, p *proc.Process) {
	sepc := c.SEPC()
	sstatus := c.SStatus()
	scause := c.SCause()
	e.kernelCount.Add(1)

	if sstatus&riscv.SStatusSPP == 0 {
		abort.Panicf("trap", "kerneltrap: not from supervisor mode")
	}
	if c.IntrEnabled() {
		abort.Panicf("trap", "kerneltrap: interrupts enabled")
	}

	dev := e.DevIntr(c)
	if dev == None {
		pid := -1
		if p != nil {
			pid = p.PID
		}
		abort.Panicf("trap", "kerneltrap: scause %v pid:%d sepc=%#x stval=%#x", scause, pid, sepc, c.STVal())
	}

	if dev == Timer && p != nil && p.State() == sched.Running {
		e.sched.Yield(p)
		c = e.sched.CPU(p)
	}

	// The yield may have taken other traps; restore the trap registers.
	c.SetSEPC(sepc)
	c.SetSStatus(sstatus)
}

// String implements fmt.Stringer.String.
func (o Outcome) String() string {
	switch o {
	case Resume:
		return "resume"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}
