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

// Package machine assembles a simulated multi-hart machine: physical
// memory and its allocator, the copy-on-write fault handler, the
// scheduler, the process table, the trap engine, harts, the PLIC and its
// devices. It implements the kernel services system calls and the trap
// path need, and runs init until it exits.
//
// Every process runs the same program, since there is no exec. Each
// process is a goroutine that alternates between running user code on its
// hart and handling the resulting trap.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/config"
	"gvisor.dev/cowkernel/pkg/cow"
	"gvisor.dev/cowkernel/pkg/hart"
	"gvisor.dev/cowkernel/pkg/isa"
	"gvisor.dev/cowkernel/pkg/kalloc"
	"gvisor.dev/cowkernel/pkg/log"
	"gvisor.dev/cowkernel/pkg/mm"
	"gvisor.dev/cowkernel/pkg/pagetable"
	"gvisor.dev/cowkernel/pkg/physmem"
	"gvisor.dev/cowkernel/pkg/proc"
	"gvisor.dev/cowkernel/pkg/riscv"
	"gvisor.dev/cowkernel/pkg/sched"
	"gvisor.dev/cowkernel/pkg/syscalls"
	"gvisor.dev/cowkernel/pkg/trap"
)

// ErrInitExited is the halt reason after a normal run.
var ErrInitExited = errors.New("init exited")

// spawnRetryInterval is the pause between attempts to create init.
const spawnRetryInterval = 10 * time.Millisecond

// Exit records a process exit.
type Exit struct {
	PID    int
	Name   string
	Status int
}

// Machine is a simulated machine.
type Machine struct {
	conf *config.Config
	prog isa.Program

	mem        *physmem.Memory
	alloc      *kalloc.Allocator
	kernelPT   *pagetable.PageTable
	trampoline riscv.PhysAddr
	cow        *cow.Handler

	sched  *sched.Scheduler
	table  *proc.Table
	engine *trap.Engine

	harts []*hart.Hart
	plic  *hart.PLIC
	uart  *hart.UART
	disk  *hart.Disk

	// baseline is the number of free frames after boot, before init.
	baseline int

	// procs tracks process goroutines.
	procs sync.WaitGroup

	// halted is closed when the machine stops: init exits or the kernel
	// panics.
	halted   chan struct{}
	haltOnce sync.Once

	mu sync.Mutex

	// +checklocks:mu
	initp *proc.Process

	// +checklocks:mu
	fatal *abort.Error

	// +checklocks:mu
	exits []Exit
}

// New builds a machine configured by conf. The caller must Close it.
func New(conf *config.Config) (*Machine, error) {
	return NewWithProgram(conf, Workload(conf.Workload))
}

// NewWithProgram is like New, but init runs prog.
func NewWithProgram(conf *config.Config, prog isa.Program) (*Machine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	conf = conf.Copy()
	mem, err := physmem.New(riscv.KernBase, conf.MemoryPages)
	if err != nil {
		return nil, err
	}
	// The first frame stands in for the kernel image; its first page is
	// the trampoline.
	alloc, err := kalloc.New(mem, 1)
	if err != nil {
		mem.Close()
		return nil, err
	}
	m := &Machine{
		conf:       conf,
		prog:       prog,
		mem:        mem,
		alloc:      alloc,
		trampoline: mem.Base(),
		cow:        cow.NewHandler(alloc),
		sched:      sched.New(conf.Harts),
		table:      proc.NewTable(conf.NProc),
		halted:     make(chan struct{}),
	}
	if err := m.buildKernelPageTable(); err != nil {
		mem.Close()
		return nil, err
	}

	m.plic = hart.NewPLIC(m.kickAll)
	m.uart = hart.NewUART(m.plic)
	m.disk = hart.NewDisk(m.plic, m.Wakeup)
	for i := 0; i < conf.Harts; i++ {
		m.harts = append(m.harts, hart.New(i, m.kernelPT.SATP(), m.plic))
	}

	timekeeper := conf.Timekeeper
	m.engine = trap.New(trap.Config{
		Scheduler: m,
		Syscalls:  syscalls.NewDispatcher(m, syscalls.DefaultTable()),
		Faults:    m.cow,
		PLIC:      m.plic,
		Drivers: map[int]trap.Driver{
			riscv.UART0IRQ:   m.uart,
			riscv.Virtio0IRQ: m.disk,
		},
		Timekeeper:         func(h int) bool { return h == timekeeper },
		DiagnosticInterval: conf.DiagnosticInterval,
	})
	m.baseline = alloc.Stats().Free
	log.Infof("machine: %d harts, %d frames, %d process slots", conf.Harts, conf.MemoryPages, conf.NProc)
	return m, nil
}

// buildKernelPageTable maps the trampoline in the kernel page table, whose
// satp every hart installs on a trap.
func (m *Machine) buildKernelPageTable() error {
	pt, err := pagetable.New(m.alloc)
	if err != nil {
		return err
	}
	if err := pt.Map(riscv.Trampoline, riscv.PageSize, m.trampoline, riscv.PTERead|riscv.PTEExec); err != nil {
		pt.Free()
		return err
	}
	m.kernelPT = pt
	return nil
}

// Close releases the machine's physical memory. The machine must not be
// running.
func (m *Machine) Close() error {
	return m.mem.Close()
}

func (m *Machine) kickAll() {
	for i := range m.harts {
		m.sched.Kick(i)
	}
}

// Run boots init and runs the machine until init exits, the kernel
// panics or ctx is done. It returns nil after init exits.
func (m *Machine) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if err := m.spawnInit(runCtx); err != nil {
		return fmt.Errorf("creating init: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		select {
		case <-m.halted:
		case <-gctx.Done():
		}
		m.sched.Stop()
		stop()
		return nil
	})
	for i := range m.harts {
		i := i
		g.Go(func() error {
			return m.runHart(gctx, i)
		})
	}
	g.Go(func() error {
		return m.runTimer(gctx)
	})
	err := g.Wait()
	m.procs.Wait()

	m.mu.Lock()
	fatal := m.fatal
	m.mu.Unlock()
	switch {
	case fatal != nil:
		return fatal
	case err != nil && !errors.Is(err, context.Canceled):
		return err
	case m.initExited():
		return nil
	default:
		return ctx.Err()
	}
}

func (m *Machine) initExited() bool {
	select {
	case <-m.halted:
		return true
	default:
		return false
	}
}

// runHart runs hart i's scheduler loop. A kernel panic on the hart halts
// the machine.
func (m *Machine) runHart(ctx context.Context, i int) error {
	h := m.harts[i]
	idle := func() {
		h.IntrOn()
		h.ServiceInterrupts(func(h *hart.Hart) {
			m.engine.KernelTrap(h, nil)
		})
		h.IntrOff()
	}
	var err error
	if aerr := abort.Catch(func() { err = m.sched.Run(ctx, i, idle) }); aerr != nil {
		m.panicked(aerr)
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runTimer forwards a timer interrupt to every hart each tick interval, as
// the machine-mode timer handler does by raising SSIP.
func (m *Machine) runTimer(ctx context.Context) error {
	lim := rate.NewLimiter(rate.Every(m.conf.TickInterval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		for i, h := range m.harts {
			h.RaiseSoftware()
			m.sched.Kick(i)
		}
	}
}

func (m *Machine) panicked(err *abort.Error) {
	m.mu.Lock()
	if m.fatal == nil {
		m.fatal = err
	}
	m.mu.Unlock()
	m.halt()
}

func (m *Machine) halt() {
	m.haltOnce.Do(func() { close(m.halted) })
}

// spawnInit creates init, retrying while memory is exhausted.
func (m *Machine) spawnInit(ctx context.Context) error {
	retries := uint64(m.conf.Workload.SpawnRetry / spawnRetryInterval)
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(spawnRetryInterval), retries), ctx)
	return backoff.Retry(func() error {
		p, err := m.newInit()
		if err != nil {
			if errors.Is(err, kalloc.ErrExhausted) || errors.Is(err, pagetable.ErrNoMem) {
				log.Warningf("machine: creating init: %v, retrying", err)
				return err
			}
			return backoff.Permanent(err)
		}
		m.mu.Lock()
		m.initp = p
		m.mu.Unlock()
		m.start(p)
		return nil
	}, b)
}

// newInit creates init with its initial memory layout.
func (m *Machine) newInit() (*proc.Process, error) {
	as, err := mm.New(m.alloc, m.trampoline)
	if err != nil {
		return nil, err
	}
	if _, err := as.Grow(int64(HeapVA)); err != nil {
		as.Destroy()
		return nil, err
	}
	if err := as.ClearUser(GuardVA); err != nil {
		as.Destroy()
		return nil, err
	}
	p, err := m.table.Alloc("init", nil)
	if err != nil {
		as.Destroy()
		return nil, err
	}
	p.MM = as
	p.TF.EPC = 0
	p.TF.GP = InitGP
	p.TF.SP = InitSP
	return p, nil
}

// start makes p runnable and starts its goroutine.
func (m *Machine) start(p *proc.Process) {
	m.sched.Add(&p.Thread)
	m.procs.Add(1)
	go func() {
		defer m.procs.Done()
		if err := abort.Catch(func() { m.runProcess(p) }); err != nil {
			m.panicked(err)
		}
	}()
}

// runProcess is p's kernel thread. It returns once p has exited or the
// machine has stopped.
func (m *Machine) runProcess(p *proc.Process) {
	m.sched.Start(&p.Thread)
	m.engine.UserTrapReturn(p)
	for !m.sched.Stopped() {
		h := m.harts[p.Hart()]
		if !h.Switch(p.TF, p.MM, m.prog, m.conf.MaxSteps) {
			continue
		}
		if m.engine.UserTrap(p) == trap.Exited {
			return
		}
	}
}

// CPU implements trap.Scheduler.CPU.
func (m *Machine) CPU(p *proc.Process) trap.CPU {
	return m.harts[p.Hart()]
}

// Yield implements trap.Scheduler.Yield.
func (m *Machine) Yield(p *proc.Process) {
	m.sched.Yield(&p.Thread)
}

// Wakeup implements trap.Scheduler.Wakeup.
func (m *Machine) Wakeup(ch any) {
	m.sched.Wakeup(ch)
}

// Exit implements trap.Scheduler.Exit. p's memory is released at once; its
// slot is freed when its parent reaps it. Children of p are given to init.
// When init exits the machine halts.
func (m *Machine) Exit(p *proc.Process, status int) {
	p.MM.Destroy()

	m.mu.Lock()
	initp := m.initp
	m.exits = append(m.exits, Exit{PID: p.PID, Name: p.Name, Status: status})
	m.mu.Unlock()
	log.Debugf("machine: %v exited with status %d", p, status)

	m.table.Lock()
	if p != initp {
		m.table.ReparentLocked(p, initp)
		m.sched.Wakeup(initp)
	}
	m.table.SetExitStatusLocked(p, status)
	if parent := m.table.ParentLocked(p); parent != nil {
		m.sched.Wakeup(parent)
	}
	m.sched.Exit(&p.Thread)
	m.table.Unlock()

	if p == initp {
		log.Infof("machine: init exited with status %d", status)
		m.halt()
	}
}

// Fork implements syscalls.Kernel.Fork.
func (m *Machine) Fork(p *proc.Process) (*proc.Process, error) {
	child, err := m.table.Alloc(p.Name, p)
	if err != nil {
		return nil, err
	}
	as, err := p.MM.Fork()
	if err != nil {
		m.table.Free(child)
		return nil, err
	}
	child.MM = as
	*child.TF = *p.TF
	child.TF.A0 = 0
	m.start(child)
	return child, nil
}

// Wait implements syscalls.Kernel.Wait.
func (m *Machine) Wait(p *proc.Process) (int, int, error) {
	m.table.Lock()
	defer m.table.Unlock()
	for {
		zombie, status, children := m.table.ReapLocked(p)
		if zombie != nil {
			return zombie.PID, status, nil
		}
		if children == 0 {
			return 0, 0, proc.ErrNoSuchProcess
		}
		if p.Killed() {
			return 0, 0, errKilled
		}
		m.sched.Sleep(&p.Thread, p, m.table)
	}
}

// errKilled is returned by a wait interrupted by kill.
var errKilled = errors.New("killed")

// Kill implements syscalls.Kernel.Kill.
func (m *Machine) Kill(pid int) error {
	p, err := m.table.Kill(pid)
	if err != nil {
		return err
	}
	m.sched.Interrupt(&p.Thread)
	return nil
}

// Sleep implements syscalls.Kernel.Sleep.
func (m *Machine) Sleep(p *proc.Process, ch any, lk sync.Locker) {
	m.sched.Sleep(&p.Thread, ch, lk)
}

// Ticks implements syscalls.Kernel.Ticks.
func (m *Machine) Ticks() *trap.Ticks {
	return m.engine.Ticks()
}

// CopyOut implements syscalls.Kernel.CopyOut. A store fault on a
// copy-on-write page is resolved as a user store fault would be, and the
// copy retried.
func (m *Machine) CopyOut(p *proc.Process, va riscv.Addr, data []byte) error {
	for {
		err := p.MM.Store(va, data)
		var fe *mm.FaultError
		if !errors.As(err, &fe) || fe.Cause != riscv.CauseStorePageFault {
			return err
		}
		if err := m.cow.HandleFault(p.MM.PageTable(), cow.BoundsOf(p.MM.Size(), p.TF), fe.Addr); err != nil {
			return err
		}
	}
}

// Input delivers console input through the UART interrupt.
func (m *Machine) Input(b []byte) {
	m.uart.Receive(b)
}

// Console returns the console input the UART driver has received.
func (m *Machine) Console() []byte {
	return m.uart.Console()
}

// Disk returns the machine's disk.
func (m *Machine) Disk() *hart.Disk {
	return m.disk
}

// Allocator returns the physical page allocator.
func (m *Machine) Allocator() *kalloc.Allocator {
	return m.alloc
}

// Exits returns the exits recorded so far, in order.
func (m *Machine) Exits() []Exit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Exit(nil), m.exits...)
}

// Stats is a snapshot of machine counters.
type Stats struct {
	Memory    kalloc.Stats
	COW       cow.Stats
	Traps     trap.Stats
	Ticks     uint64
	Processes int

	// Leaked is the number of frames allocated since boot and not yet
	// released. It is zero once every process has been reaped.
	Leaked int

	UARTInterrupts uint64
	DiskInterrupts uint64
}

// Stats returns a snapshot of the machine's counters.
func (m *Machine) Stats() Stats {
	mem := m.alloc.Stats()
	return Stats{
		Memory:         mem,
		COW:            m.cow.Stats(),
		Traps:          m.engine.Stats(),
		Ticks:          m.engine.Ticks().Now(),
		Processes:      m.table.Len(),
		Leaked:         m.baseline - mem.Free,
		UARTInterrupts: m.uart.Interrupts(),
		DiskInterrupts: m.disk.Interrupts(),
	}
}
