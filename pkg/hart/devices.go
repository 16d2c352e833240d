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

package hart

import (
	"sync"
	"sync/atomic"

	"gvisor.dev/cowkernel/pkg/riscv"
)

// UART is a simulated console UART. Input is queued by Receive and moved
// to the console buffer by the interrupt handler.
type UART struct {
	plic *PLIC

	mu sync.Mutex

	// +checklocks:mu
	rx []byte

	// +checklocks:mu
	console []byte

	intrs atomic.Uint64
}

// NewUART returns a UART raising riscv.UART0IRQ on plic.
func NewUART(plic *PLIC) *UART {
	return &UART{plic: plic}
}

// Receive queues input bytes and raises the UART interrupt.
func (u *UART) Receive(b []byte) {
	u.mu.Lock()
	u.rx = append(u.rx, b...)
	u.mu.Unlock()
	u.plic.Raise(riscv.UART0IRQ)
}

// Intr implements trap.Driver.Intr.
func (u *UART) Intr() {
	u.intrs.Add(1)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.console = append(u.console, u.rx...)
	u.rx = u.rx[:0]
}

// Console returns the input delivered so far.
func (u *UART) Console() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.console...)
}

// Interrupts returns the number of interrupts handled.
func (u *UART) Interrupts() uint64 {
	return u.intrs.Load()
}

// Disk is a simulated virtio disk. Requests complete asynchronously; the
// interrupt handler retires them and wakes their waiters.
type Disk struct {
	plic   *PLIC
	wakeup func(ch any)

	mu sync.Mutex

	// +checklocks:mu
	done []uint64

	// +checklocks:mu
	retired map[uint64]bool

	intrs atomic.Uint64
}

// NewDisk returns a disk raising riscv.Virtio0IRQ on plic. Retired requests
// are announced by calling wakeup with the request's channel.
func NewDisk(plic *PLIC, wakeup func(ch any)) *Disk {
	return &Disk{
		plic:    plic,
		wakeup:  wakeup,
		retired: make(map[uint64]bool),
	}
}

// Finish marks request id complete and raises the disk interrupt.
func (d *Disk) Finish(id uint64) {
	d.mu.Lock()
	d.done = append(d.done, id)
	d.mu.Unlock()
	d.plic.Raise(riscv.Virtio0IRQ)
}

// Chan returns the wait channel for request id.
func (d *Disk) Chan(id uint64) any {
	return diskChan{d: d, id: id}
}

type diskChan struct {
	d  *Disk
	id uint64
}

// Retired reports whether request id has been retired.
func (d *Disk) Retired(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retired[id]
}

// Intr implements trap.Driver.Intr.
func (d *Disk) Intr() {
	d.intrs.Add(1)
	d.mu.Lock()
	done := d.done
	d.done = nil
	for _, id := range done {
		d.retired[id] = true
	}
	d.mu.Unlock()
	for _, id := range done {
		if d.wakeup != nil {
			d.wakeup(d.Chan(id))
		}
	}
}

// Interrupts returns the number of interrupts handled.
func (d *Disk) Interrupts() uint64 {
	return d.intrs.Load()
}
