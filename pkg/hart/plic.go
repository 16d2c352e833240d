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
	"math/bits"
	"sync"

	"gvisor.dev/cowkernel/pkg/abort"
)

// MaxIRQ is the highest IRQ number the PLIC routes.
const MaxIRQ = 63

// PLIC is a simulated platform-level interrupt controller. Every hart is
// enabled for every IRQ; a claim hands a pending IRQ to exactly one hart,
// and the IRQ is not delivered again until the claiming hart completes it.
type PLIC struct {
	mu sync.Mutex

	// +checklocks:mu
	pending uint64

	// +checklocks:mu
	inService uint64

	// +checklocks:mu
	claims map[int]uint64

	// notify is called after an IRQ becomes deliverable.
	notify func()
}

// NewPLIC returns a PLIC that calls notify whenever an IRQ becomes
// deliverable. notify may be nil.
func NewPLIC(notify func()) *PLIC {
	return &PLIC{
		claims: make(map[int]uint64),
		notify: notify,
	}
}

func checkIRQ(irq int) {
	if irq <= 0 || irq > MaxIRQ {
		abort.Panicf("plic", "bad irq %d", irq)
	}
}

// Raise marks irq pending, as a device asserting its interrupt line.
func (p *PLIC) Raise(irq int) {
	checkIRQ(irq)
	p.mu.Lock()
	p.pending |= 1 << irq
	deliverable := p.claimableLocked() != 0
	p.mu.Unlock()
	if deliverable && p.notify != nil {
		p.notify()
	}
}

// +checklocks:p.mu
func (p *PLIC) claimableLocked() uint64 {
	return p.pending &^ p.inService
}

// Pending reports whether an IRQ can be claimed.
func (p *PLIC) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimableLocked() != 0
}

// Claim implements trap.PLIC.Claim. Lower IRQ numbers have priority.
func (p *PLIC) Claim(hart int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.claimableLocked()
	if c == 0 {
		return 0
	}
	irq := bits.TrailingZeros64(c)
	p.pending &^= 1 << irq
	p.inService |= 1 << irq
	p.claims[hart] |= 1 << irq
	return irq
}

// Complete implements trap.PLIC.Complete.
func (p *PLIC) Complete(hart, irq int) {
	checkIRQ(irq)
	p.mu.Lock()
	if p.claims[hart]&(1<<irq) == 0 {
		p.mu.Unlock()
		abort.Panicf("plic", "hart %d completes unclaimed irq %d", hart, irq)
	}
	p.claims[hart] &^= 1 << irq
	p.inService &^= 1 << irq
	deliverable := p.pending&(1<<irq) != 0
	p.mu.Unlock()
	if deliverable && p.notify != nil {
		p.notify()
	}
}
