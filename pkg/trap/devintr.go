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

package trap

import (
	"fmt"

	"gvisor.dev/cowkernel/pkg/log"
	"gvisor.dev/cowkernel/pkg/riscv"
)

// Device is the kind of interrupt DevIntr recognized.
type Device int

const (
	// None means the trap was not a recognized interrupt.
	None Device = iota

	// External is a device interrupt routed through the PLIC.
	External

	// Timer is a timer interrupt forwarded as a software interrupt.
	Timer
)

// String implements fmt.Stringer.String.
func (d Device) String() string {
	switch d {
	case None:
		return "none"
	case External:
		return "external"
	case Timer:
		return "timer"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// externalCode is the low byte of scause for a supervisor external
// interrupt.
const externalCode = 9

// DevIntr checks whether the trap on c is an external or timer interrupt
// and handles it.
func (e *Engine) DevIntr(c CPU) Device {
	scause := c.SCause()
	switch {
	case scause.IsInterrupt() && scause&0xff == externalCode:
		// The PLIC tells us which device is interrupting.
		irq := e.plic.Claim(c.ID())
		if d, ok := e.drivers[irq]; ok {
			d.Intr()
		} else if irq != 0 {
			log.Warningf("unexpected interrupt irq=%d", irq)
		}
		// The PLIC allows each device to raise at most one interrupt at a
		// time; tell it the device may interrupt again.
		if irq != 0 {
			e.plic.Complete(c.ID(), irq)
		}
		e.deviceCount.Add(1)
		return External

	case scause == riscv.CauseSupervisorSoftware:
		// Software interrupt from the machine-mode timer handler.
		if e.timekeeper(c.ID()) {
			e.ticks.Tick(e.sched.Wakeup)
		}
		// Every hart acknowledges its own interrupt.
		c.ClearSSIP()
		e.timerCount.Add(1)
		return Timer

	default:
		return None
	}
}
