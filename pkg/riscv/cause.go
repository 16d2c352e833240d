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

package riscv

import "fmt"

// Cause is a value of the scause register.
type Cause uint64

// InterruptBit is set in scause when the trap was an interrupt.
const InterruptBit Cause = 1 << 63

// Exception causes.
const (
	CauseInstructionMisaligned Cause = 0
	CauseInstructionAccess     Cause = 1
	CauseIllegalInstruction    Cause = 2
	CauseBreakpoint            Cause = 3
	CauseLoadMisaligned        Cause = 4
	CauseLoadAccess            Cause = 5
	CauseStoreMisaligned       Cause = 6
	CauseStoreAccess           Cause = 7
	CauseUserEcall             Cause = 8
	CauseSupervisorEcall       Cause = 9
	CauseInstructionPageFault  Cause = 12
	CauseLoadPageFault         Cause = 13
	CauseStorePageFault        Cause = 15
)

// Interrupt causes.
const (
	// CauseSupervisorSoftware is a supervisor software interrupt. The
	// machine-mode timer vector forwards every timer tick as one.
	CauseSupervisorSoftware = InterruptBit | 1

	// CauseSupervisorTimer is a supervisor timer interrupt. The kernel
	// routes timer events through machine mode, so it never expects one.
	CauseSupervisorTimer = InterruptBit | 5

	// CauseSupervisorExternal is an external interrupt routed through the
	// PLIC.
	CauseSupervisorExternal = InterruptBit | 9
)

// IsInterrupt returns true if c is an interrupt rather than an exception.
func (c Cause) IsInterrupt() bool {
	return c&InterruptBit != 0
}

// Code returns the low byte of the cause, which distinguishes interrupt
// sources.
func (c Cause) Code() uint64 {
	return uint64(c) & 0xff
}

var exceptionNames = map[Cause]string{
	CauseInstructionMisaligned: "instruction address misaligned",
	CauseInstructionAccess:     "instruction access fault",
	CauseIllegalInstruction:    "illegal instruction",
	CauseBreakpoint:            "breakpoint",
	CauseLoadMisaligned:        "load address misaligned",
	CauseLoadAccess:            "load access fault",
	CauseStoreMisaligned:       "store/AMO address misaligned",
	CauseStoreAccess:           "store/AMO access fault",
	CauseUserEcall:             "environment call from U-mode",
	CauseSupervisorEcall:       "environment call from S-mode",
	CauseInstructionPageFault:  "instruction page fault",
	CauseLoadPageFault:         "load page fault",
	CauseStorePageFault:        "store/AMO page fault",
}

// String implements fmt.Stringer.String.
func (c Cause) String() string {
	switch c {
	case CauseSupervisorSoftware:
		return "supervisor software interrupt"
	case CauseSupervisorTimer:
		return "supervisor timer interrupt"
	case CauseSupervisorExternal:
		return "supervisor external interrupt"
	}
	if name, ok := exceptionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown cause %#x", uint64(c))
}
