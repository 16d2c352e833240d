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

package syscalls

// DefaultTable returns the kernel's system call table.
func DefaultTable() *Table {
	return &Table{
		Table: map[uint64]Syscall{
			SysFork:   {Name: "fork", Fn: Fork, Note: "Copy-on-write: user pages are shared until written."},
			SysExit:   {Name: "exit", Fn: Exit},
			SysWait:   {Name: "wait", Fn: Wait, Note: "Stores the exit status if the address is not 0."},
			SysKill:   {Name: "kill", Fn: Kill, Note: "Takes effect at the target's next return to user mode."},
			SysGetpid: {Name: "getpid", Fn: Getpid},
			SysSbrk:   {Name: "sbrk", Fn: Sbrk, Note: "New memory is zeroed; shrinking releases frames."},
			SysSleep:  {Name: "sleep", Fn: Sleep, Note: "Interrupted by kill."},
			SysUptime: {Name: "uptime", Fn: Uptime},
		},
	}
}
