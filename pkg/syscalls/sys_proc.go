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

import (
	"encoding/binary"
	"errors"

	"gvisor.dev/cowkernel/pkg/proc"
)

// errKilled is returned by system calls interrupted by kill.
var errKilled = errors.New("killed")

// Fork implements fork(). The child returns 0.
func Fork(k Kernel, p *proc.Process, _ Arguments) (uint64, error) {
	child, err := k.Fork(p)
	if err != nil {
		return 0, err
	}
	return uint64(child.PID), nil
}

// Exit implements exit(status). It does not return to user mode.
func Exit(_ Kernel, p *proc.Process, args Arguments) (uint64, error) {
	p.RequestExit(int(args.Int(0)))
	return 0, nil
}

// Wait implements wait(addr). If addr is not 0 the child's exit status is
// stored there as a 32-bit integer.
func Wait(k Kernel, p *proc.Process, args Arguments) (uint64, error) {
	pid, status, err := k.Wait(p)
	if err != nil {
		return 0, err
	}
	if addr := args.Addr(0); addr != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(status)))
		if err := k.CopyOut(p, addr, buf[:]); err != nil {
			return 0, err
		}
	}
	return uint64(pid), nil
}

// Kill implements kill(pid).
func Kill(k Kernel, _ *proc.Process, args Arguments) (uint64, error) {
	if err := k.Kill(int(args.Int(0))); err != nil {
		return 0, err
	}
	return 0, nil
}

// Getpid implements getpid().
func Getpid(_ Kernel, p *proc.Process, _ Arguments) (uint64, error) {
	return uint64(p.PID), nil
}

// Sbrk implements sbrk(n). It returns the previous size of user memory.
func Sbrk(_ Kernel, p *proc.Process, args Arguments) (uint64, error) {
	old, err := p.MM.Grow(int64(args.Int(0)))
	if err != nil {
		return 0, err
	}
	return old, nil
}
