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
	"gvisor.dev/cowkernel/pkg/proc"
)

// Sleep implements sleep(n): wait for n clock ticks. It fails if the
// process is killed while sleeping.
func Sleep(k Kernel, p *proc.Process, args Arguments) (uint64, error) {
	n := uint64(uint32(args.Int(0)))
	ticks := k.Ticks()
	ticks.Lock()
	defer ticks.Unlock()
	t0 := ticks.NowLocked()
	for ticks.NowLocked()-t0 < n {
		if p.Killed() {
			return 0, errKilled
		}
		k.Sleep(p, ticks, ticks)
	}
	return 0, nil
}

// Uptime implements uptime(): the number of clock ticks since boot.
func Uptime(k Kernel, _ *proc.Process, _ Arguments) (uint64, error) {
	return k.Ticks().Now(), nil
}
