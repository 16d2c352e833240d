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
	"sync"
)

// Ticks is the global tick counter. It is advanced by one hart per timer
// event and waited on by sleeping processes.
//
// A *Ticks is itself the wait channel for tick sleepers, and its lock is the
// lock they sleep with.
type Ticks struct {
	mu sync.Mutex

	// +checklocks:mu
	n uint64
}

// Lock locks the counter.
func (t *Ticks) Lock() {
	t.mu.Lock()
}

// Unlock unlocks the counter.
func (t *Ticks) Unlock() {
	t.mu.Unlock()
}

// NowLocked returns the tick count.
//
// +checklocks:t.mu
func (t *Ticks) NowLocked() uint64 {
	return t.n
}

// Now returns the tick count.
func (t *Ticks) Now() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Tick advances the counter by one and calls wakeup with the counter as the
// channel, all in one critical section.
func (t *Ticks) Tick(wakeup func(ch any)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n++
	wakeup(t)
	return t.n
}
