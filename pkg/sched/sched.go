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

// Package sched implements a cooperative round-robin scheduler for kernel
// threads.
//
// Each kernel thread is a goroutine. A hart is a slot that at most one
// thread occupies at a time; the hart's own goroutine runs Run, the
// scheduler loop. Switching between a thread and its hart's scheduler loop
// is a channel handoff, so exactly one of the two runs at any moment.
//
// A thread gives up its hart only at Yield, Sleep and Exit.
package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// State is a thread's scheduling state.
type State int

// Thread states.
const (
	// Embryo threads have been created but never made runnable.
	Embryo State = iota
	Runnable
	Running
	Sleeping
	Zombie
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Embryo:
		return "embryo"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Zombie:
		return "zombie"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Thread is the scheduling part of a process. The zero value is an embryo
// thread ready to be added to a Scheduler.
type Thread struct {
	mu sync.Mutex

	// +checklocks:mu
	state State

	// channel is the wait channel while Sleeping.
	//
	// +checklocks:mu
	channel any

	// hart is the hart the thread last ran on.
	//
	// +checklocks:mu
	hart int

	// interrupted is set by Interrupt on a thread that was not sleeping.
	// The thread's next Sleep consumes it and returns without sleeping.
	//
	// +checklocks:mu
	interrupted bool

	// resume is signalled by a hart's scheduler loop to switch to the
	// thread. It is buffered so that a hart may pick the thread before it
	// has finished switching away from its previous hart.
	resume chan struct{}
}

// State returns t's current state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Hart returns the hart t is running on, or last ran on.
func (t *Thread) Hart() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hart
}

// slot is the scheduler's view of one hart.
type slot struct {
	// back is signalled by a thread switching back to the scheduler loop.
	back chan struct{}

	// kick wakes an idle scheduler loop.
	kick chan struct{}

	mu sync.Mutex

	// +checklocks:mu
	current *Thread
}

// Scheduler schedules threads onto harts.
type Scheduler struct {
	// mu protects threads and next. Thread locks nest inside mu.
	mu sync.Mutex

	// +checklocks:mu
	threads []*Thread

	// next is the round-robin cursor into threads.
	//
	// +checklocks:mu
	next int

	harts []*slot

	// done is closed by Stop.
	done     chan struct{}
	stopOnce sync.Once
}

// New returns a scheduler for nharts harts.
func New(nharts int) *Scheduler {
	s := &Scheduler{
		harts: make([]*slot, nharts),
		done:  make(chan struct{}),
	}
	for i := range s.harts {
		s.harts[i] = &slot{
			back: make(chan struct{}),
			kick: make(chan struct{}, 1),
		}
	}
	return s
}

// Harts returns the number of harts.
func (s *Scheduler) Harts() int {
	return len(s.harts)
}

// Add makes t runnable.
func (s *Scheduler) Add(t *Thread) {
	t.resume = make(chan struct{}, 1)
	s.mu.Lock()
	s.threads = append(s.threads, t)
	s.mu.Unlock()
	t.mu.Lock()
	t.state = Runnable
	t.mu.Unlock()
	s.kickAll()
}

// remove drops a zombie thread from the run list.
func (s *Scheduler) remove(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.threads {
		if o == t {
			s.threads = append(s.threads[:i], s.threads[i+1:]...)
			if s.next > i {
				s.next--
			}
			return
		}
	}
}

// Kick wakes hart's scheduler loop if it is idle.
func (s *Scheduler) Kick(hart int) {
	select {
	case s.harts[hart].kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) kickAll() {
	for i := range s.harts {
		s.Kick(i)
	}
}

// Current returns the thread running on hart, or nil.
func (s *Scheduler) Current(hart int) *Thread {
	h := s.harts[hart]
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// pick claims the next runnable thread for hart.
func (s *Scheduler) pick(hart int) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(s.threads); i++ {
		t := s.threads[(s.next+i)%len(s.threads)]
		t.mu.Lock()
		if t.state == Runnable {
			t.state = Running
			t.hart = hart
			t.mu.Unlock()
			s.next = (s.next + i + 1) % len(s.threads)
			return t
		}
		t.mu.Unlock()
	}
	return nil
}

// Run is hart's scheduler loop. Before each scheduling decision it calls
// idle, which services interrupts pending on the hart. Run returns when ctx
// is done or the scheduler is stopped.
func (s *Scheduler) Run(ctx context.Context, hart int, idle func()) error {
	h := s.harts[hart]
	for {
		idle()
		t := s.pick(hart)
		if t == nil {
			select {
			case <-h.kick:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return nil
			}
		}
		h.mu.Lock()
		h.current = t
		h.mu.Unlock()

		t.resume <- struct{}{}
		select {
		case <-h.back:
		case <-s.done:
			return nil
		}

		h.mu.Lock()
		h.current = nil
		h.mu.Unlock()
	}
}

// Stop stops every scheduler loop. Threads waiting to be scheduled exit
// their goroutines.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// wait blocks until a hart switches to t. It returns false if the
// scheduler is stopped first.
func (s *Scheduler) wait(t *Thread) bool {
	select {
	case <-t.resume:
		return true
	case <-s.done:
		return false
	}
}

// switchOut hands t's hart back to its scheduler loop and waits to be
// scheduled again. It returns false if the scheduler is stopped first.
func (s *Scheduler) switchOut(t *Thread, hart int) bool {
	select {
	case s.harts[hart].back <- struct{}{}:
	case <-s.done:
		return false
	}
	return s.wait(t)
}

// Start blocks the calling thread goroutine until t is first scheduled. If
// the scheduler is stopped first, the calling goroutine exits.
func (s *Scheduler) Start(t *Thread) {
	if !s.wait(t) {
		runtime.Goexit()
	}
}

// Yield gives up the hart for one scheduling round. If the scheduler is
// stopped meanwhile, the calling goroutine exits.
func (s *Scheduler) Yield(t *Thread) {
	t.mu.Lock()
	t.state = Runnable
	hart := t.hart
	t.mu.Unlock()
	s.kickAll()
	if !s.switchOut(t, hart) {
		runtime.Goexit()
	}
}

// Sleep atomically releases lk and suspends t on channel ch until Wakeup
// is called for ch. lk is reacquired before Sleep returns. If t was
// interrupted since its last Sleep, it returns at once without releasing lk;
// callers recheck their condition in a loop.
//
// If the scheduler is stopped while t sleeps, the calling goroutine exits
// with lk held, so deferred unlocks still balance.
func (s *Scheduler) Sleep(t *Thread, ch any, lk sync.Locker) {
	// Once t.mu is held no Wakeup can miss t: a waker must hold lk or run
	// after t is marked Sleeping.
	t.mu.Lock()
	if t.interrupted {
		t.interrupted = false
		t.mu.Unlock()
		return
	}
	lk.Unlock()
	t.channel = ch
	t.state = Sleeping
	hart := t.hart
	t.mu.Unlock()

	ok := s.switchOut(t, hart)

	t.mu.Lock()
	t.channel = nil
	t.mu.Unlock()
	lk.Lock()
	if !ok {
		runtime.Goexit()
	}
}

// Wakeup makes every thread sleeping on ch runnable.
func (s *Scheduler) Wakeup(ch any) {
	woke := false
	s.mu.Lock()
	for _, t := range s.threads {
		t.mu.Lock()
		if t.state == Sleeping && t.channel == ch {
			t.state = Runnable
			woke = true
		}
		t.mu.Unlock()
	}
	s.mu.Unlock()
	if woke {
		s.kickAll()
	}
}

// Interrupt makes t runnable if it is sleeping, so that it notices a
// pending kill. If t is not sleeping, its next Sleep returns at once.
func (s *Scheduler) Interrupt(t *Thread) {
	t.mu.Lock()
	woke := t.state == Sleeping
	if woke {
		t.state = Runnable
	} else if t.state != Zombie {
		t.interrupted = true
	}
	t.mu.Unlock()
	if woke {
		s.kickAll()
	}
}

// Exit marks t a zombie and hands its hart back for good. The calling
// goroutine must return without touching the hart again.
func (s *Scheduler) Exit(t *Thread) {
	t.mu.Lock()
	t.state = Zombie
	hart := t.hart
	t.mu.Unlock()
	s.remove(t)
	select {
	case s.harts[hart].back <- struct{}{}:
	case <-s.done:
	}
}
