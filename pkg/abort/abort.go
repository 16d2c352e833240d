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

// Package abort is the process-wide channel for kernel invariant violations.
//
// A violation (wrong privilege on trap entry, interrupts enabled in a
// kernel trap, an unrecognized kernel-mode cause, allocator corruption)
// means the kernel itself is broken. Panicf logs the violation and panics
// with an *Error. Nothing in the kernel recovers it; the machine goroutine
// that observes it stops every hart. Process-level failures never come
// through here: they set the process's killed flag instead.
package abort

import (
	"errors"
	"fmt"

	"gvisor.dev/cowkernel/pkg/log"
)

// Error describes a kernel panic.
type Error struct {
	// Module is the subsystem that detected the violation.
	Module string

	// Message is the formatted description.
	Message string
}

// Error implements error.Error.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] unrecoverable error: %s", e.Module, e.Message)
}

// Panicf reports an invariant violation detected by module and halts the
// caller. It never returns.
func Panicf(module, format string, v ...any) {
	e := &Error{Module: module, Message: fmt.Sprintf(format, v...)}
	log.Warningf("*** kernel panic: %v ***", e)
	panic(e)
}

// Catch runs fn and returns the *Error it panicked with, or nil if fn
// returned normally. Panics that are not kernel panics propagate.
func Catch(fn func()) (err *Error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(*Error); ok {
			err = e
			return
		}
		panic(r)
	}()
	fn()
	return nil
}

// As reports whether err carries a kernel panic.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
