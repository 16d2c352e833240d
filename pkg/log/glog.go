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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is the threadid component of the header.
var pid = os.Getpid()

// glogTime is the timestamp layout of a glog header, "mmdd hh:mm:ss.uuuuuu".
const glogTime = "0102 15:04:05.000000"

// caller returns the base file name and line of the frame depth levels above
// its caller, or "???" and 0 if it is unknown.
func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???", 0
	}
	return file[strings.LastIndexByte(file, '/')+1:], line
}

// Emit emits the message, google-style. Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// where L is the first letter of the level and threadid is the process ID,
// space padded to seven columns as glog does.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	file, line := caller(depth + 1)
	header := fmt.Sprintf("%c%s %7d %s:%d] ", level.String()[0], timestamp.Format(glogTime), pid, file, line)
	// The header is prepended to the format, so any '%' in it is escaped
	// before the underlying emitter formats args.
	g.Emitter.Emit(depth+1, level, timestamp, strings.ReplaceAll(header, "%", "%%")+format+"\n", args...)
}
