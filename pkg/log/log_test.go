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
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	bl.Debugf("testing...\n") // Just for file:line.
	if len(tw.lines) != 1 {
		t.Fatalf("expected one line, got %v", tw.lines)
	}
	if !strings.Contains(tw.lines[0], "log_test.go:") {
		t.Errorf("caller not recorded in %q", tw.lines[0])
	}
	if tw.lines[0][0] != 'D' {
		t.Errorf("level prefix = %q, want 'D'", tw.lines[0][0])
	}
}

func TestLevel(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Info,
	}
	bl.Debugf("hidden\n")
	bl.Infof("shown\n")
	bl.Warningf("shown\n")
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines, want %d: %v", got, want, tw.lines)
	}

	bl.SetLevel(Warning)
	bl.Infof("hidden\n")
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines after SetLevel(Warning), want %d", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "warning", want: Warning},
		{in: "info", want: Info},
		{in: "Debug", want: Debug},
		{in: "trace", wantErr: true},
	} {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %t", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Warning, time.Unix(0, 0).UTC(), "scause %#x pid=%d", 0xd, 3)
	if len(tw.lines) == 0 {
		t.Fatalf("nothing emitted")
	}
	var j jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &j); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", tw.lines[0], err)
	}
	if j.Level != Warning {
		t.Errorf("level = %v, want %v", j.Level, Warning)
	}
	if !strings.HasSuffix(j.Msg, "scause 0xd pid=3") {
		t.Errorf("msg = %q", j.Msg)
	}
}

func TestRateLimited(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{Emitter: &Writer{Next: tw}, Level: Info}
	rl := RateLimitedLogger(bl, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("unexpected scause %d\n", i)
	}
	if got := len(tw.lines); got != 1 {
		t.Errorf("rate limited logger wrote %d lines, want 1", got)
	}
	if got := rl.(*rateLimitedLogger).Suppressed(); got != 9 {
		t.Errorf("Suppressed() = %d, want 9", got)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 890123000, time.UTC)
	e.Emit(0, Info, ts, "100%% of %d harts", 4)
	if len(tw.lines) != 1 {
		t.Fatalf("expected one line, got %v", tw.lines)
	}
	got := tw.lines[0]
	if want := "I0304 05:06:07.890123 "; !strings.HasPrefix(got, want) {
		t.Errorf("header of %q, want prefix %q", got, want)
	}
	if want := "] 100% of 4 harts\n"; !strings.HasSuffix(got, want) {
		t.Errorf("line %q, want suffix %q", got, want)
	}
}

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"debug"`, want: Debug},
		{in: `1`, want: Info},
		{in: `7`, wantErr: true},
		{in: `"trace"`, wantErr: true},
	} {
		var l Level
		err := json.Unmarshal([]byte(tc.in), &l)
		if (err != nil) != tc.wantErr {
			t.Errorf("Unmarshal(%s) err = %v, wantErr %t", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && l != tc.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tc.in, l, tc.want)
		}
	}
	b, err := json.Marshal(Info)
	if err != nil || string(b) != `"info"` {
		t.Errorf("Marshal(Info) = %s, %v, want \"info\"", b, err)
	}
}
