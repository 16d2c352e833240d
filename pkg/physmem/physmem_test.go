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

package physmem

import (
	"bytes"
	"testing"

	"gvisor.dev/cowkernel/pkg/abort"
	"gvisor.dev/cowkernel/pkg/riscv"
)

func newMemory(t *testing.T, npages int) *Memory {
	t.Helper()
	m, err := New(riscv.KernBase, npages)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return m
}

func TestGeometry(t *testing.T) {
	m := newMemory(t, 4)
	if got := m.Pages(); got != 4 {
		t.Errorf("Pages() = %d, want 4", got)
	}
	if got, want := m.End(), riscv.KernBase+4*riscv.PageSize; got != want {
		t.Errorf("End() = %v, want %v", got, want)
	}
	if m.Contains(m.End(), 1) {
		t.Errorf("Contains(End()) = true")
	}
	if m.Contains(riscv.KernBase-1, 1) {
		t.Errorf("Contains(base-1) = true")
	}
}

func TestFillAndCopy(t *testing.T) {
	m := newMemory(t, 2)
	a, b := riscv.KernBase, riscv.KernBase+riscv.PageSize
	m.Fill(a, 0x5)
	m.CopyPage(b, a)
	if !bytes.Equal(m.Page(a), m.Page(b)) {
		t.Errorf("CopyPage did not produce identical frames")
	}
	if m.Page(b)[riscv.PageSize-1] != 0x5 {
		t.Errorf("last byte = %#x, want 0x5", m.Page(b)[riscv.PageSize-1])
	}
}

func TestWords(t *testing.T) {
	m := newMemory(t, 1)
	pa := riscv.KernBase + 16
	m.PutUint64(pa, 0xdeadbeefcafe)
	if got := m.Uint64(pa); got != 0xdeadbeefcafe {
		t.Errorf("Uint64 = %#x", got)
	}
}

func TestOutOfRangeAborts(t *testing.T) {
	m := newMemory(t, 1)
	if err := abort.Catch(func() { m.Page(m.End()) }); err == nil {
		t.Errorf("Page beyond the arena did not abort")
	}
	if err := abort.Catch(func() { m.Page(riscv.KernBase + 8) }); err == nil {
		t.Errorf("misaligned Page did not abort")
	}
}

func TestDecommit(t *testing.T) {
	m := newMemory(t, 1)
	m.Fill(riscv.KernBase, 0xff)
	if err := m.Decommit(); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
	if got := m.Page(riscv.KernBase)[0]; got != 0 {
		t.Errorf("byte after Decommit = %#x, want 0", got)
	}
}

func TestNewRejectsBadArgs(t *testing.T) {
	if _, err := New(riscv.KernBase+1, 1); err == nil {
		t.Errorf("New accepted a misaligned base")
	}
	if _, err := New(riscv.KernBase, 0); err == nil {
		t.Errorf("New accepted zero pages")
	}
}
