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

package isa

import (
	"fmt"
)

type fixup struct {
	at    int
	label string
}

// Builder assembles a program with symbolic branch targets.
type Builder struct {
	prog   Program
	labels map[string]int
	fixups []fixup
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{labels: make(map[string]int)}
}

// Label names the next instruction.
func (b *Builder) Label(name string) *Builder {
	b.labels[name] = len(b.prog)
	return b
}

// Emit appends instructions.
func (b *Builder) Emit(is ...Instr) *Builder {
	b.prog = append(b.prog, is...)
	return b
}

func (b *Builder) branch(i Instr, label string) *Builder {
	b.fixups = append(b.fixups, fixup{at: len(b.prog), label: label})
	return b.Emit(i)
}

// Beqz appends beqz rs, label.
func (b *Builder) Beqz(rs Reg, label string) *Builder { return b.branch(Beqz(rs, 0), label) }

// Bnez appends bnez rs, label.
func (b *Builder) Bnez(rs Reg, label string) *Builder { return b.branch(Bnez(rs, 0), label) }

// Bltz appends bltz rs, label.
func (b *Builder) Bltz(rs Reg, label string) *Builder { return b.branch(Bltz(rs, 0), label) }

// J appends j label.
func (b *Builder) J(label string) *Builder { return b.branch(J(0), label) }

// Program resolves labels and returns the program.
func (b *Builder) Program() (Program, error) {
	prog := append(Program(nil), b.prog...)
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q at instruction %d", f.label, f.at)
		}
		prog[f.at].Target = target
	}
	return prog, nil
}

// MustProgram is like Program but panics on an undefined label.
func (b *Builder) MustProgram() Program {
	p, err := b.Program()
	if err != nil {
		panic(err)
	}
	return p
}
