// Copyright 2023 The uCore Authors.
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

package kernel

import (
	"testing"

	"ucore.dev/ucore/pkg/elf"
	"ucore.dev/ucore/pkg/mem"
)

// The full boot path: InitMain spawns the user bootstrap, the bootstrap
// execs the first user program, the program runs and exits, init reaps
// everything and the leak checks inside InitMain pass.
func TestMachineRunsFirstUserProgram(t *testing.T) {
	const entry = 0x00800000
	img := elf.NewBuilder(entry).
		AddSegment(entry, mem.PGSIZE, elf.PFRead|elf.PFExec, []byte{0x90, 0x90}).
		Bytes()

	m, err := NewMachine(testMemSize)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	k := m.Kernel()

	ran := false
	k.RegisterProgram(entry, func(uc *UserContext) int32 {
		ran = true
		uc.Yield()
		uc.Exit(0)
		return 1
	})

	code, err := m.Run(k.InitMain("first", img))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Fatalf("init returned %d, want 0", code)
	}
	if !ran {
		t.Fatalf("user program never ran")
	}
	if !m.Halted() {
		t.Fatalf("machine not halted after Run")
	}
}

func TestPowerOffStopsIdleLoop(t *testing.T) {
	m, err := NewMachine(testMemSize)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	k := m.Kernel()
	if _, err := m.Run(func(any) int32 {
		// An external power-off request before init finishes must
		// still bring the machine down cleanly.
		k.PowerOff()
		return 0
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.Halted() {
		t.Fatalf("machine not halted after power-off")
	}
}
