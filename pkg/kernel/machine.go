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
	"ucore.dev/ucore/pkg/kernel/sched"
	"ucore.dev/ucore/pkg/log"
	"ucore.dev/ucore/pkg/mem"
)

// DefaultMemSize is the machine's physical memory when the configuration
// does not say otherwise: 16 MiB, the reach of the boot loader's 24-bit
// load addresses.
const DefaultMemSize = 16 << 20

// Machine ties the simulated hardware to one kernel instance.
type Machine struct {
	pm *mem.PhysMemory
	k  *Kernel
}

// NewMachine builds a machine with the given physical memory size and a
// stride scheduler.
func NewMachine(memSize int) (*Machine, error) {
	if memSize <= 0 {
		memSize = DefaultMemSize
	}
	pm := mem.NewPhysMemory(memSize)
	k, err := NewKernel(pm, sched.NewStride())
	if err != nil {
		return nil, err
	}
	return &Machine{pm: pm, k: k}, nil
}

// Kernel returns the machine's kernel.
func (m *Machine) Kernel() *Kernel { return m.k }

// PhysMem returns the machine's physical memory.
func (m *Machine) PhysMem() *mem.PhysMemory { return m.pm }

// Run boots the task subsystem with initBody as the init task and runs
// the idle loop on the calling goroutine. It returns the init body's
// return value once the machine powers off.
func (m *Machine) Run(initBody KThreadFunc) (int32, error) {
	if err := m.k.ProcInit(initBody); err != nil {
		return 0, err
	}
	m.k.cpuIdle()
	m.k.teardown()
	_, code := m.k.Halted()
	return code, nil
}

// Halted reports whether the machine has powered off.
func (m *Machine) Halted() bool {
	down, _ := m.k.Halted()
	return down
}

// teardown releases every remaining task continuation so no goroutine
// outlives the machine.
func (k *Kernel) teardown() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.forEachTask(func(t *Task) bool {
		if t != k.idleproc {
			t.release()
		}
		return true
	})
	log.Debugf("machine teardown: %d descriptors remain", k.nrProcess)
}
