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
	"fmt"

	"ucore.dev/ucore/pkg/log"
)

// ProcInit creates the two distinguished tasks and leaves the processor
// with idle: the idle task (pid 0) wrapping the boot stack and goroutine,
// and the init task (pid 1) running initBody as a kernel thread. Call
// cpuIdle (via Machine.Run) afterwards to hand control to the scheduler.
func (k *Kernel) ProcInit(initBody KThreadFunc) error {
	idle := k.allocProc()
	idle.pid = 0
	idle.state = ProcRunnable
	idle.needResched = true
	idle.setName("idle")
	// The idle task runs on the boot goroutine; its kernel stack is the
	// boot stack.
	if err := k.setupKstack(idle); err != nil {
		return err
	}
	idle.ctx = context{resume: make(chan struct{}, 1), started: true}

	k.mu.Lock()
	k.hashProc(idle)
	k.listAdd(idle)
	k.nrProcess++
	k.mu.Unlock()

	k.idleproc = idle
	k.current = idle

	pid, err := k.KernelThread(initBody, nil, 0)
	if err != nil {
		panic(fmt.Sprintf("create init_main failed: %v", err))
	}
	k.initproc = k.FindProc(pid)
	k.initproc.setName("init")

	if k.idleproc == nil || k.idleproc.pid != 0 {
		panic("proc_init: idleproc not at pid 0")
	}
	if k.initproc == nil || k.initproc.pid != 1 {
		panic("proc_init: initproc not at pid 1")
	}
	log.Debugf("proc_init: idle pid 0, init pid 1")
	return nil
}
