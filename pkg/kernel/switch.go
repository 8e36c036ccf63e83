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
	"runtime"

	"ucore.dev/ucore/pkg/log"
)

// The switch machinery. Each task's saved context is a goroutine parked on
// its resume channel; switchTo is the assembly switch routine's analogue.
// The outgoing task signals the incoming one and parks, so the processor
// is held by exactly one task goroutine at a time. A reaped (or machine-
// teardown-released) task's channel is closed; its goroutine observes the
// released flag on wake and finishes instead of resuming.

// switchTo hands the processor from from to to.
func (k *Kernel) switchTo(from, to *Task) {
	if !to.ctx.started {
		to.ctx.started = true
		go to.taskMain()
	}
	to.ctx.resume <- struct{}{}
	<-from.ctx.resume
	if from.ctx.released {
		runtime.Goexit()
	}
}

// taskMain is a fresh task goroutine. It waits for its first dispatch and
// then "returns from interrupt" through the entry copyThread installed.
// The entry never returns: every path ends in an exit or a power-off.
func (t *Task) taskMain() {
	<-t.ctx.resume
	if t.ctx.released {
		return
	}
	t.ctx.entry()
	panic(fmt.Sprintf("task %d: trap return fell through", t.pid))
}

// forkret is the first kernel entry point of a new task: it performs the
// trap return with the frame prepared on the task's kernel stack.
func (k *Kernel) forkret() {
	k.forkrets(k.current.tf)
}

// release marks t's continuation dead and closes its channel so a parked
// goroutine can finish.
//
// Preconditions: t is ZOMBIE being reaped, or the machine is tearing down.
func (t *Task) release() {
	if t.ctx.released {
		return
	}
	t.ctx.released = true
	close(t.ctx.resume)
}

// procRun makes t the running task: update the current pointer, point the
// TSS kernel-stack slot at t's stack top so subsequent traps land there,
// load t's page-table root, and switch contexts.
func (k *Kernel) procRun(t *Task) {
	if t == k.current {
		return
	}
	k.mu.Lock()
	prev := k.current
	k.current = t
	k.tssESP0 = t.kstack + KStackSize
	k.cr3 = t.cr3
	k.mu.Unlock()
	k.switchTo(prev, t)
}

// lcr3 loads the page-table root register.
func (k *Kernel) lcr3(cr3 uint32) {
	k.mu.Lock()
	k.cr3 = cr3
	k.mu.Unlock()
}

// wakeupProc transitions t from SLEEPING or UNINIT to RUNNABLE and places
// it in the run pool.
func (k *Kernel) wakeupProc(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t.state == ProcZombie {
		panic(fmt.Sprintf("wakeupProc: pid %d is ZOMBIE", t.pid))
	}
	if t == k.current {
		log.Warningf("wakeupProc: pid %d is already running", t.pid)
		return
	}
	t.state = ProcRunnable
	t.waitState = 0
	if !t.se.Enqueued() {
		k.scheduler.Enqueue(&t.se)
	}
}

// schedule gives up the processor: re-enqueue the caller if it is still
// runnable, pick the next task (idle when the pool is empty), and switch
// to it. It returns when the caller is next chosen.
func (k *Kernel) schedule() {
	k.mu.Lock()
	cur := k.current
	cur.needResched = false
	if cur != k.idleproc && cur.state == ProcRunnable {
		k.scheduler.Enqueue(&cur.se)
	}
	var next *Task
	if e := k.scheduler.PickNext(); e != nil {
		k.scheduler.Dequeue(e)
		next = e.Owner.(*Task)
	} else {
		next = k.idleproc
	}
	next.runs++
	k.mu.Unlock()
	if next != cur {
		k.procRun(next)
	}
}

// Schedule gives up the processor to the next runnable task. Kernel
// threads call it at their safe points; user tasks reach it through the
// trap-exit path.
func (k *Kernel) Schedule() {
	k.schedule()
}

// cpuIdle is the idle task's body, run on the boot goroutine. It yields
// the processor whenever anything else is runnable and returns once the
// machine has powered off.
func (k *Kernel) cpuIdle() {
	idle := k.idleproc
	for {
		if idle.needResched {
			k.schedule()
		}
		k.mu.Lock()
		down := k.shutdown
		ready := !k.scheduler.Empty()
		more := k.nrProcess > 1
		k.mu.Unlock()
		switch {
		case down:
			return
		case ready:
			idle.needResched = true
		case more:
			// Live tasks remain but none is runnable and no
			// interrupt source exists to wake them.
			panic("cpu_idle: all tasks are sleeping")
		default:
			return
		}
	}
}
