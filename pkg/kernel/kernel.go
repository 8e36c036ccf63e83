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

// Package kernel implements the task subsystem of the simulated teaching
// kernel: the per-task descriptor and tables, pid allocation, fork, exec,
// exit/wait/kill, dispatch, and the bootstrap of the idle and init tasks.
//
// The concurrency model is the original machine's: a single processor,
// cooperative in-kernel control flow, and one schedulable entity per
// descriptor. Each task's suspended continuation is a parked goroutine;
// the switch routine hands the processor off by signaling the incoming
// task's resume channel and parking the outgoing one, so exactly one task
// goroutine executes kernel code at any time. The kernel mutex stands in
// for interrupt masking around table mutations.
package kernel

import (
	"fmt"
	"sync"

	"ucore.dev/ucore/pkg/kernel/sched"
	"ucore.dev/ucore/pkg/log"
	"ucore.dev/ucore/pkg/mem"
)

// Pid hash parameters: a 32-bit multiplicative hash truncated to hashShift
// bits.
const (
	hashShift = 10
	hashSize  = 1 << hashShift

	goldenRatioPrime32 uint32 = 0x9E370001
)

func pidHashfn(pid int) int {
	return int((uint32(pid) * goldenRatioPrime32) >> (32 - hashShift))
}

// Kernel owns every process-wide singleton of the task subsystem: the task
// list, the pid hash, the pid cursors, the distinguished idle and init
// tasks, and the current pointer. It is created at boot and threaded to
// every caller.
type Kernel struct {
	pm        *mem.PhysMemory
	bootPgdir *mem.Page
	bootCR3   uint32

	// mu is the interrupt-mask analogue: held across every mutation of
	// the tables, the family tree, nrProcess, the pid cursors, and any
	// task's state observed by other parties. Never held across a
	// context switch.
	mu sync.Mutex

	// listHead is the sentinel of the intrusive doubly-linked list of
	// all live descriptors.
	listHead Task

	// hash maps pid to descriptor chains.
	hash [hashSize]*Task

	nrProcess int

	// Pid-allocator cursors.
	lastPid  int
	nextSafe int

	idleproc *Task
	initproc *Task
	current  *Task

	scheduler sched.Scheduler

	// cr3 and tssESP0 model the page-table root register and the
	// task-state segment's kernel stack pointer.
	cr3     uint32
	tssESP0 uint32

	// Kernel-thread function and argument handles; the synthesized trap
	// frame carries indexes into this table in its EBX/EDX slots.
	handles   map[uint32]any
	handleSeq uint32

	// programs maps a user entry address to the registered program body
	// dispatched when a trap return lands in user mode.
	programs map[uint32]UserProg

	// kheapBytes tracks descriptor allocations, standing in for the
	// kernel heap counter the leak checks compare.
	kheapBytes int64

	shutdown bool
	haltCode int32
}

// NewKernel creates a kernel over the given physical memory. The boot page
// directory is allocated here; the tables start empty.
func NewKernel(pm *mem.PhysMemory, s sched.Scheduler) (*Kernel, error) {
	bootPgdir, err := pm.BootPgdir()
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		pm:        pm,
		bootPgdir: bootPgdir,
		bootCR3:   bootPgdir.PA(),
		lastPid:   MaxPid,
		nextSafe:  MaxPid,
		scheduler: s,
		handles:   make(map[uint32]any),
		programs:  make(map[uint32]UserProg),
	}
	k.listHead.listPrev = &k.listHead
	k.listHead.listNext = &k.listHead
	k.cr3 = k.bootCR3
	return k, nil
}

// Current returns the running task.
func (k *Kernel) Current() *Task { return k.current }

// IdleProc returns the idle task (pid 0).
func (k *Kernel) IdleProc() *Task { return k.idleproc }

// InitProc returns the init task (pid 1).
func (k *Kernel) InitProc() *Task { return k.initproc }

// NrProcess returns the live-descriptor count.
func (k *Kernel) NrProcess() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.nrProcess
}

// PhysMem returns the machine's physical memory.
func (k *Kernel) PhysMem() *mem.PhysMemory { return k.pm }

// BootCR3 returns the physical address of the kernel page directory.
func (k *Kernel) BootCR3() uint32 { return k.bootCR3 }

// KHeapBytes returns the simulated kernel-heap usage.
func (k *Kernel) KHeapBytes() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kheapBytes
}

// listAdd links t into the global task list.
//
// Preconditions: k.mu must be held.
func (k *Kernel) listAdd(t *Task) {
	t.listNext = k.listHead.listNext
	t.listPrev = &k.listHead
	k.listHead.listNext.listPrev = t
	k.listHead.listNext = t
}

// listDel unlinks t from the global task list.
//
// Preconditions: k.mu must be held.
func (k *Kernel) listDel(t *Task) {
	t.listPrev.listNext = t.listNext
	t.listNext.listPrev = t.listPrev
	t.listPrev, t.listNext = nil, nil
}

// forEachTask applies f to every descriptor in the task list.
//
// Preconditions: k.mu must be held.
func (k *Kernel) forEachTask(f func(t *Task) bool) {
	for t := k.listHead.listNext; t != &k.listHead; t = t.listNext {
		if !f(t) {
			return
		}
	}
}

// hashProc inserts t into the pid hash.
//
// Preconditions: k.mu must be held; t.pid is assigned.
func (k *Kernel) hashProc(t *Task) {
	b := pidHashfn(t.pid)
	t.hashNext = k.hash[b]
	k.hash[b] = t
}

// unhashProc removes t from the pid hash.
//
// Preconditions: k.mu must be held.
func (k *Kernel) unhashProc(t *Task) {
	b := pidHashfn(t.pid)
	for pp := &k.hash[b]; *pp != nil; pp = &(*pp).hashNext {
		if *pp == t {
			*pp = t.hashNext
			t.hashNext = nil
			return
		}
	}
	panic(fmt.Sprintf("unhashProc: pid %d not in hash", t.pid))
}

// findProcLocked looks a task up by pid.
//
// Preconditions: k.mu must be held.
func (k *Kernel) findProcLocked(pid int) *Task {
	if pid <= 0 || pid >= MaxPid {
		return nil
	}
	for t := k.hash[pidHashfn(pid)]; t != nil; t = t.hashNext {
		if t.pid == pid {
			return t
		}
	}
	return nil
}

// FindProc looks a task up by pid.
func (k *Kernel) FindProc(pid int) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.findProcLocked(pid)
}

// setLinks makes t visible: global list, parent's child list, counter.
//
// Preconditions: k.mu must be held; t.parent is set.
func (k *Kernel) setLinks(t *Task) {
	k.listAdd(t)
	t.yptr = nil
	if t.optr = t.parent.cptr; t.optr != nil {
		t.optr.yptr = t
	}
	t.parent.cptr = t
	k.nrProcess++
}

// removeLinks undoes setLinks.
//
// Preconditions: k.mu must be held.
func (k *Kernel) removeLinks(t *Task) {
	k.listDel(t)
	if t.optr != nil {
		t.optr.yptr = t.yptr
	}
	if t.yptr != nil {
		t.yptr.optr = t.optr
	} else {
		t.parent.cptr = t.optr
	}
	k.nrProcess--
}

// getPID allocates a currently-unused pid. Two persistent cursors bound
// the work: ids below nextSafe are known free, so most calls return
// without scanning; otherwise the task list is rescanned, advancing
// lastPid past every collision.
//
// Preconditions: k.mu must be held.
func (k *Kernel) getPID() int {
	k.lastPid++
	if k.lastPid >= MaxPid {
		k.lastPid = 1
		goto inside
	}
	if k.lastPid < k.nextSafe {
		return k.lastPid
	}
inside:
	k.nextSafe = MaxPid
repeat:
	for t := k.listHead.listNext; t != &k.listHead; t = t.listNext {
		if t.pid == k.lastPid {
			k.lastPid++
			if k.lastPid >= k.nextSafe {
				if k.lastPid >= MaxPid {
					k.lastPid = 1
				}
				k.nextSafe = MaxPid
				goto repeat
			}
		} else if t.pid > k.lastPid && k.nextSafe > t.pid {
			k.nextSafe = t.pid
		}
	}
	return k.lastPid
}

// allocProc allocates a zeroed descriptor: UNINIT, pid -1, kernel page
// directory, empty links.
func (k *Kernel) allocProc() *Task {
	t := &Task{
		state: ProcUninit,
		pid:   -1,
		cr3:   k.bootCR3,
	}
	t.se.Owner = t
	t.se.Priority = 1
	k.mu.Lock()
	k.kheapBytes += taskDescSize
	k.mu.Unlock()
	return t
}

// taskDescSize approximates the heap cost of one descriptor for the leak
// accounting.
const taskDescSize = 512

// freeProc releases a reaped descriptor's heap charge.
func (k *Kernel) freeProc(t *Task) {
	k.mu.Lock()
	k.kheapBytes -= taskDescSize
	k.mu.Unlock()
}

// Halted reports whether the machine has powered off, and the init body's
// return value.
func (k *Kernel) Halted() (bool, int32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.shutdown, k.haltCode
}

// PowerOff requests shutdown from outside the machine: the idle loop
// observes the flag at its next pass and returns. Running tasks finish
// their current stretch; none is forcibly stopped.
func (k *Kernel) PowerOff() {
	k.mu.Lock()
	k.shutdown = true
	k.mu.Unlock()
}

// halt powers the machine off: records the code, marks shutdown, and gives
// up the processor for good. Only the init task halts the machine.
func (k *Kernel) halt(code int32) {
	log.Infof("machine halt: init returned %d", code)
	k.mu.Lock()
	k.shutdown = true
	k.haltCode = code
	k.current.state = ProcSleeping
	k.current.waitState = 0
	k.mu.Unlock()
	k.schedule()
	panic("halt: schedule returned")
}
