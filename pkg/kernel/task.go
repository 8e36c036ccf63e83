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
	"ucore.dev/ucore/pkg/arch"
	"ucore.dev/ucore/pkg/kernel/sched"
	"ucore.dev/ucore/pkg/mem"
)

// ProcState is a task's position in its lifecycle.
type ProcState int32

// Task states.
const (
	// ProcUninit is the state of a freshly-allocated descriptor.
	ProcUninit ProcState = iota

	// ProcSleeping tasks are blocked; waitState records why.
	ProcSleeping

	// ProcRunnable tasks are ready to run (or running).
	ProcRunnable

	// ProcZombie tasks have exited and await their parent's reap.
	ProcZombie
)

// String returns the state's conventional name.
func (s ProcState) String() string {
	switch s {
	case ProcUninit:
		return "UNINIT"
	case ProcSleeping:
		return "SLEEPING"
	case ProcRunnable:
		return "RUNNABLE"
	case ProcZombie:
		return "ZOMBIE"
	}
	return "UNKNOWN"
}

// Limits of the task subsystem.
const (
	// ProcNameLen bounds a task's diagnostic name.
	ProcNameLen = 15

	// MaxProcess bounds the number of live tasks.
	MaxProcess = 4096

	// MaxPid bounds assignable pids. Keeping it at twice MaxProcess
	// guarantees an unused id always exists in [1, MaxPid).
	MaxPid = MaxProcess * 2

	// KStackPages and KStackSize fix the per-task kernel stack.
	KStackPages = 2
	KStackSize  = KStackPages * mem.PGSIZE
)

// Build-time guard: pid allocation relies on MaxPid > MaxProcess.
const _ uint = MaxPid - MaxProcess - 1

// Task flags.
const (
	// FlagExiting is set by kill; the task exits at its next safe point.
	FlagExiting uint32 = 0x00000001
)

// Wait states.
const (
	// WaitInterrupted marks a sleep that kill may break.
	WaitInterrupted uint32 = 0x80000000

	// WaitChild is the state of a task sleeping in wait for a child. The
	// sleep is interruptible.
	WaitChild = 0x00000001 | WaitInterrupted
)

// CloneVM requests fork to share the parent's address space instead of
// duplicating it.
const CloneVM uint32 = 0x00000100

// context is a task's suspended in-kernel continuation: the resume channel
// the switch routine signals, and the first-dispatch entry installed by
// copyThread.
type context struct {
	resume chan struct{}
	entry  func()

	// espVA is the saved stack pointer: the kernel virtual address of
	// the prepared trap frame.
	espVA uint32

	started  bool
	released bool
}

// Task is the per-task descriptor. It is owned by the kernel's task tables
// and destroyed only by a parent's reap.
type Task struct {
	// state is the lifecycle state. It is written by the owning task
	// (SLEEPING, ZOMBIE) or by wakeup (RUNNABLE), always under the
	// kernel's table lock.
	state ProcState

	// pid is -1 until the descriptor is inserted into the tables.
	pid int

	// runs counts dispatches.
	runs int64

	// kstack is the base kernel virtual address of the task's kernel
	// stack; kstackPage its first frame. Exclusively owned.
	kstack     uint32
	kstackPage *mem.Page

	// needResched hints that the scheduler should preempt the task at
	// the next safe point.
	needResched bool

	// parent is the creator. Never nil except for idle.
	parent *Task

	// mm is the shared address-space descriptor, nil for kernel threads.
	mm *mem.MM

	// ctx is the saved in-kernel resumption record.
	ctx context

	// tf is the task's trap frame, living at the top of the kernel
	// stack (tfVA). Valid while the task is entering or returning from
	// a trap.
	tf   *arch.Trapframe
	tfVA uint32

	// cr3 is the physical address of the page directory the task runs
	// with; the boot directory for mm-less tasks.
	cr3 uint32

	// flags holds FlagExiting.
	flags uint32

	// name is purely diagnostic.
	name string

	// exitCode is delivered to the reaping parent.
	exitCode int32

	// waitState encodes why the task is SLEEPING.
	waitState uint32

	// Family tree: first child and the sibling chain, a doubly-linked
	// list of the parent's children.
	cptr *Task // first child
	yptr *Task // younger sibling
	optr *Task // older sibling

	// Intrusive links for the global task list and the pid hash chain.
	listPrev, listNext *Task
	hashNext           *Task

	// userForked marks a task created by a user-mode fork; the user
	// dispatcher re-enters the program body, and the body can ask which
	// side of the fork it is on.
	userForked bool

	// se is the scheduler-private state, opaque to the task manager.
	se sched.Entity
}

// Pid returns the task's id.
func (t *Task) Pid() int { return t.pid }

// State returns the task's lifecycle state.
func (t *Task) State() ProcState { return t.state }

// Name returns the task's diagnostic name.
func (t *Task) Name() string { return t.name }

// ExitCodeValue returns the recorded exit code.
func (t *Task) ExitCodeValue() int32 { return t.exitCode }

// Parent returns the task's creator.
func (t *Task) Parent() *Task { return t.parent }

// Runs returns the dispatch count.
func (t *Task) Runs() int64 { return t.runs }

// Exiting reports whether kill has flagged the task.
func (t *Task) Exiting() bool { return t.flags&FlagExiting != 0 }

// setName truncates name to ProcNameLen bytes and records it.
func (t *Task) setName(name string) {
	if len(name) > ProcNameLen {
		name = name[:ProcNameLen]
	}
	t.name = name
}

// SetPriority sets the task's stride-scheduler priority. Zero selects the
// default.
func (t *Task) SetPriority(p uint32) {
	if p == 0 {
		p = 1
	}
	t.se.Priority = p
}
