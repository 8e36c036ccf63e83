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

	"ucore.dev/ucore/pkg/arch"
	"ucore.dev/ucore/pkg/kerrors"
	"ucore.dev/ucore/pkg/log"
	"ucore.dev/ucore/pkg/mem"
)

// tfSize is the slot the trap frame occupies at the top of a kernel stack.
const tfSize = 76

// setupKstack gives t an owned kernel stack of KStackSize bytes.
func (k *Kernel) setupKstack(t *Task) error {
	pg, err := k.pm.AllocPages(KStackPages)
	if err != nil {
		return kerrors.ErrNoMem
	}
	t.kstackPage = pg
	t.kstack = k.pm.Page2KVA(pg)
	return nil
}

// putKstack releases t's kernel stack.
func (k *Kernel) putKstack(t *Task) {
	k.pm.FreePages(t.kstackPage, KStackPages)
	t.kstackPage = nil
	t.kstack = 0
}

// copyMm gives the child its address space: none for kernel threads,
// shared under CloneVM, otherwise a deep copy of the parent's. On failure
// every partially-built piece is unwound in reverse order.
func (k *Kernel) copyMm(cloneFlags uint32, t *Task) error {
	oldMM := k.current.mm
	if oldMM == nil {
		// The parent is a kernel thread.
		return nil
	}
	if cloneFlags&CloneVM != 0 {
		k.bindMM(t, oldMM)
		return nil
	}

	mm := mem.MMCreate(k.pm)
	if err := mm.SetupPgdir(k.bootPgdir); err != nil {
		mm.MMDestroy()
		return kerrors.ErrNoMem
	}

	oldMM.Lock()
	err := mem.DupMmap(mm, oldMM)
	oldMM.Unlock()

	if err != nil {
		mm.ExitMmap()
		mm.PutPgdir()
		mm.MMDestroy()
		return kerrors.ErrNoMem
	}
	k.bindMM(t, mm)
	return nil
}

// bindMM attaches mm to t and points t's page-table root at it.
func (k *Kernel) bindMM(t *Task, mm *mem.MM) {
	mm.CountInc()
	t.mm = mm
	t.cr3 = mm.Pgdir.PA()
}

// copyThread prepares t's first dispatch: a copy of tf in the trap-frame
// slot at the top of the kernel stack, rewritten so the child sees fork
// return 0 on the given user stack with interrupts enabled, and a saved
// context that resumes at forkret with the stack pointer at that frame.
func (k *Kernel) copyThread(t *Task, esp uint32, tf *arch.Trapframe) {
	frame := *tf
	frame.Regs.EAX = 0
	frame.ESP = esp
	frame.EFlags |= arch.FlagIF

	t.tfVA = t.kstack + KStackSize - tfSize
	t.tf = &frame
	t.userForked = esp != 0

	t.ctx = context{
		resume: make(chan struct{}, 1),
		entry:  k.forkret,
		espVA:  t.tfVA,
	}
}

// DoFork creates a new task from the caller's trap frame. On success the
// child is visible in both tables and RUNNABLE, and its pid is returned;
// the child itself observes a 0 return from the same call site. On
// failure no visible state changes remain.
func (k *Kernel) DoFork(cloneFlags uint32, stack uint32, tf *arch.Trapframe) (int, error) {
	if k.NrProcess() >= MaxProcess {
		return 0, kerrors.ErrNoFreeProc
	}

	t := k.allocProc()
	t.parent = k.current
	if k.current.waitState != 0 {
		panic(fmt.Sprintf("DoFork: parent pid %d has wait_state %#x", k.current.pid, k.current.waitState))
	}

	if err := k.setupKstack(t); err != nil {
		k.freeProc(t)
		return 0, err
	}
	if err := k.copyMm(cloneFlags, t); err != nil {
		k.putKstack(t)
		k.freeProc(t)
		return 0, err
	}
	k.copyThread(t, stack, tf)

	k.mu.Lock()
	t.pid = k.getPID()
	t.se.ID = t.pid
	k.hashProc(t)
	k.setLinks(t)
	k.mu.Unlock()

	k.wakeupProc(t)

	log.Debugf("fork: pid %d -> child pid %d", k.current.pid, t.pid)
	return t.pid, nil
}

// KernelThread spawns a kernel thread running fn(arg). The synthesized
// trap frame selects the kernel segments, carries the function and
// argument handles in the registers the entry trampoline expects, and
// targets that trampoline; the kernel address space is shared.
func (k *Kernel) KernelThread(fn KThreadFunc, arg any, cloneFlags uint32) (int, error) {
	var tf arch.Trapframe
	tf.CS = arch.KernelCS
	tf.DS, tf.ES, tf.SS = arch.KernelDS, arch.KernelDS, arch.KernelDS
	tf.Regs.EBX = k.newHandle(fn)
	tf.Regs.EDX = k.newHandle(arg)
	tf.EIP = kernelThreadEntryVA
	pid, err := k.DoFork(cloneFlags|CloneVM, 0, &tf)
	if err != nil {
		k.takeHandle(tf.Regs.EBX)
		k.takeHandle(tf.Regs.EDX)
		return 0, err
	}
	return pid, nil
}

// KThreadFunc is a kernel thread's body. Its return value becomes the
// thread's exit code.
type KThreadFunc func(arg any) int32

// kernelThreadEntryVA is the pseudo-address of the kernel-thread entry
// trampoline; a trap return to it invokes the function carried in the
// frame's registers.
const kernelThreadEntryVA uint32 = 0xC0100000

// newHandle registers v and returns a register-sized handle for it.
func (k *Kernel) newHandle(v any) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handleSeq++
	h := k.handleSeq
	k.handles[h] = v
	return h
}

// takeHandle resolves and releases a handle.
func (k *Kernel) takeHandle(h uint32) any {
	k.mu.Lock()
	defer k.mu.Unlock()
	v := k.handles[h]
	delete(k.handles, h)
	return v
}

// kernelThreadEntry is the trampoline a fresh kernel thread trap-returns
// into: call the thread function with its argument, then exit with the
// return value. The init task powers the machine off instead of exiting.
func (k *Kernel) kernelThreadEntry(tf *arch.Trapframe) {
	fn := k.takeHandle(tf.Regs.EBX).(KThreadFunc)
	arg := k.takeHandle(tf.Regs.EDX)
	ret := fn(arg)
	if k.current == k.initproc {
		k.halt(ret)
	}
	k.DoExit(ret)
}
