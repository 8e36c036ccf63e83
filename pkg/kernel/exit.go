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

	"ucore.dev/ucore/pkg/kerrors"
	"ucore.dev/ucore/pkg/log"
)

// wakeupLocked is wakeupProc with k.mu already held.
func (k *Kernel) wakeupLocked(t *Task) {
	if t.state == ProcZombie {
		panic(fmt.Sprintf("wakeup: pid %d is ZOMBIE", t.pid))
	}
	if t == k.current {
		return
	}
	t.state = ProcRunnable
	t.waitState = 0
	if !t.se.Enqueued() {
		k.scheduler.Enqueue(&t.se)
	}
}

// DoExit terminates the calling task: release the address space, become a
// zombie holding the exit code, hand any children to init, wake whoever
// waits for us, and give up the processor forever.
func (k *Kernel) DoExit(code int32) {
	cur := k.current
	if cur == k.idleproc {
		panic("idleproc exit")
	}
	if cur == k.initproc {
		panic("initproc exit")
	}

	if mm := cur.mm; mm != nil {
		k.lcr3(k.bootCR3)
		if mm.CountDec() == 0 {
			mm.ExitMmap()
			mm.PutPgdir()
			mm.MMDestroy()
		}
		cur.mm = nil
		cur.cr3 = k.bootCR3
	}

	k.mu.Lock()
	cur.state = ProcZombie
	cur.exitCode = code

	if p := cur.parent; p.waitState == WaitChild {
		k.wakeupLocked(p)
	}
	// Hand every child to init, at the head of init's child list. A
	// zombie child may be all init is waiting for.
	for cur.cptr != nil {
		child := cur.cptr
		cur.cptr = child.optr

		child.yptr = nil
		if child.optr = k.initproc.cptr; child.optr != nil {
			k.initproc.cptr.yptr = child
		}
		child.parent = k.initproc
		k.initproc.cptr = child
		if child.state == ProcZombie && k.initproc.waitState == WaitChild {
			k.wakeupLocked(k.initproc)
		}
	}
	k.mu.Unlock()

	log.Debugf("exit: pid %d, code %d", cur.pid, code)
	k.schedule()
	panic(fmt.Sprintf("do_exit returned, pid %d", cur.pid))
}

// DoWait blocks until a child of the caller exits, then reaps it: the
// zombie leaves both tables and its kernel stack and descriptor are
// freed. pid 0 accepts any child. The exit code is stored through
// codeStore when non-nil. With live children but no zombie, the caller
// sleeps interruptibly; a kill observed on wake turns into an exit.
func (k *Kernel) DoWait(pid int, codeStore *int32) error {
	cur := k.current
	for {
		var zombie *Task
		haskid := false

		k.mu.Lock()
		if pid != 0 {
			t := k.findProcLocked(pid)
			if t != nil && t.parent == cur {
				haskid = true
				if t.state == ProcZombie {
					zombie = t
				}
			}
		} else {
			for t := cur.cptr; t != nil; t = t.optr {
				haskid = true
				if t.state == ProcZombie {
					zombie = t
					break
				}
			}
		}

		if zombie != nil {
			if zombie == k.idleproc || zombie == k.initproc {
				panic("wait reaps idleproc or initproc")
			}
			if codeStore != nil {
				*codeStore = zombie.exitCode
			}
			k.unhashProc(zombie)
			k.removeLinks(zombie)
			k.mu.Unlock()

			k.putKstack(zombie)
			k.freeProc(zombie)
			zombie.release()
			log.Debugf("wait: pid %d reaped pid %d", cur.pid, zombie.pid)
			return nil
		}

		if !haskid {
			k.mu.Unlock()
			return kerrors.ErrBadProc
		}

		cur.state = ProcSleeping
		cur.waitState = WaitChild
		k.mu.Unlock()
		k.schedule()

		if cur.flags&FlagExiting != 0 {
			k.DoExit(kerrors.ExitCode(kerrors.ErrKilled))
		}
	}
}

// DoKill requests that the task with the given pid exit. The target is
// never transitioned here; it is flagged, and woken if its sleep is
// interruptible, so it reaches its own exit.
func (k *Kernel) DoKill(pid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.findProcLocked(pid)
	if t == nil {
		return kerrors.ErrInval
	}
	if t.flags&FlagExiting != 0 {
		return kerrors.ErrKilled
	}
	t.flags |= FlagExiting
	if t.waitState&WaitInterrupted != 0 {
		k.wakeupLocked(t)
	}
	return nil
}

// DoYield marks the caller preemptible at the next safe point.
func (k *Kernel) DoYield() {
	k.current.needResched = true
}
