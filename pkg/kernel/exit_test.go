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

	"ucore.dev/ucore/pkg/kerrors"
)

func TestWaitErrors(t *testing.T) {
	runMachine(t, func(k *Kernel, fail func(string, ...any)) int32 {
		// No children at all.
		if err := k.DoWait(0, nil); err != kerrors.ErrBadProc {
			fail("wait(0) with no children = %v, want ErrBadProc", err)
		}
		// Nonexistent pid.
		if err := k.DoWait(4000, nil); err != kerrors.ErrBadProc {
			fail("wait(4000) = %v, want ErrBadProc", err)
		}
		// A live task that is not our child: init itself, whose parent
		// is idle.
		if err := k.DoWait(k.InitProc().Pid(), nil); err != kerrors.ErrBadProc {
			fail("wait(init) = %v, want ErrBadProc", err)
		}
		return 0
	})
}

func TestKillErrors(t *testing.T) {
	runMachine(t, func(k *Kernel, fail func(string, ...any)) int32 {
		if err := k.DoKill(4000); err != kerrors.ErrInval {
			fail("kill(4000) = %v, want ErrInval", err)
		}

		pid, err := k.KernelThread(func(any) int32 {
			for !k.Current().Exiting() {
				k.Schedule()
			}
			return 9
		}, nil, 0)
		if err != nil {
			fail("fork: %v", err)
			return 1
		}
		if err := k.DoKill(pid); err != nil {
			fail("kill(%d) = %v, want nil", pid, err)
		}
		if err := k.DoKill(pid); err != kerrors.ErrKilled {
			fail("second kill(%d) = %v, want ErrKilled", pid, err)
		}

		// The flagged child exits through its own control flow.
		var code int32
		if err := k.DoWait(pid, &code); err != nil {
			fail("wait: %v", err)
		}
		if code != 9 {
			fail("exit code = %d, want the child's own 9", code)
		}
		return 0
	})
}

// A kill delivered to a task sleeping interruptibly in wait breaks the
// sleep; the task observes the flag and exits with -E_KILLED, and its
// still-running child lands on init.
func TestKillBreaksInterruptibleWait(t *testing.T) {
	runMachine(t, func(k *Kernel, fail func(string, ...any)) int32 {
		var bDone bool
		var bPid int

		// A forks B (which runs until released) and waits for it.
		aPid, err := k.KernelThread(func(any) int32 {
			pid, err := k.KernelThread(func(any) int32 {
				for !bDone {
					k.Schedule()
				}
				return 0
			}, nil, 0)
			if err != nil {
				return 1
			}
			bPid = pid
			if err := k.DoWait(pid, nil); err != nil {
				return 2
			}
			return 3
		}, nil, 0)
		if err != nil {
			fail("fork A: %v", err)
			return 1
		}

		// C waits until A is asleep in wait, then kills it.
		if _, err := k.KernelThread(func(any) int32 {
			for {
				a := k.FindProc(aPid)
				if a == nil {
					return 1
				}
				if a.State() == ProcSleeping && a.waitState == WaitChild {
					break
				}
				k.Schedule()
			}
			if err := k.DoKill(aPid); err != nil {
				return 2
			}
			return 0
		}, nil, 0); err != nil {
			fail("fork C: %v", err)
			return 1
		}

		// Reap A and C; A must have died of the kill, not its own
		// return paths.
		sawKilled := false
		for i := 0; i < 2; i++ {
			var code int32
			if err := k.DoWait(0, &code); err != nil {
				fail("wait %d: %v", i, err)
				return 1
			}
			if code == kerrors.ExitCode(kerrors.ErrKilled) {
				sawKilled = true
			}
		}
		if !sawKilled {
			fail("no child exited with -E_KILLED")
		}

		// B was reparented to init while still alive.
		b := k.FindProc(bPid)
		if b == nil {
			fail("B vanished before being reaped")
			return 1
		}
		if b.Parent() != k.InitProc() {
			fail("B's parent = pid %d, want init", b.Parent().Pid())
		}

		// Release B and reap it.
		bDone = true
		var code int32
		if err := k.DoWait(bPid, &code); err != nil || code != 0 {
			fail("wait for B = (%d, %v), want (0, nil)", code, err)
		}
		if n := k.NrProcess(); n != 2 {
			fail("nr_process = %d at end, want 2", n)
		}
		return 0
	})
}

func TestZombieKeepsDescriptorUntilReaped(t *testing.T) {
	runMachine(t, func(k *Kernel, fail func(string, ...any)) int32 {
		pid, err := k.KernelThread(func(any) int32 { return 11 }, nil, 0)
		if err != nil {
			fail("fork: %v", err)
			return 1
		}
		// Let the child exit without reaping it.
		for k.FindProc(pid).State() != ProcZombie {
			k.Schedule()
		}
		z := k.FindProc(pid)
		if z == nil {
			fail("zombie left the tables before reap")
			return 1
		}
		if z.ExitCodeValue() != 11 {
			fail("zombie exit code = %d, want 11", z.ExitCodeValue())
		}
		if z.mm != nil {
			fail("zombie retains an mm")
		}
		if err := k.DoWait(pid, nil); err != nil {
			fail("wait: %v", err)
		}
		return 0
	})
}
