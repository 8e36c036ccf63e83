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

func TestForkWaitDeliversExitCode(t *testing.T) {
	runMachine(t, func(k *Kernel, fail func(string, ...any)) int32 {
		freeBefore := k.PhysMem().NrFreePages()
		heapBefore := k.KHeapBytes()

		pid, err := k.KernelThread(func(any) int32 { return 42 }, nil, 0)
		if err != nil {
			fail("fork: %v", err)
			return 1
		}
		var code int32
		if err := k.DoWait(pid, &code); err != nil {
			fail("wait: %v", err)
			return 1
		}
		if code != 42 {
			fail("exit code = %d, want 42", code)
		}

		// A matched fork/exit/wait leaves no trace.
		if got := k.PhysMem().NrFreePages(); got != freeBefore {
			fail("free pages = %d after reap, want %d", got, freeBefore)
		}
		if got := k.KHeapBytes(); got != heapBefore {
			fail("kernel heap = %d after reap, want %d", got, heapBefore)
		}
		return 0
	})
}

func TestWaitAnyCollectsAllCodes(t *testing.T) {
	runMachine(t, func(k *Kernel, fail func(string, ...any)) int32 {
		for _, c := range []int32{1, 2, 3} {
			c := c
			if _, err := k.KernelThread(func(any) int32 { return c }, nil, 0); err != nil {
				fail("fork: %v", err)
				return 1
			}
		}
		got := make(map[int32]bool)
		for i := 0; i < 3; i++ {
			var code int32
			if err := k.DoWait(0, &code); err != nil {
				fail("wait %d: %v", i, err)
				return 1
			}
			got[code] = true
		}
		if !got[1] || !got[2] || !got[3] {
			fail("collected codes %v, want {1,2,3}", got)
		}
		if err := k.DoWait(0, nil); err != kerrors.ErrBadProc {
			fail("wait with no children = %v, want ErrBadProc", err)
		}
		return 0
	})
}

func TestOrphanReparentedToInit(t *testing.T) {
	runMachine(t, func(k *Kernel, fail func(string, ...any)) int32 {
		var grandchild int
		pid, err := k.KernelThread(func(any) int32 {
			// The child spawns its own child and exits without
			// waiting.
			gp, err := k.KernelThread(func(any) int32 {
				for i := 0; i < 5; i++ {
					k.Schedule()
				}
				return 7
			}, nil, 0)
			if err != nil {
				return 1
			}
			grandchild = gp
			return 0
		}, nil, 0)
		if err != nil {
			fail("fork: %v", err)
			return 1
		}

		var code int32
		if err := k.DoWait(pid, &code); err != nil || code != 0 {
			fail("wait for child = (%d, %v), want (0, nil)", code, err)
			return 1
		}
		// The orphan now belongs to init.
		g := k.FindProc(grandchild)
		if g == nil {
			fail("grandchild pid %d vanished", grandchild)
			return 1
		}
		if g.Parent() != k.InitProc() {
			fail("grandchild parent = pid %d, want init", g.Parent().Pid())
		}
		if err := k.DoWait(0, &code); err != nil || code != 7 {
			fail("wait for orphan = (%d, %v), want (7, nil)", code, err)
		}
		if n := k.NrProcess(); n != 2 {
			fail("nr_process = %d at end, want 2", n)
		}
		return 0
	})
}

func TestForkFailsWhenTableFull(t *testing.T) {
	runMachine(t, func(k *Kernel, fail func(string, ...any)) int32 {
		k.mu.Lock()
		saved := k.nrProcess
		k.nrProcess = MaxProcess
		k.mu.Unlock()

		_, err := k.KernelThread(func(any) int32 { return 0 }, nil, 0)

		k.mu.Lock()
		k.nrProcess = saved
		k.mu.Unlock()

		if err != kerrors.ErrNoFreeProc {
			fail("fork with full table = %v, want ErrNoFreeProc", err)
		}
		return 0
	})
}

func TestForkUnwindsOnAllocationFailure(t *testing.T) {
	// A machine so small that the child's kernel stack cannot be
	// allocated: boot pgdir + idle stack + init stack + one page spare.
	m, err := NewMachine(6 * 4096)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	var failure string
	code, err := m.Run(func(any) int32 {
		k := m.Kernel()
		freeBefore := k.PhysMem().NrFreePages()
		heapBefore := k.KHeapBytes()
		nrBefore := k.NrProcess()

		if _, err := k.KernelThread(func(any) int32 { return 0 }, nil, 0); err != kerrors.ErrNoMem {
			failure = "fork on exhausted memory did not return ErrNoMem"
			return 1
		}
		if k.PhysMem().NrFreePages() != freeBefore || k.KHeapBytes() != heapBefore || k.NrProcess() != nrBefore {
			failure = "failed fork left partial state behind"
			return 1
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Fatalf("init body failed: %s", failure)
	}
}
