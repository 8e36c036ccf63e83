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

// InitMain returns the canonical init body: spawn a kernel thread that
// execs the given user program, reap children until none remain, and
// verify that every page and descriptor came back.
func (k *Kernel) InitMain(name string, binary []byte) KThreadFunc {
	return func(any) int32 {
		nrFreePagesStore := k.pm.NrFreePages()
		kheapStore := k.KHeapBytes()

		pid, err := k.KernelThread(k.userMain(name, binary), nil, 0)
		if err != nil || pid <= 0 {
			panic(fmt.Sprintf("create user_main failed: %v", err))
		}

		for k.DoWait(0, nil) == nil {
			k.Schedule()
		}

		log.Infof("all user-mode processes have quit")
		initTask := k.initproc
		if initTask.cptr != nil || initTask.yptr != nil || initTask.optr != nil {
			panic("init check: children remain after final wait")
		}
		if n := k.NrProcess(); n != 2 {
			panic(fmt.Sprintf("init check: nr_process == %d, want 2", n))
		}
		if got := k.pm.NrFreePages(); got != nrFreePagesStore {
			panic(fmt.Sprintf("init check: %d free pages, want %d", got, nrFreePagesStore))
		}
		if got := k.KHeapBytes(); got != kheapStore {
			panic(fmt.Sprintf("init check: %d kernel-heap bytes, want %d", got, kheapStore))
		}
		log.Infof("init check memory pass")
		return 0
	}
}

// userMain is the bootstrap kernel thread body that execs the first user
// program. Exec only comes back on failure.
func (k *Kernel) userMain(name string, binary []byte) KThreadFunc {
	return func(any) int32 {
		k.KernelExecve(name, binary)
		panic("user_main execve failed")
	}
}
