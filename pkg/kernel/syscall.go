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
	"encoding/binary"
	"fmt"

	"ucore.dev/ucore/pkg/arch"
	"ucore.dev/ucore/pkg/kerrors"
	"ucore.dev/ucore/pkg/log"
	"ucore.dev/ucore/pkg/mem"
)

// Syscall numbers. The selector travels in EAX; arguments in EDX, ECX,
// EBX, EDI.
const (
	SysExit        uint32 = 1
	SysFork        uint32 = 2
	SysWait        uint32 = 3
	SysExec        uint32 = 4
	SysClone       uint32 = 5
	SysYield       uint32 = 10
	SysKill        uint32 = 12
	SysGetpid      uint32 = 18
	SysSetPriority uint32 = 255
)

// Trap is the system-call trap gate: dispatch on the selector in EAX,
// deliver the result in EAX, then walk the trap-exit path (timer charge,
// reschedule hint, pending kill).
func (k *Kernel) Trap(tf *arch.Trapframe) {
	tf.TrapNo = arch.TSyscall
	tf.Regs.EAX = uint32(k.syscall(tf))

	cur := k.current
	k.mu.Lock()
	if k.scheduler.Tick(&cur.se) {
		cur.needResched = true
	}
	k.mu.Unlock()
	if cur.needResched {
		k.schedule()
	}
	if cur != k.idleproc && cur != k.initproc && cur.flags&FlagExiting != 0 {
		k.DoExit(kerrors.ExitCode(kerrors.ErrKilled))
	}
}

// syscall dispatches one system call and returns its result value.
func (k *Kernel) syscall(tf *arch.Trapframe) int32 {
	num := tf.Regs.EAX
	a := [4]uint32{tf.Regs.EDX, tf.Regs.ECX, tf.Regs.EBX, tf.Regs.EDI}
	switch num {
	case SysExit:
		k.DoExit(int32(a[0]))
		panic("sys_exit returned")
	case SysFork, SysClone:
		flags := uint32(0)
		if num == SysClone {
			flags = a[0]
		}
		pid, err := k.DoFork(flags, tf.ESP, tf)
		if err != nil {
			return kerrors.ExitCode(err)
		}
		return int32(pid)
	case SysWait:
		return k.sysWait(int(a[0]), a[1])
	case SysExec:
		return k.sysExec(a[0], a[1], a[2], a[3])
	case SysYield:
		k.DoYield()
		return 0
	case SysKill:
		return kerrors.ExitCode(k.DoKill(int(a[0])))
	case SysGetpid:
		return int32(k.current.pid)
	case SysSetPriority:
		k.current.SetPriority(a[0])
		return 0
	default:
		log.Warningf("undefined syscall %d, pid = %d, name = %s", num, k.current.pid, k.current.name)
		return kerrors.ExitCode(kerrors.ErrInval)
	}
}

// sysWait validates the user code-store pointer before the wait loop can
// block, and copies the exit code out afterwards.
func (k *Kernel) sysWait(pid int, storeVA uint32) int32 {
	mm := k.current.mm
	if storeVA != 0 && !mem.UserMemCheck(mm, storeVA, 4, true) {
		return kerrors.ExitCode(kerrors.ErrInval)
	}
	var code int32
	if err := k.DoWait(pid, &code); err != nil {
		return kerrors.ExitCode(err)
	}
	if storeVA != 0 && mm != nil {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(code))
		if err := k.current.mm.CopyOut(storeVA, b[:]); err != nil {
			return kerrors.ExitCode(err)
		}
	}
	return 0
}

// sysExec resolves the image handles and replaces the caller's program.
// On success the trap return lands in the new image; this call does not
// come back.
func (k *Kernel) sysExec(nameH, nameLen, binH, binLen uint32) int32 {
	name, _ := k.takeHandle(nameH).(string)
	image, _ := k.takeHandle(binH).([]byte)
	if uint32(len(name)) != nameLen || uint32(len(image)) != binLen {
		return kerrors.ExitCode(kerrors.ErrInval)
	}
	if err := k.DoExecve(name, image); err != nil {
		return kerrors.ExitCode(err)
	}
	k.forkrets(k.current.tf)
	panic("sys_exec: trap return came back")
}

// KernelExecve issues SYS_exec on behalf of a kernel thread, the way the
// user bootstrap thread launches the first user program. It only returns
// on failure.
func (k *Kernel) KernelExecve(name string, binary []byte) int32 {
	log.Infof("kernel_execve: pid = %d, name = %q", k.current.pid, name)
	tf := k.current.tf
	tf.Regs.EAX = SysExec
	tf.Regs.EDX = k.newHandle(name)
	tf.Regs.ECX = uint32(len(name))
	tf.Regs.EBX = k.newHandle(binary)
	tf.Regs.EDI = uint32(len(binary))
	return k.syscall(tf)
}

// forkrets performs the trap return with the given frame: into the
// kernel-thread trampoline for kernel frames, or into user mode. It never
// returns.
func (k *Kernel) forkrets(tf *arch.Trapframe) {
	if !tf.UserMode() {
		if tf.EIP == kernelThreadEntryVA {
			k.kernelThreadEntry(tf)
			panic("kernel thread entry returned")
		}
		panic(fmt.Sprintf("forkrets: kernel frame with unknown EIP %#x", tf.EIP))
	}
	k.userRun(tf)
	panic("user task returned past exit")
}
