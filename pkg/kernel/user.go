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

	"ucore.dev/ucore/pkg/arch"
	"ucore.dev/ucore/pkg/kerrors"
	"ucore.dev/ucore/pkg/log"
)

// UserProg is the body of a user program, dispatched when a trap return
// lands in user mode at the program's entry address. The simulator cannot
// execute the loaded instruction bytes, so the behavior of an image is
// supplied as a Go function registered under its entry; the image bytes
// themselves still pass through the full loader.
//
// The body's return value becomes the task's exit code if it returns
// without calling Exit.
type UserProg func(uc *UserContext) int32

// RegisterProgram binds a program body to a user entry address.
func (k *Kernel) RegisterProgram(entry uint32, prog UserProg) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.programs[entry] = prog
}

// userRun enters user mode at tf.EIP. A trap return to an address with no
// registered body is the simulator's analogue of jumping into garbage:
// the task is killed.
func (k *Kernel) userRun(tf *arch.Trapframe) {
	k.mu.Lock()
	prog := k.programs[tf.EIP]
	k.mu.Unlock()
	if prog == nil {
		log.Warningf("user entry %#x has no registered program, pid = %d", tf.EIP, k.current.pid)
		k.DoExit(kerrors.ExitCode(kerrors.ErrInval))
	}
	uc := &UserContext{k: k, t: k.current}
	ret := prog(uc)
	k.DoExit(ret)
}

// UserContext is the thin user runtime handed to a program body; its
// methods issue system calls through the trap gate with the register
// convention of the machine.
type UserContext struct {
	k *Kernel
	t *Task
}

// trap issues one system call and returns the value delivered in EAX.
func (uc *UserContext) trap(num, a0, a1, a2, a3 uint32) int32 {
	tf := uc.t.tf
	tf.Regs.EAX = num
	tf.Regs.EDX = a0
	tf.Regs.ECX = a1
	tf.Regs.EBX = a2
	tf.Regs.EDI = a3
	uc.k.Trap(tf)
	return int32(tf.Regs.EAX)
}

// GetPid returns the calling task's pid.
func (uc *UserContext) GetPid() int {
	return int(uc.trap(SysGetpid, 0, 0, 0, 0))
}

// Exit terminates the calling task. It does not return.
func (uc *UserContext) Exit(code int32) {
	uc.trap(SysExit, uint32(code), 0, 0, 0)
	panic("exit returned")
}

// Fork creates a child task sharing this program's image. The simulator
// dispatches user execution by entry address, so the child re-enters the
// program body from the top; bodies that fork must branch on IsForkChild
// before doing anything else.
func (uc *UserContext) Fork() (int, error) {
	ret := uc.trap(SysFork, 0, 0, 0, 0)
	if ret < 0 {
		return 0, errFromCode(ret)
	}
	return int(ret), nil
}

// IsForkChild reports whether the calling task was created by a
// user-mode fork.
func (uc *UserContext) IsForkChild() bool {
	return uc.t.userForked
}

// Wait reaps one zombie child (any child when pid is 0) and returns its
// exit code. The code travels through a slot on the user stack, so the
// call exercises the user-pointer checks.
func (uc *UserContext) Wait(pid int) (int32, error) {
	storeVA := uc.t.tf.ESP - 4
	if ret := uc.trap(SysWait, uint32(pid), storeVA, 0, 0); ret < 0 {
		return 0, errFromCode(ret)
	}
	var b [4]byte
	if err := uc.t.mm.CopyIn(storeVA, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// Exec replaces the calling task's image. It returns only on failure.
func (uc *UserContext) Exec(name string, image []byte) error {
	nameH := uc.k.newHandle(name)
	binH := uc.k.newHandle(image)
	ret := uc.trap(SysExec, nameH, uint32(len(name)), binH, uint32(len(image)))
	return errFromCode(ret)
}

// Yield hints the scheduler to run someone else.
func (uc *UserContext) Yield() {
	uc.trap(SysYield, 0, 0, 0, 0)
}

// Kill requests that the task with the given pid exit.
func (uc *UserContext) Kill(pid int) error {
	return errFromCode(uc.trap(SysKill, uint32(pid), 0, 0, 0))
}

// SetPriority sets the caller's scheduling priority.
func (uc *UserContext) SetPriority(p uint32) {
	uc.trap(SysSetPriority, p, 0, 0, 0)
}

// errFromCode maps a negative syscall return to its kernel error.
func errFromCode(ret int32) error {
	if ret >= 0 {
		return nil
	}
	switch -ret {
	case kerrors.ErrNoFreeProc.Code():
		return kerrors.ErrNoFreeProc
	case kerrors.ErrNoMem.Code():
		return kerrors.ErrNoMem
	case kerrors.ErrInvalELF.Code():
		return kerrors.ErrInvalELF
	case kerrors.ErrBadProc.Code():
		return kerrors.ErrBadProc
	case kerrors.ErrKilled.Code():
		return kerrors.ErrKilled
	default:
		return kerrors.ErrInval
	}
}
