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

// Package kerrors holds the kernel's error taxonomy.
//
// Each error is a fixed object carrying the numeric code delivered to user
// mode; kernel code compares errors by identity (errors.Is), and the syscall
// layer converts them to negative return values with Code.
package kerrors

// Error is a kernel error with a stable numeric code.
type Error struct {
	code int32
	msg  string
}

// New creates a kernel error. Errors should be package-level values, never
// allocated per call site.
func New(code int32, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.msg }

// Code returns the positive numeric code of e.
func (e *Error) Code() int32 { return e.code }

// The kernel error set.
var (
	// ErrNoFreeProc indicates the task table is full.
	ErrNoFreeProc = New(1, "no free process descriptor")

	// ErrNoMem indicates an allocation failure in any subroutine.
	ErrNoMem = New(2, "out of memory")

	// ErrInval indicates failed argument validation.
	ErrInval = New(3, "invalid argument")

	// ErrInvalELF indicates a malformed ELF header or segment.
	ErrInvalELF = New(4, "invalid ELF image")

	// ErrBadProc indicates a wait with no matching child.
	ErrBadProc = New(5, "no such child process")

	// ErrKilled indicates the target is already exiting. It is also the
	// exit code injected when a killed task wakes from an interruptible
	// sleep.
	ErrKilled = New(6, "process is killed")
)

// ExitCode returns the negative exit/return value for err, or 0 for nil.
// Unknown errors map to -ErrInval's code.
func ExitCode(err error) int32 {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Error); ok {
		return -e.code
	}
	return -ErrInval.code
}
