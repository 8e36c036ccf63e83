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

package cmd

import (
	"ucore.dev/ucore/pkg/elf"
	"ucore.dev/ucore/pkg/kernel"
	"ucore.dev/ucore/pkg/log"
)

// The first user program of a booted machine: a hello-world image built
// at a fixed entry, with its body registered under that entry.
const helloEntry uint32 = 0x00800020

// helloImage builds the ELF image for the hello program: one executable
// text segment holding placeholder instruction bytes and a small BSS.
func helloImage() []byte {
	text := make([]byte, 64)
	for i := range text {
		text[i] = 0x90 // nop sled; the body is dispatched by entry
	}
	return elf.NewBuilder(helloEntry).
		AddSegment(helloEntry&^0xFFF, 0x1000, elf.PFRead|elf.PFExec, text).
		Bytes()
}

// helloProgram registers the hello body with k and returns the program
// name and image for exec.
func helloProgram(k *kernel.Kernel) (string, []byte) {
	k.RegisterProgram(helloEntry, func(uc *kernel.UserContext) int32 {
		log.Infof("Hello world!! I am process %d.", uc.GetPid())
		uc.Yield()
		log.Infof("hello pass.")
		return 0
	})
	return "hello", helloImage()
}
