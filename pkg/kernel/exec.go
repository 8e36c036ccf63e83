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
	"ucore.dev/ucore/pkg/elf"
	"ucore.dev/ucore/pkg/kerrors"
	"ucore.dev/ucore/pkg/log"
	"ucore.dev/ucore/pkg/mem"
)

// ustackPages is how many stack pages are mapped eagerly below USTACKTOP.
const ustackPages = 4

// loadIcode replaces the calling task's (empty) address space with the
// program image in binary, leaving the task so that a plain trap return
// lands in user mode at the image's entry point.
func (k *Kernel) loadIcode(binary []byte) error {
	cur := k.current
	if cur.mm != nil {
		panic("load_icode: current->mm must be empty")
	}

	mm := mem.MMCreate(k.pm)
	if err := mm.SetupPgdir(k.bootPgdir); err != nil {
		mm.MMDestroy()
		return kerrors.ErrNoMem
	}

	// Unwind ladder: once the directory exists, every failure tears the
	// partial space down in reverse order.
	fail := func(err error) error {
		mm.ExitMmap()
		mm.PutPgdir()
		mm.MMDestroy()
		return err
	}

	ehdr, err := elf.ParseEhdr(binary)
	if err != nil {
		return fail(kerrors.ErrInvalELF)
	}

	for _, ph := range elf.Phdrs(ehdr, binary) {
		if ph.Type != elf.PTLoad {
			continue
		}
		if ph.Filesz > ph.Memsz {
			return fail(kerrors.ErrInvalELF)
		}
		if ph.Filesz == 0 {
			continue
		}
		if int64(ph.Offset)+int64(ph.Filesz) > int64(len(binary)) {
			return fail(kerrors.ErrInvalELF)
		}

		var vmFlags, perm uint32
		perm = mem.PTEUser
		if ph.Flags&elf.PFExec != 0 {
			vmFlags |= mem.VMExec
		}
		if ph.Flags&elf.PFWrite != 0 {
			vmFlags |= mem.VMWrite
		}
		if ph.Flags&elf.PFRead != 0 {
			vmFlags |= mem.VMRead
		}
		if vmFlags&mem.VMWrite != 0 {
			perm |= mem.PTEWrite
		}
		if _, err := mm.MMap(ph.VA, ph.Memsz, vmFlags); err != nil {
			return fail(err)
		}

		from := binary[ph.Offset:]
		start, la := ph.VA, mem.RoundDown(ph.VA)

		// TEXT/DATA: allocate page by page and copy the overlapping
		// file bytes.
		end := ph.VA + ph.Filesz
		var pg *mem.Page
		for start < end {
			pg, err = k.pm.PgdirAllocPage(mm.Pgdir, la, perm)
			if err != nil {
				return fail(kerrors.ErrNoMem)
			}
			off := start - la
			size := uint32(mem.PGSIZE) - off
			la += mem.PGSIZE
			if end < la {
				size -= la - end
			}
			copy(pg.Bytes()[off:], from[:size])
			start += size
			from = from[size:]
		}

		// BSS: zero the tail of the last file-backed page, then map
		// zeroed pages up to memsz.
		end = ph.VA + ph.Memsz
		if start < la {
			if start == end {
				continue
			}
			// The copy loop's frames are zero-allocated, so the
			// in-page tail is already clear; only the cursor moves.
			size := la - start
			if end < la {
				size -= la - end
			}
			start += size
		}
		for start < end {
			if _, err = k.pm.PgdirAllocPage(mm.Pgdir, la, perm); err != nil {
				return fail(kerrors.ErrNoMem)
			}
			off := start - la
			size := uint32(mem.PGSIZE) - off
			la += mem.PGSIZE
			if end < la {
				size -= la - end
			}
			start += size
		}
	}

	// User stack: reserve the full region, eagerly map the top pages.
	if _, err := mm.MMap(mem.USTACKTOP-mem.USTACKSIZE, mem.USTACKSIZE, mem.VMRead|mem.VMWrite|mem.VMStack); err != nil {
		return fail(err)
	}
	for i := 1; i <= ustackPages; i++ {
		if _, err := k.pm.PgdirAllocPage(mm.Pgdir, mem.USTACKTOP-uint32(i)*mem.PGSIZE, mem.PTEUserMask); err != nil {
			return fail(kerrors.ErrNoMem)
		}
	}

	mm.CountInc()
	cur.mm = mm
	cur.cr3 = mm.Pgdir.PA()
	k.lcr3(cur.cr3)

	tf := cur.tf
	*tf = arch.Trapframe{}
	tf.CS = arch.UserCS
	tf.DS, tf.ES, tf.SS = arch.UserDS, arch.UserDS, arch.UserDS
	tf.ESP = mem.USTACKTOP
	tf.EIP = ehdr.Entry
	tf.EFlags = arch.FlagIF
	return nil
}

// DoExecve replaces the calling task's program image. The caller must
// already own a kernel stack and trap frame (typically a fresh fork). Its
// old address space, if any, is released first, so a failed load cannot
// return: the caller exits with the error's code.
func (k *Kernel) DoExecve(name string, binary []byte) error {
	cur := k.current
	if name == "" {
		return kerrors.ErrInval
	}
	if len(name) > ProcNameLen {
		name = name[:ProcNameLen]
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

	if err := k.loadIcode(binary); err != nil {
		log.Warningf("execve %q failed: %v", name, err)
		k.DoExit(kerrors.ExitCode(err))
		panic(fmt.Sprintf("already exit: %v", err))
	}

	cur.setName(name)
	log.Debugf("execve: pid %d is now %q, entry %#x", cur.pid, name, cur.tf.EIP)
	return nil
}
