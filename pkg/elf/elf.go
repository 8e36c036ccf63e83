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

// Package elf defines the ELF32 on-disk structures consumed by the boot
// loader and the exec path. Only the fields the kernel reads are validated;
// everything else is carried through untouched.
package elf

import (
	"encoding/binary"

	"ucore.dev/ucore/pkg/kerrors"
)

// Magic is the little-endian ELF magic ("\x7FELF").
const Magic uint32 = 0x464C457F

// Program header types and flags.
const (
	PTLoad uint32 = 1

	PFExec  uint32 = 1
	PFWrite uint32 = 2
	PFRead  uint32 = 4
)

// EhdrSize and PhdrSize are the on-disk sizes of the ELF32 header records.
const (
	EhdrSize = 52
	PhdrSize = 32
)

// Ehdr is the ELF32 file header.
type Ehdr struct {
	Magic     uint32
	Elf       [12]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Phdr is an ELF32 program header.
type Phdr struct {
	Type   uint32
	Offset uint32
	VA     uint32
	PA     uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// ParseEhdr reads the file header from the start of b. It validates the
// magic and that the program header table lies within b.
func ParseEhdr(b []byte) (*Ehdr, error) {
	if len(b) < EhdrSize {
		return nil, kerrors.ErrInvalELF
	}
	var e Ehdr
	e.Magic = binary.LittleEndian.Uint32(b[0:])
	copy(e.Elf[:], b[4:16])
	e.Type = binary.LittleEndian.Uint16(b[16:])
	e.Machine = binary.LittleEndian.Uint16(b[18:])
	e.Version = binary.LittleEndian.Uint32(b[20:])
	e.Entry = binary.LittleEndian.Uint32(b[24:])
	e.Phoff = binary.LittleEndian.Uint32(b[28:])
	e.Shoff = binary.LittleEndian.Uint32(b[32:])
	e.Flags = binary.LittleEndian.Uint32(b[36:])
	e.Ehsize = binary.LittleEndian.Uint16(b[40:])
	e.Phentsize = binary.LittleEndian.Uint16(b[42:])
	e.Phnum = binary.LittleEndian.Uint16(b[44:])
	e.Shentsize = binary.LittleEndian.Uint16(b[46:])
	e.Shnum = binary.LittleEndian.Uint16(b[48:])
	e.Shstrndx = binary.LittleEndian.Uint16(b[50:])
	if e.Magic != Magic {
		return nil, kerrors.ErrInvalELF
	}
	if int64(e.Phoff)+int64(e.Phnum)*PhdrSize > int64(len(b)) {
		return nil, kerrors.ErrInvalELF
	}
	return &e, nil
}

// Phdrs returns the program headers of a parsed image.
//
// Preconditions: e was returned by ParseEhdr(b).
func Phdrs(e *Ehdr, b []byte) []Phdr {
	phs := make([]Phdr, 0, e.Phnum)
	for i := 0; i < int(e.Phnum); i++ {
		off := int(e.Phoff) + i*PhdrSize
		p := b[off : off+PhdrSize]
		phs = append(phs, Phdr{
			Type:   binary.LittleEndian.Uint32(p[0:]),
			Offset: binary.LittleEndian.Uint32(p[4:]),
			VA:     binary.LittleEndian.Uint32(p[8:]),
			PA:     binary.LittleEndian.Uint32(p[12:]),
			Filesz: binary.LittleEndian.Uint32(p[16:]),
			Memsz:  binary.LittleEndian.Uint32(p[20:]),
			Flags:  binary.LittleEndian.Uint32(p[24:]),
			Align:  binary.LittleEndian.Uint32(p[28:]),
		})
	}
	return phs
}
