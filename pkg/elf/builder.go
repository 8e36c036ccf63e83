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

package elf

import "encoding/binary"

// Builder assembles a minimal valid ELF32 image. It exists for the mkimage
// tool and for exec/boot tests; it writes the ELF identification and the
// header and program-header fields the loader reads, and no section headers.
type Builder struct {
	entry uint32
	segs  []builderSeg
}

type builderSeg struct {
	va    uint32
	pa    uint32
	memsz uint32
	flags uint32
	data  []byte
}

// NewBuilder returns a Builder for an image with the given entry point.
func NewBuilder(entry uint32) *Builder {
	return &Builder{entry: entry}
}

// AddSegment appends a PT_LOAD segment. memsz must be >= len(data); the
// surplus is the segment's BSS. flags is a combination of PFExec, PFWrite
// and PFRead.
func (b *Builder) AddSegment(va, memsz, flags uint32, data []byte) *Builder {
	b.segs = append(b.segs, builderSeg{va: va, pa: va, memsz: memsz, flags: flags, data: data})
	return b
}

// Bytes serializes the image: file header, program header table, then the
// segment payloads in order.
func (b *Builder) Bytes() []byte {
	phoff := uint32(EhdrSize)
	dataoff := phoff + uint32(len(b.segs))*PhdrSize

	hdr := make([]byte, dataoff)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], Magic)
	hdr[4] = 1 // ELFCLASS32
	hdr[5] = 1 // ELFDATA2LSB
	hdr[6] = 1 // EV_CURRENT
	le.PutUint16(hdr[16:], 2) // ET_EXEC
	le.PutUint16(hdr[18:], 3) // EM_386
	le.PutUint32(hdr[20:], 1)
	le.PutUint32(hdr[24:], b.entry)
	le.PutUint32(hdr[28:], phoff)
	le.PutUint16(hdr[40:], EhdrSize)
	le.PutUint16(hdr[42:], PhdrSize)
	le.PutUint16(hdr[44:], uint16(len(b.segs)))

	off := dataoff
	for i, s := range b.segs {
		p := hdr[phoff+uint32(i)*PhdrSize:]
		le.PutUint32(p[0:], PTLoad)
		le.PutUint32(p[4:], off)
		le.PutUint32(p[8:], s.va)
		le.PutUint32(p[12:], s.pa)
		le.PutUint32(p[16:], uint32(len(s.data)))
		le.PutUint32(p[20:], s.memsz)
		le.PutUint32(p[24:], s.flags)
		le.PutUint32(p[28:], 0x1000)
		off += uint32(len(s.data))
	}

	out := hdr
	for _, s := range b.segs {
		out = append(out, s.data...)
	}
	return out
}
