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

// Package boot implements the boot path of the simulated machine: the boot
// sector format, the signer, and the first-stage loader that pulls the
// kernel ELF off the disk into physical memory.
package boot

import (
	"errors"
	"fmt"

	"ucore.dev/ucore/pkg/elf"
	"ucore.dev/ucore/pkg/log"
	"ucore.dev/ucore/pkg/mem"
)

// SectSize is the disk sector size.
const SectSize = 512

// The boot-sector signature bytes at offsets 510 and 511.
const (
	sigByte0 = 0x55
	sigByte1 = 0xAA
)

// ehdrSectors is how many sectors the loader reads to obtain the ELF
// header and program header table.
const ehdrSectors = 8

// paMask truncates load addresses to 24 bits, confining the kernel image
// to the first 16 MiB.
const paMask uint32 = 0xFFFFFF

// ErrBadBootSector indicates a boot sector without the 0x55AA signature.
var ErrBadBootSector = errors.New("boot sector signature missing")

// ErrBadKernel indicates the image at sector 1 is not a loadable ELF.
var ErrBadKernel = errors.New("kernel image is not a valid ELF")

// Disk is the block device the loader reads from.
type Disk interface {
	// ReadSect reads sector secno into a SectSize buffer.
	ReadSect(secno int, buf []byte) error
}

// ImageDisk is a Disk backed by an in-memory image. Reads past the end of
// the image return zero sectors, like reading past the written region of a
// real disk.
type ImageDisk struct {
	Image []byte
}

// ReadSect implements Disk.ReadSect.
func (d *ImageDisk) ReadSect(secno int, buf []byte) error {
	if secno < 0 || len(buf) != SectSize {
		return fmt.Errorf("bad sector read: secno=%d len=%d", secno, len(buf))
	}
	off := secno * SectSize
	for i := range buf {
		buf[i] = 0
	}
	if off < len(d.Image) {
		copy(buf, d.Image[off:])
	}
	return nil
}

// Sign produces a valid boot sector from a boot block of at most 510
// bytes: the block padded to 510 bytes with the signature appended.
func Sign(block []byte) ([]byte, error) {
	if len(block) > SectSize-2 {
		return nil, fmt.Errorf("boot block too large: %d bytes (max %d)", len(block), SectSize-2)
	}
	sect := make([]byte, SectSize)
	copy(sect, block)
	sect[SectSize-2] = sigByte0
	sect[SectSize-1] = sigByte1
	return sect, nil
}

// CheckBootSector validates sector 0's signature.
func CheckBootSector(d Disk) error {
	buf := make([]byte, SectSize)
	if err := d.ReadSect(0, buf); err != nil {
		return err
	}
	if buf[SectSize-2] != sigByte0 || buf[SectSize-1] != sigByte1 {
		return ErrBadBootSector
	}
	return nil
}

// readSeg reads count bytes of the kernel image starting at image offset
// offset into physical memory at pa. Reads are whole sectors; pa is
// rounded down to absorb the intra-sector offset, as the first-stage
// loader does.
func readSeg(pm *mem.PhysMemory, d Disk, pa uint32, count uint32, offset uint32) error {
	endPA := pa + count
	pa -= offset % SectSize
	secno := int(offset/SectSize) + 1
	buf := make([]byte, SectSize)
	for ; pa < endPA; pa, secno = pa+SectSize, secno+1 {
		if err := d.ReadSect(secno, buf); err != nil {
			return err
		}
		dst := pm.KVABytes(mem.KERNBASE+pa, SectSize)
		copy(dst, buf)
	}
	return nil
}

// Bootmain loads the kernel: validate the boot sector, read the ELF header
// from sector 1, load each PT_LOAD segment to its physical address masked
// to 24 bits, and return the (masked) entry point.
func Bootmain(pm *mem.PhysMemory, d Disk) (entry uint32, err error) {
	if err := CheckBootSector(d); err != nil {
		return 0, err
	}

	hdr := make([]byte, ehdrSectors*SectSize)
	for i := 0; i < ehdrSectors; i++ {
		if err := d.ReadSect(1+i, hdr[i*SectSize:(i+1)*SectSize]); err != nil {
			return 0, err
		}
	}
	e, err := elf.ParseEhdr(hdr)
	if err != nil {
		return 0, ErrBadKernel
	}
	for _, ph := range elf.Phdrs(e, hdr) {
		if ph.Type != elf.PTLoad {
			continue
		}
		if err := readSeg(pm, d, ph.PA&paMask, ph.Filesz, ph.Offset); err != nil {
			return 0, err
		}
	}
	entry = e.Entry & paMask
	log.Debugf("Bootmain: loaded kernel, entry %#x", entry)
	return entry, nil
}
