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

package boot

import (
	"bytes"
	"testing"

	"ucore.dev/ucore/pkg/elf"
	"ucore.dev/ucore/pkg/mem"
)

func TestSign(t *testing.T) {
	sect, err := Sign([]byte{0xEB, 0xFE})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sect) != SectSize {
		t.Fatalf("len = %d, want %d", len(sect), SectSize)
	}
	if sect[510] != 0x55 || sect[511] != 0xAA {
		t.Fatalf("signature = %#x %#x, want 0x55 0xAA", sect[510], sect[511])
	}
	if sect[0] != 0xEB || sect[1] != 0xFE || sect[2] != 0 {
		t.Fatalf("block bytes not preserved: % x", sect[:3])
	}

	if _, err := Sign(make([]byte, 511)); err == nil {
		t.Fatalf("Sign of 511-byte block succeeded")
	}
	if _, err := Sign(make([]byte, 510)); err != nil {
		t.Fatalf("Sign of 510-byte block: %v", err)
	}
}

func TestCheckBootSector(t *testing.T) {
	if err := CheckBootSector(&ImageDisk{Image: make([]byte, SectSize)}); err != ErrBadBootSector {
		t.Fatalf("unsigned sector = %v, want ErrBadBootSector", err)
	}
	sect, _ := Sign(nil)
	if err := CheckBootSector(&ImageDisk{Image: sect}); err != nil {
		t.Fatalf("signed sector: %v", err)
	}
}

// buildImage assembles a bootable image: signed sector 0, kernel from
// sector 1.
func buildImage(t *testing.T, kern []byte) []byte {
	t.Helper()
	sect, err := Sign(nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return append(sect, kern...)
}

func TestBootmainLoadsSegments(t *testing.T) {
	text := []byte("kernel text bytes here")
	kern := elf.NewBuilder(0xC0100000).
		AddSegment(0xC0100000, 0x1000, elf.PFRead|elf.PFExec, text).
		Bytes()
	img := buildImage(t, kern)

	pm := mem.NewPhysMemory(2 << 20)
	entry, err := Bootmain(pm, &ImageDisk{Image: img})
	if err != nil {
		t.Fatalf("Bootmain: %v", err)
	}
	// Load addresses and the entry are confined to the low 16 MiB.
	if entry != 0x00100000 {
		t.Fatalf("entry = %#x, want 0x00100000", entry)
	}
	got := pm.KVABytes(mem.KERNBASE+0x00100000, len(text))
	if !bytes.Equal(got, text) {
		t.Fatalf("loaded segment = %q, want %q", got, text)
	}
}

func TestBootmainRejectsBadImages(t *testing.T) {
	pm := mem.NewPhysMemory(2 << 20)

	if _, err := Bootmain(pm, &ImageDisk{Image: make([]byte, SectSize)}); err != ErrBadBootSector {
		t.Fatalf("unsigned image = %v, want ErrBadBootSector", err)
	}

	// Signed sector but garbage where the kernel ELF should be.
	img := buildImage(t, []byte("not an elf"))
	if _, err := Bootmain(pm, &ImageDisk{Image: img}); err != ErrBadKernel {
		t.Fatalf("garbage kernel = %v, want ErrBadKernel", err)
	}
}
