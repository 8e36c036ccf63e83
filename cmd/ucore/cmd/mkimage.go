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
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"ucore.dev/ucore/pkg/boot"
	"ucore.dev/ucore/pkg/elf"
)

// MkImage implements subcommands.Command for the "mkimage" command: it
// assembles a bootable disk image from a boot block and a kernel ELF.
type MkImage struct {
	bootBlock string
	kernel    string
	output    string
}

// Name implements subcommands.Command.Name.
func (*MkImage) Name() string {
	return "mkimage"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MkImage) Synopsis() string {
	return "build a bootable disk image: signed boot sector, kernel ELF from sector 1"
}

// Usage implements subcommands.Command.Usage.
func (*MkImage) Usage() string {
	return "mkimage [-boot <boot block>] [-kernel <kernel ELF>] -o <disk image>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MkImage) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.bootBlock, "boot", "", "boot block file (empty for a blank block)")
	f.StringVar(&m.kernel, "kernel", "", "kernel ELF file (empty for a built-in stub kernel)")
	f.StringVar(&m.output, "o", "", "output disk image")
}

// Execute implements subcommands.Command.Execute.
func (m *MkImage) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if m.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var block []byte
	if m.bootBlock != "" {
		b, err := os.ReadFile(m.bootBlock)
		if err != nil {
			return Errorf("reading %q: %v", m.bootBlock, err)
		}
		block = b
	}
	sect, err := signBlock(block)
	if err != nil {
		return Errorf("%v", err)
	}

	var kern []byte
	if m.kernel != "" {
		k, err := os.ReadFile(m.kernel)
		if err != nil {
			return Errorf("reading %q: %v", m.kernel, err)
		}
		kern = k
	} else {
		kern = stubKernel()
	}

	image := append(sect, kern...)
	if err := os.WriteFile(m.output, image, 0644); err != nil {
		return Errorf("writing %q: %v", m.output, err)
	}
	return subcommands.ExitSuccess
}

// signBlock is the boot-sector signer: the block padded to 510 bytes with
// the 0x55AA signature appended.
func signBlock(block []byte) ([]byte, error) {
	return boot.Sign(block)
}

// stubKernel builds a minimal kernel ELF whose single text segment loads
// at the conventional kernel physical address.
func stubKernel() []byte {
	text := make([]byte, 256)
	return elf.NewBuilder(0x00100000).
		AddSegment(0x00100000, 0x1000, elf.PFRead|elf.PFExec, text).
		Bytes()
}
