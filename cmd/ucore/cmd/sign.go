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
	"fmt"
	"os"

	"github.com/google/subcommands"
)

// Sign implements subcommands.Command for the "sign" command: it turns a
// boot block into a valid 512-byte boot sector.
type Sign struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Sign) Name() string {
	return "sign"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Sign) Synopsis() string {
	return "pad a boot block to 510 bytes and append the boot signature"
}

// Usage implements subcommands.Command.Usage.
func (*Sign) Usage() string {
	return "sign -o <boot sector> <boot block>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Sign) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "", "output file for the signed boot sector")
}

// Execute implements subcommands.Command.Execute.
func (s *Sign) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || s.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	block, err := os.ReadFile(f.Arg(0))
	if err != nil {
		return Errorf("reading %q: %v", f.Arg(0), err)
	}
	sect, err := signBlock(block)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := os.WriteFile(s.output, sect, 0644); err != nil {
		return Errorf("writing %q: %v", s.output, err)
	}
	fmt.Printf("build 512 bytes boot sector: %q success!\n", s.output)
	return subcommands.ExitSuccess
}
