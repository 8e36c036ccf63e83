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
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"ucore.dev/ucore/pkg/boot"
	"ucore.dev/ucore/pkg/kernel"
	"ucore.dev/ucore/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	configPath string
	memSize    int
	debug      bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a disk image and run it until the machine powers off"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return "boot [flags] <disk image>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "TOML machine configuration file")
	f.IntVar(&b.memSize, "mem", 0, "physical memory size in bytes (0 for the default)")
	f.BoolVar(&b.debug, "debug", false, "enable debug logging")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	imagePath := f.Arg(0)

	conf, err := loadConfig(b.configPath)
	if err != nil {
		return Errorf("%v", err)
	}
	if b.debug {
		conf.LogLevel = "debug"
	}
	if b.memSize != 0 {
		conf.MemSize = b.memSize
	}
	if err := conf.applyLogLevel(); err != nil {
		return Errorf("%v", err)
	}

	// Hold the image exclusively for the machine's lifetime.
	fl := flock.New(imagePath)
	locked, err := fl.TryLock()
	if err != nil {
		return Errorf("locking %q: %v", imagePath, err)
	}
	if !locked {
		return Errorf("disk image %q is in use", imagePath)
	}
	defer fl.Unlock()

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return Errorf("reading %q: %v", imagePath, err)
	}

	code, err := bootAndRun(ctx, conf, image)
	if err != nil {
		return Errorf("boot: %v", err)
	}
	log.Infof("machine powered off, init returned %d", code)
	if code != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// bootAndRun loads the kernel from the image, runs the machine with the
// built-in first user program, and waits for power-off. An interrupt asks
// the kernel to power off and polls for the halt under the configured
// deadline.
func bootAndRun(ctx context.Context, conf Config, image []byte) (int32, error) {
	m, err := kernel.NewMachine(conf.MemSize)
	if err != nil {
		return 0, err
	}
	disk := &boot.ImageDisk{Image: image}
	entry, err := boot.Bootmain(m.PhysMem(), disk)
	if err != nil {
		return 0, err
	}
	log.Infof("kernel loaded, entry %#x", entry)

	k := m.Kernel()
	name, prog := helloProgram(k)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)

	var code int32
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		code, err = m.Run(k.InitMain(name, prog))
		cancel()
		return err
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			log.Warningf("caught %v, powering off", sig)
			k.PowerOff()
			if err := waitHalted(ctx, m, conf.HaltTimeout()); err != nil {
				// A task that never traps cannot be stopped
				// from outside; give up on the process.
				log.Warningf("%v", err)
				os.Exit(128)
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return code, nil
}

// waitHalted polls for machine power-off, giving up after timeout.
func waitHalted(ctx context.Context, m *kernel.Machine, timeout time.Duration) error {
	op := func() error {
		if !m.Halted() {
			return errors.New("machine still running")
		}
		return nil
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), deadline)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("machine did not halt within %v", timeout)
	}
	return nil
}
