// Package config parses and validates monitor startup parameters
// (spec.md §5/§6's CLI collaborator), reusing the memory package's size
// bounds rather than duplicating them.
package config

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/x-lugoo/gokvm-mon/memory"
)

// Config holds one validated monitor invocation.
type Config struct {
	KernelPath string
	InitrdPath string
	Params     string
	KVMDevice  string
	MemSize    uint64
	SingleStep bool
	IOPortDebug bool
}

// Flags returns the urfave/cli flag set this monitor accepts.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "kernel", Aliases: []string{"k"}, Usage: "path to a bzImage or flat binary kernel"},
		&cli.StringFlag{Name: "initrd", Aliases: []string{"i"}, Usage: "path to an initial ramdisk"},
		&cli.StringFlag{Name: "params", Aliases: []string{"p"}, Usage: "kernel command line"},
		&cli.StringFlag{Name: "kvm-dev", Value: "/dev/kvm", Usage: "path to the KVM device node"},
		&cli.Uint64Flag{Name: "mem", Value: memory.MinSize, Usage: "guest memory size in bytes"},
		&cli.BoolFlag{Name: "single-step", Usage: "enable hardware single-stepping"},
		&cli.BoolFlag{Name: "ioport-debug", Usage: "accepted; port I/O exits are not logged"},
	}
}

// FromContext builds and validates a Config from a parsed cli.Context.
// The kernel path may also be given positionally, matching the
// teacher's fallback convention.
func FromContext(c *cli.Context) (Config, error) {
	kernel := c.String("kernel")
	if kernel == "" {
		kernel = c.Args().First()
	}

	if kernel == "" {
		return Config{}, fmt.Errorf("no kernel path given")
	}

	cfg := Config{
		KernelPath:  kernel,
		InitrdPath:  c.String("initrd"),
		Params:      c.String("params"),
		KVMDevice:   c.String("kvm-dev"),
		MemSize:     c.Uint64("mem"),
		SingleStep:  c.Bool("single-step"),
		IOPortDebug: c.Bool("ioport-debug"),
	}

	if cfg.MemSize < memory.MinSize {
		return Config{}, fmt.Errorf("%w: %d < %d", memory.ErrMemTooSmall, cfg.MemSize, memory.MinSize)
	}

	if cfg.MemSize > memory.MaxSize {
		return Config{}, fmt.Errorf("%w: %d > %d", memory.ErrMemTooLarge, cfg.MemSize, memory.MaxSize)
	}

	return cfg, nil
}
