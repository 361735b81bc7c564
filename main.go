package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/x-lugoo/gokvm-mon/config"
	"github.com/x-lugoo/gokvm-mon/device"
	"github.com/x-lugoo/gokvm-mon/machine"
)

func main() {
	log := logrus.New()

	app := &cli.App{
		Name:  "gokvm-mon",
		Usage: "boot a Linux kernel in real mode under a minimal KVM monitor",
		Flags: config.Flags(),
		Action: func(c *cli.Context) error {
			return run(c, log)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context, log *logrus.Logger) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}

	console := make(chan byte, 4096)
	serial := device.NewSerial8250(device.COM1Addr, console)

	go func() {
		for b := range console {
			os.Stdout.Write([]byte{b})
		}
	}()

	bus := device.Chain{serial, device.DefaultBus{}}

	m, err := machine.New(cfg.KVMDevice, cfg.MemSize,
		machine.WithBus(bus),
		machine.WithLogger(log.WithField("component", "machine")))
	if err != nil {
		return err
	}
	defer m.Close()

	if cfg.SingleStep {
		if err := m.SetSingleStep(true); err != nil {
			return err
		}
	}

	kern, err := os.Open(cfg.KernelPath)
	if err != nil {
		return err
	}
	defer kern.Close()

	var initrd io.ReaderAt
	if cfg.InitrdPath != "" {
		f, err := os.Open(cfg.InitrdPath)
		if err != nil {
			return err
		}
		defer f.Close()

		initrd = f
	}

	if err := m.Boot(kern, initrd, cfg.Params); err != nil {
		return err
	}

	stopTimer, err := machine.ArmPeriodicInterrupt()
	if err != nil {
		return err
	}
	defer stopTimer()

	// spec.md §5: exactly two operator signals. SIGINT shuts the monitor
	// down cleanly; SIGQUIT dumps vCPU diagnostics (registers, code
	// window, page-table trail) before exiting.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt)

	diagCh := make(chan os.Signal, 1)
	signal.Notify(diagCh, syscall.SIGQUIT)

	done := make(chan error, 1)

	go func() {
		done <- m.Run()
	}()

	select {
	case err := <-done:
		close(console)

		return err
	case <-shutdownCh:
		log.Info("shutting down on signal")
		close(console)

		return nil
	case <-diagCh:
		log.Info("dumping diagnostics on signal")
		m.Diagnose()
		close(console)

		return nil
	}
}
