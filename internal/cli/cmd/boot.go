package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/quanta-os/quanta/internal/cli"
	"github.com/quanta-os/quanta/internal/config"
	"github.com/quanta-os/quanta/internal/core"
	"github.com/quanta-os/quanta/internal/drivers/uart"
	"github.com/quanta-os/quanta/internal/log"
	"github.com/quanta-os/quanta/internal/shell"
	"github.com/quanta-os/quanta/internal/userprog"
)

// Boot is the CLI command that reproduces boot control flow
// end to end against a real terminal: assemble the Machine, register the
// static user programs, create the shell PCB, and run until the shell's
// "exit" command is typed.
func Boot() cli.Command {
	return &boot{}
}

type boot struct {
	disk      string
	virtio    int
	fsDebug   bool
	trapDebug bool
}

func (boot) Description() string {
	return "boot the supervisor core against this terminal"
}

func (b *boot) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)
	fs.StringVar(&b.disk, "disk", "quanta.img", "backing disk image for the block device")
	fs.IntVar(&b.virtio, "virtio", 2, "virtio-mmio register layout: 1 (legacy) or 2 (modern)")
	fs.BoolVar(&b.fsDebug, "fs-debug", false, "verbose filesystem logging")
	fs.BoolVar(&b.trapDebug, "trap-debug", false, "verbose trap/scheduler logging")

	return fs
}

func (boot) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
boot [ -disk path ] [ -virtio 1|2 ] [ -fs-debug ] [ -trap-debug ]

Boot the kernel against this terminal. Type "help" at the shell prompt for
the command set, "exit" to shut down.`)

	return err
}

func (b *boot) Run(_ context.Context, _ []string, _ io.Writer, logger *log.Logger) int {
	variant := config.VirtioModern
	if b.virtio == 1 {
		variant = config.VirtioLegacy
	}

	cfg := config.Options{Virtio: variant, FSDebug: b.fsDebug, TrapDebug: b.trapDebug}

	console, err := uart.NewConsole(os.Stdin, os.Stdout)
	if err != nil {
		logger.Warn("boot: no tty, using headless console", "err", err)
		console = nil
	}

	var u uart.UART

	if console != nil {
		u = console
		defer console.Restore()
	} else {
		buf := uart.NewBuffer()
		u = buf
	}

	m, err := core.New(cfg, u, b.disk)
	if err != nil {
		logger.Error("boot: failed", "err", err)
		return 1
	}
	defer m.Close()

	userprog.Register(m.FS, m.Trap, m.Mem)

	done := make(chan struct{})
	shellEntry := shell.Entrypoint(m.Trap, m.Mem, func() { close(done) })

	if err := m.Boot(shellEntry); err != nil {
		logger.Error("boot: failed", "err", err)
		return 1
	}

	<-done

	return 0
}
