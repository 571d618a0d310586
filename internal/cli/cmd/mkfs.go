package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/quanta-os/quanta/internal/cli"
	"github.com/quanta-os/quanta/internal/config"
	"github.com/quanta-os/quanta/internal/core"
	"github.com/quanta-os/quanta/internal/core/plic"
	"github.com/quanta-os/quanta/internal/drivers/virtio"
	"github.com/quanta-os/quanta/internal/fs"
	"github.com/quanta-os/quanta/internal/log"
)

// staticPrograms mirrors internal/userprog's registry. mkfs has no way to
// discover an Entrypoint closure from a name alone -- only the booted
// kernel's in-memory registry does that -- so it persists just the name
// table a real mkfs would write from a host directory listing; Register
// still supplies the live Entrypoint at boot.
var staticPrograms = []string{"echo", "forktest", "count"}

// Mkfs is the CLI command that formats a disk image with the static
// program directory fs_init/fs_lookup expects on disk: one superblock
// sector naming the entry count, one directory sector of fixed-size
// records.
func Mkfs() cli.Command {
	return &mkfs{}
}

type mkfs struct {
	disk string
}

func (mkfs) Description() string {
	return "format a disk image with the static program directory"
}

func (m *mkfs) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("mkfs", flag.ExitOnError)
	fs.StringVar(&m.disk, "disk", "quanta.img", "disk image to format")

	return fs
}

func (mkfs) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
mkfs [ -disk path ]

Write a fresh superblock and directory sector naming the static program
set to the given disk image.`)

	return err
}

func (m *mkfs) Run(_ context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	dev, err := virtio.New(config.VirtioModern, m.disk, core.DiskSectors, plic.New())
	if err != nil {
		logger.Error("mkfs: open disk", "err", err)
		return 1
	}
	defer dev.Close()

	entries := make([]fs.Entry, len(staticPrograms))
	for i, name := range staticPrograms {
		entries[i] = fs.Entry{Name: name, StartSector: uint64(2 + i)}
	}

	if err := fs.Format(dev, entries); err != nil {
		logger.Error("mkfs: format", "err", err)
		return 1
	}

	fmt.Fprintf(out, "mkfs: wrote %d entries to %s\n", len(entries), m.disk)

	return 0
}
