package fs_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/quanta-os/quanta/internal/config"
	"github.com/quanta-os/quanta/internal/core/plic"
	"github.com/quanta-os/quanta/internal/core/proc"
	"github.com/quanta-os/quanta/internal/drivers/virtio"
	"github.com/quanta-os/quanta/internal/fs"
)

func newDisk(t *testing.T) *virtio.BlockDevice {
	t.Helper()

	dev, err := virtio.New(config.VirtioModern, filepath.Join(t.TempDir(), "disk.img"), 8, plic.New())
	if err != nil {
		t.Fatalf("virtio.New() = %v", err)
	}

	if err := dev.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	t.Cleanup(func() { _ = dev.Close() })

	return dev
}

func TestInitOnFreshDiskHasNoEntries(t *testing.T) {
	dev := newDisk(t)

	system, err := fs.Init(dev)
	if err != nil {
		t.Fatalf("Init() = %v", err)
	}

	if got := len(system.Entries()); got != 0 {
		t.Fatalf("Entries() len = %d, want 0", got)
	}
}

func TestLookupMissingReturnsErrNotFound(t *testing.T) {
	dev := newDisk(t)

	system, err := fs.Init(dev)
	if err != nil {
		t.Fatalf("Init() = %v", err)
	}

	if _, err := system.Lookup("nosuch"); !errors.Is(err, fs.ErrNotFound) {
		t.Fatalf("Lookup() err = %v, want ErrNotFound", err)
	}
}

func TestRegisterThenLookup(t *testing.T) {
	dev := newDisk(t)

	system, err := fs.Init(dev)
	if err != nil {
		t.Fatalf("Init() = %v", err)
	}

	entry := proc.Entrypoint(func(p *proc.Process) { p.Exit() })
	system.Register(fs.Entry{Name: "echo", Entrypoint: entry})

	got, err := system.Lookup("echo")
	if err != nil {
		t.Fatalf("Lookup() = %v", err)
	}

	if got.Name != "echo" {
		t.Fatalf("Lookup() name = %q, want %q", got.Name, "echo")
	}
}

func TestFormatPersistsDirectoryAcrossInit(t *testing.T) {
	dev := newDisk(t)

	if err := fs.Format(dev, []fs.Entry{{Name: "shell", StartSector: 4}}); err != nil {
		t.Fatalf("Format() = %v", err)
	}

	system, err := fs.Init(dev)
	if err != nil {
		t.Fatalf("Init() = %v", err)
	}

	entries := system.Entries()
	if len(entries) != 1 || entries[0].Name != "shell" {
		t.Fatalf("Entries() = %+v, want one entry named shell", entries)
	}
}
