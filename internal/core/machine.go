// Package core assembles the six components of the supervisor core into a
// single "kernel world" value, in place of package-level globals: one
// Machine, constructed once, passed explicitly to every operation that
// needs it. New and Boot together follow the usual control flow: New runs
// UART -> PLIC -> page allocator init -> VMM init and activation ->
// scheduler init -> block driver init -> filesystem init, and wires the
// trap dispatcher last, since it needs all of these; Boot then creates
// the shell PCB and hands it the hart.
package core

import (
	"fmt"

	"github.com/quanta-os/quanta/internal/config"
	"github.com/quanta-os/quanta/internal/core/clock"
	"github.com/quanta-os/quanta/internal/core/pmm"
	"github.com/quanta-os/quanta/internal/core/plic"
	"github.com/quanta-os/quanta/internal/core/proc"
	"github.com/quanta-os/quanta/internal/core/syscall"
	"github.com/quanta-os/quanta/internal/core/trap"
	"github.com/quanta-os/quanta/internal/core/vmm"
	"github.com/quanta-os/quanta/internal/drivers/uart"
	"github.com/quanta-os/quanta/internal/drivers/virtio"
	"github.com/quanta-os/quanta/internal/fs"
	"github.com/quanta-os/quanta/internal/log"
)

// HeapStart and HeapBytes stand in for the linker's _heap_start/_heap_end
// pair: the free-memory region the boot contract hands the page allocator.
// HeapStart sits inside the identity-mapped RAM window, past the per-process
// heap VAs, so a frame address never collides with pmm.NoFrame; HeapBytes is
// large enough for the shell, a handful of demo programs, and their
// per-process heaps without tuning.
const (
	HeapStart = vmm.RAMBase + (32 << 20)
	HeapBytes = 16 << 20
)

// DiskSectors sizes the backing disk image handed to the virtio block
// driver.
const DiskSectors = 2048

// Machine is the assembled supervisor core: every subsystem,
// wired together exactly as Boot would wire them on real hardware.
type Machine struct {
	Config config.Options

	Phys  *pmm.Allocator
	Mem   *vmm.VMM
	PLIC  *plic.PLIC
	Clock *clock.Clock
	Sched *proc.Scheduler
	Block *virtio.BlockDevice
	FS    *fs.FS
	Sys   *syscall.Table
	Trap  *trap.Dispatcher
	UART  uart.UART

	log *log.Logger
}

// New constructs a Machine over the given console and disk image path, but
// does not yet boot it. cfg carries the build parameters (VIRTIO,
// FS_DEBUG, TRAP_DEBUG).
func New(cfg config.Options, console uart.UART, diskPath string) (*Machine, error) {
	logger := log.DefaultLogger()

	// Either debug toggle lowers the shared log level to Debug, which
	// turns on Debug output from every subsystem; the two have the same
	// effect.
	if cfg.TrapDebug || cfg.FSDebug {
		log.LogLevel.Set(log.Debug)
	}

	if err := console.Init(); err != nil {
		return nil, fmt.Errorf("core: uart init: %w", err)
	}

	plc := plic.New()

	phys := pmm.Init(HeapStart, HeapBytes)

	mem := vmm.New(phys)
	if err := mem.Init(); err != nil {
		return nil, fmt.Errorf("core: vmm init: %w", err)
	}

	mem.Activate()

	sched := proc.New(mem, phys)

	dev, err := virtio.New(cfg.Virtio, diskPath, DiskSectors, plc)
	if err != nil {
		return nil, fmt.Errorf("core: virtio init: %w", err)
	}

	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("core: virtio init: %w", err)
	}

	fsys, err := fs.Init(dev)
	if err != nil {
		return nil, fmt.Errorf("core: fs init: %w", err)
	}

	sys := syscall.New(mem, console, fsys)
	clk := clock.New()
	disp := trap.New(sched, clk, plc, dev, sys)

	m := &Machine{
		Config: cfg,
		Phys:   phys,
		Mem:    mem,
		PLIC:   plc,
		Clock:  clk,
		Sched:  sched,
		Block:  dev,
		FS:     fsys,
		Sys:    sys,
		Trap:   disp,
		UART:   console,
		log:    logger,
	}

	logger.Info("core: machine assembled",
		"heap_bytes", HeapBytes, "virtio", cfg.Virtio, "disk_sectors", DiskSectors)

	return m, nil
}

// Boot creates the shell PCB (the final boot step before the hart starts
// taking traps) at pid 1 and runs the scheduler's initial hand-off onto
// it. Boot returns as soon as the shell is running -- the hand-off itself
// is the "enable interrupts" step; from here control is driven entirely
// by the shell's own syscalls and whatever it forks. Callers that need to
// block until the shell exits should have it signal completion
// themselves (see internal/shell's onExit hook).
func (m *Machine) Boot(shell proc.Entrypoint) error {
	pcb, err := m.Sched.Create("shell", shell, 1)
	if err != nil {
		return fmt.Errorf("core: boot: create shell: %w", err)
	}

	m.log.Info("core: boot: shell created", "pid", pcb.PID)
	m.Sched.Schedule(nil)

	return nil
}

// Close tears the Machine down: every process other than IDLE and the
// current one is freed via the scheduler's shutdown path, then the backing
// disk image is released. The UART is the caller's to close, since it may
// be a live terminal the caller still wants to restore.
func (m *Machine) Close() error {
	m.Sched.ShutdownAll()

	return m.Block.Close()
}
