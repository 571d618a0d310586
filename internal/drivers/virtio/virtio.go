// Package virtio implements the block driver at the virtio-mmio window
// (0x10001000..0x10009000): blk_init, blk_intr (the PLIC ISR), and sector
// read/write. The VIRTIO build parameter ({1: legacy, 2: modern}) never
// affects observable behavior beyond logging, so the two variants here
// differ only in register-layout bookkeeping and log labels, never in
// observable ReadSector/WriteSector behavior.
package virtio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/quanta-os/quanta/internal/config"
	"github.com/quanta-os/quanta/internal/core/plic"
	"github.com/quanta-os/quanta/internal/log"
)

// SectorSize is the fixed virtio-blk sector size: 512 bytes.
const SectorSize = 512

// BlockIRQ is the PLIC source this device raises, inside the
// virtio-mmio IRQ range (1-8).
const BlockIRQ = 1

var (
	ErrShortRead  = errors.New("virtio: short read")
	ErrShortWrite = errors.New("virtio: short write")
)

// legacyRegs and modernRegs model the two register layouts the VIRTIO
// toggle selects between. Neither is memory-mapped here (there is
// no instruction stream to perform an MMIO load/store); they exist so
// ISR's bookkeeping and logging genuinely differ per variant, the one
// place the toggle has any visible effect at all.
type legacyRegs struct {
	interruptStatus uint32 // Single status register, acked by writing it back.
}

type modernRegs struct {
	queueNotify      uint32
	configGeneration uint32
}

// BlockDevice is the simulated virtio-blk device: a disk image file, a
// PLIC to raise BlockIRQ on, and per-variant register bookkeeping.
type BlockDevice struct {
	variant config.VirtioVariant
	legacy  legacyRegs
	modern  modernRegs

	disk *os.File
	plic *plic.PLIC

	log *log.Logger
}

// New opens (or creates) path as the backing disk image. sectors is the
// number of sectors to ensure the image holds.
func New(variant config.VirtioVariant, path string, sectors int, p *plic.PLIC) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("virtio: open %s: %w", path, err)
	}

	want := int64(sectors) * SectorSize
	if info, err := f.Stat(); err == nil && info.Size() < want {
		if err := f.Truncate(want); err != nil {
			return nil, fmt.Errorf("virtio: truncate %s: %w", path, err)
		}
	}

	return &BlockDevice{
		variant: variant,
		disk:    f,
		plic:    p,
		log:     log.DefaultLogger(),
	}, nil
}

// Init enables the device's PLIC source and logs which register layout is
// active, the kernel's blk_init.
func (d *BlockDevice) Init() error {
	d.plic.Init(BlockIRQ)
	d.log.Info("virtio: initialized", "variant", d.variant, "irq", BlockIRQ)

	return nil
}

// ReadSector fills buf (exactly SectorSize bytes) from sector n.
func (d *BlockDevice) ReadSector(n uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("virtio: read sector %d: buf len %d, want %d", n, len(buf), SectorSize)
	}

	count, err := d.disk.ReadAt(buf, int64(n)*SectorSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("virtio: read sector %d: %w", n, err)
	}

	if count != SectorSize {
		return fmt.Errorf("virtio: read sector %d: %w", n, ErrShortRead)
	}

	d.raiseCompletion()

	return nil
}

// WriteSector writes buf (exactly SectorSize bytes) to sector n.
func (d *BlockDevice) WriteSector(n uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("virtio: write sector %d: buf len %d, want %d", n, len(buf), SectorSize)
	}

	count, err := d.disk.WriteAt(buf, int64(n)*SectorSize)
	if err != nil {
		return fmt.Errorf("virtio: write sector %d: %w", n, err)
	}

	if count != SectorSize {
		return fmt.Errorf("virtio: write sector %d: %w", n, ErrShortWrite)
	}

	d.raiseCompletion()

	return nil
}

// raiseCompletion notifies the PLIC that the (simulated) request finished,
// bumping per-variant bookkeeping on the way.
func (d *BlockDevice) raiseCompletion() {
	switch d.variant {
	case config.VirtioLegacy:
		d.legacy.interruptStatus |= 1
	default:
		d.modern.queueNotify++
	}

	d.plic.Raise(BlockIRQ)
}

// ISR is blk_intr: the trap core's machine-external handler calls this
// after claiming BlockIRQ from the PLIC. It acknowledges the per-variant
// status bits; ReadSector/WriteSector are already complete by the time
// this simulation raises the interrupt, so there is no queue to drain.
func (d *BlockDevice) ISR() {
	switch d.variant {
	case config.VirtioLegacy:
		d.legacy.interruptStatus = 0
	default:
		d.modern.configGeneration++
	}

	d.log.Debug("virtio: isr serviced", "variant", d.variant)
}

// Close releases the backing disk image.
func (d *BlockDevice) Close() error {
	return d.disk.Close()
}
