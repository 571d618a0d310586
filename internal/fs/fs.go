// Package fs implements the tiny flat filesystem: fs_init and
// fs_lookup(name) -> entry_pc, used by exec via sys_exec_lookup. There is
// no instruction stream for a program's entry_pc to point into, so an
// Entry here instead names a proc.Entrypoint registered in
// internal/userprog -- the filesystem's job is purely the name-to-program
// lookup.
package fs

import (
	"errors"
	"fmt"

	"github.com/quanta-os/quanta/internal/core/proc"
	"github.com/quanta-os/quanta/internal/drivers/virtio"
	"github.com/quanta-os/quanta/internal/log"
)

// MaxName bounds an entry's name, matching the PCB name cap.
const MaxName = 19

// MaxEntries is the root directory's fixed capacity: one superblock sector
// plus one directory sector of recordSize-byte records.
const MaxEntries = 16

// ErrNotFound is returned by Lookup when no entry matches.
var ErrNotFound = errors.New("fs: not found")

// Entry is one root-directory record: a program name bound to the
// Entrypoint exec jumps to and the sector range its (unused, in this
// simulation) on-disk image would occupy.
type Entry struct {
	Name        string
	Entrypoint  proc.Entrypoint
	StartSector uint64
	Sectors     uint32
}

// FS is the on-disk flat filesystem: one superblock sector (entry count)
// followed by one directory sector of fixed-size records, backed by the
// same virtio block device the core's syscall layer reads/writes through.
type FS struct {
	dev     *virtio.BlockDevice
	entries []Entry

	log *log.Logger
}

// On-disk record layout: a NUL-padded name sized to hold MaxName plus its
// terminator, then the start sector and sector count as little-endian
// 32-bit words.
const (
	superblockSector = 0
	directorySector  = 1

	recordSize  = 32
	nameField   = MaxName + 1
	startField  = 20
	lengthField = 24
)

// Init reads the superblock and directory sector, populating the in-memory
// entry table. An empty (all-zero) superblock is treated as "freshly
// formatted, zero entries" rather than an error.
func Init(dev *virtio.BlockDevice) (*FS, error) {
	f := &FS{dev: dev, log: log.DefaultLogger()}

	sb := make([]byte, virtio.SectorSize)
	if err := dev.ReadSector(superblockSector, sb); err != nil {
		return nil, fmt.Errorf("fs: init: %w", err)
	}

	count := int(sb[0])
	f.log.Debug("fs: superblock read", "entries", count)

	if count == 0 {
		return f, nil
	}

	dir := make([]byte, virtio.SectorSize)
	if err := dev.ReadSector(directorySector, dir); err != nil {
		return nil, fmt.Errorf("fs: init: %w", err)
	}

	for i := 0; i < count && i < MaxEntries; i++ {
		rec := dir[i*recordSize : (i+1)*recordSize]
		f.entries = append(f.entries, Entry{
			Name:        decodeName(rec[:nameField]),
			StartSector: uint64(le32(rec[startField:])),
			Sectors:     le32(rec[lengthField:]),
		})
	}

	return f, nil
}

// Register adds an in-memory-only entry -- how internal/userprog's static
// programs become exec-able without ever touching the disk image. A real
// mkfs-written entry (persisted via Format) is equivalent from Lookup's
// point of view.
func (f *FS) Register(e Entry) {
	f.entries = append(f.entries, e)
}

// Lookup implements fs_lookup: name -> Entry, or ErrNotFound.
func (f *FS) Lookup(name string) (Entry, error) {
	for _, e := range f.entries {
		if e.Name == name {
			f.log.Debug("fs: lookup hit", "name", name)
			return e, nil
		}
	}

	f.log.Debug("fs: lookup miss", "name", name)

	return Entry{}, fmt.Errorf("fs: lookup %q: %w", name, ErrNotFound)
}

// Entries returns every registered entry, for ls-style listings.
func (f *FS) Entries() []Entry {
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)

	return out
}

// Format writes a fresh superblock and directory sector naming the given
// on-disk entries (names, start sectors and sector counts only; Entrypoints are process
// image, not disk image, and are supplied at boot via Register). This is
// what the mkfs command invokes.
func Format(dev *virtio.BlockDevice, entries []Entry) error {
	if len(entries) > MaxEntries {
		return fmt.Errorf("fs: format: %d entries exceeds capacity %d", len(entries), MaxEntries)
	}

	sb := make([]byte, virtio.SectorSize)
	sb[0] = byte(len(entries))

	if err := dev.WriteSector(superblockSector, sb); err != nil {
		return fmt.Errorf("fs: format: %w", err)
	}

	dir := make([]byte, virtio.SectorSize)
	for i, e := range entries {
		rec := dir[i*recordSize : (i+1)*recordSize]
		encodeName(rec[:nameField], e.Name)
		putLE32(rec[startField:], uint32(e.StartSector))
		putLE32(rec[lengthField:], e.Sectors)
	}

	if err := dev.WriteSector(directorySector, dir); err != nil {
		return fmt.Errorf("fs: format: %w", err)
	}

	return nil
}

func encodeName(dst []byte, name string) {
	n := len(name)
	if n > len(dst)-1 {
		n = len(dst) - 1 // Room for the NUL terminator.
	}

	copy(dst, name[:n])
}

func decodeName(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}

	return string(src[:n])
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}
