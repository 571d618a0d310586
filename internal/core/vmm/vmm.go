// Package vmm implements the Sv39 virtual memory manager: component B of
// the supervisor core. It builds and mutates the kernel's single root page
// table, maps and unmaps pages, translates addresses, and describes (but,
// since there is no real hart, does not physically execute) translation
// activation.
package vmm

import (
	"errors"
	"fmt"

	"github.com/quanta-os/quanta/internal/core/pmm"
	"github.com/quanta-os/quanta/internal/log"
)

// Sv39 address layout: 9 bits per level, 12-bit page offset.
const (
	bitsPerLevel = 9
	offsetBits   = 12
	indexMask    = (1 << bitsPerLevel) - 1
)

// Level identifies one of the three page-table levels. L2 is the root.
type Level int

//go:generate go run golang.org/x/tools/cmd/stringer -type Level -output level_string.go

const (
	L0 Level = iota // Leaf level: 4 KiB pages.
	L1
	L2 // Root.
)

func shiftFor(l Level) uint {
	return offsetBits + uint(l)*bitsPerLevel
}

func indexFor(va uintptr, l Level) int {
	return int((va >> shiftFor(l)) & indexMask)
}

// PTE is a single Sv39 page-table entry. Non-leaf entries carry only the V
// bit and a PPN; leaf entries additionally carry R/W/X/U/A/D, so hardware
// never mistakes a leaf for a pointer to the next level.
type PTE uint64

const (
	bitV = 1 << 0
	bitR = 1 << 1
	bitW = 1 << 2
	bitX = 1 << 3
	bitU = 1 << 4
	bitA = 1 << 6
	bitD = 1 << 7

	ppnShift = 10
)

func (p PTE) Valid() bool { return p&bitV != 0 }
func (p PTE) Leaf() bool  { return p&(bitR|bitW|bitX) != 0 }
func (p PTE) PPN() uintptr {
	return uintptr(p >> ppnShift)
}

func (p *PTE) setPPN(ppn uintptr) {
	*p = PTE(uint64(*p)&((1<<ppnShift)-1)) | PTE(uint64(ppn)<<ppnShift)
}

func (p PTE) String() string {
	return fmt.Sprintf("PTE{V:%t R:%t W:%t X:%t U:%t PPN:%#x}",
		p&bitV != 0, p&bitR != 0, p&bitW != 0, p&bitX != 0, p&bitU != 0, p.PPN())
}

// PageTable is a 4 KiB page holding 512 eight-byte Sv39 entries.
type PageTable [512]PTE

// Flags accepted by Map and MapPage. PRESENT implies V; RW implies R|W|X
// (code and data pages are both executable, deliberate
// simplification); USER implies U. A and D are always set; this
// simulation never emulates hardware A/D updates.
type Flags uint

const (
	Present Flags = 1 << iota
	RW
	User
)

func (f Flags) pte() PTE {
	var p PTE
	if f&Present != 0 {
		p |= bitV
	}
	if f&RW != 0 {
		p |= bitR | bitW | bitX
	}
	if f&User != 0 {
		p |= bitU
	}
	p |= bitA | bitD

	return p
}

var (
	ErrMisaligned = errors.New("vmm: misaligned address")
	ErrNoMemory   = errors.New("vmm: allocation failed")
	ErrNotMapped  = errors.New("vmm: address not mapped")
)

// Identity-mapped hardware regions.
const (
	RAMBase        = uintptr(0x80000000)
	RAMSize        = 128 << 20
	UARTBase       = uintptr(0x10000000)
	VirtioMMIOBase = uintptr(0x10001000)
	VirtioMMIOSize = 0x8000
	CLINTBase      = uintptr(0x02000000)
	CLINTSize      = 0x10000
	PLICBase       = uintptr(0x0c000000)
	PLICSize       = 2 << 20
)

// HeapUserBase and HeapRegionSize carve a sub-range out of the RAM identity
// map for per-process heaps. proc maps pages inside this range on demand via
// MapPage as sbrk grows a process's heap; Init leaves it out of the identity
// loop below so those MapPage calls see unmapped VAs rather than silently
// overwriting (and orphaning) an already-identity-mapped frame.
const (
	HeapUserBase   = uintptr(0x80400000)
	PerProcHeap    = 8 << 10
	HeapRegionSize = 4 << 20 // Room for 512 processes at PerProcHeap each.
)

// VMM owns the kernel's single root page table and the allocator backing
// every page-table page and mapped frame.
type VMM struct {
	alloc *pmm.Allocator
	root  pmm.Frame
	// tables maps a frame holding a page-table page to its in-memory
	// representation. Device/identity-mapped leaf frames that were never
	// handed out by alloc are not present in this map and are never
	// walked as tables.
	tables map[pmm.Frame]*PageTable

	log *log.Logger
}

// New creates a VMM over the given physical allocator. It does not yet
// build the root table; call Init for that.
func New(alloc *pmm.Allocator) *VMM {
	return &VMM{
		alloc:  alloc,
		tables: make(map[pmm.Frame]*PageTable),
		log:    log.DefaultLogger(),
	}
}

// Init allocates and zeroes the root page table, maps the identity
// regions above, and runs the self-test.
func (v *VMM) Init() error {
	root, ok := v.alloc.Alloc()
	if !ok {
		return fmt.Errorf("vmm: init: %w", ErrNoMemory)
	}

	v.root = root
	v.tables[root] = new(PageTable)

	regions := []struct {
		base, size uintptr
		flags      Flags
	}{
		{RAMBase, RAMSize, Present | RW | User},
		{UARTBase, pmm.PageSize, Present | RW},
		{VirtioMMIOBase, VirtioMMIOSize, Present | RW},
		{CLINTBase, CLINTSize, Present | RW},
		{PLICBase, PLICSize, Present | RW},
	}

	for _, r := range regions {
		for off := uintptr(0); off < r.size; off += pmm.PageSize {
			va := r.base + off

			if va >= HeapUserBase && va < HeapUserBase+HeapRegionSize {
				continue // Reserved for per-process heaps; mapped on demand.
			}

			if err := v.Map(va, va, r.flags); err != nil {
				return fmt.Errorf("vmm: init: identity map %#x: %w", va, err)
			}
		}
	}

	v.log.Info("vmm: initialized", "root", v.root)

	return v.selfTest()
}

// selfTest maps a scratch VA to a fresh frame, translates it, unmaps it,
// and confirms the translation is gone, so a broken walk is caught at
// boot rather than on the first user fault.
func (v *VMM) selfTest() error {
	const testVA = uintptr(0x7f000000) // Well below RAMBase's identity map but process-owned.

	frame, err := v.MapPage(testVA, Present|RW)
	if err != nil {
		return fmt.Errorf("vmm: self-test: map: %w", err)
	}

	pa, ok := v.Translate(testVA)
	if !ok || pa != uintptr(frame) {
		return fmt.Errorf("vmm: self-test: translate before unmap: got %#x,%v want %#x,true", pa, ok, frame)
	}

	v.Unmap(testVA, true)

	if _, ok := v.Translate(testVA); ok {
		return errors.New("vmm: self-test: translate after unmap still succeeded")
	}

	v.log.Debug("vmm: self-test passed")

	return nil
}

// walk returns the leaf PTE slot for va, allocating intermediate L1/L0
// tables on demand when alloc is true. Fails (ok=false) on misalignment or
// allocation failure; when alloc is false, a missing intermediate table is
// reported as ok=false without mutating anything.
func (v *VMM) walk(va uintptr, alloc bool) (slot *PTE, ok bool, err error) {
	if va%pmm.PageSize != 0 {
		return nil, false, ErrMisaligned
	}

	table := v.tables[v.root]

	for level := L2; level > L0; level-- {
		idx := indexFor(va, level)
		pte := &table[idx]

		if !pte.Valid() {
			if !alloc {
				return nil, false, nil
			}

			frame, ok := v.alloc.Alloc()
			if !ok {
				return nil, false, ErrNoMemory
			}

			next := new(PageTable)
			v.tables[frame] = next

			*pte = 0
			pte.setPPN(uintptr(frame) >> offsetBits)
			*pte |= bitV

			table = next
		} else {
			table = v.tables[pmm.Frame(pte.PPN()<<offsetBits)]
			if table == nil {
				return nil, false, fmt.Errorf("vmm: walk: %#x: intermediate table not resident", va)
			}
		}
	}

	idx := indexFor(va, L0)

	return &table[idx], true, nil
}

// Map requires va and pa to be 4 KiB aligned; it walks L2->L1->L0,
// allocating intermediate tables on demand, and writes the leaf PTE.
func (v *VMM) Map(va, pa uintptr, flags Flags) error {
	if pa%pmm.PageSize != 0 {
		return fmt.Errorf("vmm: map: %w: pa %#x", ErrMisaligned, pa)
	}

	slot, ok, err := v.walk(va, true)
	if err != nil {
		return fmt.Errorf("vmm: map: %w", err)
	} else if !ok {
		return fmt.Errorf("vmm: map: %w", ErrNoMemory)
	}

	pte := flags.pte()
	pte.setPPN(pa >> offsetBits)
	*slot = pte

	v.log.Debug("vmm: mapped", "va", fmt.Sprintf("%#x", va), "pa", fmt.Sprintf("%#x", pa), "pte", *slot)

	return nil
}

// MapPage allocates a fresh, zeroed frame and maps it at va. On failure to
// map (but not to allocate), the frame is freed before returning, so
// callers never leak a frame on error.
func (v *VMM) MapPage(va uintptr, flags Flags) (pmm.Frame, error) {
	frame, ok := v.alloc.Alloc()
	if !ok {
		return pmm.NoFrame, fmt.Errorf("vmm: map page: %w", ErrNoMemory)
	}

	b := v.alloc.Bytes(frame)
	for i := range b {
		b[i] = 0
	}

	if err := v.Map(va, uintptr(frame), flags); err != nil {
		v.alloc.Free(frame)
		return pmm.NoFrame, err
	}

	return frame, nil
}

// Unmap walks without allocating, clears the leaf PTE, and optionally
// returns the mapped frame to the allocator. It does not prune now-empty
// intermediate tables.
func (v *VMM) Unmap(va uintptr, freePhys bool) {
	slot, ok, err := v.walk(va, false)
	if err != nil || !ok || slot == nil || !slot.Valid() {
		return
	}

	frame := pmm.Frame(slot.PPN() << offsetBits)
	*slot = 0

	v.log.Debug("vmm: unmapped", "va", fmt.Sprintf("%#x", va))

	if freePhys {
		v.alloc.Free(frame)
	}
}

// Translate returns (pte.ppn<<12)|(va&0xfff), or ok=false if unmapped. va
// need not be aligned; the page offset carries through.
func (v *VMM) Translate(va uintptr) (pa uintptr, ok bool) {
	slot, found, err := v.walk(va&^(pmm.PageSize-1), false)
	if err != nil || !found || slot == nil || !slot.Valid() {
		return 0, false
	}

	return (slot.PPN() << offsetBits) | (va & (pmm.PageSize - 1)), true
}

// Activate describes what writing satp and issuing sfence.vma would do.
// There is no real hart to activate translation on, so this logs the
// would-be satp value (MODE=8, ASID=0, PPN=root>>12) instead of executing
// it. This is the one place quanta's simulation boundary is visible to a
// caller.
func (v *VMM) Activate() {
	satp := (uint64(8) << 60) | (uint64(v.root) >> offsetBits)
	v.log.Info("vmm: activate (simulated satp write)", "satp", fmt.Sprintf("%#018x", satp))
}

// Root returns the frame holding the root page table, for diagnostics.
func (v *VMM) Root() pmm.Frame { return v.root }

// Bytes exposes the allocator's frame-contents accessor so callers that
// hold a translated physical address (e.g. a process's heap) can read or
// write simulated memory without reaching into the allocator directly.
func (v *VMM) Bytes(f pmm.Frame) []byte { return v.alloc.Bytes(f) }
