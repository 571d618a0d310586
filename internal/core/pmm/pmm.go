// Package pmm implements the physical page allocator: component A of the
// supervisor core. It hands out and reclaims 4 KiB physical frames from a
// linker-defined heap region -- simulated here as a plain byte arena since
// quanta has no linker script.
package pmm

import (
	"errors"
	"fmt"

	"github.com/quanta-os/quanta/internal/log"
)

// PageSize is the frame size the allocator deals in exclusively. There are
// no size classes and no coalescing.
const PageSize = 4096

// Frame is a handle to an allocated or free physical frame: the frame's
// base address within the arena. NoFrame (the zero Frame) is the NULL
// sentinel returned alongside ok=false on kalloc exhaustion; an arena
// based at address 0 also hands out frame 0 as a real frame, so callers
// test ok rather than comparing against NoFrame.
type Frame uintptr

const NoFrame Frame = 0

func (f Frame) String() string { return fmt.Sprintf("%#010x", uintptr(f)) }

var (
	// ErrExhausted is returned (as ok=false) when the free list is empty.
	ErrExhausted = errors.New("pmm: out of frames")

	// ErrMisaligned flags an address that is not frame-aligned.
	ErrMisaligned = errors.New("pmm: misaligned address")

	// ErrDoubleFree flags a frame freed while still on the free list --
	// an invariant violation in the caller, not a recoverable condition.
	ErrDoubleFree = errors.New("pmm: double free")

	// ErrForeign flags a frame that was never handed out by this
	// allocator's Alloc.
	ErrForeign = errors.New("pmm: foreign frame")
)

// Allocator is the single source of physical frames for both kernel
// objects (PCBs, stacks, page-table pages, queues) and user pages (via the
// VMM's MapPage). Every address it returns is frame-aligned and lies
// within [start, start+size).
type Allocator struct {
	arena []byte
	base  Frame
	limit Frame

	free []Frame        // Free list, used as a LIFO stack.
	used map[Frame]bool // Tracks frames handed out, to catch double-frees.

	log *log.Logger
}

// Init threads every whole page in [start, start+size) onto the free list,
// in ascending order, mirroring kinit(start, end). start is rounded up to
// the next page boundary.
func Init(start uintptr, size int) *Allocator {
	logger := log.DefaultLogger()

	end := start + uintptr(size)
	start = (start + PageSize - 1) &^ (PageSize - 1)

	a := &Allocator{
		arena: make([]byte, size),
		base:  Frame(start),
		limit: Frame(end),
		used:  make(map[Frame]bool),
		log:   logger,
	}

	for f := a.base; f+PageSize <= a.limit; f += PageSize {
		a.free = append(a.free, f)
	}

	logger.Info("pmm: initialized",
		"base", a.base, "limit", a.limit, "frames", len(a.free))

	return a
}

// Alloc pops the head of the free list and returns a page-aligned frame.
// Contents are unspecified -- callers that need a zeroed frame should zero
// it themselves (see vmm.MapPage). ok is false when the allocator is
// exhausted; there is no panic path.
func (a *Allocator) Alloc() (frame Frame, ok bool) {
	n := len(a.free)
	if n == 0 {
		a.log.Debug("pmm: alloc failed", "err", ErrExhausted)
		return NoFrame, false
	}

	frame = a.free[n-1]
	a.free = a.free[:n-1]
	a.used[frame] = true

	a.log.Debug("pmm: allocated", "frame", frame)

	return frame, true
}

// Free pushes the frame back onto the free list. It panics if the frame
// was not previously returned by Alloc or is already free: both are bugs
// in the caller, the physical-allocator equivalent of a segfault.
func (a *Allocator) Free(f Frame) {
	if f < a.base || f >= a.limit || (f-a.base)%PageSize != 0 {
		panic(fmt.Errorf("%w: %s", ErrForeign, f))
	}

	if !a.used[f] {
		panic(fmt.Errorf("%w: %s", ErrDoubleFree, f))
	}

	delete(a.used, f)
	a.free = append(a.free, f)

	a.log.Debug("pmm: freed", "frame", f)
}

// Bytes returns the page-sized slice of the arena backing frame f. It is
// the allocator's only escape hatch for reading or writing frame contents
// and is used by the VMM to store page tables and by processes to store
// heap pages.
func (a *Allocator) Bytes(f Frame) []byte {
	off := int(f - a.base)
	return a.arena[off : off+PageSize]
}

// Available reports the number of free frames, for diagnostics (ps, tests).
func (a *Allocator) Available() int { return len(a.free) }

// Aligned reports whether addr is frame-aligned.
func Aligned(addr uintptr) bool { return addr%PageSize == 0 }
