// Package syscall implements the ten numbered syscalls.
// Handlers are plain Go methods rather than a single number-indexed
// dispatch function: internal/core/trap has one method per syscall, calls
// the matching handler here directly, and afterwards records the syscall
// number in the PCB's a7 slot. There is no raw instruction stream
// marshalling arguments into registers, so each method's signature is
// whatever Go type is natural for its job.
package syscall

import (
	"fmt"

	"github.com/quanta-os/quanta/internal/core/clock"
	"github.com/quanta-os/quanta/internal/core/pmm"
	"github.com/quanta-os/quanta/internal/core/proc"
	"github.com/quanta-os/quanta/internal/core/vmm"
	"github.com/quanta-os/quanta/internal/drivers/uart"
	"github.com/quanta-os/quanta/internal/fs"
	"github.com/quanta-os/quanta/internal/log"
)

// MaxExecName bounds the name argument internal/core/trap's Exec reads out
// of user memory, matching fs.MaxName.
const MaxExecName = 19

// Num is a syscall number read from a7.
type Num uint64

const (
	Write  Num = 1
	Read   Num = 2
	Exit   Num = 3
	Getpid Num = 4
	Fork   Num = 5
	Wait   Num = 6
	Exec   Num = 7
	Sbrk   Num = 8
	Ps     Num = 9
	Kill   Num = 10
)

func (n Num) String() string {
	switch n {
	case Write:
		return "write"
	case Read:
		return "read"
	case Exit:
		return "exit"
	case Getpid:
		return "getpid"
	case Fork:
		return "fork"
	case Wait:
		return "wait"
	case Exec:
		return "exec"
	case Sbrk:
		return "sbrk"
	case Ps:
		return "ps"
	case Kill:
		return "kill"
	default:
		return fmt.Sprintf("Num(%d)", uint64(n))
	}
}

// Table holds everything the syscalls need: the address
// space (for write/read/sbrk's user-buffer access), the console, and the
// filesystem (exec's lookup).
type Table struct {
	mem  *vmm.VMM
	uart uart.UART
	fsys *fs.FS
	log  *log.Logger
}

// New creates a syscall table over the given collaborators.
func New(mem *vmm.VMM, u uart.UART, fsys *fs.FS) *Table {
	return &Table{mem: mem, uart: u, fsys: fsys, log: log.DefaultLogger()}
}

// byteAt translates va and returns a pointer into the page it falls in, or
// ok=false if va isn't mapped.
func (t *Table) byteAt(va uintptr) (b *byte, ok bool) {
	pa, found := t.mem.Translate(va)
	if !found {
		return nil, false
	}

	frame := pmm.Frame(pa - pa%pmm.PageSize)

	return &t.mem.Bytes(frame)[pa%pmm.PageSize], true
}

// Write copies n bytes from the caller's address space at va to the
// console, returning the count actually written.
func (t *Table) Write(va uintptr, n uint64) uint64 {
	var written uint64

	for i := uint64(0); i < n; i++ {
		b, ok := t.byteAt(va + uintptr(i))
		if !ok {
			break
		}

		t.uart.PutByte(*b)
		written++
	}

	return written
}

// Read blocks the caller on the console for up to n bytes, writing each
// into the caller's address space at va, returning the count read. The
// blocking-read suspension point is realized by yielding the hart between
// polls rather than holding it: other processes keep running while the
// caller waits for RX.
func (t *Table) Read(p *proc.Process, va uintptr, n uint64) uint64 {
	var read uint64

	for read < n {
		b, ok := t.byteAt(va + uintptr(read))
		if !ok {
			break
		}

		c, ok := t.uart.TryGetByte()
		if !ok {
			clock.IdleSleep()
			p.Yield()

			continue
		}

		*b = c
		read++
	}

	return read
}

// Sbrk grows the caller's heap by n bytes, one page at a time, and returns
// the old break. n is usually a page multiple, but a caller asking for
// less than a page still gets a whole page mapped.
func (t *Table) Sbrk(p *proc.Process, n uint64) (uint64, error) {
	pcb := p.PCB

	if pcb.BrkSize == 0 {
		pcb.BrkBase = vmm.HeapUserBase + uintptr(pcb.PID)*vmm.PerProcHeap
	}

	old := pcb.BrkBase + pcb.BrkSize
	end := old + uintptr(n)

	// The page holding an unaligned old break is already mapped; only pages
	// from the next boundary up need fresh frames.
	for va := (old + pmm.PageSize - 1) &^ (pmm.PageSize - 1); va < end; va += pmm.PageSize {
		if _, err := t.mem.MapPage(va, vmm.Present|vmm.RW|vmm.User); err != nil {
			return 0, fmt.Errorf("syscall: sbrk pid %d: %w", pcb.PID, err)
		}
	}

	pcb.BrkSize += uintptr(n)

	return uint64(old), nil
}

// Ps writes a fixed-width process table to the console and returns 0.
func (t *Table) Ps(sched *proc.Scheduler) uint64 {
	snap := sched.Snapshot()
	t.log.Debug("syscall: ps", "procs", len(snap))

	t.puts(fmt.Sprintf("%5s %5s  %-19s %-10s %3s\n", "PID", "PPID", "NAME", "STATE", "PRI"))

	for _, pcb := range snap {
		t.puts(fmt.Sprintf("%5d %5d  %-19s %-10s %3d\n",
			pcb.PID, pcb.PPID, pcb.Name, pcb.State, pcb.Priority))
	}

	return 0
}

func (t *Table) puts(s string) {
	for i := 0; i < len(s); i++ {
		t.uart.PutByte(s[i])
	}
}

// ExecLookup resolves name to the Entrypoint it should jump to. Used only
// by internal/core/trap's special exec handling, never through the generic
// numbered-syscall path, since exec's dispatch lives in the trap core.
func (t *Table) ExecLookup(name string) (proc.Entrypoint, bool) {
	entry, err := t.fsys.Lookup(name)
	if err != nil {
		return nil, false
	}

	return entry.Entrypoint, true
}

// ReadCString reads a NUL-terminated string out of the caller's address
// space starting at va, up to max bytes. Used by exec to decode its name
// argument the same way write/read treat a0 as a user pointer.
func (t *Table) ReadCString(va uintptr, max int) (string, bool) {
	buf := make([]byte, 0, 32)

	for i := 0; i < max; i++ {
		b, ok := t.byteAt(va + uintptr(i))
		if !ok {
			return "", false
		}

		if *b == 0 {
			return string(buf), true
		}

		buf = append(buf, *b)
	}

	return string(buf), true
}
