// Package userprog stands in for "statically linked user
// entry points": since quanta dispatches exec by name to a fixed Go
// closure rather than loading an ELF image, this package is the static
// program registry a real kernel's root filesystem would hold. Every
// program here issues its syscalls exclusively through
// internal/core/trap's Dispatcher, exactly as internal/shell does.
package userprog

import (
	"fmt"

	"github.com/quanta-os/quanta/internal/core/clock"
	"github.com/quanta-os/quanta/internal/core/pmm"
	"github.com/quanta-os/quanta/internal/core/proc"
	"github.com/quanta-os/quanta/internal/core/trap"
	"github.com/quanta-os/quanta/internal/core/vmm"
	"github.com/quanta-os/quanta/internal/fs"
)

// Register installs the demo program set into fsys, resolvable by exec
// under the names below.
func Register(fsys *fs.FS, d *trap.Dispatcher, mem *vmm.VMM) {
	fsys.Register(fs.Entry{Name: "echo", Entrypoint: Echo(d, mem)})
	fsys.Register(fs.Entry{Name: "forktest", Entrypoint: ForkWaitSmoke(d, mem)})
	fsys.Register(fs.Entry{Name: "count", Entrypoint: Counter(d, mem)})
}

func writeString(d *trap.Dispatcher, mem *vmm.VMM, p *proc.Process, va uintptr, s string) {
	pokeString(mem, va, s)
	d.Write(p, va, uint64(len(s)))
}

func pokeString(mem *vmm.VMM, va uintptr, s string) {
	for i := 0; i < len(s); i++ {
		pa, ok := mem.Translate(va + uintptr(i))
		if !ok {
			return
		}

		frame := pmm.Frame(pa - pa%pmm.PageSize)
		mem.Bytes(frame)[pa%pmm.PageSize] = s[i]
	}
}

// Echo implements the kernel's canonical smoke-test program: read one line
// from the console and write it straight back, then exit. It uses its own
// heap as the read/write buffer, the same pattern internal/shell uses for
// its line buffer.
func Echo(d *trap.Dispatcher, mem *vmm.VMM) proc.Entrypoint {
	return func(p *proc.Process) {
		const bufSize = 256

		base := d.Sbrk(p, bufSize)
		va := uintptr(base)

		var n uint64

		for n < bufSize {
			if r := d.Read(p, va+uintptr(n), 1); r == 0 {
				break
			}

			b, ok := peekByte(mem, va+uintptr(n))
			if ok && (b == '\n' || b == '\r') {
				break // The terminator is not part of the echoed line.
			}

			n++
		}

		d.Write(p, va, n)
		d.Exit(p)
	}
}

func peekByte(mem *vmm.VMM, va uintptr) (byte, bool) {
	pa, ok := mem.Translate(va)
	if !ok {
		return 0, false
	}

	frame := pmm.Frame(pa - pa%pmm.PageSize)

	return mem.Bytes(frame)[pa%pmm.PageSize], true
}

// ForkWaitSmoke is the fork/wait smoke test: fork a child that writes "C"
// to the console and exits; the parent waits for it and prints the reaped
// pid.
func ForkWaitSmoke(d *trap.Dispatcher, mem *vmm.VMM) proc.Entrypoint {
	return func(p *proc.Process) {
		base := d.Sbrk(p, 64)
		va := uintptr(base)

		childPID := d.Fork(p, func(c *proc.Process) {
			writeString(d, mem, c, uintptr(d.Sbrk(c, 64)), "C")
			d.Exit(c)
		})

		if childPID == ^uint64(0) {
			writeString(d, mem, p, va, "forktest: fork failed\n")
			d.Exit(p)
		}

		reaped := d.Wait(p)
		writeString(d, mem, p, va, fmt.Sprintf("forktest: reaped %d\n", reaped))
		d.Exit(p)
	}
}

// Counter is the preemption demo: a CPU-bound loop that calls Tick at
// every back edge (standing in for the machine-timer and machine-external
// interrupts a real core would take asynchronously) and periodically
// writes its own pid as a single digit, so that two concurrently running
// instances interleave under round-robin scheduling.
func Counter(d *trap.Dispatcher, mem *vmm.VMM) proc.Entrypoint {
	return func(p *proc.Process) {
		base := d.Sbrk(p, 8)
		va := uintptr(base)

		const iterations = 3 * (clock.Quantum/clock.CyclesPerCheck + 1)

		for i := 0; i < iterations; i++ {
			d.Tick(p)

			if i%500 == 0 {
				tag := byte('0' + int(p.PCB.PID)%10)
				pokeString(mem, va, string(tag))
				d.Write(p, va, 1)
			}
		}

		d.Exit(p)
	}
}
