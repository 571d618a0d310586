// Package shell implements the CLI surface as a collaborator, not core: it
// parses line commands off the console and issues the usual syscalls
// (fork, exec, wait, ps, kill, plus line input with echo over read/write;
// there is no in-line editing such as backspace handling)
// through internal/core/trap's Dispatcher, the same way a real user-mode
// shell would trap into the kernel for every one of these operations.
package shell

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quanta-os/quanta/internal/core/pmm"
	"github.com/quanta-os/quanta/internal/core/proc"
	"github.com/quanta-os/quanta/internal/core/trap"
	"github.com/quanta-os/quanta/internal/core/vmm"
)

// Prompt is written before each line is read.
const Prompt = "quanta$ "

// lineCap bounds a single input line and sizes the shell's scratch heap:
// one page, used for echoing input and formatting output. A forked child
// stages its exec target name in its own heap, not in this one.
const lineCap = pmm.PageSize

// Entrypoint returns the shell's process body: a proc.Entrypoint suitable
// for proc.Scheduler.Create. d issues every syscall; mem is used the same
// way any user-mode code would use its own mapped memory -- ordinary
// loads and stores into the process's own heap, never a syscall. onExit,
// if non-nil, runs just before the shell's "exit" command traps into
// d.Exit, letting a caller (e.g. the boot CLI command) learn the shell is
// about to park for good without polling the process table.
func Entrypoint(d *trap.Dispatcher, mem *vmm.VMM, onExit func()) proc.Entrypoint {
	return func(p *proc.Process) {
		base := d.Sbrk(p, lineCap)
		bufVA := uintptr(base)

		for {
			writeString(mem, bufVA, Prompt)
			d.Write(p, bufVA, uint64(len(Prompt)))

			line := readLine(d, mem, p, bufVA, lineCap)
			runLine(d, mem, p, bufVA, line, onExit)
		}
	}
}

// readLine blocks a byte at a time on the console (the kernel's blocking
// UART read) until a newline or the buffer fills, echoing each byte back
// as a real teletype would.
func readLine(d *trap.Dispatcher, mem *vmm.VMM, p *proc.Process, va uintptr, max int) string {
	var sb strings.Builder

	for sb.Len() < max {
		b := readByte(d, mem, p, va)
		if b == '\n' || b == '\r' {
			writeString(mem, va, "\n")
			d.Write(p, va, 1) // Echo the newline.
			break
		}

		writeString(mem, va, string(b))
		d.Write(p, va, 1) // Echo.
		sb.WriteByte(b)
	}

	return sb.String()
}

// runLine parses and executes one command. scratchVA is reused as working
// memory for formatting output; it is always safe to clobber between
// commands.
func runLine(d *trap.Dispatcher, mem *vmm.VMM, p *proc.Process, scratchVA uintptr, line string, onExit func()) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "":
		return
	case "ps":
		d.Ps(p)
	case "exit":
		if onExit != nil {
			onExit()
		}

		d.Exit(p) // Never returns.
	case "wait":
		ret := d.Wait(p)
		printResult(d, mem, p, scratchVA, "wait", ret)
	case "kill":
		if len(fields) != 2 {
			printLine(d, mem, p, scratchVA, "usage: kill <pid>")
			return
		}

		n, err := strconv.Atoi(fields[1])
		if err != nil {
			printLine(d, mem, p, scratchVA, "kill: bad pid")
			return
		}

		ret := d.Kill(p, proc.PID(n))
		printResult(d, mem, p, scratchVA, "kill", ret)
	case "help":
		printLine(d, mem, p, scratchVA, "commands: ps exit wait kill <pid> <program> [&]")
	default:
		runProgram(d, mem, p, scratchVA, fields)
	}
}

// runProgram implements the common shell idiom: fork a child that execs
// the named program, and wait for it unless the line ends in "&".
func runProgram(d *trap.Dispatcher, mem *vmm.VMM, p *proc.Process, scratchVA uintptr, fields []string) {
	background := fields[len(fields)-1] == "&"
	name := fields[0]

	childPID := d.Fork(p, func(c *proc.Process) {
		// The child stages the exec target in its own heap -- not the
		// parent's -- since per-process heaps live at disjoint VAs keyed
		// on pid; a fresh sbrk here is the child-side
		// equivalent of the parent having already written the name before
		// an ecall.
		childBase := d.Sbrk(c, lineCap)
		childVA := uintptr(childBase)
		writeString(mem, childVA, name+"\x00")

		ret := d.Exec(c, childVA)
		if ret == ^uint64(0) {
			printLine(d, mem, c, childVA, fmt.Sprintf("%s: not found", name))
			d.Exit(c)
		}
		// Exec on success never returns here; the new image's own Exit
		// parks this goroutine for good.
	})

	if childPID == ^uint64(0) {
		printLine(d, mem, p, scratchVA, "fork failed")
		return
	}

	if !background {
		d.Wait(p)
	}
}

func printResult(d *trap.Dispatcher, mem *vmm.VMM, p *proc.Process, va uintptr, label string, ret uint64) {
	if ret == ^uint64(0) {
		printLine(d, mem, p, va, label+": -1")
		return
	}

	printLine(d, mem, p, va, fmt.Sprintf("%s: %d", label, ret))
}

func printLine(d *trap.Dispatcher, mem *vmm.VMM, p *proc.Process, va uintptr, s string) {
	s += "\n"
	writeString(mem, va, s)
	d.Write(p, va, uint64(len(s)))
}

// writeString pokes s into the process's own mapped memory at va -- an
// ordinary store, not a syscall, exactly like any other user-mode write to
// its own heap.
func writeString(mem *vmm.VMM, va uintptr, s string) {
	for i := 0; i < len(s); i++ {
		pokeByte(mem, va+uintptr(i), s[i])
	}
}

func pokeByte(mem *vmm.VMM, va uintptr, b byte) {
	pa, ok := mem.Translate(va)
	if !ok {
		return
	}

	frame := pmm.Frame(pa - pa%pmm.PageSize)
	mem.Bytes(frame)[pa%pmm.PageSize] = b
}

func readByte(d *trap.Dispatcher, mem *vmm.VMM, p *proc.Process, va uintptr) byte {
	d.Read(p, va, 1)

	pa, ok := mem.Translate(va)
	if !ok {
		return 0
	}

	frame := pmm.Frame(pa - pa%pmm.PageSize)

	return mem.Bytes(frame)[pa%pmm.PageSize]
}
