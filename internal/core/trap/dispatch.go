package trap

import (
	"github.com/quanta-os/quanta/internal/core/clock"
	"github.com/quanta-os/quanta/internal/core/plic"
	"github.com/quanta-os/quanta/internal/core/proc"
	"github.com/quanta-os/quanta/internal/core/syscall"
	"github.com/quanta-os/quanta/internal/log"
)

// BlockISR is the one device the machine-external path services, matching
// virtio.BlockDevice's ISR method without importing the driver package
// directly (keeping trap's dependency graph one-way: drivers never import
// trap, trap never imports a concrete driver type).
type BlockISR interface {
	ISR()
}

// Dispatcher is the trap core: the per-trap ENTER/DISPATCH/MRET cycle,
// expressed as one method per trap source. It is called directly rather
// than vectored through mtvec -- see the package doc -- from two places: a
// process's own
// syscall-shaped calls (Write/Read/Sbrk/Ps/Exec) and a cooperative Tick a
// CPU-bound Entrypoint calls at its loop's back edge, standing in for the
// machine-timer and machine-external interrupts a real core would take
// asynchronously.
type Dispatcher struct {
	sched *proc.Scheduler
	clk   *clock.Clock
	plic  *plic.PLIC
	block BlockISR
	sys   *syscall.Table

	log *log.Logger
}

// New wires a Dispatcher over the machine's core components.
func New(sched *proc.Scheduler, clk *clock.Clock, plc *plic.PLIC, block BlockISR, sys *syscall.Table) *Dispatcher {
	return &Dispatcher{sched: sched, clk: clk, plic: plc, block: block, sys: sys, log: log.DefaultLogger()}
}

// Tick stands in for the hart sampling pending interrupts at a trap
// boundary: it advances the simulated clock by clock.CyclesPerCheck and, if
// either condition below holds, runs the matching handler before returning.
// A CPU-bound Entrypoint calls this once per loop iteration (its "back
// edge"); syscall-bound entrypoints never need to, since yielding via a
// blocking syscall already gives other processes the hart.
//
//   - machine-timer (the kernel's mcause 7): reprogram mtimecmp and call the
//     scheduler, the usual preemption path.
//   - machine-external (mcause 11) on the virtio-mmio range: claim the IRQ
//     from the PLIC, run the block device's ISR, and complete it.
func (d *Dispatcher) Tick(p *proc.Process) {
	d.clk.Advance(clock.CyclesPerCheck)

	if d.clk.Due() {
		d.clk.Reprogram()
		d.log.Debug("trap: machine-timer", "cause", CauseMachineTimer, "pid", p.PCB.PID)
		p.Yield()
	}

	if irq := d.plic.Claim(); irq != 0 {
		d.log.Debug("trap: machine-external", "cause", CauseMachineExternal, "irq", irq)

		if irq >= 1 && irq <= 8 {
			d.block.ISR()
		}

		d.plic.Complete(irq)
	}
}

// mirror synthesizes the ecall trap frame a real vector entry would have
// spilled (number in a7, arguments in a0-a5, return value written back over
// a0) and copies it into the caller's PCB, the same bookkeeping the
// dispatcher performs before SAVE_FRAME hands off, so ps/diagnostics and a
// subsequent fork see the live caller state rather than a stale snapshot.
func mirror(p *proc.Process, num syscall.Num, args [6]uint64, ret uint64) {
	var f Frame
	f.A[7] = uint64(num)

	for i, a := range args {
		f.A[i] = a
	}

	f.A[0] = ret

	p.PCB.Regs.A = f.A
}

// Write implements the write ecall (CauseEcallFromU): copy n
// bytes from the caller's address space at va to the console.
func (d *Dispatcher) Write(p *proc.Process, va uintptr, n uint64) uint64 {
	ret := d.sys.Write(va, n)
	mirror(p, syscall.Write, [6]uint64{uint64(va), n}, ret)

	return ret
}

// Read implements the read ecall: block on the console for up to n bytes
// into the caller's address space at va, yielding the hart while no input
// is pending.
func (d *Dispatcher) Read(p *proc.Process, va uintptr, n uint64) uint64 {
	ret := d.sys.Read(p, va, n)
	mirror(p, syscall.Read, [6]uint64{uint64(va), n}, ret)

	return ret
}

// Sbrk implements the sbrk ecall: grow the caller's heap by n bytes,
// returning the old break, or ^uint64(0) on failure (the kernel's sbrk error
// convention, mirrored the same way write/read return a byte count).
func (d *Dispatcher) Sbrk(p *proc.Process, n uint64) uint64 {
	old, err := d.sys.Sbrk(p, n)
	if err != nil {
		mirror(p, syscall.Sbrk, [6]uint64{n}, ^uint64(0))
		return ^uint64(0)
	}

	mirror(p, syscall.Sbrk, [6]uint64{n}, old)

	return old
}

// Ps implements the ps ecall: write the process table to the console.
func (d *Dispatcher) Ps(p *proc.Process) uint64 {
	ret := d.sys.Ps(d.sched)
	mirror(p, syscall.Ps, [6]uint64{}, ret)

	return ret
}

// Exec implements exec: unlike every other syscall, success
// does not return to the caller at all -- a real exec replaces the calling
// process's image and jumps to the new entry_pc, never coming back through
// the trap's usual RESTORE_FRAME/MRET path. Quanta has no separate image to
// load into the same stack, so success instead runs the new Entrypoint
// in-place, synchronously, on the calling goroutine: the old Entrypoint's Go
// call stack below this point simply never resumes, which is the accurate
// analogue of the old image being gone for good. Failure (name not found)
// returns NoPID's numeric value and the caller's Entrypoint continues
// normally immediately after the ecall.
func (d *Dispatcher) Exec(p *proc.Process, nameVA uintptr) uint64 {
	name, ok := d.sys.ReadCString(nameVA, syscall.MaxExecName)
	if !ok {
		mirror(p, syscall.Exec, [6]uint64{uint64(nameVA)}, ^uint64(0))
		return ^uint64(0)
	}

	entry, ok := d.sys.ExecLookup(name)
	if !ok {
		d.log.Debug("trap: exec: not found", "name", name, "pid", p.PCB.PID)
		mirror(p, syscall.Exec, [6]uint64{uint64(nameVA)}, ^uint64(0))

		return ^uint64(0)
	}

	p.PCB.Entry = entry
	p.PCB.Regs.A[0], p.PCB.Regs.A[1] = 0, 0 // argc=0, argv=NULL for the new image.
	d.log.Info("trap: exec", "name", name, "pid", p.PCB.PID)
	entry(p)

	// entry is required to exit, which parks its goroutine forever; this
	// point in the old Entrypoint's stack is never reached again.
	return 0
}

// Fault implements the policy for every exception outside the ecall set
// (illegal instruction, misalignment, access and page faults, breakpoint):
// the offending process is terminated through the ordinary exit path and
// the scheduler moves on, so a repeatedly faulting process can never
// livelock the hart. Never returns.
func (d *Dispatcher) Fault(p *proc.Process, cause Cause) {
	d.log.Warn("trap: fault, terminating process", "cause", cause, "pid", p.PCB.PID)
	p.Exit()
}

// Getpid implements the getpid ecall: return the caller's own pid.
func (d *Dispatcher) Getpid(p *proc.Process) uint64 {
	ret := uint64(p.PCB.PID)
	mirror(p, syscall.Getpid, [6]uint64{}, ret)

	return ret
}

// Fork implements the fork ecall. A real fork resumes both parent and
// child at the same mepc+4, distinguished only by a0; quanta has no
// program counter for a goroutine to resume at, so childBody stands in for
// "the code the child runs after the fork point" (see proc.Process.Fork's
// doc and DESIGN.md). The parent's return value is the child's pid; the
// child's own a0 is zeroed by proc.Scheduler.Fork before it ever runs.
func (d *Dispatcher) Fork(p *proc.Process, childBody proc.Entrypoint) uint64 {
	child, err := p.Fork(childBody)
	if err != nil {
		mirror(p, syscall.Fork, [6]uint64{}, ^uint64(0))
		return ^uint64(0)
	}

	ret := uint64(child.PID)
	mirror(p, syscall.Fork, [6]uint64{}, ret)

	return ret
}

// Wait implements the wait ecall: block until a zombie child exists, reap
// it, and return its pid, or ^uint64(0) (the kernel's -1) if the caller has
// no children at all.
func (d *Dispatcher) Wait(p *proc.Process) uint64 {
	reaped := p.WaitAndReap()
	if reaped == proc.NoPID {
		mirror(p, syscall.Wait, [6]uint64{}, ^uint64(0))
		return ^uint64(0)
	}

	ret := uint64(reaped)
	mirror(p, syscall.Wait, [6]uint64{}, ret)

	return ret
}

// Kill implements the kill ecall: terminate target, returning 0 on success
// or ^uint64(0) (-1) if target does not exist or is IDLE.
func (d *Dispatcher) Kill(p *proc.Process, target proc.PID) uint64 {
	rc := p.Kill(target)
	ret := uint64(rc)
	if rc != 0 {
		ret = ^uint64(0)
	}

	mirror(p, syscall.Kill, [6]uint64{uint64(target)}, ret)

	return ret
}

// Exit implements the exit ecall: terminate the caller. It never returns;
// the mirror happens before Exit so a ps snapshot taken after the call
// still shows the syscall that caused termination.
func (d *Dispatcher) Exit(p *proc.Process) {
	mirror(p, syscall.Exit, [6]uint64{}, 0)
	p.Exit()
}
