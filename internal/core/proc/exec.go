package proc

// Entrypoint is a user program's body: the kernel's `sepc`/`ra=forkret` pair,
// collapsed into a single Go closure since there is no instruction
// interpreter for forkret to mret into. It receives the Process it is
// running as, through which it issues the syscalls internal/core/syscall
// exposes (write/read/exit/fork/wait/...).
//
// An Entrypoint is expected to finish by calling p.Exit (directly or via
// the exit syscall). If the closure returns without exiting first, the
// process's goroutine performs an implicit Exit on its behalf (see start).
type Entrypoint func(p *Process)

// Process is the runtime half of a PCB: the goroutine, ready/resume/done
// signaling, and the token a single-hart simulation hands from process to
// process. A *PCB is bookkeeping the scheduler can copy and inspect freely;
// a *Process is the one live thing underneath it, created once and never
// copied.
type Process struct {
	PCB *PCB

	// resume is the hand-off token. Exactly one Process's resume channel
	// ever has a pending send at a time: the one about to run. Receiving
	// from it is this process's "context switch in"; sending to another
	// process's is the "context switch out".
	resume chan struct{}

	// done closes when the entrypoint closure returns, which happens only
	// if it did not call p.Exit (Exit parks the goroutine for good). Nothing
	// in the scheduler waits on it.
	done chan struct{}

	sched *Scheduler
}

func newProcess(pcb *PCB, sched *Scheduler) *Process {
	return &Process{
		PCB:    pcb,
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
		sched:  sched,
	}
}

// start launches the entrypoint on its own goroutine. The goroutine blocks
// immediately on resume: it does not run until the scheduler first hands it
// the token, mirroring the kernel's "enqueue on ready_queue" (created, not yet
// running).
func (p *Process) start(entry Entrypoint) {
	go func() {
		<-p.resume
		entry(p)
		close(p.done)
		// The entrypoint is required to call p.Exit before returning; if it
		// didn't, fall back to an implicit exit so the token is never
		// dropped on the floor.
		p.sched.exitIfStillRunning(p)
	}()
}

// Yield voluntarily gives up the remaining quantum, equivalent to a
// blocking syscall that immediately becomes runnable again. It is the
// non-exiting half of what an Entrypoint calls between syscalls.
func (p *Process) Yield() {
	p.sched.Schedule(p)
}

// Fork duplicates the caller and returns the child's PCB, the same way
// the kernel's proc_fork does -- with one necessary departure. A real fork
// resumes both copies from the same program counter, distinguished only by
// a0; Go has no way to duplicate a running goroutine's stack and resume it
// twice. childBody stands in for "the code the child runs after the fork
// point" and is what the new goroutine executes; the parent, meanwhile,
// simply continues past the Fork call as normal. See DESIGN.md for the
// full rationale.
func (p *Process) Fork(childBody Entrypoint) (*PCB, error) {
	return p.sched.Fork(p, childBody)
}

// Exit, WaitAndReap, Kill, and SuspendCurrent forward to the owning
// Scheduler. They exist so callers -- internal/core/syscall's handlers,
// chiefly -- operate on a Process without reaching into the Scheduler's
// locking directly.
func (p *Process) Exit()               { p.sched.Exit(p) }
func (p *Process) WaitAndReap() PID    { return p.sched.WaitAndReap(p) }
func (p *Process) Kill(target PID) int { return p.sched.Kill(p, target) }
func (p *Process) SuspendCurrent()     { p.sched.SuspendCurrent(p) }
