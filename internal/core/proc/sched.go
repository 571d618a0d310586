package proc

import (
	"fmt"
	"sort"

	"github.com/quanta-os/quanta/internal/core/clock"
	"github.com/quanta-os/quanta/internal/core/mie"
	"github.com/quanta-os/quanta/internal/core/pmm"
	"github.com/quanta-os/quanta/internal/core/vmm"
	"github.com/quanta-os/quanta/internal/log"
)

// mppMachine/mpie mirror the mstatus bits a freshly created PCB gets: MPP
// set to machine mode, MPIE set. Quanta never executes an mret, but
// Regs.MStatus is populated the same way so ps/diagnostics see what a
// real trap frame would hold.
const (
	mppMachine = uint64(0b11) << 11
	mpieBit    = uint64(1) << 7
)

// forkretSentinel stands in for the trampoline address the kernel's ra=forkret
// names; quanta has no code address to put there, so RegState.RA carries a
// fixed marker instead. It is never branched to: Process.start's goroutine
// plays forkret's role (re-enable interrupts, land in the entrypoint) directly.
const forkretSentinel = ^uint64(0)

// Scheduler owns every PCB, the ready/blocked/zombie sets, and the
// single-hart hand-off token. One Scheduler per core.Machine.
type Scheduler struct {
	gate *mie.Gate
	mem  *vmm.VMM
	phys *pmm.Allocator

	pcbs  map[PID]*PCB
	procs map[PID]*Process

	ready   Queue
	blocked Queue
	zombie  Queue

	current PID
	nextPID PID

	idle *Process

	log *log.Logger
}

// New creates a scheduler backed by the given address space and physical
// allocator (used for per-process stacks), and starts the distinguished
// IDLE process at pid 0.
func New(mem *vmm.VMM, phys *pmm.Allocator) *Scheduler {
	s := &Scheduler{
		gate:    &mie.Gate{},
		mem:     mem,
		phys:    phys,
		pcbs:    make(map[PID]*PCB),
		procs:   make(map[PID]*Process),
		current: NoPID,
		nextPID: IdlePID + 1,
		log:     log.DefaultLogger(),
	}

	idlePCB := &PCB{PID: IdlePID, PPID: NoPID, Name: "IDLE", State: Ready, Priority: 0}
	idle := newProcess(idlePCB, s)
	s.pcbs[IdlePID] = idlePCB
	s.procs[IdlePID] = idle
	s.idle = idle

	idle.start(func(p *Process) {
		for {
			// Stands in for a real wfi: when Schedule finds nothing ready
			// and current is already IDLE, it returns immediately rather
			// than blocking on a channel, so without this sleep IDLE would
			// spin a hot loop instead of actually idling the hart.
			clock.IdleSleep()
			p.Yield()
		}
	})

	return s
}

// Create implements proc_create: allocate a PCB and stack,
// seed RegState, and enqueue on ready.
func (s *Scheduler) Create(name string, entry Entrypoint, priority int) (*PCB, error) {
	s.gate.Off()
	defer s.gate.On()

	pcb, err := s.createLocked(name, entry, priority, NoPID)
	if err != nil {
		return nil, err
	}

	s.ready.Enqueue(pcb.PID)

	return pcb, nil
}

func (s *Scheduler) createLocked(name string, entry Entrypoint, priority int, ppid PID) (*PCB, error) {
	frame, ok := s.phys.Alloc()
	if !ok {
		return nil, fmt.Errorf("proc: create %q: %w", name, pmm.ErrExhausted)
	}

	pid := s.nextPID
	s.nextPID++

	pcb := &PCB{
		PID:      pid,
		PPID:     ppid,
		Name:     truncateName(name),
		State:    Ready,
		Priority: priority,
		Entry:    entry,
		StackTop: uintptr(frame) + pmm.PageSize,
	}
	pcb.Regs.RA = forkretSentinel
	pcb.Regs.SP = uint64(pcb.StackTop)
	pcb.Regs.SEPC = 0 // Not a real code address; entry is the Go closure itself.
	pcb.Regs.MStatus = mppMachine | mpieBit

	proc := newProcess(pcb, s)
	proc.start(entry)

	s.pcbs[pid] = pcb
	s.procs[pid] = proc

	s.log.Info("proc: created", "pcb", pcb)

	return pcb, nil
}

// Current returns the PCB of the currently running process, or nil if none
// has run yet.
func (s *Scheduler) Current() *PCB {
	s.gate.Off()
	defer s.gate.On()

	if s.current == NoPID {
		return nil
	}

	return s.pcbs[s.current]
}

// Snapshot returns a point-in-time copy of every PCB, ordered by pid, for
// ps and tests.
func (s *Scheduler) Snapshot() []PCB {
	s.gate.Off()
	defer s.gate.On()

	out := make([]PCB, 0, len(s.pcbs))
	for _, pcb := range s.pcbs {
		out = append(out, *pcb)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })

	return out
}

// pickNextLocked implements step 1 of the kernel's schedule: pop from ready,
// falling back to the current RUNNING process or IDLE.
func (s *Scheduler) pickNextLocked() PID {
	if next := s.ready.Dequeue(); next != NoPID {
		return next
	}

	if s.current != NoPID {
		if cur := s.pcbs[s.current]; cur != nil && cur.State == Running {
			return s.current
		}
	}

	return IdlePID
}

// Schedule runs schedule loop on behalf of caller (the
// Process currently holding the token, or nil for the initial boot hand-off).
// It must be called with the token held by caller and returns only once the
// token has been handed back to caller.
func (s *Scheduler) Schedule(caller *Process) {
	s.gate.Off()

	var callerPID PID = NoPID
	if caller != nil {
		callerPID = caller.PCB.PID
	}

	next := s.pickNextLocked()

	if next == callerPID && caller != nil && caller.PCB.State == Running {
		s.zombiesFreeLocked()
		s.gate.On()

		return
	}

	old := s.current
	if old != NoPID {
		oldPCB := s.pcbs[old]
		if oldPCB != nil && oldPCB.State == Running {
			oldPCB.State = Ready
			if old != IdlePID {
				s.ready.Enqueue(old)
			}
		}
	}

	nextPCB := s.pcbs[next]
	nextPCB.State = Running
	s.current = next
	nextProc := s.procs[next]

	s.zombiesFreeLocked()
	s.gate.On()

	// The actual hand-off (the kernel's assembly context switch) happens with
	// the gate released: sending unblocks the next goroutine; receiving
	// blocks this one until it is scheduled again.
	nextProc.resume <- struct{}{}

	if caller != nil {
		<-caller.resume
	}
}

// exitIfStillRunning is the fallback Process.start calls after an
// Entrypoint returns without itself calling Exit.
func (s *Scheduler) exitIfStillRunning(p *Process) {
	s.gate.Off()
	pcb := p.PCB
	stillRunning := pcb.State != Terminated
	s.gate.On()

	if stillRunning {
		s.Exit(p)
	}
}

// Exit implements the kernel's proc_exit: mark current TERMINATED, move it to
// the zombie set, wake a waiting parent, schedule away, and never return
// (the caller goroutine parks forever on its own resume channel, since a
// terminated process is never handed the token again).
func (s *Scheduler) Exit(p *Process) {
	s.gate.Off()

	pcb := p.PCB
	pcb.State = Terminated
	s.zombie.Enqueue(pcb.PID)

	if parent := s.pcbs[pcb.PPID]; parent != nil && parent.State == Blocked && s.blocked.Contains(parent.PID) {
		s.blocked.Remove(parent.PID)
		parent.State = Ready
		s.ready.Enqueue(parent.PID)
	}

	s.gate.On()

	s.Schedule(p)

	// Never reached in practice: Schedule only returns to a caller whose
	// token is handed back, and a terminated process is never rescheduled.
	// A defensive park keeps the goroutine from falling off the end and
	// racing a reused PID's goroutine.
	<-p.resume
}

// Fork implements proc_fork. The parent's RegState is copied field for
// field and its 4 KiB stack frame byte for byte, though no Go closure
// reads program state out of either; the heap page-by-page copy is the
// part user code observes, because the heap lives in VMM-backed pages.
func (s *Scheduler) Fork(parent *Process, childBody Entrypoint) (*PCB, error) {
	s.gate.Off()

	parentPCB := parent.PCB

	frame, ok := s.phys.Alloc()
	if !ok {
		s.gate.On()
		return nil, fmt.Errorf("proc: fork pid %d: %w", parentPCB.PID, pmm.ErrExhausted)
	}

	childPID := s.nextPID
	s.nextPID++

	child := &PCB{
		PID:      childPID,
		PPID:     parentPCB.PID,
		Name:     parentPCB.Name,
		State:    Ready,
		Priority: parentPCB.Priority,
		Entry:    childBody,
		StackTop: uintptr(frame) + pmm.PageSize,
		Regs:     parentPCB.Regs,
	}
	child.Regs.A[0] = 0 // Child sees a fork() return of 0.

	// Translate the parent's stack-pointer offset into the child's stack,
	// so the copied stack image lines up with the copied register image.
	spOff := uint64(parentPCB.StackTop) - parentPCB.Regs.SP
	child.Regs.SP = uint64(child.StackTop) - spOff

	copy(s.phys.Bytes(frame), s.phys.Bytes(pmm.Frame(parentPCB.StackTop-pmm.PageSize)))

	if parentPCB.BrkSize > 0 {
		child.BrkBase = vmm.HeapUserBase + uintptr(childPID)*vmm.PerProcHeap
		child.BrkSize = parentPCB.BrkSize

		if err := s.copyHeapLocked(parentPCB, child); err != nil {
			s.unwindHeapLocked(child)
			s.phys.Free(frame)
			s.gate.On()

			return nil, fmt.Errorf("proc: fork pid %d: %w", parentPCB.PID, err)
		}
	}

	childProc := newProcess(child, s)
	childProc.start(childBody)

	s.pcbs[childPID] = child
	s.procs[childPID] = childProc
	s.ready.Enqueue(childPID)

	s.log.Info("proc: forked", "parent", parentPCB.PID, "child", child)

	s.gate.On()

	return child, nil
}

func (s *Scheduler) copyHeapLocked(parent, child *PCB) error {
	for off := uintptr(0); off < parent.BrkSize; off += pmm.PageSize {
		frame, err := s.mem.MapPage(child.BrkBase+off, vmm.Present|vmm.RW|vmm.User)
		if err != nil {
			return err
		}

		src, ok := s.mem.Translate(parent.BrkBase + off)
		if !ok {
			s.mem.Unmap(child.BrkBase+off, true)
			return vmm.ErrNotMapped
		}

		copy(s.mem.Bytes(frame), s.mem.Bytes(pmm.Frame(src-src%pmm.PageSize)))
	}

	return nil
}

func (s *Scheduler) unwindHeapLocked(child *PCB) {
	for off := uintptr(0); off < child.BrkSize; off += pmm.PageSize {
		s.mem.Unmap(child.BrkBase+off, true)
	}

	child.BrkBase, child.BrkSize = 0, 0
}

// WaitAndReap implements the kernel's proc_wait_and_reap: find a zombie child,
// reap it, or block until one appears. Returns -1 if the caller has no
// children at all (neither live nor zombie).
func (s *Scheduler) WaitAndReap(p *Process) PID {
	for {
		s.gate.Off()

		if reaped, found := s.reapChildLocked(p.PCB.PID); found {
			s.gate.On()
			return reaped
		}

		if !s.hasChildLocked(p.PCB.PID) {
			s.gate.On()
			return NoPID
		}

		p.PCB.State = Blocked
		s.blocked.Enqueue(p.PCB.PID)
		s.gate.On()

		s.Schedule(p)
	}
}

func (s *Scheduler) reapChildLocked(ppid PID) (PID, bool) {
	for _, pid := range s.zombie.Slice() {
		child := s.pcbs[pid]
		if child != nil && child.PPID == ppid {
			s.zombie.Remove(pid)
			s.freeProcessLocked(child)

			return pid, true
		}
	}

	return NoPID, false
}

func (s *Scheduler) hasChildLocked(ppid PID) bool {
	for _, pcb := range s.pcbs {
		if pcb.PPID == ppid {
			return true
		}
	}

	return false
}

// freeProcessLocked releases a terminated process's stack, heap, PCB, and
// pid, and reclaims nextPid when it was the most recently allocated one.
func (s *Scheduler) freeProcessLocked(pcb *PCB) {
	s.phys.Free(pmm.Frame(pcb.StackTop - pmm.PageSize))

	for off := uintptr(0); off < pcb.BrkSize; off += pmm.PageSize {
		s.mem.Unmap(pcb.BrkBase+off, true)
	}

	delete(s.pcbs, pcb.PID)
	delete(s.procs, pcb.PID)

	if pcb.PID == s.nextPID-1 {
		s.nextPID--
	}
}

// ZombiesFree implements the kernel's zombies_free, reaping zombies with
// no parent (PPID == NoPID: processes made by Create, such as the shell).
// A forked child keeps its parent's pid as PPID even after that parent
// exits, so it is left for an explicit wait. Exposed for the scheduler
// loop; normally called via Schedule.
func (s *Scheduler) ZombiesFree() {
	s.gate.Off()
	s.zombiesFreeLocked()
	s.gate.On()
}

func (s *Scheduler) zombiesFreeLocked() {
	for _, pid := range s.zombie.Slice() {
		pcb := s.pcbs[pid]
		if pcb != nil && pcb.PPID == NoPID {
			s.zombie.Remove(pid)
			s.freeProcessLocked(pcb)
		}
	}
}

// Kill implements the kernel's proc_kill. Killing the current process
// delegates to Exit (and so never returns the usual way); killing another
// process searches ready, blocked, then zombie, in that order.
func (s *Scheduler) Kill(caller *Process, target PID) int {
	if target == IdlePID {
		return -1
	}

	if caller != nil && target == caller.PCB.PID {
		s.Exit(caller)
		return 0
	}

	s.gate.Off()

	pcb := s.pcbs[target]
	if pcb == nil {
		s.gate.On()
		return -1
	}

	switch {
	case s.ready.Remove(target):
	case s.blocked.Remove(target):
	case s.zombie.Remove(target):
	default:
		s.gate.On()
		return -1
	}

	s.freeProcessLocked(pcb)
	s.gate.On()

	return 0
}

// SuspendCurrent implements the kernel's proc_suspend_current: block the
// caller and schedule away.
func (s *Scheduler) SuspendCurrent(p *Process) {
	s.gate.Off()
	p.PCB.State = Blocked
	s.blocked.Enqueue(p.PCB.PID)
	s.gate.On()

	s.Schedule(p)
}

// ShutdownAll implements the kernel's proc_shutdown_all: it runs with
// interrupts disabled and the caller must not call Schedule afterward.
// IDLE and the running process (if any) are left intact, matching the
// kernel's rationale that their stacks are still live.
func (s *Scheduler) ShutdownAll() {
	s.gate.Off()
	defer s.gate.On()

	keep := map[PID]bool{IdlePID: true}
	if s.current != NoPID {
		keep[s.current] = true
	}

	for _, set := range []*Queue{&s.ready, &s.blocked, &s.zombie} {
		for _, pid := range set.Slice() {
			if keep[pid] {
				continue
			}

			set.Remove(pid)
			if pcb := s.pcbs[pid]; pcb != nil {
				s.freeProcessLocked(pcb)
			}
		}
	}
}
