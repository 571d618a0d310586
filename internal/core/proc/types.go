// Package proc implements the process lifecycle and scheduler: component D
// of the supervisor core. It owns the PCB table, the ready/blocked/zombie
// sets, fork/exec/exit/wait/kill, and the context switch that moves the
// single simulated hart between processes.
package proc

import "fmt"

// PID identifies a process. Pids are unique among live processes.
type PID int32

// NoPID is the sentinel returned in place of a NULL pid.
const NoPID PID = -1

// IdlePID is the distinguished pid-0 process that wfi's when nothing else
// is ready. It is never enqueued on the ready queue.
const IdlePID PID = 0

// State is one of the four states a PCB can be in; its location (current,
// ready queue, blocked list, zombie list) must always agree with it.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Terminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MaxName is the longest process name, not counting the NUL terminator.
const MaxName = 19

// RegState is the saved register image a context switch restores. It
// stands in for the assembly switch_context/forkret ABI: ra/t0-t2/a0-a7
// mirror the trap frame; sp/sepc/mstatus are the pre-trap processor
// state; the S slots are the callee-saved registers a real
// switch_context would spill.
type RegState struct {
	RA, T0, T1, T2 uint64
	A              [8]uint64 // a0..a7
	SP             uint64
	SEPC           uint64
	MStatus        uint64
	S              [12]uint64 // Callee-saved, spilled by switch_context.
}

// PCB is the process control block: one page-or-less of bookkeeping per
// process.
type PCB struct {
	PID      PID
	PPID     PID
	Name     string
	State    State
	Priority int
	Entry    Entrypoint

	Regs RegState

	StackTop uintptr // Top of the process's single 4 KiB stack.

	BrkBase uintptr // Virtual base of the process's user heap.
	BrkSize uintptr // Current heap size, grown page by page via sbrk.
}

func (p *PCB) String() string {
	return fmt.Sprintf("PCB{pid:%d ppid:%d name:%q state:%s pri:%d}",
		p.PID, p.PPID, p.Name, p.State, p.Priority)
}

// truncateName applies the 19-byte name cap.
func truncateName(name string) string {
	if len(name) > MaxName {
		return name[:MaxName]
	}

	return name
}
