// Package trap implements the trap core: the state
// machine a real mtvec-vectored entry/exit pair would drive
// (ENTER -> SAVE_FRAME -> DISPATCH -> {...} -> RESTORE_FRAME -> MRET).
// Quanta has no instruction stream to trap out of, so nothing here is
// wired to an actual mcause register; Dispatcher's methods are called directly
// at the handful of points a real trap would fire: a process's own
// Ecall-equivalent call for a syscall, and a cooperative Tick for the
// machine-timer and machine-external interrupts.
package trap

import "fmt"

// Frame mirrors the 128-byte trap frame: ra, t0-t2, a0-a7, in that order,
// with the remaining bytes reserved. Quanta never spills real registers
// into it, but syscalls are still marshalled through A exactly the way
// the usual a7 (number) / a0-a5 (args) / a0 (return) convention works,
// so the field layout is worth keeping even without assembly on the
// other end.
type Frame struct {
	RA, T0, T1, T2 uint64
	A              [8]uint64 // a0..a7; a7 carries the syscall number.
	_reserved      [4]uint64 // Pads to the full 128-byte ABI width.
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{a7:%d a0:%#x a1:%#x}", f.A[7], f.A[0], f.A[1])
}

// Cause mirrors mcause: the top bit distinguishes interrupts from
// exceptions.
type Cause uint64

const interruptBit = uint64(1) << 63

const (
	CauseMachineTimer    = Cause(interruptBit | 7)
	CauseMachineExternal = Cause(interruptBit | 11)
	CauseEcallFromU      = Cause(8)
	CauseEcallFromM      = Cause(11)
)

// IsInterrupt reports whether the top bit is set.
func (c Cause) IsInterrupt() bool { return uint64(c)&interruptBit != 0 }

// Code returns the cause without the interrupt bit.
func (c Cause) Code() uint64 { return uint64(c) &^ interruptBit }

func (c Cause) String() string {
	switch c {
	case CauseMachineTimer:
		return "machine-timer"
	case CauseMachineExternal:
		return "machine-external"
	case CauseEcallFromU:
		return "ecall-from-u"
	case CauseEcallFromM:
		return "ecall-from-m"
	default:
		kind := "exception"
		if c.IsInterrupt() {
			kind = "interrupt"
		}

		return fmt.Sprintf("%s(%d)", kind, c.Code())
	}
}
