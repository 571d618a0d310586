// Package clock models the CLINT's mtime/mtimecmp pair: the part of the
// target platform driving the machine-timer interrupt that keeps a
// CPU-bound process from monopolizing the hart.
package clock

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Quantum is the number of simulated cycles between timer interrupts.
const Quantum = 1_000_000

// CyclesPerCheck is how many simulated cycles a single Tick call from a
// CPU-bound loop advances mtime by. There is no real instruction stream to
// count cycles on, so a loop iteration stands in for one "check"; this is
// quanta's equivalent of a compiler inserting a preemption check at a loop
// back-edge.
const CyclesPerCheck = 1000

// Clock is the simulated CLINT for hart 0: an mtime counter and an
// mtimecmp deadline. Advance, Due and Reprogram are the operations the
// trap core's Tick uses (nothing else models CLINT access from anywhere else).
type Clock struct {
	mu       sync.Mutex
	mtime    uint64
	mtimecmp uint64
}

// New creates a clock with mtimecmp armed one quantum out.
func New() *Clock {
	return &Clock{mtimecmp: Quantum}
}

// Advance simulates the passage of n cycles.
func (c *Clock) Advance(n uint64) {
	c.mu.Lock()
	c.mtime += n
	c.mu.Unlock()
}

// Due reports whether mtime has reached mtimecmp, i.e. a machine-timer
// interrupt is pending.
func (c *Clock) Due() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mtime >= c.mtimecmp
}

// Reprogram implements the timer ISR's first action: mtimecmp = mtime +
// QUANTUM.
func (c *Clock) Reprogram() {
	c.mu.Lock()
	c.mtimecmp = c.mtime + Quantum
	c.mu.Unlock()
}

// Now returns the current simulated mtime, for diagnostics.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mtime
}

// IdleSleep pauses the IDLE process for roughly one scheduling tick,
// standing in for the wfi instruction a real IDLE process executes while
// waiting for the next trap. It goes straight to a nanosleep syscall rather
// than a bare runtime timer, through golang.org/x/sys/unix (the package
// internal/drivers/uart's raw-mode console uses for its termios calls),
// instead of parking the goroutine on a plain time.Sleep.
func IdleSleep() {
	ts := unix.NsecToTimespec(time.Millisecond.Nanoseconds())
	_ = unix.Nanosleep(&ts, nil)
}
