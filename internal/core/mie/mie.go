// Package mie models the single global interrupt-enable gate: the mstatus
// MIE bit, used as the kernel's only lock. proc.Scheduler holds the gate
// ("interrupts off") around the process sets, current and next_pid, and
// around the frame and page-table work it does itself (stack allocation,
// fork's heap copy, reaping). Other callers of the allocator and the VMM,
// such as the sbrk syscall's page mapping, do not take the gate.
package mie

import "sync"

// Gate is a scoped critical-section lock standing in for mstatus.MIE. Off
// disables interrupts (locks); On re-enables them (unlocks). It is
// re-entrant-unsafe by design: mstatus.MIE is a single flat bit, not a
// nesting counter, so nested Off calls from the same goroutine would
// deadlock exactly as a real recursive disable would corrupt mstatus.
type Gate struct {
	mu sync.Mutex
}

// Off disables interrupts, i.e. acquires exclusive access to kernel state.
func (g *Gate) Off() { g.mu.Lock() }

// On re-enables interrupts, i.e. releases exclusive access.
func (g *Gate) On() { g.mu.Unlock() }
