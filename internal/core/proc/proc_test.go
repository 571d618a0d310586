package proc_test

import (
	"runtime"
	"testing"
	"time"

	"github.com/quanta-os/quanta/internal/core/pmm"
	"github.com/quanta-os/quanta/internal/core/proc"
	"github.com/quanta-os/quanta/internal/core/vmm"
)

func newScheduler(t *testing.T) (*proc.Scheduler, *pmm.Allocator, *vmm.VMM) {
	t.Helper()

	phys := pmm.Init(0, 4096*pmm.PageSize)
	mem := vmm.New(phys)
	if err := mem.Init(); err != nil {
		t.Fatalf("vmm.Init() = %v", err)
	}

	return proc.New(mem, phys), phys, mem
}

// heapByte reads one byte of a process's heap through the shared address
// space, the way user code would.
func heapByte(t *testing.T, mem *vmm.VMM, va uintptr) byte {
	t.Helper()

	pa, ok := mem.Translate(va)
	if !ok {
		t.Fatalf("Translate(%#x) not mapped", va)
	}

	return mem.Bytes(pmm.Frame(pa-pa%pmm.PageSize))[pa%pmm.PageSize]
}

func setHeapByte(t *testing.T, mem *vmm.VMM, va uintptr, b byte) {
	t.Helper()

	pa, ok := mem.Translate(va)
	if !ok {
		t.Fatalf("Translate(%#x) not mapped", va)
	}

	mem.Bytes(pmm.Frame(pa-pa%pmm.PageSize))[pa%pmm.PageSize] = b
}

// A single created process is pid 1; IDLE is pid 0.
func TestCreateAssignsFirstPIDAfterIdle(t *testing.T) {
	s, _, _ := newScheduler(t)

	pidCh := make(chan proc.PID, 1)

	shell, err := s.Create("shell", func(p *proc.Process) {
		pidCh <- p.PCB.PID
		p.Exit()
	}, 1)
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}

	if shell.PID != 1 {
		t.Fatalf("Create() pid = %d, want 1", shell.PID)
	}

	s.Schedule(nil)

	if got := <-pidCh; got != 1 {
		t.Fatalf("entrypoint saw pid %d, want 1", got)
	}
}

// After boot, exactly IDLE and the created process appear in the table.
func TestSnapshotShowsIdleAndCreated(t *testing.T) {
	s, _, _ := newScheduler(t)

	gate := make(chan struct{})

	if _, err := s.Create("shell", func(p *proc.Process) {
		<-gate
		p.Exit()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2 (idle + shell)", len(snap))
	}

	close(gate)
}

// Fork returns twice: parent sees the child's pid; child sees 0; after
// parent waits, the child is reaped and no longer appears anywhere.
func TestForkWaitRoundTrip(t *testing.T) {
	s, phys, _ := newScheduler(t)

	before := phys.Available()

	parentResult := make(chan proc.PID, 1)

	if _, err := s.Create("parent", func(p *proc.Process) {
		child, err := p.Fork(func(c *proc.Process) {
			if c.PCB.Regs.A[0] != 0 {
				t.Errorf("child A[0] = %d, want 0", c.PCB.Regs.A[0])
			}

			c.Exit()
		})
		if err != nil {
			t.Errorf("Fork() = %v", err)
			p.Exit()
			return
		}

		if child.Regs.A[0] != 0 {
			t.Errorf("parent sees child A[0] = %d, want 0", child.Regs.A[0])
		}

		reaped := p.WaitAndReap()
		parentResult <- reaped

		p.Exit()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	s.Schedule(nil)

	childPID := <-parentResult
	if childPID == proc.NoPID {
		t.Fatal("WaitAndReap() = NoPID, want a reaped child pid")
	}

	for _, pcb := range s.Snapshot() {
		if pcb.PID == childPID {
			t.Fatalf("reaped pid %d still present in snapshot", childPID)
		}
	}

	// The parent exits after reporting its result and is itself reaped as
	// an orphan on the next schedule; once only IDLE remains, every frame
	// (both stacks) is back on the free list. Snapshot is the synchronized
	// view, so polling it also orders the Available read below after the
	// scheduler's frees.
	deadline := time.Now().Add(5 * time.Second)

	for len(s.Snapshot()) > 1 {
		if time.Now().After(deadline) {
			t.Fatalf("parent was never reaped: %v", s.Snapshot())
		}

		runtime.Gosched()
	}

	if got := phys.Available(); got != before {
		t.Fatalf("Available() = %d after reap, want %d (stack frames returned)", got, before)
	}
}

// A child that suspends itself can be killed by its parent; afterward it
// is gone from every set and the parent's wait reports no children.
func TestKillBlockedChild(t *testing.T) {
	s, _, _ := newScheduler(t)

	childBlocked := make(chan proc.PID, 1)
	parentDone := make(chan proc.PID, 1)

	if _, err := s.Create("parent", func(p *proc.Process) {
		child, err := p.Fork(func(c *proc.Process) {
			childBlocked <- c.PCB.PID
			c.SuspendCurrent()
			c.Exit()
		})
		if err != nil {
			t.Errorf("Fork() = %v", err)
			p.Exit()
			return
		}

		_ = child

		// Give up the hart so the child can run and suspend itself; the
		// suspension hands the token straight back.
		p.Yield()

		childPID := <-childBlocked

		rc := p.Kill(childPID)
		if rc != 0 {
			t.Errorf("Kill(%d) = %d, want 0", childPID, rc)
		}

		parentDone <- p.WaitAndReap()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	s.Schedule(nil)

	if got := <-parentDone; got != proc.NoPID {
		t.Fatalf("WaitAndReap() after kill = %d, want NoPID (no children)", got)
	}
}

// Killing a pid that was never created reports not-found.
func TestKillNotFoundReturnsError(t *testing.T) {
	s, _, _ := newScheduler(t)

	done := make(chan struct{})

	if _, err := s.Create("once", func(p *proc.Process) {
		rc := p.Kill(proc.PID(99))
		if rc != -1 {
			t.Errorf("Kill(99) = %d, want -1", rc)
		}

		close(done)
		p.Exit()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	s.Schedule(nil)
	<-done
}

func TestKillIdleRefused(t *testing.T) {
	s, _, _ := newScheduler(t)

	done := make(chan struct{})

	if _, err := s.Create("once", func(p *proc.Process) {
		if rc := p.Kill(proc.IdlePID); rc != -1 {
			t.Errorf("Kill(IdlePID) = %d, want -1", rc)
		}

		close(done)
		p.Exit()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	s.Schedule(nil)
	<-done
}

// Round-robin fairness: N processes that each yield after every turn all
// get the hart, three turns apiece.
func TestRoundRobinFairness(t *testing.T) {
	s, _, _ := newScheduler(t)

	const n = 4

	seen := make(chan proc.PID, n*3)

	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		if _, err := s.Create(name, func(p *proc.Process) {
			for round := 0; round < 3; round++ {
				seen <- p.PCB.PID
				p.Yield()
			}
			p.Exit()
		}, 1); err != nil {
			t.Fatalf("Create(%s) = %v", name, err)
		}
	}

	s.Schedule(nil)

	counts := make(map[proc.PID]int)
	for i := 0; i < n*3; i++ {
		counts[<-seen]++
	}

	for pid, c := range counts {
		if c != 3 {
			t.Errorf("pid %d scheduled %d times, want 3", pid, c)
		}
	}

	if len(counts) != n {
		t.Fatalf("distinct pids scheduled = %d, want %d", len(counts), n)
	}
}

// Fork copies the heap: mutating the parent's heap after fork does not
// alter the child's heap at the same offset, and vice versa.
func TestForkCopiesHeapWithoutAliasing(t *testing.T) {
	s, _, mem := newScheduler(t)

	done := make(chan struct{})

	if _, err := s.Create("parent", func(p *proc.Process) {
		// Grow a one-page heap by hand, the same bookkeeping sbrk performs.
		p.PCB.BrkBase = vmm.HeapUserBase + uintptr(p.PCB.PID)*vmm.PerProcHeap
		if _, err := mem.MapPage(p.PCB.BrkBase, vmm.Present|vmm.RW|vmm.User); err != nil {
			t.Errorf("MapPage() = %v", err)
			close(done)
			p.Exit()
			return
		}

		p.PCB.BrkSize = pmm.PageSize
		setHeapByte(t, mem, p.PCB.BrkBase, 'A')

		childHeld := make(chan struct{})

		child, err := p.Fork(func(c *proc.Process) {
			<-childHeld
			c.Exit()
		})
		if err != nil {
			t.Errorf("Fork() = %v", err)
			close(done)
			p.Exit()
			return
		}

		if got := heapByte(t, mem, child.BrkBase); got != 'A' {
			t.Errorf("child heap byte = %q, want %q (copied at fork)", got, 'A')
		}

		setHeapByte(t, mem, p.PCB.BrkBase, 'B')

		if got := heapByte(t, mem, child.BrkBase); got != 'A' {
			t.Errorf("child heap byte after parent write = %q, want %q (no aliasing)", got, 'A')
		}

		setHeapByte(t, mem, child.BrkBase, 'C')

		if got := heapByte(t, mem, p.PCB.BrkBase); got != 'B' {
			t.Errorf("parent heap byte after child write = %q, want %q (no aliasing)", got, 'B')
		}

		close(childHeld)
		p.WaitAndReap()
		close(done)
		p.Exit()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	s.Schedule(nil)
	<-done
}
