package trap_test

import (
	"runtime"
	"sync"
	"testing"

	"github.com/quanta-os/quanta/internal/config"
	"github.com/quanta-os/quanta/internal/core/clock"
	"github.com/quanta-os/quanta/internal/core/pmm"
	"github.com/quanta-os/quanta/internal/core/plic"
	"github.com/quanta-os/quanta/internal/core/proc"
	"github.com/quanta-os/quanta/internal/core/syscall"
	"github.com/quanta-os/quanta/internal/core/trap"
	"github.com/quanta-os/quanta/internal/core/vmm"
	"github.com/quanta-os/quanta/internal/drivers/uart"
	"github.com/quanta-os/quanta/internal/drivers/virtio"
	"github.com/quanta-os/quanta/internal/fs"
)

type fixture struct {
	sched *proc.Scheduler
	disp  *trap.Dispatcher
	con   *uart.Buffer
	mem   *vmm.VMM
	fsys  *fs.FS
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	phys := pmm.Init(0, 4096*pmm.PageSize)
	mem := vmm.New(phys)
	if err := mem.Init(); err != nil {
		t.Fatalf("vmm.Init() = %v", err)
	}

	plc := plic.New()

	dev, err := virtio.New(config.VirtioModern, t.TempDir()+"/disk.img", 4, plc)
	if err != nil {
		t.Fatalf("virtio.New() = %v", err)
	}
	if err := dev.Init(); err != nil {
		t.Fatalf("dev.Init() = %v", err)
	}

	fsys, err := fs.Init(dev)
	if err != nil {
		t.Fatalf("fs.Init() = %v", err)
	}

	con := uart.NewBuffer()
	sys := syscall.New(mem, con, fsys)
	sched := proc.New(mem, phys)
	clk := clock.New()
	disp := trap.New(sched, clk, plc, dev, sys)

	return &fixture{sched: sched, disp: disp, con: con, mem: mem, fsys: fsys}
}

func TestDispatchWriteMirrorsFrame(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})

	if _, err := f.sched.Create("p", func(p *proc.Process) {
		base := f.disp.Sbrk(p, 4096)

		pa, ok := f.mem.Translate(uintptr(base))
		if !ok {
			t.Errorf("heap byte not mapped")
			close(done)
			p.Exit()
			return
		}

		frame := pmm.Frame(pa - pa%pmm.PageSize)
		f.mem.Bytes(frame)[pa%pmm.PageSize] = 'x'

		if n := f.disp.Write(p, uintptr(base), 1); n != 1 {
			t.Errorf("Write() = %d, want 1", n)
		}

		if p.PCB.Regs.A[7] != uint64(syscall.Write) {
			t.Errorf("mirrored a7 = %d, want %d", p.PCB.Regs.A[7], syscall.Write)
		}

		close(done)
		p.Exit()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	f.sched.Schedule(nil)
	<-done

	if got := f.con.Written(); got != "x" {
		t.Fatalf("console got %q, want %q", got, "x")
	}
}

func TestDispatchExecMissingReturnsFailureAndContinues(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})

	var ranAfterExec bool

	if _, err := f.sched.Create("shell", func(p *proc.Process) {
		base := f.disp.Sbrk(p, 4096)

		pa, _ := f.mem.Translate(uintptr(base))
		frame := pmm.Frame(pa - pa%pmm.PageSize)
		copy(f.mem.Bytes(frame)[pa%pmm.PageSize:], "nosuch\x00")

		ret := f.disp.Exec(p, uintptr(base))
		if ret != ^uint64(0) {
			t.Errorf("Exec() = %#x, want -1", ret)
		}

		ranAfterExec = true

		close(done)
		p.Exit()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	f.sched.Schedule(nil)
	<-done

	if !ranAfterExec {
		t.Fatalf("shell entrypoint did not continue past a failed exec")
	}
}

func TestDispatchExecFoundRunsNewProgram(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})

	var execRan bool

	f.fsys.Register(fs.Entry{Name: "hello", Entrypoint: func(p *proc.Process) {
		execRan = true

		close(done)
		p.Exit()
	}})

	if _, err := f.sched.Create("shell", func(p *proc.Process) {
		base := f.disp.Sbrk(p, 4096)

		pa, _ := f.mem.Translate(uintptr(base))
		frame := pmm.Frame(pa - pa%pmm.PageSize)
		copy(f.mem.Bytes(frame)[pa%pmm.PageSize:], "hello\x00")

		f.disp.Exec(p, uintptr(base))
		// Unreachable: Exec on success runs the new image in place and
		// that image's Exit parks the goroutine forever.
		t.Errorf("reached past a successful exec")
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	f.sched.Schedule(nil)
	<-done

	if !execRan {
		t.Fatalf("exec'd program never ran")
	}
}

func TestFaultTerminatesOffendingProcessOnly(t *testing.T) {
	f := newFixture(t)

	survivorRan := make(chan struct{})

	if _, err := f.sched.Create("faulty", func(p *proc.Process) {
		f.disp.Fault(p, trap.Cause(5)) // Load access fault; never returns.
		t.Errorf("faulting process resumed past Fault")
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	if _, err := f.sched.Create("survivor", func(p *proc.Process) {
		close(survivorRan)
		p.Exit()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	f.sched.Schedule(nil)
	<-survivorRan
}

func TestTickServicesBlockDeviceInterrupt(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})

	if _, err := f.sched.Create("p", func(p *proc.Process) {
		f.disp.Tick(p)
		close(done)
		p.Exit()
	}, 1); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	f.sched.Schedule(nil)
	<-done
}

func TestTickPreemptsCPUBoundProcessesRoundRobin(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex

	seen := map[proc.PID]bool{}

	const iterations = clock.Quantum/clock.CyclesPerCheck + 500

	body := func(p *proc.Process) {
		for i := 0; i < iterations; i++ {
			f.disp.Tick(p)

			mu.Lock()
			seen[p.PCB.PID] = true
			mu.Unlock()
		}

		p.Exit()
	}

	pcb1, err := f.sched.Create("a", body, 1)
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}

	pcb2, err := f.sched.Create("b", body, 1)
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}

	f.sched.Schedule(nil)

	for {
		snap := f.sched.Snapshot()

		alive := false

		for _, pcb := range snap {
			if (pcb.PID == pcb1.PID || pcb.PID == pcb2.PID) && pcb.State != proc.Terminated {
				alive = true
			}
		}

		if !alive {
			break
		}

		runtime.Gosched()
	}

	mu.Lock()
	defer mu.Unlock()

	if !seen[pcb1.PID] || !seen[pcb2.PID] {
		t.Fatalf("seen = %v, want both %d and %d", seen, pcb1.PID, pcb2.PID)
	}
}
