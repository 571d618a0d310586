package core_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quanta-os/quanta/internal/config"
	"github.com/quanta-os/quanta/internal/core"
	"github.com/quanta-os/quanta/internal/drivers/uart"
	"github.com/quanta-os/quanta/internal/shell"
	"github.com/quanta-os/quanta/internal/userprog"
)

func newMachine(t *testing.T) (*core.Machine, *uart.Buffer) {
	t.Helper()

	con := uart.NewBuffer()

	m, err := core.New(config.Default(), con, filepath.Join(t.TempDir(), "disk.img"))
	if err != nil {
		t.Fatalf("core.New() = %v", err)
	}

	t.Cleanup(func() { _ = m.Close() })

	return m, con
}

// Boot creates the shell at pid 1 and hands it the
// token without blocking.
func TestBootCreatesShellAtPID1(t *testing.T) {
	m, con := newMachine(t)

	done := make(chan struct{})

	if err := m.Boot(shell.Entrypoint(m.Trap, m.Mem, func() { close(done) })); err != nil {
		t.Fatalf("Boot() = %v", err)
	}

	if snap := m.Sched.Snapshot(); len(snap) < 2 || snap[1].PID != 1 || snap[1].Name != "shell" {
		t.Fatalf("Snapshot() = %v, want shell at pid 1", snap)
	}

	con.Feed("exit\n")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("shell never exited")
	}

	if got := con.Written(); !strings.Contains(got, shell.Prompt) {
		t.Fatalf("console output %q missing prompt", got)
	}
}

// A registered static program is reachable from the shell
// through the assembled Machine end to end, exercising exec via the
// filesystem's ExecLookup path rather than a direct Dispatcher call.
func TestBootShellExecsRegisteredProgram(t *testing.T) {
	m, con := newMachine(t)

	userprog.Register(m.FS, m.Trap, m.Mem)

	done := make(chan struct{})

	if err := m.Boot(shell.Entrypoint(m.Trap, m.Mem, func() { close(done) })); err != nil {
		t.Fatalf("Boot() = %v", err)
	}

	con.Feed("echo\nhi\nexit\n")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("shell never exited")
	}

	if got := con.Written(); !strings.Contains(got, "hi") {
		t.Fatalf("console output %q missing echoed line", got)
	}
}

func TestNewAcceptsBothVirtioVariants(t *testing.T) {
	for _, variant := range []config.VirtioVariant{config.VirtioLegacy, config.VirtioModern} {
		con := uart.NewBuffer()

		m, err := core.New(config.Options{Virtio: variant}, con, filepath.Join(t.TempDir(), "disk.img"))
		if err != nil {
			t.Fatalf("core.New() variant %s = %v", variant, err)
		}

		if err := m.Close(); err != nil {
			t.Fatalf("Close() variant %s = %v", variant, err)
		}
	}
}
