// Package uart implements the 16550-compatible console device at
// 0x10000000: uart_init, uart_putc, uart_getc_blocking. The production
// implementation puts a real terminal into raw mode and drives it byte
// at a time; internal/core only ever sees the UART interface.
package uart

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// UART is what internal/core/syscall and internal/shell depend on. Both
// Console (below) and Buffer (the headless double) satisfy it.
// GetByteBlocking parks the calling goroutine until RX delivers;
// TryGetByte is the polling form the read syscall uses so the hart can be
// yielded to other processes between keystrokes.
type UART interface {
	Init() error
	PutByte(b byte)
	GetByteBlocking() byte
	TryGetByte() (byte, bool)
}

// ErrNoTTY is returned when standard input is not a terminal or cannot be
// put into raw mode.
var ErrNoTTY = errors.New("uart: not a tty")

// Console backs the UART with a real terminal in raw mode, setting
// VMIN/VTIME through termios ioctls.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	in8    chan byte
	cancel context.CancelFunc
}

// NewConsole puts stdin into raw mode and starts the background reader.
// Callers must call Restore when done.
func NewConsole(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
		in8:   make(chan byte, 16),
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.readTerminal(ctx)

	return c, nil
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, unix.TCGETS)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, unix.TCSETS, termIO); err != nil {
		return err
	}

	return syscall.SetNonblock(c.fd, false)
}

func (c *Console) readTerminal(ctx context.Context) {
	r := bufio.NewReader(c.in)

	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.in8 <- b:
		}
	}
}

// Init is a no-op: Console is already initialized by NewConsole. It exists
// to satisfy UART, the kernel's uart_init; Buffer's Init is a no-op too.
func (c *Console) Init() error { return nil }

// PutByte writes one byte to the terminal.
func (c *Console) PutByte(b byte) {
	_, _ = fmt.Fprintf(c.out, "%c", b)
}

// GetByteBlocking blocks until a key is available.
func (c *Console) GetByteBlocking() byte {
	return <-c.in8
}

// TryGetByte returns a pending key without blocking.
func (c *Console) TryGetByte() (byte, bool) {
	select {
	case b := <-c.in8:
		return b, true
	default:
		return 0, false
	}
}

// Restore returns the terminal to its original mode and stops the reader.
func (c *Console) Restore() {
	if c.cancel != nil {
		c.cancel()
	}

	_ = term.Restore(c.fd, c.state)
}

// Buffer is a headless UART backed by an in-memory byte queue: the
// fallback when stdin isn't a tty (ErrNoTTY from NewConsole), and the
// double used by every other package's tests.
type Buffer struct {
	out chan byte
	in  chan byte
}

// NewBuffer creates a headless UART with reasonably large queues so
// producers rarely block.
func NewBuffer() *Buffer {
	return &Buffer{
		out: make(chan byte, 4096),
		in:  make(chan byte, 4096),
	}
}

func (b *Buffer) Init() error { return nil }

func (b *Buffer) PutByte(c byte) { b.out <- c }

func (b *Buffer) GetByteBlocking() byte { return <-b.in }

func (b *Buffer) TryGetByte() (byte, bool) {
	select {
	case c := <-b.in:
		return c, true
	default:
		return 0, false
	}
}

// Feed injects bytes as if typed at the console, for driving a shell under
// test.
func (b *Buffer) Feed(s string) {
	for i := 0; i < len(s); i++ {
		b.in <- s[i]
	}
}

// Written drains and returns everything PutByte has written so far.
func (b *Buffer) Written() string {
	out := make([]byte, 0, len(b.out))

	for {
		select {
		case c := <-b.out:
			out = append(out, c)
		default:
			return string(out)
		}
	}
}
