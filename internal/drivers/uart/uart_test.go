package uart_test

import (
	"testing"

	"github.com/quanta-os/quanta/internal/drivers/uart"
)

func TestBufferPutByteThenWritten(t *testing.T) {
	b := uart.NewBuffer()

	b.PutByte('H')
	b.PutByte('i')

	if got := b.Written(); got != "Hi" {
		t.Fatalf("Written() = %q, want %q", got, "Hi")
	}

	if got := b.Written(); got != "" {
		t.Fatalf("Written() after drain = %q, want empty", got)
	}
}

func TestBufferTryGetByte(t *testing.T) {
	b := uart.NewBuffer()

	if _, ok := b.TryGetByte(); ok {
		t.Fatal("TryGetByte() on empty buffer ok = true, want false")
	}

	b.Feed("x")

	if got, ok := b.TryGetByte(); !ok || got != 'x' {
		t.Fatalf("TryGetByte() = %q,%v, want 'x',true", got, ok)
	}
}

func TestBufferFeedThenGetByteBlocking(t *testing.T) {
	b := uart.NewBuffer()
	b.Feed("ps\n")

	for _, want := range []byte("ps\n") {
		if got := b.GetByteBlocking(); got != want {
			t.Fatalf("GetByteBlocking() = %q, want %q", got, want)
		}
	}
}
