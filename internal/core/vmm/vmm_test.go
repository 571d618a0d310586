package vmm_test

import (
	"testing"

	"github.com/quanta-os/quanta/internal/core/pmm"
	"github.com/quanta-os/quanta/internal/core/vmm"
)

func newVMM(t *testing.T) (*vmm.VMM, *pmm.Allocator) {
	t.Helper()

	a := pmm.Init(0, 4096*pmm.PageSize)
	v := vmm.New(a)

	if err := v.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	return v, a
}

// Successive Map(va,pa,f) / Translate(va) with no intervening Unmap(va)
// returns pa | (va mod 4096).
func TestMapTranslateRoundTrip(t *testing.T) {
	v, a := newVMM(t)

	frame, ok := a.Alloc()
	if !ok {
		t.Fatal("Alloc() failed")
	}

	const va = uintptr(0x41000000)

	if err := v.Map(va, uintptr(frame), vmm.Present|vmm.RW); err != nil {
		t.Fatalf("Map() = %v", err)
	}

	pa, ok := v.Translate(va + 0x123)
	if !ok {
		t.Fatal("Translate() ok = false, want true")
	}

	want := uintptr(frame) | 0x123
	if pa != want {
		t.Fatalf("Translate() = %#x, want %#x", pa, want)
	}
}

// After Unmap(va, true), Translate(va) is gone and the frame returns to
// the free list. Unmap does not prune intermediate tables, so any L1/L0
// page MapPage allocated stays in use; the count is taken after MapPage.
func TestUnmapFreesFrame(t *testing.T) {
	v, a := newVMM(t)

	frame, err := v.MapPage(0x42000000, vmm.Present|vmm.RW)
	if err != nil {
		t.Fatalf("MapPage() = %v", err)
	}

	before := a.Available()

	v.Unmap(0x42000000, true)

	if _, ok := v.Translate(0x42000000); ok {
		t.Fatal("Translate() after unmap ok = true, want false")
	}

	if got := a.Available(); got != before+1 {
		t.Fatalf("Available() = %d, want %d (frame returned)", got, before+1)
	}

	next, ok := a.Alloc()
	if !ok || next != frame {
		t.Fatalf("Alloc() after unmap = %s,%v, want %s,true", next, ok, frame)
	}
}

func TestMapRejectsMisalignedPhysicalAddress(t *testing.T) {
	v, _ := newVMM(t)

	if err := v.Map(0x43000000, 0x1001, vmm.Present|vmm.RW); err == nil {
		t.Fatal("Map() with misaligned pa succeeded, want error")
	}
}

func TestIdentityRegionsAreMapped(t *testing.T) {
	v, _ := newVMM(t)

	for _, va := range []uintptr{vmm.RAMBase, vmm.UARTBase, vmm.CLINTBase, vmm.PLICBase} {
		pa, ok := v.Translate(va)
		if !ok || pa != va {
			t.Fatalf("Translate(%#x) = %#x,%v, want %#x,true", va, pa, ok, va)
		}
	}
}
