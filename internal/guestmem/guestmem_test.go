package guestmem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/hvemu/internal/hv"
)

func newTestMemory(t *testing.T, space *hv.AddressSpace, opts ...Option) *Memory {
	t.Helper()
	mem, err := New(space, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := mem.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return mem
}

func TestTranslatePageContiguous(t *testing.T) {
	mem := newTestMemory(t, hv.NewAddressSpace(0x10000, 0x10000))

	page, err := mem.TranslatePage(0x12345)
	if err != nil {
		t.Fatalf("TranslatePage: %v", err)
	}
	if len(page) != guestPageSize || cap(page) != guestPageSize {
		t.Fatalf("page len/cap = %d/%d, want %d", len(page), cap(page), guestPageSize)
	}

	if _, err := mem.WriteAt([]byte("hello"), 0x12000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if !bytes.Equal(page[:5], []byte("hello")) {
		t.Fatalf("host view = %q, want guest write visible", page[:5])
	}

	for _, gpa := range []uint64{0, 0xffff, 0x20000, 0xffff_ffff_ffff_f000} {
		if _, err := mem.TranslatePage(gpa); !errors.Is(err, hv.ErrPageNotPresent) {
			t.Fatalf("TranslatePage(0x%x) error = %v, want ErrPageNotPresent", gpa, err)
		}
	}
}

func TestTranslatePageSplit(t *testing.T) {
	space, err := hv.NewAddressSpaceSplit(0, 0x4000, 0x100000, 0x2000)
	if err != nil {
		t.Fatalf("NewAddressSpaceSplit: %v", err)
	}
	mem := newTestMemory(t, space)

	if _, err := mem.WriteAt([]byte{0xaa}, 0x100000); err != nil {
		t.Fatalf("WriteAt high: %v", err)
	}
	if _, err := mem.WriteAt([]byte{0x55}, 0x3fff); err != nil {
		t.Fatalf("WriteAt low: %v", err)
	}

	high, err := mem.TranslatePage(0x100000)
	if err != nil {
		t.Fatalf("TranslatePage high: %v", err)
	}
	if high[0] != 0xaa {
		t.Fatalf("high page[0] = %#x, want 0xaa", high[0])
	}
	low, err := mem.TranslatePage(0x3000)
	if err != nil {
		t.Fatalf("TranslatePage low: %v", err)
	}
	if low[0xfff] != 0x55 {
		t.Fatalf("low page[0xfff] = %#x, want 0x55", low[0xfff])
	}

	if _, err := mem.TranslatePage(0x8000); !errors.Is(err, hv.ErrPageNotPresent) {
		t.Fatalf("TranslatePage in hole error = %v, want ErrPageNotPresent", err)
	}
}

func TestReadWriteAtBounds(t *testing.T) {
	mem := newTestMemory(t, hv.NewAddressSpace(0, 0x2000))

	buf := make([]byte, 16)
	if _, err := mem.ReadAt(buf, 0x1ff8); !errors.Is(err, hv.ErrPageNotPresent) {
		t.Fatalf("ReadAt past end error = %v, want ErrPageNotPresent", err)
	}
	if _, err := mem.WriteAt(buf, -1); err == nil {
		t.Fatalf("WriteAt negative address succeeded")
	}

	want := []byte{1, 2, 3, 4}
	if _, err := mem.WriteAt(want, 0x1ffc); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 4)
	if n, err := mem.ReadAt(got, 0x1ffc); err != nil || n != 4 {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadAt = %v, want %v", got, want)
	}
}

func TestHostAccessNesting(t *testing.T) {
	mem := newTestMemory(t, hv.NewAddressSpace(0, 0x1000))

	mem.BeginHostAccess()
	mem.BeginHostAccess()
	mem.EndHostAccess()
	mem.EndHostAccess()

	defer func() {
		if recover() == nil {
			t.Fatalf("unbalanced EndHostAccess did not panic")
		}
	}()
	mem.EndHostAccess()
}

func TestNewRejectsBadLayout(t *testing.T) {
	if _, err := New(hv.NewAddressSpace(0, 0)); err == nil {
		t.Fatalf("New with empty RAM succeeded")
	}
	if _, err := New(hv.NewAddressSpace(0x800, 0x1000)); err == nil {
		t.Fatalf("New with unaligned base succeeded")
	}
}

func TestGuestPageSharesBacking(t *testing.T) {
	mem := newTestMemory(t, hv.NewAddressSpace(0x100000, 0x2000))

	guest, err := mem.GuestPage(0x101800)
	if err != nil {
		t.Fatalf("GuestPage: %v", err)
	}
	guest[0x10] = 0x7f

	host, err := mem.TranslatePage(0x101000)
	if err != nil {
		t.Fatalf("TranslatePage: %v", err)
	}
	if host[0x10] != 0x7f {
		t.Fatalf("host view = %#x, want guest write visible", host[0x10])
	}
	if _, err := mem.GuestPage(0x102000); !errors.Is(err, hv.ErrPageNotPresent) {
		t.Fatalf("GuestPage past end error = %v, want ErrPageNotPresent", err)
	}
}
