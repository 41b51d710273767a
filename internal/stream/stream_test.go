package stream

import (
	"os"
	"testing"

	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

func TestAttachSingleBackend(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	reg := NewRegistry()
	s, err := reg.Attach(int(w.Fd()))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.RemainingUses() != 1 || s.RefCount() != 1 {
		t.Fatalf("expected 1/1, got %d/%d", s.RemainingUses(), s.RefCount())
	}
}

func TestAttachSharedAcrossTwoBackends(t *testing.T) {
	// S4: two backends configured against the same fd alias one wrapper
	// with remainingUses=2, refCount=2.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	reg := NewRegistry()
	fd := int(w.Fd())
	s1, err := reg.Attach(fd)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := reg.Attach(fd)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatal("expected aliasing, got distinct wrappers")
	}
	if s1.RemainingUses() != 2 || s1.RefCount() != 2 {
		t.Fatalf("expected 2/2, got %d/%d", s1.RemainingUses(), s1.RefCount())
	}

	// Consume both uses: local fd closes, refCount still 2.
	if err := s1.ConsumeUse(); err != nil {
		t.Fatal(err)
	}
	if err := s1.ConsumeUse(); err != nil {
		t.Fatal(err)
	}
	if s1.RemainingUses() != 0 {
		t.Fatalf("expected 0 remaining uses, got %d", s1.RemainingUses())
	}
	if s1.RefCount() != 2 {
		t.Fatalf("expected refCount still 2, got %d", s1.RefCount())
	}

	// First disconnect: refCount drops to 1, wrapper still alive.
	if err := s1.Release(); err != nil {
		t.Fatal(err)
	}
	if s1.RefCount() != 1 {
		t.Fatalf("expected refCount 1, got %d", s1.RefCount())
	}

	// Second disconnect: refCount drops to 0, wrapper freed (fd already
	// closed by ConsumeUse, so this Release must not double-close).
	if err := s1.Release(); err != nil {
		t.Fatal(err)
	}
	if s1.RefCount() != 0 {
		t.Fatalf("expected refCount 0, got %d", s1.RefCount())
	}
}

func TestSetBusyRejectsNoOpToggle(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	reg := NewRegistry()
	s, err := reg.Attach(int(w.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetBusy(false); err != xcperr.EINVAL {
		t.Fatalf("expected EINVAL toggling to same value, got %v", err)
	}
	if err := s.SetBusy(true); err != nil {
		t.Fatalf("SetBusy(true): %v", err)
	}
	if !s.IsBusy() {
		t.Fatal("expected busy")
	}
}

func TestAttachRejectsWriteOnlyRegularFile(t *testing.T) {
	dir := t.TempDir()
	f, err := os.OpenFile(dir+"/f", os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	reg := NewRegistry()
	_, err = reg.Attach(int(f.Fd()))
	if err != xcperr.ENOSTR {
		t.Fatalf("expected ENOSTR, got %v", err)
	}
}

func TestAttachAcceptsAppendRegularFile(t *testing.T) {
	dir := t.TempDir()
	f, err := os.OpenFile(dir+"/f", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	reg := NewRegistry()
	_, err = reg.Attach(int(f.Fd()))
	if err != nil {
		t.Fatalf("expected append-mode file to be accepted, got %v", err)
	}
}
