package migreg

import (
	"testing"

	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

func TestNewRegistryTable(t *testing.T) {
	r := NewRegistry("/usr/lib/xen/bin/xenguest")
	xg, ok := r.ByName("xenguest")
	if !ok || xg.Kind != KindEMP || xg.Path == "" {
		t.Fatalf("xenguest entry wrong: %+v", xg)
	}
	qemu, ok := r.ByName("qemu")
	if !ok || qemu.Kind != KindQMPLibxl || qemu.Path != "" {
		t.Fatalf("qemu entry wrong: %+v", qemu)
	}
}

func TestEnabledFiltersByCapability(t *testing.T) {
	r := NewRegistry("")
	xg, _ := r.ByName("xenguest")
	xg.Caps = CapEnabled | CapMigrateLive

	enabled := r.Enabled()
	if len(enabled) != 1 || enabled[0].Name != "xenguest" {
		t.Fatalf("expected only xenguest enabled, got %+v", enabled)
	}
}

func TestFirstFailureLatchedOnce(t *testing.T) {
	r := NewRegistry("")
	xg, _ := r.ByName("xenguest")
	qemu, _ := r.ByName("qemu")

	xg.Fail(r, xcperr.EPIPE)
	qemu.Fail(r, xcperr.EINVAL)

	if !xg.IsFirstFailedBackend() {
		t.Fatal("expected xenguest to be first failed backend")
	}
	if qemu.IsFirstFailedBackend() {
		t.Fatal("qemu should not be marked first failed")
	}
	if xg.ErrorCode() != xcperr.EPIPE {
		t.Fatalf("expected EPIPE latched, got %v", xg.ErrorCode())
	}
}

func TestErrorLatchIgnoresSecondAssignment(t *testing.T) {
	b := &Backend{}
	b.Fail(nil, xcperr.EPIPE)
	b.Fail(nil, xcperr.EINVAL)
	if b.ErrorCode() != xcperr.EPIPE {
		t.Fatalf("expected first error EPIPE preserved, got %v", b.ErrorCode())
	}
}

func TestResetClearsBookkeeping(t *testing.T) {
	b := &Backend{Progress: Progress{Sent: 10, Iteration: 2}}
	b.Fail(nil, xcperr.EINVAL)
	b.Arguments = b.Arguments.AppendBool("x", true)
	b.Reset()
	if b.ErrorCode() != 0 {
		t.Fatalf("expected cleared error, got %v", b.ErrorCode())
	}
	if b.Arguments != nil {
		t.Fatalf("expected cleared arguments, got %+v", b.Arguments)
	}
	if b.Progress.Iteration != -1 {
		t.Fatalf("expected Iteration reset to -1, got %d", b.Progress.Iteration)
	}
}
