package main

import (
	"testing"

	"github.com/xcp-ng/xcp-emu-manager/internal/coordinator"
)

func TestParseFlagsHappyPath(t *testing.T) {
	cfg, debug, forkArg, err := parseFlags([]string{
		"--domid", "5",
		"--controlinfd", "0",
		"--controloutfd", "1",
		"--mode", "save",
		"--fd", "7",
		"--store_port", "123",
		"--console_port", "456",
		"--live", "false",
		"--dm", "qemu:9",
		"--dm", "xenguest",
		"--fork", "1",
		"--debug",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !debug {
		t.Fatal("expected debug true")
	}
	if forkArg != "1" {
		t.Fatalf("expected forkArg %q, got %q", "1", forkArg)
	}
	if cfg.DomID != 5 || cfg.ControlInFD != 0 || cfg.ControlOutFD != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Mode != coordinator.ModeSave {
		t.Fatalf("expected ModeSave, got %v", cfg.Mode)
	}
	if cfg.FD != 7 || cfg.StorePort != "123" || cfg.ConsolePort != "456" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Live {
		t.Fatal("expected Live false")
	}
	if len(cfg.DMs) != 2 || cfg.DMs[0].Name != "qemu" || cfg.DMs[0].FD != 9 || cfg.DMs[1].Name != "xenguest" || cfg.DMs[1].FD != -1 {
		t.Fatalf("unexpected DMs: %+v", cfg.DMs)
	}
}

func TestParseFlagsMissingRequired(t *testing.T) {
	if _, _, _, err := parseFlags([]string{"--domid", "1"}); err == nil {
		t.Fatal("expected error for missing required flags")
	}
}

func TestParseFlagsInvalidLiveValue(t *testing.T) {
	_, _, _, err := parseFlags([]string{
		"--domid", "1", "--controlinfd", "0", "--controloutfd", "1",
		"--mode", "save", "--live", "maybe",
	})
	if err == nil {
		t.Fatal("expected error for invalid --live value")
	}
}

func TestParseFlagsInvalidMode(t *testing.T) {
	_, _, _, err := parseFlags([]string{
		"--domid", "1", "--controlinfd", "0", "--controloutfd", "1",
		"--mode", "bogus",
	})
	if err == nil {
		t.Fatal("expected error for invalid --mode value")
	}
}

func TestParseFlagsUnrecognized(t *testing.T) {
	_, _, _, err := parseFlags([]string{"--nonsense"})
	if err == nil {
		t.Fatal("expected error for unrecognized flag")
	}
}

func TestParseDM(t *testing.T) {
	dm, err := parseDM("qemu:42")
	if err != nil {
		t.Fatal(err)
	}
	if dm.Name != "qemu" || dm.FD != 42 {
		t.Fatalf("got %+v", dm)
	}

	dm2, err := parseDM("xenguest")
	if err != nil {
		t.Fatal(err)
	}
	if dm2.Name != "xenguest" || dm2.FD != -1 {
		t.Fatalf("got %+v", dm2)
	}

	if _, err := parseDM("qemu:abc"); err == nil {
		t.Fatal("expected error for non-numeric fd")
	}
}
