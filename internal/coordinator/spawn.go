package coordinator

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/xcp-ng/xcp-emu-manager/internal/migreg"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

const (
	readyTimeout   = 180 * time.Second
	reapDeadline   = 60 * time.Second
	connectTimeout = 10 * time.Second
)

var readyBanner = []byte("Ready\n")

// childProc tracks one spawned EMP backend process.
type childProc struct {
	backend *migreg.Backend
	cmd     *exec.Cmd
	exitCh  chan error // delivers cmd.Wait()'s result exactly once
}

// Fork spawns every enabled, path-bearing EMP backend (§4.4.2) and
// blocks until each prints "Ready\n" on its redirected stdout, or the
// per-child 180-second timeout elapses.
func (c *Coordinator) Fork() error {
	for _, b := range c.reg.WithCap(migreg.CapEnabled) {
		if b.Kind != migreg.KindEMP || b.Path == "" {
			continue
		}
		if err := c.forkOne(b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) forkOne(b *migreg.Backend) error {
	cmd := exec.Command(b.Path,
		"-debug",
		"-domid", strconv.Itoa(c.cfg.DomID),
		"-controloutfd", "2",
		"-controlinfd", "0",
		"-mode", "listen",
	)
	cmd.Env = []string{
		"LD_PRELOAD=/usr/libexec/coreutils/libstdbuf.so",
		"_STDBUF_O=0",
	}
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	b.PID = cmd.Process.Pid

	readyCh := make(chan error, 1)
	go func() {
		buf := make([]byte, len(readyBanner))
		n, err := readFull(stdout, buf)
		if err != nil {
			readyCh <- err
			return
		}
		if n != len(readyBanner) || string(buf) != string(readyBanner) {
			readyCh <- xcperr.EINVAL
			return
		}
		readyCh <- nil
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return fmt.Errorf("backend %s failed to start: %w", b.Name, err)
		}
	case <-time.After(readyTimeout):
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("backend %s did not become ready in time", b.Name)
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	c.children[b.Name] = &childProc{backend: b, cmd: cmd, exitCh: exitCh}
	return nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WaitTermination reaps every spawned child (§4.4.7): it waits up to
// reapDeadline for children to exit on their own, classifying each
// exit (signal vs. nonzero status) into the backend's error latch when
// no earlier error was recorded; anything still alive when the deadline
// elapses is SIGKILLed and waited on unconditionally.
func (c *Coordinator) WaitTermination() {
	if len(c.children) == 0 {
		return
	}

	remaining := make(map[string]*childProc, len(c.children))
	for name, ch := range c.children {
		remaining[name] = ch
	}

	deadline := time.After(reapDeadline)
	type exitEvent struct {
		name string
		err  error
	}
	events := make(chan exitEvent, len(remaining))
	for name, ch := range remaining {
		name, ch := name, ch
		go func() { err := <-ch.exitCh; events <- exitEvent{name, err} }()
	}

	for len(remaining) > 0 {
		select {
		case ev := <-events:
			child, ok := remaining[ev.name]
			if !ok {
				continue
			}
			classifyExit(c.reg, child.backend, ev.err)
			delete(remaining, ev.name)
		case <-deadline:
			for _, child := range remaining {
				if child.cmd.Process != nil {
					child.cmd.Process.Kill()
				}
			}
			// Each remaining child's forwarder goroutine delivers
			// exactly one event once the kill has been reaped.
			for range remaining {
				ev := <-events
				classifyExit(c.reg, remaining[ev.name].backend, nil)
			}
			remaining = nil
		}
	}
}

func classifyExit(reg *migreg.Registry, b *migreg.Backend, waitErr error) {
	if b.ErrorCode() != 0 {
		return
	}
	if waitErr == nil {
		return
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if exitErr.ProcessState != nil && !exitErr.ProcessState.Exited() {
			b.Fail(reg, xcperr.Killed)
			return
		}
		b.Fail(reg, xcperr.ExitedWithError)
		return
	}
	b.Fail(reg, xcperr.ExitedWithError)
}
