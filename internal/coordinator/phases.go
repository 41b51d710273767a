package coordinator

import (
	"github.com/xcp-ng/xcp-emu-manager/internal/argdata"
	"github.com/xcp-ng/xcp-emu-manager/internal/migreg"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

// orchestratorHandler is the inbound-line handler used throughout a
// run: restore:<name> and anything unrecognized.
func (c *Coordinator) orchestratorHandler(line string) error {
	const prefix = "restore:"
	if len(line) > len(prefix) && line[:len(prefix)] == prefix {
		name := line[len(prefix):]
		b, ok := c.reg.ByName(name)
		if !ok || b.GetState() != migreg.StateInitialized {
			return xcperr.EINVAL
		}
		b.SetState(migreg.StateRestoring)
		if b.Stream != nil {
			b.Stream.SetBusy(true)
		}
		return b.Client.Send("restore", nil, -1)
	}
	return xcperr.EINVAL
}

// Save drives §4.4.5 end-to-end.
func (c *Coordinator) Save(orchFD int, live bool) error {
	run := func() error {
		if live {
			if err := c.requestTrack(); err != nil {
				return err
			}
			if err := c.migrateLive(orchFD); err != nil {
				return err
			}
			if err := c.waitLiveStageDone(orchFD); err != nil {
				return err
			}
		}
		if err := c.orch.Suspend(c.orchestratorHandler); err != nil {
			return err
		}
		if err := c.migratePaused(); err != nil {
			return err
		}
		if err := c.waitMigrateLiveFinished(orchFD); err != nil {
			return err
		}
		if err := c.migrateNonLive(orchFD); err != nil {
			return err
		}
		return c.orch.FinalSuccess()
	}

	if err := run(); err != nil {
		// abortSave runs on every failure, an orchestrator "abort"
		// included. It is best-effort and never returns an error of
		// its own to weigh against the original failure, so err is
		// reported as-is.
		c.abortSave()
		return err
	}
	return nil
}

func (c *Coordinator) requestTrack() error {
	for _, b := range c.reg.WithCap(migreg.CapEnabled) {
		switch b.Kind {
		case migreg.KindEMP:
			if err := b.Client.Send("track_dirty", nil, -1); err != nil {
				return err
			}
			if err := b.Client.Send("migrate_progress", nil, -1); err != nil {
				return err
			}
		case migreg.KindQMPLibxl:
			args := argdata.List{}.AppendBool("enable", true)
			if err := b.Client.Send("xen-set-global-dirty-log", args, -1); err != nil {
				return err
			}
			b.Client.Close()
			// Disconnected: clearing its flags keeps the closed socket
			// out of Poll and every later phase.
			b.Caps = 0
		}
	}
	return nil
}

func (c *Coordinator) migrateLive(orchFD int) error {
	for _, b := range c.reg.WithCap(migreg.CapMigrateLive) {
		if b.Stream != nil {
			if err := b.Stream.SetBusy(true); err != nil {
				return err
			}
		}
		if err := c.orch.Prepare(c.orchestratorHandler, b.Name); err != nil {
			return err
		}
		if err := b.Client.Send("migrate_live", nil, -1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) waitLiveStageDone(orchFD int) error {
	return c.Process(orchFD, c.orchestratorHandler, func(b *migreg.Backend) bool {
		return b.Caps.Has(migreg.CapWaitLiveStageDone) && b.GetState() < migreg.StateLiveStageDone
	})
}

func (c *Coordinator) migratePaused() error {
	paused := c.reg.WithCap(migreg.CapMigratePaused)
	for _, b := range paused {
		if err := b.Client.Send("migrate_pause", nil, -1); err != nil {
			return err
		}
	}
	for _, b := range paused {
		if err := b.Client.Send("migrate_paused", nil, -1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) waitMigrateLiveFinished(orchFD int) error {
	return c.Process(orchFD, c.orchestratorHandler, func(b *migreg.Backend) bool {
		return b.Caps.Has(migreg.CapMigrateLive) && b.GetState() < migreg.StateMigrationDone
	})
}

func (c *Coordinator) migrateNonLive(orchFD int) error {
	for _, b := range c.reg.WithCap(migreg.CapMigrateNonLive) {
		if b.Stream != nil {
			if err := b.Stream.SetBusy(true); err != nil {
				return err
			}
		}
		if err := c.orch.Prepare(c.orchestratorHandler, b.Name); err != nil {
			return err
		}
		if err := b.Client.Send("migrate_nonlive", nil, -1); err != nil {
			return err
		}
		if err := c.waitOne(orchFD, b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) waitOne(orchFD int, target *migreg.Backend) error {
	return c.Process(orchFD, c.orchestratorHandler, func(b *migreg.Backend) bool {
		return b == target && b.GetState() < migreg.StateMigrationDone
	})
}

// abortSave sends migrate_abort to every EMP backend eligible to
// receive it (best-effort: errors are swallowed, since we're already
// unwinding a failure).
func (c *Coordinator) abortSave() {
	for _, b := range c.reg.WithCap(migreg.CapEnabled) {
		if b.Kind != migreg.KindEMP || b.Client == nil {
			continue
		}
		b.Client.Send("migrate_abort", nil, -1)
	}
}

// Restore drives §4.4.6.
func (c *Coordinator) Restore(orchFD int) error {
	enabled := c.reg.WithCap(migreg.CapEnabled)
	remaining := len(enabled)

	for remaining > 0 {
		err := c.Poll(orchFD, c.orchestratorHandler)
		switch {
		case err == nil:
		case err == xcperr.ETIME:
		default:
			return err
		}
		for _, b := range enabled {
			if b.GetState() != migreg.StateMigrationDone {
				continue
			}
			lit := ""
			if b.Progress.Result != "" {
				lit = argdata.QuoteString(b.Progress.Result)
			}
			if err := c.orch.Result(b.Name, lit); err != nil {
				return err
			}
			b.SetState(migreg.StateCompleted)
			remaining--
		}
	}
	return nil
}

// Disconnect tears down every backend's channel (§4.4.7): EMP backends
// spawned from a path are sent a best-effort quit first, then the
// socket is closed and the shared stream's refcount released.
func (c *Coordinator) Disconnect() {
	for _, b := range c.reg.WithCap(migreg.CapEnabled) {
		if b.Client == nil {
			continue
		}
		if b.Kind == migreg.KindEMP && b.Path != "" {
			b.Client.Send("quit", nil, -1)
		}
		b.Client.Close()
		if b.Stream != nil {
			b.Stream.Release()
		}
	}
}

// Clean resets per-backend state for the next potential run (in
// practice, process exit).
func (c *Coordinator) Clean() {
	for _, b := range c.reg.All() {
		b.Reset()
	}
}
