package coordinator

import (
	"fmt"
	"log"

	"github.com/xcp-ng/xcp-emu-manager/internal/iox"
	"github.com/xcp-ng/xcp-emu-manager/internal/migreg"
	"github.com/xcp-ng/xcp-emu-manager/internal/orchestrator"
	"github.com/xcp-ng/xcp-emu-manager/internal/stream"
)

// EMPBinaryPath is the xenguest executable location. It is a variable
// rather than a constant so tests can point it at a fake binary.
var EMPBinaryPath = "/usr/lib/xen/bin/xenguest"

// Coordinator owns the registry, the orchestrator channel, and the
// shared-stream bookkeeping for a single migration run.
type Coordinator struct {
	cfg     Config
	reg     *migreg.Registry
	streams *stream.Registry
	orch    *orchestrator.Channel
	log     *log.Logger

	children map[string]*childProc // populated by Fork
}

// New builds a Coordinator over cfg. orch is the orchestrator channel;
// logger receives diagnostic output (never the orchestrator's own
// protocol — see §10, Ambient Stack, for the syslog side channel).
func New(cfg Config, orch *orchestrator.Channel, logger *log.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		reg:      migreg.NewRegistry(EMPBinaryPath),
		streams:  stream.NewRegistry(),
		orch:     orch,
		log:      logger,
		children: make(map[string]*childProc),
	}
}

// Registry exposes the backend table, for tests and for the entry glue
// to report final exit status.
func (c *Coordinator) Registry() *migreg.Registry { return c.reg }

// Configure applies §4.4.1: capability derivation from the parsed
// flags, data-stream attachment, and close-on-exec marking.
func (c *Coordinator) Configure() error {
	for _, dm := range c.cfg.DMs {
		b, ok := c.reg.ByName(dm.Name)
		if !ok {
			return fmt.Errorf("unknown backend %q", dm.Name)
		}
		b.Caps |= migreg.CapEnabled | migreg.CapMigrateLive | migreg.CapWaitLiveStageDone | migreg.CapMigratePaused
		if dm.FD >= 0 {
			if b.Kind == migreg.KindQMPLibxl {
				return fmt.Errorf("backend %q does not accept a data stream", dm.Name)
			}
			s, err := c.streams.Attach(dm.FD)
			if err != nil {
				return err
			}
			b.Stream = s
			if err := iox.SetCloExec(dm.FD); err != nil {
				return err
			}
		}
	}

	if xg, ok := c.reg.ByName("xenguest"); ok && c.cfg.FD >= 0 {
		xg.Caps |= migreg.CapEnabled | migreg.CapMigrateLive | migreg.CapWaitLiveStageDone | migreg.CapMigratePaused
		s, err := c.streams.Attach(c.cfg.FD)
		if err != nil {
			return err
		}
		xg.Stream = s
		if err := iox.SetCloExec(c.cfg.FD); err != nil {
			return err
		}
	}

	for _, b := range c.reg.All() {
		if !b.Caps.Has(migreg.CapEnabled) {
			b.Caps = 0
			continue
		}
		switch {
		case b.Kind == migreg.KindEMP && !c.cfg.Live:
			b.Caps &^= migreg.CapMigrateLive | migreg.CapWaitLiveStageDone
			b.Caps |= migreg.CapMigrateNonLive
		case b.Kind == migreg.KindQMPLibxl && (!c.cfg.Live || c.cfg.Mode == ModeHVMRestore || c.cfg.Mode == ModeRestore):
			b.Caps = 0
		case b.Kind == migreg.KindQMPLibxl:
			// Live save: qemu's only role is requestTrack's dirty-log
			// enable, which disconnects it immediately afterward
			// (§4.4.5). It never takes part in migrate_live,
			// waitLiveStageDone, or migrate_paused.
			b.Caps &^= migreg.CapMigrateLive | migreg.CapWaitLiveStageDone | migreg.CapMigratePaused
		}
	}

	if xg, ok := c.reg.ByName("xenguest"); ok && xg.Caps.Has(migreg.CapEnabled) {
		args := xg.Arguments
		if c.cfg.StorePort != "" {
			args = args.AppendString("store_port", c.cfg.StorePort)
		}
		if c.cfg.ConsolePort != "" {
			args = args.AppendString("console_port", c.cfg.ConsolePort)
		}
		xg.Arguments = args
	}

	return nil
}
