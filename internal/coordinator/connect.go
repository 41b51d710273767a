package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xcp-ng/xcp-emu-manager/internal/backendchan"
	"github.com/xcp-ng/xcp-emu-manager/internal/migreg"
)

// socketPath computes the kind-appropriate connect path for a backend
// (§4.4.3).
func socketPath(b *migreg.Backend, domID int) string {
	switch b.Kind {
	case migreg.KindEMP:
		return fmt.Sprintf("/run/xen/%s-control-%d", b.Name, domID)
	case migreg.KindQMPLibxl:
		return fmt.Sprintf("/var/run/xen/qmp-libxl-%d", domID)
	default:
		return ""
	}
}

// Connect dials every enabled backend's control socket and attaches the
// kind-appropriate event callback.
func (c *Coordinator) Connect() error {
	for _, b := range c.reg.WithCap(migreg.CapEnabled) {
		path := socketPath(b, c.cfg.DomID)
		client, err := backendchan.Dial(path, connectTimeout)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", b.Name, err)
		}
		b.Client = client
		c.attachCallback(b)
	}
	return nil
}

func (c *Coordinator) attachCallback(b *migreg.Backend) {
	switch b.Kind {
	case migreg.KindEMP:
		b.Client.OnEvent(func(eventType string, data json.RawMessage) error {
			return c.handleEMPEvent(b, eventType, data)
		})
	case migreg.KindQMPLibxl:
		b.Client.OnQMP(func(data json.RawMessage) error {
			b.QMPConnectionEstablished = true
			return nil
		})
	}
}

// Init runs §4.4.4: the QMP_LIBXL capabilities handshake, the EMP
// migrate_init data-stream hand-off, and set_args for any backend with
// queued arguments.
func (c *Coordinator) Init() error {
	for _, b := range c.reg.WithCap(migreg.CapEnabled) {
		if b.Kind == migreg.KindQMPLibxl {
			if err := c.waitQMPGreeting(b); err != nil {
				return err
			}
			if err := b.Client.Send("qmp_capabilities", nil, -1); err != nil {
				return err
			}
			b.SetState(migreg.StateInitialized)
		}
	}

	for _, b := range c.reg.WithCap(migreg.CapEnabled) {
		if b.Kind != migreg.KindEMP || b.Stream == nil {
			continue
		}
		if err := b.Client.Send("migrate_init", nil, b.Stream.FD()); err != nil {
			return err
		}
		if err := b.Stream.ConsumeUse(); err != nil {
			return err
		}
		b.SetState(migreg.StateInitialized)
	}

	for _, b := range c.reg.WithCap(migreg.CapEnabled) {
		if len(b.Arguments) == 0 {
			continue
		}
		if err := b.Client.Send("set_args", b.Arguments, -1); err != nil {
			return err
		}
		if b.GetState() == migreg.StateUninitialized {
			b.SetState(migreg.StateInitialized)
		}
	}
	return nil
}

// waitQMPGreeting blocks, via the ordinary RecvOnce poll rhythm, until
// the device-model backend's first frame (its QMP greeting) arrives.
func (c *Coordinator) waitQMPGreeting(b *migreg.Backend) error {
	deadline := time.Now().Add(connectTimeout)
	for !b.QMPConnectionEstablished {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for QMP greeting from %s", b.Name)
		}
		if err := b.Client.RecvOnce(200 * time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}
