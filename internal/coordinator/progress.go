package coordinator

import (
	"encoding/json"

	"github.com/xcp-ng/xcp-emu-manager/internal/migreg"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

// migrationEventData is the recognized shape of a MIGRATION event's
// "data" object (§4.2). All fields are optional; presence is tracked via
// pointers/RawMessage so "absent" and "zero" are distinguishable.
type migrationEventData struct {
	Status    *string `json:"status"`
	Result    *string `json:"result"`
	Remaining *int64  `json:"remaining"`
	Sent      *int64  `json:"sent"`
	Iteration *int32  `json:"iteration"`
}

// handleEMPEvent processes one EMP backend event (§4.2's "EMP event
// callback"). Only the MIGRATION event type carries meaning; anything
// else is ignored.
func (c *Coordinator) handleEMPEvent(b *migreg.Backend, eventType string, data json.RawMessage) error {
	if eventType != "MIGRATION" {
		return nil
	}

	var d migrationEventData
	if len(data) > 0 {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return xcperr.EINVAL
		}
		for k := range raw {
			switch k {
			case "status", "result", "remaining", "sent", "iteration":
			default:
				return xcperr.EINVAL
			}
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return xcperr.EINVAL
		}
	}

	if d.Status != nil {
		if *d.Status != "completed" {
			return xcperr.EREMOTEIO
		}
		b.SetState(migreg.StateMigrationDone)
		if b.Stream != nil {
			b.Stream.SetBusy(false)
		}
	}

	if d.Result != nil {
		b.Progress.Result = *d.Result
	}

	haveNumeric := d.Remaining != nil || d.Sent != nil || d.Iteration != nil
	if haveNumeric {
		remaining := b.Progress.Remaining
		sent := b.Progress.Sent
		iteration := b.Progress.Iteration
		if d.Remaining != nil {
			remaining = *d.Remaining
		}
		if d.Sent != nil {
			sent = *d.Sent
		}
		if d.Iteration != nil {
			iteration = *d.Iteration
		}

		if iteration == 0 && remaining == 0 {
			// The backend has not yet reported real iteration data.
			// The reference override of remaining to -1 here is dead
			// code in the original (the branch below is skipped
			// either way) — preserved behavior: counters are simply
			// not updated in this case.
		} else if remaining != -1 && iteration != b.Progress.Iteration {
			// A new iteration's baseline snapshot. Events that repeat
			// the current iteration only move sentMidIteration (the
			// smoothing sample below); sent/remaining/iteration are
			// the fixed start-of-iteration values against which that
			// sample is interpolated (see S5 in the design notes).
			b.Progress.Sent = sent
			b.Progress.Remaining = remaining
			b.Progress.Iteration = iteration
		}

		if d.Sent != nil {
			b.Progress.SentMidIteration = *d.Sent
		}

		c.pushProgress()

		if b.Progress.Iteration > 0 &&
			(b.Progress.Remaining <= 50 || b.Progress.Iteration >= 4) &&
			b.GetState() < migreg.StateLiveStageDone {
			b.SetState(migreg.StateLiveStageDone)
		}
	}

	return nil
}

// AggregatePercent computes the overall progress percentage (§4.5) from
// every backend with nonzero capability flags.
func AggregatePercent(backends []*migreg.Backend) int {
	var num, den float64
	for _, b := range backends {
		if b.Caps == 0 {
			continue
		}
		p := b.Progress
		if p.Iteration < 0 {
			den += float64(p.FakeTotal)
			if b.GetState() > migreg.StateLiveStageDone {
				num += float64(p.FakeTotal)
			}
			continue
		}
		den += float64(p.Sent + p.Remaining)
		num += float64(p.Sent) + 0.80*float64(p.SentMidIteration-p.Sent)
	}
	if den == 0 {
		return 0
	}
	return int(100 * num / den)
}

// pushProgress recomputes the aggregate and emits an info: tick if it
// changed.
func (c *Coordinator) pushProgress() {
	if c.orch == nil {
		return
	}
	percent := AggregatePercent(c.reg.Enabled())
	c.orch.Progress(percent)
}
