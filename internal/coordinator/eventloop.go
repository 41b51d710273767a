package coordinator

import (
	"time"

	"github.com/xcp-ng/xcp-emu-manager/internal/iox"
	"github.com/xcp-ng/xcp-emu-manager/internal/migreg"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

const pollTimeout = 30 * time.Second

// Poll implements §4.6: one pass of the multiplexed event loop. It
// builds a pollfd set from the orchestrator's input fd and every
// enabled backend's socket fd, waits for readiness, then drains
// whichever fds became readable in fixed order (orchestrator first,
// then backends in registry order).
func (c *Coordinator) Poll(orchFD int, handler func(line string) error) error {
	enabled := c.reg.WithCap(migreg.CapEnabled)

	fds := make([]iox.PollFD, 0, 1+len(enabled))
	fds = append(fds, iox.PollFD{FD: int32(orchFD), Events: iox.PollIn})

	idx := make(map[int]*migreg.Backend, len(enabled))
	for _, b := range enabled {
		fd, err := b.Client.FD()
		if err != nil {
			return err
		}
		idx[len(fds)] = b
		fds = append(fds, iox.PollFD{FD: int32(fd), Events: iox.PollIn})
	}

	if err := iox.Poll(fds, pollTimeout); err != nil {
		return err
	}

	const fatalMask = iox.PollErr | iox.PollHup | iox.PollNval | iox.PollRdHup
	for i, f := range fds {
		if f.Revents&fatalMask == 0 {
			continue
		}
		if i == 0 {
			return xcperr.EINVAL
		}
		idx[i].Fail(c.reg, xcperr.EINVAL)
		return xcperr.EINVAL
	}

	if fds[0].Revents&iox.PollIn != 0 {
		if err := c.orch.RecvOnce(handler, 0); err != nil {
			return err
		}
	}

	for i := 1; i < len(fds); i++ {
		b := idx[i]
		if fds[i].Revents&iox.PollIn == 0 {
			continue
		}
		if err := b.Client.RecvOnce(0); err != nil {
			if err == xcperr.Disconnected {
				b.Fail(c.reg, xcperr.Disconnected)
				continue
			}
			return err
		}
	}
	return nil
}

// Process runs the event loop until no enabled backend satisfies
// predicate, emitting aggregate progress after every turn. A plain
// poll timeout is treated as "keep waiting"; xcperr.ESHUTDOWN (an
// orchestrator "abort") is fatal and propagates; any other error is
// fatal.
func (c *Coordinator) Process(orchFD int, handler func(line string) error, predicate func(*migreg.Backend) bool) error {
	for anyMatches(c.reg.WithCap(migreg.CapEnabled), predicate) {
		err := c.Poll(orchFD, handler)
		switch {
		case err == nil:
		case err == xcperr.ETIME:
		default:
			return err
		}
		c.pushProgress()
	}
	return nil
}

func anyMatches(backends []*migreg.Backend, predicate func(*migreg.Backend) bool) bool {
	for _, b := range backends {
		if predicate(b) {
			return true
		}
	}
	return false
}
