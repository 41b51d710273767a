// Package orchestrator implements the coordinator's channel to its
// caller: a bidirectional, newline-delimited text protocol carried on
// two file descriptors (§4.1 of the design).
package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/xcp-ng/xcp-emu-manager/internal/iox"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

// BufferSize is the orchestrator channel's read buffer capacity. A
// protocol-level constant, kept as an overridable variable so tests can
// exercise the EMSGSIZE boundary without constructing a 128-byte input.
var BufferSize = 128

const (
	ackTimeout  = 120 * time.Second
	readTimeout = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Reader is satisfied by the inbound control fd (wrapped via
// iox.NewFileFromFD).
type Reader = iox.Deadliner

// Handler processes one decoded inbound line. It returns an error to
// abort the receive loop. "done" and "abort" are handled by the channel
// itself (the latter as xcperr.ESHUTDOWN) and never reach the handler.
type Handler func(line string) error

// Channel is the orchestrator control channel.
type Channel struct {
	in  Reader
	out Reader

	buf        []byte
	bufLen     int
	waitingAck bool

	lastPercentSent int
	havePercentSent bool
}

// New builds a Channel over in (read side) and out (write side); the
// entry point passes two *os.File values wrapping --controlinfd and
// --controloutfd.
func New(in, out Reader) *Channel {
	return &Channel{in: in, out: out, buf: make([]byte, 0, BufferSize)}
}

func (c *Channel) send(line string) error {
	return iox.WriteAllTimeout(c.out, []byte(line+"\n"), writeTimeout)
}

// Prepare sends "prepare:<name>" and blocks until "done" is
// acknowledged.
func (c *Channel) Prepare(handler Handler, name string) error {
	return c.sendAndAwaitAck(handler, "prepare:"+name)
}

// Suspend sends "suspend:" and blocks until "done" is acknowledged.
func (c *Channel) Suspend(handler Handler) error {
	return c.sendAndAwaitAck(handler, "suspend:")
}

// Result sends a per-backend or overall result line. lit, if non-empty,
// is appended as a space-separated literal (e.g. the backend's reported
// result string).
func (c *Channel) Result(name, lit string) error {
	if c.waitingAck {
		return xcperr.EINVAL
	}
	if lit == "" {
		return c.send("result:" + name)
	}
	return c.send(fmt.Sprintf("result:%s %s", name, lit))
}

// FinalSuccess sends the overall-success result line.
func (c *Channel) FinalSuccess() error {
	if c.waitingAck {
		return xcperr.EINVAL
	}
	return c.send("result:0 0")
}

// Error sends the single user-visible failure line. name may be empty.
func (c *Channel) Error(name, message string) error {
	if name == "" {
		return c.send("error:" + message)
	}
	return c.send(fmt.Sprintf("error:%s %s", name, message))
}

// Progress sends an "info:" tick, but only when percent differs from
// the last value sent (invariant/boundary 13).
func (c *Channel) Progress(percent int) error {
	if c.havePercentSent && percent == c.lastPercentSent {
		return nil
	}
	c.lastPercentSent = percent
	c.havePercentSent = true
	return c.send(fmt.Sprintf("info:\b\b\b\b%d", percent))
}

func (c *Channel) sendAndAwaitAck(handler Handler, line string) error {
	if c.waitingAck {
		// Sending a new message while an ACK is pending is a
		// programming error, not a protocol violation by the peer.
		panic("orchestrator: send while ACK pending")
	}
	if err := c.send(line); err != nil {
		return err
	}
	c.waitingAck = true
	return c.ReceiveAndProcess(handler, ackTimeout)
}

// ReceiveAndProcess reads and dispatches inbound lines while an ACK is
// pending, returning once it clears or deadline elapses; with no ACK
// pending it returns at once without reading. A hard timeout here is always an error
// (xcperr.ETIME): unlike the coordinator's top-level poll loop, this is
// only called when the caller specifically needs input before
// proceeding.
func (c *Channel) ReceiveAndProcess(handler Handler, deadline time.Duration) error {
	start := time.Now()
	for {
		if !c.waitingAck {
			return nil
		}
		remaining := deadline - time.Since(start)
		if remaining <= 0 {
			return xcperr.ETIME
		}
		if err := c.fill(remaining); err != nil {
			return err
		}
		for {
			line, ok := c.popLine()
			if !ok {
				break
			}
			if err := c.dispatch(handler, line); err != nil {
				return err
			}
		}
		if !c.waitingAck {
			return nil
		}
		if time.Since(start) >= deadline {
			return xcperr.ETIME
		}
	}
}

// RecvOnce performs a single bounded read-and-dispatch pass without
// waiting for an ACK; used by the coordinator's event loop after Poll
// reports the orchestrator fd readable.
func (c *Channel) RecvOnce(handler Handler, timeout time.Duration) error {
	if err := c.fill(timeout); err != nil {
		if err == xcperr.ETIME {
			return nil
		}
		return err
	}
	for {
		line, ok := c.popLine()
		if !ok {
			return nil
		}
		if err := c.dispatch(handler, line); err != nil {
			return err
		}
	}
}

func (c *Channel) dispatch(handler Handler, line string) error {
	if line == "done" {
		if !c.waitingAck {
			return xcperr.EINVAL
		}
		c.waitingAck = false
		return nil
	}
	if line == "abort" {
		return xcperr.ESHUTDOWN
	}
	return handler(line)
}

// fill reads more data into the buffer after the bytes it already holds
// (popLine does the compacting). A full buffer with no newline is fatal
// (boundary 9).
func (c *Channel) fill(timeout time.Duration) error {
	if timeout <= 0 {
		// RecvOnce(0) is only ever called right after Poll has reported
		// this fd POLLIN, so the read below will not actually block; a
		// literal zero-duration deadline would instead race the read
		// itself and could spuriously time out a ready fd. Substitute
		// the full read-timeout constant rather than an instant one.
		timeout = readTimeout
	}
	if cap(c.buf)-c.bufLen == 0 {
		if !strings.Contains(string(c.buf[:c.bufLen]), "\n") {
			return xcperr.EMSGSIZE
		}
	}
	c.buf = c.buf[:cap(c.buf)]
	n, err := iox.ReadTimeout(c.in, c.buf[c.bufLen:], timeout)
	c.buf = c.buf[:c.bufLen+n]
	c.bufLen += n
	return err
}

// popLine extracts and removes the first complete "\n"-terminated line
// from the buffer, compacting the remainder to the front.
func (c *Channel) popLine() (string, bool) {
	idx := indexByte(c.buf[:c.bufLen], '\n')
	if idx < 0 {
		return "", false
	}
	line := string(c.buf[:idx])
	rest := c.bufLen - idx - 1
	copy(c.buf[:rest], c.buf[idx+1:c.bufLen])
	c.buf = c.buf[:cap(c.buf)][:rest]
	c.bufLen = rest
	return line, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// WaitingAck reports whether an ACK is currently outstanding, for
// invariant checks in tests.
func (c *Channel) WaitingAck() bool { return c.waitingAck }
