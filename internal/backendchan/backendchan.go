// Package backendchan implements the framed JSON channel used to talk
// to one emulator backend (§4.2 of the design): request/response with
// ACK gating, event dispatch, and optional ancillary file-descriptor
// passing. It generalizes the newline-delimited JSON-RPC channel
// pattern to the EMP/QMP_LIBXL dialect, whose frames are concatenated
// JSON objects with no delimiter at all — boundaries are found by
// scanning brace depth, not by splitting on a separator byte.
package backendchan

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/xcp-ng/xcp-emu-manager/internal/argdata"
	"github.com/xcp-ng/xcp-emu-manager/internal/iox"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

// BufferSize is the backend channel's read buffer capacity. Kept as an
// overridable variable so tests can exercise the EMSGSIZE boundary
// without a 1024-byte payload.
var BufferSize = 1024

const (
	ackTimeout  = 30 * time.Second
	readTimeout = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// EventFunc handles an {"event": "...", "data": {...}} frame.
type EventFunc func(eventType string, data json.RawMessage) error

// QMPFunc handles a top-level {"QMP": {...}} greeting frame.
type QMPFunc func(data json.RawMessage) error

// Client is a connected channel to one backend.
type Client struct {
	conn *net.UnixConn

	buf        []byte
	bufLen     int
	waitingAck bool

	onEvent EventFunc
	onQMP   QMPFunc
}

// Dial connects to path and returns a Client with no handlers attached;
// set OnEvent/OnQMP before the first Send/Recv.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := iox.DialUnix(path, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, buf: make([]byte, 0, BufferSize)}, nil
}

// OnEvent registers the event callback.
func (c *Client) OnEvent(f EventFunc) { c.onEvent = f }

// OnQMP registers the device-model greeting callback.
func (c *Client) OnQMP(f QMPFunc) { c.onQMP = f }

// FD returns the raw connection file descriptor, for Poll registration.
func (c *Client) FD() (int, error) { return iox.FD(c.conn) }

// Close closes the underlying socket.
func (c *Client) Close() error { return c.conn.Close() }

// Send issues a command and blocks until its "return" acknowledgment
// arrives (or an error/timeout occurs). fd, if >= 0, is sent as
// ancillary SCM_RIGHTS data alongside the request body (for commands
// flagged needs_fd, e.g. migrate_init).
func (c *Client) Send(cmd string, args argdata.List, fd int) error {
	if c.waitingAck {
		panic("backendchan: send while ACK pending")
	}
	body := []byte(argdata.RequestBody(cmd, args))

	var err error
	if fd >= 0 {
		err = iox.SendFD(c.conn, body, fd)
	} else {
		err = iox.WriteAllTimeout(c.conn, body, writeTimeout)
	}
	if err != nil {
		return err
	}

	c.waitingAck = true
	return c.awaitAck()
}

func (c *Client) awaitAck() error {
	start := time.Now()
	for c.waitingAck {
		remaining := ackTimeout - time.Since(start)
		if remaining <= 0 {
			return xcperr.ETIME
		}
		if err := c.pump(remaining); err != nil {
			return err
		}
	}
	return nil
}

// RecvOnce performs a single bounded read-and-dispatch pass, used by
// the coordinator's event loop once Poll reports this backend's fd
// readable. A plain timeout is not an error here — the caller will try
// again on its next poll wake-up.
func (c *Client) RecvOnce(timeout time.Duration) error {
	err := c.pump(timeout)
	if err == xcperr.ETIME {
		return nil
	}
	return err
}

// pump reads whatever is available (bounded by timeout), then drains
// and dispatches every complete frame currently buffered.
func (c *Client) pump(timeout time.Duration) error {
	if err := c.fill(timeout); err != nil {
		return err
	}
	for {
		frame, consumed, err := c.popFrame()
		if err != nil {
			return err
		}
		if !consumed {
			return nil
		}
		if err := c.dispatch(frame); err != nil {
			return err
		}
	}
}

func (c *Client) fill(timeout time.Duration) error {
	if timeout <= 0 {
		// RecvOnce(0) is only called after Poll has already reported
		// this socket POLLIN, so the read below will not block; a
		// literal zero-duration deadline would race the read instead
		// and could spuriously time out a ready fd. Substitute the
		// full read-timeout constant rather than an instant one.
		timeout = readTimeout
	}
	if c.bufLen == cap(c.buf) {
		if _, complete, _ := scanObject(c.buf[:c.bufLen]); !complete {
			return xcperr.EMSGSIZE
		}
	}
	c.buf = c.buf[:cap(c.buf)]
	n, err := iox.ReadTimeout(c.conn, c.buf[c.bufLen:], timeout)
	c.buf = c.buf[:c.bufLen+n]
	c.bufLen += n
	return err
}

// popFrame extracts and removes the first complete JSON object from
// the buffer, decoding it into a field map. consumed is false when the
// buffer holds no complete object yet (not an error).
func (c *Client) popFrame() (map[string]json.RawMessage, bool, error) {
	end, complete, err := scanObject(c.buf[:c.bufLen])
	if err != nil {
		return nil, false, err
	}
	if !complete {
		return nil, false, nil
	}
	raw := c.buf[:end]
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, false, xcperr.EINVAL
	}

	rest := c.bufLen - end
	copy(c.buf[:rest], c.buf[end:c.bufLen])
	c.buf = c.buf[:cap(c.buf)][:rest]
	c.bufLen = rest
	return frame, true, nil
}

func (c *Client) dispatch(frame map[string]json.RawMessage) error {
	if _, ok := frame["return"]; ok {
		if !c.waitingAck {
			return xcperr.EINVAL
		}
		c.waitingAck = false
		return nil
	}
	if raw, ok := frame["error"]; ok {
		var msg string
		json.Unmarshal(raw, &msg)
		return fmt.Errorf("%w: %s", xcperr.EINVAL, msg)
	}
	if raw, ok := frame["event"]; ok {
		var eventType string
		if err := json.Unmarshal(raw, &eventType); err != nil {
			return xcperr.EINVAL
		}
		if c.onEvent == nil {
			return nil
		}
		return c.onEvent(eventType, frame["data"])
	}
	if raw, ok := frame["QMP"]; ok {
		if c.onQMP == nil {
			return nil
		}
		return c.onQMP(raw)
	}
	if _, ok := frame["timestamp"]; ok && len(frame) == 1 {
		return nil
	}
	return xcperr.EINVAL
}

// WaitingAck reports whether an ACK is currently outstanding.
func (c *Client) WaitingAck() bool { return c.waitingAck }

// scanObject looks for one complete top-level JSON object at the start
// of buf (after skipping leading whitespace), tracking string/escape
// state so that braces inside string literals are not mistaken for
// structural nesting. It returns the end offset (exclusive) of the
// object when complete; otherwise complete is false and the whole
// buffer should be retained for the next read.
func scanObject(buf []byte) (end int, complete bool, err error) {
	i := 0
	n := len(buf)
	for i < n && isJSONSpace(buf[i]) {
		i++
	}
	if i == n {
		return 0, false, nil
	}
	if buf[i] != '{' {
		return 0, false, xcperr.EINVAL
	}
	depth := 0
	inString := false
	escaped := false
	for ; i < n; i++ {
		b := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true, nil
			}
		}
	}
	return 0, false, nil
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
