// Package xcperr defines the error domain shared by every component of the
// migration coordinator: POSIX-style errno values plus a handful of
// process-specific sentinels for backend exit conditions that have no errno
// equivalent.
package xcperr

import "fmt"

// Code is a POSIX-errno-like error value. Positive values reuse syscall
// numbering via the Errno constants below; negative values are sentinels
// with no kernel equivalent.
type Code int

// Sentinels. These mirror conditions the original C coordinator tracked
// with out-of-band flags rather than errno, because no child process exit
// path produces a real errno.
const (
	Disconnected    Code = -2 // peer closed its end of a channel unexpectedly
	Killed          Code = -3 // child process was terminated by a signal
	ExitedWithError Code = -4 // child process exited with a nonzero status
)

// Errno constants used throughout the coordinator. Values match the
// corresponding Linux errno numbers so that Code can round-trip through
// golang.org/x/sys/unix.Errno where convenient.
const (
	EPIPE     Code = 32
	ETIME     Code = 62
	ENOSPC    Code = 28
	EMSGSIZE  Code = 90
	ENOSTR    Code = 60
	EINVAL    Code = 22
	EREMOTEIO Code = 121
	ESHUTDOWN Code = 108
)

var names = map[Code]string{
	EPIPE:           "Broken pipe",
	ETIME:           "Timer expired",
	ENOSPC:          "No space left on device",
	EMSGSIZE:        "Message too long",
	ENOSTR:          "Device not a stream",
	EINVAL:          "Invalid argument",
	EREMOTEIO:       "Remote I/O error",
	ESHUTDOWN:       "Cannot send after transport endpoint shutdown",
	Disconnected:    "unexpectedly disconnected",
	Killed:          "was killed by a signal",
	ExitedWithError: "exited with an error",
}

// String renders the human-readable text used in orchestrator error:
// messages (see Error in §7 of the design).
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int(c))
}

// Error implements the error interface so Code can be returned directly
// wherever an error is expected.
func (c Code) Error() string {
	return c.String()
}

// IsShutdown reports whether err represents a clean, user-requested
// shutdown (an orchestrator "abort"), which is not a reportable failure.
func IsShutdown(err error) bool {
	var c Code
	if e, ok := err.(Code); ok {
		c = e
	} else if e, ok2 := asCode(err); ok2 {
		c = e
	} else {
		return false
	}
	return c == ESHUTDOWN
}

func asCode(err error) (Code, bool) {
	type coder interface{ Code() Code }
	if c, ok := err.(coder); ok {
		return c.Code(), true
	}
	return 0, false
}

// Latch freezes the first nonzero error assigned to a backend. Subsequent
// assignments are ignored once the latch holds a nonzero value: the
// process-wide contract is that a backend's recorded error is always the
// first one it encountered, never a later one that occurred during
// unwinding.
type Latch struct {
	code Code
	set  bool
}

// Set records err's code the first time it is called with a nonzero code.
// It is a no-op on every subsequent call once the latch is set.
func (l *Latch) Set(c Code) {
	if l.set || c == 0 {
		return
	}
	l.code = c
	l.set = true
}

// Code returns the latched code, or 0 if none was ever set.
func (l *Latch) Code() Code {
	return l.code
}

// IsSet reports whether a nonzero code has been latched.
func (l *Latch) IsSet() bool {
	return l.set
}

// Preserve runs cleanup and then returns err when err is non-nil, ignoring
// any error cleanup itself returns; cleanup's error is returned only when
// err is nil. Nothing is logged. This is the scoped-guard pattern referenced in the
// design notes: it replaces the reference implementation's "cache the
// process-wide last error, run a best-effort secondary operation, restore
// the cached value" idiom with an explicit, local control flow.
func Preserve(err error, cleanup func() error) error {
	if cerr := cleanup(); cerr != nil && err == nil {
		return cerr
	}
	return err
}
