// Package iox collects the low-level transport primitives the coordinator
// is built on: bounded-timeout reads and writes, multi-fd readiness
// polling, and ancillary file-descriptor passing over a Unix domain
// socket. These operate at the raw file-descriptor layer because the
// event loop (§4.6 of the design) needs to wait on several heterogeneous
// fds — a pipe and one or more stream sockets — in a single poll(2) call,
// something net.Conn's deadline-based API cannot express.
package iox

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

// Deadliner is satisfied by *os.File and *net.UnixConn; both support
// per-operation read/write deadlines on Linux, including for pipes.
type Deadliner interface {
	io.ReadWriter
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// ReadTimeout reads from d into buf, returning however many bytes arrive
// before timeout elapses. A timeout with zero bytes read surfaces as
// xcperr.ETIME; any other I/O error is wrapped as-is. EOF and io.EOF both
// surface as xcperr.Disconnected, since every channel here is a pipe or
// socket whose peer closing is the caller's only signal that it is gone.
func ReadTimeout(d Deadliner, buf []byte, timeout time.Duration) (int, error) {
	if err := d.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := d.Read(buf)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		return n, xcperr.Disconnected
	}
	if isTimeout(err) {
		return n, xcperr.ETIME
	}
	if errors.Is(err, syscall.EPIPE) {
		return n, xcperr.Disconnected
	}
	return n, err
}

// WriteAllTimeout writes the entirety of buf to d, retrying partial writes
// until timeout elapses overall.
func WriteAllTimeout(d Deadliner, buf []byte, timeout time.Duration) error {
	if err := d.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	for len(buf) > 0 {
		n, err := d.Write(buf)
		buf = buf[n:]
		if err != nil {
			if isTimeout(err) {
				return xcperr.ETIME
			}
			if errors.Is(err, syscall.EPIPE) {
				return xcperr.Disconnected
			}
			return err
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// PollFD mirrors unix.PollFd with the field names used throughout this
// package's callers.
type PollFD struct {
	FD      int32
	Events  int16
	Revents int16
}

// Readiness bits, re-exported from golang.org/x/sys/unix so callers never
// need to import it directly.
const (
	PollIn   = unix.POLLIN
	PollErr  = unix.POLLERR
	PollHup  = unix.POLLHUP
	PollNval = unix.POLLNVAL
	PollRdHup = unix.POLLRDHUP
)

// Poll blocks until at least one of fds is ready or timeout elapses,
// mutating fds in place with observed Revents. It returns xcperr.ETIME on
// a plain timeout (zero fds ready).
func Poll(fds []PollFD, timeout time.Duration) error {
	raw := make([]unix.PollFd, len(fds))
	for i, f := range fds {
		raw[i] = unix.PollFd{Fd: f.FD, Events: f.Events}
	}
	ms := int(timeout / time.Millisecond)
	for {
		n, err := unix.Poll(raw, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		for i := range fds {
			fds[i].Revents = raw[i].Revents
		}
		if n == 0 {
			return xcperr.ETIME
		}
		return nil
	}
}

// FD extracts the raw file descriptor backing a *net.UnixConn or
// *os.File, for use in a PollFD entry or an ancillary-data send. Neither
// type's descriptor is expected to change for the object's lifetime, so
// the short-lived syscall.RawConn handed to Control is safe to discard
// immediately after reading Fd().
func FD(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	cerr := raw.Control(func(f uintptr) { fd = int(f) })
	if cerr != nil {
		return 0, cerr
	}
	return fd, nil
}

// DialUnix connects to a Unix domain stream socket at path, failing after
// timeout if the kernel has not completed the connection.
func DialUnix(path string, timeout time.Duration) (*net.UnixConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, xcperr.EINVAL
	}
	return uc, nil
}

// SendFD writes payload to conn with fd attached as ancillary data
// (SCM_RIGHTS), for the EMP backend commands flagged needs_fd. The
// standard library's net.UnixConn.WriteMsgUnix would work equally well
// here when both endpoints are already *net.UnixConn values; this
// operates directly on the underlying syscall fd because the caller may
// be handing off a file descriptor that was never wrapped in a net.Conn
// at all (the guest's data-stream fd, inherited from the orchestrator).
func SendFD(conn *net.UnixConn, payload []byte, fd int) error {
	sockFD, err := FD(conn)
	if err != nil {
		return err
	}
	rights := unix.UnixRights(fd)
	return unix.Sendmsg(sockFD, payload, rights, nil, 0)
}

// SetCloExec marks fd close-on-exec, used when configuring the shared
// data-stream descriptor so that children exec'd afterwards do not
// inherit it by accident (§4.4.1).
func SetCloExec(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	return err
}

// FileMode reports the type and access-mode bits of fd's underlying file,
// used by the shared-stream constructor to validate a data-stream
// candidate fd (§4.3): it must be a socket or FIFO, or else opened
// read-only or append-write.
type FileMode struct {
	IsSocket   bool
	IsFIFO     bool
	AccessMode int // O_RDONLY, O_WRONLY, or O_RDWR
	Append     bool
}

// StatFD inspects fd and the flags it was opened with.
func StatFD(fd int) (FileMode, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return FileMode{}, err
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return FileMode{}, err
	}
	mode := FileMode{
		IsSocket:   st.Mode&unix.S_IFMT == unix.S_IFSOCK,
		IsFIFO:     st.Mode&unix.S_IFMT == unix.S_IFIFO,
		AccessMode: flags & unix.O_ACCMODE,
		Append:     flags&unix.O_APPEND != 0,
	}
	return mode, nil
}

// NewFileFromFD wraps a raw, CLI-supplied fd (the orchestrator's control
// fds, typically inherited pipes) in an *os.File for deadline-aware I/O.
func NewFileFromFD(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}

// CloseFD closes a raw file descriptor directly, for descriptors that
// were never wrapped in an *os.File (the shared data-plane stream).
func CloseFD(fd int) error {
	return unix.Close(fd)
}
