// Package stream implements the shared data-plane stream wrapper: a
// refcounted, use-counted handle around the file descriptor one or more
// backends read/write the guest's migrated state through.
//
// Two independent counters exist because they answer different
// questions. remainingUses counts how many backends still need to
// "consume" the descriptor during Init (§4.4.4) — when it reaches zero
// the local copy of the fd is no longer needed and is closed, handing
// full ownership to whichever child received it over SCM_RIGHTS.
// refCount counts how many backends still hold a reference to the
// *Shared wrapper itself — when it reaches zero nothing references the
// wrapper and it is released. Collapsing the two loses the ability to
// close the fd early (as soon as every backend has consumed its ticket)
// while the bookkeeping wrapper outlives it until teardown.
package stream

import (
	"sync"

	"github.com/xcp-ng/xcp-emu-manager/internal/iox"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

// Shared is one data-plane stream, possibly aliased by more than one
// backend.
type Shared struct {
	mu            sync.Mutex
	fd            int
	closed        bool
	isBusy        bool
	remainingUses int
	refCount      int
}

// Registry tracks Shared instances by their underlying fd so that two
// backends configured against the same fd number alias one wrapper
// instead of creating two.
type Registry struct {
	mu      sync.Mutex
	byFD    map[int]*Shared
}

// NewRegistry returns an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{byFD: make(map[int]*Shared)}
}

// Attach returns the Shared wrapper for fd, creating it on first use and
// validating fd's type/access mode per §4.3. Each call represents one
// backend attaching to the stream: it increments both remainingUses and
// refCount.
func (r *Registry) Attach(fd int) (*Shared, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byFD[fd]; ok {
		s.mu.Lock()
		s.remainingUses++
		s.refCount++
		s.mu.Unlock()
		return s, nil
	}

	mode, err := iox.StatFD(fd)
	if err != nil {
		return nil, err
	}
	if !mode.IsSocket && !mode.IsFIFO {
		ok := mode.AccessMode == 0 /* O_RDONLY */ || mode.Append
		if !ok {
			return nil, xcperr.ENOSTR
		}
	}

	s := &Shared{fd: fd, remainingUses: 1, refCount: 1}
	r.byFD[fd] = s
	return s, nil
}

// FD returns the underlying file descriptor. Valid only while the stream
// is not yet closed; callers must not retain it past a call that might
// close it.
func (s *Shared) FD() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

// IsBusy reports the current busy flag.
func (s *Shared) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBusy
}

// SetBusy toggles the busy flag. Setting it to its current value is a
// programming error (xcperr.EINVAL), per §4.3.
func (s *Shared) SetBusy(busy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isBusy == busy {
		return xcperr.EINVAL
	}
	s.isBusy = busy
	return nil
}

// ConsumeUse decrements remainingUses by one (a backend has finished
// handing the descriptor off, e.g. after migrate_init). When the count
// reaches zero the local fd is closed: every attached backend has now
// consumed its ticket, so whichever peer received the descriptor by
// SCM_RIGHTS owns the only surviving reference to the underlying file.
func (s *Shared) ConsumeUse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remainingUses > 0 {
		s.remainingUses--
	}
	if s.remainingUses == 0 && !s.closed && s.fd >= 0 {
		s.closed = true
		return iox.CloseFD(s.fd)
	}
	return nil
}

// RemainingUses reports the current use count, for tests and invariant
// checks.
func (s *Shared) RemainingUses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingUses
}

// RefCount reports the current reference count, for tests and invariant
// checks.
func (s *Shared) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

// Release decrements refCount (a backend has disconnected and no longer
// needs the wrapper). If the count reaches zero and the fd was not
// already closed by ConsumeUse, it is closed now.
func (s *Shared) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refCount > 0 {
		s.refCount--
	}
	if s.refCount == 0 && !s.closed && s.fd >= 0 {
		s.closed = true
		return iox.CloseFD(s.fd)
	}
	return nil
}
