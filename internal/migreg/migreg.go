// Package migreg holds the backend registry: the fixed table of
// emulator backends, their capability flags, migration state machine,
// and per-backend progress and error bookkeeping (§3 of the design).
package migreg

import (
	"sync"

	"github.com/xcp-ng/xcp-emu-manager/internal/argdata"
	"github.com/xcp-ng/xcp-emu-manager/internal/backendchan"
	"github.com/xcp-ng/xcp-emu-manager/internal/stream"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

// Kind distinguishes the two backend wire dialects.
type Kind int

const (
	// KindEMP backends are spawned as children and speak the richer
	// command set, including file-descriptor passing.
	KindEMP Kind = iota
	// KindQMPLibxl backends are connected to only, and require a
	// capabilities handshake before anything else.
	KindQMPLibxl
)

// Capability is a bit in a backend's capability set.
type Capability uint8

const (
	CapEnabled Capability = 1 << iota
	CapMigrateLive
	CapWaitLiveStageDone
	CapMigratePaused
	CapMigrateNonLive
)

// Has reports whether all bits in want are set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// State is a point in the backend migration state machine. States are
// monotonically non-decreasing within a run (invariant 1).
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateRestoring
	StateLiveStageDone
	StateMigrationDone
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRestoring:
		return "restoring"
	case StateLiveStageDone:
		return "live_stage_done"
	case StateMigrationDone:
		return "migration_done"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Progress is the migration progress block for one backend (§3).
type Progress struct {
	Remaining        int64
	Sent             int64
	SentMidIteration int64
	Iteration        int32 // -1 means "no iteration data yet"
	FakeTotal        int64
	Result           string
}

// Backend is one entry in the fixed registry table.
type Backend struct {
	mu sync.Mutex

	Name string
	Path string // empty for connect-only backends
	Kind Kind

	Caps  Capability
	State State

	Client *backendchan.Client
	Stream *stream.Shared
	PID    int

	Arguments argdata.List
	Progress  Progress

	errLatch             xcperr.Latch
	isFirstFailedBackend bool

	// QMPConnectionEstablished is set once on observing the
	// device-model greeting banner.
	QMPConnectionEstablished bool
}

// SetState advances the backend's state. Callers are expected to only
// ever move forward; SetState does not itself enforce monotonicity.
func (b *Backend) SetState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.State = s
}

// GetState returns the current state.
func (b *Backend) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.State
}

// Fail latches err as the backend's first error (if none is latched
// yet) and, if this is the first failure across the whole registry,
// marks isFirstFailed. reg may be nil only in tests that don't care
// about cross-backend first-failure tracking.
func (b *Backend) Fail(reg *Registry, code xcperr.Code) {
	b.mu.Lock()
	firstForBackend := !b.errLatch.IsSet()
	b.errLatch.Set(code)
	b.mu.Unlock()

	if firstForBackend && reg != nil {
		reg.markFirstFailure(b)
	}
}

// ErrorCode returns the backend's latched error code, or 0 if none.
func (b *Backend) ErrorCode() xcperr.Code {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errLatch.Code()
}

// IsFirstFailedBackend reports whether this backend was the first in
// the registry to fail.
func (b *Backend) IsFirstFailedBackend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isFirstFailedBackend
}

// Reset clears per-run state (Clean, §4.4.7): arguments and the result
// string are dropped, progress counters zeroed, failure bookkeeping
// cleared.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Arguments = nil
	b.Progress = Progress{Iteration: -1}
	b.errLatch = xcperr.Latch{}
	b.isFirstFailedBackend = false
	b.QMPConnectionEstablished = false
}

// Registry is the fixed-cardinality backend table.
type Registry struct {
	mu               sync.Mutex
	backends         []*Backend
	firstFailureSeen bool
}

// NewRegistry builds the reference two-backend table: a paravirtualized
// EMP backend ("xenguest") and a device-model QMP_LIBXL backend
// ("qemu"). empPath is the xenguest executable path (empty disables
// spawning but the entry is still addressable by name).
func NewRegistry(empPath string) *Registry {
	r := &Registry{
		backends: []*Backend{
			{Name: "xenguest", Path: empPath, Kind: KindEMP, Progress: Progress{Iteration: -1}},
			{Name: "qemu", Kind: KindQMPLibxl, Progress: Progress{Iteration: -1}},
		},
	}
	return r
}

// All returns the backend table in fixed registry order.
func (r *Registry) All() []*Backend {
	return r.backends
}

// Enabled returns the subset of backends with CapEnabled set.
func (r *Registry) Enabled() []*Backend {
	out := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if b.Caps.Has(CapEnabled) {
			out = append(out, b)
		}
	}
	return out
}

// ByName looks up a backend by its registry name.
func (r *Registry) ByName(name string) (*Backend, bool) {
	for _, b := range r.backends {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}

// WithCap returns enabled backends that additionally have all of want
// set.
func (r *Registry) WithCap(want Capability) []*Backend {
	out := make([]*Backend, 0, len(r.backends))
	for _, b := range r.Enabled() {
		if b.Caps.Has(want) {
			out = append(out, b)
		}
	}
	return out
}

func (r *Registry) markFirstFailure(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstFailureSeen {
		return
	}
	r.firstFailureSeen = true
	b.mu.Lock()
	b.isFirstFailedBackend = true
	b.mu.Unlock()
}

// FirstFailed returns the backend flagged isFirstFailedBackend, if any.
func (r *Registry) FirstFailed() (*Backend, bool) {
	for _, b := range r.backends {
		if b.IsFirstFailedBackend() {
			return b, true
		}
	}
	return nil, false
}
