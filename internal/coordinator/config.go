// Package coordinator implements the migration coordinator: the phase
// sequencer, the poll-driven event loop, and progress aggregation that
// drive one or more emulator backends through a save or restore (§4.4,
// §4.5, §4.6 of the design).
package coordinator

import "fmt"

// Mode is the top-level operation requested on the command line.
type Mode int

const (
	ModeHVMSave Mode = iota
	ModeSave
	ModeHVMRestore
	ModeRestore
)

// ParseMode parses one of the four accepted --mode values.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "hvm_save":
		return ModeHVMSave, nil
	case "save":
		return ModeSave, nil
	case "hvm_restore":
		return ModeHVMRestore, nil
	case "restore":
		return ModeRestore, nil
	default:
		return 0, fmt.Errorf("invalid mode %q", s)
	}
}

// IsRestore reports whether m is one of the restore modes.
func (m Mode) IsRestore() bool { return m == ModeHVMRestore || m == ModeRestore }

func (m Mode) String() string {
	switch m {
	case ModeHVMSave:
		return "hvm_save"
	case ModeSave:
		return "save"
	case ModeHVMRestore:
		return "hvm_restore"
	case ModeRestore:
		return "restore"
	default:
		return "unknown"
	}
}

// DMSpec is one --dm flag occurrence: a backend name and an optional
// attached data-stream fd (-1 if none given).
type DMSpec struct {
	Name string
	FD   int
}

// Config is the fully parsed command-line configuration (§6).
type Config struct {
	DomID        int
	FD           int // xenguest's data-stream fd, -1 if not given
	ControlInFD  int
	ControlOutFD int
	StorePort    string
	ConsolePort  string
	Live         bool
	Mode         Mode
	DMs          []DMSpec
	Debug        bool
}
