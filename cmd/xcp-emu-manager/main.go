// xcp-emu-manager is the per-domain migration coordinator: it drives
// one or more emulator backends (a paravirtualized EMP engine and,
// optionally, a device-model QMP_LIBXL engine) through a live or
// offline save/restore, reporting progress and outcome to its caller
// over a pair of control file descriptors.
package main

import (
	"fmt"
	"log"
	"log/syslog"
	"os"
	"os/signal"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/xcp-ng/xcp-emu-manager/internal/coordinator"
	"github.com/xcp-ng/xcp-emu-manager/internal/iox"
	"github.com/xcp-ng/xcp-emu-manager/internal/orchestrator"
	"github.com/xcp-ng/xcp-emu-manager/internal/version"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: xcp-emu-manager --domid N --controlinfd N --controloutfd N --mode MODE [options]

Required:
  --domid <uint>            guest domain id
  --controlinfd <int>       orchestrator channel read fd
  --controloutfd <int>      orchestrator channel write fd
  --mode <hvm_save|save|hvm_restore|restore>

Options:
  --fd <int>                xenguest data-stream fd (save modes)
  --store_port <str>        appended to xenguest's argument list
  --console_port <str>      appended to xenguest's argument list
  --live <true|false>       live vs non-live migration (default true)
  --dm <name>[:<fd>]        enable an additional backend, repeatable
  --fork <ignored>          accepted for compatibility, no effect
  --debug                   add file:line to stderr log lines (no log levels)
  --help                    print this message and exit 0
  --version                 print the build version and exit 0`)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, debug, forkArg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}

	logger, closeLogger := setupLogging(cfg.DomID, debug)
	defer closeLogger()

	if forkArg != "" {
		logger.Printf("--fork %s accepted for compatibility, no effect", forkArg)
	}

	// The reference coordinator never expects a SIGPIPE to be fatal: a
	// backend or orchestrator peer closing its end is reported through
	// ordinary error returns (xcperr.Disconnected), not a signal.
	signal.Ignore(unix.SIGPIPE)

	in := iox.NewFileFromFD(cfg.ControlInFD, "control-in")
	out := iox.NewFileFromFD(cfg.ControlOutFD, "control-out")
	orch := orchestrator.New(in, out)

	code, name, msg := run(cfg, orch, logger)
	if code != 0 {
		orch.Error(name, msg)
	}
	os.Exit(code)
}

// run executes one full coordinator lifecycle and returns the process
// exit code plus, on failure, the first-failed backend's name (if any)
// and a human-readable message for the orchestrator's error: line.
func run(cfg coordinator.Config, orch *orchestrator.Channel, logger *log.Logger) (exitCode int, name, msg string) {
	c := coordinator.New(cfg, orch, logger)

	err := func() error {
		if err := c.Configure(); err != nil {
			return err
		}
		if err := c.Fork(); err != nil {
			return err
		}
		if err := c.Connect(); err != nil {
			return err
		}
		if err := c.Init(); err != nil {
			return err
		}
		if cfg.Mode.IsRestore() {
			return c.Restore(cfg.ControlInFD)
		}
		return c.Save(cfg.ControlInFD, cfg.Live)
	}()

	c.Disconnect()
	c.WaitTermination()
	c.Clean()

	if err == nil {
		return 0, "", ""
	}
	if xcperr.IsShutdown(err) {
		return 0, "", ""
	}

	if b, ok := c.Registry().FirstFailed(); ok {
		return 1, b.Name, b.ErrorCode().String()
	}
	if code, ok := err.(xcperr.Code); ok {
		return 1, "", code.String()
	}
	return 1, "", err.Error()
}

// parseFlags hand-scans os.Args in long-only style: a for loop over
// the argument slice with a switch on flag name, consuming the next
// argument when a value is expected. debug is returned separately
// since it affects logging setup rather than Config itself.
func parseFlags(args []string) (cfg coordinator.Config, debug bool, forkArg string, err error) {
	cfg = coordinator.Config{FD: -1, ControlInFD: -1, ControlOutFD: -1, Live: true}
	haveDomID, haveControlIn, haveControlOut, haveMode := false, false, false, false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--help":
			usage()
			os.Exit(0)
		case "--version":
			fmt.Println(version.Version())
			os.Exit(0)
		case "--debug":
			debug = true
		case "--domid":
			v, e := requireArg(args, &i, "--domid")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			n, e := strconv.Atoi(v)
			if e != nil || n < 0 {
				return cfg, debug, forkArg, fmt.Errorf("--domid requires a non-negative integer")
			}
			cfg.DomID = n
			haveDomID = true
		case "--fd":
			v, e := requireArg(args, &i, "--fd")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			n, e := strconv.Atoi(v)
			if e != nil {
				return cfg, debug, forkArg, fmt.Errorf("--fd requires an integer")
			}
			cfg.FD = n
		case "--controlinfd":
			v, e := requireArg(args, &i, "--controlinfd")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			n, e := strconv.Atoi(v)
			if e != nil {
				return cfg, debug, forkArg, fmt.Errorf("--controlinfd requires an integer")
			}
			cfg.ControlInFD = n
			haveControlIn = true
		case "--controloutfd":
			v, e := requireArg(args, &i, "--controloutfd")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			n, e := strconv.Atoi(v)
			if e != nil {
				return cfg, debug, forkArg, fmt.Errorf("--controloutfd requires an integer")
			}
			cfg.ControlOutFD = n
			haveControlOut = true
		case "--store_port":
			v, e := requireArg(args, &i, "--store_port")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			cfg.StorePort = v
		case "--console_port":
			v, e := requireArg(args, &i, "--console_port")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			cfg.ConsolePort = v
		case "--live":
			v, e := requireArg(args, &i, "--live")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			switch v {
			case "true":
				cfg.Live = true
			case "false":
				cfg.Live = false
			default:
				return cfg, debug, forkArg, fmt.Errorf("--live requires true or false, got %q", v)
			}
		case "--mode":
			v, e := requireArg(args, &i, "--mode")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			m, e := coordinator.ParseMode(v)
			if e != nil {
				return cfg, debug, forkArg, e
			}
			cfg.Mode = m
			haveMode = true
		case "--dm":
			v, e := requireArg(args, &i, "--dm")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			dm, e := parseDM(v)
			if e != nil {
				return cfg, debug, forkArg, e
			}
			cfg.DMs = append(cfg.DMs, dm)
		case "--fork":
			v, e := requireArg(args, &i, "--fork")
			if e != nil {
				return cfg, debug, forkArg, e
			}
			forkArg = v
		default:
			return cfg, debug, forkArg, fmt.Errorf("unrecognized flag %q", args[i])
		}
	}

	if !haveDomID {
		return cfg, debug, forkArg, fmt.Errorf("--domid is required")
	}
	if !haveControlIn || !haveControlOut {
		return cfg, debug, forkArg, fmt.Errorf("--controlinfd and --controloutfd are required")
	}
	if !haveMode {
		return cfg, debug, forkArg, fmt.Errorf("--mode is required")
	}
	cfg.Debug = debug
	return cfg, debug, forkArg, nil
}

func requireArg(args []string, i *int, flag string) (string, error) {
	if *i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", flag)
	}
	*i++
	return args[*i], nil
}

// parseDM parses one --dm occurrence: name, or name:fd.
func parseDM(s string) (coordinator.DMSpec, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			name := s[:i]
			fd, err := strconv.Atoi(s[i+1:])
			if err != nil {
				return coordinator.DMSpec{}, fmt.Errorf("invalid --dm fd in %q", s)
			}
			return coordinator.DMSpec{Name: name, FD: fd}, nil
		}
	}
	return coordinator.DMSpec{Name: s, FD: -1}, nil
}

// setupLogging opens the syslog side-channel at LOG_USER|LOG_MAIL with
// the program name suffixed "-<domId>" (§6), falling back to stderr
// logging if syslog is unreachable (e.g. running outside of a
// configured host during local testing).
func setupLogging(domID int, debug bool) (*log.Logger, func()) {
	tag := fmt.Sprintf("xcp-emu-manager-%d", domID)
	w, err := syslog.New(syslog.LOG_USER|syslog.LOG_MAIL, tag)
	if err != nil {
		logger := log.New(os.Stderr, tag+": ", log.LstdFlags)
		if debug {
			logger.SetFlags(log.LstdFlags | log.Lshortfile)
		}
		return logger, func() {}
	}
	logger := log.New(w, "", 0)
	return logger, func() { w.Close() }
}
