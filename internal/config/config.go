// Package config reads the environment variables that configure the
// broker and its helpers (spec.md §6), following the teacher's own
// env-var-wins precedence idiom.
package config

import (
	"os"

	"github.com/shirou/gopsutil/v3/host"
)

const (
	// DefaultSocketPath is the control-socket path used when
	// DINIT_DEVMON_SOCKET is unset (spec.md §6).
	DefaultSocketPath = "/run/devmond.sock"

	// DefaultRootService is the root service device-services are
	// wired under when DINIT_SYSTEM_SERVICE is unset (spec.md §4.5).
	DefaultRootService = "system"

	// ContainerSentinelPath is an additional "we are in a container"
	// signal (spec.md §6).
	ContainerSentinelPath = "/run/dinit/container"
)

// Config holds the broker's resolved environment.
type Config struct {
	// DummyMode forces devicesource.DummySource use even when a real
	// adapter is available.
	DummyMode bool

	// ControlSocketFD, if non-nil, names an already-open Init
	// Supervisor control-socket fd (DINIT_CS_FD). When nil, the
	// supervisor client dials the system default instead.
	ControlSocketFD *int

	// RootService is the service device-services are wired as a soft
	// dependency of.
	RootService string

	// SocketPath is the control-socket path the broker listens on.
	SocketPath string

	// ReadyFD, if non-nil, names an inherited pipe fd the broker writes
	// "READY=1\n" to once its startup enumeration has completed
	// (DINIT_READY_FD), mirroring the readiness protocol the Readiness
	// Client itself speaks to its own caller (spec.md §4.7).
	ReadyFD *int
}

// Load resolves Config from the process environment.
func Load() Config {
	cfg := Config{
		DummyMode:   dummyModeRequested(),
		RootService: DefaultRootService,
		SocketPath:  DefaultSocketPath,
	}
	if v := os.Getenv("DINIT_SYSTEM_SERVICE"); v != "" {
		cfg.RootService = v
	}
	if v := os.Getenv("DINIT_DEVMON_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if fd, ok := parseFDEnv("DINIT_CS_FD"); ok {
		cfg.ControlSocketFD = &fd
	}
	if fd, ok := parseFDEnv("DINIT_READY_FD"); ok {
		cfg.ReadyFD = &fd
	}
	return cfg
}

func parseFDEnv(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	fd := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0, false
		}
		fd = fd*10 + int(r-'0')
	}
	return fd, true
}

// dummyModeRequested evaluates every signal spec.md §4.2/§6 lists for
// forcing dummy mode: the two env vars, the sentinel file, and (as a
// supplemental signal, SPEC_FULL.md §2.12) gopsutil's virtualization
// role probe.
func dummyModeRequested() bool {
	if os.Getenv("DINIT_DEVMON_DUMMY_MODE") != "" {
		return true
	}
	if os.Getenv("DINIT_CONTAINER") == "1" {
		return true
	}
	if _, err := os.Stat(ContainerSentinelPath); err == nil {
		return true
	}
	if info, err := host.Info(); err == nil && info.VirtualizationRole == "guest" {
		return true
	}
	return false
}
