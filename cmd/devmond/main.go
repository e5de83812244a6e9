// Command devmond is the Device Availability Broker (spec.md §1): it
// watches the kernel device model, answers dependency queries over a
// Unix control socket, and wires opt-in-tagged devices into the Init
// Supervisor as soft dependencies of a root service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/chimera-devmond/devmond/internal/broker"
	"github.com/chimera-devmond/devmond/internal/config"
	"github.com/chimera-devmond/devmond/internal/devicesource"
	"github.com/chimera-devmond/devmond/internal/devicetable"
	"github.com/chimera-devmond/devmond/internal/dinitctl"
	"github.com/chimera-devmond/devmond/internal/protocol"
	"github.com/chimera-devmond/devmond/internal/subscriber"
	"github.com/chimera-devmond/devmond/internal/supervisorbridge"
	"github.com/chimera-devmond/devmond/internal/usbenrich"
)

// notifierForwarder and bridgeForwarder break the construction cycle
// between devicetable.Table (needs a Notifier/Bridge at New time),
// subscriber.Registry (the Notifier, but needs the Table at New time)
// and supervisorbridge.Bridge (the Bridge, but also needs the Table):
// the Table is handed forwarders whose targets are filled in once the
// Registry and Bridge exist.
type notifierForwarder struct {
	r *subscriber.Registry
}

func (f *notifierForwarder) Notify(kind protocol.Tag, value string, status protocol.Status) {
	if f.r != nil {
		f.r.Notify(kind, value, status)
	}
}

type bridgeForwarder struct {
	b *supervisorbridge.Bridge
}

func (f *bridgeForwarder) HandleEvent(syspath string, removal bool, waitsFor []string) {
	if f.b != nil {
		f.b.HandleEvent(syspath, removal, waitsFor)
	}
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("devmond: ")

	cfg := config.Load()
	if err := applyArgs(&cfg, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "usage: %s [readiness-fd]\n", os.Args[0])
		log.Fatal(err)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

// applyArgs implements spec.md §6's CLI surface for the broker:
// "<program> [readiness-fd]", a single optional positional argument
// naming an inherited pipe fd. It takes precedence over DINIT_READY_FD
// when both are given, since the positional form is the one spec.md
// actually specifies.
func applyArgs(cfg *config.Config, args []string) error {
	switch len(args) {
	case 0:
		return nil
	case 1:
		fd, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("devmond: invalid readiness-fd %q: %w", args[0], err)
		}
		cfg.ReadyFD = &fd
		return nil
	default:
		return fmt.Errorf("devmond: expected at most one argument, got %d", len(args))
	}
}

func run(cfg config.Config) error {
	listenFD, err := bindListener(cfg.SocketPath)
	if err != nil {
		return err
	}

	source := selectSource(cfg)

	dinit, err := dialSupervisor(cfg)
	if err != nil {
		unix.Close(listenFD)
		return err
	}

	rootHandle, err := dinit.LoadServiceSync(cfg.RootService, true)
	if err != nil {
		unix.Close(listenFD)
		return fmt.Errorf("devmond: load root service %q: %w", cfg.RootService, err)
	}

	notifierFwd := &notifierForwarder{}
	bridgeFwd := &bridgeForwarder{}

	table := devicetable.New(notifierFwd, bridgeFwd)
	registry := subscriber.NewRegistry(table)
	notifierFwd.r = registry

	bridge := supervisorbridge.New(dinit, table, registry)
	bridge.SetRootHandle(rootHandle)
	bridgeFwd.b = bridge

	loop, err := broker.New(listenFD, table, registry, dinit, source)
	if err != nil {
		unix.Close(listenFD)
		return err
	}
	loop.SetUSBEnricher(usbenrich.New())
	table.SetEnrichRequester(loop)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	log.Printf("listening on %s (root service %q)", cfg.SocketPath, cfg.RootService)
	return loop.Run(ctx, cfg.ReadyFD)
}

func bindListener(path string) (int, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return -1, fmt.Errorf("devmond: remove stale socket %s: %w", path, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("devmond: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("devmond: bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("devmond: chmod %s: %w", path, err)
	}
	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("devmond: listen %s: %w", path, err)
	}
	return fd, nil
}

// selectSource honors DummyMode, then falls back to DummySource if the
// real udev adapter's startup enumeration fails (spec.md §4.2's
// dummy-mode degradation requirement).
func selectSource(cfg config.Config) devicesource.Source {
	if cfg.DummyMode {
		log.Printf("dummy mode: no device source")
		return devicesource.NewDummySource()
	}
	real := devicesource.NewRealSource()
	if _, err := real.Enumerate(devicesource.SubsystemFilter()); err != nil {
		log.Printf("real device source unavailable (%v), falling back to dummy mode", err)
		_ = real.Close()
		return devicesource.NewDummySource()
	}
	return real
}

// dialSupervisor adopts the inherited control-socket fd (DINIT_CS_FD)
// when present, otherwise dials the system default path (spec.md §6).
func dialSupervisor(cfg config.Config) (*dinitctl.Client, error) {
	if cfg.ControlSocketFD != nil {
		if err := unix.SetNonblock(*cfg.ControlSocketFD, true); err != nil {
			return nil, fmt.Errorf("devmond: set inherited control fd non-blocking: %w", err)
		}
		return dinitctl.NewClient(*cfg.ControlSocketFD), nil
	}
	client, err := dinitctl.Dial(dinitctl.DefaultControlSocketPath)
	if err != nil {
		return nil, fmt.Errorf("devmond: dial init supervisor: %w", err)
	}
	return client, nil
}
