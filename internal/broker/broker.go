// Package broker implements the EventLoop (spec.md §4.6): a single
// goroutine that owns the DeviceTable, the SubscriberRegistry, and the
// SupervisorBridge, reached by fan-in from I/O goroutines that never
// touch that state directly. It is the Go-idiomatic realization of
// the spec's single-threaded, level-triggered, no-timeouts model,
// grounded on the single-select-loop shape in canonical-snapd's
// overlord/hardwarestate/udevmon.go (a tomb.Go goroutine selecting
// over device/error/death channels).
package broker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/chimera-devmond/devmond/internal/devicesource"
	"github.com/chimera-devmond/devmond/internal/devicetable"
	"github.com/chimera-devmond/devmond/internal/dinitctl"
	"github.com/chimera-devmond/devmond/internal/subscriber"
	"github.com/chimera-devmond/devmond/internal/usbenrich"
)

// acceptedConn is what the accept goroutine hands to the main loop;
// it carries nothing but the raw fd so the main loop does all its own
// bookkeeping (subscriber.NewConn reads peer credentials, which must
// happen exactly once and only from the coordinating goroutine).
type acceptedConn struct {
	fd  int
	err error
}

// readyEvent is what the epoll-forwarder goroutine hands to the main
// loop: "this fd became readable". The forwarder itself never touches
// DeviceTable/Registry/Client state.
type readyEvent struct {
	fd int
}

// usbEnrichResult is what a USB-enrichment goroutine hands back to the
// main loop (SPEC_FULL.md §2.11); the lookup itself never runs on the
// coordinating goroutine since gousb's device open is a blocking
// syscall.
type usbEnrichResult struct {
	key     string
	bus     int
	address int
	err     error
}

// Loop is the EventLoop. Construct with New, then call Run once.
type Loop struct {
	listenFD int
	epfd     int

	table    *devicetable.Table
	registry *subscriber.Registry
	dinit    *dinitctl.Client
	source   devicesource.Source

	usbEnricher *usbenrich.Enricher

	conns map[int]*subscriber.Conn

	subsystemEvents <-chan devicesource.Descriptor
	subsystemErrs   <-chan error
	tagEvents       <-chan devicesource.Descriptor
	tagErrs         <-chan error

	accepted chan acceptedConn
	ready    chan readyEvent
	sig      chan os.Signal

	enrichResults chan usbEnrichResult
	enrichDone    chan struct{}
}

// New builds a Loop listening on an already-bound, already-listening
// Unix socket descriptor (spec.md §4.6: the broker itself owns the
// control socket's lifecycle, not systemd-style socket activation).
func New(listenFD int, table *devicetable.Table, registry *subscriber.Registry, dinit *dinitctl.Client, source devicesource.Source) (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("broker: epoll_create1: %w", err)
	}
	return &Loop{
		listenFD: listenFD,
		epfd:     epfd,
		table:    table,
		registry: registry,
		dinit:    dinit,
		source:   source,
		conns:    map[int]*subscriber.Conn{},
		accepted: make(chan acceptedConn),
		ready:    make(chan readyEvent),
		sig:      make(chan os.Signal, 4),

		enrichResults: make(chan usbEnrichResult),
		enrichDone:    make(chan struct{}),
	}, nil
}

// SetUSBEnricher wires in the best-effort USB descriptor enrichment
// lookup (SPEC_FULL.md §2.11). Leaving it unset simply skips
// enrichment.
func (l *Loop) SetUSBEnricher(e *usbenrich.Enricher) {
	l.usbEnricher = e
}

// RequestEnrich implements devicetable.USBEnrichRequester. It runs the
// gousb lookup in its own goroutine so the coordinating goroutine never
// blocks on a USB syscall, and feeds the result back through
// enrichResults for dispatch to apply.
func (l *Loop) RequestEnrich(key string) {
	if l.usbEnricher == nil {
		return
	}
	go func() {
		bus, address, err := l.usbEnricher.Describe(key)
		select {
		case l.enrichResults <- usbEnrichResult{key: key, bus: bus, address: address, err: err}:
		case <-l.enrichDone:
		}
	}()
}

// Run performs the startup enumeration, signals readiness, starts the
// accept and epoll-forwarder goroutines, then blocks in the
// coordinating select loop until ctx is cancelled or a fatal error
// occurs (spec.md §4.6/§7).
func (l *Loop) Run(ctx context.Context, readyFD *int) error {
	signal.Notify(l.sig, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(l.sig)

	if err := l.epollAdd(l.listenFD); err != nil {
		return err
	}
	if err := l.epollAdd(l.dinit.FD()); err != nil {
		return err
	}

	subEvents, subErrs, err := l.source.Monitor(ctx, devicesource.SubsystemFilter())
	if err != nil {
		return fmt.Errorf("broker: subsystem monitor: %w", err)
	}
	l.subsystemEvents, l.subsystemErrs = subEvents, subErrs

	tagEvents, tagErrs, err := l.source.Monitor(ctx, devicesource.TagFilter())
	if err != nil {
		return fmt.Errorf("broker: tag monitor: %w", err)
	}
	l.tagEvents, l.tagErrs = tagEvents, tagErrs

	if err := l.enumerate(); err != nil {
		return err
	}
	if readyFD != nil {
		_, writeErr := unix.Write(*readyFD, []byte("READY=1\n"))
		closeErr := unix.Close(*readyFD)
		if writeErr != nil {
			return fmt.Errorf("broker: readiness notification: %w", writeErr)
		}
		if closeErr != nil {
			return fmt.Errorf("broker: close readiness fd: %w", closeErr)
		}
	}

	go l.acceptLoop(ctx)
	go l.epollLoop(ctx)

	return l.dispatch(ctx)
}

// enumerate performs the two startup enumerations (always-tracked
// subsystems, then opt-in-tagged devices outside them) and feeds every
// result through OnEnumerate before any subscriber can connect
// (spec.md §4.2/§4.3).
func (l *Loop) enumerate() error {
	subsystemDevs, err := l.source.Enumerate(devicesource.SubsystemFilter())
	if err != nil {
		return fmt.Errorf("broker: enumerate subsystems: %w", err)
	}
	seen := make(map[string]struct{}, len(subsystemDevs))
	for _, d := range subsystemDevs {
		l.table.OnEnumerate(d)
		seen[d.Syspath] = struct{}{}
	}

	taggedDevs, err := l.source.Enumerate(devicesource.TagFilter())
	if err != nil {
		return fmt.Errorf("broker: enumerate tagged: %w", err)
	}
	for _, d := range taggedDevs {
		if _, ok := seen[d.Syspath]; ok {
			continue
		}
		l.table.OnEnumerate(d)
	}
	return nil
}

func (l *Loop) acceptLoop(ctx context.Context) {
	for {
		fd, _, err := unix.Accept4(l.listenFD, unix.SOCK_NONBLOCK)
		if err == unix.EAGAIN || err == unix.EINTR {
			// The listener is non-blocking: wait for a pending
			// connection instead of treating "none yet" as fatal.
			fds := []unix.PollFd{{Fd: int32(l.listenFD), Events: unix.POLLIN}}
			if _, perr := unix.Poll(fds, -1); perr != nil && perr != unix.EINTR {
				return
			}
			if fds[0].Revents&unix.POLLNVAL != 0 {
				return
			}
			continue
		}
		select {
		case l.accepted <- acceptedConn{fd: fd, err: err}:
		case <-ctx.Done():
			if err == nil {
				unix.Close(fd)
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *Loop) epollLoop(ctx context.Context) {
	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		for i := 0; i < n; i++ {
			select {
			case l.ready <- readyEvent{fd: int(events[i].Fd)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (l *Loop) epollAdd(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("broker: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (l *Loop) epollDel(fd int) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// dispatch is the sole coordinating goroutine: every DeviceTable,
// SubscriberRegistry, and SupervisorBridge mutation happens on this
// goroutine's stack, reached only through the channels below (spec.md
// §5).
func (l *Loop) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-l.sig:
			l.shutdown()
			return nil
		case ac := <-l.accepted:
			if ac.err != nil {
				continue
			}
			l.handleAccept(ac.fd)
		case ev := <-l.ready:
			l.handleReady(ev.fd)
		case desc := <-l.subsystemEvents:
			l.applyEvent(desc)
		case desc := <-l.tagEvents:
			if isAlwaysTracked(desc.Subsystem) {
				continue
			}
			l.applyEvent(desc)
		case err := <-l.subsystemErrs:
			return fmt.Errorf("broker: subsystem monitor error: %w", err)
		case err := <-l.tagErrs:
			return fmt.Errorf("broker: tag monitor error: %w", err)
		case res := <-l.enrichResults:
			if res.err != nil {
				log.Printf("broker: usb enrichment for %s: %v", res.key, res.err)
				continue
			}
			l.table.ApplyUSBEnrichment(res.key, res.bus, res.address)
		}
	}
}

func isAlwaysTracked(subsystem string) bool {
	for _, s := range devicesource.AlwaysTrackedSubsystems {
		if s == subsystem {
			return true
		}
	}
	return false
}

func (l *Loop) applyEvent(desc devicesource.Descriptor) {
	switch desc.Action {
	case devicesource.ActionAdd, devicesource.ActionBind:
		l.table.OnAdd(desc)
	case devicesource.ActionChange:
		l.table.OnChange(desc)
	case devicesource.ActionRemove, devicesource.ActionUnbind:
		l.table.OnRemove(desc)
	}
}

func (l *Loop) handleAccept(fd int) {
	conn, err := subscriber.NewConn(fd)
	if err != nil {
		unix.Close(fd)
		return
	}
	l.conns[fd] = conn
	if err := l.epollAdd(fd); err != nil {
		delete(l.conns, fd)
		conn.Close()
	}
}

func (l *Loop) handleReady(fd int) {
	if fd == l.dinit.FD() {
		if _, err := l.dinit.Dispatch(64); err != nil {
			l.epollDel(fd)
		}
		return
	}
	conn, ok := l.conns[fd]
	if !ok {
		return
	}
	l.advanceConn(conn)
}

func (l *Loop) advanceConn(conn *subscriber.Conn) {
	resolved, err := conn.Feed()
	if err != nil || conn.Closed() {
		l.dropConn(conn)
		return
	}
	if !resolved {
		return
	}
	if err := l.registry.Advance(conn); err != nil || conn.Closed() {
		l.dropConn(conn)
	}
}

func (l *Loop) dropConn(conn *subscriber.Conn) {
	fd := conn.FD()
	l.epollDel(fd)
	delete(l.conns, fd)
	l.registry.Remove(conn)
	conn.Close()
}

// shutdown implements spec.md §4.6's graceful-shutdown step: close the
// listener, close every connection, close the supervisor session and
// the DeviceSource, and leave the socket file on disk (it is unlinked
// again at the next startup).
func (l *Loop) shutdown() {
	unix.Close(l.listenFD)
	for _, conn := range l.conns {
		conn.Close()
	}
	l.conns = map[int]*subscriber.Conn{}
	unix.Close(l.dinit.FD())
	if l.source != nil {
		_ = l.source.Close()
	}
	close(l.enrichDone)
	if l.usbEnricher != nil {
		_ = l.usbEnricher.Close()
	}
	unix.Close(l.epfd)
}
