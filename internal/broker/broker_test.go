package broker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/chimera-devmond/devmond/internal/devicesource"
	"github.com/chimera-devmond/devmond/internal/devicetable"
	"github.com/chimera-devmond/devmond/internal/dinitctl"
	"github.com/chimera-devmond/devmond/internal/protocol"
	"github.com/chimera-devmond/devmond/internal/subscriber"
)

// fakeSource is a devicesource.Source whose Enumerate/Monitor results
// are scripted per-filter by the test, distinguishing the two calls
// the same way the broker itself does: a subsystem filter from a tag
// filter.
type fakeSource struct {
	subsystemEnum []devicesource.Descriptor
	tagEnum       []devicesource.Descriptor

	subsystemEvents chan devicesource.Descriptor
	subsystemErrs   chan error
	tagEvents       chan devicesource.Descriptor
	tagErrs         chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		subsystemEvents: make(chan devicesource.Descriptor, 4),
		subsystemErrs:   make(chan error, 1),
		tagEvents:       make(chan devicesource.Descriptor, 4),
		tagErrs:         make(chan error, 1),
	}
}

func (s *fakeSource) Enumerate(f devicesource.Filter) ([]devicesource.Descriptor, error) {
	if len(f.Subsystems) > 0 {
		return s.subsystemEnum, nil
	}
	return s.tagEnum, nil
}

func (s *fakeSource) Monitor(ctx context.Context, f devicesource.Filter) (<-chan devicesource.Descriptor, <-chan error, error) {
	if len(f.Subsystems) > 0 {
		return s.subsystemEvents, s.subsystemErrs, nil
	}
	return s.tagEvents, s.tagErrs, nil
}

func (s *fakeSource) Close() error { return nil }

type noopNotifier struct{}

func (noopNotifier) Notify(protocol.Tag, string, protocol.Status) {}

type countingBridge struct {
	counts map[string]int
}

func newCountingBridge() *countingBridge {
	return &countingBridge{counts: map[string]int{}}
}

func (b *countingBridge) HandleEvent(syspath string, removal bool, waitsFor []string) {
	b.counts[syspath]++
}

func TestIsAlwaysTracked(t *testing.T) {
	assert.True(t, isAlwaysTracked("block"))
	assert.True(t, isAlwaysTracked("usb"))
	assert.False(t, isAlwaysTracked("bluetooth"))
}

func TestApplyEventRoutesActions(t *testing.T) {
	table := devicetable.New(noopNotifier{}, newCountingBridge())
	l := &Loop{table: table}

	l.applyEvent(devicesource.NewDescriptor("/sys/devices/block/sda", "block", "sda", devicesource.ActionAdd))
	d, ok := table.Get("/sys/devices/block/sda")
	require.True(t, ok)
	assert.False(t, d.Removed)

	l.applyEvent(devicesource.NewDescriptor("/sys/devices/block/sda", "block", "sda", devicesource.ActionRemove))
	d, ok = table.Get("/sys/devices/block/sda")
	require.True(t, ok)
	assert.True(t, d.Removed)

	l.applyEvent(devicesource.NewDescriptor("/sys/devices/block/sda", "block", "sda", devicesource.ActionAdd))
	d, ok = table.Get("/sys/devices/block/sda")
	require.True(t, ok)
	assert.False(t, d.Removed)
}

func TestEnumerateDedupesTaggedAgainstSubsystem(t *testing.T) {
	bridge := newCountingBridge()
	table := devicetable.New(noopNotifier{}, bridge)
	source := newFakeSource()

	tagged := devicesource.NewDescriptor("/sys/devices/block/sda", "block", "sda", devicesource.ActionAdd).WithTag("chimera")
	onlyTagged := devicesource.NewDescriptor("/sys/devices/virtual/misc/foo", "misc", "foo", devicesource.ActionAdd).WithTag("chimera")

	source.subsystemEnum = []devicesource.Descriptor{tagged}
	source.tagEnum = []devicesource.Descriptor{tagged, onlyTagged}

	l := &Loop{table: table, source: source}
	require.NoError(t, l.enumerate())

	assert.Equal(t, 1, bridge.counts["/sys/devices/block/sda"])
	assert.Equal(t, 1, bridge.counts["/sys/devices/virtual/misc/foo"])

	_, ok := table.Get("/sys/devices/block/sda")
	assert.True(t, ok)
	_, ok = table.Get("/sys/devices/virtual/misc/foo")
	assert.True(t, ok)
}

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestLoop(t *testing.T) (*Loop, *devicetable.Table) {
	t.Helper()
	table := devicetable.New(noopNotifier{}, newCountingBridge())
	registry := subscriber.NewRegistry(table)
	clientFD, _ := socketpair(t)
	dinit := dinitctl.NewClient(clientFD)

	epfd, err := unix.EpollCreate1(0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(epfd) })

	l := &Loop{
		epfd:     epfd,
		table:    table,
		registry: registry,
		dinit:    dinit,
		conns:    map[int]*subscriber.Conn{},
	}
	return l, table
}

func TestAdvanceConnResolvesOnceThenStopsReregistering(t *testing.T) {
	l, table := newTestLoop(t)
	table.OnEnumerate(devicesource.NewDescriptor("/sys/devices/block/sda", "block", "sda", devicesource.ActionAdd))
	table.Get("/sys/devices/block/sda")

	serverFD, clientFD := socketpair(t)
	conn, err := subscriber.NewConn(serverFD)
	require.NoError(t, err)
	l.conns[serverFD] = conn

	hs, err := protocol.EncodeHandshake(protocol.Handshake{Tag: protocol.TagSys, DataLength: uint16(len("/sys/devices/block/sda"))})
	require.NoError(t, err)
	_, err = unix.Write(clientFD, append(hs, []byte("/sys/devices/block/sda")...))
	require.NoError(t, err)

	l.advanceConn(conn)
	assert.True(t, conn.Active())
	_, stillTracked := l.conns[serverFD]
	assert.True(t, stillTracked)

	// A second readability event with nothing new to read should not
	// cause a repeat Advance call or drop the connection.
	_, err = unix.Write(clientFD, []byte{})
	require.NoError(t, err)
	l.advanceConn(conn)
	_, stillTracked = l.conns[serverFD]
	assert.True(t, stillTracked)
}

func TestDropConnRemovesFromConnsAndCloses(t *testing.T) {
	l, _ := newTestLoop(t)
	serverFD, _ := socketpair(t)
	conn, err := subscriber.NewConn(serverFD)
	require.NoError(t, err)
	l.conns[serverFD] = conn
	require.NoError(t, l.epollAdd(serverFD))

	l.dropConn(conn)

	_, ok := l.conns[serverFD]
	assert.False(t, ok)
	assert.True(t, conn.Closed())
}

// TestRunEndToEnd exercises New/Run against a real listening Unix
// socket: a client connects, performs the handshake/query for a device
// enumerated at startup, and observes the initial status byte plus the
// readiness pipe write, all driven through the real epoll-backed
// coordinating loop rather than by calling Loop's methods directly.
func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "devmond.sock")

	listenFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(listenFD) })
	require.NoError(t, unix.Bind(listenFD, &unix.SockaddrUnix{Name: sockPath}))
	require.NoError(t, unix.Listen(listenFD, 8))

	table := devicetable.New(noopNotifier{}, newCountingBridge())
	registry := subscriber.NewRegistry(table)
	table.OnEnumerate(devicesource.NewDescriptor("/sys/devices/block/sda", "block", "sda", devicesource.ActionAdd))

	dinitFD, dinitPeerFD := socketpair(t)
	dinit := dinitctl.NewClient(dinitFD)
	_ = dinitPeerFD

	source := newFakeSource()

	l, err := New(listenFD, table, registry, dinit, source)
	require.NoError(t, err)

	readyR, readyW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { readyR.Close() })
	readyFD := int(readyW.Fd())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx, &readyFD) }()

	readyBuf := make([]byte, 8)
	require.NoError(t, readyR.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := readyR.Read(readyBuf)
	require.NoError(t, err)
	assert.Equal(t, "READY=1\n", string(readyBuf[:n]))

	// spec.md §4.6: the broker closes the readiness fd immediately
	// after the write, so a subsequent read observes EOF.
	require.NoError(t, readyR.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = readyR.Read(readyBuf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	clientFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(clientFD) })
	require.NoError(t, connectWithRetry(clientFD, sockPath, 2*time.Second))
	require.NoError(t, unix.SetNonblock(clientFD, true))

	query := "/sys/devices/block/sda"
	hs, err := protocol.EncodeHandshake(protocol.Handshake{Tag: protocol.TagSys, DataLength: uint16(len(query))})
	require.NoError(t, err)
	_, err = unix.Write(clientFD, append(hs, []byte(query)...))
	require.NoError(t, err)

	status := readStatusWithDeadline(t, clientFD, 2*time.Second)
	assert.Equal(t, protocol.StatusAvailable, status)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func connectWithRetry(fd int, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var err error
	for time.Now().Before(deadline) {
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
		if err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}

func readStatusWithDeadline(t *testing.T, fd int, timeout time.Duration) protocol.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		buf := make([]byte, 1)
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		if n == 1 {
			return protocol.Status(buf[0])
		}
	}
	t.Fatal("timed out waiting for status byte")
	return 0
}
