package subscriber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/chimera-devmond/devmond/internal/devicesource"
	"github.com/chimera-devmond/devmond/internal/devicetable"
	"github.com/chimera-devmond/devmond/internal/protocol"
)

type noopBridge struct{}

func (noopBridge) HandleEvent(string, bool, []string) {}

// socketpair returns two connected Unix-domain stream sockets, each
// set non-blocking, so Conn's unix.Read/unix.Write calls behave as
// they would against a real accepted connection.
func socketpair(t *testing.T) (client, server int) {
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

func handshakeFrame(t *testing.T, tag protocol.Tag, dataLength uint16) []byte {
	t.Helper()
	buf, err := protocol.EncodeHandshake(protocol.Handshake{Tag: tag, DataLength: dataLength})
	require.NoError(t, err)
	return buf
}

func feedUntilResolved(t *testing.T, conn *Conn) {
	t.Helper()
	for {
		resolved, err := conn.Feed()
		require.NoError(t, err)
		if resolved {
			return
		}
	}
}

func TestConnHandshakeThenQueryResolves(t *testing.T) {
	client, server := socketpair(t)

	table := devicetable.New(nil, noopBridge{})
	registry := NewRegistry(table)

	desc := devicesource.NewDescriptor("/sys/devices/block/sda", "block", "sda", devicesource.ActionAdd)
	desc.Devnode = "/dev/sda"
	table.OnEnumerate(desc)

	conn, err := NewConn(server)
	require.NoError(t, err)

	query := []byte("/dev/sda")
	frame := append(handshakeFrame(t, protocol.TagDev, uint16(len(query))), query...)
	_, err = unix.Write(client, frame)
	require.NoError(t, err)

	feedUntilResolved(t, conn)
	assert.Equal(t, protocol.TagDev, conn.kind)
	assert.Equal(t, "/dev/sda", conn.value)

	require.NoError(t, registry.Advance(conn))

	status := make([]byte, 1)
	n, err := unix.Read(client, status)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte(protocol.StatusAvailable), status[0])
}

func TestConnRejectsUnknownTag(t *testing.T) {
	_, server := socketpair(t)
	conn, err := NewConn(server)
	require.NoError(t, err)

	buf, err := protocol.EncodeHandshake(protocol.Handshake{Tag: "bogus", DataLength: 1})
	require.NoError(t, err)
	_, err = conn.consume(buf)
	assert.Error(t, err)
}

func TestConnClosesOnExcessDataBytes(t *testing.T) {
	conn := &Conn{stage: stageQuery, hs: protocol.Handshake{Tag: protocol.TagDev, DataLength: 4}}

	_, err := conn.consume([]byte("/dev/sdaXXXX"))
	assert.Error(t, err)
}

func TestConnClosesOnShortHeaderRead(t *testing.T) {
	client, server := socketpair(t)
	conn, err := NewConn(server)
	require.NoError(t, err)

	_, err = unix.Write(client, []byte{protocol.Magic, 'd', 'e'})
	require.NoError(t, err)

	_, err = conn.Feed()
	assert.Error(t, err)
}

func TestRegistryNotifyDispatchesToMatchingConn(t *testing.T) {
	client, server := socketpair(t)

	var registry *Registry
	table := devicetable.New(notifierFunc(func(kind protocol.Tag, value string, status protocol.Status) {
		registry.Notify(kind, value, status)
	}), noopBridge{})
	registry = NewRegistry(table)

	desc := devicesource.NewDescriptor("/sys/devices/net/eth0", "net", "eth0", devicesource.ActionAdd)
	table.OnEnumerate(desc)

	conn, err := NewConn(server)
	require.NoError(t, err)

	query := []byte("eth0")
	frame := append(handshakeFrame(t, protocol.TagNetif, uint16(len(query))), query...)
	_, err = unix.Write(client, frame)
	require.NoError(t, err)

	feedUntilResolved(t, conn)
	require.NoError(t, registry.Advance(conn))

	initial := make([]byte, 1)
	_, err = unix.Read(client, initial)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusAvailable), initial[0])

	desc2 := devicesource.NewDescriptor("/sys/devices/net/eth0", "net", "eth0", devicesource.ActionChange)
	table.OnChange(desc2)

	update := make([]byte, 1)
	_, err = unix.Read(client, update)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusAvailable), update[0])
}

func TestRemoveDropsConnFromIndex(t *testing.T) {
	_, server := socketpair(t)
	table := devicetable.New(nil, noopBridge{})
	registry := NewRegistry(table)

	conn, err := NewConn(server)
	require.NoError(t, err)
	conn.stage = stageActive
	conn.kind = protocol.TagSys
	conn.value = "/sys/x"
	registry.byKey[queryKey{protocol.TagSys, "/sys/x"}] = map[*Conn]struct{}{conn: {}}

	registry.Remove(conn)
	assert.Empty(t, registry.byKey)
}

func TestDumpHandshakeWritesSnapshotAndCloses(t *testing.T) {
	client, server := socketpair(t)

	table := devicetable.New(nil, noopBridge{})
	registry := NewRegistry(table)

	desc := devicesource.NewDescriptor("/sys/devices/block/sda", "block", "sda", devicesource.ActionAdd)
	desc.Devnode = "/dev/sda"
	table.OnEnumerate(desc)

	conn, err := NewConn(server)
	require.NoError(t, err)

	frame := append(handshakeFrame(t, protocol.TagDump, 1), 0x00)
	_, err = unix.Write(client, frame)
	require.NoError(t, err)

	feedUntilResolved(t, conn)
	require.True(t, conn.dump)

	require.NoError(t, registry.Advance(conn))
	assert.True(t, conn.Closed())

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := unix.Read(client, tmp)
		if err == unix.EAGAIN {
			break
		}
		require.NoError(t, err)
		if n == 0 {
			break
		}
		buf = append(buf, tmp[:n]...)
	}

	records, rest, err := protocol.DecodeDumpRecords(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Len(t, records, 1)
	assert.Equal(t, "/sys/devices/block/sda", records[0].Syspath)
	assert.Equal(t, "/dev/sda", records[0].Name)
}

type notifierFunc func(kind protocol.Tag, value string, status protocol.Status)

func (f notifierFunc) Notify(kind protocol.Tag, value string, status protocol.Status) {
	f(kind, value, status)
}
