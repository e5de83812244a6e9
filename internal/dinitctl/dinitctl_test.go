package dinitctl

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (client, peer int) {
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

func TestLoadServiceRoundTrip(t *testing.T) {
	clientFD, peerFD := socketpair(t)
	c := NewClient(clientFD)

	var gotHandle uint32
	var gotErr error
	c.LoadService("disk-mount", false, func(handle uint32, err error) {
		gotHandle = handle
		gotErr = err
	})

	req := make([]byte, 64)
	n, err := unix.Read(peerFD, req)
	require.NoError(t, err)
	require.Equal(t, byte(OpLoadService), req[0])
	assert.Equal(t, byte(0x00), req[1])
	nameLen := binary.LittleEndian.Uint16(req[2:4])
	assert.Equal(t, "disk-mount", string(req[4:4+int(nameLen)]))
	assert.Equal(t, 4+int(nameLen), n)

	reply := make([]byte, 5)
	reply[0] = byte(opReplyLoadService)
	binary.LittleEndian.PutUint32(reply[1:5], 7)
	_, err = unix.Write(peerFD, reply)
	require.NoError(t, err)

	processed, err := c.Dispatch(10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.NoError(t, gotErr)
	assert.Equal(t, uint32(7), gotHandle)
}

func TestAddRemoveServiceDependencyEncodesFlags(t *testing.T) {
	clientFD, peerFD := socketpair(t)
	c := NewClient(clientFD)

	c.AddRemoveServiceDependency(3, 9, true, true, nil)

	req := make([]byte, 16)
	n, err := unix.Read(peerFD, req)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	assert.Equal(t, byte(OpAddRemoveServiceDep), req[0])
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(req[1:5]))
	assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(req[5:9]))
	assert.Equal(t, byte(0x03), req[9]) // add (bit 0) + ignore_missing (bit 1)

	c.AddRemoveServiceDependency(3, 9, false, false, nil)
	n, err = unix.Read(peerFD, req)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	assert.Equal(t, byte(0x00), req[9])
}

func TestWakeServiceAck(t *testing.T) {
	clientFD, peerFD := socketpair(t)
	c := NewClient(clientFD)

	var ackErr error
	called := false
	c.WakeService(7, func(err error) {
		called = true
		ackErr = err
	})

	req := make([]byte, 16)
	n, err := unix.Read(peerFD, req)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	assert.Equal(t, byte(OpWakeService), req[0])
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(req[1:5]))

	_, err = unix.Write(peerFD, []byte{byte(opReplyAck)})
	require.NoError(t, err)

	_, err = c.Dispatch(10)
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, ackErr)
}

func TestServiceEventDispatchesToCallback(t *testing.T) {
	clientFD, peerFD := socketpair(t)
	c := NewClient(clientFD)

	var got ServiceEvent
	c.SetServiceEventCallback(7, func(ev ServiceEvent) { got = ev })

	event := make([]byte, 7)
	event[0] = byte(opEventServiceStatusChange)
	binary.LittleEndian.PutUint32(event[1:5], 7)
	event[5] = 0x01
	_, err := unix.Write(peerFD, event)
	require.NoError(t, err)

	processed, err := c.Dispatch(10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, uint32(7), got.Handle)
	assert.True(t, got.Up)
	assert.False(t, got.Failed)
}

func TestErrorReplyPropagatesToLoadCallback(t *testing.T) {
	clientFD, peerFD := socketpair(t)
	c := NewClient(clientFD)

	var gotErr error
	c.LoadService("missing-service", true, func(handle uint32, err error) {
		gotErr = err
	})

	drain := make([]byte, 64)
	_, err := unix.Read(peerFD, drain)
	require.NoError(t, err)

	_, err = unix.Write(peerFD, []byte{byte(opReplyError), 0x02})
	require.NoError(t, err)

	_, err = c.Dispatch(10)
	require.NoError(t, err)
	assert.Error(t, gotErr)
}

func TestDispatchOnClosedPeerAborts(t *testing.T) {
	clientFD, peerFD := socketpair(t)
	c := NewClient(clientFD)
	unix.Close(peerFD)

	_, err := c.Dispatch(1)
	assert.Error(t, err)
	assert.True(t, c.closed)
	assert.Error(t, c.Err())
}
