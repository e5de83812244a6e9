// Package subscriber implements the per-connection handshake state
// machine and query resolution described in spec.md §4.4: a client
// connects, sends a fixed handshake frame followed by a query payload,
// receives an initial status byte, and then receives one more byte on
// every subsequent transition that concerns its query.
package subscriber

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/chimera-devmond/devmond/internal/protocol"
)

type stage int

const (
	stageHandshake stage = iota
	stageQuery
	stageActive
	stageClosed
)

// Conn tracks one accepted connection's progress through the
// handshake/query/active states. It holds no net.Conn of its own;
// the EventLoop owns I/O readiness and calls Feed as the fd becomes
// readable (spec.md §5: single coordinating goroutine,
// no per-connection goroutines).
type Conn struct {
	fd   int
	uid  uint32
	stage stage

	hsBuf    []byte
	queryBuf []byte
	hs       protocol.Handshake

	kind  protocol.Tag
	value string
	dump  bool

	closeErr error
}

// NewConn wraps an accepted connection's raw file descriptor. Peer
// credentials are captured immediately, since the dump tag's same-UID
// check (SPEC_FULL.md §4.8) needs them before the handshake completes.
func NewConn(fd int) (*Conn, error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("subscriber: SO_PEERCRED: %w", err)
	}
	return &Conn{fd: fd, uid: cred.Uid, stage: stageHandshake}, nil
}

// FD returns the connection's raw descriptor for EventLoop polling.
func (c *Conn) FD() int { return c.fd }

// Active reports whether the connection has completed its handshake and
// query and is now eligible for notifications.
func (c *Conn) Active() bool { return c.stage == stageActive }

func (c *Conn) Closed() bool { return c.stage == stageClosed }

// Feed is called by the EventLoop when c's fd is readable. It performs
// one non-blocking read and advances the handshake/query state
// machine as far as the available bytes allow. It returns resolved ==
// true once the query stage completes (the resolved kind and value are
// then held on c); resolved is false until then.
func (c *Conn) Feed() (resolved bool, err error) {
	buf := make([]byte, 4096)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("subscriber: read: %w", err)
	}
	if n == 0 {
		return false, fmt.Errorf("subscriber: connection closed by peer")
	}
	// spec.md §4.4 HANDSHAKE_PENDING: the server expects a single read
	// to produce the full 8-byte header (magic + type_tag + NUL); a
	// read that starts the header but delivers fewer bytes than that
	// is a protocol violation, not a frame to keep accumulating.
	if c.stage == stageHandshake && len(c.hsBuf) == 0 && n < protocol.HeaderSize {
		return false, fmt.Errorf("subscriber: short read on handshake header (%d bytes)", n)
	}
	return c.consume(buf[:n])
}

func (c *Conn) consume(data []byte) (resolved bool, err error) {
	for len(data) > 0 {
		switch c.stage {
		case stageHandshake:
			need := protocol.HandshakeSize - len(c.hsBuf)
			take := min(need, len(data))
			c.hsBuf = append(c.hsBuf, data[:take]...)
			data = data[take:]
			if len(c.hsBuf) < protocol.HandshakeSize {
				return false, nil
			}
			hs, err := protocol.DecodeHandshake(c.hsBuf)
			if err != nil {
				return false, fmt.Errorf("subscriber: %w", err)
			}
			c.hs = hs
			if hs.Tag == protocol.TagDump {
				c.dump = true
			} else if !protocol.IsKnownTag(hs.Tag) {
				return false, fmt.Errorf("subscriber: unknown type_tag %q", hs.Tag)
			}
			c.stage = stageQuery
		case stageQuery:
			need := int(c.hs.DataLength) - len(c.queryBuf)
			if len(data) > need {
				// spec.md §4.4 DATA_PENDING: receiving strictly more
				// than data_length additional bytes closes the
				// connection, rather than truncating the overflow.
				return false, fmt.Errorf("subscriber: received %d bytes beyond data_length %d", len(data)-need, c.hs.DataLength)
			}
			c.queryBuf = append(c.queryBuf, data...)
			data = nil
			if len(c.queryBuf) < int(c.hs.DataLength) {
				return false, nil
			}
			if c.dump {
				if c.uid != uint32(os.Getuid()) {
					return false, fmt.Errorf("subscriber: dump query rejected: peer uid %d does not match broker uid", c.uid)
				}
			} else {
				c.kind = c.hs.Tag
				c.value = resolveQueryValue(c.hs.Tag, string(c.queryBuf))
			}
			c.stage = stageActive
			return true, nil
		case stageActive:
			// Nothing more is expected from an active subscriber;
			// any extra bytes are simply discarded.
			return false, nil
		case stageClosed:
			return true, nil
		}
	}
	return false, nil
}

// resolveQueryValue canonicalizes a dev query that names a symlink
// (e.g. a /dev/disk/by-id/... alias) to the real device node, per the
// subscribe-time resolution decision recorded in the design ledger. A
// resolution failure (dangling symlink, ENOENT) leaves the value
// unresolved; the table will simply report it unavailable.
func resolveQueryValue(kind protocol.Tag, raw string) string {
	if kind != protocol.TagDev {
		return raw
	}
	resolved, err := filepath.EvalSymlinks(raw)
	if err != nil {
		return raw
	}
	return resolved
}

// WriteStatus performs one non-blocking write of a single status byte.
// Per the design ledger's partial-write resolution: EAGAIN is treated
// as "subscriber is congested, drop this notification" rather than
// buffered for retry (spec.md expects subscribers to read promptly and
// devices to be sparse); any other error closes the connection.
func (c *Conn) WriteStatus(s protocol.Status) error {
	_, err := unix.Write(c.fd, []byte{byte(s)})
	if err == nil {
		return nil
	}
	if err == unix.EAGAIN {
		return nil
	}
	c.stage = stageClosed
	c.closeErr = err
	return fmt.Errorf("subscriber: write: %w", err)
}

// WriteDump performs a best-effort non-blocking write of a full dump
// payload and marks the connection closed: SPEC_FULL.md §4.4's dump
// extension is a one-shot snapshot, not an ongoing subscription, so
// the server closes the connection once it has been sent. A partial
// write (the socket buffer fills before the whole dump fits) simply
// truncates the dump; devmonctl is diagnostic-only and never depends
// on completeness.
func (c *Conn) WriteDump(payload []byte) error {
	_, err := unix.Write(c.fd, payload)
	c.stage = stageClosed
	if err != nil && err != unix.EAGAIN {
		c.closeErr = err
		return fmt.Errorf("subscriber: write dump: %w", err)
	}
	return nil
}

// Close marks the connection closed and releases its descriptor.
func (c *Conn) Close() error {
	c.stage = stageClosed
	return unix.Close(c.fd)
}
