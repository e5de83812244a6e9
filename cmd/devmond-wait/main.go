// Command devmond-wait is the Readiness Client (spec.md §4.7): given a
// dependency specifier and an inherited readiness-fd, it blocks until
// the broker reports that dependency available, signals readiness to
// its caller, and exits once the dependency disappears again.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chimera-devmond/devmond/internal/config"
	"github.com/chimera-devmond/devmond/internal/protocol"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <dep-specifier> <readiness-fd>\n", os.Args[0])
		os.Exit(1)
	}

	kind, value, err := parseSpecifier(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "devmond-wait:", err)
		os.Exit(1)
	}

	readyFD, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "devmond-wait: invalid readiness-fd %q: %v\n", os.Args[2], err)
		os.Exit(1)
	}

	sockPath := config.Load().SocketPath

	if err := wait(sockPath, kind, value, readyFD); err != nil {
		fmt.Fprintln(os.Stderr, "devmond-wait:", err)
		os.Exit(1)
	}
}

// parseSpecifier implements spec.md §4.7's dependency-specifier
// grammar.
func parseSpecifier(spec string) (protocol.Tag, string, error) {
	for _, prefix := range []string{"LABEL", "UUID", "PARTLABEL", "PARTUUID", "ID"} {
		if rest, ok := strings.CutPrefix(spec, prefix+"="); ok {
			return protocol.TagDev, "/dev/disk/by-" + strings.ToLower(prefix) + "/" + rest, nil
		}
	}
	if strings.HasPrefix(spec, "/dev/") {
		return protocol.TagDev, spec, nil
	}
	if strings.HasPrefix(spec, "/sys/") {
		return protocol.TagSys, spec, nil
	}
	if rest, ok := strings.CutPrefix(spec, "netif:"); ok {
		return protocol.TagNetif, rest, nil
	}
	if rest, ok := strings.CutPrefix(spec, "mac:"); ok {
		return protocol.TagMac, rest, nil
	}
	if rest, ok := strings.CutPrefix(spec, "usb:"); ok {
		return protocol.TagUSB, rest, nil
	}
	return "", "", fmt.Errorf("unrecognized dependency specifier %q", spec)
}

// wait implements the connect/handshake/read loop of spec.md §4.7.
func wait(sockPath string, kind protocol.Tag, value string, readyFD int) error {
	fd, err := dialWithRetry(sockPath)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := sendQuery(fd, kind, value); err != nil {
		return err
	}

	signalled := false
	buf := make([]byte, 1)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("broker closed the connection")
		}
		status := protocol.Status(buf[0])
		if status == protocol.StatusAvailable {
			if !signalled {
				if err := signalReady(readyFD); err != nil {
					return err
				}
				signalled = true
			}
			continue
		}
		if signalled {
			return nil
		}
	}
}

// dialWithRetry connects to sockPath, retrying indefinitely on the
// "broker isn't up yet" family of errors (spec.md §4.7 step 1).
func dialWithRetry(sockPath string) (int, error) {
	for {
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, fmt.Errorf("socket: %w", err)
		}
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: sockPath})
		if err == nil {
			return fd, nil
		}
		unix.Close(fd)
		if err == unix.ENOENT || err == unix.ECONNREFUSED || err == unix.ENOTDIR {
			time.Sleep(250 * time.Millisecond)
			continue
		}
		return -1, fmt.Errorf("connect %s: %w", sockPath, err)
	}
}

func sendQuery(fd int, kind protocol.Tag, value string) error {
	hs, err := protocol.EncodeHandshake(protocol.Handshake{Tag: kind, DataLength: uint16(len(value))})
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if _, err := unix.Write(fd, append(hs, value...)); err != nil {
		return fmt.Errorf("write query: %w", err)
	}
	return nil
}

// signalReady writes the readiness-pipe protocol byte sequence this
// broker's own broker.Loop speaks to its supervisor (spec.md §4.7
// step 3), then closes the fd.
func signalReady(fd int) error {
	if _, err := unix.Write(fd, []byte("READY=1\n")); err != nil {
		unix.Close(fd)
		return fmt.Errorf("write readiness: %w", err)
	}
	return unix.Close(fd)
}
