//go:build linux && cgo

package devicesource

import (
	"context"
	"fmt"

	udev "github.com/jochenvg/go-udev"
)

// RealSource adapts github.com/jochenvg/go-udev (a cgo binding over
// libudev/eudev) to the Source contract (spec.md §4.2). Grounded on
// _examples/other_examples/e424886d_ydb-platform-udev-manager__internal-udev-udev.go.go,
// which wraps the same library with the same Enumerate/Monitor shape.
type RealSource struct {
	u udev.Udev
}

// NewRealSource constructs a RealSource. It never fails at
// construction time — libudev context creation is infallible in the
// C API this library wraps — but callers should still fall back to
// DummySource if a later Enumerate/Monitor call errors, per spec.md
// §4.2's dummy-mode degradation requirement.
func NewRealSource() *RealSource {
	return &RealSource{u: udev.Udev{}}
}

// Enumerate performs a restartable snapshot enumeration.
func (s *RealSource) Enumerate(filter Filter) ([]Descriptor, error) {
	e := s.u.NewEnumerate()
	if err := applyEnumerateFilter(e, filter); err != nil {
		return nil, err
	}
	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("devicesource: enumerate: %w", err)
	}
	out := make([]Descriptor, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDescriptor(d, ActionAdd))
	}
	return out, nil
}

// Monitor starts a netlink-backed udev monitor and fans its events
// into a channel. A single goroutine owns the underlying libudev
// monitor channel and is the only thing that touches it; the exported
// channel is what the EventLoop's single coordinating goroutine
// selects on (SPEC_FULL.md §4.6).
func (s *RealSource) Monitor(ctx context.Context, filter Filter) (<-chan Descriptor, <-chan error, error) {
	m := s.u.NewMonitorFromNetlink("udev")
	if err := applyMonitorFilter(m, filter); err != nil {
		return nil, nil, err
	}
	deviceChan, devErrChan, err := m.DeviceChan(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("devicesource: monitor: %w", err)
	}

	events := make(chan Descriptor)
	errs := make(chan error)
	go func() {
		defer close(events)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deviceChan:
				if !ok {
					return
				}
				select {
				case events <- toDescriptor(d, Action(d.Action())):
				case <-ctx.Done():
					return
				}
			case err, ok := <-devErrChan:
				if !ok {
					continue
				}
				select {
				case errs <- fmt.Errorf("devicesource: monitor event: %w", err):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, errs, nil
}

// Close returns nil; RealSource holds no resource of its own to
// release.
func (s *RealSource) Close() error {
	return nil
}

func applyEnumerateFilter(e *udev.Enumerate, filter Filter) error {
	for _, sub := range filter.Subsystems {
		if err := e.AddMatchSubsystem(sub); err != nil {
			return fmt.Errorf("devicesource: match subsystem %q: %w", sub, err)
		}
	}
	for _, tag := range filter.Tags {
		if err := e.AddMatchTag(tag); err != nil {
			return fmt.Errorf("devicesource: match tag %q: %w", tag, err)
		}
	}
	return nil
}

func applyMonitorFilter(m *udev.Monitor, filter Filter) error {
	for _, sub := range filter.Subsystems {
		if err := m.FilterAddMatchSubsystem(sub); err != nil {
			return fmt.Errorf("devicesource: monitor match subsystem %q: %w", sub, err)
		}
	}
	for _, tag := range filter.Tags {
		if err := m.FilterAddMatchTag(tag); err != nil {
			return fmt.Errorf("devicesource: monitor match tag %q: %w", tag, err)
		}
	}
	return nil
}

func toDescriptor(d *udev.Device, action Action) Descriptor {
	desc := NewDescriptor(d.Syspath(), d.Subsystem(), d.Sysname(), action)
	if node := d.Devnode(); node != "" {
		desc.Devnode = node
	}
	if rdev := d.Devnum(); rdev != 0 {
		desc = desc.WithDevnum(uint64(rdev))
	}
	for _, tag := range d.Tags() {
		desc = desc.WithTag(tag)
	}
	for key, value := range d.Properties() {
		desc = desc.WithProperty(key, value)
	}
	for attr := range d.Sysattrs() {
		desc = desc.WithSysattr(attr, d.SysattrValue(attr))
	}
	return desc
}
