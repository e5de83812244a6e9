//go:build !linux || !cgo

package devicesource

import (
	"context"
	"errors"
)

// ErrRealSourceUnavailable is returned by every RealSource method on
// platforms or builds where libudev isn't linked in (non-Linux, or
// CGO_ENABLED=0). spec.md §4.2 treats "the adapter library is
// unavailable" as a dummy-mode trigger, so callers should construct a
// DummySource instead of failing outright.
var ErrRealSourceUnavailable = errors.New("devicesource: real udev adapter not available on this build")

// RealSource is a stub on non-Linux/non-cgo builds; every method
// reports ErrRealSourceUnavailable.
type RealSource struct{}

// NewRealSource returns a stub RealSource.
func NewRealSource() *RealSource { return &RealSource{} }

func (s *RealSource) Enumerate(Filter) ([]Descriptor, error) {
	return nil, ErrRealSourceUnavailable
}

func (s *RealSource) Monitor(context.Context, Filter) (<-chan Descriptor, <-chan error, error) {
	return nil, nil, ErrRealSourceUnavailable
}

func (s *RealSource) Close() error { return nil }
