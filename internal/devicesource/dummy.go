package devicesource

import "context"

// DummySource is used when the real udev adapter is unavailable or
// dummy mode is forced (spec.md §4.2): enumerate is empty and monitor
// never produces events, so every query resolves "not available," but
// the control surface and supervisor integration remain functional.
type DummySource struct{}

// NewDummySource builds a DummySource.
func NewDummySource() *DummySource { return &DummySource{} }

// Enumerate always returns no devices.
func (s *DummySource) Enumerate(Filter) ([]Descriptor, error) {
	return nil, nil
}

// Monitor returns channels that are only ever closed by ctx
// cancellation; no event or error is ever produced.
func (s *DummySource) Monitor(ctx context.Context, _ Filter) (<-chan Descriptor, <-chan error, error) {
	events := make(chan Descriptor)
	errs := make(chan error)
	go func() {
		<-ctx.Done()
		close(events)
		close(errs)
	}()
	return events, errs, nil
}

// Close is a no-op for DummySource.
func (s *DummySource) Close() error { return nil }
