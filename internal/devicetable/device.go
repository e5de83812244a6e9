// Package devicetable maintains the canonical table of currently
// present devices and the secondary indexes that let the broker
// resolve dev/sys/netif/mac/usb queries (spec.md §3, §4.3).
package devicetable

import "github.com/chimera-devmond/devmond/internal/protocol"

// Device is one entry, keyed by Syspath (spec.md §3). For USB devices
// Syspath is the synthetic "vendor:product" identifier (spec.md §9's
// first Open Question, resolved in favour of the synthetic form).
type Device struct {
	Syspath   string
	Subsystem string
	Name      string // devnode path (block/tty) or ifname (net); "" if none yet
	Mac       string // only for net
	DevSet    map[uint64]struct{}
	HasTag    bool
	Removed   bool

	// Per-device SupervisorBridge event-processing state (spec.md §4.5).
	Processing  bool
	Pending     bool
	Removal     bool
	CurrentDeps map[string]struct{}
	PendingDeps map[string]struct{}
	NextDeps    map[string]struct{}

	// USBDescriptor is a diagnostic-only enrichment (SPEC_FULL.md
	// §2.11): bus/address of the device the USB library opens for this
	// vendor:product, looked up when the group becomes available. It
	// never participates in any invariant.
	USBDescriptor *USBDescriptor
}

// USBDescriptor carries best-effort gousb enrichment data.
type USBDescriptor struct {
	Bus     int
	Address int
}

func newDevice(syspath, subsystem string) *Device {
	return &Device{
		Syspath:     syspath,
		Subsystem:   subsystem,
		DevSet:      map[uint64]struct{}{},
		CurrentDeps: map[string]struct{}{},
		PendingDeps: map[string]struct{}{},
		NextDeps:    map[string]struct{}{},
	}
}

// status reports the Device's current availability for notification
// and initial-reply purposes (spec.md §4.3's "processing ⇒ not yet
// ready" rule).
func (d *Device) status() protocol.Status {
	if d.Removed || d.Processing {
		return protocol.StatusUnavailable
	}
	if d.Subsystem == "usb" {
		if len(d.DevSet) == 0 {
			return protocol.StatusUnavailable
		}
		return protocol.StatusAvailable
	}
	return protocol.StatusAvailable
}
