// Package supervisorbridge wires devicetable events for tagged devices
// into the Init Supervisor: each device maps to a synthetic service
// whose "waits-for" dependency set tracks the device's WAITS_FOR
// property, coalescing any events that arrive while an operation is
// already in flight into a single follow-up operation (spec.md §4.5).
package supervisorbridge

import (
	"fmt"

	"github.com/chimera-devmond/devmond/internal/devicetable"
	"github.com/chimera-devmond/devmond/internal/dinitctl"
	"github.com/chimera-devmond/devmond/internal/protocol"
)

// ServicePrefix is the fixed prefix spec.md §4.5 and its glossary
// mandate for a device's synthetic service name ("device@<syspath>").
const ServicePrefix = "device@"

type handleState struct {
	handle uint32
	have   bool
}

// Bridge is the devicetable.Bridge implementation. It must only ever
// be driven from the single coordinating goroutine that also owns the
// Table and the dinitctl.Client (spec.md §5).
type Bridge struct {
	client   *dinitctl.Client
	table    *devicetable.Table
	notifier devicetable.Notifier

	rootHandle uint32

	devHandles  map[string]*handleState
	nameHandles map[string]*handleState
}

// New builds a Bridge bound to client and table. table is used only to
// read back Device state (CurrentDeps/PendingDeps/NextDeps/Processing/
// Pending/Removal); the Table's Bridge calls must be routed to this
// Bridge (cmd/devmond does so through a forwarder set after New)
// before devices start flowing. notifier receives
// the terminal "1"/"0" transition once a device's wiring operation
// fully completes (spec.md §4.5 process() step 1).
func New(client *dinitctl.Client, table *devicetable.Table, notifier devicetable.Notifier) *Bridge {
	return &Bridge{
		client:      client,
		table:       table,
		notifier:    notifier,
		devHandles:  map[string]*handleState{},
		nameHandles: map[string]*handleState{},
	}
}

// SetRootHandle records the handle obtained for the root service at
// startup (spec.md §4.5's "Root-service handle", loaded once via
// load_service before the EventLoop starts).
func (b *Bridge) SetRootHandle(handle uint32) {
	b.rootHandle = handle
}

// HandleEvent implements devicetable.Bridge. It is called once per
// add/change/remove for any device that has ever carried an opt-in
// tag, with the device's current WAITS_FOR dependency names.
func (b *Bridge) HandleEvent(syspath string, removal bool, waitsFor []string) {
	d, ok := b.table.Get(syspath)
	if !ok {
		return
	}
	target := setOf(waitsFor)

	if d.Processing {
		d.Pending = true
		d.Removal = removal
		d.NextDeps = target
		return
	}

	d.Processing = true
	d.Removal = removal
	d.PendingDeps = target
	b.beginOperation(d)
}

func (b *Bridge) beginOperation(d *devicetable.Device) {
	h, ok := b.devHandles[d.Syspath]
	if !ok {
		h = &handleState{}
		b.devHandles[d.Syspath] = h
	}
	// Snapshot the flavour: a coalesced event may overwrite d.Removal
	// while this operation is still in flight.
	removal := d.Removal

	if removal && !h.have {
		// Never loaded (e.g. the only event seen for this device is
		// its own removal); nothing was ever wired.
		d.CurrentDeps = map[string]struct{}{}
		b.finishOperation(d)
		return
	}

	if !h.have {
		name := serviceName(d.Syspath)
		b.client.LoadService(name, removal, func(handle uint32, err error) {
			if err != nil {
				b.finishOperation(d)
				return
			}
			h.handle = handle
			h.have = true
			b.wireRootDependency(d, h, removal)
		})
		return
	}
	b.wireRootDependency(d, h, removal)
}

// wireRootDependency implements spec.md §4.5 step 5: the root
// service's soft dependency on this device's synthetic service is
// added on non-removal and removed on removal, before the per-name
// WAITS_FOR diff (step 6) runs.
func (b *Bridge) wireRootDependency(d *devicetable.Device, h *handleState, removal bool) {
	b.client.AddRemoveServiceDependency(b.rootHandle, h.handle, !removal, removal, func(error) {
		if removal {
			b.applyRemoval(d, h)
			return
		}
		b.applyDepsDiff(d, h)
	})
}

// applyDepsDiff issues one add_remove_service_dependency call per
// dependency gained or lost since CurrentDeps and, issued alongside
// them (before any of them is acknowledged), a wake_service call so
// the Init Supervisor re-evaluates the device's synthetic
// service immediately (spec.md §4.5 steps 3-6).
func (b *Bridge) applyDepsDiff(d *devicetable.Device, h *handleState) {
	toAdd, toRemove := diff(d.CurrentDeps, d.PendingDeps)
	remaining := len(toAdd) + len(toRemove) + 1

	done := func() {
		remaining--
		if remaining == 0 {
			d.CurrentDeps = d.PendingDeps
			d.PendingDeps = nil
			b.finishOperation(d)
		}
	}

	for name := range toAdd {
		name := name
		b.resolveHandle(name, func(toHandle uint32, err error) {
			if err != nil {
				done()
				return
			}
			b.client.AddRemoveServiceDependency(h.handle, toHandle, true, false, func(error) { done() })
		})
	}
	for name := range toRemove {
		name := name
		b.resolveHandle(name, func(toHandle uint32, err error) {
			if err != nil {
				done()
				return
			}
			b.client.AddRemoveServiceDependency(h.handle, toHandle, false, true, func(error) { done() })
		})
	}
	b.client.WakeService(h.handle, func(error) { done() })
}

// applyRemoval tears down every dependency edge this device's service
// holds, closes its handle, and clears CurrentDeps (spec.md §4.5's
// removal path).
func (b *Bridge) applyRemoval(d *devicetable.Device, h *handleState) {
	if !h.have {
		d.CurrentDeps = map[string]struct{}{}
		b.finishOperation(d)
		return
	}

	remaining := len(d.CurrentDeps) + 1
	done := func() {
		remaining--
		if remaining == 0 {
			d.CurrentDeps = map[string]struct{}{}
			h.have = false
			delete(b.devHandles, d.Syspath)
			b.finishOperation(d)
		}
	}

	for name := range d.CurrentDeps {
		name := name
		b.resolveHandle(name, func(toHandle uint32, err error) {
			if err != nil {
				done()
				return
			}
			b.client.AddRemoveServiceDependency(h.handle, toHandle, false, true, func(error) { done() })
		})
	}
	b.client.CloseServiceHandle(h.handle, func(error) { done() })
}

// finishOperation clears Processing and, if a coalesced update arrived
// while the just-completed operation was in flight, immediately starts
// the next one with the coalesced target (spec.md §4.5 step 7).
func (b *Bridge) finishOperation(d *devicetable.Device) {
	d.Processing = false
	b.notifyTerminal(d)
	if !d.Pending {
		return
	}
	d.Pending = false
	d.PendingDeps = d.NextDeps
	d.NextDeps = nil
	d.Processing = true
	b.beginOperation(d)
}

// notifyTerminal emits the "1 on completed add, 0 on completed
// removal" transition this device's tag-gated subscribers have been
// waiting on since devicetable suppressed its own immediate
// notification for this HasTag device (spec.md §4.5 process() step 1,
// §4.3's "processing ⇒ not yet ready" rule).
func (b *Bridge) notifyTerminal(d *devicetable.Device) {
	if b.notifier == nil {
		return
	}
	status := b.table.Resolve(protocol.TagSys, d.Syspath)
	b.notifier.Notify(protocol.TagSys, d.Syspath, status)
	if d.Subsystem == "usb" {
		b.notifier.Notify(protocol.TagUSB, d.Syspath, status)
		return
	}
	if d.Name != "" {
		kind := protocol.TagDev
		if d.Subsystem == "net" {
			kind = protocol.TagNetif
		}
		b.notifier.Notify(kind, d.Name, status)
	}
	if d.Mac != "" {
		b.notifier.Notify(protocol.TagMac, d.Mac, status)
	}
}

func (b *Bridge) resolveHandle(name string, done func(handle uint32, err error)) {
	if h, ok := b.nameHandles[name]; ok && h.have {
		done(h.handle, nil)
		return
	}
	h := &handleState{}
	b.nameHandles[name] = h
	b.client.LoadService(name, false, func(handle uint32, err error) {
		if err != nil {
			done(0, err)
			return
		}
		h.handle = handle
		h.have = true
		done(handle, nil)
	})
}

func serviceName(syspath string) string {
	return fmt.Sprintf("%s%s", ServicePrefix, syspath)
}

func setOf(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func diff(current, target map[string]struct{}) (toAdd, toRemove map[string]struct{}) {
	toAdd = map[string]struct{}{}
	toRemove = map[string]struct{}{}
	for n := range target {
		if _, ok := current[n]; !ok {
			toAdd[n] = struct{}{}
		}
	}
	for n := range current {
		if _, ok := target[n]; !ok {
			toRemove[n] = struct{}{}
		}
	}
	return toAdd, toRemove
}
