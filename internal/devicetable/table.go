package devicetable

import (
	"fmt"
	"strings"

	"github.com/chimera-devmond/devmond/internal/devicesource"
	"github.com/chimera-devmond/devmond/internal/protocol"
)

// Notifier is implemented by the SubscriberRegistry; DeviceTable calls
// it on every transition it decides subscribers must hear about
// (spec.md §4.3's "transitions to emit").
type Notifier interface {
	Notify(kind protocol.Tag, value string, status protocol.Status)
}

// Bridge is implemented by the SupervisorBridge; DeviceTable calls it
// for every add/change/remove seen on a device that has ever carried
// an opt-in tag (spec.md §4.5's "has_tag is sticky").
type Bridge interface {
	HandleEvent(syspath string, removal bool, waitsFor []string)
}

// USBEnrichRequester is implemented by the broker's EventLoop. Table
// calls it once per USB device's become-available transition so the
// gousb lookup (SPEC_FULL.md §2.11) runs off the coordinating
// goroutine instead of blocking it; the result comes back through
// ApplyUSBEnrichment.
type USBEnrichRequester interface {
	RequestEnrich(key string)
}

// Table is the canonical device map plus its secondary indexes. All
// methods are single-threaded and non-blocking; the EventLoop is the
// sole caller (spec.md §5).
type Table struct {
	devices      map[string]*Device
	devnodeIndex map[string]string
	ifnameIndex  map[string]string
	macIndex     map[string]string

	notifier Notifier
	bridge   Bridge
	enricher USBEnrichRequester
}

// New builds an empty Table wired to the given Notifier and Bridge.
func New(notifier Notifier, bridge Bridge) *Table {
	return &Table{
		devices:      map[string]*Device{},
		devnodeIndex: map[string]string{},
		ifnameIndex:  map[string]string{},
		macIndex:     map[string]string{},
		notifier:     notifier,
		bridge:       bridge,
	}
}

// SetEnrichRequester wires in the broker's best-effort USB enrichment
// lookup (SPEC_FULL.md §2.11). Leaving it unset simply skips
// enrichment; no invariant depends on it.
func (t *Table) SetEnrichRequester(e USBEnrichRequester) {
	t.enricher = e
}

// ApplyUSBEnrichment stores the bus/address a USBEnrichRequester
// reported for key. It is purely diagnostic: a stale or out-of-order
// result (the device has since been removed, or re-added under a new
// record) is applied to whatever record currently holds that key, or
// silently dropped if none does.
func (t *Table) ApplyUSBEnrichment(key string, bus, address int) {
	d, ok := t.devices[key]
	if !ok {
		return
	}
	d.USBDescriptor = &USBDescriptor{Bus: bus, Address: address}
}

// Get returns the device record at syspath, if any.
func (t *Table) Get(syspath string) (*Device, bool) {
	d, ok := t.devices[syspath]
	return d, ok
}

// LookupDevnode resolves a literal devnode path to its Device.
func (t *Table) LookupDevnode(devnode string) (*Device, bool) {
	syspath, ok := t.devnodeIndex[devnode]
	if !ok {
		return nil, false
	}
	return t.Get(syspath)
}

// LookupIfname resolves an interface name to its Device.
func (t *Table) LookupIfname(ifname string) (*Device, bool) {
	syspath, ok := t.ifnameIndex[ifname]
	if !ok {
		return nil, false
	}
	return t.Get(syspath)
}

// LookupMac resolves a MAC address to its Device.
func (t *Table) LookupMac(mac string) (*Device, bool) {
	syspath, ok := t.macIndex[mac]
	if !ok {
		return nil, false
	}
	return t.Get(syspath)
}

// Resolve reports the current status for a (kind, value) query, per
// spec.md §4.3/§4.4: a device that is processing or removed (or, for
// usb, has an empty devset) is reported unavailable.
func (t *Table) Resolve(kind protocol.Tag, value string) protocol.Status {
	var d *Device
	var ok bool
	switch kind {
	case protocol.TagSys, protocol.TagUSB:
		d, ok = t.Get(value)
	case protocol.TagDev:
		d, ok = t.LookupDevnode(value)
	case protocol.TagNetif:
		d, ok = t.LookupIfname(value)
	case protocol.TagMac:
		d, ok = t.LookupMac(value)
	}
	if !ok {
		return protocol.StatusUnavailable
	}
	return d.status()
}

// Snapshot returns every device currently in the table, for
// devmonctl's dump handshake (SPEC_FULL.md §4.8). The returned slice
// is a copy; callers must not mutate the Devices inside it.
func (t *Table) Snapshot() []*Device {
	out := make([]*Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	return out
}

// OnEnumerate seeds the table during startup. It is equivalent to
// OnAdd but writes no notifications, since no subscribers are
// connected yet (spec.md §4.3, testable property 5); SupervisorBridge
// is still invoked.
func (t *Table) OnEnumerate(desc devicesource.Descriptor) {
	t.apply(desc, false)
}

// OnAdd applies an add event, indexing the device and notifying
// subscribers of its new name/mac/readiness.
func (t *Table) OnAdd(desc devicesource.Descriptor) {
	t.apply(desc, true)
}

// OnChange applies a change event: per spec.md §4.3 it is treated as
// an add, except that a name/mac transition emits 0 to subscribers of
// the old value before indexing (and notifying 1 for) the new one.
func (t *Table) OnChange(desc devicesource.Descriptor) {
	t.apply(desc, true)
}

func (t *Table) apply(desc devicesource.Descriptor, notify bool) {
	if desc.Subsystem == "usb" {
		t.applyUSB(desc, notify)
		return
	}

	d, existed := t.devices[desc.Syspath]
	if !existed {
		d = newDevice(desc.Syspath, desc.Subsystem)
		t.devices[desc.Syspath] = d
	}

	oldName := d.Name
	oldMac := d.Mac

	if desc.HasTag("chimera") || desc.HasTag("devd") {
		d.HasTag = true
	}

	newName := desc.Devnode
	if desc.Subsystem == "net" {
		newName = desc.Sysname
	}
	newMac, _ := desc.Property("ID_NET_NAME_MAC")
	if newMac == "" {
		newMac, _ = desc.Property("MAC_ADDRESS")
	}

	if newName != oldName {
		if oldName != "" {
			t.deindexName(d.Subsystem, oldName)
			if notify {
				t.notifier.Notify(nameQueryTag(d.Subsystem), oldName, protocol.StatusUnavailable)
			}
		}
		d.Name = newName
		if newName != "" {
			t.indexName(d.Subsystem, newName, d.Syspath)
		}
	}

	if d.Subsystem == "net" && newMac != oldMac {
		if oldMac != "" {
			delete(t.macIndex, oldMac)
			if notify {
				t.notifier.Notify(protocol.TagMac, oldMac, protocol.StatusUnavailable)
			}
		}
		d.Mac = newMac
		if newMac != "" {
			t.macIndex[newMac] = d.Syspath
		}
	}

	d.Removed = false

	// A tagged device's readiness transitions are gated by the
	// SupervisorBridge operation it just kicked off below; the terminal
	// "1"/"0" is emitted by the bridge once wiring completes, not here
	// (spec.md §4.3's "processing ⇒ not yet ready" rule).
	if notify && !d.HasTag {
		status := d.status()
		t.notifier.Notify(protocol.TagSys, d.Syspath, status)
		if d.Name != "" {
			t.notifier.Notify(nameQueryTag(d.Subsystem), d.Name, status)
		}
		if d.Mac != "" {
			t.notifier.Notify(protocol.TagMac, d.Mac, status)
		}
	}

	t.invokeBridge(d, desc, false)
}

func (t *Table) applyUSB(desc devicesource.Descriptor, notify bool) {
	key, ok := usbKey(desc)
	if !ok {
		return
	}
	d, existed := t.devices[key]
	if !existed {
		d = newDevice(key, "usb")
		t.devices[key] = d
	}

	if desc.HasTag("chimera") || desc.HasTag("devd") {
		d.HasTag = true
	}

	wasAvailable := d.status() == protocol.StatusAvailable
	if desc.Devnum != nil {
		d.DevSet[*desc.Devnum] = struct{}{}
	}
	if len(d.DevSet) > 0 {
		d.Removed = false
	}
	isAvailable := d.status() == protocol.StatusAvailable

	if !wasAvailable && isAvailable {
		if notify && !d.HasTag {
			t.notifier.Notify(protocol.TagUSB, d.Syspath, protocol.StatusAvailable)
		}
		if t.enricher != nil {
			t.enricher.RequestEnrich(d.Syspath)
		}
	}

	t.invokeBridge(d, desc, false)
}

// OnRemove applies a remove event (spec.md §4.3). For USB it decrements
// the devset and only tears the record down once the set empties; for
// everything else it marks the device removed, invokes the
// SupervisorBridge, then drops the secondary-index entries.
func (t *Table) OnRemove(desc devicesource.Descriptor) {
	if desc.Subsystem == "usb" {
		t.removeUSB(desc)
		return
	}

	d, ok := t.devices[desc.Syspath]
	if !ok || d.Removed {
		return
	}
	d.Removed = true

	t.invokeBridge(d, desc, true)

	// As above: a tagged device's terminal "0" is emitted by the bridge
	// once teardown wiring completes, not immediately here.
	if !d.HasTag {
		t.notifier.Notify(protocol.TagSys, d.Syspath, protocol.StatusUnavailable)
	}
	if d.Name != "" {
		if !d.HasTag {
			t.notifier.Notify(nameQueryTag(d.Subsystem), d.Name, protocol.StatusUnavailable)
		}
		t.deindexName(d.Subsystem, d.Name)
	}
	if d.Mac != "" {
		if !d.HasTag {
			t.notifier.Notify(protocol.TagMac, d.Mac, protocol.StatusUnavailable)
		}
		delete(t.macIndex, d.Mac)
	}
}

func (t *Table) removeUSB(desc devicesource.Descriptor) {
	key, ok := usbKey(desc)
	if !ok {
		return
	}
	d, ok := t.devices[key]
	if !ok {
		return
	}
	if desc.Devnum != nil {
		delete(d.DevSet, *desc.Devnum)
	}
	if len(d.DevSet) > 0 {
		// Other underlying devices with this vendor:product remain
		// present; no notification (spec.md §8 USB reference-counting
		// scenario).
		return
	}
	d.Removed = true
	t.invokeBridge(d, desc, true)
	if !d.HasTag {
		t.notifier.Notify(protocol.TagUSB, d.Syspath, protocol.StatusUnavailable)
	}
}

func (t *Table) invokeBridge(d *Device, desc devicesource.Descriptor, removal bool) {
	if !d.HasTag {
		return
	}
	waitsFor := parseWaitsFor(desc)
	t.bridge.HandleEvent(d.Syspath, removal, waitsFor)
}

func (t *Table) indexName(subsystem, name, syspath string) {
	switch subsystem {
	case "net":
		t.ifnameIndex[name] = syspath
	default:
		t.devnodeIndex[name] = syspath
	}
}

func (t *Table) deindexName(subsystem, name string) {
	switch subsystem {
	case "net":
		delete(t.ifnameIndex, name)
	default:
		delete(t.devnodeIndex, name)
	}
}

func nameQueryTag(subsystem string) protocol.Tag {
	if subsystem == "net" {
		return protocol.TagNetif
	}
	return protocol.TagDev
}

// usbKey derives the synthetic vendor:product identifier for a USB
// descriptor, preferring sysfs attributes (as a real udev adapter
// would expose them) and falling back to properties (for descriptors
// built directly by tests or alternate sources).
func usbKey(desc devicesource.Descriptor) (string, bool) {
	vendor, ok := desc.Sysattr("idVendor")
	if !ok {
		vendor, ok = desc.Property("ID_VENDOR_ID")
	}
	if !ok || vendor == "" {
		return "", false
	}
	product, ok := desc.Sysattr("idProduct")
	if !ok {
		product, ok = desc.Property("ID_MODEL_ID")
	}
	if !ok || product == "" {
		return "", false
	}
	return fmt.Sprintf("%s:%s", strings.ToLower(vendor), strings.ToLower(product)), true
}

// parseWaitsFor splits the WAITS_FOR property into a whitespace-
// separated set of service names (spec.md §4.5). An absent or empty
// property yields an empty set. No escaping, no ordering.
func parseWaitsFor(desc devicesource.Descriptor) []string {
	raw, ok := desc.Property("WAITS_FOR")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Fields(raw)
}
