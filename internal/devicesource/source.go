// Package devicesource adapts a kernel device event source (udev) to
// the contract devmond needs (spec.md §4.2): a finite, restartable
// enumeration at startup and an ongoing monitor stream, both filtered
// by subsystem or by opt-in tag.
package devicesource

import "context"

// Action is the kind of kernel device-model event a Descriptor
// represents.
type Action string

const (
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionRemove Action = "remove"
	ActionBind   Action = "bind"
	ActionUnbind Action = "unbind"
)

// Descriptor is one device-model event or enumeration entry. Nullable
// fields use the zero value to mean "absent" per their accessor
// contract in spec.md §4.2 (Devnode == "" means no node yet, Devnum ==
// nil means no device number).
type Descriptor struct {
	Syspath   string
	Subsystem string
	Sysname   string
	Devnode   string
	Action    Action
	Devnum    *uint64

	tags       map[string]struct{}
	properties map[string]string
	sysattrs   map[string]string
}

// NewDescriptor builds a Descriptor with its tag/property/sysattr
// maps initialized; devicesource implementations and tests should use
// this rather than composite-literal the struct directly.
func NewDescriptor(syspath, subsystem, sysname string, action Action) Descriptor {
	return Descriptor{
		Syspath:    syspath,
		Subsystem:  subsystem,
		Sysname:    sysname,
		Action:     action,
		tags:       map[string]struct{}{},
		properties: map[string]string{},
		sysattrs:   map[string]string{},
	}
}

// WithDevnum returns a copy of d with Devnum set.
func (d Descriptor) WithDevnum(n uint64) Descriptor {
	d.Devnum = &n
	return d
}

// WithTag marks d as carrying the named opt-in tag.
func (d Descriptor) WithTag(name string) Descriptor {
	d.ensureMaps()
	d.tags[name] = struct{}{}
	return d
}

// WithProperty attaches a udev property (e.g. WAITS_FOR).
func (d Descriptor) WithProperty(key, value string) Descriptor {
	d.ensureMaps()
	d.properties[key] = value
	return d
}

// WithSysattr attaches a sysfs attribute value.
func (d Descriptor) WithSysattr(key, value string) Descriptor {
	d.ensureMaps()
	d.sysattrs[key] = value
	return d
}

func (d *Descriptor) ensureMaps() {
	if d.tags == nil {
		d.tags = map[string]struct{}{}
	}
	if d.properties == nil {
		d.properties = map[string]string{}
	}
	if d.sysattrs == nil {
		d.sysattrs = map[string]string{}
	}
}

// HasTag reports whether the descriptor carries the named opt-in tag.
func (d Descriptor) HasTag(name string) bool {
	_, ok := d.tags[name]
	return ok
}

// Property returns a udev property value, or ("", false) if absent.
func (d Descriptor) Property(name string) (string, bool) {
	v, ok := d.properties[name]
	return v, ok
}

// Sysattr returns a sysfs attribute value, or ("", false) if absent.
func (d Descriptor) Sysattr(name string) (string, bool) {
	v, ok := d.sysattrs[name]
	return v, ok
}

// Filter selects which devices an Enumerate/Monitor call should yield.
// spec.md §4.2 requires two filters to run concurrently: a closed set
// of always-tracked subsystems, and any device carrying one of the
// opt-in tags, independent of subsystem.
type Filter struct {
	Subsystems []string
	Tags       []string
}

// AlwaysTrackedSubsystems is the closed set of subsystems devmond
// tracks regardless of tagging (spec.md §4.2).
var AlwaysTrackedSubsystems = []string{"block", "net", "tty", "usb"}

// OptInTags is the set of tags that put an otherwise-untracked device
// under devmond's watch (spec.md §4.5's "chimera-supervisor tag,
// legacy compatibility tag").
var OptInTags = []string{"chimera", "devd"}

// SubsystemFilter builds the always-tracked-subsystem Filter.
func SubsystemFilter() Filter {
	return Filter{Subsystems: append([]string(nil), AlwaysTrackedSubsystems...)}
}

// TagFilter builds the opt-in-tag Filter.
func TagFilter() Filter {
	return Filter{Tags: append([]string(nil), OptInTags...)}
}

// Source is the contract devmond's broker consumes; RealSource (udev)
// and DummySource both implement it.
type Source interface {
	// Enumerate returns a finite, restartable snapshot of currently
	// present devices matching filter.
	Enumerate(filter Filter) ([]Descriptor, error)

	// Monitor starts an ongoing watch matching filter and returns a
	// channel of events and a channel of terminal errors. Monitor may
	// be called more than once (spec.md §4.2's "two parallel
	// enumerations/monitors"); each call owns independent channels.
	// The context cancels the monitor and closes both channels.
	Monitor(ctx context.Context, filter Filter) (<-chan Descriptor, <-chan error, error)

	// Close releases any resources held by the source (e.g. the
	// libudev context). Safe to call once all Monitor contexts have
	// been cancelled.
	Close() error
}
