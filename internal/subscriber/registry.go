package subscriber

import (
	"github.com/chimera-devmond/devmond/internal/devicetable"
	"github.com/chimera-devmond/devmond/internal/protocol"
)

type queryKey struct {
	kind  protocol.Tag
	value string
}

// Registry is the SubscriberRegistry: it tracks every connection past
// its handshake stage, indexes them by (kind, value) for O(1)
// notification fan-out, and implements devicetable.Notifier so the
// Table can push transitions directly (spec.md §4.4).
type Registry struct {
	table *devicetable.Table
	byKey map[queryKey]map[*Conn]struct{}
}

// NewRegistry builds an empty Registry bound to table. table.Resolve
// is used to compute a connection's initial reply once its query
// frame completes.
func NewRegistry(table *devicetable.Table) *Registry {
	return &Registry{
		table: table,
		byKey: map[queryKey]map[*Conn]struct{}{},
	}
}

// Advance is called once a Conn's Feed reports resolved == true. A
// dump connection gets its one-shot table snapshot and is closed
// immediately (SPEC_FULL.md §4.4: a full-table dump, never an ongoing
// subscription); an ordinary connection is registered under its query
// key and sent its initial status.
func (r *Registry) Advance(c *Conn) error {
	if c.dump {
		return r.writeDump(c)
	}
	key := queryKey{kind: c.kind, value: c.value}
	set, ok := r.byKey[key]
	if !ok {
		set = map[*Conn]struct{}{}
		r.byKey[key] = set
	}
	set[c] = struct{}{}
	return c.WriteStatus(r.table.Resolve(c.kind, c.value))
}

// Remove drops c from every index it may be registered under. Callers
// must invoke this once a Conn reports Closed() (spec.md §4.4: a
// subscriber whose write failed is evicted, not retried; a write that
// only hit EAGAIN drops that one notification and keeps the
// subscription).
func (r *Registry) Remove(c *Conn) {
	key := queryKey{kind: c.kind, value: c.value}
	if set, ok := r.byKey[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byKey, key)
		}
	}
}

// Notify implements devicetable.Notifier: every connection whose query
// matches (kind, value) gets one non-blocking status-byte write.
// Connections that error out are removed from every index; the
// EventLoop is responsible for actually closing their descriptors once
// it notices Closed() (spec.md §4.6's per-connection advancement step).
func (r *Registry) Notify(kind protocol.Tag, value string, status protocol.Status) {
	set, ok := r.byKey[queryKey{kind: kind, value: value}]
	if !ok {
		return
	}
	var dead []*Conn
	for c := range set {
		if err := c.WriteStatus(status); err != nil {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		r.Remove(c)
	}
}

// writeDump renders the whole table as a sequence of length-prefixed
// records and hands it to c in a single write, closing c in the
// process (SPEC_FULL.md §4.4/§4.8).
func (r *Registry) writeDump(c *Conn) error {
	var payload []byte
	for _, d := range r.table.Snapshot() {
		payload = append(payload, protocol.EncodeDumpRecord(protocol.DumpRecord{
			Syspath:   d.Syspath,
			Subsystem: d.Subsystem,
			Name:      d.Name,
			Mac:       d.Mac,
			HasTag:    d.HasTag,
			Removed:   d.Removed,
		})...)
	}
	return c.WriteDump(payload)
}
