// Package usbenrich performs the best-effort USB descriptor enrichment
// described in SPEC_FULL.md §2.11: once a vendor:product Device's
// devset becomes non-empty, the broker opens the matching USB device
// via google/gousb (the teacher's own USB dependency, see
// internal/driver/device/usb_device.go's OpenUSBDevice) just long
// enough to read back its bus/address for operator diagnostics.
// Nothing here ever affects a Device's availability.
package usbenrich

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"
)

// Enricher owns the one libusb context the broker needs for its
// lifetime; callers must Close it at shutdown.
type Enricher struct {
	ctx *gousb.Context
}

// New opens a fresh libusb context. gousb.NewContext never fails in
// the C API it wraps, matching the teacher's own unchecked
// construction in OpenUSBDevice/IsUSBDeviceAvailable.
func New() *Enricher {
	return &Enricher{ctx: gousb.NewContext()}
}

// Close releases the libusb context.
func (e *Enricher) Close() error {
	return e.ctx.Close()
}

// Describe opens the device identified by key (the same lowercase
// "vendor:product" hex form devicetable derives as its synthetic USB
// syspath) and reports its bus and address. Any failure - the device
// vanished between the devset update and this lookup, or no libusb
// backend is available - is returned as an error and never implies
// the device is unavailable (SPEC_FULL.md §2.11).
func (e *Enricher) Describe(key string) (bus, address int, err error) {
	vendor, product, err := parseKey(key)
	if err != nil {
		return 0, 0, err
	}
	dev, err := e.ctx.OpenDeviceWithVIDPID(vendor, product)
	if err != nil {
		return 0, 0, fmt.Errorf("usbenrich: open %s: %w", key, err)
	}
	if dev == nil {
		return 0, 0, fmt.Errorf("usbenrich: %s not found", key)
	}
	defer dev.Close()
	return dev.Desc.Bus, dev.Desc.Address, nil
}

func parseKey(key string) (gousb.ID, gousb.ID, error) {
	vendor, product, ok := strings.Cut(key, ":")
	if !ok {
		return 0, 0, fmt.Errorf("usbenrich: malformed usb key %q", key)
	}
	v, err := strconv.ParseUint(vendor, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("usbenrich: vendor id %q: %w", vendor, err)
	}
	p, err := strconv.ParseUint(product, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("usbenrich: product id %q: %w", product, err)
	}
	return gousb.ID(v), gousb.ID(p), nil
}
