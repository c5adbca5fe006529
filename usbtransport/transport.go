// Package usbtransport wraps github.com/google/gousb to provide the USB
// primitives the KryoFlux device controller needs: opening a device by
// vendor/product ID and ordinal, claiming an interface, synchronous
// control-IN / bulk-OUT / bulk-IN, and a pipelined asynchronous bulk-IN
// reader (see async.go). It intentionally exposes nothing about gousb's
// own types in its public surface beyond *gousb.Context lifetime, so the
// device controller and capture orchestrator stay testable against a
// fake transport.
package usbtransport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"
)

// Transport owns the process-wide libusb context. Per the design notes,
// this is the one piece of global state the core is allowed to carry
// implicitly, created once by Init and released once by Exit, which the
// CLI entry point defers at process startup.
type Transport struct {
	ctx *gousb.Context
}

// Init brings up the USB library. It must be called once per process
// before any Open call.
func Init() *Transport {
	return &Transport{ctx: gousb.NewContext()}
}

// Exit releases the USB library. Safe to call from a deferred statement
// even if no device was ever opened.
func (t *Transport) Exit() error {
	if t == nil || t.ctx == nil {
		return nil
	}
	return t.ctx.Close()
}

// Device is an opened, interface-claimed USB device handle.
type Device struct {
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	ifcNum int
}

// Open returns a handle to the ordinal-th (0-indexed) device matching
// vid/pid. It does not claim an interface or a configuration; call Claim
// for that.
func (t *Transport) Open(vid, pid uint16, ordinal int) (*Device, error) {
	var matched []*gousb.Device
	devs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, fmt.Errorf("usbtransport: enumerate vid=%04x pid=%04x: %w", vid, pid, err)
	}
	matched = devs
	if ordinal >= len(matched) {
		for _, d := range matched {
			d.Close()
		}
		return nil, fmt.Errorf("usbtransport: no device #%d with vid=%04x pid=%04x (found %d)", ordinal, vid, pid, len(matched))
	}
	chosen := matched[ordinal]
	for i, d := range matched {
		if i != ordinal {
			d.Close()
		}
	}
	return &Device{dev: chosen}, nil
}

// Close releases the device handle, tolerating a handle with no claimed
// interface.
func (d *Device) Close() error {
	if d == nil || d.dev == nil {
		return nil
	}
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	return d.dev.Close()
}

// Claim selects configuration 1 and claims the given interface number
// (alt-setting 0) exclusively.
func (d *Device) Claim(ifc int) error {
	cfg, err := d.dev.Config(1)
	if err != nil {
		return fmt.Errorf("usbtransport: set config: %w", err)
	}
	intf, err := cfg.Interface(ifc, 0)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("usbtransport: claim interface %d: %w", ifc, err)
	}
	d.cfg = cfg
	d.intf = intf
	d.ifcNum = ifc
	return nil
}

// Release gives up the claimed interface.
func (d *Device) Release() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		err := d.cfg.Close()
		d.cfg = nil
		return err
	}
	return nil
}

// endpointAddress ORs in the transfer direction bit for the given
// logical endpoint number (1..15).
func endpointAddress(ep int, in bool) int {
	addr := ep & 0x0f
	if in {
		addr |= 0x80
	}
	return addr
}

// SyncBulkOut writes buf to the given OUT endpoint, succeeding only if
// every byte was accepted; a short write is reported as an error rather
// than a partial success.
func (d *Device) SyncBulkOut(ep int, buf []byte, timeout time.Duration) error {
	epOut, err := d.intf.OutEndpoint(endpointAddress(ep, false))
	if err != nil {
		return fmt.Errorf("usbtransport: open OUT endpoint %d: %w", ep, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := epOut.WriteContext(ctx, buf)
	if err != nil {
		return fmt.Errorf("usbtransport: bulk out ep %d failed: %w", ep, err)
	}
	if n != len(buf) {
		return fmt.Errorf("usbtransport: bulk out ep %d truncated: %d != %d", ep, n, len(buf))
	}
	return nil
}

// SyncBulkIn reads up to len(buf) bytes from the given IN endpoint,
// returning the actual length transferred.
func (d *Device) SyncBulkIn(ep int, buf []byte, timeout time.Duration) (int, error) {
	epIn, err := d.intf.InEndpoint(endpointAddress(ep, true))
	if err != nil {
		return 0, fmt.Errorf("usbtransport: open IN endpoint %d: %w", ep, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := epIn.ReadContext(ctx, buf)
	if err != nil {
		return 0, fmt.Errorf("usbtransport: bulk in ep %d failed: %w", ep, err)
	}
	return n, nil
}

// ErrSilentNAK is returned by SyncControlIn in place of a wrapped error
// when silentNAK is true and the device stalled the request, the
// device-controller's firmware-presence stability loop treats this as a
// recovered "firmware absent" observation rather than a fatal error.
var ErrSilentNAK = fmt.Errorf("usbtransport: device NAKed (silent)")

// SyncControlIn issues a vendor control-IN transfer. When silentNAK is
// true and the device stalls the pipe, ErrSilentNAK is returned instead
// of a generic transport error, so callers can distinguish a recoverable
// NAK from a genuine fault.
func (d *Device) SyncControlIn(reqType, request byte, value, index uint16, buf []byte, timeout time.Duration, silentNAK bool) (int, error) {
	d.dev.ControlTimeout = timeout
	n, err := d.dev.Control(reqType, request, value, index, buf)
	if err != nil {
		if silentNAK && isStallError(err) {
			return -2, ErrSilentNAK
		}
		return -1, fmt.Errorf("usbtransport: control in req=0x%02x: %w", request, err)
	}
	return n, nil
}

// isStallError reports whether err represents a USB STALL/pipe error:
// the condition the bootloader probe treats as "firmware not present
// yet". gousb surfaces this as a TransferStatus-bearing error whose
// text names the pipe/stall condition; matching on text is the most
// portable check available without depending on gousb's internal error
// types, which vary across its libusb binding versions.
func isStallError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "stall") || strings.Contains(s, "pipe")
}

// inEndpoint returns the claimed interface's IN endpoint.
func (d *Device) inEndpoint(ep int) (*gousb.InEndpoint, error) {
	return d.intf.InEndpoint(endpointAddress(ep, true))
}

// StartAsyncBulkIn opens the given IN endpoint and begins a pipelined
// asynchronous read session on it (see async.go). Callers outside this
// package never need to name *gousb.InEndpoint themselves.
func (d *Device) StartAsyncBulkIn(ep, n, bufSize int, timeout time.Duration, consumer Consumer) (*AsyncSession, error) {
	in, err := d.inEndpoint(ep)
	if err != nil {
		return nil, fmt.Errorf("usbtransport: open async IN endpoint %d: %w", ep, err)
	}
	return StartAsyncBulkIn(in, n, bufSize, timeout, consumer)
}
