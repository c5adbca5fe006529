// Package device implements the KryoFlux device-controller state machine:
// bootloader detection, firmware upload and re-enumeration, the
// DEVICE/DENSITY/MIN_TRACK/MAX_TRACK configuration sequence, motor and
// stream control, and the async bulk-IN read lifecycle used by the
// capture orchestrator.
package device

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sergev/kryoflux/usbtransport"
)

// USB identity and endpoint layout, grounded on original_source/src/device.c.
const (
	VendorID     = 0x03eb
	ProductID    = 0x6124
	InterfaceNum = 1

	bulkOutEP = 1 // bootloader commands, firmware chunks
	bulkInEP  = 2 // bootloader responses, firmware verify, capture stream
)

// Vendor control request codes. Request-type byte for all of these is
// reqTypeVendorIn (vendor, device-to-host, recipient=other).
const (
	reqTypeVendorIn = 0xc3

	ReqReset    = 0x05
	ReqDevice   = 0x06
	ReqDensity  = 0x08
	ReqMinTrack = 0x0c
	ReqMaxTrack = 0x0d
	ReqStatus   = 0x80
	ReqInfo     = 0x81

	// ReqMotor and ReqStream are not fixed by the upstream protocol; the
	// device.h declarations leave motor/stream control opaque at this
	// layer. These two codes are an implementation choice, picked to
	// avoid the fixed set above.
	ReqMotor  = 0x09
	ReqStream = 0x0e
)

const (
	firmwareLoadAddress = 0x00202000
	fwWriteChunkSize    = 16384
	fwReadChunkSize     = 6400

	bootloaderIOTimeout = 1 * time.Second
	bulkTimeout         = 2 * time.Second
	controlTimeout      = 5 * time.Second
	reenumerationSleep  = 1 * time.Second

	asyncBufCount   = 16
	asyncBufSize    = 32768
	asyncReadTimout = 10 * time.Second

	// defaultMaxProbeAttempts bounds the stability loop (Open Question
	// (a) in the design notes: the original does not bound retries).
	defaultMaxProbeAttempts = 40
)

// usbDevice is the subset of *usbtransport.Device the controller needs.
// Declared here so tests can exercise the bring-up/configure/motor/
// stream state machine against a fake, without real USB hardware.
type usbDevice interface {
	Close() error
	Claim(ifc int) error
	SyncBulkOut(ep int, buf []byte, timeout time.Duration) error
	SyncBulkIn(ep int, buf []byte, timeout time.Duration) (int, error)
	SyncControlIn(reqType, request byte, value, index uint16, buf []byte, timeout time.Duration, silentNAK bool) (int, error)
	StartAsyncBulkIn(ep, n, bufSize int, timeout time.Duration, consumer usbtransport.Consumer) (*usbtransport.AsyncSession, error)
}

// usbOpener is the subset of *usbtransport.Transport the controller
// needs to (re)open the device.
type usbOpener interface {
	Open(vid, pid uint16, ordinal int) (usbDevice, error)
}

// transportOpener adapts *usbtransport.Transport to usbOpener, so
// production code can hand New a concrete Transport while tests supply
// a fake usbOpener directly.
type transportOpener struct{ t *usbtransport.Transport }

func (o transportOpener) Open(vid, pid uint16, ordinal int) (usbDevice, error) {
	return o.t.Open(vid, pid, ordinal)
}

// Controller drives one physical KryoFlux device through bring-up,
// configuration, and per-track motor/stream control. It owns the USB
// device handle for the lifetime of a capture run.
type Controller struct {
	transport usbOpener
	dev       usbDevice
	ordinal   int

	// Verbose gates logging of bootloader query responses and control-IN
	// status strings.
	Verbose bool

	// MaxProbeAttempts bounds the firmware-presence stability loop.
	// Zero means defaultMaxProbeAttempts.
	MaxProbeAttempts int
}

// New returns a controller bound to the given transport and device
// ordinal. It does not open the device; call Init for that.
func New(t *usbtransport.Transport, ordinal int) *Controller {
	return &Controller{transport: transportOpener{t}, ordinal: ordinal}
}

func (c *Controller) maxProbeAttempts() int {
	if c.MaxProbeAttempts > 0 {
		return c.MaxProbeAttempts
	}
	return defaultMaxProbeAttempts
}

// Init brings the device up: open+claim, probe for firmware, upload it
// if absent (with re-enumeration), then run the post-present reset
// sequence. firmwarePath is read only if the probe finds no firmware.
func (c *Controller) Init(firmwarePath string) error {
	if err := c.openAndClaim(); err != nil {
		return err
	}

	present, err := c.probeFirmwarePresent()
	if err != nil {
		return err
	}
	if !present {
		if err := c.uploadFirmwareFromFile(firmwarePath); err != nil {
			return fmt.Errorf("device: firmware upload: %w", err)
		}
		present, err = c.probeFirmwarePresent()
		if err != nil {
			return err
		}
		if !present {
			return fmt.Errorf("device: firmware not present after upload and re-enumeration")
		}
	}

	return c.resetSequence()
}

func (c *Controller) openAndClaim() error {
	dev, err := c.transport.Open(VendorID, ProductID, c.ordinal)
	if err != nil {
		return fmt.Errorf("device: open: %w", err)
	}
	if err := dev.Claim(InterfaceNum); err != nil {
		dev.Close()
		return fmt.Errorf("device: claim interface: %w", err)
	}
	c.dev = dev
	return nil
}

// Close releases the device handle. Safe to call more than once.
func (c *Controller) Close() error {
	if c.dev == nil {
		return nil
	}
	err := c.dev.Close()
	c.dev = nil
	return err
}

// probeFirmwarePresent issues the stability loop described in
// spec §4.2: poll STATUS with silent_nak=true until two consecutive
// observations agree, then return that agreed value. Bounded by
// MaxProbeAttempts to avoid spinning forever against a dead device.
func (c *Controller) probeFirmwarePresent() (bool, error) {
	var prev bool
	havePrev := false

	for attempt := 0; attempt < c.maxProbeAttempts(); attempt++ {
		present, err := c.statusOnce()
		if err != nil {
			return false, err
		}
		if havePrev && present == prev {
			return present, nil
		}
		prev = present
		havePrev = true
	}
	return false, fmt.Errorf("device: firmware-presence probe did not stabilize after %d attempts", c.maxProbeAttempts())
}

func (c *Controller) statusOnce() (bool, error) {
	buf := make([]byte, 64)
	n, err := c.dev.SyncControlIn(reqTypeVendorIn, ReqStatus, 0, 0, buf, controlTimeout, true)
	if err != nil {
		if err == usbtransport.ErrSilentNAK {
			return false, nil
		}
		return false, fmt.Errorf("device: status probe: %w", err)
	}
	if c.Verbose {
		log.Printf("device: status probe ok: %q", string(buf[:n]))
	}
	return true, nil
}

// resetSequence issues RESET then two INFO requests in order, as the
// original device_reset does once firmware is confirmed present.
func (c *Controller) resetSequence() error {
	buf := make([]byte, 64)
	if _, err := c.dev.SyncControlIn(reqTypeVendorIn, ReqReset, 0, 0, buf, controlTimeout, false); err != nil {
		return fmt.Errorf("device: reset: %w", err)
	}
	if n, err := c.dev.SyncControlIn(reqTypeVendorIn, ReqInfo, 0, 1, buf, controlTimeout, false); err != nil {
		return fmt.Errorf("device: info(1): %w", err)
	} else if c.Verbose {
		log.Printf("device: info(1): %q", string(buf[:n]))
	}
	if n, err := c.dev.SyncControlIn(reqTypeVendorIn, ReqInfo, 0, 2, buf, controlTimeout, false); err != nil {
		return fmt.Errorf("device: info(2): %w", err)
	} else if c.Verbose {
		log.Printf("device: info(2): %q", string(buf[:n]))
	}
	return nil
}

// Configure issues DEVICE, DENSITY, MIN_TRACK, MAX_TRACK in order. All
// four must succeed.
func (c *Controller) Configure(driveID, density, minTrack, maxTrack byte) error {
	buf := make([]byte, 64)
	steps := []struct {
		name string
		req  byte
		val  uint16
	}{
		{"device", ReqDevice, uint16(driveID)},
		{"density", ReqDensity, uint16(density)},
		{"min_track", ReqMinTrack, uint16(minTrack)},
		{"max_track", ReqMaxTrack, uint16(maxTrack)},
	}
	for _, s := range steps {
		if _, err := c.dev.SyncControlIn(reqTypeVendorIn, s.req, s.val, 0, buf, controlTimeout, false); err != nil {
			return fmt.Errorf("device: configure(%s): %w", s.name, err)
		}
	}
	return nil
}

// MotorOn positions the head at track on the given side and energizes
// the drive motor. Side and track are packed into the control index,
// matching the motor/stream vendor-request convention chosen for
// ReqMotor/ReqStream.
func (c *Controller) MotorOn(side, track byte) error {
	buf := make([]byte, 16)
	index := uint16(side)<<8 | uint16(track)
	if _, err := c.dev.SyncControlIn(reqTypeVendorIn, ReqMotor, 1, index, buf, controlTimeout, false); err != nil {
		return fmt.Errorf("device: motor on: %w", err)
	}
	return nil
}

// MotorOff de-energizes the drive motor. Per design note (d), the capture
// orchestrator always attempts this at the end of a run, even after a
// failed capture.
func (c *Controller) MotorOff() error {
	buf := make([]byte, 16)
	if _, err := c.dev.SyncControlIn(reqTypeVendorIn, ReqMotor, 0, 0, buf, controlTimeout, false); err != nil {
		return fmt.Errorf("device: motor off: %w", err)
	}
	return nil
}

// StreamOn starts streaming bulk-IN data on the capture endpoint.
func (c *Controller) StreamOn() error {
	buf := make([]byte, 16)
	if _, err := c.dev.SyncControlIn(reqTypeVendorIn, ReqStream, 1, 0, buf, controlTimeout, false); err != nil {
		return fmt.Errorf("device: stream on: %w", err)
	}
	return nil
}

// StreamOff stops streaming. Per design note (d), always attempted
// during track cleanup.
func (c *Controller) StreamOff() error {
	buf := make([]byte, 16)
	if _, err := c.dev.SyncControlIn(reqTypeVendorIn, ReqStream, 0, 0, buf, controlTimeout, false); err != nil {
		return fmt.Errorf("device: stream off: %w", err)
	}
	return nil
}

// StartAsyncRead opens a pipelined async bulk-IN session on the capture
// endpoint with the N/B parameters and timeout spec.md §4.2 fixes.
func (c *Controller) StartAsyncRead(consumer usbtransport.Consumer) (*usbtransport.AsyncSession, error) {
	session, err := c.dev.StartAsyncBulkIn(bulkInEP, asyncBufCount, asyncBufSize, asyncReadTimout, consumer)
	if err != nil {
		return nil, fmt.Errorf("device: start async read: %w", err)
	}
	return session, nil
}

// FinishAsyncRead blocks until the session quiesces.
func (c *Controller) FinishAsyncRead(session *usbtransport.AsyncSession) error {
	return session.Finish()
}

func (c *Controller) uploadFirmwareFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("device: read firmware file %s: %w", path, err)
	}
	return c.uploadFirmware(data)
}

// uploadFirmware runs the N#/V#/S…#/R…#/G…# handshake against a
// bootloader-personality device, then drops and reopens the handle to
// observe re-enumeration, exactly as original_source's
// device_upload_firmware/device_init do.
func (c *Controller) uploadFirmware(data []byte) error {
	if _, err := c.bootloaderExchange("N#"); err != nil {
		return fmt.Errorf("bootloader query N: %w", err)
	}
	if _, err := c.bootloaderExchange("V#"); err != nil {
		return fmt.Errorf("bootloader query V: %w", err)
	}

	startCmd := fmt.Sprintf("S%08x,%08x#", firmwareLoadAddress, len(data))
	if _, err := c.bootloaderExchange(startCmd); err != nil {
		return fmt.Errorf("bootloader start load: %w", err)
	}

	for off := 0; off < len(data); off += fwWriteChunkSize {
		end := off + fwWriteChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.dev.SyncBulkOut(bulkOutEP, data[off:end], bulkTimeout); err != nil {
			return fmt.Errorf("bootloader write chunk at %d: %w", off, err)
		}
	}

	readCmd := fmt.Sprintf("R%08x,%08x#", firmwareLoadAddress, len(data))
	if _, err := c.bootloaderExchange(readCmd); err != nil {
		return fmt.Errorf("bootloader start readback: %w", err)
	}

	readback := make([]byte, len(data))
	for off := 0; off < len(data); {
		chunk := fwReadChunkSize
		if off+chunk > len(data) {
			chunk = len(data) - off
		}
		n, err := c.dev.SyncBulkIn(bulkInEP, readback[off:off+chunk], bulkTimeout)
		if err != nil {
			return fmt.Errorf("bootloader readback chunk at %d: %w", off, err)
		}
		off += n
	}
	for i := range data {
		if data[i] != readback[i] {
			return fmt.Errorf("bootloader verify mismatch at byte %d: sent 0x%02x, read 0x%02x", i, data[i], readback[i])
		}
	}

	goCmd := fmt.Sprintf("G%08x#", firmwareLoadAddress)
	if err := c.dev.SyncBulkOut(bulkOutEP, []byte(goCmd), bulkTimeout); err != nil {
		return fmt.Errorf("bootloader go: %w", err)
	}

	if err := c.dev.Close(); err != nil {
		return fmt.Errorf("close before re-enumeration: %w", err)
	}
	c.dev = nil
	time.Sleep(reenumerationSleep)
	return c.openAndClaim()
}

// bootloaderExchange sends cmd verbatim (no terminator: the bootloader
// frames commands by content, not by a trailing CRLF) on the bootloader
// OUT endpoint and reads back one response line from the bootloader IN
// endpoint, logging it when Verbose is set. The reply, not the command,
// is CRLF-terminated by the device.
func (c *Controller) bootloaderExchange(cmd string) (string, error) {
	if err := c.dev.SyncBulkOut(bulkOutEP, []byte(cmd), bootloaderIOTimeout); err != nil {
		return "", fmt.Errorf("send %q: %w", cmd, err)
	}
	buf := make([]byte, 256)
	n, err := c.dev.SyncBulkIn(bulkInEP, buf, bootloaderIOTimeout)
	if err != nil {
		return "", fmt.Errorf("recv reply to %q: %w", cmd, err)
	}
	reply := string(buf[:n])
	if c.Verbose {
		log.Printf("device: bootloader %q -> %q", cmd, reply)
	}
	return reply, nil
}
