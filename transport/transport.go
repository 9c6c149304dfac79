// Package transport implements the pluggable byte-transport layer
// (spec.md §4.3): serial, USB bulk, Bluetooth RFCOMM, and HID, behind one
// capability-set interface so drivers never depend on a concrete
// transport kind.
//
// The serial backend is grounded on the teacher's
// driver/mjolnir/device.go, which opens a github.com/tarm/serial port by
// device path and baud rate for the engraver. USB and Bluetooth are
// enriched from golang.org/x/sys/unix, which the teacher already
// depends on (cmd/controller/platform_rpi.go), generalizing its raw
// syscall usage from GPIO framebuffer ioctls to USB control transfers and
// AF_BLUETOOTH RFCOMM sockets.
package transport

import (
	"errors"
	"time"
)

// Transport is the capability set spec.md §4.3 requires of every
// back end. Open is supplied by the concrete implementation's
// constructor instead of being part of this interface, since each
// transport kind takes differently-shaped arguments (spec.md §4.3).
type Transport interface {
	// Write sends bytes and returns the count actually written.
	Write(data []byte) (int, error)
	// Read fills buf with at most len(buf) bytes. initialTimeout bounds
	// the wait for the first byte; subsequentTimeout bounds the wait
	// for each byte after that. It returns (0, nil) on timeout with no
	// bytes read.
	Read(buf []byte, initialTimeout, subsequentTimeout time.Duration) (int, error)
	// Close releases the transport's resources. Idempotent.
	Close() error
}

// ControlTransport is implemented by transports that additionally
// support USB vendor-specific control transfers (spec.md §4.3 tell/ask).
type ControlTransport interface {
	Transport
	Tell(requestCode uint8, value, index uint16, data []byte) error
	Ask(requestCode uint8, value, index uint16, out []byte) (int, error)
}

// HIDTransport is implemented by HID transports (spec.md §4.3
// set_hid_report/get_hid_report/get_hid_descriptor).
type HIDTransport interface {
	Transport
	SetReport(reportID byte, data []byte) error
	GetReport(reportID byte, out []byte) (int, error)
	Descriptor() ([]byte, error)
}

// ErrTimeout is the error a Read implementation may return for a
// transient timeout instead of a permanent failure. The back ends in
// this package do not return it: they report a timeout as (0, nil).
// Most of this module's read loops treat ErrTimeout and (0, nil)
// identically (spec.md's transient-timeout case).
var ErrTimeout = errors.New("transport: timeout")

// Alternative is one entry in a Descriptor's ordered list of ways to
// reach the same device (spec.md §4.3: "serial, else USB with these
// ids, else Bluetooth on channel 1").
type Alternative struct {
	Kind          Kind
	Serial        SerialParams
	USB           USBParams
	Bluetooth     BluetoothParams
	HID           HIDParams
	ReadyDelay    time.Duration // applied after Open before first I/O.
	InitialRead   time.Duration // driver-provided input-timeout default.
	SubsequentRead time.Duration
}

// Kind names which concrete transport an Alternative opens.
type Kind int

const (
	KindSerial Kind = iota
	KindUSB
	KindBluetooth
	KindHID
)

// Descriptor lists the alternative ways to reach one device; Connect
// tries each in declared order.
type Descriptor struct {
	Alternatives []Alternative
}

// Connect tries each alternative in order, returning the first
// transport that opens successfully.
func Connect(d Descriptor) (Transport, *Alternative, error) {
	var firstErr error
	for i := range d.Alternatives {
		alt := &d.Alternatives[i]
		t, err := open(alt)
		if err == nil {
			if alt.ReadyDelay > 0 {
				time.Sleep(alt.ReadyDelay)
			}
			return t, alt, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = errors.New("transport: no alternatives in descriptor")
	}
	return nil, nil, firstErr
}

func open(alt *Alternative) (Transport, error) {
	switch alt.Kind {
	case KindSerial:
		return OpenSerial(alt.Serial)
	case KindUSB:
		return OpenUSB(alt.USB)
	case KindBluetooth:
		return OpenBluetooth(alt.Bluetooth)
	case KindHID:
		return OpenHID(alt.HID)
	default:
		return nil, errors.New("transport: unknown kind")
	}
}
