//go:build linux

package transport

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// USBParams identifies a USB device and the bulk endpoints a driver
// talks to, the way spec.md §4.3 describes ("USB by vendor/product/
// configuration/interface/endpoints").
type USBParams struct {
	DevicePath string // e.g. "/dev/bus/usb/001/004"; resolved by the host.
	Interface  int
	EndpointIn  byte
	EndpointOut byte
	Timeout     time.Duration
}

const (
	usbdevfsBulk    = 0xc0185502
	usbdevfsControl = 0xc0185500
	usbdevfsClaim   = 0x8004550f
)

type usbBulkTransfer struct {
	ep      uint32
	length  uint32
	timeout uint32
	_       uint32
	data    uintptr
}

type usbCtrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	data        uintptr
}

type usbTransport struct {
	f  *os.File
	ep USBParams
}

// OpenUSB opens the usbfs device node at p.DevicePath, claims p.Interface,
// and returns a Transport that issues USBDEVFS_BULK transfers on p's
// endpoints. This enriches the teacher's golang.org/x/sys usage (raw
// ioctls against a Linux device node in cmd/controller/platform_rpi.go)
// for USB bulk transport rather than GPIO/DRM framebuffers.
func OpenUSB(p USBParams) (Transport, error) {
	f, err := os.OpenFile(p.DevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: usb open %s: %w", p.DevicePath, err)
	}
	iface := int32(p.Interface)
	if err := ioctl(f.Fd(), usbdevfsClaim, uintptr(unsafe.Pointer(&iface))); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: usb claim interface %d: %w", p.Interface, err)
	}
	if p.Timeout == 0 {
		p.Timeout = time.Second
	}
	return &usbTransport{f: f, ep: p}, nil
}

func ioctl(fd uintptr, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *usbTransport) Write(data []byte) (int, error) {
	xfer := usbBulkTransfer{
		ep:      uint32(t.ep.EndpointOut),
		length:  uint32(len(data)),
		timeout: uint32(t.ep.Timeout / time.Millisecond),
		data:    uintptr(unsafe.Pointer(&data[0])),
	}
	if err := ioctl(t.f.Fd(), usbdevfsBulk, uintptr(unsafe.Pointer(&xfer))); err != nil {
		return 0, fmt.Errorf("transport: usb bulk write: %w", err)
	}
	return len(data), nil
}

// Read performs one bulk-in transfer per call, bounded by initialTimeout;
// subsequentTimeout is unused since usbfs bulk transfers carry a single
// timeout, unlike the byte-at-a-time distinction serial ports allow.
func (t *usbTransport) Read(buf []byte, initialTimeout, subsequentTimeout time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	xfer := usbBulkTransfer{
		ep:      uint32(t.ep.EndpointIn),
		length:  uint32(len(buf)),
		timeout: uint32(initialTimeout / time.Millisecond),
		data:    uintptr(unsafe.Pointer(&buf[0])),
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), uintptr(usbdevfsBulk), uintptr(unsafe.Pointer(&xfer)))
	if errno != 0 {
		if errno == unix.ETIMEDOUT {
			return 0, nil
		}
		return 0, fmt.Errorf("transport: usb bulk read: %w", errno)
	}
	return int(n), nil
}

func (t *usbTransport) Tell(requestCode uint8, value, index uint16, data []byte) error {
	var ptr uintptr
	if len(data) > 0 {
		ptr = uintptr(unsafe.Pointer(&data[0]))
	}
	xfer := usbCtrlTransfer{
		requestType: 0x40, // host-to-device, vendor, device recipient.
		request:     requestCode,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     uint32(t.ep.Timeout / time.Millisecond),
		data:        ptr,
	}
	return ioctl(t.f.Fd(), usbdevfsControl, uintptr(unsafe.Pointer(&xfer)))
}

func (t *usbTransport) Ask(requestCode uint8, value, index uint16, out []byte) (int, error) {
	var ptr uintptr
	if len(out) > 0 {
		ptr = uintptr(unsafe.Pointer(&out[0]))
	}
	xfer := usbCtrlTransfer{
		requestType: 0xc0, // device-to-host, vendor, device recipient.
		request:     requestCode,
		value:       value,
		index:       index,
		length:      uint16(len(out)),
		timeout:     uint32(t.ep.Timeout / time.Millisecond),
		data:        ptr,
	}
	if err := ioctl(t.f.Fd(), usbdevfsControl, uintptr(unsafe.Pointer(&xfer))); err != nil {
		return 0, err
	}
	return len(out), nil
}

func (t *usbTransport) Close() error {
	return t.f.Close()
}
