//go:build linux

package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BluetoothParams identifies a Bluetooth RFCOMM endpoint (spec.md §4.3:
// "Bluetooth by address and RFCOMM channel").
type BluetoothParams struct {
	Address string // "XX:XX:XX:XX:XX:XX"
	Channel uint8
}

const (
	afBluetooth    = 31
	btProtoRFCOMM  = 3
)

// rfcommSockAddr mirrors struct sockaddr_rc from <bluetooth/rfcomm.h>.
type rfcommSockAddr struct {
	family  uint16
	addr    [6]byte
	channel uint8
}

type bluetoothTransport struct {
	fd int
}

// OpenBluetooth opens an RFCOMM stream socket to p.Address on p.Channel,
// enriching the teacher's golang.org/x/sys usage onto the transport
// spec.md names but the teacher never itself demonstrates.
func OpenBluetooth(p BluetoothParams) (Transport, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_STREAM, btProtoRFCOMM)
	if err != nil {
		return nil, fmt.Errorf("transport: bluetooth socket: %w", err)
	}
	addr, err := parseBDAddr(p.Address)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bluetooth address %q: %w", p.Address, err)
	}
	sa := rfcommSockAddr{family: afBluetooth, addr: addr, channel: p.Channel}
	if err := connectRFCOMM(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bluetooth connect: %w", err)
	}
	return &bluetoothTransport{fd: fd}, nil
}

// connectRFCOMM issues connect(2) directly: golang.org/x/sys/unix's
// Connect only understands its own enumerated Sockaddr kinds, and
// sockaddr_rc is not among them.
func connectRFCOMM(fd int, sa *rfcommSockAddr) error {
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
	if errno != 0 {
		return errno
	}
	return nil
}

// parseBDAddr parses the conventional "XX:XX:XX:XX:XX:XX" Bluetooth
// address string into sockaddr_rc's little-endian byte order (least
// significant octet first).
func parseBDAddr(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("malformed address %q", s)
	}
	for i := 0; i < 6; i++ {
		b, err := strconv.ParseUint(parts[5-i], 16, 8)
		if err != nil {
			return out, fmt.Errorf("malformed octet %q: %w", parts[5-i], err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

func (t *bluetoothTransport) Write(data []byte) (int, error) {
	return unix.Write(t.fd, data)
}

func (t *bluetoothTransport) Read(buf []byte, initialTimeout, subsequentTimeout time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	tv := unix.NsecToTimeval(initialTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(t.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return 0, err
	}
	n, err := unix.Read(t.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *bluetoothTransport) Close() error {
	return unix.Close(t.fd)
}
