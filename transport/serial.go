package transport

import (
	"time"

	"github.com/tarm/serial"
)

// SerialParams names a serial device the way the teacher's
// driver/mjolnir.Open does: a device path plus the line parameters a
// braille display's UART bridge expects.
type SerialParams struct {
	Device   string
	Baud     int
	DataBits byte
	Parity   serial.Parity
	StopBits serial.StopBits
}

// DefaultSerialParams mirrors the teacher's hard-coded engraver port
// settings (115200 8N1), the common default for braille display serial
// bridges.
func DefaultSerialParams(device string) SerialParams {
	return SerialParams{
		Device:   device,
		Baud:     115200,
		DataBits: 8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
	}
}

type serialTransport struct {
	port *serial.Port
}

// OpenSerial opens a serial port with p's parameters.
func OpenSerial(p SerialParams) (Transport, error) {
	cfg := &serial.Config{
		Name:        p.Device,
		Baud:        p.Baud,
		Size:        p.DataBits,
		Parity:      p.Parity,
		StopBits:    p.StopBits,
		ReadTimeout: 100 * time.Millisecond,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return &serialTransport{port: port}, nil
}

func (s *serialTransport) Write(data []byte) (int, error) {
	return s.port.Write(data)
}

// Read polls the underlying port in small increments because
// github.com/tarm/serial only exposes a single fixed read timeout per
// port, not the distinct initial/subsequent timeouts spec.md §4.3
// requires; this loop re-derives that distinction by re-deadlining
// between bytes.
func (s *serialTransport) Read(buf []byte, initialTimeout, subsequentTimeout time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	deadline := time.Now().Add(initialTimeout)
	n := 0
	for n < len(buf) {
		if time.Now().After(deadline) {
			return n, nil
		}
		m, err := s.port.Read(buf[n : n+1])
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if m == 0 {
			continue
		}
		n += m
		deadline = time.Now().Add(subsequentTimeout)
	}
	return n, nil
}

func (s *serialTransport) Close() error {
	return s.port.Close()
}
