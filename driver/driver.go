// Package driver defines the driver capability set and process-wide
// registry specified in spec.md §4.1: each device-specific protocol
// driver implements Driver, and Register/Load map two-letter driver
// codes to constructors.
package driver

import (
	"fmt"
	"time"

	"braillecore.dev/brl/cell"
	"braillecore.dev/brl/keytable"
	"braillecore.dev/brl/transport"
)

// Status is what read_command returns, per spec.md §4.1.
type Status int

const (
	// StatusOK means a command was produced.
	StatusOK Status = iota
	// StatusEOF means no command is currently available; try again
	// later.
	StatusEOF
	// StatusRestart means the driver detected a permanent failure and
	// asks the runtime to tear it down and reconstruct it (spec.md §7).
	StatusRestart
)

// Params carries the identity the host supplies to Construct:
// spec.md §4.1's device_id plus a descriptor of how to reach it.
type Params struct {
	DeviceID   string
	Descriptor transport.Descriptor
	TablesDir  string // root directory for key-table files (spec.md §6).
}

// Driver is the capability set every device-specific protocol driver
// implements (spec.md §4.1). Implementations must not retain any
// process-wide state of their own — all state lives behind the
// *Display the engine package constructs and owns (spec.md §9's
// "explicitly-constructed Engine value" guidance).
type Driver interface {
	// Construct opens the transport, probes identity, sets geometry,
	// compiles the key table, and allocates buffers. On failure it must
	// roll back all partial allocations before returning (spec.md §4.1).
	Construct(p Params) (Display, error)
}

// Display is the live, connected instance of one driver's device. It is
// the return value of Driver.Construct and the receiver for every
// subsequent operation (spec.md §3 "Display").
type Display interface {
	// Geometry reports the probed text/status cell layout.
	Geometry() cell.Geometry
	// KeyTable returns the compiled key table installed at Construct.
	KeyTable() *keytable.KeyTable
	// WriteWindow is called when the host has updated the text buffer;
	// it performs the cell diff and sends minimal update packets.
	WriteWindow(text []byte) error
	// WriteStatus updates dedicated status cells, if the device has
	// any. Returns nil immediately if StatusCellCount() == 0.
	WriteStatus(cells []byte) error
	// ReadCommand drains available input, feeding key events through
	// the matcher, and returns one command or StatusEOF/StatusRestart.
	ReadCommand() (cmd keytable.Command, status Status, pollAfter time.Duration, err error)
	// Destruct releases resources. Idempotent.
	Destruct()
}

// Constructor builds a fresh, unconstructed Driver value for one driver
// code.
type Constructor func() Driver

var registry = map[string]Constructor{}

// Register adds a driver constructor to the process-wide registry under
// a two-letter driver code (spec.md §4.1). Intended to be called from
// each driver package's init().
func Register(code string, ctor Constructor) {
	if _, exists := registry[code]; exists {
		panic(fmt.Sprintf("driver: code %q already registered", code))
	}
	registry[code] = ctor
}

// Load returns a fresh Driver value for code, or an error if no driver
// is registered under it (spec.md §4.1 load_braille_driver).
func Load(code string) (Driver, error) {
	ctor, ok := registry[code]
	if !ok {
		return nil, fmt.Errorf("driver: no driver registered for code %q", code)
	}
	return ctor(), nil
}

// Codes lists every registered driver code, sorted for deterministic
// listing output.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for c := range registry {
		codes = append(codes, c)
	}
	for i := 1; i < len(codes); i++ {
		for j := i; j > 0 && codes[j] < codes[j-1]; j-- {
			codes[j], codes[j-1] = codes[j-1], codes[j]
		}
	}
	return codes
}
