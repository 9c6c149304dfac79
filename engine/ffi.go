package engine

import (
	"braillecore.dev/brl/driver"
	"braillecore.dev/brl/internal/logger"
	"braillecore.dev/brl/keytable"
	"braillecore.dev/brl/transport"
)

// global is the single live Engine the foreign-call surface operates
// on (spec.md §9's "single global braille pointer" restriction, kept
// deliberately narrow: every other package in this module is free of
// process-wide state, and this is the one place a host language with
// no notion of an opaque handle can still reach in).
var global = New(logger.Discard)

// SetLogger redirects the global engine's diagnostic output.
func SetLogger(log logger.Logger) {
	global.log = log
}

// Initialize is the initialize(driver_code, device_id, tables_dir) ->
// bool foreign call (spec.md §6). It returns false (and logs why) on
// any failure instead of propagating a Go error, matching the boolean
// contract a foreign caller expects.
func Initialize(driverCode, deviceID, tablesDir string, descriptor transport.Descriptor) bool {
	err := global.Initialize(driverCode, driver.Params{
		DeviceID:   deviceID,
		Descriptor: descriptor,
		TablesDir:  tablesDir,
	})
	if err != nil {
		global.log.Printf("initialize: %v", err)
		return false
	}
	return true
}

// Destroy is the destroy() -> void foreign call. Idempotent.
func Destroy() {
	global.Destroy()
}

// ReadCommand is the read_command(out read_delay_ms) -> int32 foreign
// call. It returns the command packed as int32 (keytable.NoCommand,
// 0xffffffff, reads back as -1), and readDelayMS mirrors spec.md §6's
// out-parameter. A driver-requested restart is surfaced by tearing the
// display down and returning NoCommand so the host can call Initialize
// again.
func ReadCommand() (command int32, readDelayMS int32) {
	cmd, delay, err := global.ReadCommand()
	if err != nil {
		if IsRestart(err) {
			global.log.Printf("read_command: driver requested restart")
			global.Destroy()
		}
		return int32(keytable.NoCommand), 0
	}
	return int32(cmd), int32(delay.Milliseconds())
}

// WriteWindow is the write_window(dot_pattern) -> bool foreign call.
func WriteWindow(pattern []byte) bool {
	if err := global.WriteWindow(pattern); err != nil {
		global.log.Printf("write_window: %v", err)
		return false
	}
	return true
}

// TextCellCount and StatusCellCount are the eponymous foreign calls.
func TextCellCount() int32   { return int32(global.TextCellCount()) }
func StatusCellCount() int32 { return int32(global.StatusCellCount()) }

// KeyBinding is one entry list_key_map reports to its callback.
type KeyBinding struct {
	Command     int32
	KeyNames    []string
	IsLongPress bool
}

// ListKeyMap is the list_key_map(callback) foreign call.
func ListKeyMap(cb func(KeyBinding) bool) {
	global.ListKeyMap(func(cmd keytable.Command, keyNames []string, isLongPress bool) bool {
		return cb(KeyBinding{Command: int32(cmd), KeyNames: keyNames, IsLongPress: isLongPress})
	})
}
