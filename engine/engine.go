// Package engine owns the single process-wide Display instance and
// wires the driver, key table, and command queue together behind the
// foreign-call surface (spec.md §6). Unlike the original design's
// process globals, state here lives in one explicitly-constructed
// Engine value (spec.md §9's "prefer an explicitly-constructed Engine
// value owning all state" guidance); FFI wraps a single package-level
// Engine only at the foreign-call boundary (ffi.go) to satisfy spec.md
// §9's preserved "single global braille pointer" restriction.
package engine

import (
	"fmt"
	"time"

	"braillecore.dev/brl/cell"
	"braillecore.dev/brl/driver"
	"braillecore.dev/brl/internal/logger"
	"braillecore.dev/brl/keytable"
	"braillecore.dev/brl/queue"
)

// syncClock implements queue.Clock for the single-threaded engine
// model: every alarm this runtime schedules fires with zero delay
// (spec.md §4.6 dispatches as soon as the queue is non-empty and not
// suspended), so ScheduleIn runs cb synchronously and returns a no-op
// cancel. Real deadline timing (long-press) is handled separately by
// keytable.Matcher.Poll and surfaced through read_delay_ms (spec.md §9:
// thread/timer primitives are an external collaborator).
type syncClock struct {
	nowMS func() int64
}

func (c syncClock) NowMS() int64 {
	if c.nowMS != nil {
		return c.nowMS()
	}
	return time.Now().UnixMilli()
}

func (c syncClock) ScheduleIn(ms int64, cb func()) func() {
	cb()
	return func() {}
}

// Engine is the runtime core: one driver Display, its command queue, and
// the default handler that feeds read_command.
type Engine struct {
	log     logger.Logger
	driverCode string
	d       driver.Display
	q       *queue.Queue
	lastCmd *keytable.Command
	pollDelay time.Duration
}

// New constructs an empty Engine. Call Initialize to attach a device.
func New(log logger.Logger) *Engine {
	if log == nil {
		log = logger.Discard
	}
	return &Engine{log: log}
}

// Initialize loads driverCode, connects and probes the device, compiles
// its key table, installs the default handler, and begins the command
// queue (spec.md §6). It fails if the probed cell count exceeds
// cell.MaxCellCount (spec.md §6/§8 property 10).
func (e *Engine) Initialize(driverCode string, params driver.Params) error {
	if e.d != nil {
		return fmt.Errorf("engine: already initialized; call Destroy first")
	}
	drv, err := driver.Load(driverCode)
	if err != nil {
		return err
	}
	disp, err := drv.Construct(params)
	if err != nil {
		return fmt.Errorf("engine: construct %s: %w", driverCode, err)
	}
	geo := disp.Geometry()
	if geo.Cells() > cell.MaxCellCount {
		disp.Destruct()
		return fmt.Errorf("engine: display reports %d cells, exceeds the %d-cell limit imposed by the route long-press flag", geo.Cells(), cell.MaxCellCount)
	}
	e.driverCode = driverCode
	e.d = disp
	e.q = queue.New(syncClock{})
	e.q.PushHandler("default", "default", e.defaultHandler, nil, nil)
	return nil
}

// defaultHandler is the handler spec.md §6 says initialize installs: it
// simply captures the dispatched command for read_command to retrieve,
// always reporting itself as having handled it (there is no lower
// frame in this runtime to fall through to).
func (e *Engine) defaultHandler(cmd keytable.Command, _ any) bool {
	c := cmd
	e.lastCmd = &c
	return true
}

// Destroy tears down the queue, handler, and driver. Double-destroy is
// logged, not fatal (spec.md §6/§7).
func (e *Engine) Destroy() {
	if e.d == nil {
		e.log.Printf("engine: destroy called with no display attached")
		return
	}
	e.q.Drain()
	e.d.Destruct()
	e.d = nil
	e.q = nil
	e.lastCmd = nil
}

// ReadCommand pumps the driver for newly available key-derived commands,
// dispatches them through the queue/handler stack, and returns the most
// recently captured command, or keytable.NoCommand if none is ready.
// pollAfter mirrors spec.md §6's read_delay_ms: positive when the caller
// should poll again soon for a pending long-press or auto-repeat.
func (e *Engine) ReadCommand() (cmd keytable.Command, pollAfter time.Duration, err error) {
	if e.d == nil {
		e.log.Printf("engine: read_command called before initialize")
		return keytable.NoCommand, 0, fmt.Errorf("engine: not initialized")
	}
	produced, status, delay, rerr := e.d.ReadCommand()
	if rerr != nil {
		e.log.Printf("engine: read_command: %v", rerr)
	}
	switch status {
	case driver.StatusRestart:
		return keytable.NoCommand, 0, errRestart{}
	case driver.StatusOK:
		e.q.Enqueue(produced)
	}
	e.pollDelay = delay
	if e.lastCmd == nil {
		return keytable.NoCommand, e.pollDelay, nil
	}
	out := *e.lastCmd
	e.lastCmd = nil
	return out, e.pollDelay, nil
}

// errRestart signals the foreign-call boundary that the driver asked for
// reinitialization (spec.md §7).
type errRestart struct{}

func (errRestart) Error() string { return "engine: driver requested restart" }

// IsRestart reports whether err is the RESTART-in-band signal.
func IsRestart(err error) bool {
	_, ok := err.(errRestart)
	return ok
}

// WriteWindow truncates or zero-pads pattern to the display's cell
// count and forwards it (spec.md §6).
func (e *Engine) WriteWindow(pattern []byte) error {
	if e.d == nil {
		return fmt.Errorf("engine: write_window called before initialize")
	}
	n := e.d.Geometry().Cells()
	buf := make([]byte, n)
	copy(buf, pattern)
	return e.d.WriteWindow(buf)
}

// TextCellCount and StatusCellCount implement spec.md §6's eponymous
// foreign calls.
func (e *Engine) TextCellCount() int {
	if e.d == nil {
		return 0
	}
	return e.d.Geometry().TextColumns * e.d.Geometry().TextRows
}

func (e *Engine) StatusCellCount() int {
	if e.d == nil {
		return 0
	}
	return e.d.Geometry().StatusColumns
}

// ListKeyMap invokes cb once per non-hidden binding in the default
// context (plus synthetic long-press routing bindings), stopping early
// if cb returns false (spec.md §6).
func (e *Engine) ListKeyMap(cb func(cmd keytable.Command, keyNames []string, isLongPress bool) bool) {
	if e.d == nil {
		return
	}
	kt := e.d.KeyTable()
	if kt == nil {
		return
	}
	for _, b := range kt.Contexts[keytable.ContextDefault] {
		if b.Hidden {
			continue
		}
		if !cb(b.Command, b.KeyNames, b.LongPress || b.Command.Flags()&keytable.FlagLongPress != 0) {
			return
		}
	}
}
