// Package queue implements the command queue, handler stack, and
// single-alarm dispatch loop specified in spec.md §4.6 and §5: a FIFO of
// packed commands, at most one pending "command alarm" at a time, a
// suspend/resume counter, and a top-down handler stack.
//
// Grounded on the teacher's cooperative, single-goroutine style (no
// locking primitives anywhere in driver/mjolnir/driver.go's read/write
// helpers) and spec.md §9's explicit guidance to model the alarm as "a
// cooperative scheduler with one pending deadline" rather than a
// free-running timer goroutine.
package queue

import (
	"braillecore.dev/brl/keytable"
)

// Clock abstracts spec.md §5's monotonic now_ms()/schedule_in(ms, cb)
// timer primitives, kept external to the core per spec.md §1's scope
// ("thread/timer primitives used by the scheduler" are an external
// collaborator).
type Clock interface {
	NowMS() int64
	// ScheduleIn arranges for cb to run once after ms milliseconds,
	// returning a cancel function. The queue never has more than one
	// outstanding schedule at a time.
	ScheduleIn(ms int64, cb func()) (cancel func())
}

// PreprocessFunc runs once before a command reaches the handler stack,
// and may return opaque state passed to PostprocessFunc (spec.md §4.6).
type PreprocessFunc func(cmd keytable.Command) any

// PostprocessFunc runs once after the handler stack has seen a command.
type PostprocessFunc func(state any, cmd keytable.Command, handled bool)

// Handler is one frame of the command handler stack (spec.md §3 "Command
// handler stack"). It returns true if it handled the command, stopping
// propagation to lower frames.
type Handler func(cmd keytable.Command, data any) bool

type frame struct {
	name    string
	context string
	handler Handler
	data    any
	destroy func(data any)
}

// Preferences control the pre-dispatch transformations spec.md §4.6
// specifies.
type Preferences struct {
	SkipIdenticalLines bool // swaps LNUP<->PRDIFLN and LNDN<->NXDIFLN.
	SkipBlankWindows   bool // swaps FWINLT<->FWINLTSKIP and FWINRT<->FWINRTSKIP.
}

// Queue is the FIFO command queue plus handler stack described in
// spec.md §3/§4.6. It is not safe for concurrent use: spec.md §5
// requires every operation run on a single "engine thread".
type Queue struct {
	clock Clock

	fifo      []keytable.Command
	suspended int // reentrant suspend counter.
	cancel    func()
	dispatching bool

	prefs      Preferences
	preprocess PreprocessFunc
	postprocess PostprocessFunc

	handlers []frame
}

// New creates a Queue. clock may be nil only in tests that never call
// Begin.
func New(clock Clock) *Queue {
	return &Queue{clock: clock}
}

// SetPreferences installs the pre-dispatch transformation preferences.
func (q *Queue) SetPreferences(p Preferences) { q.prefs = p }

// SetPrePostProcess installs the optional environment hooks spec.md
// §4.6 names.
func (q *Queue) SetPrePostProcess(pre PreprocessFunc, post PostprocessFunc) {
	q.preprocess = pre
	q.postprocess = post
}

// PushHandler pushes a new frame onto the command handler stack; the
// top frame sees commands first (spec.md §3).
func (q *Queue) PushHandler(name, context string, h Handler, data any, destroy func(data any)) {
	q.handlers = append(q.handlers, frame{name: name, context: context, handler: h, data: data, destroy: destroy})
}

// PopHandler removes and destroys the top handler frame.
func (q *Queue) PopHandler() {
	n := len(q.handlers)
	if n == 0 {
		return
	}
	f := q.handlers[n-1]
	q.handlers = q.handlers[:n-1]
	if f.destroy != nil {
		f.destroy(f.data)
	}
}

// Enqueue appends cmd to the FIFO and rearms the alarm if appropriate.
func (q *Queue) Enqueue(cmd keytable.Command) {
	q.fifo = append(q.fifo, cmd)
	q.rearm()
}

// Suspend increments the reentrant suspend counter and cancels any
// pending alarm; enqueued commands accumulate without dispatching
// (spec.md §4.6).
func (q *Queue) Suspend() {
	q.suspended++
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
}

// Resume decrements the suspend counter and, at zero, rearms the alarm
// if work remains.
func (q *Queue) Resume() {
	if q.suspended > 0 {
		q.suspended--
	}
	if q.suspended == 0 {
		q.rearm()
	}
}

// rearm schedules a single alarm iff the queue is non-empty, not
// suspended, and no command is currently mid-dispatch (spec.md §4.6).
func (q *Queue) rearm() {
	if len(q.fifo) == 0 || q.suspended > 0 || q.dispatching || q.cancel != nil {
		return
	}
	if q.clock == nil {
		return
	}
	// A clock may run the callback before ScheduleIn returns; its cancel
	// func is then stale and is not kept, or it would block every later
	// rearm.
	ran := false
	cancel := q.clock.ScheduleIn(0, func() { ran = true; q.fire() })
	if !ran {
		q.cancel = cancel
	}
}

// fire pops exactly one command and dispatches it through
// preprocess -> handler stack -> postprocess, then rearms if more work
// remains (spec.md §4.6).
func (q *Queue) fire() {
	q.cancel = nil
	if len(q.fifo) == 0 || q.suspended > 0 {
		return
	}
	cmd := q.fifo[0]
	q.fifo = q.fifo[1:]
	cmd = applyPreferences(cmd, q.prefs)

	var state any
	if q.preprocess != nil {
		state = q.preprocess(cmd)
	}
	q.dispatching = true
	handled := false
	for i := len(q.handlers) - 1; i >= 0; i-- {
		if q.handlers[i].handler(cmd, q.handlers[i].data) {
			handled = true
			break
		}
	}
	q.dispatching = false
	if q.postprocess != nil {
		q.postprocess(state, cmd, handled)
	}
	q.rearm()
}

// Pending returns the number of commands still queued.
func (q *Queue) Pending() int { return len(q.fifo) }

// Drain empties the FIFO without dispatching, for shutdown.
func (q *Queue) Drain() {
	q.fifo = nil
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
}

// Built-in alternate block codes the skip-identical-lines and
// skip-blank-windows preferences swap to (spec.md §4.6). These share the
// block-code numbering space with keytable's built-ins but live here
// since they are queue-local transformations, not bindable commands.
const (
	BlockPrDifLn   uint8 = 0x10
	BlockNxDifLn   uint8 = 0x11
	BlockFwinLtSkip uint8 = 0x12
	BlockFwinRtSkip uint8 = 0x13
)

// applyPreferences performs the pre-dispatch swaps spec.md §4.6
// specifies, preserving all flag bits and never combining the two
// transformations in a way that changes semantics (spec.md §8 property
// 9): each transformation only ever looks at the untransformed block
// code, so applying both to the same command cannot interact.
func applyPreferences(cmd keytable.Command, p Preferences) keytable.Command {
	block := cmd.Block()
	flags := cmd.Flags()
	arg := cmd.Arg()
	if p.SkipIdenticalLines {
		switch block {
		case keytable.BlockLnUp:
			return keytable.Pack(BlockPrDifLn, flags, arg)
		case keytable.BlockLnDn:
			return keytable.Pack(BlockNxDifLn, flags, arg)
		case BlockPrDifLn:
			return keytable.Pack(keytable.BlockLnUp, flags, arg)
		case BlockNxDifLn:
			return keytable.Pack(keytable.BlockLnDn, flags, arg)
		}
	}
	if p.SkipBlankWindows {
		switch block {
		case keytable.BlockFwinLt:
			return keytable.Pack(BlockFwinLtSkip, flags, arg)
		case keytable.BlockFwinRt:
			return keytable.Pack(BlockFwinRtSkip, flags, arg)
		case BlockFwinLtSkip:
			return keytable.Pack(keytable.BlockFwinLt, flags, arg)
		case BlockFwinRtSkip:
			return keytable.Pack(keytable.BlockFwinRt, flags, arg)
		}
	}
	return cmd
}
