// Package packet implements the driver-agnostic half of wire framing: the
// Verdict contract every driver's byte-stream verifier returns, and the
// buffered reader loop that drives it against a transport.
//
// Each driver supplies its own Verifier (see spec.md §4.2); this package
// only owns the read-accumulate-verify-resynchronize loop, grounded on
// the re-entrant byte-at-a-time state machine pattern used by the
// teacher's engraver status loop (driver/mjolnir/driver.go's r/expect
// helpers), generalized into an explicit state machine per spec.md
// §9's "model the reader as an explicit state machine" guidance.
package packet

import "braillecore.dev/brl/internal/logger"

// Status is the result of feeding one more byte to a Verifier.
type Status int

const (
	// Invalid means the buffered prefix can never become a valid frame;
	// the caller must discard bytes and resynchronize.
	Invalid Status = iota
	// NeedMore means more bytes are required before a verdict can be
	// reached.
	NeedMore
	// Continue means the prefix is a valid, but not yet complete, frame;
	// keep reading.
	Continue
	// Finished means the prefix is exactly one complete frame.
	Finished
)

// Verifier inspects a growing prefix of bytes and classifies it. It must
// be a pure function of the prefix: no hidden state beyond what the
// prefix itself encodes. want is only meaningful when status is NeedMore
// and reports the total frame length once known, or 0 if still unknown.
type Verifier func(prefix []byte) (status Status, want int)

// Reader is a byte-stream framer: Feed accumulates bytes from a
// transport and, whenever a Verifier reports Finished, returns the
// completed frame. It owns no transport of its own; callers drive it
// from their own read loop so drivers stay in control of per-attempt
// timeouts (spec.md §4.2).
type Reader struct {
	verify   Verifier
	buf      []byte
	ignored  int // running count of bytes dropped while resynchronizing.
	log      logger.Logger
	scopeTag string
}

// NewReader constructs a Reader around verify. scopeTag is used only for
// log messages ("<scopeTag>: ...").
func NewReader(verify Verifier, log logger.Logger, scopeTag string) *Reader {
	if log == nil {
		log = logger.Discard
	}
	return &Reader{verify: verify, log: log, scopeTag: scopeTag}
}

// IgnoredBytes returns the running count of bytes dropped while
// resynchronizing, for diagnostics.
func (r *Reader) IgnoredBytes() int { return r.ignored }

// Feed appends b to the accumulation buffer and re-evaluates the
// verifier. It returns a completed frame (and true) whenever one is
// ready. The returned slice is only valid until the next call to Feed or
// Reset.
func (r *Reader) Feed(b byte) ([]byte, bool) {
	r.buf = append(r.buf, b)
	for len(r.buf) > 0 {
		status, _ := r.verify(r.buf)
		switch status {
		case NeedMore, Continue:
			return nil, false
		case Finished:
			frame := r.buf
			r.buf = nil
			return frame, true
		default: // Invalid
			r.log.Printf("%s: dropping byte %#02x at offset 0, resynchronizing", r.scopeTag, r.buf[0])
			r.ignored++
			r.buf = r.buf[1:]
			// Loop again: the shortened prefix might itself already be
			// a valid (even complete) frame once the bad leading byte
			// is gone.
		}
	}
	return nil, false
}

// Reset discards any partially accumulated frame, e.g. after a
// transport-level timeout or error.
func (r *Reader) Reset() {
	r.buf = nil
}
