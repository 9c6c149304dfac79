// Package voyager implements the ASCII-escaped line driver family
// (spec.md §4.2/§4.4 table: "ESC-prefixed code, fixed per-code length
// table, doubled in-payload escapes, fixed ack reply byte"), backing the
// vo (Voyager) driver code.
//
// The Voyager-48 model exposes 48 physical cells of which 4 are
// non-addressable "hidden" cells (2 at positions 0-1, 2 at 6-7, per
// spec.md's worked example), leaving 44 usable cells; diff.HiddenLayout
// re-projects write ranges through that layout before framing.
package voyager

import (
	"fmt"
	"strings"
	"time"

	"braillecore.dev/brl/cell"
	"braillecore.dev/brl/diff"
	"braillecore.dev/brl/driver"
	"braillecore.dev/brl/internal/logger"
	"braillecore.dev/brl/keytable"
	"braillecore.dev/brl/packet"
	"braillecore.dev/brl/transport"
)

const sentinel = 0x1b // ESC

// Code bytes follow the sentinel directly (never escaped: the sentinel
// is only doubled inside a body, and a code byte is never itself the
// sentinel value).
const (
	codeProbeReq  byte = 0x01 // no body.
	codeProbeResp byte = 0x02 // 1-byte body: usable cell count.
	codeKeyEvent  byte = 0x03 // 1-byte body: key code.
	codeWrite     byte = 0x04 // variable body: offset + cells.
	ackReply      byte = 0x06 // sent back to the device after each inbound frame.
)

// bodyLength reports the fixed logical body length for a code, or -1 if
// the code carries a variable-length body (only codeWrite, whose length
// is the remainder of the line up to the terminating, unescaped
// sentinel — this still avoids the lookahead-ambiguity problem in
// packet.UnescapeN because the frame always terminates at the *first*
// unescaped sentinel, and a body cannot contain an unescaped one by
// construction).
func bodyLength(code byte) int {
	switch code {
	case codeProbeReq:
		return 0
	case codeProbeResp:
		return 1
	case codeKeyEvent:
		return 1
	default:
		return -1
	}
}

func build(code byte, body []byte) []byte {
	escaped := packet.EscapeByte(sentinel, body)
	out := make([]byte, 0, len(escaped)+3)
	out = append(out, sentinel, code)
	out = append(out, escaped...)
	out = append(out, sentinel)
	return out
}

// verify handles both the fixed-length codes (via UnescapeN, the same
// technique as driver/humanware) and the variable-length write code,
// whose body runs until the first unescaped sentinel.
func verify(prefix []byte) (packet.Status, int) {
	if len(prefix) == 0 || prefix[0] != sentinel {
		if len(prefix) == 0 {
			return packet.NeedMore, 0
		}
		return packet.Invalid, 0
	}
	if len(prefix) < 2 {
		return packet.NeedMore, 0
	}
	code := prefix[1]
	rest := prefix[2:]
	n := bodyLength(code)
	if n >= 0 {
		payload, consumed, ok := packet.UnescapeN(sentinel, rest, n)
		if !ok {
			if consumed < len(rest) {
				return packet.Invalid, 0
			}
			return packet.NeedMore, 0
		}
		_ = payload
		endIdx := 2 + consumed
		if endIdx >= len(prefix) {
			return packet.NeedMore, 0
		}
		if prefix[endIdx] != sentinel || endIdx != len(prefix)-1 {
			return packet.Invalid, 0
		}
		return packet.Finished, 0
	}
	// Variable-length body: scan for the first unescaped sentinel.
	for i := 0; i < len(rest); i++ {
		if rest[i] != sentinel {
			continue
		}
		if i+1 < len(rest) && rest[i+1] == sentinel {
			i++ // doubled literal sentinel inside the body.
			continue
		}
		if i != len(rest)-1 {
			return packet.Invalid, 0
		}
		return packet.Finished, 0
	}
	return packet.NeedMore, 0
}

func frameBody(frame []byte) (code byte, body []byte) {
	code = frame[1]
	raw := frame[2 : len(frame)-1]
	n := bodyLength(code)
	if n >= 0 {
		payload, _, _ := packet.UnescapeN(sentinel, raw, n)
		return code, payload
	}
	payload, ok := packet.UnescapeByte(sentinel, raw)
	if !ok {
		return code, nil
	}
	return code, payload
}

const (
	physicalCells = 48
	usableCells   = 44
)

var hiddenLayout = diff.HiddenLayout{PhysicalCount: physicalCells, Hidden: []int{0, 1, 6, 7}}

func init() {
	driver.Register("vo", func() driver.Driver { return &proto{} })
}

type proto struct{}

func (p *proto) Construct(params driver.Params) (driver.Display, error) {
	t, _, err := transport.Connect(params.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("voyager: connect: %w", err)
	}
	var reply []byte
	_, err = driver.Probe(t, build(codeProbeReq, nil), driver.ProbeConfig{RetryLimit: 3, InputTimeout: 500 * time.Millisecond},
		func(buf []byte) (ok, wantMore bool) {
			r := packet.NewReader(verify, logger.Discard, "voyager-probe")
			for _, b := range buf {
				if frame, done := r.Feed(b); done {
					if code, _ := frameBody(frame); code == codeProbeResp {
						reply = frame
						return true, false
					}
					return false, false
				}
			}
			return false, true
		})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("voyager: probe: %w", err)
	}
	_, body := frameBody(reply)
	usable := usableCells
	if len(body) >= 1 && body[0] > 0 {
		usable = int(body[0])
	}

	names := make([]keytable.KeyName, 0, usable+2)
	for i := 0; i < usable; i++ {
		names = append(names, keytable.KeyName{Name: fmt.Sprintf("Route%d", i+1), Group: 0, Number: i})
	}
	names = append(names, keytable.KeyName{Name: "Display1", Group: 1, Number: 0})
	nt := keytable.NewNameTable(names)

	ktSrc, err := driver.LoadKeyTable(params.TablesDir, "vo")
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("voyager: %w", err)
	}
	kt, err := keytable.Compile(strings.NewReader(ktSrc), nt, 0)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("voyager: key table: %w", err)
	}

	geo := cell.Geometry{TextColumns: usable, TextRows: 1}
	return &display{
		geo:     geo,
		t:       t,
		kt:      kt,
		matcher: keytable.NewMatcher(kt, 600*time.Millisecond, 100*time.Millisecond),
		reader:  packet.NewReader(verify, logger.Discard, "voyager"),
		writer:  diff.NewWriter(geo.Cells()),
		out:     cell.IdentityTable,
		hidden:  hiddenLayout,
	}, nil
}

type display struct {
	geo     cell.Geometry
	t       transport.Transport
	kt      *keytable.KeyTable
	matcher *keytable.Matcher
	reader  *packet.Reader
	writer  *diff.Writer
	out     cell.OutputTable
	hidden  diff.HiddenLayout
}

func (d *display) Geometry() cell.Geometry        { return d.geo }
func (d *display) KeyTable() *keytable.KeyTable   { return d.kt }
func (d *display) WriteStatus(cells []byte) error { return nil }

// WriteWindow re-projects the usable-space diff range through the
// hidden-cell layout before framing (spec.md §4.8, §8's Voyager
// scenario: with cells 0-1 and 6-7 hidden, writing usable index 22 of
// 44 lands at external index 26).
func (d *display) WriteWindow(text []byte) error {
	rng := d.writer.Diff(text)
	if !rng.Changed {
		return nil
	}
	physRange := d.hidden.ProjectRange(rng)
	translated := make([]byte, len(text))
	cell.Translate(&d.out, text, translated)
	projected := d.hidden.Project(translated)
	body := make([]byte, 0, 1+(physRange.To-physRange.From))
	body = append(body, byte(physRange.From))
	body = append(body, projected[physRange.From:physRange.To]...)
	if _, err := d.t.Write(build(codeWrite, body)); err != nil {
		d.writer.ForceRewrite()
		return fmt.Errorf("voyager: write_window: %w", err)
	}
	d.writer.Commit(text)
	return nil
}

func (d *display) ReadCommand() (keytable.Command, driver.Status, time.Duration, error) {
	buf := make([]byte, 64)
	n, err := d.t.Read(buf, 20*time.Millisecond, 5*time.Millisecond)
	if err != nil && err != transport.ErrTimeout {
		return keytable.NoCommand, driver.StatusRestart, 0, err
	}
	for i := 0; i < n; i++ {
		frame, done := d.reader.Feed(buf[i])
		if !done {
			continue
		}
		code, body := frameBody(frame)
		// The device expects an immediate fixed ack byte after every
		// frame it sends (spec.md §4.2 table's "after termination,
		// acknowledge with a fixed reply byte").
		d.t.Write([]byte{ackReply})
		if code != codeKeyEvent || len(body) < 1 {
			continue
		}
		keyByte := body[0]
		ev := keytable.Event{Group: 1, Number: int(keyByte & 0x7f), Pressed: keyByte&0x80 == 0}
		em := d.matcher.Feed(ev)
		if em.HasCommand {
			return em.Command, driver.StatusOK, em.Delay, nil
		}
	}
	em := d.matcher.Poll()
	if em.HasCommand {
		return em.Command, driver.StatusOK, em.Delay, nil
	}
	return keytable.NoCommand, driver.StatusEOF, em.Delay, nil
}

func (d *display) Destruct() { d.t.Close() }
