// Package humanware implements the escape-framed driver family (spec.md
// §4.2/§4.4 table: "sentinel-doubling, XOR checksum"), backing three
// driver codes that differ only in geometry and write-size limit: hw
// (Humanex), al (Alto, identical framing), and fs (Firenze, which caps
// each write packet at 62 cells).
//
// Framing is the worked example for packet.UnescapeN: a frame is
// SENTINEL, escaped(TYPE LEN BODY CHECKSUM), SENTINEL. Because LEN
// reveals the exact logical byte count before the payload is decoded,
// the closing SENTINEL is only ever inspected once that many logical
// bytes are already known to be in hand — it can never be confused with
// a doubled literal sentinel inside the payload (spec.md §8 property 1).
package humanware

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

const sentinel = 0x7e

const (
	typeProbe byte = 0x01
	typeKey   byte = 0x02
	typeWrite byte = 0x03
)

// build assembles one escape-framed packet around a logical TYPE, LEN,
// BODY, CHECKSUM payload.
func build(typ byte, body []byte) []byte {
	content := make([]byte, 0, 2+len(body)+1)
	content = append(content, typ, byte(len(body)))
	content = append(content, body...)
	content = append(content, packet.XOR(content))
	escaped := packet.EscapeByte(sentinel, content)
	out := make([]byte, 0, len(escaped)+2)
	out = append(out, sentinel)
	out = append(out, escaped...)
	out = append(out, sentinel)
	return out
}

// verify is the packet.Verifier for this framing style.
func verify(prefix []byte) (packet.Status, int) {
	if len(prefix) == 0 {
		return packet.NeedMore, 0
	}
	if prefix[0] != sentinel {
		return packet.Invalid, 0
	}
	raw := prefix[1:]
	hdr, hdrConsumed, hdrOK := packet.UnescapeN(sentinel, raw, 2)
	if !hdrOK {
		if hdrConsumed < len(raw) {
			return packet.Invalid, 0
		}
		return packet.NeedMore, 0
	}
	bodyLen := int(hdr[1])
	rest := raw[hdrConsumed:]
	payload, paylConsumed, paylOK := packet.UnescapeN(sentinel, rest, bodyLen+1)
	if !paylOK {
		if paylConsumed < len(rest) {
			return packet.Invalid, 0
		}
		return packet.NeedMore, 0
	}
	checksum := payload[bodyLen]
	full := make([]byte, 0, 2+bodyLen)
	full = append(full, hdr...)
	full = append(full, payload[:bodyLen]...)
	if packet.XOR(full) != checksum {
		return packet.Invalid, 0
	}
	endIdx := 1 + hdrConsumed + paylConsumed
	if endIdx >= len(prefix) {
		return packet.NeedMore, 0
	}
	if prefix[endIdx] != sentinel {
		return packet.Invalid, 0
	}
	if endIdx != len(prefix)-1 {
		return packet.Invalid, 0
	}
	return packet.Finished, 0
}

// frameBody splits a Finished frame (still SENTINEL-wrapped) back into
// its TYPE and BODY.
func frameBody(frame []byte) (typ byte, body []byte) {
	raw := frame[1 : len(frame)-1]
	hdr, hdrConsumed, _ := packet.UnescapeN(sentinel, raw, 2)
	bodyLen := int(hdr[1])
	payload, _, _ := packet.UnescapeN(sentinel, raw[hdrConsumed:], bodyLen+1)
	return hdr[0], payload[:bodyLen]
}

// geometry describes the three driver codes this package registers.
type geometry struct {
	code          string
	textColumns   int
	maxWriteCells int // 0 = unlimited
	routingGroup  int
}

var geometries = map[string]geometry{
	"hw": {code: "hw", textColumns: 40, maxWriteCells: 0, routingGroup: 0},
	"al": {code: "al", textColumns: 32, maxWriteCells: 0, routingGroup: 0},
	"fs": {code: "fs", textColumns: 80, maxWriteCells: 62, routingGroup: 0},
}

func init() {
	for code, g := range geometries {
		g := g
		driver.Register(code, func() driver.Driver { return &proto{geo: g} })
	}
}

type proto struct{ geo geometry }

func (p *proto) Construct(params driver.Params) (driver.Display, error) {
	t, _, err := transport.Connect(params.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("humanware: %s: connect: %w", p.geo.code, err)
	}
	var probeReply []byte
	_, err = driver.Probe(t, build(typeProbe, nil), driver.ProbeConfig{RetryLimit: 3, InputTimeout: 500 * time.Millisecond},
		func(buf []byte) (ok, wantMore bool) {
			r := packet.NewReader(verify, logger.Discard, "humanware-probe")
			for _, b := range buf {
				if frame, done := r.Feed(b); done {
					if typ, _ := frameBody(frame); typ == typeProbe {
						probeReply = frame
						return true, false
					}
					return false, false
				}
			}
			return false, true
		})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("humanware: %s: probe: %w", p.geo.code, err)
	}
	_, body := frameBody(probeReply)
	textColumns := p.geo.textColumns
	if len(body) >= 1 && body[0] > 0 {
		textColumns = int(body[0])
	}

	names := make([]keytable.KeyName, 0, textColumns+8)
	for i := 0; i < textColumns; i++ {
		names = append(names, keytable.KeyName{Name: fmt.Sprintf("Route%d", i+1), Group: p.geo.routingGroup, Number: i})
	}
	names = append(names,
		keytable.KeyName{Name: "Left", Group: 1, Number: 0},
		keytable.KeyName{Name: "Right", Group: 1, Number: 1},
		keytable.KeyName{Name: "Up", Group: 1, Number: 2},
		keytable.KeyName{Name: "Down", Group: 1, Number: 3},
	)
	nt := keytable.NewNameTable(names)

	ktSrc, err := driver.LoadKeyTable(params.TablesDir, p.geo.code)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("humanware: %s: %w", p.geo.code, err)
	}
	kt, err := keytable.Compile(strings.NewReader(ktSrc), nt, p.geo.routingGroup)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("humanware: %s: key table: %w", p.geo.code, err)
	}

	geo := cell.Geometry{TextColumns: textColumns, TextRows: 1}
	return &display{
		geo:      geo,
		code:     p.geo.code,
		maxWrite: p.geo.maxWriteCells,
		t:        t,
		kt:       kt,
		matcher:  keytable.NewMatcher(kt, 600*time.Millisecond, 100*time.Millisecond),
		reader:   packet.NewReader(verify, logger.Discard, "humanware-"+p.geo.code),
		writer:   diff.NewWriter(geo.Cells()),
		outTable: cell.IdentityTable,
	}, nil
}

type display struct {
	geo      cell.Geometry
	code     string
	maxWrite int
	t        transport.Transport
	kt       *keytable.KeyTable
	matcher  *keytable.Matcher
	reader   *packet.Reader
	writer   *diff.Writer
	outTable cell.OutputTable
}

func (d *display) Geometry() cell.Geometry       { return d.geo }
func (d *display) KeyTable() *keytable.KeyTable  { return d.kt }
func (d *display) WriteStatus(cells []byte) error { return nil }

func (d *display) WriteWindow(text []byte) error {
	rng := d.writer.Diff(text)
	if !rng.Changed {
		return nil
	}
	chunks := splitRange(rng, d.maxWrite)
	translated := make([]byte, len(text))
	cell.Translate(&d.outTable, text, translated)
	for _, c := range chunks {
		body := make([]byte, 0, 1+(c.To-c.From))
		body = append(body, byte(c.From))
		body = append(body, translated[c.From:c.To]...)
		if _, err := d.t.Write(build(typeWrite, body)); err != nil {
			d.writer.ForceRewrite()
			return fmt.Errorf("humanware: %s: write_window: %w", d.code, err)
		}
	}
	d.writer.Commit(text)
	return nil
}

func splitRange(r diff.Range, max int) []diff.Range {
	if max <= 0 {
		return []diff.Range{r}
	}
	var out []diff.Range
	for from := r.From; from < r.To; from += max {
		to := from + max
		if to > r.To {
			to = r.To
		}
		out = append(out, diff.Range{From: from, To: to, Changed: true})
	}
	return out
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
		typ, body := frameBody(frame)
		if typ != typeKey || len(body) < 3 {
			continue
		}
		ev := keytable.Event{Group: int(body[0]), Number: int(body[1]), Pressed: body[2] != 0}
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

func (d *display) Destruct() {
	d.t.Close()
}
