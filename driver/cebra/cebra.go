// Package cebra implements the start-length-end driver family (spec.md
// §4.2/§4.4 table: "fixed sync byte, length field, XOR checksum before
// end sentinel"), backing two driver codes: cb (the full cell-routing
// model) and sk (a compact model with no routing keys).
//
// Frame layout: SYNC MODELID LEN BODY(LEN) CHECKSUM END. LEN is known as
// soon as three bytes are buffered, so the verifier never needs
// escaping or lookahead — unlike the humanware family, end-of-frame
// position is arithmetic, not a sentinel search.
package cebra

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

const (
	sync byte = 0x79
	end  byte = 0x7e
)

const (
	modelProbeReq  byte = 0xf8
	modelProbeResp byte = 0xfe
	modelKeyEvent  byte = 0x04
	modelWrite     byte = 0x10
)

// build assembles one start-length-end frame.
func build(modelID byte, body []byte) []byte {
	out := make([]byte, 0, 3+len(body)+2)
	out = append(out, sync, modelID, byte(len(body)))
	out = append(out, body...)
	out = append(out, packet.XOR(out[1:]))
	out = append(out, end)
	return out
}

func verify(prefix []byte) (packet.Status, int) {
	if len(prefix) == 0 {
		return packet.NeedMore, 0
	}
	if prefix[0] != sync {
		return packet.Invalid, 0
	}
	if len(prefix) < 3 {
		return packet.NeedMore, 0
	}
	bodyLen := int(prefix[2])
	total := 3 + bodyLen + 2
	if len(prefix) < total {
		return packet.NeedMore, total
	}
	if len(prefix) > total {
		return packet.Invalid, 0
	}
	checksum := packet.XOR(prefix[1 : 3+bodyLen])
	if prefix[3+bodyLen] != checksum {
		return packet.Invalid, 0
	}
	if prefix[total-1] != end {
		return packet.Invalid, 0
	}
	return packet.Finished, 0
}

func frameBody(frame []byte) (modelID byte, body []byte) {
	bodyLen := int(frame[2])
	return frame[1], frame[3 : 3+bodyLen]
}

type geometry struct {
	code         string
	textColumns  int
	routingGroup int // -1 if this model has no routing keys.
}

var geometries = map[string]geometry{
	"cb": {code: "cb", textColumns: 40, routingGroup: 0},
	"sk": {code: "sk", textColumns: 20, routingGroup: -1},
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
		return nil, fmt.Errorf("cebra: %s: connect: %w", p.geo.code, err)
	}
	var reply []byte
	_, err = driver.Probe(t, build(modelProbeReq, nil), driver.ProbeConfig{RetryLimit: 3, InputTimeout: 500 * time.Millisecond},
		func(buf []byte) (ok, wantMore bool) {
			r := packet.NewReader(verify, logger.Discard, "cebra-probe")
			for _, b := range buf {
				if frame, done := r.Feed(b); done {
					if id, _ := frameBody(frame); id == modelProbeResp {
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
		return nil, fmt.Errorf("cebra: %s: probe: %w", p.geo.code, err)
	}
	_, body := frameBody(reply)
	textColumns := p.geo.textColumns
	if len(body) >= 1 && body[0] > 0 {
		textColumns = int(body[0])
	}

	names := make([]keytable.KeyName, 0, textColumns+4)
	if p.geo.routingGroup >= 0 {
		for i := 0; i < textColumns; i++ {
			names = append(names, keytable.KeyName{Name: fmt.Sprintf("Route%d", i+1), Group: p.geo.routingGroup, Number: i})
		}
	}
	names = append(names,
		keytable.KeyName{Name: "K1", Group: 1, Number: 0},
		keytable.KeyName{Name: "K2", Group: 1, Number: 1},
		keytable.KeyName{Name: "K3", Group: 1, Number: 2},
		keytable.KeyName{Name: "K4", Group: 1, Number: 3},
	)
	nt := keytable.NewNameTable(names)

	ktSrc, err := driver.LoadKeyTable(params.TablesDir, p.geo.code)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("cebra: %s: %w", p.geo.code, err)
	}
	kt, err := keytable.Compile(strings.NewReader(ktSrc), nt, p.geo.routingGroup)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("cebra: %s: key table: %w", p.geo.code, err)
	}

	geo := cell.Geometry{TextColumns: textColumns, TextRows: 1}
	return &display{
		geo:    geo,
		code:   p.geo.code,
		t:      t,
		kt:     kt,
		matcher: keytable.NewMatcher(kt, 600*time.Millisecond, 100*time.Millisecond),
		reader: packet.NewReader(verify, logger.Discard, "cebra-"+p.geo.code),
		writer: diff.NewWriter(geo.Cells()),
		out:    cell.IdentityTable,
	}, nil
}

type display struct {
	geo    cell.Geometry
	code   string
	t      transport.Transport
	kt     *keytable.KeyTable
	matcher *keytable.Matcher
	reader *packet.Reader
	writer *diff.Writer
	out    cell.OutputTable

	// resizePending/resizeColumns record a model-id probe reply received
	// mid-session that names a different text-column count than the one
	// probed at Construct; the new geometry is only applied on the next
	// WriteWindow call, not acted on immediately (spec.md §8's Cebra
	// resize_required scenario).
	resizePending bool
	resizeColumns int
}

func (d *display) Geometry() cell.Geometry        { return d.geo }
func (d *display) KeyTable() *keytable.KeyTable   { return d.kt }
func (d *display) WriteStatus(cells []byte) error { return nil }

func (d *display) WriteWindow(text []byte) error {
	if d.resizePending {
		d.geo.TextColumns = d.resizeColumns
		d.writer = diff.NewWriter(d.geo.Cells())
		d.writer.ForceRewrite()
		d.resizePending = false
	}
	rng := d.writer.Diff(text)
	if !rng.Changed {
		return nil
	}
	translated := make([]byte, len(text))
	cell.Translate(&d.out, text, translated)
	body := make([]byte, 0, 1+(rng.To-rng.From))
	body = append(body, byte(rng.From))
	body = append(body, translated[rng.From:rng.To]...)
	if _, err := d.t.Write(build(modelWrite, body)); err != nil {
		d.writer.ForceRewrite()
		return fmt.Errorf("cebra: %s: write_window: %w", d.code, err)
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
		id, body := frameBody(frame)
		switch {
		case id == modelProbeResp:
			// The device re-announced its model id mid-session, which it
			// does when its geometry changes (e.g. a panel reconfigured
			// itself); record the new column count and apply it on the
			// next write rather than resizing out from under an
			// in-flight read (spec.md §8's Cebra resize_required
			// scenario).
			if len(body) >= 1 && body[0] > 0 && int(body[0]) != d.geo.TextColumns {
				d.resizePending = true
				d.resizeColumns = int(body[0])
			}
		case id == modelKeyEvent && len(body) >= 3:
			ev := keytable.Event{Group: int(body[0]), Number: int(body[1]), Pressed: body[2] != 0}
			em := d.matcher.Feed(ev)
			if em.HasCommand {
				return em.Command, driver.StatusOK, em.Delay, nil
			}
		}
	}
	em := d.matcher.Poll()
	if em.HasCommand {
		return em.Command, driver.StatusOK, em.Delay, nil
	}
	return keytable.NoCommand, driver.StatusEOF, em.Delay, nil
}

func (d *display) Destruct() { d.t.Close() }
