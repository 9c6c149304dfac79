// Package dotpad implements the ack/nak driver family (spec.md
// §4.2/§4.4 table: "control bytes pick ack/nak/id/short frame, 8-bit sum
// checksum"), backing the dp (DotPad) driver code.
//
// Unlike the other families, write_window here is acknowledgement-gated
// (spec.md §7's "acknowledgement_pending" discipline): a write packet is
// not considered delivered, and no new write may be sent, until the
// device's ack control byte (DP_DRC_ACK) arrives. A second WriteWindow
// call that lands before the ack does must not emit a new write packet
// (spec.md §8's DotPad scenario). Such a call sends nothing and records
// nothing; once the ack commits the sent cells, the host's next
// WriteWindow call diffs against them. Nothing is retried.
package dotpad

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

// Control bytes (spec.md names them DP_DRC_ACK / DP_DRC_NAK / ...).
const (
	ctrlAck   byte = 0x06
	ctrlNak   byte = 0x15
	ctrlID    byte = 0x02
	ctrlShort byte = 0x04
)

const (
	idProbeReq  byte = 0x01
	idProbeResp byte = 0x02
	idWrite     byte = 0x03
)

func buildID(id byte, body []byte) []byte {
	out := make([]byte, 0, 2+len(body)+1)
	out = append(out, ctrlID, byte(len(body)))
	out = append(out, id)
	out = append(out, body...)
	out = append(out, packet.Sum8(out[1:]))
	return out
}

func buildShort(b byte) []byte { return []byte{ctrlShort, b} }

func verify(prefix []byte) (packet.Status, int) {
	if len(prefix) == 0 {
		return packet.NeedMore, 0
	}
	switch prefix[0] {
	case ctrlAck, ctrlNak:
		if len(prefix) > 1 {
			return packet.Invalid, 0
		}
		return packet.Finished, 0
	case ctrlShort:
		if len(prefix) < 2 {
			return packet.NeedMore, 0
		}
		if len(prefix) > 2 {
			return packet.Invalid, 0
		}
		return packet.Finished, 0
	case ctrlID:
		if len(prefix) < 2 {
			return packet.NeedMore, 0
		}
		bodyLen := int(prefix[1])
		total := 2 + 1 + bodyLen + 1 // LEN byte, ID byte, body, checksum
		if len(prefix) < total {
			return packet.NeedMore, total
		}
		if len(prefix) > total {
			return packet.Invalid, 0
		}
		sum := packet.Sum8(prefix[1 : total-1])
		if prefix[total-1] != sum {
			return packet.Invalid, 0
		}
		return packet.Finished, 0
	default:
		return packet.Invalid, 0
	}
}

// idFrameBody splits a ctrlID frame into its data-kind id and body.
func idFrameBody(frame []byte) (id byte, body []byte) {
	bodyLen := int(frame[1])
	return frame[2], frame[3 : 3+bodyLen]
}

func init() {
	driver.Register("dp", func() driver.Driver { return &proto{} })
}

type proto struct{}

func (p *proto) Construct(params driver.Params) (driver.Display, error) {
	t, _, err := transport.Connect(params.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("dotpad: connect: %w", err)
	}
	var reply []byte
	_, err = driver.Probe(t, buildID(idProbeReq, nil), driver.ProbeConfig{RetryLimit: 3, InputTimeout: 500 * time.Millisecond},
		func(buf []byte) (ok, wantMore bool) {
			r := packet.NewReader(verify, logger.Discard, "dotpad-probe")
			for _, b := range buf {
				if frame, done := r.Feed(b); done {
					if len(frame) > 0 && frame[0] == ctrlID {
						if id, _ := idFrameBody(frame); id == idProbeResp {
							reply = frame
							return true, false
						}
					}
					return false, true
				}
			}
			return false, true
		})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("dotpad: probe: %w", err)
	}
	_, body := idFrameBody(reply)
	textColumns := 32
	if len(body) >= 1 && body[0] > 0 {
		textColumns = int(body[0])
	}

	names := []keytable.KeyName{
		{Name: "Dot1", Group: 1, Number: 0},
		{Name: "Dot2", Group: 1, Number: 1},
		{Name: "Power", Group: 1, Number: 2},
	}
	nt := keytable.NewNameTable(names)

	ktSrc, err := driver.LoadKeyTable(params.TablesDir, "dp")
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("dotpad: %w", err)
	}
	kt, err := keytable.Compile(strings.NewReader(ktSrc), nt, -1)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("dotpad: key table: %w", err)
	}

	geo := cell.Geometry{TextColumns: textColumns, TextRows: 1}
	return &display{
		geo:     geo,
		t:       t,
		kt:      kt,
		matcher: keytable.NewMatcher(kt, 600*time.Millisecond, 100*time.Millisecond),
		reader:  packet.NewReader(verify, logger.Discard, "dotpad"),
		writer:  diff.NewWriter(geo.Cells()),
		out:     cell.IdentityTable,
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

	ackPending bool
	pendingSent []byte // full cell buffer last sent, awaiting ack.
}

func (d *display) Geometry() cell.Geometry        { return d.geo }
func (d *display) KeyTable() *keytable.KeyTable   { return d.kt }
func (d *display) WriteStatus(cells []byte) error { return nil }

// WriteWindow implements spec.md §7's acknowledgement_pending discipline:
// while a prior write has not yet been acknowledged, a new WriteWindow
// call returns nil without sending or recording anything; it must not
// emit a second write packet, since the device cannot absorb two in
// flight (spec.md §8's DotPad scenario). The diff writer keeps the
// last committed cells, so the next call after the ack sends the
// changes against them.
func (d *display) WriteWindow(text []byte) error {
	rng := d.writer.Diff(text)
	if !rng.Changed {
		return nil
	}
	if d.ackPending {
		return nil
	}
	translated := make([]byte, len(text))
	cell.Translate(&d.out, text, translated)
	body := make([]byte, 0, 1+(rng.To-rng.From))
	body = append(body, byte(rng.From))
	body = append(body, translated[rng.From:rng.To]...)
	if _, err := d.t.Write(buildID(idWrite, body)); err != nil {
		d.writer.ForceRewrite()
		return fmt.Errorf("dotpad: write_window: %w", err)
	}
	d.ackPending = true
	d.pendingSent = append([]byte(nil), text...)
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
		switch frame[0] {
		case ctrlAck:
			if d.ackPending {
				d.writer.Commit(d.pendingSent)
				d.ackPending = false
				d.pendingSent = nil
			}
		case ctrlNak:
			// Delivery failed; force a full rewrite on the next
			// WriteWindow once the ack gate reopens.
			d.ackPending = false
			d.writer.ForceRewrite()
		case ctrlShort:
			body := frame[1]
			ev := keytable.Event{Group: 1, Number: int(body & 0x7f), Pressed: body&0x80 == 0}
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
