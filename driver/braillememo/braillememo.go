// Package braillememo implements the magic-header, typed-body driver
// family (spec.md §4.2/§4.4 table: "2-byte magic, 16-bit LE length, no
// checksum"), backing the bm (BrailleMemo) driver code.
//
// Frame layout: MAGIC(2) CMD(1) SUB(1) LENLO LENHI BODY(LEN). The length
// field is plain binary, not escaped, so this is the simplest framing
// style in the pack: no escaping and no checksum, trusting the
// transport's own error detection.
package braillememo

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

var magic = [2]byte{0xab, 0xcd}

const (
	cmdProbeReq  byte = 0x01
	cmdProbeResp byte = 0x02
	cmdKeyEvent  byte = 0x10
	cmdWrite     byte = 0x20
)

func build(cmd, sub byte, body []byte) []byte {
	out := make([]byte, 0, 6+len(body))
	out = append(out, magic[0], magic[1], cmd, sub, byte(len(body)), byte(len(body)>>8))
	out = append(out, body...)
	return out
}

func verify(prefix []byte) (packet.Status, int) {
	if len(prefix) == 0 {
		return packet.NeedMore, 0
	}
	if prefix[0] != magic[0] {
		return packet.Invalid, 0
	}
	if len(prefix) < 2 {
		return packet.NeedMore, 0
	}
	if prefix[1] != magic[1] {
		return packet.Invalid, 0
	}
	if len(prefix) < 6 {
		return packet.NeedMore, 0
	}
	length := int(prefix[4]) | int(prefix[5])<<8
	total := 6 + length
	if len(prefix) < total {
		return packet.NeedMore, total
	}
	if len(prefix) > total {
		return packet.Invalid, 0
	}
	return packet.Finished, 0
}

func frameBody(frame []byte) (cmd, sub byte, body []byte) {
	length := int(frame[4]) | int(frame[5])<<8
	return frame[2], frame[3], frame[6 : 6+length]
}

func init() {
	driver.Register("bm", func() driver.Driver { return &proto{} })
}

type proto struct{}

const textColumnsDefault = 40

func (p *proto) Construct(params driver.Params) (driver.Display, error) {
	t, _, err := transport.Connect(params.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("braillememo: connect: %w", err)
	}
	var reply []byte
	_, err = driver.Probe(t, build(cmdProbeReq, 0, nil), driver.ProbeConfig{RetryLimit: 3, InputTimeout: 500 * time.Millisecond},
		func(buf []byte) (ok, wantMore bool) {
			r := packet.NewReader(verify, logger.Discard, "braillememo-probe")
			for _, b := range buf {
				if frame, done := r.Feed(b); done {
					if cmd, _, _ := frameBody(frame); cmd == cmdProbeResp {
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
		return nil, fmt.Errorf("braillememo: probe: %w", err)
	}
	_, _, body := frameBody(reply)
	textColumns := textColumnsDefault
	if len(body) >= 1 && body[0] > 0 {
		textColumns = int(body[0])
	}
	statusColumns := 0
	if len(body) >= 2 {
		statusColumns = int(body[1])
	}

	names := make([]keytable.KeyName, 0, textColumns+4)
	for i := 0; i < textColumns; i++ {
		names = append(names, keytable.KeyName{Name: fmt.Sprintf("Route%d", i+1), Group: 0, Number: i})
	}
	names = append(names,
		keytable.KeyName{Name: "Back", Group: 1, Number: 0},
		keytable.KeyName{Name: "Forward", Group: 1, Number: 1},
	)
	nt := keytable.NewNameTable(names)

	ktSrc, err := driver.LoadKeyTable(params.TablesDir, "bm")
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("braillememo: %w", err)
	}
	kt, err := keytable.Compile(strings.NewReader(ktSrc), nt, 0)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("braillememo: key table: %w", err)
	}

	geo := cell.Geometry{TextColumns: textColumns, TextRows: 1, StatusColumns: statusColumns}
	return &display{
		geo:    geo,
		t:      t,
		kt:     kt,
		matcher: keytable.NewMatcher(kt, 600*time.Millisecond, 100*time.Millisecond),
		reader: packet.NewReader(verify, logger.Discard, "braillememo"),
		writer: diff.NewWriter(geo.Cells()),
		out:    cell.IdentityTable,
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
}

func (d *display) Geometry() cell.Geometry       { return d.geo }
func (d *display) KeyTable() *keytable.KeyTable  { return d.kt }
// WriteStatus sends nothing: the status cells a probe may report are
// not written by this driver.
func (d *display) WriteStatus(cells []byte) error { return nil }

func (d *display) WriteWindow(text []byte) error {
	rng := d.writer.Diff(text)
	if !rng.Changed {
		return nil
	}
	translated := make([]byte, len(text))
	cell.Translate(&d.out, text, translated)
	body := make([]byte, 0, 2+(rng.To-rng.From))
	body = append(body, byte(rng.From), byte(rng.From>>8))
	body = append(body, translated[rng.From:rng.To]...)
	if _, err := d.t.Write(build(cmdWrite, 0, body)); err != nil {
		d.writer.ForceRewrite()
		return fmt.Errorf("braillememo: write_window: %w", err)
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
		cmd, _, body := frameBody(frame)
		if cmd != cmdKeyEvent || len(body) < 3 {
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

func (d *display) Destruct() { d.t.Close() }
