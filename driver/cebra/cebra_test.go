package cebra

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"braillecore.dev/brl/cell"
	"braillecore.dev/brl/diff"
	"braillecore.dev/brl/internal/logger"
	"braillecore.dev/brl/keytable"
	"braillecore.dev/brl/packet"
)

func feedAll(r *packet.Reader, data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if frame, ok := r.Feed(b); ok {
			frames = append(frames, append([]byte(nil), frame...))
		}
	}
	return frames
}

func TestProbeRoundTrip(t *testing.T) {
	reply := build(modelProbeResp, []byte{40})
	r := packet.NewReader(verify, logger.Discard, "test")
	frames := feedAll(r, reply)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	id, body := frameBody(frames[0])
	if id != modelProbeResp || !bytes.Equal(body, []byte{40}) {
		t.Fatalf("decoded id=%#x body=%v", id, body)
	}
}

func TestResyncOnGarbage(t *testing.T) {
	key := build(modelKeyEvent, []byte{0, 3, 1})
	data := append([]byte{0x42, 0x43}, key...)
	r := packet.NewReader(verify, logger.Discard, "test")
	frames := feedAll(r, data)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if r.IgnoredBytes() != 2 {
		t.Fatalf("ignored %d bytes, want 2", r.IgnoredBytes())
	}
	id, body := frameBody(frames[0])
	if id != modelKeyEvent || !bytes.Equal(body, []byte{0, 3, 1}) {
		t.Fatalf("decoded id=%#x body=%v", id, body)
	}
}

// fakeTransport is an in-memory transport.Transport double: Read drains
// a pre-loaded buffer once, then reports timeout forever; Write appends
// to an inspectable buffer.
type fakeTransport struct {
	in  []byte
	out bytes.Buffer
}

func (f *fakeTransport) Write(data []byte) (int, error) {
	f.out.Write(data)
	return len(data), nil
}

func (f *fakeTransport) Read(buf []byte, _, _ time.Duration) (int, error) {
	if len(f.in) == 0 {
		return 0, nil
	}
	n := copy(buf, f.in)
	f.in = f.in[n:]
	return n, nil
}

func (f *fakeTransport) Close() error { return nil }

func newTestDisplay(t *testing.T, ft *fakeTransport, textColumns int) *display {
	t.Helper()
	kt, err := keytable.Compile(strings.NewReader("context default\n"), keytable.NewNameTable(nil), -1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	geo := cell.Geometry{TextColumns: textColumns, TextRows: 1}
	return &display{
		geo:     geo,
		code:    "sk",
		t:       ft,
		kt:      kt,
		matcher: keytable.NewMatcher(kt, 600*time.Millisecond, 100*time.Millisecond),
		reader:  packet.NewReader(verify, logger.Discard, "cebra-sk-test"),
		writer:  diff.NewWriter(geo.Cells()),
		out:     cell.IdentityTable,
	}
}

func TestReadCommandDefersResizeToNextWrite(t *testing.T) {
	ft := &fakeTransport{in: build(modelProbeResp, []byte{24})}
	d := newTestDisplay(t, ft, 20)

	if _, _, _, err := d.ReadCommand(); err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if !d.resizePending || d.resizeColumns != 24 {
		t.Fatalf("resizePending=%v resizeColumns=%d, want pending with 24 columns", d.resizePending, d.resizeColumns)
	}
	if d.geo.TextColumns != 20 {
		t.Fatalf("geometry changed before WriteWindow: TextColumns=%d, want still 20", d.geo.TextColumns)
	}

	text := make([]byte, 24)
	if err := d.WriteWindow(text); err != nil {
		t.Fatalf("WriteWindow: %v", err)
	}
	if d.resizePending {
		t.Fatalf("resizePending still set after WriteWindow")
	}
	if d.geo.TextColumns != 24 {
		t.Fatalf("geo.TextColumns = %d, want 24 after resize applied", d.geo.TextColumns)
	}
	frames := feedAll(packet.NewReader(verify, logger.Discard, "test"), ft.out.Bytes())
	if len(frames) != 1 {
		t.Fatalf("got %d write frames, want 1", len(frames))
	}
	id, body := frameBody(frames[0])
	if id != modelWrite {
		t.Fatalf("frame id = %#x, want modelWrite", id)
	}
	if len(body) != 1+24 {
		t.Fatalf("body len = %d, want a full 24-cell rewrite after resize forces one", len(body))
	}
}

func TestChecksumRejection(t *testing.T) {
	frame := build(modelKeyEvent, []byte{0, 1, 1})
	corrupted := append([]byte(nil), frame...)
	corrupted[4] ^= 0x01
	r := packet.NewReader(verify, logger.Discard, "test")
	frames := feedAll(r, corrupted)
	if len(frames) != 0 {
		t.Fatalf("corrupted frame should not be delivered, got %d", len(frames))
	}
}
