package humanware

import (
	"bytes"
	"testing"

	"braillecore.dev/brl/diff"
	"braillecore.dev/brl/internal/logger"
	"braillecore.dev/brl/packet"
)

func feedAll(r *packet.Reader, data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if frame, ok := r.Feed(b); ok {
			cp := append([]byte(nil), frame...)
			frames = append(frames, cp)
		}
	}
	return frames
}

func TestRoundTripEverySentinelValue(t *testing.T) {
	for _, body := range [][]byte{
		nil,
		{0x00},
		{sentinel},
		{sentinel, sentinel},
		{0x01, sentinel, 0x02, sentinel, sentinel},
		bytes.Repeat([]byte{sentinel}, 5),
	} {
		raw := build(typeWrite, body)
		r := packet.NewReader(verify, logger.Discard, "test")
		frames := feedAll(r, raw)
		if len(frames) != 1 {
			t.Fatalf("body %v: got %d frames, want 1", body, len(frames))
		}
		typ, got := frameBody(frames[0])
		if typ != typeWrite {
			t.Fatalf("body %v: type = %#x, want typeWrite", body, typ)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("body %v: decoded %v", body, got)
		}
	}
}

func TestResyncAfterGarbage(t *testing.T) {
	good := build(typeKey, []byte{0, 1, 1})
	data := append([]byte{0x42, 0x43, 0x99}, good...)
	r := packet.NewReader(verify, logger.Discard, "test")
	frames := feedAll(r, data)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if r.IgnoredBytes() != 3 {
		t.Fatalf("ignored %d bytes, want 3", r.IgnoredBytes())
	}
	typ, body := frameBody(frames[0])
	if typ != typeKey || !bytes.Equal(body, []byte{0, 1, 1}) {
		t.Fatalf("decoded wrong frame: %#x %v", typ, body)
	}
}

func TestChecksumRejection(t *testing.T) {
	raw := build(typeKey, []byte{0, 2, 1})
	corrupted := append([]byte(nil), raw...)
	corrupted[3] ^= 0x01 // flip a bit inside the escaped TYPE/LEN/BODY region
	r := packet.NewReader(verify, logger.Discard, "test")
	frames := feedAll(r, corrupted)
	if len(frames) != 0 {
		t.Fatalf("corrupted frame should not be delivered, got %d frames", len(frames))
	}
}

func TestSplitRange(t *testing.T) {
	r := diff.Range{From: 0, To: 130, Changed: true}
	chunks := splitRange(r, 62)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].From != 0 || chunks[0].To != 62 {
		t.Fatalf("chunk 0 = %+v", chunks[0])
	}
	if chunks[2].From != 124 || chunks[2].To != 130 {
		t.Fatalf("chunk 2 = %+v", chunks[2])
	}
}
