package braillememo

import (
	"bytes"
	"testing"

	"braillecore.dev/brl/internal/logger"
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

func TestRoundTripLongBody(t *testing.T) {
	body := bytes.Repeat([]byte{0xab, 0xcd, 0x00}, 100) // exercises magic bytes appearing inside body
	raw := build(cmdWrite, 7, body)
	r := packet.NewReader(verify, logger.Discard, "test")
	frames := feedAll(r, raw)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	cmd, sub, got := frameBody(frames[0])
	if cmd != cmdWrite || sub != 7 || !bytes.Equal(got, body) {
		t.Fatalf("decoded cmd=%#x sub=%d body len=%d", cmd, sub, len(got))
	}
}

func TestResyncOnGarbage(t *testing.T) {
	key := build(cmdKeyEvent, 0, []byte{0, 5, 1})
	data := append([]byte{0x10, 0xab, 0x00}, key...)
	r := packet.NewReader(verify, logger.Discard, "test")
	frames := feedAll(r, data)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if r.IgnoredBytes() != 3 {
		t.Fatalf("ignored %d, want 3", r.IgnoredBytes())
	}
}
