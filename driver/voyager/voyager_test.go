package voyager

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
			frames = append(frames, append([]byte(nil), frame...))
		}
	}
	return frames
}

func TestFixedLengthRoundTrip(t *testing.T) {
	raw := build(codeProbeResp, []byte{44})
	r := packet.NewReader(verify, logger.Discard, "test")
	frames := feedAll(r, raw)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	code, body := frameBody(frames[0])
	if code != codeProbeResp || !bytes.Equal(body, []byte{44}) {
		t.Fatalf("decoded code=%#x body=%v", code, body)
	}
}

func TestVariableLengthRoundTripWithEscapedSentinel(t *testing.T) {
	body := []byte{0x00, sentinel, 0x01, 0x7f}
	raw := build(codeWrite, body)
	r := packet.NewReader(verify, logger.Discard, "test")
	frames := feedAll(r, raw)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	code, got := frameBody(frames[0])
	if code != codeWrite || !bytes.Equal(got, body) {
		t.Fatalf("decoded code=%#x body=%v, want %v", code, got, body)
	}
}

// independentUsableToPhysical recomputes the usable->physical mapping by
// brute-force scanning, as an independent check on diff.HiddenLayout's
// projection for this driver's 48-physical/44-usable layout.
func independentUsableToPhysical(usableIdx int) int {
	hidden := map[int]bool{0: true, 1: true, 6: true, 7: true}
	u := 0
	for p := 0; p < physicalCells; p++ {
		if hidden[p] {
			continue
		}
		if u == usableIdx {
			return p
		}
		u++
	}
	return -1
}

func TestHiddenLayoutProjectRange(t *testing.T) {
	for _, usableIdx := range []int{0, 3, 4, 22, 43} {
		want := independentUsableToPhysical(usableIdx)
		got := hiddenLayout.ProjectRange(diff.Range{From: usableIdx, To: usableIdx + 1, Changed: true})
		if got.From != want || got.To != want+1 {
			t.Fatalf("usable %d: ProjectRange = [%d,%d), want [%d,%d)", usableIdx, got.From, got.To, want, want+1)
		}
	}
}

func TestHiddenLayoutProjectZerosHiddenCells(t *testing.T) {
	usable := make([]byte, usableCells)
	for i := range usable {
		usable[i] = byte(i + 1)
	}
	phys := hiddenLayout.Project(usable)
	for _, h := range hiddenLayout.Hidden {
		if phys[h] != 0 {
			t.Fatalf("hidden physical cell %d = %d, want 0", h, phys[h])
		}
	}
	if len(phys) != physicalCells {
		t.Fatalf("projected length %d, want %d", len(phys), physicalCells)
	}
}
