package transport

import "testing"

func TestConnectWithNoAlternativesFails(t *testing.T) {
	_, _, err := Connect(Descriptor{})
	if err == nil {
		t.Fatalf("expected an error connecting an empty descriptor")
	}
}

func TestConnectTriesEachAlternativeInOrder(t *testing.T) {
	// Neither alternative can actually open on a test machine (no such
	// device), so Connect must fall through both and report failure
	// rather than stopping at the first one.
	d := Descriptor{Alternatives: []Alternative{
		{Kind: KindSerial, Serial: SerialParams{Device: "/dev/nonexistent-0"}},
		{Kind: KindSerial, Serial: SerialParams{Device: "/dev/nonexistent-1"}},
	}}
	_, _, err := Connect(d)
	if err == nil {
		t.Fatalf("expected Connect to fail when no alternative can open")
	}
}

func TestConnectRejectsUnknownKind(t *testing.T) {
	d := Descriptor{Alternatives: []Alternative{{Kind: Kind(99)}}}
	_, _, err := Connect(d)
	if err == nil {
		t.Fatalf("expected an error for an unknown transport kind")
	}
}
