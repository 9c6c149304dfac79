package driver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"braillecore.dev/brl/transport"
)

type stubDriver struct{}

func (stubDriver) Construct(p Params) (Display, error) { return nil, nil }

func TestRegisterLoadAndCodes(t *testing.T) {
	const code = "zz-test-driver"
	Register(code, func() Driver { return stubDriver{} })

	d, err := Load(code)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := d.(stubDriver); !ok {
		t.Fatalf("Load returned %T, want stubDriver", d)
	}

	found := false
	for _, c := range Codes() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("Codes() did not list %q", code)
	}
}

func TestRegisterPanicsOnDuplicateCode(t *testing.T) {
	const code = "zz-dup-driver"
	Register(code, func() Driver { return stubDriver{} })
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic on duplicate registration")
		}
	}()
	Register(code, func() Driver { return stubDriver{} })
}

func TestLoadUnknownCode(t *testing.T) {
	_, err := Load("no-such-driver-code")
	if err == nil {
		t.Fatalf("expected an error for an unregistered code")
	}
}

func TestCodesSorted(t *testing.T) {
	codes := Codes()
	for i := 1; i < len(codes); i++ {
		if codes[i] < codes[i-1] {
			t.Fatalf("Codes() not sorted: %v", codes)
		}
	}
}

// fakeProbeTransport replies with a fixed sequence of reads regardless
// of what's written.
type fakeProbeTransport struct {
	reads   [][]byte
	writeErr error
}

func (f *fakeProbeTransport) Write(data []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return len(data), nil
}

func (f *fakeProbeTransport) Read(buf []byte, initial, subsequent time.Duration) (int, error) {
	if len(f.reads) == 0 {
		return 0, transport.ErrTimeout
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	return copy(buf, r), nil
}

func (f *fakeProbeTransport) Close() error { return nil }

func TestProbeAcceptsMatchingReply(t *testing.T) {
	tr := &fakeProbeTransport{reads: [][]byte{{0xAA, 0xBB}}}
	got, err := Probe(tr, []byte{0x01}, ProbeConfig{RetryLimit: 1, InputTimeout: 50 * time.Millisecond},
		func(buf []byte) (bool, bool) {
			return len(buf) >= 2, true
		})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 bytes", got)
	}
}

func TestProbeFailsWhenNothingMatches(t *testing.T) {
	tr := &fakeProbeTransport{}
	_, err := Probe(tr, []byte{0x01}, ProbeConfig{RetryLimit: 1, InputTimeout: 5 * time.Millisecond},
		func(buf []byte) (bool, bool) { return false, true })
	if err == nil {
		t.Fatalf("expected Probe to fail when no reply ever arrives")
	}
}

func writeTable(t *testing.T, dir, code, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, code), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(dir, code, name+".ktb")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadKeyTableReadsDefaultBinding(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "zz", "default", "context default\nbind Left FWINLT\n")

	src, err := LoadKeyTable(dir, "zz")
	if err != nil {
		t.Fatalf("LoadKeyTable: %v", err)
	}
	if !strings.Contains(src, "bind Left FWINLT") {
		t.Fatalf("LoadKeyTable = %q, missing expected binding", src)
	}
}

func TestLoadKeyTableExpandsInclude(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "zz", "default", "context default\ninclude shared\nbind Right FWINRT\n")
	writeTable(t, dir, "zz", "shared", "bind Left FWINLT\n")

	src, err := LoadKeyTable(dir, "zz")
	if err != nil {
		t.Fatalf("LoadKeyTable: %v", err)
	}
	if strings.Contains(src, "include") {
		t.Fatalf("LoadKeyTable = %q, include directive was not expanded", src)
	}
	if !strings.Contains(src, "bind Left FWINLT") || !strings.Contains(src, "bind Right FWINRT") {
		t.Fatalf("LoadKeyTable = %q, missing bindings from both the base and included file", src)
	}
}

func TestLoadKeyTableDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "zz", "default", "include default\n")

	_, err := LoadKeyTable(dir, "zz")
	if err == nil {
		t.Fatalf("expected an error for a self-including binding file")
	}
}

func TestLoadKeyTableMissingFile(t *testing.T) {
	_, err := LoadKeyTable(t.TempDir(), "zz")
	if err == nil {
		t.Fatalf("expected an error when the default binding file is absent")
	}
}
