package hiddriver

import (
	"testing"
	"time"

	"braillecore.dev/brl/cell"
	"braillecore.dev/brl/driver"
	"braillecore.dev/brl/hidreport"
	"braillecore.dev/brl/keytable"
	"braillecore.dev/brl/transport"
)

// buildTestDescriptor assembles a minimal HID report descriptor with 8
// dot-usage input bits plus 1 space bit (report id 1, numbered), and a
// 40-cell output report on the same id — the layout spec.md §8's HID
// scenario describes.
func buildTestDescriptor() []byte {
	var d []byte
	item := func(tag, typ byte, size int, data uint32) {
		prefix := byte(size&0x03) | (typ << 2) | (tag << 4)
		if size == 4 {
			prefix = byte(3) | (typ << 2) | (tag << 4)
		}
		d = append(d, prefix)
		for i := 0; i < size; i++ {
			d = append(d, byte(data>>(8*i)))
		}
	}
	const (
		typMain, typGlobal, typLocal = 0, 1, 2
	)
	item(0x0, typGlobal, 2, uint16(hidreport.UsagePageBraille)) // usage page
	item(0x8, typGlobal, 1, 1)                                  // report id 1
	item(0x7, typGlobal, 1, 1)                                  // report size 1
	item(0x9, typGlobal, 1, 9)                                  // report count 9 (8 dots + space)
	item(0x1, typLocal, 1, 1)                                   // usage min 1
	item(0x2, typLocal, 1, 9)                                    // usage max 9
	item(0x8, typMain, 1, 0x02)                                  // input (variable)

	item(0x7, typGlobal, 1, 8) // report size 8
	item(0x9, typGlobal, 1, 40) // report count 40
	item(0x9, typMain, 1, 0x02) // output
	return d
}

func TestDescriptorParsesToExpectedLayout(t *testing.T) {
	layout, err := hidreport.Parse(buildTestDescriptor())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if layout.CellCount != 40 {
		t.Fatalf("CellCount = %d, want 40", layout.CellCount)
	}
	if layout.OutputReportID != 1 || layout.InputReportID != 1 {
		t.Fatalf("report ids = in %d out %d, want 1/1", layout.InputReportID, layout.OutputReportID)
	}
	if !layout.Numbered {
		t.Fatalf("expected a numbered report")
	}
}

type fakeHID struct {
	reports [][]byte
	written [][]byte
}

func (f *fakeHID) Write(data []byte) (int, error) { return len(data), nil }
func (f *fakeHID) Read(buf []byte, initial, subsequent time.Duration) (int, error) {
	if len(f.reports) == 0 {
		return 0, transport.ErrTimeout
	}
	r := f.reports[0]
	f.reports = f.reports[1:]
	n := copy(buf, r)
	return n, nil
}
func (f *fakeHID) Close() error { return nil }
func (f *fakeHID) SetReport(reportID byte, data []byte) error {
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}
func (f *fakeHID) GetReport(reportID byte, out []byte) (int, error) { return 0, nil }
func (f *fakeHID) Descriptor() ([]byte, error)                      { return nil, nil }

func TestReadCommandTogglesDot1AndDot4(t *testing.T) {
	layout, err := hidreport.Parse(buildTestDescriptor())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	names := buildKeyNames(layout)
	nt := keytable.NewNameTable(names)
	kt := &keytable.KeyTable{Names: nt, Contexts: map[keytable.Context][]keytable.Binding{
		keytable.ContextDefault: {
			{Combination: keytable.NewCombination(nil, true, keytable.NewKeyValue(groupButton, bitForKey(layout, hidreport.KeyDot1))), Command: keytable.Pack(keytable.BlockOther, 0, 1)},
		},
	}}

	d := &display{
		geo:        cell.Geometry{TextColumns: layout.CellCount, TextRows: 1},
		t:          &fakeHID{reports: [][]byte{{0x01, 0x09, 0x00}}}, // report id 1, byte1 bits0+3 set (dot1+dot4): 0b00001001 = 0x09
		layout:     layout,
		kt:         kt,
		matcher:    keytable.NewMatcher(kt, 600*time.Millisecond, 100*time.Millisecond),
		last:       make([]byte, layout.InputReportBytes),
		sortedBits: sortedBitKeys(layout),
	}

	cmd, status, _, err := d.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if status != driver.StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if cmd.Block() != keytable.BlockOther || cmd.Arg() != 1 {
		t.Fatalf("cmd = %#x, want the Dot1 binding", uint32(cmd))
	}
}

func bitForKey(layout *hidreport.Layout, want hidreport.Key) int {
	for bit, k := range layout.BitToKey {
		if k == want {
			return bit
		}
	}
	return -1
}
