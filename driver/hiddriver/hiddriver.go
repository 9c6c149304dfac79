// Package hiddriver implements the generic-HID driver (spec.md §4.7),
// backing the hid driver code: it asks the transport for the device's
// raw HID report descriptor, parses it with hidreport.Parse, and drives
// key/cell I/O purely from the resulting bit layout rather than any
// hard-coded per-model knowledge.
package hiddriver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"braillecore.dev/brl/cell"
	"braillecore.dev/brl/diff"
	"braillecore.dev/brl/driver"
	"braillecore.dev/brl/hidreport"
	"braillecore.dev/brl/keytable"
	"braillecore.dev/brl/transport"
)

// Key groups this driver assigns: group 0 for dot/button keys (by
// hidreport.Key), group 1 for the contiguous router-key usage run.
const (
	groupButton = 0
	groupRouter = 1
)

func init() {
	driver.Register("hid", func() driver.Driver { return &proto{} })
}

type proto struct{}

func (p *proto) Construct(params driver.Params) (driver.Display, error) {
	t, _, err := transport.Connect(params.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("hiddriver: connect: %w", err)
	}
	hidT, ok := t.(transport.HIDTransport)
	if !ok {
		t.Close()
		return nil, fmt.Errorf("hiddriver: transport does not support HID report descriptors")
	}
	desc, err := hidT.Descriptor()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("hiddriver: read descriptor: %w", err)
	}
	layout, err := hidreport.Parse(desc)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("hiddriver: parse descriptor: %w", err)
	}

	names := buildKeyNames(layout)
	nt := keytable.NewNameTable(names)

	ktSrc, err := driver.LoadKeyTable(params.TablesDir, "hid")
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("hiddriver: %w", err)
	}
	routingGroup := -1
	if layout.RouterBitBase != -1 {
		routingGroup = groupRouter
	}
	kt, err := keytable.Compile(strings.NewReader(ktSrc), nt, routingGroup)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("hiddriver: key table: %w", err)
	}

	geo := cell.Geometry{TextColumns: layout.CellCount, TextRows: 1}
	return &display{
		geo:     geo,
		t:       hidT,
		layout:  layout,
		kt:      kt,
		matcher: keytable.NewMatcher(kt, 600*time.Millisecond, 100*time.Millisecond),
		writer:  diff.NewWriter(geo.Cells()),
		out:     cell.IdentityTable,
		last:    make([]byte, layout.InputReportBytes),
		sortedBits: sortedBitKeys(layout),
	}, nil
}

// sortedBitKeys returns layout.BitToKey's keys in ascending order, so
// simultaneous bit transitions are always fed to the matcher in a
// stable, deterministic order (map iteration order is not).
func sortedBitKeys(layout *hidreport.Layout) []int {
	bits := make([]int, 0, len(layout.BitToKey))
	for bit := range layout.BitToKey {
		bits = append(bits, bit)
	}
	sort.Ints(bits)
	return bits
}

// buildKeyNames derives symbolic key names from the parsed bit layout:
// dot/button usages get their hidreport.Key's name, router usages get
// Route1..RouteN in ascending bit order.
func buildKeyNames(layout *hidreport.Layout) []keytable.KeyName {
	bits := make([]int, 0, len(layout.BitToKey))
	for bit := range layout.BitToKey {
		bits = append(bits, bit)
	}
	sort.Ints(bits)

	var names []keytable.KeyName
	routerIdx := 0
	for _, bit := range bits {
		k := layout.BitToKey[bit]
		if layout.RouterBitBase != -1 && k == hidreport.KeyRouter {
			names = append(names, keytable.KeyName{Name: fmt.Sprintf("Route%d", routerIdx+1), Group: groupRouter, Number: routerIdx})
			routerIdx++
			continue
		}
		if name, ok := fixedKeyName[k]; ok {
			names = append(names, keytable.KeyName{Name: name, Group: groupButton, Number: bit})
		}
	}
	return names
}

var fixedKeyName = map[hidreport.Key]string{
	hidreport.KeyDot1:       "Dot1",
	hidreport.KeyDot2:       "Dot2",
	hidreport.KeyDot3:       "Dot3",
	hidreport.KeyDot4:       "Dot4",
	hidreport.KeyDot5:       "Dot5",
	hidreport.KeyDot6:       "Dot6",
	hidreport.KeyDot7:       "Dot7",
	hidreport.KeyDot8:       "Dot8",
	hidreport.KeySpace:      "Space",
	hidreport.KeyPanLeft:    "PanLeft",
	hidreport.KeyPanRight:   "PanRight",
	hidreport.KeyDPadUp:     "Up",
	hidreport.KeyDPadDown:   "Down",
	hidreport.KeyDPadLeft:   "Left",
	hidreport.KeyDPadRight:  "Right",
	hidreport.KeyDPadCenter: "Center",
	hidreport.KeyRockerUp:   "RockerUp",
	hidreport.KeyRockerDown: "RockerDown",
}

type display struct {
	geo     cell.Geometry
	t       transport.HIDTransport
	layout  *hidreport.Layout
	kt      *keytable.KeyTable
	matcher *keytable.Matcher
	writer  *diff.Writer
	out     cell.OutputTable
	last    []byte
	sortedBits []int
	pending []keytable.Command
}

func (d *display) Geometry() cell.Geometry        { return d.geo }
func (d *display) KeyTable() *keytable.KeyTable   { return d.kt }
func (d *display) WriteStatus(cells []byte) error { return nil }

func (d *display) WriteWindow(text []byte) error {
	rng := d.writer.Diff(text)
	if !rng.Changed {
		return nil
	}
	translated := make([]byte, len(text))
	cell.Translate(&d.out, text, translated)
	if err := d.t.SetReport(d.layout.OutputReportID, translated); err != nil {
		d.writer.ForceRewrite()
		return fmt.Errorf("hiddriver: write_window: %w", err)
	}
	d.writer.Commit(text)
	return nil
}

// bitAt reads bit i (0-based, after the leading report-ID byte if the
// device is numbered) out of report.
func bitAt(report []byte, numbered bool, bit int) bool {
	off := bit
	if numbered {
		off += 8
	}
	byteIdx := off / 8
	if byteIdx >= len(report) {
		return false
	}
	return report[byteIdx]&(1<<uint(off%8)) != 0
}

func (d *display) ReadCommand() (keytable.Command, driver.Status, time.Duration, error) {
	if len(d.pending) > 0 {
		cmd := d.pending[0]
		d.pending = d.pending[1:]
		return cmd, driver.StatusOK, 0, nil
	}
	report := make([]byte, d.layout.InputReportBytes)
	n, err := d.t.Read(report, 20*time.Millisecond, 5*time.Millisecond)
	if err != nil && err != transport.ErrTimeout {
		return keytable.NoCommand, driver.StatusRestart, 0, err
	}
	if n == len(report) {
		for _, bit := range d.sortedBits {
			was := bitAt(d.last, d.layout.Numbered, bit)
			now := bitAt(report, d.layout.Numbered, bit)
			if was == now {
				continue
			}
			key := d.layout.BitToKey[bit]
			group, number := groupButton, bit
			if key == hidreport.KeyRouter {
				group, number = groupRouter, bit-d.layout.RouterBitBase
			}
			ev := keytable.Event{Group: group, Number: number, Pressed: now}
			em := d.matcher.Feed(ev)
			if em.HasCommand {
				d.pending = append(d.pending, em.Command)
			}
		}
		copy(d.last, report)
	}
	if len(d.pending) > 0 {
		cmd := d.pending[0]
		d.pending = d.pending[1:]
		return cmd, driver.StatusOK, 0, nil
	}
	em := d.matcher.Poll()
	if em.HasCommand {
		return em.Command, driver.StatusOK, em.Delay, nil
	}
	return keytable.NoCommand, driver.StatusEOF, em.Delay, nil
}

func (d *display) Destruct() { d.t.Close() }
