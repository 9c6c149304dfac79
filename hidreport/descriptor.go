// Package hidreport parses a USB HID report descriptor well enough to
// drive the generic-HID braille driver (spec.md §4.7): it walks the
// descriptor item-by-item tracking a usage stack, and emits the bit
// layout the driver needs without depending on a general-purpose USB/HID
// library (none in the retrieval pack models report descriptors).
//
// Grounded in spirit on spec.md §9's guidance to replace "cumulative
// state across main-scoped locals" with "a state struct passed through a
// pure walker"; this package's walker takes that literally: Parse builds
// one walkerState value and thread it through item handling with no
// package-level mutable state.
package hidreport

import "fmt"

// Usage identifies one HID usage (page, id) pair.
type Usage struct {
	Page uint16
	ID   uint16
}

// Key names the internal key numbers the generic-HID driver recognizes,
// independent of any particular vendor's usage table (spec.md §4.7(c)).
type Key int

const (
	KeyNone Key = iota
	KeyDot1
	KeyDot2
	KeyDot3
	KeyDot4
	KeyDot5
	KeyDot6
	KeyDot7
	KeyDot8
	KeySpace
	KeyPanLeft
	KeyPanRight
	KeyDPadUp
	KeyDPadDown
	KeyDPadLeft
	KeyDPadRight
	KeyDPadCenter
	KeyRockerUp
	KeyRockerDown
	KeyRouter // the first of a contiguous run of router-key usages.
)

// Braille usage page, and the page-local usage IDs the fixed key table
// (spec.md §4.7(c)) matches against. These are placeholder values typical
// of vendor-defined braille-cell HID usage pages, since no single usage
// page is standardized for every device.
const (
	UsagePageBraille uint16 = 0xff41

	usageDot1    uint16 = 0x01
	usageDot8    uint16 = 0x08
	usageSpace   uint16 = 0x09
	usagePanL    uint16 = 0x0a
	usagePanR    uint16 = 0x0b
	usageDUp     uint16 = 0x0c
	usageDDown   uint16 = 0x0d
	usageDLeft   uint16 = 0x0e
	usageDRight  uint16 = 0x0f
	usageDCenter uint16 = 0x10
	usageRockUp  uint16 = 0x11
	usageRockDn  uint16 = 0x12
	usageRouter0 uint16 = 0x20 // router keys occupy a contiguous run from here.
	usageRouterN uint16 = 0x20 + 127
)

func fixedKeyFor(u Usage) Key {
	if u.Page != UsagePageBraille {
		return KeyNone
	}
	switch {
	case u.ID >= usageDot1 && u.ID <= usageDot8:
		return Key(int(KeyDot1) + int(u.ID-usageDot1))
	case u.ID == usageSpace:
		return KeySpace
	case u.ID == usagePanL:
		return KeyPanLeft
	case u.ID == usagePanR:
		return KeyPanRight
	case u.ID == usageDUp:
		return KeyDPadUp
	case u.ID == usageDDown:
		return KeyDPadDown
	case u.ID == usageDLeft:
		return KeyDPadLeft
	case u.ID == usageDRight:
		return KeyDPadRight
	case u.ID == usageDCenter:
		return KeyDPadCenter
	case u.ID == usageRockUp:
		return KeyRockerUp
	case u.ID == usageRockDn:
		return KeyRockerDown
	case u.ID >= usageRouter0 && u.ID <= usageRouterN:
		return KeyRouter
	default:
		return KeyNone
	}
}

// Field describes one run of contiguous bits within a report, carrying
// the usages assigned to each bit (or to the whole field, for an array
// field encoded as a usage range).
type Field struct {
	ReportID   byte
	BitOffset  int // offset within the report, after the report ID byte if any.
	ReportSize int // bits per element.
	ReportCount int
	Usages     []Usage // len == ReportCount for a variable field.
	IsRange    bool
	UsageMin   Usage
	UsageMax   Usage
	Output     bool // true for an output (device-bound) field.
}

// Layout is the parsed result spec.md §4.7 requires of the generic-HID
// driver.
type Layout struct {
	InputReportID byte
	// BitToUsage maps an input-report bit index (0-based, after the
	// report-ID byte if the device is numbered) to the HID usage wired
	// there.
	BitToUsage map[int]Usage
	// BitToKey maps the same bit index to the internal key number it
	// was matched to, skipping unrecognized usages.
	BitToKey map[int]Key
	// RouterBitBase is the first-bit offset of the contiguous run of
	// router-key usages, or -1 if the descriptor has none.
	RouterBitBase int
	// InputReportBytes is the fixed size, in bytes, of the numbered
	// input report (including the leading report-ID byte if numbered).
	InputReportBytes int
	// Numbered is true if reports carry a leading report-ID byte.
	Numbered bool
	// OutputReportID is the single output report's ID.
	OutputReportID byte
	// CellCount is the output report's ReportCount: the number of
	// 8-bit cells the device accepts per write.
	CellCount int
}

// item is one raw HID descriptor item.
type item struct {
	tag    byte
	typ    byte
	size   int
	data   uint32
	signed int32
}

func parseItems(desc []byte) ([]item, error) {
	var items []item
	i := 0
	for i < len(desc) {
		prefix := desc[i]
		i++
		size := int(prefix & 0x03)
		if size == 3 {
			size = 4
		}
		typ := (prefix >> 2) & 0x03
		tag := (prefix >> 4) & 0x0f
		if i+size > len(desc) {
			return nil, fmt.Errorf("hidreport: truncated item at offset %d", i-1)
		}
		var data uint32
		for b := 0; b < size; b++ {
			data |= uint32(desc[i+b]) << (8 * b)
		}
		var signed int32
		switch size {
		case 1:
			signed = int32(int8(data))
		case 2:
			signed = int32(int16(data))
		default:
			signed = int32(data)
		}
		items = append(items, item{tag: tag, typ: typ, size: size, data: data, signed: signed})
		i += size
	}
	return items, nil
}

// walkerState is the single mutable value threaded through item
// processing; no package-level state is used (spec.md §9).
type walkerState struct {
	usagePage   uint16
	usages      []uint16
	usageMin    uint32
	usageMax    uint32
	haveMin     bool
	haveMax     bool
	reportSize  int
	reportCount int
	reportID    byte

	fields []Field
}

const (
	typMain   = 0
	typGlobal = 1
	typLocal  = 2

	tagUsagePage   = 0x0
	tagInput       = 0x8
	tagOutput      = 0x9
	tagCollection  = 0xa
	tagEndCollection = 0xc
	tagReportSize  = 0x7
	tagReportID    = 0x8
	tagReportCount = 0x9
	tagUsage       = 0x0
	tagUsageMin    = 0x1
	tagUsageMax    = 0x2
)

// Parse walks a raw HID report descriptor and extracts the layout the
// generic-HID driver needs. It rejects, per spec.md §4.7, any descriptor
// with more than one input report ID, an output report whose ID differs
// from the input report's, a non-8-bit output field size, or more than
// one output field.
func Parse(desc []byte) (*Layout, error) {
	items, err := parseItems(desc)
	if err != nil {
		return nil, err
	}
	var w walkerState
	for _, it := range items {
		switch it.typ {
		case typGlobal:
			switch it.tag {
			case tagUsagePage:
				w.usagePage = uint16(it.data)
			case tagReportSize:
				w.reportSize = int(it.data)
			case tagReportCount:
				w.reportCount = int(it.data)
			case tagReportID:
				w.reportID = byte(it.data)
			}
		case typLocal:
			switch it.tag {
			case tagUsage:
				w.usages = append(w.usages, uint16(it.data))
			case tagUsageMin:
				w.usageMin = it.data
				w.haveMin = true
			case tagUsageMax:
				w.usageMax = it.data
				w.haveMax = true
			}
		case typMain:
			switch it.tag {
			case tagInput, tagOutput:
				f := Field{
					ReportID:    w.reportID,
					ReportSize:  w.reportSize,
					ReportCount: w.reportCount,
					Output:      it.tag == tagOutput,
				}
				if w.haveMin && w.haveMax {
					f.IsRange = true
					f.UsageMin = Usage{Page: w.usagePage, ID: uint16(w.usageMin)}
					f.UsageMax = Usage{Page: w.usagePage, ID: uint16(w.usageMax)}
				} else {
					for _, u := range w.usages {
						f.Usages = append(f.Usages, Usage{Page: w.usagePage, ID: u})
					}
				}
				w.fields = append(w.fields, f)
				w.usages = nil
				w.usageMin, w.usageMax = 0, 0
				w.haveMin, w.haveMax = false, false
			}
		}
	}
	return buildLayout(w.fields)
}

func buildLayout(fields []Field) (*Layout, error) {
	layout := &Layout{
		BitToUsage:    map[int]Usage{},
		BitToKey:      map[int]Key{},
		RouterBitBase: -1,
	}
	inputIDs := map[byte]bool{}
	var outputFields []Field
	bitOffsets := map[byte]int{}
	for _, f := range fields {
		if f.Output {
			outputFields = append(outputFields, f)
			continue
		}
		inputIDs[f.ReportID] = true
		off := bitOffsets[f.ReportID]
		assignInputField(layout, f, off)
		bitOffsets[f.ReportID] = off + f.ReportSize*f.ReportCount
	}
	if len(inputIDs) > 1 {
		return nil, fmt.Errorf("hidreport: descriptor names more than one input report")
	}
	for id := range inputIDs {
		layout.InputReportID = id
		layout.Numbered = id != 0
	}
	maxBit := 0
	for bit := range layout.BitToUsage {
		if bit+1 > maxBit {
			maxBit = bit + 1
		}
	}
	bytes := (maxBit + 7) / 8
	if layout.Numbered {
		bytes++
	}
	layout.InputReportBytes = bytes

	if len(outputFields) == 0 {
		return nil, fmt.Errorf("hidreport: descriptor has no output report")
	}
	first := outputFields[0]
	for _, f := range outputFields[1:] {
		if f.ReportID != first.ReportID {
			return nil, fmt.Errorf("hidreport: descriptor names more than one output report id")
		}
	}
	if first.ReportID != layout.InputReportID {
		return nil, fmt.Errorf("hidreport: input and output report ids differ")
	}
	if first.ReportSize != 8 {
		return nil, fmt.Errorf("hidreport: output report size %d is not 8 bits", first.ReportSize)
	}
	if len(outputFields) > 1 {
		return nil, fmt.Errorf("hidreport: descriptor has more than one output field")
	}
	layout.OutputReportID = first.ReportID
	layout.CellCount = first.ReportCount
	return layout, nil
}

func assignInputField(layout *Layout, f Field, bitOffset int) {
	if f.IsRange {
		n := int(f.UsageMax.ID) - int(f.UsageMin.ID) + 1
		routerBase := -1
		for i := 0; i < n && i < f.ReportCount; i++ {
			bit := bitOffset + i*f.ReportSize
			u := Usage{Page: f.UsageMin.Page, ID: f.UsageMin.ID + uint16(i)}
			layout.BitToUsage[bit] = u
			if k := fixedKeyFor(u); k != KeyNone {
				layout.BitToKey[bit] = k
				if k == KeyRouter && routerBase == -1 {
					routerBase = bit
				}
			}
		}
		if routerBase != -1 && (layout.RouterBitBase == -1 || routerBase < layout.RouterBitBase) {
			layout.RouterBitBase = routerBase
		}
		return
	}
	for i, u := range f.Usages {
		bit := bitOffset + i*f.ReportSize
		layout.BitToUsage[bit] = u
		if k := fixedKeyFor(u); k != KeyNone {
			layout.BitToKey[bit] = k
			if k == KeyRouter && layout.RouterBitBase == -1 {
				layout.RouterBitBase = bit
			}
		}
	}
}
