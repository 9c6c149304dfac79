// Package cell defines the braille cell data model shared by every
// driver: dot patterns, the canonical ISO-11548-1 dot order, and the
// per-driver output translation tables that map it onto a device's own
// wiring of dots to bits.
package cell

// Pattern is an 8-bit dot pattern: bit 0 is dot 1 ... bit 7 is dot 8.
// A value of 0 is a blank cell. This is the canonical ISO-11548-1 order
// used everywhere at the public surface.
type Pattern = byte

// OutputTable is a 256-entry translation table from canonical ISO-11548-1
// dot patterns to a driver-local dot order (how the hardware wires dots
// to bits). Index by a canonical Pattern, read the driver-local byte.
type OutputTable [256]byte

// IdentityTable is the translation table for drivers whose wiring already
// matches the canonical order.
var IdentityTable = func() OutputTable {
	var t OutputTable
	for i := range t {
		t[i] = byte(i)
	}
	return t
}()

// NewOutputTable builds an OutputTable from a dot permutation: order[i]
// names which canonical dot number (1-8) is wired to hardware bit i.
// A zero entry means "no dot wired to this bit" and is simply skipped.
func NewOutputTable(order [8]int) OutputTable {
	var t OutputTable
	for pattern := 0; pattern < 256; pattern++ {
		var out byte
		for bit := 0; bit < 8; bit++ {
			dot := order[bit]
			if dot == 0 {
				continue
			}
			if pattern&(1<<(dot-1)) != 0 {
				out |= 1 << bit
			}
		}
		t[pattern] = out
	}
	return t
}

// Translate applies tbl to every byte of in, writing into out, which must
// be at least as long as in. It returns the sub-slice of out written.
func Translate(tbl *OutputTable, in []byte, out []byte) []byte {
	out = out[:len(in)]
	for i, b := range in {
		out[i] = tbl[b]
	}
	return out
}

// Geometry describes a display's physical layout.
type Geometry struct {
	TextColumns   int
	TextRows      int
	StatusColumns int // 0 if the device has no separate status cells.
}

// Cells is the total addressable text-cell count.
func (g Geometry) Cells() int { return g.TextColumns * g.TextRows }

// MaxCellCount is the largest cell count a display this runtime drives
// may expose: 127, so every routing argument fits in 0x00-0x7F. The
// ROUTE command's long-press flag is not carried in the argument byte;
// it is keytable.FlagLongPress, one of the command's flag bits.
const MaxCellCount = 0x7F
