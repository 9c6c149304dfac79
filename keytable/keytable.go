// Package keytable implements the key-table data model, compiler, and
// combination matcher specified in spec.md §4.5: compiling a textual
// key-binding file into a read-only KeyTable, and matching live
// (group, number, pressed) events against it to emit logical commands.
package keytable

import "sort"

// Command is a packed 32-bit command value: a block code in the top
// byte, an argument in the bottom byte, and flag bits in between
// (spec.md §3 "Key binding").
type Command uint32

const (
	blockShift = 24
	argMask    = 0xff
)

// Block extracts the top-byte block code.
func (c Command) Block() uint8 { return uint8(c >> blockShift) }

// Arg extracts the bottom-byte argument.
func (c Command) Arg() uint8 { return uint8(c & argMask) }

// Flags extracts the middle 16 bits of flag state.
func (c Command) Flags() uint16 { return uint16(c >> 8) }

// WithArg returns c with its argument byte replaced.
func (c Command) WithArg(arg uint8) Command {
	return Command(uint32(c)&^argMask) | Command(arg)
}

// Pack assembles a Command from its parts.
func Pack(block uint8, flags uint16, arg uint8) Command {
	return Command(block)<<blockShift | Command(flags)<<8 | Command(arg)
}

// Command flag bits, packed into the middle 16 bits (spec.md §3).
const (
	FlagToggleOn     uint16 = 1 << 0
	FlagToggleOff    uint16 = 1 << 1
	FlagMotionToLeft uint16 = 1 << 2
	FlagLongPress    uint16 = 1 << 7
)

// Built-in block codes this module's drivers and tests reference. A host
// screen reader would define its own full set; these are the ones
// spec.md's testable properties (§8) and driver behaviors name directly.
const (
	BlockRoute  uint8 = 0x01
	BlockLnUp   uint8 = 0x02
	BlockLnDn   uint8 = 0x03
	BlockFwinLt uint8 = 0x04
	BlockFwinRt uint8 = 0x05
	BlockOther  uint8 = 0xff
)

// NoCommand is returned by read_command when the queue is empty
// (spec.md §6).
const NoCommand Command = 0xffffffff

// KeyName is one entry in a driver's key-name table: the symbolic name a
// .ktb file may reference, and the (group, number) it resolves to.
type KeyName struct {
	Name   string
	Group  int
	Number int
}

// NameTable is a driver's declared key names, sorted for binary search
// by (Group, Number) as spec.md §3/§9 specify.
type NameTable struct {
	entries []KeyName
	byName  map[string]KeyName
}

// NewNameTable builds a NameTable from an unordered list of key names,
// resolving symbolic names once so the matcher deals only in numeric
// (group, number) pairs thereafter (spec.md §9).
func NewNameTable(names []KeyName) *NameTable {
	entries := append([]KeyName(nil), names...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Group != entries[j].Group {
			return entries[i].Group < entries[j].Group
		}
		return entries[i].Number < entries[j].Number
	})
	byName := make(map[string]KeyName, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	return &NameTable{entries: entries, byName: byName}
}

// Resolve looks up a symbolic key name.
func (t *NameTable) Resolve(name string) (KeyName, bool) {
	e, ok := t.byName[name]
	return e, ok
}

// Find performs the binary search by (group, number) spec.md §3 calls
// for.
func (t *NameTable) Find(group, number int) (KeyName, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		e := t.entries[i]
		if e.Group != group {
			return e.Group >= group
		}
		return e.Number >= number
	})
	if i < len(t.entries) && t.entries[i].Group == group && t.entries[i].Number == number {
		return t.entries[i], true
	}
	return KeyName{}, false
}

// KeyValue packs a (group, number) pair into one comparable, sortable
// integer, the "sorted vector of key values" spec.md §3/§9 specify for
// modifier sets.
type KeyValue uint32

// NewKeyValue packs group and number, each assumed to fit in 16 bits
// (ample for any device's key groups).
func NewKeyValue(group, number int) KeyValue {
	return KeyValue(uint32(group)<<16 | uint32(uint16(number)))
}

func (k KeyValue) Group() int  { return int(k >> 16) }
func (k KeyValue) Number() int { return int(uint16(k)) }

// Combination is a key-combination as spec.md §3 defines it: a sorted
// set of held modifier keys plus at most one immediate key. Two
// Combinations are equal iff their sorted modifier sets and immediate
// keys match.
type Combination struct {
	Modifiers []KeyValue // sorted ascending, de-duplicated.
	HasImmediate bool
	Immediate    KeyValue
	// AnyRoutingImmediate marks a routing binding: the immediate key
	// may be any key in the routing group (spec.md §4.5 "routing
	// keys").
	AnyRoutingImmediate bool
	RoutingGroup        int
}

// sortedCopy returns a sorted, de-duplicated copy of vs.
func sortedCopy(vs []KeyValue) []KeyValue {
	out := append([]KeyValue(nil), vs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	dedup := out[:0]
	for i, v := range out {
		if i == 0 || v != dedup[len(dedup)-1] {
			dedup = append(dedup, v)
		}
	}
	return dedup
}

// NewCombination builds a canonical Combination. Pass immediate == 0 &&
// !hasImmediate for a modifiers-only binding.
func NewCombination(modifiers []KeyValue, hasImmediate bool, immediate KeyValue) Combination {
	return Combination{
		Modifiers:    sortedCopy(modifiers),
		HasImmediate: hasImmediate,
		Immediate:    immediate,
	}
}

// Equal reports whether c and o name the same combination.
func (c Combination) Equal(o Combination) bool {
	if c.HasImmediate != o.HasImmediate || c.AnyRoutingImmediate != o.AnyRoutingImmediate {
		return false
	}
	if c.HasImmediate && !c.AnyRoutingImmediate && c.Immediate != o.Immediate {
		return false
	}
	if len(c.Modifiers) != len(o.Modifiers) {
		return false
	}
	for i := range c.Modifiers {
		if c.Modifiers[i] != o.Modifiers[i] {
			return false
		}
	}
	return true
}

// Binding is one compiled key binding (spec.md §3).
type Binding struct {
	Combination Combination
	Command     Command
	Hidden      bool
	LongPress   bool
	Unified     bool
	Immediate   bool
	// KeyNames lists the symbolic names that produced Combination, in
	// source order, for list_key_map (spec.md §6).
	KeyNames []string
}

// Context names one of the key table's binding sets (spec.md §3: default,
// menu, editing, chords, waiting).
type Context string

const (
	ContextDefault Context = "default"
	ContextMenu    Context = "menu"
	ContextEditing Context = "editing"
	ContextChords  Context = "chords"
	ContextWaiting Context = "waiting"
)

// KeyTable is the compiled, read-only structure spec.md §3 specifies.
type KeyTable struct {
	Names    *NameTable
	Contexts map[Context][]Binding
	// RoutingGroups lists the key groups whose keys are routing keys:
	// immediate by convention, and matched by Combination.
	// AnyRoutingImmediate rather than a specific KeyValue (spec.md
	// §4.5 "For routing keys a separate, mirror rule applies").
	RoutingGroups []int
}
