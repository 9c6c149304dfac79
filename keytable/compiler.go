package keytable

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// routingWildcard is the key-name token a .ktb file uses in place of a
// specific routing key name to mean "any routing key" (spec.md §4.5).
const routingWildcard = "*"

// Compile reads a key-binding file (spec.md §6 "Key-table file format")
// and produces a KeyTable against the driver's declared NameTable.
// routingGroup is the key group number the driver's routing keys belong
// to; pass -1 if the device has none. Compilation errors are fatal, as
// spec.md requires.
func Compile(r io.Reader, names *NameTable, routingGroup int) (*KeyTable, error) {
	kt := &KeyTable{Names: names, Contexts: map[Context][]Binding{}}
	if routingGroup >= 0 {
		kt.RoutingGroups = []int{routingGroup}
	}
	ctx := ContextDefault
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "context":
			if len(fields) != 2 {
				return nil, fmt.Errorf("keytable:%d: context directive needs exactly one name", lineNo)
			}
			ctx = Context(fields[1])
		case "include":
			return nil, fmt.Errorf("keytable:%d: include directives must be resolved by the caller before Compile", lineNo)
		case "bind":
			b, err := compileBind(fields[1:], names, routingGroup)
			if err != nil {
				return nil, fmt.Errorf("keytable:%d: %w", lineNo, err)
			}
			kt.Contexts[ctx] = append(kt.Contexts[ctx], b)
		default:
			return nil, fmt.Errorf("keytable:%d: unknown directive %q", lineNo, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("keytable: %w", err)
	}
	synthesizeRoutingLongPress(kt)
	return kt, nil
}

// compileBind parses "bind <keys> <command> [flags...]". The last '+'
// separated token may be routingWildcard to mean "any routing key".
func compileBind(fields []string, names *NameTable, routingGroup int) (Binding, error) {
	if len(fields) < 2 {
		return Binding{}, fmt.Errorf("bind needs <keys> <command>")
	}
	keySpec := fields[0]
	cmdSpec := fields[1]
	flagFields := fields[2:]

	keyNames := strings.Split(keySpec, "+")
	var modifiers []KeyValue
	var immediate KeyValue
	hasImmediate := false
	anyRouting := false
	for i, kn := range keyNames {
		last := i == len(keyNames)-1
		if last && kn == routingWildcard {
			if routingGroup < 0 {
				return Binding{}, fmt.Errorf("%q used but driver has no routing group", routingWildcard)
			}
			anyRouting = true
			hasImmediate = true
			continue
		}
		entry, ok := names.Resolve(kn)
		if !ok {
			return Binding{}, fmt.Errorf("unknown key name %q", kn)
		}
		kv := NewKeyValue(entry.Group, entry.Number)
		if last {
			immediate = kv
			hasImmediate = true
		} else {
			modifiers = append(modifiers, kv)
		}
	}

	cmd, err := parseCommand(cmdSpec)
	if err != nil {
		return Binding{}, err
	}

	comb := NewCombination(modifiers, hasImmediate, immediate)
	comb.AnyRoutingImmediate = anyRouting
	comb.RoutingGroup = routingGroup
	b := Binding{
		Combination: comb,
		Command:     cmd,
		KeyNames:    keyNames,
	}
	for _, f := range flagFields {
		switch f {
		case "hidden":
			b.Hidden = true
		case "long_press":
			b.LongPress = true
		case "unified_key_binding":
			b.Unified = true
		case "immediate":
			b.Immediate = true
		default:
			return Binding{}, fmt.Errorf("unknown flag %q", f)
		}
	}
	if b.LongPress && b.Immediate {
		return Binding{}, fmt.Errorf("a binding cannot carry both immediate and long_press flags")
	}
	return b, nil
}

// parseCommand parses "BLOCK.ARG[|FLAG...]", e.g. "ROUTE.0", or a bare
// block name for zero-argument commands.
func parseCommand(spec string) (Command, error) {
	parts := strings.Split(spec, "|")
	base := parts[0]
	var block uint8
	var arg uint8
	if i := strings.IndexByte(base, '.'); i >= 0 {
		name := base[:i]
		argStr := base[i+1:]
		b, ok := blockByName[name]
		if !ok {
			return 0, fmt.Errorf("unknown command block %q", name)
		}
		block = b
		n, err := strconv.ParseUint(argStr, 0, 8)
		if err != nil {
			return 0, fmt.Errorf("bad command argument %q: %w", argStr, err)
		}
		arg = uint8(n)
	} else {
		b, ok := blockByName[base]
		if !ok {
			return 0, fmt.Errorf("unknown command block %q", base)
		}
		block = b
	}
	var flags uint16
	for _, f := range parts[1:] {
		fl, ok := flagByName[f]
		if !ok {
			return 0, fmt.Errorf("unknown command flag %q", f)
		}
		flags |= fl
	}
	return Pack(block, flags, arg), nil
}

var blockByName = map[string]uint8{
	"ROUTE":  BlockRoute,
	"LNUP":   BlockLnUp,
	"LNDN":   BlockLnDn,
	"FWINLT": BlockFwinLt,
	"FWINRT": BlockFwinRt,
	"OTHER":  BlockOther,
}

var flagByName = map[string]uint16{
	"TOGGLE_ON":      FlagToggleOn,
	"TOGGLE_OFF":     FlagToggleOff,
	"MOTION_TO_LEFT": FlagMotionToLeft,
	"LONG_PRESS":     FlagLongPress,
}

// synthesizeRoutingLongPress implements spec.md §4.5's routing-key
// augmentation: for every non-immediate binding mapping a routing key to
// the bare ROUTE command, also emit a synthetic binding for
// ROUTE|LONG_PRESS, so long-press on a routing key is always available
// (spec.md §8 property 8, and the "Open Questions" restriction to the
// unflagged BLK(ROUTE) only, with no immediate flag, per spec.md §9).
func synthesizeRoutingLongPress(kt *KeyTable) {
	for ctx, bindings := range kt.Contexts {
		var synth []Binding
		for _, b := range bindings {
			if b.Command.Block() != BlockRoute {
				continue
			}
			if b.Command.Flags()&FlagLongPress != 0 {
				continue
			}
			if b.Immediate {
				continue
			}
			if !isRoutingBinding(kt, b.Combination) {
				continue
			}
			lp := b
			lp.Command = Pack(BlockRoute, b.Command.Flags()|FlagLongPress, b.Command.Arg())
			lp.LongPress = false // the synthetic binding *is* the long-press command, not long-press-armed.
			lp.Hidden = b.Hidden
			synth = append(synth, lp)
		}
		kt.Contexts[ctx] = append(bindings, synth...)
	}
}

// isRoutingBinding reports whether c's immediate key is actually a
// routing key (the wildcard form, or a specific key named from a
// routing group), as opposed to some other binding that merely maps to
// the ROUTE block code.
func isRoutingBinding(kt *KeyTable, c Combination) bool {
	if c.AnyRoutingImmediate {
		return true
	}
	if !c.HasImmediate {
		return false
	}
	for _, g := range kt.RoutingGroups {
		if g == c.Immediate.Group() {
			return true
		}
	}
	return false
}
