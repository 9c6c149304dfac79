package keytable

import "time"

// Event is a raw key report normalized to (group, number, pressed)
// (spec.md §3 "Key event").
type Event struct {
	Group     int
	Number    int
	Pressed   bool
	Timestamp time.Time
}

// Matcher holds the transient matcher state spec.md §3/§4.5 specify:
// the currently-pressed modifiers, the most recent immediate key, and
// the armed release/long-press command slots.
type Matcher struct {
	table   *KeyTable
	context Context

	longPressThreshold time.Duration
	autorepeatInterval time.Duration

	modifiers []KeyValue
	immediate *KeyValue

	armedRelease   *Command
	armedLongPress *Command
	longPressFired bool
	deadline       time.Time
	now            func() time.Time
}

// NewMatcher creates a Matcher bound to one compiled KeyTable and
// starting context.
func NewMatcher(table *KeyTable, longPressThreshold, autorepeatInterval time.Duration) *Matcher {
	return &Matcher{
		table:              table,
		context:            ContextDefault,
		longPressThreshold: longPressThreshold,
		autorepeatInterval: autorepeatInterval,
		now:                time.Now,
	}
}

// SetContext switches the active binding context (spec.md §3).
func (m *Matcher) SetContext(ctx Context) { m.context = ctx }

// Context returns the active context.
func (m *Matcher) Context() Context { return m.context }

// Emission is one command the matcher produces for a given Feed call,
// plus how soon the caller should poll again for arming deadlines
// (spec.md §4.5 "auto-repeat and faked async").
type Emission struct {
	Command   Command
	Delay     time.Duration // 0 if no further poll is needed.
	HasCommand bool
}

// Feed processes one key event and returns at most one emitted command.
// Long-press deadlines are not evaluated here; call Poll on a timer or
// before the next Feed to check for an elapsed deadline.
func (m *Matcher) Feed(ev Event) Emission {
	if ev.Pressed {
		return m.press(ev)
	}
	return m.release(ev)
}

func (m *Matcher) press(ev Event) Emission {
	kv := NewKeyValue(ev.Group, ev.Number)
	// Routing keys and other "immediate" keys replace any prior
	// immediate key rather than stacking as modifiers (spec.md §4.5).
	if isImmediateGroup(m.table, ev.Group) {
		m.immediate = &kv
	} else {
		m.modifiers = appendSorted(m.modifiers, kv)
	}
	return m.resolve(ev)
}

func (m *Matcher) release(ev Event) Emission {
	kv := NewKeyValue(ev.Group, ev.Number)
	m.modifiers = removeValue(m.modifiers, kv)
	wasImmediate := m.immediate != nil && *m.immediate == kv
	if wasImmediate {
		m.immediate = nil
	}
	allReleased := len(m.modifiers) == 0 && m.immediate == nil
	if !allReleased {
		return m.resolve(ev)
	}
	// Full release: emit the armed release command unless a long-press
	// already fired for this press (spec.md §4.5 step 4).
	defer m.clearArmed()
	if m.longPressFired {
		return Emission{}
	}
	if m.armedRelease != nil {
		return Emission{Command: *m.armedRelease, HasCommand: true}
	}
	return Emission{}
}

// Poll checks whether the armed long-press deadline has elapsed while
// all arming keys remain held, emitting the long-press command exactly
// once per arming (spec.md §4.5 step 5).
func (m *Matcher) Poll() Emission {
	if m.armedLongPress == nil || m.longPressFired {
		return Emission{}
	}
	if len(m.modifiers) == 0 && m.immediate == nil {
		return Emission{}
	}
	if m.now().Before(m.deadline) {
		return Emission{Delay: m.deadline.Sub(m.now())}
	}
	m.longPressFired = true
	return Emission{Command: *m.armedLongPress, HasCommand: true}
}

func (m *Matcher) clearArmed() {
	m.armedRelease = nil
	m.armedLongPress = nil
	m.longPressFired = false
}

// resolve re-scans the active context's bindings against the current
// modifier/immediate state and arms the best match, per the resolution
// order in spec.md §4.5.
func (m *Matcher) resolve(ev Event) Emission {
	bindings := m.table.Contexts[m.context]
	best := -1
	for i, b := range bindings {
		if b.Command.Flags()&FlagLongPress != 0 && !b.LongPress {
			// A synthetic ROUTE|LONG_PRESS binding is never matched
			// directly; below, matching the bare ROUTE binding arms
			// the long-press slot with it instead.
			continue
		}
		if !matches(b.Combination, m.modifiers, m.immediate, ev.Group) {
			continue
		}
		if best == -1 || moreSpecific(bindings[i], bindings[best]) {
			best = i
		}
	}
	if best == -1 {
		return Emission{}
	}
	b := bindings[best]
	cmd := b.Command
	if b.Combination.AnyRoutingImmediate && m.immediate != nil {
		cmd = cmd.WithArg(uint8(m.immediate.Number()))
	}
	m.armedRelease = &cmd
	switch {
	case b.LongPress:
		m.armedLongPress = &cmd
		m.deadline = m.now().Add(m.longPressThreshold)
		m.longPressFired = false
		return Emission{Delay: m.autorepeatInterval / 2}
	case cmd.Block() == BlockRoute && cmd.Flags()&FlagLongPress == 0 && m.immediate != nil:
		// Routing keys get a long-press arming even though the matched
		// binding itself carries no long_press flag: spec.md §4.5 makes
		// ROUTE|LONG_PRESS always available on a routing key, and the
		// compiler's synthesized binding is never matched directly (see
		// the skip above), so it has to be armed here instead.
		lp := Pack(BlockRoute, cmd.Flags()|FlagLongPress, cmd.Arg())
		m.armedLongPress = &lp
		m.deadline = m.now().Add(m.longPressThreshold)
		m.longPressFired = false
		return Emission{Delay: m.autorepeatInterval / 2}
	}
	return Emission{}
}

func matches(c Combination, modifiers []KeyValue, immediate *KeyValue, group int) bool {
	want := c.Modifiers
	if c.AnyRoutingImmediate {
		if immediate == nil || immediate.Group() != c.RoutingGroup {
			return false
		}
	} else if c.HasImmediate && immediate != nil {
		if *immediate != c.Immediate {
			return false
		}
	} else if c.HasImmediate {
		// A trigger key outside the routing groups is tracked among the
		// held modifiers, so it must be held together with them.
		want = appendSorted(c.Modifiers, c.Immediate)
	} else if immediate != nil {
		return false
	}
	if len(want) != len(modifiers) {
		return false
	}
	for i := range want {
		if want[i] != modifiers[i] {
			return false
		}
	}
	return true
}

// moreSpecific implements the tie-break order of spec.md §4.5 step 2:
// (a) a binding with an immediate key beats one without, when an
// immediate key is held; (b) fewer keys first among equally specific
// matches; (c) stable table order otherwise (callers only call this
// when cand appears later in the table than incumbent, so returning
// false preserves stability).
func moreSpecific(cand, incumbent Binding) bool {
	candImm := cand.Combination.HasImmediate || cand.Combination.AnyRoutingImmediate
	incImm := incumbent.Combination.HasImmediate || incumbent.Combination.AnyRoutingImmediate
	if candImm != incImm {
		return candImm
	}
	candKeys := len(cand.Combination.Modifiers)
	incKeys := len(incumbent.Combination.Modifiers)
	if candKeys != incKeys {
		return candKeys < incKeys
	}
	return false
}

func appendSorted(vs []KeyValue, v KeyValue) []KeyValue {
	for _, existing := range vs {
		if existing == v {
			return vs
		}
	}
	out := append(append([]KeyValue(nil), vs...), v)
	for i := len(out) - 1; i > 0 && out[i] < out[i-1]; i-- {
		out[i], out[i-1] = out[i-1], out[i]
	}
	return out
}

func removeValue(vs []KeyValue, v KeyValue) []KeyValue {
	out := vs[:0:0]
	for _, existing := range vs {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}

// isImmediateGroup reports whether keys in group are, by convention,
// always "immediate" triggers rather than modifiers — routing keys are
// immediate by convention (spec.md §4.5). Drivers mark their routing
// group via KeyTable.RoutingGroups.
func isImmediateGroup(t *KeyTable, group int) bool {
	for _, g := range t.RoutingGroups {
		if g == group {
			return true
		}
	}
	return false
}
