package keytable

import (
	"strings"
	"testing"
	"time"
)

func sampleNames() *NameTable {
	return NewNameTable([]KeyName{
		{Name: "Left", Group: 1, Number: 0},
		{Name: "Right", Group: 1, Number: 1},
		{Name: "Route1", Group: 0, Number: 0},
		{Name: "Route2", Group: 0, Number: 1},
	})
}

func TestCompileBasicBinding(t *testing.T) {
	src := `
context default
bind Left FWINLT
bind Right FWINRT long_press
`
	kt, err := Compile(strings.NewReader(src), sampleNames(), -1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	bindings := kt.Contexts[ContextDefault]
	var sawLeft, sawRight bool
	for _, b := range bindings {
		if b.Command.Block() == BlockFwinLt {
			sawLeft = true
		}
		if b.Command.Block() == BlockFwinRt && b.LongPress {
			sawRight = true
		}
	}
	if !sawLeft || !sawRight {
		t.Fatalf("missing expected bindings: %+v", bindings)
	}
}

func TestCompileRoutingWildcardSynthesizesLongPress(t *testing.T) {
	src := `
context default
bind * ROUTE.0
`
	kt, err := Compile(strings.NewReader(src), sampleNames(), 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	bindings := kt.Contexts[ContextDefault]
	var base, synth bool
	for _, b := range bindings {
		if b.Command.Block() == BlockRoute && b.Command.Flags()&FlagLongPress == 0 {
			base = true
		}
		if b.Command.Block() == BlockRoute && b.Command.Flags()&FlagLongPress != 0 {
			synth = true
		}
	}
	if !base || !synth {
		t.Fatalf("expected both a base ROUTE binding and its synthesized long-press, got %+v", bindings)
	}
}

func TestCompileRejectsUnknownKeyName(t *testing.T) {
	src := "bind Bogus FWINLT\n"
	_, err := Compile(strings.NewReader(src), sampleNames(), -1)
	if err == nil {
		t.Fatalf("expected an error for an unknown key name")
	}
}

func TestCompileRejectsWildcardWithoutRoutingGroup(t *testing.T) {
	src := "bind * ROUTE.0\n"
	_, err := Compile(strings.NewReader(src), sampleNames(), -1)
	if err == nil {
		t.Fatalf("expected an error using '*' with no routing group")
	}
}

func TestCompileRejectsImmediateAndLongPressTogether(t *testing.T) {
	src := "bind Left FWINLT immediate long_press\n"
	_, err := Compile(strings.NewReader(src), sampleNames(), -1)
	if err == nil {
		t.Fatalf("expected an error combining immediate and long_press")
	}
}

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	src := `
context default
bind Left FWINLT
`
	kt, err := Compile(strings.NewReader(src), sampleNames(), -1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return NewMatcher(kt, 500*time.Millisecond, 50*time.Millisecond)
}

func TestMatcherEmitsOnFullRelease(t *testing.T) {
	m := newTestMatcher(t)
	m.Feed(Event{Group: 1, Number: 0, Pressed: true})
	em := m.Feed(Event{Group: 1, Number: 0, Pressed: false})
	if !em.HasCommand || em.Command.Block() != BlockFwinLt {
		t.Fatalf("Emission = %+v, want FWINLT", em)
	}
}

func TestMatcherLongPressExclusiveOfShortRelease(t *testing.T) {
	src := `
context default
bind Left OTHER.9 long_press
`
	kt, err := Compile(strings.NewReader(src), sampleNames(), -1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m := NewMatcher(kt, 500*time.Millisecond, 50*time.Millisecond)
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Feed(Event{Group: 1, Number: 0, Pressed: true})

	m.now = func() time.Time { return base.Add(time.Second) }
	longPress := m.Poll()
	if !longPress.HasCommand || longPress.Command.Block() != BlockOther {
		t.Fatalf("Poll emission = %+v, want the long-press command", longPress)
	}

	release := m.Feed(Event{Group: 1, Number: 0, Pressed: false})
	if release.HasCommand {
		t.Fatalf("release after a fired long-press should not emit again, got %+v", release)
	}
}

func TestMatcherArmsRoutingLongPressFromBareRouteBinding(t *testing.T) {
	src := `
context default
bind * ROUTE.0
`
	kt, err := Compile(strings.NewReader(src), sampleNames(), 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m := NewMatcher(kt, 500*time.Millisecond, 50*time.Millisecond)
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Feed(Event{Group: 0, Number: 1, Pressed: true})

	m.now = func() time.Time { return base.Add(time.Second) }
	longPress := m.Poll()
	if !longPress.HasCommand {
		t.Fatalf("Poll emission = %+v, want a ROUTE|LONG_PRESS command", longPress)
	}
	if longPress.Command.Block() != BlockRoute || longPress.Command.Flags()&FlagLongPress == 0 {
		t.Fatalf("Poll emission = %+v, want ROUTE with FlagLongPress set", longPress.Command)
	}
	if longPress.Command.Arg() != 1 {
		t.Fatalf("Poll emission arg = %d, want the routing key's number (1)", longPress.Command.Arg())
	}

	release := m.Feed(Event{Group: 0, Number: 1, Pressed: false})
	if release.HasCommand {
		t.Fatalf("release after a fired routing long-press should not emit again, got %+v", release)
	}
}
