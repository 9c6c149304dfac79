package diff

import "testing"

func TestDiffNoChange(t *testing.T) {
	w := NewWriter(4)
	w.Commit([]byte{1, 2, 3, 4})
	r := w.Diff([]byte{1, 2, 3, 4})
	if r.Changed {
		t.Fatalf("Diff reported a change for identical content")
	}
}

func TestDiffMinimalRange(t *testing.T) {
	w := NewWriter(6)
	w.Commit([]byte{0, 0, 0, 0, 0, 0})
	r := w.Diff([]byte{0, 0, 9, 9, 0, 0})
	if !r.Changed || r.From != 2 || r.To != 4 {
		t.Fatalf("Diff = %+v, want [2,4)", r)
	}
}

func TestDiffForceRewrite(t *testing.T) {
	w := NewWriter(4)
	w.Commit([]byte{1, 1, 1, 1})
	w.ForceRewrite()
	r := w.Diff([]byte{1, 1, 1, 1}) // identical content, but rewrite is forced
	if !r.Changed || r.From != 0 || r.To != 4 {
		t.Fatalf("Diff after ForceRewrite = %+v, want [0,4)", r)
	}
	w.Commit([]byte{1, 1, 1, 1})
	r = w.Diff([]byte{1, 1, 1, 1})
	if r.Changed {
		t.Fatalf("ForceRewrite flag should be cleared after Commit")
	}
}

func TestExpandToWhole(t *testing.T) {
	r := ExpandToWhole(Range{From: 2, To: 3, Changed: true}, 10)
	if r.From != 0 || r.To != 10 {
		t.Fatalf("ExpandToWhole = %+v, want [0,10)", r)
	}
	unchanged := ExpandToWhole(Range{}, 10)
	if unchanged.Changed {
		t.Fatalf("ExpandToWhole should leave an unchanged range alone")
	}
}

func TestHiddenLayoutProjectPlacesUsableBytes(t *testing.T) {
	h := HiddenLayout{PhysicalCount: 8, Hidden: []int{0, 1}}
	usable := []byte{10, 20, 30, 40, 50, 60}
	phys := h.Project(usable)
	if len(phys) != 8 {
		t.Fatalf("len(phys) = %d, want 8", len(phys))
	}
	if phys[0] != 0 || phys[1] != 0 {
		t.Fatalf("hidden cells not zeroed: %v", phys)
	}
	for i, want := range usable {
		if phys[2+i] != want {
			t.Fatalf("phys[%d] = %d, want %d", 2+i, phys[2+i], want)
		}
	}
}

func TestHiddenLayoutProjectRangeSkipsHidden(t *testing.T) {
	h := HiddenLayout{PhysicalCount: 8, Hidden: []int{0, 1}}
	r := h.ProjectRange(Range{From: 0, To: 2, Changed: true})
	if r.From != 2 || r.To != 4 {
		t.Fatalf("ProjectRange = %+v, want [2,4)", r)
	}
}

func TestHiddenLayoutProjectRangeUnchanged(t *testing.T) {
	h := HiddenLayout{PhysicalCount: 8, Hidden: []int{0, 1}}
	r := h.ProjectRange(Range{})
	if r.Changed {
		t.Fatalf("ProjectRange should pass through an unchanged range")
	}
}
