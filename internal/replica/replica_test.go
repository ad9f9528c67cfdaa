package replica

import "testing"

func TestParseBuildName_RoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		baseTable string
		chunk     uint32
		isOverlap bool
		ext       Ext
	}{
		{"Object_123.MYD", "Object", 123, false, ExtMYD},
		{"ObjectFullOverlap_123.MYI", "ObjectFullOverlap", 123, true, ExtMYI},
		{"Source_0.frm", "Source", 0, false, ExtFRM},
	}
	for _, tc := range cases {
		base, chunk, isOverlap, ext, ok := Parse(tc.name)
		if !ok {
			t.Fatalf("Parse(%q): not ok", tc.name)
		}
		if base != tc.baseTable || chunk != tc.chunk || isOverlap != tc.isOverlap || ext != tc.ext {
			t.Fatalf("Parse(%q) = (%q, %d, %v, %q), want (%q, %d, %v, %q)",
				tc.name, base, chunk, isOverlap, ext, tc.baseTable, tc.chunk, tc.isOverlap, tc.ext)
		}
		if got := BuildName(base, chunk, isOverlap, ext); got != tc.name {
			t.Fatalf("BuildName round-trip: got %q, want %q", got, tc.name)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, name := range []string{"", "noext", "Object_abc.MYD", "Object.MYD"} {
		if _, _, _, _, ok := Parse(name); ok {
			t.Fatalf("Parse(%q): expected not ok", name)
		}
	}
}

func TestFileInfoDerivedFlags(t *testing.T) {
	f := FileInfo{Name: "ObjectFullOverlap_7.MYD"}
	if !f.IsOverlap() {
		t.Fatalf("expected overlap")
	}
	if !f.IsData() {
		t.Fatalf("expected data file")
	}
	if f.IsIndex() {
		t.Fatalf("did not expect index file")
	}
	if f.BaseTable() != "ObjectFullOverlap" {
		t.Fatalf("unexpected base table: %s", f.BaseTable())
	}
}
