package taskid

import (
	"encoding/json"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	id, err := Parse("2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Major != 2 || id.Minor != 3 {
		t.Errorf("got %+v, want {2 3}", id)
	}
	if id.String() != "2.3" {
		t.Errorf("String() = %q, want %q", id.String(), "2.3")
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "2", "2.", ".3", "a.b", "0.1", "1.0", "-1.2", "1.2.3"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestCompare_NumericNotLexicographic(t *testing.T) {
	a := MustParse("2.1")
	b := MustParse("10.1")
	if !a.Less(b) {
		t.Errorf("expected 2.1 < 10.1 numerically")
	}
	if b.Compare(a) != 1 {
		t.Errorf("Compare(10.1, 2.1) = %d, want 1", b.Compare(a))
	}
	if a.Compare(a) != 0 {
		t.Errorf("Compare(2.1, 2.1) = %d, want 0", a.Compare(a))
	}
}

func TestSort(t *testing.T) {
	ids := []ID{MustParse("10.1"), MustParse("2.10"), MustParse("2.2"), MustParse("1.1")}
	Sort(ids)
	want := []string{"1.1", "2.2", "2.10", "10.1"}
	for i, w := range want {
		if ids[i].String() != w {
			t.Fatalf("position %d: got %s, want %s", i, ids[i], w)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		ID   ID            `json:"id"`
		Deps map[ID]string `json:"deps"`
	}
	in := payload{
		ID:   MustParse("3.2"),
		Deps: map[ID]string{MustParse("3.1"): "done"},
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out payload
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != in.ID {
		t.Errorf("id round trip: got %v, want %v", out.ID, in.ID)
	}
	if out.Deps[MustParse("3.1")] != "done" {
		t.Errorf("map key round trip failed: %v", out.Deps)
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`"nope"`), &id); err == nil {
		t.Fatal("expected error for invalid id")
	}
}
