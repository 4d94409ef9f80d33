package intent

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolve(t *testing.T) {
	r := NewRegistry([]Intent{
		{ID: Pleasantry, Descriptions: []string{"Pleasantry: a greeting"}},
		{ID: TopicChange, Descriptions: []string{"Topic change: switching subjects"}},
	})

	tests := []struct {
		label  string
		want   ID
		wantOK bool
	}{
		{"Pleasantry", Pleasantry, true},
		{"pleasantry", Pleasantry, true},
		{"  topic CHANGE ", TopicChange, true},
		{"Topic change: switching subjects", TopicChange, true},
		{"Weather", "", false},
		{"", "", false},
		{"a", Pleasantry, true}, // first intent in order wins
	}
	for _, tt := range tests {
		got, ok := r.Resolve(tt.label)
		if ok != tt.wantOK || got.ID != tt.want {
			t.Errorf("Resolve(%q) = %q, %v; want %q, %v", tt.label, got.ID, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDefaultsResolveOwnDescriptions(t *testing.T) {
	r := NewRegistry(Defaults())
	for _, in := range Defaults() {
		for _, d := range in.Descriptions {
			got, ok := r.Resolve(d)
			if !ok || got.ID != in.ID {
				t.Errorf("Resolve(%q) = %q, want %q", d, got.ID, in.ID)
			}
		}
	}
	if _, ok := r.Get(CreateTool); !ok {
		t.Error("create_tool missing")
	}
}

func TestSetDeduplicatesByID(t *testing.T) {
	var s Set
	a := Intent{ID: Inquiry, Descriptions: []string{"one"}}
	b := Intent{ID: Inquiry, Descriptions: []string{"two"}}
	c := Intent{ID: NoOp}

	s.Add(a)
	if s.Add(b) {
		t.Error("duplicate id added")
	}
	s.Add(c)

	got := []ID{}
	for _, in := range s.Items() {
		got = append(got, in.ID)
	}
	if diff := cmp.Diff([]ID{Inquiry, NoOp}, got); diff != "" {
		t.Errorf("items (-want +got):\n%s", diff)
	}
}

func TestFlatten(t *testing.T) {
	cs := []Classification{
		{MessagePart: "a", FollowUpItems: []Classification{
			{MessagePart: "a1", FollowUpItems: []Classification{{MessagePart: "a1x"}}},
		}},
		{MessagePart: "b"},
	}
	var parts []string
	for _, c := range Flatten(cs) {
		parts = append(parts, c.MessagePart)
	}
	if diff := cmp.Diff([]string{"a", "a1", "a1x", "b"}, parts); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}
