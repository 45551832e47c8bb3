package item

import (
	"testing"
	"time"
)

func TestTierOrdering(t *testing.T) {
	order := []ItemType{TypeEpic, TypeFeature, TypeStory, TypeTask, TypeTestCase}
	for i := 1; i < len(order); i++ {
		if order[i-1].Tier() >= order[i].Tier() {
			t.Errorf("%s tier %d not below %s tier %d", order[i-1], order[i-1].Tier(), order[i], order[i].Tier())
		}
	}
	if TypeStory.Tier() != TypeDefect.Tier() {
		t.Errorf("story tier %d != defect tier %d", TypeStory.Tier(), TypeDefect.Tier())
	}
	if ItemType("widget").Tier() <= TypeTestCase.Tier() {
		t.Error("unknown type should sort after all known types")
	}
}

func TestParseItemType(t *testing.T) {
	cases := map[string]ItemType{
		"epic":                    TypeEpic,
		"Feature":                 TypeFeature,
		"User Story":              TypeStory,
		"hierarchicalrequirement": TypeStory,
		"Bug":                     TypeDefect,
		"defect":                  TypeDefect,
		"task":                    TypeTask,
		"Test Case":               TypeTestCase,
	}
	for in, want := range cases {
		got, ok := ParseItemType(in)
		if !ok || got != want {
			t.Errorf("ParseItemType(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseItemType("widget"); ok {
		t.Error("ParseItemType accepted unknown type")
	}
}

func TestFieldLookup(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	it := &SourceItem{
		ID:             "US100",
		Name:           "Login page",
		LifecycleState: "In-Progress",
		CreatedAt:      created,
		Owner:          Actor{DisplayName: "Dana Fox"},
		CustomFields:   map[string]string{"Severity": "Major Problem"},
	}

	if v, ok := it.Field("Name"); !ok || v != "Login page" {
		t.Errorf("Field(Name) = %q, %v", v, ok)
	}
	if v, ok := it.Field("state"); !ok || v != "In-Progress" {
		t.Errorf("Field(state) = %q, %v", v, ok)
	}
	if v, ok := it.Field("created"); !ok || v != "2024-03-01T12:00:00Z" {
		t.Errorf("Field(created) = %q, %v", v, ok)
	}
	if v, ok := it.Field("Severity"); !ok || v != "Major Problem" {
		t.Errorf("custom field lookup = %q, %v", v, ok)
	}
	if _, ok := it.Field("nonexistent"); ok {
		t.Error("unknown field reported as known")
	}
	// Known attribute with empty value is still known.
	if _, ok := it.Field("description"); !ok {
		t.Error("empty known attribute reported as unknown")
	}
}

func TestActorsDistinct(t *testing.T) {
	dana := Actor{Ref: "u1", DisplayName: "Dana Fox"}
	sam := Actor{Ref: "u2", DisplayName: "Sam Reed"}
	it := &SourceItem{
		Owner:          dana,
		Submitter:      sam,
		CreatedBy:      sam,
		LastModifiedBy: dana,
	}
	actors := it.Actors()
	if len(actors) != 2 {
		t.Fatalf("got %d actors, want 2: %v", len(actors), actors)
	}
	if actors[0] != dana || actors[1] != sam {
		t.Errorf("actor order = %v, want owner first", actors)
	}

	empty := &SourceItem{}
	if got := empty.Actors(); len(got) != 0 {
		t.Errorf("empty item returned actors: %v", got)
	}
}
