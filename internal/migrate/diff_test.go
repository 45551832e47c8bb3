package migrate

import (
	"testing"

	"github.com/agileforge/witmigrate/internal/target"
)

func TestDiffIdenticalIsEmpty(t *testing.T) {
	desired := map[string]any{
		target.FieldTitle:       "Login page",
		target.FieldDescription: "<p>x</p>",
	}
	current := map[string]any{
		target.FieldTitle:       "Login page",
		target.FieldDescription: "<p>x</p>",
		"Custom.TargetOnly":     "kept",
	}
	if changed := Diff(desired, current); len(changed) != 0 {
		t.Fatalf("identical sets produced diff: %v", changed)
	}
}

func TestDiffSingleChangedField(t *testing.T) {
	desired := map[string]any{
		target.FieldTitle:       "New title",
		target.FieldDescription: "<p>x</p>",
	}
	current := map[string]any{
		target.FieldTitle:       "Old title",
		target.FieldDescription: "<p>x</p>",
	}
	changed := Diff(desired, current)
	if len(changed) != 1 {
		t.Fatalf("diff = %v, want exactly one field", changed)
	}
	if changed[target.FieldTitle] != "New title" {
		t.Fatalf("diff missing title: %v", changed)
	}
}

func TestDiffAbsentFieldAlwaysIncluded(t *testing.T) {
	desired := map[string]any{target.FieldAreaPath: "Contoso\\Payments"}
	changed := Diff(desired, map[string]any{})
	if changed[target.FieldAreaPath] != "Contoso\\Payments" {
		t.Fatalf("absent field not included: %v", changed)
	}
}

func TestDiffNormalization(t *testing.T) {
	desired := map[string]any{
		target.FieldCreatedDate: "2024-03-01T12:00:00Z",
		target.FieldPriority:    "2",
		target.FieldTitle:       "Login Page",
		target.FieldAssignedTo:  "dana@example.org",
	}
	current := map[string]any{
		// Server echoes timestamps with a longer fraction.
		target.FieldCreatedDate: "2024-03-01T12:00:00.0000000Z",
		// Numbers come back as JSON numbers.
		target.FieldPriority: float64(2),
		// Case differences do not count as changes.
		target.FieldTitle: "login page",
		// Identity fields come back as objects.
		target.FieldAssignedTo: map[string]any{
			"displayName": "Dana Fox",
			"uniqueName":  "dana@example.org",
		},
	}
	if changed := Diff(desired, current); len(changed) != 0 {
		t.Fatalf("normalized-equal values produced diff: %v", changed)
	}
}

func TestDiffTagsMergeAdditively(t *testing.T) {
	desired := map[string]any{
		target.FieldTags: "migrated-from:US100; source-actor:Dana Fox",
	}
	current := map[string]any{
		target.FieldTags: "triage; migrated-from:US100",
	}
	changed := Diff(desired, current)
	merged, ok := changed[target.FieldTags].(string)
	if !ok {
		t.Fatalf("tags not in diff: %v", changed)
	}
	got := splitTags(merged)
	want := []string{"triage", "migrated-from:US100", "source-actor:Dana Fox"}
	if len(got) != len(want) {
		t.Fatalf("merged tags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("merged tags = %v, want %v (target order preserved)", got, want)
		}
	}

	// All desired tags present: no change at all.
	current[target.FieldTags] = "triage; migrated-from:US100; source-actor:Dana Fox"
	if changed := Diff(desired, current); len(changed) != 0 {
		t.Fatalf("subset tags produced diff: %v", changed)
	}
}
