// Package item defines the source-side data model for a migration run.
//
// A SourceItem is an immutable snapshot of one work-tracking record as it
// existed in the source system when the run collected it. The migration
// engine never writes back to the source, so there is no dirty tracking
// and no identity generation here — the source ID is the identity.
package item

import (
	"strings"
	"time"
)

// ItemType identifies the kind of work-tracking record.
type ItemType string

const (
	TypeEpic     ItemType = "epic"
	TypeFeature  ItemType = "feature"
	TypeStory    ItemType = "story"
	TypeDefect   ItemType = "defect"
	TypeTask     ItemType = "task"
	TypeTestCase ItemType = "testcase"
)

// AllTypes lists every item type in tier order. Used when collecting an
// entire project rather than an explicit id list.
var AllTypes = []ItemType{TypeEpic, TypeFeature, TypeStory, TypeDefect, TypeTask, TypeTestCase}

// Tier returns the type-priority tier used as the secondary ordering key
// by the sequencer: Epic < Feature < Story/Defect < Task < TestCase.
// Unknown types sort last.
func (t ItemType) Tier() int {
	switch t {
	case TypeEpic:
		return 0
	case TypeFeature:
		return 1
	case TypeStory, TypeDefect:
		return 2
	case TypeTask:
		return 3
	case TypeTestCase:
		return 4
	default:
		return 5
	}
}

// Display returns the human-readable type name.
func (t ItemType) Display() string {
	switch t {
	case TypeEpic:
		return "Epic"
	case TypeFeature:
		return "Feature"
	case TypeStory:
		return "Story"
	case TypeDefect:
		return "Defect"
	case TypeTask:
		return "Task"
	case TypeTestCase:
		return "Test Case"
	default:
		return string(t)
	}
}

// ParseItemType converts a source vocabulary string to an ItemType.
func ParseItemType(s string) (ItemType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "epic":
		return TypeEpic, true
	case "feature":
		return TypeFeature, true
	case "story", "user story", "hierarchicalrequirement":
		return TypeStory, true
	case "defect", "bug":
		return TypeDefect, true
	case "task":
		return TypeTask, true
	case "testcase", "test case":
		return TypeTestCase, true
	default:
		return "", false
	}
}

// Actor is a user reference as the source system reports it. Email may be
// empty; the transformation layer resolves it lazily via the source client.
type Actor struct {
	Ref         string // source-side opaque user reference
	DisplayName string
	Email       string
}

// Empty reports whether the actor carries no usable identity.
func (a Actor) Empty() bool {
	return a.Ref == "" && a.DisplayName == "" && a.Email == ""
}

// Attachment is a binary blob plus metadata, fetched with content during
// collection so Phase 1 never has to reach back to the source.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// Comment is a single discussion entry on a source item.
type Comment struct {
	Author   Actor
	PostedAt time.Time
	Text     string // HTML as stored by the source system
}

// SourceItem is one work-tracking record snapshot.
//
// Invariant: ChildIDs never includes ID itself. Parent cycles are not
// representable in a well-formed source project; the sequencer reports
// them as a configuration error rather than silently breaking the edge.
type SourceItem struct {
	ID   string
	Type ItemType

	ParentID          string   // empty when the item is a root
	ChildIDs          []string // structural and task children, source order
	LinkedTestCaseIDs []string // Story/Defect only

	LifecycleState string // raw source vocabulary, e.g. "In-Progress"

	Name        string
	Description string // HTML
	Project     string
	Iteration   string

	Owner          Actor
	Submitter      Actor
	CreatedBy      Actor
	LastModifiedBy Actor

	CreatedAt time.Time
	UpdatedAt time.Time

	// CustomFields holds named attributes outside the fixed schema above.
	CustomFields map[string]string

	Attachments []Attachment
	Comments    []Comment
}

// fieldGetters is the typed key→getter table for known attributes.
// Field rules resolve source values through this table first and fall
// back to CustomFields, which keeps attribute lookup explicit instead of
// reflective.
var fieldGetters = map[string]func(*SourceItem) string{
	"id":          func(it *SourceItem) string { return it.ID },
	"name":        func(it *SourceItem) string { return it.Name },
	"description": func(it *SourceItem) string { return it.Description },
	"state":       func(it *SourceItem) string { return it.LifecycleState },
	"project":     func(it *SourceItem) string { return it.Project },
	"iteration":   func(it *SourceItem) string { return it.Iteration },
	"owner":       func(it *SourceItem) string { return it.Owner.DisplayName },
	"submitter":   func(it *SourceItem) string { return it.Submitter.DisplayName },
	"createdby":   func(it *SourceItem) string { return it.CreatedBy.DisplayName },
	"created":     func(it *SourceItem) string { return formatTime(it.CreatedAt) },
	"updated":     func(it *SourceItem) string { return formatTime(it.UpdatedAt) },
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Field resolves a source attribute by name: known attributes first, then
// the custom-attribute dictionary. The bool reports whether the name is
// known at all (a known attribute with an empty value still returns true).
func (it *SourceItem) Field(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if get, ok := fieldGetters[key]; ok {
		return get(it), true
	}
	if v, ok := it.CustomFields[name]; ok {
		return v, true
	}
	return "", false
}

// Actors returns the distinct non-empty actors referenced by the item
// (owner, submitter, creator, last-modifier), in that order.
func (it *SourceItem) Actors() []Actor {
	var out []Actor
	seen := make(map[string]bool)
	for _, a := range []Actor{it.Owner, it.Submitter, it.CreatedBy, it.LastModifiedBy} {
		if a.Empty() {
			continue
		}
		key := a.Ref + "\x00" + a.DisplayName + "\x00" + a.Email
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}
