package migrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agileforge/witmigrate/internal/item"
	"github.com/agileforge/witmigrate/internal/source"
)

// Transformer applies the named value transformations a field rule can
// request. Every transformation is a pure function of its inputs; the
// only external call is the lazy owner-email lookup through the source
// client, which is read-only and cached by the client.
type Transformer struct {
	src source.Client // optional, enables the user email fallback

	// Users maps a source user reference or display name to the target
	// account (UPN or email). Checked before the source lookup.
	Users map[string]string

	// States maps a raw source lifecycle value to the target state
	// vocabulary, per item type.
	States map[item.ItemType]map[string]string

	// Enums holds named value tables for the enum transform, e.g.
	// severity and priority.
	Enums map[string]map[string]string

	// AreaRoot and IterationRoot prefix the classification path
	// transforms. Empty means the project value is used as-is.
	AreaRoot      string
	IterationRoot string
}

// NewTransformer returns a Transformer with the built-in state and enum
// tables. src may be nil, which disables the owner-email fallback.
func NewTransformer(src source.Client) *Transformer {
	return &Transformer{
		src:    src,
		Users:  map[string]string{},
		States: defaultStateTables(),
		Enums:  defaultEnumTables(),
	}
}

func defaultStateTables() map[item.ItemType]map[string]string {
	requirement := map[string]string{
		"defined":     "New",
		"submitted":   "New",
		"open":        "New",
		"in-progress": "Active",
		"in progress": "Active",
		"fixed":       "Resolved",
		"completed":   "Resolved",
		"accepted":    "Closed",
		"closed":      "Closed",
	}
	return map[item.ItemType]map[string]string{
		item.TypeEpic:    requirement,
		item.TypeFeature: requirement,
		item.TypeStory:   requirement,
		item.TypeDefect:  requirement,
		item.TypeTask: {
			"defined":     "New",
			"in-progress": "Active",
			"in progress": "Active",
			"completed":   "Closed",
			"accepted":    "Closed",
		},
		item.TypeTestCase: {
			"defined":     "Design",
			"in-progress": "Ready",
			"in progress": "Ready",
			"completed":   "Closed",
			"accepted":    "Closed",
		},
	}
}

func defaultEnumTables() map[string]map[string]string {
	return map[string]map[string]string{
		"severity": {
			"crash/data loss": "1 - Critical",
			"critical":        "1 - Critical",
			"major problem":   "2 - High",
			"high":            "2 - High",
			"minor problem":   "3 - Medium",
			"medium":          "3 - Medium",
			"cosmetic":        "4 - Low",
			"low":             "4 - Low",
		},
		"priority": {
			"resolve immediately": "1",
			"high attention":      "2",
			"normal":              "3",
			"low":                 "4",
		},
	}
}

// sourceTimeLayouts are the timestamp shapes the source emits.
var sourceTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Apply runs one named transformation. Transform specs are "name" or
// "name:arg" (e.g. "enum:severity", "const:Imported"). The item is
// passed so the user transform can match the raw value back to a full
// actor reference.
func (tr *Transformer) Apply(ctx context.Context, spec string, raw string, it *item.SourceItem) (string, error) {
	name, arg := spec, ""
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		name, arg = spec[:i], spec[i+1:]
	}
	switch name {
	case "date":
		return tr.transformDate(raw)
	case "user":
		return tr.transformUser(ctx, raw, it)
	case "state":
		return tr.transformState(raw, it.Type), nil
	case "enum":
		return tr.transformEnum(arg, raw)
	case "flatten":
		return flatten(raw), nil
	case "html":
		return ensureHTML(raw), nil
	case "areapath":
		return joinPath(tr.AreaRoot, raw), nil
	case "iterationpath":
		return joinPath(tr.IterationRoot, raw), nil
	case "const":
		return arg, nil
	default:
		return "", fmt.Errorf("unknown transform %q", name)
	}
}

// Pipeline applies the transforms in order. An empty raw value short
// circuits everything except const, so defaults can still apply.
func (tr *Transformer) Pipeline(ctx context.Context, specs []string, raw string, it *item.SourceItem) (string, error) {
	value := raw
	for _, spec := range specs {
		if value == "" && !strings.HasPrefix(spec, "const") {
			return "", nil
		}
		v, err := tr.Apply(ctx, spec, value, it)
		if err != nil {
			return "", err
		}
		value = v
	}
	return value, nil
}

func (tr *Transformer) transformDate(raw string) (string, error) {
	for _, layout := range sourceTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return "", fmt.Errorf("unparseable date %q", raw)
}

// transformUser resolves a user value to the target account. Order:
// the explicit user map, the email already on the matching actor, then
// the source users endpoint. An unresolvable user falls back to the raw
// display name so the target at least shows who it was.
func (tr *Transformer) transformUser(ctx context.Context, raw string, it *item.SourceItem) (string, error) {
	// Config loaders lowercase map keys, so try both forms.
	if mapped, ok := tr.Users[raw]; ok {
		return mapped, nil
	}
	if mapped, ok := tr.Users[strings.ToLower(raw)]; ok {
		return mapped, nil
	}
	var match item.Actor
	if it != nil {
		for _, a := range it.Actors() {
			if a.DisplayName == raw || a.Ref == raw || a.Email == raw {
				match = a
				break
			}
		}
	}
	if mapped, ok := tr.Users[match.Ref]; ok && match.Ref != "" {
		return mapped, nil
	}
	if match.Email != "" {
		return match.Email, nil
	}
	if tr.src != nil && match.Ref != "" {
		email, err := tr.src.FetchOwnerEmail(ctx, match.Ref)
		if err != nil {
			return "", fmt.Errorf("resolving user %q: %w", raw, err)
		}
		if email != "" {
			return email, nil
		}
	}
	return raw, nil
}

func (tr *Transformer) transformState(raw string, typ item.ItemType) string {
	table := tr.States[typ]
	if mapped, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return mapped
	}
	return raw
}

func (tr *Transformer) transformEnum(table, raw string) (string, error) {
	values, ok := tr.Enums[table]
	if !ok {
		return "", fmt.Errorf("unknown enum table %q", table)
	}
	if mapped, ok := values[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return mapped, nil
	}
	return raw, nil
}

// flatten turns a multi-valued source value (newline or comma
// separated) into the "; " joined form target string fields expect.
func flatten(raw string) string {
	split := func(r rune) bool { return r == '\n' || r == ',' }
	parts := strings.FieldsFunc(raw, split)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}

// ensureHTML preserves existing markup and wraps bare text so the
// target's HTML fields render line breaks correctly.
func ensureHTML(raw string) string {
	if strings.Contains(raw, "<") && strings.Contains(raw, ">") {
		return raw
	}
	escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(raw)
	return "<div>" + strings.ReplaceAll(escaped, "\n", "<br/>") + "</div>"
}

func joinPath(root, leaf string) string {
	if root == "" {
		return leaf
	}
	if leaf == "" {
		return root
	}
	return root + "\\" + leaf
}
