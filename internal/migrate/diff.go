package migrate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agileforge/witmigrate/internal/item"
	"github.com/agileforge/witmigrate/internal/target"
)

// FindExisting looks the item up on the target by its cross-reference
// tag. Lookup is by tag only; titles are mutable and non-unique and are
// never used for identity. Returns (nil, nil) when nothing matches.
func FindExisting(ctx context.Context, tc target.Client, it *item.SourceItem) (*target.WorkItem, error) {
	return tc.FindByTag(ctx, CrossRefTag(it.ID))
}

// Diff returns the subset of desired fields whose value differs from
// the target's current value. Fields absent on the target are always
// included. The diff is additive only: target fields outside the
// desired set are never touched, so target-authored data outside the
// mapped fields survives a re-run.
//
// System.Tags compares as a set and merges, so tags added on the target
// after migration are preserved.
func Diff(desired, current map[string]any) map[string]any {
	changed := make(map[string]any)
	for ref, want := range desired {
		have, ok := current[ref]
		if !ok {
			changed[ref] = want
			continue
		}
		if ref == target.FieldTags {
			if merged, dirty := mergeTags(have, want); dirty {
				changed[ref] = merged
			}
			continue
		}
		if !normalizedEqual(want, have) {
			changed[ref] = want
		}
	}
	return changed
}

// mergeTags reports whether any desired tag is missing from the current
// tag string, and returns the union with current order preserved.
func mergeTags(current, desired any) (string, bool) {
	cur := splitTags(current)
	want := splitTags(desired)

	seen := make(map[string]bool, len(cur))
	for _, t := range cur {
		seen[strings.ToLower(t)] = true
	}
	merged := append([]string(nil), cur...)
	dirty := false
	for _, t := range want {
		if !seen[strings.ToLower(t)] {
			seen[strings.ToLower(t)] = true
			merged = append(merged, t)
			dirty = true
		}
	}
	return strings.Join(merged, "; "), dirty
}

func splitTags(v any) []string {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	var out []string
	for _, t := range strings.Split(s, ";") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizedEqual compares two field values after normalization:
// timestamps compare as instants, numbers compare as numbers, identity
// objects compare by their unique name or display name, and everything
// else compares as trimmed case-folded strings.
func normalizedEqual(a, b any) bool {
	sa, sb := stringify(a), stringify(b)

	if ta, err := parseAnyTime(sa); err == nil {
		if tb, err := parseAnyTime(sb); err == nil {
			return ta.Equal(tb)
		}
	}
	if fa, err := strconv.ParseFloat(sa, 64); err == nil {
		if fb, err := strconv.ParseFloat(sb, 64); err == nil {
			return fa == fb
		}
	}
	return strings.EqualFold(strings.TrimSpace(sa), strings.TrimSpace(sb))
}

// stringify flattens a field value. Identity fields come back from the
// target as objects; the unique name is the stable piece.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["uniqueName"].(string); ok && s != "" {
			return s
		}
		if s, ok := t["displayName"].(string); ok && s != "" {
			return s
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(v)
	}
}

var diffTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.9999999Z",
	"2006-01-02T15:04:05",
}

func parseAnyTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range diffTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
