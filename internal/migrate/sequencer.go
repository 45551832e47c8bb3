package migrate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agileforge/witmigrate/internal/item"
)

// ErrCycle indicates a cyclic parent chain in the source data. Cyclic
// parents are a configuration error in the source project and the run
// refuses to start rather than silently dropping an edge.
var ErrCycle = errors.New("cyclic parent reference")

// CycleError reports the chain of item ids forming the cycle.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic parent reference: %s", strings.Join(e.Chain, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// maxParentDepth bounds the parent chain walk. A well-formed project is
// a few levels deep; anything near this limit is corrupt data.
const maxParentDepth = 1000

// Sequence produces the deterministic total order for Phase 1: every
// item whose parent is present in the set appears after that parent,
// and siblings appear in (type tier, id) order. The tie-break pre-sort
// runs before the parent-first pass so the output is stable and
// human-reviewable for a fixed input set.
func Sequence(items []*item.SourceItem) ([]*item.SourceItem, error) {
	byID := make(map[string]*item.SourceItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	sorted := make([]*item.SourceItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := sorted[i].Type.Tier(), sorted[j].Type.Tier()
		if ti != tj {
			return ti < tj
		}
		return sorted[i].ID < sorted[j].ID
	})

	const (
		unvisited = 0
		visiting  = 1
		emitted   = 2
	)
	state := make(map[string]int, len(items))
	out := make([]*item.SourceItem, 0, len(items))

	var emit func(it *item.SourceItem, depth int, chain []string) error
	emit = func(it *item.SourceItem, depth int, chain []string) error {
		switch state[it.ID] {
		case emitted:
			return nil
		case visiting:
			// Re-entering an in-progress item means the parent chain
			// loops back on itself.
			return &CycleError{Chain: append(chain, it.ID)}
		}
		if depth > maxParentDepth {
			return &CycleError{Chain: append(chain, it.ID)}
		}
		state[it.ID] = visiting
		if parent, ok := byID[it.ParentID]; ok && it.ParentID != "" {
			if err := emit(parent, depth+1, append(chain, it.ID)); err != nil {
				return err
			}
		}
		state[it.ID] = emitted
		out = append(out, it)
		return nil
	}

	for _, it := range sorted {
		if err := emit(it, 0, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}
