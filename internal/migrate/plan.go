package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/agileforge/witmigrate/internal/target"
)

// PlannedAction is one row of a dry run: the sequenced position, the
// item, and what Phase 1 would do to it.
type PlannedAction struct {
	ID            string
	Type          string
	TargetType    string
	Action        Action
	TargetID      int      // existing target identity, zero for creations
	ChangedFields []string // for updates, the fields a sync would patch
	Reason        string   // failure or skip reason
}

// DryRun collects and sequences the item set and reports, in order,
// what a real run would do, without writing anything to the target.
// Duplicate detection runs for real so the report reflects the target's
// current state.
func (o *Orchestrator) DryRun(ctx context.Context, ids []string) ([]PlannedAction, error) {
	items, err := o.collect(ctx, ids)
	if err != nil {
		return nil, err
	}
	ordered, err := Sequence(items)
	if err != nil {
		return nil, fmt.Errorf("sequencing %d items: %w", len(items), err)
	}

	out := make([]PlannedAction, 0, len(ordered))
	for _, it := range ordered {
		pa := PlannedAction{ID: it.ID, Type: it.Type.Display()}

		creation, post, _, err := o.opts.Mapper.Map(ctx, it)
		if err != nil {
			pa.Action = ActionFailed
			pa.Reason = err.Error()
			out = append(out, pa)
			continue
		}
		pa.TargetType, _ = o.opts.Mapper.TargetType(it.Type)

		existing, err := FindExisting(ctx, o.opts.Target, it)
		if err != nil {
			var ambiguous *target.AmbiguousTagError
			if errors.As(err, &ambiguous) {
				pa.Action = ActionSkipped
			} else {
				pa.Action = ActionFailed
			}
			pa.Reason = err.Error()
			out = append(out, pa)
			continue
		}

		if existing == nil {
			pa.Action = ActionCreated
			out = append(out, pa)
			continue
		}

		pa.TargetID = existing.ID
		changed := Diff(creation, existing.Fields)
		desiredState, _ := post[target.FieldState].(string)
		currentState, _ := existing.Fields[target.FieldState].(string)
		if plan := o.opts.Planner.Plan(pa.TargetType, currentState, desiredState); len(plan) > 0 {
			changed[target.FieldState] = desiredState
		}
		if len(changed) == 0 {
			pa.Action = ActionUnchanged
		} else {
			pa.Action = ActionUpdated
			pa.ChangedFields = fieldNames(changed)
		}
		out = append(out, pa)
	}
	return out, nil
}
