// Package migrate implements the hierarchical migration engine: the
// topological sequencer, the field mapping and diff services, the state
// transition planner, and the orchestrator that drives a run through
// its collect, create, and link phases.
package migrate

import (
	"time"

	"github.com/agileforge/witmigrate/internal/item"
)

// Phase identifies where in the run the orchestrator currently is.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseCreating   Phase = "creating"
	PhaseLinking    Phase = "linking"
	PhaseCompleted  Phase = "completed"
	PhaseCancelled  Phase = "cancelled"
)

// Action is the per-item outcome of Phase 1.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionSkipped   Action = "skipped"
	ActionFailed    Action = "failed"
)

// Outcome records what happened to one source item.
type Outcome struct {
	ID       string
	Type     item.ItemType
	Action   Action
	TargetID int    // zero when no target identity was established
	Reason   string // failure or skip reason, empty on success
}

// Progress is the run's counter set. The orchestrator owns it and
// publishes value copies through OnProgress after every unit of work,
// so observers never see a partially updated snapshot.
type Progress struct {
	Phase Phase

	Total     int
	Processed int
	Succeeded int
	Failed    int
	Skipped   int

	LinksCreated int
	LinksSkipped int

	Elapsed  time.Duration
	Outcomes []Outcome
}

// Failures returns the outcomes that failed or were skipped, for the
// terminal summary.
func (p *Progress) Failures() []Outcome {
	var out []Outcome
	for _, o := range p.Outcomes {
		if o.Action == ActionFailed || o.Action == ActionSkipped {
			out = append(out, o)
		}
	}
	return out
}

// Recorder receives counter events for optional telemetry. All methods
// must be safe to call from the orchestrating goroutine only.
type Recorder interface {
	RecordOutcome(action Action)
	RecordLink()
	RecordStateHop()
}

// nopRecorder is used when no telemetry is configured.
type nopRecorder struct{}

func (nopRecorder) RecordOutcome(Action) {}
func (nopRecorder) RecordLink()          {}
func (nopRecorder) RecordStateHop()      {}
