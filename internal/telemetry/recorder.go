package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agileforge/witmigrate/internal/migrate"
)

// Recorder publishes migration outcome counters through the global
// meter. It satisfies the engine's Recorder interface; all methods are
// called from the orchestrating goroutine.
type Recorder struct {
	outcomes  metric.Int64Counter
	links     metric.Int64Counter
	stateHops metric.Int64Counter
}

var _ migrate.Recorder = (*Recorder)(nil)

// NewRecorder creates the run counters on the global meter.
func NewRecorder() (*Recorder, error) {
	m := Meter("")
	outcomes, err := m.Int64Counter("witmigrate.items",
		metric.WithDescription("Items processed, by outcome action"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: items counter: %w", err)
	}
	links, err := m.Int64Counter("witmigrate.links",
		metric.WithDescription("Links created in the linking phase"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: links counter: %w", err)
	}
	stateHops, err := m.Int64Counter("witmigrate.state_hops",
		metric.WithDescription("State transition writes applied"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: state hops counter: %w", err)
	}
	return &Recorder{outcomes: outcomes, links: links, stateHops: stateHops}, nil
}

func (r *Recorder) RecordOutcome(action migrate.Action) {
	r.outcomes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("action", string(action))))
}

func (r *Recorder) RecordLink() {
	r.links.Add(context.Background(), 1)
}

func (r *Recorder) RecordStateHop() {
	r.stateHops.Add(context.Background(), 1)
}
