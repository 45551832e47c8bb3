package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agileforge/witmigrate/internal/item"
	"github.com/agileforge/witmigrate/internal/source"
	"github.com/agileforge/witmigrate/internal/target"
)

// Options configures an Orchestrator.
type Options struct {
	Source  source.Client
	Target  target.Client
	Mapper  *Mapper
	Planner *TransitionPlanner

	// Workers bounds the attachment/comment prefetch fan-out during
	// collection, the only concurrent stage. Defaults to 4.
	Workers int

	// Callbacks. All optional; invoked from the orchestrating goroutine
	// except during collection, where they are serialized internally.
	OnMessage  func(string)
	OnWarning  func(string)
	OnProgress func(Progress)

	// Metrics is optional run telemetry.
	Metrics Recorder
}

// Orchestrator drives a migration run: Collecting, CreatingPhase1,
// LinkingPhase2, Completed, with pause and cancel cross-cutting.
//
// Phase 1 and Phase 2 process entities strictly sequentially in
// sequencer order: a parent's target identity must be recorded before
// any child references it. The identity table is still mutex-guarded so
// an embedding caller may read Identities concurrently.
type Orchestrator struct {
	opts Options

	mu         sync.Mutex
	paused     bool
	identities map[string]int
	progress   Progress

	cbMu  sync.Mutex
	start time.Time
}

// New creates an Orchestrator. Source, Target, and Mapper are required.
func New(opts Options) *Orchestrator {
	if opts.Planner == nil {
		opts.Planner = NewTransitionPlanner()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	return &Orchestrator{
		opts:       opts,
		identities: make(map[string]int),
	}
}

func (o *Orchestrator) msg(format string, args ...any) {
	if o.opts.OnMessage == nil {
		return
	}
	o.cbMu.Lock()
	o.opts.OnMessage(fmt.Sprintf(format, args...))
	o.cbMu.Unlock()
}

func (o *Orchestrator) warn(format string, args ...any) {
	if o.opts.OnWarning == nil {
		return
	}
	o.cbMu.Lock()
	o.opts.OnWarning(fmt.Sprintf(format, args...))
	o.cbMu.Unlock()
}

// Pause requests that the run block before processing the next entity.
// Never interrupts an entity mid-flight.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
}

// Resume clears a pause request.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
}

// Identities returns a copy of the source-to-target identity table
// recorded so far in this run.
func (o *Orchestrator) Identities() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.identities))
	for k, v := range o.identities {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) recordIdentity(sourceID string, targetID int) {
	o.mu.Lock()
	o.identities[sourceID] = targetID
	o.mu.Unlock()
}

func (o *Orchestrator) identity(sourceID string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.identities[sourceID]
	return id, ok
}

// waitIfPaused blocks while a pause is requested, polling between
// entities. Returns the context error on cancellation.
func (o *Orchestrator) waitIfPaused(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.mu.Lock()
		paused := o.paused
		o.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.progress.Phase = p
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) publish() {
	if o.opts.OnProgress == nil {
		return
	}
	o.opts.OnProgress(o.snapshot())
}

func (o *Orchestrator) snapshot() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.progress
	p.Elapsed = time.Since(o.start)
	p.Outcomes = append([]Outcome(nil), o.progress.Outcomes...)
	return p
}

// Run executes a full migration. ids empty means the whole configured
// project; otherwise the set is the given ids plus their transitive
// parent, child, and test-case dependencies.
//
// Per-entity failures are counted, never fatal. The returned error is
// non-nil only for run-level failures: a collection that cannot
// complete, cyclic parent data, or cancellation.
func (o *Orchestrator) Run(ctx context.Context, ids []string) (Progress, error) {
	o.start = time.Now()
	o.setPhase(PhaseCollecting)

	items, err := o.collect(ctx, ids)
	if err != nil {
		return o.snapshot(), err
	}
	ordered, err := Sequence(items)
	if err != nil {
		return o.snapshot(), fmt.Errorf("sequencing %d items: %w", len(items), err)
	}
	o.mu.Lock()
	o.progress.Total = len(ordered)
	o.mu.Unlock()
	o.msg("collected %d items", len(ordered))

	o.setPhase(PhaseCreating)
	for _, it := range ordered {
		if err := o.waitIfPaused(ctx); err != nil {
			o.setPhase(PhaseCancelled)
			return o.snapshot(), err
		}
		outcome := o.processOne(ctx, it)
		o.mu.Lock()
		o.progress.Processed++
		switch outcome.Action {
		case ActionFailed:
			o.progress.Failed++
		case ActionSkipped:
			o.progress.Skipped++
		default:
			o.progress.Succeeded++
		}
		o.progress.Outcomes = append(o.progress.Outcomes, outcome)
		o.mu.Unlock()
		o.opts.Metrics.RecordOutcome(outcome.Action)
		o.publish()
	}

	o.setPhase(PhaseLinking)
	for _, it := range ordered {
		if err := o.waitIfPaused(ctx); err != nil {
			o.setPhase(PhaseCancelled)
			return o.snapshot(), err
		}
		o.linkOne(ctx, it)
		o.publish()
	}

	o.mu.Lock()
	o.progress.Elapsed = time.Since(o.start)
	o.mu.Unlock()
	o.setPhase(PhaseCompleted)
	o.summarize()
	return o.snapshot(), nil
}

func (o *Orchestrator) summarize() {
	p := o.snapshot()
	o.msg("migration completed in %s: %d succeeded, %d failed, %d skipped, %d links created",
		p.Elapsed.Round(time.Millisecond), p.Succeeded, p.Failed, p.Skipped, p.LinksCreated)
	for _, f := range p.Failures() {
		o.msg("  %s %s: %s (%s)", f.Type.Display(), f.ID, f.Action, f.Reason)
	}
}

// collect fetches the item set. With an id list, the set is grown to
// the transitive closure over parent, child, and test-case references
// so the sequencer sees every in-scope dependency. Attachments and
// comments are prefetched afterward with a bounded fan-out; this is the
// only concurrent stage, and each goroutine owns its item.
func (o *Orchestrator) collect(ctx context.Context, ids []string) ([]*item.SourceItem, error) {
	var items []*item.SourceItem

	if len(ids) == 0 {
		for _, typ := range item.AllTypes {
			fetched, err := o.opts.Source.FetchItemsByType(ctx, typ)
			if err != nil {
				return nil, fmt.Errorf("collecting %s items: %w", typ, err)
			}
			items = append(items, fetched...)
		}
	} else {
		fetched := make(map[string]*item.SourceItem)
		queue := append([]string(nil), ids...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if id == "" || fetched[id] != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			it, err := o.opts.Source.FetchItem(ctx, "", id)
			if err != nil {
				if errors.Is(err, source.ErrNotFound) {
					o.warn("referenced item %s not found in source, skipping", id)
					fetched[id] = &item.SourceItem{} // sentinel so we do not refetch
					continue
				}
				return nil, fmt.Errorf("collecting item %s: %w", id, err)
			}
			fetched[id] = it
			queue = append(queue, it.ParentID)
			queue = append(queue, it.ChildIDs...)
			queue = append(queue, it.LinkedTestCaseIDs...)
		}
		for _, it := range fetched {
			if it.ID != "" {
				items = append(items, it)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, it := range items {
		it := it
		g.Go(func() error {
			atts, err := o.opts.Source.FetchAttachments(gctx, it)
			if err != nil {
				o.warn("fetching attachments for %s: %v", it.ID, err)
			} else {
				it.Attachments = atts
			}
			comments, err := o.opts.Source.FetchComments(gctx, it)
			if err != nil {
				o.warn("fetching comments for %s: %v", it.ID, err)
			} else {
				it.Comments = comments
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// processOne migrates a single item: duplicate check, create or
// diff-patch, state plan, attachment and comment reconciliation,
// identity record. Every failure is converted to an Outcome here; the
// run never stops for one entity.
func (o *Orchestrator) processOne(ctx context.Context, it *item.SourceItem) Outcome {
	out := Outcome{ID: it.ID, Type: it.Type}

	creation, post, _, err := o.opts.Mapper.Map(ctx, it)
	if err != nil {
		out.Action = ActionFailed
		out.Reason = err.Error()
		o.warn("mapping %s %s: %v", it.Type.Display(), it.ID, err)
		return out
	}
	targetType, err := o.opts.Mapper.TargetType(it.Type)
	if err != nil {
		out.Action = ActionFailed
		out.Reason = err.Error()
		return out
	}

	existing, err := FindExisting(ctx, o.opts.Target, it)
	if err != nil {
		var ambiguous *target.AmbiguousTagError
		if errors.As(err, &ambiguous) {
			out.Action = ActionSkipped
			out.Reason = err.Error()
			o.warn("duplicate check for %s: %v", it.ID, err)
			return out
		}
		out.Action = ActionFailed
		out.Reason = fmt.Sprintf("duplicate check: %v", err)
		o.warn("duplicate check for %s: %v", it.ID, err)
		return out
	}

	desiredState, _ := post[target.FieldState].(string)
	audit := make(map[string]any, len(post))
	for ref, v := range post {
		if ref != target.FieldState {
			audit[ref] = v
		}
	}

	if existing == nil {
		return o.createOne(ctx, it, out, targetType, creation, audit, desiredState)
	}
	return o.syncOne(ctx, it, out, targetType, existing, creation, audit, desiredState)
}

func (o *Orchestrator) createOne(ctx context.Context, it *item.SourceItem, out Outcome, targetType string, creation, audit map[string]any, desiredState string) Outcome {
	wi, err := o.opts.Target.CreateEntity(ctx, targetType, creation)
	if err != nil {
		out.Action = ActionFailed
		out.Reason = fmt.Sprintf("create: %v", err)
		o.warn("creating %s %s: %v", it.Type.Display(), it.ID, err)
		return out
	}
	out.TargetID = wi.ID
	o.msg("created %s %s as work item %d", it.Type.Display(), it.ID, wi.ID)

	if len(audit) > 0 {
		if err := o.opts.Target.PatchFields(ctx, wi.ID, audit, true); err != nil {
			o.warn("work item %d: audit fields rejected: %v", wi.ID, err)
		}
	}

	currentState, _ := wi.Fields[target.FieldState].(string)
	o.applyStatePlan(ctx, wi.ID, targetType, currentState, desiredState, audit)

	for _, att := range it.Attachments {
		if err := o.opts.Target.UploadAttachment(ctx, wi.ID, att.Name, att.Content); err != nil {
			o.warn("work item %d: uploading attachment %s: %v", wi.ID, att.Name, err)
		}
	}
	for _, c := range it.Comments {
		if err := o.opts.Target.AddComment(ctx, wi.ID, formatComment(c)); err != nil {
			o.warn("work item %d: adding comment: %v", wi.ID, err)
		}
	}

	o.recordIdentity(it.ID, wi.ID)
	out.Action = ActionCreated
	return out
}

func (o *Orchestrator) syncOne(ctx context.Context, it *item.SourceItem, out Outcome, targetType string, existing *target.WorkItem, creation, audit map[string]any, desiredState string) Outcome {
	out.TargetID = existing.ID
	wrote := false

	changed := Diff(creation, existing.Fields)
	if len(changed) > 0 {
		if err := o.opts.Target.PatchFields(ctx, existing.ID, changed, false); err != nil {
			out.Action = ActionFailed
			out.Reason = fmt.Sprintf("patch: %v", err)
			o.warn("updating work item %d for %s: %v", existing.ID, it.ID, err)
			return out
		}
		wrote = true
		o.msg("updated work item %d for %s %s (%s)", existing.ID, it.Type.Display(), it.ID, strings.Join(fieldNames(changed), ", "))
	}

	currentState, _ := existing.Fields[target.FieldState].(string)
	if o.applyStatePlan(ctx, existing.ID, targetType, currentState, desiredState, audit) {
		wrote = true
	}

	if o.reconcileContent(ctx, it, existing) {
		wrote = true
	}

	o.recordIdentity(it.ID, existing.ID)
	if wrote {
		out.Action = ActionUpdated
	} else {
		out.Action = ActionUnchanged
	}
	return out
}

// applyStatePlan computes and applies the state plan. Returns whether
// any state write was attempted. Plan failure is a logged mismatch,
// never a failure of the entity.
func (o *Orchestrator) applyStatePlan(ctx context.Context, id int, targetType, currentState, desiredState string, audit map[string]any) bool {
	plan := o.opts.Planner.Plan(targetType, currentState, desiredState)
	if len(plan) == 0 {
		return false
	}
	if err := o.opts.Planner.Apply(ctx, o.opts.Target, id, plan, audit, func(s string) { o.warn("%s", s) }, o.opts.Metrics); err != nil {
		o.warn("work item %d: state mismatch: %v", id, err)
	}
	return true
}

// reconcileContent uploads the attachments and comments the target does
// not have yet. Reconciliation is count-based: the first N source
// attachments/comments are assumed already present when the target
// reports N. Returns whether anything was written.
func (o *Orchestrator) reconcileContent(ctx context.Context, it *item.SourceItem, existing *target.WorkItem) bool {
	if len(it.Attachments) == 0 && len(it.Comments) == 0 {
		return false
	}
	wrote := false

	attachedCount := 0
	if len(it.Attachments) > 0 {
		wi, err := o.opts.Target.GetEntityWithRelations(ctx, existing.ID)
		if err != nil || wi == nil {
			o.warn("work item %d: reading relations: %v", existing.ID, err)
			attachedCount = len(it.Attachments) // do not re-upload blindly
		} else {
			for _, rel := range wi.Relations {
				if rel.Rel == target.RelAttachedFile {
					attachedCount++
				}
			}
		}
	}
	for _, att := range it.Attachments[min(attachedCount, len(it.Attachments)):] {
		if err := o.opts.Target.UploadAttachment(ctx, existing.ID, att.Name, att.Content); err != nil {
			o.warn("work item %d: uploading attachment %s: %v", existing.ID, att.Name, err)
			continue
		}
		wrote = true
	}

	commentCount := 0
	if n, ok := existing.Fields[target.FieldCommentCount].(float64); ok {
		commentCount = int(n)
	}
	for _, c := range it.Comments[min(commentCount, len(it.Comments)):] {
		if err := o.opts.Target.AddComment(ctx, existing.ID, formatComment(c)); err != nil {
			o.warn("work item %d: adding comment: %v", existing.ID, err)
			continue
		}
		wrote = true
	}
	return wrote
}

// formatComment prefixes the original author and date, because the
// target attributes every migrated comment to the migration account.
func formatComment(c item.Comment) string {
	author := c.Author.DisplayName
	if author == "" {
		author = c.Author.Email
	}
	if author == "" {
		author = "unknown"
	}
	when := ""
	if !c.PostedAt.IsZero() {
		when = " on " + c.PostedAt.UTC().Format("2006-01-02 15:04")
	}
	return fmt.Sprintf("<i>%s%s:</i><br/>%s", author, when, c.Text)
}

// linkOne resolves the Phase 2 links for one item: the parent link and,
// for stories and defects, the Tests links. A link already present
// counts as success; a missing endpoint identity is counted and
// skipped, never fatal.
func (o *Orchestrator) linkOne(ctx context.Context, it *item.SourceItem) {
	id, ok := o.identity(it.ID)
	if !ok {
		return // failed or skipped in Phase 1, already counted
	}

	var wi *target.WorkItem
	needRelations := it.ParentID != "" || len(it.LinkedTestCaseIDs) > 0
	if needRelations {
		var err error
		wi, err = o.opts.Target.GetEntityWithRelations(ctx, id)
		if err != nil {
			o.warn("work item %d: reading relations for linking: %v", id, err)
			return
		}
	}

	if it.ParentID != "" {
		if parentID, ok := o.identity(it.ParentID); !ok {
			o.warn("%s %s: parent %s has no target identity, skipping parent link", it.Type.Display(), it.ID, it.ParentID)
			o.addLinkSkipped()
		} else if hasRelation(wi, target.LinkParent, 0) {
			// A parent link of any kind already present counts as done.
		} else if err := o.opts.Target.LinkEntities(ctx, id, parentID, target.LinkParent); err != nil {
			o.warn("linking %s to parent %s: %v", it.ID, it.ParentID, err)
			o.addLinkSkipped()
		} else {
			o.addLinkCreated()
		}
	}

	if it.Type != item.TypeStory && it.Type != item.TypeDefect {
		return
	}
	for _, tcID := range it.LinkedTestCaseIDs {
		testID, ok := o.identity(tcID)
		if !ok {
			o.warn("%s %s: test case %s has no target identity, skipping link", it.Type.Display(), it.ID, tcID)
			o.addLinkSkipped()
			continue
		}
		if hasRelation(wi, target.LinkTests, testID) {
			continue
		}
		if err := o.opts.Target.LinkEntities(ctx, id, testID, target.LinkTests); err != nil {
			o.warn("linking %s to test case %s: %v", it.ID, tcID, err)
			o.addLinkSkipped()
			continue
		}
		o.addLinkCreated()
	}
}

func (o *Orchestrator) addLinkCreated() {
	o.mu.Lock()
	o.progress.LinksCreated++
	o.mu.Unlock()
	o.opts.Metrics.RecordLink()
}

func (o *Orchestrator) addLinkSkipped() {
	o.mu.Lock()
	o.progress.LinksSkipped++
	o.mu.Unlock()
}

// hasRelation reports whether the work item carries a relation of the
// given kind. targetID 0 matches any endpoint (used for parent links,
// where an existing parent of any kind counts); otherwise the relation
// URL must point at that id.
func hasRelation(wi *target.WorkItem, kind string, targetID int) bool {
	if wi == nil {
		return false
	}
	for _, rel := range wi.Relations {
		if rel.Rel != kind {
			continue
		}
		if targetID == 0 || strings.HasSuffix(rel.URL, fmt.Sprintf("/%d", targetID)) {
			return true
		}
	}
	return false
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for ref := range fields {
		names = append(names, ref)
	}
	sort.Strings(names)
	return names
}
