package migrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agileforge/witmigrate/internal/item"
	"github.com/agileforge/witmigrate/internal/source"
	"github.com/agileforge/witmigrate/internal/target"
)

// fakeSource is an in-memory source.Client.
type fakeSource struct {
	items map[string]*item.SourceItem
}

func newFakeSource(items ...*item.SourceItem) *fakeSource {
	fs := &fakeSource{items: make(map[string]*item.SourceItem)}
	for _, it := range items {
		fs.items[it.ID] = it
	}
	return fs
}

func (f *fakeSource) FetchItem(ctx context.Context, typ item.ItemType, id string) (*item.SourceItem, error) {
	it, ok := f.items[id]
	if !ok || (typ != "" && it.Type != typ) {
		return nil, fmt.Errorf("fetching item %s: %w", id, source.ErrNotFound)
	}
	return it, nil
}

func (f *fakeSource) FetchItemsByType(ctx context.Context, typ item.ItemType) ([]*item.SourceItem, error) {
	var out []*item.SourceItem
	for _, it := range f.items {
		if it.Type == typ {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeSource) FetchAttachments(ctx context.Context, it *item.SourceItem) ([]item.Attachment, error) {
	return it.Attachments, nil
}

func (f *fakeSource) FetchComments(ctx context.Context, it *item.SourceItem) ([]item.Comment, error) {
	return it.Comments, nil
}

func (f *fakeSource) FetchOwnerEmail(ctx context.Context, ref string) (string, error) {
	return "", nil
}

type fakeLink struct {
	From, To int
	Kind     string
}

type patchCall struct {
	ID       int
	Fields   map[string]any
	Elevated bool
}

// fakeTarget is an in-memory target.Client that mimics the write
// protocol: items get the workflow initial state on creation, patches
// mutate stored fields, links deduplicate.
type fakeTarget struct {
	mu sync.Mutex

	nextID int
	items  map[int]*target.WorkItem
	types  map[int]string

	links       []fakeLink
	attachments map[int][]string
	comments    map[int][]string

	creates int
	patches []patchCall

	// patchErr, when set, is consulted before applying a patch.
	patchErr func(id int, fields map[string]any, elevated bool) error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		nextID:      100,
		items:       make(map[int]*target.WorkItem),
		types:       make(map[int]string),
		attachments: make(map[int][]string),
		comments:    make(map[int][]string),
	}
}

func (f *fakeTarget) FindByTag(ctx context.Context, tag string) (*target.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []int
	for id, wi := range f.items {
		tags, _ := wi.Fields[target.FieldTags].(string)
		for _, t := range strings.Split(tags, ";") {
			if strings.TrimSpace(t) == tag {
				matches = append(matches, id)
			}
		}
	}
	sort.Ints(matches)
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return f.items[matches[0]], nil
	default:
		return nil, &target.AmbiguousTagError{Tag: tag, IDs: matches}
	}
}

func (f *fakeTarget) CreateEntity(ctx context.Context, workItemType string, fields map[string]any) (*target.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.creates++
	stored := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		stored[k] = v
	}
	initial := "New"
	if workItemType == "Test Case" {
		initial = "Design"
	}
	stored[target.FieldState] = initial
	wi := &target.WorkItem{ID: f.nextID, Rev: 1, Fields: stored}
	f.items[wi.ID] = wi
	f.types[wi.ID] = workItemType
	return wi, nil
}

func (f *fakeTarget) PatchFields(ctx context.Context, id int, fields map[string]any, elevated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		if err := f.patchErr(id, fields, elevated); err != nil {
			return err
		}
	}
	wi, ok := f.items[id]
	if !ok {
		return fmt.Errorf("work item %d not found", id)
	}
	f.patches = append(f.patches, patchCall{ID: id, Fields: fields, Elevated: elevated})
	for k, v := range fields {
		wi.Fields[k] = v
	}
	wi.Rev++
	return nil
}

func (f *fakeTarget) UploadAttachment(ctx context.Context, id int, name string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[id] = append(f.attachments[id], name)
	return nil
}

func (f *fakeTarget) AddComment(ctx context.Context, id int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[id] = append(f.comments[id], text)
	if wi, ok := f.items[id]; ok {
		n, _ := wi.Fields[target.FieldCommentCount].(float64)
		wi.Fields[target.FieldCommentCount] = n + 1
	}
	return nil
}

func (f *fakeTarget) LinkEntities(ctx context.Context, fromID, toID int, linkKind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		if l.From == fromID && l.To == toID && l.Kind == linkKind {
			return nil // relation already exists
		}
	}
	f.links = append(f.links, fakeLink{From: fromID, To: toID, Kind: linkKind})
	return nil
}

func (f *fakeTarget) GetEntityWithRelations(ctx context.Context, id int) (*target.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wi, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	out := &target.WorkItem{ID: wi.ID, Rev: wi.Rev, Fields: wi.Fields}
	for _, l := range f.links {
		if l.From == id {
			out.Relations = append(out.Relations, target.Relation{
				Rel: l.Kind,
				URL: fmt.Sprintf("https://fake/_apis/wit/workItems/%d", l.To),
			})
		}
	}
	for range f.attachments[id] {
		out.Relations = append(out.Relations, target.Relation{Rel: target.RelAttachedFile})
	}
	return out, nil
}

func (f *fakeTarget) linkCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.links {
		if l.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeTarget) stateOf(id int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, _ := f.items[id].Fields[target.FieldState].(string)
	return s
}

var (
	_ source.Client = (*fakeSource)(nil)
	_ target.Client = (*fakeTarget)(nil)
)
