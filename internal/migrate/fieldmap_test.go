package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agileforge/witmigrate/internal/item"
	"github.com/agileforge/witmigrate/internal/target"
)

func testStory() *item.SourceItem {
	return &item.SourceItem{
		ID:             "US100",
		Type:           item.TypeStory,
		Name:           "Login page",
		Description:    "<p>As a user...</p>",
		LifecycleState: "In-Progress",
		Project:        "Payments",
		Owner:          item.Actor{Ref: "u1", DisplayName: "Dana Fox", Email: "dana@example.org"},
		CreatedBy:      item.Actor{Ref: "u2", DisplayName: "Sam Reed", Email: "sam@example.org"},
		CreatedAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2024, 4, 2, 9, 30, 0, 0, time.UTC),
	}
}

func TestMapRoutesPrivilegedFieldsPostCreation(t *testing.T) {
	m := NewMapper(nil, NewTransformer(nil))
	creation, post, _, err := m.Map(context.Background(), testStory())
	require.NoError(t, err)

	// Privileged fields never land in the creation set.
	for _, ref := range []string{target.FieldState, target.FieldCreatedDate, target.FieldChangedDate, target.FieldCreatedBy} {
		assert.NotContains(t, creation, ref)
	}
	assert.Equal(t, "Active", post[target.FieldState])
	assert.Equal(t, "2024-03-01T12:00:00Z", post[target.FieldCreatedDate])
	assert.Equal(t, "sam@example.org", post[target.FieldCreatedBy])

	assert.Equal(t, "Login page", creation[target.FieldTitle])
	assert.Equal(t, "<p>As a user...</p>", creation[target.FieldDescription])
	assert.Equal(t, "dana@example.org", creation[target.FieldAssignedTo])
}

func TestMapAlwaysAppendsCrossRefTag(t *testing.T) {
	m := NewMapper(nil, NewTransformer(nil))
	creation, _, _, err := m.Map(context.Background(), testStory())
	require.NoError(t, err)

	tags, ok := creation[target.FieldTags].(string)
	require.True(t, ok, "System.Tags missing from creation set")
	assert.Contains(t, splitTags(tags), "migrated-from:US100")
}

func TestMapReturnsActorsPerCall(t *testing.T) {
	m := NewMapper(nil, NewTransformer(nil))

	first := testStory()
	_, _, actors1, err := m.Map(context.Background(), first)
	require.NoError(t, err)
	assert.Len(t, actors1, 2)

	// A second item with different people must not inherit the first
	// item's actors, in tags or in the returned set.
	second := testStory()
	second.ID = "US200"
	second.Owner = item.Actor{Ref: "u9", DisplayName: "Ira Boyd"}
	second.CreatedBy = item.Actor{}
	creation, _, actors2, err := m.Map(context.Background(), second)
	require.NoError(t, err)
	assert.Len(t, actors2, 1)
	tags := creation[target.FieldTags].(string)
	assert.NotContains(t, tags, "Dana Fox")
	assert.Contains(t, tags, actorTagPrefix+"Ira Boyd")
}

func TestMapDefaultHonoredForPrivilegedField(t *testing.T) {
	cfg := &MappingConfig{Types: map[string]TypeMapping{
		string(item.TypeTask): {TargetType: "Task", Fields: []FieldRule{
			{Source: "name", Target: target.FieldTitle},
			{Source: "state", Target: target.FieldState, Transforms: []string{"state"}, Default: "New"},
			{Source: "Estimate", Target: "Microsoft.VSTS.Scheduling.OriginalEstimate"},
		}},
	}}
	m := NewMapper(cfg, NewTransformer(nil))
	it := &item.SourceItem{ID: "TA7", Type: item.TypeTask, Name: "Wire it up"}

	creation, post, _, err := m.Map(context.Background(), it)
	require.NoError(t, err)
	// Empty source state still produces the configured default.
	assert.Equal(t, "New", post[target.FieldState])
	// Empty value with no default is skipped entirely.
	assert.NotContains(t, creation, "Microsoft.VSTS.Scheduling.OriginalEstimate")
}

func TestMapUnknownTypeIsErrNoMapping(t *testing.T) {
	cfg := &MappingConfig{Types: map[string]TypeMapping{
		string(item.TypeEpic): {TargetType: "Epic"},
	}}
	m := NewMapper(cfg, NewTransformer(nil))
	_, _, _, err := m.Map(context.Background(), &item.SourceItem{ID: "TA1", Type: item.TypeTask})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMapping), "got %v", err)

	_, err = m.TargetType(item.TypeTask)
	assert.True(t, errors.Is(err, ErrNoMapping))
}

func TestDefaultMappingCoversAllTypes(t *testing.T) {
	cfg := DefaultMappingConfig()
	for _, typ := range item.AllTypes {
		tm, ok := cfg.Types[string(typ)]
		require.True(t, ok, "no mapping for %s", typ)
		assert.NotEmpty(t, tm.TargetType)
		assert.NotEmpty(t, tm.Fields)
	}
	// Defect mapping carries the bug-only fields.
	var refs []string
	for _, rule := range cfg.Types[string(item.TypeDefect)].Fields {
		refs = append(refs, rule.Target)
	}
	assert.Contains(t, strings.Join(refs, " "), target.FieldSeverity)
}
