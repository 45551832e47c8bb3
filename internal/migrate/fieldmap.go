package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agileforge/witmigrate/internal/item"
	"github.com/agileforge/witmigrate/internal/target"
)

// ErrNoMapping indicates the mapping configuration has no entry for a
// source item type. Fatal for that entity only.
var ErrNoMapping = errors.New("no field mapping for item type")

// crossRefPrefix marks the tag recording the originating source id.
// Duplicate detection matches on this tag and nothing else.
const crossRefPrefix = "migrated-from:"

// CrossRefTag returns the cross-reference tag for a source id.
func CrossRefTag(sourceID string) string {
	return crossRefPrefix + sourceID
}

// actorTagPrefix marks tags recording the source-side people attached
// to an item, so target-side queries can find everything a given person
// touched in the source.
const actorTagPrefix = "source-actor:"

// FieldRule maps one source attribute to one target field.
type FieldRule struct {
	// Source is the source attribute name, resolved through the item's
	// known-attribute table with a custom-attribute fallback. Ignored
	// when the pipeline starts with a const transform.
	Source string `yaml:"source"`
	// Target is the target field reference name, e.g. "System.Title".
	Target string `yaml:"target"`
	// Transforms is the pipeline of transform specs applied in order.
	Transforms []string `yaml:"transforms,omitempty"`
	// Default is used when the transformed value is empty.
	Default string `yaml:"default,omitempty"`
	// PostCreation routes the field to the post-creation write. Fields
	// the target rejects on ordinary writes are routed there regardless
	// of this flag.
	PostCreation bool `yaml:"postCreation,omitempty"`
}

// TypeMapping is the rule set for one source item type.
type TypeMapping struct {
	// TargetType is the target work item type name, e.g. "User Story".
	TargetType string      `yaml:"targetType"`
	Fields     []FieldRule `yaml:"fields"`
}

// MappingConfig is the full declarative mapping document, keyed by
// source item type.
type MappingConfig struct {
	Types map[string]TypeMapping `yaml:"types"`
}

// LoadMappingConfig reads a mapping document from a yaml file.
func LoadMappingConfig(path string) (*MappingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}
	var cfg MappingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing mapping file %s: %w", path, err)
	}
	if len(cfg.Types) == 0 {
		return nil, fmt.Errorf("mapping file %s defines no types", path)
	}
	return &cfg, nil
}

// DefaultMappingConfig returns the compiled-in mapping used when no
// mapping file is configured.
func DefaultMappingConfig() *MappingConfig {
	common := []FieldRule{
		{Source: "name", Target: target.FieldTitle},
		{Source: "description", Target: target.FieldDescription, Transforms: []string{"html"}},
		{Source: "state", Target: target.FieldState, Transforms: []string{"state"}},
		{Source: "project", Target: target.FieldAreaPath, Transforms: []string{"areapath"}},
		{Source: "iteration", Target: target.FieldIterationPath, Transforms: []string{"iterationpath"}},
		{Source: "owner", Target: target.FieldAssignedTo, Transforms: []string{"user"}},
		{Source: "created", Target: target.FieldCreatedDate, Transforms: []string{"date"}},
		{Source: "updated", Target: target.FieldChangedDate, Transforms: []string{"date"}},
		{Source: "createdby", Target: target.FieldCreatedBy, Transforms: []string{"user"}},
	}
	withCommon := func(extra ...FieldRule) []FieldRule {
		out := make([]FieldRule, 0, len(common)+len(extra))
		out = append(out, common...)
		out = append(out, extra...)
		return out
	}
	return &MappingConfig{Types: map[string]TypeMapping{
		string(item.TypeEpic):    {TargetType: "Epic", Fields: withCommon()},
		string(item.TypeFeature): {TargetType: "Feature", Fields: withCommon()},
		string(item.TypeStory):   {TargetType: "User Story", Fields: withCommon()},
		string(item.TypeDefect): {TargetType: "Bug", Fields: withCommon(
			FieldRule{Source: "Severity", Target: target.FieldSeverity, Transforms: []string{"enum:severity"}},
			FieldRule{Source: "Priority", Target: target.FieldPriority, Transforms: []string{"enum:priority"}},
			FieldRule{Source: "Steps To Reproduce", Target: target.FieldReproSteps, Transforms: []string{"html"}},
		)},
		string(item.TypeTask):     {TargetType: "Task", Fields: withCommon()},
		string(item.TypeTestCase): {TargetType: "Test Case", Fields: withCommon()},
	}}
}

// privilegedFields are target fields the write protocol rejects without
// the elevated path. They always route to the post-creation set, and a
// configured default for them is honored even when the source value is
// empty.
var privilegedFields = map[string]bool{
	target.FieldState:       true,
	target.FieldCreatedDate: true,
	target.FieldChangedDate: true,
	target.FieldCreatedBy:   true,
}

// Mapper turns a source item into the target field sets.
type Mapper struct {
	cfg *MappingConfig
	tr  *Transformer
}

// NewMapper builds a Mapper. cfg nil means the compiled-in defaults.
func NewMapper(cfg *MappingConfig, tr *Transformer) *Mapper {
	if cfg == nil {
		cfg = DefaultMappingConfig()
	}
	return &Mapper{cfg: cfg, tr: tr}
}

// TargetType returns the target work item type for a source type.
func (m *Mapper) TargetType(typ item.ItemType) (string, error) {
	tm, ok := m.cfg.Types[string(typ)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoMapping, typ)
	}
	return tm.TargetType, nil
}

// Map produces the creation and post-creation field sets for one item,
// plus the distinct source actors the item references. Actors are a
// return value, never shared state, so concurrent Map calls for
// different items cannot contaminate each other's tags.
//
// The cross-reference tag and one tag per source actor are always
// appended to System.Tags in the creation set.
func (m *Mapper) Map(ctx context.Context, it *item.SourceItem) (creation, postCreation map[string]any, actors []item.Actor, err error) {
	tm, ok := m.cfg.Types[string(it.Type)]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrNoMapping, it.Type)
	}

	creation = make(map[string]any)
	postCreation = make(map[string]any)

	for _, rule := range tm.Fields {
		raw, _ := it.Field(rule.Source)
		value, perr := m.tr.Pipeline(ctx, rule.Transforms, raw, it)
		if perr != nil {
			return nil, nil, nil, fmt.Errorf("mapping %s of %s: %w", rule.Target, it.ID, perr)
		}
		if value == "" {
			value = rule.Default
		}
		if value == "" {
			continue
		}
		if rule.PostCreation || privilegedFields[rule.Target] {
			postCreation[rule.Target] = value
		} else {
			creation[rule.Target] = value
		}
	}

	actors = it.Actors()
	creation[target.FieldTags] = appendTags(creation[target.FieldTags], it, actors)
	return creation, postCreation, actors, nil
}

// appendTags merges mapped tags with the cross-reference tag and the
// actor tags. Actor tags are sorted so the tag string is deterministic.
func appendTags(existing any, it *item.SourceItem, actors []item.Actor) string {
	var tags []string
	if s, ok := existing.(string); ok && s != "" {
		for _, t := range strings.Split(s, ";") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	tags = append(tags, CrossRefTag(it.ID))

	actorTags := make([]string, 0, len(actors))
	for _, a := range actors {
		name := a.DisplayName
		if name == "" {
			name = a.Email
		}
		if name == "" {
			name = a.Ref
		}
		actorTags = append(actorTags, actorTagPrefix+name)
	}
	sort.Strings(actorTags)

	seen := make(map[string]bool, len(tags)+len(actorTags))
	out := make([]string, 0, len(tags)+len(actorTags))
	for _, t := range append(tags, actorTags...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return strings.Join(out, "; ")
}
