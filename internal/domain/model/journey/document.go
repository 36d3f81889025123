package journey

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
)

// Document is the authoring/storage form of a journey definition.
// It is the YAML format accepted by publish and the JSON form persisted
// alongside the definition row.
type Document struct {
	Slug            string          `yaml:"slug" json:"slug"`
	States          []string        `yaml:"states" json:"states"`
	Initial         string          `yaml:"initial" json:"initial"`
	Terminals       []string        `yaml:"terminals" json:"terminals"`
	Transitions     []TransitionDoc `yaml:"transitions" json:"transitions"`
	Steps           []StepDoc       `yaml:"steps" json:"steps"`
	Preconditions   []string        `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`
	RequiredContext []string        `yaml:"required_context,omitempty" json:"required_context,omitempty"`
	OptionalContext []string        `yaml:"optional_context,omitempty" json:"optional_context,omitempty"`
}

// TransitionDoc is the authoring form of a transition edge
type TransitionDoc struct {
	From    string `yaml:"from" json:"from"`
	To      string `yaml:"to" json:"to"`
	Trigger string `yaml:"trigger" json:"trigger"`
}

// BranchDoc is the authoring form of a conditional branch
type BranchDoc struct {
	Key    string      `yaml:"key" json:"key"`
	Op     string      `yaml:"op" json:"op"`
	Value  interface{} `yaml:"value,omitempty" json:"value,omitempty"`
	Target string      `yaml:"target" json:"target"`
}

// StepDoc is the authoring form of a step spec
type StepDoc struct {
	Slug          string                 `yaml:"slug" json:"slug"`
	Type          string                 `yaml:"type" json:"type"`
	Entry         string                 `yaml:"entry,omitempty" json:"entry,omitempty"`
	OnSuccess     string                 `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	OnFailure     string                 `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	MaxRetries    int                    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Timeout       string                 `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Config        map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
	Branches      []BranchDoc            `yaml:"branches,omitempty" json:"branches,omitempty"`
	DefaultBranch string                 `yaml:"default_branch,omitempty" json:"default_branch,omitempty"`
	Children      []StepDoc              `yaml:"children,omitempty" json:"children,omitempty"`
	FailFast      bool                   `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`
}

// ParseDocument parses a YAML definition document
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domerr.ErrDefinitionInvalid.WithDetails(map[string]interface{}{
			"problems": []string{fmt.Sprintf("parse yaml: %v", err)},
		})
	}
	return &doc, nil
}

// NewDefinitionFromDocument validates a document and builds a definition.
// The slug is normalized before validation.
func NewDefinitionFromDocument(scope model.Scope, version model.Version, doc *Document) (*Definition, error) {
	steps, err := stepsFromDocs(doc.Steps)
	if err != nil {
		return nil, err
	}
	return NewDefinition(
		scope,
		NormalizeSlug(doc.Slug),
		version,
		statesFromStrings(doc.States),
		State(doc.Initial),
		statesFromStrings(doc.Terminals),
		transitionsFromDocs(doc.Transitions),
		steps,
		doc.Preconditions,
		doc.RequiredContext,
		doc.OptionalContext,
	)
}

// ReconstructDefinitionFromDocument rebuilds a definition from its stored
// document plus the row metadata. The document was validated at publish
// time and is trusted here.
func ReconstructDefinitionFromDocument(
	id model.DefinitionID,
	scope model.Scope,
	version model.Version,
	doc *Document,
	active bool,
	createdAt time.Time,
) (*Definition, error) {
	steps, err := stepsFromDocs(doc.Steps)
	if err != nil {
		return nil, err
	}
	return ReconstructDefinition(
		id,
		scope,
		doc.Slug,
		version,
		statesFromStrings(doc.States),
		State(doc.Initial),
		statesFromStrings(doc.Terminals),
		transitionsFromDocs(doc.Transitions),
		steps,
		doc.Preconditions,
		doc.RequiredContext,
		doc.OptionalContext,
		active,
		createdAt,
	), nil
}

// DocumentFromDefinition converts a definition back to its storage form
func DocumentFromDefinition(d *Definition) *Document {
	doc := &Document{
		Slug:            d.Slug(),
		Initial:         d.Initial().String(),
		Preconditions:   d.Preconditions(),
		RequiredContext: d.RequiredContext(),
		OptionalContext: d.OptionalContext(),
	}
	for _, s := range d.States() {
		doc.States = append(doc.States, s.String())
	}
	for _, s := range d.Terminals() {
		doc.Terminals = append(doc.Terminals, s.String())
	}
	for _, t := range d.Transitions() {
		doc.Transitions = append(doc.Transitions, TransitionDoc{
			From:    t.From.String(),
			To:      t.To.String(),
			Trigger: t.Trigger,
		})
	}
	for _, s := range d.Steps() {
		doc.Steps = append(doc.Steps, stepToDoc(s))
	}
	return doc
}

func statesFromStrings(in []string) []State {
	out := make([]State, 0, len(in))
	for _, s := range in {
		out = append(out, State(s))
	}
	return out
}

func transitionsFromDocs(in []TransitionDoc) []Transition {
	out := make([]Transition, 0, len(in))
	for _, t := range in {
		out = append(out, Transition{From: State(t.From), To: State(t.To), Trigger: t.Trigger})
	}
	return out
}

func stepsFromDocs(in []StepDoc) ([]StepSpec, error) {
	out := make([]StepSpec, 0, len(in))
	for _, d := range in {
		spec, err := stepFromDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func stepFromDoc(d StepDoc) (StepSpec, error) {
	spec := StepSpec{
		Slug:          d.Slug,
		Type:          model.StepType(d.Type),
		Entry:         State(d.Entry),
		OnSuccess:     State(d.OnSuccess),
		OnFailure:     State(d.OnFailure),
		MaxRetries:    d.MaxRetries,
		Config:        d.Config,
		DefaultBranch: State(d.DefaultBranch),
		FailFast:      d.FailFast,
	}
	if d.Timeout != "" {
		timeout, err := time.ParseDuration(d.Timeout)
		if err != nil {
			return StepSpec{}, domerr.ErrDefinitionInvalid.WithDetails(map[string]interface{}{
				"problems": []string{fmt.Sprintf("step %q has invalid timeout %q", d.Slug, d.Timeout)},
			})
		}
		spec.Timeout = timeout
	}
	for _, b := range d.Branches {
		spec.Branches = append(spec.Branches, Branch{
			Key:    b.Key,
			Op:     b.Op,
			Value:  b.Value,
			Target: State(b.Target),
		})
	}
	for _, child := range d.Children {
		childSpec, err := stepFromDoc(child)
		if err != nil {
			return StepSpec{}, err
		}
		spec.Children = append(spec.Children, childSpec)
	}
	return spec, nil
}

func stepToDoc(s StepSpec) StepDoc {
	doc := StepDoc{
		Slug:          s.Slug,
		Type:          s.Type.String(),
		Entry:         s.Entry.String(),
		OnSuccess:     s.OnSuccess.String(),
		OnFailure:     s.OnFailure.String(),
		MaxRetries:    s.MaxRetries,
		Config:        s.Config,
		DefaultBranch: s.DefaultBranch.String(),
		FailFast:      s.FailFast,
	}
	if s.Timeout > 0 {
		doc.Timeout = s.Timeout.String()
	}
	for _, b := range s.Branches {
		doc.Branches = append(doc.Branches, BranchDoc{
			Key:    b.Key,
			Op:     b.Op,
			Value:  b.Value,
			Target: b.Target.String(),
		})
	}
	for _, child := range s.Children {
		doc.Children = append(doc.Children, stepToDoc(child))
	}
	return doc
}
