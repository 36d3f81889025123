// Package journey holds the immutable, versioned journey definition model.
// A definition is validated once at publish time and trusted thereafter.
package journey

import (
	"fmt"
	"time"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
)

// State is a named node in the journey graph
type State string

// String returns the string representation
func (s State) String() string {
	return string(s)
}

// Transition is a declared edge in the journey graph.
// The trigger name is descriptive metadata; edges are matched on (From, To).
type Transition struct {
	From    State
	To      State
	Trigger string
}

// Branch is one predicate arm of a conditional step
type Branch struct {
	Key    string
	Op     string // eq, ne, gt, lt, gte, lte, exists
	Value  interface{}
	Target State
}

// StepSpec declares one unit of work within a journey
type StepSpec struct {
	Slug       string
	Type       model.StepType
	Entry      State // state in which this step runs
	OnSuccess  State // target state after successful completion
	OnFailure  State // optional declared failure target; empty means halt in failed
	MaxRetries int
	Timeout    time.Duration
	Config     map[string]interface{}

	// Conditional steps
	Branches      []Branch
	DefaultBranch State

	// Parallel steps
	Children []StepSpec
	FailFast bool
}

// Definition is an immutable published journey definition.
// An instance binds to the exact definition version active at creation.
type Definition struct {
	id              model.DefinitionID
	scope           model.Scope
	slug            string
	version         model.Version
	states          []State
	stateSet        map[State]struct{}
	initial         State
	terminals       map[State]struct{}
	transitions     []Transition
	adjacency       map[State]map[State]Transition
	steps           []StepSpec
	stepIndexByEntry map[State]int
	preconditions   []string
	requiredContext []string
	optionalContext []string
	active          bool
	createdAt       time.Time
}

// NewDefinition creates and validates a new definition.
// Validation failures are reported as DefinitionInvalid with per-problem details.
func NewDefinition(
	scope model.Scope,
	slug string,
	version model.Version,
	states []State,
	initial State,
	terminals []State,
	transitions []Transition,
	steps []StepSpec,
	preconditions []string,
	requiredContext []string,
	optionalContext []string,
) (*Definition, error) {
	d := &Definition{
		id:              model.NewDefinitionID(),
		scope:           scope,
		slug:            slug,
		version:         version,
		states:          states,
		initial:         initial,
		transitions:     transitions,
		steps:           steps,
		preconditions:   preconditions,
		requiredContext: requiredContext,
		optionalContext: optionalContext,
		active:          true,
		createdAt:       time.Now().UTC(),
	}
	d.index(terminals)

	if problems := d.validate(); len(problems) > 0 {
		return nil, domerr.ErrDefinitionInvalid.WithDetails(map[string]interface{}{
			"slug":     slug,
			"problems": problems,
		})
	}
	return d, nil
}

// ReconstructDefinition reconstructs a definition from persisted data.
// The stored form was validated at publish time and is trusted here.
func ReconstructDefinition(
	id model.DefinitionID,
	scope model.Scope,
	slug string,
	version model.Version,
	states []State,
	initial State,
	terminals []State,
	transitions []Transition,
	steps []StepSpec,
	preconditions []string,
	requiredContext []string,
	optionalContext []string,
	active bool,
	createdAt time.Time,
) *Definition {
	d := &Definition{
		id:              id,
		scope:           scope,
		slug:            slug,
		version:         version,
		states:          states,
		initial:         initial,
		transitions:     transitions,
		steps:           steps,
		preconditions:   preconditions,
		requiredContext: requiredContext,
		optionalContext: optionalContext,
		active:          active,
		createdAt:       createdAt,
	}
	d.index(terminals)
	return d
}

// index builds the derived lookup structures (state set, adjacency, step index)
func (d *Definition) index(terminals []State) {
	d.stateSet = make(map[State]struct{}, len(d.states))
	for _, s := range d.states {
		d.stateSet[s] = struct{}{}
	}

	d.terminals = make(map[State]struct{}, len(terminals))
	for _, s := range terminals {
		d.terminals[s] = struct{}{}
	}

	d.adjacency = make(map[State]map[State]Transition)
	for _, t := range d.transitions {
		if d.adjacency[t.From] == nil {
			d.adjacency[t.From] = make(map[State]Transition)
		}
		d.adjacency[t.From][t.To] = t
	}

	d.stepIndexByEntry = make(map[State]int, len(d.steps))
	for i, step := range d.steps {
		if step.Entry != "" {
			if _, exists := d.stepIndexByEntry[step.Entry]; !exists {
				d.stepIndexByEntry[step.Entry] = i
			}
		}
	}
}

// validate returns a list of human-readable problems; empty means valid
func (d *Definition) validate() []string {
	var problems []string

	if d.slug == "" {
		problems = append(problems, "slug is required")
	}
	if len(d.states) == 0 {
		problems = append(problems, "at least one state is required")
	}
	if _, ok := d.stateSet[d.initial]; !ok {
		problems = append(problems, fmt.Sprintf("initial state %q is not a declared state", d.initial))
	}
	if len(d.terminals) == 0 {
		problems = append(problems, "at least one terminal state is required")
	}
	for s := range d.terminals {
		if _, ok := d.stateSet[s]; !ok {
			problems = append(problems, fmt.Sprintf("terminal state %q is not a declared state", s))
		}
	}

	for _, t := range d.transitions {
		if _, ok := d.stateSet[t.From]; !ok {
			problems = append(problems, fmt.Sprintf("transition references unknown state %q", t.From))
		}
		if _, ok := d.stateSet[t.To]; !ok {
			problems = append(problems, fmt.Sprintf("transition references unknown state %q", t.To))
		}
	}

	seen := make(map[string]struct{}, len(d.steps))
	for _, step := range d.steps {
		problems = append(problems, d.validateStep(step, seen, true)...)
	}

	return problems
}

// validateStep checks one step spec; children of parallel steps recurse with topLevel=false
func (d *Definition) validateStep(step StepSpec, seen map[string]struct{}, topLevel bool) []string {
	var problems []string

	if step.Slug == "" {
		problems = append(problems, "step slug is required")
	} else if _, dup := seen[step.Slug]; dup {
		problems = append(problems, fmt.Sprintf("duplicate step slug %q", step.Slug))
	} else {
		seen[step.Slug] = struct{}{}
	}

	if !step.Type.IsValid() {
		problems = append(problems, fmt.Sprintf("step %q has unknown type %q", step.Slug, step.Type))
	}
	if step.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("step %q has negative max_retries", step.Slug))
	}

	checkState := func(field string, s State) {
		if s == "" {
			return
		}
		if _, ok := d.stateSet[s]; !ok {
			problems = append(problems, fmt.Sprintf("step %q %s references unknown state %q", step.Slug, field, s))
		}
	}
	checkState("entry", step.Entry)
	checkState("on_success", step.OnSuccess)
	checkState("on_failure", step.OnFailure)

	switch step.Type {
	case model.StepTypeConditional:
		if len(step.Branches) == 0 && step.DefaultBranch == "" {
			problems = append(problems, fmt.Sprintf("conditional step %q declares no branches", step.Slug))
		}
		for _, b := range step.Branches {
			checkState("branch", b.Target)
		}
		checkState("default_branch", step.DefaultBranch)
	case model.StepTypeParallel:
		if len(step.Children) == 0 {
			problems = append(problems, fmt.Sprintf("parallel step %q declares no children", step.Slug))
		}
		for _, child := range step.Children {
			if child.Type == model.StepTypeParallel {
				problems = append(problems, fmt.Sprintf("parallel step %q nests another parallel step", step.Slug))
				continue
			}
			problems = append(problems, d.validateStep(child, seen, false)...)
		}
	}

	if topLevel && step.OnSuccess == "" && step.Type != model.StepTypeConditional {
		problems = append(problems, fmt.Sprintf("step %q declares no on_success target", step.Slug))
	}

	return problems
}

// FindTransition looks up the declared edge between two states.
// Matching is by (from, to) pair; the trigger name plays no part in validity.
func (d *Definition) FindTransition(from, to State) (Transition, bool) {
	targets, ok := d.adjacency[from]
	if !ok {
		return Transition{}, false
	}
	t, ok := targets[to]
	return t, ok
}

// StepIndexForState returns the index of the first step entered in the given state
func (d *Definition) StepIndexForState(s State) (int, bool) {
	i, ok := d.stepIndexByEntry[s]
	return i, ok
}

// HasState reports whether the state is declared
func (d *Definition) HasState(s State) bool {
	_, ok := d.stateSet[s]
	return ok
}

// IsTerminal reports whether the state is terminal
func (d *Definition) IsTerminal(s State) bool {
	_, ok := d.terminals[s]
	return ok
}

// MissingRequiredContext returns the required context keys absent from ctx
func (d *Definition) MissingRequiredContext(ctx map[string]interface{}) []string {
	var missing []string
	for _, key := range d.requiredContext {
		if _, ok := ctx[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Getters
func (d *Definition) ID() model.DefinitionID    { return d.id }
func (d *Definition) Scope() model.Scope        { return d.scope }
func (d *Definition) Slug() string              { return d.slug }
func (d *Definition) Version() model.Version    { return d.version }
func (d *Definition) States() []State           { return d.states }
func (d *Definition) Initial() State            { return d.initial }
func (d *Definition) Transitions() []Transition { return d.transitions }
func (d *Definition) Steps() []StepSpec         { return d.steps }
func (d *Definition) StepCount() int            { return len(d.steps) }
func (d *Definition) Preconditions() []string   { return d.preconditions }
func (d *Definition) RequiredContext() []string { return d.requiredContext }
func (d *Definition) OptionalContext() []string { return d.optionalContext }
func (d *Definition) IsActive() bool            { return d.active }
func (d *Definition) CreatedAt() time.Time      { return d.createdAt }

// Terminals returns the terminal states in declaration order
func (d *Definition) Terminals() []State {
	var out []State
	for _, s := range d.states {
		if _, ok := d.terminals[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Deactivate marks this version inactive so Get(slug) no longer returns it.
// The definition content itself is never mutated.
func (d *Definition) Deactivate() {
	d.active = false
}
