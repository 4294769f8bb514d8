package builder

import (
	"fmt"

	"github.com/sicko7947/actionflow"
)

// PlanBuilder provides a fluent API for building action plans
type PlanBuilder struct {
	plan        *actionflow.ActionPlan
	lastStepIDs []string
	ids         map[string]bool
	err         error
}

// NewPlan creates a builder for the plan answering originalMessage
func NewPlan(originalMessage string) *PlanBuilder {
	return &PlanBuilder{
		plan: &actionflow.ActionPlan{
			OriginalMessage: originalMessage,
			State:           actionflow.PlanStatePending,
		},
		ids: make(map[string]bool),
	}
}

// Summary sets the plan summary
func (b *PlanBuilder) Summary(summary string) *PlanBuilder {
	b.plan.Summary = summary
	return b
}

// Step adds a step with no implicit dependencies
func (b *PlanBuilder) Step(id string, category actionflow.StepCategory, action string, opts ...StepOption) *PlanBuilder {
	if b.add(newStep(id, category, action, opts)) {
		b.lastStepIDs = []string{id}
	}
	return b
}

// Then adds a step that depends on the last added step(s)
func (b *PlanBuilder) Then(id string, category actionflow.StepCategory, action string, opts ...StepOption) *PlanBuilder {
	step := newStep(id, category, action, opts)
	step.DependsOn = appendMissing(step.DependsOn, b.lastStepIDs...)
	if b.add(step) {
		b.lastStepIDs = []string{id}
	}
	return b
}

// Parallel adds steps that each depend on the last added step(s) but not
// on one another. The engine still runs them one at a time in plan order.
func (b *PlanBuilder) Parallel(steps ...*actionflow.ActionStep) *PlanBuilder {
	var newLastIDs []string
	for _, s := range steps {
		step := s.Clone()
		step.DependsOn = appendMissing(step.DependsOn, b.lastStepIDs...)
		if step.State == "" {
			step.State = actionflow.StepStatePending
		}
		if b.add(step) {
			newLastIDs = append(newLastIDs, step.ID)
		}
	}
	b.lastStepIDs = newLastIDs
	return b
}

// DependsOn adds ordering dependencies to the last added step
func (b *PlanBuilder) DependsOn(stepIDs ...string) *PlanBuilder {
	if step := b.last("DependsOn"); step != nil {
		step.DependsOn = appendMissing(step.DependsOn, stepIDs...)
	}
	return b
}

// Requires makes the last added step consume field from stepID's result
func (b *PlanBuilder) Requires(stepID, field string) *PlanBuilder {
	if step := b.last("Requires"); step != nil {
		step.Requires = append(step.Requires, actionflow.Requirement{StepID: stepID, Field: field})
	}
	return b
}

// Params merges params into the last added step
func (b *PlanBuilder) Params(params map[string]any) *PlanBuilder {
	if step := b.last("Params"); step != nil {
		WithParams(params)(step)
	}
	return b
}

// Build finalizes and validates the plan
func (b *PlanBuilder) Build() (*actionflow.ActionPlan, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := ValidatePlan(b.plan); err != nil {
		return nil, err
	}
	return b.plan.Clone(), nil
}

// MustBuild finalizes and validates the plan, panics on error
func (b *PlanBuilder) MustBuild() *actionflow.ActionPlan {
	plan, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build plan: %v", err))
	}
	return plan
}

func (b *PlanBuilder) add(step *actionflow.ActionStep) bool {
	if b.err != nil {
		return false
	}
	if step.ID == "" {
		b.err = actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "step id is required")
		return false
	}
	if b.ids[step.ID] {
		b.err = actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation, "duplicate step id", step.ID)
		return false
	}
	b.ids[step.ID] = true
	b.plan.Steps = append(b.plan.Steps, step)
	return true
}

func (b *PlanBuilder) last(method string) *actionflow.ActionStep {
	if b.err != nil {
		return nil
	}
	if len(b.plan.Steps) == 0 {
		b.err = actionflow.NewWorkflowError(actionflow.ErrCodeValidation, method+" called before any step was added")
		return nil
	}
	return b.plan.Steps[len(b.plan.Steps)-1]
}

func newStep(id string, category actionflow.StepCategory, action string, opts []StepOption) *actionflow.ActionStep {
	step := &actionflow.ActionStep{
		ID:       id,
		Category: category,
		Action:   action,
		State:    actionflow.StepStatePending,
	}
	for _, opt := range opts {
		opt(step)
	}
	return step
}

func appendMissing(list []string, ids ...string) []string {
	for _, id := range ids {
		found := false
		for _, existing := range list {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			list = append(list, id)
		}
	}
	return list
}
