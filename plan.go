package actionflow

import "fmt"

// StepByID returns the plan step with the given id
func (p *ActionPlan) StepByID(stepID string) (*ActionStep, error) {
	for _, s := range p.Steps {
		if s.ID == stepID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("step %s not found in plan", stepID)
}

// IndexOf returns the position of a step, or -1
func (p *ActionPlan) IndexOf(stepID string) int {
	for i, s := range p.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// StepIDs returns step ids in plan order
func (p *ActionPlan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Clone creates a deep copy of the plan
func (p *ActionPlan) Clone() *ActionPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]*ActionStep, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s.Clone()
	}
	return &c
}

// Validate checks identity and reference rules and the dependency chain
func (p *ActionPlan) Validate() error {
	if len(p.Steps) == 0 {
		return NewWorkflowError(ErrCodeValidation, "plan has no steps")
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return NewWorkflowError(ErrCodeValidation, "step id is required")
		}
		if ids[s.ID] {
			return NewWorkflowErrorWithStep(ErrCodeValidation, "duplicate step id", s.ID)
		}
		ids[s.ID] = true
		if s.Action == "" {
			return NewWorkflowErrorWithStep(ErrCodeValidation, "step action is required", s.ID)
		}
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return NewWorkflowErrorWithStep(ErrCodeValidation, fmt.Sprintf("depends on unknown step %s", dep), s.ID)
			}
		}
		for _, req := range s.Requires {
			if !ids[req.StepID] {
				return NewWorkflowErrorWithStep(ErrCodeValidation, fmt.Sprintf("requires unknown step %s", req.StepID), s.ID)
			}
		}
	}

	if v := ValidateDependencyChain(p.Steps); !v.Valid {
		return NewWorkflowError(ErrCodeCircularDependency, "plan contains circular dependencies").
			WithDetails(map[string]any{"circularDependencies": v.CircularDependencies})
	}
	return nil
}

// NextRunnableIndex scans forward from start for the first non-completed step
// whose dependsOn are all completed, using results as the completion source.
// Returns len(Steps) when nothing is left to run.
func (p *ActionPlan) NextRunnableIndex(start int, results map[string]*StepResult) int {
	if start < 0 {
		start = 0
	}
	for i := start; i < len(p.Steps); i++ {
		step := p.Steps[i]
		if r, ok := results[step.ID]; ok && r.State == StepStateCompleted {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if r, ok := results[dep]; !ok || r.State != StepStateCompleted {
				ready = false
				break
			}
		}
		if ready {
			return i
		}
	}
	return len(p.Steps)
}
