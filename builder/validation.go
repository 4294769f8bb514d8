package builder

import (
	"fmt"

	"github.com/sicko7947/actionflow"
)

var knownCategories = map[actionflow.StepCategory]bool{
	actionflow.CategoryCalendar:   true,
	actionflow.CategoryEmail:      true,
	actionflow.CategoryTask:       true,
	actionflow.CategoryContact:    true,
	actionflow.CategoryAutomation: true,
	actionflow.CategorySystem:     true,
	actionflow.CategoryAnalysis:   true,
}

// ValidatePlan performs comprehensive validation on a plan
func ValidatePlan(plan *actionflow.ActionPlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if err := ValidateCategories(plan); err != nil {
		return err
	}
	return ValidateOrder(plan)
}

// ValidateCategories checks every step names a known category
func ValidateCategories(plan *actionflow.ActionPlan) error {
	for _, s := range plan.Steps {
		if !knownCategories[s.Category] {
			return actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation,
				fmt.Sprintf("unknown step category %q", s.Category), s.ID)
		}
	}
	return nil
}

// ValidateOrder checks that every prerequisite is listed before its
// dependent. Steps run strictly in plan order, so a forward reference can
// never be satisfied.
func ValidateOrder(plan *actionflow.ActionPlan) error {
	seen := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		for _, id := range prerequisites(s) {
			if !seen[id] {
				return actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation,
					fmt.Sprintf("depends on step %s which is listed after it", id), s.ID)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

// Normalize validates a plan and reorders its steps so prerequisites come
// first. Steps keep their relative order whenever the dependencies allow it.
func Normalize(plan *actionflow.ActionPlan) (*actionflow.ActionPlan, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateCategories(plan); err != nil {
		return nil, err
	}

	out := plan.Clone()
	out.Steps = make([]*actionflow.ActionStep, 0, len(plan.Steps))
	placed := make(map[string]bool, len(plan.Steps))
	remaining := plan.Clone().Steps

	for len(remaining) > 0 {
		progressed := false
		for i, s := range remaining {
			if !allPlaced(prerequisites(s), placed) {
				continue
			}
			out.Steps = append(out.Steps, s)
			placed[s.ID] = true
			remaining = append(remaining[:i], remaining[i+1:]...)
			progressed = true
			break
		}
		if !progressed {
			// unreachable once Validate has rejected cycles
			return nil, actionflow.NewWorkflowError(actionflow.ErrCodeCircularDependency, "plan contains circular dependencies")
		}
	}
	return out, nil
}

func prerequisites(s *actionflow.ActionStep) []string {
	ids := append([]string(nil), s.DependsOn...)
	for _, req := range s.Requires {
		ids = append(ids, req.StepID)
	}
	return ids
}

func allPlaced(ids []string, placed map[string]bool) bool {
	for _, id := range ids {
		if !placed[id] {
			return false
		}
	}
	return true
}
