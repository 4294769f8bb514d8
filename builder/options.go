package builder

import "github.com/sicko7947/actionflow"

// StepOption is a functional option for configuring plan steps
type StepOption func(*actionflow.ActionStep)

// WithDescription sets the step description
func WithDescription(description string) StepOption {
	return func(s *actionflow.ActionStep) {
		s.Description = description
	}
}

// WithParams merges params into the step params
func WithParams(params map[string]any) StepOption {
	return func(s *actionflow.ActionStep) {
		if s.Params == nil {
			s.Params = make(map[string]any, len(params))
		}
		for k, v := range params {
			s.Params[k] = v
		}
	}
}

// WithParam sets a single param
func WithParam(key string, value any) StepOption {
	return WithParams(map[string]any{key: value})
}

// WithDependsOn adds ordering dependencies
func WithDependsOn(stepIDs ...string) StepOption {
	return func(s *actionflow.ActionStep) {
		s.DependsOn = appendMissing(s.DependsOn, stepIDs...)
	}
}

// WithRequires adds a data dependency on field of stepID's result
func WithRequires(stepID, field string) StepOption {
	return func(s *actionflow.ActionStep) {
		s.Requires = append(s.Requires, actionflow.Requirement{StepID: stepID, Field: field})
	}
}

// ApplyOptions applies a list of options to a step
func ApplyOptions(s *actionflow.ActionStep, opts ...StepOption) {
	for _, opt := range opts {
		opt(s)
	}
}
