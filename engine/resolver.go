package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/sicko7947/actionflow"
)

// Resolution is the outcome of gating a step on its dependencies
type Resolution struct {
	Success       bool
	Error         string
	UpdatedParams map[string]any
}

var getpathCode = mustCompileGetpath()

func mustCompileGetpath() *gojq.Code {
	query, err := gojq.Parse("getpath($path)")
	if err != nil {
		panic(err)
	}
	code, err := gojq.Compile(query,
		gojq.WithVariables([]string{"$path"}),
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		panic(err)
	}
	return code
}

// ResolveDependencies checks requires first, then dependsOn, against the
// COMPLETED results recorded in ec. On success UpdatedParams holds the step
// params merged with every extracted requires field, keyed by field name.
// The result depends only on the step and the recorded results.
func ResolveDependencies(step *actionflow.ActionStep, ec *actionflow.ExecutionContext) *Resolution {
	params := make(map[string]any, len(step.Params)+len(step.Requires))
	for k, v := range step.Params {
		params[k] = v
	}

	for _, req := range step.Requires {
		result, ok := ec.CompletedResult(req.StepID)
		if !ok {
			return &Resolution{Error: fmt.Sprintf("required step %s has not completed", req.StepID)}
		}
		if req.Field == "" {
			continue
		}
		value, ok := ExtractField(result, req.Field)
		if !ok {
			return &Resolution{Error: fmt.Sprintf("field %q not found in result of step %s", req.Field, req.StepID)}
		}
		params[fieldKey(req.Field)] = value
	}

	for _, dep := range step.DependsOn {
		if _, ok := ec.CompletedResult(dep); !ok {
			state := "not run"
			if r, found := ec.Result(dep); found {
				state = string(r.State)
			}
			return &Resolution{Error: fmt.Sprintf("dependency %s is %s", dep, state)}
		}
	}

	return &Resolution{Success: true, UpdatedParams: params}
}

// fieldKey names the merged param for a dot-path field by its last segment
func fieldKey(field string) string {
	if i := strings.LastIndex(field, "."); i >= 0 {
		return field[i+1:]
	}
	return field
}

// ExtractField reads a named field from a step result.
//
// Precedence:
//  1. a top-level key of the result data
//  2. a property of the result itself (stepId, message, state, ...)
//  3. a dot path into the data, numeric segments indexing arrays ("events.0.id")
//
// A nil value counts as absent.
func ExtractField(result *actionflow.StepResult, field string) (any, bool) {
	if result == nil || field == "" {
		return nil, false
	}

	data, _ := actionflow.NormalizeJSON(result.Data)
	if m, ok := data.(map[string]any); ok {
		if v, found := m[field]; found && v != nil {
			return v, true
		}
	}

	if props, err := actionflow.NormalizeJSON(result); err == nil {
		if m, ok := props.(map[string]any); ok && field != "data" {
			if v, found := m[field]; found && v != nil {
				return v, true
			}
		}
	}

	if data == nil || !strings.Contains(field, ".") {
		return nil, false
	}
	return getPath(data, field)
}

func getPath(data any, field string) (any, bool) {
	segments := strings.Split(field, ".")
	path := make([]any, len(segments))
	for i, seg := range segments {
		if n, err := strconv.Atoi(seg); err == nil {
			path[i] = n
		} else {
			path[i] = seg
		}
	}

	iter := getpathCode.Run(data, path)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if _, isErr := v.(error); isErr || v == nil {
		return nil, false
	}
	return v, true
}
