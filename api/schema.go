package api

import (
	"bytes"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sicko7947/actionflow"
)

const planRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["userId", "plan"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "userId": {"type": "string", "minLength": 1},
    "channel": {"enum": ["websocket", "sms"]},
    "phoneNumber": {"type": "string"},
    "requireApproval": {"type": "boolean"},
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "value"],
        "properties": {
          "type": {"enum": ["PERSON", "EMAIL", "DATE", "LOCATION"]},
          "value": {"type": "string"},
          "ambiguous": {"type": "boolean"},
          "candidates": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "plan": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "originalMessage": {"type": "string"},
        "summary": {"type": "string"},
        "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/step"}}
      }
    }
  },
  "if": {"properties": {"channel": {"const": "sms"}}, "required": ["channel"]},
  "then": {"required": ["phoneNumber"]},
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type", "action"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"enum": ["calendar", "email", "task", "contact", "automation", "system", "analysis"]},
        "action": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "params": {"type": "object"},
        "dependsOn": {"type": "array", "items": {"type": "string"}},
        "requires": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["stepId"],
            "properties": {
              "stepId": {"type": "string", "minLength": 1},
              "field": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"enum": ["approve_all", "approve_step", "reject_step", "modify_step", "cancel_all"]},
    "stepId": {"type": "string", "minLength": 1},
    "modifications": {"type": "object"},
    "reason": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"action": {"enum": ["approve_step", "reject_step", "modify_step"]}}},
      "then": {"required": ["stepId"]}
    },
    {
      "if": {"properties": {"action": {"const": "modify_step"}}},
      "then": {"required": ["modifications"], "properties": {"modifications": {"minProperties": 1}}}
    }
  ]
}`

const answerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["value"],
  "properties": {
    "value": {"type": "string", "minLength": 1}
  }
}`

// Validator checks request bodies against the API's JSON schemas.
// Compiled schemas are immutable and safe for concurrent use.
type Validator struct {
	plan     *jsonschema.Schema
	decision *jsonschema.Schema
	answer   *jsonschema.Schema
}

// NewValidator compiles the request schemas
func NewValidator() (*Validator, error) {
	plan, err := compileSchema("actionflow://schemas/plan-request.json", planRequestSchemaJSON)
	if err != nil {
		return nil, err
	}
	decision, err := compileSchema("actionflow://schemas/decision.json", decisionSchemaJSON)
	if err != nil {
		return nil, err
	}
	answer, err := compileSchema("actionflow://schemas/answer.json", answerSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &Validator{plan: plan, decision: decision, answer: answer}, nil
}

func compileSchema(url, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return s, nil
}

// ValidatePlanRequest checks a plan submission body
func (v *Validator) ValidatePlanRequest(body []byte) error {
	return validate(v.plan, body)
}

// ValidateDecision checks an approval decision body
func (v *Validator) ValidateDecision(body []byte) error {
	return validate(v.decision, body)
}

// ValidateAnswer checks an intervention answer body
func (v *Validator) ValidateAnswer(body []byte) error {
	return validate(v.answer, body)
}

func validate(s *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "request body is not valid JSON").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toWorkflowError(err)
	}
	return nil
}

func toWorkflowError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, verr.Error())
	case 1:
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, fmt.Sprintf("request failed %d schema checks", len(violations))).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
