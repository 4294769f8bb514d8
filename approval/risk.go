package approval

import (
	"fmt"
	"strings"

	"github.com/sicko7947/actionflow"
)

type riskRule struct {
	prefix string
	exact  bool
	level  actionflow.RiskLevel
}

// Evaluated in order; the first match wins.
var riskRules = []riskRule{
	{prefix: "send", level: actionflow.RiskHigh},
	{prefix: "create_event", exact: true, level: actionflow.RiskHigh},
	{prefix: "create_task", exact: true, level: actionflow.RiskMedium},
	{prefix: "create_draft", exact: true, level: actionflow.RiskMedium},
	{prefix: "create_contact", exact: true, level: actionflow.RiskMedium},
}

// AssessRisk maps an action name onto its approval risk level
func AssessRisk(action string) actionflow.RiskLevel {
	a := strings.ToLower(action)
	for _, r := range riskRules {
		if r.exact && a == r.prefix {
			return r.level
		}
		if !r.exact && strings.HasPrefix(a, r.prefix) {
			return r.level
		}
	}
	return actionflow.RiskLow
}

var estimatedTimes = map[actionflow.StepCategory]string{
	actionflow.CategoryCalendar:   "~5 seconds",
	actionflow.CategoryEmail:      "~3 seconds",
	actionflow.CategoryTask:       "~2 seconds",
	actionflow.CategoryContact:    "~2 seconds",
	actionflow.CategoryAutomation: "~10 seconds",
	actionflow.CategoryAnalysis:   "~1 second",
	actionflow.CategorySystem:     "until you reply",
}

// EstimateTime gives a rough duration for a step
func EstimateTime(step *actionflow.ActionStep) string {
	if t, ok := estimatedTimes[step.Category]; ok {
		return t
	}
	return "~5 seconds"
}

// ExpectedOutcome describes in plain language what a step will do
func ExpectedOutcome(step *actionflow.ActionStep) string {
	param := func(key string) string {
		if v, ok := step.Params[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}

	switch step.Action {
	case "send_email":
		if to := param("to"); to != "" {
			return fmt.Sprintf("An email will be sent to %s", to)
		}
		return "An email will be sent"
	case "create_event":
		if title := param("title"); title != "" {
			return fmt.Sprintf("A calendar event %q will be created", title)
		}
		return "A calendar event will be created"
	case "create_task":
		if title := param("title"); title != "" {
			return fmt.Sprintf("A task %q will be added to your list", title)
		}
		return "A task will be added to your list"
	case "create_draft":
		return "An email draft will be saved, nothing is sent"
	case "create_contact":
		return "A contact will be added to your address book"
	case "list_events", "list_tasks", "search_email":
		return "Nothing changes; results are read for later steps"
	}

	if step.Description != "" {
		return step.Description
	}
	return fmt.Sprintf("Runs %s", step.Action)
}

// risks lists the steps that warrant a second look
func risks(steps []*actionflow.ApprovalStep) []string {
	var out []string
	for _, s := range steps {
		if s.RiskLevel == actionflow.RiskLow {
			continue
		}
		out = append(out, fmt.Sprintf("%s (%s) is %s risk", s.ID, s.Action, strings.ToLower(string(s.RiskLevel))))
	}
	return out
}
