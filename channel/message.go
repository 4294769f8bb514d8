package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/sicko7947/actionflow"
)

// Message types exchanged with end users
const (
	TypeWorkflowDraft        = "workflow_draft"
	TypeApprovalDecision     = "approval_decision"
	TypeStepExecution        = "step_execution"
	TypeWorkflowResult       = "workflow_result"
	TypeInterventionRequest  = "intervention_request"
	TypeInterventionResponse = "intervention_response"
	TypeError                = "error"
)

// Message is the envelope for every outbound and inbound frame
type Message struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with the current time
func NewMessage(msgType, sessionID string, payload any) *Message {
	return &Message{
		Type:      msgType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// DraftStep describes one step of a draft for review
type DraftStep struct {
	StepID          string                    `json:"stepId"`
	Category        actionflow.StepCategory   `json:"type"`
	Action          string                    `json:"action"`
	Description     string                    `json:"description"`
	RiskLevel       actionflow.RiskLevel      `json:"riskLevel"`
	EstimatedTime   string                    `json:"estimatedTime"`
	Dependencies    []string                  `json:"dependencies,omitempty"`
	ExpectedOutcome string                    `json:"expectedOutcome"`
	State           actionflow.StepState      `json:"state"`
	ApprovalStatus  actionflow.ApprovalStatus `json:"approvalStatus"`
	Params          map[string]any            `json:"params,omitempty"`
}

// DraftPayload is sent when a plan awaits approval
type DraftPayload struct {
	DraftID         string      `json:"draftId"`
	OriginalMessage string      `json:"originalMessage"`
	Summary         string      `json:"summary"`
	Steps           []DraftStep `json:"steps"`
	Risks           []string    `json:"risks,omitempty"`
}

// NewDraftPayload renders a draft for the wire
func NewDraftPayload(d *actionflow.WorkflowDraft) *DraftPayload {
	p := &DraftPayload{
		DraftID:         d.ID,
		OriginalMessage: d.OriginalMessage,
		Summary:         d.Summary,
		Risks:           d.Risks,
	}
	for _, s := range d.Steps {
		deps := append([]string(nil), s.DependsOn...)
		for _, req := range s.Requires {
			deps = append(deps, req.StepID)
		}
		p.Steps = append(p.Steps, DraftStep{
			StepID:          s.ID,
			Category:        s.Category,
			Action:          s.Action,
			Description:     s.Description,
			RiskLevel:       s.RiskLevel,
			EstimatedTime:   s.EstimatedTime,
			Dependencies:    deps,
			ExpectedOutcome: s.ExpectedOutcome,
			State:           s.State,
			ApprovalStatus:  s.ApprovalStatus,
			Params:          s.Params,
		})
	}
	return p
}

// DecisionPayload carries one approval decision from the user
type DecisionPayload struct {
	Action        string         `json:"action"`
	StepID        string         `json:"stepId,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// StepExecutionPayload reports progress of one step
type StepExecutionPayload struct {
	StepID   string               `json:"stepId"`
	Status   actionflow.StepState `json:"status"`
	Message  string               `json:"message,omitempty"`
	Result   any                  `json:"result,omitempty"`
	NextStep string               `json:"nextStep,omitempty"`
}

// WorkflowResultPayload reports the outcome of a whole run
type WorkflowResultPayload struct {
	Success bool                     `json:"success"`
	Status  actionflow.PlanState     `json:"status"`
	Summary string                   `json:"summary"`
	Results []*actionflow.StepResult `json:"results,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// InterventionPayload asks the user for a value to continue
type InterventionPayload struct {
	StepID         string   `json:"stepId"`
	Prompt         string   `json:"prompt"`
	Reason         string   `json:"reason,omitempty"`
	Options        []string `json:"options,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

// RenderText flattens a message into plain text for SMS delivery
func RenderText(msg *Message) string {
	switch p := msg.Payload.(type) {
	case *InterventionPayload:
		if len(p.Options) == 0 {
			return p.Prompt
		}
		var b strings.Builder
		b.WriteString(p.Prompt)
		for i, opt := range p.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
		}
		return b.String()
	case *DraftPayload:
		var b strings.Builder
		b.WriteString(p.Summary)
		for i, s := range p.Steps {
			fmt.Fprintf(&b, "\n%d. %s [%s]", i+1, s.Description, s.RiskLevel)
		}
		b.WriteString("\nReply YES to approve all or NO to cancel.")
		return b.String()
	case *StepExecutionPayload:
		if p.Message != "" {
			return p.Message
		}
		return fmt.Sprintf("Step %s: %s", p.StepID, p.Status)
	case *WorkflowResultPayload:
		if p.Error != "" {
			return fmt.Sprintf("%s (failed: %s)", p.Summary, p.Error)
		}
		return p.Summary
	case string:
		return p
	}
	return msg.Type
}
