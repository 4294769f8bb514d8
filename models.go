package actionflow

import (
	"encoding/json"
	"strings"
	"time"
)

// StepState represents the current state of a single plan step
type StepState string

const (
	StepStatePending             StepState = "PENDING"
	StepStateRunning             StepState = "RUNNING"
	StepStateCompleted           StepState = "COMPLETED"
	StepStateFailed              StepState = "FAILED"
	StepStateWaitingIntervention StepState = "WAITING_INTERVENTION"
	StepStateTimeout             StepState = "TIMEOUT"
	StepStateSkipped             StepState = "SKIPPED"
)

// IsTerminal returns true if the state is a final state
func (s StepState) IsTerminal() bool {
	return s == StepStateCompleted || s == StepStateFailed || s == StepStateTimeout || s == StepStateSkipped
}

// String returns the string representation
func (s StepState) String() string {
	return string(s)
}

// PlanState represents the state of a whole plan run
type PlanState string

const (
	PlanStatePending             PlanState = "PENDING"
	PlanStateRunning             PlanState = "RUNNING"
	PlanStateWaitingIntervention PlanState = "WAITING_INTERVENTION"
	PlanStateCompleted           PlanState = "COMPLETED"
	PlanStateFailed              PlanState = "FAILED"
	PlanStateCancelled           PlanState = "CANCELLED"
)

// IsTerminal returns true if the state is a final state
func (s PlanState) IsTerminal() bool {
	return s == PlanStateCompleted || s == PlanStateFailed || s == PlanStateCancelled
}

// String returns the string representation
func (s PlanState) String() string {
	return string(s)
}

// StepCategory selects the executor responsible for a step
type StepCategory string

const (
	CategoryCalendar   StepCategory = "calendar"
	CategoryEmail      StepCategory = "email"
	CategoryTask       StepCategory = "task"
	CategoryContact    StepCategory = "contact"
	CategoryAutomation StepCategory = "automation"
	CategorySystem     StepCategory = "system"
	CategoryAnalysis   StepCategory = "analysis"
)

// IsDataMutating reports whether steps of this category call an external provider
func (c StepCategory) IsDataMutating() bool {
	switch c {
	case CategoryCalendar, CategoryEmail, CategoryTask, CategoryContact, CategoryAutomation:
		return true
	}
	return false
}

// ChannelType identifies how the user is reached during a run
type ChannelType string

const (
	ChannelWebSocket ChannelType = "websocket"
	ChannelSMS       ChannelType = "sms"
)

// Requirement declares that a step needs a completed dependency and,
// optionally, a named field from its result.
type Requirement struct {
	StepID string `json:"stepId" dynamodbav:"step_id"`
	Field  string `json:"field,omitempty" dynamodbav:"field,omitempty"`
}

// ActionStep is one unit of work inside a plan
type ActionStep struct {
	ID          string         `json:"id" dynamodbav:"id"`
	Category    StepCategory   `json:"type" dynamodbav:"type"`
	Action      string         `json:"action" dynamodbav:"action"`
	Description string         `json:"description,omitempty" dynamodbav:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty" dynamodbav:"params,omitempty"`
	DependsOn   []string       `json:"dependsOn,omitempty" dynamodbav:"depends_on,omitempty"`
	Requires    []Requirement  `json:"requires,omitempty" dynamodbav:"requires,omitempty"`
	State       StepState      `json:"state" dynamodbav:"state"`
}

// Clone returns a copy of the step with its own params map and dependency slices
func (s *ActionStep) Clone() *ActionStep {
	if s == nil {
		return nil
	}
	c := *s
	c.Params = cloneParams(s.Params)
	c.DependsOn = append([]string(nil), s.DependsOn...)
	c.Requires = append([]Requirement(nil), s.Requires...)
	return &c
}

// ActionPlan is the ordered sequence of steps produced by the upstream planner
type ActionPlan struct {
	Steps            []*ActionStep `json:"steps" dynamodbav:"steps"`
	OriginalMessage  string        `json:"originalMessage" dynamodbav:"original_message"`
	Summary          string        `json:"summary" dynamodbav:"summary"`
	State            PlanState     `json:"state" dynamodbav:"state"`
	CurrentStepIndex int           `json:"currentStepIndex" dynamodbav:"current_step_index"`
}

// StepResult is the recorded outcome of one step execution
type StepResult struct {
	StepID    string    `json:"stepId" dynamodbav:"step_id"`
	Success   bool      `json:"success" dynamodbav:"success"`
	Data      any       `json:"data,omitempty" dynamodbav:"data,omitempty"`
	Message   string    `json:"message,omitempty" dynamodbav:"message,omitempty"`
	Error     string    `json:"error,omitempty" dynamodbav:"error,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty" dynamodbav:"error_code,omitempty"`
	State     StepState `json:"state" dynamodbav:"state"`
	Attempts  int       `json:"attempts,omitempty" dynamodbav:"attempts,omitempty"`
	Timestamp time.Time `json:"timestamp" dynamodbav:"timestamp"`
}

// NewSuccessResult builds a COMPLETED result for a step
func NewSuccessResult(stepID string, data any, message string) *StepResult {
	return &StepResult{
		StepID:    stepID,
		Success:   true,
		Data:      data,
		Message:   message,
		State:     StepStateCompleted,
		Timestamp: time.Now(),
	}
}

// NewFailureResult builds a FAILED result carrying the error message
func NewFailureResult(stepID string, err error) *StepResult {
	result := &StepResult{
		StepID:    stepID,
		Success:   false,
		State:     StepStateFailed,
		ErrorCode: ErrCodeExecutionFailed,
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = ErrorMessage(err)
		if code := ErrorCode(err); code != "" {
			result.ErrorCode = code
		}
	}
	return result
}

// EntityType classifies an entity extracted from the user message
type EntityType string

const (
	EntityPerson   EntityType = "PERSON"
	EntityEmail    EntityType = "EMAIL"
	EntityDate     EntityType = "DATE"
	EntityLocation EntityType = "LOCATION"
)

// Entity is a resolved or ambiguous reference extracted upstream
type Entity struct {
	Type          EntityType     `json:"type" dynamodbav:"type"`
	Value         string         `json:"value" dynamodbav:"value"`
	Email         string         `json:"email,omitempty" dynamodbav:"email,omitempty"`
	ResolvedValue string         `json:"resolvedValue,omitempty" dynamodbav:"resolved_value,omitempty"`
	Ambiguous     bool           `json:"ambiguous,omitempty" dynamodbav:"ambiguous,omitempty"`
	Candidates    []string       `json:"candidates,omitempty" dynamodbav:"candidates,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`
}

// Resolve turns an ambiguous entity into a concrete one in place
func (e *Entity) Resolve(value string) {
	e.ResolvedValue = value
	e.Ambiguous = false
	e.Candidates = nil
	if e.Type == EntityPerson && strings.Contains(value, "@") {
		e.Email = value
	}
}

// WorkflowStatus is the persisted status of an in-flight run
type WorkflowStatus string

const (
	WorkflowStatusRunning             WorkflowStatus = "running"
	WorkflowStatusWaitingIntervention WorkflowStatus = "waiting_intervention"
	WorkflowStatusCompleted           WorkflowStatus = "completed"
	WorkflowStatusFailed              WorkflowStatus = "failed"
)

// IsTerminal returns true if the status is a final state
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// InterventionState describes the step a suspended run is waiting on
type InterventionState struct {
	StepID       string    `json:"stepId" dynamodbav:"step_id"`
	Reason       string    `json:"reason" dynamodbav:"reason"`
	Entity       *Entity   `json:"entity,omitempty" dynamodbav:"entity,omitempty"`
	WaitingSince time.Time `json:"waitingSince" dynamodbav:"waiting_since"`
}

// WorkflowState is the persisted form of an ExecutionContext plus its plan
type WorkflowState struct {
	SessionID        string                 `json:"sessionId" dynamodbav:"session_id"`
	UserID           string                 `json:"userId" dynamodbav:"user_id"`
	PhoneNumber      string                 `json:"phoneNumber,omitempty" dynamodbav:"phone_number,omitempty"`
	Channel          ChannelType            `json:"channel" dynamodbav:"channel"`
	Plan             *ActionPlan            `json:"plan" dynamodbav:"plan"`
	StepResults      map[string]*StepResult `json:"stepResults" dynamodbav:"step_results"`
	History          []*StepResult          `json:"history,omitempty" dynamodbav:"history,omitempty"`
	Entities         []*Entity              `json:"entities,omitempty" dynamodbav:"entities,omitempty"`
	CurrentStepIndex int                    `json:"currentStepIndex" dynamodbav:"current_step_index"`
	Status           WorkflowStatus         `json:"status" dynamodbav:"status"`
	Intervention     *InterventionState     `json:"interventionState,omitempty" dynamodbav:"intervention_state,omitempty"`
	Error            string                 `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt        time.Time              `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt        time.Time              `json:"updatedAt" dynamodbav:"updated_at"`
}

// RiskLevel is the approval risk attached to a step
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// ApprovalStatus tracks human decisions on drafts and their steps
type ApprovalStatus string

const (
	ApprovalDraftPending  ApprovalStatus = "DRAFT_PENDING"
	ApprovalStepApproved  ApprovalStatus = "STEP_APPROVED"
	ApprovalStepRejected  ApprovalStatus = "STEP_REJECTED"
	ApprovalStepModified  ApprovalStatus = "STEP_MODIFIED"
	ApprovalExecuting     ApprovalStatus = "EXECUTING"
	ApprovalCompleted     ApprovalStatus = "COMPLETED"
	ApprovalFailed        ApprovalStatus = "FAILED"
	ApprovalUserCancelled ApprovalStatus = "USER_CANCELLED"
)

// IsTerminal returns true if the draft can no longer accept decisions
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalCompleted || s == ApprovalFailed || s == ApprovalUserCancelled
}

// ApprovalStep is a plan step enriched for human review
type ApprovalStep struct {
	*ActionStep
	RiskLevel         RiskLevel      `json:"riskLevel" dynamodbav:"risk_level"`
	EstimatedTime     string         `json:"estimatedTime" dynamodbav:"estimated_time"`
	ExpectedOutcome   string         `json:"expectedOutcome" dynamodbav:"expected_outcome"`
	ApprovalStatus    ApprovalStatus `json:"approvalStatus" dynamodbav:"approval_status"`
	OriginalParams    map[string]any `json:"originalParams,omitempty" dynamodbav:"original_params,omitempty"`
	UserModifications map[string]any `json:"userModifications,omitempty" dynamodbav:"user_modifications,omitempty"`
	RejectionReason   string         `json:"rejectionReason,omitempty" dynamodbav:"rejection_reason,omitempty"`
	Result            *StepResult    `json:"result,omitempty" dynamodbav:"result,omitempty"`
}

// WorkflowDraft wraps a plan pending human approval
type WorkflowDraft struct {
	ID              string          `json:"id" dynamodbav:"id"`
	SessionID       string          `json:"sessionId" dynamodbav:"session_id"`
	UserID          string          `json:"userId" dynamodbav:"user_id"`
	PhoneNumber     string          `json:"phoneNumber,omitempty" dynamodbav:"phone_number,omitempty"`
	Channel         ChannelType     `json:"channel" dynamodbav:"channel"`
	OriginalMessage string          `json:"originalMessage" dynamodbav:"original_message"`
	Summary         string          `json:"summary" dynamodbav:"summary"`
	Steps           []*ApprovalStep `json:"steps" dynamodbav:"steps"`
	Entities        []*Entity       `json:"entities,omitempty" dynamodbav:"entities,omitempty"`
	ApprovalStatus  ApprovalStatus  `json:"approvalStatus" dynamodbav:"approval_status"`
	Risks           []string        `json:"risks,omitempty" dynamodbav:"risks,omitempty"`
	CreatedAt       time.Time       `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" dynamodbav:"updated_at"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty" dynamodbav:"completed_at,omitempty"`
}

// Step returns the draft step with the given id
func (d *WorkflowDraft) Step(stepID string) (*ApprovalStep, bool) {
	for _, s := range d.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return nil, false
}

// ExecutionStatus is the state of an idempotency ledger record
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// WorkflowExecution is one idempotency ledger record, keyed by idempotency key
type WorkflowExecution struct {
	ID           string          `json:"id" dynamodbav:"id"`
	WorkflowID   string          `json:"workflowId" dynamodbav:"workflow_id"`
	WorkflowName string          `json:"workflowName,omitempty" dynamodbav:"workflow_name,omitempty"`
	UserID       string          `json:"userId" dynamodbav:"user_id"`
	Status       ExecutionStatus `json:"status" dynamodbav:"status"`
	Result       json.RawMessage `json:"result,omitempty" dynamodbav:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty" dynamodbav:"error_message,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty" dynamodbav:"parameters,omitempty"`
	Actor        string          `json:"actor,omitempty" dynamodbav:"actor,omitempty"`
	CreatedAt    time.Time       `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt    time.Time       `json:"updatedAt" dynamodbav:"updated_at"`
	StartedAt    *time.Time      `json:"startedAt,omitempty" dynamodbav:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty" dynamodbav:"completed_at,omitempty"`

	// DynamoDB TTL
	TTL int64 `json:"-" dynamodbav:"ttl,omitempty"`
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
