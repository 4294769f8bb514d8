package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/builder"
	"github.com/sicko7947/actionflow/channel"
)

// statusFor maps coded errors onto HTTP status codes
func statusFor(err error) int {
	switch actionflow.ErrorCode(err) {
	case actionflow.ErrCodeNotFound:
		return fiber.StatusNotFound
	case actionflow.ErrCodeValidation, actionflow.ErrCodeCircularDependency, actionflow.ErrCodeDependencyUnresolved:
		return fiber.StatusBadRequest
	case actionflow.ErrCodeInvalidState, actionflow.ErrCodeIdempotencyConflict:
		return fiber.StatusConflict
	}
	if errors.Is(err, actionflow.ErrNotFound) {
		return fiber.StatusNotFound
	}
	if errors.Is(err, actionflow.ErrWorkflowTerminal) {
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

func (s *Server) writeError(c fiber.Ctx, err error) error {
	status := statusFor(err)
	body := fiber.Map{"error": actionflow.ErrorMessage(err)}
	if code := actionflow.ErrorCode(err); code != "" {
		body["code"] = code
	}
	var werr *actionflow.WorkflowError
	if errors.As(err, &werr) && len(werr.Details) > 0 {
		body["details"] = werr.Details
	}
	if status >= fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
		body["error"] = "internal error"
	}
	return c.Status(status).JSON(body)
}

// handleSubmitPlan runs a plan in the background or turns it into a draft
func (s *Server) handleSubmitPlan(c fiber.Ctx) error {
	if err := s.validator.ValidatePlanRequest(c.Body()); err != nil {
		return s.writeError(c, err)
	}
	var req PlanRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	plan, err := builder.Normalize(req.Plan)
	if err != nil {
		return s.writeError(c, err)
	}

	ec := req.executionContext()

	if req.RequireApproval {
		draft, err := s.deps.Approvals.CreateWorkflowDraft(c.Context(), plan, ec)
		if draft == nil {
			return s.writeError(c, err)
		}
		delivered := err == nil
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", ec.SessionID).Msg("Draft stored but not delivered")
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"sessionId": ec.SessionID,
			"draft":     draft,
			"delivered": delivered,
		})
	}

	s.background("execute_plan", ec.SessionID, func(ctx context.Context) error {
		_, err := s.deps.Engine.ExecutePlan(ctx, plan, ec)
		return err
	})
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"sessionId": ec.SessionID,
		"status":    actionflow.PlanStateRunning,
	})
}

func (s *Server) handleGetWorkflow(c fiber.Ctx) error {
	state, err := s.deps.Workflows.GetWorkflow(c.Context(), c.Params("sessionId"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(state)
}

// handleResumeWorkflow continues a persisted, non-terminal run
func (s *Server) handleResumeWorkflow(c fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	state, err := s.deps.Workflows.GetWorkflow(c.Context(), sessionID)
	if err != nil {
		return s.writeError(c, err)
	}
	if state.Status.IsTerminal() {
		return s.writeError(c, actionflow.NewWorkflowError(actionflow.ErrCodeInvalidState, "workflow is already "+string(state.Status)))
	}

	s.background("resume_plan", sessionID, func(ctx context.Context) error {
		_, err := s.deps.Engine.ResumePlan(ctx, sessionID)
		return err
	})
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"sessionId": sessionID,
		"status":    actionflow.PlanStateRunning,
	})
}

// handleListUserWorkflows lists a user's active runs; ?status=waiting
// narrows to the run paused on an intervention
func (s *Server) handleListUserWorkflows(c fiber.Ctx) error {
	userID := c.Params("userId")

	if c.Query("status") == "waiting" {
		state, err := s.deps.Workflows.FindWaitingWorkflow(c.Context(), userID)
		if errors.Is(err, actionflow.ErrNotFound) {
			return c.JSON(fiber.Map{"workflows": []*actionflow.WorkflowState{}})
		}
		if err != nil {
			return s.writeError(c, err)
		}
		return c.JSON(fiber.Map{"workflows": []*actionflow.WorkflowState{state}})
	}

	states, err := s.deps.Workflows.GetActiveWorkflows(c.Context(), userID)
	if err != nil {
		return s.writeError(c, err)
	}
	if states == nil {
		states = []*actionflow.WorkflowState{}
	}
	return c.JSON(fiber.Map{"workflows": states})
}

type answerRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleAnswerIntervention(c fiber.Ctx) error {
	if err := s.validator.ValidateAnswer(c.Body()); err != nil {
		return s.writeError(c, err)
	}
	var req answerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	sessionID, stepID := c.Params("sessionId"), c.Params("stepId")
	ok, err := s.deps.Interventions.ResolveIntervention(c.Context(), sessionID, stepID, req.Value)
	if err != nil {
		return s.writeError(c, err)
	}
	if !ok {
		return s.writeError(c, actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeNotFound, "no intervention is waiting", stepID))
	}
	return c.JSON(fiber.Map{
		"sessionId": sessionID,
		"stepId":    stepID,
		"resolved":  true,
	})
}

// handleGetDraft returns the pending draft, falling back to the completed one
func (s *Server) handleGetDraft(c fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	draft, err := s.deps.Approvals.GetDraft(c.Context(), sessionID)
	if actionflow.HasCode(err, actionflow.ErrCodeNotFound) {
		draft, err = s.deps.Approvals.GetCompletedDraft(c.Context(), sessionID)
	}
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(draft)
}

func (s *Server) handleDecision(c fiber.Ctx) error {
	if err := s.validator.ValidateDecision(c.Body()); err != nil {
		return s.writeError(c, err)
	}
	var decision channel.DecisionPayload
	if err := c.Bind().JSON(&decision); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	sessionID := c.Params("sessionId")
	outcome, err := s.decide(c.Context(), sessionID, &decision)
	if err != nil {
		return s.writeError(c, err)
	}
	if outcome == nil {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"sessionId": sessionID,
			"action":    decision.Action,
			"status":    "accepted",
		})
	}
	return c.JSON(outcome)
}

func (s *Server) handleGetExecution(c fiber.Ctx) error {
	exec, err := s.deps.Tracker.GetExecution(c.Context(), c.Params("key"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(exec)
}

func (s *Server) handleListExecutions(c fiber.Ctx) error {
	filter := actionflow.ExecutionFilter{
		UserID:     c.Query("userId"),
		WorkflowID: c.Query("workflowId"),
	}
	if status := c.Query("status"); status != "" {
		filter.Status = actionflow.ToPtr(actionflow.ExecutionStatus(status))
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return s.writeError(c, actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "limit must be a non-negative integer"))
		}
		filter.Limit = limit
	}

	execs, err := s.deps.Tracker.ListExecutions(c.Context(), filter)
	if err != nil {
		return s.writeError(c, err)
	}
	if execs == nil {
		execs = []*actionflow.WorkflowExecution{}
	}
	return c.JSON(fiber.Map{"executions": execs})
}
