package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/channel"
)

// HandleInbound routes websocket frames from a connected user. It is meant
// to be installed with WSRegistry.OnMessage.
func (s *Server) HandleInbound(ctx context.Context, userID string, msg *channel.InboundMessage) error {
	switch msg.Type {
	case channel.TypeInterventionResponse:
		return s.answer(ctx, userID, msg)
	case channel.TypeApprovalDecision:
		if msg.Decision == nil {
			return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "approval_decision needs a decision")
		}
		if msg.SessionID == "" {
			return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "approval_decision needs a sessionId")
		}
		_, err := s.decide(ctx, msg.SessionID, msg.Decision)
		return err
	}
	return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, fmt.Sprintf("unsupported message type %q", msg.Type))
}

// answer resolves an intervention. Without a session the user's waiting
// run is looked up.
func (s *Server) answer(ctx context.Context, userID string, msg *channel.InboundMessage) error {
	if msg.Value == "" {
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "intervention_response needs a value")
	}

	sessionID, stepID := msg.SessionID, msg.StepID
	if sessionID == "" || stepID == "" {
		state, err := s.deps.Workflows.FindWaitingWorkflow(ctx, userID)
		if errors.Is(err, actionflow.ErrNotFound) {
			return actionflow.NewWorkflowError(actionflow.ErrCodeNotFound, "nothing is waiting for an answer").WithCause(err)
		}
		if err != nil {
			return err
		}
		if state.Intervention == nil {
			return actionflow.NewWorkflowError(actionflow.ErrCodeInvalidState, "waiting workflow has no intervention step")
		}
		sessionID, stepID = state.SessionID, state.Intervention.StepID
	}

	ok, err := s.deps.Interventions.ResolveIntervention(ctx, sessionID, stepID, msg.Value)
	if err != nil {
		return err
	}
	if !ok {
		return actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeNotFound, "no intervention is waiting", stepID)
	}
	return nil
}
