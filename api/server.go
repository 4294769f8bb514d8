// Package api exposes plan submission, approval decisions, intervention
// answers and run lookups over HTTP, and routes inbound websocket frames.
package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/approval"
	"github.com/sicko7947/actionflow/channel"
	"github.com/sicko7947/actionflow/engine"
	"github.com/sicko7947/actionflow/intervention"
	"github.com/sicko7947/actionflow/runstate"
	"github.com/sicko7947/actionflow/tracker"
)

// Dependencies are the components the API drives
type Dependencies struct {
	Engine        *engine.Engine
	Workflows     *runstate.Manager
	Interventions *intervention.Manager
	Approvals     *approval.Manager
	Tracker       *tracker.Tracker
}

// Server holds the HTTP handlers and tracks background runs
type Server struct {
	deps      Dependencies
	validator *Validator
	logger    zerolog.Logger
	baseCtx   context.Context
	wg        sync.WaitGroup
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBaseContext sets the context background runs derive from.
// Cancelling it cancels in-flight plans.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.baseCtx = ctx
	}
}

// NewServer creates the API server
func NewServer(deps Dependencies, opts ...Option) (*Server, error) {
	if deps.Engine == nil || deps.Workflows == nil || deps.Interventions == nil || deps.Approvals == nil || deps.Tracker == nil {
		return nil, errors.New("api: all dependencies are required")
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to compile request schemas: %w", err)
	}

	s := &Server{
		deps:      deps,
		validator: validator,
		baseCtx:   context.Background(),
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register mounts all routes on app
func (s *Server) Register(app *fiber.App) {
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "actionflow",
		})
	})

	v1 := app.Group("/api/v1")

	v1.Post("/plans", s.handleSubmitPlan)

	workflows := v1.Group("/workflows")
	workflows.Get("/:sessionId", s.handleGetWorkflow)
	workflows.Post("/:sessionId/resume", s.handleResumeWorkflow)

	v1.Get("/users/:userId/workflows", s.handleListUserWorkflows)
	v1.Post("/sessions/:sessionId/interventions/:stepId", s.handleAnswerIntervention)

	drafts := v1.Group("/drafts")
	drafts.Get("/:sessionId", s.handleGetDraft)
	drafts.Post("/:sessionId/decisions", s.handleDecision)

	executions := v1.Group("/executions")
	executions.Get("/", s.handleListExecutions)
	executions.Get("/:key", s.handleGetExecution)
}

// Wait blocks until every background run has returned
func (s *Server) Wait() {
	s.wg.Wait()
}

// background runs fn detached from the request that started it
func (s *Server) background(name, sessionID string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("session_id", sessionID).
					Str("task", name).
					Interface("panic", r).
					Msg("Background task panicked")
			}
		}()
		if err := fn(s.baseCtx); err != nil {
			s.logger.Error().
				Err(err).
				Str("session_id", sessionID).
				Str("task", name).
				Msg("Background task failed")
		}
	}()
}

// PlanRequest submits an already-planned action plan
type PlanRequest struct {
	SessionID       string                 `json:"sessionId"`
	UserID          string                 `json:"userId"`
	Channel         actionflow.ChannelType `json:"channel"`
	PhoneNumber     string                 `json:"phoneNumber"`
	RequireApproval bool                   `json:"requireApproval"`
	Entities        []*actionflow.Entity   `json:"entities"`
	Plan            *actionflow.ActionPlan `json:"plan"`
}

func (r *PlanRequest) executionContext() *actionflow.ExecutionContext {
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
	if r.Channel == "" {
		r.Channel = actionflow.ChannelWebSocket
	}
	ec := actionflow.NewExecutionContext(r.SessionID, r.UserID, r.Channel)
	ec.PhoneNumber = r.PhoneNumber
	ec.Entities = r.Entities
	return ec
}

// decide applies a decision. Decisions that can start a run are checked
// against the stored draft and then processed in the background; the
// returned Outcome is nil in that case.
func (s *Server) decide(ctx context.Context, sessionID string, d *channel.DecisionPayload) (*approval.Outcome, error) {
	switch d.Action {
	case approval.ActionRejectStep, approval.ActionCancelAll:
		return s.deps.Approvals.ProcessApproval(ctx, sessionID, d)
	}

	draft, err := s.deps.Approvals.GetDraft(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if draft.ApprovalStatus != actionflow.ApprovalDraftPending {
		return nil, actionflow.NewWorkflowError(actionflow.ErrCodeInvalidState,
			fmt.Sprintf("draft %s is %s", draft.ID, draft.ApprovalStatus))
	}
	if d.StepID != "" {
		if _, ok := draft.Step(d.StepID); !ok {
			return nil, actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeNotFound, "step not found in draft", d.StepID)
		}
	}

	s.background("process_approval", sessionID, func(ctx context.Context) error {
		_, err := s.deps.Approvals.ProcessApproval(ctx, sessionID, d)
		return err
	})
	return nil, nil
}
