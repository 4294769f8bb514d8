// Package provider forwards data-mutating plan steps to HTTP capability
// providers (calendar, mail, tasks, contacts).
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3/client"
	"github.com/rs/zerolog"

	"github.com/sicko7947/actionflow"
)

// Config locates the provider gateway
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// Routes overrides BaseURL per step category
	Routes map[string]string `yaml:"routes"`
}

// Request is the body posted to the provider for one step
type Request struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	StepID    string         `json:"stepId"`
	Params    map[string]any `json:"params"`
}

// Reply is the provider's JSON answer
type Reply struct {
	Data    any    `json:"data"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// GatewayExecutor implements actionflow.StepExecutor over HTTP
type GatewayExecutor struct {
	cfg    Config
	client *client.Client
	logger zerolog.Logger
}

// Option configures a GatewayExecutor
type Option func(*GatewayExecutor)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(g *GatewayExecutor) {
		g.logger = logger
	}
}

// NewGatewayExecutor creates an executor posting to cfg.BaseURL
func NewGatewayExecutor(cfg Config, opts ...Option) *GatewayExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	g := &GatewayExecutor{
		cfg:    cfg,
		client: client.New().SetTimeout(cfg.Timeout),
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Endpoint returns the URL a step is posted to
func (g *GatewayExecutor) Endpoint(step *actionflow.ActionStep) string {
	base := g.cfg.BaseURL
	if route, ok := g.cfg.Routes[string(step.Category)]; ok && route != "" {
		base = route
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), step.Category, step.Action)
}

// ExecuteStep implements actionflow.StepExecutor
func (g *GatewayExecutor) ExecuteStep(ctx context.Context, step *actionflow.ActionStep, ec *actionflow.ExecutionContext) *actionflow.StepResult {
	reply, err := g.call(ctx, step, ec)
	if err != nil {
		g.logger.Debug().
			Str("step_id", step.ID).
			Str("action", step.Action).
			Err(err).
			Msg("Provider call failed")
		return actionflow.NewFailureResult(step.ID, err)
	}

	message := reply.Message
	if message == "" {
		message = fmt.Sprintf("%s completed", step.Action)
	}
	return actionflow.NewSuccessResult(step.ID, reply.Data, message)
}

// Handler adapts the gateway to an action handler for category, so steps
// wrapped by another executor (automation triggers) still reach the provider
func (g *GatewayExecutor) Handler(category actionflow.StepCategory, action string) actionflow.ActionHandler {
	return func(ctx context.Context, params map[string]any, ec *actionflow.ExecutionContext) (any, error) {
		step := &actionflow.ActionStep{Category: category, Action: action, Params: params}
		reply, err := g.call(ctx, step, ec)
		if err != nil {
			return nil, err
		}
		return reply.Data, nil
	}
}

func (g *GatewayExecutor) call(ctx context.Context, step *actionflow.ActionStep, ec *actionflow.ExecutionContext) (*Reply, error) {
	body := Request{StepID: step.ID, Params: step.Params}
	if ec != nil {
		body.SessionID = ec.SessionID
		body.UserID = ec.UserID
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if g.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + g.cfg.APIKey
	}

	resp, err := g.client.Post(g.Endpoint(step), client.Config{
		Ctx:    ctx,
		Header: headers,
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("network error calling provider: %w", err)
	}
	defer resp.Close()

	status := resp.StatusCode()
	var reply Reply
	decodeErr := json.Unmarshal(resp.Body(), &reply)

	switch {
	case status >= 500:
		return nil, fmt.Errorf("provider returned status %d: %s", status, replyError(reply, resp.Body()))
	case status >= 400:
		return nil, actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation,
			fmt.Sprintf("provider rejected %s with status %d: %s", step.Action, status, replyError(reply, resp.Body())), step.ID)
	case decodeErr != nil:
		return nil, actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeExecutionFailed,
			fmt.Sprintf("invalid provider reply: %v", decodeErr), step.ID)
	case reply.Error != "":
		return nil, fmt.Errorf("provider error: %s", reply.Error)
	}
	return &reply, nil
}

func replyError(reply Reply, raw []byte) string {
	if reply.Error != "" {
		return reply.Error
	}
	return strings.TrimSpace(string(raw))
}

var _ actionflow.StepExecutor = (*GatewayExecutor)(nil)
