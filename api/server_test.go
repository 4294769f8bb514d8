package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/approval"
	"github.com/sicko7947/actionflow/channel"
	"github.com/sicko7947/actionflow/engine"
	"github.com/sicko7947/actionflow/intervention"
	"github.com/sicko7947/actionflow/runstate"
	"github.com/sicko7947/actionflow/store"
	"github.com/sicko7947/actionflow/tracker"
)

type nopSender struct {
	mu   sync.Mutex
	msgs []*channel.Message
}

func (s *nopSender) Dispatch(ctx context.Context, target channel.Target, msg *channel.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

type apiEnv struct {
	app     *fiber.App
	server  *Server
	tracker *tracker.Tracker
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	st := store.NewMemoryStore()
	sender := &nopSender{}
	workflows := runstate.NewManager(st, runstate.WithLogger(zerolog.Nop()))
	interventions := intervention.NewManager(st, sender,
		intervention.WithLogger(zerolog.Nop()),
		intervention.WithConfig(actionflow.InterventionConfig{DefaultTimeout: 2 * time.Second, PollInterval: 10 * time.Millisecond}),
	)
	trk := tracker.NewTracker(store.NewMemoryLedger(), tracker.WithLogger(zerolog.Nop()))

	actions := engine.NewActionExecutor().
		Handle("create_event", func(ctx context.Context, params map[string]any, ec *actionflow.ExecutionContext) (any, error) {
			return map[string]any{"eventId": "evt_1", "attendee": params["value"]}, nil
		}).
		Handle("create_task", func(ctx context.Context, params map[string]any, ec *actionflow.ExecutionContext) (any, error) {
			return map[string]any{"taskId": "task_1"}, nil
		})

	eng := engine.NewEngine(
		engine.WithLogger(zerolog.Nop()),
		engine.WithConfig(actionflow.NewExecutionConfig(actionflow.WithRetries(1))),
		engine.WithWorkflowManager(workflows),
		engine.WithNotifier(sender),
		engine.WithExecutor(actionflow.CategorySystem, engine.NewSystemExecutor(interventions,
			engine.WithRunState(workflows),
			engine.WithSystemLogger(zerolog.Nop()),
		)),
	)
	eng.RegisterExecutor(actions, actionflow.CategoryCalendar, actionflow.CategoryTask)

	approvals := approval.NewManager(st, sender, eng, approval.WithLogger(zerolog.Nop()))

	srv, err := NewServer(Dependencies{
		Engine:        eng,
		Workflows:     workflows,
		Interventions: interventions,
		Approvals:     approvals,
		Tracker:       trk,
	}, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	app := fiber.New()
	srv.Register(app)
	return &apiEnv{app: app, server: srv, tracker: trk}
}

func (env *apiEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

const taskPlan = `{
  "sessionId": "sess-1",
  "userId": "user-1",
  "plan": {
    "originalMessage": "book a sync and remind me",
    "steps": [
      {"id": "S1", "type": "calendar", "action": "create_event", "params": {"title": "Sync"}},
      {"id": "S2", "type": "task", "action": "create_task", "dependsOn": ["S1"]}
    ]
  }
}`

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	status, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
}

func TestSubmitPlan_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", `{`, actionflow.ErrCodeValidation},
		{"missing user", `{"plan": {"steps": [{"id": "a", "type": "task", "action": "x"}]}}`, actionflow.ErrCodeValidation},
		{"empty steps", `{"userId": "u", "plan": {"steps": []}}`, actionflow.ErrCodeValidation},
		{"unknown category", `{"userId": "u", "plan": {"steps": [{"id": "a", "type": "weather", "action": "x"}]}}`, actionflow.ErrCodeValidation},
		{"sms without phone", `{"userId": "u", "channel": "sms", "plan": {"steps": [{"id": "a", "type": "task", "action": "x"}]}}`, actionflow.ErrCodeValidation},
		{
			"cycle",
			`{"userId": "u", "plan": {"steps": [
				{"id": "a", "type": "task", "action": "x", "dependsOn": ["b"]},
				{"id": "b", "type": "task", "action": "x", "dependsOn": ["a"]}
			]}}`,
			actionflow.ErrCodeCircularDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPIEnv(t)
			status, body := env.do(t, http.MethodPost, "/api/v1/plans", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestSubmitPlan_Executes(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/plans", taskPlan)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "sess-1", body["sessionId"])

	env.server.Wait()

	status, body = env.do(t, http.MethodGet, "/api/v1/workflows/sess-1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(actionflow.WorkflowStatusCompleted), body["status"])

	status, body = env.do(t, http.MethodGet, "/api/v1/users/user-1/workflows", "")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["workflows"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/workflows/sess-1/resume", "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestSubmitPlan_ReordersPrerequisites(t *testing.T) {
	env := newAPIEnv(t)
	body := `{
  "sessionId": "sess-3",
  "userId": "user-1",
  "plan": {"steps": [
    {"id": "S2", "type": "task", "action": "create_task", "dependsOn": ["S1"]},
    {"id": "S1", "type": "calendar", "action": "create_event", "params": {"title": "Sync"}}
  ]}
}`

	status, _ := env.do(t, http.MethodPost, "/api/v1/plans", body)
	require.Equal(t, http.StatusAccepted, status)
	env.server.Wait()

	status, resp := env.do(t, http.MethodGet, "/api/v1/workflows/sess-3", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(actionflow.WorkflowStatusCompleted), resp["status"])

	plan := resp["plan"].(map[string]any)
	steps := plan["steps"].([]any)
	require.Len(t, steps, 2)
	assert.Equal(t, "S1", steps[0].(map[string]any)["id"])
}

func TestGetWorkflow_NotFound(t *testing.T) {
	env := newAPIEnv(t)
	status, body := env.do(t, http.MethodGet, "/api/v1/workflows/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, body["error"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/workflows/nope/resume", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestApprovalFlow(t *testing.T) {
	env := newAPIEnv(t)
	body := strings.Replace(taskPlan, `"userId": "user-1",`, `"userId": "user-1", "requireApproval": true,`, 1)

	status, resp := env.do(t, http.MethodPost, "/api/v1/plans", body)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, resp["delivered"])

	status, resp = env.do(t, http.MethodGet, "/api/v1/drafts/sess-1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(actionflow.ApprovalDraftPending), resp["approvalStatus"])

	status, resp = env.do(t, http.MethodPost, "/api/v1/drafts/sess-1/decisions", `{"action": "modify_step", "stepId": "S1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, actionflow.ErrCodeValidation, resp["code"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/drafts/sess-1/decisions", `{"action": "approve_step", "stepId": "S9"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, resp = env.do(t, http.MethodPost, "/api/v1/drafts/sess-1/decisions", `{"action": "approve_all"}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "accepted", resp["status"])

	env.server.Wait()

	status, resp = env.do(t, http.MethodGet, "/api/v1/drafts/sess-1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(actionflow.ApprovalCompleted), resp["approvalStatus"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/drafts/sess-1/decisions", `{"action": "approve_all"}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestApprovalFlow_RejectAndCancel(t *testing.T) {
	env := newAPIEnv(t)
	body := strings.Replace(taskPlan, `"userId": "user-1",`, `"userId": "user-1", "requireApproval": true,`, 1)
	status, _ := env.do(t, http.MethodPost, "/api/v1/plans", body)
	require.Equal(t, http.StatusCreated, status)

	status, resp := env.do(t, http.MethodPost, "/api/v1/drafts/sess-1/decisions", `{"action": "reject_step", "stepId": "S2", "reason": "later"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, resp["executed"])

	status, resp = env.do(t, http.MethodPost, "/api/v1/drafts/sess-1/decisions", `{"action": "cancel_all"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, resp["cancelled"])

	status, _ = env.do(t, http.MethodGet, "/api/v1/drafts/sess-1", "")
	assert.Equal(t, http.StatusNotFound, status)
}

const interventionPlan = `{
  "sessionId": "sess-2",
  "userId": "user-1",
  "entities": [{"type": "PERSON", "value": "Sarah", "ambiguous": true, "candidates": ["sarah@a.com", "sarah@b.com"]}],
  "plan": {
    "steps": [
      {"id": "S1", "type": "system", "action": "resolve_entity",
       "params": {"prompt": "Which Sarah?", "entityType": "PERSON", "entityValue": "Sarah", "timeoutSeconds": 5}},
      {"id": "S2", "type": "calendar", "action": "create_event", "requires": [{"stepId": "S1", "field": "value"}]}
    ]
  }
}`

func TestInterventionAnsweredOverHTTP(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/v1/plans", interventionPlan)
	require.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		status, _ := env.do(t, http.MethodPost, "/api/v1/sessions/sess-2/interventions/S1", `{"value": "sarah@b.com"}`)
		return status == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	env.server.Wait()

	status, resp := env.do(t, http.MethodGet, "/api/v1/workflows/sess-2", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(actionflow.WorkflowStatusCompleted), resp["status"])

	results := resp["stepResults"].(map[string]any)
	s2 := results["S2"].(map[string]any)
	assert.Equal(t, "sarah@b.com", s2["data"].(map[string]any)["attendee"])
}

func TestInterventionAnsweredOverWebSocketFrame(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	status, _ := env.do(t, http.MethodPost, "/api/v1/plans", interventionPlan)
	require.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		status, resp := env.do(t, http.MethodGet, "/api/v1/users/user-1/workflows?status=waiting", "")
		return status == http.StatusOK && len(resp["workflows"].([]any)) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return env.server.HandleInbound(ctx, "user-1", &channel.InboundMessage{
			Type:  channel.TypeInterventionResponse,
			Value: "sarah@a.com",
		}) == nil
	}, 2*time.Second, 20*time.Millisecond)

	env.server.Wait()

	status, resp := env.do(t, http.MethodGet, "/api/v1/workflows/sess-2", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(actionflow.WorkflowStatusCompleted), resp["status"])
}

func TestAnswerIntervention_Errors(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/v1/sessions/sess-9/interventions/S1", `{"value": ""}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp := env.do(t, http.MethodPost, "/api/v1/sessions/sess-9/interventions/S1", `{"value": "yes"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, actionflow.ErrCodeNotFound, resp["code"])
}

func TestHandleInbound_Errors(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  *channel.InboundMessage
		code string
	}{
		{"unknown type", &channel.InboundMessage{Type: "ping"}, actionflow.ErrCodeValidation},
		{"answer without value", &channel.InboundMessage{Type: channel.TypeInterventionResponse}, actionflow.ErrCodeValidation},
		{"nothing waiting", &channel.InboundMessage{Type: channel.TypeInterventionResponse, Value: "x"}, actionflow.ErrCodeNotFound},
		{"decision without payload", &channel.InboundMessage{Type: channel.TypeApprovalDecision, SessionID: "s"}, actionflow.ErrCodeValidation},
		{
			"decision without draft",
			&channel.InboundMessage{Type: channel.TypeApprovalDecision, SessionID: "s", Decision: &channel.DecisionPayload{Action: approval.ActionApproveAll}},
			actionflow.ErrCodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.server.HandleInbound(ctx, "user-1", tt.msg)
			require.Error(t, err)
			assert.Equal(t, tt.code, actionflow.ErrorCode(err))
		})
	}
}

func TestExecutions(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	_, err := env.tracker.ExecuteIdempotent(ctx, tracker.Options{
		IdempotencyKey: "wf-42",
		WorkflowID:     "sess-1",
		UserID:         "user-1",
	}, func(ctx context.Context) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)

	status, resp := env.do(t, http.MethodGet, "/api/v1/executions/wf-42", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(actionflow.ExecutionCompleted), resp["status"])

	status, _ = env.do(t, http.MethodGet, "/api/v1/executions/missing", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, resp = env.do(t, http.MethodGet, "/api/v1/executions?userId=user-1&status=completed", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, resp["executions"], 1)

	status, _ = env.do(t, http.MethodGet, "/api/v1/executions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, status)
}
