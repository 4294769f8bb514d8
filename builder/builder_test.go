package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/actionflow"
)

func TestNewPlan_Empty(t *testing.T) {
	plan, err := NewPlan("hello").Build()
	require.Error(t, err) // no steps
	assert.Nil(t, plan)
	assert.Equal(t, actionflow.ErrCodeValidation, actionflow.ErrorCode(err))
}

func TestPlanBuilder_Then(t *testing.T) {
	plan, err := NewPlan("find time with sarah and book it").
		Summary("Book a meeting").
		Step("S1", actionflow.CategoryCalendar, "list_events").
		Then("S2", actionflow.CategoryAnalysis, "find_free_time", WithParam("durationMinutes", 30)).
		Then("S3", actionflow.CategoryCalendar, "create_event", WithDescription("Book the slot")).
		Requires("S2", "start").
		Build()

	require.NoError(t, err)
	assert.Equal(t, "Book a meeting", plan.Summary)
	assert.Equal(t, []string{"S1", "S2", "S3"}, plan.StepIDs())
	assert.Empty(t, plan.Steps[0].DependsOn)
	assert.Equal(t, []string{"S1"}, plan.Steps[1].DependsOn)
	assert.Equal(t, 30, plan.Steps[1].Params["durationMinutes"])
	assert.Equal(t, []string{"S2"}, plan.Steps[2].DependsOn)
	assert.Equal(t, []actionflow.Requirement{{StepID: "S2", Field: "start"}}, plan.Steps[2].Requires)
	assert.Equal(t, "Book the slot", plan.Steps[2].Description)
	assert.Equal(t, actionflow.StepStatePending, plan.Steps[2].State)
}

func TestPlanBuilder_Parallel(t *testing.T) {
	plan, err := NewPlan("").
		Step("S1", actionflow.CategoryContact, "find_contact").
		Parallel(
			&actionflow.ActionStep{ID: "S2", Category: actionflow.CategoryEmail, Action: "send_email"},
			&actionflow.ActionStep{ID: "S3", Category: actionflow.CategoryTask, Action: "create_task"},
		).
		Then("S4", actionflow.CategoryTask, "create_task").
		Build()

	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, plan.Steps[1].DependsOn)
	assert.Equal(t, []string{"S1"}, plan.Steps[2].DependsOn)
	assert.Equal(t, []string{"S2", "S3"}, plan.Steps[3].DependsOn)
}

func TestPlanBuilder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*actionflow.ActionPlan, error)
		code  string
	}{
		{
			"duplicate id",
			NewPlan("").Step("a", actionflow.CategoryTask, "x").Step("a", actionflow.CategoryTask, "y").Build,
			actionflow.ErrCodeValidation,
		},
		{
			"requires before any step",
			NewPlan("").Requires("a", "id").Build,
			actionflow.ErrCodeValidation,
		},
		{
			"unknown dependency",
			NewPlan("").Step("a", actionflow.CategoryTask, "x").DependsOn("zzz").Build,
			actionflow.ErrCodeValidation,
		},
		{
			"unknown category",
			NewPlan("").Step("a", "weather", "x").Build,
			actionflow.ErrCodeValidation,
		},
		{
			"forward reference",
			NewPlan("").Step("a", actionflow.CategoryTask, "x", WithDependsOn("b")).Step("b", actionflow.CategoryTask, "y").Build,
			actionflow.ErrCodeValidation,
		},
		{
			"cycle",
			NewPlan("").
				Step("a", actionflow.CategoryTask, "x", WithDependsOn("b")).
				Step("b", actionflow.CategoryTask, "y", WithDependsOn("a")).Build,
			actionflow.ErrCodeCircularDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.Equal(t, tt.code, actionflow.ErrorCode(err))
		})
	}
}

func TestPlanBuilder_MustBuildPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPlan("").MustBuild()
	})
	assert.NotPanics(t, func() {
		NewPlan("").Step("a", actionflow.CategoryTask, "x").Params(map[string]any{"k": "v"}).MustBuild()
	})
}

func TestPlanBuilder_BuildReturnsCopy(t *testing.T) {
	b := NewPlan("").Step("a", actionflow.CategoryTask, "x", WithParam("k", "v"))
	first := b.MustBuild()
	first.Steps[0].Params["k"] = "changed"

	second := b.MustBuild()
	assert.Equal(t, "v", second.Steps[0].Params["k"])
}

func TestNormalize(t *testing.T) {
	plan := &actionflow.ActionPlan{Steps: []*actionflow.ActionStep{
		{ID: "S3", Category: actionflow.CategoryCalendar, Action: "create_event", Requires: []actionflow.Requirement{{StepID: "S2", Field: "start"}}},
		{ID: "S1", Category: actionflow.CategoryCalendar, Action: "list_events"},
		{ID: "S4", Category: actionflow.CategoryTask, Action: "create_task"},
		{ID: "S2", Category: actionflow.CategoryAnalysis, Action: "find_free_time", DependsOn: []string{"S1"}},
	}}
	require.Error(t, ValidateOrder(plan))

	out, err := Normalize(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S4", "S2", "S3"}, out.StepIDs())
	assert.NoError(t, ValidateOrder(out))
	assert.Equal(t, "S3", plan.Steps[0].ID, "input plan is left untouched")

	_, err = Normalize(&actionflow.ActionPlan{Steps: []*actionflow.ActionStep{
		{ID: "a", Category: actionflow.CategoryTask, Action: "x", DependsOn: []string{"a"}},
	}})
	assert.Equal(t, actionflow.ErrCodeCircularDependency, actionflow.ErrorCode(err))
}
