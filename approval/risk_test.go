package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sicko7947/actionflow"
)

func TestAssessRisk(t *testing.T) {
	tests := []struct {
		action string
		want   actionflow.RiskLevel
	}{
		{"send_email", actionflow.RiskHigh},
		{"send_sms", actionflow.RiskHigh},
		{"create_event", actionflow.RiskHigh},
		{"create_task", actionflow.RiskMedium},
		{"create_draft", actionflow.RiskMedium},
		{"create_contact", actionflow.RiskMedium},
		{"list_events", actionflow.RiskLow},
		{"find_free_time", actionflow.RiskLow},
		{"create_event_reminder", actionflow.RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			assert.Equal(t, tt.want, AssessRisk(tt.action))
		})
	}
}

func TestExpectedOutcome(t *testing.T) {
	assert.Equal(t, `A calendar event "Sync" will be created`,
		ExpectedOutcome(&actionflow.ActionStep{Action: "create_event", Params: map[string]any{"title": "Sync"}}))
	assert.Equal(t, "Check the weather",
		ExpectedOutcome(&actionflow.ActionStep{Action: "check_weather", Description: "Check the weather"}))
	assert.Equal(t, "Runs archive", ExpectedOutcome(&actionflow.ActionStep{Action: "archive"}))
	assert.Equal(t, "until you reply", EstimateTime(&actionflow.ActionStep{Category: actionflow.CategorySystem}))
}
