package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sicko7947/actionflow"
)

// Analysis actions
const (
	ActionFindFreeTime    = "find_free_time"
	ActionSummarizeEvents = "summarize_events"
)

// CalendarEvent is the shape analysis steps expect in an upstream "events" list
type CalendarEvent struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type eventsData struct {
	Events []CalendarEvent `json:"events"`
}

// FreeSlot is one open window in a day
type FreeSlot struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"durationMinutes"`
}

// AnalysisExecutor derives data from results already recorded in the run.
// It never calls a provider; missing upstream data fails the step.
type AnalysisExecutor struct {
	WorkdayStart string
	WorkdayEnd   string
	now          func() time.Time
}

// NewAnalysisExecutor creates an executor with a 09:00-17:00 working day
func NewAnalysisExecutor() *AnalysisExecutor {
	return &AnalysisExecutor{
		WorkdayStart: "09:00",
		WorkdayEnd:   "17:00",
		now:          time.Now,
	}
}

// ExecuteStep implements actionflow.StepExecutor
func (a *AnalysisExecutor) ExecuteStep(ctx context.Context, step *actionflow.ActionStep, ec *actionflow.ExecutionContext) *actionflow.StepResult {
	events, err := upstreamEvents(step, ec)
	if err != nil {
		return actionflow.NewFailureResult(step.ID, err)
	}

	switch step.Action {
	case ActionFindFreeTime:
		return a.findFreeTime(step, events)
	case ActionSummarizeEvents:
		return summarizeEvents(step, events)
	}
	return actionflow.NewFailureResult(step.ID,
		actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation, fmt.Sprintf("unsupported analysis action %q", step.Action), step.ID))
}

// upstreamEvents finds an events list in the sourceStep param or, failing
// that, in the step's dependencies in declaration order
func upstreamEvents(step *actionflow.ActionStep, ec *actionflow.ExecutionContext) ([]CalendarEvent, error) {
	var candidates []string
	if src := stringParam(step.Params, "sourceStep"); src != "" {
		candidates = append(candidates, src)
	}
	candidates = append(candidates, step.DependsOn...)
	for _, req := range step.Requires {
		candidates = append(candidates, req.StepID)
	}

	for _, id := range candidates {
		result, ok := ec.CompletedResult(id)
		if !ok {
			continue
		}
		if m, ok := result.Data.(map[string]any); ok {
			if _, has := m["events"]; !has {
				continue
			}
		}
		data, err := actionflow.GetResultData[eventsData](ec, id)
		if err != nil || data.Events == nil {
			continue
		}
		return data.Events, nil
	}

	return nil, actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation,
		"no calendar events found in earlier step results; list events before analysing them", step.ID)
}

func (a *AnalysisExecutor) findFreeTime(step *actionflow.ActionStep, events []CalendarEvent) *actionflow.StepResult {
	duration := time.Duration(intParam(step.Params, "durationMinutes")) * time.Minute
	if duration <= 0 {
		duration = 30 * time.Minute
	}

	day, err := a.day(step, events)
	if err != nil {
		return actionflow.NewFailureResult(step.ID, err)
	}
	windowStart, err1 := atClock(day, a.WorkdayStart)
	windowEnd, err2 := atClock(day, a.WorkdayEnd)
	if err1 != nil || err2 != nil || !windowEnd.After(windowStart) {
		return actionflow.NewFailureResult(step.ID,
			actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation, "invalid working hours", step.ID))
	}

	slots := FreeSlots(events, windowStart, windowEnd, duration)
	data := map[string]any{
		"date":  day.Format("2006-01-02"),
		"slots": slots,
		"count": len(slots),
	}
	message := fmt.Sprintf("No free slot of %d minutes on %s", int(duration.Minutes()), day.Format("2006-01-02"))
	if len(slots) > 0 {
		data["start"] = slots[0].Start.Format(time.RFC3339)
		data["end"] = slots[0].Start.Add(duration).Format(time.RFC3339)
		message = fmt.Sprintf("Found %d free slots, first at %s", len(slots), slots[0].Start.Format("15:04"))
	}
	return actionflow.NewSuccessResult(step.ID, data, message)
}

func (a *AnalysisExecutor) day(step *actionflow.ActionStep, events []CalendarEvent) (time.Time, error) {
	if raw := stringParam(step.Params, "date"); raw != "" {
		loc := time.UTC
		if len(events) > 0 {
			loc = events[0].Start.Location()
		}
		d, err := time.ParseInLocation("2006-01-02", raw, loc)
		if err != nil {
			return time.Time{}, actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation, fmt.Sprintf("invalid date %q", raw), step.ID)
		}
		return d, nil
	}
	ref := a.now()
	if len(events) > 0 {
		ref = events[0].Start
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, ref.Location()), nil
}

func atClock(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}

// FreeSlots returns the gaps of at least minDuration between events inside [start, end)
func FreeSlots(events []CalendarEvent, start, end time.Time, minDuration time.Duration) []FreeSlot {
	busy := make([]CalendarEvent, 0, len(events))
	for _, ev := range events {
		if ev.End.After(start) && ev.Start.Before(end) {
			busy = append(busy, ev)
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })

	var slots []FreeSlot
	cursor := start
	add := func(from, to time.Time) {
		if to.Sub(from) >= minDuration {
			slots = append(slots, FreeSlot{Start: from, End: to, DurationMinutes: int(to.Sub(from).Minutes())})
		}
	}
	for _, ev := range busy {
		if ev.Start.After(cursor) {
			add(cursor, ev.Start)
		}
		if ev.End.After(cursor) {
			cursor = ev.End
		}
	}
	if end.After(cursor) {
		add(cursor, end)
	}
	return slots
}

func summarizeEvents(step *actionflow.ActionStep, events []CalendarEvent) *actionflow.StepResult {
	sorted := append([]CalendarEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	titles := make([]string, 0, len(sorted))
	var b strings.Builder
	for _, ev := range sorted {
		titles = append(titles, ev.Title)
		fmt.Fprintf(&b, "%s-%s %s\n", ev.Start.Format("15:04"), ev.End.Format("15:04"), ev.Title)
	}

	summary := "No events scheduled"
	if len(sorted) > 0 {
		summary = fmt.Sprintf("%d events:\n%s", len(sorted), strings.TrimRight(b.String(), "\n"))
	}
	data := map[string]any{
		"count":   len(sorted),
		"titles":  titles,
		"summary": summary,
	}
	if len(sorted) > 0 {
		data["firstEventId"] = sorted[0].ID
	}
	return actionflow.NewSuccessResult(step.ID, data, summary)
}
