package flow

import (
	"testing"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

func q(order int, key string, qt models.QuestionType) models.QuestionDefinition {
	cfg, _ := models.ConfigFor(qt)
	return models.QuestionDefinition{Order: order, Key: key, Type: qt, Config: cfg, IsActive: true}
}

func sessionAt(step int, responses map[string]any) *models.InterviewSession {
	s := models.NewInterviewSession("s", fixedNow)
	s.Status = models.SessionStatusInProgress
	s.CurrentStep = step
	for k, v := range responses {
		s.Responses[k] = v
	}
	return s
}

func TestNextQuestion_DependsOn(t *testing.T) {
	url := q(1, "url", models.QuestionTypeInput)
	platform := q(2, "platform", models.QuestionTypeSelection)
	platform.DependsOn = "url"
	catalog := []models.QuestionDefinition{url, platform}
	e := NewEngine()

	if got := e.NextQuestion(catalog, sessionAt(2, nil)); got != nil {
		t.Fatalf("expected no eligible question without url response, got %s", got.Key)
	}
	got := e.NextQuestion(catalog, sessionAt(2, map[string]any{"url": "https://x.com"}))
	if got == nil || got.Key != "platform" {
		t.Fatalf("expected platform, got %v", got)
	}
}

func TestNextQuestion_DependsOnFollowsSaveToField(t *testing.T) {
	url := q(1, "url", models.QuestionTypeInput)
	url.SaveToField = "website"
	platform := q(2, "platform", models.QuestionTypeSelection)
	platform.DependsOn = "url"
	catalog := []models.QuestionDefinition{url, platform}
	e := NewEngine()

	got := e.NextQuestion(catalog, sessionAt(2, map[string]any{"website": "https://x.com"}))
	if got == nil || got.Key != "platform" {
		t.Fatalf("expected platform once the answer is stored under saveToField, got %v", got)
	}
	if got := e.NextQuestion(catalog, sessionAt(2, map[string]any{"url": "https://x.com"})); got != nil {
		t.Errorf("the question key itself is not where the answer lives, got %s", got.Key)
	}
}

func TestNextQuestion_ShowConditionSkips(t *testing.T) {
	wp := q(2, "wp_version", models.QuestionTypeInput)
	wp.ShowCondition = &models.Condition{Field: "platform", Operator: models.OperatorEquals, Value: "wordpress"}
	catalog := []models.QuestionDefinition{
		q(1, "platform", models.QuestionTypeSelection),
		wp,
		q(3, "goals", models.QuestionTypeInput),
	}
	e := NewEngine()

	got := e.NextQuestion(catalog, sessionAt(2, map[string]any{"platform": "shopify"}))
	if got == nil || got.Key != "goals" {
		t.Fatalf("expected goals after skipping wp_version, got %v", got)
	}
	got = e.NextQuestion(catalog, sessionAt(2, map[string]any{"platform": "wordpress"}))
	if got == nil || got.Key != "wp_version" {
		t.Fatalf("expected wp_version, got %v", got)
	}
}

func TestNextQuestion_InactiveAndUnknownOperator(t *testing.T) {
	inactive := q(1, "old", models.QuestionTypeInput)
	inactive.IsActive = false
	odd := q(2, "odd", models.QuestionTypeInput)
	odd.ShowCondition = &models.Condition{Field: "x", Operator: "matchesRegex", Value: ".*"}
	catalog := []models.QuestionDefinition{inactive, odd}

	got := NewEngine().NextQuestion(catalog, sessionAt(0, nil))
	if got == nil || got.Key != "odd" {
		t.Fatalf("expected unknown operator to fail open, got %v", got)
	}
}

func TestNextQuestion_NeverBelowHighWaterMark(t *testing.T) {
	catalog := []models.QuestionDefinition{
		q(1, "a", models.QuestionTypeInput),
		q(2, "b", models.QuestionTypeInput),
		q(5, "c", models.QuestionTypeInput),
		q(9, "d", models.QuestionTypeInput),
	}
	e := NewEngine()
	for step := 0; step <= 10; step++ {
		got := e.NextQuestion(catalog, sessionAt(step, nil))
		if got != nil && got.Order < step {
			t.Errorf("step %d: returned %s with order %d", step, got.Key, got.Order)
		}
	}
	if got := e.NextQuestion(catalog, sessionAt(10, nil)); got != nil {
		t.Errorf("expected nil past the last question, got %s", got.Key)
	}
}

func TestPreviousQuestion(t *testing.T) {
	hidden := q(2, "hidden", models.QuestionTypeInput)
	hidden.ShowCondition = &models.Condition{Field: "a", Operator: models.OperatorEquals, Value: "show"}
	catalog := []models.QuestionDefinition{q(1, "a", models.QuestionTypeInput), hidden, q(3, "c", models.QuestionTypeInput)}
	e := NewEngine()

	got := e.PreviousQuestion(catalog, sessionAt(3, map[string]any{"a": "skip"}))
	if got == nil || got.Key != "a" {
		t.Fatalf("expected a, got %v", got)
	}
	if got := e.PreviousQuestion(catalog, sessionAt(1, nil)); got != nil {
		t.Fatalf("expected nil before the first question, got %s", got.Key)
	}
}

func TestProgress(t *testing.T) {
	gated := q(3, "gated", models.QuestionTypeInput)
	gated.DependsOn = "b"
	catalog := []models.QuestionDefinition{q(1, "a", models.QuestionTypeInput), q(2, "b", models.QuestionTypeInput), gated, q(4, "d", models.QuestionTypeInput)}
	e := NewEngine()

	p := e.Progress(catalog, sessionAt(2, map[string]any{"a": "x"}))
	if p.TotalSteps != 3 || p.CurrentStep != 1 || p.Percentage != 33 {
		t.Errorf("unexpected progress: %+v", p)
	}
	p = e.Progress(catalog, sessionAt(4, map[string]any{"a": "x", "b": "y", "gated": "z"}))
	if p.TotalSteps != 4 || p.CurrentStep != 3 || p.Percentage != 75 {
		t.Errorf("unexpected progress: %+v", p)
	}

	done := sessionAt(5, map[string]any{"a": "x"})
	done.Status = models.SessionStatusCompleted
	p = e.Progress(catalog, done)
	if p.Percentage != 100 || p.CurrentStep != p.TotalSteps {
		t.Errorf("completed session should report 100%%: %+v", p)
	}

	if p := e.Progress(nil, sessionAt(0, nil)); p.Percentage != 0 || p.TotalSteps != 0 {
		t.Errorf("empty catalog progress: %+v", p)
	}
}
