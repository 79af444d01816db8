// Package flow drives interview sessions through the question catalog.
package flow

import (
	"log/slog"
	"math"

	"github.com/BTreeMap/IntakePipe/internal/condition"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// Engine decides which catalog question a session sees next.
// It is stateless and safe for concurrent use.
type Engine struct {
	evaluator condition.Evaluator
}

// NewEngine returns an engine whose condition evaluator logs unknown operators.
func NewEngine() *Engine {
	return &Engine{evaluator: condition.Evaluator{
		OnUnknownOperator: func(op models.Operator) {
			slog.Warn("Engine: unknown condition operator treated as true", "operator", op)
		},
	}}
}

// Eligible reports whether q may be presented given responses. DependsOn names
// a question key and is looked up under that question's response key. The
// high-water mark is not considered here.
func (e *Engine) Eligible(catalog []models.QuestionDefinition, q models.QuestionDefinition, responses map[string]any) bool {
	if !q.IsActive {
		return false
	}
	if q.DependsOn != "" {
		if _, ok := responses[dependencyKey(catalog, q.DependsOn)]; !ok {
			return false
		}
	}
	return e.evaluator.Evaluate(q.ShowCondition, responses)
}

// dependencyKey maps a question key to the response key its answer is stored under.
func dependencyKey(catalog []models.QuestionDefinition, key string) string {
	for _, q := range catalog {
		if q.Key == key {
			return q.ResponseKey()
		}
	}
	return key
}

// NextQuestion returns the first eligible question at or above the session's
// high-water mark, or nil when the session is ready to complete. catalog must
// be sorted by order.
func (e *Engine) NextQuestion(catalog []models.QuestionDefinition, s *models.InterviewSession) *models.QuestionDefinition {
	for i := range catalog {
		q := catalog[i]
		if q.Order < s.CurrentStep {
			continue
		}
		if e.Eligible(catalog, q, s.Responses) {
			return &q
		}
	}
	return nil
}

// PreviousQuestion returns the last eligible question below the high-water mark.
func (e *Engine) PreviousQuestion(catalog []models.QuestionDefinition, s *models.InterviewSession) *models.QuestionDefinition {
	for i := len(catalog) - 1; i >= 0; i-- {
		q := catalog[i]
		if q.Order >= s.CurrentStep {
			continue
		}
		if e.Eligible(catalog, q, s.Responses) {
			return &q
		}
	}
	return nil
}

// FirstQuestion returns the first eligible question for an empty response map.
func (e *Engine) FirstQuestion(catalog []models.QuestionDefinition) *models.QuestionDefinition {
	empty := &models.InterviewSession{Responses: map[string]any{}}
	return e.NextQuestion(catalog, empty)
}

// Progress counts currently eligible questions and how many lie below the
// high-water mark. Completed sessions always report 100%.
func (e *Engine) Progress(catalog []models.QuestionDefinition, s *models.InterviewSession) models.Progress {
	var p models.Progress
	for _, q := range catalog {
		if !e.Eligible(catalog, q, s.Responses) {
			continue
		}
		p.TotalSteps++
		if q.Order < s.CurrentStep {
			p.CurrentStep++
		}
	}
	if s.Status == models.SessionStatusCompleted {
		p.CurrentStep = p.TotalSteps
		p.Percentage = 100
		return p
	}
	if p.TotalSteps > 0 {
		p.Percentage = int(math.Round(float64(p.CurrentStep) * 100 / float64(p.TotalSteps)))
	}
	return p
}
