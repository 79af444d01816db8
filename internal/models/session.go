package models

import (
	"time"
)

// SessionStatus is the lifecycle status of an interview session.
type SessionStatus string

const (
	// SessionStatusNotStarted is a created session that has not accepted a response yet.
	SessionStatusNotStarted SessionStatus = "NOT_STARTED"
	// SessionStatusInProgress is a session accepting responses.
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	// SessionStatusCompleted is a finished session. It is immutable.
	SessionStatusCompleted SessionStatus = "COMPLETED"
	// SessionStatusCancelled is an abandoned session. It is immutable.
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// IsTerminal reports whether no further mutation is accepted in this status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// MessageRole identifies the author of a transcript message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleFunction  MessageRole = "function"
)

// FunctionCall is a structured action request made by the language model.
type FunctionCall struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// FunctionResult is the outcome of a FunctionCall fed back to the language model.
type FunctionResult struct {
	CallID string       `json:"callId,omitempty"`
	Name   string       `json:"name"`
	Result ActionResult `json:"result"`
}

// TranscriptMessage is one entry of the append-only session transcript.
type TranscriptMessage struct {
	Role           MessageRole     `json:"role"`
	Content        string          `json:"content"`
	FunctionCall   *FunctionCall   `json:"functionCall,omitempty"`
	FunctionResult *FunctionResult `json:"functionResult,omitempty"`
	QuestionKey    string          `json:"questionKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// InterviewSession is one user's run through the catalog.
type InterviewSession struct {
	ID     string        `json:"id"`
	Status SessionStatus `json:"status"`
	// CurrentStep is the order of the current question and the session's high-water mark.
	CurrentStep  int            `json:"currentStep"`
	Responses    map[string]any `json:"responses"`
	ExternalData map[string]any `json:"externalData"`
	// ActionFingerprints maps an externalData key to the fingerprint of the
	// invocation that produced it.
	ActionFingerprints map[string]string `json:"actionFingerprints,omitempty"`
	// ActionsRunStep is the highest question order whose autoActions have succeeded.
	ActionsRunStep int                 `json:"actionsRunStep"`
	Transcript     []TranscriptMessage `json:"transcript"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	CancelledAt    *time.Time          `json:"cancelledAt,omitempty"`
}

// NewInterviewSession returns a NOT_STARTED session with initialized maps.
func NewInterviewSession(id string, now time.Time) *InterviewSession {
	return &InterviewSession{
		ID:                 id,
		Status:             SessionStatusNotStarted,
		Responses:          map[string]any{},
		ExternalData:       map[string]any{},
		ActionFingerprints: map[string]string{},
		Transcript:         []TranscriptMessage{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// HasResponse reports whether key has a stored, non-nil response.
func (s *InterviewSession) HasResponse(key string) bool {
	v, ok := s.Responses[key]
	return ok && v != nil
}

// Clone returns a deep copy. Mutations always happen on a clone so readers of
// the previous snapshot never observe a half-written state.
func (s *InterviewSession) Clone() *InterviewSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Responses = CloneMap(s.Responses)
	out.ExternalData = CloneMap(s.ExternalData)
	out.ActionFingerprints = make(map[string]string, len(s.ActionFingerprints))
	for k, v := range s.ActionFingerprints {
		out.ActionFingerprints[k] = v
	}
	out.Transcript = make([]TranscriptMessage, len(s.Transcript))
	for i, m := range s.Transcript {
		out.Transcript[i] = m.Clone()
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		out.CancelledAt = &t
	}
	return &out
}

// Clone returns a deep copy of the message.
func (m TranscriptMessage) Clone() TranscriptMessage {
	out := m
	if m.FunctionCall != nil {
		fc := *m.FunctionCall
		fc.Parameters = CloneMap(m.FunctionCall.Parameters)
		out.FunctionCall = &fc
	}
	if m.FunctionResult != nil {
		fr := *m.FunctionResult
		fr.Result.Data = CloneMap(m.FunctionResult.Result.Data)
		out.FunctionResult = &fr
	}
	return out
}

// CloneMap deep-copies nested maps and slices, keeping scalar values as-is.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies v when it is a map or slice.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Progress reports how far a session has advanced through the eligible questions.
type Progress struct {
	CurrentStep int `json:"currentStep"`
	TotalSteps  int `json:"totalSteps"`
	Percentage  int `json:"percentage"`
}
