package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound is returned when a session ID is unknown to the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBusy is returned when another mutation holds the session lock. Retry after a short delay.
	ErrBusy = errors.New("session is busy, retry shortly")
	// ErrNotEligible is returned when completion is requested while questions remain.
	ErrNotEligible = errors.New("interview is not yet eligible for completion")
	// ErrFunctionCallLoopExceeded is returned when the assistant keeps requesting actions.
	ErrFunctionCallLoopExceeded = errors.New("assistant exceeded the function call limit")
	// ErrUnknownAction is returned when no handler is registered under a name.
	ErrUnknownAction = errors.New("unknown action")
	// ErrSessionExists is returned when creating a session whose ID is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidTransition is returned when a lifecycle transition is not permitted from the current status.
	ErrInvalidTransition = errors.New("transition not permitted from current status")
	// ErrNoPreviousQuestion is returned when going back from the first eligible question.
	ErrNoPreviousQuestion = errors.New("no previous question to return to")
)

// RephraseMessage is shown to the user when the assistant loop cap is hit.
const RephraseMessage = "Sorry, I couldn't finish that request. Could you please rephrase it?"

// ValidationError carries user-correctable validation messages for one question.
type ValidationError struct {
	QuestionKey string
	Errors      []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid response for %s: %s", e.QuestionKey, strings.Join(e.Errors, "; "))
}

// ActionFailure is an external-system fault raised by an action.
// Message is the handler's error string, unchanged.
type ActionFailure struct {
	Action  string
	Message string
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("action %s failed: %s", e.Action, e.Message)
}

// TerminalStateError is returned for any mutation attempted on a COMPLETED or CANCELLED session.
type TerminalStateError struct {
	SessionID string
	Status    SessionStatus
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("session %s is %s and no longer accepts changes", e.SessionID, e.Status)
}

// StepMismatchError is returned when a response targets a question other than the current one.
type StepMismatchError struct {
	Expected string
	Got      string
}

func (e *StepMismatchError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("no question is awaiting a response (got %s)", e.Got)
	}
	return fmt.Sprintf("response for %s does not match current question %s", e.Got, e.Expected)
}
