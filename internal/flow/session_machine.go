package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/IntakePipe/internal/actions"
	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
	"github.com/BTreeMap/IntakePipe/internal/validation"
)

// State is what a presentation layer needs after any operation.
type State struct {
	Session *models.InterviewSession `json:"session"`
	// Question is nil when no eligible question remains or the session is terminal.
	Question *models.QuestionDefinition `json:"question,omitempty"`
	Progress models.Progress            `json:"progress"`
}

// Machine is the session state machine. Every mutation runs under the
// session lock on a clone of the stored session and is published with a
// single atomic save.
type Machine struct {
	store    store.Store
	catalog  catalog.Reader
	engine   *Engine
	runner   *actions.Runner
	locker   SessionLocker
	finalize []models.ActionSpec
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithLocker replaces the default in-process session locker.
func WithLocker(l SessionLocker) Option {
	return func(m *Machine) { m.locker = l }
}

// WithFinalizeActions sets the actions run by CompleteInterview.
func WithFinalizeActions(specs ...models.ActionSpec) Option {
	return func(m *Machine) { m.finalize = specs }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine wires a state machine over the given collaborators.
func NewMachine(st store.Store, cat catalog.Reader, runner *actions.Runner, opts ...Option) *Machine {
	m := &Machine{
		store:   st,
		catalog: cat,
		engine:  NewEngine(),
		runner:  runner,
		locker:  NewMemoryLocker(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Engine returns the flow engine used by the machine.
func (m *Machine) Engine() *Engine {
	return m.engine
}

// CreateSession stores a NOT_STARTED session positioned at the first eligible
// question. An empty id is replaced by a random UUID.
func (m *Machine) CreateSession(ctx context.Context, id string) (*State, error) {
	if id == "" {
		id = uuid.NewString()
	}
	snap, err := m.catalog.Current(ctx)
	if err != nil {
		return nil, err
	}
	sess := models.NewInterviewSession(id, m.now())
	if first := m.engine.FirstQuestion(snap.Questions); first != nil {
		sess.CurrentStep = first.Order
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	slog.Info("Machine.CreateSession: session created", "sessionID", id, "currentStep", sess.CurrentStep)
	return m.state(snap, sess), nil
}

// Session returns the stored session.
func (m *Machine) Session(ctx context.Context, id string) (*models.InterviewSession, error) {
	return m.store.LoadSession(ctx, id)
}

// Start moves a NOT_STARTED session to IN_PROGRESS. It is a no-op for IN_PROGRESS.
func (m *Machine) Start(ctx context.Context, id string) (*State, error) {
	unlock, err := m.locker.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, snap, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireMutable(sess); err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusInProgress {
		return m.presentLocked(ctx, sess, snap)
	}
	work := sess.Clone()
	work.Status = models.SessionStatusInProgress
	work.UpdatedAt = m.now()
	if err := m.store.SaveSession(ctx, work); err != nil {
		return nil, err
	}
	slog.Info("Machine.Start: session started", "sessionID", id)
	return m.presentLocked(ctx, work, snap)
}

// GetCurrentQuestion returns the question the session is waiting on. When that
// question's autoActions have not succeeded yet they run first; actions at or
// below the high-water mark are never run again.
func (m *Machine) GetCurrentQuestion(ctx context.Context, id string) (*State, error) {
	sess, snap, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.hasPendingActions(snap, sess) {
		return m.state(snap, sess), nil
	}
	unlock, err := m.locker.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if sess, snap, err = m.load(ctx, id); err != nil {
		return nil, err
	}
	return m.presentLocked(ctx, sess, snap)
}

// SubmitResponse validates and stores the answer to the current question, then
// advances to the next one once its autoActions succeed.
func (m *Machine) SubmitResponse(ctx context.Context, id, questionKey string, value any) (*State, error) {
	unlock, err := m.locker.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.submitLocked(ctx, id, questionKey, value)
}

// GoBack rewinds the high-water mark to the previous eligible question.
// Side effects of the questions in between are kept and not re-run.
func (m *Machine) GoBack(ctx context.Context, id string) (*State, error) {
	unlock, err := m.locker.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, snap, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireInProgress(sess); err != nil {
		return nil, err
	}
	prev := m.engine.PreviousQuestion(snap.Questions, sess)
	if prev == nil {
		return nil, models.ErrNoPreviousQuestion
	}
	work := sess.Clone()
	work.CurrentStep = prev.Order
	work.UpdatedAt = m.now()
	if err := m.store.SaveSession(ctx, work); err != nil {
		return nil, err
	}
	slog.Info("Machine.GoBack: rewound session", "sessionID", id, "from", sess.CurrentStep, "to", prev.Order)
	return m.state(snap, work), nil
}

// CompleteInterview finalizes a session whose catalog is exhausted. Finalize
// actions run first; if one fails the status is left unchanged.
func (m *Machine) CompleteInterview(ctx context.Context, id string) (*State, error) {
	unlock, err := m.locker.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, snap, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireInProgress(sess); err != nil {
		return nil, err
	}
	if next := m.engine.NextQuestion(snap.Questions, sess); next != nil {
		slog.Debug("Machine.CompleteInterview: questions remain", "sessionID", id, "next", next.Key)
		return nil, fmt.Errorf("%w: question %s is still pending", models.ErrNotEligible, next.Key)
	}

	work := sess.Clone()
	if len(m.finalize) > 0 {
		if err := m.runActions(ctx, work, m.finalize, "", snap.Version); err != nil {
			return nil, err
		}
	}
	now := m.now()
	work.Status = models.SessionStatusCompleted
	work.CompletedAt = &now
	work.UpdatedAt = now
	if err := m.store.SaveSession(ctx, work); err != nil {
		return nil, err
	}
	slog.Info("Machine.CompleteInterview: session completed", "sessionID", id, "responses", len(work.Responses))
	return m.state(snap, work), nil
}

// Cancel moves an IN_PROGRESS session to CANCELLED. It does not wait for the
// session lock: an action in flight finds the session cancelled when it tries
// to save and its result is discarded.
func (m *Machine) Cancel(ctx context.Context, id string) (*State, error) {
	sess, err := m.store.CancelSession(ctx, id, m.now())
	if err != nil {
		return nil, err
	}
	snap, err := m.catalog.Current(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("Machine.Cancel: session cancelled", "sessionID", id)
	return m.state(snap, sess), nil
}

// GetProgress reports the session's position among currently eligible questions.
func (m *Machine) GetProgress(ctx context.Context, id string) (models.Progress, error) {
	sess, snap, err := m.load(ctx, id)
	if err != nil {
		return models.Progress{}, err
	}
	return m.engine.Progress(snap.Questions, sess), nil
}

// RunAction invokes a registered action on behalf of the session and merges a
// successful result into externalData. A failed result is returned as-is.
func (m *Machine) RunAction(ctx context.Context, id, name string, params map[string]any) (models.ActionResult, error) {
	unlock, err := m.locker.TryLock(ctx, id)
	if err != nil {
		return models.ActionResult{}, err
	}
	defer unlock()
	return m.runActionLocked(ctx, id, name, params)
}

func (m *Machine) runActionLocked(ctx context.Context, id, name string, params map[string]any) (models.ActionResult, error) {
	sess, snap, err := m.load(ctx, id)
	if err != nil {
		return models.ActionResult{}, err
	}
	if err := requireMutable(sess); err != nil {
		return models.ActionResult{}, err
	}
	resolved := actions.Substitute(params, sess.Responses)
	fp := actions.Fingerprint(name, resolved, snap.Version)
	if data, cached := sess.ExternalData[name]; cached && sess.ActionFingerprints[name] == fp {
		slog.Debug("Machine.RunAction: cached result reused", "sessionID", id, "action", name)
		cachedData, _ := data.(map[string]any)
		return models.ActionOK(models.CloneMap(cachedData)), nil
	}
	actx := actions.Context{
		SessionID:    sess.ID,
		Responses:    models.CloneMap(sess.Responses),
		ExternalData: models.CloneMap(sess.ExternalData),
	}
	if q := m.engine.NextQuestion(snap.Questions, sess); q != nil {
		actx.QuestionKey = q.Key
	}
	res, err := m.runner.Invoke(ctx, name, resolved, actx)
	if err != nil {
		return models.ActionResult{}, toActionFailure(name, err)
	}
	if !res.Success {
		slog.Warn("Machine.RunAction: action failed", "sessionID", id, "action", name, "error", res.Error)
		return res, nil
	}
	work := sess.Clone()
	actions.Merge(work, name, fp, res)
	work.UpdatedAt = m.now()
	if err := m.store.SaveSession(ctx, work); err != nil {
		return models.ActionResult{}, err
	}
	return res, nil
}

func (m *Machine) submitLocked(ctx context.Context, id, questionKey string, value any) (*State, error) {
	sess, snap, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireMutable(sess); err != nil {
		return nil, err
	}
	cur := m.engine.NextQuestion(snap.Questions, sess)
	if cur == nil || cur.Key != questionKey {
		expected := ""
		if cur != nil {
			expected = cur.Key
		}
		return nil, &models.StepMismatchError{Expected: expected, Got: questionKey}
	}
	if res := validation.Validate(*cur, value); !res.Valid {
		slog.Debug("Machine.SubmitResponse: validation failed", "sessionID", id, "question", cur.Key, "errors", res.Errors)
		return nil, res.Err(cur.Key)
	}

	work := sess.Clone()
	now := m.now()
	if work.Status == models.SessionStatusNotStarted {
		work.Status = models.SessionStatusInProgress
	}
	if cur.Order > work.ActionsRunStep && len(cur.AutoActions) > 0 {
		if err := m.runActions(ctx, work, cur.AutoActions, cur.Key, snap.Version); err != nil {
			return nil, m.keepActionResults(ctx, sess, work, err)
		}
	}
	work.ActionsRunStep = max(work.ActionsRunStep, cur.Order)

	// Actions of the next question see the new answer but it is only kept
	// when they all succeed.
	candidate := work.Clone()
	candidate.Responses[cur.ResponseKey()] = models.CloneValue(value)
	candidate.Transcript = append(candidate.Transcript, models.TranscriptMessage{
		Role:        models.RoleUser,
		Content:     describeValue(value),
		QuestionKey: cur.Key,
		CreatedAt:   now,
	})
	candidate.CurrentStep = cur.Order + 1
	next := m.engine.NextQuestion(snap.Questions, candidate)
	if next != nil {
		if err := m.runActions(ctx, candidate, next.AutoActions, next.Key, snap.Version); err != nil {
			work.ExternalData = candidate.ExternalData
			work.ActionFingerprints = candidate.ActionFingerprints
			return nil, m.keepActionResults(ctx, sess, work, err)
		}
		candidate.CurrentStep = next.Order
		candidate.ActionsRunStep = max(candidate.ActionsRunStep, next.Order)
	}
	candidate.UpdatedAt = now
	if err := m.store.SaveSession(ctx, candidate); err != nil {
		return nil, err
	}
	nextKey := ""
	if next != nil {
		nextKey = next.Key
	}
	slog.Info("Machine.SubmitResponse: response accepted", "sessionID", id, "question", cur.Key, "next", nextKey)
	return m.state(snap, candidate), nil
}

// presentLocked runs the current question's pending autoActions, if any.
func (m *Machine) presentLocked(ctx context.Context, sess *models.InterviewSession, snap catalog.Snapshot) (*State, error) {
	if !m.hasPendingActions(snap, sess) {
		return m.state(snap, sess), nil
	}
	q := m.engine.NextQuestion(snap.Questions, sess)
	work := sess.Clone()
	if err := m.runActions(ctx, work, q.AutoActions, q.Key, snap.Version); err != nil {
		return nil, m.keepActionResults(ctx, sess, work, err)
	}
	work.CurrentStep = q.Order
	work.ActionsRunStep = q.Order
	work.UpdatedAt = m.now()
	if err := m.store.SaveSession(ctx, work); err != nil {
		return nil, err
	}
	return m.state(snap, work), nil
}

func (m *Machine) hasPendingActions(snap catalog.Snapshot, sess *models.InterviewSession) bool {
	if sess.Status.IsTerminal() {
		return false
	}
	q := m.engine.NextQuestion(snap.Questions, sess)
	return q != nil && len(q.AutoActions) > 0 && q.Order > sess.ActionsRunStep
}

// runActions runs specs on work and converts unexpected handler faults into
// *models.ActionFailure so nothing else escapes to the caller.
func (m *Machine) runActions(ctx context.Context, work *models.InterviewSession, specs []models.ActionSpec, questionKey, version string) error {
	if len(specs) == 0 {
		return nil
	}
	err := m.runner.RunList(ctx, work, specs, questionKey, version)
	if err == nil {
		return nil
	}
	var failure *models.ActionFailure
	if errors.As(err, &failure) {
		return failure
	}
	return toActionFailure("", err)
}

// keepActionResults persists results of actions that succeeded before cause
// while leaving responses and the step untouched. It returns cause, or the
// terminal-state error when the session was cancelled meanwhile.
func (m *Machine) keepActionResults(ctx context.Context, orig, work *models.InterviewSession, cause error) error {
	if maps.Equal(orig.ActionFingerprints, work.ActionFingerprints) {
		return cause
	}
	keep := orig.Clone()
	keep.ExternalData = work.ExternalData
	keep.ActionFingerprints = work.ActionFingerprints
	keep.UpdatedAt = m.now()
	if err := m.store.SaveSession(ctx, keep); err != nil {
		var terminal *models.TerminalStateError
		if errors.As(err, &terminal) {
			return err
		}
		slog.Warn("Machine: failed to keep partial action results", "sessionID", orig.ID, "error", err)
	}
	return cause
}

func (m *Machine) load(ctx context.Context, id string) (*models.InterviewSession, catalog.Snapshot, error) {
	sess, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return nil, catalog.Snapshot{}, err
	}
	snap, err := m.catalog.Current(ctx)
	if err != nil {
		return nil, catalog.Snapshot{}, fmt.Errorf("failed to read catalog: %w", err)
	}
	return sess, snap, nil
}

func (m *Machine) state(snap catalog.Snapshot, sess *models.InterviewSession) *State {
	st := &State{Session: sess, Progress: m.engine.Progress(snap.Questions, sess)}
	if !sess.Status.IsTerminal() {
		st.Question = m.engine.NextQuestion(snap.Questions, sess)
	}
	return st
}

func requireMutable(sess *models.InterviewSession) error {
	if sess.Status.IsTerminal() {
		return &models.TerminalStateError{SessionID: sess.ID, Status: sess.Status}
	}
	return nil
}

func requireInProgress(sess *models.InterviewSession) error {
	if err := requireMutable(sess); err != nil {
		return err
	}
	if sess.Status != models.SessionStatusInProgress {
		return fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, models.ErrInvalidTransition)
	}
	return nil
}

// toActionFailure turns a handler panic or an unknown action into an ActionFailure.
func toActionFailure(name string, err error) error {
	var perr *actions.PanicError
	if errors.As(err, &perr) {
		slog.Error("Machine: action panicked", "action", perr.Action, "panic", perr.Value, "stack", string(perr.Stack))
		return &models.ActionFailure{Action: perr.Action, Message: "internal error"}
	}
	if errors.Is(err, models.ErrUnknownAction) {
		slog.Error("Machine: unknown action", "action", name, "error", err)
		return &models.ActionFailure{Action: name, Message: err.Error()}
	}
	return err
}

// describeValue renders a response for the transcript.
func describeValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
