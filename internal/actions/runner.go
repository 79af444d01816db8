package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// DefaultTimeout bounds a single action invocation when none is configured.
const DefaultTimeout = 30 * time.Second

// TimeoutError is the ActionResult error reported when an invocation times out.
const TimeoutError = "timeout"

// PanicError reports a handler that panicked instead of returning a result.
type PanicError struct {
	Action string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("action %s panicked: %v", e.Action, e.Value)
}

// Runner invokes registered actions with a per-invocation timeout.
type Runner struct {
	registry *Registry
	timeout  time.Duration
}

// NewRunner creates a runner. A non-positive timeout uses DefaultTimeout.
func NewRunner(registry *Registry, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{registry: registry, timeout: timeout}
}

// Registry returns the registry the runner dispatches to.
func (r *Runner) Registry() *Registry {
	return r.registry
}

type invocation struct {
	result models.ActionResult
	err    error
}

// Invoke runs one action. A timeout yields {success:false, error:"timeout"}, also when
// the handler itself fails after its deadline; a handler still running is left in the
// background and its late result is dropped. An
// unknown name returns models.ErrUnknownAction and a panic returns *PanicError.
func (r *Runner) Invoke(ctx context.Context, name string, params map[string]any, actx Context) (models.ActionResult, error) {
	h, ok := r.registry.Get(name)
	if !ok {
		return models.ActionResult{}, fmt.Errorf("%w: %s", models.ErrUnknownAction, name)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan invocation, 1)
	start := time.Now()
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- invocation{err: &PanicError{Action: name, Value: v, Stack: debug.Stack()}}
			}
		}()
		done <- invocation{result: h.Execute(callCtx, params, actx)}
	}()

	select {
	case inv := <-done:
		if inv.err == nil && !inv.result.Success && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("Runner.Invoke: action gave up at its deadline", "action", name, "sessionID", actx.SessionID, "timeout", r.timeout)
			return models.ActionFailed(TimeoutError), nil
		}
		slog.Debug("Runner.Invoke: action finished", "action", name, "sessionID", actx.SessionID, "success", inv.result.Success, "duration", time.Since(start))
		return inv.result, inv.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("Runner.Invoke: action timed out", "action", name, "sessionID", actx.SessionID, "timeout", r.timeout)
			return models.ActionFailed(TimeoutError), nil
		}
		return models.ActionFailed(callCtx.Err().Error()), nil
	}
}

// RunList executes specs sequentially against s, merging each successful result into
// s.ExternalData before the next action runs. The first failure stops the list and is
// returned as *models.ActionFailure. An action whose fingerprint matches the one stored
// for its result key is skipped.
func (r *Runner) RunList(ctx context.Context, s *models.InterviewSession, specs []models.ActionSpec, questionKey, catalogVersion string) error {
	for _, spec := range specs {
		params := Substitute(spec.Parameters, s.Responses)
		key := spec.StorageKey()
		fp := Fingerprint(spec.ActionName, params, catalogVersion)

		if _, cached := s.ExternalData[key]; cached && s.ActionFingerprints[key] == fp {
			slog.Debug("Runner.RunList: cached result reused", "action", spec.ActionName, "sessionID", s.ID, "resultKey", key)
			continue
		}

		actx := Context{
			SessionID:    s.ID,
			QuestionKey:  questionKey,
			Responses:    models.CloneMap(s.Responses),
			ExternalData: models.CloneMap(s.ExternalData),
		}
		res, err := r.Invoke(ctx, spec.ActionName, params, actx)
		if err != nil {
			return err
		}
		if !res.Success {
			slog.Warn("Runner.RunList: action failed", "action", spec.ActionName, "sessionID", s.ID, "error", res.Error)
			return &models.ActionFailure{Action: spec.ActionName, Message: res.Error}
		}
		Merge(s, key, fp, res)
	}
	return nil
}

// Merge stores a successful result's data under key as a whole.
func Merge(s *models.InterviewSession, key, fingerprint string, res models.ActionResult) {
	if s.ExternalData == nil {
		s.ExternalData = map[string]any{}
	}
	if s.ActionFingerprints == nil {
		s.ActionFingerprints = map[string]string{}
	}
	s.ExternalData[key] = models.CloneMap(res.Data)
	if fingerprint != "" {
		s.ActionFingerprints[key] = fingerprint
	} else {
		delete(s.ActionFingerprints, key)
	}
}

// Fingerprint identifies an invocation by action name, substituted parameters and catalog version.
func Fingerprint(name string, params map[string]any, catalogVersion string) string {
	payload, err := json.Marshal(struct {
		Name    string         `json:"name"`
		Params  map[string]any `json:"params"`
		Catalog string         `json:"catalog"`
	}{name, params, catalogVersion})
	if err != nil {
		payload = []byte(fmt.Sprintf("%s|%v|%s", name, params, catalogVersion))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
