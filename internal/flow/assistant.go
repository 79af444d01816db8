package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/actions"
	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/genai"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// maxFunctionCalls caps consecutive function calls within one user turn.
const maxFunctionCalls = 5

// SubmitResponseTool lets the model answer the current question on the user's behalf.
const SubmitResponseTool = "submit_response"

// DefaultSystemPrompt is the base instruction given to the language model.
const DefaultSystemPrompt = `You are a friendly onboarding assistant helping a new customer describe their business.
Keep replies short and conversational. Ask about the current question when one is pending.
When the user gives an answer to the current question, call submit_response with the question key and the value.
Use the available tools to look up their website when it helps; never invent tool results.`

// Converser is the language-model backend of the assistant.
type Converser interface {
	Converse(ctx context.Context, systemPrompt string, transcript []models.TranscriptMessage, tools []genai.Tool) (genai.Reply, error)
}

// ChatReply is the outcome of one assistant turn.
type ChatReply struct {
	Text          string `json:"text"`
	FunctionCalls int    `json:"functionCalls"`
	State         *State `json:"state,omitempty"`
}

// Assistant bridges free-form chat to the state machine and action registry.
type Assistant struct {
	machine      *Machine
	llm          Converser
	systemPrompt string
}

// AssistantOption configures an Assistant.
type AssistantOption func(*Assistant)

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) AssistantOption {
	return func(a *Assistant) {
		if strings.TrimSpace(prompt) != "" {
			a.systemPrompt = prompt
		}
	}
}

// NewAssistant creates an assistant bound to m.
func NewAssistant(m *Machine, llm Converser, opts ...AssistantOption) *Assistant {
	a := &Assistant{machine: m, llm: llm, systemPrompt: DefaultSystemPrompt}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SendMessage runs one user turn. The session lock is held for the whole turn
// so responses and actions requested by the model cannot interleave with other
// mutations. When the model exceeds the function call cap, the returned reply
// carries models.RephraseMessage alongside models.ErrFunctionCallLoopExceeded.
func (a *Assistant) SendMessage(ctx context.Context, id, text string) (*ChatReply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &models.ValidationError{QuestionKey: "message", Errors: []string{"Message must not be empty"}}
	}
	unlock, err := a.machine.locker.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, snap, err := a.machine.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireMutable(sess); err != nil {
		return nil, err
	}
	if err := a.append(ctx, id, models.TranscriptMessage{Role: models.RoleUser, Content: text}); err != nil {
		return nil, err
	}
	tools := a.tools()

	calls := 0
	for {
		if sess, snap, err = a.machine.load(ctx, id); err != nil {
			return nil, err
		}
		slog.Debug("Assistant.SendMessage: round start", "sessionID", id, "functionCalls", calls, "transcript", len(sess.Transcript))
		reply, err := a.llm.Converse(ctx, a.buildSystemPrompt(sess, snap), sess.Transcript, tools)
		if err != nil {
			slog.Error("Assistant.SendMessage: language model call failed", "error", err, "sessionID", id)
			return nil, fmt.Errorf("assistant backend failed: %w", err)
		}

		if reply.FunctionCall == nil {
			if err := a.append(ctx, id, models.TranscriptMessage{Role: models.RoleAssistant, Content: reply.Text}); err != nil {
				return nil, err
			}
			slog.Info("Assistant.SendMessage: reply generated", "sessionID", id, "functionCalls", calls, "length", len(reply.Text))
			return a.reply(ctx, id, reply.Text, calls)
		}

		calls++
		call := reply.FunctionCall
		if calls > maxFunctionCalls {
			slog.Warn("Assistant.SendMessage: function call limit reached", "sessionID", id, "limit", maxFunctionCalls, "lastFunction", call.Name)
			if err := a.append(ctx, id, models.TranscriptMessage{Role: models.RoleAssistant, Content: models.RephraseMessage}); err != nil {
				return nil, err
			}
			out, err := a.reply(ctx, id, models.RephraseMessage, maxFunctionCalls)
			if err != nil {
				return nil, err
			}
			return out, models.ErrFunctionCallLoopExceeded
		}

		slog.Info("Assistant.SendMessage: executing function call", "sessionID", id, "function", call.Name, "callID", call.ID,
			"params", formatFunctionParamsForLog(call.Parameters))
		if err := a.append(ctx, id, models.TranscriptMessage{Role: models.RoleAssistant, Content: reply.Text, FunctionCall: call}); err != nil {
			return nil, err
		}
		result, err := a.execute(ctx, id, call)
		if err != nil {
			return nil, err
		}
		if err := a.append(ctx, id, models.TranscriptMessage{
			Role:           models.RoleFunction,
			FunctionResult: &models.FunctionResult{CallID: call.ID, Name: call.Name, Result: result},
		}); err != nil {
			return nil, err
		}
	}
}

// execute dispatches one function call. Failures the model can react to are
// returned as failed results; terminal and storage errors abort the turn.
func (a *Assistant) execute(ctx context.Context, id string, call *models.FunctionCall) (models.ActionResult, error) {
	switch {
	case call.Name == SubmitResponseTool:
		key := actions.StringParam(call.Parameters, "questionKey")
		st, err := a.machine.submitLocked(ctx, id, key, call.Parameters["value"])
		if err != nil {
			return asFunctionResult(err)
		}
		data := map[string]any{"saved": key}
		if st.Question != nil {
			data["nextQuestion"] = st.Question.Key
		} else {
			data["readyToComplete"] = true
		}
		return models.ActionOK(data), nil
	case a.machine.runner.Registry().IsTool(call.Name):
		res, err := a.machine.runActionLocked(ctx, id, call.Name, call.Parameters)
		if err != nil {
			return asFunctionResult(err)
		}
		return res, nil
	default:
		slog.Warn("Assistant.execute: model requested an unavailable function", "sessionID", id, "function", call.Name)
		return models.ActionFailed("unknown function: " + call.Name), nil
	}
}

// asFunctionResult converts user-correctable and external faults into a failed
// result for the model. Other errors are returned unchanged.
func asFunctionResult(err error) (models.ActionResult, error) {
	var (
		verr     *models.ValidationError
		mismatch *models.StepMismatchError
		failure  *models.ActionFailure
	)
	switch {
	case errors.As(err, &verr):
		res := models.ActionFailed(strings.Join(verr.Errors, "; "))
		res.Data = map[string]any{"errors": append([]string(nil), verr.Errors...)}
		return res, nil
	case errors.As(err, &mismatch):
		return models.ActionFailed(mismatch.Error()), nil
	case errors.As(err, &failure):
		return models.ActionFailed(failure.Message), nil
	}
	return models.ActionResult{}, err
}

func (a *Assistant) append(ctx context.Context, id string, msg models.TranscriptMessage) error {
	msg.CreatedAt = a.machine.now()
	return a.machine.store.AppendTranscript(ctx, id, msg)
}

func (a *Assistant) reply(ctx context.Context, id, text string, calls int) (*ChatReply, error) {
	sess, snap, err := a.machine.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ChatReply{Text: text, FunctionCalls: calls, State: a.machine.state(snap, sess)}, nil
}

func (a *Assistant) tools() []genai.Tool {
	defs := a.machine.runner.Registry().Tools()
	tools := make([]genai.Tool, 0, len(defs)+1)
	tools = append(tools, genai.Tool{
		Name:        SubmitResponseTool,
		Description: "Save the user's answer to the current question. The value must satisfy the question's type and validation rules.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"questionKey": map[string]any{"type": "string", "description": "Key of the current question"},
				"value":       map[string]any{"description": "The answer, typed according to the question"},
			},
			"required": []string{"questionKey", "value"},
		},
	})
	for _, d := range defs {
		tools = append(tools, genai.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return tools
}

func (a *Assistant) buildSystemPrompt(sess *models.InterviewSession, snap catalog.Snapshot) string {
	var b strings.Builder
	b.WriteString(a.systemPrompt)

	if q := a.machine.engine.NextQuestion(snap.Questions, sess); q != nil {
		fmt.Fprintf(&b, "\n\nCURRENT QUESTION (key %q, type %s): %s", q.Key, q.Type, q.Prompt)
		if cfg, ok := q.Config.(*models.SelectionConfig); ok && len(cfg.Options) > 0 {
			values := make([]string, 0, len(cfg.Options))
			for _, o := range cfg.Options {
				values = append(values, o.Value)
			}
			fmt.Fprintf(&b, "\nAllowed values: %s", strings.Join(values, ", "))
		}
	} else {
		b.WriteString("\n\nAll questions are answered. Let the user know they can finish the interview.")
	}

	p := a.machine.engine.Progress(snap.Questions, sess)
	fmt.Fprintf(&b, "\nPROGRESS: %d of %d questions (%d%%)", p.CurrentStep, p.TotalSteps, p.Percentage)

	if len(sess.Responses) > 0 {
		b.WriteString("\n\nCOLLECTED RESPONSES:\n")
		b.WriteString(actions.FormatResponses(sess.Responses))
	}
	if summary := summarizeExternalData(sess.ExternalData); summary != "" {
		b.WriteString("\nBACKGROUND DATA FROM ACTIONS:\n")
		b.WriteString(summary)
	}
	return b.String()
}
