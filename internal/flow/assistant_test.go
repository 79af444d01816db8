package flow

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/BTreeMap/IntakePipe/internal/actions"
	"github.com/BTreeMap/IntakePipe/internal/genai"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// scriptedConverser returns replies in order and repeats the last one.
type scriptedConverser struct {
	replies     []genai.Reply
	calls       int
	lastPrompt  string
	lastHistory []models.TranscriptMessage
	lastTools   []genai.Tool
	err         error
}

func (s *scriptedConverser) Converse(ctx context.Context, systemPrompt string, transcript []models.TranscriptMessage, tools []genai.Tool) (genai.Reply, error) {
	s.lastPrompt, s.lastHistory, s.lastTools = systemPrompt, transcript, tools
	if s.err != nil {
		return genai.Reply{}, s.err
	}
	i := s.calls
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	s.calls++
	return s.replies[i], nil
}

func call(id, name string, params map[string]any) genai.Reply {
	return genai.Reply{FunctionCall: &models.FunctionCall{ID: id, Name: name, Parameters: params}}
}

func TestAssistant_TextReply(t *testing.T) {
	h := newHarness(t, scenarioACatalog())
	llm := &scriptedConverser{replies: []genai.Reply{{Text: "Hi! What's your website?"}}}
	a := NewAssistant(h.machine, llm, WithSystemPrompt("Be brief."))
	ctx := context.Background()
	id := h.create(t)

	reply, err := a.SendMessage(ctx, id, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.Text != "Hi! What's your website?" || reply.FunctionCalls != 0 {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if !strings.HasPrefix(llm.lastPrompt, "Be brief.") || !strings.Contains(llm.lastPrompt, `key "url"`) {
		t.Errorf("system prompt missing base prompt or current question: %s", llm.lastPrompt)
	}
	if len(llm.lastHistory) != 1 || llm.lastHistory[0].Content != "hello" {
		t.Errorf("model did not see the user message: %+v", llm.lastHistory)
	}
	if llm.lastTools[0].Name != SubmitResponseTool {
		t.Errorf("expected submit_response tool first, got %+v", llm.lastTools)
	}

	sess, _ := h.machine.Session(ctx, id)
	if len(sess.Transcript) != 2 || sess.Transcript[1].Role != models.RoleAssistant {
		t.Errorf("unexpected transcript: %+v", sess.Transcript)
	}
}

func TestAssistant_FunctionCallThenText(t *testing.T) {
	h := newHarness(t, scenarioACatalog())
	var calls int32
	if err := h.reg.RegisterTool(actions.Definition{Name: "crawl_website", Description: "test tool"}, countingAction(&calls, models.ActionOK(map[string]any{"title": "Acme"}))); err != nil {
		t.Fatalf("register: %v", err)
	}
	llm := &scriptedConverser{replies: []genai.Reply{
		call("c1", "crawl_website", map[string]any{"url": "https://x.com"}),
		{Text: "Your site is Acme."},
	}}
	a := NewAssistant(h.machine, llm)
	ctx := context.Background()
	id := h.create(t)

	reply, err := a.SendMessage(ctx, id, "look at https://x.com")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.Text != "Your site is Acme." || reply.FunctionCalls != 1 || calls != 1 {
		t.Fatalf("unexpected reply: %+v (calls=%d)", reply, calls)
	}
	sess, _ := h.machine.Session(ctx, id)
	roles := make([]models.MessageRole, 0, len(sess.Transcript))
	for _, m := range sess.Transcript {
		roles = append(roles, m.Role)
	}
	want := []models.MessageRole{models.RoleUser, models.RoleAssistant, models.RoleFunction, models.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("unexpected transcript roles: %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("unexpected transcript roles: %v", roles)
		}
	}
	result := sess.Transcript[2].FunctionResult
	if result == nil || result.CallID != "c1" || !result.Result.Success {
		t.Errorf("unexpected function result: %+v", result)
	}
	if sess.ExternalData["crawl_website"] == nil {
		t.Errorf("tool result not merged into externalData")
	}
	if !strings.Contains(llm.lastPrompt, "crawl_website") {
		t.Errorf("second round prompt should include background data: %s", llm.lastPrompt)
	}
}

func TestAssistant_SubmitResponseTool(t *testing.T) {
	h := newHarness(t, scenarioACatalog())
	llm := &scriptedConverser{replies: []genai.Reply{
		call("c1", SubmitResponseTool, map[string]any{"questionKey": "url", "value": ""}),
		call("c2", SubmitResponseTool, map[string]any{"questionKey": "url", "value": "https://x.com"}),
		{Text: "Saved. Which platform?"},
	}}
	a := NewAssistant(h.machine, llm)
	ctx := context.Background()
	id := h.create(t)

	reply, err := a.SendMessage(ctx, id, "my site is https://x.com")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.State == nil || reply.State.Question == nil || reply.State.Question.Key != "platform" {
		t.Fatalf("expected session to advance to platform: %+v", reply.State)
	}
	sess, _ := h.machine.Session(ctx, id)
	if sess.Responses["url"] != "https://x.com" || sess.Status != models.SessionStatusInProgress {
		t.Errorf("response not saved through the state machine: %+v", sess)
	}
	var rejected *models.FunctionResult
	for _, m := range sess.Transcript {
		if m.FunctionResult != nil && m.FunctionResult.CallID == "c1" {
			rejected = m.FunctionResult
		}
	}
	if rejected == nil || rejected.Result.Success || !strings.Contains(rejected.Result.Error, "required") {
		t.Errorf("validation failure should be fed back to the model: %+v", rejected)
	}
}

func TestAssistant_FunctionCallLoopCap(t *testing.T) {
	h := newHarness(t, scenarioACatalog())
	var calls int32
	if err := h.reg.RegisterTool(actions.Definition{Name: "ping", Description: "test tool"}, countingAction(&calls, models.ActionOK(nil))); err != nil {
		t.Fatalf("register: %v", err)
	}
	llm := &scriptedConverser{replies: []genai.Reply{call("c", "ping", nil)}}
	a := NewAssistant(h.machine, llm)
	ctx := context.Background()
	id := h.create(t)

	reply, err := a.SendMessage(ctx, id, "go")
	if !errors.Is(err, models.ErrFunctionCallLoopExceeded) {
		t.Fatalf("expected ErrFunctionCallLoopExceeded, got %v", err)
	}
	if reply == nil || reply.Text != models.RephraseMessage {
		t.Fatalf("expected rephrase message, got %+v", reply)
	}
	sess, _ := h.machine.Session(ctx, id)
	results := 0
	for _, msg := range sess.Transcript {
		if msg.FunctionResult != nil {
			results++
		}
	}
	if results != maxFunctionCalls {
		t.Errorf("expected %d answered calls, got %d", maxFunctionCalls, results)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("identical calls must reuse the stored result, handler ran %d times", got)
	}

	// The counter is per turn: the next turn starts fresh.
	llm.replies = []genai.Reply{{Text: "ok"}}
	llm.calls = 0
	if _, err := a.SendMessage(ctx, id, "again"); err != nil {
		t.Errorf("second turn: %v", err)
	}
}

func TestAssistant_UnknownFunctionAndErrors(t *testing.T) {
	h := newHarness(t, scenarioACatalog())
	llm := &scriptedConverser{replies: []genai.Reply{call("c1", "delete_everything", nil), {Text: "Sorry."}}}
	a := NewAssistant(h.machine, llm)
	ctx := context.Background()
	id := h.create(t)

	if _, err := a.SendMessage(ctx, id, "do it"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sess, _ := h.machine.Session(ctx, id)
	res := sess.Transcript[2].FunctionResult
	if res == nil || res.Result.Success || !strings.Contains(res.Result.Error, "unknown function") {
		t.Errorf("unknown function should fail softly: %+v", res)
	}

	var verr *models.ValidationError
	if _, err := a.SendMessage(ctx, id, "   "); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError for empty message, got %v", err)
	}

	llm.err = errors.New("upstream down")
	if _, err := a.SendMessage(ctx, id, "hello"); err == nil || !strings.Contains(err.Error(), "upstream down") {
		t.Errorf("expected backend error, got %v", err)
	}
}

func TestAssistant_RejectsTerminalAndBusy(t *testing.T) {
	locker := NewMemoryLocker()
	h := newHarness(t, scenarioACatalog(), WithLocker(locker))
	a := NewAssistant(h.machine, &scriptedConverser{replies: []genai.Reply{{Text: "hi"}}})
	ctx := context.Background()
	id := h.create(t)

	unlock, _ := locker.TryLock(ctx, id)
	if _, err := a.SendMessage(ctx, id, "hello"); !errors.Is(err, models.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	unlock()

	if _, err := h.machine.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.machine.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var terr *models.TerminalStateError
	if _, err := a.SendMessage(ctx, id, "hello"); !errors.As(err, &terr) {
		t.Errorf("expected TerminalStateError, got %v", err)
	}
}
