package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp     openai.ChatCompletion
	err      error
	lastReq  openai.ChatCompletionNewParams
	numCalls int
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.lastReq = params
	m.numCalls++
	return m.resp, m.err
}

func textResponse(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGeneratePrompt_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: textResponse("Hello World")}, model: "test-model"}
	out, err := client.GeneratePrompt(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithMaxTokens(256))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if cli.model != "gpt-test" || cli.maxTokens != 256 {
		t.Errorf("options not applied: model=%s maxTokens=%d", cli.model, cli.maxTokens)
	}
}

func TestConverse_Text(t *testing.T) {
	mock := &mockChatService{resp: textResponse("What is your website?")}
	client := &Client{chat: mock, model: "test-model"}

	reply, err := client.Converse(context.Background(), "be helpful", []models.TranscriptMessage{
		{Role: models.RoleUser, Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Text != "What is your website?" || reply.FunctionCall != nil {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if len(mock.lastReq.Messages) != 2 {
		t.Errorf("expected system + user messages, got %d", len(mock.lastReq.Messages))
	}
	if len(mock.lastReq.Tools) != 0 {
		t.Errorf("expected no tools, got %d", len(mock.lastReq.Tools))
	}
}

func TestConverse_FunctionCall(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			ToolCalls: []openai.ChatCompletionMessageToolCall{{
				ID: "call_1",
				Function: openai.ChatCompletionMessageToolCallFunction{
					Name:      "crawl_website",
					Arguments: `{"url":"https://x.com"}`,
				},
			}},
		}}},
	}}
	client := &Client{chat: mock, model: "test-model"}

	tools := []Tool{{Name: "crawl_website", Description: "Crawl a site"}}
	reply, err := client.Converse(context.Background(), "sys", nil, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.FunctionCall == nil {
		t.Fatal("expected a function call")
	}
	if reply.FunctionCall.ID != "call_1" || reply.FunctionCall.Name != "crawl_website" {
		t.Errorf("unexpected function call: %+v", reply.FunctionCall)
	}
	if reply.FunctionCall.Parameters["url"] != "https://x.com" {
		t.Errorf("expected url parameter, got %v", reply.FunctionCall.Parameters)
	}
	if len(mock.lastReq.Tools) != 1 || mock.lastReq.Tools[0].Function.Name != "crawl_website" {
		t.Errorf("expected crawl_website tool in request, got %+v", mock.lastReq.Tools)
	}
}

func TestConverse_InvalidArguments(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			ToolCalls: []openai.ChatCompletionMessageToolCall{{
				ID:       "call_1",
				Function: openai.ChatCompletionMessageToolCallFunction{Name: "x", Arguments: `{not json`},
			}},
		}}},
	}}
	client := &Client{chat: mock}
	if _, err := client.Converse(context.Background(), "sys", nil, nil); err == nil {
		t.Error("expected error for malformed tool arguments")
	}
}

func TestBuildMessages(t *testing.T) {
	transcript := []models.TranscriptMessage{
		{Role: models.RoleUser, Content: "my site is x.com"},
		{Role: models.RoleAssistant, FunctionCall: &models.FunctionCall{ID: "call_1", Name: "crawl_website", Parameters: map[string]any{"url": "https://x.com"}}},
		{Role: models.RoleFunction, FunctionResult: &models.FunctionResult{CallID: "call_1", Name: "crawl_website", Result: models.ActionOK(map[string]any{"title": "X"})}},
		{Role: models.RoleFunction, FunctionResult: &models.FunctionResult{Name: "detect_platform", Result: models.ActionOK(nil)}},
		{Role: models.RoleFunction},
		{Role: models.RoleAssistant, Content: "Thanks!"},
	}
	msgs := BuildMessages("system", transcript)
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	if msgs[0].OfSystem == nil {
		t.Error("expected system message first")
	}
	if msgs[1].OfUser == nil {
		t.Error("expected user message")
	}
	if msgs[2].OfAssistant == nil || len(msgs[2].OfAssistant.ToolCalls) != 1 {
		t.Fatal("expected assistant tool call message")
	}
	if msgs[2].OfAssistant.ToolCalls[0].Function.Arguments != `{"url":"https://x.com"}` {
		t.Errorf("unexpected arguments: %s", msgs[2].OfAssistant.ToolCalls[0].Function.Arguments)
	}
	if msgs[3].OfTool == nil || msgs[3].OfTool.ToolCallID != "call_1" {
		t.Error("expected tool result bound to call_1")
	}
	if msgs[4].OfSystem == nil {
		t.Error("expected uncalled function result rendered as system note")
	}
	if msgs[5].OfAssistant == nil {
		t.Error("expected final assistant text")
	}
}
