// Package genai provides language-model operations using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// ErrNoChoicesReturned is returned when the API responds without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	DebugMode   bool
	StateDir    string
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length. Zero leaves the API default.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode records every request and response under <stateDir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory used for debug records.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// Tool describes one function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Reply is a model turn: either plain text or a single function call.
type Reply struct {
	Text         string
	FunctionCall *models.FunctionCall
}

// NewClient initializes a new client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: 0.2}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "temperature", cfg.Temperature, "maxTokens", cfg.MaxTokens)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		p.MaxCompletionTokens = openai.Int(c.maxTokens)
	}
	return p
}

// GeneratePrompt generates a response based on the provided system and user prompts.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := c.params([]openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
	resp, err := c.chat.Create(ctx, params)
	c.logDebug("GeneratePrompt", params, resp, err)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Converse sends the transcript with a system prompt and returns the model's turn.
// When the model requests several tools at once only the first is returned.
func (c *Client) Converse(ctx context.Context, systemPrompt string, transcript []models.TranscriptMessage, tools []Tool) (Reply, error) {
	params := c.params(BuildMessages(systemPrompt, transcript))
	if len(tools) > 0 {
		params.Tools = toolParams(tools)
		params.ParallelToolCalls = openai.Bool(false)
	}

	resp, err := c.chat.Create(ctx, params)
	c.logDebug("Converse", params, resp, err)
	if err != nil {
		return Reply{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, ErrNoChoicesReturned
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return Reply{Text: msg.Content}, nil
	}
	if len(msg.ToolCalls) > 1 {
		slog.Warn("genai.Converse: model requested multiple tool calls, using the first", "count", len(msg.ToolCalls))
	}
	call := msg.ToolCalls[0]
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return Reply{}, fmt.Errorf("invalid arguments for %s: %w", call.Function.Name, err)
		}
	}
	return Reply{
		Text: msg.Content,
		FunctionCall: &models.FunctionCall{
			ID:         call.ID,
			Name:       call.Function.Name,
			Parameters: args,
		},
	}, nil
}

func toolParams(tools []Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(params),
			},
		})
	}
	return out
}

// BuildMessages converts a transcript into chat messages. Function results that
// were not requested by the model are rendered as system notes.
func BuildMessages(systemPrompt string, transcript []models.TranscriptMessage) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, m := range transcript {
		switch m.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			if m.FunctionCall == nil {
				messages = append(messages, openai.AssistantMessage(m.Content))
				continue
			}
			args, err := json.Marshal(m.FunctionCall.Parameters)
			if err != nil {
				args = []byte("{}")
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: param.NewOpt(m.Content),
				},
				ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
					ID:   m.FunctionCall.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      m.FunctionCall.Name,
						Arguments: string(args),
					},
				}},
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case models.RoleFunction:
			if m.FunctionResult == nil {
				continue
			}
			body, err := json.Marshal(m.FunctionResult.Result)
			if err != nil {
				body = []byte(`{"success":false}`)
			}
			if m.FunctionResult.CallID == "" {
				messages = append(messages, openai.SystemMessage(fmt.Sprintf("Action %s returned: %s", m.FunctionResult.Name, body)))
				continue
			}
			messages = append(messages, openai.ToolMessage(string(body), m.FunctionResult.CallID))
		}
	}
	return messages
}

// logDebug writes one JSON record per API call when debug mode is enabled.
// Failures are logged and never affect the call.
func (c *Client) logDebug(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("genai.logDebug: failed to create debug directory", "dir", dir, "error", err)
		return
	}
	now := time.Now()
	entry := map[string]any{
		"timestamp": now.Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.logDebug: failed to encode debug record", "method", method, "error", err)
		return
	}
	name := filepath.Join(dir, fmt.Sprintf("%s_%d.json", strings.ToLower(method), now.UnixNano()))
	if err := os.WriteFile(name, data, 0644); err != nil {
		slog.Warn("genai.logDebug: failed to write debug record", "file", name, "error", err)
	}
}
