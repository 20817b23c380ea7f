// Package agent is an OpenAI-compatible tool-calling assistant. Given a
// conversation it calls the chat completions API, runs any requested tools
// and loops until the model answers in plain text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/model"
)

// ErrToolRounds is returned when the model keeps requesting tools past the
// configured limit.
var ErrToolRounds = errors.New("agent: tool round limit reached")

const defaultSystemPrompt = `You are labwatch, an operations assistant for test automation labs.
You watch automation logs, explain anomalies using the lab's standard operating procedures
and can send commands to the lab's automation controller. Be concise and concrete.
Only send commands or restart the controller when the procedure or the operator asks for it.`

// Config holds model and client settings.
type Config struct {
	Model         string
	Temperature   float64
	MaxTokens     int64
	TopP          float64
	APIKey        string
	BaseURL       string
	MaxToolRounds int
	Timeout       time.Duration
	MaxRetries    int
	SystemPrompt  string
}

// Tool is a function the model may call. Run receives the raw JSON
// arguments and returns text handed back to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Run         func(ctx context.Context, args json.RawMessage) (string, error)
}

// Agent implements model.Agent.
type Agent struct {
	client openai.Client
	cfg    Config
	tools  map[string]Tool
	params []openai.ChatCompletionToolParam
	logger zerolog.Logger
}

// New builds an agent bound to tools.
func New(cfg Config, tools []Tool, logger zerolog.Logger) *Agent {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	a := &Agent{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		tools:  make(map[string]Tool, len(tools)),
		logger: logger,
	}
	for _, t := range tools {
		a.tools[t.Name] = t
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		a.params = append(a.params, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(params),
			},
		})
	}
	return a
}

// Invoke runs the conversation to a final assistant message.
func (a *Agent) Invoke(ctx context.Context, history []model.Message) (model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	msgs = append(msgs, openai.SystemMessage(a.cfg.SystemPrompt))
	for _, m := range history {
		switch m.Role {
		case model.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(a.cfg.Model),
		Messages:    msgs,
		Temperature: openai.Float(a.cfg.Temperature),
		TopP:        openai.Float(a.cfg.TopP),
	}
	if a.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(a.cfg.MaxTokens)
	}
	if len(a.params) > 0 {
		params.Tools = a.params
	}

	for round := 0; round <= a.cfg.MaxToolRounds; round++ {
		resp, err := a.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return model.Message{}, fmt.Errorf("agent: chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return model.Message{}, errors.New("agent: chat completion returned no choices")
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return model.Message{Role: model.RoleAssistant, Content: msg.Content}, nil
		}

		params.Messages = append(params.Messages, msg.ToParam())
		for _, call := range msg.ToolCalls {
			out := a.runTool(ctx, call.Function.Name, call.Function.Arguments)
			params.Messages = append(params.Messages, openai.ToolMessage(out, call.ID))
		}
	}
	return model.Message{}, ErrToolRounds
}

func (a *Agent) runTool(ctx context.Context, name, args string) string {
	tool, ok := a.tools[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
	if args == "" {
		args = "{}"
	}
	a.logger.Debug().Str("tool", name).Msg("running tool")
	out, err := tool.Run(ctx, json.RawMessage(args))
	if err != nil {
		a.logger.Warn().Err(err).Str("tool", name).Msg("tool failed")
		return "Error: " + err.Error()
	}
	return out
}

// ToolNames lists the bound tools.
func (a *Agent) ToolNames() []string {
	names := make([]string, 0, len(a.params))
	for _, p := range a.params {
		names = append(names, p.Function.Name)
	}
	return names
}
