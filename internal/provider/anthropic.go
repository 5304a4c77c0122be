package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

// AnthropicConfig configures an Anthropic-backed Client.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicClient implements Client against the Anthropic Messages API,
// using the response-style content-block stream (text_delta, thinking_delta,
// input_json_delta, tool_use blocks) folded into the normalized Event
// stream.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicClient constructs a client from config.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), defaultModel: cfg.DefaultModel}, nil
}

func (c *AnthropicClient) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.defaultModel
}

func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	messages, system, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model(req)),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	events := make(chan Event)
	go func() {
		defer close(events)
		toolIndex := -1
		var inputTokens, outputTokens int

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				if ms.Message.Usage.InputTokens > 0 {
					inputTokens = int(ms.Message.Usage.InputTokens)
				}
			case "content_block_start":
				cb := event.AsContentBlockStart().ContentBlock
				if cb.Type == "tool_use" {
					toolIndex++
					toolUse := cb.AsToolUse()
					events <- Event{Kind: EventToolCallPiece, ToolCallPiece: ToolCallPiece{Index: toolIndex, ID: toolUse.ID, Name: toolUse.Name}}
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						events <- Event{Kind: EventContentDelta, ContentChunk: delta.Text}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						events <- Event{Kind: EventReasoningDelta, ReasoningChunk: delta.Thinking}
					}
				case "input_json_delta":
					if delta.PartialJSON != "" {
						events <- Event{Kind: EventToolCallPiece, ToolCallPiece: ToolCallPiece{Index: toolIndex, Arguments: delta.PartialJSON}}
					}
				}
			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = int(md.Usage.OutputTokens)
				}
				if md.Delta.StopReason != "" {
					events <- Event{Kind: EventFinish, FinishReason: string(md.Delta.StopReason)}
				}
			case "message_stop":
				events <- Event{Kind: EventUsage, PromptTokens: inputTokens, CompletionTokens: outputTokens}
				return
			case "error":
				return
			}
		}
		_ = stream.Err()
	}()
	return events, nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func toAnthropicMessages(msgs []chatmodel.Message) ([]anthropic.MessageParam, string, error) {
	var result []anthropic.MessageParam
	var system strings.Builder

	for _, m := range msgs {
		if m.Role == chatmodel.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		if m.Role == chatmodel.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if tc.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return nil, "", fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if m.Role == chatmodel.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, system.String(), nil
}

func toAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		schemaBytes, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaBytes, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

// Summarize implements bisect.SummaryLlmClient by driving a single
// non-tool-calling stream through Stream and concatenating its content
// deltas.
func (c *AnthropicClient) Summarize(ctx context.Context, systemPrompt, input, model string, temperature float64) (string, error) {
	return Summarize(ctx, c, systemPrompt, input, model, temperature)
}
