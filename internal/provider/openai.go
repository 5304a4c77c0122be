package provider

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

// OpenAIConfig configures an OpenAI-backed Client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAIClient implements Client against OpenAI's chat-completions
// streaming API, the canonical chat-style wire shape.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient constructs a client from config.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(conf)}, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()

		var promptTokens, completionTokens int
		for {
			resp, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					events <- Event{Kind: EventFinish, FinishReason: "stop"}
					events <- Event{Kind: EventUsage, PromptTokens: promptTokens, CompletionTokens: completionTokens}
				}
				return
			}
			if resp.Usage != nil {
				promptTokens = resp.Usage.PromptTokens
				completionTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				events <- Event{Kind: EventContentDelta, ContentChunk: delta.Content}
			}
			if delta.ReasoningContent != "" {
				events <- Event{Kind: EventReasoningDelta, ReasoningChunk: delta.ReasoningContent}
			}
			for _, tc := range delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				events <- Event{Kind: EventToolCallPiece, ToolCallPiece: ToolCallPiece{
					Index:     index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}}
			}
			if choice.FinishReason != "" {
				events <- Event{Kind: EventFinish, FinishReason: string(choice.FinishReason)}
			}
		}
	}()
	return events, nil
}

func toOpenAIMessages(msgs []chatmodel.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// Summarize implements bisect.SummaryLlmClient by driving a single
// non-tool-calling stream through Stream and concatenating its content
// deltas.
func (c *OpenAIClient) Summarize(ctx context.Context, systemPrompt, input, model string, temperature float64) (string, error) {
	return Summarize(ctx, c, systemPrompt, input, model, temperature)
}
