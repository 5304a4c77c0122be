package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

// GeminiConfig configures a Gemini-backed Client.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
}

// GeminiClient implements Client against Google's Gemini API via
// google.golang.org/genai's streaming generate-content call, a
// response-style-capable fourth wire shape behind the normalized Event
// stream.
type GeminiClient struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiClient constructs a client from config.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{client: client, defaultModel: cfg.DefaultModel}, nil
}

func (c *GeminiClient) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.defaultModel
}

func (c *GeminiClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	contents, system := toGeminiContents(req.Messages)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > 1<<30 {
			maxTokens = 1 << 30
		}
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toGeminiTools(req.Tools)
	}

	model := c.model(req)
	iter := c.client.Models.GenerateContentStream(ctx, model, contents, cfg)

	events := make(chan Event)
	go func() {
		defer close(events)
		toolIndex := 0
		var promptTokens, completionTokens int
		for resp, err := range iter {
			if err != nil {
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				promptTokens = int(resp.UsageMetadata.PromptTokenCount)
				completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						events <- Event{Kind: EventContentDelta, ContentChunk: part.Text}
					}
					if part.FunctionCall != nil {
						args, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							args = []byte("{}")
						}
						events <- Event{Kind: EventToolCallPiece, ToolCallPiece: ToolCallPiece{
							Index:     toolIndex,
							ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, toolIndex),
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						}}
						toolIndex++
					}
				}
			}
		}
		events <- Event{Kind: EventFinish, FinishReason: "stop"}
		events <- Event{Kind: EventUsage, PromptTokens: promptTokens, CompletionTokens: completionTokens}
	}()
	return events, nil
}

func toGeminiContents(msgs []chatmodel.Message) ([]*genai.Content, string) {
	var result []*genai.Content
	var system string
	for _, m := range msgs {
		if m.Role == chatmodel.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		switch m.Role {
		case chatmodel.RoleAssistant:
			content.Role = genai.RoleModel
		case chatmodel.RoleTool:
			content.Role = genai.RoleUser
		}

		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if tc.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args}})
		}
		if m.Role == chatmodel.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: m.ToolCallID, Response: response}})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, system
}

func toGeminiTools(tools []ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(t.Parameters),
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts a JSON-schema map (as carried by ToolSpec.Parameters)
// into Gemini's typed Schema, recursing through properties/items.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

// Summarize implements bisect.SummaryLlmClient.
func (c *GeminiClient) Summarize(ctx context.Context, systemPrompt, input, model string, temperature float64) (string, error) {
	return Summarize(ctx, c, systemPrompt, input, model, temperature)
}
