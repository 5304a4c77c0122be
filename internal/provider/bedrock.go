package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

// BedrockConfig configures a Bedrock-backed Client.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockClient implements Client against AWS Bedrock's Converse streaming
// API (ConverseStream), a third concrete wire shape behind the same
// normalized Event stream as Anthropic/OpenAI.
type BedrockClient struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockClient constructs a client from config, resolving AWS
// credentials from the explicit fields if set or the default chain
// (env/IAM role) otherwise.
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockClient{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (c *BedrockClient) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.defaultModel
}

func (c *BedrockClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	messages, system, err := toBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: convert messages: %w", err)
	}

	in := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(c.model(req)),
		Messages: messages,
	}
	if system != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > 1<<30 {
			maxTokens = 1 << 30
		}
		in.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	if len(req.Tools) > 0 {
		in.ToolConfig = toBedrockTools(req.Tools)
	}

	out, err := c.client.ConverseStream(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		stream := out.GetStream()
		defer stream.Close()

		toolIndex := -1
		var inputTokens, outputTokens int
		for ev := range stream.Events() {
			switch v := ev.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolIndex++
					events <- Event{Kind: EventToolCallPiece, ToolCallPiece: ToolCallPiece{
						Index: toolIndex,
						ID:    aws.ToString(toolUse.Value.ToolUseId),
						Name:  aws.ToString(toolUse.Value.Name),
					}}
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch d := v.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if d.Value != "" {
						events <- Event{Kind: EventContentDelta, ContentChunk: d.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if d.Value.Input != nil {
						events <- Event{Kind: EventToolCallPiece, ToolCallPiece: ToolCallPiece{Index: toolIndex, Arguments: *d.Value.Input}}
					}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				events <- Event{Kind: EventFinish, FinishReason: string(v.Value.StopReason)}
			case *types.ConverseStreamOutputMemberMetadata:
				if v.Value.Usage != nil {
					inputTokens = int(v.Value.Usage.InputTokens)
					outputTokens = int(v.Value.Usage.OutputTokens)
				}
			}
		}
		if err := stream.Err(); err == nil {
			events <- Event{Kind: EventUsage, PromptTokens: inputTokens, CompletionTokens: outputTokens}
		}
	}()
	return events, nil
}

func toBedrockMessages(msgs []chatmodel.Message) ([]types.Message, string, error) {
	var result []types.Message
	var system string

	for _, m := range msgs {
		if m.Role == chatmodel.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}

		var content []types.ContentBlock
		if m.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: m.Content})
		}
		if m.Role == chatmodel.RoleTool {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
				},
			})
		}
		for _, tc := range m.ToolCalls {
			var input any
			if tc.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return nil, "", fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
				}
			} else {
				input = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if m.Role == chatmodel.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result, system, nil
}

func toBedrockTools(tools []ToolSpec) *types.ToolConfiguration {
	cfg := &types.ToolConfiguration{}
	for _, t := range tools {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			continue
		}
		cfg.Tools = append(cfg.Tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(json.RawMessage(schema))},
			},
		})
	}
	if len(cfg.Tools) == 0 {
		return nil
	}
	return cfg
}

// Summarize implements bisect.SummaryLlmClient.
func (c *BedrockClient) Summarize(ctx context.Context, systemPrompt, input, model string, temperature float64) (string, error) {
	return Summarize(ctx, c, systemPrompt, input, model, temperature)
}
