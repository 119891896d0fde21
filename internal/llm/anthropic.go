package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/coachflow/orchestrator/internal/domain"
)

// AnthropicClient implements Client using the Anthropic Messages API.
type AnthropicClient struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates an Anthropic-backed client.
func NewAnthropicClient(apiKey, model string, timeout time.Duration) *AnthropicClient {
	opts := []option.RequestOption{option.WithRequestTimeout(timeout)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)

	m := anthropic.ModelClaude3_5Sonnet20241022
	if model != "" {
		m = anthropic.Model(model)
	}
	return &AnthropicClient{client: &client, model: m, maxTokens: 4096}
}

// Classify sends the conversation with the routing tool declarations and
// decodes the first tool_use block of the response.
func (c *AnthropicClient) Classify(ctx context.Context, instructions string, history []domain.Message) (*domain.Decision, error) {
	messages := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		if m.Role == domain.RoleUser {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	specs := routingTools()
	tools := make([]anthropic.ToolUnionParam, len(specs))
	for i, spec := range specs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if properties, ok := spec.Parameters["properties"]; ok {
			schema.Properties = properties
		}
		if required, ok := spec.Parameters["required"].([]string); ok {
			schema.Required = required
		}
		tools[i] = anthropic.ToolUnionParamOfTool(schema, spec.Name)
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: instructions}},
		Tools:     tools,
	}

	var resp *anthropic.Message
	err := retry(ctx, 2, 500*time.Millisecond, func() error {
		var err error
		resp, err = c.client.Messages.New(ctx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: anthropic: %v", domain.ErrUpstreamUnavailable, err)
	}

	var text string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			tool := block.AsToolUse()
			args, err := json.Marshal(tool.Input)
			if err != nil {
				args = nil
			}
			return decodeDecision(tool.Name, args, text), nil
		}
	}
	return decodeDecision("", nil, text), nil
}

// AnalyzeUpdate asks for the JSON verdict on a requirement update.
func (c *AnthropicClient) AnalyzeUpdate(ctx context.Context, req AnalyzeRequest) (*UpdateAnalysis, error) {
	raw, err := c.Complete(ctx, "You analyze requirement changes for a planning system. Respond with JSON only.", buildAnalyzePrompt(req))
	if err != nil {
		return nil, err
	}
	return parseAnalysis(raw)
}

// Complete returns a plain completion.
func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
	}

	var resp *anthropic.Message
	err := retry(ctx, 2, 500*time.Millisecond, func() error {
		var err error
		resp, err = c.client.Messages.New(ctx, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: anthropic: %v", domain.ErrUpstreamUnavailable, err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return text, nil
}
