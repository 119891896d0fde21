package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/coachflow/orchestrator/internal/domain"
)

// OpenAIClient implements Client using the OpenAI Chat Completions API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates an OpenAI-backed client.
func NewOpenAIClient(apiKey, model string, timeout time.Duration) *OpenAIClient {
	opts := []option.RequestOption{option.WithRequestTimeout(timeout)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIClient{client: openai.NewClient(opts...), model: model}
}

// Classify sends the conversation with the routing tool declarations and
// decodes the first tool call of the response.
func (c *OpenAIClient) Classify(ctx context.Context, instructions string, history []domain.Message) (*domain.Decision, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(instructions))
	for _, m := range history {
		if m.Role == domain.RoleUser {
			messages = append(messages, openai.UserMessage(m.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}

	specs := routingTools()
	tools := make([]openai.ChatCompletionToolParam, len(specs))
	for i, spec := range specs {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  openai.FunctionParameters(spec.Parameters),
			},
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    c.model,
		Tools:    tools,
	}

	var resp *openai.ChatCompletion
	err := retry(ctx, 2, 500*time.Millisecond, func() error {
		var err error
		resp, err = c.client.Chat.Completions.New(ctx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %v", domain.ErrUpstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai: no choices returned", domain.ErrUpstreamUnavailable)
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return decodeDecision("", nil, msg.Content), nil
	}
	call := msg.ToolCalls[0]
	return decodeDecision(call.Function.Name, []byte(call.Function.Arguments), msg.Content), nil
}

// AnalyzeUpdate asks for the JSON verdict on a requirement update.
func (c *OpenAIClient) AnalyzeUpdate(ctx context.Context, req AnalyzeRequest) (*UpdateAnalysis, error) {
	raw, err := c.Complete(ctx, "You analyze requirement changes for a planning system. Respond with JSON only.", buildAnalyzePrompt(req))
	if err != nil {
		return nil, err
	}
	return parseAnalysis(raw)
}

// Complete returns a plain completion.
func (c *OpenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Model: c.model,
	}

	var resp *openai.ChatCompletion
	err := retry(ctx, 2, 500*time.Millisecond, func() error {
		var err error
		resp, err = c.client.Chat.Completions.New(ctx, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: openai: %v", domain.ErrUpstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai: no choices returned", domain.ErrUpstreamUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}
