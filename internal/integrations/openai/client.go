// Package openai adapts the OpenAI chat completions API to the story
// generator boundary.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"story-agent/internal/domain"
	"story-agent/internal/revision"
)

const (
	defaultTimeout = 60 * time.Second

	msgUnavailable = "I couldn't write the story right now. Please try again."
	msgNoStory     = "I couldn't produce a story for that request. Please rephrase it and try again."
)

// TokenSource yields the API key. *paramstore.TokenSource satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPStatusError carries the upstream status of a failed API call.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type config struct {
	requestOpts []option.RequestOption
	timeout     time.Duration
	limiter     *rate.Limiter
}

type Option func(*config)

func WithBaseURL(baseURL string) Option {
	return func(c *config) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			c.requestOpts = append(c.requestOpts, option.WithBaseURL(baseURL))
		}
	}
}

func WithHTTPClient(httpClient option.HTTPClient) Option {
	return func(c *config) {
		c.requestOpts = append(c.requestOpts, option.WithHTTPClient(httpClient))
	}
}

func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.requestOpts = append(c.requestOpts, option.WithMaxRetries(n))
	}
}

// WithTimeout bounds every generation and moderation call.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLimiter throttles generation calls across all sessions of the process.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *config) {
		c.limiter = l
	}
}

// Client generates stories through a forced StoryContent tool call and
// screens prompts with the moderation endpoint.
type Client struct {
	sdk     openai.Client
	tokens  TokenSource
	model   string
	timeout time.Duration
	limiter *rate.Limiter
}

// NewClient creates a Client. The API key is resolved from tokens on first use.
func NewClient(tokens TokenSource, model string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	cfg := config{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		sdk:     openai.NewClient(cfg.requestOpts...),
		tokens:  tokens,
		model:   model,
		timeout: cfg.timeout,
		limiter: cfg.limiter,
	}, nil
}

// Generate implements revision.Generator. Every failure is reported as a
// declined result carrying a user-facing assistant message.
func (c *Client) Generate(ctx context.Context, instructions string, conversation []domain.Message) revision.Result {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return declined(msgUnavailable, fmt.Errorf("openai: rate limiter: %w", err))
		}
	}
	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return declined(msgUnavailable, fmt.Errorf("openai: resolve API key: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.sdk.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:             openai.ChatModel(c.model),
		Messages:          buildMessages(instructions, conversation),
		Tools:             []openai.ChatCompletionToolParam{storyTool()},
		ToolChoice:        openai.ChatCompletionToolChoiceOptionParamOfChatCompletionNamedToolChoice(openai.ChatCompletionNamedToolChoiceFunctionParam{Name: revision.ToolName}),
		ParallelToolCalls: openai.Bool(false),
	}, option.WithAPIKey(apiKey))
	if err != nil {
		return declined(msgUnavailable, fmt.Errorf("openai: chat completion: %w", withStatus(err)))
	}
	if len(resp.Choices) == 0 {
		return declined(msgUnavailable, errors.New("openai: no choices in response"))
	}

	msg := resp.Choices[0].Message
	for _, call := range msg.ToolCalls {
		if call.Function.Name != revision.ToolName {
			continue
		}
		content, err := revision.ParseToolArguments(call.Function.Arguments)
		if err != nil {
			return declined(msgNoStory, fmt.Errorf("openai: %w", err))
		}
		return revision.Produced(content, domain.Message{
			Role:          domain.RoleAssistant,
			Content:       msg.Content,
			ToolCallID:    call.ID,
			ToolName:      revision.ToolName,
			ToolArguments: call.Function.Arguments,
		})
	}

	reply := firstNonBlank(msg.Content, msg.Refusal, msgNoStory)
	return declined(reply, fmt.Errorf("openai: response has no %s tool call", revision.ToolName))
}

// Moderate reports whether input is flagged by the moderation endpoint.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("openai: resolve API key: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.sdk.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(input)},
	}, option.WithAPIKey(apiKey))
	if err != nil {
		return false, fmt.Errorf("openai: moderation request failed: %w", withStatus(err))
	}
	if len(resp.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return resp.Results[0].Flagged, nil
}

func storyTool() openai.ChatCompletionToolParam {
	properties := make(map[string]any, len(revision.ToolFields))
	required := make([]string, 0, len(revision.ToolFields))
	for _, f := range revision.ToolFields {
		properties[f.Name] = map[string]any{"type": "string", "description": f.Description}
		required = append(required, f.Name)
	}
	return openai.ChatCompletionToolParam{
		Function: openai.FunctionDefinitionParam{
			Name:        revision.ToolName,
			Description: openai.String(revision.ToolDescription),
			Strict:      openai.Bool(true),
			Parameters: openai.FunctionParameters{
				"type":                 "object",
				"properties":           properties,
				"required":             required,
				"additionalProperties": false,
			},
		},
	}
}

// buildMessages maps the session log onto chat messages. Tool results whose
// originating call fell outside the context window are dropped because the
// API rejects orphaned tool messages.
func buildMessages(instructions string, conversation []domain.Message) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(conversation)+1)
	msgs = append(msgs, openai.SystemMessage(instructions))

	calls := make(map[string]bool)
	for _, m := range conversation {
		switch m.Role {
		case domain.RoleUser:
			if m.Content != "" {
				msgs = append(msgs, openai.UserMessage(m.Content))
			}
		case domain.RoleAssistant:
			if m.ToolCallID != "" {
				calls[m.ToolCallID] = true
				msgs = append(msgs, toolCallMessage(m))
			} else if m.Content != "" {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
			}
		case domain.RoleTool:
			if calls[m.ToolCallID] {
				msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
			}
		}
	}
	return msgs
}

func toolCallMessage(m domain.Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{
		ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
			ID: m.ToolCallID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      m.ToolName,
				Arguments: m.ToolArguments,
			},
		}},
	}
	if m.Content != "" {
		assistant.Content.OfString = openai.String(m.Content)
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func withStatus(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &HTTPStatusError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return err
}

func declined(content string, reason error) revision.Result {
	return revision.Declined(domain.Message{Role: domain.RoleAssistant, Content: content}, reason)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
