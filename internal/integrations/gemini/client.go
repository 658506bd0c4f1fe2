// Package gemini adapts the Gemini API to the story generator boundary.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"story-agent/internal/domain"
	"story-agent/internal/revision"
)

const (
	defaultTimeout = 60 * time.Second

	msgUnavailable = "I couldn't write the story right now. Please try again."
	msgNoStory     = "I couldn't produce a story for that request. Please rephrase it and try again."
)

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPStatusError carries the upstream status of a failed API call.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// Client generates stories through a forced StoryContent function call.
// The underlying genai client is built on first use, once the API key has
// been resolved.
type Client struct {
	tokens     TokenSource
	model      string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter

	mu  sync.Mutex
	sdk *genai.Client
}

func NewClient(tokens TokenSource, model string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("gemini: token source must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	c := &Client{tokens: tokens, model: model, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) client(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sdk != nil {
		return c.sdk, nil
	}
	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: resolve API key: %w", err)
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions.BaseURL = c.baseURL
	}
	sdk, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.sdk = sdk
	return sdk, nil
}

// Generate implements revision.Generator.
func (c *Client) Generate(ctx context.Context, instructions string, conversation []domain.Message) revision.Result {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return declined(msgUnavailable, fmt.Errorf("gemini: rate limiter: %w", err))
		}
	}
	sdk, err := c.client(ctx)
	if err != nil {
		return declined(msgUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := sdk.Models.GenerateContent(ctx, c.model, buildContents(conversation), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instructions, genai.RoleUser),
		Tools:             []*genai.Tool{storyTool()},
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{revision.ToolName},
			},
		},
	})
	if err != nil {
		return declined(msgUnavailable, fmt.Errorf("gemini: generate content: %w", withStatus(err)))
	}

	for _, call := range resp.FunctionCalls() {
		if call == nil || call.Name != revision.ToolName {
			continue
		}
		content, args, err := revision.ParseToolArgumentMap(call.Args)
		if err != nil {
			return declined(msgNoStory, fmt.Errorf("gemini: %w", err))
		}
		// Gemini does not always assign call IDs; the log needs one to pair
		// the call with its tool result.
		callID := call.ID
		if callID == "" {
			callID = "gemini-" + revision.ToolName + "-" + fmt.Sprint(time.Now().UnixNano())
		}
		return revision.Produced(content, domain.Message{
			Role:          domain.RoleAssistant,
			ToolCallID:    callID,
			ToolName:      revision.ToolName,
			ToolArguments: args,
		})
	}

	reply := msgNoStory
	if text := strings.TrimSpace(resp.Text()); text != "" {
		reply = text
	}
	return declined(reply, fmt.Errorf("gemini: response has no %s function call", revision.ToolName))
}

func storyTool() *genai.Tool {
	properties := make(map[string]*genai.Schema, len(revision.ToolFields))
	required := make([]string, 0, len(revision.ToolFields))
	for _, f := range revision.ToolFields {
		properties[f.Name] = &genai.Schema{Type: genai.TypeString, Description: f.Description}
		required = append(required, f.Name)
	}
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        revision.ToolName,
			Description: revision.ToolDescription,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   required,
			},
		}},
	}
}

// buildContents maps the session log onto Gemini turns. Tool results whose
// call fell outside the context window are dropped.
func buildContents(conversation []domain.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(conversation))
	calls := make(map[string]bool)
	for _, m := range conversation {
		switch m.Role {
		case domain.RoleUser:
			if m.Content != "" {
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
			}
		case domain.RoleAssistant:
			if m.ToolCallID != "" {
				var args map[string]any
				if err := json.Unmarshal([]byte(m.ToolArguments), &args); err != nil {
					continue
				}
				calls[m.ToolCallID] = true
				contents = append(contents, genai.NewContentFromFunctionCall(m.ToolName, args, genai.RoleModel))
			} else if m.Content != "" {
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			}
		case domain.RoleTool:
			if calls[m.ToolCallID] {
				contents = append(contents, genai.NewContentFromFunctionResponse(m.ToolName, map[string]any{"output": m.Content}, genai.RoleUser))
			}
		}
	}
	return contents
}

func withStatus(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPStatusError{StatusCode: apiErr.Code, Err: err}
	}
	return err
}

func declined(content string, reason error) revision.Result {
	return revision.Declined(domain.Message{Role: domain.RoleAssistant, Content: content}, reason)
}
