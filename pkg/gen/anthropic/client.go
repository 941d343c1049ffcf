// Package anthropic provides the Anthropic Claude generation backend.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"reflector/pkg/gen"
	"reflector/pkg/gen/generrors"
)

// DefaultModel is used when the config names none.
const DefaultModel = "claude-sonnet-4-20250514"

// Client implements gen.Client against the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a Claude-backed client. An empty model selects DefaultModel.
func New(apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// ensureAlternation prepares turns for the Anthropic API:
// 1. Extracts system turns into the top-level system parameter
// 2. Merges consecutive non-assistant turns into single user messages,
//    prefixing each part with its source label so attribution survives
// 3. Validates strict user/assistant alternation ending on user.
func ensureAlternation(turns []gen.Turn) (systemPrompt string, alternating []gen.Turn, err error) {
	if len(turns) == 0 {
		return "", nil, fmt.Errorf("turn list cannot be empty")
	}

	var systemParts []string
	var rest []gen.Turn
	for i := range turns {
		if turns[i].Role == gen.RoleSystem {
			systemParts = append(systemParts, turns[i].Content)
		} else {
			rest = append(rest, turns[i])
		}
	}
	systemPrompt = strings.Join(systemParts, "\n\n")

	if len(rest) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system turn")
	}

	var merged []gen.Turn
	var userParts []string
	flush := func() {
		if len(userParts) > 0 {
			merged = append(merged, gen.Turn{Role: gen.RoleUser, Content: strings.Join(userParts, "\n\n")})
			userParts = nil
		}
	}
	for i := range rest {
		t := &rest[i]
		if t.Role == gen.RoleAssistant {
			flush()
			merged = append(merged, *t)
			continue
		}
		part := t.Content
		if t.Source != "" {
			part = fmt.Sprintf("[%s]\n%s", t.Source, part)
		}
		userParts = append(userParts, part)
	}
	flush()

	for i := range merged {
		if i > 0 && merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s turns", i, merged[i].Role)
		}
	}
	if merged[0].Role != gen.RoleUser {
		return "", nil, fmt.Errorf("first turn must be user role, got: %s", merged[0].Role)
	}
	if merged[len(merged)-1].Role != gen.RoleUser {
		return "", nil, fmt.Errorf("last turn must be user role, got: %s", merged[len(merged)-1].Role)
	}

	return systemPrompt, merged, nil
}

// Complete implements gen.Client.
func (c *Client) Complete(ctx context.Context, in gen.Request) (gen.Response, error) {
	if err := in.Validate(); err != nil {
		return gen.Response{}, generrors.Wrap(generrors.ErrorTypeBadRequest, err, "invalid request")
	}

	systemPrompt, alternating, err := ensureAlternation(in.Turns)
	if err != nil {
		return gen.Response{}, generrors.Wrap(generrors.ErrorTypeBadRequest, err, "turn alternation error")
	}
	if in.SystemPrompt != "" {
		if systemPrompt != "" {
			systemPrompt = in.SystemPrompt + "\n\n" + systemPrompt
		} else {
			systemPrompt = in.SystemPrompt
		}
	}
	if in.Structured {
		// The Messages API has no schema-constrained mode; instruct instead
		// and let the caller validate the parse.
		systemPrompt += "\n\nRespond with a single JSON object only. No prose, no code fences."
	}

	messages := make([]anthropic.MessageParam, 0, len(alternating))
	for i := range alternating {
		t := &alternating[i]
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(t.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(t.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: systemPrompt,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return gen.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return gen.Response{}, generrors.New(generrors.ErrorTypeTransient, "received empty response from Claude API")
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return gen.Response{
		Content:    text.String(),
		StopReason: string(resp.StopReason),
	}, nil
}

// ModelName implements gen.Client.
func (c *Client) ModelName() string {
	return string(c.model)
}

// classifyError maps Anthropic SDK errors to our structured error types.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return generrors.Wrap(generrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return generrors.Wrap(generrors.ErrorTypeCancelled, err, "request canceled")
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return generrors.FromHTTPStatus(apiErr.StatusCode, err)
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "eof"),
		strings.Contains(errStr, "reset"):
		return generrors.Wrap(generrors.ErrorTypeTransient, err, "network error")
	case strings.Contains(errStr, "rate"), strings.Contains(errStr, "quota"):
		return generrors.Wrap(generrors.ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(errStr, "auth"), strings.Contains(errStr, "unauthorized"):
		return generrors.Wrap(generrors.ErrorTypeAuth, err, "authentication error")
	default:
		return generrors.Wrap(generrors.ErrorTypeUnknown, err, "unclassified error")
	}
}
