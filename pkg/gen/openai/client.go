// Package openai provides the OpenAI generation backend using the official
// Go package's Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"reflector/pkg/gen"
	"reflector/pkg/gen/generrors"
)

// DefaultModel is used when the config names none.
const DefaultModel = "gpt-5"

// Client implements gen.Client against the OpenAI Responses API.
type Client struct {
	client openai.Client
	model  string
}

// New creates an OpenAI-backed client. An empty model selects DefaultModel.
func New(apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// flattenTurns folds the conversation into a single input string for the
// Responses API, keeping role and source attribution as text prefixes.
func flattenTurns(turns []gen.Turn) string {
	var b strings.Builder
	for i := range turns {
		t := &turns[i]
		label := string(t.Role)
		if t.Source != "" {
			label = fmt.Sprintf("%s (%s)", t.Role, t.Source)
		}
		fmt.Fprintf(&b, "%s: %s\n\n", label, t.Content)
	}
	return strings.TrimSuffix(b.String(), "\n\n")
}

// Complete implements gen.Client.
func (c *Client) Complete(ctx context.Context, in gen.Request) (gen.Response, error) {
	if err := in.Validate(); err != nil {
		return gen.Response{}, generrors.Wrap(generrors.ErrorTypeBadRequest, err, "invalid request")
	}

	input := flattenTurns(in.Turns)
	instructions := in.SystemPrompt
	if in.Structured {
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += "Respond with a single JSON object only. No prose, no code fences."
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return gen.Response{}, classifyError(err)
	}
	if resp == nil {
		return gen.Response{}, generrors.New(generrors.ErrorTypeTransient, "empty response from OpenAI Responses API")
	}

	content := resp.OutputText()
	if content == "" {
		return gen.Response{}, generrors.New(generrors.ErrorTypeTransient, "response carried no output text")
	}

	return gen.Response{Content: content, StopReason: "end_turn"}, nil
}

// ModelName implements gen.Client.
func (c *Client) ModelName() string {
	return c.model
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return generrors.Wrap(generrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return generrors.Wrap(generrors.ErrorTypeCancelled, err, "request canceled")
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return generrors.FromHTTPStatus(apiErr.StatusCode, err)
	}
	return generrors.Wrap(generrors.ErrorTypeUnknown, err, "unclassified error")
}
