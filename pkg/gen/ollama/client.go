// Package ollama provides a generation backend for local models served by an
// Ollama runtime.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"reflector/pkg/gen"
	"reflector/pkg/gen/generrors"
)

// DefaultHost is the standard local Ollama endpoint.
const DefaultHost = "http://localhost:11434"

// Client implements gen.Client against an Ollama server.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// New creates an Ollama-backed client. hostURL may be empty for the local
// default.
func New(hostURL, model string) *Client {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse(DefaultHost)
	}
	return &Client{
		client:  api.NewClient(parsedURL, http.DefaultClient),
		model:   model,
		hostURL: hostURL,
	}
}

// Complete implements gen.Client.
func (o *Client) Complete(ctx context.Context, in gen.Request) (gen.Response, error) {
	if err := in.Validate(); err != nil {
		return gen.Response{}, generrors.Wrap(generrors.ErrorTypeBadRequest, err, "invalid request")
	}

	messages := make([]api.Message, 0, len(in.Turns)+1)
	if in.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: in.SystemPrompt})
	}
	for i := range in.Turns {
		t := &in.Turns[i]
		content := t.Content
		if t.Source != "" && t.Role == gen.RoleUser {
			content = fmt.Sprintf("[%s]\n%s", t.Source, content)
		}
		messages = append(messages, api.Message{
			Role:    string(t.Role),
			Content: content,
		})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if in.Structured {
		req.Format = json.RawMessage(`"json"`)
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return gen.Response{}, classifyError(err)
	}

	return gen.Response{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
	}, nil
}

// ModelName implements gen.Client.
func (o *Client) ModelName() string {
	return o.model
}

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func classifyError(err error) error {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return generrors.Wrap(generrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return generrors.Wrap(generrors.ErrorTypeBadRequest, err, "Ollama model not found")
	case strings.Contains(errStr, "context canceled"):
		return generrors.Wrap(generrors.ErrorTypeCancelled, err, "request canceled")
	case strings.Contains(errStr, "timeout"):
		return generrors.Wrap(generrors.ErrorTypeTransient, err, "request timeout")
	default:
		return generrors.Wrap(generrors.ErrorTypeUnknown, err, "Ollama API error")
	}
}
