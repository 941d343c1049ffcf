// Package gen defines the generation capability boundary: given a system
// prompt and a list of role-tagged conversation turns, a backend returns
// generated text. Backends live in subpackages; the core protocol only ever
// sees this interface.
package gen

import (
	"context"
	"fmt"
)

// Role tags a conversation turn.
type Role string

const (
	// RoleSystem indicates instructions or context for the model.
	RoleSystem Role = "system"
	// RoleUser indicates input attributed to a human or a peer agent.
	RoleUser Role = "user"
	// RoleAssistant indicates prior output of the model itself.
	RoleAssistant Role = "assistant"
)

const (
	// TemperatureDefault is used for review and judgment calls.
	TemperatureDefault = 0.3
	// TemperatureDeterministic is used for artifact generation. Slightly above
	// zero to avoid the model getting stuck reproducing a rejected draft.
	TemperatureDeterministic = 0.2

	// DefaultMaxTokens bounds a single completion when the config sets none.
	DefaultMaxTokens = 4096
)

// Turn is one message in a conversation. Source labels where the content came
// from (the task author, the producer, the critic); backends fold it into the
// content where their APIs carry no such field.
type Turn struct {
	Role    Role
	Source  string
	Content string
}

// Request asks a backend for one completion. Structured requests the backend's
// schema-constrained JSON output mode; backends without a native mode fall
// back to instructing the model and the caller validates the parse.
type Request struct {
	SystemPrompt string
	Turns        []Turn
	Structured   bool
	MaxTokens    int
	Temperature  float32
}

// Response is the backend's completion.
type Response struct {
	Content    string
	StopReason string
}

// Client is implemented by each generation backend. Complete blocks until the
// backend answers or ctx is cancelled; on cancellation the caller must abandon
// its session update without any partial state change.
type Client interface {
	Complete(ctx context.Context, in Request) (Response, error)

	// ModelName returns the backend's model identifier, for logs and metrics.
	ModelName() string
}

// NewRequest creates a free-text request with default limits.
func NewRequest(systemPrompt string, turns []Turn) Request {
	return Request{
		SystemPrompt: systemPrompt,
		Turns:        turns,
		MaxTokens:    DefaultMaxTokens,
		Temperature:  TemperatureDefault,
	}
}

// UserTurn creates a user-role turn.
func UserTurn(source, content string) Turn {
	return Turn{Role: RoleUser, Source: source, Content: content}
}

// AssistantTurn creates an assistant-role turn.
func AssistantTurn(source, content string) Turn {
	return Turn{Role: RoleAssistant, Source: source, Content: content}
}

// Validate checks a request before it reaches a backend.
func (r *Request) Validate() error {
	if len(r.Turns) == 0 {
		return fmt.Errorf("request must carry at least one turn")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	for i := range r.Turns {
		switch r.Turns[i].Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("invalid role %q at turn %d", r.Turns[i].Role, i)
		}
	}
	return nil
}
