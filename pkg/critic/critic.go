// Package critic implements the reviewing side of the reflection loop. Each
// review request is evaluated against its originating task and the critic's
// previous feedback for that session, producing a structured approve/revise
// verdict.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reflector/pkg/bus"
	"reflector/pkg/extract"
	"reflector/pkg/gen"
	"reflector/pkg/gen/generrors"
	"reflector/pkg/logx"
	"reflector/pkg/metrics"
	"reflector/pkg/proto"
	"reflector/pkg/session"
)

// SystemPrompt frames every evaluation call.
const SystemPrompt = "You are an exacting code reviewer. Evaluate the submitted artifact " +
	"against its task for correctness, efficiency, and safety. Be specific about " +
	"defects. Approve only work you would merge as-is."

// Verdict is the structured schema the backend must return. Approval is
// mandatory; the remaining fields are the code-review field set.
type Verdict struct {
	Correctness      string `json:"correctness"`
	Efficiency       string `json:"efficiency"`
	Safety           string `json:"safety"`
	Approval         string `json:"approval"`
	SuggestedChanges string `json:"suggested_changes"`
}

// Publisher is the outbound half of the message bus.
type Publisher interface {
	Publish(env *proto.Envelope) error
}

// Agent is the critic role. It keeps its own per-session log of request and
// verdict pairs, never sharing storage with the producer.
type Agent struct {
	id        string
	client    gen.Client
	store     *session.Store
	publisher Publisher
	logger    *logx.Logger
	recorder  metrics.Recorder
	maxTokens int
	temp      float32
}

// Option configures an Agent.
type Option func(*Agent)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithMaxTokens caps each evaluation completion.
func WithMaxTokens(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithTemperature overrides the evaluation temperature.
func WithTemperature(temp float32) Option {
	return func(a *Agent) {
		if temp > 0 {
			a.temp = temp
		}
	}
}

// New creates a critic agent publishing through p.
func New(id string, client gen.Client, p Publisher, opts ...Option) *Agent {
	a := &Agent{
		id:        id,
		client:    client,
		store:     session.NewStore(),
		publisher: p,
		logger:    logx.NewLogger(id),
		recorder:  metrics.NopRecorder{},
		maxTokens: gen.DefaultMaxTokens,
		temp:      gen.TemperatureDefault,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent's bus identity.
func (a *Agent) ID() string {
	return a.id
}

// Handlers returns the agent's bus handler table.
func (a *Agent) Handlers() map[proto.MsgType]bus.Handler {
	return map[proto.MsgType]bus.Handler{
		proto.MsgTypeREQUEST: a.HandleReviewRequest,
	}
}

// HandleReviewRequest evaluates one artifact and publishes the verdict.
// Nothing is appended to the critic's log until the evaluation has succeeded.
func (a *Agent) HandleReviewRequest(ctx context.Context, env *proto.Envelope) error {
	request := env.Request
	log := a.store.GetOrCreate(request.SessionID)
	if log.Aborted() {
		a.logger.Warn("Ignoring review request for aborted session %s", request.SessionID)
		return nil
	}

	previousFeedback := ""
	if prev := log.LatestVerdict(); prev != nil {
		previousFeedback = prev.ReviewText
	}

	prompt := buildEvaluationPrompt(request, previousFeedback)
	req := gen.NewRequest(SystemPrompt, []gen.Turn{gen.UserTurn("producer", prompt)})
	req.Structured = true
	req.MaxTokens = a.maxTokens
	req.Temperature = a.temp

	start := time.Now()
	resp, err := a.client.Complete(ctx, req)
	duration := time.Since(start)
	if err != nil {
		a.recorder.ObserveGeneration(a.id, a.client.ModelName(), generrors.TypeOf(err).String(), 0, 0, false, duration)
		log.MarkAborted()
		return fmt.Errorf("evaluation failed for session %s: %w", request.SessionID, err)
	}
	a.recorder.ObserveGeneration(a.id, a.client.ModelName(), "", 0, 0, true, duration)

	structured, err := parseVerdict(resp.Content)
	if err != nil {
		log.MarkAborted()
		return proto.NewProtocolViolation(request.SessionID, "verdict failed schema validation: %v", err)
	}

	verdict := &proto.ReviewVerdict{
		SessionID:  request.SessionID,
		ReviewText: structured.ReviewText(),
		Approved:   proto.ParseApproval(structured.Approval) == proto.ApprovalApprove,
	}

	if err := log.AppendRequest(request); err != nil {
		log.MarkAborted()
		return fmt.Errorf("failed to append review request: %w", err)
	}
	if err := log.AppendVerdict(verdict); err != nil {
		log.MarkAborted()
		return fmt.Errorf("failed to append verdict: %w", err)
	}

	if err := a.publisher.Publish(proto.NewVerdictEnvelope(a.id, verdict)); err != nil {
		log.MarkAborted()
		return fmt.Errorf("failed to publish verdict: %w", err)
	}
	a.logger.Info("Session %s reviewed: approved=%v", request.SessionID, verdict.Approved)
	return nil
}

// buildEvaluationPrompt embeds the task, the artifact, and any prior feedback
// into a single evaluation instruction.
func buildEvaluationPrompt(request *proto.ReviewRequest, previousFeedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\n", request.OriginalTask)
	fmt.Fprintf(&b, "Submitted artifact:\n```\n%s\n```\n\n", request.Artifact)
	if previousFeedback != "" {
		fmt.Fprintf(&b, "Your previous review of an earlier version:\n%s\n\n", previousFeedback)
		b.WriteString("Check whether each point of that feedback has been addressed.\n\n")
	}
	b.WriteString("Reply with a JSON object with exactly these string fields: " +
		`"correctness", "efficiency", "safety", "approval", "suggested_changes". ` +
		`"approval" must be "APPROVE" or "REVISE".`)
	return b.String()
}

// parseVerdict decodes the backend's structured response, tolerating a fenced
// wrapper around the JSON object.
func parseVerdict(content string) (*Verdict, error) {
	text := strings.TrimSpace(content)
	if inner, present := extract.Artifact(text); present {
		text = strings.TrimSpace(inner)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("response is not a valid verdict object: %w", err)
	}
	if strings.TrimSpace(v.Approval) == "" {
		return nil, fmt.Errorf("verdict is missing the approval field")
	}
	return &v, nil
}

// ReviewText concatenates the structured fields into the human-readable
// review delivered back to the producer.
func (v *Verdict) ReviewText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Correctness: %s\n", v.Correctness)
	fmt.Fprintf(&b, "Efficiency: %s\n", v.Efficiency)
	fmt.Fprintf(&b, "Safety: %s\n", v.Safety)
	fmt.Fprintf(&b, "Suggested changes: %s\n", v.SuggestedChanges)
	fmt.Fprintf(&b, "Verdict: %s", proto.ParseApproval(v.Approval))
	return b.String()
}
