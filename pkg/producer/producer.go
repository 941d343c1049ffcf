// Package producer implements the generating side of the reflection loop. It
// opens a session per inbound task, asks the generation backend for an
// artifact, sends it out for review, and revises against each verdict until
// the critic approves or the round bound is hit.
package producer

import (
	"context"
	"fmt"
	"time"

	"reflector/pkg/bus"
	"reflector/pkg/extract"
	"reflector/pkg/gen"
	"reflector/pkg/gen/generrors"
	"reflector/pkg/logx"
	"reflector/pkg/metrics"
	"reflector/pkg/proto"
	"reflector/pkg/session"
	"reflector/pkg/tokens"
)

// SystemPrompt frames every generation call. The fenced-block requirement is
// load-bearing: the artifact extractor depends on it.
const SystemPrompt = "You are a senior software engineer. Solve the task you are given. " +
	"Think through the problem, then provide your complete solution in a single " +
	"fenced code block. When a reviewer asks for changes, address every point " +
	"and return the full revised solution, again in one fenced code block."

// State of a session, derived from its log.
type State string

const (
	StateAwaitingInitialGeneration State = "AWAITING_INITIAL_GENERATION"
	StatePendingReview             State = "PENDING_REVIEW"
	StateApproved                  State = "APPROVED"
	StateAborted                   State = "ABORTED"
)

// Publisher is the outbound half of the message bus.
type Publisher interface {
	Publish(env *proto.Envelope) error
}

// Agent is the producer role. One instance serves many concurrent sessions;
// per-session state lives in the store, keyed by session id.
type Agent struct {
	id        string
	client    gen.Client
	store     *session.Store
	publisher Publisher
	logger    *logx.Logger
	recorder  metrics.Recorder
	counter   *tokens.Counter
	maxRounds int
	maxTokens int
	temp      float32
}

// Option configures an Agent.
type Option func(*Agent)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithTokenCounter attaches a token counter for prompt size logging.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(a *Agent) { a.counter = c }
}

// WithMaxRounds bounds the review loop. After maxRounds verdicts without an
// approval the session is force-finalized with the latest artifact. Pass -1
// for no bound.
func WithMaxRounds(n int) Option {
	return func(a *Agent) { a.maxRounds = n }
}

// WithMaxTokens caps each completion.
func WithMaxTokens(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithTemperature overrides the generation temperature.
func WithTemperature(temp float32) Option {
	return func(a *Agent) {
		if temp > 0 {
			a.temp = temp
		}
	}
}

// New creates a producer agent publishing through p.
func New(id string, client gen.Client, p Publisher, opts ...Option) *Agent {
	a := &Agent{
		id:        id,
		client:    client,
		store:     session.NewStore(),
		publisher: p,
		logger:    logx.NewLogger(id),
		recorder:  metrics.NopRecorder{},
		maxRounds: -1,
		maxTokens: gen.DefaultMaxTokens,
		temp:      gen.TemperatureDeterministic,
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
		proto.MsgTypeTASK:    a.HandleGenerationTask,
		proto.MsgTypeVERDICT: a.HandleReviewVerdict,
	}
}

// SessionState reports where a session is in its lifecycle.
func (a *Agent) SessionState(sessionID string) (State, bool) {
	log, ok := a.store.Get(sessionID)
	if !ok {
		return "", false
	}
	switch {
	case log.Aborted():
		return StateAborted, true
	case log.Terminal():
		return StateApproved, true
	case log.Pending():
		return StatePendingReview, true
	default:
		return StateAwaitingInitialGeneration, true
	}
}

// HandleGenerationTask opens a new session for the task, generates the first
// artifact, and publishes a review request. Nothing is appended to the session
// log until generation and extraction have both succeeded.
func (a *Agent) HandleGenerationTask(ctx context.Context, env *proto.Envelope) error {
	task := env.Task
	sessionID := proto.NewSessionID()

	log, err := a.store.Create(sessionID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	a.recorder.SessionStarted()
	a.logger.Info("Session %s opened for task: %.80s", sessionID, task.Task)

	req := a.newRequest([]gen.Turn{gen.UserTurn("user", task.Task)})
	scratchpad, err := a.generate(ctx, sessionID, req)
	if err != nil {
		a.abort(log, "generation_failure")
		return err
	}

	artifact, present := extract.Artifact(scratchpad)
	if !present {
		a.abort(log, "missing_artifact")
		return proto.NewProtocolViolation(sessionID, "generation response contains no fenced artifact")
	}

	if err := log.AppendTask(task); err != nil {
		a.abort(log, "log_failure")
		return fmt.Errorf("failed to append task: %w", err)
	}

	return a.sendReviewRequest(log, &proto.ReviewRequest{
		SessionID:    sessionID,
		OriginalTask: task.Task,
		Scratchpad:   scratchpad,
		Artifact:     artifact,
	})
}

// HandleReviewVerdict records the critic's verdict and either finalizes the
// session or generates a revision from the replayed conversation.
func (a *Agent) HandleReviewVerdict(ctx context.Context, env *proto.Envelope) error {
	verdict := env.Verdict
	log, ok := a.store.Get(verdict.SessionID)
	if !ok {
		return proto.NewProtocolViolation(verdict.SessionID, "verdict references unknown session")
	}
	if log.Aborted() {
		a.logger.Warn("Ignoring verdict for aborted session %s", verdict.SessionID)
		return nil
	}
	if log.Terminal() {
		// Terminal sessions accept no continuation; late verdicts are dropped.
		a.logger.Warn("Ignoring verdict for finalized session %s", verdict.SessionID)
		return nil
	}

	request := log.LatestRequest()
	if request == nil {
		a.abort(log, "verdict_without_request")
		return proto.NewProtocolViolation(verdict.SessionID, "verdict received with no prior review request")
	}

	if err := log.AppendVerdict(verdict); err != nil {
		a.abort(log, "verdict_without_request")
		return proto.NewProtocolViolation(verdict.SessionID, "verdict ordering violation: %v", err)
	}

	if verdict.Approved {
		return a.finalize(log, request, verdict, false)
	}

	rounds := a.roundsTaken(log)
	if a.maxRounds > 0 && rounds >= a.maxRounds {
		a.logger.Warn("Session %s hit round bound (%d), force-finalizing with latest artifact", verdict.SessionID, a.maxRounds)
		return a.finalize(log, request, verdict, true)
	}

	req := a.newRequest(a.replayTurns(log))
	scratchpad, err := a.generate(ctx, verdict.SessionID, req)
	if err != nil {
		a.abort(log, "generation_failure")
		return err
	}

	artifact, present := extract.Artifact(scratchpad)
	if !present {
		a.abort(log, "missing_artifact")
		return proto.NewProtocolViolation(verdict.SessionID, "revision response contains no fenced artifact")
	}

	return a.sendReviewRequest(log, &proto.ReviewRequest{
		SessionID:    verdict.SessionID,
		OriginalTask: request.OriginalTask,
		Scratchpad:   scratchpad,
		Artifact:     artifact,
	})
}

// replayTurns rebuilds the model conversation from the session log, one turn
// per event in log order. Tasks and verdicts become user turns, each prior
// generation becomes an assistant turn carrying its full scratchpad.
func (a *Agent) replayTurns(log *session.Log) []gen.Turn {
	events := log.Events()
	turns := make([]gen.Turn, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.Task != nil:
			turns = append(turns, gen.UserTurn("user", ev.Task.Task))
		case ev.Request != nil:
			turns = append(turns, gen.AssistantTurn(a.id, ev.Request.Scratchpad))
		case ev.Verdict != nil:
			turns = append(turns, gen.UserTurn("critic", ev.Verdict.ReviewText))
		}
	}
	return turns
}

// newRequest applies the agent's configured completion limits.
func (a *Agent) newRequest(turns []gen.Turn) gen.Request {
	req := gen.NewRequest(SystemPrompt, turns)
	req.MaxTokens = a.maxTokens
	req.Temperature = a.temp
	return req
}

func (a *Agent) sendReviewRequest(log *session.Log, req *proto.ReviewRequest) error {
	if err := log.AppendRequest(req); err != nil {
		a.abort(log, "log_failure")
		return fmt.Errorf("failed to append review request: %w", err)
	}
	env := proto.NewRequestEnvelope(a.id, req)
	if err := a.publisher.Publish(env); err != nil {
		a.abort(log, "publish_failure")
		return fmt.Errorf("failed to publish review request: %w", err)
	}
	a.logger.Debug("Session %s review request %s published", req.SessionID, env.ID)
	return nil
}

// finalize publishes the session's FinalResult exactly once and marks the log
// terminal. forced marks a round-bound finalization rather than an approval.
func (a *Agent) finalize(log *session.Log, request *proto.ReviewRequest, verdict *proto.ReviewVerdict, forced bool) error {
	if !log.MarkTerminal() {
		a.logger.Warn("Session %s already finalized, suppressing duplicate final result", request.SessionID)
		return nil
	}

	final := &proto.FinalResult{
		OriginalTask: request.OriginalTask,
		Artifact:     request.Artifact,
		ReviewText:   verdict.ReviewText,
	}
	if err := a.publisher.Publish(proto.NewFinalEnvelope(a.id, final)); err != nil {
		return fmt.Errorf("failed to publish final result: %w", err)
	}

	rounds := a.roundsTaken(log)
	a.recorder.SessionFinalized(rounds, forced)
	a.logger.Info("Session %s finalized after %d rounds (forced=%v)", request.SessionID, rounds, forced)
	return nil
}

// roundsTaken counts completed generate/review rounds.
func (a *Agent) roundsTaken(log *session.Log) int {
	rounds := 0
	for _, ev := range log.Events() {
		if ev.Verdict != nil {
			rounds++
		}
	}
	return rounds
}

func (a *Agent) generate(ctx context.Context, sessionID string, req gen.Request) (string, error) {
	promptTokens := 0
	if a.counter != nil {
		for i := range req.Turns {
			promptTokens += a.counter.Count(req.Turns[i].Content)
		}
		a.logger.Debug("Session %s prompt is ~%d tokens over %d turns", sessionID, promptTokens, len(req.Turns))
	}

	start := time.Now()
	resp, err := a.client.Complete(ctx, req)
	duration := time.Since(start)
	if err != nil {
		a.recorder.ObserveGeneration(a.id, a.client.ModelName(), errorLabel(err), 0, 0, false, duration)
		return "", fmt.Errorf("generation failed for session %s: %w", sessionID, err)
	}

	completionTokens := 0
	if a.counter != nil {
		completionTokens = a.counter.Count(resp.Content)
	}
	a.recorder.ObserveGeneration(a.id, a.client.ModelName(), "", promptTokens, completionTokens, true, duration)
	return resp.Content, nil
}

func errorLabel(err error) string {
	return generrors.TypeOf(err).String()
}

func (a *Agent) abort(log *session.Log, reason string) {
	log.MarkAborted()
	a.recorder.SessionAborted(reason)
	a.logger.Error("Session %s aborted: %s", log.SessionID(), reason)
}
