package producer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflector/pkg/gen"
	"reflector/pkg/proto"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []*proto.Envelope
}

func (c *capturePublisher) Publish(env *proto.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *capturePublisher) byType(t proto.MsgType) []*proto.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*proto.Envelope
	for _, env := range c.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

const fencedResponse = "Here is my approach.\n```go\nfunc Reverse(s string) string { return s }\n```\nDone."

func TestHandleGenerationTaskPublishesReviewRequest(t *testing.T) {
	pub := &capturePublisher{}
	mock := gen.NewMockClient(gen.MockResponse{Content: fencedResponse})
	agent := New("producer", mock, pub)

	env := proto.NewTaskEnvelope("user", &proto.GenerationTask{Task: "reverse a string"})
	require.NoError(t, agent.HandleGenerationTask(context.Background(), env))

	requests := pub.byType(proto.MsgTypeREQUEST)
	require.Len(t, requests, 1)
	req := requests[0].Request
	assert.Equal(t, "reverse a string", req.OriginalTask)
	assert.Equal(t, fencedResponse, req.Scratchpad)
	assert.Equal(t, "func Reverse(s string) string { return s }\n", req.Artifact)
	assert.NotEmpty(t, req.SessionID)

	state, ok := agent.SessionState(req.SessionID)
	require.True(t, ok)
	assert.Equal(t, StatePendingReview, state)
}

func TestConfiguredLimitsReachBackend(t *testing.T) {
	pub := &capturePublisher{}
	mock := gen.NewMockClient(gen.MockResponse{Content: fencedResponse})
	agent := New("producer", mock, pub, WithMaxTokens(1234), WithTemperature(0.55))

	env := proto.NewTaskEnvelope("user", &proto.GenerationTask{Task: "reverse a string"})
	require.NoError(t, agent.HandleGenerationTask(context.Background(), env))

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 1234, reqs[0].MaxTokens)
	assert.InDelta(t, 0.55, reqs[0].Temperature, 1e-6)
}

func TestMissingArtifactAbortsSession(t *testing.T) {
	pub := &capturePublisher{}
	mock := gen.NewMockClient(gen.MockResponse{Content: "I cannot produce code for this."})
	agent := New("producer", mock, pub)

	env := proto.NewTaskEnvelope("user", &proto.GenerationTask{Task: "reverse a string"})
	err := agent.HandleGenerationTask(context.Background(), env)
	require.Error(t, err)
	assert.True(t, proto.IsProtocolViolation(err))
	assert.Empty(t, pub.byType(proto.MsgTypeREQUEST), "no review request on violation")
	assert.Empty(t, pub.byType(proto.MsgTypeFINAL))
}

func TestVerdictForUnknownSessionIsViolation(t *testing.T) {
	agent := New("producer", gen.NewMockClient(), &capturePublisher{})

	env := proto.NewVerdictEnvelope("critic", &proto.ReviewVerdict{
		SessionID:  "sess_missing",
		ReviewText: "fine",
		Approved:   true,
	})
	err := agent.HandleReviewVerdict(context.Background(), env)
	require.Error(t, err)
	assert.True(t, proto.IsProtocolViolation(err))
}

func TestApprovedVerdictPublishesExactlyOneFinalResult(t *testing.T) {
	pub := &capturePublisher{}
	mock := gen.NewMockClient(gen.MockResponse{Content: fencedResponse})
	agent := New("producer", mock, pub)

	taskEnv := proto.NewTaskEnvelope("user", &proto.GenerationTask{Task: "reverse a string"})
	require.NoError(t, agent.HandleGenerationTask(context.Background(), taskEnv))
	sessionID := pub.byType(proto.MsgTypeREQUEST)[0].Request.SessionID

	verdict := &proto.ReviewVerdict{SessionID: sessionID, ReviewText: "ship it", Approved: true}
	require.NoError(t, agent.HandleReviewVerdict(context.Background(), proto.NewVerdictEnvelope("critic", verdict)))

	finals := pub.byType(proto.MsgTypeFINAL)
	require.Len(t, finals, 1)
	assert.Equal(t, "reverse a string", finals[0].Final.OriginalTask)
	assert.Equal(t, "func Reverse(s string) string { return s }\n", finals[0].Final.Artifact)
	assert.Equal(t, "ship it", finals[0].Final.ReviewText)

	state, _ := agent.SessionState(sessionID)
	assert.Equal(t, StateApproved, state)

	// A late duplicate verdict is dropped, never a second final result.
	require.NoError(t, agent.HandleReviewVerdict(context.Background(), proto.NewVerdictEnvelope("critic", verdict)))
	assert.Len(t, pub.byType(proto.MsgTypeFINAL), 1)
}

func TestReviseVerdictReplaysFullConversation(t *testing.T) {
	pub := &capturePublisher{}
	secondResponse := "Revised.\n```go\nfunc Reverse(s string) string { /* fixed */ return s }\n```"
	mock := gen.NewMockClient(
		gen.MockResponse{Content: fencedResponse},
		gen.MockResponse{Content: secondResponse},
	)
	agent := New("producer", mock, pub)

	require.NoError(t, agent.HandleGenerationTask(context.Background(),
		proto.NewTaskEnvelope("user", &proto.GenerationTask{Task: "reverse a string"})))
	sessionID := pub.byType(proto.MsgTypeREQUEST)[0].Request.SessionID

	verdict := &proto.ReviewVerdict{SessionID: sessionID, ReviewText: "handle unicode", Approved: false}
	require.NoError(t, agent.HandleReviewVerdict(context.Background(), proto.NewVerdictEnvelope("critic", verdict)))

	// Second generation call sees the whole log: task, first draft, feedback.
	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	turns := reqs[1].Turns
	require.Len(t, turns, 3)
	assert.Equal(t, gen.RoleUser, turns[0].Role)
	assert.Equal(t, "reverse a string", turns[0].Content)
	assert.Equal(t, gen.RoleAssistant, turns[1].Role)
	assert.Equal(t, fencedResponse, turns[1].Content)
	assert.Equal(t, gen.RoleUser, turns[2].Role)
	assert.Equal(t, "critic", turns[2].Source)
	assert.Equal(t, "handle unicode", turns[2].Content)

	// A second review request went out for the same session, task unchanged.
	requests := pub.byType(proto.MsgTypeREQUEST)
	require.Len(t, requests, 2)
	assert.Equal(t, sessionID, requests[1].Request.SessionID)
	assert.Equal(t, "reverse a string", requests[1].Request.OriginalTask)
	assert.Equal(t, secondResponse, requests[1].Request.Scratchpad)
	assert.Empty(t, pub.byType(proto.MsgTypeFINAL))
}

func TestMaxRoundsForcesFinalization(t *testing.T) {
	pub := &capturePublisher{}
	mock := gen.NewMockClient(gen.MockResponse{Content: fencedResponse})
	agent := New("producer", mock, pub, WithMaxRounds(1))

	require.NoError(t, agent.HandleGenerationTask(context.Background(),
		proto.NewTaskEnvelope("user", &proto.GenerationTask{Task: "reverse a string"})))
	sessionID := pub.byType(proto.MsgTypeREQUEST)[0].Request.SessionID

	verdict := &proto.ReviewVerdict{SessionID: sessionID, ReviewText: "still wrong", Approved: false}
	require.NoError(t, agent.HandleReviewVerdict(context.Background(), proto.NewVerdictEnvelope("critic", verdict)))

	finals := pub.byType(proto.MsgTypeFINAL)
	require.Len(t, finals, 1, "round bound produces a deterministic final result")
	assert.Equal(t, "func Reverse(s string) string { return s }\n", finals[0].Final.Artifact)
	assert.Equal(t, "still wrong", finals[0].Final.ReviewText)
	assert.Equal(t, 1, mock.CallCount(), "no further generation after the bound")
}

func TestGenerationFailureAbortsWithoutLogMutation(t *testing.T) {
	pub := &capturePublisher{}
	mock := gen.NewMockClient(gen.MockResponse{Err: errors.New("backend down")})
	agent := New("producer", mock, pub)

	err := agent.HandleGenerationTask(context.Background(),
		proto.NewTaskEnvelope("user", &proto.GenerationTask{Task: "reverse a string"}))
	require.Error(t, err)
	assert.False(t, proto.IsProtocolViolation(err))
	assert.Empty(t, pub.envs)

	// The aborted session's log stayed empty.
	require.Equal(t, 1, agent.store.Len())
	for _, env := range pub.envs {
		t.Fatalf("unexpected publish: %v", env)
	}
}

func TestCancelledContextAbandonsSessionUpdate(t *testing.T) {
	pub := &capturePublisher{}
	mock := gen.NewMockClient(gen.MockResponse{Content: fencedResponse})
	agent := New("producer", mock, pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := agent.HandleGenerationTask(ctx,
		proto.NewTaskEnvelope("user", &proto.GenerationTask{Task: "reverse a string"}))
	require.Error(t, err)
	assert.Empty(t, pub.envs, "no partial protocol output after cancellation")
}

func TestAbortedSessionDropsLaterVerdicts(t *testing.T) {
	pub := &capturePublisher{}
	mock := gen.NewMockClient(
		gen.MockResponse{Content: fencedResponse},
		gen.MockResponse{Err: errors.New("backend down")},
	)
	agent := New("producer", mock, pub)

	require.NoError(t, agent.HandleGenerationTask(context.Background(),
		proto.NewTaskEnvelope("user", &proto.GenerationTask{Task: "reverse a string"})))
	sessionID := pub.byType(proto.MsgTypeREQUEST)[0].Request.SessionID

	revise := &proto.ReviewVerdict{SessionID: sessionID, ReviewText: "fix it", Approved: false}
	require.Error(t, agent.HandleReviewVerdict(context.Background(), proto.NewVerdictEnvelope("critic", revise)))

	state, _ := agent.SessionState(sessionID)
	assert.Equal(t, StateAborted, state)

	// Further verdicts for the dead session are ignored without error.
	approve := &proto.ReviewVerdict{SessionID: sessionID, ReviewText: "fine now", Approved: true}
	require.NoError(t, agent.HandleReviewVerdict(context.Background(), proto.NewVerdictEnvelope("critic", approve)))
	assert.Empty(t, pub.byType(proto.MsgTypeFINAL), "aborted sessions never finalize")
}
