package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "session id %s reused", id)
		seen[id] = true
	}
}

func TestEnvelopeValidate(t *testing.T) {
	env := NewRequestEnvelope("producer", &ReviewRequest{
		SessionID:    NewSessionID(),
		OriginalTask: "reverse a string",
		Scratchpad:   "thinking...",
		Artifact:     "func Reverse(s string) string { return s }",
	})
	require.NoError(t, env.Validate())
	assert.Equal(t, MsgTypeREQUEST, env.Type)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestEnvelopeValidateRejectsMissingPayload(t *testing.T) {
	env := NewTaskEnvelope("caller", &GenerationTask{Task: "t"})
	env.Task = nil
	assert.Error(t, env.Validate())
}

func TestEnvelopeValidateRejectsDoublePayload(t *testing.T) {
	env := NewTaskEnvelope("caller", &GenerationTask{Task: "t"})
	env.Final = &FinalResult{}
	assert.Error(t, env.Validate())
}

func TestEnvelopeValidateRejectsMissingSessionID(t *testing.T) {
	env := NewVerdictEnvelope("critic", &ReviewVerdict{ReviewText: "no"})
	assert.Error(t, env.Validate())
}

func TestEnvelopeSessionID(t *testing.T) {
	sid := NewSessionID()

	req := NewRequestEnvelope("producer", &ReviewRequest{SessionID: sid})
	assert.Equal(t, sid, req.SessionID())

	verdict := NewVerdictEnvelope("critic", &ReviewVerdict{SessionID: sid})
	assert.Equal(t, sid, verdict.SessionID())

	// Task and final envelopes carry no session id.
	task := NewTaskEnvelope("caller", &GenerationTask{Task: "t"})
	assert.Empty(t, task.SessionID())
	final := NewFinalEnvelope("producer", &FinalResult{OriginalTask: "t"})
	assert.Empty(t, final.SessionID())
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	env := NewVerdictEnvelope("critic", &ReviewVerdict{
		SessionID:  NewSessionID(),
		ReviewText: "looks correct",
		Approved:   true,
	})

	data, err := env.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, parsed.ID)
	assert.Equal(t, env.Type, parsed.Type)
	require.NotNil(t, parsed.Verdict)
	assert.True(t, parsed.Verdict.Approved)
	assert.Equal(t, env.Verdict.ReviewText, parsed.Verdict.ReviewText)
}

func TestParseApproval(t *testing.T) {
	cases := []struct {
		in   string
		want Approval
	}{
		{"APPROVE", ApprovalApprove},
		{"approve", ApprovalApprove},
		{"  Approve ", ApprovalApprove},
		{"REVISE", ApprovalRevise},
		{"revise", ApprovalRevise},
		{"", ApprovalRevise},
		{"LGTM", ApprovalRevise},   // unknown values fail safe to REVISE
		{"reject", ApprovalRevise},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseApproval(tc.in), "input %q", tc.in)
	}
}

func TestValidateMsgType(t *testing.T) {
	for _, valid := range []string{"TASK", "REQUEST", "VERDICT", "FINAL"} {
		mt, ok := ValidateMsgType(valid)
		assert.True(t, ok)
		assert.Equal(t, valid, mt.String())
	}

	_, ok := ValidateMsgType("STORY")
	assert.False(t, ok)
}

func TestProtocolViolationError(t *testing.T) {
	err := NewProtocolViolation("sess_1", "no artifact in response")
	assert.True(t, IsProtocolViolation(err))
	assert.Contains(t, err.Error(), "sess_1")
	assert.Contains(t, err.Error(), "no artifact")

	assert.False(t, IsProtocolViolation(assert.AnError))
}
