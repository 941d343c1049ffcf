// Package proto defines the typed messages exchanged between the producer and
// critic agents during a reflection session.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MsgType tags each protocol message variant. Routing is done on this tag via
// an explicit handler table rather than runtime type inspection.
type MsgType string

const (
	MsgTypeTASK    MsgType = "TASK"    // GenerationTask from the external caller
	MsgTypeREQUEST MsgType = "REQUEST" // ReviewRequest: producer -> critic
	MsgTypeVERDICT MsgType = "VERDICT" // ReviewVerdict: critic -> producer
	MsgTypeFINAL   MsgType = "FINAL"   // FinalResult: producer -> external caller
)

// ValidateMsgType validates if a string is a valid message type.
func ValidateMsgType(msgType string) (MsgType, bool) {
	switch MsgType(msgType) {
	case MsgTypeTASK, MsgTypeREQUEST, MsgTypeVERDICT, MsgTypeFINAL:
		return MsgType(msgType), true
	default:
		return "", false
	}
}

// String returns the string representation of MsgType.
func (mt MsgType) String() string {
	return string(mt)
}

// GenerationTask starts a new reflection session. Published by the external
// caller; the producer allocates the session on receipt.
type GenerationTask struct {
	Task string `json:"task"`
}

// ReviewRequest carries one generation round to the critic. Scratchpad is the
// full unparsed model output (kept so replay preserves the model's reasoning);
// Artifact is the extracted deliverable.
type ReviewRequest struct {
	SessionID    string `json:"session_id"`
	OriginalTask string `json:"original_task"`
	Scratchpad   string `json:"generation_scratchpad"`
	Artifact     string `json:"artifact"`
}

// ReviewVerdict is the critic's decision for the most recent ReviewRequest of
// the session. Approved is the sole terminal signal of the protocol.
type ReviewVerdict struct {
	SessionID  string `json:"session_id"`
	ReviewText string `json:"review_text"`
	Approved   bool   `json:"approved"`
}

// FinalResult is delivered to the external caller when a session finishes. It
// carries no session id; callers running multiple concurrent tasks correlate
// by OriginalTask. No further protocol messages reference it.
type FinalResult struct {
	OriginalTask string `json:"original_task"`
	Artifact     string `json:"artifact"`
	ReviewText   string `json:"review_text"`
}

// Envelope wraps one protocol message for bus transport and event logging.
// Exactly one of the payload fields is set, matching Type.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MsgType         `json:"type"`
	From      string          `json:"from"`
	Timestamp time.Time       `json:"timestamp"`
	Task      *GenerationTask `json:"task,omitempty"`
	Request   *ReviewRequest  `json:"request,omitempty"`
	Verdict   *ReviewVerdict  `json:"verdict,omitempty"`
	Final     *FinalResult    `json:"final,omitempty"`
}

func newEnvelope(msgType MsgType, from string) *Envelope {
	return &Envelope{
		ID:        "msg_" + uuid.NewString(),
		Type:      msgType,
		From:      from,
		Timestamp: time.Now().UTC(),
	}
}

// NewTaskEnvelope wraps a GenerationTask for publishing.
func NewTaskEnvelope(from string, task *GenerationTask) *Envelope {
	env := newEnvelope(MsgTypeTASK, from)
	env.Task = task
	return env
}

// NewRequestEnvelope wraps a ReviewRequest for publishing.
func NewRequestEnvelope(from string, req *ReviewRequest) *Envelope {
	env := newEnvelope(MsgTypeREQUEST, from)
	env.Request = req
	return env
}

// NewVerdictEnvelope wraps a ReviewVerdict for publishing.
func NewVerdictEnvelope(from string, verdict *ReviewVerdict) *Envelope {
	env := newEnvelope(MsgTypeVERDICT, from)
	env.Verdict = verdict
	return env
}

// NewFinalEnvelope wraps a FinalResult for publishing.
func NewFinalEnvelope(from string, final *FinalResult) *Envelope {
	env := newEnvelope(MsgTypeFINAL, from)
	env.Final = final
	return env
}

// Validate checks that the envelope is well formed and that exactly the
// payload matching Type is present.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if e.From == "" {
		return fmt.Errorf("from is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if _, valid := ValidateMsgType(string(e.Type)); !valid {
		return fmt.Errorf("invalid message type: %s", e.Type)
	}

	set := 0
	if e.Task != nil {
		set++
	}
	if e.Request != nil {
		set++
	}
	if e.Verdict != nil {
		set++
	}
	if e.Final != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("envelope must carry exactly one payload, has %d", set)
	}

	switch e.Type {
	case MsgTypeTASK:
		if e.Task == nil {
			return fmt.Errorf("TASK envelope missing task payload")
		}
	case MsgTypeREQUEST:
		if e.Request == nil {
			return fmt.Errorf("REQUEST envelope missing request payload")
		}
		if e.Request.SessionID == "" {
			return fmt.Errorf("review request missing session_id")
		}
	case MsgTypeVERDICT:
		if e.Verdict == nil {
			return fmt.Errorf("VERDICT envelope missing verdict payload")
		}
		if e.Verdict.SessionID == "" {
			return fmt.Errorf("review verdict missing session_id")
		}
	case MsgTypeFINAL:
		if e.Final == nil {
			return fmt.Errorf("FINAL envelope missing final payload")
		}
	}

	return nil
}

// SessionID returns the session the envelope belongs to, or empty for
// messages that carry none (GenerationTask before allocation, FinalResult).
func (e *Envelope) SessionID() string {
	switch {
	case e.Request != nil:
		return e.Request.SessionID
	case e.Verdict != nil:
		return e.Verdict.SessionID
	default:
		return ""
	}
}

// ToJSON serializes the envelope for event logging.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an envelope from its JSON form.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

// NewSessionID allocates an opaque unique session token. Tokens are never
// reused within or across producer lifetimes.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// Approval is the critic's decision field in a structured verdict.
type Approval string

const (
	ApprovalApprove Approval = "APPROVE"
	ApprovalRevise  Approval = "REVISE"
)

// ParseApproval normalizes the critic's approval field. Values outside
// {APPROVE, REVISE} deliberately map to REVISE: an unreadable decision must
// fail safe toward another revision round, never toward approval.
func ParseApproval(s string) Approval {
	if strings.EqualFold(strings.TrimSpace(s), string(ApprovalApprove)) {
		return ApprovalApprove
	}
	return ApprovalRevise
}

// String returns the string representation of Approval.
func (a Approval) String() string {
	return string(a)
}
