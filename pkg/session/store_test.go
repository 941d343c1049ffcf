package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflector/pkg/proto"
)

func TestStoreCreateRejectsDuplicate(t *testing.T) {
	store := NewStore()

	log, err := store.Create("sess_1")
	require.NoError(t, err)
	require.NotNil(t, log)

	_, err = store.Create("sess_1")
	assert.Error(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestStoreGetOrCreate(t *testing.T) {
	store := NewStore()

	first := store.GetOrCreate("sess_1")
	second := store.GetOrCreate("sess_1")
	assert.Same(t, first, second)

	got, ok := store.Get("sess_1")
	require.True(t, ok)
	assert.Same(t, first, got)

	_, ok = store.Get("sess_2")
	assert.False(t, ok)
}

func TestLogOrdering(t *testing.T) {
	store := NewStore()
	log, err := store.Create("sess_1")
	require.NoError(t, err)

	// Verdict before any request is a protocol violation.
	require.Error(t, log.AppendVerdict(&proto.ReviewVerdict{SessionID: "sess_1"}))

	require.NoError(t, log.AppendTask(&proto.GenerationTask{Task: "reverse a string"}))

	// Task may only open the log.
	require.Error(t, log.AppendTask(&proto.GenerationTask{Task: "again"}))

	require.NoError(t, log.AppendRequest(&proto.ReviewRequest{SessionID: "sess_1", Artifact: "v1"}))
	assert.True(t, log.Pending())

	// Second request while one is pending violates the single-pending rule.
	require.Error(t, log.AppendRequest(&proto.ReviewRequest{SessionID: "sess_1", Artifact: "v2"}))

	require.NoError(t, log.AppendVerdict(&proto.ReviewVerdict{SessionID: "sess_1", ReviewText: "fix it"}))
	assert.False(t, log.Pending())

	// After the verdict a new request is allowed again.
	require.NoError(t, log.AppendRequest(&proto.ReviewRequest{SessionID: "sess_1", Artifact: "v2"}))
}

func TestLogAppendOnly(t *testing.T) {
	store := NewStore()
	log := store.GetOrCreate("sess_1")

	require.NoError(t, log.AppendTask(&proto.GenerationTask{Task: "t"}))
	lengths := []int{log.Len()}

	require.NoError(t, log.AppendRequest(&proto.ReviewRequest{SessionID: "sess_1"}))
	lengths = append(lengths, log.Len())
	require.NoError(t, log.AppendVerdict(&proto.ReviewVerdict{SessionID: "sess_1"}))
	lengths = append(lengths, log.Len())

	// The log never shrinks.
	for i := 1; i < len(lengths); i++ {
		assert.Greater(t, lengths[i], lengths[i-1])
	}

	// Events() returns a copy; mutating it does not touch the log.
	events := log.Events()
	events[0] = Event{}
	assert.NotNil(t, log.Events()[0].Task)
}

func TestLogLatestRequestAndVerdict(t *testing.T) {
	store := NewStore()
	log := store.GetOrCreate("sess_1")

	assert.Nil(t, log.LatestRequest())
	assert.Nil(t, log.LatestVerdict())

	require.NoError(t, log.AppendTask(&proto.GenerationTask{Task: "t"}))
	require.NoError(t, log.AppendRequest(&proto.ReviewRequest{SessionID: "sess_1", Artifact: "v1"}))
	require.NoError(t, log.AppendVerdict(&proto.ReviewVerdict{SessionID: "sess_1", ReviewText: "revise"}))
	require.NoError(t, log.AppendRequest(&proto.ReviewRequest{SessionID: "sess_1", Artifact: "v2"}))

	assert.Equal(t, "v2", log.LatestRequest().Artifact)
	assert.Equal(t, "revise", log.LatestVerdict().ReviewText)
}

func TestLogTerminalRejectsRequests(t *testing.T) {
	store := NewStore()
	log := store.GetOrCreate("sess_1")

	require.NoError(t, log.AppendTask(&proto.GenerationTask{Task: "t"}))
	require.NoError(t, log.AppendRequest(&proto.ReviewRequest{SessionID: "sess_1"}))
	require.NoError(t, log.AppendVerdict(&proto.ReviewVerdict{SessionID: "sess_1", Approved: true}))
	assert.True(t, log.MarkTerminal())
	assert.False(t, log.MarkTerminal(), "second terminal transition loses")

	assert.True(t, log.Terminal())
	assert.Error(t, log.AppendRequest(&proto.ReviewRequest{SessionID: "sess_1"}))
}

func TestStoreConcurrentSessionsDoNotInterleave(t *testing.T) {
	store := NewStore()
	const sessions = 16
	const rounds = 10

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sid := fmt.Sprintf("sess_%d", n)
			log := store.GetOrCreate(sid)
			require.NoError(t, log.AppendTask(&proto.GenerationTask{Task: sid}))
			for r := 0; r < rounds; r++ {
				require.NoError(t, log.AppendRequest(&proto.ReviewRequest{SessionID: sid, Artifact: fmt.Sprintf("%s-v%d", sid, r)}))
				require.NoError(t, log.AppendVerdict(&proto.ReviewVerdict{SessionID: sid}))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, sessions, store.Len())
	for i := 0; i < sessions; i++ {
		sid := fmt.Sprintf("sess_%d", i)
		log, ok := store.Get(sid)
		require.True(t, ok)
		assert.Equal(t, 1+2*rounds, log.Len())
		// Every event in the log belongs to this session.
		for _, ev := range log.Events() {
			switch {
			case ev.Task != nil:
				assert.Equal(t, sid, ev.Task.Task)
			case ev.Request != nil:
				assert.Equal(t, sid, ev.Request.SessionID)
			case ev.Verdict != nil:
				assert.Equal(t, sid, ev.Verdict.SessionID)
			}
		}
	}
}
