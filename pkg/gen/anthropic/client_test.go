package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflector/pkg/gen"
)

func TestEnsureAlternationExtractsSystem(t *testing.T) {
	system, turns, err := ensureAlternation([]gen.Turn{
		{Role: gen.RoleSystem, Content: "be brief"},
		gen.UserTurn("author", "write fizzbuzz"),
	})
	require.NoError(t, err)
	assert.Equal(t, "be brief", system)
	require.Len(t, turns, 1)
	assert.Equal(t, gen.RoleUser, turns[0].Role)
}

func TestEnsureAlternationMergesConsecutiveUserTurns(t *testing.T) {
	_, turns, err := ensureAlternation([]gen.Turn{
		gen.UserTurn("author", "the task"),
		gen.AssistantTurn("producer", "draft one"),
		gen.UserTurn("critic", "needs error handling"),
		gen.UserTurn("author", "also add tests"),
	})
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, gen.RoleUser, turns[0].Role)
	assert.Equal(t, gen.RoleAssistant, turns[1].Role)
	assert.Equal(t, gen.RoleUser, turns[2].Role)
	assert.Contains(t, turns[2].Content, "[critic]")
	assert.Contains(t, turns[2].Content, "[author]")
	assert.Contains(t, turns[2].Content, "needs error handling")
}

func TestEnsureAlternationRejectsAssistantTail(t *testing.T) {
	_, _, err := ensureAlternation([]gen.Turn{
		gen.UserTurn("author", "the task"),
		gen.AssistantTurn("producer", "draft one"),
	})
	assert.Error(t, err)
}

func TestEnsureAlternationRejectsEmpty(t *testing.T) {
	_, _, err := ensureAlternation(nil)
	assert.Error(t, err)

	_, _, err = ensureAlternation([]gen.Turn{{Role: gen.RoleSystem, Content: "only system"}})
	assert.Error(t, err)
}

func TestEnsureAlternationRejectsAssistantFirst(t *testing.T) {
	_, _, err := ensureAlternation([]gen.Turn{
		gen.AssistantTurn("producer", "draft"),
		gen.UserTurn("critic", "verdict"),
	})
	assert.Error(t, err)
}
