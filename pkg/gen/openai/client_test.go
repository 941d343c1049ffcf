package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"reflector/pkg/gen"
)

func TestFlattenTurnsKeepsAttribution(t *testing.T) {
	got := flattenTurns([]gen.Turn{
		gen.UserTurn("author", "write fizzbuzz"),
		gen.AssistantTurn("producer", "here is a draft"),
		gen.UserTurn("critic", "REVISE"),
	})

	assert.Contains(t, got, "user (author): write fizzbuzz")
	assert.Contains(t, got, "assistant (producer): here is a draft")
	assert.Contains(t, got, "user (critic): REVISE")
	assert.NotContains(t, got, "\n\n\n")
}

func TestFlattenTurnsWithoutSource(t *testing.T) {
	got := flattenTurns([]gen.Turn{{Role: gen.RoleUser, Content: "hello"}})
	assert.Equal(t, "user: hello", got)
}
