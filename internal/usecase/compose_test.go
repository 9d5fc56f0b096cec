package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"convai-relay/internal/domain"
)

func TestComposeMessage_NoHistoryIsLiteral(t *testing.T) {
	require.Equal(t, "Oi", composeMessage("Oi", nil))
	require.Equal(t, "Oi", composeMessage("Oi", []domain.Turn{{Role: "user", Text: "  "}}))
}

func TestComposeMessage_FoldsTranscriptAndDirectives(t *testing.T) {
	got := composeMessage("Qual o horário?", []domain.Turn{
		{Role: "user", Text: "Olá"},
		{Role: "agent", Text: "Olá! Como posso ajudar?"},
	})

	lines := strings.Split(got, "\n")
	require.Equal(t, "Conversation so far:", lines[0])
	require.Equal(t, "User: Olá", lines[1])
	require.Equal(t, "Agent: Olá! Como posso ajudar?", lines[2])
	require.Contains(t, got, "Do not open with a greeting")
	require.Contains(t, got, "avoid slang and informal language")
	require.Contains(t, got, "Answer only the current message")
	require.Equal(t, "Qual o horário?", lines[len(lines)-1])

	require.Less(t, strings.Index(got, "Instructions:"), strings.Index(got, "Current message:"))
}

func TestTurnLabel(t *testing.T) {
	require.Equal(t, "User", turnLabel(" USER "))
	require.Equal(t, "Agent", turnLabel("assistant"))
	require.Equal(t, "Agent", turnLabel(""))
}

func TestWindowHistory(t *testing.T) {
	h := []domain.Turn{{Text: "1"}, {Text: "2"}, {Text: "3"}, {Text: "4"}, {Text: "5"}}

	require.Equal(t, h, windowHistory(h, 0))
	require.Equal(t, h, windowHistory(h, 10))
	require.Equal(t, []domain.Turn{{Text: "3"}, {Text: "4"}, {Text: "5"}}, windowHistory(h, 3))
	require.Nil(t, windowHistory(nil, 3))
}
