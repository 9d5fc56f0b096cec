package usecase

import (
	"strings"

	"convai-relay/internal/domain"
)

const roleUser = "user"

// windowHistory keeps the last n turns. n <= 0 means unbounded.
func windowHistory(history []domain.Turn, n int) []domain.Turn {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// composeMessage folds prior turns and behavioural directives into the single
// user_message payload. The backend protocol has no field for structured
// history, so it travels as a labelled transcript.
func composeMessage(message string, history []domain.Turn) string {
	transcript := make([]string, 0, len(history))
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		transcript = append(transcript, turnLabel(t.Role)+": "+text)
	}
	if len(transcript) == 0 {
		return message
	}

	return strings.Join([]string{
		"Conversation so far:",
		strings.Join(transcript, "\n"),
		"",
		"Instructions:",
		directives(),
		"",
		"Current message:",
		message,
	}, "\n")
}

func turnLabel(role string) string {
	if strings.EqualFold(strings.TrimSpace(role), roleUser) {
		return "User"
	}
	return "Agent"
}

func directives() string {
	return strings.Join([]string{
		"1) Do not open with a greeting or introduce yourself again.",
		"2) Keep a professional register; avoid slang and informal language.",
		"3) Answer only the current message below, using the conversation above as context.",
	}, "\n")
}
