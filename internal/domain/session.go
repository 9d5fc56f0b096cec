package domain

import "errors"

// SessionOverrides are the configuration overrides carried by the initiation
// frame of every backend session.
type SessionOverrides struct {
	// FirstMessage replaces the agent's default opening utterance. A single
	// space suppresses it.
	FirstMessage string
	TextOnly     bool
}

// Session is one dedicated, exclusively owned connection to the
// conversational backend. Events is closed when the connection ends for any
// reason; Close is safe to call more than once.
type Session interface {
	Events() <-chan ConversationEvent
	SendUserMessage(text string) error
	Close() error
}

// ErrCredentialMissing is returned by session openers when no backend
// credential is configured.
var ErrCredentialMissing = errors.New("conversational backend credential not configured")
