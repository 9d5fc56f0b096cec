package domain

// EventKind tags a ConversationEvent.
type EventKind int

const (
	EventReady EventKind = iota + 1
	EventFullText
	EventPartialText
	EventTurnEnd
	EventAudioFragment
	EventFatalError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventFullText:
		return "full_text"
	case EventPartialText:
		return "partial_text"
	case EventTurnEnd:
		return "turn_end"
	case EventAudioFragment:
		return "audio_fragment"
	case EventFatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// ConversationEvent is a classified inbound frame from a backend session.
// Only the fields relevant to Kind are populated: Text for the text kinds,
// IsEnd for EventPartialText, Audio for EventAudioFragment and Message for
// EventFatalError.
type ConversationEvent struct {
	Kind    EventKind
	Text    string
	IsEnd   bool
	Audio   string
	Message string
}

// PendingStatus is the lifecycle state of a PendingEntry.
type PendingStatus string

const (
	PendingProcessing PendingStatus = "processing"
	PendingCompleted  PendingStatus = "completed"
	PendingError      PendingStatus = "error"
)

// Terminal reports whether a poller observing this status should stop.
func (s PendingStatus) Terminal() bool {
	return s == PendingCompleted || s == PendingError
}

// PendingEntry is the polled view of a relay call submitted asynchronously.
type PendingEntry struct {
	RequestID   string        `json:"requestId"`
	Status      PendingStatus `json:"status"`
	Text        string        `json:"text,omitempty"`
	AudioChunks []string      `json:"audioChunks,omitempty"`
	Error       string        `json:"error,omitempty"`
}
