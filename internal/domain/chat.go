package domain

import "encoding/json"

// ReplyMode selects whether the backend should deliver audio alongside text.
type ReplyMode string

const (
	ReplyModeText  ReplyMode = "text"
	ReplyModeAudio ReplyMode = "audio"
)

// Turn is one prior exchange supplied by the caller as conversation context.
// Role is "user" for the caller's own messages; anything else is treated as
// the agent.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// UnmarshalJSON accepts the web widget's {sender, text} shape as well.
func (t *Turn) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role   string `json:"role"`
		Sender string `json:"sender"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Role = raw.Role
	if t.Role == "" {
		t.Role = raw.Sender
	}
	t.Text = raw.Text
	return nil
}

// RelayRequest is a single caller message bound for a remote agent. It lives
// only for the duration of one relay call.
type RelayRequest struct {
	AgentID string    `json:"agentId"`
	Message string    `json:"message"`
	History []Turn    `json:"history"`
	Mode    ReplyMode `json:"mode"`
}

// AggregatedResult is the single outcome of a relay call.
type AggregatedResult struct {
	Text        string   `json:"text"`
	AudioChunks []string `json:"audioChunks"`
}
