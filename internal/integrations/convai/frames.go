package convai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"convai-relay/internal/domain"
)

const (
	frameInitiation     = "conversation_initiation_client_data"
	frameUserMessage    = "user_message"
	framePong           = "pong"
	frameMetadata       = "conversation_initiation_metadata"
	frameAgentResponse  = "agent_response"
	frameResponsePart   = "agent_chat_response_part"
	frameResponseEnd    = "agent_response_end"
	frameAudio          = "audio_event"
	frameInternalError  = "internal_error"
	framePing           = "ping"
	responsePartEndType = "end"
)

// initiationFrame is the first frame written on every session.
type initiationFrame struct {
	Type                       string         `json:"type"`
	ConversationConfigOverride configOverride `json:"conversation_config_override"`
}

type configOverride struct {
	Agent        agentOverride        `json:"agent"`
	Conversation conversationOverride `json:"conversation"`
}

type agentOverride struct {
	FirstMessage string `json:"first_message"`
}

type conversationOverride struct {
	TextOnly bool `json:"text_only"`
}

type userMessageFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pongFrame struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// inboundFrame is the union of every inbound shape the relay understands.
// agent_response is kept raw because some backend versions send an object
// under that key.
type inboundFrame struct {
	Type               string          `json:"type"`
	AgentResponse      json.RawMessage `json:"agent_response"`
	Text               string          `json:"text"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	TextResponsePart *struct {
		Text string `json:"text"`
		Type string `json:"type"`
	} `json:"text_response_part"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event"`
	Error     json.RawMessage `json:"error"`
	PingEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event"`
}

func newInitiationFrame(ov domain.SessionOverrides) initiationFrame {
	return initiationFrame{
		Type: frameInitiation,
		ConversationConfigOverride: configOverride{
			Agent:        agentOverride{FirstMessage: ov.FirstMessage},
			Conversation: conversationOverride{TextOnly: ov.TextOnly},
		},
	}
}

func decodeFrame(raw []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return inboundFrame{}, fmt.Errorf("convai: decode frame: %w", err)
	}
	return f, nil
}

// classify maps an inbound frame onto the ConversationEvent taxonomy. The
// second return value is false for shapes the relay does not act on.
func classify(f inboundFrame) (domain.ConversationEvent, bool) {
	switch f.Type {
	case frameMetadata:
		return domain.ConversationEvent{Kind: domain.EventReady}, true
	case frameAgentResponse:
		text := agentResponseText(f)
		if text == "" {
			return domain.ConversationEvent{}, false
		}
		return domain.ConversationEvent{Kind: domain.EventFullText, Text: text}, true
	case frameResponsePart:
		if f.TextResponsePart == nil {
			return domain.ConversationEvent{}, false
		}
		return domain.ConversationEvent{
			Kind:  domain.EventPartialText,
			Text:  f.TextResponsePart.Text,
			IsEnd: f.TextResponsePart.Type == responsePartEndType,
		}, true
	case frameResponseEnd:
		return domain.ConversationEvent{Kind: domain.EventTurnEnd}, true
	case frameAudio:
		if f.AudioEvent == nil || f.AudioEvent.AudioBase64 == "" {
			return domain.ConversationEvent{}, false
		}
		return domain.ConversationEvent{Kind: domain.EventAudioFragment, Audio: f.AudioEvent.AudioBase64}, true
	case frameInternalError:
		return domain.ConversationEvent{Kind: domain.EventFatalError, Message: errorMessage(f.Error)}, true
	default:
		return domain.ConversationEvent{}, false
	}
}

func agentResponseText(f inboundFrame) string {
	var s string
	if len(f.AgentResponse) > 0 && json.Unmarshal(f.AgentResponse, &s) == nil && s != "" {
		return s
	}
	if f.Text != "" {
		return f.Text
	}
	if f.AgentResponseEvent != nil {
		return f.AgentResponseEvent.AgentResponse
	}
	return ""
}

func errorMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "internal error"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return "internal error"
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
