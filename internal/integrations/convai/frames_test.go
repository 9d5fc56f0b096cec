package convai

import (
	"testing"

	"github.com/stretchr/testify/require"

	"convai-relay/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want domain.ConversationEvent
		ok   bool
	}{
		{name: "metadata", raw: `{"type":"conversation_initiation_metadata"}`, want: domain.ConversationEvent{Kind: domain.EventReady}, ok: true},
		{name: "agent_response string", raw: `{"type":"agent_response","agent_response":"Olá"}`, want: domain.ConversationEvent{Kind: domain.EventFullText, Text: "Olá"}, ok: true},
		{name: "agent_response text key", raw: `{"type":"agent_response","text":"Olá"}`, want: domain.ConversationEvent{Kind: domain.EventFullText, Text: "Olá"}, ok: true},
		{name: "agent_response event object", raw: `{"type":"agent_response","agent_response_event":{"agent_response":"Oi"}}`, want: domain.ConversationEvent{Kind: domain.EventFullText, Text: "Oi"}, ok: true},
		{name: "agent_response empty", raw: `{"type":"agent_response"}`, ok: false},
		{name: "part delta", raw: `{"type":"agent_chat_response_part","text_response_part":{"text":"a","type":"delta"}}`, want: domain.ConversationEvent{Kind: domain.EventPartialText, Text: "a"}, ok: true},
		{name: "part end", raw: `{"type":"agent_chat_response_part","text_response_part":{"text":"","type":"end"}}`, want: domain.ConversationEvent{Kind: domain.EventPartialText, IsEnd: true}, ok: true},
		{name: "part missing body", raw: `{"type":"agent_chat_response_part"}`, ok: false},
		{name: "turn end", raw: `{"type":"agent_response_end"}`, want: domain.ConversationEvent{Kind: domain.EventTurnEnd}, ok: true},
		{name: "audio", raw: `{"type":"audio_event","audio_event":{"audio_base_64":"UklGRg=="}}`, want: domain.ConversationEvent{Kind: domain.EventAudioFragment, Audio: "UklGRg=="}, ok: true},
		{name: "audio empty", raw: `{"type":"audio_event","audio_event":{}}`, ok: false},
		{name: "internal error string", raw: `{"type":"internal_error","error":"quota exceeded"}`, want: domain.ConversationEvent{Kind: domain.EventFatalError, Message: "quota exceeded"}, ok: true},
		{name: "internal error object", raw: `{"type":"internal_error","error":{"message":"bad agent"}}`, want: domain.ConversationEvent{Kind: domain.EventFatalError, Message: "bad agent"}, ok: true},
		{name: "internal error bare", raw: `{"type":"internal_error"}`, want: domain.ConversationEvent{Kind: domain.EventFatalError, Message: "internal error"}, ok: true},
		{name: "unknown", raw: `{"type":"vad_score"}`, ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := decodeFrame([]byte(tc.raw))
			require.NoError(t, err)
			got, ok := classify(f)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestDecodeFrame_Invalid(t *testing.T) {
	_, err := decodeFrame([]byte(`{`))
	require.ErrorContains(t, err, "decode frame")
}

func TestNewInitiationFrame(t *testing.T) {
	f := newInitiationFrame(domain.SessionOverrides{FirstMessage: " ", TextOnly: false})
	require.Equal(t, frameInitiation, f.Type)
	require.Equal(t, " ", f.ConversationConfigOverride.Agent.FirstMessage)
	require.False(t, f.ConversationConfigOverride.Conversation.TextOnly)
}
