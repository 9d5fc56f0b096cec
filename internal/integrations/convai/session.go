package convai

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"convai-relay/internal/domain"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// Session is a single backend conversation over one WebSocket connection.
// A background reader classifies frames into Events; the channel is closed
// when the connection ends, whether by the remote side or by Close.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger
	events chan domain.ConversationEvent

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *websocket.Conn, logger *slog.Logger) *Session {
	s := &Session{
		conn:   conn,
		logger: logger,
		events: make(chan domain.ConversationEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Events returns the classified inbound event stream.
func (s *Session) Events() <-chan domain.ConversationEvent {
	return s.events
}

// SendUserMessage writes the single content frame of a relay call.
func (s *Session) SendUserMessage(text string) error {
	return s.writeJSON(userMessageFrame{Type: frameUserMessage, Text: text})
}

// Close tears the connection down. The reader observes the closed socket and
// closes Events.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Session) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("convai: marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errors.New("convai: session closed")
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("convai: write frame: %w", err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("convai session read ended", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := decodeFrame(raw)
		if err != nil {
			s.logger.Debug("dropping undecodable frame", "err", err)
			continue
		}
		if frame.Type == framePing {
			s.pong(frame)
			continue
		}
		ev, ok := classify(frame)
		if !ok {
			s.logger.Debug("dropping unrecognized frame", "type", frame.Type)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Session) pong(frame inboundFrame) {
	if frame.PingEvent == nil {
		return
	}
	if err := s.writeJSON(pongFrame{Type: framePong, EventID: frame.PingEvent.EventID}); err != nil {
		s.logger.Debug("pong failed", "err", err)
	}
}
