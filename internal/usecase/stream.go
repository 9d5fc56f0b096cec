package usecase

import (
	"context"
	"sync"
	"time"

	"convai-relay/internal/domain"
	"convai-relay/internal/observability"
)

const streamBuffer = 16

// StreamEvent is one item on a streamed relay channel: a text fragment, the
// end-of-stream marker (Done), or a terminal error (Err). A channel that
// closes without Done or Err delivered some fragments and was then cut short
// by the deadline or by the backend hanging up.
type StreamEvent struct {
	Text string
	Done bool
	Err  error
}

// emitter is the streaming counterpart of aggregator: same states, but
// fragments are forwarded instead of buffered.
type emitter struct {
	state     relayState
	payload   string
	send      func(string) error
	forwarded bool
}

// handle returns the events to forward for ev; the second result reports a
// terminal transition.
func (e *emitter) handle(ev domain.ConversationEvent) ([]StreamEvent, bool) {
	switch e.state {
	case stateAwaitingReady:
		if ev.Kind != domain.EventReady {
			return nil, false
		}
		if err := e.send(e.payload); err != nil {
			e.state = stateRejected
			return []StreamEvent{{Err: newError(ErrorEmptyClose, "user_message_write_failed", err)}}, true
		}
		e.state = stateSent
		return nil, false
	case stateSent, stateAccumulating:
		return e.forward(ev)
	}
	return nil, true
}

func (e *emitter) forward(ev domain.ConversationEvent) ([]StreamEvent, bool) {
	switch ev.Kind {
	case domain.EventFullText, domain.EventPartialText:
		var out []StreamEvent
		if ev.Text != "" {
			out = append(out, StreamEvent{Text: ev.Text})
			e.forwarded = true
			e.state = stateAccumulating
		}
		if ev.Kind == domain.EventPartialText && ev.IsEnd {
			e.state = stateResolved
			return append(out, StreamEvent{Done: true}), true
		}
		return out, false
	case domain.EventTurnEnd:
		if !e.forwarded {
			return nil, false
		}
		e.state = stateResolved
		return []StreamEvent{{Done: true}}, true
	case domain.EventFatalError:
		e.state = stateRejected
		return []StreamEvent{{Err: newError(ErrorUpstreamProtocol, ev.Message, nil)}}, true
	}
	return nil, false
}

// Stream relays one message and forwards fragments as they arrive. Session
// failures are returned directly; anything after that travels on the
// channel, which is always closed exactly once. The session is torn down
// when ctx ends, when the stream finishes, or at the hard deadline.
func (s *RelayService) Stream(ctx context.Context, req domain.RelayRequest) (<-chan StreamEvent, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	deadline := started.Add(s.cfg.StreamTimeout)
	logger := s.logger.With("agent_id", req.AgentID, "entrypoint", observability.EntrypointStream)

	sess, err := s.open(ctx, deadline, req, true)
	if err != nil {
		logger.Warn("stream session open failed", "err", err)
		s.metrics.RecordOutcome(observability.EntrypointStream, outcomeRejected, time.Since(started))
		return nil, err
	}

	out := make(chan StreamEvent, streamBuffer)
	var closeOnce sync.Once
	finish := func(outcome, why string) {
		closeOnce.Do(func() {
			_ = sess.Close()
			s.metrics.SessionClosed()
			close(out)
			elapsed := time.Since(started)
			s.metrics.RecordOutcome(observability.EntrypointStream, outcome, elapsed)
			logger.Info("stream finished", "outcome", outcome, "reason", why, "elapsed", elapsed)
		})
	}

	em := &emitter{
		state:   stateAwaitingReady,
		payload: composeMessage(req.Message, windowHistory(req.History, s.cfg.StreamHistoryWindow)),
		send:    sess.SendUserMessage,
	}

	go func() {
		ceiling := time.NewTimer(max(time.Until(deadline), 0))
		defer ceiling.Stop()

		deliver := func(batch []StreamEvent) bool {
			for _, item := range batch {
				select {
				case out <- item:
				case <-ceiling.C:
					finish(outcomeRejected, "deadline")
					return false
				case <-ctx.Done():
					finish(outcomeRejected, "caller_gone")
					return false
				}
			}
			return true
		}

		events := sess.Events()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					cutShort(out, em, ErrorEmptyClose)
					finish(closedOutcome(em), "upstream_closed")
					return
				}
				batch, terminal := em.handle(ev)
				if !deliver(batch) {
					return
				}
				if terminal {
					finish(terminalOutcome(em), "terminal_event")
					return
				}
			case <-ceiling.C:
				cutShort(out, em, ErrorEmptyTimeout)
				finish(closedOutcome(em), "deadline")
				return
			case <-ctx.Done():
				finish(outcomeRejected, "caller_gone")
				return
			}
		}
	}()
	return out, nil
}

// cutShort reports a stream that ends before any fragment was forwarded. It
// never blocks: the channel is closed right after regardless.
func cutShort(out chan<- StreamEvent, e *emitter, code ErrorCode) {
	if e.forwarded {
		return
	}
	select {
	case out <- StreamEvent{Err: newError(code, "no_response", nil)}:
	default:
	}
}

func terminalOutcome(e *emitter) string {
	if e.state == stateResolved {
		return outcomeResolved
	}
	return outcomeRejected
}

// closedOutcome labels a stream cut short without an end marker.
func closedOutcome(e *emitter) string {
	if e.forwarded {
		return outcomePartialRecovered
	}
	return outcomeRejected
}
