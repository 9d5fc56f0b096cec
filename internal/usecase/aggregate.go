package usecase

import (
	"strings"

	"convai-relay/internal/domain"
)

type relayState int

const (
	stateAwaitingReady relayState = iota
	stateSent
	stateAccumulating
	stateResolved
	stateRejected
)

func (s relayState) terminal() bool {
	return s == stateResolved || s == stateRejected
}

// Outcome labels used for logging and metrics.
const (
	outcomeResolved         = "resolved"
	outcomePartialRecovered = "partial_recovered"
	outcomeRejected         = "rejected"
)

// aggregator is the Response Aggregator state machine for one relay call. It
// is driven from a single goroutine; the latch makes a second settlement
// structurally impossible regardless of which trigger arrives first.
type aggregator struct {
	state   relayState
	payload string
	send    func(string) error
	collect bool

	text    strings.Builder
	audio   []string
	outcome string
	latch   *Latch[domain.AggregatedResult]
}

func newAggregator(payload string, mode domain.ReplyMode, send func(string) error) *aggregator {
	return &aggregator{
		state:   stateAwaitingReady,
		payload: payload,
		send:    send,
		collect: mode == domain.ReplyModeAudio,
		audio:   []string{},
		latch:   NewLatch[domain.AggregatedResult](),
	}
}

func (a *aggregator) done() bool {
	return a.state.terminal()
}

// handle is the transition function for inbound events.
func (a *aggregator) handle(ev domain.ConversationEvent) {
	switch a.state {
	case stateAwaitingReady:
		if ev.Kind != domain.EventReady {
			return
		}
		if err := a.send(a.payload); err != nil {
			a.reject(newError(ErrorEmptyClose, "user_message_write_failed", err))
			return
		}
		a.state = stateSent
	case stateSent, stateAccumulating:
		a.accumulate(ev)
	}
}

func (a *aggregator) accumulate(ev domain.ConversationEvent) {
	switch ev.Kind {
	case domain.EventFullText:
		a.text.WriteString(ev.Text)
		a.state = stateAccumulating
	case domain.EventPartialText:
		a.text.WriteString(ev.Text)
		a.state = stateAccumulating
		if ev.IsEnd {
			a.complete()
		}
	case domain.EventAudioFragment:
		if a.collect {
			a.audio = append(a.audio, ev.Audio)
		}
	case domain.EventTurnEnd:
		if a.text.Len() > 0 {
			a.complete()
		}
	case domain.EventFatalError:
		a.reject(newError(ErrorUpstreamProtocol, ev.Message, nil))
	}
}

// timeout fires when the wall clock elapses.
func (a *aggregator) timeout() {
	if a.done() {
		return
	}
	if a.text.Len() > 0 {
		a.degrade()
		return
	}
	a.reject(newError(ErrorEmptyTimeout, "no_response", nil))
}

// closed fires when the session's event stream ends.
func (a *aggregator) closed() {
	if a.done() {
		return
	}
	if a.text.Len() > 0 {
		a.degrade()
		return
	}
	a.reject(newError(ErrorEmptyClose, "no_response", nil))
}

func (a *aggregator) cancel(err error) {
	if a.done() {
		return
	}
	a.reject(newError(ErrorCanceled, "caller_gone", err))
}

// complete is the explicit-completion path; only it attaches audio.
func (a *aggregator) complete() {
	if a.latch.Resolve(domain.AggregatedResult{Text: a.text.String(), AudioChunks: a.audio}) {
		a.state = stateResolved
		a.outcome = outcomeResolved
	}
}

func (a *aggregator) degrade() {
	if a.latch.Resolve(domain.AggregatedResult{Text: a.text.String(), AudioChunks: []string{}}) {
		a.state = stateResolved
		a.outcome = outcomePartialRecovered
	}
}

func (a *aggregator) reject(err *Error) {
	if a.latch.Reject(err) {
		a.state = stateRejected
		a.outcome = outcomeRejected
	}
}
