package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"convai-relay/internal/domain"
)

func ready() domain.ConversationEvent { return domain.ConversationEvent{Kind: domain.EventReady} }
func full(text string) domain.ConversationEvent {
	return domain.ConversationEvent{Kind: domain.EventFullText, Text: text}
}
func partial(text string, end bool) domain.ConversationEvent {
	return domain.ConversationEvent{Kind: domain.EventPartialText, Text: text, IsEnd: end}
}
func turnEnd() domain.ConversationEvent { return domain.ConversationEvent{Kind: domain.EventTurnEnd} }
func audio(b64 string) domain.ConversationEvent {
	return domain.ConversationEvent{Kind: domain.EventAudioFragment, Audio: b64}
}
func fatal(msg string) domain.ConversationEvent {
	return domain.ConversationEvent{Kind: domain.EventFatalError, Message: msg}
}

func requireCode(t require.TestingT, err error, code ErrorCode) {
	var ucErr *Error
	require.True(t, errors.As(err, &ucErr), "expected *usecase.Error, got %v", err)
	require.Equal(t, code, ucErr.Code)
}

func settled(t *testing.T, a *aggregator) (domain.AggregatedResult, error) {
	t.Helper()
	require.True(t, a.latch.Settled())
	return a.latch.Wait(context.Background())
}

func TestAggregator_IgnoresEventsBeforeReady(t *testing.T) {
	var sent []string
	a := newAggregator("payload", domain.ReplyModeText, func(p string) error { sent = append(sent, p); return nil })

	a.handle(full("stale"))
	a.handle(turnEnd())
	a.handle(partial("stale", true))
	require.Empty(t, sent)
	require.Equal(t, stateAwaitingReady, a.state)

	a.handle(ready())
	require.Equal(t, []string{"payload"}, sent)
	require.Equal(t, stateSent, a.state)

	a.handle(ready())
	require.Len(t, sent, 1)
}

func TestAggregator_PartialEndCompletes(t *testing.T) {
	a := newAggregator("p", domain.ReplyModeText, func(string) error { return nil })
	a.handle(ready())
	a.handle(partial("Ol", false))
	require.Equal(t, stateAccumulating, a.state)
	a.handle(partial("á, tudo bem?", true))

	res, err := settled(t, a)
	require.NoError(t, err)
	require.Equal(t, domain.AggregatedResult{Text: "Olá, tudo bem?", AudioChunks: []string{}}, res)
	require.Equal(t, outcomeResolved, a.outcome)
}

func TestAggregator_TurnEndNeedsText(t *testing.T) {
	a := newAggregator("p", domain.ReplyModeText, func(string) error { return nil })
	a.handle(ready())
	a.handle(turnEnd())
	require.False(t, a.done())

	a.handle(full("a"))
	a.handle(turnEnd())
	res, err := settled(t, a)
	require.NoError(t, err)
	require.Equal(t, "a", res.Text)
}

func TestAggregator_AudioOnlyOnExplicitCompletion(t *testing.T) {
	t.Run("completion attaches audio", func(t *testing.T) {
		a := newAggregator("p", domain.ReplyModeAudio, func(string) error { return nil })
		a.handle(ready())
		a.handle(audio("A1"))
		a.handle(full("t"))
		a.handle(audio("A2"))
		a.handle(turnEnd())
		res, err := settled(t, a)
		require.NoError(t, err)
		require.Equal(t, []string{"A1", "A2"}, res.AudioChunks)
	})

	t.Run("timeout drops audio", func(t *testing.T) {
		a := newAggregator("p", domain.ReplyModeAudio, func(string) error { return nil })
		a.handle(ready())
		a.handle(full("Hello"))
		a.handle(audio("A1"))
		a.timeout()
		res, err := settled(t, a)
		require.NoError(t, err)
		require.Equal(t, domain.AggregatedResult{Text: "Hello", AudioChunks: []string{}}, res)
		require.Equal(t, outcomePartialRecovered, a.outcome)
	})

	t.Run("text mode never collects audio", func(t *testing.T) {
		a := newAggregator("p", domain.ReplyModeText, func(string) error { return nil })
		a.handle(ready())
		a.handle(audio("A1"))
		a.handle(partial("t", true))
		res, err := settled(t, a)
		require.NoError(t, err)
		require.Empty(t, res.AudioChunks)
		require.NotNil(t, res.AudioChunks)
	})
}

func TestAggregator_FailureTriggers(t *testing.T) {
	cases := []struct {
		name   string
		drive  func(a *aggregator)
		code   ErrorCode
		reason string
	}{
		{name: "fatal error", drive: func(a *aggregator) { a.handle(ready()); a.handle(full("x")); a.handle(fatal("quota exceeded")) }, code: ErrorUpstreamProtocol, reason: "quota exceeded"},
		{name: "empty timeout", drive: func(a *aggregator) { a.handle(ready()); a.timeout() }, code: ErrorEmptyTimeout, reason: "no_response"},
		{name: "empty close", drive: func(a *aggregator) { a.handle(ready()); a.closed() }, code: ErrorEmptyClose, reason: "no_response"},
		{name: "close before ready", drive: func(a *aggregator) { a.closed() }, code: ErrorEmptyClose, reason: "no_response"},
		{name: "cancel", drive: func(a *aggregator) { a.handle(ready()); a.cancel(context.Canceled) }, code: ErrorCanceled, reason: "caller_gone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newAggregator("p", domain.ReplyModeText, func(string) error { return nil })
			tc.drive(a)
			_, err := settled(t, a)
			requireCode(t, err, tc.code)
			var ucErr *Error
			require.True(t, errors.As(err, &ucErr))
			require.Equal(t, tc.reason, ucErr.Reason)
			require.Equal(t, outcomeRejected, a.outcome)
		})
	}
}

func TestAggregator_SendFailureRejects(t *testing.T) {
	a := newAggregator("p", domain.ReplyModeText, func(string) error { return errors.New("broken pipe") })
	a.handle(ready())
	_, err := settled(t, a)
	requireCode(t, err, ErrorEmptyClose)
}

func TestAggregator_LateTriggersAreNoOps(t *testing.T) {
	a := newAggregator("p", domain.ReplyModeText, func(string) error { return nil })
	a.handle(ready())
	a.handle(partial("done", true))
	a.timeout()
	a.closed()
	a.handle(fatal("late"))
	a.cancel(context.Canceled)

	res, err := settled(t, a)
	require.NoError(t, err)
	require.Equal(t, "done", res.Text)
	require.Equal(t, outcomeResolved, a.outcome)
}

// Every sequence of events and racing triggers settles the latch exactly
// once, and the first settlement is never overwritten.
func TestProperty_Aggregator_SettlesExactlyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mode := rapid.SampledFrom([]domain.ReplyMode{domain.ReplyModeText, domain.ReplyModeAudio}).Draw(rt, "mode")
		sends := 0
		a := newAggregator("p", mode, func(string) error { sends++; return nil })

		steps := rapid.SliceOfN(rapid.IntRange(0, 8), 0, 24).Draw(rt, "steps")
		var (
			firstRes domain.AggregatedResult
			firstErr error
			seen     bool
		)
		apply := func(step int) {
			switch step {
			case 0:
				a.handle(ready())
			case 1:
				a.handle(full(rapid.StringN(0, 4, -1).Draw(rt, "full")))
			case 2:
				a.handle(partial(rapid.StringN(0, 4, -1).Draw(rt, "part"), rapid.Bool().Draw(rt, "end")))
			case 3:
				a.handle(turnEnd())
			case 4:
				a.handle(audio("QQ=="))
			case 5:
				a.handle(fatal("boom"))
			case 6:
				a.timeout()
			case 7:
				a.closed()
			case 8:
				a.cancel(context.Canceled)
			}
			if a.latch.Settled() {
				res, err := a.latch.Wait(context.Background())
				if !seen {
					firstRes, firstErr, seen = res, err, true
					return
				}
				require.Equal(rt, firstRes, res)
				require.Equal(rt, firstErr, err)
			}
		}

		for _, step := range steps {
			apply(step)
		}
		// The session always ends eventually.
		apply(7)

		require.True(rt, seen)
		require.True(rt, a.done())
		require.LessOrEqual(rt, sends, 1)
		if firstErr == nil {
			require.Equal(rt, stateResolved, a.state)
			require.NotNil(rt, firstRes.AudioChunks)
		} else {
			require.Equal(rt, stateRejected, a.state)
		}
	})
}
