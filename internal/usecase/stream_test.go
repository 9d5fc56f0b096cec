package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convai-relay/internal/domain"
)

func drain(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("stream channel never closed")
			return out
		}
	}
}

func TestStream_FullTextThenTurnEnd(t *testing.T) {
	sess := newFakeSession(ready(), full("Olá"), turnEnd())
	opener := &fakeOpener{sess: sess}
	svc := newTestService(t, opener, newMapStore(), Config{})

	ch, err := svc.Stream(context.Background(), domain.RelayRequest{AgentID: "a", Message: "Oi", Mode: domain.ReplyModeAudio})
	require.NoError(t, err)
	require.Equal(t, []StreamEvent{{Text: "Olá"}, {Done: true}}, drain(t, ch))
	require.True(t, opener.overrides.TextOnly)
	require.True(t, sess.closed.Load())
}

func TestStream_PartialEndMarker(t *testing.T) {
	sess := newFakeSession(full("stale"), ready(), partial("Ol", false), partial("á", true), partial("ignored", false))
	svc := newTestService(t, &fakeOpener{sess: sess}, newMapStore(), Config{})

	ch, err := svc.Stream(context.Background(), textRequest("Oi"))
	require.NoError(t, err)
	require.Equal(t, []StreamEvent{{Text: "Ol"}, {Text: "á"}, {Done: true}}, drain(t, ch))
}

func TestStream_FatalErrorEndsWithError(t *testing.T) {
	sess := newFakeSession(ready(), full("meio"), fatal("boom"))
	svc := newTestService(t, &fakeOpener{sess: sess}, newMapStore(), Config{})

	ch, err := svc.Stream(context.Background(), textRequest("Oi"))
	require.NoError(t, err)
	got := drain(t, ch)
	require.Len(t, got, 2)
	require.Equal(t, "meio", got[0].Text)
	requireCode(t, got[1].Err, ErrorUpstreamProtocol)
	require.False(t, got[1].Done)
}

func TestStream_DeadlineClosesMidStream(t *testing.T) {
	sess := newFakeSession(ready(), full("a"))
	svc := newTestService(t, &fakeOpener{sess: sess}, newMapStore(), Config{StreamTimeout: 30 * time.Millisecond})

	ch, err := svc.Stream(context.Background(), textRequest("Oi"))
	require.NoError(t, err)
	require.Equal(t, []StreamEvent{{Text: "a"}}, drain(t, ch))
	require.True(t, sess.closed.Load())
}

func TestStream_DeadlineWithoutFragments(t *testing.T) {
	sess := newFakeSession(ready())
	svc := newTestService(t, &fakeOpener{sess: sess}, newMapStore(), Config{StreamTimeout: 20 * time.Millisecond})

	ch, err := svc.Stream(context.Background(), textRequest("Oi"))
	require.NoError(t, err)
	got := drain(t, ch)
	require.Len(t, got, 1)
	requireCode(t, got[0].Err, ErrorEmptyTimeout)
}

func TestStream_CeilingIncludesHandshake(t *testing.T) {
	t.Run("handshake outlasts the ceiling", func(t *testing.T) {
		opener := &fakeOpener{sess: newFakeSession(ready()), delay: 300 * time.Millisecond}
		svc := newTestService(t, opener, newMapStore(), Config{StreamTimeout: 100 * time.Millisecond})

		started := time.Now()
		ch, err := svc.Stream(context.Background(), textRequest("Oi"))
		require.Nil(t, ch)
		requireCode(t, err, ErrorEmptyTimeout)
		require.Less(t, time.Since(started), 250*time.Millisecond)
	})

	t.Run("stream closes at the original ceiling", func(t *testing.T) {
		sess := newFakeSession(ready(), full("a"))
		opener := &fakeOpener{sess: sess, delay: 150 * time.Millisecond}
		svc := newTestService(t, opener, newMapStore(), Config{StreamTimeout: 250 * time.Millisecond})

		started := time.Now()
		ch, err := svc.Stream(context.Background(), textRequest("Oi"))
		require.NoError(t, err)
		require.Equal(t, []StreamEvent{{Text: "a"}}, drain(t, ch))
		require.Less(t, time.Since(started), 380*time.Millisecond)
	})
}

func TestStream_UpstreamCloseAfterFragments(t *testing.T) {
	sess := newFakeSession(ready(), full("a"), full("b"))
	sess.hangUp()
	svc := newTestService(t, &fakeOpener{sess: sess}, newMapStore(), Config{})

	ch, err := svc.Stream(context.Background(), textRequest("Oi"))
	require.NoError(t, err)
	require.Equal(t, []StreamEvent{{Text: "a"}, {Text: "b"}}, drain(t, ch))
}

func TestStream_UpstreamCloseEmpty(t *testing.T) {
	sess := newFakeSession(ready())
	sess.hangUp()
	svc := newTestService(t, &fakeOpener{sess: sess}, newMapStore(), Config{})

	ch, err := svc.Stream(context.Background(), textRequest("Oi"))
	require.NoError(t, err)
	got := drain(t, ch)
	require.Len(t, got, 1)
	requireCode(t, got[0].Err, ErrorEmptyClose)
}

func TestStream_CallerCancellation(t *testing.T) {
	sess := newFakeSession(ready())
	svc := newTestService(t, &fakeOpener{sess: sess}, newMapStore(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := svc.Stream(ctx, textRequest("Oi"))
	require.NoError(t, err)
	cancel()
	require.Empty(t, drain(t, ch))
	require.True(t, sess.closed.Load())
}

func TestStream_HistoryBoundedToThreeTurns(t *testing.T) {
	sess := newFakeSession(ready(), partial("ok", true))
	svc := newTestService(t, &fakeOpener{sess: sess}, newMapStore(), Config{})

	req := textRequest("now")
	req.History = []domain.Turn{
		{Role: "user", Text: "t1"}, {Role: "agent", Text: "t2"}, {Role: "user", Text: "t3"},
		{Role: "agent", Text: "t4"}, {Role: "user", Text: "t5"},
	}
	ch, err := svc.Stream(context.Background(), req)
	require.NoError(t, err)
	drain(t, ch)

	payload := sess.payloads()[0]
	require.NotContains(t, payload, "t1")
	require.NotContains(t, payload, "t2")
	require.Contains(t, payload, "User: t3")
	require.Contains(t, payload, "User: t5")
}

func TestStream_OpenFailureReturnsError(t *testing.T) {
	svc := newTestService(t, &fakeOpener{err: errors.New("refused")}, newMapStore(), Config{})
	ch, err := svc.Stream(context.Background(), textRequest("Oi"))
	require.Nil(t, ch)
	requireCode(t, err, ErrorHandshakeFailure)
}

func TestStream_InvalidInput(t *testing.T) {
	svc := newTestService(t, &fakeOpener{}, newMapStore(), Config{})
	_, err := svc.Stream(context.Background(), domain.RelayRequest{Message: "x"})
	requireCode(t, err, ErrorInvalidInput)
}
