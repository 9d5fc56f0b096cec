package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"convai-relay/internal/domain"
	"convai-relay/internal/observability"
)

const (
	defaultRelayTimeout        = 15 * time.Second
	defaultStreamTimeout       = 30 * time.Second
	defaultStreamHistoryWindow = 3
	defaultMaxMessageLen       = 4000
	suppressedFirstMessage     = " "
)

type SessionOpener interface {
	Open(ctx context.Context, agentID string, ov domain.SessionOverrides) (domain.Session, error)
}

// PendingStore holds the outcome of submitted relay calls until a poller
// reads it or the entry expires. Put on an existing id replaces the payload
// but never extends the entry's lifetime.
type PendingStore interface {
	Put(ctx context.Context, entry domain.PendingEntry) error
	// Update replaces a live entry and reports false, writing nothing, when
	// the entry is missing or expired.
	Update(ctx context.Context, entry domain.PendingEntry) (bool, error)
	Get(ctx context.Context, requestID string) (domain.PendingEntry, bool, error)
	// TakeIfTerminal returns the live entry and, when its status is terminal,
	// removes it in the same step, so only one caller ever observes it.
	TakeIfTerminal(ctx context.Context, requestID string) (domain.PendingEntry, bool, error)
	RemoveIfPresent(ctx context.Context, requestID string) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Config tunes a RelayService. Zero values take the defaults noted per field.
type Config struct {
	// RelayTimeout bounds an aggregated call. Default 15s.
	RelayTimeout time.Duration
	// StreamTimeout is the hard ceiling for a streamed call. Default 30s.
	StreamTimeout time.Duration
	// HistoryWindow bounds the turns folded into synchronous calls. 0 keeps
	// every caller-supplied turn.
	HistoryWindow int
	// StreamHistoryWindow bounds the turns folded into streamed calls.
	// Default 3; negative means unbounded.
	StreamHistoryWindow int
	// MaxMessageLen bounds the caller's message in bytes. Default 4000.
	MaxMessageLen int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type RelayService struct {
	opener  SessionOpener
	pending PendingStore
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	background sync.WaitGroup
}

func NewRelayService(opener SessionOpener, pending PendingStore, cfg Config) (*RelayService, error) {
	if opener == nil {
		return nil, errors.New("usecase: session opener must not be nil")
	}
	if pending == nil {
		return nil, errors.New("usecase: pending store must not be nil")
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = defaultRelayTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	if cfg.HistoryWindow < 0 {
		cfg.HistoryWindow = 0
	}
	switch {
	case cfg.StreamHistoryWindow == 0:
		cfg.StreamHistoryWindow = defaultStreamHistoryWindow
	case cfg.StreamHistoryWindow < 0:
		cfg.StreamHistoryWindow = 0
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayService{
		opener:  opener,
		pending: pending,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Send relays one message and waits for the aggregated answer.
func (s *RelayService) Send(ctx context.Context, req domain.RelayRequest) (domain.AggregatedResult, error) {
	req, err := s.normalize(req)
	if err != nil {
		return domain.AggregatedResult{}, err
	}
	return s.relay(ctx, req, observability.EntrypointSend)
}

// Submit starts a relay call in the background and returns the id to poll
// with Status. The call is detached from ctx so that it outlives the
// submitting request.
func (s *RelayService) Submit(ctx context.Context, req domain.RelayRequest) (string, error) {
	req, err := s.normalize(req)
	if err != nil {
		return "", err
	}

	requestID := newUUID()
	if err := s.pending.Put(ctx, domain.PendingEntry{RequestID: requestID, Status: domain.PendingProcessing}); err != nil {
		return "", newError(ErrorInternal, "pending_store_write_error", err)
	}

	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		runCtx, cancel := context.WithTimeout(bg, 2*s.cfg.RelayTimeout)
		defer cancel()

		entry := domain.PendingEntry{RequestID: requestID, Status: domain.PendingCompleted}
		res, err := s.relay(runCtx, req, observability.EntrypointSubmit)
		if err != nil {
			entry.Status = domain.PendingError
			entry.Error = publicMessage(err)
		} else {
			entry.Text = res.Text
			entry.AudioChunks = res.AudioChunks
		}
		live, err := s.pending.Update(bg, entry)
		switch {
		case err != nil:
			s.logger.Error("pending store write failed", "request_id", requestID, "err", err)
		case !live:
			s.logger.Warn("pending entry gone before completion", "request_id", requestID, "status", entry.Status)
		}
	}()
	return requestID, nil
}

// Status returns the pending entry for requestID. A terminal entry is removed
// as it is returned, so every later or concurrent poll reports
// ErrorRequestNotFound.
func (s *RelayService) Status(ctx context.Context, requestID string) (domain.PendingEntry, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.PendingEntry{}, newError(ErrorInvalidInput, "empty_request_id", nil)
	}
	entry, ok, err := s.pending.TakeIfTerminal(ctx, requestID)
	if err != nil {
		return domain.PendingEntry{}, newError(ErrorInternal, "pending_store_read_error", err)
	}
	if !ok {
		return domain.PendingEntry{}, newError(ErrorRequestNotFound, "unknown_or_expired", nil)
	}
	return entry, nil
}

// Wait blocks until every call started by Submit has written its outcome.
func (s *RelayService) Wait() {
	s.background.Wait()
}

func (s *RelayService) relay(ctx context.Context, req domain.RelayRequest, entrypoint string) (domain.AggregatedResult, error) {
	logger := s.logger.With("agent_id", req.AgentID, "entrypoint", entrypoint)
	started := time.Now()
	deadline := started.Add(s.cfg.RelayTimeout)

	sess, err := s.open(ctx, deadline, req, false)
	if err != nil {
		logger.Warn("relay session open failed", "err", err)
		s.metrics.RecordOutcome(entrypoint, outcomeRejected, time.Since(started))
		return domain.AggregatedResult{}, err
	}
	defer func() {
		_ = sess.Close()
		s.metrics.SessionClosed()
	}()

	payload := composeMessage(req.Message, windowHistory(req.History, s.cfg.HistoryWindow))
	agg := newAggregator(payload, req.Mode, sess.SendUserMessage)

	remaining := time.Until(deadline)
	if remaining <= 0 {
		agg.timeout()
	}
	timer := time.NewTimer(max(remaining, 0))
	defer timer.Stop()

	events := sess.Events()
	for !agg.done() {
		select {
		case ev, ok := <-events:
			if !ok {
				agg.closed()
				continue
			}
			agg.handle(ev)
		case <-timer.C:
			agg.timeout()
		case <-ctx.Done():
			agg.cancel(ctx.Err())
		}
	}

	res, err := agg.latch.Wait(context.Background())
	elapsed := time.Since(started)
	s.metrics.RecordOutcome(entrypoint, agg.outcome, elapsed)
	if err != nil {
		logger.Warn("relay call rejected", "outcome", agg.outcome, "elapsed", elapsed, "err", err)
		return domain.AggregatedResult{}, err
	}
	logger.Info("relay call resolved",
		"outcome", agg.outcome,
		"elapsed", elapsed,
		"text_len", len(res.Text),
		"audio_chunks", len(res.AudioChunks),
	)
	return res, nil
}

// open dials the session under the call's wall-clock deadline, so the
// handshake counts against the same budget as the reply.
func (s *RelayService) open(ctx context.Context, deadline time.Time, req domain.RelayRequest, textOnly bool) (domain.Session, error) {
	openCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sess, err := s.opener.Open(openCtx, req.AgentID, domain.SessionOverrides{
		FirstMessage: suppressedFirstMessage,
		TextOnly:     textOnly || req.Mode != domain.ReplyModeAudio,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(openCtx.Err(), context.DeadlineExceeded) {
			return nil, newError(ErrorEmptyTimeout, "handshake_deadline", err)
		}
		return nil, openError(err)
	}
	s.metrics.SessionOpened()
	return sess, nil
}

func (s *RelayService) normalize(req domain.RelayRequest) (domain.RelayRequest, error) {
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		return req, newError(ErrorInvalidInput, "empty_agent_id", nil)
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return req, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if len(req.Message) > s.cfg.MaxMessageLen {
		return req, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	switch req.Mode {
	case "":
		req.Mode = domain.ReplyModeText
	case domain.ReplyModeText, domain.ReplyModeAudio:
	default:
		return req, newError(ErrorInvalidInput, "unsupported_mode", nil)
	}
	return req, nil
}

func openError(err error) *Error {
	if errors.Is(err, domain.ErrCredentialMissing) {
		return newError(ErrorConfigurationMissing, "credential_missing", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(ErrorCanceled, "caller_gone", err)
	}
	if status, ok := upstreamStatusCode(err); ok {
		return newError(ErrorHandshakeFailure, fmt.Sprintf("handshake_status_%d", status), err)
	}
	return newError(ErrorHandshakeFailure, "handshake_failed", err)
}

// publicMessage is the error text recorded for pollers. It carries the code
// and reason but none of the wrapped upstream detail.
func publicMessage(err error) string {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return fmt.Sprintf("%s: %s", ucErr.Code, ucErr.Reason)
	}
	return string(ErrorInternal)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
