package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"convai-relay/internal/domain"
	"convai-relay/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerContentType   = "Content-Type"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"

	// statusClientClosed mirrors the de facto 499 used when the caller went
	// away before an answer was ready.
	statusClientClosed = 499
)

const (
	routeHealth = "/health"
	routeSend   = "/chat/send"
	routeSubmit = "/chat/submit"
	routeStatus = "/chat/status"
	routeStream = "/chat/stream"
)

type RelayUseCase interface {
	Send(ctx context.Context, req domain.RelayRequest) (domain.AggregatedResult, error)
	Submit(ctx context.Context, req domain.RelayRequest) (string, error)
	Status(ctx context.Context, requestID string) (domain.PendingEntry, error)
	Stream(ctx context.Context, req domain.RelayRequest) (<-chan usecase.StreamEvent, error)
}

type Handler struct {
	uc     RelayUseCase
	logger *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc RelayUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type submitResponse struct {
	RequestID string               `json:"requestId"`
	Status    domain.PendingStatus `json:"status"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// inbound is the transport-neutral view of one request.
type inbound struct {
	method        string
	path          string
	query         map[string]string
	body          []byte
	correlationID string
}

type reply struct {
	status int
	body   any
}

// Handle serves API Gateway proxy requests. Streaming requests are answered
// with the whole event stream as one body since the proxy integration cannot
// push.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	in, err := fromProxyEvent(event)
	if err != nil {
		return proxyJSON(in.correlationID, reply{
			status: http.StatusBadRequest,
			body:   errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body_encoding"},
		}), nil
	}
	logger := h.logger.With("correlation_id", in.correlationID, "method", in.method, "path", in.path)

	if isStreamRequest(in) {
		ch, r := h.openStream(ctx, in, logger)
		if r != nil {
			return proxyJSON(in.correlationID, *r), nil
		}
		var sb strings.Builder
		_ = writeSSE(&sb, ch, nil)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusOK,
			Headers:    sseHeaders(in.correlationID),
			Body:       sb.String(),
		}, nil
	}

	return proxyJSON(in.correlationID, h.route(ctx, in, logger)), nil
}

// route dispatches every non-streaming request.
func (h *Handler) route(ctx context.Context, in inbound, logger *slog.Logger) reply {
	switch in.path {
	case routeHealth:
		if in.method != http.MethodGet {
			return methodNotAllowed()
		}
		return reply{status: http.StatusOK, body: healthResponse{Status: "ok"}}

	case routeSend:
		if in.method != http.MethodPost {
			return methodNotAllowed()
		}
		req, r := decodeRelayRequest(in.body)
		if r != nil {
			return *r
		}
		res, err := h.uc.Send(ctx, req)
		if err != nil {
			return errorReply(logger, err)
		}
		return reply{status: http.StatusOK, body: res}

	case routeSubmit:
		if in.method != http.MethodPost {
			return methodNotAllowed()
		}
		req, r := decodeRelayRequest(in.body)
		if r != nil {
			return *r
		}
		id, err := h.uc.Submit(ctx, req)
		if err != nil {
			return errorReply(logger, err)
		}
		logger.Info("relay submitted", "request_id", id, "agent_id", req.AgentID)
		return reply{status: http.StatusAccepted, body: submitResponse{RequestID: id, Status: domain.PendingProcessing}}

	case routeStatus:
		if in.method != http.MethodGet {
			return methodNotAllowed()
		}
		entry, err := h.uc.Status(ctx, in.query["requestId"])
		if err != nil {
			return errorReply(logger, err)
		}
		return reply{status: http.StatusOK, body: entry}
	}
	return reply{status: http.StatusNotFound, body: errorResponse{Error: "NOT_FOUND"}}
}

func isStreamRequest(in inbound) bool {
	return in.path == routeStream && in.method == http.MethodPost
}

// openStream starts a streamed relay. A non-nil reply means the stream never
// started and the caller should answer with it instead.
func (h *Handler) openStream(ctx context.Context, in inbound, logger *slog.Logger) (<-chan usecase.StreamEvent, *reply) {
	req, r := decodeRelayRequest(in.body)
	if r != nil {
		return nil, r
	}
	ch, err := h.uc.Stream(ctx, req)
	if err != nil {
		r := errorReply(logger, err)
		return nil, &r
	}
	logger.Info("relay stream opened", "agent_id", req.AgentID)
	return ch, nil
}

func decodeRelayRequest(body []byte) (domain.RelayRequest, *reply) {
	var req domain.RelayRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, &reply{
			status: http.StatusBadRequest,
			body:   errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"},
		}
	}
	return req, nil
}

func methodNotAllowed() reply {
	return reply{status: http.StatusMethodNotAllowed, body: errorResponse{Error: "METHOD_NOT_ALLOWED"}}
}

func errorReply(logger *slog.Logger, err error) reply {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.Error("unexpected error", "err", err)
		return reply{status: http.StatusInternalServerError, body: errorResponse{Error: string(usecase.ErrorInternal)}}
	}
	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("relay failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		logger.Info("relay refused", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return reply{status: status, body: errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRequestNotFound:
		return http.StatusNotFound
	case usecase.ErrorHandshakeFailure, usecase.ErrorUpstreamProtocol, usecase.ErrorEmptyClose:
		return http.StatusBadGateway
	case usecase.ErrorEmptyTimeout:
		return http.StatusGatewayTimeout
	case usecase.ErrorCanceled:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func fromProxyEvent(event events.APIGatewayProxyRequest) (inbound, error) {
	in := inbound{
		method:        strings.ToUpper(event.HTTPMethod),
		path:          normalizePath(event.Path),
		query:         event.QueryStringParameters,
		correlationID: correlationID(event.Headers),
	}
	body, err := decodeBody(event.Body, event.IsBase64Encoded)
	in.body = body
	return in, err
}

func decodeBody(body string, isBase64 bool) ([]byte, error) {
	if !isBase64 {
		return []byte(body), nil
	}
	return base64.StdEncoding.DecodeString(body)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// correlationID returns the caller's correlation id, matching the header
// name case-insensitively, or a fresh one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, headerCorrelationID) {
			return ensureID(v)
		}
	}
	return uuid.NewString()
}

func ensureID(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return uuid.NewString()
}

func encodeReply(r reply) (int, []byte) {
	body, err := json.Marshal(r.body)
	if err != nil {
		return http.StatusInternalServerError, []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return r.status, body
}

func jsonHeaders(corrID string) map[string]string {
	return map[string]string{
		headerContentType:   contentTypeJSON,
		headerCorrelationID: corrID,
	}
}

func sseHeaders(corrID string) map[string]string {
	return map[string]string{
		headerContentType:   contentTypeSSE,
		"Cache-Control":     "no-cache",
		headerCorrelationID: corrID,
	}
}

func proxyJSON(corrID string, r reply) events.APIGatewayProxyResponse {
	status, body := encodeReply(r)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    jsonHeaders(corrID),
		Body:       string(body),
	}
}
