package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"convai-relay/internal/usecase"
)

// HandleStreaming serves Lambda Function URL invocations with response
// streaming enabled, so the event stream reaches the caller as fragments
// arrive. Every other route answers with a buffered JSON body.
func (h *Handler) HandleStreaming(ctx context.Context, event events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	in := inbound{
		method:        strings.ToUpper(event.RequestContext.HTTP.Method),
		path:          normalizePath(event.RawPath),
		query:         event.QueryStringParameters,
		correlationID: correlationID(event.Headers),
	}
	body, err := decodeBody(event.Body, event.IsBase64Encoded)
	if err != nil {
		return streamingJSON(in.correlationID, reply{
			status: http.StatusBadRequest,
			body:   errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body_encoding"},
		}), nil
	}
	in.body = body
	logger := h.logger.With("correlation_id", in.correlationID, "method", in.method, "path", in.path)

	if !isStreamRequest(in) {
		return streamingJSON(in.correlationID, h.route(ctx, in, logger)), nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch, rep := h.openStream(streamCtx, in, logger)
	if rep != nil {
		cancel()
		return streamingJSON(in.correlationID, *rep), nil
	}

	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		err := writeSSE(pw, ch, nil)
		if err != nil {
			logger.Warn("sse write failed", "err", err)
		}
		_ = pw.CloseWithError(err)
	}()

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers:    sseHeaders(in.correlationID),
		Body:       pr,
	}, nil
}

func streamingJSON(corrID string, r reply) *events.LambdaFunctionURLStreamingResponse {
	status, body := encodeReply(r)
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers:    jsonHeaders(corrID),
		Body:       bytes.NewReader(body),
	}
}
