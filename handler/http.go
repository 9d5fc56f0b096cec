package handler

import (
	"io"
	"net/http"

	"convai-relay/internal/usecase"
)

// maxBodyBytes bounds request bodies read by ServeHTTP.
const maxBodyBytes = 1 << 20

// ServeHTTP serves the same routes as Handle over net/http. The event stream
// is flushed event by event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in := inbound{
		method:        r.Method,
		path:          normalizePath(r.URL.Path),
		query:         firstValues(r.URL.Query()),
		correlationID: ensureID(r.Header.Get(headerCorrelationID)),
	}
	logger := h.logger.With("correlation_id", in.correlationID, "method", in.method, "path", in.path)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, in.correlationID, reply{
			status: http.StatusBadRequest,
			body:   errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "unreadable_body"},
		})
		return
	}
	in.body = body

	if !isStreamRequest(in) {
		writeJSON(w, in.correlationID, h.route(r.Context(), in, logger))
		return
	}

	ch, rep := h.openStream(r.Context(), in, logger)
	if rep != nil {
		writeJSON(w, in.correlationID, *rep)
		return
	}
	for k, v := range sseHeaders(in.correlationID) {
		w.Header().Set(k, v)
	}
	w.WriteHeader(http.StatusOK)

	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
		flush()
	}
	if err := writeSSE(w, ch, flush); err != nil {
		// The request context is canceled once the client is gone, which
		// tears the relay down.
		logger.Warn("sse write failed", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, corrID string, r reply) {
	status, body := encodeReply(r)
	for k, v := range jsonHeaders(corrID) {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func firstValues(q map[string][]string) map[string]string {
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
