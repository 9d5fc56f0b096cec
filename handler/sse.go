package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"convai-relay/internal/usecase"
)

type sseText struct {
	Text string `json:"text"`
}

// writeSSE renders a relay stream as server-sent events until the channel
// closes. flush, when set, is called after every event.
func writeSSE(w io.Writer, ch <-chan usecase.StreamEvent, flush func()) error {
	for ev := range ch {
		if err := writeEvent(w, ev); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
	return nil
}

func writeEvent(w io.Writer, ev usecase.StreamEvent) error {
	switch {
	case ev.Err != nil:
		payload, err := json.Marshal(streamError(ev.Err))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		return err
	case ev.Done:
		_, err := io.WriteString(w, "data: [DONE]\n\n")
		return err
	default:
		payload, err := json.Marshal(sseText{Text: ev.Text})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
		return err
	}
}

func streamError(err error) errorResponse {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		return errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
	}
	return errorResponse{Error: string(usecase.ErrorInternal)}
}
