package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"recipe-assistant/internal/domain"
)

type flusher interface {
	Flush()
}

// SetHeaders applies the downstream event-stream headers.
func SetHeaders(h http.Header) {
	for k, v := range Headers() {
		h.Set(k, v)
	}
}

// Headers returns the downstream event-stream headers.
func Headers() map[string]string {
	return map[string]string{
		"Content-Type":  "text/event-stream",
		"Cache-Control": "no-cache",
		"Connection":    "keep-alive",
	}
}

// Writer frames fragments as server-sent events.
type Writer struct {
	w io.Writer
	f flusher
}

// NewWriter returns a Writer on w, flushing after every event when w supports it.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(flusher)
	return &Writer{w: w, f: f}
}

// WriteFragment writes one `data:` event.
func (w *Writer) WriteFragment(frag domain.Fragment) error {
	payload, err := json.Marshal(frag)
	if err != nil {
		return fmt.Errorf("relay: marshal fragment: %w", err)
	}
	return w.write("data: " + string(payload) + "\n\n")
}

// WriteError writes a named `error` event. Browser EventSource message
// handlers ignore named events.
func (w *Writer) WriteError(code string) error {
	payload, err := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: code})
	if err != nil {
		return fmt.Errorf("relay: marshal error event: %w", err)
	}
	return w.write("event: error\ndata: " + string(payload) + "\n\n")
}

func (w *Writer) write(frame string) error {
	if _, err := io.WriteString(w.w, frame); err != nil {
		return err
	}
	if w.f != nil {
		w.f.Flush()
	}
	return nil
}

// Pump forwards every fragment from s to w as soon as it is decoded. It
// returns the stream's result and the first stream or write error.
func Pump(ctx context.Context, s *Stream, w *Writer) (Result, error) {
	for {
		frag, ok := s.Next(ctx)
		if !ok {
			break
		}
		if err := w.WriteFragment(frag); err != nil {
			return s.Result(), fmt.Errorf("relay: write fragment: %w", err)
		}
	}
	return s.Result(), s.Err()
}
