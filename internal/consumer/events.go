package consumer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"recipe-assistant/internal/domain"
)

// StreamError is the failure the relay reported in an `error` event.
type StreamError struct {
	Code string
}

func (e *StreamError) Error() string {
	return "consumer: stream error: " + e.Code
}

// Events reads relay fragments from an event-stream body.
type Events struct {
	body   io.ReadCloser
	r      *bufio.Reader
	logger *slog.Logger

	frag domain.Fragment
	err  error
	done bool

	closeOnce sync.Once
	closeErr  error
}

// NewEvents wraps an event-stream body. The caller must call Close.
func NewEvents(body io.ReadCloser, logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{body: body, r: bufio.NewReader(body), logger: logger}
}

// Next advances to the next fragment. It returns false when the channel
// ends, reports an error event, or fails to read (see Err).
func (e *Events) Next() bool {
	for !e.done {
		name, data, err := e.readEvent()
		if err != nil {
			e.done = true
			if !errors.Is(err, io.EOF) {
				e.err = err
			}
			return false
		}
		switch name {
		case "error":
			e.done = true
			var payload struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.Error == "" {
				payload.Error = "unknown"
			}
			e.err = &StreamError{Code: payload.Error}
			return false
		case "", "message":
			var frag domain.Fragment
			if err := json.Unmarshal([]byte(data), &frag); err != nil {
				e.logger.Warn("consumer: skipping malformed event", "err", err)
				continue
			}
			e.frag = frag
			return true
		}
	}
	return false
}

// Fragment returns the fragment read by the last successful Next.
func (e *Events) Fragment() domain.Fragment {
	return e.frag
}

func (e *Events) Err() error {
	return e.err
}

// Close releases the channel. It is safe to call concurrently with Next and
// more than once.
func (e *Events) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.body.Close()
	})
	return e.closeErr
}

// readEvent collects lines up to the blank line that ends one event. An
// event cut off by EOF is dropped.
func (e *Events) readEvent() (name, data string, err error) {
	var lines []string
	for {
		line, err := e.r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) == 0 && name == "" {
				continue
			}
			return name, strings.Join(lines, "\n"), nil
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			lines = append(lines, value)
		case "":
			// comment line
		default:
			e.logger.Debug("consumer: ignoring event field", "field", fmt.Sprintf("%q", field))
		}
	}
}
