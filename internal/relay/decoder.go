package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	// DefaultMaxLineBytes caps a single upstream line, newline included.
	DefaultMaxLineBytes = 1 << 20
)

var errLineTooLong = errors.New("relay: upstream line too long")

// upstreamChunk is the JSON payload carried by each upstream data line.
type upstreamChunk struct {
	Response string `json:"response"`
}

// Decoder pulls response deltas out of an upstream SSE body one at a time.
// Bytes are buffered until a full line is available; a trailing line without
// its newline is never parsed. Lines longer than the line limit are
// discarded like malformed ones without being held in memory.
type Decoder struct {
	r       *bufio.Reader
	logger  *slog.Logger
	maxLine int

	delta string
	err   error
	done  bool
}

// NewDecoder returns a Decoder reading from r. A nil logger uses slog.Default.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{r: bufio.NewReader(r), logger: logger, maxLine: DefaultMaxLineBytes}
}

// Next advances to the next non-empty response delta. It returns false at
// end of stream, on the [DONE] sentinel, or on a read error (see Err).
func (d *Decoder) Next() bool {
	for !d.done {
		line, err := d.readLine()
		if errors.Is(err, errLineTooLong) {
			d.logger.Warn("relay: skipping oversized upstream line", "limit", d.maxLine)
			continue
		}
		if err != nil {
			d.done = true
			if !errors.Is(err, io.EOF) {
				d.err = err
			}
			return false
		}

		delta, ok, end := d.parseLine(line)
		if end {
			d.done = true
			return false
		}
		if ok {
			d.delta = delta
			return true
		}
	}
	return false
}

// Delta returns the delta produced by the last successful call to Next.
func (d *Decoder) Delta() string {
	return d.delta
}

// Err returns the first non-EOF read error.
func (d *Decoder) Err() error {
	return d.err
}

// readLine returns the next newline-terminated line. Once a line passes the
// limit its bytes are dropped as they arrive and errLineTooLong is returned
// at its newline.
func (d *Decoder) readLine() (string, error) {
	var buf []byte
	oversized := false
	for {
		frag, err := d.r.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(frag) > d.maxLine {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}
		switch {
		case err == nil:
			if oversized {
				return "", errLineTooLong
			}
			return string(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return "", err
		}
	}
}

func (d *Decoder) parseLine(line string) (delta string, ok, end bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return "", false, false
	}
	if payload == doneSentinel {
		return "", false, true
	}

	var chunk upstreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		d.logger.Warn("relay: skipping malformed upstream line", "err", err)
		return "", false, false
	}
	if chunk.Response == "" {
		return "", false, false
	}
	return chunk.Response, true, false
}
