package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"recipe-assistant/internal/domain"
)

// ErrUpstreamStalled is reported when the upstream sends nothing for longer
// than the configured idle timeout.
var ErrUpstreamStalled = errors.New("relay: upstream stalled")

// Options tune a Stream.
type Options struct {
	CharLimit int
	// DrainAfterTruncate keeps reading and discarding upstream lines after
	// truncation so the upstream finishes normally. When false the stream
	// ends as soon as the truncated fragment has been returned.
	DrainAfterTruncate bool
	// IdleTimeout bounds the wait for each upstream read. Zero disables it.
	IdleTimeout time.Duration
	// MaxLineBytes caps one upstream line; zero means DefaultMaxLineBytes.
	MaxLineBytes int
	Logger      *slog.Logger
}

// Result summarizes what a Stream forwarded.
type Result struct {
	Content   string
	Truncated bool
	Fragments int
}

// Stream turns one upstream completion body into downstream fragments. It
// owns the body and the per-request decode state; it is not safe for
// concurrent use.
type Stream struct {
	body   io.ReadCloser
	idle   *idleReader
	dec    *Decoder
	budget *Budget
	drain  bool

	content   strings.Builder
	fragments int
	finished  bool
	err       error

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps an upstream body. The caller must call Close.
func NewStream(body io.ReadCloser, opts Options) *Stream {
	var r io.Reader = body
	var idle *idleReader
	if opts.IdleTimeout > 0 {
		idle = newIdleReader(body, opts.IdleTimeout)
		r = idle
	}
	dec := NewDecoder(r, opts.Logger)
	if opts.MaxLineBytes > 0 {
		dec.maxLine = opts.MaxLineBytes
	}
	return &Stream{
		body:   body,
		idle:   idle,
		dec:    dec,
		budget: NewBudget(opts.CharLimit),
		drain:  opts.DrainAfterTruncate,
	}
}

// Next returns the next fragment to forward, or false once nothing more will
// be forwarded. After a false return, Err reports why the stream stopped.
func (s *Stream) Next(ctx context.Context) (domain.Fragment, bool) {
	for !s.finished {
		if s.budget.Truncated() && !s.drain {
			s.finished = true
			break
		}
		if err := ctx.Err(); err != nil {
			s.finished = true
			s.err = err
			break
		}
		if !s.dec.Next() {
			s.finished = true
			s.err = s.dec.Err()
			break
		}

		frag, ok := s.budget.Admit(s.dec.Delta())
		if !ok {
			continue
		}
		s.content.WriteString(frag.Chunk)
		s.fragments++
		return frag, true
	}
	return domain.Fragment{}, false
}

// Err returns the error that ended the stream, if any. A clean end of the
// upstream, the [DONE] sentinel and truncation are not errors.
func (s *Stream) Err() error {
	return s.err
}

// Result reports the forwarded content so far.
func (s *Stream) Result() Result {
	return Result{
		Content:   s.content.String(),
		Truncated: s.budget.Truncated(),
		Fragments: s.fragments,
	}
}

// Close releases the upstream body. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.idle != nil {
			s.idle.timer.Stop()
		}
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// idleReader closes the underlying body when a single Read blocks longer than
// timeout, which unblocks the pending Read with an error.
type idleReader struct {
	r       io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newIdleReader(r io.ReadCloser, timeout time.Duration) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.stalled.Store(true)
		_ = r.Close()
	})
	ir.timer.Stop()
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	ir.timer.Reset(ir.timeout)
	n, err := ir.r.Read(p)
	ir.timer.Stop()
	if ir.stalled.Load() {
		return n, ErrUpstreamStalled
	}
	return n, err
}
