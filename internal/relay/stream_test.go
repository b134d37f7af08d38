package relay

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recipe-assistant/internal/domain"
)

func collectFragments(t *testing.T, s *Stream) []domain.Fragment {
	t.Helper()
	var out []domain.Fragment
	for {
		frag, ok := s.Next(context.Background())
		if !ok {
			return out
		}
		out = append(out, frag)
	}
}

func TestStream_ScenarioA_UnderBudget(t *testing.T) {
	delta := strings.Repeat("a", 1000)
	body := newTrackingBody(sseBody(delta, delta, delta, delta, delta))
	s := NewStream(body, Options{CharLimit: 5000, DrainAfterTruncate: true})
	defer s.Close()

	frags := collectFragments(t, s)
	require.Len(t, frags, 5)
	for _, f := range frags {
		require.False(t, f.IsTruncated)
	}
	require.NoError(t, s.Err())

	res := s.Result()
	require.False(t, res.Truncated)
	require.Equal(t, 5, res.Fragments)
	require.Len(t, res.Content, 5000)
}

func TestStream_ScenarioB_TruncatesOnOverflowingDelta(t *testing.T) {
	body := newTrackingBody(sseBody("hello world", "ignored", "also ignored"))
	s := NewStream(body, Options{CharLimit: 10, DrainAfterTruncate: true})
	defer s.Close()

	frags := collectFragments(t, s)
	require.Equal(t, []domain.Fragment{{Chunk: "hello world", IsTruncated: true}}, frags)
	require.NoError(t, s.Err())
	require.True(t, s.Result().Truncated)
}

func TestStream_DrainReadsUpstreamToTheEnd(t *testing.T) {
	// No [DONE] so draining must run until EOF.
	raw := strings.TrimSuffix(sseBody("0123456789", "tail", "more tail"), "data: [DONE]\n\n")
	body := newTrackingBody(raw)
	s := NewStream(body, Options{CharLimit: 5, DrainAfterTruncate: true})
	defer s.Close()

	frags := collectFragments(t, s)
	require.Len(t, frags, 1)
	require.True(t, body.eof.Load(), "upstream should be drained")
}

func TestStream_NoDrainStopsAfterTruncation(t *testing.T) {
	raw := strings.TrimSuffix(sseBody("0123456789", "tail", "more tail"), "data: [DONE]\n\n")
	body := newTrackingBody(raw)
	s := NewStream(body, Options{CharLimit: 5, DrainAfterTruncate: false})

	frags := collectFragments(t, s)
	require.Len(t, frags, 1)
	require.True(t, frags[0].IsTruncated)
	require.NoError(t, s.Err())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.EqualValues(t, 1, body.closed.Load())
}

func TestStream_TruncationInvariants(t *testing.T) {
	deltas := []string{"ab", "cde", "f", "ghij", "klmno", "p", "qrstuvw", "xyz"}
	for limit := 1; limit <= 30; limit++ {
		body := newTrackingBody(sseBody(deltas...))
		s := NewStream(body, Options{CharLimit: limit, DrainAfterTruncate: true})
		frags := collectFragments(t, s)
		_ = s.Close()

		truncatedAt := -1
		total := 0
		for i, f := range frags {
			total += len(f.Chunk)
			if f.IsTruncated {
				require.Equal(t, -1, truncatedAt, "limit %d: more than one truncated fragment", limit)
				truncatedAt = i
			}
		}
		if truncatedAt >= 0 {
			require.Equal(t, len(frags)-1, truncatedAt, "limit %d: truncated fragment must be last", limit)
			last := len(frags[truncatedAt].Chunk)
			require.LessOrEqual(t, total, limit+last, "limit %d", limit)
			require.Greater(t, total, limit, "limit %d: truncation must not be preemptive", limit)
		} else {
			require.LessOrEqual(t, total, limit, "limit %d", limit)
		}
	}
}

func TestStream_DoneSentinelNeverForwarded(t *testing.T) {
	s := NewStream(newTrackingBody("data: [DONE]\n\n"), Options{})
	defer s.Close()
	require.Empty(t, collectFragments(t, s))
	require.NoError(t, s.Err())
}

func TestStream_IdleTimeoutReportsStall(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = io.WriteString(pw, "data: {\"response\":\"first\"}\n\n")
	}()

	s := NewStream(pr, Options{IdleTimeout: 100 * time.Millisecond})
	defer s.Close()

	frag, ok := s.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, "first", frag.Chunk)

	_, ok = s.Next(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, s.Err(), ErrUpstreamStalled)
}

func TestStream_StopsOnCanceledContext(t *testing.T) {
	s := NewStream(newTrackingBody(sseBody("a", "b")), Options{})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := s.Next(ctx)
	require.False(t, ok)
	require.ErrorIs(t, s.Err(), context.Canceled)
}

func TestStream_MaxLineBytesOption(t *testing.T) {
	body := "data: {\"response\":\"" + strings.Repeat("z", 100) + "\"}\n\n" + sseBody("kept")
	s := NewStream(newTrackingBody(body), Options{MaxLineBytes: 50})
	defer s.Close()

	require.Equal(t, []domain.Fragment{{Chunk: "kept"}}, collectFragments(t, s))
	require.NoError(t, s.Err())
}
