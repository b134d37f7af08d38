package relay

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"recipe-assistant/internal/domain"
)

type countingFlusher struct {
	bytes.Buffer
	flushes int
}

func (c *countingFlusher) Flush() { c.flushes++ }

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec.Header())
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "keep-alive", rec.Header().Get("Connection"))
}

func TestWriter_FramesFragmentsAndFlushes(t *testing.T) {
	buf := &countingFlusher{}
	w := NewWriter(buf)

	require.NoError(t, w.WriteFragment(domain.Fragment{Chunk: "Hi \"chef\"\n"}))
	require.NoError(t, w.WriteFragment(domain.Fragment{Chunk: "!", IsTruncated: true}))

	require.Equal(t,
		"data: {\"chunk\":\"Hi \\\"chef\\\"\\n\",\"isTruncated\":false}\n\n"+
			"data: {\"chunk\":\"!\",\"isTruncated\":true}\n\n",
		buf.String())
	require.Equal(t, 2, buf.flushes)
}

func TestWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteError("upstream_stalled"))
	require.Equal(t, "event: error\ndata: {\"error\":\"upstream_stalled\"}\n\n", buf.String())
}

func TestPump_ForwardsEveryFragment(t *testing.T) {
	s := NewStream(newTrackingBody(sseBody("Boil ", "the ", "pasta")), Options{CharLimit: 100})
	defer s.Close()

	rec := httptest.NewRecorder()
	res, err := Pump(context.Background(), s, NewWriter(rec))
	require.NoError(t, err)
	require.Equal(t, Result{Content: "Boil the pasta", Fragments: 3}, res)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, rec.Flushed)
	require.Equal(t,
		"data: {\"chunk\":\"Boil \",\"isTruncated\":false}\n\n"+
			"data: {\"chunk\":\"the \",\"isTruncated\":false}\n\n"+
			"data: {\"chunk\":\"pasta\",\"isTruncated\":false}\n\n",
		rec.Body.String())
}

func TestPump_StopsOnWriteError(t *testing.T) {
	body := newTrackingBody(sseBody("a", "b", "c"))
	s := NewStream(body, Options{})

	res, err := Pump(context.Background(), s, NewWriter(failingWriter{}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "client gone")
	require.Equal(t, 1, res.Fragments)

	require.NoError(t, s.Close())
	require.EqualValues(t, 1, body.closed.Load())
}
