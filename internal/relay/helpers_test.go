package relay

import (
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
)

// sseBody renders deltas the way the upstream provider frames them.
func sseBody(deltas ...string) string {
	var b strings.Builder
	for _, d := range deltas {
		payload, _ := json.Marshal(map[string]string{"response": d})
		b.WriteString("data: " + string(payload) + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

// chunkedReader returns its parts one Read at a time.
type chunkedReader struct {
	parts []string
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.parts[0])
	if n < len(c.parts[0]) {
		c.parts[0] = c.parts[0][n:]
	} else {
		c.parts = c.parts[1:]
	}
	return n, nil
}

// splitAt cuts s into two reads at offset i.
func splitAt(s string, i int) io.Reader {
	return &chunkedReader{parts: []string{s[:i], s[i:]}}
}

// trackingBody records how far it was read and whether it was closed.
type trackingBody struct {
	r      io.Reader
	eof    atomic.Bool
	closed atomic.Int32
}

func newTrackingBody(s string) *trackingBody {
	return &trackingBody{r: strings.NewReader(s)}
}

func (t *trackingBody) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err == io.EOF {
		t.eof.Store(true)
	}
	return n, err
}

func (t *trackingBody) Close() error {
	t.closed.Add(1)
	return nil
}

func collectDeltas(d *Decoder) []string {
	var out []string
	for d.Next() {
		out = append(out, d.Delta())
	}
	return out
}

// floodReader yields n bytes of 'x' without a newline, then rest.
func floodReader(n int64, rest string) io.Reader {
	return io.MultiReader(io.LimitReader(xReader{}, n), strings.NewReader(rest))
}

type xReader struct{}

func (xReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}
