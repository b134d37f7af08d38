package workersai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recipe-assistant/internal/domain"
)

// ---------------------------------------------------------------------------
// runURL helper
// ---------------------------------------------------------------------------

func TestRunURL(t *testing.T) {
	cases := []struct {
		base  string
		model string
		want  string
	}{
		{"https://api.cloudflare.com/client/v4", "@cf/meta/llama-3-8b-instruct", "https://api.cloudflare.com/client/v4/accounts/acct/ai/run/@cf/meta/llama-3-8b-instruct"},
		{"https://api.cloudflare.com/client/v4/", "@cf/meta/llama-3-8b-instruct", "https://api.cloudflare.com/client/v4/accounts/acct/ai/run/@cf/meta/llama-3-8b-instruct"},
		{"http://localhost:8787", "/@cf/x", "http://localhost:8787/accounts/acct/ai/run/@cf/x"},
		{"", "m", "https://api.cloudflare.com/client/v4/accounts/acct/ai/run/m"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, runURL(tc.base, "acct", tc.model), "base=%q", tc.base)
	}
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/recipe-assistant", "acct")
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")

	_, err = NewClient(&fakeGetter{}, " / ", "acct")
	require.Error(t, err)
	require.Contains(t, err.Error(), "prefix")

	_, err = NewClient(&fakeGetter{}, "/recipe-assistant", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "account")
}

func TestNewClient_Valid(t *testing.T) {
	c, err := NewClient(&fakeGetter{}, "/recipe-assistant/", "acct")
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.Equal(t, "/recipe-assistant/api-token", c.tokenParameterName())
}

// ---------------------------------------------------------------------------
// resolveAPIKey: caching behaviour
// ---------------------------------------------------------------------------

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func() // optional; called on each GetParameter invocation
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func TestResolveAPIKey_CachesSuccess(t *testing.T) {
	calls := 0
	g := &fakeGetter{val: `{"token":"cf-from-ssm"}`}
	g.onCall = func() { calls++ }
	c, err := NewClient(g, "/recipe-assistant", "acct")
	require.NoError(t, err)

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cf-from-ssm", key)

	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 1, calls, "SSM must only be called once after a successful fetch")
}

func TestResolveAPIKey_RetriesAfterFailure(t *testing.T) {
	g := &fakeGetter{err: errors.New("throttled")}
	c, err := NewClient(g, "/recipe-assistant", "acct")
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.Error(t, err)

	g.err = nil
	g.val = `{"token":"cf-later"}`
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cf-later", key)
}

func TestFetchAPIKey(t *testing.T) {
	cases := []struct {
		name    string
		getter  Getter
		param   string
		want    string
		wantErr string
	}{
		{name: "json token", getter: &fakeGetter{val: `{"token":"cf-json"}`}, param: "/p/api-token", want: "cf-json"},
		{name: "missing field", getter: &fakeGetter{val: `{"other":"v"}`}, param: "/p/api-token", wantErr: "API token is empty"},
		{name: "malformed", getter: &fakeGetter{val: `{"broken`}, param: "/p/api-token", wantErr: "unmarshal"},
		{name: "getter error", getter: &fakeGetter{err: errors.New("ssm unavailable")}, param: "/p/api-token", wantErr: "ssm unavailable"},
		{name: "nil getter", getter: nil, param: "/p/api-token", wantErr: "nil"},
		{name: "empty name", getter: &fakeGetter{val: `{"token":"x"}`}, param: " ", wantErr: "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := fetchAPIKeyFromParamStore(context.Background(), tc.getter, tc.param)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, key)
		})
	}
}

// ---------------------------------------------------------------------------
// Client.Stream
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		&fakeGetter{val: `{"token":"cf-test"}`},
		"/recipe-assistant",
		"acct",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestClient_Stream_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accounts/acct/ai/run/@cf/meta/llama-3-8b-instruct", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer cf-test", r.Header.Get("Authorization"))
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var got completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.True(t, got.Stream)
		require.Len(t, got.Messages, 2)
		require.Equal(t, domain.RoleSystem, got.Messages[0].Role)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"response\":\"hi\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	body, err := c.Stream(context.Background(), "@cf/meta/llama-3-8b-instruct", []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "persona"},
		{Role: domain.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "data: {\"response\":\"hi\"}\n\ndata: [DONE]\n\n", string(raw))
}

func TestClient_Stream_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errors":[{"message":"rate limited"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Stream(context.Background(), "m", []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "rate limited")
}

func TestClient_Stream_Validation(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"x"}`}, "/p", "acct")
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), "", []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	require.ErrorContains(t, err, "model")

	_, err = c.Stream(context.Background(), "m", nil)
	require.ErrorContains(t, err, "no messages")
}

func TestClient_Stream_TokenError(t *testing.T) {
	c, err := NewClient(&fakeGetter{err: errors.New("ssm down")}, "/p", "acct")
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), "m", []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	require.ErrorContains(t, err, "ssm down")
}

func TestClient_Stream_EmptyBody(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"content length zero": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(http.StatusOK)
		},
		"chunked without data": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			c := newTestClient(t, srv)
			body, err := c.Stream(context.Background(), "m", []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
			require.ErrorIs(t, err, ErrEmptyBody)
			require.Nil(t, body)
		})
	}
}
