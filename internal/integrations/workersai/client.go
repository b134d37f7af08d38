package workersai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"recipe-assistant/internal/domain"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// ErrEmptyBody is returned when the upstream answers 2xx without a body.
var ErrEmptyBody = errors.New("workersai: response body is empty")

// completionRequest is the request shape for a streamed Workers AI run.
type completionRequest struct {
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("workersai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client opens streamed chat completions against Cloudflare Workers AI.
type Client struct {
	baseURL     string
	accountID   string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose API token is read from the parameter store
// on first use. Streams can run for minutes, so the default HTTP client only
// bounds connection setup and response headers; the caller bounds the body
// through the request context.
func NewClient(ps Getter, paramPrefix, accountID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("workersai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("workersai: parameter prefix must not be empty")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("workersai: account id must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		accountID:   accountID,
		httpClient:  defaultHTTPClient(),
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// resolveAPIKey fetches the token on first success and caches it. Failures
// are not cached so a transient SSM error does not poison the process.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/api-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return defaultHTTPClient()
}

func runURL(baseURL, accountID, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/accounts/" + accountID + "/ai/run/" + strings.TrimLeft(model, "/")
}

// Stream starts a streamed completion and returns the raw SSE body once the
// upstream has answered with a 2xx status. The caller must close the body.
func (c *Client) Stream(ctx context.Context, model string, messages []domain.ChatMessage) (io.ReadCloser, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("workersai: model must not be empty")
	}
	if len(messages) == 0 {
		return nil, errors.New("workersai: no messages provided")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(completionRequest{Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("workersai: marshal request: %w", err)
	}

	url := runURL(c.baseURL, c.accountID, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workersai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("workersai: request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}
	if res.Body == nil || res.Body == http.NoBody || res.ContentLength == 0 {
		if res.Body != nil {
			_ = res.Body.Close()
		}
		return nil, ErrEmptyBody
	}
	// Wrapped bodies hide NoBody, so wait for the first byte before handing
	// the stream out. Errors here still precede any downstream frame.
	br := bufio.NewReader(res.Body)
	if _, err := br.Peek(1); err != nil {
		_ = res.Body.Close()
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyBody
		}
		return nil, fmt.Errorf("workersai: read response: %w", err)
	}
	return &peekedBody{Reader: br, Closer: res.Body}, nil
}

// peekedBody reads through the buffer that holds the peeked bytes.
type peekedBody struct {
	io.Reader
	io.Closer
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("workersai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("workersai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("workersai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("workersai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("workersai: API token is empty")
	}
	return tp.Token, nil
}
