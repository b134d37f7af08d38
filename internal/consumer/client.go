package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"recipe-assistant/internal/domain"
)

// HTTPStatusError is a relay refusal that happened before any stream opened.
type HTTPStatusError struct {
	StatusCode int
	Code       string
	Reason     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("consumer: relay returned %d: %s (%s)", e.StatusCode, e.Code, e.Reason)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to a relay over HTTP.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	identityHeader string
	userID         string
	logger         *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithIdentity sends userID in header on every request.
func WithIdentity(header, userID string) Option {
	return func(c *Client) {
		c.identityHeader = strings.TrimSpace(header)
		c.userID = strings.TrimSpace(userID)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("consumer: base URL must not be empty")
	}
	c := &Client{
		baseURL: baseURL,
		// Streams stay open as long as the relay writes; no overall timeout.
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Open starts a chat stream for message about mealID.
func (c *Client) Open(ctx context.Context, message, mealID string) (*Events, error) {
	q := url.Values{}
	q.Set("message", message)
	q.Set("mealId", mealID)
	req, err := c.newRequest(ctx, "/api/chat-stream?"+q.Encode())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("consumer: open stream: %w", err)
	}
	if err := checkStatus(res); err != nil {
		return nil, err
	}
	return NewEvents(res.Body, c.logger), nil
}

// History fetches the stored turns for mealID, greeting first.
func (c *Client) History(ctx context.Context, mealID string) ([]domain.ChatTurn, error) {
	req, err := c.newRequest(ctx, "/api/meals/"+url.PathEscape(mealID)+"/turns")
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("consumer: fetch history: %w", err)
	}
	if err := checkStatus(res); err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	var payload struct {
		Turns []domain.ChatTurn `json:"turns"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("consumer: decode history: %w", err)
	}
	return payload.Turns, nil
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("consumer: create request: %w", err)
	}
	if c.identityHeader != "" && c.userID != "" {
		req.Header.Set(c.identityHeader, c.userID)
	}
	return req, nil
}

// checkStatus closes the body of a non-2xx response and describes it.
func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	defer func() { _ = res.Body.Close() }()
	var payload struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&payload)
	return &HTTPStatusError{StatusCode: res.StatusCode, Code: payload.Error, Reason: payload.Reason}
}
