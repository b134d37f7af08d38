// Package mealdb reads meal details from TheMealDB public catalog.
package mealdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"recipe-assistant/internal/domain"
)

const defaultBaseURL = "https://www.themealdb.com/api/json/v1/1"

// ErrNotFound is returned when the catalog has no meal for an id.
var ErrNotFound = errors.New("mealdb: meal not found")

// lookupResponse keeps meal objects opaque; only their presence matters.
type lookupResponse struct {
	Meals []json.RawMessage `json:"meals"`
}

type searchResponse struct {
	Meals []domain.MealSummary `json:"meals"`
}

// Client is a small TheMealDB client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if b := strings.TrimSpace(baseURL); b != "" {
			c.baseURL = strings.TrimRight(b, "/")
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the first meal object for id exactly as the catalog sent it.
func (c *Client) Lookup(ctx context.Context, id string) (json.RawMessage, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("mealdb: id must not be empty")
	}

	var payload lookupResponse
	if err := c.getJSON(ctx, "/lookup.php", url.Values{"i": {id}}, &payload); err != nil {
		return nil, err
	}
	if len(payload.Meals) == 0 || string(payload.Meals[0]) == "null" {
		return nil, ErrNotFound
	}
	return payload.Meals[0], nil
}

// Search returns meals whose name matches query. An empty result is not an error.
func (c *Client) Search(ctx context.Context, query string) ([]domain.MealSummary, error) {
	var payload searchResponse
	if err := c.getJSON(ctx, "/search.php", url.Values{"s": {strings.TrimSpace(query)}}, &payload); err != nil {
		return nil, err
	}
	if payload.Meals == nil {
		return []domain.MealSummary{}, nil
	}
	return payload.Meals, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("mealdb: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mealdb: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("mealdb: unexpected status %d from %s: %s", res.StatusCode, path, string(buf))
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("mealdb: decode response: %w", err)
	}
	return nil
}
