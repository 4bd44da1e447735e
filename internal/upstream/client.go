// Package upstream fetches radar tiles from the Tomorrow.io map tile API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"radarproxy/internal/tile"
)

const (
	DefaultBaseURL = "https://api.tomorrow.io/v4"
	DefaultTimeout = 10 * time.Second

	// tiles are small; anything larger is not a tile
	maxTileBytes = 4 << 20
)

var (
	ErrNotConfigured = errors.New("upstream api key not configured")
	ErrInvalidTile   = errors.New("upstream returned an invalid tile")
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// StatusError is a non-2xx answer from the provider. Code, Type and Message
// are filled only when the body matched the provider's error schema.
type StatusError struct {
	StatusCode int
	Code       int
	Type       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream status %d: %s (%s)", e.StatusCode, e.Message, e.Type)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// RateLimited reports whether the provider itself refused for quota reasons.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// errorBody is the provider's JSON error shape.
type errorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an API key is set. Without one no request is made.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// FetchTile downloads one PNG tile.
func (c *Client) FetchTile(ctx context.Context, key tile.Key) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tileURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("build tile request: %w", err)
	}
	req.Header.Set("Accept", "image/png")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// the URL carries the api key; keep it out of the error
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("fetch tile %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read tile %s: %w", key, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseStatusError(resp.StatusCode, body)
	}
	if len(body) == 0 || len(body) > maxTileBytes || !bytes.HasPrefix(body, pngSignature) {
		return nil, fmt.Errorf("%w: %d bytes, content type %q", ErrInvalidTile, len(body), resp.Header.Get("Content-Type"))
	}

	c.logger.Debug("Fetched upstream tile",
		zap.String("tile", key.String()),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)
	return body, nil
}

func (c *Client) tileURL(key tile.Key) string {
	q := url.Values{}
	q.Set("apikey", c.apiKey)
	return fmt.Sprintf("%s/map/tile/%d/%d/%d/%s/%s.png?%s",
		c.baseURL,
		key.Zoom, key.X, key.Y,
		url.PathEscape(key.Field), url.PathEscape(key.Time),
		q.Encode(),
	)
}

func parseStatusError(status int, body []byte) *StatusError {
	se := &StatusError{StatusCode: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Message != "" {
		se.Code = eb.Code
		se.Type = eb.Type
		se.Message = eb.Message
	}
	return se
}
