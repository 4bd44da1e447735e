package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"radarproxy/internal/tile"
)

var testKey = tile.Key{Zoom: 5, X: 10, Y: 12, Field: "precipitationIntensity", Time: "now"}

func TestClient_FetchTile(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), []byte("rest-of-image")...)

	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("apikey")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, zap.NewNop())
	data, err := c.FetchTile(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, png, data)
	assert.Equal(t, "/map/tile/5/10/12/precipitationIntensity/now.png", gotPath)
	assert.Equal(t, "secret", gotKey)
}

func TestClient_EscapesPathSegments(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n"))
	}))
	defer srv.Close()

	key := testKey
	key.Time = "2024-03-01T12:00:00Z"
	key.Field = "a/b"

	c := New(srv.URL, "secret", time.Second, zap.NewNop())
	_, err := c.FetchTile(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "/map/tile/5/10/12/a%2Fb/2024-03-01T12:00:00Z.png", gotPath)
}

func TestClient_NotConfigured(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, zap.NewNop())
	assert.False(t, c.Configured())

	_, err := c.FetchTile(context.Background(), testKey)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, 0, calls)
}

func TestClient_StatusError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
		limited bool
	}{
		{
			name:    "provider error body",
			status:  http.StatusTooManyRequests,
			body:    `{"code":429001,"type":"Too Many Calls","message":"The request limit for this resource has been reached"}`,
			message: "The request limit for this resource has been reached",
			limited: true,
		},
		{
			name:   "unexpected body",
			status: http.StatusBadGateway,
			body:   "<html>bad gateway</html>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(srv.URL, "secret", time.Second, zap.NewNop())
			_, err := c.FetchTile(context.Background(), testKey)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.message, se.Message)
			assert.Equal(t, tt.limited, se.RateLimited())
			assert.NotContains(t, err.Error(), "secret")
		})
	}
}

func TestClient_InvalidTile(t *testing.T) {
	for name, body := range map[string]string{
		"empty":     "",
		"json":      `{"data":"nope"}`,
		"not a png": "GIF89a....",
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			c := New(srv.URL, "secret", time.Second, zap.NewNop())
			_, err := c.FetchTile(context.Background(), testKey)
			assert.ErrorIs(t, err, ErrInvalidTile)
		})
	}
}

func TestClient_NetworkErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, "secret", time.Second, zap.NewNop())
	_, err := c.FetchTile(context.Background(), testKey)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}
