package http

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"radarproxy/internal/config"
	"radarproxy/internal/tile"
	"radarproxy/internal/tile_proxy"
)

// Headers browsers may read on cross-origin tile responses.
var diagnosticHeaders = strings.Join([]string{
	"X-Cache",
	"X-Rate-Limited",
	"X-Rate-Limit-Status",
	"X-Timeout",
	"X-Radar-Disabled",
	"X-Request-Id",
}, ", ")

type Handlers struct {
	config *config.Config
	logger *zap.Logger
	proxy  *tile_proxy.Proxy
}

func New(config *config.Config, logger *zap.Logger, proxy *tile_proxy.Proxy) *Handlers {
	return &Handlers{
		config: config,
		logger: logger,
		proxy:  proxy,
	}
}

// Routes builds the router. Metrics are served from gatherer.
func (h *Handlers) Routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(h.CORSMiddleware, h.RequestLoggingMiddleware)

	r.Get("/tiles", h.HandleTiles)
	r.Head("/tiles", h.HandleTiles)
	r.Get("/healthz", h.HandleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", redactQuery(r.URL.Query())),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("x_cache", wrapped.Header().Get("X-Cache")),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin == "" {
				allowedOrigin = "*"
			} else if strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host) {
				allowedOrigin = origin
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", diagnosticHeaders)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleTiles serves a radar tile, or the status report with check=true.
// It answers 200 with an image for every tile request, including malformed
// ones, so map clients never have to handle errors.
func (h *Handlers) HandleTiles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if query.Get("check") == "true" {
		h.handleStatus(w, r)
		return
	}

	var result tile.Result
	key, err := parseTileKey(query)
	if err != nil {
		h.logger.Debug("Invalid tile request", zap.Error(err))
		result = tile.PlaceholderResult(tile.OutcomeInvalid)
	} else {
		result = h.proxy.GetTile(r.Context(), key)
	}

	h.writeTile(w, r, result)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := h.proxy.Status(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Error("Failed to encode status", zap.Error(err))
	}
}

func (h *Handlers) writeTile(w http.ResponseWriter, r *http.Request, result tile.Result) {
	header := w.Header()
	header.Set("Content-Type", "image/png")
	header.Set("Content-Length", strconv.Itoa(len(result.Data)))
	header.Set("X-Cache", cacheHeader(result.Outcome))

	switch result.Outcome {
	case tile.OutcomeCacheHit, tile.OutcomeCacheMiss:
		header.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.proxy.CacheTTL().Seconds())))
		header.Set("ETag", `"`+generateETag(result.Data)+`"`)
	default:
		// degraded answers must not stick in browser caches
		header.Set("Cache-Control", "no-store")
	}

	if result.RateLimited {
		header.Set("X-Rate-Limited", "true")
	}
	if result.RateStatus != nil {
		if status, err := json.Marshal(result.RateStatus); err == nil {
			header.Set("X-Rate-Limit-Status", string(status))
		}
	}
	if result.Outcome == tile.OutcomeTimedOut {
		header.Set("X-Timeout", "true")
	}
	if result.Outcome == tile.OutcomeDisabled {
		header.Set("X-Radar-Disabled", "true")
	}

	if etag := header.Get("ETag"); etag != "" && r.Header.Get("If-None-Match") == etag {
		header.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(result.Data)
}

func parseTileKey(query url.Values) (tile.Key, error) {
	var key tile.Key
	coords := []struct {
		name string
		dst  *int
	}{
		{"zoom", &key.Zoom},
		{"x", &key.X},
		{"y", &key.Y},
	}

	for _, c := range coords {
		raw := query.Get(c.name)
		if raw == "" {
			return tile.Key{}, fmt.Errorf("missing %s", c.name)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return tile.Key{}, fmt.Errorf("invalid %s %q", c.name, raw)
		}
		if n < 0 {
			return tile.Key{}, fmt.Errorf("negative %s", c.name)
		}
		*c.dst = n
	}

	key.Field = strings.TrimSpace(query.Get("field"))
	key.Time = strings.TrimSpace(query.Get("time"))
	return key.WithDefaults(), nil
}

func cacheHeader(outcome tile.Outcome) string {
	switch outcome {
	case tile.OutcomeCacheHit:
		return "HIT"
	case tile.OutcomeStaleFallback:
		return "HIT-FALLBACK"
	default:
		return "MISS"
	}
}

func generateETag(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])[:16]
}

func redactQuery(query url.Values) string {
	if query.Has("apikey") {
		query.Set("apikey", "REDACTED")
	}
	return query.Encode()
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
