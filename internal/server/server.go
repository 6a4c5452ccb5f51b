package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"remedia/internal/download"
	"remedia/internal/event"
	"remedia/internal/logging"
	"remedia/internal/store"
)

// Defaults applied to submitted download requests, matching the client's
// selectors.
const (
	defaultContainer  = "mp4"
	defaultNameFormat = "%(title)s.%(ext)s"
	defaultQuality    = "best"
)

type downloadRegistry interface {
	CreateOrUpdate(ctx context.Context, url, container, nameFormat, quality string) (store.Download, error)
	List(ctx context.Context) ([]store.Download, error)
}

type downloadRunner interface {
	Start(opts download.Options) error
	Cancel(ctx context.Context, url string) error
	Check(ctx context.Context, url string) (bool, error)
}

type configStore interface {
	GetConfig(ctx context.Context) (store.Config, error)
	SetSkipHomepage(ctx context.Context, skip bool) error
}

type rateLimiter interface {
	Allow(key string) bool
}

// downloadRequest is the submission surface. Only url, container, name_format
// and quality are persisted; the advanced options apply to this request only.
type downloadRequest struct {
	URL        string `json:"url"`
	Container  string `json:"container"`
	NameFormat string `json:"name_format"`
	Quality    string `json:"quality"`

	AutoStart      *bool  `json:"auto_start,omitempty"`
	Folder         string `json:"folder,omitempty"`
	NamePrefix     string `json:"name_prefix,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	StrictPlaylist bool   `json:"strict_playlist,omitempty"`
}

// New returns an http.Handler with routes and middleware wired.
func New(reg downloadRegistry, runner downloadRunner, cfg configStore, hub *event.Hub, staticDir string) http.Handler {
	rl := newIPRateLimiter(60, time.Minute) // 60 req/min/IP
	mux := http.NewServeMux()

	mux.HandleFunc("/api/config", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		c, err := cfg.GetConfig(r.Context())
		if err != nil {
			logging.LogHandlerError("get config", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			return
		}
		writeJSON(w, http.StatusOK, c)
	}))

	// POST /api/config/{preference} sets skip_homepage from the trailing
	// boolean path segment.
	mux.HandleFunc("/api/config/", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		seg := strings.TrimPrefix(r.URL.Path, "/api/config/")
		pref, err := strconv.ParseBool(seg)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_preference"})
			return
		}
		if err := cfg.SetSkipHomepage(r.Context(), pref); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "preference_write_failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	}))

	mux.HandleFunc("/api/download", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req downloadRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			return
		}
		if !validURL(req.URL) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_url"})
			return
		}
		applyDefaults(&req)

		d, err := reg.CreateOrUpdate(r.Context(), req.URL, req.Container, req.NameFormat, req.Quality)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrEmptyURL), errors.Is(err, store.ErrMissingField):
				writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			default:
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			}
			return
		}

		if req.AutoStart == nil || *req.AutoStart {
			err := runner.Start(download.Options{
				URL:            req.URL,
				Container:      req.Container,
				NameFormat:     req.NameFormat,
				Quality:        req.Quality,
				Folder:         req.Folder,
				NamePrefix:     req.NamePrefix,
				Limit:          req.Limit,
				StrictPlaylist: req.StrictPlaylist,
			})
			switch {
			case err == nil:
			case errors.Is(err, download.ErrAlreadyDownloading):
				writeJSON(w, http.StatusConflict, map[string]any{"status": "error", "message": "already_downloading"})
				return
			case errors.Is(err, download.ErrShuttingDown):
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "message": "shutting_down"})
				return
			default:
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "failed_to_start_download"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "download": d})
	}))

	mux.HandleFunc("/api/cancel", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.URL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			return
		}
		// Cancel is idempotent; cancelling something already finished or
		// unknown is a success.
		if err := runner.Cancel(r.Context(), req.URL); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "canceled"})
	}))

	mux.HandleFunc("/api/check", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || !validURL(req.URL) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_url"})
			return
		}
		ok, err := runner.Check(r.Context(), req.URL)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			return
		}
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "url_unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "url_available"})
	}))

	mux.HandleFunc("/api/downloads", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := reg.List(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": items})
	}))

	// Emission subscription; rate limiting does not apply to the single
	// long-lived connection.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWS(hub, w, r)
	})

	// Healthcheck
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Client bundle on the fallback route.
	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}

	return recoverer(logger(cors(mux)))
}

func applyDefaults(req *downloadRequest) {
	if req.Container == "" {
		req.Container = defaultContainer
	}
	if req.NameFormat == "" {
		req.NameFormat = defaultNameFormat
	}
	if req.Quality == "" {
		req.Quality = defaultQuality
	}
}

// Utilities

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"status": "error", "message": "method_not_allowed"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func validURL(u string) bool {
	if len(u) == 0 || len(u) > 2048 { // sanity cap
		return false
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed == nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	if parsed.Host == "" {
		return false
	}
	return true
}

// Middleware

func with(rl rateLimiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "rate_limited"})
			return
		}
		h(w, r)
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.LogHTTPRequest(r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.LogHandlerError("handler panic", errorFromPanic(v))
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func errorFromPanic(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return errors.New("panic")
}

func clientIP(r *http.Request) string {
	// Respect common proxy headers, then fall back to RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// Simple token bucket per IP with fixed refill interval and capacity.
type ipRateLimiter struct {
	cap     int
	refill  time.Duration
	buckets map[string]*bucket
	// protect buckets
	mu sync.Mutex
}

type bucket struct {
	tokens int
	last   time.Time
}

func newIPRateLimiter(cap int, refill time.Duration) *ipRateLimiter {
	return &ipRateLimiter{cap: cap, refill: refill, buckets: make(map[string]*bucket)}
}

func (rl *ipRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	b := rl.buckets[key]
	if b == nil {
		b = &bucket{tokens: rl.cap - 1, last: now}
		rl.buckets[key] = b
		return true
	}
	// refill if interval passed
	if d := now.Sub(b.last); d >= rl.refill {
		// reset once per interval
		b.tokens = rl.cap
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
